//go:build linux

package rtp

import "golang.org/x/sys/unix"

// setSockOptReusePort включает SO_REUSEPORT: ядро распределяет пакеты между сокетами на одном порту
func setSockOptReusePort(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
}

// setSockOptBindToDevice привязывает сокет к сетевому интерфейсу
func setSockOptBindToDevice(fd int, device string) error {
	return unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, device)
}

// setSockOptVoiceOptimizations выставляет приоритет интерактивного аудио (6)
func setSockOptVoiceOptimizations(fd int) {
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PRIORITY, 6)
}
