//go:build darwin

package rtp

import "golang.org/x/sys/unix"

// setSockOptReusePort на macOS выставляет SO_REUSEADDR и, если доступно, SO_REUSEPORT
func setSockOptReusePort(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	return nil
}

// setSockOptBindToDevice не поддерживается на macOS, привязка выполняется по IP интерфейса
func setSockOptBindToDevice(int, string) error {
	return nil
}

func setSockOptVoiceOptimizations(fd int) {
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_NOSIGPIPE, 1)
}
