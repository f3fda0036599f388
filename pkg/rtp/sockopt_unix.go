//go:build linux || darwin

package rtp

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// applySockOptForVoice применяет системные настройки сокета для голоса
func applySockOptForVoice(fd uintptr, opts socketOptions) error {
	intFd := int(fd)

	recv, send := voiceBufferSizes(opts.BufferSize)
	if err := unix.SetsockoptInt(intFd, unix.SOL_SOCKET, unix.SO_RCVBUF, recv); err != nil {
		return fmt.Errorf("SO_RCVBUF (%d): %w", recv, err)
	}
	if err := unix.SetsockoptInt(intFd, unix.SOL_SOCKET, unix.SO_SNDBUF, send); err != nil {
		return fmt.Errorf("SO_SNDBUF (%d): %w", send, err)
	}

	if opts.DSCP > 0 {
		setSockOptDSCP(intFd, opts.DSCP)
	}

	if opts.ReusePort {
		if err := setSockOptReusePort(intFd); err != nil {
			return fmt.Errorf("ошибка установки SO_REUSEPORT: %w", err)
		}
	}

	if opts.BindToDevice != "" {
		if err := setSockOptBindToDevice(intFd, opts.BindToDevice); err != nil {
			return fmt.Errorf("ошибка привязки к устройству %s: %w", opts.BindToDevice, err)
		}
	}

	setSockOptVoiceOptimizations(intFd)
	return nil
}

// setSockOptDSCP выставляет DSCP в старших 6 битах TOS. Ошибки игнорируются:
// в контейнерах маркировка может быть запрещена.
func setSockOptDSCP(fd, dscp int) {
	tos := dscp << 2
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, tos)
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
}
