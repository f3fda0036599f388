//go:build windows

package rtp

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// applySockOptForVoice на Windows ограничивается буферами и SO_REUSEADDR.
// DSCP и привязка к интерфейсу через сокет не поддерживаются.
func applySockOptForVoice(fd uintptr, opts socketOptions) error {
	handle := windows.Handle(fd)

	recv, send := voiceBufferSizes(opts.BufferSize)
	if err := windows.SetsockoptInt(handle, windows.SOL_SOCKET, windows.SO_RCVBUF, recv); err != nil {
		return fmt.Errorf("SO_RCVBUF (%d): %w", recv, err)
	}
	if err := windows.SetsockoptInt(handle, windows.SOL_SOCKET, windows.SO_SNDBUF, send); err != nil {
		return fmt.Errorf("SO_SNDBUF (%d): %w", send, err)
	}

	if opts.ReusePort {
		if err := windows.SetsockoptInt(handle, windows.SOL_SOCKET, windows.SO_REUSEADDR, 1); err != nil {
			return fmt.Errorf("ошибка установки SO_REUSEADDR: %w", err)
		}
	}

	return nil
}
