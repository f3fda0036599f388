package rtp

import (
	"context"
	"fmt"
	"net"
	"syscall"
)

// socketOptions настройки сокета для голосового трафика
type socketOptions struct {
	BufferSize   int
	DSCP         int
	ReusePort    bool
	BindToDevice string
}

func (c ChannelConfig) socketOptions() socketOptions {
	return socketOptions{
		BufferSize:   c.BufferSize,
		DSCP:         c.DSCP,
		ReusePort:    c.ReusePort,
		BindToDevice: c.BindToDevice,
	}
}

// listenUDP открывает UDP сокет с настройками для голоса. Опции выставляются
// до bind, так как SO_REUSEPORT и SO_BINDTODEVICE иначе не действуют.
func listenUDP(ctx context.Context, local *net.UDPAddr, opts socketOptions) (*net.UDPConn, error) {
	network := "udp4"
	if local.IP != nil && local.IP.To4() == nil {
		network = "udp6"
	}

	lc := net.ListenConfig{
		Control: func(_, _ string, rawConn syscall.RawConn) error {
			var sockOptErr error
			if err := rawConn.Control(func(fd uintptr) {
				sockOptErr = applySockOptForVoice(fd, opts)
			}); err != nil {
				return fmt.Errorf("ошибка управления сокетом: %w", err)
			}
			return sockOptErr
		},
	}

	pc, err := lc.ListenPacket(ctx, network, local.String())
	if err != nil {
		return nil, classifyNetworkError("bind", err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("неожиданный тип сокета %T", pc)
	}
	return conn, nil
}

// voiceBufferSizes вычисляет размеры буферов сокета
func voiceBufferSizes(bufferSize int) (recv, send int) {
	recv = VoiceOptimizedRecvBuffer
	send = VoiceOptimizedSendBuffer
	if bufferSize > DefaultBufferSize {
		recv = bufferSize * 4
		send = bufferSize * 2
	}
	return recv, send
}
