package media

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/rtp"

	"github.com/arzzra/media_server/pkg/format"
)

var ErrNoSender = errors.New("отправитель не задан")

// Sender принимает исходящие пакеты, обычно Session.OutgoingRTP
type Sender func(pkt *rtp.Packet)

// RTPOutput исходящий поток сессии. Источник медиа пишет в него пакеты, а
// выход передает их отправителю только в активном состоянии.
type RTPOutput struct {
	gate

	mu     sync.RWMutex
	send   Sender
	dtmf   *DTMFSender
	dtmfPT uint8
}

// NewRTPOutput создает выход RTP. Отправитель можно задать позже через
// SetSender, когда сессия уже создана.
func NewRTPOutput(send Sender, logger *slog.Logger) *RTPOutput {
	out := &RTPOutput{send: send}
	out.init("rtp_output", logger)
	return out
}

// SetSender задает отправителя
func (out *RTPOutput) SetSender(send Sender) {
	out.mu.Lock()
	out.send = send
	out.mu.Unlock()
}

func (out *RTPOutput) sender() Sender {
	out.mu.RLock()
	defer out.mu.RUnlock()
	return out.send
}

// Write передает пакет отправителю, если выход активен
func (out *RTPOutput) Write(pkt *rtp.Packet, _ format.Format) {
	_ = out.WritePacket(pkt)
}

// WritePacket передает пакет отправителю. Возвращает ErrSinkInactive, если
// режим соединения не разрешает отправку.
func (out *RTPOutput) WritePacket(pkt *rtp.Packet) error {
	send := out.sender()
	if send == nil {
		return ErrNoSender
	}
	if !out.admit() {
		return ErrSinkInactive
	}
	send(pkt)
	return nil
}

// SendDTMF отправляет DTMF событие в согласованном telephone-event формате
func (out *RTPOutput) SendDTMF(te format.Format, ssrc uint32, event DTMFEvent) error {
	if !te.IsTelephoneEvent() {
		return fmt.Errorf("формат %s не является telephone-event", te)
	}
	if !out.IsActive() {
		return ErrSinkInactive
	}

	out.mu.Lock()
	if out.dtmf == nil || out.dtmfPT != te.PayloadType {
		out.dtmf = NewDTMFSender(te.PayloadType, te.ClockRate, ssrc)
		out.dtmfPT = te.PayloadType
	}
	packets, err := out.dtmf.GeneratePackets(event)
	out.mu.Unlock()
	if err != nil {
		return err
	}

	for _, pkt := range packets {
		if err := out.WritePacket(pkt); err != nil {
			return err
		}
	}
	out.logger.Info("отправлен DTMF", slog.String("digit", event.Digit.String()))
	return nil
}
