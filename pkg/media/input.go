package media

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"

	"github.com/arzzra/media_server/pkg/format"
)

// PacketHandler обработчик пакетов входящего аудио потока
type PacketHandler func(pkt *rtp.Packet, f format.Format)

// RTPInput получатель входящего аудио. Передает пакеты обработчику, пока
// активен.
type RTPInput struct {
	gate
	handler PacketHandler

	// последний payload type, +1 чтобы отличить от отсутствия
	lastPT atomic.Uint32
}

// NewRTPInput создает вход RTP. handler может быть nil, тогда пакеты
// только учитываются.
func NewRTPInput(handler PacketHandler, logger *slog.Logger) *RTPInput {
	in := &RTPInput{handler: handler}
	in.init("rtp_input", logger)
	return in
}

// Write передает пакет обработчику
func (in *RTPInput) Write(pkt *rtp.Packet, f format.Format) {
	if !in.admit() {
		return
	}

	pt := uint32(f.PayloadType) + 1
	if prev := in.lastPT.Swap(pt); prev != pt {
		in.logger.Info("формат входящего потока", slog.String("format", f.String()))
	}

	if in.handler != nil {
		in.handler(pkt, f)
	}
}

// DTMFHandler обработчик распознанных DTMF событий
type DTMFHandler func(DTMFEvent)

type dtmfEventKey struct {
	ssrc      uint32
	timestamp uint32
}

// DTMFInput получатель telephone-event пакетов. Каждое событие сообщается
// обработчику один раз, по первому полученному пакету события. Повторы и
// завершающие пакеты того же события игнорируются.
type DTMFInput struct {
	gate
	handler DTMFHandler

	mu        sync.Mutex
	last      dtmfEventKey
	hasLast   bool
	malformed atomic.Uint64
}

// NewDTMFInput создает вход DTMF
func NewDTMFInput(handler DTMFHandler, logger *slog.Logger) *DTMFInput {
	in := &DTMFInput{handler: handler}
	in.init("dtmf_input", logger)
	return in
}

// Deactivate выключает получатель и сбрасывает состояние текущего события
func (in *DTMFInput) Deactivate() {
	in.gate.Deactivate()
	in.mu.Lock()
	in.hasLast = false
	in.mu.Unlock()
}

// Write разбирает telephone-event пакет. Длительность события вычисляется по
// частоте согласованного формата.
func (in *DTMFInput) Write(pkt *rtp.Packet, f format.Format) {
	if !in.admit() {
		return
	}

	payload, err := UnmarshalDTMFPayload(pkt.Payload)
	if err != nil {
		in.malformed.Add(1)
		in.logger.Debug("некорректный DTMF пакет", slog.Any("error", err))
		return
	}
	if payload.Event > uint8(DTMFD) {
		// события не из набора DTMF (RFC 4733, таблица 3)
		return
	}

	key := dtmfEventKey{ssrc: pkt.SSRC, timestamp: pkt.Timestamp}

	in.mu.Lock()
	if in.hasLast && in.last == key {
		in.mu.Unlock()
		return
	}
	in.last = key
	in.hasLast = true
	in.mu.Unlock()

	event := DTMFEvent{
		Digit:     DTMFDigit(payload.Event),
		Duration:  durationFromSamples(payload.Duration, f.ClockRate),
		Volume:    -int8(payload.Volume),
		Timestamp: pkt.Timestamp,
		SSRC:      pkt.SSRC,
	}

	in.logger.Info("получен DTMF",
		slog.String("digit", event.Digit.String()),
		slog.Uint64("ssrc", uint64(event.SSRC)))

	if in.handler != nil {
		in.handler(event)
	}
}

// Malformed возвращает количество пакетов с некорректным payload
func (in *DTMFInput) Malformed() uint64 {
	return in.malformed.Load()
}
