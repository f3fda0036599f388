// Package media содержит получателей медиа потока, которыми управляет сессия:
// вход RTP, вход DTMF и выход RTP.
//
// Каждый получатель активируется и деактивируется сессией при смене режима
// соединения. Неактивный получатель отбрасывает пакеты и учитывает их в
// статистике. Пакет, переданный в Write, действителен только во время вызова:
// обработчики, сохраняющие пакет, должны его копировать.
package media

import (
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/tevino/abool"
)

var ErrSinkInactive = errors.New("получатель неактивен")

// SinkStatistics счетчики получателя
type SinkStatistics struct {
	Activations uint64
	Delivered   uint64
	Dropped     uint64 // пакеты, пришедшие в неактивный получатель
}

// gate общий механизм активации получателей
type gate struct {
	name   string
	active *abool.AtomicBool
	logger *slog.Logger

	activations atomic.Uint64
	delivered   atomic.Uint64
	dropped     atomic.Uint64
}

func (g *gate) init(name string, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	g.name = name
	g.active = abool.New()
	g.logger = logger.With(slog.String("component", "media_sink"), slog.String("sink", name))
}

// Activate включает получатель. Повторная активация игнорируется.
func (g *gate) Activate() {
	if g.active.SetToIf(false, true) {
		g.activations.Add(1)
		g.logger.Debug("получатель активирован")
	}
}

// Deactivate выключает получатель
func (g *gate) Deactivate() {
	if g.active.SetToIf(true, false) {
		g.logger.Debug("получатель деактивирован")
	}
}

// IsActive сообщает, активен ли получатель
func (g *gate) IsActive() bool {
	return g.active.IsSet()
}

// admit проверяет активность и обновляет счетчики
func (g *gate) admit() bool {
	if !g.active.IsSet() {
		g.dropped.Add(1)
		return false
	}
	g.delivered.Add(1)
	return true
}

// Statistics возвращает счетчики получателя
func (g *gate) Statistics() SinkStatistics {
	return SinkStatistics{
		Activations: g.activations.Load(),
		Delivered:   g.delivered.Load(),
		Dropped:     g.dropped.Load(),
	}
}
