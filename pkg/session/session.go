// Package session реализует контроллер медиа сессии одного плеча вызова.
//
// Сессия управляет жизненным циклом RTP потока: открытие и привязка
// транспорта, согласование форматов с удаленной стороной, смена режима
// соединения и закрытие. Входящие и исходящие пакеты маршрутизируются по
// согласованному формату и текущему режиму.
//
// Административные операции (Open, UpdateMode, Negotiate, Close)
// сериализуются мьютексом сессии и возвращают *Result. Маршрутизация
// пакетов (IncomingRTP, OutgoingRTP) безопасна для параллельного вызова и
// никогда не возвращает ошибок: неподходящие пакеты отбрасываются.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"

	"github.com/looplab/fsm"
	"github.com/pion/rtp"

	"github.com/arzzra/media_server/pkg/format"
	mediartp "github.com/arzzra/media_server/pkg/rtp"
)

// State производное состояние сессии
type State int

const (
	StateIdle               State = iota // не открыта
	StateOpen                            // транспорт привязан, режим неактивен, удаленной стороны нет
	StateActiveUnnegotiated              // режим активен, удаленной стороны нет
	StateNegotiated                      // удаленный адрес и форматы согласованы
	StateClosed                          // терминальное состояние
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpen:
		return "open"
	case StateActiveUnnegotiated:
		return "active_unnegotiated"
	case StateNegotiated:
		return "negotiated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Состояния и события автомата жизненного цикла
const (
	lifecycleIdle    = "idle"
	lifecycleOpening = "opening"
	lifecycleOpen    = "open"
	lifecycleClosed  = "closed"

	eventOpen       = "open"
	eventOpened     = "opened"
	eventOpenFailed = "open_failed"
	eventClose      = "close"
)

// Config параметры сессии
type Config struct {
	ID        uint64
	SSRC      uint32 // 0 = случайный
	MediaType mediartp.MediaType

	// Offered локальные форматы. Пустой набор заменяется format.AVProfile().
	Offered format.Formats

	Channel mediartp.Channel

	RTPInput  MediaSink
	DTMFInput MediaSink
	RTPOutput MediaSink

	Clock    Clock
	Observer Observer
	Logger   *slog.Logger
}

// Validate проверяет обязательные поля
func (c Config) Validate() error {
	if c.Channel == nil {
		return fmt.Errorf("транспортный канал обязателен")
	}
	return nil
}

// Session контроллер медиа сессии
type Session struct {
	id      uint64
	ctx     *Context
	stats   *Statistics
	channel mediartp.Channel

	rtpInput  MediaSink
	dtmfInput MediaSink
	rtpOutput MediaSink

	observer Observer
	logger   *slog.Logger

	// mu сериализует административные операции. Не удерживается во время
	// вызовов транспорта, так как Completion может прийти синхронно.
	mu          sync.Mutex
	machine     *fsm.FSM
	pendingOpen *Result
	generation  uint64
}

// New создает сессию в состоянии idle
func New(cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("неверная конфигурация сессии: %w", err)
	}

	offered := cfg.Offered
	if offered.IsEmpty() {
		offered = format.AVProfile()
	}
	ssrc := cfg.SSRC
	if ssrc == 0 {
		ssrc = rand.Uint32()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = noopObserver{}
	}

	s := &Session{
		id:        cfg.ID,
		ctx:       newContext(cfg.ID, ssrc, cfg.MediaType, offered),
		stats:     NewStatistics(ssrc, cfg.Clock),
		channel:   cfg.Channel,
		rtpInput:  sinkOrNoop(cfg.RTPInput),
		dtmfInput: sinkOrNoop(cfg.DTMFInput),
		rtpOutput: sinkOrNoop(cfg.RTPOutput),
		observer:  observer,
		logger: logger.With(
			slog.String("component", "media_session"),
			slog.Uint64("session_id", cfg.ID),
		),
	}
	s.initStateMachine()

	return s, nil
}

// initStateMachine инициализирует автомат жизненного цикла
func (s *Session) initStateMachine() {
	s.machine = fsm.NewFSM(
		lifecycleIdle,
		fsm.Events{
			{Name: eventOpen, Src: []string{lifecycleIdle}, Dst: lifecycleOpening},
			{Name: eventOpened, Src: []string{lifecycleOpening}, Dst: lifecycleOpen},
			{Name: eventOpenFailed, Src: []string{lifecycleOpening}, Dst: lifecycleIdle},
			{Name: eventClose, Src: []string{lifecycleIdle, lifecycleOpening, lifecycleOpen}, Dst: lifecycleClosed},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				s.logger.Debug("переход жизненного цикла",
					slog.String("event", e.Event),
					slog.String("from", e.Src),
					slog.String("to", e.Dst))
			},
		},
	)
}

// fire выполняет переход автомата. Вызывается под s.mu.
func (s *Session) fire(event string) {
	if err := s.machine.Event(context.Background(), event); err != nil {
		s.logger.Error("недопустимый переход жизненного цикла",
			slog.String("event", event),
			slog.String("state", s.machine.Current()),
			slog.Any("error", err))
	}
}

// ID возвращает идентификатор сессии
func (s *Session) ID() uint64 {
	return s.id
}

// Context возвращает контекст сессии только для чтения
func (s *Session) Context() *Context {
	return s.ctx
}

// Statistics возвращает статистику сессии
func (s *Session) Statistics() *Statistics {
	return s.stats
}

// Mode возвращает текущий режим соединения
func (s *Session) Mode() mediartp.ConnectionMode {
	return s.ctx.Mode()
}

// LocalAddress возвращает локальный адрес или nil до открытия
func (s *Session) LocalAddress() *net.UDPAddr {
	return s.ctx.LocalAddress()
}

// RemoteAddress возвращает удаленный адрес или nil до согласования
func (s *Session) RemoteAddress() *net.UDPAddr {
	return s.ctx.RemoteAddress()
}

// NegotiatedFormats возвращает согласованные форматы
func (s *Session) NegotiatedFormats() format.Formats {
	return s.ctx.NegotiatedFormats()
}

// State возвращает производное состояние сессии
func (s *Session) State() State {
	switch s.machine.Current() {
	case lifecycleClosed:
		return StateClosed
	case lifecycleOpen:
		if s.ctx.RemoteAddress() != nil {
			return StateNegotiated
		}
		if s.ctx.Mode() != mediartp.ModeInactive {
			return StateActiveUnnegotiated
		}
		return StateOpen
	default:
		return StateIdle
	}
}

// notifyState сообщает наблюдателю о смене производного состояния.
// Вызывается под s.mu, чтобы переходы доходили в порядке их выполнения.
func (s *Session) notifyState(before, after State) {
	if after == before {
		return
	}
	s.logger.Info("состояние сессии изменено",
		slog.String("from", before.String()),
		slog.String("to", after.String()))
	s.observer.StateChanged(before, after)
}

// Open открывает транспорт и привязывает его к локальному адресу.
// Допустимо только из состояния idle. Если local равен nil, используется
// произвольный порт на всех интерфейсах.
func (s *Session) Open(local *net.UDPAddr) *Result {
	s.mu.Lock()
	if s.machine.Current() != lifecycleIdle {
		state := s.State()
		s.mu.Unlock()
		return resolvedResult(newIllegalStateError(s.id, PhaseOpen, state))
	}
	if local == nil {
		local = &net.UDPAddr{}
	}

	s.fire(eventOpen)
	res := newResult()
	s.pendingOpen = res
	s.mu.Unlock()

	s.logger.Debug("открытие сессии", slog.String("local", local.String()))

	s.channel.Open(s.IncomingRTP, func(err error) {
		if err != nil {
			s.openFailed(res, PhaseOpen, err)
			return
		}
		s.channel.Bind(local, func(err error) {
			if err != nil {
				s.openFailed(res, PhaseBind, err)
				return
			}
			s.openSucceeded(res, local)
		})
	})

	return res
}

func (s *Session) openSucceeded(res *Result, requested *net.UDPAddr) {
	local := s.channel.LocalAddr()
	if local == nil {
		local = requested
	}

	s.mu.Lock()
	if s.machine.Current() != lifecycleOpening || s.pendingOpen != res {
		state := s.State()
		s.mu.Unlock()
		res.resolve(newIllegalStateError(s.id, PhaseOpen, state))
		return
	}
	before := s.State()
	s.ctx.setLocal(local)
	s.fire(eventOpened)
	s.pendingOpen = nil
	s.notifyState(before, s.State())
	s.mu.Unlock()

	s.logger.Info("сессия открыта", slog.String("local", local.String()))
	res.resolve(nil)
}

func (s *Session) openFailed(res *Result, phase Phase, cause error) {
	s.mu.Lock()
	if s.machine.Current() == lifecycleOpening && s.pendingOpen == res {
		s.fire(eventOpenFailed)
		s.pendingOpen = nil
	}
	s.mu.Unlock()

	s.logger.Warn("не удалось открыть сессию", slog.String("phase", string(phase)), slog.Any("error", cause))
	res.resolve(newSessionError(ErrorCodeTransport, s.id, phase, "ошибка транспорта", cause))
}

// UpdateMode меняет режим соединения и активирует или деактивирует
// получателей. Получатели включаются до публикации нового режима и
// выключаются после, поэтому маршрутизация не попадает в неактивный
// получатель из-за порядка операций.
func (s *Session) UpdateMode(mode mediartp.ConnectionMode) *Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.machine.Current() != lifecycleOpen {
		return resolvedResult(newIllegalStateError(s.id, PhaseMode, s.State()))
	}
	if !mode.Valid() {
		err := newIllegalStateError(s.id, PhaseMode, s.State())
		err.Message = fmt.Sprintf("недопустимый режим соединения %d", int(mode))
		return resolvedResult(err)
	}

	before := s.State()
	prev := s.ctx.Mode()

	if mode.CanReceive() && !prev.CanReceive() {
		s.rtpInput.Activate()
		s.dtmfInput.Activate()
	}
	if mode.CanSend() && !prev.CanSend() {
		s.rtpOutput.Activate()
	}

	s.ctx.setMode(mode)

	if !mode.CanReceive() && prev.CanReceive() {
		s.rtpInput.Deactivate()
		s.dtmfInput.Deactivate()
	}
	if !mode.CanSend() && prev.CanSend() {
		s.rtpOutput.Deactivate()
	}

	s.logger.Debug("режим соединения изменен",
		slog.String("from", prev.String()),
		slog.String("to", mode.String()))
	s.notifyState(before, s.State())

	return resolvedResult(nil)
}

// Negotiate согласует форматы с удаленным предложением и подключает
// транспорт к удаленному адресу. При ошибке подключения согласование
// откатывается к предыдущему состоянию.
func (s *Session) Negotiate(offer RemoteOffer) *Result {
	s.mu.Lock()

	if s.machine.Current() != lifecycleOpen {
		state := s.State()
		s.mu.Unlock()
		return resolvedResult(newIllegalStateError(s.id, PhaseNegotiate, state))
	}

	remote, err := offer.UDPAddr()
	if err != nil {
		s.mu.Unlock()
		return resolvedResult(newSessionError(ErrorCodeNegotiation, s.id, PhaseNegotiate,
			"некорректный адрес в предложении", err))
	}

	negotiated, err := format.Negotiate(s.ctx.OfferedFormats(), offer.Formats)
	if err != nil {
		s.mu.Unlock()
		negErr := newSessionError(ErrorCodeNegotiation, s.id, PhaseNegotiate, "согласование форматов не удалось", err)
		negErr.Context = map[string]interface{}{
			"offered": s.ctx.OfferedFormats().PayloadTypes(),
			"remote":  offer.Formats.PayloadTypes(),
		}
		s.logger.Warn("нет общих форматов", slog.Any("remote", offer.Formats))
		return resolvedResult(negErr)
	}

	before := s.State()
	previous := s.ctx.negotiation()
	s.generation++
	generation := s.generation
	s.ctx.setNegotiation(negotiation{formats: negotiated, remote: remote, remoteSSRC: offer.SSRC})
	s.notifyState(before, s.State())
	s.mu.Unlock()

	s.logger.Info("форматы согласованы",
		slog.String("remote", remote.String()),
		slog.Any("payload_types", negotiated))

	res := newResult()
	s.channel.Connect(remote, func(err error) {
		if err == nil {
			res.resolve(nil)
			return
		}
		s.rollbackNegotiation(generation, previous)
		s.logger.Warn("подключение к удаленной стороне не удалось",
			slog.String("remote", remote.String()),
			slog.Any("error", err))
		res.resolve(newSessionError(ErrorCodeConnect, s.id, PhaseConnect,
			fmt.Sprintf("не удалось подключиться к %s", remote), err))
	})

	return res
}

// rollbackNegotiation восстанавливает предыдущее согласование, если после
// неудачной попытки не было новой. Откат выполняется и для закрытой сессии:
// адрес неудачного подключения не должен остаться в контексте.
func (s *Session) rollbackNegotiation(generation uint64, previous negotiation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generation != generation {
		return
	}
	before := s.State()
	s.ctx.setNegotiation(previous)
	s.notifyState(before, s.State())
}

// IncomingRTP маршрутизирует входящий пакет. telephone-event уходит только в
// DTMF получатель без учета в статистике, остальные форматы уходят в RTP
// получатель и учитываются в статистике.
func (s *Session) IncomingRTP(pkt *rtp.Packet) {
	if pkt == nil {
		return
	}

	view := s.ctx.dispatchView()
	if view.negotiated.IsEmpty() {
		s.dropped(DirectionIncoming, DropNotNegotiated, pkt)
		return
	}
	if !view.mode.CanReceive() {
		s.dropped(DirectionIncoming, DropModeDisallows, pkt)
		return
	}
	f, ok := view.negotiated.Find(pkt.PayloadType)
	if !ok {
		s.dropped(DirectionIncoming, DropUnknownFormat, pkt)
		return
	}

	if f.IsTelephoneEvent() {
		s.dtmfInput.Write(pkt, f)
		s.observer.PacketRouted(DirectionIncoming, f, len(pkt.Payload))
		return
	}

	s.rtpInput.Write(pkt, f)
	s.stats.RecordIncoming(pkt)
	s.observer.PacketRouted(DirectionIncoming, f, len(pkt.Payload))
}

// OutgoingRTP отправляет пакет удаленной стороне. Статистика учитывает
// пакет в момент вызова независимо от результата отправки.
func (s *Session) OutgoingRTP(pkt *rtp.Packet) {
	if pkt == nil {
		return
	}

	view := s.ctx.dispatchView()
	if !view.hasRemote {
		s.dropped(DirectionOutgoing, DropNotNegotiated, pkt)
		return
	}
	if !view.mode.CanSend() {
		s.dropped(DirectionOutgoing, DropModeDisallows, pkt)
		return
	}

	f, ok := view.negotiated.Find(pkt.PayloadType)
	if !ok {
		f = format.Format{PayloadType: pkt.PayloadType}
	}

	s.channel.Send(pkt, func(err error) {
		if err != nil {
			s.logger.Warn("ошибка отправки RTP пакета",
				slog.Uint64("seq", uint64(pkt.SequenceNumber)),
				slog.Any("error", err))
			s.observer.PacketDropped(DirectionOutgoing, DropSendFailed)
		}
	})
	s.stats.RecordOutgoing(pkt)
	s.observer.PacketRouted(DirectionOutgoing, f, len(pkt.Payload))
}

func (s *Session) dropped(dir Direction, reason DropReason, pkt *rtp.Packet) {
	s.observer.PacketDropped(dir, reason)
	if s.logger.Enabled(context.Background(), slog.LevelDebug) {
		s.logger.Debug("пакет отброшен",
			slog.String("direction", string(dir)),
			slog.String("reason", string(reason)),
			slog.Int("payload_type", int(pkt.PayloadType)))
	}
}

// Close закрывает сессию. Повторный вызов успешен. Для неоткрытой сессии
// получатели и транспорт не затрагиваются. Для открытой все получатели
// деактивируются, режим сбрасывается в inactive, транспорт закрывается.
// Ошибка закрытия транспорта возвращается, но сессия остается закрытой.
func (s *Session) Close() *Result {
	s.mu.Lock()

	before := s.State()
	switch s.machine.Current() {
	case lifecycleClosed:
		s.mu.Unlock()
		return resolvedResult(nil)

	case lifecycleIdle:
		s.fire(eventClose)
		s.notifyState(before, s.State())
		s.mu.Unlock()
		return resolvedResult(nil)

	case lifecycleOpening:
		s.fire(eventClose)
		pending := s.pendingOpen
		s.pendingOpen = nil
		s.notifyState(before, s.State())
		s.mu.Unlock()

		if pending != nil {
			pending.resolve(newIllegalStateError(s.id, PhaseOpen, StateClosed))
		}
		return s.closeTransport()

	default:
		s.rtpInput.Deactivate()
		s.dtmfInput.Deactivate()
		s.rtpOutput.Deactivate()
		s.ctx.setMode(mediartp.ModeInactive)
		s.fire(eventClose)
		s.notifyState(before, s.State())
		s.mu.Unlock()

		return s.closeTransport()
	}
}

func (s *Session) closeTransport() *Result {
	res := newResult()
	s.channel.Close(func(err error) {
		if err != nil {
			s.logger.Error("ошибка закрытия транспорта", slog.Any("error", err))
			res.resolve(newSessionError(ErrorCodeTransport, s.id, PhaseClose, "ошибка закрытия транспорта", err))
			return
		}
		s.logger.Info("сессия закрыта")
		res.resolve(nil)
	})
	return res
}

// noopSink получатель по умолчанию, если конкретный не задан
type noopSink struct{}

func (noopSink) Activate() {}
func (noopSink) Deactivate() {}
func (noopSink) Write(*rtp.Packet, format.Format) {}

func sinkOrNoop(sink MediaSink) MediaSink {
	if sink == nil {
		return noopSink{}
	}
	return sink
}
