// Package manager создает медиа сессии для плеч вызова и управляет их
// ресурсами: RTP портами, транспортными каналами, общим пулом буферов и
// получателями медиа.
//
// Каждое плечо получает собственную session.Session с UDP или DTLS каналом,
// привязанным к порту из пула. SDP обмен выполняется через media_sdp:
// Offer и Answer строят локальное описание, Answer и ApplyAnswer
// согласуют форматы с удаленной стороной.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/arzzra/media_server/pkg/config"
	"github.com/arzzra/media_server/pkg/format"
	"github.com/arzzra/media_server/pkg/media"
	"github.com/arzzra/media_server/pkg/media_sdp"
	"github.com/arzzra/media_server/pkg/pool"
	mediartp "github.com/arzzra/media_server/pkg/rtp"
	"github.com/arzzra/media_server/pkg/session"
)

// openFailureCloseTimeout ограничивает ожидание закрытия канала после
// неудачного открытия. Порт освобождается только после этого.
const openFailureCloseTimeout = time.Second

// Ошибки менеджера
var (
	ErrManagerClosed     = errors.New("менеджер закрыт")
	ErrSessionLimit      = errors.New("достигнут лимит сессий")
	ErrSessionNotFound   = errors.New("сессия не найдена")
	ErrNoPorts           = errors.New("нет свободных портов")
	ErrDTMFNotNegotiated = errors.New("telephone-event не согласован")
)

// ChannelFactory создает транспортный канал для новой сессии
type ChannelFactory func(logger *slog.Logger) (mediartp.Channel, error)

// Options необязательные зависимости менеджера
type Options struct {
	Observer session.Observer // обычно *metrics.Collector
	Clock    session.Clock
	Logger   *slog.Logger
	Channels ChannelFactory // nil = по секции transport конфигурации
}

// Handlers обработчики входящего медиа плеча вызова
type Handlers struct {
	Audio media.PacketHandler
	DTMF  media.DTMFHandler
}

// Leg плечо вызова: сессия, ее получатели и выделенный порт
type Leg struct {
	ID      uint64
	Port    uint16
	Session *session.Session
	Audio   *media.RTPInput
	DTMF    *media.DTMFInput
	Output  *media.RTPOutput

	dtmfTimestamp atomic.Uint32
}

// SendDTMF отправляет DTMF цифру в согласованном telephone-event формате
func (l *Leg) SendDTMF(digit media.DTMFDigit, duration time.Duration) error {
	te, ok := l.Session.NegotiatedFormats().FindByName(format.TelephoneEvent)
	if !ok {
		return ErrDTMFNotNegotiated
	}

	samples := uint32(duration.Seconds() * float64(te.ClockRate))
	ts := l.dtmfTimestamp.Add(samples) - samples

	return l.Output.SendDTMF(te, l.Session.Context().SSRC(), media.DTMFEvent{
		Digit:     digit,
		Duration:  duration,
		Volume:    -10,
		Timestamp: ts,
	})
}

// Manager менеджер медиа сессий
type Manager struct {
	cfg      *config.Config
	offered  format.Formats
	ports    *PortPool
	buffers  *pool.Pool
	channels ChannelFactory
	observer session.Observer
	clock    session.Clock
	base     *slog.Logger // для сессий и каналов
	logger   *slog.Logger

	nextID atomic.Uint64

	mu     sync.RWMutex
	legs   map[uint64]*Leg
	closed bool
}

// New создает менеджер по конфигурации
func New(cfg *config.Config, opts Options) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config не может быть nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("невалидная конфигурация: %w", err)
	}

	base := opts.Logger
	if base == nil {
		base = slog.Default()
	}
	logger := base.With(slog.String("component", "media_manager"))

	offered, err := cfg.OfferedFormats()
	if err != nil {
		return nil, err
	}
	strategy, err := ParsePortStrategy(cfg.Media.PortStrategy)
	if err != nil {
		return nil, err
	}
	ports, err := NewPortPool(cfg.Media.MinPort, cfg.Media.MaxPort, cfg.Media.PortStep, strategy)
	if err != nil {
		return nil, fmt.Errorf("не удалось создать пул портов: %w", err)
	}
	buffers, err := pool.New(cfg.Pool.Size, cfg.Pool.Capacity,
		pool.WithLogger(base.With(slog.String("component", "packet_pool"))))
	if err != nil {
		return nil, fmt.Errorf("не удалось создать пул буферов: %w", err)
	}

	m := &Manager{
		cfg:      cfg,
		offered:  offered,
		ports:    ports,
		buffers:  buffers,
		channels: opts.Channels,
		observer: opts.Observer,
		clock:    opts.Clock,
		base:     base,
		logger:   logger,
		legs:     make(map[uint64]*Leg),
	}
	if m.channels == nil {
		if m.channels, err = m.transportChannels(); err != nil {
			return nil, err
		}
	}

	logger.Info("менеджер медиа сессий создан",
		slog.String("host", cfg.Media.Host),
		slog.Int("min_port", int(cfg.Media.MinPort)),
		slog.Int("max_port", int(cfg.Media.MaxPort)),
		slog.String("port_strategy", strategy.String()),
		slog.Bool("dtls", cfg.Transport.DTLS.Enabled),
		slog.Any("formats", offered))

	return m, nil
}

// transportChannels возвращает фабрику каналов по секции transport.
// Сертификат DTLS загружается один раз.
func (m *Manager) transportChannels() (ChannelFactory, error) {
	if m.cfg.Transport.DTLS.Enabled {
		dtlsCfg, err := m.cfg.DTLSChannelConfig(m.buffers)
		if err != nil {
			return nil, err
		}
		return func(logger *slog.Logger) (mediartp.Channel, error) {
			c := dtlsCfg
			c.Logger = logger
			return mediartp.NewDTLSChannel(c)
		}, nil
	}

	return func(logger *slog.Logger) (mediartp.Channel, error) {
		c := m.cfg.ChannelConfig(m.buffers)
		c.Logger = logger
		return mediartp.NewUDPChannel(c)
	}, nil
}

// Buffers возвращает общий пул буферов каналов
func (m *Manager) Buffers() *pool.Pool {
	return m.buffers
}

// AvailablePorts возвращает число свободных RTP портов
func (m *Manager) AvailablePorts() int {
	return m.ports.Available()
}

// CreateLeg создает и открывает сессию нового плеча вызова. Сессия
// возвращается в режиме inactive без удаленной стороны.
func (m *Manager) CreateLeg(ctx context.Context, handlers Handlers) (*Leg, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if len(m.legs) >= m.cfg.Media.MaxSessions {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w (%d)", ErrSessionLimit, m.cfg.Media.MaxSessions)
	}
	port, err := m.ports.Allocate()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	id := m.nextID.Add(1)
	// резервируем место до открытия, чтобы лимит учитывал открываемые сессии
	m.legs[id] = nil
	m.mu.Unlock()

	leg, err := m.openLeg(ctx, id, port, handlers)
	if err != nil {
		m.mu.Lock()
		delete(m.legs, id)
		m.mu.Unlock()
		if releaseErr := m.ports.Release(port); releaseErr != nil {
			m.logger.Error("ошибка при освобождении порта", slog.Int("port", int(port)), slog.Any("error", releaseErr))
		}
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		delete(m.legs, id)
		m.mu.Unlock()
		_ = m.release(ctx, leg)
		return nil, ErrManagerClosed
	}
	m.legs[id] = leg
	m.mu.Unlock()

	m.logger.Info("плечо вызова создано",
		slog.Uint64("session_id", id),
		slog.Int("port", int(port)))
	return leg, nil
}

func (m *Manager) openLeg(ctx context.Context, id uint64, port uint16, handlers Handlers) (*Leg, error) {
	logger := m.base.With(slog.Uint64("session_id", id))

	channel, err := m.channels(logger)
	if err != nil {
		return nil, fmt.Errorf("не удалось создать канал: %w", err)
	}

	leg := &Leg{
		ID:     id,
		Port:   port,
		Audio:  media.NewRTPInput(handlers.Audio, logger),
		DTMF:   media.NewDTMFInput(handlers.DTMF, logger),
		Output: media.NewRTPOutput(nil, logger),
	}
	leg.dtmfTimestamp.Store(rand.Uint32())

	sess, err := session.New(session.Config{
		ID:        id,
		MediaType: mediartp.MediaTypeAudio,
		Offered:   m.offered,
		Channel:   channel,
		RTPInput:  leg.Audio,
		DTMFInput: leg.DTMF,
		RTPOutput: leg.Output,
		Clock:     m.clock,
		Observer:  m.observer,
		Logger:    m.base,
	})
	if err != nil {
		return nil, err
	}
	leg.Session = sess
	leg.Output.SetSender(sess.OutgoingRTP)

	local := &net.UDPAddr{IP: net.ParseIP(m.cfg.Media.Host), Port: int(port)}
	if err := sess.Open(local).Wait(ctx); err != nil {
		// открытие могло продолжиться после отмены ctx
		closeCtx, cancel := context.WithTimeout(context.Background(), openFailureCloseTimeout)
		defer cancel()
		if closeErr := sess.Close().Wait(closeCtx); closeErr != nil {
			logger.Warn("канал не закрыт после неудачного открытия", slog.Any("error", closeErr))
		}
		return nil, err
	}

	return leg, nil
}

// Get возвращает плечо по идентификатору сессии
func (m *Manager) Get(id uint64) (*Leg, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	leg, ok := m.legs[id]
	return leg, ok && leg != nil
}

// List возвращает идентификаторы открытых сессий по возрастанию
func (m *Manager) List() []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]uint64, 0, len(m.legs))
	for id, leg := range m.legs {
		if leg != nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Offer создает SDP offer с локальными форматами и режимом sendrecv
func (m *Manager) Offer(leg *Leg) ([]byte, error) {
	sd, err := media_sdp.BuildOffer(m.description(leg, m.offered, mediartp.ModeSendRecv))
	if err != nil {
		return nil, err
	}
	return sd.Marshal()
}

// Answer согласует плечо с удаленным SDP offer, применяет режим и
// возвращает SDP answer
func (m *Manager) Answer(ctx context.Context, leg *Leg, rawOffer []byte) ([]byte, error) {
	sd, err := media_sdp.Parse(rawOffer)
	if err != nil {
		return nil, err
	}
	mode, err := m.apply(ctx, leg, sd)
	if err != nil {
		return nil, err
	}

	answer, err := media_sdp.BuildAnswer(m.description(leg, leg.Session.NegotiatedFormats(), mode), sd)
	if err != nil {
		return nil, err
	}
	return answer.Marshal()
}

// ApplyAnswer согласует плечо с SDP answer на ранее отправленный offer
func (m *Manager) ApplyAnswer(ctx context.Context, leg *Leg, rawAnswer []byte) error {
	sd, err := media_sdp.Parse(rawAnswer)
	if err != nil {
		return err
	}
	_, err = m.apply(ctx, leg, sd)
	return err
}

func (m *Manager) apply(ctx context.Context, leg *Leg, sd *sdp.SessionDescription) (mediartp.ConnectionMode, error) {
	remote, err := media_sdp.OfferFromSDP(sd, mediartp.MediaTypeAudio.String())
	if err != nil {
		return mediartp.ModeInactive, err
	}
	if err := leg.Session.Negotiate(remote).Wait(ctx); err != nil {
		return mediartp.ModeInactive, err
	}

	mode := media_sdp.AnswerMode(remote.Mode)
	if err := leg.Session.UpdateMode(mode).Wait(ctx); err != nil {
		return mediartp.ModeInactive, err
	}
	return mode, nil
}

func (m *Manager) description(leg *Leg, formats format.Formats, mode mediartp.ConnectionMode) media_sdp.DescriptionParams {
	return media_sdp.DescriptionParams{
		Host:      m.cfg.SDPHost(),
		Port:      int(leg.Port),
		SessionID: leg.ID,
		Formats:   formats,
		Mode:      mode,
		SSRC:      leg.Session.Context().SSRC(),
		Ptime:     m.cfg.Media.Ptime,
	}
}

// Release закрывает сессию плеча и возвращает порт в пул
func (m *Manager) Release(ctx context.Context, id uint64) error {
	m.mu.Lock()
	leg, ok := m.legs[id]
	if !ok || leg == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrSessionNotFound, id)
	}
	delete(m.legs, id)
	m.mu.Unlock()

	return m.release(ctx, leg)
}

func (m *Manager) release(ctx context.Context, leg *Leg) error {
	closeErr := leg.Session.Close().Wait(ctx)
	if closeErr != nil {
		m.logger.Error("ошибка при закрытии сессии",
			slog.Uint64("session_id", leg.ID),
			slog.Any("error", closeErr))
	}

	if err := m.ports.Release(leg.Port); err != nil {
		m.logger.Error("ошибка при освобождении порта",
			slog.Int("port", int(leg.Port)),
			slog.Any("error", err))
	}
	return closeErr
}

// Close закрывает все сессии. Новые сессии после Close не создаются.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	legs := make([]*Leg, 0, len(m.legs))
	for id, leg := range m.legs {
		if leg != nil {
			legs = append(legs, leg)
			delete(m.legs, id)
		}
	}
	m.mu.Unlock()

	var errs []error
	for _, leg := range legs {
		if err := m.release(ctx, leg); err != nil {
			errs = append(errs, err)
		}
	}

	m.logger.Info("менеджер медиа сессий закрыт", slog.Int("sessions", len(legs)))
	return errors.Join(errs...)
}
