package rtp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/tevino/abool"
	"golang.org/x/time/rate"

	"github.com/arzzra/media_server/pkg/pool"
)

// ChannelStatistics счетчики транспортного канала
type ChannelStatistics struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	ErrorsSend      uint64
	ErrorsReceive   uint64
	Dropped         uint64 // отброшено валидацией, фильтром источника или ограничением скорости
	LastActivity    time.Time
}

type channelCounters struct {
	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
	bytesSent       atomic.Uint64
	bytesReceived   atomic.Uint64
	errorsSend      atomic.Uint64
	errorsReceive   atomic.Uint64
	dropped         atomic.Uint64
	lastActivity    atomic.Int64
}

func (c *channelCounters) snapshot() ChannelStatistics {
	stats := ChannelStatistics{
		PacketsSent:     c.packetsSent.Load(),
		PacketsReceived: c.packetsReceived.Load(),
		BytesSent:       c.bytesSent.Load(),
		BytesReceived:   c.bytesReceived.Load(),
		ErrorsSend:      c.errorsSend.Load(),
		ErrorsReceive:   c.errorsReceive.Load(),
		Dropped:         c.dropped.Load(),
	}
	if ts := c.lastActivity.Load(); ts != 0 {
		stats.LastActivity = time.Unix(0, ts)
	}
	return stats
}

type sendJob struct {
	buf    *pool.Buffer
	remote *net.UDPAddr
	done   Completion
}

// UDPChannel асинхронный RTP канал поверх UDP.
//
// Bind запускает горутину чтения, которая разбирает пакеты в буферах пула и
// передает их обработчику. Отправка идет через ограниченную очередь:
// при переполнении пакет отбрасывается с ErrSendQueueFull.
type UDPChannel struct {
	config ChannelConfig
	pool   *pool.Pool
	logger *slog.Logger

	opened *abool.AtomicBool
	bound  *abool.AtomicBool
	closed *abool.AtomicBool

	mu      sync.Mutex
	conn    *net.UDPConn
	handler PacketHandler
	local   *net.UDPAddr

	remote   atomic.Pointer[net.UDPAddr]
	limiters sync.Map // string -> *rate.Limiter

	sendQueue chan sendJob
	stop      chan struct{}
	wg        sync.WaitGroup

	counters channelCounters
}

// NewUDPChannel создает UDP канал. Сокет открывается в Bind.
func NewUDPChannel(config ChannelConfig) (*UDPChannel, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("неверная конфигурация канала: %w", err)
	}

	p := config.Pool
	if p == nil {
		var err error
		p, err = pool.New(pool.DefaultSize, config.BufferSize, pool.WithLogger(config.Logger))
		if err != nil {
			return nil, err
		}
	}

	return &UDPChannel{
		config:    config,
		pool:      p,
		logger:    config.Logger.With(slog.String("component", "udp_channel")),
		opened:    abool.New(),
		bound:     abool.New(),
		closed:    abool.New(),
		sendQueue: make(chan sendJob, config.SendQueueSize),
		stop:      make(chan struct{}),
	}, nil
}

// Open регистрирует обработчик входящих пакетов
func (c *UDPChannel) Open(handler PacketHandler, done Completion) {
	go complete(done, c.open(handler))
}

func (c *UDPChannel) open(handler PacketHandler) error {
	if c.closed.IsSet() {
		return ErrChannelClosed
	}
	// повторный Open до Bind заменяет обработчик
	if c.bound.IsSet() {
		return ErrChannelOpen
	}

	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
	c.opened.Set()
	return nil
}

// Bind открывает сокет на локальном адресе и запускает прием и отправку
func (c *UDPChannel) Bind(local *net.UDPAddr, done Completion) {
	go complete(done, c.bind(local))
}

func (c *UDPChannel) bind(local *net.UDPAddr) error {
	if c.closed.IsSet() {
		return ErrChannelClosed
	}
	if !c.opened.IsSet() {
		return ErrChannelNotOpen
	}
	if err := validateUDPAddr(local, true); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bound.IsSet() {
		return ErrChannelBound
	}

	conn, err := listenUDP(context.Background(), local, c.config.socketOptions())
	if err != nil {
		return err
	}

	c.conn = conn
	c.local = conn.LocalAddr().(*net.UDPAddr)
	c.bound.Set()

	c.wg.Add(2)
	go c.readLoop(conn, c.handler)
	go c.sendLoop(conn)

	c.logger.Debug("канал привязан", slog.String("local", c.local.String()))
	return nil
}

// Connect задает удаленный адрес. Сокет остается неподключенным, чтобы
// адрес можно было сменить при повторном согласовании.
func (c *UDPChannel) Connect(remote *net.UDPAddr, done Completion) {
	go complete(done, c.connect(remote))
}

func (c *UDPChannel) connect(remote *net.UDPAddr) error {
	if c.closed.IsSet() {
		return ErrChannelClosed
	}
	if !c.bound.IsSet() {
		return ErrChannelNotBound
	}
	if err := validateUDPAddr(remote, false); err != nil {
		return err
	}
	if remote.IP == nil || remote.IP.IsUnspecified() {
		return fmt.Errorf("%w: не указан IP", ErrInvalidAddress)
	}

	c.remote.Store(cloneUDPAddr(remote))
	c.logger.Debug("задан удаленный адрес", slog.String("remote", remote.String()))
	return nil
}

// Send сериализует пакет в буфер пула и ставит его в очередь отправки
func (c *UDPChannel) Send(pkt *rtp.Packet, done Completion) {
	if err := c.enqueue(pkt, done); err != nil {
		c.counters.errorsSend.Add(1)
		go complete(done, err)
	}
}

func (c *UDPChannel) enqueue(pkt *rtp.Packet, done Completion) error {
	if c.closed.IsSet() {
		return ErrChannelClosed
	}
	if !c.bound.IsSet() {
		return ErrChannelNotBound
	}
	remote := c.remote.Load()
	if remote == nil {
		return ErrNoRemoteAddress
	}
	if pkt == nil {
		return fmt.Errorf("пакет не может быть nil")
	}

	buf := c.pool.Allocate()
	if pkt.MarshalSize() > buf.Cap() {
		c.pool.Deallocate(buf)
		return fmt.Errorf("пакет %d байт не помещается в буфер %d байт", pkt.MarshalSize(), buf.Cap())
	}
	n, err := pkt.MarshalTo(buf.Data())
	if err != nil {
		c.pool.Deallocate(buf)
		return fmt.Errorf("ошибка сериализации RTP пакета: %w", err)
	}
	_ = buf.SetLen(n)

	select {
	case c.sendQueue <- sendJob{buf: buf, remote: remote, done: done}:
		// канал мог закрыться после проверки выше, а sendLoop уже завершиться
		if c.closed.IsSet() {
			c.drainSendQueue()
		}
		return nil
	case <-c.stop:
		c.pool.Deallocate(buf)
		return ErrChannelClosed
	default:
		c.pool.Deallocate(buf)
		return ErrSendQueueFull
	}
}

func (c *UDPChannel) sendLoop(conn *net.UDPConn) {
	defer c.wg.Done()

	for {
		select {
		case <-c.stop:
			c.drainSendQueue()
			return
		case job := <-c.sendQueue:
			c.write(conn, job)
		}
	}
}

func (c *UDPChannel) write(conn *net.UDPConn, job sendJob) {
	n, err := conn.WriteToUDP(job.buf.Bytes(), job.remote)
	c.pool.Deallocate(job.buf)

	if err != nil {
		c.counters.errorsSend.Add(1)
		complete(job.done, classifyNetworkError("send", err))
		return
	}

	c.counters.packetsSent.Add(1)
	c.counters.bytesSent.Add(uint64(n))
	c.counters.lastActivity.Store(time.Now().UnixNano())
	complete(job.done, nil)
}

// drainSendQueue завершает ожидающие отправки после закрытия
func (c *UDPChannel) drainSendQueue() {
	for {
		select {
		case job := <-c.sendQueue:
			c.pool.Deallocate(job.buf)
			complete(job.done, ErrChannelClosed)
		default:
			return
		}
	}
}

func (c *UDPChannel) readLoop(conn *net.UDPConn, handler PacketHandler) {
	defer c.wg.Done()

	for {
		buf := c.pool.Allocate()
		n, addr, err := conn.ReadFromUDP(buf.Data())
		if err != nil {
			c.pool.Deallocate(buf)
			if errors.Is(err, net.ErrClosed) || c.closed.IsSet() {
				return
			}
			c.counters.errorsReceive.Add(1)
			c.logger.Debug("ошибка чтения", slog.Any("error", classifyNetworkError("receive", err)))
			continue
		}
		_ = buf.SetLen(n)

		c.dispatch(buf, addr, handler)
		c.pool.Deallocate(buf)
	}
}

// dispatch проверяет пакет и передает его обработчику
func (c *UDPChannel) dispatch(buf *pool.Buffer, addr *net.UDPAddr, handler PacketHandler) {
	if err := validatePacketSize(buf.Len()); err != nil {
		c.drop("size", addr, err)
		return
	}

	if c.config.StrictSource {
		if remote := c.remote.Load(); remote != nil && !sameUDPAddr(remote, addr) {
			c.drop("source", addr, nil)
			return
		}
	}

	if !c.allow(addr) {
		c.drop("rate_limit", addr, nil)
		return
	}

	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(buf.Bytes()); err != nil {
		c.drop("malformed", addr, err)
		return
	}
	if err := validateRTPHeader(&pkt.Header); err != nil {
		c.drop("header", addr, err)
		return
	}

	c.counters.packetsReceived.Add(1)
	c.counters.bytesReceived.Add(uint64(buf.Len()))
	c.counters.lastActivity.Store(time.Now().UnixNano())

	if handler != nil {
		handler(pkt)
	}
}

// allow применяет ограничение скорости к источнику
func (c *UDPChannel) allow(addr *net.UDPAddr) bool {
	if c.config.RateLimit <= 0 {
		return true
	}
	key := addr.String()
	limiter, ok := c.limiters.Load(key)
	if !ok {
		limiter, _ = c.limiters.LoadOrStore(key, rate.NewLimiter(rate.Limit(c.config.RateLimit), c.config.RateBurst))
	}
	return limiter.(*rate.Limiter).Allow()
}

func (c *UDPChannel) drop(reason string, addr *net.UDPAddr, err error) {
	c.counters.dropped.Add(1)
	attrs := []any{slog.String("reason", reason), slog.String("source", addr.String())}
	if err != nil {
		attrs = append(attrs, slog.Any("error", err))
	}
	c.logger.Debug("входящий пакет отброшен", attrs...)
}

// Close закрывает сокет и дожидается остановки горутин
func (c *UDPChannel) Close(done Completion) {
	go complete(done, c.close())
}

func (c *UDPChannel) close() error {
	if !c.closed.SetToIf(false, true) {
		return nil
	}
	close(c.stop)

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	var err error
	if conn != nil {
		if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = classifyNetworkError("close", cerr)
		}
	}
	c.wg.Wait()
	c.drainSendQueue()

	c.logger.Debug("канал закрыт")
	return err
}

// LocalAddr возвращает фактический адрес сокета после Bind
func (c *UDPChannel) LocalAddr() *net.UDPAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneUDPAddr(c.local)
}

// RemoteAddr возвращает адрес, заданный в Connect
func (c *UDPChannel) RemoteAddr() *net.UDPAddr {
	return cloneUDPAddr(c.remote.Load())
}

// Statistics возвращает снимок счетчиков канала
func (c *UDPChannel) Statistics() ChannelStatistics {
	return c.counters.snapshot()
}

// IsActive проверяет, что канал привязан и не закрыт
func (c *UDPChannel) IsActive() bool {
	return c.bound.IsSet() && !c.closed.IsSet()
}

func sameUDPAddr(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
