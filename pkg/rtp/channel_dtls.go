package rtp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/dtls/v2"
	"github.com/pion/rtp"
	"github.com/tevino/abool"

	"github.com/arzzra/media_server/pkg/pool"
)

// DTLSRole роль стороны в DTLS рукопожатии (a=setup в SDP, RFC 4145)
type DTLSRole int

const (
	DTLSRoleClient DTLSRole = iota // active
	DTLSRoleServer                 // passive
)

func (r DTLSRole) String() string {
	if r == DTLSRoleServer {
		return "server"
	}
	return "client"
}

// DTLSConfig конфигурация DTLS канала
type DTLSConfig struct {
	ChannelConfig

	Role         DTLSRole
	Certificates []tls.Certificate
	RootCAs      *x509.CertPool
	ClientCAs    *x509.CertPool
	ServerName   string
	CipherSuites []dtls.CipherSuiteID

	InsecureSkipVerify bool

	HandshakeTimeout time.Duration

	// MTU для фрагментации DTLS сообщений
	MTU int
}

// DefaultDTLSConfig возвращает конфигурацию DTLS по умолчанию
func DefaultDTLSConfig() DTLSConfig {
	return DTLSConfig{
		ChannelConfig:    DefaultChannelConfig(),
		HandshakeTimeout: DefaultHandshakeTimeout,
		MTU:              1200,
		CipherSuites: []dtls.CipherSuiteID{
			dtls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			dtls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			dtls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			dtls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		},
	}
}

// Validate проверяет конфигурацию DTLS
func (c DTLSConfig) Validate() error {
	if err := c.ChannelConfig.Validate(); err != nil {
		return err
	}
	if len(c.Certificates) == 0 {
		return fmt.Errorf("для DTLS требуется хотя бы один сертификат")
	}
	if c.HandshakeTimeout < 0 {
		return fmt.Errorf("таймаут рукопожатия не может быть отрицательным")
	}
	return nil
}

// DTLSChannel RTP канал поверх DTLS. Рукопожатие выполняется в Connect на
// сокете, открытом в Bind. До завершения рукопожатия отправка невозможна.
type DTLSChannel struct {
	config DTLSConfig
	pool   *pool.Pool
	logger *slog.Logger

	opened *abool.AtomicBool
	closed *abool.AtomicBool

	mu       sync.Mutex
	conn     *net.UDPConn
	dtlsConn *dtls.Conn
	handler  PacketHandler
	local    *net.UDPAddr
	remote   *net.UDPAddr

	// writeMu сериализует запись в dtls.Conn
	writeMu sync.Mutex
	wg      sync.WaitGroup

	counters channelCounters
}

// NewDTLSChannel создает DTLS канал
func NewDTLSChannel(config DTLSConfig) (*DTLSChannel, error) {
	config.applyDefaults()
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("неверная конфигурация DTLS канала: %w", err)
	}

	p := config.Pool
	if p == nil {
		var err error
		p, err = pool.New(pool.DefaultSize, config.BufferSize, pool.WithLogger(config.Logger))
		if err != nil {
			return nil, err
		}
	}

	return &DTLSChannel{
		config: config,
		pool:   p,
		logger: config.Logger.With(slog.String("component", "dtls_channel"), slog.String("role", config.Role.String())),
		opened: abool.New(),
		closed: abool.New(),
	}, nil
}

// Open регистрирует обработчик входящих пакетов
func (c *DTLSChannel) Open(handler PacketHandler, done Completion) {
	go complete(done, c.open(handler))
}

func (c *DTLSChannel) open(handler PacketHandler) error {
	if c.closed.IsSet() {
		return ErrChannelClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return ErrChannelOpen
	}
	c.handler = handler
	c.opened.Set()
	return nil
}

// Bind открывает UDP сокет. Прием начинается после рукопожатия.
func (c *DTLSChannel) Bind(local *net.UDPAddr, done Completion) {
	go complete(done, c.bind(local))
}

func (c *DTLSChannel) bind(local *net.UDPAddr) error {
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
	if c.conn != nil {
		return ErrChannelBound
	}

	conn, err := listenUDP(context.Background(), local, c.config.socketOptions())
	if err != nil {
		return err
	}
	c.conn = conn
	c.local = conn.LocalAddr().(*net.UDPAddr)
	return nil
}

// Connect выполняет DTLS рукопожатие с удаленной стороной
func (c *DTLSChannel) Connect(remote *net.UDPAddr, done Completion) {
	go complete(done, c.connect(remote))
}

func (c *DTLSChannel) connect(remote *net.UDPAddr) error {
	if c.closed.IsSet() {
		return ErrChannelClosed
	}
	if err := validateUDPAddr(remote, false); err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	already := c.dtlsConn != nil
	c.mu.Unlock()

	if conn == nil {
		return ErrChannelNotBound
	}
	if already {
		return fmt.Errorf("DTLS соединение уже установлено")
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.config.HandshakeTimeout)
	defer cancel()

	peer := &peerConn{UDPConn: conn, remote: cloneUDPAddr(remote)}
	dtlsConfig := c.buildDTLSConfig()

	var (
		dtlsConn *dtls.Conn
		err      error
	)
	if c.config.Role == DTLSRoleServer {
		dtlsConn, err = dtls.ServerWithContext(ctx, peer, dtlsConfig)
	} else {
		dtlsConn, err = dtls.ClientWithContext(ctx, peer, dtlsConfig)
	}
	if err != nil {
		return fmt.Errorf("ошибка DTLS рукопожатия с %s: %w", remote, err)
	}

	c.mu.Lock()
	if c.closed.IsSet() {
		c.mu.Unlock()
		dtlsConn.Close()
		return ErrChannelClosed
	}
	c.dtlsConn = dtlsConn
	c.remote = cloneUDPAddr(remote)
	handler := c.handler
	c.wg.Add(1)
	c.mu.Unlock()

	go c.readLoop(dtlsConn, remote, handler)

	c.logger.Info("DTLS соединение установлено", slog.String("remote", remote.String()))
	return nil
}

// buildDTLSConfig создает конфигурацию pion/dtls
func (c *DTLSChannel) buildDTLSConfig() *dtls.Config {
	timeout := c.config.HandshakeTimeout
	return &dtls.Config{
		Certificates:         c.config.Certificates,
		RootCAs:              c.config.RootCAs,
		ClientCAs:            c.config.ClientCAs,
		ServerName:           c.config.ServerName,
		CipherSuites:         c.config.CipherSuites,
		InsecureSkipVerify:   c.config.InsecureSkipVerify,
		MTU:                  c.config.MTU,
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(context.Background(), timeout)
		},
	}
}

// Send шифрует и отправляет пакет
func (c *DTLSChannel) Send(pkt *rtp.Packet, done Completion) {
	go func() {
		err := c.send(pkt)
		if err != nil {
			c.counters.errorsSend.Add(1)
		}
		complete(done, err)
	}()
}

func (c *DTLSChannel) send(pkt *rtp.Packet) error {
	if c.closed.IsSet() {
		return ErrChannelClosed
	}
	c.mu.Lock()
	dtlsConn := c.dtlsConn
	c.mu.Unlock()
	if dtlsConn == nil {
		return ErrHandshakeNotFinish
	}
	if pkt == nil {
		return fmt.Errorf("пакет не может быть nil")
	}

	buf := c.pool.Allocate()
	defer c.pool.Deallocate(buf)

	if pkt.MarshalSize() > buf.Cap() {
		return fmt.Errorf("пакет %d байт не помещается в буфер %d байт", pkt.MarshalSize(), buf.Cap())
	}
	n, err := pkt.MarshalTo(buf.Data())
	if err != nil {
		return fmt.Errorf("ошибка сериализации RTP пакета: %w", err)
	}

	c.writeMu.Lock()
	written, err := dtlsConn.Write(buf.Data()[:n])
	c.writeMu.Unlock()
	if err != nil {
		return classifyNetworkError("dtls send", err)
	}

	c.counters.packetsSent.Add(1)
	c.counters.bytesSent.Add(uint64(written))
	c.counters.lastActivity.Store(time.Now().UnixNano())
	return nil
}

func (c *DTLSChannel) readLoop(conn *dtls.Conn, remote *net.UDPAddr, handler PacketHandler) {
	defer c.wg.Done()

	for {
		buf := c.pool.Allocate()
		n, err := conn.Read(buf.Data())
		if err != nil {
			c.pool.Deallocate(buf)
			if c.closed.IsSet() || errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
				return
			}
			c.counters.errorsReceive.Add(1)
			c.logger.Debug("ошибка чтения DTLS", slog.Any("error", err))
			if !IsRetryable(classifyNetworkError("dtls receive", err)) {
				return
			}
			continue
		}
		_ = buf.SetLen(n)

		c.deliver(buf, remote, handler)
		c.pool.Deallocate(buf)
	}
}

func (c *DTLSChannel) deliver(buf *pool.Buffer, remote *net.UDPAddr, handler PacketHandler) {
	if err := validatePacketSize(buf.Len()); err != nil {
		c.counters.dropped.Add(1)
		return
	}
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(buf.Bytes()); err != nil {
		c.counters.dropped.Add(1)
		return
	}
	if err := validateRTPHeader(&pkt.Header); err != nil {
		c.counters.dropped.Add(1)
		return
	}

	c.counters.packetsReceived.Add(1)
	c.counters.bytesReceived.Add(uint64(buf.Len()))
	c.counters.lastActivity.Store(time.Now().UnixNano())

	if handler != nil {
		handler(pkt)
	}
}

// Close закрывает DTLS соединение и сокет
func (c *DTLSChannel) Close(done Completion) {
	go complete(done, c.close())
}

func (c *DTLSChannel) close() error {
	if !c.closed.SetToIf(false, true) {
		return nil
	}

	c.mu.Lock()
	dtlsConn := c.dtlsConn
	conn := c.conn
	c.mu.Unlock()

	var errs []error
	if dtlsConn != nil {
		if err := dtlsConn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("закрытие DTLS: %w", err))
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, classifyNetworkError("close", err))
		}
	}
	c.wg.Wait()

	return errors.Join(errs...)
}

// LocalAddr возвращает адрес сокета после Bind
func (c *DTLSChannel) LocalAddr() *net.UDPAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneUDPAddr(c.local)
}

// ConnectionState возвращает состояние DTLS после рукопожатия
func (c *DTLSChannel) ConnectionState() (dtls.State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dtlsConn == nil {
		return dtls.State{}, false
	}
	return c.dtlsConn.ConnectionState(), true
}

// Statistics возвращает снимок счетчиков канала
func (c *DTLSChannel) Statistics() ChannelStatistics {
	return c.counters.snapshot()
}

// peerConn представляет неподключенный UDP сокет как net.Conn к одному адресу.
// Датаграммы от других источников отбрасываются.
type peerConn struct {
	*net.UDPConn
	remote *net.UDPAddr
}

func (p *peerConn) Read(b []byte) (int, error) {
	for {
		n, addr, err := p.UDPConn.ReadFromUDP(b)
		if err != nil {
			return n, err
		}
		if sameUDPAddr(addr, p.remote) {
			return n, nil
		}
	}
}

func (p *peerConn) Write(b []byte) (int, error) {
	return p.UDPConn.WriteToUDP(b, p.remote)
}

func (p *peerConn) RemoteAddr() net.Addr {
	return p.remote
}
