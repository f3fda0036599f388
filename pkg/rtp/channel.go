// Package rtp содержит транспортный уровень медиа сессии: асинхронный канал
// RTP поверх UDP или DTLS, типы направлений и медиа, настройки сокетов для
// голосового трафика.
//
// Все операции канала асинхронны: метод возвращается сразу, а результат
// сообщается через Completion. Completion может быть вызван из другой
// горутины.
package rtp

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/pion/rtp"

	"github.com/arzzra/media_server/pkg/pool"
)

// Completion получает результат асинхронной операции канала. nil означает успех.
type Completion func(err error)

// PacketHandler получает входящие RTP пакеты. Пакет и его payload действительны
// только на время вызова: после возврата буфер переиспользуется, поэтому
// обработчик должен скопировать данные, если хранит их.
type PacketHandler func(pkt *rtp.Packet)

// Channel асинхронный транспортный канал RTP одной сессии
type Channel interface {
	// Open подготавливает канал и регистрирует обработчик входящих пакетов
	Open(handler PacketHandler, done Completion)

	// Bind привязывает канал к локальному адресу и запускает прием
	Bind(local *net.UDPAddr, done Completion)

	// Connect задает удаленный адрес для отправки
	Connect(remote *net.UDPAddr, done Completion)

	// Send отправляет пакет удаленной стороне
	Send(pkt *rtp.Packet, done Completion)

	// Close закрывает канал и освобождает сокет
	Close(done Completion)

	// LocalAddr возвращает фактический локальный адрес после Bind или nil
	LocalAddr() *net.UDPAddr
}

// Ошибки канала
var (
	ErrChannelNotOpen     = errors.New("канал не открыт")
	ErrChannelOpen        = errors.New("канал уже открыт")
	ErrChannelNotBound    = errors.New("канал не привязан к локальному адресу")
	ErrChannelBound       = errors.New("канал уже привязан")
	ErrChannelClosed      = errors.New("канал закрыт")
	ErrNoRemoteAddress    = errors.New("удаленный адрес не задан")
	ErrSendQueueFull      = errors.New("очередь отправки переполнена")
	ErrInvalidAddress     = errors.New("некорректный адрес")
	ErrHandshakeNotFinish = errors.New("DTLS рукопожатие не завершено")
)

// Константы транспорта
const (
	// DefaultBufferSize размер буфера чтения (MTU Ethernet)
	DefaultBufferSize = 1500

	// DefaultSendQueueSize глубина очереди отправки
	DefaultSendQueueSize = 256

	// DefaultRateLimit допустимое число входящих пакетов в секунду от одного источника
	DefaultRateLimit = 1000

	// DefaultHandshakeTimeout таймаут DTLS рукопожатия
	DefaultHandshakeTimeout = 30 * time.Second

	// MinRTPPacketSize минимальный размер пакета (фиксированный заголовок RTP)
	MinRTPPacketSize = 12

	// MaxRTPPacketSize максимальный размер пакета
	MaxRTPPacketSize = 1500

	// ExpectedRTPVersion версия RTP согласно RFC 3550
	ExpectedRTPVersion = 2

	// VoiceOptimizedRecvBuffer размер буфера приема сокета для голоса
	VoiceOptimizedRecvBuffer = 65535

	// VoiceOptimizedSendBuffer размер буфера отправки сокета для голоса
	VoiceOptimizedSendBuffer = 65535

	// DSCP значения для QoS согласно RFC 4594
	DSCPExpeditedForwarding = 46 // EF для интерактивного аудио
	DSCPAssuredForwarding   = 34 // AF41 для видео
	DSCPBestEffort          = 0
)

// ChannelConfig конфигурация UDP канала
type ChannelConfig struct {
	BufferSize    int    // Размер буфера чтения
	DSCP          int    // DSCP маркировка (0 = не задавать)
	ReusePort     bool   // SO_REUSEPORT
	BindToDevice  string // Привязка к интерфейсу (только Linux)
	SendQueueSize int    // Глубина очереди отправки
	RateLimit     int    // Пакетов в секунду от одного источника, 0 = без ограничения
	RateBurst     int    // Допустимый всплеск для RateLimit

	// StrictSource отбрасывает входящие пакеты не от удаленного адреса после Connect
	StrictSource bool

	// Pool пул буферов для приема и отправки. Если nil, создается собственный.
	Pool *pool.Pool

	Logger *slog.Logger
}

// DefaultChannelConfig возвращает конфигурацию по умолчанию
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		BufferSize:    DefaultBufferSize,
		DSCP:          DSCPExpeditedForwarding,
		SendQueueSize: DefaultSendQueueSize,
		RateLimit:     DefaultRateLimit,
		RateBurst:     DefaultRateLimit / 10,
	}
}

// applyDefaults заполняет незаданные поля
func (c *ChannelConfig) applyDefaults() {
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.SendQueueSize == 0 {
		c.SendQueueSize = DefaultSendQueueSize
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		c.RateBurst = c.RateLimit / 10
		if c.RateBurst == 0 {
			c.RateBurst = 1
		}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validate проверяет корректность конфигурации
func (c ChannelConfig) Validate() error {
	if c.BufferSize < 0 {
		return fmt.Errorf("размер буфера не может быть отрицательным")
	}
	if c.BufferSize > 0 && c.BufferSize < MinRTPPacketSize {
		return fmt.Errorf("размер буфера меньше заголовка RTP: %d", c.BufferSize)
	}
	if c.DSCP < 0 || c.DSCP > 63 {
		return fmt.Errorf("DSCP должен быть в диапазоне 0-63")
	}
	if c.SendQueueSize < 0 {
		return fmt.Errorf("размер очереди отправки не может быть отрицательным")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("ограничение скорости не может быть отрицательным")
	}
	if c.Pool != nil && c.BufferSize > 0 && c.Pool.Capacity() < c.BufferSize {
		return fmt.Errorf("емкость буфера пула %d меньше размера буфера канала %d", c.Pool.Capacity(), c.BufferSize)
	}
	return nil
}

// validateUDPAddr проверяет адрес для Bind или Connect
func validateUDPAddr(addr *net.UDPAddr, allowZeroPort bool) error {
	if addr == nil {
		return fmt.Errorf("%w: nil", ErrInvalidAddress)
	}
	if addr.Port < 0 || addr.Port > 65535 {
		return fmt.Errorf("%w: порт %d", ErrInvalidAddress, addr.Port)
	}
	if !allowZeroPort && addr.Port == 0 {
		return fmt.Errorf("%w: нулевой порт", ErrInvalidAddress)
	}
	return nil
}

// validatePacketSize проверяет размер пакета для защиты от DoS атак
func validatePacketSize(size int) error {
	if size < MinRTPPacketSize {
		return fmt.Errorf("пакет слишком мал: %d байт (минимум %d)", size, MinRTPPacketSize)
	}
	if size > MaxRTPPacketSize {
		return fmt.Errorf("пакет слишком велик: %d байт (максимум %d)", size, MaxRTPPacketSize)
	}
	return nil
}

// validateRTPHeader проверяет заголовок RTP согласно RFC 3550
func validateRTPHeader(header *rtp.Header) error {
	if header.Version != ExpectedRTPVersion {
		return fmt.Errorf("неподдерживаемая версия RTP: %d (ожидается %d)", header.Version, ExpectedRTPVersion)
	}
	if header.PayloadType > 127 {
		return fmt.Errorf("невалидный payload type: %d (максимум 127)", header.PayloadType)
	}
	return nil
}

// complete безопасно вызывает Completion
func complete(done Completion, err error) {
	if done != nil {
		done(err)
	}
}

// cloneUDPAddr возвращает копию адреса, чтобы вызывающий мог менять свой экземпляр
func cloneUDPAddr(addr *net.UDPAddr) *net.UDPAddr {
	if addr == nil {
		return nil
	}
	ip := make(net.IP, len(addr.IP))
	copy(ip, addr.IP)
	return &net.UDPAddr{IP: ip, Port: addr.Port, Zone: addr.Zone}
}
