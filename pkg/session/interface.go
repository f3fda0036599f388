package session

import (
	"fmt"
	"net"
	"strconv"

	"github.com/pion/rtp"

	"github.com/arzzra/media_server/pkg/format"
	mediartp "github.com/arzzra/media_server/pkg/rtp"
)

// MediaSink получатель пакетов сессии: RTP вход, DTMF вход или RTP выход.
// Контроллер только активирует, деактивирует и передает пакеты, не
// интерпретируя payload.
type MediaSink interface {
	Activate()
	Deactivate()
	Write(pkt *rtp.Packet, f format.Format)
}

// DropReason причина отбрасывания пакета
type DropReason string

const (
	DropNotNegotiated DropReason = "not_negotiated"
	DropUnknownFormat DropReason = "unknown_format"
	DropModeDisallows DropReason = "mode"
	DropSendFailed    DropReason = "send_failed"
)

// Direction направление пакета для наблюдателя
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Observer получает события сессии для метрик. Методы вызываются на горячем
// пути и не должны блокироваться. StateChanged вызывается под блокировкой
// сессии и не должен обращаться к ней.
type Observer interface {
	PacketRouted(dir Direction, f format.Format, size int)
	PacketDropped(dir Direction, reason DropReason)
	StateChanged(from, to State)
}

type noopObserver struct{}

func (noopObserver) PacketRouted(Direction, format.Format, int) {}
func (noopObserver) PacketDropped(Direction, DropReason) {}
func (noopObserver) StateChanged(State, State) {}

// RemoteOffer медиа описание удаленной стороны, уже разобранное из SDP
type RemoteOffer struct {
	SSRC    uint32
	Address string
	Port    int
	Formats format.Formats
	// Mode направление из предложения, если указано. Сессия его не применяет.
	Mode mediartp.ConnectionMode
}

// UDPAddr возвращает адрес удаленной стороны. Адрес должен быть IP литералом
// с ненулевым портом.
func (o RemoteOffer) UDPAddr() (*net.UDPAddr, error) {
	ip := net.ParseIP(o.Address)
	if ip == nil {
		return nil, fmt.Errorf("некорректный адрес удаленной стороны %q", o.Address)
	}
	if ip.IsUnspecified() {
		return nil, fmt.Errorf("неопределенный адрес удаленной стороны %q", o.Address)
	}
	if o.Port <= 0 || o.Port > 65535 {
		return nil, fmt.Errorf("некорректный порт удаленной стороны %d", o.Port)
	}
	return &net.UDPAddr{IP: ip, Port: o.Port}, nil
}

// String возвращает адрес в виде host:port
func (o RemoteOffer) String() string {
	return net.JoinHostPort(o.Address, strconv.Itoa(o.Port))
}
