package rtp

// ConnectionMode определяет разрешенные направления медиа потока.
// Нулевое значение соответствует неактивному потоку.
type ConnectionMode int

const (
	ModeInactive ConnectionMode = iota // Неактивно
	ModeSendOnly                       // Только отправка
	ModeRecvOnly                       // Только прием
	ModeSendRecv                       // Отправка и прием
)

func (m ConnectionMode) String() string {
	switch m {
	case ModeSendRecv:
		return "sendrecv"
	case ModeSendOnly:
		return "sendonly"
	case ModeRecvOnly:
		return "recvonly"
	case ModeInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// CanSend проверяет, может ли поток отправлять данные
func (m ConnectionMode) CanSend() bool {
	return m == ModeSendRecv || m == ModeSendOnly
}

// CanReceive проверяет, может ли поток принимать данные
func (m ConnectionMode) CanReceive() bool {
	return m == ModeSendRecv || m == ModeRecvOnly
}

// Valid проверяет, что значение входит в перечисление
func (m ConnectionMode) Valid() bool {
	return m >= ModeInactive && m <= ModeSendRecv
}

// ParseConnectionMode разбирает SDP атрибут направления (RFC 3264)
func ParseConnectionMode(s string) (ConnectionMode, bool) {
	switch s {
	case "sendrecv":
		return ModeSendRecv, true
	case "sendonly":
		return ModeSendOnly, true
	case "recvonly":
		return ModeRecvOnly, true
	case "inactive":
		return ModeInactive, true
	default:
		return ModeInactive, false
	}
}

// MediaType тип медиа потока
type MediaType int

const (
	MediaTypeAudio MediaType = iota
	MediaTypeVideo
	MediaTypeApplication
)

func (t MediaType) String() string {
	switch t {
	case MediaTypeAudio:
		return "audio"
	case MediaTypeVideo:
		return "video"
	case MediaTypeApplication:
		return "application"
	default:
		return "unknown"
	}
}

// ParseMediaType разбирает имя медиа из SDP m= строки
func ParseMediaType(s string) (MediaType, bool) {
	switch s {
	case "audio":
		return MediaTypeAudio, true
	case "video":
		return MediaTypeVideo, true
	case "application":
		return MediaTypeApplication, true
	default:
		return MediaTypeAudio, false
	}
}
