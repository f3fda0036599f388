package media

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/rtp"
)

// DTMFDigit DTMF событие согласно RFC 4733
type DTMFDigit uint8

const (
	DTMF0     DTMFDigit = 0
	DTMF1     DTMFDigit = 1
	DTMF2     DTMFDigit = 2
	DTMF3     DTMFDigit = 3
	DTMF4     DTMFDigit = 4
	DTMF5     DTMFDigit = 5
	DTMF6     DTMFDigit = 6
	DTMF7     DTMFDigit = 7
	DTMF8     DTMFDigit = 8
	DTMF9     DTMFDigit = 9
	DTMFStar  DTMFDigit = 10 // *
	DTMFPound DTMFDigit = 11 // #
	DTMFA     DTMFDigit = 12
	DTMFB     DTMFDigit = 13
	DTMFC     DTMFDigit = 14
	DTMFD     DTMFDigit = 15
)

const dtmfSymbols = "0123456789*#ABCD"

func (d DTMFDigit) String() string {
	if d > DTMFD {
		return "?"
	}
	return string(dtmfSymbols[d])
}

// DTMFEvent DTMF событие, извлеченное из telephone-event пакета
type DTMFEvent struct {
	Digit     DTMFDigit
	Duration  time.Duration
	Volume    int8   // от 0 до -63 dBm0
	Timestamp uint32 // RTP timestamp начала события
	SSRC      uint32
}

// DTMFPayload payload telephone-event (RFC 4733, раздел 2.3)
type DTMFPayload struct {
	Event    uint8
	EndFlag  bool
	Volume   uint8  // 0-63, -dBm0
	Duration uint16 // в единицах RTP timestamp
}

// DTMFPayloadSize размер payload telephone-event
const DTMFPayloadSize = 4

var ErrShortDTMFPayload = errors.New("некорректный размер DTMF payload")

// Marshal сериализует payload. Резервный бит всегда 0.
func (p DTMFPayload) Marshal() []byte {
	data := make([]byte, DTMFPayloadSize)
	data[0] = p.Event
	if p.EndFlag {
		data[1] |= 0x80
	}
	data[1] |= p.Volume & 0x3F
	data[2] = byte(p.Duration >> 8)
	data[3] = byte(p.Duration)
	return data
}

// UnmarshalDTMFPayload разбирает payload telephone-event
func UnmarshalDTMFPayload(data []byte) (DTMFPayload, error) {
	if len(data) < DTMFPayloadSize {
		return DTMFPayload{}, fmt.Errorf("%w: %d", ErrShortDTMFPayload, len(data))
	}
	return DTMFPayload{
		Event:    data[0],
		EndFlag:  data[1]&0x80 != 0,
		Volume:   data[1] & 0x3F,
		Duration: uint16(data[2])<<8 | uint16(data[3]),
	}, nil
}

// durationFromSamples переводит длительность из единиц timestamp во время
func durationFromSamples(samples uint16, clockRate uint32) time.Duration {
	if clockRate == 0 {
		clockRate = 8000
	}
	return time.Duration(samples) * time.Second / time.Duration(clockRate)
}

// DTMFSender формирует пакеты telephone-event для исходящего потока
type DTMFSender struct {
	payloadType uint8
	clockRate   uint32
	ssrc        uint32
	seqNum      uint16
}

// NewDTMFSender создает генератор для согласованного payload type и частоты
func NewDTMFSender(payloadType uint8, clockRate uint32, ssrc uint32) *DTMFSender {
	if clockRate == 0 {
		clockRate = 8000
	}
	return &DTMFSender{
		payloadType: payloadType,
		clockRate:   clockRate,
		ssrc:        ssrc,
	}
}

// GeneratePackets создает пакеты события: три начальных с маркером в первом
// и три завершающих с флагом End
func (ds *DTMFSender) GeneratePackets(event DTMFEvent) ([]*rtp.Packet, error) {
	if event.Duration <= 0 {
		return nil, fmt.Errorf("длительность DTMF должна быть положительной")
	}
	if event.Digit > DTMFD {
		return nil, fmt.Errorf("недопустимая DTMF цифра: %d", event.Digit)
	}

	samples := event.Duration.Seconds() * float64(ds.clockRate)
	if samples > 0xFFFF {
		samples = 0xFFFF
	}

	volume := uint8(0)
	if event.Volume < 0 {
		volume = uint8(-event.Volume)
		if volume > 63 {
			volume = 63
		}
	}

	payload := DTMFPayload{
		Event:    uint8(event.Digit),
		Volume:   volume,
		Duration: uint16(samples),
	}

	packets := make([]*rtp.Packet, 0, 6)
	for i := 0; i < 6; i++ {
		payload.EndFlag = i >= 3
		packets = append(packets, &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == 0,
				PayloadType:    ds.payloadType,
				SequenceNumber: ds.seqNum,
				Timestamp:      event.Timestamp,
				SSRC:           ds.ssrc,
			},
			Payload: payload.Marshal(),
		})
		ds.seqNum++
	}

	return packets, nil
}

// ParseDTMFString преобразует строку в последовательность DTMF цифр
func ParseDTMFString(s string) ([]DTMFDigit, error) {
	digits := make([]DTMFDigit, 0, len(s))
	for _, r := range s {
		if r >= 'a' && r <= 'd' {
			r -= 'a' - 'A'
		}
		found := false
		for i := 0; i < len(dtmfSymbols); i++ {
			if rune(dtmfSymbols[i]) == r {
				digits = append(digits, DTMFDigit(i))
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("недопустимый DTMF символ: %c", r)
		}
	}
	return digits, nil
}
