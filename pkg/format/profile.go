package format

import "strings"

// Статические payload types аудио профиля RTP/AVP (RFC 3551)
const (
	PayloadTypePCMU  uint8 = 0
	PayloadTypeGSM   uint8 = 3
	PayloadTypeG723  uint8 = 4
	PayloadTypeDVI4  uint8 = 5
	PayloadTypeDVI4W uint8 = 6 // DVI4 16 кГц
	PayloadTypeLPC   uint8 = 7
	PayloadTypePCMA  uint8 = 8
	PayloadTypeG722  uint8 = 9
	PayloadTypeL16S  uint8 = 10 // L16 стерео
	PayloadTypeL16M  uint8 = 11 // L16 моно
	PayloadTypeQCELP uint8 = 12
	PayloadTypeCN    uint8 = 13
	PayloadTypeMPA   uint8 = 14
	PayloadTypeG728  uint8 = 15
	PayloadTypeG729  uint8 = 18

	// Динамические payload types, которые используются локально по умолчанию
	PayloadTypeTelephoneEvent uint8 = 101
	PayloadTypeOpus           uint8 = 111

	// DynamicPayloadTypeMin начало диапазона динамических payload types
	DynamicPayloadTypeMin uint8 = 96
)

var (
	PCMU           = Format{PayloadType: PayloadTypePCMU, Name: "PCMU", ClockRate: 8000, Channels: 1}
	GSM            = Format{PayloadType: PayloadTypeGSM, Name: "GSM", ClockRate: 8000, Channels: 1}
	G723           = Format{PayloadType: PayloadTypeG723, Name: "G723", ClockRate: 8000, Channels: 1}
	DVI4           = Format{PayloadType: PayloadTypeDVI4, Name: "DVI4", ClockRate: 8000, Channels: 1}
	DVI4Wide       = Format{PayloadType: PayloadTypeDVI4W, Name: "DVI4", ClockRate: 16000, Channels: 1}
	LPC            = Format{PayloadType: PayloadTypeLPC, Name: "LPC", ClockRate: 8000, Channels: 1}
	PCMA           = Format{PayloadType: PayloadTypePCMA, Name: "PCMA", ClockRate: 8000, Channels: 1}
	G722           = Format{PayloadType: PayloadTypeG722, Name: "G722", ClockRate: 8000, Channels: 1}
	L16Stereo      = Format{PayloadType: PayloadTypeL16S, Name: "L16", ClockRate: 44100, Channels: 2}
	L16Mono        = Format{PayloadType: PayloadTypeL16M, Name: "L16", ClockRate: 44100, Channels: 1}
	QCELP          = Format{PayloadType: PayloadTypeQCELP, Name: "QCELP", ClockRate: 8000, Channels: 1}
	CN             = Format{PayloadType: PayloadTypeCN, Name: "CN", ClockRate: 8000, Channels: 1}
	MPA            = Format{PayloadType: PayloadTypeMPA, Name: "MPA", ClockRate: 90000}
	G728           = Format{PayloadType: PayloadTypeG728, Name: "G728", ClockRate: 8000, Channels: 1}
	G729           = Format{PayloadType: PayloadTypeG729, Name: "G729", ClockRate: 8000, Channels: 1}
	Opus           = Format{PayloadType: PayloadTypeOpus, Name: "opus", ClockRate: 48000, Channels: 2}
	TelephoneEvt   = Format{PayloadType: PayloadTypeTelephoneEvent, Name: TelephoneEvent, ClockRate: 8000, Channels: 1}
	staticProfile  = []Format{PCMU, GSM, G723, DVI4, DVI4Wide, LPC, PCMA, G722, L16Stereo, L16Mono, QCELP, CN, MPA, G728, G729}
	defaultOffered = []Format{PCMU, PCMA, G722, G729, Opus, TelephoneEvt}
)

// AVProfile возвращает набор аудио форматов, предлагаемых локально по умолчанию
func AVProfile() Formats {
	return MustFormats(defaultOffered...)
}

// Static возвращает формат со статически назначенным payload type (RFC 3551)
func Static(pt uint8) (Format, bool) {
	for _, f := range staticProfile {
		if f.PayloadType == pt {
			return f, true
		}
	}
	return Format{}, false
}

// ByName ищет формат профиля по имени кодека. Используется для сборки
// локального списка из конфигурации.
func ByName(name string) (Format, bool) {
	for _, list := range [][]Format{defaultOffered, staticProfile} {
		for _, f := range list {
			if strings.EqualFold(f.Name, name) {
				return f, true
			}
		}
	}
	return Format{}, false
}

// IsDynamic проверяет принадлежность payload type к динамическому диапазону
func IsDynamic(pt uint8) bool {
	return pt >= DynamicPayloadTypeMin && pt <= MaxPayloadType
}
