package media_sdp

import (
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/arzzra/media_server/pkg/format"
	mediartp "github.com/arzzra/media_server/pkg/rtp"
	"github.com/arzzra/media_server/pkg/session"
)

// Parse разбирает SDP из текстового представления
func Parse(raw []byte) (*sdp.SessionDescription, error) {
	sd := &sdp.SessionDescription{}
	if err := sd.Unmarshal(raw); err != nil {
		return nil, WrapSDPError(ErrorCodeSDPParsing, "", err, "не удалось разобрать SDP")
	}
	return sd, nil
}

// OfferFromSDP извлекает предложение удаленной стороны для медиа типа
// (обычно "audio"). Используется первое медиа описание этого типа.
//
// Адрес берется из c= уровня медиа, затем уровня сессии. Форматы строятся
// из m= строки: rtpmap ищется через pion/sdp, для статических payload types
// без rtpmap используется AV профиль. Неизвестные динамические форматы без
// rtpmap пропускаются.
func OfferFromSDP(sd *sdp.SessionDescription, media string) (session.RemoteOffer, error) {
	if sd == nil {
		return session.RemoteOffer{}, NewSDPError(ErrorCodeSDPParsing, media, "SDP не может быть nil")
	}

	md := findMedia(sd, media)
	if md == nil {
		return session.RemoteOffer{}, NewSDPError(ErrorCodeNoMedia, media, "медиа описание не найдено")
	}
	if md.MediaName.Port.Value == 0 {
		return session.RemoteOffer{}, NewSDPError(ErrorCodeRejectedMedia, media, "медиа поток отклонен (порт 0)")
	}

	address, err := connectionAddress(sd, md)
	if err != nil {
		return session.RemoteOffer{}, err
	}

	formats, err := mediaFormats(md)
	if err != nil {
		return session.RemoteOffer{}, WrapSDPError(ErrorCodeSDPParsing, media, err, "некорректный список форматов")
	}

	return session.RemoteOffer{
		SSRC:    mediaSSRC(md),
		Address: address,
		Port:    md.MediaName.Port.Value,
		Formats: formats,
		Mode:    mediaDirection(md),
	}, nil
}

func findMedia(sd *sdp.SessionDescription, media string) *sdp.MediaDescription {
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media == media {
			return md
		}
	}
	return nil
}

// connectionAddress возвращает адрес из c= медиа или сессии
func connectionAddress(sd *sdp.SessionDescription, md *sdp.MediaDescription) (string, error) {
	conn := md.ConnectionInformation
	if conn == nil {
		conn = sd.ConnectionInformation
	}
	if conn == nil || conn.Address == nil || conn.Address.Address == "" {
		return "", NewSDPError(ErrorCodeConnection, md.MediaName.Media, "информация о соединении не найдена")
	}
	if conn.NetworkType != "" && conn.NetworkType != "IN" {
		return "", NewSDPError(ErrorCodeConnection, md.MediaName.Media,
			"неподдерживаемый тип сети: %s", conn.NetworkType)
	}
	return conn.Address.Address, nil
}

// mediaFormats строит набор форматов в порядке m= строки
func mediaFormats(md *sdp.MediaDescription) (format.Formats, error) {
	// lookup ограничен одним медиа описанием
	lookup := &sdp.SessionDescription{MediaDescriptions: []*sdp.MediaDescription{md}}

	list := make([]format.Format, 0, len(md.MediaName.Formats))
	seen := make(map[uint8]bool, len(md.MediaName.Formats))
	for _, token := range md.MediaName.Formats {
		pt, err := strconv.ParseUint(token, 10, 8)
		if err != nil || pt > uint64(format.MaxPayloadType) {
			continue
		}
		payloadType := uint8(pt)
		if seen[payloadType] {
			continue
		}

		f, ok := formatFor(lookup, payloadType)
		if !ok {
			continue
		}
		seen[payloadType] = true
		list = append(list, f)
	}

	return format.NewFormats(list...)
}

func formatFor(lookup *sdp.SessionDescription, pt uint8) (format.Format, bool) {
	if codec, err := lookup.GetCodecForPayloadType(pt); err == nil && codec.Name != "" {
		f := format.Format{
			PayloadType: pt,
			Name:        codec.Name,
			ClockRate:   codec.ClockRate,
		}
		if ch, err := strconv.ParseUint(codec.EncodingParameters, 10, 16); err == nil {
			f.Channels = uint16(ch)
		}
		return f, true
	}
	return format.Static(pt)
}

// mediaSSRC возвращает первый SSRC из a=ssrc или 0
func mediaSSRC(md *sdp.MediaDescription) uint32 {
	value, ok := md.Attribute("ssrc")
	if !ok {
		return 0
	}
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return 0
	}
	ssrc, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return 0
	}
	return uint32(ssrc)
}

// mediaDirection возвращает направление, объявленное удаленной стороной.
// По умолчанию sendrecv (RFC 3264, раздел 5.1).
func mediaDirection(md *sdp.MediaDescription) mediartp.ConnectionMode {
	for _, attr := range md.Attributes {
		if mode, ok := mediartp.ParseConnectionMode(attr.Key); ok {
			return mode
		}
	}
	return mediartp.ModeSendRecv
}

// AnswerMode возвращает локальный режим для направления удаленной стороны:
// если отправитель sendonly, мы recvonly, и наоборот.
func AnswerMode(remote mediartp.ConnectionMode) mediartp.ConnectionMode {
	switch remote {
	case mediartp.ModeSendOnly:
		return mediartp.ModeRecvOnly
	case mediartp.ModeRecvOnly:
		return mediartp.ModeSendOnly
	default:
		return remote
	}
}
