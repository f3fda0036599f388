package media_sdp

import (
	"net"
	"strconv"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/arzzra/media_server/pkg/format"
	mediartp "github.com/arzzra/media_server/pkg/rtp"
)

// DescriptionParams локальные параметры медиа потока для SDP
type DescriptionParams struct {
	Host        string // IP адрес для c= и o=
	Port        int
	SessionID   uint64 // 0 = текущее время
	SessionName string
	Media       string // "audio" по умолчанию
	Formats     format.Formats
	Mode        mediartp.ConnectionMode
	SSRC        uint32 // 0 = без a=ssrc
	Ptime       time.Duration
}

// BuildOffer создает SDP offer с локальными форматами
func BuildOffer(params DescriptionParams) (*sdp.SessionDescription, error) {
	return buildDescription(params, nil)
}

// BuildAnswer создает SDP answer с согласованными форматами. Время сессии
// копируется из offer, если он передан.
func BuildAnswer(params DescriptionParams, offer *sdp.SessionDescription) (*sdp.SessionDescription, error) {
	return buildDescription(params, offer)
}

func buildDescription(params DescriptionParams, offer *sdp.SessionDescription) (*sdp.SessionDescription, error) {
	if params.Media == "" {
		params.Media = "audio"
	}
	if params.Formats.IsEmpty() {
		return nil, NewSDPError(ErrorCodeSDPGeneration, params.Media, "список форматов пуст")
	}
	if params.Port <= 0 || params.Port > 65535 {
		return nil, NewSDPError(ErrorCodeSDPGeneration, params.Media, "некорректный порт: %d", params.Port)
	}
	ip := net.ParseIP(params.Host)
	if ip == nil {
		return nil, NewSDPError(ErrorCodeSDPGeneration, params.Media, "некорректный адрес: %q", params.Host)
	}
	addressType := "IP4"
	if ip.To4() == nil {
		addressType = "IP6"
	}
	if params.SessionID == 0 {
		params.SessionID = uint64(time.Now().Unix())
	}
	if params.SessionName == "" {
		params.SessionName = "-"
	}

	timing := []sdp.TimeDescription{{Timing: sdp.Timing{StartTime: 0, StopTime: 0}}}
	if offer != nil && len(offer.TimeDescriptions) > 0 {
		timing = offer.TimeDescriptions
	}

	connection := &sdp.ConnectionInformation{
		NetworkType: "IN",
		AddressType: addressType,
		Address:     &sdp.Address{Address: params.Host},
	}

	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      params.SessionID,
			SessionVersion: params.SessionID,
			NetworkType:    "IN",
			AddressType:    addressType,
			UnicastAddress: params.Host,
		},
		SessionName:           sdp.SessionName(params.SessionName),
		ConnectionInformation: connection,
		TimeDescriptions:      timing,
	}

	list := params.Formats.List()
	formats := make([]string, 0, len(list))
	for _, f := range list {
		formats = append(formats, strconv.Itoa(int(f.PayloadType)))
	}

	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   params.Media,
			Port:    sdp.RangedPort{Value: params.Port},
			Protos:  []string{"RTP", "AVP"},
			Formats: formats,
		},
		Attributes: buildMediaAttributes(params, list),
	}
	sd.MediaDescriptions = []*sdp.MediaDescription{md}

	return sd, nil
}

// buildMediaAttributes создает rtpmap, fmtp, ptime, ssrc и направление
func buildMediaAttributes(params DescriptionParams, list []format.Format) []sdp.Attribute {
	attributes := make([]sdp.Attribute, 0, len(list)+3)

	for _, f := range list {
		attributes = append(attributes, sdp.NewAttribute("rtpmap", f.String()))
		if f.IsTelephoneEvent() {
			attributes = append(attributes, sdp.NewAttribute("fmtp", strconv.Itoa(int(f.PayloadType))+" 0-15"))
		}
	}

	if params.Ptime > 0 {
		attributes = append(attributes, sdp.NewAttribute("ptime", strconv.Itoa(int(params.Ptime/time.Millisecond))))
	}
	if params.SSRC != 0 {
		attributes = append(attributes, sdp.NewAttribute("ssrc", strconv.FormatUint(uint64(params.SSRC), 10)+" cname:media_server"))
	}

	mode := params.Mode
	if !mode.Valid() {
		mode = mediartp.ModeSendRecv
	}
	attributes = append(attributes, sdp.NewPropertyAttribute(mode.String()))

	return attributes
}
