package media_sdp

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/media_server/pkg/format"
	mediartp "github.com/arzzra/media_server/pkg/rtp"
)

func sdpText(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

var remoteSDP = sdpText(
	"v=0",
	"o=- 123 123 IN IP4 192.0.2.10",
	"s=call",
	"c=IN IP4 192.0.2.10",
	"t=0 0",
	"m=audio 6000 RTP/AVP 0 101 102 111 99",
	"a=rtpmap:101 telephone-event/8000",
	"a=fmtp:101 0-15",
	"a=rtpmap:102 telephone-event/16000",
	"a=rtpmap:111 opus/48000/2",
	"a=ssrc:16909060 cname:peer",
	"a=sendonly",
)

func TestOfferFromSDP(t *testing.T) {
	sd, err := Parse(remoteSDP)
	require.NoError(t, err)

	offer, err := OfferFromSDP(sd, "audio")
	require.NoError(t, err)

	assert.Equal(t, "192.0.2.10", offer.Address)
	assert.Equal(t, 6000, offer.Port)
	assert.Equal(t, uint32(0x01020304), offer.SSRC)
	assert.Equal(t, mediartp.ModeSendOnly, offer.Mode)

	assert.Equal(t, []uint8{0, 101, 102, 111}, offer.Formats.PayloadTypes(), "99 без rtpmap пропускается")

	pcmu, ok := offer.Formats.Find(0)
	require.True(t, ok)
	assert.Equal(t, "PCMU", pcmu.Name)
	assert.Equal(t, uint32(8000), pcmu.ClockRate)

	dtmf, ok := offer.Formats.Find(102)
	require.True(t, ok)
	assert.True(t, dtmf.IsTelephoneEvent())
	assert.Equal(t, uint32(16000), dtmf.ClockRate)

	opus, ok := offer.Formats.Find(111)
	require.True(t, ok)
	assert.Equal(t, uint16(2), opus.Channels)

	// предложение пригодно для согласования с AV профилем
	negotiated, err := format.Negotiate(format.AVProfile(), offer.Formats)
	require.NoError(t, err)
	assert.True(t, negotiated.Contains(111))
}

func TestOfferFromSDP_MediaLevelConnection(t *testing.T) {
	sd, err := Parse(sdpText(
		"v=0",
		"o=- 1 1 IN IP4 198.51.100.1",
		"s=-",
		"c=IN IP4 198.51.100.1",
		"t=0 0",
		"m=audio 7000 RTP/AVP 8",
		"c=IN IP4 203.0.113.5",
	))
	require.NoError(t, err)

	offer, err := OfferFromSDP(sd, "audio")
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.5", offer.Address)
	assert.Equal(t, mediartp.ModeSendRecv, offer.Mode, "направление по умолчанию")
	assert.Zero(t, offer.SSRC)

	pcma, ok := offer.Formats.Find(8)
	require.True(t, ok)
	assert.Equal(t, "PCMA", pcma.Name)
}

func TestOfferFromSDP_Errors(t *testing.T) {
	_, err := OfferFromSDP(nil, "audio")
	assert.True(t, IsSDPError(err, ErrorCodeSDPParsing))

	sd, err := Parse(remoteSDP)
	require.NoError(t, err)
	_, err = OfferFromSDP(sd, "video")
	assert.True(t, IsSDPError(err, ErrorCodeNoMedia))

	rejected, err := Parse(sdpText(
		"v=0",
		"o=- 1 1 IN IP4 192.0.2.1",
		"s=-",
		"c=IN IP4 192.0.2.1",
		"t=0 0",
		"m=audio 0 RTP/AVP 0",
	))
	require.NoError(t, err)
	_, err = OfferFromSDP(rejected, "audio")
	assert.True(t, IsSDPError(err, ErrorCodeRejectedMedia))

	noConnection, err := Parse(sdpText(
		"v=0",
		"o=- 1 1 IN IP4 192.0.2.1",
		"s=-",
		"t=0 0",
		"m=audio 5004 RTP/AVP 0",
	))
	require.NoError(t, err)
	_, err = OfferFromSDP(noConnection, "audio")
	assert.True(t, IsSDPError(err, ErrorCodeConnection))

	_, err = Parse([]byte("garbage"))
	assert.True(t, IsSDPError(err, ErrorCodeSDPParsing))
}

func TestBuildAnswer_RoundTrip(t *testing.T) {
	sd, err := Parse(remoteSDP)
	require.NoError(t, err)
	offer, err := OfferFromSDP(sd, "audio")
	require.NoError(t, err)

	local := format.MustFormats(format.PCMU, format.TelephoneEvt)
	negotiated, err := format.Negotiate(local, offer.Formats)
	require.NoError(t, err)

	answer, err := BuildAnswer(DescriptionParams{
		Host:      "192.0.2.20",
		Port:      40000,
		SessionID: 77,
		Formats:   negotiated,
		Mode:      AnswerMode(offer.Mode),
		SSRC:      0xCAFE,
		Ptime:     20 * time.Millisecond,
	}, sd)
	require.NoError(t, err)

	raw, err := answer.Marshal()
	require.NoError(t, err)
	text := string(raw)
	assert.Contains(t, text, "m=audio 40000 RTP/AVP 0 101 102")
	assert.Contains(t, text, "a=rtpmap:102 telephone-event/16000")
	assert.Contains(t, text, "a=fmtp:101 0-15")
	assert.Contains(t, text, "a=ptime:20")
	assert.Contains(t, text, "a=recvonly")

	parsed, err := Parse(raw)
	require.NoError(t, err)
	back, err := OfferFromSDP(parsed, "audio")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.20", back.Address)
	assert.Equal(t, 40000, back.Port)
	assert.Equal(t, uint32(0xCAFE), back.SSRC)
	assert.Equal(t, negotiated.PayloadTypes(), back.Formats.PayloadTypes())
}

func TestBuildOffer(t *testing.T) {
	offer, err := BuildOffer(DescriptionParams{
		Host:    "2001:db8::1",
		Port:    5004,
		Formats: format.AVProfile(),
		Mode:    mediartp.ModeSendRecv,
	})
	require.NoError(t, err)

	assert.Equal(t, "IP6", offer.Origin.AddressType)
	assert.NotZero(t, offer.Origin.SessionID)
	require.Len(t, offer.MediaDescriptions, 1)
	md := offer.MediaDescriptions[0]
	assert.Equal(t, format.AVProfile().Len(), len(md.MediaName.Formats))

	_, ok := md.Attribute("sendrecv")
	assert.True(t, ok)
}

func TestBuildDescription_Validation(t *testing.T) {
	valid := DescriptionParams{Host: "192.0.2.1", Port: 5004, Formats: format.AVProfile()}

	p := valid
	p.Formats = format.Formats{}
	_, err := BuildOffer(p)
	assert.True(t, IsSDPError(err, ErrorCodeSDPGeneration))

	p = valid
	p.Port = 0
	_, err = BuildOffer(p)
	assert.Error(t, err)

	p = valid
	p.Host = "host.example"
	_, err = BuildOffer(p)
	assert.Error(t, err)
}

func TestAnswerMode(t *testing.T) {
	assert.Equal(t, mediartp.ModeRecvOnly, AnswerMode(mediartp.ModeSendOnly))
	assert.Equal(t, mediartp.ModeSendOnly, AnswerMode(mediartp.ModeRecvOnly))
	assert.Equal(t, mediartp.ModeSendRecv, AnswerMode(mediartp.ModeSendRecv))
	assert.Equal(t, mediartp.ModeInactive, AnswerMode(mediartp.ModeInactive))
}

func TestSDPError(t *testing.T) {
	err := WrapSDPError(ErrorCodeConnection, "audio", assert.AnError, "ошибка %s", "x")
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "media: audio")
	assert.False(t, IsSDPError(assert.AnError, ErrorCodeConnection))
}
