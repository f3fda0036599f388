package rtp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectionMode_String(t *testing.T) {
	tests := []struct {
		mode ConnectionMode
		want string
	}{
		{ModeSendRecv, "sendrecv"},
		{ModeSendOnly, "sendonly"},
		{ModeRecvOnly, "recvonly"},
		{ModeInactive, "inactive"},
		{ConnectionMode(999), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.mode.String())
		})
	}
}

func TestConnectionMode_Directions(t *testing.T) {
	tests := []struct {
		mode       ConnectionMode
		canSend    bool
		canReceive bool
	}{
		{ModeSendRecv, true, true},
		{ModeSendOnly, true, false},
		{ModeRecvOnly, false, true},
		{ModeInactive, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			assert.Equal(t, tt.canSend, tt.mode.CanSend())
			assert.Equal(t, tt.canReceive, tt.mode.CanReceive())
		})
	}
}

func TestConnectionMode_ZeroValueIsInactive(t *testing.T) {
	var mode ConnectionMode
	assert.Equal(t, ModeInactive, mode)
	assert.True(t, mode.Valid())
	assert.False(t, ConnectionMode(7).Valid())
}

func TestParseConnectionMode(t *testing.T) {
	for _, mode := range []ConnectionMode{ModeInactive, ModeSendOnly, ModeRecvOnly, ModeSendRecv} {
		parsed, ok := ParseConnectionMode(mode.String())
		assert.True(t, ok)
		assert.Equal(t, mode, parsed)
	}

	_, ok := ParseConnectionMode("both")
	assert.False(t, ok)
}

func TestMediaType(t *testing.T) {
	assert.Equal(t, "audio", MediaTypeAudio.String())
	assert.Equal(t, "video", MediaTypeVideo.String())

	mt, ok := ParseMediaType("video")
	assert.True(t, ok)
	assert.Equal(t, MediaTypeVideo, mt)

	_, ok = ParseMediaType("text")
	assert.False(t, ok)
}
