package rtp

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/media_server/pkg/pool"
)

const testTimeout = 2 * time.Second

// await превращает асинхронную операцию канала в синхронную
func await(t *testing.T, op func(done Completion)) error {
	t.Helper()
	ch := make(chan error, 1)
	op(func(err error) { ch <- err })
	select {
	case err := <-ch:
		return err
	case <-time.After(testTimeout):
		t.Fatal("операция канала не завершилась")
		return nil
	}
}

func loopback() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
}

// newBoundChannel создает открытый и привязанный канал с обработчиком в канал Go
func newBoundChannel(t *testing.T, cfg ChannelConfig) (*UDPChannel, <-chan *rtp.Packet) {
	t.Helper()

	c, err := NewUDPChannel(cfg)
	require.NoError(t, err)

	received := make(chan *rtp.Packet, 16)
	handler := func(pkt *rtp.Packet) {
		// пакет действителен только во время вызова
		received <- pkt.Clone()
	}

	require.NoError(t, await(t, func(done Completion) { c.Open(handler, done) }))
	require.NoError(t, await(t, func(done Completion) { c.Bind(loopback(), done) }))
	t.Cleanup(func() { _ = await(t, c.Close) })

	return c, received
}

func testPacket(pt uint8, seq uint16) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    pt,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 160,
			SSRC:           0x11223344,
		},
		Payload: make([]byte, 160),
	}
}

func TestUDPChannel_Lifecycle(t *testing.T) {
	c, err := NewUDPChannel(DefaultChannelConfig())
	require.NoError(t, err)

	assert.ErrorIs(t, await(t, func(done Completion) { c.Bind(loopback(), done) }), ErrChannelNotOpen)

	require.NoError(t, await(t, func(done Completion) { c.Open(nil, done) }))
	require.NoError(t, await(t, func(done Completion) { c.Open(nil, done) }), "до Bind обработчик можно заменить")

	assert.Nil(t, c.LocalAddr())
	require.NoError(t, await(t, func(done Completion) { c.Bind(loopback(), done) }))
	local := c.LocalAddr()
	require.NotNil(t, local)
	assert.NotZero(t, local.Port, "должен вернуться фактический порт")
	assert.True(t, c.IsActive())

	assert.ErrorIs(t, await(t, func(done Completion) { c.Bind(loopback(), done) }), ErrChannelBound)
	assert.ErrorIs(t, await(t, func(done Completion) { c.Open(nil, done) }), ErrChannelOpen)
	assert.ErrorIs(t, await(t, func(done Completion) { c.Send(testPacket(0, 1), done) }), ErrNoRemoteAddress)

	require.NoError(t, await(t, c.Close))
	assert.False(t, c.IsActive())
	assert.NoError(t, await(t, c.Close), "повторное закрытие не является ошибкой")
	assert.ErrorIs(t, await(t, func(done Completion) { c.Send(testPacket(0, 2), done) }), ErrChannelClosed)
}

func TestUDPChannel_ConnectValidation(t *testing.T) {
	c, _ := newBoundChannel(t, DefaultChannelConfig())

	assert.ErrorIs(t, await(t, func(done Completion) { c.Connect(nil, done) }), ErrInvalidAddress)
	assert.ErrorIs(t, await(t, func(done Completion) {
		c.Connect(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}, done)
	}), ErrInvalidAddress)
	assert.ErrorIs(t, await(t, func(done Completion) {
		c.Connect(&net.UDPAddr{IP: net.IPv4zero, Port: 5004}, done)
	}), ErrInvalidAddress)
}

func TestUDPChannel_Exchange(t *testing.T) {
	a, _ := newBoundChannel(t, DefaultChannelConfig())
	b, received := newBoundChannel(t, DefaultChannelConfig())

	require.NoError(t, await(t, func(done Completion) { a.Connect(b.LocalAddr(), done) }))

	sent := testPacket(0, 42)
	require.NoError(t, await(t, func(done Completion) { a.Send(sent, done) }))

	select {
	case pkt := <-received:
		assert.Equal(t, uint8(0), pkt.PayloadType)
		assert.Equal(t, uint16(42), pkt.SequenceNumber)
		assert.Equal(t, uint32(0x11223344), pkt.SSRC)
		assert.Len(t, pkt.Payload, 160)
	case <-time.After(testTimeout):
		t.Fatal("пакет не получен")
	}

	assert.Equal(t, uint64(1), a.Statistics().PacketsSent)
	assert.Eventually(t, func() bool {
		return b.Statistics().PacketsReceived == 1
	}, testTimeout, 10*time.Millisecond)
}

func TestUDPChannel_DropsInvalidDatagrams(t *testing.T) {
	c, received := newBoundChannel(t, DefaultChannelConfig())

	raw, err := net.DialUDP("udp4", nil, c.LocalAddr())
	require.NoError(t, err)
	defer raw.Close()

	_, err = raw.Write([]byte{0x80, 0x00})
	require.NoError(t, err)

	// версия RTP 1
	bad := make([]byte, 20)
	bad[0] = 0x40
	_, err = raw.Write(bad)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return c.Statistics().Dropped == 2
	}, testTimeout, 10*time.Millisecond)
	assert.Empty(t, received)
}

func TestUDPChannel_StrictSource(t *testing.T) {
	cfg := DefaultChannelConfig()
	cfg.StrictSource = true
	c, received := newBoundChannel(t, cfg)
	peer, _ := newBoundChannel(t, DefaultChannelConfig())
	stranger, _ := newBoundChannel(t, DefaultChannelConfig())

	require.NoError(t, await(t, func(done Completion) { c.Connect(peer.LocalAddr(), done) }))
	require.NoError(t, await(t, func(done Completion) { stranger.Connect(c.LocalAddr(), done) }))
	require.NoError(t, await(t, func(done Completion) { peer.Connect(c.LocalAddr(), done) }))

	require.NoError(t, await(t, func(done Completion) { stranger.Send(testPacket(0, 1), done) }))
	require.NoError(t, await(t, func(done Completion) { peer.Send(testPacket(0, 2), done) }))

	select {
	case pkt := <-received:
		assert.Equal(t, uint16(2), pkt.SequenceNumber, "пакет от постороннего источника должен быть отброшен")
	case <-time.After(testTimeout):
		t.Fatal("пакет от удаленной стороны не получен")
	}
}

func TestUDPChannel_RateLimit(t *testing.T) {
	cfg := DefaultChannelConfig()
	cfg.RateLimit = 1
	cfg.RateBurst = 1
	c, _ := newBoundChannel(t, cfg)
	peer, _ := newBoundChannel(t, DefaultChannelConfig())
	require.NoError(t, await(t, func(done Completion) { peer.Connect(c.LocalAddr(), done) }))

	for i := 0; i < 5; i++ {
		require.NoError(t, await(t, func(done Completion) { peer.Send(testPacket(0, uint16(i)), done) }))
	}

	assert.Eventually(t, func() bool {
		stats := c.Statistics()
		return stats.PacketsReceived+stats.Dropped == 5
	}, testTimeout, 10*time.Millisecond)
	assert.GreaterOrEqual(t, c.Statistics().Dropped, uint64(3))
}

func TestUDPChannel_SendRacingClose(t *testing.T) {
	peer, _ := newBoundChannel(t, DefaultChannelConfig())

	for i := 0; i < 50; i++ {
		cfg := DefaultChannelConfig()
		p, err := pool.New(8, cfg.BufferSize)
		require.NoError(t, err)
		cfg.Pool = p

		c, _ := newBoundChannel(t, cfg)
		require.NoError(t, await(t, func(done Completion) { c.Connect(peer.LocalAddr(), done) }))

		var completed sync.WaitGroup
		var senders sync.WaitGroup
		for g := 0; g < 4; g++ {
			senders.Add(1)
			go func() {
				defer senders.Done()
				for j := 0; j < 50; j++ {
					completed.Add(1)
					c.Send(testPacket(0, uint16(j)), func(error) { completed.Done() })
				}
			}()
		}
		require.NoError(t, await(t, c.Close))
		senders.Wait()

		finished := make(chan struct{})
		go func() {
			completed.Wait()
			close(finished)
		}()
		select {
		case <-finished:
		case <-time.After(testTimeout):
			t.Fatalf("итерация %d: не все отправки завершились", i)
		}
		assert.Equal(t, int(p.Created()), p.Available(), "все буферы вернулись в пул")
	}
}
