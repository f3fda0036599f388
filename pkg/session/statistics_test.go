package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatistics_Counters(t *testing.T) {
	clock := NewFakeClock()
	stats := NewStatistics(0xAABBCCDD, clock)
	start := clock.Now()

	assert.Equal(t, uint32(0xAABBCCDD), stats.SSRC())
	assert.Zero(t, stats.Incoming().Packets)
	assert.True(t, stats.Incoming().First.IsZero())

	stats.RecordIncoming(packet(0, 160))
	clock.Advance(20 * time.Millisecond)
	stats.RecordIncoming(packet(0, 80))

	in := stats.Incoming()
	assert.Equal(t, uint64(2), in.Packets)
	assert.Equal(t, uint64(240), in.Bytes, "учитываются только октеты payload")
	assert.Equal(t, start, in.First)
	assert.Equal(t, start.Add(20*time.Millisecond), in.Last)

	stats.RecordOutgoing(packet(8, 160))
	out := stats.Outgoing()
	assert.Equal(t, uint64(1), out.Packets)
	assert.Equal(t, uint64(160), out.Bytes)
	assert.Equal(t, out.First, out.Last)
}

func TestStatistics_Sources(t *testing.T) {
	stats := NewStatistics(1, NewFakeClock())

	a := packet(0, 160)
	a.SSRC = 100
	b := packet(0, 40)
	b.SSRC = 200

	stats.RecordIncoming(a)
	stats.RecordIncoming(a)
	stats.RecordIncoming(b)

	snap := stats.Snapshot()
	require.Len(t, snap.Sources, 2)
	assert.Equal(t, uint64(2), snap.Sources[100].Packets)
	assert.Equal(t, uint64(40), snap.Sources[200].Bytes)
	assert.Equal(t, uint64(3), snap.Incoming.Packets)

	// снимок не зависит от дальнейших изменений
	stats.RecordIncoming(b)
	assert.Equal(t, uint64(1), snap.Sources[200].Packets)
}

func TestStatistics_Concurrent(t *testing.T) {
	stats := NewStatistics(1, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				stats.RecordIncoming(packet(0, 10))
				stats.RecordOutgoing(packet(0, 10))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(800), stats.Incoming().Packets)
	assert.Equal(t, uint64(8000), stats.Outgoing().Bytes)
}
