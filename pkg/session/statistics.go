package session

import (
	"sync"
	"time"

	"github.com/pion/rtp"
)

// Clock источник времени для статистики
type Clock interface {
	Now() time.Time
}

// WallClock системные часы
type WallClock struct{}

// Now возвращает текущее время
func (WallClock) Now() time.Time {
	return time.Now()
}

// StreamCounters счетчики одного направления
type StreamCounters struct {
	Packets uint64
	Bytes   uint64 // октеты payload (RFC 3550)
	First   time.Time
	Last    time.Time
}

func (c *StreamCounters) add(payload int, now time.Time) {
	c.Packets++
	c.Bytes += uint64(payload)
	if c.First.IsZero() {
		c.First = now
	}
	c.Last = now
}

// StatisticsSnapshot копия статистики сессии
type StatisticsSnapshot struct {
	SSRC     uint32
	Incoming StreamCounters
	Outgoing StreamCounters
	// Sources входящие счетчики по SSRC удаленных источников
	Sources map[uint32]StreamCounters
}

// Statistics статистика RTP одной сессии. Изменяется только через
// RecordIncoming и RecordOutgoing, никогда не сбрасывается.
type Statistics struct {
	ssrc  uint32
	clock Clock

	mu       sync.Mutex
	incoming StreamCounters
	outgoing StreamCounters
	sources  map[uint32]*StreamCounters
}

// NewStatistics создает статистику для SSRC сессии
func NewStatistics(ssrc uint32, clock Clock) *Statistics {
	if clock == nil {
		clock = WallClock{}
	}
	return &Statistics{
		ssrc:    ssrc,
		clock:   clock,
		sources: make(map[uint32]*StreamCounters),
	}
}

// SSRC возвращает SSRC сессии
func (s *Statistics) SSRC() uint32 {
	return s.ssrc
}

// RecordIncoming учитывает принятый пакет
func (s *Statistics) RecordIncoming(pkt *rtp.Packet) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.incoming.add(len(pkt.Payload), now)

	src, ok := s.sources[pkt.SSRC]
	if !ok {
		src = &StreamCounters{}
		s.sources[pkt.SSRC] = src
	}
	src.add(len(pkt.Payload), now)
}

// RecordOutgoing учитывает отправленный пакет
func (s *Statistics) RecordOutgoing(pkt *rtp.Packet) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.outgoing.add(len(pkt.Payload), now)
}

// Incoming возвращает счетчики входящего потока
func (s *Statistics) Incoming() StreamCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incoming
}

// Outgoing возвращает счетчики исходящего потока
func (s *Statistics) Outgoing() StreamCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outgoing
}

// Snapshot возвращает согласованную копию всей статистики
func (s *Statistics) Snapshot() StatisticsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	sources := make(map[uint32]StreamCounters, len(s.sources))
	for ssrc, c := range s.sources {
		sources[ssrc] = *c
	}
	return StatisticsSnapshot{
		SSRC:     s.ssrc,
		Incoming: s.incoming,
		Outgoing: s.outgoing,
		Sources:  sources,
	}
}
