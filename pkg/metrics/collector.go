// Package metrics экспортирует события медиа сессий и состояние пула
// буферов в Prometheus.
//
// Collector реализует session.Observer и может быть общим для всех сессий
// процесса. Метрики регистрируются в переданном prometheus.Registerer, что
// позволяет использовать отдельный реестр в тестах.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arzzra/media_server/pkg/format"
	"github.com/arzzra/media_server/pkg/pool"
	"github.com/arzzra/media_server/pkg/session"
)

// DefaultNamespace префикс метрик по умолчанию
const DefaultNamespace = "media_server"

// Config параметры сборщика
type Config struct {
	Namespace string
	Registry  prometheus.Registerer // nil = prometheus.DefaultRegisterer
}

var _ session.Observer = (*Collector)(nil)

// Collector собирает метрики медиа сессий
type Collector struct {
	packets     *prometheus.CounterVec
	payload     *prometheus.CounterVec
	drops       *prometheus.CounterVec
	transitions *prometheus.CounterVec
	active      prometheus.Gauge

	registry  prometheus.Registerer
	namespace string
}

// NewCollector создает и регистрирует метрики сессий
func NewCollector(cfg Config) *Collector {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(cfg.Registry)

	return &Collector{
		registry:  cfg.Registry,
		namespace: cfg.Namespace,

		packets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "rtp",
			Name:      "packets_total",
			Help:      "RTP packets routed by media sessions",
		}, []string{"direction", "format"}),

		payload: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "rtp",
			Name:      "payload_bytes_total",
			Help:      "RTP payload octets routed by media sessions",
		}, []string{"direction"}),

		drops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "rtp",
			Name:      "dropped_packets_total",
			Help:      "RTP packets dropped by media sessions",
		}, []string{"direction", "reason"}),

		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "Media session state transitions",
		}, []string{"from", "to"}),

		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Media sessions with an open transport",
		}),
	}
}

// PacketRouted учитывает маршрутизированный пакет
func (c *Collector) PacketRouted(dir session.Direction, f format.Format, size int) {
	c.packets.WithLabelValues(string(dir), formatLabel(f)).Inc()
	c.payload.WithLabelValues(string(dir)).Add(float64(size))
}

// PacketDropped учитывает отброшенный пакет
func (c *Collector) PacketDropped(dir session.Direction, reason session.DropReason) {
	c.drops.WithLabelValues(string(dir), string(reason)).Inc()
}

// StateChanged учитывает переход состояния и число открытых сессий
func (c *Collector) StateChanged(from, to session.State) {
	c.transitions.WithLabelValues(from.String(), to.String()).Inc()

	wasOpen := from != session.StateIdle && from != session.StateClosed
	isOpen := to != session.StateIdle && to != session.StateClosed
	switch {
	case !wasOpen && isOpen:
		c.active.Inc()
	case wasOpen && !isOpen:
		c.active.Dec()
	}
}

// RegisterPool экспортирует состояние пула буферов под именем name
func (c *Collector) RegisterPool(name string, p *pool.Pool) error {
	labels := prometheus.Labels{"pool": name}

	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   c.namespace,
			Subsystem:   "pool",
			Name:        "available_buffers",
			Help:        "Buffers currently in the free list",
			ConstLabels: labels,
		}, func() float64 { return float64(p.Available()) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   c.namespace,
			Subsystem:   "pool",
			Name:        "created_buffers_total",
			Help:        "Buffers allocated by the pool",
			ConstLabels: labels,
		}, func() float64 { return float64(p.Created()) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   c.namespace,
			Subsystem:   "pool",
			Name:        "overflow_total",
			Help:        "Allocations served past the free list",
			ConstLabels: labels,
		}, func() float64 { return float64(p.Overflow()) }),
	}

	for _, collector := range collectors {
		if err := c.registry.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

func formatLabel(f format.Format) string {
	if f.Name == "" {
		return "unknown"
	}
	return strings.ToLower(f.Name)
}
