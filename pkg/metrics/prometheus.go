// Package metrics ws.Metrics 的 Prometheus 实现。
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tokmz/qi-realtime/pkg/ws"
)

// Prometheus 实现 ws.Metrics，所有指标带 worker 常量标签
type Prometheus struct {
	connections    prometheus.Counter
	disconnections prometheus.Counter
	connGauge      *prometheus.GaugeVec
	messages       *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	messageErrors  *prometheus.CounterVec
	rooms          prometheus.Gauge
	bus            *prometheus.CounterVec
	dropped        prometheus.Counter
	invalid        prometheus.Counter
}

var _ ws.Metrics = (*Prometheus)(nil)

// NewPrometheus 在 reg 上注册指标；reg 为 nil 时使用默认注册表
func NewPrometheus(reg prometheus.Registerer, namespace, workerID string) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "realtime"
	}
	f := promauto.With(prometheus.WrapRegistererWith(prometheus.Labels{"worker": workerID}, reg))

	return &Prometheus{
		connections: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Accepted websocket connections",
		}),
		disconnections: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnections_total",
			Help:      "Closed websocket connections",
		}),
		connGauge: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients",
			Help:      "Known clients by kind (local or shadow)",
		}, []string{"kind"}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Routed inbound messages",
		}, []string{"route"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_duration_seconds",
			Help:      "Message handling latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		messageErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_errors_total",
			Help:      "Failed messages by route and error code",
		}, []string{"route", "code"}),
		rooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Non-empty rooms",
		}),
		bus: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_total",
			Help:      "Broadcast bus events by channel and outcome",
		}, []string{"channel", "outcome"}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_messages_total",
			Help:      "Frames dropped because a send queue was full",
		}),
		invalid: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalid_messages_total",
			Help:      "Frames that failed to decode",
		}),
	}
}

func (p *Prometheus) IncrementConnections() { p.connections.Inc() }
func (p *Prometheus) DecrementConnections() { p.disconnections.Inc() }

func (p *Prometheus) SetConnectionCount(local, shadow int) {
	p.connGauge.WithLabelValues("local").Set(float64(local))
	p.connGauge.WithLabelValues("shadow").Set(float64(shadow))
}

func (p *Prometheus) IncrementMessageCount(route string) {
	p.messages.WithLabelValues(route).Inc()
}

func (p *Prometheus) RecordMessageLatency(route string, d time.Duration) {
	p.latency.WithLabelValues(route).Observe(d.Seconds())
}

func (p *Prometheus) IncrementMessageErrors(route string, code int) {
	p.messageErrors.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

func (p *Prometheus) SetRoomCount(count int) { p.rooms.Set(float64(count)) }

func (p *Prometheus) IncrementBusPublished(channel string) {
	p.bus.WithLabelValues(channel, "published").Inc()
}

func (p *Prometheus) IncrementBusReceived(channel string) {
	p.bus.WithLabelValues(channel, "received").Inc()
}

func (p *Prometheus) IncrementBusSuppressed(channel string) {
	p.bus.WithLabelValues(channel, "suppressed").Inc()
}

func (p *Prometheus) IncrementBusErrors(channel string) {
	p.bus.WithLabelValues(channel, "error").Inc()
}

func (p *Prometheus) IncrementDroppedMessages() { p.dropped.Inc() }
func (p *Prometheus) IncrementInvalidMessages() { p.invalid.Inc() }
