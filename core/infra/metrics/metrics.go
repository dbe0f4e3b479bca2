package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// GatewayMetrics captures connection and ingestion metrics for the gateway.
type GatewayMetrics interface {
	ConnOpened()
	ConnClosed()
	IncMessage(msgType string)
	IncIngest(result string)
	IncBroadcast(channelType string)
	IncContextSave(status string)
	IncEviction(reason string)
}

// Noop implements GatewayMetrics without emitting anything.
type Noop struct{}

func (Noop) ConnOpened()           {}
func (Noop) ConnClosed()           {}
func (Noop) IncMessage(string)     {}
func (Noop) IncIngest(string)      {}
func (Noop) IncBroadcast(string)   {}
func (Noop) IncContextSave(string) {}
func (Noop) IncEviction(string)    {}

// Prom implements GatewayMetrics backed by Prometheus collectors.
type Prom struct {
	connections  prometheus.Gauge
	messages     *prometheus.CounterVec
	ingests      *prometheus.CounterVec
	broadcasts   *prometheus.CounterVec
	contextSaves *prometheus.CounterVec
	evictions    *prometheus.CounterVec
}

var (
	promOnce sync.Once
	promInst *Prom
)

// NewProm returns the process-wide gateway metrics, registering the
// collectors on first call. The namespace of the first caller wins;
// collectors register with the default registry exactly once.
func NewProm(namespace string) *Prom {
	promOnce.Do(func() {
		promInst = newProm(namespace)
		prometheus.MustRegister(
			promInst.connections, promInst.messages, promInst.ingests,
			promInst.broadcasts, promInst.contextSaves, promInst.evictions,
		)
	})
	return promInst
}

func newProm(namespace string) *Prom {
	p := &Prom{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Currently open websocket connections",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Inbound messages by envelope type",
		}, []string{"type"}),
		ingests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_total",
			Help:      "Decision ingests by result (persisted/dedup/error)",
		}, []string{"result"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Channel broadcasts by channel type",
		}, []string{"channel_type"}),
		contextSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_save_emitted_total",
			Help:      "Context-save webhook emissions by status",
		}, []string{"status"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Forced disconnects by reason (idle/slow)",
		}, []string{"reason"}),
	}
	return p
}

func (p *Prom) ConnOpened()                  { p.connections.Inc() }
func (p *Prom) ConnClosed()                  { p.connections.Dec() }
func (p *Prom) IncMessage(msgType string)    { p.messages.WithLabelValues(msgType).Inc() }
func (p *Prom) IncIngest(result string)      { p.ingests.WithLabelValues(result).Inc() }
func (p *Prom) IncBroadcast(ct string)       { p.broadcasts.WithLabelValues(ct).Inc() }
func (p *Prom) IncContextSave(status string) { p.contextSaves.WithLabelValues(status).Inc() }
func (p *Prom) IncEviction(reason string)    { p.evictions.WithLabelValues(reason).Inc() }

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
