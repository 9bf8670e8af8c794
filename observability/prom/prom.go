package prom

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/networkmesh/meshchat/observability"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// MeshObserver exports mesh server metrics to Prometheus.
type MeshObserver struct {
	connGauge       prometheus.Gauge
	authGauge       prometheus.Gauge
	userGauge       prometheus.Gauge
	handshakeTotal  *prometheus.CounterVec
	messageTotal    *prometheus.CounterVec
	closeTotal      *prometheus.CounterVec
	broadcastSize   prometheus.Histogram
	dispatchLatency prometheus.Histogram
}

// NewMeshObserver registers mesh metrics on the registry.
func NewMeshObserver(reg *prometheus.Registry) *MeshObserver {
	o := &MeshObserver{
		connGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshchat_connections",
			Help: "Current TCP connection count.",
		}),
		authGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshchat_authenticated_connections",
			Help: "Current authenticated connection count.",
		}),
		userGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshchat_users",
			Help: "Users known to the roster.",
		}),
		handshakeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshchat_handshake_total",
			Help: "Handshake attempts by result and reason.",
		}, []string{"result", "reason"}),
		messageTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshchat_message_total",
			Help: "Encrypted message processing outcomes by result and reason.",
		}, []string{"result", "reason"}),
		closeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshchat_close_total",
			Help: "Connection close reasons.",
		}, []string{"reason"}),
		broadcastSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshchat_broadcast_recipients",
			Help:    "Recipients per broadcast fan-out.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		dispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshchat_dispatch_latency_seconds",
			Help:    "Latency from frame receipt to fan-out enqueue.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		o.connGauge,
		o.authGauge,
		o.userGauge,
		o.handshakeTotal,
		o.messageTotal,
		o.closeTotal,
		o.broadcastSize,
		o.dispatchLatency,
	)
	return o
}

func (o *MeshObserver) ConnCount(n int64) {
	o.connGauge.Set(float64(n))
}

func (o *MeshObserver) AuthenticatedCount(n int) {
	o.authGauge.Set(float64(n))
}

func (o *MeshObserver) UserCount(n int) {
	o.userGauge.Set(float64(n))
}

func (o *MeshObserver) Handshake(result observability.HandshakeResult, reason observability.HandshakeReason) {
	o.handshakeTotal.WithLabelValues(string(result), string(reason)).Inc()
}

func (o *MeshObserver) Message(result observability.MessageResult, reason observability.MessageReason) {
	o.messageTotal.WithLabelValues(string(result), string(reason)).Inc()
}

func (o *MeshObserver) Broadcast(recipients int) {
	o.broadcastSize.Observe(float64(recipients))
}

func (o *MeshObserver) DispatchLatency(d time.Duration) {
	o.dispatchLatency.Observe(d.Seconds())
}

func (o *MeshObserver) Close(reason observability.CloseReason) {
	o.closeTotal.WithLabelValues(string(reason)).Inc()
}
