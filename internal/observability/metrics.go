package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the hub.
type Metrics struct {
	ConnectedSessions prometheus.Gauge
	OnlineDevices     prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	Broadcasts        *prometheus.CounterVec
	CommandSends      *prometheus.CounterVec
	StaleSenderDrops  prometheus.Counter
	CancelAckExpiries prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ConnectedSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_sessions",
			Help:      "Number of live websocket sessions.",
		}),
		OnlineDevices: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_devices",
			Help:      "Number of devices currently online.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket frames by direction and type.",
		}, []string{"direction", "type"}),
		Broadcasts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_envelopes_total",
			Help:      "Mutation envelopes broadcast by entity and action.",
		}, []string{"entity", "action"}),
		CommandSends: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_sends_total",
			Help:      "Execution commands routed to devices by command and result.",
		}, []string{"command", "result"}),
		StaleSenderDrops: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_sender_drops_total",
			Help:      "Progress or completion events dropped because the sender is not the assigned device.",
		}),
		CancelAckExpiries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancel_ack_expiries_total",
			Help:      "Cancel requests whose device ack never arrived within the window.",
		}),
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
