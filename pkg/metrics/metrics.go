package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the matching and signaling service
type Metrics struct {
	// Presence
	SeekersWaiting      prometheus.Gauge
	RespondersAvailable prometheus.Gauge

	// Matching
	MatchesTotal      prometheus.Counter
	ClaimsLostTotal   prometheus.Counter
	SeekerCancels     prometheus.Counter
	WaitingSuperseded prometheus.Counter

	// Sessions
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter

	// Calls
	CallsActive     prometheus.Gauge
	CallsTotal      *prometheus.CounterVec
	CallsEndedTotal *prometheus.CounterVec
	SignalsRelayed  *prometheus.CounterVec

	// WebSocket
	ConnectionsActive prometheus.Gauge
	MessagesTotal     *prometheus.CounterVec
	MessagesDropped   prometheus.Counter
	RateLimited       prometheus.Counter
}

// New creates and registers all Prometheus metrics
func New(serviceName string) *Metrics {
	labels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		SeekersWaiting: promauto.NewGauge(prometheus.GaugeOpts{
			Name:        "match_seekers_waiting",
			Help:        "Number of seekers currently waiting for a responder",
			ConstLabels: labels,
		}),
		RespondersAvailable: promauto.NewGauge(prometheus.GaugeOpts{
			Name:        "match_responders_available",
			Help:        "Number of responders currently in the available pool",
			ConstLabels: labels,
		}),
		MatchesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "match_matches_total",
			Help:        "Total number of seeker/responder pairs created",
			ConstLabels: labels,
		}),
		ClaimsLostTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "match_claims_lost_total",
			Help:        "Total number of claims that lost the race for a seeker",
			ConstLabels: labels,
		}),
		SeekerCancels: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "match_seeker_cancels_total",
			Help:        "Total number of waiting seekers who withdrew or disconnected",
			ConstLabels: labels,
		}),
		WaitingSuperseded: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "match_waiting_superseded_total",
			Help:        "Total number of waiting entries replaced by a re-announce",
			ConstLabels: labels,
		}),
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name:        "session_active",
			Help:        "Number of currently active sessions",
			ConstLabels: labels,
		}),
		SessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "session_started_total",
			Help:        "Total number of sessions started",
			ConstLabels: labels,
		}),
		CallsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name:        "call_active",
			Help:        "Number of calls currently in the Active phase",
			ConstLabels: labels,
		}),
		CallsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "call_initiated_total",
			Help:        "Total number of calls initiated",
			ConstLabels: labels,
		}, []string{"outcome"}),
		CallsEndedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "call_ended_total",
			Help:        "Total number of calls reaching a terminal phase, by reason",
			ConstLabels: labels,
		}, []string{"reason"}),
		SignalsRelayed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "signal_relayed_total",
			Help:        "Total number of offer/answer/candidate messages relayed",
			ConstLabels: labels,
		}, []string{"type"}),
		ConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name:        "ws_connections_active",
			Help:        "Number of identified WebSocket connections",
			ConstLabels: labels,
		}),
		MessagesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "ws_messages_total",
			Help:        "Total number of inbound WebSocket messages, by event type",
			ConstLabels: labels,
		}, []string{"type"}),
		MessagesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "ws_messages_dropped_total",
			Help:        "Outbound messages dropped because a send queue was full",
			ConstLabels: labels,
		}),
		RateLimited: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "ws_rate_limited_total",
			Help:        "Inbound messages rejected by the per-connection limiter",
			ConstLabels: labels,
		}),
	}
}

// NewForTest creates metrics backed by a throwaway registry so parallel tests
// never collide on default-registry registration.
func NewForTest() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		SeekersWaiting:      factory.NewGauge(prometheus.GaugeOpts{Name: "match_seekers_waiting"}),
		RespondersAvailable: factory.NewGauge(prometheus.GaugeOpts{Name: "match_responders_available"}),
		MatchesTotal:        factory.NewCounter(prometheus.CounterOpts{Name: "match_matches_total"}),
		ClaimsLostTotal:     factory.NewCounter(prometheus.CounterOpts{Name: "match_claims_lost_total"}),
		SeekerCancels:       factory.NewCounter(prometheus.CounterOpts{Name: "match_seeker_cancels_total"}),
		WaitingSuperseded:   factory.NewCounter(prometheus.CounterOpts{Name: "match_waiting_superseded_total"}),
		SessionsActive:      factory.NewGauge(prometheus.GaugeOpts{Name: "session_active"}),
		SessionsTotal:       factory.NewCounter(prometheus.CounterOpts{Name: "session_started_total"}),
		CallsActive:         factory.NewGauge(prometheus.GaugeOpts{Name: "call_active"}),
		CallsTotal:          factory.NewCounterVec(prometheus.CounterOpts{Name: "call_initiated_total"}, []string{"outcome"}),
		CallsEndedTotal:     factory.NewCounterVec(prometheus.CounterOpts{Name: "call_ended_total"}, []string{"reason"}),
		SignalsRelayed:      factory.NewCounterVec(prometheus.CounterOpts{Name: "signal_relayed_total"}, []string{"type"}),
		ConnectionsActive:   factory.NewGauge(prometheus.GaugeOpts{Name: "ws_connections_active"}),
		MessagesTotal:       factory.NewCounterVec(prometheus.CounterOpts{Name: "ws_messages_total"}, []string{"type"}),
		MessagesDropped:     factory.NewCounter(prometheus.CounterOpts{Name: "ws_messages_dropped_total"}),
		RateLimited:         factory.NewCounter(prometheus.CounterOpts{Name: "ws_rate_limited_total"}),
	}
}
