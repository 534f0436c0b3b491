// Package metrics exposes the Prometheus metric set for the world server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the server updates.
type Metrics struct {
	TicksTotal   prometheus.Counter
	TickDuration prometheus.Histogram

	CommandsTotal   *prometheus.CounterVec
	ChallengesTotal *prometheus.CounterVec

	ChunksLive    prometheus.Gauge
	AgentsLive    prometheus.Gauge
	ListenerDrops prometheus.Counter

	WSConnections prometheus.Gauge
	SSEStreams    prometheus.Gauge
}

// New registers the metric set on the default registry.
func New() *Metrics {
	return &Metrics{
		TicksTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dc_ticks_total",
			Help: "Total simulation ticks advanced",
		}),
		TickDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dc_tick_duration_seconds",
			Help:    "Wall time spent inside a single tick",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
		CommandsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dc_commands_total",
				Help: "Move command submissions by admission result",
			},
			[]string{"result"}, // accepted, busy, unreachable, out_of_bounds, ...
		),
		ChallengesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dc_challenges_total",
				Help: "Challenge verifications by result",
			},
			[]string{"result"}, // ok, expired_challenge, auth_failed
		),
		ChunksLive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dc_chunks_live",
			Help: "Chunks currently materialised in the world graph",
		}),
		AgentsLive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dc_agents_live",
			Help: "Agents currently present in the world",
		}),
		ListenerDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dc_listener_drops_total",
			Help: "Events dropped because a listener queue was full",
		}),
		WSConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dc_ws_connections",
			Help: "Open agent WebSocket connections",
		}),
		SSEStreams: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dc_sse_streams",
			Help: "Open spectator SSE streams",
		}),
	}
}
