// Package metrics holds the prometheus collectors exported by lobbyd.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "relaylobby"

type Metrics struct {
	RelayPeers      prometheus.Gauge
	RelayLinks      prometheus.Gauge
	FramesForwarded *prometheus.CounterVec
	FramesDropped   *prometheus.CounterVec
	PeersKicked     prometheus.Counter

	SessionsCreated prometheus.Counter
	RateLimited     prometheus.Counter
	DirectoryErrors *prometheus.CounterVec
}

// New creates the collectors and registers them on reg when it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RelayPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "relay", Name: "peers",
			Help: "Websocket peers attached to the relay hub.",
		}),
		RelayLinks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "relay", Name: "links",
			Help: "Relay links pending or established.",
		}),
		FramesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "frames_forwarded_total",
			Help: "Data frames forwarded between peers.",
		}, []string{"send_type"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "frames_dropped_total",
			Help: "Frames dropped, by reason.",
		}, []string{"reason"}),
		PeersKicked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "peers_kicked_total",
			Help: "Peers disconnected for falling behind on reliable frames.",
		}),
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "directory", Name: "sessions_created_total",
			Help: "Sessions created through the REST API.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "directory", Name: "rate_limited_total",
			Help: "Session creations refused by the rate limiter.",
		}),
		DirectoryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "directory", Name: "errors_total",
			Help: "Failed directory requests, by wire code.",
		}, []string{"code"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.RelayPeers, m.RelayLinks, m.FramesForwarded, m.FramesDropped, m.PeersKicked,
			m.SessionsCreated, m.RateLimited, m.DirectoryErrors,
		)
	}
	return m
}
