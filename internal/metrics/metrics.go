// Package metrics contains the Prometheus metrics exported by wsping.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/m-lab/wsping/pkg/ping1/model"
)

var (
	// ProbesTotal counts completed probes by result ("success" or "lost").
	ProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsping_probes_total",
			Help: "Number of probes completed, by result.",
		},
		[]string{"result"},
	)

	// LostTotal counts lost probes by loss reason.
	LostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsping_lost_total",
			Help: "Number of lost probes, by reason.",
		},
		[]string{"reason"},
	)

	// LatePongsTotal counts pongs that answered an earlier, already
	// concluded, probe.
	LatePongsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wsping_late_pongs_total",
			Help: "Number of pongs received after their probe concluded.",
		},
	)

	// RTTHistogram is the distribution of round-trip times.
	RTTHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wsping_rtt_seconds",
			Help:    "Ping-pong round-trip time.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
		},
	)

	// HandshakeErrorsTotal counts runs that failed to establish a session.
	HandshakeErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wsping_handshake_errors_total",
			Help: "Number of failed WebSocket handshakes.",
		},
	)

	// ServerSessionsTotal counts WebSocket sessions served by wsping-server,
	// by outcome.
	ServerSessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsping_server_sessions_total",
			Help: "Number of ping sessions handled by the server, by outcome.",
		},
		[]string{"outcome"},
	)
)

// ObserveRoundTrip updates the probe metrics with a probe outcome.
func ObserveRoundTrip(rt model.RoundTrip) {
	if rt.Lost {
		ProbesTotal.WithLabelValues("lost").Inc()
		LostTotal.WithLabelValues(string(rt.Reason)).Inc()
		return
	}
	ProbesTotal.WithLabelValues("success").Inc()
	RTTHistogram.Observe(rt.RTT.Seconds())
}
