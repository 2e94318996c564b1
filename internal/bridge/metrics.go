package bridge

import "github.com/prometheus/client_golang/prometheus"

var (
	initializationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "genbridge",
			Subsystem: "bridge",
			Name:      "initializations_total",
			Help:      "Bridge initializations by result",
		},
		[]string{"result"},
	)

	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "genbridge",
			Subsystem: "bridge",
			Name:      "sessions_total",
			Help:      "Generation sessions by terminal state",
		},
		[]string{"state"},
	)

	sessionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "genbridge",
			Subsystem: "bridge",
			Name:      "session_duration_seconds",
			Help:      "Wall time from first iteration to terminal state",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	fragmentsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "genbridge",
			Subsystem: "bridge",
			Name:      "fragments_total",
			Help:      "Fragments delivered to consumers",
		},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "genbridge",
			Subsystem: "bridge",
			Name:      "active_sessions",
			Help:      "Sessions holding the engine",
		},
	)

	releasesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "genbridge",
			Subsystem: "bridge",
			Name:      "resource_releases_total",
			Help:      "Native resource sets released",
		},
	)
)

func init() {
	prometheus.MustRegister(initializationsTotal, sessionsTotal, sessionDuration, fragmentsTotal, activeSessions, releasesTotal)
}

func initResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsNotFound(err):
		return "not_found"
	case IsCancelled(err):
		return "cancelled"
	default:
		return "error"
	}
}
