package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sylvanlabs/assistd/internal/session"
)

var (
	turnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "assistd",
			Subsystem: "orchestrator",
			Name:      "turns_total",
			Help:      "Total number of turns by mode and result",
		},
		[]string{"mode", "result"},
	)

	turnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "assistd",
			Subsystem: "orchestrator",
			Name:      "turn_duration_seconds",
			Help:      "Wall time from turn start to terminal token",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"mode"},
	)
)

func recordTurn(mode session.Mode, result string, elapsed time.Duration) {
	turnsTotal.WithLabelValues(string(mode), result).Inc()
	turnDuration.WithLabelValues(string(mode)).Observe(elapsed.Seconds())
}
