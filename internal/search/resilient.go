package search

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var searchesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "assistd",
		Subsystem: "search",
		Name:      "requests_total",
		Help:      "Total number of web search requests by result",
	},
	[]string{"result"},
)

// Outcome is a search result that can carry degradation instead of error.
type Outcome struct {
	Excerpts []Excerpt
	// Degraded is set when the provider failed and the excerpt list is
	// empty for that reason rather than a genuine lack of results.
	Degraded bool
}

// Resilient wraps a Provider so failures degrade to an empty excerpt list
// instead of propagating. Web search is an enrichment, never a dependency:
// a timed-out search must not abort a turn.
type Resilient struct {
	provider Provider
	logger   *zap.Logger
}

// NewResilient wraps a provider. A nil provider means search is disabled
// and every call degrades.
func NewResilient(provider Provider, logger *zap.Logger) *Resilient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resilient{provider: provider, logger: logger}
}

// Search never returns an error.
func (r *Resilient) Search(ctx context.Context, query string) Outcome {
	if r.provider == nil {
		searchesTotal.WithLabelValues("disabled").Inc()
		return Outcome{Degraded: true}
	}

	excerpts, err := r.provider.Search(ctx, query)
	if err != nil {
		searchesTotal.WithLabelValues("degraded").Inc()
		r.logger.Warn("web search degraded", zap.Error(err))
		return Outcome{Degraded: true}
	}

	searchesTotal.WithLabelValues("success").Inc()
	return Outcome{Excerpts: excerpts}
}
