package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instruments for the processing pipeline. Exposed by the HTTP
// server under /metrics.
var (
	GenerationRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "legitrack_generation_requests_total",
		Help: "Generation calls issued, by operation kind and outcome.",
	}, []string{"kind", "outcome"})

	GenerationRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "legitrack_generation_retries_total",
		Help: "Generation calls retried after a malformed response.",
	})

	GenerationTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "legitrack_generation_tokens_total",
		Help: "Tokens consumed by generation calls, by direction.",
	}, []string{"direction"})

	EmbeddingCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "legitrack_embedding_cache_hits_total",
		Help: "Embedding lookups served from the content-hash cache.",
	})

	EmbeddingCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "legitrack_embedding_cache_misses_total",
		Help: "Embedding lookups that required a provider call.",
	})

	HierarchyBuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "legitrack_hierarchy_builds_total",
		Help: "Hierarchy builds finished, by terminal state.",
	}, []string{"state"})

	Assessments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "legitrack_impact_assessments_total",
		Help: "Impact assessments produced, by outcome.",
	}, []string{"outcome"})
)

// CostTracker accumulates LLM spend across models.
type CostTracker struct {
	mu          sync.Mutex
	ModelCosts  map[string]float64
	TotalCost   float64
	TotalTokens int64
}

func NewCostTracker() *CostTracker {
	return &CostTracker{ModelCosts: make(map[string]float64)}
}

// Add records the cost and token usage of one generation call.
func (t *CostTracker) Add(model string, cost float64, tokens int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ModelCosts[model] += cost
	t.TotalCost += cost
	t.TotalTokens += tokens
}

// Snapshot returns a copy of the accumulated totals.
func (t *CostTracker) Snapshot() (map[string]float64, float64, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	models := make(map[string]float64, len(t.ModelCosts))
	for k, v := range t.ModelCosts {
		models[k] = v
	}
	return models, t.TotalCost, t.TotalTokens
}
