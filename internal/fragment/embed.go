package fragment

import (
	"context"
	"fmt"
	"sync"

	"github.com/legitrack/legitrack/internal/telemetry"
)

// Embedder maps text to fixed-length numeric vectors. Implementations must be
// deterministic for identical input, otherwise the content-hash cache would
// serve stale vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Cache stores embedding vectors keyed by content hash, never by fragment
// identity, so identical text anywhere in the corpus is embedded once.
type Cache interface {
	Get(ctx context.Context, contentHash string) ([]float32, bool, error)
	Put(ctx context.Context, contentHash string, vec []float32) error
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu   sync.RWMutex
	vecs map[string][]float32
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{vecs: make(map[string][]float32)}
}

func (c *MemoryCache) Get(_ context.Context, hash string) ([]float32, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	vec, ok := c.vecs[hash]
	return vec, ok, nil
}

func (c *MemoryCache) Put(_ context.Context, hash string, vec []float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vecs[hash] = vec
	return nil
}

// CachingEmbedder wraps an Embedder with a content-hash cache and batches
// cache misses into a single provider call.
type CachingEmbedder struct {
	embedder  Embedder
	cache     Cache
	batchSize int
}

// NewCachingEmbedder builds a CachingEmbedder. batchSize <= 0 falls back to 64.
func NewCachingEmbedder(embedder Embedder, cache Cache, batchSize int) *CachingEmbedder {
	if batchSize <= 0 {
		batchSize = 64
	}
	return &CachingEmbedder{embedder: embedder, cache: cache, batchSize: batchSize}
}

// EmbedText returns the vector for a single text, consulting the cache first.
func (c *CachingEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	hash := ContentHash(text)
	if vec, ok, err := c.cache.Get(ctx, hash); err != nil {
		return nil, fmt.Errorf("embedding cache get: %w", err)
	} else if ok {
		telemetry.EmbeddingCacheHits.Inc()
		return vec, nil
	}
	telemetry.EmbeddingCacheMisses.Inc()
	vecs, err := c.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for 1 input", len(vecs))
	}
	if err := c.cache.Put(ctx, hash, vecs[0]); err != nil {
		return nil, fmt.Errorf("embedding cache put: %w", err)
	}
	return vecs[0], nil
}

// EmbedFragments fills in Embedding and ContentHash for every fragment that
// does not have a vector yet. Texts already in the cache are not re-embedded.
func (c *CachingEmbedder) EmbedFragments(ctx context.Context, frags []*Fragment) error {
	var (
		missIdx   []int
		missTexts []string
	)
	for i, f := range frags {
		if f.ContentHash == "" {
			f.ContentHash = ContentHash(f.Text)
		}
		if f.Embedding != nil {
			continue
		}
		vec, ok, err := c.cache.Get(ctx, f.ContentHash)
		if err != nil {
			return fmt.Errorf("embedding cache get: %w", err)
		}
		if ok {
			telemetry.EmbeddingCacheHits.Inc()
			f.Embedding = vec
			continue
		}
		telemetry.EmbeddingCacheMisses.Inc()
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, f.Text)
	}

	for start := 0; start < len(missTexts); start += c.batchSize {
		end := start + c.batchSize
		if end > len(missTexts) {
			end = len(missTexts)
		}
		vecs, err := c.embedder.Embed(ctx, missTexts[start:end])
		if err != nil {
			return fmt.Errorf("embed batch: %w", err)
		}
		if len(vecs) != end-start {
			return fmt.Errorf("embedder returned %d vectors for %d inputs", len(vecs), end-start)
		}
		for j, vec := range vecs {
			f := frags[missIdx[start+j]]
			f.Embedding = vec
			if err := c.cache.Put(ctx, f.ContentHash, vec); err != nil {
				return fmt.Errorf("embedding cache put: %w", err)
			}
		}
	}
	return nil
}
