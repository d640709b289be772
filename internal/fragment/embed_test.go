package fragment

import (
	"context"
	"sync"
	"testing"
)

// countingEmbedder returns a fixed-dimension vector per text and counts how
// many texts it was asked to embed.
type countingEmbedder struct {
	mu    sync.Mutex
	calls int
	texts int
}

func (e *countingEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	e.texts += len(texts)
	e.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{float32(len(text)), 1, 0}
	}
	return out, nil
}

func TestEmbedFragmentsFillsHashAndVector(t *testing.T) {
	t.Parallel()
	emb := &countingEmbedder{}
	ce := NewCachingEmbedder(emb, NewMemoryCache(), 0)
	frags := []*Fragment{
		{ID: "1", Text: "art 1"},
		{ID: "2", Text: "art 2"},
	}
	if err := ce.EmbedFragments(context.Background(), frags); err != nil {
		t.Fatalf("embed: %v", err)
	}
	for _, f := range frags {
		if f.ContentHash == "" {
			t.Fatalf("fragment %s missing content hash", f.ID)
		}
		if len(f.Embedding) == 0 {
			t.Fatalf("fragment %s missing embedding", f.ID)
		}
	}
}

func TestEmbedFragmentsUsesCacheForIdenticalText(t *testing.T) {
	t.Parallel()
	emb := &countingEmbedder{}
	ce := NewCachingEmbedder(emb, NewMemoryCache(), 0)
	ctx := context.Background()

	first := []*Fragment{{ID: "1", Text: "identical provision"}}
	if err := ce.EmbedFragments(ctx, first); err != nil {
		t.Fatalf("embed: %v", err)
	}
	// Same text under a different fragment identity must hit the cache.
	second := []*Fragment{{ID: "2", Text: "identical  PROVISION"}}
	if err := ce.EmbedFragments(ctx, second); err != nil {
		t.Fatalf("embed: %v", err)
	}
	if emb.texts != 1 {
		t.Fatalf("embedder saw %d texts, want 1 (second lookup should be cached)", emb.texts)
	}
}

func TestEmbedFragmentsBatchesMisses(t *testing.T) {
	t.Parallel()
	emb := &countingEmbedder{}
	ce := NewCachingEmbedder(emb, NewMemoryCache(), 2)
	frags := make([]*Fragment, 5)
	for i := range frags {
		frags[i] = &Fragment{ID: string(rune('a' + i)), Text: "text " + string(rune('a'+i))}
	}
	if err := ce.EmbedFragments(context.Background(), frags); err != nil {
		t.Fatalf("embed: %v", err)
	}
	if emb.calls != 3 {
		t.Fatalf("embedder called %d times, want 3 batches of size <= 2", emb.calls)
	}
}

func TestEmbedTextCacheHit(t *testing.T) {
	t.Parallel()
	emb := &countingEmbedder{}
	ce := NewCachingEmbedder(emb, NewMemoryCache(), 0)
	ctx := context.Background()

	v1, err := ce.EmbedText(ctx, "some text")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	v2, err := ce.EmbedText(ctx, "some text")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if emb.calls != 1 {
		t.Fatalf("embedder called %d times, want 1", emb.calls)
	}
	if len(v1) != len(v2) || v1[0] != v2[0] {
		t.Fatalf("cached vector differs: %v vs %v", v1, v2)
	}
}
