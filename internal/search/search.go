// Package search maintains an in-memory full-text index over fragments for
// keyword lookup across the corpus. The index is rebuilt from the store at
// startup and kept current as fragments are ingested; it is a convenience
// surface, not the source of truth.
package search

import (
	"context"
	"strings"
	"sync"

	"github.com/blevesearch/bleve"

	"github.com/legitrack/legitrack/internal/fragment"
)

// Hit is one search result.
type Hit struct {
	FragmentID string             `json:"fragment_id"`
	OwnerKind  fragment.OwnerKind `json:"owner_kind"`
	OwnerID    string             `json:"owner_id"`
	Seq        int                `json:"seq"`
	Snippet    string             `json:"snippet"`
	Score      float64            `json:"score"`
}

type meta struct {
	kind fragment.OwnerKind
	own  string
	seq  int
	text string
}

// Index is a BM25 index over fragment text.
type Index struct {
	mu    sync.RWMutex
	bleve bleve.Index
	meta  map[string]meta
}

// NewIndex builds an empty in-memory index.
func NewIndex() (*Index, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, err
	}
	return &Index{bleve: idx, meta: make(map[string]meta)}, nil
}

// IndexFragments adds or replaces fragments in the index.
func (i *Index) IndexFragments(frags []fragment.Fragment) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	batch := i.bleve.NewBatch()
	for _, f := range frags {
		if err := batch.Index(f.ID, map[string]interface{}{"text": f.Text}); err != nil {
			return err
		}
		i.meta[f.ID] = meta{kind: f.OwnerKind, own: f.OwnerID, seq: f.Seq, text: f.Text}
	}
	return i.bleve.Batch(batch)
}

// RemoveOwner drops every indexed fragment of an owner, used when fragments
// are replaced on re-ingest.
func (i *Index) RemoveOwner(kind fragment.OwnerKind, ownerID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	batch := i.bleve.NewBatch()
	for id, m := range i.meta {
		if m.kind == kind && m.own == ownerID {
			batch.Delete(id)
			delete(i.meta, id)
		}
	}
	return i.bleve.Batch(batch)
}

// Search runs a query-string search and returns up to k hits.
func (i *Index) Search(_ context.Context, q string, k int) ([]Hit, error) {
	if k <= 0 {
		k = 10
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	query := bleve.NewQueryStringQuery(q)
	req := bleve.NewSearchRequestOptions(query, k, 0, false)
	res, err := i.bleve.Search(req)
	if err != nil {
		return nil, err
	}
	var out []Hit
	for _, hit := range res.Hits {
		m := i.meta[hit.ID]
		out = append(out, Hit{
			FragmentID: hit.ID,
			OwnerKind:  m.kind,
			OwnerID:    m.own,
			Seq:        m.seq,
			Snippet:    snippet(m.text),
			Score:      hit.Score,
		})
	}
	return out, nil
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	const max = 240
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	if idx := strings.LastIndexByte(cut, ' '); idx > 0 {
		cut = cut[:idx]
	}
	return cut + "…"
}
