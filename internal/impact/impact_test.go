package impact

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/legitrack/legitrack/internal/changeset"
	"github.com/legitrack/legitrack/internal/fragment"
	"github.com/legitrack/legitrack/internal/llm"
)

const failingDocTitle = "zz-unassessable-doc-zz"

// fakeProvider scores every pair 0.85 unless the prompt names the failing
// document, which always gets a non-JSON answer.
type fakeProvider struct {
	mu    sync.Mutex
	calls int
}

func (p *fakeProvider) Generate(ctx context.Context, prompt, model string, options map[string]interface{}) (string, error) {
	out, _, _, err := p.GenerateWithTokens(ctx, prompt, model, options)
	return out, err
}

func (p *fakeProvider) GenerateWithTokens(_ context.Context, prompt, _ string, _ map[string]interface{}) (string, int64, int64, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if strings.Contains(prompt, failingDocTitle) {
		return "cannot assess", 1, 1, nil
	}
	if strings.Contains(prompt, "too short to judge") {
		return `{"score":0.0,"justification":"texts lack detail","insufficient_data":true}`, 1, 1, nil
	}
	return `{"score":0.85,"justification":"the document cites the changed provision","insufficient_data":false}`, 1, 1, nil
}

func (p *fakeProvider) Embed(_ context.Context, _ string, input []string) ([][]float32, error) {
	out := make([][]float32, len(input))
	for i, text := range input {
		out[i] = []float32{float32(len(text)), 1, 0}
	}
	return out, nil
}

func (p *fakeProvider) CalculateCost(int64, int64, string) float64 { return 0 }

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// memStore serves canned matches and records assessments.
type memStore struct {
	mu        sync.Mutex
	matches   []DocMatch
	existing  map[string]bool            // changeEntryID + "/" + docID
	relevance map[string]map[string]bool // ownerID -> fragmentID -> relevant
	saved     []Assessment
}

func (m *memStore) TopSimilarDocuments(_ context.Context, _ []float32, k int) ([]DocMatch, error) {
	if len(m.matches) > k {
		return m.matches[:k], nil
	}
	return m.matches, nil
}

func (m *memStore) LeafRelevance(_ context.Context, _ fragment.OwnerKind, ownerID string) (map[string]bool, error) {
	return m.relevance[ownerID], nil
}

func (m *memStore) HasAssessment(_ context.Context, entryID, docID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.existing[entryID+"/"+docID], nil
}

func (m *memStore) InsertAssessment(_ context.Context, a Assessment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, a)
	return nil
}

func newTestEngine(t *testing.T, provider llm.Provider, st Store, cfg Config) *Engine {
	t.Helper()
	registry, err := llm.NewRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	client := llm.NewClient(provider, registry, "test-model", "", 0, nil, nil)
	embedder := fragment.NewCachingEmbedder(
		&llm.ProviderEmbedder{Provider: provider, Model: "test-embed"},
		fragment.NewMemoryCache(), 0)
	return New(client, embedder, st, registry, cfg, nil)
}

func modifiedEntry(id, before, after string) changeset.Entry {
	return changeset.Entry{
		ID:     id,
		Type:   changeset.Modified,
		Before: &fragment.Fragment{ID: "b-" + id, Text: before},
		After:  &fragment.Fragment{ID: "a-" + id, Text: after},
	}
}

func request(entries ...changeset.Entry) Request {
	return Request{
		Changeset: changeset.Changeset{
			ID:             "cs1",
			ActID:          "act1",
			OlderVersionID: "v1",
			NewerVersionID: "v2",
			Entries:        entries,
		},
		ActTitle:   "Data Protection Act",
		ActSummary: "regulates the processing of personal data",
	}
}

func TestAssessScoresEveryPair(t *testing.T) {
	t.Parallel()
	st := &memStore{
		matches: []DocMatch{
			{DocID: "d1", Title: "Privacy Policy", Summary: "how data is processed", FragmentText: "we follow art 2", Similarity: 0.9},
			{DocID: "d2", Title: "Retention Policy", Summary: "how long data is kept", FragmentText: "we follow art 5", Similarity: 0.8},
		},
		existing: map[string]bool{},
	}
	engine := newTestEngine(t, &fakeProvider{}, st, Config{TopK: 5, Concurrency: 2})
	out, err := engine.Assess(context.Background(), request(
		modifiedEntry("e1", "art 2 old", "art 2 new"),
	))
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d assessments, want 2", len(out))
	}
	for _, a := range out {
		if a.Status != StatusOK {
			t.Fatalf("status = %s, want ok", a.Status)
		}
		if a.Score < 0 || a.Score > 1 {
			t.Fatalf("score %v outside [0, 1]", a.Score)
		}
		if a.Justification == "" {
			t.Fatal("assessment missing justification")
		}
	}
	if len(st.saved) != 2 {
		t.Fatalf("persisted %d assessments, want 2", len(st.saved))
	}
}

func TestAssessSkipsExistingPairs(t *testing.T) {
	t.Parallel()
	provider := &fakeProvider{}
	st := &memStore{
		matches: []DocMatch{
			{DocID: "d1", Title: "Privacy Policy", Summary: "s", FragmentText: "t", Similarity: 0.9},
			{DocID: "d2", Title: "Retention Policy", Summary: "s", FragmentText: "t", Similarity: 0.8},
		},
		existing: map[string]bool{"e1/d1": true},
	}
	engine := newTestEngine(t, provider, st, Config{TopK: 5, Concurrency: 1})
	out, err := engine.Assess(context.Background(), request(
		modifiedEntry("e1", "old", "new"),
	))
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d assessments, want 1 (d1 already assessed)", len(out))
	}
	if out[0].DocID != "d2" {
		t.Fatalf("assessed doc %s, want d2", out[0].DocID)
	}
	// Only the unassessed pair costs a generation call.
	if provider.callCount() != 1 {
		t.Fatalf("provider generated %d times, want 1", provider.callCount())
	}
}

func TestAssessRecordsFailedPair(t *testing.T) {
	t.Parallel()
	st := &memStore{
		matches: []DocMatch{
			{DocID: "d1", Title: failingDocTitle, Summary: "s", FragmentText: "t", Similarity: 0.9},
			{DocID: "d2", Title: "Retention Policy", Summary: "s", FragmentText: "t", Similarity: 0.8},
		},
		existing: map[string]bool{},
	}
	engine := newTestEngine(t, &fakeProvider{}, st, Config{TopK: 5, Concurrency: 1})
	out, err := engine.Assess(context.Background(), request(
		modifiedEntry("e1", "old", "new"),
	))
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d assessments, want 2 (failure is recorded, not dropped)", len(out))
	}
	var failed, ok int
	for _, a := range out {
		switch a.Status {
		case StatusFailed:
			failed++
			if a.Error == "" {
				t.Fatal("failed assessment missing error")
			}
		case StatusOK:
			ok++
		}
	}
	if failed != 1 || ok != 1 {
		t.Fatalf("failed=%d ok=%d, want 1 and 1", failed, ok)
	}
}

func TestAssessInsufficientData(t *testing.T) {
	t.Parallel()
	st := &memStore{
		matches:  []DocMatch{{DocID: "d1", Title: "Policy", Summary: "s", FragmentText: "too short to judge", Similarity: 0.5}},
		existing: map[string]bool{},
	}
	engine := newTestEngine(t, &fakeProvider{}, st, Config{TopK: 5, Concurrency: 1})
	out, err := engine.Assess(context.Background(), request(
		modifiedEntry("e1", "old", "new"),
	))
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d assessments, want 1", len(out))
	}
	a := out[0]
	if !a.InsufficientData {
		t.Fatal("insufficient_data flag not carried through")
	}
	if a.Score != 0 {
		t.Fatalf("score = %v, want 0.00 with insufficient data", a.Score)
	}
}

func TestAssessSkipsIrrelevantEntries(t *testing.T) {
	t.Parallel()
	provider := &fakeProvider{}
	st := &memStore{
		matches:  []DocMatch{{DocID: "d1", Title: "Privacy Policy", Summary: "s", FragmentText: "t", Similarity: 0.9}},
		existing: map[string]bool{},
		relevance: map[string]map[string]bool{
			"v2": {"a-e1": false, "a-e2": true},
		},
	}
	engine := newTestEngine(t, provider, st, Config{TopK: 5, Concurrency: 1})
	out, err := engine.Assess(context.Background(), request(
		modifiedEntry("e1", "table of contents", "table of contents, amended"),
		modifiedEntry("e2", "art 2 old", "art 2 new"),
	))
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d assessments, want 1 (e1's leaf cluster is irrelevant)", len(out))
	}
	if out[0].ChangeEntryID != "e2" {
		t.Fatalf("assessed entry %s, want e2", out[0].ChangeEntryID)
	}
	// The skipped entry must not cost a generation call either.
	if provider.callCount() != 1 {
		t.Fatalf("provider generated %d times, want 1", provider.callCount())
	}
}

func TestAssessSkipsIrrelevantRemovedEntry(t *testing.T) {
	t.Parallel()
	provider := &fakeProvider{}
	st := &memStore{
		matches:  []DocMatch{{DocID: "d1", Title: "Policy", Summary: "s", FragmentText: "t", Similarity: 0.9}},
		existing: map[string]bool{},
		relevance: map[string]map[string]bool{
			"v1": {"b1": false},
		},
	}
	engine := newTestEngine(t, provider, st, Config{TopK: 5, Concurrency: 1})
	entry := changeset.Entry{
		ID:     "e1",
		Type:   changeset.Removed,
		Before: &fragment.Fragment{ID: "b1", Text: "repealed imprint section"},
	}
	out, err := engine.Assess(context.Background(), request(entry))
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("got %d assessments, want 0 for a removal from an irrelevant cluster", len(out))
	}
	if provider.callCount() != 0 {
		t.Fatalf("provider generated %d times, want 0", provider.callCount())
	}
}

func TestAssessRemovedEntryUsesBeforeText(t *testing.T) {
	t.Parallel()
	st := &memStore{
		matches:  []DocMatch{{DocID: "d1", Title: "Policy", Summary: "s", FragmentText: "t", Similarity: 0.9}},
		existing: map[string]bool{},
	}
	engine := newTestEngine(t, &fakeProvider{}, st, Config{TopK: 5, Concurrency: 1})
	entry := changeset.Entry{
		ID:     "e1",
		Type:   changeset.Removed,
		Before: &fragment.Fragment{ID: "b1", Text: "repealed provision"},
	}
	out, err := engine.Assess(context.Background(), request(entry))
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if len(out) != 1 || out[0].Status != StatusOK {
		t.Fatalf("out = %+v", out)
	}
}

func TestAnchorText(t *testing.T) {
	t.Parallel()
	added := changeset.Entry{After: &fragment.Fragment{Text: "new"}}
	removed := changeset.Entry{Before: &fragment.Fragment{Text: "old"}}
	if anchorText(added) != "new" {
		t.Fatal("added entries anchor on the new wording")
	}
	if anchorText(removed) != "old" {
		t.Fatal("removed entries anchor on the removed wording")
	}
}
