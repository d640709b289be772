// Package impact scores how strongly each entry of a changeset affects the
// organization's internal documents. For every change entry the engine
// retrieves the top-K most similar documents by embedding distance and issues
// one assessment call per (entry, document) pair. Entries whose fragment sits
// in a leaf cluster flagged irrelevant during summarization are excluded
// before any retrieval or generation. Pairs already assessed for the same
// entry are skipped, so an interrupted run resumes without re-spending
// generation calls.
package impact

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/legitrack/legitrack/internal/changeset"
	"github.com/legitrack/legitrack/internal/fragment"
	"github.com/legitrack/legitrack/internal/llm"
	"github.com/legitrack/legitrack/internal/telemetry"
)

// Status is the terminal state of one assessment record. Failed pairs are
// recorded explicitly rather than silently dropped.
type Status string

const (
	StatusOK     Status = "ok"
	StatusFailed Status = "failed"
)

// Assessment is the persisted outcome of scoring one (change entry, document)
// pair.
type Assessment struct {
	ID               string
	ChangesetID      string
	ChangeEntryID    string
	DocID            string
	Score            float64
	Justification    string
	InsufficientData bool
	Status           Status
	Error            string
	PromptVersion    string
	Similarity       float64
	CreatedAt        time.Time
}

// DocMatch is a candidate document retrieved for a change entry. Summary is
// the document's current root summary; FragmentText is the document fragment
// nearest to the change.
type DocMatch struct {
	DocID        string
	Title        string
	Summary      string
	FragmentText string
	Similarity   float64
}

// Store is the engine's persistence boundary. TopSimilarDocuments must only
// return documents whose current root summary is flagged relevant.
type Store interface {
	TopSimilarDocuments(ctx context.Context, vec []float32, k int) ([]DocMatch, error)
	// LeafRelevance maps every fragment of the owner's current hierarchy to
	// the relevance flag of its leaf-cluster summary. An owner without an
	// installed hierarchy yields an empty map, not an error.
	LeafRelevance(ctx context.Context, kind fragment.OwnerKind, ownerID string) (map[string]bool, error)
	HasAssessment(ctx context.Context, changeEntryID, docID string) (bool, error)
	InsertAssessment(ctx context.Context, a Assessment) error
}

// Config carries the engine's tunables.
type Config struct {
	TopK        int
	Concurrency int
}

// Request is one assessment run: a detected changeset plus the act context
// that frames every generation call.
type Request struct {
	Changeset  changeset.Changeset
	ActTitle   string
	ActSummary string
}

// Engine runs impact assessments.
type Engine struct {
	llm      *llm.Client
	embedder *fragment.CachingEmbedder
	store    Store
	registry *llm.Registry
	cfg      Config
	logger   *log.Logger
}

// New builds an Engine.
func New(client *llm.Client, embedder *fragment.CachingEmbedder, store Store, registry *llm.Registry, cfg Config, logger *log.Logger) *Engine {
	if cfg.TopK < 1 {
		cfg.TopK = 5
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 5
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[IMPACT] ", log.LstdFlags)
	}
	return &Engine{llm: client, embedder: embedder, store: store, registry: registry, cfg: cfg, logger: logger}
}

// Assess scores every relevant entry of the request's changeset against the
// document corpus. Entries run in parallel; one failing pair is recorded and
// does not abort the rest. The returned assessments cover only the pairs
// produced by this run, not pairs skipped as already assessed or as
// irrelevant.
func (e *Engine) Assess(ctx context.Context, req Request) ([]Assessment, error) {
	newerRel, err := e.store.LeafRelevance(ctx, fragment.OwnerActVersion, req.Changeset.NewerVersionID)
	if err != nil {
		return nil, fmt.Errorf("load relevance for version %s: %w", req.Changeset.NewerVersionID, err)
	}
	olderRel, err := e.store.LeafRelevance(ctx, fragment.OwnerActVersion, req.Changeset.OlderVersionID)
	if err != nil {
		return nil, fmt.Errorf("load relevance for version %s: %w", req.Changeset.OlderVersionID, err)
	}

	var (
		mu  sync.Mutex
		out []Assessment
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, entry := range req.Changeset.Entries {
		entry := entry
		if !entryRelevant(entry, newerRel, olderRel) {
			e.logger.Printf("entry %s: skipped, leaf cluster flagged irrelevant", entry.ID)
			telemetry.Assessments.WithLabelValues("skipped_irrelevant").Inc()
			continue
		}
		g.Go(func() error {
			produced, err := e.assessEntry(gctx, req, entry)
			if err != nil {
				// Retrieval failures are fatal for the run: without candidate
				// documents there is nothing meaningful to record per pair.
				return fmt.Errorf("entry %s: %w", entry.ID, err)
			}
			mu.Lock()
			out = append(out, produced...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}

func (e *Engine) assessEntry(ctx context.Context, req Request, entry changeset.Entry) ([]Assessment, error) {
	vec, err := e.embedder.EmbedText(ctx, anchorText(entry))
	if err != nil {
		return nil, fmt.Errorf("embed change text: %w", err)
	}
	matches, err := e.store.TopSimilarDocuments(ctx, vec, e.cfg.TopK)
	if err != nil {
		return nil, fmt.Errorf("retrieve documents: %w", err)
	}

	var out []Assessment
	for _, m := range matches {
		done, err := e.store.HasAssessment(ctx, entry.ID, m.DocID)
		if err != nil {
			return out, fmt.Errorf("check existing assessment: %w", err)
		}
		if done {
			continue
		}
		a := e.assessPair(ctx, req, entry, m)
		if err := e.store.InsertAssessment(ctx, a); err != nil {
			return out, fmt.Errorf("persist assessment: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}

func (e *Engine) assessPair(ctx context.Context, req Request, entry changeset.Entry, m DocMatch) Assessment {
	a := Assessment{
		ID:            uuid.NewString(),
		ChangesetID:   req.Changeset.ID,
		ChangeEntryID: entry.ID,
		DocID:         m.DocID,
		PromptVersion: e.registry.Version(llm.KindImpact),
		Similarity:    m.Similarity,
		CreatedAt:     time.Now().UTC(),
	}
	resp, err := e.llm.AssessImpact(ctx, map[string]string{
		"change_type":   string(entry.Type),
		"act_title":     req.ActTitle,
		"act_summary":   req.ActSummary,
		"changed_text":  beforeText(entry),
		"changing_text": afterText(entry),
		"doc_title":     m.Title,
		"doc_summary":   m.Summary,
		"doc_text":      m.FragmentText,
	})
	if err != nil {
		e.logger.Printf("entry %s doc %s: %v", entry.ID, m.DocID, err)
		telemetry.Assessments.WithLabelValues("error").Inc()
		a.Status = StatusFailed
		a.Error = err.Error()
		return a
	}
	a.Status = StatusOK
	a.Score = resp.Score
	a.Justification = resp.Justification
	a.InsufficientData = resp.InsufficientData
	if resp.InsufficientData {
		telemetry.Assessments.WithLabelValues("insufficient_data").Inc()
	} else {
		telemetry.Assessments.WithLabelValues("ok").Inc()
	}
	return a
}

// entryRelevant reports whether the entry's fragment belongs to a leaf
// cluster flagged relevant. Added and modified entries resolve through the
// newer version's hierarchy, removals through the older one. A fragment
// outside any known cluster is assessed rather than dropped.
func entryRelevant(entry changeset.Entry, newer, older map[string]bool) bool {
	if entry.After != nil {
		rel, known := newer[entry.After.ID]
		return !known || rel
	}
	if entry.Before != nil {
		rel, known := older[entry.Before.ID]
		return !known || rel
	}
	return false
}

// anchorText is the text used to retrieve candidate documents: the new
// wording when there is one, otherwise the removed wording.
func anchorText(entry changeset.Entry) string {
	if entry.After != nil {
		return entry.After.Text
	}
	if entry.Before != nil {
		return entry.Before.Text
	}
	return ""
}

func beforeText(entry changeset.Entry) string {
	if entry.Before != nil {
		return entry.Before.Text
	}
	return "(no previous text; the provision is new)"
}

func afterText(entry changeset.Entry) string {
	if entry.After != nil {
		return entry.After.Text
	}
	return "(no new text; the provision was removed)"
}
