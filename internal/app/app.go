// Package app wires the engines, stores and collaborators into one unit that
// the HTTP server, the worker and the CLI commands all share.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/legitrack/legitrack/config"
	"github.com/legitrack/legitrack/internal/changeset"
	"github.com/legitrack/legitrack/internal/cluster"
	"github.com/legitrack/legitrack/internal/fragment"
	"github.com/legitrack/legitrack/internal/impact"
	"github.com/legitrack/legitrack/internal/llm"
	"github.com/legitrack/legitrack/internal/search"
	"github.com/legitrack/legitrack/internal/store"
	"github.com/legitrack/legitrack/internal/summarize"
	"github.com/legitrack/legitrack/internal/telemetry"
)

// App bundles the assembled services.
type App struct {
	Cfg        *config.Config
	Store      *store.Store
	Search     *search.Index
	Summarizer *summarize.Engine
	Assessor   *impact.Engine
	Embedder   *fragment.CachingEmbedder
	Registry   *llm.Registry
	Tracker    *telemetry.CostTracker
	Redis      *redis.Client
	Logger     *log.Logger
}

// New assembles the application from configuration. The Redis client is
// optional; without it the embedding cache lives in Postgres only.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := log.New(log.Writer(), "[APP] ", log.LstdFlags)

	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return nil, err
	}
	st, err := store.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	provider, err := llm.NewProvider(cfg.LLM)
	if err != nil {
		return nil, err
	}
	registry, err := llm.NewRegistry()
	if err != nil {
		return nil, err
	}
	tracker := telemetry.NewCostTracker()

	var rdb *redis.Client
	var cache fragment.Cache = &store.EmbeddingCache{DB: st.DB}
	if cfg.Storage.Redis.Host != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr(),
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
		}
		cache = fragment.NewRedisCache(rdb)
	}

	embedder := fragment.NewCachingEmbedder(
		&llm.ProviderEmbedder{Provider: provider, Model: cfg.Embedding.Model},
		cache,
		cfg.Embedding.BatchSize,
	)

	summarizeClient := llm.NewClient(provider, registry,
		cfg.LLM.Routing.Summarize, cfg.LLM.Routing.Fallback,
		cfg.Summarize.MaxRetries, tracker,
		log.New(log.Writer(), "[LLM] ", log.LstdFlags))
	assessClient := llm.NewClient(provider, registry,
		cfg.LLM.Routing.Assess, cfg.LLM.Routing.Fallback,
		cfg.Summarize.MaxRetries, tracker,
		log.New(log.Writer(), "[LLM] ", log.LstdFlags))

	summarizer := summarize.New(summarizeClient, embedder, st, summarize.Config{
		Clustering: cluster.Params{
			MaxClusterSize: cfg.Clustering.MaxClusterSize,
			MinSimilarity:  cfg.Clustering.MinSimilarity,
		},
		MaxDepth:    cfg.Clustering.MaxDepth,
		Concurrency: cfg.Summarize.Concurrency,
	}, nil)

	assessor := impact.New(assessClient, embedder, st, registry, impact.Config{
		TopK:        cfg.Impact.TopK,
		Concurrency: cfg.Impact.Concurrency,
	}, nil)

	idx, err := search.NewIndex()
	if err != nil {
		return nil, err
	}

	return &App{
		Cfg:        cfg,
		Store:      st,
		Search:     idx,
		Summarizer: summarizer,
		Assessor:   assessor,
		Embedder:   embedder,
		Registry:   registry,
		Tracker:    tracker,
		Redis:      rdb,
		Logger:     logger,
	}, nil
}

func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	_ = a.Store.Close()
}

// IngestFragments stores an owner's fragment texts as its new fragment set
// and refreshes the search index.
func (a *App) IngestFragments(ctx context.Context, kind fragment.OwnerKind, ownerID string, texts []string) ([]fragment.Fragment, error) {
	frags := make([]fragment.Fragment, 0, len(texts))
	for i, text := range texts {
		frags = append(frags, fragment.Fragment{
			ID:          uuid.NewString(),
			OwnerKind:   kind,
			OwnerID:     ownerID,
			Seq:         i,
			Text:        text,
			ContentHash: fragment.ContentHash(text),
		})
	}
	if err := a.Store.ReplaceFragments(ctx, kind, ownerID, frags); err != nil {
		return nil, err
	}
	if err := a.Search.RemoveOwner(kind, ownerID); err != nil {
		a.Logger.Printf("search deindex %s %s: %v", kind, ownerID, err)
	}
	if err := a.Search.IndexFragments(frags); err != nil {
		a.Logger.Printf("search index %s %s: %v", kind, ownerID, err)
	}
	return frags, nil
}

// ReloadSearchIndex rebuilds the in-memory search index from the store.
func (a *App) ReloadSearchIndex(ctx context.Context) error {
	for _, kind := range []fragment.OwnerKind{fragment.OwnerActVersion, fragment.OwnerDocument} {
		var ownerIDs []string
		switch kind {
		case fragment.OwnerActVersion:
			acts, err := a.Store.ListActs(ctx)
			if err != nil {
				return err
			}
			for _, act := range acts {
				versions, err := a.Store.ListActVersions(ctx, act.ID)
				if err != nil {
					return err
				}
				for _, v := range versions {
					ownerIDs = append(ownerIDs, v.ID)
				}
			}
		case fragment.OwnerDocument:
			docs, err := a.Store.ListDocuments(ctx)
			if err != nil {
				return err
			}
			for _, d := range docs {
				ownerIDs = append(ownerIDs, d.ID)
			}
		}
		for _, id := range ownerIDs {
			frags, err := a.Store.ListFragments(ctx, kind, id)
			if err != nil {
				return err
			}
			if err := a.Search.IndexFragments(frags); err != nil {
				return err
			}
		}
	}
	return nil
}

// BuildHierarchy runs a full summarization build for an owner and writes the
// computed fragment embeddings back to the store.
func (a *App) BuildHierarchy(ctx context.Context, kind fragment.OwnerKind, ownerID string) (summarize.Build, error) {
	frags, err := a.Store.ListFragments(ctx, kind, ownerID)
	if err != nil {
		return summarize.Build{}, fmt.Errorf("%w: %v", fragment.ErrUnavailable, err)
	}
	build, err := a.Summarizer.Build(ctx, kind, ownerID, frags)
	if uerr := a.Store.UpdateFragmentEmbeddings(ctx, frags); uerr != nil {
		a.Logger.Printf("persist fragment embeddings for %s %s: %v", kind, ownerID, uerr)
	}
	return build, err
}

// Compare returns the changeset between two versions of an act, reusing a
// previously detected one when present.
func (a *App) Compare(ctx context.Context, actID, olderVersionID, newerVersionID string) (changeset.Changeset, bool, error) {
	if cs, err := a.Store.FindChangeset(ctx, actID, olderVersionID, newerVersionID); err == nil {
		return cs, true, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return changeset.Changeset{}, false, err
	}

	older, err := a.Store.ListFragments(ctx, fragment.OwnerActVersion, olderVersionID)
	if err != nil {
		return changeset.Changeset{}, false, err
	}
	newer, err := a.Store.ListFragments(ctx, fragment.OwnerActVersion, newerVersionID)
	if err != nil {
		return changeset.Changeset{}, false, err
	}
	cs := changeset.Changeset{
		ID:             uuid.NewString(),
		ActID:          actID,
		OlderVersionID: olderVersionID,
		NewerVersionID: newerVersionID,
		Entries:        changeset.Detect(older, newer, changeset.DefaultWindow),
	}
	if err := a.Store.SaveChangeset(ctx, cs); err != nil {
		return changeset.Changeset{}, false, err
	}
	return cs, false, nil
}

// Assess runs impact assessment for a stored changeset. The newer act version
// must already carry an installed summary hierarchy; its root summary frames
// every generation call.
func (a *App) Assess(ctx context.Context, changesetID string) ([]impact.Assessment, error) {
	cs, err := a.Store.GetChangeset(ctx, changesetID)
	if err != nil {
		return nil, err
	}
	act, err := a.Store.GetAct(ctx, cs.ActID)
	if err != nil {
		return nil, err
	}
	root, err := a.Store.RootSummary(ctx, fragment.OwnerActVersion, cs.NewerVersionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("act version %s has no summary hierarchy yet, summarize it first", cs.NewerVersionID)
		}
		return nil, err
	}
	start := time.Now()
	out, err := a.Assessor.Assess(ctx, impact.Request{
		Changeset:  cs,
		ActTitle:   act.Title,
		ActSummary: root.Body,
	})
	a.Logger.Printf("assessed changeset %s: %d assessments in %s", cs.ID, len(out), time.Since(start).Round(time.Millisecond))
	return out, err
}
