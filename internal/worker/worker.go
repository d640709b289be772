// Package worker runs the periodic summarization sweep: any act version or
// document that has fragments but no installed hierarchy gets one built. The
// sweep is cron-scheduled and takes a Redis lock so only one process runs it
// at a time.
package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/legitrack/legitrack/internal/app"
	"github.com/legitrack/legitrack/internal/fragment"
	"github.com/legitrack/legitrack/internal/store"
)

const lockKey = "legitrack:sweep:lock"

// Worker drives the scheduled sweep.
type Worker struct {
	App    *app.App
	Cron   string
	Logger *log.Logger
	Stop   chan struct{}
}

func New(a *app.App, cron string) *Worker {
	if cron == "" {
		cron = "0 * * * *"
	}
	return &Worker{
		App:    a,
		Cron:   cron,
		Logger: log.New(log.Writer(), "[WORKER] ", log.LstdFlags),
		Stop:   make(chan struct{}),
	}
}

// Run blocks, firing the sweep at each cron tick until Stop is closed.
func (w *Worker) Run(ctx context.Context) error {
	expr, err := cronexpr.Parse(w.Cron)
	if err != nil {
		return err
	}
	for {
		next := expr.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-w.Stop:
			timer.Stop()
			return nil
		case <-timer.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep builds hierarchies for every owner that lacks one. With Redis
// configured a SetNX lock keeps concurrent processes from sweeping twice.
func (w *Worker) Sweep(ctx context.Context) {
	if w.App.Redis != nil {
		ok, err := w.App.Redis.SetNX(ctx, lockKey, "1", 10*time.Minute).Result()
		if err != nil {
			w.Logger.Printf("sweep lock: %v", err)
			return
		}
		if !ok {
			return
		}
		defer w.App.Redis.Del(ctx, lockKey)
	}

	owners, err := w.pendingOwners(ctx)
	if err != nil {
		w.Logger.Printf("list pending owners: %v", err)
		return
	}
	for _, o := range owners {
		build, err := w.App.BuildHierarchy(ctx, o.kind, o.id)
		if err != nil {
			w.Logger.Printf("build %s %s: %v", o.kind, o.id, err)
			continue
		}
		w.Logger.Printf("built hierarchy for %s %s: %d levels (build %s)", o.kind, o.id, build.Levels, build.ID)
	}
}

type owner struct {
	kind fragment.OwnerKind
	id   string
}

func (w *Worker) pendingOwners(ctx context.Context) ([]owner, error) {
	var out []owner
	acts, err := w.App.Store.ListActs(ctx)
	if err != nil {
		return nil, err
	}
	for _, act := range acts {
		versions, err := w.App.Store.ListActVersions(ctx, act.ID)
		if err != nil {
			return nil, err
		}
		for _, v := range versions {
			pending, err := w.isPending(ctx, fragment.OwnerActVersion, v.ID)
			if err != nil {
				return nil, err
			}
			if pending {
				out = append(out, owner{kind: fragment.OwnerActVersion, id: v.ID})
			}
		}
	}
	docs, err := w.App.Store.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		pending, err := w.isPending(ctx, fragment.OwnerDocument, d.ID)
		if err != nil {
			return nil, err
		}
		if pending {
			out = append(out, owner{kind: fragment.OwnerDocument, id: d.ID})
		}
	}
	return out, nil
}

func (w *Worker) isPending(ctx context.Context, kind fragment.OwnerKind, id string) (bool, error) {
	if _, err := w.App.Store.CurrentBuild(ctx, kind, id); err == nil {
		return false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	frags, err := w.App.Store.ListFragments(ctx, kind, id)
	if err != nil {
		return false, err
	}
	return len(frags) > 0, nil
}
