// Package summarize builds multi-level summary hierarchies for acts and
// documents. The build is a bottom-up reduction over an explicit worklist of
// levels: leaf fragment clusters are summarized first, then clusters of
// summaries, until a single root summary remains or the configured maximum
// depth forces a final merge. Total generation calls stay O(n) in the number
// of fragments.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/legitrack/legitrack/internal/cluster"
	"github.com/legitrack/legitrack/internal/fragment"
	"github.com/legitrack/legitrack/internal/llm"
	"github.com/legitrack/legitrack/internal/telemetry"
)

// ErrIncompleteHierarchy indicates a required child summary is missing or
// failed. A missing child is fatal to the parent's summarization, never
// silently skipped.
var ErrIncompleteHierarchy = errors.New("incomplete hierarchy")

// State is the lifecycle state of a hierarchy build.
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

// Summary is the generated synthesis of one cluster. Summaries are never
// mutated in place; a rebuild supersedes the previous generation.
type Summary struct {
	ID        string
	BuildID   string
	ClusterID string
	OwnerKind fragment.OwnerKind
	OwnerID   string
	Level     int
	Title     string
	Body      string
	Relevant  bool
	Embedding []float32
	CreatedAt time.Time
}

// Build tracks one hierarchy build for an owner.
type Build struct {
	ID            string
	OwnerKind     fragment.OwnerKind
	OwnerID       string
	State         State
	Levels        int
	RootSummaryID string
	Error         string
	CreatedAt     time.Time
}

// Store is the persistence boundary of the engine. Summaries are inserted as
// they are produced so partial results survive a failed build; the hierarchy
// is only installed (made visible to readers) atomically once the build is
// done.
type Store interface {
	SaveBuild(ctx context.Context, b Build) error
	FinishBuild(ctx context.Context, b Build) error
	InsertClusters(ctx context.Context, buildID string, kind fragment.OwnerKind, ownerID string, clusters []cluster.Cluster) error
	InsertSummary(ctx context.Context, s Summary) error
	RecordClusterFailure(ctx context.Context, buildID, clusterID, reason string) error
	// InstallHierarchy atomically supersedes the owner's previous summaries
	// and clusters and marks this build's output as current.
	InstallHierarchy(ctx context.Context, buildID string, kind fragment.OwnerKind, ownerID string) error
}

// Config carries the engine's tunables.
type Config struct {
	Clustering  cluster.Params
	MaxDepth    int
	Concurrency int
}

// Engine performs hierarchy builds.
type Engine struct {
	llm      *llm.Client
	embedder *fragment.CachingEmbedder
	store    Store
	cfg      Config
	logger   *log.Logger
}

// New builds an Engine.
func New(client *llm.Client, embedder *fragment.CachingEmbedder, store Store, cfg Config, logger *log.Logger) *Engine {
	if cfg.MaxDepth < 1 {
		cfg.MaxDepth = 6
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 5
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[SUMMARIZE] ", log.LstdFlags)
	}
	return &Engine{llm: client, embedder: embedder, store: store, cfg: cfg, logger: logger}
}

// node is one cluster in flight during a build.
type node struct {
	cluster cluster.Cluster
	summary *Summary
	failed  bool
	reason  string
}

func (n *node) vector() []float32 {
	if n.summary != nil && n.summary.Embedding != nil {
		return n.summary.Embedding
	}
	return n.cluster.Centroid
}

// Build constructs the full summary hierarchy for an owner from its
// fragments. Clusters at every level are persisted under the build; the
// previous hierarchy stays visible until the new one installs atomically.
func (e *Engine) Build(ctx context.Context, kind fragment.OwnerKind, ownerID string, frags []fragment.Fragment) (Build, error) {
	build := Build{
		ID:        uuid.NewString(),
		OwnerKind: kind,
		OwnerID:   ownerID,
		State:     StateRunning,
		CreatedAt: time.Now().UTC(),
	}
	if len(frags) == 0 {
		return build, fmt.Errorf("owner %s has no fragments", ownerID)
	}
	if err := e.store.SaveBuild(ctx, build); err != nil {
		return build, fmt.Errorf("save build: %w", err)
	}

	fail := func(err error) (Build, error) {
		build.State = StateFailed
		build.Error = err.Error()
		if ferr := e.store.FinishBuild(ctx, build); ferr != nil {
			e.logger.Printf("finish failed build %s: %v", build.ID, ferr)
		}
		telemetry.HierarchyBuilds.WithLabelValues(string(StateFailed)).Inc()
		return build, err
	}

	ptrs := make([]*fragment.Fragment, len(frags))
	for i := range frags {
		ptrs[i] = &frags[i]
	}
	if err := e.embedder.EmbedFragments(ctx, ptrs); err != nil {
		return fail(fmt.Errorf("embed fragments: %w", err))
	}

	members := make([]cluster.Member, len(frags))
	textByID := make(map[string]string, len(frags))
	for i, f := range frags {
		members[i] = cluster.Member{ID: f.ID, Vector: f.Embedding}
		textByID[f.ID] = f.Text
	}

	clusters, err := cluster.Partition(members, 0, e.cfg.Clustering)
	if err != nil {
		return fail(fmt.Errorf("partition level 0: %w", err))
	}
	if err := e.store.InsertClusters(ctx, build.ID, kind, ownerID, clusters); err != nil {
		return fail(fmt.Errorf("persist level 0 clusters: %w", err))
	}

	nodes := make([]*node, len(clusters))
	for i, c := range clusters {
		nodes[i] = &node{cluster: c}
	}
	e.summarizeLevel(ctx, build, nodes, 0, len(nodes) == 1, func(n *node) (string, bool) {
		var parts []string
		for _, id := range n.cluster.MemberIDs {
			if t := textByID[id]; t != "" {
				parts = append(parts, t)
			}
		}
		return strings.Join(parts, "\n\n"), true
	}, nil)

	level := 0
	for len(nodes) > 1 {
		level++
		byID := make(map[string]*node, len(nodes))
		nextMembers := make([]cluster.Member, 0, len(nodes))
		for _, n := range nodes {
			byID[n.cluster.ID] = n
			nextMembers = append(nextMembers, cluster.Member{ID: n.cluster.ID, Vector: n.vector()})
		}

		var parents []cluster.Cluster
		if level >= e.cfg.MaxDepth {
			// Depth bound reached with more than one cluster: force-merge
			// into one final summarization call instead of looping.
			merged := cluster.Merge(clustersOf(nodes), level)
			parents = []cluster.Cluster{merged}
		} else {
			parents, err = cluster.Partition(nextMembers, level, e.cfg.Clustering)
			if err != nil {
				return fail(fmt.Errorf("partition level %d: %w", level, err))
			}
			if len(parents) == len(nodes) {
				// No reduction this level means the threshold is unreachable
				// for these vectors; merge into one final call instead of
				// re-summarizing singletons until the depth bound.
				parents = []cluster.Cluster{cluster.Merge(clustersOf(nodes), level)}
			}
		}
		if err := e.store.InsertClusters(ctx, build.ID, kind, ownerID, parents); err != nil {
			return fail(fmt.Errorf("persist level %d clusters: %w", level, err))
		}

		next := make([]*node, len(parents))
		for i, c := range parents {
			next[i] = &node{cluster: c}
		}
		e.summarizeLevel(ctx, build, next, level, len(next) == 1, func(n *node) (string, bool) {
			var parts []string
			for _, id := range n.cluster.MemberIDs {
				child, ok := byID[id]
				if !ok || child.failed || child.summary == nil {
					return "", false
				}
				parts = append(parts, summaryText(child.summary))
			}
			return strings.Join(parts, "\n\n"), true
		}, func(n *node) []*node {
			children := make([]*node, 0, len(n.cluster.MemberIDs))
			for _, id := range n.cluster.MemberIDs {
				if child, ok := byID[id]; ok {
					children = append(children, child)
				}
			}
			return children
		})
		nodes = next
	}

	build.Levels = level + 1
	root := nodes[0]
	if root.failed || root.summary == nil {
		return fail(fmt.Errorf("%w: root cluster %s: %s", ErrIncompleteHierarchy, root.cluster.ID, root.reason))
	}
	build.RootSummaryID = root.summary.ID
	build.State = StateDone
	if err := e.store.FinishBuild(ctx, build); err != nil {
		return fail(fmt.Errorf("finish build: %w", err))
	}
	if err := e.store.InstallHierarchy(ctx, build.ID, kind, ownerID); err != nil {
		return fail(fmt.Errorf("install hierarchy: %w", err))
	}
	telemetry.HierarchyBuilds.WithLabelValues(string(StateDone)).Inc()
	return build, nil
}

// summarizeLevel issues one generation call per cluster at a level. Siblings
// run in parallel; a cluster whose children include a failure is marked
// failed without a generation call, and failures never abort sibling work.
func (e *Engine) summarizeLevel(ctx context.Context, build Build, nodes []*node, level int, isRoot bool, text func(*node) (string, bool), children func(*node) []*node) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, n := range nodes {
		n := n
		g.Go(func() error {
			body, ok := text(n)
			if !ok {
				n.failed = true
				n.reason = ErrIncompleteHierarchy.Error()
				if err := e.store.RecordClusterFailure(gctx, build.ID, n.cluster.ID, n.reason); err != nil {
					e.logger.Printf("record failure for cluster %s: %v", n.cluster.ID, err)
				}
				return nil
			}
			kind, args := e.promptFor(build.OwnerKind, level, isRoot, body)
			resp, err := e.llm.Summarize(gctx, kind, args)
			if err != nil {
				n.failed = true
				n.reason = err.Error()
				e.logger.Printf("cluster %s level %d: %v", n.cluster.ID, level, err)
				if rerr := e.store.RecordClusterFailure(gctx, build.ID, n.cluster.ID, n.reason); rerr != nil {
					e.logger.Printf("record failure for cluster %s: %v", n.cluster.ID, rerr)
				}
				return nil
			}

			relevant := resp.Relevant
			if children != nil {
				if kids := children(n); len(kids) > 0 && majorityIrrelevant(kids) {
					relevant = false
				}
			}
			s := &Summary{
				ID:        uuid.NewString(),
				BuildID:   build.ID,
				ClusterID: n.cluster.ID,
				OwnerKind: build.OwnerKind,
				OwnerID:   build.OwnerID,
				Level:     level,
				Title:     resp.Title,
				Body:      resp.Summary,
				Relevant:  relevant,
				CreatedAt: time.Now().UTC(),
			}
			if vec, err := e.embedder.EmbedText(gctx, s.Body); err != nil {
				e.logger.Printf("embed summary for cluster %s: %v", n.cluster.ID, err)
			} else {
				s.Embedding = vec
			}
			if err := e.store.InsertSummary(gctx, *s); err != nil {
				n.failed = true
				n.reason = err.Error()
				return nil
			}
			n.summary = s
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) promptFor(kind fragment.OwnerKind, level int, isRoot bool, body string) (llm.Kind, map[string]string) {
	if isRoot {
		if kind == fragment.OwnerDocument {
			return llm.KindDocSummary, map[string]string{"text": body}
		}
		return llm.KindActSummary, map[string]string{"text": body}
	}
	return llm.KindClusterSummary, map[string]string{
		"text":          body,
		"cluster_level": strconv.Itoa(level),
	}
}

// majorityIrrelevant reports whether strictly more than half of the children
// carry an irrelevant flag. Failed children count as irrelevant for the
// purpose of the vote; the parent fails separately through the text callback.
func majorityIrrelevant(children []*node) bool {
	irrelevant := 0
	for _, c := range children {
		if c.summary == nil || !c.summary.Relevant {
			irrelevant++
		}
	}
	return irrelevant*2 > len(children)
}

func summaryText(s *Summary) string {
	if s.Title != "" {
		return s.Title + "\n" + s.Body
	}
	return s.Body
}

func clustersOf(nodes []*node) []cluster.Cluster {
	out := make([]cluster.Cluster, len(nodes))
	for i, n := range nodes {
		out[i] = n.cluster
	}
	return out
}
