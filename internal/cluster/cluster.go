// Package cluster groups fragments or lower-level summaries into clusters by
// embedding similarity. Clustering is centroid-based with a similarity
// threshold: members that do not reach the threshold against any existing
// cluster seed a new singleton, so every input ends up in exactly one cluster.
package cluster

import (
	"fmt"
	"math"

	"github.com/google/uuid"
)

// Params are the tunable policy knobs of the engine. Both come from
// configuration; neither has a universally correct value.
type Params struct {
	// MaxClusterSize caps how many members a cluster may take.
	MaxClusterSize int
	// MinSimilarity is the cosine similarity a member must reach against a
	// cluster's centroid to join it.
	MinSimilarity float64
}

// Member is one input to a clustering run: a fragment at level 0, or a
// lower-level summary above that.
type Member struct {
	ID     string
	Vector []float32
}

// Cluster is a grouping node in the summary hierarchy. Centroid is derived
// from the members and is not independently mutable.
type Cluster struct {
	ID        string
	Level     int
	MemberIDs []string
	Centroid  []float32
}

// Cosine returns the cosine similarity of two equal-length vectors.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Partition groups members into clusters at the given level. Members are
// considered in input order; each joins the most similar non-full cluster
// that clears MinSimilarity, with ties broken toward the smaller cluster to
// keep sizes balanced. Members that match nothing seed a singleton. The
// result is a partition: every member appears in exactly one cluster.
func Partition(members []Member, level int, p Params) ([]Cluster, error) {
	if len(members) == 0 {
		return nil, nil
	}
	if p.MaxClusterSize < 1 {
		return nil, fmt.Errorf("max cluster size must be positive, got %d", p.MaxClusterSize)
	}
	dim := len(members[0].Vector)
	for _, m := range members {
		if len(m.Vector) == 0 {
			return nil, fmt.Errorf("member %s has no embedding", m.ID)
		}
		if len(m.Vector) != dim {
			return nil, fmt.Errorf("member %s has dimension %d, want %d", m.ID, len(m.Vector), dim)
		}
	}

	type working struct {
		cluster Cluster
		sum     []float64
	}
	var clusters []*working

	for _, m := range members {
		best := -1
		bestSim := math.Inf(-1)
		for i, w := range clusters {
			if len(w.cluster.MemberIDs) >= p.MaxClusterSize {
				continue
			}
			sim := Cosine(m.Vector, w.cluster.Centroid)
			if sim < p.MinSimilarity {
				continue
			}
			if sim > bestSim {
				best, bestSim = i, sim
				continue
			}
			// Equal similarity: prefer the smaller cluster.
			if sim == bestSim && len(w.cluster.MemberIDs) < len(clusters[best].cluster.MemberIDs) {
				best = i
			}
		}
		if best < 0 {
			sum := make([]float64, dim)
			for i, v := range m.Vector {
				sum[i] = float64(v)
			}
			clusters = append(clusters, &working{
				cluster: Cluster{
					ID:        uuid.NewString(),
					Level:     level,
					MemberIDs: []string{m.ID},
					Centroid:  append([]float32(nil), m.Vector...),
				},
				sum: sum,
			})
			continue
		}
		w := clusters[best]
		w.cluster.MemberIDs = append(w.cluster.MemberIDs, m.ID)
		n := float64(len(w.cluster.MemberIDs))
		for i, v := range m.Vector {
			w.sum[i] += float64(v)
			w.cluster.Centroid[i] = float32(w.sum[i] / n)
		}
	}

	out := make([]Cluster, len(clusters))
	for i, w := range clusters {
		out[i] = w.cluster
	}
	return out, nil
}

// Merge collapses several clusters into a single cluster at the given level,
// used to force termination when the maximum hierarchy depth is reached.
func Merge(clusters []Cluster, level int) Cluster {
	merged := Cluster{ID: uuid.NewString(), Level: level}
	if len(clusters) == 0 {
		return merged
	}
	dim := len(clusters[0].Centroid)
	sum := make([]float64, dim)
	for _, c := range clusters {
		merged.MemberIDs = append(merged.MemberIDs, c.ID)
		for i, v := range c.Centroid {
			sum[i] += float64(v)
		}
	}
	merged.Centroid = make([]float32, dim)
	for i := range sum {
		merged.Centroid[i] = float32(sum[i] / float64(len(clusters)))
	}
	return merged
}
