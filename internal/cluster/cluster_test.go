package cluster

import (
	"testing"
)

func vec(vals ...float32) []float32 { return vals }

func members(vecs ...[]float32) []Member {
	out := make([]Member, len(vecs))
	for i, v := range vecs {
		out[i] = Member{ID: string(rune('a' + i)), Vector: v}
	}
	return out
}

func TestPartitionIsPartition(t *testing.T) {
	t.Parallel()
	in := members(
		vec(1, 0), vec(0.99, 0.01), vec(0, 1), vec(0.01, 0.99),
		vec(1, 0.02), vec(0.5, 0.5),
	)
	clusters, err := Partition(in, 0, Params{MaxClusterSize: 3, MinSimilarity: 0.9})
	if err != nil {
		t.Fatalf("partition: %v", err)
	}
	seen := map[string]int{}
	for _, c := range clusters {
		if len(c.MemberIDs) == 0 {
			t.Fatalf("cluster %s has no members", c.ID)
		}
		if len(c.MemberIDs) > 3 {
			t.Fatalf("cluster %s exceeds max size: %d", c.ID, len(c.MemberIDs))
		}
		for _, id := range c.MemberIDs {
			seen[id]++
		}
	}
	for _, m := range in {
		if seen[m.ID] != 1 {
			t.Fatalf("member %s appears %d times, want exactly 1", m.ID, seen[m.ID])
		}
	}
}

func TestPartitionSingletonBelowThreshold(t *testing.T) {
	t.Parallel()
	in := members(vec(1, 0), vec(0, 1), vec(-1, 0))
	clusters, err := Partition(in, 0, Params{MaxClusterSize: 8, MinSimilarity: 0.9})
	if err != nil {
		t.Fatalf("partition: %v", err)
	}
	if len(clusters) != 3 {
		t.Fatalf("got %d clusters, want 3 singletons", len(clusters))
	}
	for _, c := range clusters {
		if len(c.MemberIDs) != 1 {
			t.Fatalf("cluster %s has %d members, want 1", c.ID, len(c.MemberIDs))
		}
	}
}

func TestPartitionRespectsMaxSize(t *testing.T) {
	t.Parallel()
	in := members(vec(1, 0), vec(1, 0), vec(1, 0), vec(1, 0), vec(1, 0))
	clusters, err := Partition(in, 0, Params{MaxClusterSize: 2, MinSimilarity: 0.9})
	if err != nil {
		t.Fatalf("partition: %v", err)
	}
	for _, c := range clusters {
		if len(c.MemberIDs) > 2 {
			t.Fatalf("cluster exceeds max size: %d", len(c.MemberIDs))
		}
	}
	total := 0
	for _, c := range clusters {
		total += len(c.MemberIDs)
	}
	if total != len(in) {
		t.Fatalf("partition lost members: %d of %d", total, len(in))
	}
}

func TestPartitionTiePrefersSmallerCluster(t *testing.T) {
	t.Parallel()
	// Two identical seed clusters, then one more identical member. Both
	// clusters match with the same similarity; after the first three members
	// the clusters have sizes 2 and 1, so the fourth must join the smaller.
	in := []Member{
		{ID: "s1", Vector: vec(1, 0)},
		{ID: "s2", Vector: vec(1, 0)},
		{ID: "s3", Vector: vec(1, 0)},
		{ID: "s4", Vector: vec(1, 0)},
	}
	clusters, err := Partition(in, 0, Params{MaxClusterSize: 2, MinSimilarity: 0.9})
	if err != nil {
		t.Fatalf("partition: %v", err)
	}
	if len(clusters) != 2 {
		t.Fatalf("got %d clusters, want 2", len(clusters))
	}
	for _, c := range clusters {
		if len(c.MemberIDs) != 2 {
			t.Fatalf("cluster %s has %d members, want balanced 2", c.ID, len(c.MemberIDs))
		}
	}
}

func TestPartitionDimensionMismatch(t *testing.T) {
	t.Parallel()
	in := []Member{
		{ID: "a", Vector: vec(1, 0)},
		{ID: "b", Vector: vec(1, 0, 0)},
	}
	if _, err := Partition(in, 0, Params{MaxClusterSize: 8, MinSimilarity: 0.5}); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestPartitionEmptyInput(t *testing.T) {
	t.Parallel()
	clusters, err := Partition(nil, 0, Params{MaxClusterSize: 8, MinSimilarity: 0.5})
	if err != nil {
		t.Fatalf("partition: %v", err)
	}
	if clusters != nil {
		t.Fatalf("got %d clusters for empty input", len(clusters))
	}
}

func TestMerge(t *testing.T) {
	t.Parallel()
	clusters := []Cluster{
		{ID: "c1", MemberIDs: []string{"a"}, Centroid: vec(1, 0)},
		{ID: "c2", MemberIDs: []string{"b"}, Centroid: vec(0, 1)},
	}
	merged := Merge(clusters, 3)
	if merged.Level != 3 {
		t.Fatalf("level = %d, want 3", merged.Level)
	}
	if len(merged.MemberIDs) != 2 {
		t.Fatalf("got %d members, want 2", len(merged.MemberIDs))
	}
	if merged.Centroid[0] != 0.5 || merged.Centroid[1] != 0.5 {
		t.Fatalf("centroid = %v, want [0.5 0.5]", merged.Centroid)
	}
}

func TestCosine(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", vec(1, 0), vec(1, 0), 1},
		{"orthogonal", vec(1, 0), vec(0, 1), 0},
		{"opposite", vec(1, 0), vec(-1, 0), -1},
		{"zero vector", vec(0, 0), vec(1, 0), 0},
		{"length mismatch", vec(1), vec(1, 0), 0},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Cosine(tc.a, tc.b)
			if diff := got - tc.want; diff > 1e-9 || diff < -1e-9 {
				t.Fatalf("Cosine = %v, want %v", got, tc.want)
			}
		})
	}
}
