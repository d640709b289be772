// Package changeset aligns two versions of an act's fragments by content hash
// and position proximity and emits the differences. Alignment deliberately
// stays shallow: legal-text renumbering makes deep diffing unreliable, so the
// engine favors precision (fewer false "modified" pairings) over recall.
package changeset

import (
	"sort"

	"github.com/google/uuid"
	"github.com/legitrack/legitrack/internal/fragment"
)

// Type classifies one entry of a changeset.
type Type string

const (
	Added    Type = "added"
	Removed  Type = "removed"
	Modified Type = "modified"
)

// DefaultWindow is how far apart (in fragment positions) two fragments may
// sit and still be considered "the same place" in the act.
const DefaultWindow = 3

// Entry is one detected difference between two act versions. Before is nil
// for added entries, After is nil for removed entries.
type Entry struct {
	ID       string
	Type     Type
	Before   *fragment.Fragment
	After    *fragment.Fragment
	Position int
}

// Changeset is the ordered diff between two versions of the same act.
type Changeset struct {
	ID             string
	ActID          string
	OlderVersionID string
	NewerVersionID string
	Entries        []Entry
}

// Detect compares an older and a newer fragment sequence. Fragments whose
// hash appears in the other version at the same or nearby position are
// unchanged and excluded. Entries come back ordered by their position in the
// newer version, with removed-only entries interleaved at their last-known
// position. window <= 0 falls back to DefaultWindow.
func Detect(older, newer []fragment.Fragment, window int) []Entry {
	if window <= 0 {
		window = DefaultWindow
	}
	fragment.SortBySeq(older)
	fragment.SortBySeq(newer)
	for i := range older {
		if older[i].ContentHash == "" {
			older[i].ContentHash = fragment.ContentHash(older[i].Text)
		}
	}
	for i := range newer {
		if newer[i].ContentHash == "" {
			newer[i].ContentHash = fragment.ContentHash(newer[i].Text)
		}
	}

	// Whole-document replacement: with no hash overlap at all there is no
	// anchor to pair against, so every old fragment is removed and every new
	// fragment is added.
	if !anyHashOverlap(older, newer) && len(older) > 0 && len(newer) > 0 {
		return fullReplacement(older, newer)
	}

	oldByHash := make(map[string][]int)
	for j := range older {
		h := older[j].ContentHash
		oldByHash[h] = append(oldByHash[h], j)
	}

	oldUsed := make([]bool, len(older))
	newMatched := make([]bool, len(newer))

	// First pass: identical content at the same or nearby position is
	// unchanged. Nearest candidate wins.
	for i := range newer {
		best := -1
		for _, j := range oldByHash[newer[i].ContentHash] {
			if oldUsed[j] || abs(i-j) > window {
				continue
			}
			if best < 0 || abs(i-j) < abs(i-best) {
				best = j
			}
		}
		if best >= 0 {
			oldUsed[best] = true
			newMatched[i] = true
		}
	}

	var entries []Entry

	// Second pass: a new fragment with no matching hash pairs with the
	// nearest still-unclaimed old fragment at a comparable position and
	// becomes modified; with no such neighbour it is added.
	for i := range newer {
		if newMatched[i] {
			continue
		}
		best := -1
		for j := range older {
			if oldUsed[j] || abs(i-j) > window {
				continue
			}
			if best < 0 || abs(i-j) < abs(i-best) {
				best = j
				continue
			}
			// Same distance: prefer the positional predecessor.
			if abs(i-j) == abs(i-best) && j < best {
				best = j
			}
		}
		if best >= 0 {
			oldUsed[best] = true
			entries = append(entries, Entry{
				ID:       uuid.NewString(),
				Type:     Modified,
				Before:   &older[best],
				After:    &newer[i],
				Position: i,
			})
			continue
		}
		entries = append(entries, Entry{
			ID:       uuid.NewString(),
			Type:     Added,
			After:    &newer[i],
			Position: i,
		})
	}

	for j := range older {
		if oldUsed[j] {
			continue
		}
		entries = append(entries, Entry{
			ID:       uuid.NewString(),
			Type:     Removed,
			Before:   &older[j],
			Position: j,
		})
	}

	sort.SliceStable(entries, func(a, b int) bool {
		if entries[a].Position != entries[b].Position {
			return entries[a].Position < entries[b].Position
		}
		// Removed entries sit after changes at the same position.
		return entries[a].Type != Removed && entries[b].Type == Removed
	})
	return entries
}

func anyHashOverlap(older, newer []fragment.Fragment) bool {
	hashes := make(map[string]bool, len(older))
	for _, f := range older {
		hashes[f.ContentHash] = true
	}
	for _, f := range newer {
		if hashes[f.ContentHash] {
			return true
		}
	}
	return false
}

func fullReplacement(older, newer []fragment.Fragment) []Entry {
	entries := make([]Entry, 0, len(older)+len(newer))
	for i := range newer {
		entries = append(entries, Entry{
			ID:       uuid.NewString(),
			Type:     Added,
			After:    &newer[i],
			Position: i,
		})
	}
	for j := range older {
		entries = append(entries, Entry{
			ID:       uuid.NewString(),
			Type:     Removed,
			Before:   &older[j],
			Position: j,
		})
	}
	sort.SliceStable(entries, func(a, b int) bool {
		if entries[a].Position != entries[b].Position {
			return entries[a].Position < entries[b].Position
		}
		return entries[a].Type != Removed && entries[b].Type == Removed
	})
	return entries
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
