package fragment

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// OwnerKind distinguishes which kind of entity a fragment belongs to.
type OwnerKind string

const (
	OwnerActVersion OwnerKind = "act_version"
	OwnerDocument   OwnerKind = "document"
)

// Fragment is the smallest addressable unit of legal or organizational text,
// typically one article. Embedding is nil until computed.
type Fragment struct {
	ID          string
	OwnerKind   OwnerKind
	OwnerID     string
	Seq         int
	Text        string
	ContentHash string
	Embedding   []float32
}

// Act is a piece of generally-binding legislation, versioned over time.
// Source names where the text comes from (gazette, registry identifier).
type Act struct {
	ID        string
	Title     string
	Source    string
	CreatedAt time.Time
}

// ActVersion is an immutable snapshot of an act's fragments at a point in
// time. Label carries the human-readable version designation.
type ActVersion struct {
	ID          string
	ActID       string
	Label       string
	PublishedAt time.Time
	CreatedAt   time.Time
}

// Document is an internal organizational document. Kind is free-form
// (template, policy, contract).
type Document struct {
	ID        string
	Title     string
	Kind      string
	CreatedAt time.Time
}

// Normalize collapses whitespace and lowercases content so that hash
// comparisons are stable across formatting-only differences.
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	fields := strings.Fields(s)
	return strings.ToLower(strings.Join(fields, " "))
}

// ContentHash computes a SHA-256 hash over the normalised text. Fragments with
// the same hash are treated as textually identical everywhere in the corpus.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])
}

// SortBySeq orders fragments by their sequence index in place.
func SortBySeq(frags []Fragment) {
	sort.Slice(frags, func(i, j int) bool { return frags[i].Seq < frags[j].Seq })
}
