// Package store persists acts, documents, fragments, summary hierarchies,
// changesets and impact assessments in Postgres. Vectors live in pgvector
// columns and similarity retrieval uses the cosine distance operator.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/legitrack/legitrack/internal/changeset"
	"github.com/legitrack/legitrack/internal/cluster"
	"github.com/legitrack/legitrack/internal/fragment"
	"github.com/legitrack/legitrack/internal/impact"
	"github.com/legitrack/legitrack/internal/summarize"
)

// EmbeddingDimensions is the expected length of vectors stored in pgvector
// columns. It must match the configured embedding model.
const EmbeddingDimensions = 1536

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

type Store struct {
	DB *sql.DB
}

// New opens a Postgres connection for the given DSN and verifies it.
func New(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// Act operations

func (s *Store) CreateAct(ctx context.Context, a fragment.Act) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO acts (id, title, source, created_at) VALUES ($1,$2,$3,$4)`,
		a.ID, a.Title, a.Source, a.CreatedAt)
	return err
}

func (s *Store) GetAct(ctx context.Context, id string) (fragment.Act, error) {
	var a fragment.Act
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, title, source, created_at FROM acts WHERE id=$1`, id).
		Scan(&a.ID, &a.Title, &a.Source, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, fmt.Errorf("act %s: %w", id, ErrNotFound)
	}
	return a, err
}

func (s *Store) ListActs(ctx context.Context) ([]fragment.Act, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, title, source, created_at FROM acts ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var acts []fragment.Act
	for rows.Next() {
		var a fragment.Act
		if err := rows.Scan(&a.ID, &a.Title, &a.Source, &a.CreatedAt); err != nil {
			return nil, err
		}
		acts = append(acts, a)
	}
	return acts, rows.Err()
}

func (s *Store) CreateActVersion(ctx context.Context, v fragment.ActVersion) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO act_versions (id, act_id, label, published_at, created_at) VALUES ($1,$2,$3,$4,$5)`,
		v.ID, v.ActID, v.Label, v.PublishedAt, v.CreatedAt)
	return err
}

func (s *Store) GetActVersion(ctx context.Context, id string) (fragment.ActVersion, error) {
	var v fragment.ActVersion
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, act_id, label, published_at, created_at FROM act_versions WHERE id=$1`, id).
		Scan(&v.ID, &v.ActID, &v.Label, &v.PublishedAt, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return v, fmt.Errorf("act version %s: %w", id, ErrNotFound)
	}
	return v, err
}

func (s *Store) ListActVersions(ctx context.Context, actID string) ([]fragment.ActVersion, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, act_id, label, published_at, created_at FROM act_versions WHERE act_id=$1 ORDER BY published_at`, actID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var versions []fragment.ActVersion
	for rows.Next() {
		var v fragment.ActVersion
		if err := rows.Scan(&v.ID, &v.ActID, &v.Label, &v.PublishedAt, &v.CreatedAt); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// Document operations

func (s *Store) CreateDocument(ctx context.Context, d fragment.Document) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO documents (id, title, kind, created_at) VALUES ($1,$2,$3,$4)`,
		d.ID, d.Title, d.Kind, d.CreatedAt)
	return err
}

func (s *Store) GetDocument(ctx context.Context, id string) (fragment.Document, error) {
	var d fragment.Document
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, title, kind, created_at FROM documents WHERE id=$1`, id).
		Scan(&d.ID, &d.Title, &d.Kind, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return d, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return d, err
}

func (s *Store) ListDocuments(ctx context.Context) ([]fragment.Document, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, title, kind, created_at FROM documents ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var docs []fragment.Document
	for rows.Next() {
		var d fragment.Document
		if err := rows.Scan(&d.ID, &d.Title, &d.Kind, &d.CreatedAt); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// Fragment operations

// ReplaceFragments swaps an owner's fragment set atomically. Fragments are
// immutable once written; ingesting the same owner again replaces them all.
func (s *Store) ReplaceFragments(ctx context.Context, kind fragment.OwnerKind, ownerID string, frags []fragment.Fragment) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM fragments WHERE owner_kind=$1 AND owner_id=$2`, string(kind), ownerID); err != nil {
		return err
	}
	for _, f := range frags {
		var vecLit interface{}
		if len(f.Embedding) > 0 {
			lit, err := encodeVectorLiteral(f.Embedding)
			if err != nil {
				return err
			}
			vecLit = lit
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO fragments (id, owner_kind, owner_id, seq, text, content_hash, embedding)
VALUES ($1,$2,$3,$4,$5,$6,$7::vector)`,
			f.ID, string(f.OwnerKind), f.OwnerID, f.Seq, f.Text, f.ContentHash, vecLit); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListFragments returns an owner's fragments in sequence order. Implements
// the fragment.Source contract for the pipelines.
func (s *Store) ListFragments(ctx context.Context, kind fragment.OwnerKind, ownerID string) ([]fragment.Fragment, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, owner_kind, owner_id, seq, text, content_hash, embedding::text
FROM fragments WHERE owner_kind=$1 AND owner_id=$2 ORDER BY seq`, string(kind), ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var frags []fragment.Fragment
	for rows.Next() {
		var (
			f      fragment.Fragment
			kindS  string
			vecLit sql.NullString
		)
		if err := rows.Scan(&f.ID, &kindS, &f.OwnerID, &f.Seq, &f.Text, &f.ContentHash, &vecLit); err != nil {
			return nil, err
		}
		f.OwnerKind = fragment.OwnerKind(kindS)
		if vecLit.Valid {
			vec, err := decodeVectorLiteral(vecLit.String)
			if err != nil {
				return nil, err
			}
			f.Embedding = vec
		}
		frags = append(frags, f)
	}
	return frags, rows.Err()
}

// UpdateFragmentEmbeddings writes the vectors filled in by the embedder back
// to the fragment rows.
func (s *Store) UpdateFragmentEmbeddings(ctx context.Context, frags []fragment.Fragment) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, f := range frags {
		if len(f.Embedding) == 0 {
			continue
		}
		lit, err := encodeVectorLiteral(f.Embedding)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE fragments SET content_hash=$2, embedding=$3::vector WHERE id=$1`,
			f.ID, f.ContentHash, lit); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Hierarchy build operations (summarize.Store)

func (s *Store) SaveBuild(ctx context.Context, b summarize.Build) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO hierarchy_builds (id, owner_kind, owner_id, state, levels, root_summary_id, error, current, created_at)
VALUES ($1,$2,$3,$4,$5,NULLIF($6,''),$7,FALSE,$8)`,
		b.ID, string(b.OwnerKind), b.OwnerID, string(b.State), b.Levels, b.RootSummaryID, b.Error, b.CreatedAt)
	return err
}

func (s *Store) FinishBuild(ctx context.Context, b summarize.Build) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE hierarchy_builds SET state=$2, levels=$3, root_summary_id=NULLIF($4,''), error=$5, finished_at=NOW()
WHERE id=$1`,
		b.ID, string(b.State), b.Levels, b.RootSummaryID, b.Error)
	return err
}

func (s *Store) InsertClusters(ctx context.Context, buildID string, kind fragment.OwnerKind, ownerID string, clusters []cluster.Cluster) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, c := range clusters {
		lit, err := encodeVectorLiteral(c.Centroid)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO clusters (id, build_id, owner_kind, owner_id, level, member_ids, centroid)
VALUES ($1,$2,$3,$4,$5,$6,$7::vector)`,
			c.ID, buildID, string(kind), ownerID, c.Level, pq.Array(c.MemberIDs), lit); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) InsertSummary(ctx context.Context, sum summarize.Summary) error {
	var vecLit interface{}
	if len(sum.Embedding) > 0 {
		lit, err := encodeVectorLiteral(sum.Embedding)
		if err != nil {
			return err
		}
		vecLit = lit
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO summaries (id, build_id, cluster_id, owner_kind, owner_id, level, title, body, relevant, embedding, superseded, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10::vector,FALSE,$11)`,
		sum.ID, sum.BuildID, sum.ClusterID, string(sum.OwnerKind), sum.OwnerID,
		sum.Level, sum.Title, sum.Body, sum.Relevant, vecLit, sum.CreatedAt)
	return err
}

// RecordClusterFailure marks a cluster whose summary could not be produced.
// The marker keeps the gap visible in a partially built hierarchy.
func (s *Store) RecordClusterFailure(ctx context.Context, buildID, clusterID, reason string) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO cluster_failures (build_id, cluster_id, reason, created_at) VALUES ($1,$2,$3,NOW())
ON CONFLICT (build_id, cluster_id) DO UPDATE SET reason = EXCLUDED.reason`,
		buildID, clusterID, reason)
	return err
}

// InstallHierarchy flips the owner's current hierarchy to this build in one
// transaction. Readers see either the previous complete hierarchy or the new
// one, never a mix.
func (s *Store) InstallHierarchy(ctx context.Context, buildID string, kind fragment.OwnerKind, ownerID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `
UPDATE hierarchy_builds SET current=FALSE WHERE owner_kind=$1 AND owner_id=$2 AND current`,
		string(kind), ownerID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE summaries SET superseded=TRUE WHERE owner_kind=$1 AND owner_id=$2 AND build_id <> $3 AND NOT superseded`,
		string(kind), ownerID, buildID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE hierarchy_builds SET current=TRUE WHERE id=$1`, buildID); err != nil {
		return err
	}
	return tx.Commit()
}

// CurrentBuild returns the installed hierarchy build for an owner.
func (s *Store) CurrentBuild(ctx context.Context, kind fragment.OwnerKind, ownerID string) (summarize.Build, error) {
	var (
		b     summarize.Build
		kindS string
		root  sql.NullString
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT id, owner_kind, owner_id, state, levels, root_summary_id, error, created_at
FROM hierarchy_builds WHERE owner_kind=$1 AND owner_id=$2 AND current`,
		string(kind), ownerID).
		Scan(&b.ID, &kindS, &b.OwnerID, (*string)(&b.State), &b.Levels, &root, &b.Error, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return b, fmt.Errorf("no installed hierarchy for %s %s: %w", kind, ownerID, ErrNotFound)
	}
	if err != nil {
		return b, err
	}
	b.OwnerKind = fragment.OwnerKind(kindS)
	b.RootSummaryID = root.String
	return b, nil
}

// RootSummary returns the root summary of the owner's installed hierarchy.
func (s *Store) RootSummary(ctx context.Context, kind fragment.OwnerKind, ownerID string) (summarize.Summary, error) {
	b, err := s.CurrentBuild(ctx, kind, ownerID)
	if err != nil {
		return summarize.Summary{}, err
	}
	if b.RootSummaryID == "" {
		return summarize.Summary{}, fmt.Errorf("build %s has no root summary: %w", b.ID, ErrNotFound)
	}
	return s.getSummary(ctx, b.RootSummaryID)
}

func (s *Store) getSummary(ctx context.Context, id string) (summarize.Summary, error) {
	var (
		sum    summarize.Summary
		kindS  string
		vecLit sql.NullString
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT id, build_id, cluster_id, owner_kind, owner_id, level, title, body, relevant, embedding::text, created_at
FROM summaries WHERE id=$1`, id).
		Scan(&sum.ID, &sum.BuildID, &sum.ClusterID, &kindS, &sum.OwnerID,
			&sum.Level, &sum.Title, &sum.Body, &sum.Relevant, &vecLit, &sum.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return sum, fmt.Errorf("summary %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return sum, err
	}
	sum.OwnerKind = fragment.OwnerKind(kindS)
	if vecLit.Valid {
		if vec, err := decodeVectorLiteral(vecLit.String); err == nil {
			sum.Embedding = vec
		}
	}
	return sum, nil
}

// ListBuildSummaries returns every summary of a build, lowest level first.
func (s *Store) ListBuildSummaries(ctx context.Context, buildID string) ([]summarize.Summary, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, build_id, cluster_id, owner_kind, owner_id, level, title, body, relevant, created_at
FROM summaries WHERE build_id=$1 ORDER BY level, created_at`, buildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sums []summarize.Summary
	for rows.Next() {
		var (
			sum   summarize.Summary
			kindS string
		)
		if err := rows.Scan(&sum.ID, &sum.BuildID, &sum.ClusterID, &kindS, &sum.OwnerID,
			&sum.Level, &sum.Title, &sum.Body, &sum.Relevant, &sum.CreatedAt); err != nil {
			return nil, err
		}
		sum.OwnerKind = fragment.OwnerKind(kindS)
		sums = append(sums, sum)
	}
	return sums, rows.Err()
}

// Changeset operations

// SaveChangeset persists a changeset and its entries in one transaction.
func (s *Store) SaveChangeset(ctx context.Context, cs changeset.Changeset) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO changesets (id, act_id, older_version_id, newer_version_id, created_at)
VALUES ($1,$2,$3,$4,NOW())`,
		cs.ID, cs.ActID, cs.OlderVersionID, cs.NewerVersionID); err != nil {
		return err
	}
	for _, e := range cs.Entries {
		var beforeID, beforeText, afterID, afterText interface{}
		if e.Before != nil {
			beforeID, beforeText = e.Before.ID, e.Before.Text
		}
		if e.After != nil {
			afterID, afterText = e.After.ID, e.After.Text
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO change_entries (id, changeset_id, type, position, before_fragment_id, before_text, after_fragment_id, after_text)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			e.ID, cs.ID, string(e.Type), e.Position, beforeID, beforeText, afterID, afterText); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// FindChangeset returns the stored changeset for a version pair, so repeated
// comparisons reuse the earlier detection run.
func (s *Store) FindChangeset(ctx context.Context, actID, olderVersionID, newerVersionID string) (changeset.Changeset, error) {
	var cs changeset.Changeset
	err := s.DB.QueryRowContext(ctx, `
SELECT id, act_id, older_version_id, newer_version_id FROM changesets
WHERE act_id=$1 AND older_version_id=$2 AND newer_version_id=$3`,
		actID, olderVersionID, newerVersionID).
		Scan(&cs.ID, &cs.ActID, &cs.OlderVersionID, &cs.NewerVersionID)
	if errors.Is(err, sql.ErrNoRows) {
		return cs, fmt.Errorf("changeset for %s..%s: %w", olderVersionID, newerVersionID, ErrNotFound)
	}
	if err != nil {
		return cs, err
	}
	cs.Entries, err = s.listChangeEntries(ctx, cs.ID)
	return cs, err
}

// GetChangeset loads a changeset and its entries by id.
func (s *Store) GetChangeset(ctx context.Context, id string) (changeset.Changeset, error) {
	var cs changeset.Changeset
	err := s.DB.QueryRowContext(ctx, `
SELECT id, act_id, older_version_id, newer_version_id FROM changesets WHERE id=$1`, id).
		Scan(&cs.ID, &cs.ActID, &cs.OlderVersionID, &cs.NewerVersionID)
	if errors.Is(err, sql.ErrNoRows) {
		return cs, fmt.Errorf("changeset %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return cs, err
	}
	cs.Entries, err = s.listChangeEntries(ctx, cs.ID)
	return cs, err
}

func (s *Store) listChangeEntries(ctx context.Context, changesetID string) ([]changeset.Entry, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, type, position, before_fragment_id, before_text, after_fragment_id, after_text
FROM change_entries WHERE changeset_id=$1 ORDER BY position`, changesetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []changeset.Entry
	for rows.Next() {
		var (
			e                    changeset.Entry
			typeS                string
			beforeID, beforeText sql.NullString
			afterID, afterText   sql.NullString
		)
		if err := rows.Scan(&e.ID, &typeS, &e.Position, &beforeID, &beforeText, &afterID, &afterText); err != nil {
			return nil, err
		}
		e.Type = changeset.Type(typeS)
		if beforeID.Valid {
			e.Before = &fragment.Fragment{ID: beforeID.String, Text: beforeText.String}
		}
		if afterID.Valid {
			e.After = &fragment.Fragment{ID: afterID.String, Text: afterText.String}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Impact operations (impact.Store)

// TopSimilarDocuments returns the k documents whose fragments sit closest to
// the query vector, one match per document. Documents without an installed
// hierarchy or with an irrelevant root summary are excluded.
func (s *Store) TopSimilarDocuments(ctx context.Context, vec []float32, k int) ([]impact.DocMatch, error) {
	if k <= 0 {
		k = 5
	}
	lit, err := encodeVectorLiteral(vec)
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT d.id, d.title, sm.body, nearest.text, 1 - nearest.distance AS similarity
FROM (
  SELECT DISTINCT ON (f.owner_id) f.owner_id, f.text, f.embedding <=> $1::vector AS distance
  FROM fragments f
  WHERE f.owner_kind = 'document' AND f.embedding IS NOT NULL
  ORDER BY f.owner_id, f.embedding <=> $1::vector
) nearest
JOIN documents d ON d.id = nearest.owner_id
JOIN hierarchy_builds b ON b.owner_kind = 'document' AND b.owner_id = d.id AND b.current
JOIN summaries sm ON sm.id = b.root_summary_id AND sm.relevant
ORDER BY nearest.distance
LIMIT $2`, lit, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var matches []impact.DocMatch
	for rows.Next() {
		var m impact.DocMatch
		if err := rows.Scan(&m.DocID, &m.Title, &m.Summary, &m.FragmentText, &m.Similarity); err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// LeafRelevance maps each fragment in the owner's current hierarchy to the
// relevance flag of its level-0 cluster summary. Failed leaf clusters have no
// summary row and stay out of the map; an owner without a current build
// yields an empty map.
func (s *Store) LeafRelevance(ctx context.Context, kind fragment.OwnerKind, ownerID string) (map[string]bool, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT m.fragment_id, sm.relevant
FROM hierarchy_builds b
JOIN clusters c ON c.build_id = b.id AND c.level = 0
JOIN summaries sm ON sm.build_id = b.id AND sm.cluster_id = c.id
CROSS JOIN LATERAL unnest(c.member_ids) AS m(fragment_id)
WHERE b.owner_kind=$1 AND b.owner_id=$2 AND b.current`,
		string(kind), ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var id string
		var relevant bool
		if err := rows.Scan(&id, &relevant); err != nil {
			return nil, err
		}
		out[id] = relevant
	}
	return out, rows.Err()
}

func (s *Store) HasAssessment(ctx context.Context, changeEntryID, docID string) (bool, error) {
	var exists bool
	err := s.DB.QueryRowContext(ctx, `
SELECT EXISTS (SELECT 1 FROM impact_assessments WHERE change_entry_id=$1 AND doc_id=$2 AND status='ok')`,
		changeEntryID, docID).Scan(&exists)
	return exists, err
}

// InsertAssessment writes one assessment record. A failed record for the same
// pair is overwritten by a later retry; a successful one is kept as is.
func (s *Store) InsertAssessment(ctx context.Context, a impact.Assessment) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO impact_assessments
  (id, changeset_id, change_entry_id, doc_id, score, justification, insufficient_data, status, error, prompt_version, similarity, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (change_entry_id, doc_id) DO UPDATE SET
  score = EXCLUDED.score,
  justification = EXCLUDED.justification,
  insufficient_data = EXCLUDED.insufficient_data,
  status = EXCLUDED.status,
  error = EXCLUDED.error,
  prompt_version = EXCLUDED.prompt_version,
  similarity = EXCLUDED.similarity,
  created_at = EXCLUDED.created_at
WHERE impact_assessments.status <> 'ok'`,
		a.ID, a.ChangesetID, a.ChangeEntryID, a.DocID, a.Score, a.Justification,
		a.InsufficientData, string(a.Status), a.Error, a.PromptVersion, a.Similarity, a.CreatedAt)
	return err
}

// ListAssessments returns every assessment of a changeset, highest score
// first.
func (s *Store) ListAssessments(ctx context.Context, changesetID string) ([]impact.Assessment, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, changeset_id, change_entry_id, doc_id, score, justification, insufficient_data, status, error, prompt_version, similarity, created_at
FROM impact_assessments WHERE changeset_id=$1 ORDER BY score DESC, created_at`, changesetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []impact.Assessment
	for rows.Next() {
		var (
			a   impact.Assessment
			stS string
		)
		if err := rows.Scan(&a.ID, &a.ChangesetID, &a.ChangeEntryID, &a.DocID, &a.Score,
			&a.Justification, &a.InsufficientData, &stS, &a.Error, &a.PromptVersion,
			&a.Similarity, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Status = impact.Status(stS)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Stats aggregates corpus-level counters for the stats endpoint.
type Stats struct {
	Acts         int64 `json:"acts"`
	ActVersions  int64 `json:"act_versions"`
	Documents    int64 `json:"documents"`
	Fragments    int64 `json:"fragments"`
	BuildsDone   int64 `json:"builds_done"`
	BuildsFailed int64 `json:"builds_failed"`
	Changesets   int64 `json:"changesets"`
	Assessments  int64 `json:"assessments"`
}

func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.DB.QueryRowContext(ctx, `
SELECT
  (SELECT COUNT(*) FROM acts),
  (SELECT COUNT(*) FROM act_versions),
  (SELECT COUNT(*) FROM documents),
  (SELECT COUNT(*) FROM fragments),
  (SELECT COUNT(*) FROM hierarchy_builds WHERE state='done'),
  (SELECT COUNT(*) FROM hierarchy_builds WHERE state='failed'),
  (SELECT COUNT(*) FROM changesets),
  (SELECT COUNT(*) FROM impact_assessments)`).
		Scan(&st.Acts, &st.ActVersions, &st.Documents, &st.Fragments,
			&st.BuildsDone, &st.BuildsFailed, &st.Changesets, &st.Assessments)
	return st, err
}

// EmbeddingCache is the Postgres-backed fragment.Cache, keyed by content hash
// so identical text anywhere in the corpus is embedded once.
type EmbeddingCache struct {
	DB *sql.DB
}

func (c *EmbeddingCache) Get(ctx context.Context, contentHash string) ([]float32, bool, error) {
	var lit string
	err := c.DB.QueryRowContext(ctx,
		`SELECT embedding::text FROM embedding_cache WHERE content_hash=$1`, contentHash).Scan(&lit)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	vec, err := decodeVectorLiteral(lit)
	if err != nil {
		return nil, false, err
	}
	return vec, true, nil
}

func (c *EmbeddingCache) Put(ctx context.Context, contentHash string, vec []float32) error {
	lit, err := encodeVectorLiteral(vec)
	if err != nil {
		return err
	}
	_, err = c.DB.ExecContext(ctx, `
INSERT INTO embedding_cache (content_hash, embedding, created_at) VALUES ($1,$2::vector,NOW())
ON CONFLICT (content_hash) DO NOTHING`, contentHash, lit)
	return err
}

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var builder strings.Builder
	builder.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}

func decodeVectorLiteral(lit string) ([]float32, error) {
	lit = strings.TrimSpace(lit)
	if lit == "" {
		return nil, fmt.Errorf("empty vector literal")
	}
	lit = strings.TrimPrefix(lit, "[")
	lit = strings.TrimSuffix(lit, "]")
	parts := strings.Split(lit, ",")
	vec := make([]float32, 0, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		f, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return nil, fmt.Errorf("parse vector value %q: %w", value, err)
		}
		vec = append(vec, float32(f))
	}
	return vec, nil
}

var (
	_ summarize.Store = (*Store)(nil)
	_ impact.Store    = (*Store)(nil)
	_ fragment.Source = (*Store)(nil)
	_ fragment.Cache  = (*EmbeddingCache)(nil)
)
