package store_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/legitrack/legitrack/internal/fragment"
	"github.com/legitrack/legitrack/internal/store"
	"github.com/legitrack/legitrack/internal/summarize"
)

func startPostgres(t *testing.T, ctx context.Context) (testcontainers.Container, string) {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "legitrack",
			"POSTGRES_PASSWORD": "legitrack",
			"POSTGRES_DB":       "legitrack",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	pg, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Fatalf("failed to start postgres: %v", err)
	}
	port, err := pg.MappedPort(ctx, "5432")
	if err != nil {
		_ = pg.Terminate(ctx)
		t.Fatalf("failed to get mapped port: %v", err)
	}
	host, err := pg.Host(ctx)
	if err != nil {
		_ = pg.Terminate(ctx)
		t.Fatalf("failed to get host: %v", err)
	}
	dsn := fmt.Sprintf("postgres://legitrack:legitrack@%s:%s/legitrack?sslmode=disable", host, port.Port())
	return pg, dsn
}

func findMigrationsDir(t *testing.T) string {
	t.Helper()
	cwd, _ := os.Getwd()
	for i := 0; i < 6; i++ {
		candidate := filepath.Join(cwd, "migrations")
		if st, err := os.Stat(candidate); err == nil && st.IsDir() {
			return "file://" + candidate
		}
		cwd = filepath.Dir(cwd)
	}
	t.Fatalf("could not locate migrations directory from test cwd")
	return ""
}

func TestStoreRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	pg, dsn := startPostgres(t, ctx)
	defer func() { _ = pg.Terminate(ctx) }()

	m, err := migrate.New(findMigrationsDir(t), dsn)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("migrate up: %v", err)
	}

	st, err := store.New(ctx, dsn)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer st.Close()

	act := fragment.Act{ID: uuid.NewString(), Title: "Data Protection Act", CreatedAt: time.Now().UTC()}
	if err := st.CreateAct(ctx, act); err != nil {
		t.Fatalf("create act: %v", err)
	}
	version := fragment.ActVersion{
		ID: uuid.NewString(), ActID: act.ID, Label: "2026-01",
		PublishedAt: time.Now().UTC(), CreatedAt: time.Now().UTC(),
	}
	if err := st.CreateActVersion(ctx, version); err != nil {
		t.Fatalf("create version: %v", err)
	}

	vec := make([]float32, store.EmbeddingDimensions)
	vec[0] = 1
	frags := []fragment.Fragment{
		{
			ID: uuid.NewString(), OwnerKind: fragment.OwnerActVersion, OwnerID: version.ID,
			Seq: 0, Text: "art 1", ContentHash: fragment.ContentHash("art 1"), Embedding: vec,
		},
		{
			ID: uuid.NewString(), OwnerKind: fragment.OwnerActVersion, OwnerID: version.ID,
			Seq: 1, Text: "art 2", ContentHash: fragment.ContentHash("art 2"),
		},
	}
	if err := st.ReplaceFragments(ctx, fragment.OwnerActVersion, version.ID, frags); err != nil {
		t.Fatalf("replace fragments: %v", err)
	}
	got, err := st.ListFragments(ctx, fragment.OwnerActVersion, version.ID)
	if err != nil {
		t.Fatalf("list fragments: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d fragments, want 2", len(got))
	}
	if got[0].Text != "art 1" || len(got[0].Embedding) != store.EmbeddingDimensions {
		t.Fatalf("fragment 0 = %+v", got[0])
	}
	if got[1].Embedding != nil {
		t.Fatal("fragment without embedding came back with a vector")
	}

	build := summarize.Build{
		ID: uuid.NewString(), OwnerKind: fragment.OwnerActVersion, OwnerID: version.ID,
		State: summarize.StateRunning, CreatedAt: time.Now().UTC(),
	}
	if err := st.SaveBuild(ctx, build); err != nil {
		t.Fatalf("save build: %v", err)
	}
	sum := summarize.Summary{
		ID: uuid.NewString(), BuildID: build.ID, ClusterID: uuid.NewString(),
		OwnerKind: fragment.OwnerActVersion, OwnerID: version.ID,
		Level: 0, Title: "Act", Body: "summary body", Relevant: true,
		Embedding: vec, CreatedAt: time.Now().UTC(),
	}
	if err := st.InsertSummary(ctx, sum); err != nil {
		t.Fatalf("insert summary: %v", err)
	}
	build.State = summarize.StateDone
	build.Levels = 1
	build.RootSummaryID = sum.ID
	if err := st.FinishBuild(ctx, build); err != nil {
		t.Fatalf("finish build: %v", err)
	}
	if err := st.InstallHierarchy(ctx, build.ID, fragment.OwnerActVersion, version.ID); err != nil {
		t.Fatalf("install: %v", err)
	}
	root, err := st.RootSummary(ctx, fragment.OwnerActVersion, version.ID)
	if err != nil {
		t.Fatalf("root summary: %v", err)
	}
	if root.ID != sum.ID || root.Body != "summary body" {
		t.Fatalf("root = %+v", root)
	}

	cache := &store.EmbeddingCache{DB: st.DB}
	if err := cache.Put(ctx, "hash1", vec); err != nil {
		t.Fatalf("cache put: %v", err)
	}
	cached, ok, err := cache.Get(ctx, "hash1")
	if err != nil || !ok {
		t.Fatalf("cache get: ok=%v err=%v", ok, err)
	}
	if cached[0] != 1 {
		t.Fatalf("cached vector = %v", cached[:2])
	}
}
