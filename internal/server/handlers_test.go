package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"

	"github.com/legitrack/legitrack/internal/app"
	"github.com/legitrack/legitrack/internal/fragment"
	"github.com/legitrack/legitrack/internal/search"
	"github.com/legitrack/legitrack/internal/store"
	"github.com/legitrack/legitrack/internal/telemetry"
)

func newTestHandler(t *testing.T) (*Handler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	idx, err := search.NewIndex()
	if err != nil {
		t.Fatalf("search index: %v", err)
	}
	a := &app.App{
		Store:   &store.Store{DB: db},
		Search:  idx,
		Tracker: telemetry.NewCostTracker(),
	}
	return &Handler{App: a}, mock
}

func TestCreateActValidation(t *testing.T) {
	h, _ := newTestHandler(t)
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/acts", strings.NewReader(`{"source":"gazette"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.createAct(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("err = %v, want 400 for missing title", err)
	}
}

func TestCreateAct(t *testing.T) {
	h, mock := newTestHandler(t)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO acts (id, title, source, created_at) VALUES ($1,$2,$3,$4)`)).
		WithArgs(sqlmock.AnyArg(), "Data Protection Act", "gazette", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/acts",
		strings.NewReader(`{"title":"Data Protection Act","source":"gazette"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.createAct(c); err != nil {
		t.Fatalf("createAct: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["id"] == "" {
		t.Fatal("response missing act id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSearchEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)
	if err := h.App.Search.IndexFragments([]fragment.Fragment{
		{ID: "f1", OwnerKind: fragment.OwnerActVersion, OwnerID: "v1", Text: "consent for data processing"},
	}); err != nil {
		t.Fatalf("index: %v", err)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/search?q=consent", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.search(c); err != nil {
		t.Fatalf("search: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "f1") {
		t.Fatalf("response missing hit: %s", rec.Body.String())
	}
}

func TestSearchRequiresQuery(t *testing.T) {
	h, _ := newTestHandler(t)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/search", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.search(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("err = %v, want 400 for missing q", err)
	}
}

func TestGetSummariesRejectsUnknownKind(t *testing.T) {
	h, _ := newTestHandler(t)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/summaries/bogus/x", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("kind", "id")
	c.SetParamValues("bogus", "x")

	err := h.getSummaries(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("err = %v, want 400 for unknown kind", err)
	}
}
