package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/legitrack/legitrack/internal/app"
	"github.com/legitrack/legitrack/internal/changeset"
	"github.com/legitrack/legitrack/internal/fragment"
	"github.com/legitrack/legitrack/internal/store"
)

// Handler carries the assembled application into the HTTP routes.
type Handler struct {
	App *app.App
}

func (h *Handler) Register(g *echo.Group) {
	g.POST("/acts", h.createAct)
	g.GET("/acts", h.listActs)
	g.GET("/acts/:id/versions", h.listActVersions)
	g.POST("/acts/:id/versions", h.createActVersion)
	g.POST("/acts/:id/compare", h.compare)

	g.POST("/documents", h.createDocument)
	g.GET("/documents", h.listDocuments)

	g.POST("/versions/:id/summarize", h.summarizeActVersion)
	g.POST("/documents/:id/summarize", h.summarizeDocument)
	g.GET("/summaries/:kind/:id", h.getSummaries)

	g.GET("/changesets/:id", h.getChangeset)
	g.POST("/changesets/:id/assess", h.assess)
	g.GET("/changesets/:id/assessments", h.listAssessments)

	g.GET("/search", h.search)
	g.GET("/stats", h.stats)
}

func (h *Handler) createAct(c echo.Context) error {
	var req struct {
		Title  string `json:"title"`
		Source string `json:"source"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Title == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title is required")
	}
	act := fragment.Act{ID: uuid.NewString(), Title: req.Title, Source: req.Source, CreatedAt: time.Now().UTC()}
	if err := h.App.Store.CreateAct(c.Request().Context(), act); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": act.ID})
}

func (h *Handler) listActs(c echo.Context) error {
	acts, err := h.App.Store.ListActs(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, acts)
}

func (h *Handler) listActVersions(c echo.Context) error {
	versions, err := h.App.Store.ListActVersions(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, versions)
}

func (h *Handler) createActVersion(c echo.Context) error {
	ctx := c.Request().Context()
	actID := c.Param("id")
	var req struct {
		Label       string    `json:"label"`
		PublishedAt time.Time `json:"published_at"`
		Fragments   []string  `json:"fragments"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Fragments) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "fragments are required")
	}
	if _, err := h.App.Store.GetAct(ctx, actID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if req.PublishedAt.IsZero() {
		req.PublishedAt = time.Now().UTC()
	}
	v := fragment.ActVersion{
		ID:          uuid.NewString(),
		ActID:       actID,
		Label:       req.Label,
		PublishedAt: req.PublishedAt,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.App.Store.CreateActVersion(ctx, v); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if _, err := h.App.IngestFragments(ctx, fragment.OwnerActVersion, v.ID, req.Fragments); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"id": v.ID, "fragments": len(req.Fragments)})
}

func (h *Handler) createDocument(c echo.Context) error {
	ctx := c.Request().Context()
	var req struct {
		Title     string   `json:"title"`
		Kind      string   `json:"kind"`
		Fragments []string `json:"fragments"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Title == "" || len(req.Fragments) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "title and fragments are required")
	}
	d := fragment.Document{ID: uuid.NewString(), Title: req.Title, Kind: req.Kind, CreatedAt: time.Now().UTC()}
	if err := h.App.Store.CreateDocument(ctx, d); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if _, err := h.App.IngestFragments(ctx, fragment.OwnerDocument, d.ID, req.Fragments); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"id": d.ID, "fragments": len(req.Fragments)})
}

func (h *Handler) listDocuments(c echo.Context) error {
	docs, err := h.App.Store.ListDocuments(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, docs)
}

func (h *Handler) summarizeActVersion(c echo.Context) error {
	return h.summarize(c, fragment.OwnerActVersion)
}

func (h *Handler) summarizeDocument(c echo.Context) error {
	return h.summarize(c, fragment.OwnerDocument)
}

func (h *Handler) summarize(c echo.Context, kind fragment.OwnerKind) error {
	build, err := h.App.BuildHierarchy(c.Request().Context(), kind, c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusUnprocessableEntity, map[string]interface{}{
			"build_id": build.ID,
			"state":    build.State,
			"error":    err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"build_id":        build.ID,
		"state":           build.State,
		"levels":          build.Levels,
		"root_summary_id": build.RootSummaryID,
	})
}

func (h *Handler) getSummaries(c echo.Context) error {
	ctx := c.Request().Context()
	kind := fragment.OwnerKind(c.Param("kind"))
	if kind != fragment.OwnerActVersion && kind != fragment.OwnerDocument {
		return echo.NewHTTPError(http.StatusBadRequest, "kind must be act_version or document")
	}
	build, err := h.App.Store.CurrentBuild(ctx, kind, c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	summaries, err := h.App.Store.ListBuildSummaries(ctx, build.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	type summaryOut struct {
		ID        string `json:"id"`
		ClusterID string `json:"cluster_id"`
		Level     int    `json:"level"`
		Title     string `json:"title"`
		Body      string `json:"body"`
		Relevant  bool   `json:"relevant"`
	}
	out := make([]summaryOut, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, summaryOut{
			ID: s.ID, ClusterID: s.ClusterID, Level: s.Level,
			Title: s.Title, Body: s.Body, Relevant: s.Relevant,
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"build_id":        build.ID,
		"levels":          build.Levels,
		"root_summary_id": build.RootSummaryID,
		"summaries":       out,
	})
}

func (h *Handler) compare(c echo.Context) error {
	var req struct {
		OlderVersionID string `json:"older_version_id"`
		NewerVersionID string `json:"newer_version_id"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.OlderVersionID == "" || req.NewerVersionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "older_version_id and newer_version_id are required")
	}
	cs, reused, err := h.App.Compare(c.Request().Context(), c.Param("id"), req.OlderVersionID, req.NewerVersionID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, changesetJSON(cs, reused))
}

func (h *Handler) getChangeset(c echo.Context) error {
	cs, err := h.App.Store.GetChangeset(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, changesetJSON(cs, false))
}

func (h *Handler) assess(c echo.Context) error {
	out, err := h.App.Assess(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"assessments": len(out)})
}

func (h *Handler) listAssessments(c echo.Context) error {
	assessments, err := h.App.Store.ListAssessments(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	type assessmentOut struct {
		ID               string  `json:"id"`
		ChangeEntryID    string  `json:"change_entry_id"`
		DocID            string  `json:"doc_id"`
		Score            float64 `json:"score"`
		Justification    string  `json:"justification"`
		InsufficientData bool    `json:"insufficient_data"`
		Status           string  `json:"status"`
		Error            string  `json:"error,omitempty"`
	}
	out := make([]assessmentOut, 0, len(assessments))
	for _, a := range assessments {
		out = append(out, assessmentOut{
			ID: a.ID, ChangeEntryID: a.ChangeEntryID, DocID: a.DocID,
			Score: a.Score, Justification: a.Justification,
			InsufficientData: a.InsufficientData, Status: string(a.Status), Error: a.Error,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) search(c echo.Context) error {
	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	k, _ := strconv.Atoi(c.QueryParam("k"))
	hits, err := h.App.Search.Search(c.Request().Context(), q, k)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"hits": hits})
}

func (h *Handler) stats(c echo.Context) error {
	st, err := h.App.Store.GetStats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	models, total, tokens := h.App.Tracker.Snapshot()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"corpus": st,
		"llm": map[string]interface{}{
			"cost_by_model": models,
			"total_cost":    total,
			"total_tokens":  tokens,
		},
	})
}

type entryJSON struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Position   int    `json:"position"`
	BeforeText string `json:"before_text,omitempty"`
	AfterText  string `json:"after_text,omitempty"`
}

func changesetJSON(cs changeset.Changeset, reused bool) map[string]interface{} {
	entries := make([]entryJSON, 0, len(cs.Entries))
	for _, e := range cs.Entries {
		ej := entryJSON{ID: e.ID, Type: string(e.Type), Position: e.Position}
		if e.Before != nil {
			ej.BeforeText = e.Before.Text
		}
		if e.After != nil {
			ej.AfterText = e.After.Text
		}
		entries = append(entries, ej)
	}
	return map[string]interface{}{
		"id":               cs.ID,
		"act_id":           cs.ActID,
		"older_version_id": cs.OlderVersionID,
		"newer_version_id": cs.NewerVersionID,
		"reused":           reused,
		"entries":          entries,
	}
}
