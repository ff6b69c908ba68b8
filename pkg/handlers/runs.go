package handlers

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/getmetamapper/metamapper-engine/pkg/database"
	"github.com/getmetamapper/metamapper-engine/pkg/models"
	"github.com/getmetamapper/metamapper-engine/pkg/repositories"
	"github.com/getmetamapper/metamapper-engine/pkg/services"
	"github.com/getmetamapper/metamapper-engine/pkg/services/workqueue"
)

// RunDetailResponse is a run with its accumulated errors.
type RunDetailResponse struct {
	Run    *models.Run        `json:"run"`
	Errors []*models.RunError `json:"errors,omitempty"`
}

// ListRunsResponse wraps the run history array.
type ListRunsResponse struct {
	Runs []*models.Run `json:"runs"`
}

// ListRevisionsResponse wraps a run's revision log.
type ListRevisionsResponse struct {
	Revisions []models.Revision `json:"revisions"`
	Count     int               `json:"count"`
}

// RunProgressResponse reports live crawl progress for an open run.
type RunProgressResponse struct {
	RunID    uuid.UUID           `json:"run_id"`
	Progress *workqueue.Progress `json:"progress,omitempty"`
}

// RunsHandler handles crawl run HTTP requests.
type RunsHandler struct {
	crawler   services.CrawlerService
	runs      repositories.RunRepository
	revisions repositories.RevisionRepository
	progress  *services.RunProgress
	logger    *zap.Logger
}

// NewRunsHandler creates a new runs handler.
func NewRunsHandler(
	crawler services.CrawlerService,
	runs repositories.RunRepository,
	revisions repositories.RevisionRepository,
	progress *services.RunProgress,
	logger *zap.Logger,
) *RunsHandler {
	return &RunsHandler{
		crawler:   crawler,
		runs:      runs,
		revisions: revisions,
		progress:  progress,
		logger:    logger,
	}
}

// RegisterRoutes registers the runs handler's routes on the given mux.
// All routes require workspace context from the X-Workspace-ID header.
func (h *RunsHandler) RegisterRoutes(mux *http.ServeMux, scoped func(http.HandlerFunc) http.HandlerFunc) {
	mux.HandleFunc("POST /api/datastores/{id}/runs", scoped(h.Queue))
	mux.HandleFunc("GET /api/datastores/{id}/runs", scoped(h.List))
	mux.HandleFunc("GET /api/runs/{id}", scoped(h.Get))
	mux.HandleFunc("GET /api/runs/{id}/progress", scoped(h.Progress))
	mux.HandleFunc("GET /api/runs/{id}/revisions", scoped(h.Revisions))
}

func (h *RunsHandler) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	if err := ErrorResponse(w, statusCode, errorCode, message); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}

func (h *RunsHandler) pathID(w http.ResponseWriter, r *http.Request, code, message string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, code, message)
		return uuid.Nil, false
	}
	return id, true
}

// Queue handles POST /api/datastores/{id}/runs
// Opens a run and starts the crawl in the background. Returns 409 when the
// datastore already has an open run.
func (h *RunsHandler) Queue(w http.ResponseWriter, r *http.Request) {
	workspaceID, _ := database.GetWorkspaceID(r.Context())
	datastoreID, ok := h.pathID(w, r, "invalid_datastore_id", "Invalid datastore ID format")
	if !ok {
		return
	}

	run, err := h.crawler.QueueRun(r.Context(), workspaceID, datastoreID)
	if err != nil {
		h.logger.Warn("Failed to queue run",
			zap.String("datastore_id", datastoreID.String()),
			zap.Error(err))
		_ = ServiceError(w, err, "Failed to queue run")
		return
	}

	if err := WriteJSON(w, http.StatusAccepted, run); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// List handles GET /api/datastores/{id}/runs
// Returns the datastore's run history, newest first. Accepts ?limit=N.
func (h *RunsHandler) List(w http.ResponseWriter, r *http.Request) {
	datastoreID, ok := h.pathID(w, r, "invalid_datastore_id", "Invalid datastore ID format")
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			h.writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	runs, err := h.runs.ListByDatastore(r.Context(), datastoreID, limit)
	if err != nil {
		h.logger.Error("Failed to list runs",
			zap.String("datastore_id", datastoreID.String()),
			zap.Error(err))
		_ = ServiceError(w, err, "Failed to list runs")
		return
	}

	if err := WriteJSON(w, http.StatusOK, ListRunsResponse{Runs: runs}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Get handles GET /api/runs/{id}
// Returns the run and any errors recorded against it.
func (h *RunsHandler) Get(w http.ResponseWriter, r *http.Request) {
	runID, ok := h.pathID(w, r, "invalid_run_id", "Invalid run ID format")
	if !ok {
		return
	}

	run, err := h.runs.GetByID(r.Context(), runID)
	if err != nil {
		_ = ServiceError(w, err, "Failed to get run")
		return
	}

	runErrors, err := h.runs.ListErrors(r.Context(), runID)
	if err != nil {
		h.logger.Error("Failed to list run errors",
			zap.String("run_id", runID.String()),
			zap.Error(err))
		_ = ServiceError(w, err, "Failed to get run")
		return
	}

	resp := RunDetailResponse{Run: run, Errors: runErrors}
	if err := WriteJSON(w, http.StatusOK, resp); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Progress handles GET /api/runs/{id}/progress
func (h *RunsHandler) Progress(w http.ResponseWriter, r *http.Request) {
	runID, ok := h.pathID(w, r, "invalid_run_id", "Invalid run ID format")
	if !ok {
		return
	}

	// Validate the run exists inside the caller's workspace before reading
	// the shared progress store.
	if _, err := h.runs.GetByID(r.Context(), runID); err != nil {
		_ = ServiceError(w, err, "Failed to get run progress")
		return
	}

	progress, err := h.progress.Get(r.Context(), runID)
	if err != nil {
		h.logger.Error("Failed to read run progress",
			zap.String("run_id", runID.String()),
			zap.Error(err))
		_ = ServiceError(w, err, "Failed to get run progress")
		return
	}

	resp := RunProgressResponse{RunID: runID, Progress: progress}
	if err := WriteJSON(w, http.StatusOK, resp); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Revisions handles GET /api/runs/{id}/revisions
// Returns the run's revision log, parents before children.
func (h *RunsHandler) Revisions(w http.ResponseWriter, r *http.Request) {
	runID, ok := h.pathID(w, r, "invalid_run_id", "Invalid run ID format")
	if !ok {
		return
	}

	if _, err := h.runs.GetByID(r.Context(), runID); err != nil {
		_ = ServiceError(w, err, "Failed to list revisions")
		return
	}

	revisions, err := h.revisions.ListByRun(r.Context(), runID)
	if err != nil {
		h.logger.Error("Failed to list revisions",
			zap.String("run_id", runID.String()),
			zap.Error(err))
		_ = ServiceError(w, err, "Failed to list revisions")
		return
	}

	resp := ListRevisionsResponse{Revisions: revisions, Count: len(revisions)}
	if err := WriteJSON(w, http.StatusOK, resp); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
