package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/getmetamapper/metamapper-engine/pkg/apperrors"
	"github.com/getmetamapper/metamapper-engine/pkg/database"
	"github.com/getmetamapper/metamapper-engine/pkg/models"
	"github.com/getmetamapper/metamapper-engine/pkg/services"
)

// DatastoreRequest is the POST/PUT body for datastore configuration.
// Password is write-only; responses never carry credentials.
type DatastoreRequest struct {
	Name     string         `json:"name"`
	Engine   string         `json:"engine"`
	Host     string         `json:"host"`
	Port     int            `json:"port"`
	Username string         `json:"username"`
	Password string         `json:"password"`
	Database string         `json:"database"`
	Extras   map[string]any `json:"extras,omitempty"`

	SSHEnabled bool   `json:"ssh_enabled"`
	SSHHost    string `json:"ssh_host,omitempty"`
	SSHPort    int    `json:"ssh_port,omitempty"`
	SSHUser    string `json:"ssh_user,omitempty"`
}

// ListDatastoresResponse wraps the array for frontend compatibility.
type ListDatastoresResponse struct {
	Datastores []*models.Datastore `json:"datastores"`
}

// VerifyResponse is the connection check result.
type VerifyResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// DatastoresHandler handles datastore-related HTTP requests.
type DatastoresHandler struct {
	datastoreService services.DatastoreService
	logger           *zap.Logger
}

// NewDatastoresHandler creates a new datastores handler.
func NewDatastoresHandler(datastoreService services.DatastoreService, logger *zap.Logger) *DatastoresHandler {
	return &DatastoresHandler{
		datastoreService: datastoreService,
		logger:           logger,
	}
}

// RegisterRoutes registers the datastores handler's routes on the given mux.
// All routes require workspace context from the X-Workspace-ID header.
func (h *DatastoresHandler) RegisterRoutes(mux *http.ServeMux, scoped func(http.HandlerFunc) http.HandlerFunc) {
	mux.HandleFunc("GET /api/datastores", scoped(h.List))
	mux.HandleFunc("POST /api/datastores", scoped(h.Create))
	mux.HandleFunc("GET /api/datastores/{id}", scoped(h.Get))
	mux.HandleFunc("PUT /api/datastores/{id}", scoped(h.Update))
	mux.HandleFunc("DELETE /api/datastores/{id}", scoped(h.Delete))
	mux.HandleFunc("POST /api/datastores/{id}/verify", scoped(h.Verify))
}

func (h *DatastoresHandler) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	if err := ErrorResponse(w, statusCode, errorCode, message); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}

func (h *DatastoresHandler) datastoreID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_datastore_id", "Invalid datastore ID format")
		return uuid.Nil, false
	}
	return id, true
}

// List handles GET /api/datastores
func (h *DatastoresHandler) List(w http.ResponseWriter, r *http.Request) {
	workspaceID, _ := database.GetWorkspaceID(r.Context())

	datastores, err := h.datastoreService.List(r.Context(), workspaceID)
	if err != nil {
		h.logger.Error("Failed to list datastores",
			zap.String("workspace_id", workspaceID.String()),
			zap.Error(err))
		_ = ServiceError(w, err, "Failed to list datastores")
		return
	}

	if err := WriteJSON(w, http.StatusOK, ListDatastoresResponse{Datastores: datastores}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Create handles POST /api/datastores
func (h *DatastoresHandler) Create(w http.ResponseWriter, r *http.Request) {
	workspaceID, _ := database.GetWorkspaceID(r.Context())

	var req DatastoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	if req.Name == "" {
		h.writeError(w, http.StatusBadRequest, "missing_name", "Datastore name is required")
		return
	}
	if req.Engine == "" {
		h.writeError(w, http.StatusBadRequest, "missing_engine", "Datastore engine is required")
		return
	}
	if req.Host == "" {
		h.writeError(w, http.StatusBadRequest, "missing_host", "Datastore host is required")
		return
	}

	ds := &models.Datastore{
		WorkspaceID: workspaceID,
		Name:        req.Name,
		Engine:      req.Engine,
		Host:        req.Host,
		Port:        req.Port,
		Username:    req.Username,
		Password:    req.Password,
		Database:    req.Database,
		Extras:      req.Extras,
		SSHEnabled:  req.SSHEnabled,
		SSHHost:     req.SSHHost,
		SSHPort:     req.SSHPort,
		SSHUser:     req.SSHUser,
	}

	if err := h.datastoreService.Create(r.Context(), ds); err != nil {
		h.logger.Error("Failed to create datastore",
			zap.String("workspace_id", workspaceID.String()),
			zap.String("engine", req.Engine),
			zap.Error(err))
		_ = ServiceError(w, err, "Failed to create datastore")
		return
	}

	ds.Password = ""
	if err := WriteJSON(w, http.StatusCreated, ds); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Get handles GET /api/datastores/{id}
func (h *DatastoresHandler) Get(w http.ResponseWriter, r *http.Request) {
	workspaceID, _ := database.GetWorkspaceID(r.Context())
	id, ok := h.datastoreID(w, r)
	if !ok {
		return
	}

	ds, err := h.datastoreService.Get(r.Context(), workspaceID, id)
	if err != nil {
		_ = ServiceError(w, err, "Failed to get datastore")
		return
	}

	if err := WriteJSON(w, http.StatusOK, ds); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Update handles PUT /api/datastores/{id}
func (h *DatastoresHandler) Update(w http.ResponseWriter, r *http.Request) {
	workspaceID, _ := database.GetWorkspaceID(r.Context())
	id, ok := h.datastoreID(w, r)
	if !ok {
		return
	}

	var req DatastoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	ds := &models.Datastore{
		ID:          id,
		WorkspaceID: workspaceID,
		Name:        req.Name,
		Engine:      req.Engine,
		Host:        req.Host,
		Port:        req.Port,
		Username:    req.Username,
		Password:    req.Password,
		Database:    req.Database,
		Extras:      req.Extras,
		SSHEnabled:  req.SSHEnabled,
		SSHHost:     req.SSHHost,
		SSHPort:     req.SSHPort,
		SSHUser:     req.SSHUser,
	}

	if err := h.datastoreService.Update(r.Context(), ds); err != nil {
		h.logger.Error("Failed to update datastore",
			zap.String("datastore_id", id.String()),
			zap.Error(err))
		_ = ServiceError(w, err, "Failed to update datastore")
		return
	}

	ds.Password = ""
	if err := WriteJSON(w, http.StatusOK, ds); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Delete handles DELETE /api/datastores/{id}
func (h *DatastoresHandler) Delete(w http.ResponseWriter, r *http.Request) {
	workspaceID, _ := database.GetWorkspaceID(r.Context())
	id, ok := h.datastoreID(w, r)
	if !ok {
		return
	}

	if err := h.datastoreService.Delete(r.Context(), workspaceID, id); err != nil {
		_ = ServiceError(w, err, "Failed to delete datastore")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Verify handles POST /api/datastores/{id}/verify
// Connects to the datastore and runs the engine liveness check.
func (h *DatastoresHandler) Verify(w http.ResponseWriter, r *http.Request) {
	workspaceID, _ := database.GetWorkspaceID(r.Context())
	id, ok := h.datastoreID(w, r)
	if !ok {
		return
	}

	if err := h.datastoreService.Verify(r.Context(), workspaceID, id); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			_ = ServiceError(w, err, "Failed to verify datastore")
			return
		}
		// Verification failures are an expected outcome, not a server error.
		resp := VerifyResponse{Success: false, Message: "Connection verification failed"}
		if err := WriteJSON(w, http.StatusOK, resp); err != nil {
			h.logger.Error("Failed to write response", zap.Error(err))
		}
		return
	}

	if err := WriteJSON(w, http.StatusOK, VerifyResponse{Success: true}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
