package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/getmetamapper/metamapper-engine/pkg/services"
)

// CreateWorkspaceRequest is the POST body for workspace creation. The SSH
// private key is optional and write-only.
type CreateWorkspaceRequest struct {
	Name          string `json:"name"`
	SSHPrivateKey string `json:"ssh_private_key,omitempty"`
}

// SetSSHKeyRequest is the PUT body for rotating the workspace SSH key.
type SetSSHKeyRequest struct {
	SSHPrivateKey string `json:"ssh_private_key"`
}

// WorkspacesHandler handles workspace HTTP requests. Workspace routes are
// not behind the workspace-scope middleware; the workspace itself is the
// thing being managed.
type WorkspacesHandler struct {
	workspaceService services.WorkspaceService
	logger           *zap.Logger
}

// NewWorkspacesHandler creates a new workspaces handler.
func NewWorkspacesHandler(workspaceService services.WorkspaceService, logger *zap.Logger) *WorkspacesHandler {
	return &WorkspacesHandler{
		workspaceService: workspaceService,
		logger:           logger,
	}
}

// RegisterRoutes registers the workspaces handler's routes on the given mux.
func (h *WorkspacesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/workspaces", h.Create)
	mux.HandleFunc("GET /api/workspaces/{id}", h.Get)
	mux.HandleFunc("PUT /api/workspaces/{id}/ssh-key", h.SetSSHKey)
	mux.HandleFunc("DELETE /api/workspaces/{id}", h.Delete)
}

func (h *WorkspacesHandler) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	if err := ErrorResponse(w, statusCode, errorCode, message); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}

func (h *WorkspacesHandler) workspaceID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_workspace_id", "Invalid workspace ID format")
		return uuid.Nil, false
	}
	return id, true
}

// Create handles POST /api/workspaces
func (h *WorkspacesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.Name == "" {
		h.writeError(w, http.StatusBadRequest, "missing_name", "Workspace name is required")
		return
	}

	workspace, err := h.workspaceService.Create(r.Context(), req.Name, req.SSHPrivateKey)
	if err != nil {
		h.logger.Error("Failed to create workspace",
			zap.String("name", req.Name),
			zap.Error(err))
		_ = ServiceError(w, err, "Failed to create workspace")
		return
	}

	if err := WriteJSON(w, http.StatusCreated, workspace); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Get handles GET /api/workspaces/{id}
func (h *WorkspacesHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.workspaceID(w, r)
	if !ok {
		return
	}

	workspace, err := h.workspaceService.Get(r.Context(), id)
	if err != nil {
		_ = ServiceError(w, err, "Failed to get workspace")
		return
	}

	if err := WriteJSON(w, http.StatusOK, workspace); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// SetSSHKey handles PUT /api/workspaces/{id}/ssh-key
func (h *WorkspacesHandler) SetSSHKey(w http.ResponseWriter, r *http.Request) {
	id, ok := h.workspaceID(w, r)
	if !ok {
		return
	}

	var req SetSSHKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.SSHPrivateKey == "" {
		h.writeError(w, http.StatusBadRequest, "missing_ssh_key", "SSH private key is required")
		return
	}

	if err := h.workspaceService.SetSSHPrivateKey(r.Context(), id, req.SSHPrivateKey); err != nil {
		// The key itself must never reach the log.
		h.logger.Error("Failed to set workspace ssh key",
			zap.String("workspace_id", id.String()))
		_ = ServiceError(w, err, "Failed to set workspace SSH key")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Delete handles DELETE /api/workspaces/{id}
func (h *WorkspacesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.workspaceID(w, r)
	if !ok {
		return
	}

	if err := h.workspaceService.Delete(r.Context(), id); err != nil {
		_ = ServiceError(w, err, "Failed to delete workspace")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
