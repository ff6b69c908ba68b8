package database

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WorkspaceHeader carries the caller's workspace on API requests.
const WorkspaceHeader = "X-Workspace-ID"

// WithWorkspaceContext creates middleware that sets up a workspace-scoped
// catalog connection from the X-Workspace-ID header. The connection is
// released after the handler returns.
func WithWorkspaceContext(db *DB, logger *zap.Logger) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get(WorkspaceHeader)
			if raw == "" {
				writeError(w, http.StatusBadRequest, "missing_workspace", "X-Workspace-ID header is required")
				return
			}

			workspaceID, err := uuid.Parse(raw)
			if err != nil {
				logger.Warn("Invalid workspace ID in request header",
					zap.String("workspace_id", raw),
					zap.Error(err))
				writeError(w, http.StatusBadRequest, "invalid_workspace_id", "Invalid workspace ID format")
				return
			}

			scope, err := db.WithWorkspace(r.Context(), workspaceID)
			if err != nil {
				logger.Error("Failed to acquire workspace connection",
					zap.String("workspace_id", workspaceID.String()),
					zap.Error(err))
				writeError(w, http.StatusInternalServerError, "database_error", "Database connection error")
				return
			}
			defer scope.Close()

			ctx := SetWorkspaceScope(r.Context(), scope)
			ctx = SetWorkspaceID(ctx, workspaceID)
			next(w, r.WithContext(ctx))
		}
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}
