package database

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	// WorkspaceScopeKey is the context key for the workspace-scoped catalog
	// connection.
	WorkspaceScopeKey contextKey = "workspaceScope"

	// WorkspaceIDKey is the context key for the resolved workspace ID.
	WorkspaceIDKey contextKey = "workspaceID"
)

// GetWorkspaceScope retrieves the workspace-scoped connection from context.
// Returns nil and false if not present.
func GetWorkspaceScope(ctx context.Context) (*WorkspaceScope, bool) {
	scope, ok := ctx.Value(WorkspaceScopeKey).(*WorkspaceScope)
	return scope, ok
}

// SetWorkspaceScope stores the workspace-scoped connection in context.
func SetWorkspaceScope(ctx context.Context, scope *WorkspaceScope) context.Context {
	return context.WithValue(ctx, WorkspaceScopeKey, scope)
}

// GetWorkspaceID retrieves the resolved workspace ID from context.
// Returns uuid.Nil and false if not present.
func GetWorkspaceID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(WorkspaceIDKey).(uuid.UUID)
	return id, ok
}

// SetWorkspaceID stores the resolved workspace ID in context.
func SetWorkspaceID(ctx context.Context, workspaceID uuid.UUID) context.Context {
	return context.WithValue(ctx, WorkspaceIDKey, workspaceID)
}
