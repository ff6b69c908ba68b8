package testhelpers

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/getmetamapper/metamapper-engine/pkg/database"
	"github.com/getmetamapper/metamapper-engine/pkg/models"
)

// EnsureWorkspace inserts the workspace row if it does not exist. Workspace
// creation is the one write that legitimately happens without scope.
func EnsureWorkspace(t *testing.T, db *CatalogDB, workspaceID uuid.UUID, name string) {
	t.Helper()

	ctx := context.Background()
	scope, err := db.DB.WithoutWorkspace(ctx)
	if err != nil {
		t.Fatalf("Failed to acquire connection for workspace setup: %v", err)
	}
	defer scope.Close()

	_, err = scope.Conn.Exec(ctx, `
		INSERT INTO workspaces (id, name)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, workspaceID, name)
	if err != nil {
		t.Fatalf("Failed to ensure workspace: %v", err)
	}
}

// ScopedContext returns a context carrying a workspace-scoped connection and
// a cleanup function that releases it.
func ScopedContext(t *testing.T, db *CatalogDB, workspaceID uuid.UUID) (context.Context, func()) {
	t.Helper()

	ctx := context.Background()
	scope, err := db.DB.WithWorkspace(ctx, workspaceID)
	if err != nil {
		t.Fatalf("Failed to create workspace scope: %v", err)
	}

	return database.SetWorkspaceScope(ctx, scope), scope.Close
}

// NewTestDatastore returns a datastore model with plausible connection
// fields. The password here is already "encrypted" as far as the repository
// is concerned; repositories store whatever ciphertext they are handed.
func NewTestDatastore(workspaceID uuid.UUID, name string) *models.Datastore {
	return &models.Datastore{
		WorkspaceID: workspaceID,
		Name:        name,
		Engine:      "postgres",
		Host:        "db.internal",
		Port:        5432,
		Username:    "inspector",
		Password:    "ciphertext",
		Database:    "app",
	}
}
