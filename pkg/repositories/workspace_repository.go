package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/getmetamapper/metamapper-engine/pkg/apperrors"
	"github.com/getmetamapper/metamapper-engine/pkg/database"
	"github.com/getmetamapper/metamapper-engine/pkg/models"
)

// WorkspaceRepository provides data access for workspaces. The stored SSH
// private key is encrypted; decryption happens in the service layer.
type WorkspaceRepository interface {
	Create(ctx context.Context, workspace *models.Workspace) error
	GetByID(ctx context.Context, workspaceID uuid.UUID) (*models.Workspace, error)
	UpdateSSHPrivateKey(ctx context.Context, workspaceID uuid.UUID, encryptedKey string) error
	SoftDelete(ctx context.Context, workspaceID uuid.UUID) error
}

type workspaceRepository struct{}

// NewWorkspaceRepository creates a new WorkspaceRepository.
func NewWorkspaceRepository() WorkspaceRepository {
	return &workspaceRepository{}
}

var _ WorkspaceRepository = (*workspaceRepository)(nil)

func (r *workspaceRepository) Create(ctx context.Context, workspace *models.Workspace) error {
	scope, ok := database.GetWorkspaceScope(ctx)
	if !ok {
		return apperrors.ErrWorkspaceScopeNeeded
	}

	if workspace.ID == uuid.Nil {
		workspace.ID = uuid.New()
	}

	query := `
		INSERT INTO workspaces (id, name, ssh_private_key)
		VALUES ($1, $2, $3)
		RETURNING created_at`

	err := scope.Conn.QueryRow(ctx, query,
		workspace.ID, workspace.Name, workspace.SSHPrivateKey,
	).Scan(&workspace.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("workspace %q already exists: %w", workspace.Name, apperrors.ErrConflict)
		}
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	return nil
}

func (r *workspaceRepository) GetByID(ctx context.Context, workspaceID uuid.UUID) (*models.Workspace, error) {
	scope, ok := database.GetWorkspaceScope(ctx)
	if !ok {
		return nil, apperrors.ErrWorkspaceScopeNeeded
	}

	query := `
		SELECT id, name, COALESCE(ssh_private_key, ''), created_at, deleted_at
		FROM workspaces
		WHERE id = $1 AND deleted_at IS NULL`

	var workspace models.Workspace
	err := scope.Conn.QueryRow(ctx, query, workspaceID).Scan(
		&workspace.ID, &workspace.Name, &workspace.SSHPrivateKey,
		&workspace.CreatedAt, &workspace.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get workspace: %w", err)
	}
	return &workspace, nil
}

func (r *workspaceRepository) UpdateSSHPrivateKey(ctx context.Context, workspaceID uuid.UUID, encryptedKey string) error {
	scope, ok := database.GetWorkspaceScope(ctx)
	if !ok {
		return apperrors.ErrWorkspaceScopeNeeded
	}

	tag, err := scope.Conn.Exec(ctx,
		`UPDATE workspaces SET ssh_private_key = $2 WHERE id = $1 AND deleted_at IS NULL`,
		workspaceID, encryptedKey)
	if err != nil {
		return fmt.Errorf("failed to update workspace ssh key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *workspaceRepository) SoftDelete(ctx context.Context, workspaceID uuid.UUID) error {
	scope, ok := database.GetWorkspaceScope(ctx)
	if !ok {
		return apperrors.ErrWorkspaceScopeNeeded
	}

	tag, err := scope.Conn.Exec(ctx,
		`UPDATE workspaces SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`,
		workspaceID)
	if err != nil {
		return fmt.Errorf("failed to delete workspace: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}
