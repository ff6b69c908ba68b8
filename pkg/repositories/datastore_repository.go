package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/getmetamapper/metamapper-engine/pkg/apperrors"
	"github.com/getmetamapper/metamapper-engine/pkg/database"
	"github.com/getmetamapper/metamapper-engine/pkg/models"
)

// DatastoreRepository provides data access for datastore connections. The
// password column holds ciphertext; encryption and decryption are the service
// layer's job and plaintext never touches this package.
type DatastoreRepository interface {
	Create(ctx context.Context, datastore *models.Datastore) error
	GetByID(ctx context.Context, workspaceID, datastoreID uuid.UUID) (*models.Datastore, error)
	ListByWorkspace(ctx context.Context, workspaceID uuid.UUID) ([]*models.Datastore, error)
	Update(ctx context.Context, datastore *models.Datastore) error
	SoftDelete(ctx context.Context, workspaceID, datastoreID uuid.UUID) error
}

type datastoreRepository struct{}

// NewDatastoreRepository creates a new DatastoreRepository.
func NewDatastoreRepository() DatastoreRepository {
	return &datastoreRepository{}
}

var _ DatastoreRepository = (*datastoreRepository)(nil)

const datastoreColumns = `
	id, workspace_id, name, engine, host, port, username, password, database,
	extras, ssh_enabled, ssh_host, ssh_port, ssh_user,
	created_at, updated_at, deleted_at`

func scanDatastore(row pgx.Row) (*models.Datastore, error) {
	var ds models.Datastore
	var extras []byte
	err := row.Scan(
		&ds.ID, &ds.WorkspaceID, &ds.Name, &ds.Engine, &ds.Host, &ds.Port,
		&ds.Username, &ds.Password, &ds.Database, &extras,
		&ds.SSHEnabled, &ds.SSHHost, &ds.SSHPort, &ds.SSHUser,
		&ds.CreatedAt, &ds.UpdatedAt, &ds.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(extras) > 0 {
		if err := json.Unmarshal(extras, &ds.Extras); err != nil {
			return nil, fmt.Errorf("failed to decode datastore extras: %w", err)
		}
	}
	return &ds, nil
}

func (r *datastoreRepository) Create(ctx context.Context, datastore *models.Datastore) error {
	scope, ok := database.GetWorkspaceScope(ctx)
	if !ok {
		return apperrors.ErrWorkspaceScopeNeeded
	}

	if datastore.ID == uuid.Nil {
		datastore.ID = uuid.New()
	}
	extras, err := json.Marshal(datastore.Extras)
	if err != nil {
		return fmt.Errorf("failed to encode datastore extras: %w", err)
	}

	query := `
		INSERT INTO datastores (
			id, workspace_id, name, engine, host, port, username, password,
			database, extras, ssh_enabled, ssh_host, ssh_port, ssh_user
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at, updated_at`

	err = scope.Conn.QueryRow(ctx, query,
		datastore.ID, datastore.WorkspaceID, datastore.Name, datastore.Engine,
		datastore.Host, datastore.Port, datastore.Username, datastore.Password,
		datastore.Database, extras,
		datastore.SSHEnabled, datastore.SSHHost, datastore.SSHPort, datastore.SSHUser,
	).Scan(&datastore.CreatedAt, &datastore.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("datastore %q already exists in workspace: %w", datastore.Name, apperrors.ErrConflict)
		}
		return fmt.Errorf("failed to create datastore: %w", err)
	}
	return nil
}

func (r *datastoreRepository) GetByID(ctx context.Context, workspaceID, datastoreID uuid.UUID) (*models.Datastore, error) {
	scope, ok := database.GetWorkspaceScope(ctx)
	if !ok {
		return nil, apperrors.ErrWorkspaceScopeNeeded
	}

	query := `SELECT ` + datastoreColumns + `
		FROM datastores
		WHERE id = $1 AND workspace_id = $2 AND deleted_at IS NULL`

	ds, err := scanDatastore(scope.Conn.QueryRow(ctx, query, datastoreID, workspaceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get datastore: %w", err)
	}
	return ds, nil
}

func (r *datastoreRepository) ListByWorkspace(ctx context.Context, workspaceID uuid.UUID) ([]*models.Datastore, error) {
	scope, ok := database.GetWorkspaceScope(ctx)
	if !ok {
		return nil, apperrors.ErrWorkspaceScopeNeeded
	}

	query := `SELECT ` + datastoreColumns + `
		FROM datastores
		WHERE workspace_id = $1 AND deleted_at IS NULL
		ORDER BY name`

	rows, err := scope.Conn.Query(ctx, query, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list datastores: %w", err)
	}
	defer rows.Close()

	datastores := make([]*models.Datastore, 0)
	for rows.Next() {
		ds, err := scanDatastore(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan datastore: %w", err)
		}
		datastores = append(datastores, ds)
	}
	return datastores, rows.Err()
}

func (r *datastoreRepository) Update(ctx context.Context, datastore *models.Datastore) error {
	scope, ok := database.GetWorkspaceScope(ctx)
	if !ok {
		return apperrors.ErrWorkspaceScopeNeeded
	}

	extras, err := json.Marshal(datastore.Extras)
	if err != nil {
		return fmt.Errorf("failed to encode datastore extras: %w", err)
	}

	query := `
		UPDATE datastores SET
			name = $3, engine = $4, host = $5, port = $6, username = $7,
			password = $8, database = $9, extras = $10,
			ssh_enabled = $11, ssh_host = $12, ssh_port = $13, ssh_user = $14,
			updated_at = now()
		WHERE id = $1 AND workspace_id = $2 AND deleted_at IS NULL
		RETURNING updated_at`

	err = scope.Conn.QueryRow(ctx, query,
		datastore.ID, datastore.WorkspaceID, datastore.Name, datastore.Engine,
		datastore.Host, datastore.Port, datastore.Username, datastore.Password,
		datastore.Database, extras,
		datastore.SSHEnabled, datastore.SSHHost, datastore.SSHPort, datastore.SSHUser,
	).Scan(&datastore.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.ErrNotFound
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("datastore %q already exists in workspace: %w", datastore.Name, apperrors.ErrConflict)
		}
		return fmt.Errorf("failed to update datastore: %w", err)
	}
	return nil
}

func (r *datastoreRepository) SoftDelete(ctx context.Context, workspaceID, datastoreID uuid.UUID) error {
	scope, ok := database.GetWorkspaceScope(ctx)
	if !ok {
		return apperrors.ErrWorkspaceScopeNeeded
	}

	tag, err := scope.Conn.Exec(ctx,
		`UPDATE datastores SET deleted_at = now(), updated_at = now()
		 WHERE id = $1 AND workspace_id = $2 AND deleted_at IS NULL`,
		datastoreID, workspaceID)
	if err != nil {
		return fmt.Errorf("failed to delete datastore: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}
