package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/getmetamapper/metamapper-engine/pkg/apperrors"
	"github.com/getmetamapper/metamapper-engine/pkg/database"
	"github.com/getmetamapper/metamapper-engine/pkg/models"
)

// RunRepository provides data access for crawl runs and their errors.
type RunRepository interface {
	// Open starts a run for the datastore. The one-open-run-per-datastore
	// rule is enforced by a partial unique index; a violation surfaces as
	// apperrors.ErrRunInProgress.
	Open(ctx context.Context, workspaceID, datastoreID uuid.UUID) (*models.Run, error)
	// Finalize stamps the run finished. A nil runErr marks success.
	Finalize(ctx context.Context, runID uuid.UUID, runErr *string) error
	GetByID(ctx context.Context, runID uuid.UUID) (*models.Run, error)
	ListByDatastore(ctx context.Context, datastoreID uuid.UUID, limit int) ([]*models.Run, error)
	AddError(ctx context.Context, runErr *models.RunError) error
	ListErrors(ctx context.Context, runID uuid.UUID) ([]*models.RunError, error)
	// PurgeFinishedBefore hard-deletes finished runs (revisions cascade)
	// older than the cutoff. Runs without workspace scope.
	PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type runRepository struct{}

// NewRunRepository creates a new RunRepository.
func NewRunRepository() RunRepository {
	return &runRepository{}
}

var _ RunRepository = (*runRepository)(nil)

func (r *runRepository) Open(ctx context.Context, workspaceID, datastoreID uuid.UUID) (*models.Run, error) {
	scope, ok := database.GetWorkspaceScope(ctx)
	if !ok {
		return nil, apperrors.ErrWorkspaceScopeNeeded
	}

	run := &models.Run{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		DatastoreID: datastoreID,
	}

	query := `
		INSERT INTO runs (id, workspace_id, datastore_id)
		VALUES ($1, $2, $3)
		RETURNING started_at, created_at`

	err := scope.Conn.QueryRow(ctx, query, run.ID, run.WorkspaceID, run.DatastoreID).
		Scan(&run.StartedAt, &run.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "runs_one_open_per_datastore" {
			return nil, apperrors.ErrRunInProgress
		}
		return nil, fmt.Errorf("failed to open run: %w", err)
	}
	return run, nil
}

func (r *runRepository) Finalize(ctx context.Context, runID uuid.UUID, runErr *string) error {
	scope, ok := database.GetWorkspaceScope(ctx)
	if !ok {
		return apperrors.ErrWorkspaceScopeNeeded
	}

	tag, err := scope.Conn.Exec(ctx,
		`UPDATE runs SET finished_at = now(), error = $2
		 WHERE id = $1 AND finished_at IS NULL`,
		runID, runErr)
	if err != nil {
		return fmt.Errorf("failed to finalize run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *runRepository) GetByID(ctx context.Context, runID uuid.UUID) (*models.Run, error) {
	scope, ok := database.GetWorkspaceScope(ctx)
	if !ok {
		return nil, apperrors.ErrWorkspaceScopeNeeded
	}

	query := `
		SELECT id, workspace_id, datastore_id, started_at, finished_at, error, created_at
		FROM runs
		WHERE id = $1`

	var run models.Run
	err := scope.Conn.QueryRow(ctx, query, runID).Scan(
		&run.ID, &run.WorkspaceID, &run.DatastoreID,
		&run.StartedAt, &run.FinishedAt, &run.Error, &run.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return &run, nil
}

func (r *runRepository) ListByDatastore(ctx context.Context, datastoreID uuid.UUID, limit int) ([]*models.Run, error) {
	scope, ok := database.GetWorkspaceScope(ctx)
	if !ok {
		return nil, apperrors.ErrWorkspaceScopeNeeded
	}
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, workspace_id, datastore_id, started_at, finished_at, error, created_at
		FROM runs
		WHERE datastore_id = $1
		ORDER BY started_at DESC
		LIMIT $2`

	rows, err := scope.Conn.Query(ctx, query, datastoreID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*models.Run, 0)
	for rows.Next() {
		var run models.Run
		if err := rows.Scan(
			&run.ID, &run.WorkspaceID, &run.DatastoreID,
			&run.StartedAt, &run.FinishedAt, &run.Error, &run.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

func (r *runRepository) AddError(ctx context.Context, runErr *models.RunError) error {
	scope, ok := database.GetWorkspaceScope(ctx)
	if !ok {
		return apperrors.ErrWorkspaceScopeNeeded
	}

	if runErr.ID == uuid.Nil {
		runErr.ID = uuid.New()
	}

	err := scope.Conn.QueryRow(ctx,
		`INSERT INTO run_errors (id, run_id, schema_name, message)
		 VALUES ($1, $2, $3, $4)
		 RETURNING created_at`,
		runErr.ID, runErr.RunID, runErr.SchemaName, runErr.Message,
	).Scan(&runErr.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record run error: %w", err)
	}
	return nil
}

func (r *runRepository) ListErrors(ctx context.Context, runID uuid.UUID) ([]*models.RunError, error) {
	scope, ok := database.GetWorkspaceScope(ctx)
	if !ok {
		return nil, apperrors.ErrWorkspaceScopeNeeded
	}

	rows, err := scope.Conn.Query(ctx,
		`SELECT id, run_id, schema_name, message, created_at
		 FROM run_errors
		 WHERE run_id = $1
		 ORDER BY created_at`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run errors: %w", err)
	}
	defer rows.Close()

	errs := make([]*models.RunError, 0)
	for rows.Next() {
		var re models.RunError
		if err := rows.Scan(&re.ID, &re.RunID, &re.SchemaName, &re.Message, &re.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run error: %w", err)
		}
		errs = append(errs, &re)
	}
	return errs, rows.Err()
}

func (r *runRepository) PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	scope, ok := database.GetWorkspaceScope(ctx)
	if !ok {
		return 0, apperrors.ErrWorkspaceScopeNeeded
	}

	tag, err := scope.Conn.Exec(ctx,
		`DELETE FROM runs WHERE finished_at IS NOT NULL AND finished_at < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge runs: %w", err)
	}
	return tag.RowsAffected(), nil
}
