package repositories

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/getmetamapper/metamapper-engine/pkg/apperrors"
	"github.com/getmetamapper/metamapper-engine/pkg/database"
	"github.com/getmetamapper/metamapper-engine/pkg/models"
)

// RevisionRepository provides append-only access to run revisions.
type RevisionRepository interface {
	// InsertBatch writes one schema unit's revisions in a single
	// transaction. Rows that already exist for (run, resource type,
	// resource id, action) are skipped, so a retried schema unit is a
	// no-op rather than a duplicate. Returns the number actually inserted.
	InsertBatch(ctx context.Context, workspaceID uuid.UUID, revisions []models.Revision) (int64, error)
	// ListByRun returns the run's revisions parent-first (schema, table,
	// column, index) and in insertion order within each resource type.
	ListByRun(ctx context.Context, runID uuid.UUID) ([]models.Revision, error)
	CountByRun(ctx context.Context, runID uuid.UUID) (int64, error)
}

type revisionRepository struct{}

// NewRevisionRepository creates a new RevisionRepository.
func NewRevisionRepository() RevisionRepository {
	return &revisionRepository{}
}

var _ RevisionRepository = (*revisionRepository)(nil)

// revisionOrder replays revisions parent-first regardless of the order the
// schema units landed in.
const revisionOrder = `
	CASE resource_type
		WHEN 'schema' THEN 0
		WHEN 'table'  THEN 1
		WHEN 'column' THEN 2
		ELSE 3
	END, seq`

func (r *revisionRepository) InsertBatch(ctx context.Context, workspaceID uuid.UUID, revisions []models.Revision) (int64, error) {
	scope, ok := database.GetWorkspaceScope(ctx)
	if !ok {
		return 0, apperrors.ErrWorkspaceScopeNeeded
	}
	if len(revisions) == 0 {
		return 0, nil
	}

	tx, err := scope.Conn.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		INSERT INTO run_revisions (
			id, run_id, workspace_id, action, resource_type, resource_id,
			parent_id, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id, resource_type, resource_id, action) DO NOTHING`

	var inserted int64
	for i := range revisions {
		rev := &revisions[i]
		metadata, err := json.Marshal(rev.Metadata)
		if err != nil {
			return 0, fmt.Errorf("failed to encode revision metadata: %w", err)
		}
		tag, err := tx.Exec(ctx, query,
			rev.ID, rev.RunID, workspaceID, rev.Action, rev.Resource,
			rev.ResourceID, rev.ParentID, metadata)
		if err != nil {
			return 0, fmt.Errorf("failed to insert revision: %w", err)
		}
		inserted += tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit revisions: %w", err)
	}
	return inserted, nil
}

func (r *revisionRepository) ListByRun(ctx context.Context, runID uuid.UUID) ([]models.Revision, error) {
	scope, ok := database.GetWorkspaceScope(ctx)
	if !ok {
		return nil, apperrors.ErrWorkspaceScopeNeeded
	}

	query := `
		SELECT id, run_id, action, resource_type, resource_id, parent_id,
		       metadata, seq, created_at
		FROM run_revisions
		WHERE run_id = $1
		ORDER BY ` + revisionOrder

	rows, err := scope.Conn.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list revisions: %w", err)
	}
	defer rows.Close()

	revisions := make([]models.Revision, 0)
	for rows.Next() {
		var rev models.Revision
		var metadata []byte
		if err := rows.Scan(
			&rev.ID, &rev.RunID, &rev.Action, &rev.Resource,
			&rev.ResourceID, &rev.ParentID, &metadata, &rev.Seq, &rev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan revision: %w", err)
		}
		if err := json.Unmarshal(metadata, &rev.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode revision metadata: %w", err)
		}
		revisions = append(revisions, rev)
	}
	return revisions, rows.Err()
}

func (r *revisionRepository) CountByRun(ctx context.Context, runID uuid.UUID) (int64, error) {
	scope, ok := database.GetWorkspaceScope(ctx)
	if !ok {
		return 0, apperrors.ErrWorkspaceScopeNeeded
	}

	var count int64
	err := scope.Conn.QueryRow(ctx,
		`SELECT COUNT(*) FROM run_revisions WHERE run_id = $1`, runID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count revisions: %w", err)
	}
	return count, nil
}
