package repositories

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/getmetamapper/metamapper-engine/pkg/apperrors"
	"github.com/getmetamapper/metamapper-engine/pkg/database"
	"github.com/getmetamapper/metamapper-engine/pkg/models"
)

// RevisionApplier replays a run's revisions onto the committed catalog.
type RevisionApplier interface {
	// ApplyRun finalizes the run in a single transaction: revisions are
	// replayed parent-first, rows the run never saw are soft-deleted
	// (schemas named in failedSchemas and their descendants are left
	// alone), and the run is stamped finished. Either everything lands or
	// nothing does.
	ApplyRun(ctx context.Context, run *models.Run, failedSchemas []string, runErr *string) error
}

type revisionApplier struct{}

// NewRevisionApplier creates a new RevisionApplier.
func NewRevisionApplier() RevisionApplier {
	return &revisionApplier{}
}

var _ RevisionApplier = (*revisionApplier)(nil)

// modifiable columns per resource type. Everything else in a revision
// payload is ignored by UPDATE, so a malformed metadata map cannot write
// outside the catalog schema.
var (
	schemaUpdateColumns = map[string]bool{
		"name": true, "object_id": true, "object_ref": true,
	}
	tableUpdateColumns = map[string]bool{
		"schema_id": true, "name": true, "kind": true, "object_id": true, "object_ref": true,
	}
	columnUpdateColumns = map[string]bool{
		"table_id": true, "name": true, "ordinal": true, "data_type": true,
		"max_length": true, "numeric_scale": true, "nullable": true,
		"primary_key": true, "default_value": true, "comment": true, "object_id": true,
	}
	indexUpdateColumns = map[string]bool{
		"table_id": true, "name": true, "is_unique": true, "is_primary": true,
		"definition": true, "object_id": true,
	}
)

// applyState carries per-transaction bookkeeping. When an ADDED revision
// lands on a soft-deleted row (same object id) the row is reactivated and
// keeps its original id; idMap translates the revision's pre-generated row id
// to the id actually in the catalog so child revisions attach correctly.
type applyState struct {
	tx    pgx.Tx
	run   *models.Run
	idMap map[uuid.UUID]uuid.UUID
}

func (s *applyState) resolve(id uuid.UUID) uuid.UUID {
	if actual, ok := s.idMap[id]; ok {
		return actual
	}
	return id
}

func (s *applyState) record(want, got uuid.UUID) {
	if want != got {
		s.idMap[want] = got
	}
}

func (r *revisionApplier) ApplyRun(ctx context.Context, run *models.Run, failedSchemas []string, runErr *string) error {
	scope, ok := database.GetWorkspaceScope(ctx)
	if !ok {
		return apperrors.ErrWorkspaceScopeNeeded
	}
	if failedSchemas == nil {
		failedSchemas = []string{}
	}

	tx, err := scope.Conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	state := &applyState{tx: tx, run: run, idMap: make(map[uuid.UUID]uuid.UUID)}

	revisions, err := loadRevisionsForApply(ctx, tx, run.ID)
	if err != nil {
		return err
	}
	for i := range revisions {
		if err := r.applyRevision(ctx, state, &revisions[i]); err != nil {
			return fmt.Errorf("failed to apply %s %s revision: %w",
				revisions[i].Resource, revisions[i].Action, err)
		}
	}

	if err := r.sweepUnseen(ctx, state, failedSchemas); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx,
		`UPDATE runs SET finished_at = now(), error = $2
		 WHERE id = $1 AND finished_at IS NULL`,
		run.ID, runErr)
	if err != nil {
		return fmt.Errorf("failed to finalize run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run already finalized: %w", apperrors.ErrConflict)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit finalize: %w", err)
	}
	return nil
}

func loadRevisionsForApply(ctx context.Context, tx pgx.Tx, runID uuid.UUID) ([]models.Revision, error) {
	query := `
		SELECT id, run_id, action, resource_type, resource_id, parent_id,
		       metadata, seq, created_at
		FROM run_revisions
		WHERE run_id = $1
		ORDER BY ` + revisionOrder

	rows, err := tx.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load revisions: %w", err)
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

func (r *revisionApplier) applyRevision(ctx context.Context, state *applyState, rev *models.Revision) error {
	switch rev.Action {
	case models.RevisionAdded:
		return r.applyAdded(ctx, state, rev)
	case models.RevisionModified:
		return r.applyModified(ctx, state, rev)
	case models.RevisionRemoved:
		return r.applyRemoved(ctx, state, rev)
	case models.RevisionTouched:
		// Presence alone shields the row from the unseen sweep.
		return nil
	default:
		return fmt.Errorf("unknown revision action %q", rev.Action)
	}
}

func (r *revisionApplier) applyAdded(ctx context.Context, state *applyState, rev *models.Revision) error {
	md := rev.Metadata.New
	rowID := rev.Metadata.RowID

	switch rev.Resource {
	case models.ResourceSchema:
		var got uuid.UUID
		err := state.tx.QueryRow(ctx, `
			INSERT INTO catalog_schemas (id, workspace_id, datastore_id, name, object_id, object_ref)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (datastore_id, object_id) DO UPDATE
			SET name = EXCLUDED.name, object_ref = EXCLUDED.object_ref,
			    deleted_at = NULL, updated_at = now()
			RETURNING id`,
			rowID, state.run.WorkspaceID, state.run.DatastoreID,
			mdString(md, "name"), mdString(md, "object_id"), mdStringPtr(md, "object_ref"),
		).Scan(&got)
		if err != nil {
			return err
		}
		state.record(rowID, got)
		return nil

	case models.ResourceTable:
		schemaID, err := mdRowID(state, md, "schema_id")
		if err != nil {
			return err
		}
		var got uuid.UUID
		err = state.tx.QueryRow(ctx, `
			INSERT INTO catalog_tables (id, workspace_id, schema_id, name, kind, object_id, object_ref)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (schema_id, object_id) DO UPDATE
			SET name = EXCLUDED.name, kind = EXCLUDED.kind,
			    object_ref = EXCLUDED.object_ref,
			    deleted_at = NULL, updated_at = now()
			RETURNING id`,
			rowID, state.run.WorkspaceID, schemaID,
			mdString(md, "name"), mdString(md, "kind"),
			mdString(md, "object_id"), mdStringPtr(md, "object_ref"),
		).Scan(&got)
		if err != nil {
			return err
		}
		state.record(rowID, got)
		return nil

	case models.ResourceColumn:
		tableID, err := mdRowID(state, md, "table_id")
		if err != nil {
			return err
		}
		var got uuid.UUID
		err = state.tx.QueryRow(ctx, `
			INSERT INTO catalog_columns (
				id, workspace_id, table_id, name, ordinal, data_type,
				max_length, numeric_scale, nullable, primary_key,
				default_value, comment, object_id
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (table_id, object_id) DO UPDATE
			SET name = EXCLUDED.name, ordinal = EXCLUDED.ordinal,
			    data_type = EXCLUDED.data_type, max_length = EXCLUDED.max_length,
			    numeric_scale = EXCLUDED.numeric_scale, nullable = EXCLUDED.nullable,
			    primary_key = EXCLUDED.primary_key, default_value = EXCLUDED.default_value,
			    comment = EXCLUDED.comment,
			    deleted_at = NULL, updated_at = now()
			RETURNING id`,
			rowID, state.run.WorkspaceID, tableID,
			mdString(md, "name"), mdInt(md, "ordinal"), mdString(md, "data_type"),
			mdInt64Ptr(md, "max_length"), mdInt64Ptr(md, "numeric_scale"),
			mdBool(md, "nullable"), mdBool(md, "primary_key"),
			mdStringPtr(md, "default_value"), mdStringPtr(md, "comment"),
			mdString(md, "object_id"),
		).Scan(&got)
		if err != nil {
			return err
		}
		state.record(rowID, got)
		return nil

	case models.ResourceIndex:
		tableID, err := mdRowID(state, md, "table_id")
		if err != nil {
			return err
		}
		var got uuid.UUID
		err = state.tx.QueryRow(ctx, `
			INSERT INTO catalog_indexes (
				id, workspace_id, table_id, name, is_unique, is_primary,
				definition, object_id
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (table_id, object_id) DO UPDATE
			SET name = EXCLUDED.name, is_unique = EXCLUDED.is_unique,
			    is_primary = EXCLUDED.is_primary, definition = EXCLUDED.definition,
			    deleted_at = NULL, updated_at = now()
			RETURNING id`,
			rowID, state.run.WorkspaceID, tableID,
			mdString(md, "name"), mdBool(md, "is_unique"), mdBool(md, "is_primary"),
			mdStringPtr(md, "definition"), mdString(md, "object_id"),
		).Scan(&got)
		if err != nil {
			return err
		}
		state.record(rowID, got)
		return r.replaceIndexColumns(ctx, state, got, mdStrings(md, "columns"))

	default:
		return fmt.Errorf("unknown resource type %q", rev.Resource)
	}
}

func (r *revisionApplier) applyModified(ctx context.Context, state *applyState, rev *models.Revision) error {
	rowID := state.resolve(rev.Metadata.RowID)

	var table string
	var allowed map[string]bool
	switch rev.Resource {
	case models.ResourceSchema:
		table, allowed = "catalog_schemas", schemaUpdateColumns
	case models.ResourceTable:
		table, allowed = "catalog_tables", tableUpdateColumns
	case models.ResourceColumn:
		table, allowed = "catalog_columns", columnUpdateColumns
	case models.ResourceIndex:
		table, allowed = "catalog_indexes", indexUpdateColumns
	default:
		return fmt.Errorf("unknown resource type %q", rev.Resource)
	}

	set := "updated_at = now()"
	args := []any{rowID}
	for key, val := range rev.Metadata.New {
		if !allowed[key] {
			continue
		}
		if key == "schema_id" || key == "table_id" {
			parent, err := mdRowID(state, rev.Metadata.New, key)
			if err != nil {
				return err
			}
			val = parent
		}
		args = append(args, val)
		set += fmt.Sprintf(", %s = $%d", key, len(args))
	}

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = $1`, table, set)
	if _, err := state.tx.Exec(ctx, query, args...); err != nil {
		return err
	}

	if rev.Resource == models.ResourceIndex {
		if _, ok := rev.Metadata.New["columns"]; ok {
			return r.replaceIndexColumns(ctx, state, rowID, mdStrings(rev.Metadata.New, "columns"))
		}
	}
	return nil
}

func (r *revisionApplier) applyRemoved(ctx context.Context, state *applyState, rev *models.Revision) error {
	rowID := state.resolve(rev.Metadata.RowID)

	var table string
	switch rev.Resource {
	case models.ResourceSchema:
		table = "catalog_schemas"
	case models.ResourceTable:
		table = "catalog_tables"
	case models.ResourceColumn:
		table = "catalog_columns"
	case models.ResourceIndex:
		table = "catalog_indexes"
	default:
		return fmt.Errorf("unknown resource type %q", rev.Resource)
	}

	query := fmt.Sprintf(
		`UPDATE %s SET deleted_at = now(), updated_at = now()
		 WHERE id = $1 AND deleted_at IS NULL`, table)
	_, err := state.tx.Exec(ctx, query, rowID)
	return err
}

func (r *revisionApplier) replaceIndexColumns(ctx context.Context, state *applyState, indexID uuid.UUID, columns []string) error {
	if _, err := state.tx.Exec(ctx,
		`DELETE FROM catalog_index_columns WHERE index_id = $1`, indexID); err != nil {
		return err
	}
	for i, name := range columns {
		if _, err := state.tx.Exec(ctx,
			`INSERT INTO catalog_index_columns (index_id, name, ordinal)
			 VALUES ($1, $2, $3)`,
			indexID, name, i+1); err != nil {
			return err
		}
	}
	return nil
}

// sweepUnseen soft-deletes catalog rows the run produced no revision for.
// Failed schema units are excluded by name so a transient per-schema failure
// never reads as a mass removal.
func (r *revisionApplier) sweepUnseen(ctx context.Context, state *applyState, failedSchemas []string) error {
	runID := state.run.ID
	datastoreID := state.run.DatastoreID

	sweeps := []struct {
		name  string
		query string
	}{
		{"schemas", `
			UPDATE catalog_schemas s SET deleted_at = now(), updated_at = now()
			WHERE s.datastore_id = $1 AND s.deleted_at IS NULL
			  AND s.name != ALL($3)
			  AND NOT EXISTS (
				SELECT 1 FROM run_revisions rr
				WHERE rr.run_id = $2 AND rr.resource_type = 'schema'
				  AND rr.resource_id = s.object_id)`},
		{"tables", `
			UPDATE catalog_tables t SET deleted_at = now(), updated_at = now()
			FROM catalog_schemas s
			WHERE s.id = t.schema_id AND s.datastore_id = $1
			  AND t.deleted_at IS NULL
			  AND s.name != ALL($3)
			  AND NOT EXISTS (
				SELECT 1 FROM run_revisions rr
				WHERE rr.run_id = $2 AND rr.resource_type = 'table'
				  AND rr.resource_id = t.object_id)`},
		{"columns", `
			UPDATE catalog_columns c SET deleted_at = now(), updated_at = now()
			FROM catalog_tables t, catalog_schemas s
			WHERE t.id = c.table_id AND s.id = t.schema_id
			  AND s.datastore_id = $1 AND c.deleted_at IS NULL
			  AND s.name != ALL($3)
			  AND NOT EXISTS (
				SELECT 1 FROM run_revisions rr
				WHERE rr.run_id = $2 AND rr.resource_type = 'column'
				  AND rr.resource_id = c.object_id)`},
		{"indexes", `
			UPDATE catalog_indexes i SET deleted_at = now(), updated_at = now()
			FROM catalog_tables t, catalog_schemas s
			WHERE t.id = i.table_id AND s.id = t.schema_id
			  AND s.datastore_id = $1 AND i.deleted_at IS NULL
			  AND s.name != ALL($3)
			  AND NOT EXISTS (
				SELECT 1 FROM run_revisions rr
				WHERE rr.run_id = $2 AND rr.resource_type = 'index'
				  AND rr.resource_id = i.object_id)`},
	}

	for _, sweep := range sweeps {
		if _, err := state.tx.Exec(ctx, sweep.query, datastoreID, runID, failedSchemas); err != nil {
			return fmt.Errorf("failed to sweep unseen %s: %w", sweep.name, err)
		}
	}
	return nil
}

// Metadata maps round-trip through JSONB, so numbers come back as float64
// and string slices as []any. These helpers normalize both the in-memory
// and the decoded shapes.

func mdString(md map[string]any, key string) string {
	if v, ok := md[key].(string); ok {
		return v
	}
	return ""
}

func mdStringPtr(md map[string]any, key string) *string {
	if v, ok := md[key].(string); ok && v != "" {
		return &v
	}
	return nil
}

func mdBool(md map[string]any, key string) bool {
	v, _ := md[key].(bool)
	return v
}

func mdInt(md map[string]any, key string) int {
	switch v := md[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func mdInt64Ptr(md map[string]any, key string) *int64 {
	switch v := md[key].(type) {
	case int64:
		return &v
	case int:
		n := int64(v)
		return &n
	case float64:
		n := int64(v)
		return &n
	}
	return nil
}

func mdStrings(md map[string]any, key string) []string {
	switch v := md[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func mdRowID(state *applyState, md map[string]any, key string) (uuid.UUID, error) {
	raw := mdString(md, key)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return state.resolve(id), nil
}
