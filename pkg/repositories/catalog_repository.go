package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/getmetamapper/metamapper-engine/pkg/apperrors"
	"github.com/getmetamapper/metamapper-engine/pkg/database"
	"github.com/getmetamapper/metamapper-engine/pkg/models"
	"github.com/getmetamapper/metamapper-engine/pkg/objectid"
	"github.com/getmetamapper/metamapper-engine/pkg/revisioner"
)

// CatalogRepository reads the committed catalog. Writes go through the
// revision applier at finalize; nothing else mutates these tables.
type CatalogRepository interface {
	// LoadSchemaState loads the live rows for one schema so a collected
	// batch can be reconciled against them. The schema is located by its
	// stable object id, falling back to the vendor ref so a renamed schema
	// still reconciles against its history. A schema never seen before
	// yields a state with a nil Schema and empty maps.
	LoadSchemaState(ctx context.Context, datastoreID uuid.UUID, schemaOID objectid.OID, schemaRef string) (*revisioner.SchemaState, error)
	ListSchemas(ctx context.Context, datastoreID uuid.UUID) ([]*models.Schema, error)
	ListTables(ctx context.Context, schemaID uuid.UUID) ([]*models.Table, error)
	ListColumns(ctx context.Context, tableID uuid.UUID) ([]*models.Column, error)

	// PurgeDeletedBefore hard-deletes catalog rows soft-deleted before the
	// cutoff, along with the remaining children of purged parents. Returns
	// the number of rows removed.
	PurgeDeletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type catalogRepository struct{}

// NewCatalogRepository creates a new CatalogRepository.
func NewCatalogRepository() CatalogRepository {
	return &catalogRepository{}
}

var _ CatalogRepository = (*catalogRepository)(nil)

func (r *catalogRepository) LoadSchemaState(ctx context.Context, datastoreID uuid.UUID, schemaOID objectid.OID, schemaRef string) (*revisioner.SchemaState, error) {
	scope, ok := database.GetWorkspaceScope(ctx)
	if !ok {
		return nil, apperrors.ErrWorkspaceScopeNeeded
	}

	state := &revisioner.SchemaState{
		ColumnsByTable: make(map[uuid.UUID][]models.Column),
		IndexesByTable: make(map[uuid.UUID][]models.Index),
	}

	schemaQuery := `
		SELECT id, workspace_id, datastore_id, name, object_id, object_ref,
		       created_at, updated_at, deleted_at
		FROM catalog_schemas
		WHERE datastore_id = $1 AND deleted_at IS NULL
		  AND (object_id = $2 OR ($3 != '' AND object_ref = $3))
		ORDER BY (object_id = $2) DESC
		LIMIT 1`

	rows, err := scope.Conn.Query(ctx, schemaQuery, datastoreID, schemaOID, schemaRef)
	if err != nil {
		return nil, fmt.Errorf("failed to load schema: %w", err)
	}
	for rows.Next() {
		var s models.Schema
		if err := rows.Scan(
			&s.ID, &s.WorkspaceID, &s.DatastoreID, &s.Name, &s.ObjectID,
			&s.ObjectRef, &s.CreatedAt, &s.UpdatedAt, &s.DeletedAt,
		); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan schema: %w", err)
		}
		state.Schema = &s
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load schema: %w", err)
	}
	if state.Schema == nil {
		return state, nil
	}

	if state.Tables, err = r.loadTables(ctx, scope, state.Schema.ID); err != nil {
		return nil, err
	}
	if err := r.loadColumns(ctx, scope, state); err != nil {
		return nil, err
	}
	if err := r.loadIndexes(ctx, scope, state); err != nil {
		return nil, err
	}
	return state, nil
}

func (r *catalogRepository) loadTables(ctx context.Context, scope *database.WorkspaceScope, schemaID uuid.UUID) ([]models.Table, error) {
	query := `
		SELECT id, workspace_id, schema_id, name, kind, object_id, object_ref,
		       created_at, updated_at, deleted_at
		FROM catalog_tables
		WHERE schema_id = $1 AND deleted_at IS NULL
		ORDER BY name`

	rows, err := scope.Conn.Query(ctx, query, schemaID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tables: %w", err)
	}
	defer rows.Close()

	tables := make([]models.Table, 0)
	for rows.Next() {
		var t models.Table
		if err := rows.Scan(
			&t.ID, &t.WorkspaceID, &t.SchemaID, &t.Name, &t.Kind,
			&t.ObjectID, &t.ObjectRef, &t.CreatedAt, &t.UpdatedAt, &t.DeletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan table: %w", err)
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

func (r *catalogRepository) loadColumns(ctx context.Context, scope *database.WorkspaceScope, state *revisioner.SchemaState) error {
	query := `
		SELECT c.id, c.workspace_id, c.table_id, c.name, c.object_id, c.object_ref,
		       c.ordinal, c.data_type, c.max_length, c.numeric_scale,
		       c.nullable, c.primary_key, c.default_value, c.comment,
		       c.created_at, c.updated_at, c.deleted_at
		FROM catalog_columns c
		JOIN catalog_tables t ON t.id = c.table_id
		WHERE t.schema_id = $1 AND t.deleted_at IS NULL AND c.deleted_at IS NULL
		ORDER BY c.table_id, c.ordinal`

	rows, err := scope.Conn.Query(ctx, query, state.Schema.ID)
	if err != nil {
		return fmt.Errorf("failed to load columns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c models.Column
		if err := rows.Scan(
			&c.ID, &c.WorkspaceID, &c.TableID, &c.Name, &c.ObjectID, &c.ObjectRef,
			&c.Ordinal, &c.DataType, &c.MaxLength, &c.NumericScale,
			&c.Nullable, &c.PrimaryKey, &c.DefaultValue, &c.Comment,
			&c.CreatedAt, &c.UpdatedAt, &c.DeletedAt,
		); err != nil {
			return fmt.Errorf("failed to scan column: %w", err)
		}
		state.ColumnsByTable[c.TableID] = append(state.ColumnsByTable[c.TableID], c)
	}
	return rows.Err()
}

func (r *catalogRepository) loadIndexes(ctx context.Context, scope *database.WorkspaceScope, state *revisioner.SchemaState) error {
	query := `
		SELECT i.id, i.workspace_id, i.table_id, i.name, i.object_id, i.object_ref,
		       i.is_unique, i.is_primary, i.definition,
		       i.created_at, i.updated_at, i.deleted_at
		FROM catalog_indexes i
		JOIN catalog_tables t ON t.id = i.table_id
		WHERE t.schema_id = $1 AND t.deleted_at IS NULL AND i.deleted_at IS NULL
		ORDER BY i.table_id, i.name`

	rows, err := scope.Conn.Query(ctx, query, state.Schema.ID)
	if err != nil {
		return fmt.Errorf("failed to load indexes: %w", err)
	}

	byID := make(map[uuid.UUID]*models.Index)
	order := make([]uuid.UUID, 0)
	for rows.Next() {
		var idx models.Index
		if err := rows.Scan(
			&idx.ID, &idx.WorkspaceID, &idx.TableID, &idx.Name, &idx.ObjectID,
			&idx.ObjectRef, &idx.IsUnique, &idx.IsPrimary, &idx.Definition,
			&idx.CreatedAt, &idx.UpdatedAt, &idx.DeletedAt,
		); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan index: %w", err)
		}
		byID[idx.ID] = &idx
		order = append(order, idx.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to load indexes: %w", err)
	}
	if len(byID) == 0 {
		return nil
	}

	colQuery := `
		SELECT ic.id, ic.index_id, ic.name, ic.ordinal
		FROM catalog_index_columns ic
		JOIN catalog_indexes i ON i.id = ic.index_id
		JOIN catalog_tables t ON t.id = i.table_id
		WHERE t.schema_id = $1 AND t.deleted_at IS NULL AND i.deleted_at IS NULL
		ORDER BY ic.index_id, ic.ordinal`

	colRows, err := scope.Conn.Query(ctx, colQuery, state.Schema.ID)
	if err != nil {
		return fmt.Errorf("failed to load index columns: %w", err)
	}
	defer colRows.Close()

	for colRows.Next() {
		var ic models.IndexColumn
		if err := colRows.Scan(&ic.ID, &ic.IndexID, &ic.Name, &ic.Ordinal); err != nil {
			return fmt.Errorf("failed to scan index column: %w", err)
		}
		if idx, ok := byID[ic.IndexID]; ok {
			idx.Columns = append(idx.Columns, ic)
		}
	}
	if err := colRows.Err(); err != nil {
		return fmt.Errorf("failed to load index columns: %w", err)
	}

	for _, id := range order {
		idx := byID[id]
		state.IndexesByTable[idx.TableID] = append(state.IndexesByTable[idx.TableID], *idx)
	}
	return nil
}

// PurgeDeletedBefore removes rows bottom-up so foreign keys hold at every
// step: index columns cascade from indexes, everything else goes child
// before parent. A live child under a purged parent is unreachable either
// way, so it goes too.
func (r *catalogRepository) PurgeDeletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	scope, ok := database.GetWorkspaceScope(ctx)
	if !ok {
		return 0, apperrors.ErrWorkspaceScopeNeeded
	}

	tx, err := scope.Conn.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin purge transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	statements := []string{
		`DELETE FROM catalog_indexes i
		 USING catalog_tables t, catalog_schemas s
		 WHERE i.table_id = t.id AND t.schema_id = s.id
		   AND (i.deleted_at < $1 OR t.deleted_at < $1 OR s.deleted_at < $1)`,
		`DELETE FROM catalog_columns c
		 USING catalog_tables t, catalog_schemas s
		 WHERE c.table_id = t.id AND t.schema_id = s.id
		   AND (c.deleted_at < $1 OR t.deleted_at < $1 OR s.deleted_at < $1)`,
		`DELETE FROM catalog_tables t
		 USING catalog_schemas s
		 WHERE t.schema_id = s.id
		   AND (t.deleted_at < $1 OR s.deleted_at < $1)`,
		`DELETE FROM catalog_schemas WHERE deleted_at < $1`,
	}

	var total int64
	for _, stmt := range statements {
		tag, err := tx.Exec(ctx, stmt, cutoff)
		if err != nil {
			return 0, fmt.Errorf("failed to purge catalog rows: %w", err)
		}
		total += tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit purge: %w", err)
	}
	return total, nil
}

func (r *catalogRepository) ListSchemas(ctx context.Context, datastoreID uuid.UUID) ([]*models.Schema, error) {
	scope, ok := database.GetWorkspaceScope(ctx)
	if !ok {
		return nil, apperrors.ErrWorkspaceScopeNeeded
	}

	query := `
		SELECT id, workspace_id, datastore_id, name, object_id, object_ref,
		       created_at, updated_at, deleted_at
		FROM catalog_schemas
		WHERE datastore_id = $1 AND deleted_at IS NULL
		ORDER BY name`

	rows, err := scope.Conn.Query(ctx, query, datastoreID)
	if err != nil {
		return nil, fmt.Errorf("failed to list schemas: %w", err)
	}
	defer rows.Close()

	schemas := make([]*models.Schema, 0)
	for rows.Next() {
		var s models.Schema
		if err := rows.Scan(
			&s.ID, &s.WorkspaceID, &s.DatastoreID, &s.Name, &s.ObjectID,
			&s.ObjectRef, &s.CreatedAt, &s.UpdatedAt, &s.DeletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan schema: %w", err)
		}
		schemas = append(schemas, &s)
	}
	return schemas, rows.Err()
}

func (r *catalogRepository) ListTables(ctx context.Context, schemaID uuid.UUID) ([]*models.Table, error) {
	scope, ok := database.GetWorkspaceScope(ctx)
	if !ok {
		return nil, apperrors.ErrWorkspaceScopeNeeded
	}

	tables, err := r.loadTables(ctx, scope, schemaID)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Table, len(tables))
	for i := range tables {
		out[i] = &tables[i]
	}
	return out, nil
}

func (r *catalogRepository) ListColumns(ctx context.Context, tableID uuid.UUID) ([]*models.Column, error) {
	scope, ok := database.GetWorkspaceScope(ctx)
	if !ok {
		return nil, apperrors.ErrWorkspaceScopeNeeded
	}

	query := `
		SELECT id, workspace_id, table_id, name, object_id, object_ref,
		       ordinal, data_type, max_length, numeric_scale,
		       nullable, primary_key, default_value, comment,
		       created_at, updated_at, deleted_at
		FROM catalog_columns
		WHERE table_id = $1 AND deleted_at IS NULL
		ORDER BY ordinal`

	rows, err := scope.Conn.Query(ctx, query, tableID)
	if err != nil {
		return nil, fmt.Errorf("failed to list columns: %w", err)
	}
	defer rows.Close()

	columns := make([]*models.Column, 0)
	for rows.Next() {
		var c models.Column
		if err := rows.Scan(
			&c.ID, &c.WorkspaceID, &c.TableID, &c.Name, &c.ObjectID, &c.ObjectRef,
			&c.Ordinal, &c.DataType, &c.MaxLength, &c.NumericScale,
			&c.Nullable, &c.PrimaryKey, &c.DefaultValue, &c.Comment,
			&c.CreatedAt, &c.UpdatedAt, &c.DeletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		columns = append(columns, &c)
	}
	return columns, rows.Err()
}
