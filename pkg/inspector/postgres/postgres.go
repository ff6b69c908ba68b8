// Package postgres implements the PostgreSQL inspection engine.
package postgres

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/getmetamapper/metamapper-engine/pkg/config"
	"github.com/getmetamapper/metamapper-engine/pkg/inspector"
)

// Kind is the registry identifier for this engine.
const Kind = "postgres"

var systemSchemas = []string{"pg_catalog", "information_schema", "pg_toast", "pg_internal"}

// Register adds the postgres factory to the registry.
func Register(r *inspector.Registry) error {
	return r.Register(Kind, Open)
}

type engine struct {
	pool     *pgxpool.Pool
	database string
}

var _ inspector.Engine = (*engine)(nil)

// buildConnectionString builds a PostgreSQL URL with proper escaping.
// All user-provided fields must be URL-escaped to handle special characters
// in passwords (e.g., @, /, #, ?) that would otherwise break URL parsing.
// When running in Docker, localhost is resolved to host.docker.internal.
func buildConnectionString(params inspector.ConnectParams) string {
	host := config.ResolveHostForDocker(params.Host)
	sslMode := params.ExtraString("ssl_mode", "prefer")

	return fmt.Sprintf(
		"postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(params.Username),
		url.QueryEscape(params.Password),
		host,
		params.Port,
		url.QueryEscape(params.Database),
		sslMode,
	)
}

// Open connects to a PostgreSQL datastore.
func Open(ctx context.Context, params inspector.ConnectParams) (inspector.Engine, error) {
	pool, err := pgxpool.New(ctx, buildConnectionString(params))
	if err != nil {
		return nil, &inspector.ConnectionError{Kind: Kind, Err: err}
	}
	return &engine{pool: pool, database: params.Database}, nil
}

func (e *engine) Kind() string { return Kind }

func (e *engine) Capabilities() inspector.Capabilities {
	return inspector.Capabilities{
		SupportsIndexes: true,
		SupportsViews:   true,
		SystemSchemas:   systemSchemas,
	}
}

func (e *engine) Close() error {
	e.pool.Close()
	return nil
}

func (e *engine) Version(ctx context.Context) (string, error) {
	var version string
	if err := e.pool.QueryRow(ctx, "SHOW server_version").Scan(&version); err != nil {
		return "", fmt.Errorf("failed to read server version: %w", err)
	}
	return version, nil
}

// VerifyConnection checks server connectivity, database access, and that we
// landed on the configured database rather than a driver default.
func (e *engine) VerifyConnection(ctx context.Context) error {
	if err := e.pool.Ping(ctx); err != nil {
		return &inspector.ConnectionError{Kind: Kind, Err: fmt.Errorf("ping failed: %w", err)}
	}

	var currentDB string
	if err := e.pool.QueryRow(ctx, "SELECT current_database()").Scan(&currentDB); err != nil {
		return &inspector.ConnectionError{Kind: Kind, Err: fmt.Errorf("test query failed: %w", err)}
	}
	if !strings.EqualFold(currentDB, e.database) {
		return &inspector.ConnectionError{
			Kind: Kind,
			Err:  fmt.Errorf("connected to database %q, expected %q", currentDB, e.database),
		}
	}
	return nil
}

func (e *engine) SchemaNames(ctx context.Context) ([]string, error) {
	const query = `
		SELECT nspname
		FROM pg_namespace
		WHERE nspname != ALL($1)
		  AND nspname NOT LIKE 'pg_toast%'
		  AND nspname NOT LIKE 'pg_temp%'
		ORDER BY nspname
	`

	rows, err := e.pool.Query(ctx, query, systemSchemas)
	if err != nil {
		return nil, fmt.Errorf("failed to query schemas: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan schema name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate schemas: %w", err)
	}
	return names, nil
}

// columnsQuery yields one row per column ordered by schema, table, ordinal.
// pg_index.indisprimary detects primary keys correctly even when they were
// created as unique indexes by an ORM.
const columnsQuery = `
	SELECT
		n.nspname AS schema_name,
		n.oid::text AS schema_ref,
		c.relname AS table_name,
		c.oid::text AS table_ref,
		CASE c.relkind
			WHEN 'v' THEN 'view'
			WHEN 'm' THEN 'view'
			WHEN 'f' THEN 'external'
			ELSE 'table'
		END AS table_kind,
		a.attname AS column_name,
		a.attnum AS ordinal,
		format_type(a.atttypid, NULL) AS data_type,
		information_schema._pg_char_max_length(a.atttypid, a.atttypmod)::bigint AS max_length,
		information_schema._pg_numeric_scale(a.atttypid, a.atttypmod)::bigint AS numeric_scale,
		NOT a.attnotnull AS is_nullable,
		COALESCE(ix.indisprimary, false) AS is_primary,
		pg_get_expr(ad.adbin, ad.adrelid) AS default_value,
		col_description(c.oid, a.attnum) AS comment
	FROM pg_attribute a
	JOIN pg_class c ON c.oid = a.attrelid
	JOIN pg_namespace n ON n.oid = c.relnamespace
	LEFT JOIN pg_attrdef ad ON ad.adrelid = c.oid AND ad.adnum = a.attnum
	LEFT JOIN pg_index ix ON ix.indrelid = c.oid AND a.attnum = ANY(ix.indkey) AND ix.indisprimary
	WHERE c.relkind IN ('r', 'p', 'v', 'm', 'f')
	  AND a.attnum > 0
	  AND NOT a.attisdropped
	  AND %s
	ORDER BY n.nspname, c.relname, a.attnum
`

func (e *engine) TablesAndViews(ctx context.Context, schemas ...string) (*inspector.TableStream, error) {
	var (
		query string
		args  []any
	)
	if len(schemas) > 0 {
		query = fmt.Sprintf(columnsQuery, "n.nspname = ANY($1)")
		args = []any{schemas}
	} else {
		query = fmt.Sprintf(columnsQuery, "n.nspname != ALL($1) AND n.nspname NOT LIKE 'pg_toast%%' AND n.nspname NOT LIKE 'pg_temp%%'")
		args = []any{systemSchemas}
	}

	rows, err := e.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns: %w", err)
	}

	return inspector.GroupColumns(func() (*inspector.ColumnRow, error) {
		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return nil, fmt.Errorf("failed to iterate columns: %w", err)
			}
			return nil, io.EOF
		}
		var row inspector.ColumnRow
		if err := rows.Scan(
			&row.SchemaName, &row.SchemaRef,
			&row.TableName, &row.TableRef, &row.TableKind,
			&row.Column.Name, &row.Column.Ordinal, &row.Column.DataType,
			&row.Column.MaxLength, &row.Column.NumericScale,
			&row.Column.Nullable, &row.Column.PrimaryKey,
			&row.Column.DefaultValue, &row.Column.Comment,
		); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		return &row, nil
	}, func() error {
		rows.Close()
		return nil
	}), nil
}

func (e *engine) Indexes(ctx context.Context, schemas ...string) ([]inspector.IndexEntry, error) {
	const indexQuery = `
		SELECT
			n.nspname AS schema_name,
			t.relname AS table_name,
			t.oid::text AS table_ref,
			i.relname AS index_name,
			ix.indisunique,
			ix.indisprimary,
			pg_get_indexdef(ix.indexrelid) AS definition,
			ARRAY(
				SELECT pg_get_indexdef(ix.indexrelid, k, true)
				FROM generate_series(1, ix.indnkeyatts) AS k
				ORDER BY k
			) AS column_names
		FROM pg_index ix
		JOIN pg_class t ON t.oid = ix.indrelid
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN pg_namespace n ON n.oid = t.relnamespace
		WHERE t.relkind IN ('r', 'p', 'm')
		  AND %s
		ORDER BY n.nspname, t.relname, i.relname
	`

	var (
		query string
		args  []any
	)
	if len(schemas) > 0 {
		query = fmt.Sprintf(indexQuery, "n.nspname = ANY($1)")
		args = []any{schemas}
	} else {
		query = fmt.Sprintf(indexQuery, "n.nspname != ALL($1) AND n.nspname NOT LIKE 'pg_toast%%' AND n.nspname NOT LIKE 'pg_temp%%'")
		args = []any{systemSchemas}
	}

	rows, err := e.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query indexes: %w", err)
	}
	defer rows.Close()

	var entries []inspector.IndexEntry
	for rows.Next() {
		var entry inspector.IndexEntry
		if err := rows.Scan(
			&entry.SchemaName, &entry.TableName, &entry.TableRef,
			&entry.Name, &entry.IsUnique, &entry.IsPrimary,
			&entry.Definition, &entry.Columns,
		); err != nil {
			return nil, fmt.Errorf("failed to scan index: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate indexes: %w", err)
	}
	return entries, nil
}
