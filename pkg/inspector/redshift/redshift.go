// Package redshift implements the Amazon Redshift inspection engine.
//
// Redshift speaks the PostgreSQL wire protocol but diverges from it in the
// system catalogs: there are no real indexes, primary keys are informational
// constraints, and external (Spectrum) tables live in their own views. The
// engine therefore shares the postgres connection handling but carries its
// own inspection SQL.
package redshift

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
const Kind = "redshift"

var systemSchemas = []string{"pg_catalog", "information_schema", "pg_internal"}

// Register adds the redshift factory to the registry.
func Register(r *inspector.Registry) error {
	return r.Register(Kind, Open)
}

type engine struct {
	pool     *pgxpool.Pool
	database string
}

var _ inspector.Engine = (*engine)(nil)

func buildConnectionString(params inspector.ConnectParams) string {
	host := config.ResolveHostForDocker(params.Host)
	sslMode := params.ExtraString("ssl_mode", "prefer")

	// Redshift rejects some extended-protocol statements; force the simple
	// protocol.
	return fmt.Sprintf(
		"postgresql://%s:%s@%s:%d/%s?sslmode=%s&default_query_exec_mode=simple_protocol",
		url.QueryEscape(params.Username),
		url.QueryEscape(params.Password),
		host,
		params.Port,
		url.QueryEscape(params.Database),
		sslMode,
	)
}

// Open connects to a Redshift cluster.
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
		SupportsIndexes: false,
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
	if err := e.pool.QueryRow(ctx, "SELECT version()").Scan(&version); err != nil {
		return "", fmt.Errorf("failed to read server version: %w", err)
	}
	return version, nil
}

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
		SELECT schema_name
		FROM information_schema.schemata
		WHERE schema_name NOT IN ('pg_catalog', 'information_schema', 'pg_internal')
		ORDER BY schema_name
	`

	rows, err := e.pool.Query(ctx, query)
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

// columnsQuery reads from information_schema rather than pg_attribute; the
// pg helper functions the postgres engine relies on do not exist on
// Redshift. Primary keys come from the informational pg_constraint entries.
const columnsQuery = `
	SELECT
		c.table_schema AS schema_name,
		c.table_schema AS schema_ref,
		c.table_name,
		c.table_schema || '.' || c.table_name AS table_ref,
		CASE t.table_type
			WHEN 'VIEW' THEN 'view'
			WHEN 'EXTERNAL TABLE' THEN 'external'
			ELSE 'table'
		END AS table_kind,
		c.column_name,
		c.ordinal_position AS ordinal,
		c.data_type,
		c.character_maximum_length::bigint AS max_length,
		c.numeric_scale::bigint AS numeric_scale,
		CASE WHEN c.is_nullable = 'YES' THEN true ELSE false END AS is_nullable,
		CASE WHEN pk.column_name IS NOT NULL THEN true ELSE false END AS is_primary,
		c.column_default,
		NULL AS comment
	FROM information_schema.columns c
	JOIN information_schema.tables t
		ON t.table_schema = c.table_schema AND t.table_name = c.table_name
	LEFT JOIN (
		SELECT n.nspname AS table_schema, cl.relname AS table_name, a.attname AS column_name
		FROM pg_constraint con
		JOIN pg_class cl ON cl.oid = con.conrelid
		JOIN pg_namespace n ON n.oid = cl.relnamespace
		JOIN pg_attribute a ON a.attrelid = cl.oid AND a.attnum = ANY(con.conkey)
		WHERE con.contype = 'p'
	) pk ON pk.table_schema = c.table_schema
		AND pk.table_name = c.table_name
		AND pk.column_name = c.column_name
	WHERE %s
	ORDER BY c.table_schema, c.table_name, c.ordinal_position
`

func (e *engine) TablesAndViews(ctx context.Context, schemas ...string) (*inspector.TableStream, error) {
	var (
		query string
		args  []any
	)
	if len(schemas) > 0 {
		placeholders := make([]string, len(schemas))
		for i, s := range schemas {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			args = append(args, s)
		}
		query = fmt.Sprintf(columnsQuery, "c.table_schema IN ("+strings.Join(placeholders, ", ")+")")
	} else {
		query = fmt.Sprintf(columnsQuery, "c.table_schema NOT IN ('pg_catalog', 'information_schema', 'pg_internal')")
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

// Indexes returns nothing; Redshift has no secondary indexes.
func (e *engine) Indexes(ctx context.Context, schemas ...string) ([]inspector.IndexEntry, error) {
	return []inspector.IndexEntry{}, nil
}
