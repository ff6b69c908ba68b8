// Package mysql implements the MySQL / MariaDB inspection engine.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/getmetamapper/metamapper-engine/pkg/config"
	"github.com/getmetamapper/metamapper-engine/pkg/inspector"
)

// Kind is the registry identifier for this engine.
const Kind = "mysql"

var systemSchemas = []string{"mysql", "information_schema", "performance_schema", "sys"}

// Register adds the mysql factory to the registry.
func Register(r *inspector.Registry) error {
	return r.Register(Kind, Open)
}

type engine struct {
	db       *sql.DB
	database string
}

var _ inspector.Engine = (*engine)(nil)

// Open connects to a MySQL server. mysql.Config handles credential escaping;
// never build the DSN by string concatenation.
func Open(ctx context.Context, params inspector.ConnectParams) (inspector.Engine, error) {
	cfg := mysql.NewConfig()
	cfg.User = params.Username
	cfg.Passwd = params.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", config.ResolveHostForDocker(params.Host), params.Port)
	cfg.DBName = params.Database
	cfg.Timeout = 10 * time.Second
	cfg.ReadTimeout = 5 * time.Minute
	cfg.ParseTime = true

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, &inspector.ConnectionError{Kind: Kind, Err: err}
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxIdleTime(time.Minute)

	return &engine{db: db, database: params.Database}, nil
}

func (e *engine) Kind() string { return Kind }

func (e *engine) Capabilities() inspector.Capabilities {
	return inspector.Capabilities{
		SupportsIndexes: true,
		SupportsViews:   true,
		SystemSchemas:   systemSchemas,
	}
}

func (e *engine) Close() error { return e.db.Close() }

func (e *engine) Version(ctx context.Context) (string, error) {
	var version string
	if err := e.db.QueryRowContext(ctx, "SELECT VERSION()").Scan(&version); err != nil {
		return "", fmt.Errorf("failed to read server version: %w", err)
	}
	return version, nil
}

func (e *engine) VerifyConnection(ctx context.Context) error {
	if err := e.db.PingContext(ctx); err != nil {
		return &inspector.ConnectionError{Kind: Kind, Err: fmt.Errorf("ping failed: %w", err)}
	}

	var result int
	if err := e.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return &inspector.ConnectionError{Kind: Kind, Err: fmt.Errorf("test query failed: %w", err)}
	}
	return nil
}

// SchemaNames lists databases; in MySQL a database and a schema are the same
// object.
func (e *engine) SchemaNames(ctx context.Context) ([]string, error) {
	const query = `
		SELECT schema_name
		FROM information_schema.schemata
		WHERE schema_name NOT IN ('mysql', 'information_schema', 'performance_schema', 'sys')
		ORDER BY schema_name
	`

	rows, err := e.db.QueryContext(ctx, query)
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

const columnsQuery = `
	SELECT
		c.table_schema AS schema_name,
		c.table_schema AS schema_ref,
		c.table_name,
		CONCAT(c.table_schema, '.', c.table_name) AS table_ref,
		CASE t.table_type WHEN 'VIEW' THEN 'view' ELSE 'table' END AS table_kind,
		c.column_name,
		c.ordinal_position AS ordinal,
		c.data_type,
		COALESCE(c.character_maximum_length, c.numeric_precision) AS max_length,
		c.numeric_scale,
		c.is_nullable = 'YES' AS is_nullable,
		c.column_key = 'PRI' AS is_primary,
		c.column_default,
		NULLIF(c.column_comment, '') AS comment
	FROM information_schema.columns c
	JOIN information_schema.tables t
		ON t.table_schema = c.table_schema AND t.table_name = c.table_name
	WHERE %s
	ORDER BY c.table_schema, c.table_name, c.ordinal_position
`

func schemaFilter(column string, schemas []string, args *[]any) string {
	if len(schemas) == 0 {
		return fmt.Sprintf("%s NOT IN ('mysql', 'information_schema', 'performance_schema', 'sys')", column)
	}
	placeholders := make([]string, len(schemas))
	for i, s := range schemas {
		placeholders[i] = "?"
		*args = append(*args, s)
	}
	return fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholders, ", "))
}

func (e *engine) TablesAndViews(ctx context.Context, schemas ...string) (*inspector.TableStream, error) {
	var args []any
	query := fmt.Sprintf(columnsQuery, schemaFilter("c.table_schema", schemas, &args))

	rows, err := e.db.QueryContext(ctx, query, args...)
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
	}, rows.Close), nil
}

func (e *engine) Indexes(ctx context.Context, schemas ...string) ([]inspector.IndexEntry, error) {
	const indexQuery = `
		SELECT
			s.table_schema AS schema_name,
			s.table_name,
			CONCAT(s.table_schema, '.', s.table_name) AS table_ref,
			s.index_name,
			s.non_unique = 0 AS is_unique,
			s.index_name = 'PRIMARY' AS is_primary,
			s.column_name,
			s.seq_in_index
		FROM information_schema.statistics s
		WHERE %s
		ORDER BY s.table_schema, s.table_name, s.index_name, s.seq_in_index
	`

	var args []any
	query := fmt.Sprintf(indexQuery, schemaFilter("s.table_schema", schemas, &args))

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query indexes: %w", err)
	}
	defer rows.Close()

	var entries []inspector.IndexEntry
	var current *inspector.IndexEntry
	for rows.Next() {
		var (
			schemaName, tableName, tableRef, indexName, columnName string
			isUnique, isPrimary                                    bool
			seq                                                    int
		)
		if err := rows.Scan(&schemaName, &tableName, &tableRef, &indexName,
			&isUnique, &isPrimary, &columnName, &seq); err != nil {
			return nil, fmt.Errorf("failed to scan index: %w", err)
		}

		if current == nil || current.SchemaName != schemaName ||
			current.TableName != tableName || current.Name != indexName {
			entries = append(entries, inspector.IndexEntry{
				SchemaName: schemaName,
				TableName:  tableName,
				TableRef:   tableRef,
				Name:       indexName,
				IsUnique:   isUnique,
				IsPrimary:  isPrimary,
			})
			current = &entries[len(entries)-1]
		}
		current.Columns = append(current.Columns, columnName)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate indexes: %w", err)
	}
	return entries, nil
}
