// Package sqlserver implements the Microsoft SQL Server inspection engine.
package sqlserver

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	_ "github.com/microsoft/go-mssqldb"

	"github.com/getmetamapper/metamapper-engine/pkg/config"
	"github.com/getmetamapper/metamapper-engine/pkg/inspector"
)

// Kind is the registry identifier for this engine.
const Kind = "sqlserver"

var systemSchemas = []string{
	"sys", "INFORMATION_SCHEMA", "guest",
	"db_accessadmin", "db_backupoperator", "db_datareader", "db_datawriter",
	"db_ddladmin", "db_denydatareader", "db_denydatawriter", "db_owner",
	"db_securityadmin",
}

// Register adds the sqlserver factory to the registry.
func Register(r *inspector.Registry) error {
	return r.Register(Kind, Open)
}

type engine struct {
	db       *sql.DB
	database string
}

var _ inspector.Engine = (*engine)(nil)

func buildConnectionString(params inspector.ConnectParams) string {
	host := config.ResolveHostForDocker(params.Host)

	query := url.Values{}
	query.Set("database", params.Database)
	query.Set("app name", "metamapper-engine")
	if encrypt := params.ExtraString("encrypt", ""); encrypt != "" {
		query.Set("encrypt", encrypt)
	}

	u := &url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(params.Username, params.Password),
		Host:     fmt.Sprintf("%s:%d", host, params.Port),
		RawQuery: query.Encode(),
	}
	return u.String()
}

// Open connects to a SQL Server instance.
func Open(ctx context.Context, params inspector.ConnectParams) (inspector.Engine, error) {
	db, err := sql.Open("sqlserver", buildConnectionString(params))
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
	if err := e.db.QueryRowContext(ctx,
		"SELECT CAST(SERVERPROPERTY('productversion') AS NVARCHAR(128))").Scan(&version); err != nil {
		return "", fmt.Errorf("failed to read server version: %w", err)
	}
	return version, nil
}

func (e *engine) VerifyConnection(ctx context.Context) error {
	if err := e.db.PingContext(ctx); err != nil {
		return &inspector.ConnectionError{Kind: Kind, Err: fmt.Errorf("ping failed: %w", err)}
	}

	var currentDB string
	if err := e.db.QueryRowContext(ctx, "SELECT DB_NAME()").Scan(&currentDB); err != nil {
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
	query := fmt.Sprintf(`
		SELECT name
		FROM sys.schemas
		WHERE name NOT IN (%s)
		ORDER BY name
	`, quotedSystemSchemas())

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

func quotedSystemSchemas() string {
	quoted := make([]string, len(systemSchemas))
	for i, s := range systemSchemas {
		quoted[i] = "'" + s + "'"
	}
	return strings.Join(quoted, ", ")
}

// columnsQuery reads the sys catalog directly; object_id is the stable
// vendor ref that survives renames.
const columnsQuery = `
	SELECT
		s.name AS schema_name,
		CAST(s.schema_id AS VARCHAR(32)) AS schema_ref,
		o.name AS table_name,
		CAST(o.object_id AS VARCHAR(32)) AS table_ref,
		CASE o.type WHEN 'V' THEN 'view' ELSE 'table' END AS table_kind,
		c.name AS column_name,
		c.column_id AS ordinal,
		t.name AS data_type,
		CAST(c.max_length AS BIGINT) AS max_length,
		CAST(c.scale AS BIGINT) AS numeric_scale,
		c.is_nullable,
		CASE WHEN pk.column_id IS NOT NULL THEN 1 ELSE 0 END AS is_primary,
		d.definition AS default_value,
		CAST(ep.value AS NVARCHAR(4000)) AS comment
	FROM sys.objects o
	JOIN sys.schemas s ON s.schema_id = o.schema_id
	JOIN sys.columns c ON c.object_id = o.object_id
	JOIN sys.types t ON t.user_type_id = c.user_type_id
	LEFT JOIN sys.default_constraints d ON d.object_id = c.default_object_id
	LEFT JOIN (
		SELECT ic.object_id, ic.column_id
		FROM sys.index_columns ic
		JOIN sys.indexes i ON i.object_id = ic.object_id AND i.index_id = ic.index_id
		WHERE i.is_primary_key = 1
	) pk ON pk.object_id = c.object_id AND pk.column_id = c.column_id
	LEFT JOIN sys.extended_properties ep
		ON ep.major_id = o.object_id AND ep.minor_id = c.column_id AND ep.name = 'MS_Description'
	WHERE o.type IN ('U', 'V') AND %s
	ORDER BY s.name, o.name, c.column_id
`

func schemaFilter(column string, schemas []string, args *[]any) string {
	if len(schemas) == 0 {
		return fmt.Sprintf("%s NOT IN (%s)", column, quotedSystemSchemas())
	}
	placeholders := make([]string, len(schemas))
	for i, s := range schemas {
		placeholders[i] = fmt.Sprintf("@p%d", i+1)
		*args = append(*args, s)
	}
	return fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholders, ", "))
}

func (e *engine) TablesAndViews(ctx context.Context, schemas ...string) (*inspector.TableStream, error) {
	var args []any
	query := fmt.Sprintf(columnsQuery, schemaFilter("s.name", schemas, &args))

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
			s.name AS schema_name,
			o.name AS table_name,
			CAST(o.object_id AS VARCHAR(32)) AS table_ref,
			i.name AS index_name,
			i.is_unique,
			i.is_primary_key,
			c.name AS column_name,
			ic.key_ordinal
		FROM sys.indexes i
		JOIN sys.objects o ON o.object_id = i.object_id
		JOIN sys.schemas s ON s.schema_id = o.schema_id
		JOIN sys.index_columns ic ON ic.object_id = i.object_id AND ic.index_id = i.index_id
		JOIN sys.columns c ON c.object_id = ic.object_id AND c.column_id = ic.column_id
		WHERE i.name IS NOT NULL
		  AND o.type = 'U'
		  AND ic.key_ordinal > 0
		  AND %s
		ORDER BY s.name, o.name, i.name, ic.key_ordinal
	`

	var args []any
	query := fmt.Sprintf(indexQuery, schemaFilter("s.name", schemas, &args))

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
			ordinal                                                int
		)
		if err := rows.Scan(&schemaName, &tableName, &tableRef, &indexName,
			&isUnique, &isPrimary, &columnName, &ordinal); err != nil {
			return nil, fmt.Errorf("failed to scan index: %w", err)
		}

		if current == nil || current.TableRef != tableRef || current.Name != indexName {
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
