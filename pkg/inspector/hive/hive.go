// Package hive implements the Hive inspection engine.
//
// Hive does not expose information_schema; instead the engine talks directly
// to the metastore database. The same logical queries run against either a
// MySQL or a PostgreSQL metastore, with identifier quoting and cast syntax
// substituted per dialect.
package hive

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/getmetamapper/metamapper-engine/pkg/config"
	"github.com/getmetamapper/metamapper-engine/pkg/inspector"
)

// Kind is the registry identifier for this engine.
const Kind = "hive"

// DialectExtra selects the metastore backend: "mysql" (default) or
// "postgres".
const DialectExtra = "metastore_dialect"

// Register adds the hive factory to the registry.
func Register(r *inspector.Registry) error {
	return r.Register(Kind, Open)
}

type engine struct {
	db      *sql.DB
	dialect string
}

var _ inspector.Engine = (*engine)(nil)

// metastoreIdents are every identifier the query templates reference. A
// PostgreSQL metastore creates them as quoted uppercase names; MySQL leaves
// them bare.
var metastoreIdents = []string{
	"DBS", "TBLS", "SDS", "COLUMNS_V2", "PARTITION_KEYS", "VERSION",
	"DB_ID", "NAME", "TBL_ID", "TBL_NAME", "TBL_TYPE", "SD_ID", "CD_ID",
	"COLUMN_NAME", "TYPE_NAME", "INTEGER_IDX", "COMMENT",
	"PKEY_NAME", "PKEY_TYPE", "PKEY_COMMENT", "SCHEMA_VERSION",
}

// substitute renders a query template for the metastore dialect. Identifier
// placeholders look like {TBLS}; {STRCAST} picks the string cast type
// because MySQL only accepts CHAR in CAST while PostgreSQL would pad it.
func substitute(template, dialect string) string {
	for _, ident := range metastoreIdents {
		repl := ident
		if dialect == "postgres" {
			repl = `"` + ident + `"`
		}
		template = strings.ReplaceAll(template, "{"+ident+"}", repl)
	}
	cast := "CHAR(32)"
	if dialect == "postgres" {
		cast = "VARCHAR(32)"
	}
	return strings.ReplaceAll(template, "{STRCAST}", cast)
}

// placeholder returns the dialect's positional parameter marker.
func placeholder(dialect string, n int) string {
	if dialect == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Open connects to the Hive metastore database.
func Open(ctx context.Context, params inspector.ConnectParams) (inspector.Engine, error) {
	dialect := params.ExtraString(DialectExtra, "mysql")
	host := config.ResolveHostForDocker(params.Host)

	var (
		db  *sql.DB
		err error
	)
	switch dialect {
	case "mysql":
		cfg := mysql.NewConfig()
		cfg.User = params.Username
		cfg.Passwd = params.Password
		cfg.Net = "tcp"
		cfg.Addr = fmt.Sprintf("%s:%d", host, params.Port)
		cfg.DBName = params.Database
		cfg.Timeout = 10 * time.Second
		db, err = sql.Open("mysql", cfg.FormatDSN())
	case "postgres":
		dsn := fmt.Sprintf(
			"postgresql://%s:%s@%s:%d/%s?sslmode=%s",
			url.QueryEscape(params.Username),
			url.QueryEscape(params.Password),
			host,
			params.Port,
			url.QueryEscape(params.Database),
			params.ExtraString("ssl_mode", "prefer"),
		)
		db, err = sql.Open("pgx", dsn)
	default:
		return nil, fmt.Errorf("unsupported hive metastore dialect %q", dialect)
	}
	if err != nil {
		return nil, &inspector.ConnectionError{Kind: Kind, Err: err}
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxIdleTime(time.Minute)

	return &engine{db: db, dialect: dialect}, nil
}

func (e *engine) Kind() string { return Kind }

func (e *engine) Capabilities() inspector.Capabilities {
	return inspector.Capabilities{
		SupportsIndexes: false,
		SupportsViews:   true,
		SystemSchemas:   []string{"sys", "information_schema"},
	}
}

func (e *engine) Close() error { return e.db.Close() }

// Version reports the metastore schema version; Hive server versions are
// not recorded in the metastore.
func (e *engine) Version(ctx context.Context) (string, error) {
	query := substitute(`SELECT {SCHEMA_VERSION} FROM {VERSION}`, e.dialect)

	var version string
	if err := e.db.QueryRowContext(ctx, query).Scan(&version); err != nil {
		return "", fmt.Errorf("failed to read metastore version: %w", err)
	}
	return version, nil
}

func (e *engine) VerifyConnection(ctx context.Context) error {
	if err := e.db.PingContext(ctx); err != nil {
		return &inspector.ConnectionError{Kind: Kind, Err: fmt.Errorf("ping failed: %w", err)}
	}

	var count int64
	query := substitute(`SELECT COUNT(*) FROM {DBS}`, e.dialect)
	if err := e.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return &inspector.ConnectionError{Kind: Kind, Err: fmt.Errorf("metastore query failed: %w", err)}
	}
	return nil
}

func (e *engine) SchemaNames(ctx context.Context) ([]string, error) {
	query := substitute(`SELECT d.{NAME} FROM {DBS} d ORDER BY d.{NAME}`, e.dialect)

	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query metastore databases: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan database name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate databases: %w", err)
	}
	return names, nil
}

// columnsTemplate unions regular columns with partition keys. Partition keys
// sort after data columns via the 1000 ordinal offset, matching how Hive
// itself describes tables.
const columnsTemplate = `
	SELECT schema_name, schema_ref, table_name, table_ref, table_kind,
	       column_name, ordinal, data_type, col_comment
	FROM (
		SELECT
			d.{NAME} AS schema_name,
			CAST(d.{DB_ID} AS {STRCAST}) AS schema_ref,
			t.{TBL_NAME} AS table_name,
			CAST(t.{TBL_ID} AS {STRCAST}) AS table_ref,
			CASE t.{TBL_TYPE}
				WHEN 'VIRTUAL_VIEW' THEN 'view'
				WHEN 'EXTERNAL_TABLE' THEN 'external'
				ELSE 'table'
			END AS table_kind,
			c.{COLUMN_NAME} AS column_name,
			c.{INTEGER_IDX} + 1 AS ordinal,
			c.{TYPE_NAME} AS data_type,
			c.{COMMENT} AS col_comment
		FROM {DBS} d
		JOIN {TBLS} t ON t.{DB_ID} = d.{DB_ID}
		JOIN {SDS} s ON s.{SD_ID} = t.{SD_ID}
		JOIN {COLUMNS_V2} c ON c.{CD_ID} = s.{CD_ID}
		UNION ALL
		SELECT
			d.{NAME},
			CAST(d.{DB_ID} AS {STRCAST}),
			t.{TBL_NAME},
			CAST(t.{TBL_ID} AS {STRCAST}),
			CASE t.{TBL_TYPE}
				WHEN 'VIRTUAL_VIEW' THEN 'view'
				WHEN 'EXTERNAL_TABLE' THEN 'external'
				ELSE 'table'
			END,
			p.{PKEY_NAME},
			p.{INTEGER_IDX} + 1001,
			p.{PKEY_TYPE},
			p.{PKEY_COMMENT}
		FROM {DBS} d
		JOIN {TBLS} t ON t.{DB_ID} = d.{DB_ID}
		JOIN {PARTITION_KEYS} p ON p.{TBL_ID} = t.{TBL_ID}
	) defs
	WHERE %s
	ORDER BY schema_name, table_name, ordinal
`

func (e *engine) TablesAndViews(ctx context.Context, schemas ...string) (*inspector.TableStream, error) {
	var (
		filter string
		args   []any
	)
	if len(schemas) > 0 {
		placeholders := make([]string, len(schemas))
		for i, s := range schemas {
			placeholders[i] = placeholder(e.dialect, i+1)
			args = append(args, s)
		}
		filter = "schema_name IN (" + strings.Join(placeholders, ", ") + ")"
	} else {
		filter = "1 = 1"
	}

	query := fmt.Sprintf(substitute(columnsTemplate, e.dialect), filter)

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query metastore columns: %w", err)
	}

	return inspector.GroupColumns(func() (*inspector.ColumnRow, error) {
		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return nil, fmt.Errorf("failed to iterate metastore columns: %w", err)
			}
			return nil, io.EOF
		}
		var row inspector.ColumnRow
		if err := rows.Scan(
			&row.SchemaName, &row.SchemaRef,
			&row.TableName, &row.TableRef, &row.TableKind,
			&row.Column.Name, &row.Column.Ordinal, &row.Column.DataType,
			&row.Column.Comment,
		); err != nil {
			return nil, fmt.Errorf("failed to scan metastore column: %w", err)
		}
		// The metastore records neither nullability nor keys.
		row.Column.Nullable = true
		return &row, nil
	}, rows.Close), nil
}

// Indexes returns nothing; Hive dropped index support in 3.0.
func (e *engine) Indexes(ctx context.Context, schemas ...string) ([]inspector.IndexEntry, error) {
	return []inspector.IndexEntry{}, nil
}
