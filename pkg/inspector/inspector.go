// Package inspector defines the engine abstraction for reading schema
// definitions out of external databases. Each supported engine lives in its
// own subpackage and registers a factory with the Registry.
package inspector

import (
	"context"
	"fmt"

	"github.com/getmetamapper/metamapper-engine/pkg/retry"
)

// ConnectParams carries everything an engine needs to reach a datastore.
// When the datastore is tunneled, Host and Port point at the local end of
// the SSH tunnel rather than the datastore itself. Password must never be
// logged.
type ConnectParams struct {
	Host     string
	Port     int
	Username string
	Password string
	Database string
	Extras   map[string]any
}

// ExtraString reads an engine-specific string option with a fallback.
func (p ConnectParams) ExtraString(key, fallback string) string {
	if v, ok := p.Extras[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

// Capabilities describes what a given engine can surface. SystemSchemas are
// excluded from inspection and from schema listings.
type Capabilities struct {
	SupportsIndexes bool
	SupportsViews   bool
	SystemSchemas   []string
}

// IsSystemSchema reports whether name is an engine-internal schema.
func (c Capabilities) IsSystemSchema(name string) bool {
	for _, s := range c.SystemSchemas {
		if s == name {
			return true
		}
	}
	return false
}

// Engine reads schema definitions from one connected datastore. An Engine is
// bound to a single connection at construction and is not safe for
// concurrent use unless the implementation says otherwise.
type Engine interface {
	// Kind returns the engine identifier ("postgres", "mysql", ...).
	Kind() string

	// Capabilities reports what this engine can surface.
	Capabilities() Capabilities

	// Version returns the backing database version string.
	Version(ctx context.Context) (string, error)

	// VerifyConnection performs a cheap liveness check. Failures are
	// returned as *ConnectionError.
	VerifyConnection(ctx context.Context) error

	// SchemaNames lists non-system schema names, sorted ascending.
	SchemaNames(ctx context.Context) ([]string, error)

	// TablesAndViews streams table and view definitions with their full
	// column lists for the given schemas. Each schema's tables arrive
	// contiguously and each table appears once; within that, engines emit
	// their own collation order, which need not match byte order. With no
	// schemas given, all non-system schemas are streamed.
	TablesAndViews(ctx context.Context, schemas ...string) (*TableStream, error)

	// Indexes returns index definitions for the given schemas, eagerly.
	// Entries carry the vendor-native table ref so they can be joined back
	// to tables independently of display names. Engines without index
	// support return an empty slice.
	Indexes(ctx context.Context, schemas ...string) ([]IndexEntry, error)

	// Close releases the underlying connection.
	Close() error
}

// TableEntry is one table or view with its full column list as read from the
// source database.
type TableEntry struct {
	SchemaName string
	SchemaRef  string // vendor-native schema identifier (e.g. pg_namespace oid)
	TableName  string
	TableRef   string // vendor-native table identifier
	Kind       string // "table", "view" or "external"
	Columns    []ColumnEntry
}

// ColumnEntry is one column definition within a TableEntry, in source
// ordinal order.
type ColumnEntry struct {
	Name         string
	Ordinal      int
	DataType     string
	MaxLength    *int64
	NumericScale *int64
	Nullable     bool
	PrimaryKey   bool
	DefaultValue *string
	Comment      *string
}

// IndexEntry is one index definition. TableRef joins the entry back to its
// table by vendor identifier; display names can drift between the table pass
// and the index pass, refs cannot.
type IndexEntry struct {
	SchemaName string
	TableName  string
	TableRef   string
	Name       string
	IsUnique   bool
	IsPrimary  bool
	Definition *string
	Columns    []string // member column names in index order
}

// ConnectionError marks a failure to reach or authenticate against the
// source database, as opposed to a failure while reading definitions.
type ConnectionError struct {
	Kind string // engine kind
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s connection failed: %v", e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsRetryable defers to the wrapped error; refused and reset connections
// retry, credential failures do not.
func (e *ConnectionError) IsRetryable() bool { return retry.IsRetryable(e.Err) }
