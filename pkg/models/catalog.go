package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/getmetamapper/metamapper-engine/pkg/objectid"
)

// TableKind classifies a catalog table entry.
const (
	TableKindTable    = "table"
	TableKindView     = "view"
	TableKindExternal = "external"
)

// Schema is a committed catalog schema row. ObjectID is the stable,
// content-derived identifier; ObjectRef is the vendor-native identifier kept
// only as a secondary matching aid.
type Schema struct {
	ID          uuid.UUID    `json:"id"`
	WorkspaceID uuid.UUID    `json:"workspace_id"`
	DatastoreID uuid.UUID    `json:"datastore_id"`
	Name        string       `json:"name"`
	ObjectID    objectid.OID `json:"object_id"`
	ObjectRef   *string      `json:"object_ref,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	DeletedAt   *time.Time   `json:"deleted_at,omitempty"`
}

// Table is a committed catalog table row scoped to a schema.
type Table struct {
	ID          uuid.UUID    `json:"id"`
	WorkspaceID uuid.UUID    `json:"workspace_id"`
	SchemaID    uuid.UUID    `json:"schema_id"`
	Name        string       `json:"name"`
	Kind        string       `json:"kind"`
	ObjectID    objectid.OID `json:"object_id"`
	ObjectRef   *string      `json:"object_ref,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	DeletedAt   *time.Time   `json:"deleted_at,omitempty"`
}

// Column is a committed catalog column row scoped to a table. Ordinal is the
// display order reported by the source database and is semantically
// meaningful.
type Column struct {
	ID           uuid.UUID    `json:"id"`
	WorkspaceID  uuid.UUID    `json:"workspace_id"`
	TableID      uuid.UUID    `json:"table_id"`
	Name         string       `json:"name"`
	ObjectID     objectid.OID `json:"object_id"`
	ObjectRef    *string      `json:"object_ref,omitempty"`
	Ordinal      int          `json:"ordinal"`
	DataType     string       `json:"data_type"`
	MaxLength    *int64       `json:"max_length,omitempty"`
	NumericScale *int64       `json:"numeric_scale,omitempty"`
	Nullable     bool         `json:"nullable"`
	PrimaryKey   bool         `json:"primary_key"`
	DefaultValue *string      `json:"default_value,omitempty"`
	Comment      *string      `json:"comment,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	DeletedAt    *time.Time   `json:"deleted_at,omitempty"`
}

// Index is a committed catalog index row scoped to a table.
type Index struct {
	ID          uuid.UUID     `json:"id"`
	WorkspaceID uuid.UUID     `json:"workspace_id"`
	TableID     uuid.UUID     `json:"table_id"`
	Name        string        `json:"name"`
	ObjectID    objectid.OID  `json:"object_id"`
	ObjectRef   *string       `json:"object_ref,omitempty"`
	IsUnique    bool          `json:"is_unique"`
	IsPrimary   bool          `json:"is_primary"`
	Definition  *string       `json:"definition,omitempty"`
	Columns     []IndexColumn `json:"columns,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	DeletedAt   *time.Time    `json:"deleted_at,omitempty"`
}

// IndexColumn is one member column of an index, in index order.
type IndexColumn struct {
	ID        uuid.UUID `json:"id"`
	IndexID   uuid.UUID `json:"index_id"`
	Name      string    `json:"column_name"`
	Ordinal   int       `json:"ordinal"`
	CreatedAt time.Time `json:"created_at"`
}
