// Package collector turns an engine's grouped definition stream into
// per-schema batches with stable object identifiers attached.
package collector

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/getmetamapper/metamapper-engine/pkg/inspector"
	"github.com/getmetamapper/metamapper-engine/pkg/objectid"
)

// ErrOutOfOrder means the engine broke the stream contract: each schema's
// tables arrive contiguously and each table appears once. A schema that
// reappears after its batch closed would scatter one schema across several
// batches and corrupt reconciliation, so collection aborts instead. Name
// ordering within the stream is the engine's collation and is not checked;
// byte comparison would reject valid case-insensitive orderings.
var ErrOutOfOrder = errors.New("definition stream is out of order")

// Batch is everything observed for one schema: the schema itself, its
// tables and views with columns, and their indexes. A batch is only ever
// yielded complete; a failed collection yields nothing for the failing
// schema.
type Batch struct {
	SchemaName string
	SchemaRef  string
	SchemaOID  objectid.OID
	Tables     []TableDef
}

// TableDef is one collected table with derived identifiers.
type TableDef struct {
	Name    string
	Ref     string
	Kind    string
	OID     objectid.OID
	Columns []ColumnDef
	Indexes []IndexDef
}

// ColumnDef is one collected column with its derived identifier.
type ColumnDef struct {
	inspector.ColumnEntry
	OID objectid.OID
}

// IndexDef is one collected index with its derived identifier.
type IndexDef struct {
	Name       string
	IsUnique   bool
	IsPrimary  bool
	Definition *string
	Columns    []string
	OID        objectid.OID
}

// Collector drives an engine and yields batches. Safe for reuse across
// runs; it holds no per-run state.
type Collector struct {
	logger *zap.Logger
}

// New creates a Collector.
func New(logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{logger: logger.Named("collector")}
}

// Collect streams definitions for the given schemas (all non-system schemas
// when empty) and invokes yield once per completed schema batch. Identifiers
// derive from root: schema from root and its name, table from its schema,
// and so on down. Indexes are fetched eagerly up front and joined to tables
// by vendor ref, never by display name.
//
// Any engine or yield error aborts collection; the batch under construction
// is discarded rather than yielded partially.
func (c *Collector) Collect(
	ctx context.Context,
	engine inspector.Engine,
	root objectid.OID,
	schemas []string,
	yield func(*Batch) error,
) error {
	indexesByTable, err := c.collectIndexes(ctx, engine, schemas)
	if err != nil {
		return err
	}

	stream, err := engine.TablesAndViews(ctx, schemas...)
	if err != nil {
		return fmt.Errorf("failed to open definition stream: %w", err)
	}
	defer stream.Close()

	var (
		batch       *Batch
		seenSchemas = make(map[string]bool)
		seenTables  map[string]bool
	)

	flush := func() error {
		if batch == nil {
			return nil
		}
		out := batch
		batch = nil
		seenSchemas[out.SchemaName] = true
		c.logger.Debug("Collected schema batch",
			zap.String("schema", out.SchemaName),
			zap.Int("tables", len(out.Tables)))
		return yield(out)
	}

	for {
		entry, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read definition stream: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if batch != nil && entry.SchemaName != batch.SchemaName {
			if err := flush(); err != nil {
				return err
			}
		}

		if batch == nil {
			if seenSchemas[entry.SchemaName] {
				return fmt.Errorf("%w: schema %q reappeared after its batch closed",
					ErrOutOfOrder, entry.SchemaName)
			}
			batch = &Batch{
				SchemaName: entry.SchemaName,
				SchemaRef:  entry.SchemaRef,
				SchemaOID:  objectid.Derive(root, entry.SchemaName),
			}
			seenTables = make(map[string]bool)
		}

		if seenTables[entry.TableName] {
			return fmt.Errorf("%w: table %q repeated in schema %q",
				ErrOutOfOrder, entry.TableName, entry.SchemaName)
		}
		seenTables[entry.TableName] = true

		batch.Tables = append(batch.Tables, c.buildTable(batch.SchemaOID, entry, indexesByTable))
	}

	return flush()
}

func (c *Collector) buildTable(schemaOID objectid.OID, entry *inspector.TableEntry, indexesByTable map[string][]inspector.IndexEntry) TableDef {
	tableOID := objectid.Derive(schemaOID, entry.TableName)

	table := TableDef{
		Name: entry.TableName,
		Ref:  entry.TableRef,
		Kind: entry.Kind,
		OID:  tableOID,
	}

	for _, col := range entry.Columns {
		table.Columns = append(table.Columns, ColumnDef{
			ColumnEntry: col,
			OID:         objectid.Derive(tableOID, col.Name),
		})
	}

	for _, idx := range indexesByTable[entry.TableRef] {
		table.Indexes = append(table.Indexes, IndexDef{
			Name:       idx.Name,
			IsUnique:   idx.IsUnique,
			IsPrimary:  idx.IsPrimary,
			Definition: idx.Definition,
			Columns:    idx.Columns,
			OID:        objectid.Derive(tableOID, idx.Name),
		})
	}
	return table
}

// collectIndexes fetches all indexes up front, keyed by vendor table ref.
// Collecting them lazily per table would race against concurrent DDL and
// join on display names, which rename under us; refs do not.
func (c *Collector) collectIndexes(ctx context.Context, engine inspector.Engine, schemas []string) (map[string][]inspector.IndexEntry, error) {
	if !engine.Capabilities().SupportsIndexes {
		return nil, nil
	}

	entries, err := engine.Indexes(ctx, schemas...)
	if err != nil {
		return nil, fmt.Errorf("failed to collect indexes: %w", err)
	}

	byTable := make(map[string][]inspector.IndexEntry, len(entries))
	for _, entry := range entries {
		byTable[entry.TableRef] = append(byTable[entry.TableRef], entry)
	}
	return byTable, nil
}
