// Package revisioner reconciles a collected schema batch against the
// committed catalog and emits revisions describing every difference.
// Revisions are append-only; nothing here mutates the catalog.
package revisioner

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/getmetamapper/metamapper-engine/pkg/collector"
	"github.com/getmetamapper/metamapper-engine/pkg/models"
	"github.com/getmetamapper/metamapper-engine/pkg/objectid"
)

// SchemaState is the committed catalog content for one schema: the live
// (non-deleted) rows a batch is reconciled against.
type SchemaState struct {
	Schema         *models.Schema // nil when the schema has never been seen
	Tables         []models.Table
	ColumnsByTable map[uuid.UUID][]models.Column
	IndexesByTable map[uuid.UUID][]models.Index
}

// Reconciler matches observed definitions to committed rows and produces
// revisions. Stateless; safe to share.
type Reconciler struct {
	logger *zap.Logger
}

// New creates a Reconciler.
func New(logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{logger: logger.Named("revisioner")}
}

// Reconcile compares one batch against the committed state and returns the
// revisions for it, ordered parent-first so they can be applied in sequence.
//
// Matching runs down a ladder: stable object_id first, then vendor ref
// within the matched parent (a rename keeps its ref), then display name
// within the matched parent (a drop-and-recreate keeps its name). Anything
// left unmatched on both sides becomes ADDED or REMOVED; matched rows
// produce MODIFIED when any field differs and TOUCHED otherwise.
func (r *Reconciler) Reconcile(runID uuid.UUID, batch *collector.Batch, state *SchemaState) ([]models.Revision, error) {
	if batch == nil {
		return nil, fmt.Errorf("batch must not be nil")
	}
	if state == nil {
		state = &SchemaState{}
	}

	var revisions []models.Revision
	emit := func(rev models.Revision) {
		rev.RunID = runID
		rev.ID = uuid.New()
		revisions = append(revisions, rev)
	}

	schemaRowID := r.reconcileSchema(batch, state, emit)
	r.reconcileTables(batch, state, schemaRowID, emit)
	return revisions, nil
}

func (r *Reconciler) reconcileSchema(batch *collector.Batch, state *SchemaState, emit func(models.Revision)) uuid.UUID {
	observed := map[string]any{
		"name":       batch.SchemaName,
		"object_id":  batch.SchemaOID.String(),
		"object_ref": batch.SchemaRef,
	}

	if state.Schema == nil {
		rowID := uuid.New()
		emit(models.Revision{
			Action:     models.RevisionAdded,
			Resource:   models.ResourceSchema,
			ResourceID: batch.SchemaOID,
			Metadata:   models.RevisionMetadata{RowID: rowID, New: observed},
		})
		return rowID
	}

	committed := map[string]any{
		"name":       state.Schema.Name,
		"object_id":  state.Schema.ObjectID.String(),
		"object_ref": strValue(state.Schema.ObjectRef),
	}

	emitMatch(emit, models.ResourceSchema, batch.SchemaOID, objectid.Nil, state.Schema.ID, committed, observed)
	return state.Schema.ID
}

func (r *Reconciler) reconcileTables(batch *collector.Batch, state *SchemaState, schemaRowID uuid.UUID, emit func(models.Revision)) {
	matched := make(map[uuid.UUID]*collector.TableDef, len(batch.Tables))

	byOID := make(map[objectid.OID]*models.Table, len(state.Tables))
	byRef := make(map[string]*models.Table, len(state.Tables))
	byName := make(map[string]*models.Table, len(state.Tables))
	for i := range state.Tables {
		t := &state.Tables[i]
		byOID[t.ObjectID] = t
		if t.ObjectRef != nil && *t.ObjectRef != "" {
			byRef[*t.ObjectRef] = t
		}
		byName[t.Name] = t
	}

	for i := range batch.Tables {
		observed := &batch.Tables[i]

		var committed *models.Table
		if t, ok := byOID[observed.OID]; ok {
			committed = t
		} else if t, ok := byRef[observed.Ref]; ok && observed.Ref != "" {
			committed = t
		} else if t, ok := byName[observed.Name]; ok {
			committed = t
		}
		if committed != nil {
			if _, taken := matched[committed.ID]; taken {
				committed = nil // a prior observation claimed this row
			}
		}

		if committed == nil {
			rowID := uuid.New()
			fields := observedTableFields(observed, schemaRowID)
			emit(models.Revision{
				Action:     models.RevisionAdded,
				Resource:   models.ResourceTable,
				ResourceID: observed.OID,
				ParentID:   batch.SchemaOID,
				Metadata:   models.RevisionMetadata{RowID: rowID, New: fields},
			})
			r.reconcileColumns(observed, rowID, nil, emit)
			r.reconcileIndexes(observed, rowID, nil, emit)
			continue
		}

		matched[committed.ID] = observed
		emitMatch(emit, models.ResourceTable, observed.OID, batch.SchemaOID, committed.ID,
			committedTableFields(committed, schemaRowID), observedTableFields(observed, schemaRowID))

		// A table observed with no columns at all is treated as a read
		// anomaly, not as every column having been dropped.
		if len(observed.Columns) == 0 && len(state.ColumnsByTable[committed.ID]) > 0 {
			r.logger.Warn("Table observed with zero columns; skipping column reconciliation",
				zap.String("schema", batch.SchemaName),
				zap.String("table", observed.Name))
			for _, col := range state.ColumnsByTable[committed.ID] {
				emit(models.Revision{
					Action:     models.RevisionTouched,
					Resource:   models.ResourceColumn,
					ResourceID: col.ObjectID,
					ParentID:   observed.OID,
					Metadata:   models.RevisionMetadata{RowID: col.ID},
				})
			}
		} else {
			r.reconcileColumns(observed, committed.ID, state.ColumnsByTable[committed.ID], emit)
		}
		r.reconcileIndexes(observed, committed.ID, state.IndexesByTable[committed.ID], emit)
	}

	for i := range state.Tables {
		committed := &state.Tables[i]
		if _, ok := matched[committed.ID]; ok {
			continue
		}
		emit(models.Revision{
			Action:     models.RevisionRemoved,
			Resource:   models.ResourceTable,
			ResourceID: committed.ObjectID,
			ParentID:   batch.SchemaOID,
			Metadata:   models.RevisionMetadata{RowID: committed.ID},
		})
		for _, col := range state.ColumnsByTable[committed.ID] {
			emit(models.Revision{
				Action:     models.RevisionRemoved,
				Resource:   models.ResourceColumn,
				ResourceID: col.ObjectID,
				ParentID:   committed.ObjectID,
				Metadata:   models.RevisionMetadata{RowID: col.ID},
			})
		}
		for _, idx := range state.IndexesByTable[committed.ID] {
			emit(models.Revision{
				Action:     models.RevisionRemoved,
				Resource:   models.ResourceIndex,
				ResourceID: idx.ObjectID,
				ParentID:   committed.ObjectID,
				Metadata:   models.RevisionMetadata{RowID: idx.ID},
			})
		}
	}
}

func (r *Reconciler) reconcileColumns(table *collector.TableDef, tableRowID uuid.UUID, committed []models.Column, emit func(models.Revision)) {
	matched := make(map[uuid.UUID]bool, len(table.Columns))

	byOID := make(map[objectid.OID]*models.Column, len(committed))
	byName := make(map[string]*models.Column, len(committed))
	for i := range committed {
		c := &committed[i]
		byOID[c.ObjectID] = c
		byName[c.Name] = c
	}

	for i := range table.Columns {
		observed := &table.Columns[i]

		var match *models.Column
		if c, ok := byOID[observed.OID]; ok {
			match = c
		} else if c, ok := byName[observed.Name]; ok && !matched[c.ID] {
			match = c
		}

		if match == nil {
			emit(models.Revision{
				Action:     models.RevisionAdded,
				Resource:   models.ResourceColumn,
				ResourceID: observed.OID,
				ParentID:   table.OID,
				Metadata: models.RevisionMetadata{
					RowID: uuid.New(),
					New:   observedColumnFields(observed, tableRowID),
				},
			})
			continue
		}

		matched[match.ID] = true
		emitMatch(emit, models.ResourceColumn, observed.OID, table.OID, match.ID,
			committedColumnFields(match, tableRowID), observedColumnFields(observed, tableRowID))
	}

	for i := range committed {
		c := &committed[i]
		if matched[c.ID] {
			continue
		}
		emit(models.Revision{
			Action:     models.RevisionRemoved,
			Resource:   models.ResourceColumn,
			ResourceID: c.ObjectID,
			ParentID:   table.OID,
			Metadata:   models.RevisionMetadata{RowID: c.ID},
		})
	}
}

func (r *Reconciler) reconcileIndexes(table *collector.TableDef, tableRowID uuid.UUID, committed []models.Index, emit func(models.Revision)) {
	matched := make(map[uuid.UUID]bool, len(table.Indexes))

	byOID := make(map[objectid.OID]*models.Index, len(committed))
	byName := make(map[string]*models.Index, len(committed))
	for i := range committed {
		idx := &committed[i]
		byOID[idx.ObjectID] = idx
		byName[idx.Name] = idx
	}

	for i := range table.Indexes {
		observed := &table.Indexes[i]

		var match *models.Index
		if idx, ok := byOID[observed.OID]; ok {
			match = idx
		} else if idx, ok := byName[observed.Name]; ok && !matched[idx.ID] {
			match = idx
		}

		if match == nil {
			emit(models.Revision{
				Action:     models.RevisionAdded,
				Resource:   models.ResourceIndex,
				ResourceID: observed.OID,
				ParentID:   table.OID,
				Metadata: models.RevisionMetadata{
					RowID: uuid.New(),
					New:   observedIndexFields(observed, tableRowID),
				},
			})
			continue
		}

		matched[match.ID] = true
		emitMatch(emit, models.ResourceIndex, observed.OID, table.OID, match.ID,
			committedIndexFields(match, tableRowID), observedIndexFields(observed, tableRowID))
	}

	for i := range committed {
		idx := &committed[i]
		if matched[idx.ID] {
			continue
		}
		emit(models.Revision{
			Action:     models.RevisionRemoved,
			Resource:   models.ResourceIndex,
			ResourceID: idx.ObjectID,
			ParentID:   table.OID,
			Metadata:   models.RevisionMetadata{RowID: idx.ID},
		})
	}
}

// emitMatch diffs a matched pair field by field and emits MODIFIED with the
// changed fields, or TOUCHED when nothing differs.
func emitMatch(emit func(models.Revision), resource models.RevisionResource, oid, parent objectid.OID, rowID uuid.UUID, committed, observed map[string]any) {
	oldFields, newFields := diffFields(committed, observed)
	if len(newFields) == 0 {
		emit(models.Revision{
			Action:     models.RevisionTouched,
			Resource:   resource,
			ResourceID: oid,
			ParentID:   parent,
			Metadata:   models.RevisionMetadata{RowID: rowID},
		})
		return
	}
	emit(models.Revision{
		Action:     models.RevisionModified,
		Resource:   resource,
		ResourceID: oid,
		ParentID:   parent,
		Metadata:   models.RevisionMetadata{RowID: rowID, Old: oldFields, New: newFields},
	})
}

// diffFields returns the old and new values for keys whose values differ.
// Every field is compared explicitly; there is no dirty tracking to trust.
func diffFields(committed, observed map[string]any) (map[string]any, map[string]any) {
	var oldFields, newFields map[string]any
	for key, newValue := range observed {
		oldValue := committed[key]
		if fieldsEqual(oldValue, newValue) {
			continue
		}
		if newFields == nil {
			oldFields = make(map[string]any)
			newFields = make(map[string]any)
		}
		oldFields[key] = oldValue
		newFields[key] = newValue
	}
	return oldFields, newFields
}

func fieldsEqual(a, b any) bool {
	as, aok := a.([]string)
	bs, bok := b.([]string)
	if aok && bok {
		if len(as) != len(bs) {
			return false
		}
		for i := range as {
			if as[i] != bs[i] {
				return false
			}
		}
		return true
	}
	return a == b
}
