package revisioner

import (
	"github.com/google/uuid"

	"github.com/getmetamapper/metamapper-engine/pkg/collector"
	"github.com/getmetamapper/metamapper-engine/pkg/models"
)

// Field maps are the revision payloads: every comparable attribute of a
// resource, normalized so observed and committed sides compare with ==.
// Nullable values appear as nil rather than empty strings so "no default"
// and "default of empty string" stay distinct.

func observedTableFields(t *collector.TableDef, schemaRowID uuid.UUID) map[string]any {
	return map[string]any{
		"schema_id":  schemaRowID.String(),
		"name":       t.Name,
		"kind":       t.Kind,
		"object_id":  t.OID.String(),
		"object_ref": t.Ref,
	}
}

func committedTableFields(t *models.Table, schemaRowID uuid.UUID) map[string]any {
	return map[string]any{
		"schema_id":  t.SchemaID.String(),
		"name":       t.Name,
		"kind":       t.Kind,
		"object_id":  t.ObjectID.String(),
		"object_ref": strValue(t.ObjectRef),
	}
}

func observedColumnFields(c *collector.ColumnDef, tableRowID uuid.UUID) map[string]any {
	return map[string]any{
		"table_id":      tableRowID.String(),
		"name":          c.Name,
		"ordinal":       c.Ordinal,
		"data_type":     c.DataType,
		"max_length":    i64Value(c.MaxLength),
		"numeric_scale": i64Value(c.NumericScale),
		"nullable":      c.Nullable,
		"primary_key":   c.PrimaryKey,
		"default_value": ptrValue(c.DefaultValue),
		"comment":       ptrValue(c.Comment),
		"object_id":     c.OID.String(),
	}
}

func committedColumnFields(c *models.Column, tableRowID uuid.UUID) map[string]any {
	return map[string]any{
		"table_id":      c.TableID.String(),
		"name":          c.Name,
		"ordinal":       c.Ordinal,
		"data_type":     c.DataType,
		"max_length":    i64Value(c.MaxLength),
		"numeric_scale": i64Value(c.NumericScale),
		"nullable":      c.Nullable,
		"primary_key":   c.PrimaryKey,
		"default_value": ptrValue(c.DefaultValue),
		"comment":       ptrValue(c.Comment),
		"object_id":     c.ObjectID.String(),
	}
}

func observedIndexFields(idx *collector.IndexDef, tableRowID uuid.UUID) map[string]any {
	return map[string]any{
		"table_id":   tableRowID.String(),
		"name":       idx.Name,
		"is_unique":  idx.IsUnique,
		"is_primary": idx.IsPrimary,
		"definition": ptrValue(idx.Definition),
		"columns":    idx.Columns,
		"object_id":  idx.OID.String(),
	}
}

func committedIndexFields(idx *models.Index, tableRowID uuid.UUID) map[string]any {
	columns := make([]string, 0, len(idx.Columns))
	for _, col := range idx.Columns {
		columns = append(columns, col.Name)
	}
	return map[string]any{
		"table_id":   idx.TableID.String(),
		"name":       idx.Name,
		"is_unique":  idx.IsUnique,
		"is_primary": idx.IsPrimary,
		"definition": ptrValue(idx.Definition),
		"columns":    columns,
		"object_id":  idx.ObjectID.String(),
	}
}

func strValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func ptrValue(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func i64Value(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
