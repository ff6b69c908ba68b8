package inspector

import (
	"io"
)

// ColumnRow is one flat row from an information_schema style query, ordered
// by (schema, table, ordinal). GroupColumns folds consecutive rows for the
// same table into one TableEntry.
type ColumnRow struct {
	SchemaName string
	SchemaRef  string
	TableName  string
	TableRef   string
	TableKind  string
	Column     ColumnEntry
}

// GroupColumns wraps an ordered flat column iterator into a TableStream.
// next must return io.EOF when exhausted and must yield rows grouped by
// table; a table boundary is detected when SchemaName or TableName changes.
func GroupColumns(next func() (*ColumnRow, error), close func() error) *TableStream {
	var pending *ColumnRow
	done := false

	return NewTableStream(func() (*TableEntry, error) {
		if done {
			return nil, io.EOF
		}

		row := pending
		pending = nil
		if row == nil {
			var err error
			row, err = next()
			if err == io.EOF {
				done = true
				return nil, io.EOF
			}
			if err != nil {
				return nil, err
			}
		}

		entry := &TableEntry{
			SchemaName: row.SchemaName,
			SchemaRef:  row.SchemaRef,
			TableName:  row.TableName,
			TableRef:   row.TableRef,
			Kind:       row.TableKind,
			Columns:    []ColumnEntry{row.Column},
		}

		for {
			nextRow, err := next()
			if err == io.EOF {
				done = true
				return entry, nil
			}
			if err != nil {
				return nil, err
			}
			if nextRow.SchemaName != entry.SchemaName || nextRow.TableName != entry.TableName {
				pending = nextRow
				return entry, nil
			}
			entry.Columns = append(entry.Columns, nextRow.Column)
		}
	}, close)
}
