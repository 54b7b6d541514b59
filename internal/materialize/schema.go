package materialize

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/katasec/dstream-ingester-materialize/pkg/cdc"
)

// introspection result columns
const (
	colName = iota
	colPosition
	colType
	colNullable
	colKeyPosition
	introspectionColumns
)

type keyedColumn struct {
	name   string
	keyPos int64
}

// schemaBuilder accumulates introspection rows into a table spec.
type schemaBuilder struct {
	table   string
	columns []cdc.ColumnSpec
	keys    []keyedColumn
}

func newSchemaBuilder(table string) *schemaBuilder {
	return &schemaBuilder{table: table}
}

func (b *schemaBuilder) add(values []json.RawMessage) error {
	if len(values) < introspectionColumns {
		return fmt.Errorf("introspection row for %s has %d columns, want %d", b.table, len(values), introspectionColumns)
	}
	name, err := decodeString(values[colName])
	if err != nil {
		return fmt.Errorf("column name: %w", err)
	}
	pos, err := decodeInt(values[colPosition])
	if err != nil {
		return fmt.Errorf("column %s position: %w", name, err)
	}
	dataType, err := decodeString(values[colType])
	if err != nil {
		return fmt.Errorf("column %s type: %w", name, err)
	}
	nullable, err := decodeBool(values[colNullable])
	if err != nil {
		return fmt.Errorf("column %s nullable: %w", name, err)
	}

	b.columns = append(b.columns, cdc.ColumnSpec{
		Name:     name,
		Pos:      int(pos),
		DataType: dataType,
		NotNull:  !nullable,
	})

	if !isNull(values[colKeyPosition]) {
		keyPos, err := decodeInt(values[colKeyPosition])
		if err != nil {
			return fmt.Errorf("column %s key position: %w", name, err)
		}
		b.keys = append(b.keys, keyedColumn{name: name, keyPos: keyPos})
	}
	return nil
}

func (b *schemaBuilder) build() (*cdc.TableSpec, error) {
	if len(b.columns) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSchema, b.table)
	}
	cols := append([]cdc.ColumnSpec(nil), b.columns...)
	sort.SliceStable(cols, func(i, j int) bool { return cols[i].Pos < cols[j].Pos })

	keys := append([]keyedColumn(nil), b.keys...)
	sort.SliceStable(keys, func(i, j int) bool { return keys[i].keyPos < keys[j].keyPos })
	pk := make([]string, 0, len(keys))
	for _, k := range keys {
		pk = append(pk, k.name)
	}

	return &cdc.TableSpec{
		Schema:     cdc.DefaultSchema,
		Name:       b.table,
		Columns:    cols,
		PrimaryKey: pk,
	}, nil
}

// RowFromValues maps position-ordered values onto the columns of spec.
func RowFromValues(spec *cdc.TableSpec, values []json.RawMessage) (cdc.Row, error) {
	row := cdc.Row{
		Columns: make([]string, 0, len(spec.Columns)),
		Values:  make([]json.RawMessage, 0, len(spec.Columns)),
	}
	for _, c := range spec.Columns {
		idx := c.Pos - 1
		if idx < 0 || idx >= len(values) {
			return cdc.Row{}, fmt.Errorf("row for %s has %d values, column %s is at position %d", spec.Name, len(values), c.Name, c.Pos)
		}
		row.Columns = append(row.Columns, c.Name)
		row.Values = append(row.Values, values[idx])
	}
	return row, nil
}
