// Package changemaker builds downstream change stream messages from semantic inputs.
package changemaker

import (
	"errors"
	"fmt"

	"github.com/katasec/dstream-ingester-materialize/pkg/cdc"
)

// ErrNoPrimaryKey is returned for a table spec without a primary key.
// Such a table cannot be replicated: the consumer has no way to address its rows.
var ErrNoPrimaryKey = errors.New("table has no primary key")

// ResetMessage is the text carried by the reset-required control message.
const ResetMessage = "Materialize reset"

// ChangeMaker is a stateless message builder. The zero value is ready to use.
type ChangeMaker struct{}

// New returns a ChangeMaker.
func New() *ChangeMaker {
	return &ChangeMaker{}
}

// Insert returns a data message making row present in table.
func (c *ChangeMaker) Insert(table string, row cdc.Row) cdc.Message {
	return cdc.Insert{Relation: relation(table, row), New: row}
}

// Delete returns a data message making the row identified by key absent from table.
func (c *ChangeMaker) Delete(table string, key cdc.Row) cdc.Message {
	return cdc.Delete{Relation: relation(table, key), Key: key}
}

// InsertTx is Insert wrapped in its own transaction at watermark.
func (c *ChangeMaker) InsertTx(watermark, table string, row cdc.Row) []cdc.Message {
	return c.WrapInTransaction([]cdc.Message{c.Insert(table, row)}, watermark)
}

// DeleteTx is Delete wrapped in its own transaction at watermark.
func (c *ChangeMaker) DeleteTx(watermark, table string, key cdc.Row) []cdc.Message {
	return c.WrapInTransaction([]cdc.Message{c.Delete(table, key)}, watermark)
}

// CreateTable returns the create-table message for spec followed by a unique
// index over its primary key.
func (c *ChangeMaker) CreateTable(spec cdc.TableSpec) ([]cdc.Message, error) {
	if len(spec.PrimaryKey) == 0 {
		return nil, fmt.Errorf("create table %s.%s: %w", spec.Schema, spec.Name, ErrNoPrimaryKey)
	}
	for _, col := range spec.PrimaryKey {
		if _, ok := spec.Column(col); !ok {
			return nil, fmt.Errorf("create table %s.%s: primary key column %q is not a column", spec.Schema, spec.Name, col)
		}
	}

	index := cdc.IndexSpec{
		Name:      fmt.Sprintf("idx_%s__%s___id", spec.Schema, spec.Name),
		Schema:    spec.Schema,
		TableName: spec.Name,
		Columns:   append([]string(nil), spec.PrimaryKey...),
		Unique:    true,
	}
	return []cdc.Message{
		cdc.CreateTable{Spec: spec},
		cdc.CreateIndex{Spec: index},
	}, nil
}

// Begin opens a transaction committing at watermark.
func (c *ChangeMaker) Begin(watermark string) cdc.Message {
	return cdc.Begin{CommitWatermark: watermark}
}

// Commit closes a transaction at watermark.
func (c *ChangeMaker) Commit(watermark string) cdc.Message {
	return cdc.Commit{Watermark: watermark}
}

// ResetRequired returns the control message telling the consumer to resync from scratch.
// It is never part of a transaction.
func (c *ChangeMaker) ResetRequired() cdc.Message {
	return cdc.ResetRequired{Message: ResetMessage}
}

// WrapInTransaction returns [begin, msgs..., commit].
func (c *ChangeMaker) WrapInTransaction(msgs []cdc.Message, watermark string) []cdc.Message {
	out := make([]cdc.Message, 0, len(msgs)+2)
	out = append(out, c.Begin(watermark))
	out = append(out, msgs...)
	return append(out, c.Commit(watermark))
}

// RequiredBootstrapTables returns the schema messages for the bookkeeping
// tables the consumer expects to exist: client mutation tracking for the
// shard and the schema version lock row.
func (c *ChangeMaker) RequiredBootstrapTables(shardID string) []cdc.Message {
	var out []cdc.Message
	for _, spec := range bootstrapSpecs(shardID) {
		msgs, err := c.CreateTable(spec)
		if err != nil {
			// bootstrap specs are static and always carry a primary key
			panic(err)
		}
		out = append(out, msgs...)
	}
	return out
}

func bootstrapSpecs(shardID string) []cdc.TableSpec {
	return []cdc.TableSpec{
		{
			Schema: cdc.DefaultSchema,
			Name:   fmt.Sprintf("zero_%s.clients", shardID),
			Columns: []cdc.ColumnSpec{
				{Name: "clientGroupID", Pos: 1, DataType: "text", NotNull: true},
				{Name: "clientID", Pos: 2, DataType: "text", NotNull: true},
				{Name: "lastMutationID", Pos: 3, DataType: "int8", NotNull: true},
				{Name: "userID", Pos: 4, DataType: "text"},
			},
			PrimaryKey: []string{"clientGroupID", "clientID"},
		},
		{
			Schema: cdc.DefaultSchema,
			Name:   "zero.schemaVersions",
			Columns: []cdc.ColumnSpec{
				{Name: "minSupportedVersion", Pos: 1, DataType: "int4"},
				{Name: "maxSupportedVersion", Pos: 2, DataType: "int4"},
				{Name: "lock", Pos: 3, DataType: "boolean", NotNull: true},
			},
			PrimaryKey: []string{"lock"},
		},
	}
}

func relation(table string, row cdc.Row) cdc.Relation {
	return cdc.Relation{
		Schema:     cdc.DefaultSchema,
		Name:       table,
		KeyColumns: append([]string{}, row.Columns...),
	}
}
