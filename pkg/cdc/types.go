package cdc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind is the top-level tag of a change stream message.
type Kind string

const (
	// KindBegin opens a transaction.
	KindBegin Kind = "begin"
	// KindCommit closes a transaction.
	KindCommit Kind = "commit"
	// KindData carries a row change or a schema change inside a transaction.
	KindData Kind = "data"
	// KindControl is an out-of-band instruction, never inside a transaction.
	KindControl Kind = "control"
)

// DefaultSchema is the namespace every replicated relation lives in downstream.
const DefaultSchema = "public"

// Message is one element of the downstream change stream.
type Message interface {
	Kind() Kind
	json.Marshaler
}

// Begin opens a transaction that will commit at CommitWatermark.
type Begin struct {
	CommitWatermark string
}

// Commit closes the transaction opened by the matching Begin.
type Commit struct {
	Watermark string
}

// Relation names the table a row change applies to.
type Relation struct {
	Schema     string   `json:"schema"`
	Name       string   `json:"name"`
	KeyColumns []string `json:"keyColumns"`
}

// Insert makes a row present.
type Insert struct {
	Relation Relation
	New      Row
}

// Delete makes a row absent.
type Delete struct {
	Relation Relation
	Key      Row
}

// CreateTable declares a replicated table.
type CreateTable struct {
	Spec TableSpec
}

// CreateIndex declares an index on a replicated table.
type CreateIndex struct {
	Spec IndexSpec
}

// ResetRequired tells the consumer to discard its replica and start over.
type ResetRequired struct {
	Message string
}

func (Begin) Kind() Kind         { return KindBegin }
func (Commit) Kind() Kind        { return KindCommit }
func (Insert) Kind() Kind        { return KindData }
func (Delete) Kind() Kind        { return KindData }
func (CreateTable) Kind() Kind   { return KindData }
func (CreateIndex) Kind() Kind   { return KindData }
func (ResetRequired) Kind() Kind { return KindControl }

type tagOnly struct {
	Tag string `json:"tag"`
}

func (m Begin) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{
		KindBegin,
		tagOnly{Tag: "begin"},
		struct {
			CommitWatermark string `json:"commitWatermark"`
		}{m.CommitWatermark},
	})
}

func (m Commit) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{
		KindCommit,
		tagOnly{Tag: "commit"},
		struct {
			Watermark string `json:"watermark"`
		}{m.Watermark},
	})
}

func (m Insert) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{
		KindData,
		struct {
			Tag      string   `json:"tag"`
			New      Row      `json:"new"`
			Relation Relation `json:"relation"`
		}{"insert", m.New, m.Relation},
	})
}

func (m Delete) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{
		KindData,
		struct {
			Tag      string   `json:"tag"`
			Key      Row      `json:"key"`
			Relation Relation `json:"relation"`
		}{"delete", m.Key, m.Relation},
	})
}

func (m CreateTable) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{
		KindData,
		struct {
			Tag  string    `json:"tag"`
			Spec TableSpec `json:"spec"`
		}{"create-table", m.Spec},
	})
}

func (m CreateIndex) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{
		KindData,
		struct {
			Tag  string    `json:"tag"`
			Spec IndexSpec `json:"spec"`
		}{"create-index", m.Spec},
	})
}

func (m ResetRequired) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{
		KindControl,
		struct {
			Tag     string `json:"tag"`
			Message string `json:"message"`
		}{"reset-required", m.Message},
	})
}

// Row is an ordered vector of column values. Values hold raw JSON so upstream
// encodings (numeric strings, nested documents) pass through untouched.
type Row struct {
	Columns []string
	Values  []json.RawMessage
}

// Get returns the value of the named column.
func (r Row) Get(column string) (json.RawMessage, bool) {
	for i, c := range r.Columns {
		if c == column && i < len(r.Values) {
			return r.Values[i], true
		}
	}
	return nil, false
}

// MarshalJSON renders the row as a JSON object in column order.
func (r Row) MarshalJSON() ([]byte, error) {
	if len(r.Columns) != len(r.Values) {
		return nil, fmt.Errorf("row has %d columns and %d values", len(r.Columns), len(r.Values))
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range r.Columns {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeKey(&buf, c); err != nil {
			return nil, err
		}
		v := r.Values[i]
		if len(v) == 0 {
			v = json.RawMessage("null")
		}
		if err := json.Compact(&buf, v); err != nil {
			return nil, fmt.Errorf("column %s: %w", c, err)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// ColumnSpec describes one column of a replicated table.
type ColumnSpec struct {
	Name     string `json:"-"`
	Pos      int    `json:"pos"`
	DataType string `json:"dataType"`
	NotNull  bool   `json:"notNull,omitempty"`
}

// TableSpec describes a replicated table. Columns are kept in ordinal order.
type TableSpec struct {
	Schema     string
	Name       string
	Columns    []ColumnSpec
	PrimaryKey []string
}

// Column returns the spec of the named column.
func (s TableSpec) Column(name string) (ColumnSpec, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnSpec{}, false
}

// ColumnNames returns the column names in ordinal order.
func (s TableSpec) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// MarshalJSON renders the spec with columns as an object keyed by name.
func (s TableSpec) MarshalJSON() ([]byte, error) {
	var cols bytes.Buffer
	cols.WriteByte('{')
	for i, c := range s.Columns {
		if i > 0 {
			cols.WriteByte(',')
		}
		if err := writeKey(&cols, c.Name); err != nil {
			return nil, err
		}
		b, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		cols.Write(b)
	}
	cols.WriteByte('}')

	pk := s.PrimaryKey
	if pk == nil {
		pk = []string{}
	}
	return json.Marshal(struct {
		Schema     string          `json:"schema"`
		Name       string          `json:"name"`
		Columns    json.RawMessage `json:"columns"`
		PrimaryKey []string        `json:"primaryKey"`
	}{s.Schema, s.Name, cols.Bytes(), pk})
}

// IndexSpec describes an index. Columns are ordered; every column sorts ascending.
type IndexSpec struct {
	Name      string
	Schema    string
	TableName string
	Columns   []string
	Unique    bool
}

// MarshalJSON renders the index columns as {"col": "ASC", ...} in order.
func (s IndexSpec) MarshalJSON() ([]byte, error) {
	var cols bytes.Buffer
	cols.WriteByte('{')
	for i, c := range s.Columns {
		if i > 0 {
			cols.WriteByte(',')
		}
		if err := writeKey(&cols, c); err != nil {
			return nil, err
		}
		cols.WriteString(`"ASC"`)
	}
	cols.WriteByte('}')

	return json.Marshal(struct {
		Name      string          `json:"name"`
		Schema    string          `json:"schema"`
		TableName string          `json:"tableName"`
		Columns   json.RawMessage `json:"columns"`
		Unique    bool            `json:"unique"`
	}{s.Name, s.Schema, s.TableName, cols.Bytes(), s.Unique})
}

// ErrorPayload is the structured error frame sent before closing a connection.
type ErrorPayload struct {
	Error string `json:"error"`
}

func writeKey(buf *bytes.Buffer, key string) error {
	b, err := json.Marshal(key)
	if err != nil {
		return err
	}
	buf.Write(b)
	buf.WriteByte(':')
	return nil
}
