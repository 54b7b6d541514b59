package materialize

import (
	"bytes"
	"encoding/json"
	"sort"
)

// StagedEntry is the net multiplicity of one row since the last flush.
type StagedEntry struct {
	Key    string
	Values []json.RawMessage
	Diff   int64
}

// StagedDeltas aggregates row changes by row value. A row whose inserts and
// deletes cancel out is dropped.
type StagedDeltas struct {
	entries map[string]*StagedEntry
}

// NewStagedDeltas returns an empty map.
func NewStagedDeltas() *StagedDeltas {
	return &StagedDeltas{entries: make(map[string]*StagedEntry)}
}

// RowKey is the canonical identity of a row: its values as a compact JSON array.
func RowKey(values []json.RawMessage) string {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, v := range values {
		if i > 0 {
			buf.WriteByte(',')
		}
		if isNull(v) {
			buf.WriteString("null")
			continue
		}
		if err := json.Compact(&buf, v); err != nil {
			buf.Write(v)
		}
	}
	buf.WriteByte(']')
	return buf.String()
}

// Merge adds diff to the row's net multiplicity.
func (s *StagedDeltas) Merge(values []json.RawMessage, diff int64) {
	key := RowKey(values)
	e, ok := s.entries[key]
	if !ok {
		if diff == 0 {
			return
		}
		s.entries[key] = &StagedEntry{Key: key, Values: values, Diff: diff}
		return
	}
	e.Diff += diff
	if e.Diff == 0 {
		delete(s.entries, key)
	}
}

// Len returns the number of rows with a non-zero net multiplicity.
func (s *StagedDeltas) Len() int {
	return len(s.entries)
}

// Drain returns every entry ordered by key and empties the map.
func (s *StagedDeltas) Drain() []StagedEntry {
	out := make([]StagedEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	s.entries = make(map[string]*StagedEntry)
	return out
}
