package materialize

import (
	"encoding/json"
	"fmt"
)

// FrameType identifies an upstream protocol message.
type FrameType string

const (
	FrameReadyForQuery   FrameType = "ReadyForQuery"
	FrameCommandStarting FrameType = "CommandStarting"
	FrameRows            FrameType = "Rows"
	FrameRow             FrameType = "Row"
	FrameCommandComplete FrameType = "CommandComplete"
	FrameError           FrameType = "Error"
	FrameNotice          FrameType = "Notice"
	FrameOther           FrameType = "Other"
)

// Frame is one decoded upstream message. Only the fields for its Type are set.
type Frame struct {
	Type FrameType

	// Rows: result column names.
	Columns []string
	// Row: raw column values.
	Values []json.RawMessage
	// CommandComplete: command tag, e.g. "SELECT 3".
	Tag string
	// Error: the failure reported for the current statement.
	Err *UpstreamError
	// Notice: message text.
	Notice string
}

type wireFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type wireColumn struct {
	Name string `json:"name"`
}

type wireNotice struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// DecodeFrame parses a websocket SQL API message of the form {"type": ..., "payload": ...}.
func DecodeFrame(data []byte) (Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return Frame{}, fmt.Errorf("decode upstream frame: %w", err)
	}

	switch FrameType(w.Type) {
	case FrameReadyForQuery, FrameCommandStarting:
		return Frame{Type: FrameType(w.Type)}, nil

	case FrameRows:
		cols, err := decodeColumns(w.Payload)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Type: FrameRows, Columns: cols}, nil

	case FrameRow:
		var values []json.RawMessage
		if err := json.Unmarshal(w.Payload, &values); err != nil {
			return Frame{}, fmt.Errorf("decode row payload: %w", err)
		}
		return Frame{Type: FrameRow, Values: values}, nil

	case FrameCommandComplete:
		var tag string
		if len(w.Payload) > 0 {
			if err := json.Unmarshal(w.Payload, &tag); err != nil {
				return Frame{}, fmt.Errorf("decode command tag: %w", err)
			}
		}
		return Frame{Type: FrameCommandComplete, Tag: tag}, nil

	case FrameError:
		ue := &UpstreamError{}
		if err := json.Unmarshal(w.Payload, ue); err != nil {
			// some errors arrive as a bare string
			var msg string
			if err2 := json.Unmarshal(w.Payload, &msg); err2 != nil {
				return Frame{}, fmt.Errorf("decode error payload: %w", err)
			}
			ue.Message = msg
		}
		return Frame{Type: FrameError, Err: ue}, nil

	case FrameNotice:
		var n wireNotice
		_ = json.Unmarshal(w.Payload, &n)
		return Frame{Type: FrameNotice, Notice: n.Message}, nil
	}

	return Frame{Type: FrameOther}, nil
}

// decodeColumns accepts both [{"name": ...}] and ["name", ...] column lists.
func decodeColumns(payload json.RawMessage) ([]string, error) {
	var described struct {
		Columns []wireColumn `json:"columns"`
	}
	if err := json.Unmarshal(payload, &described); err == nil && described.Columns != nil {
		names := make([]string, len(described.Columns))
		for i, c := range described.Columns {
			names[i] = c.Name
		}
		return names, nil
	}

	var objects []wireColumn
	if err := json.Unmarshal(payload, &objects); err == nil {
		names := make([]string, len(objects))
		for i, c := range objects {
			names[i] = c.Name
		}
		return names, nil
	}

	var names []string
	if err := json.Unmarshal(payload, &names); err != nil {
		return nil, fmt.Errorf("decode rows description: %w", err)
	}
	return names, nil
}
