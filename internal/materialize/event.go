package materialize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/katasec/dstream-ingester-materialize/pkg/watermark"
)

// leading columns of every SUBSCRIBE ... WITH (PROGRESS) row
const subscribeMetaColumns = 3

// ChangeEvent is one decoded row of a live subscription.
type ChangeEvent struct {
	Timestamp watermark.Watermark
	Progress  bool
	Diff      int64
	// Values are the table's column values in position order. Empty for progress markers.
	Values []json.RawMessage
}

// DecodeEvent decodes a subscription row: mz_timestamp, mz_progressed, mz_diff, values...
func DecodeEvent(values []json.RawMessage) (ChangeEvent, error) {
	if len(values) < subscribeMetaColumns {
		return ChangeEvent{}, fmt.Errorf("subscription row has %d columns, want at least %d", len(values), subscribeMetaColumns)
	}

	ts, err := watermark.Parse(string(values[0]))
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("decode mz_timestamp: %w", err)
	}
	progress, err := decodeBool(values[1])
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("decode mz_progressed: %w", err)
	}

	ev := ChangeEvent{Timestamp: ts, Progress: progress}
	if progress {
		return ev, nil
	}

	ev.Diff, err = decodeInt(values[2])
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("decode mz_diff: %w", err)
	}
	ev.Values = values[subscribeMetaColumns:]
	return ev, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func decodeBool(raw json.RawMessage) (bool, error) {
	if isNull(raw) {
		return false, nil
	}
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	switch s {
	case "true", "t":
		return true, nil
	case "false", "f":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %s", raw)
}

func decodeInt(raw json.RawMessage) (int64, error) {
	if isNull(raw) {
		return 0, fmt.Errorf("unexpected null")
	}
	return strconv.ParseInt(strings.Trim(strings.TrimSpace(string(raw)), `"`), 10, 64)
}

func decodeString(raw json.RawMessage) (string, error) {
	if isNull(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	return s, nil
}
