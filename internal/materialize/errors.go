package materialize

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrOutOfBoundsTimestamp means the requested AS OF timestamp has been
	// compacted away upstream and can no longer be resumed from.
	ErrOutOfBoundsTimestamp = errors.New("resume timestamp is out of bounds")
	// ErrConnectTimeout means the subscription produced no row within the connect timeout.
	ErrConnectTimeout = errors.New("timed out waiting for subscription to start")
	// ErrStreamClosed means the upstream stream ended.
	ErrStreamClosed = errors.New("upstream stream closed")
	// ErrNoSchema means introspection returned no columns for the table.
	ErrNoSchema = errors.New("no columns found for table")
	// ErrClosed is returned when using a closed subscription.
	ErrClosed = errors.New("subscription closed")
)

// SQLSTATE codes the bridge reacts to.
const (
	codeDuplicateSchema = "42P06"
	codeDuplicateTable  = "42P07"
	codeDuplicateObject = "42710"
)

// UpstreamError is an error reported by the upstream source for a statement.
type UpstreamError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Detail  string `json:"detail,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

func (e *UpstreamError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("upstream error %s: %s", e.Code, e.Message)
	}
	return "upstream error: " + e.Message
}

// IsAlreadyExists reports whether err says the object being created already exists.
func IsAlreadyExists(err error) bool {
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		return false
	}
	switch ue.Code {
	case codeDuplicateSchema, codeDuplicateTable, codeDuplicateObject:
		return true
	}
	return strings.Contains(strings.ToLower(ue.Message), "already exists")
}

// IsOutOfBounds reports whether err rejects the requested AS OF timestamp.
func IsOutOfBounds(err error) bool {
	if errors.Is(err, ErrOutOfBoundsTimestamp) {
		return true
	}
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		return false
	}
	msg := strings.ToLower(ue.Message)
	return strings.Contains(msg, "is not valid for all inputs") ||
		strings.Contains(msg, "out of bounds") ||
		strings.Contains(msg, "as of") && strings.Contains(msg, "timestamp")
}
