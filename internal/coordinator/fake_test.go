package coordinator

import (
	"context"
	"encoding/json"
	"regexp"
	"sync"
	"time"

	"github.com/katasec/dstream-ingester-materialize/internal/materialize"
	"github.com/katasec/dstream-ingester-materialize/pkg/cdc"
	"github.com/katasec/dstream-ingester-materialize/pkg/watermark"
)

var subscribeTable = regexp.MustCompile(`SELECT \* FROM (.+)\) WITH`)

// upstream hands out one fakeStream per dial and indexes them by the
// table their SUBSCRIBE names.
type upstream struct {
	mu      sync.Mutex
	streams map[string]*fakeStream
	// failures maps a quoted table name to the error its subscribe reports
	failures map[string]*materialize.UpstreamError
}

func newUpstream() *upstream {
	return &upstream{
		streams:  make(map[string]*fakeStream),
		failures: make(map[string]*materialize.UpstreamError),
	}
}

func (u *upstream) Dial(context.Context) (materialize.Stream, error) {
	return &fakeStream{up: u, frames: make(chan materialize.Frame, 256), closed: make(chan struct{})}, nil
}

func (u *upstream) stream(table string) *fakeStream {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.streams[materialize.QuoteIdent(table)]
}

func (u *upstream) allClosed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, s := range u.streams {
		if !s.isClosed() {
			return false
		}
	}
	return true
}

type fakeStream struct {
	up        *upstream
	frames    chan materialize.Frame
	closed    chan struct{}
	closeOnce sync.Once
}

func (f *fakeStream) Send(_ context.Context, statements []string) error {
	var table string
	for _, s := range statements {
		if m := subscribeTable.FindStringSubmatch(s); m != nil {
			table = m[1]
		}
	}
	f.up.mu.Lock()
	f.up.streams[table] = f
	failure := f.up.failures[table]
	f.up.mu.Unlock()

	f.push(
		materialize.Frame{Type: materialize.FrameRows, Columns: []string{"name", "position", "type", "nullable", "key_position"}},
		materialize.Frame{Type: materialize.FrameRow, Values: raw(`"id"`, `1`, `"integer"`, `false`, `1`)},
		materialize.Frame{Type: materialize.FrameRow, Values: raw(`"value"`, `2`, `"text"`, `true`, `null`)},
		materialize.Frame{Type: materialize.FrameCommandComplete, Tag: "SELECT 2"},
	)
	if failure != nil {
		f.push(materialize.Frame{Type: materialize.FrameError, Err: failure}, materialize.Frame{Type: materialize.FrameReadyForQuery})
		return nil
	}
	f.push(
		materialize.Frame{Type: materialize.FrameRows, Columns: []string{"mz_timestamp", "mz_progressed", "mz_diff", "id", "value"}},
		materialize.Frame{Type: materialize.FrameRow, Values: raw(`"1"`, `true`, `null`)},
	)
	return nil
}

func (f *fakeStream) push(frames ...materialize.Frame) {
	for _, fr := range frames {
		f.frames <- fr
	}
}

// data queues a live subscription row.
func (f *fakeStream) data(ts uint64, diff int64, id int, value string) {
	b, _ := json.Marshal(value)
	f.push(materialize.Frame{Type: materialize.FrameRow, Values: raw(
		`"`+watermark.New(ts).String()+`"`, `false`, jsonInt(diff), jsonInt(int64(id)), string(b),
	)})
}

// progress queues a progress marker.
func (f *fakeStream) progress(ts uint64) {
	f.push(materialize.Frame{Type: materialize.FrameRow, Values: raw(`"`+watermark.New(ts).String()+`"`, `true`, `null`)})
}

func (f *fakeStream) Recv(ctx context.Context) (materialize.Frame, error) {
	select {
	case fr := <-f.frames:
		return fr, nil
	case <-f.closed:
		return materialize.Frame{}, materialize.ErrStreamClosed
	case <-ctx.Done():
		return materialize.Frame{}, ctx.Err()
	}
}

func (f *fakeStream) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeStream) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// recordingSink captures transactions handed to it.
type recordingSink struct {
	mu   sync.Mutex
	txs  [][]cdc.Message
	sent chan []cdc.Message
	err  error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{sent: make(chan []cdc.Message, 16)}
}

func (s *recordingSink) Send(_ context.Context, msgs []cdc.Message) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	s.txs = append(s.txs, msgs)
	s.mu.Unlock()
	s.sent <- msgs
	return nil
}

func (s *recordingSink) all() [][]cdc.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]cdc.Message(nil), s.txs...)
}

func (s *recordingSink) next(timeout time.Duration) ([]cdc.Message, bool) {
	select {
	case m := <-s.sent:
		return m, true
	case <-time.After(timeout):
		return nil, false
	}
}

func raw(vals ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(vals))
	for i, v := range vals {
		out[i] = json.RawMessage(v)
	}
	return out
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

// encode renders messages the way they go on the wire.
func encode(msgs []cdc.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			panic(err)
		}
		out[i] = string(b)
	}
	return out
}
