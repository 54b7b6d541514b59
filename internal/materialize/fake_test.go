package materialize

import (
	"context"
	"encoding/json"
	"sync"
)

// fakeStream replays one scripted batch of frames per Send.
type fakeStream struct {
	mu        sync.Mutex
	sent      [][]string
	replies   [][]Frame
	frames    chan Frame
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeStream(replies ...[]Frame) *fakeStream {
	return &fakeStream{
		replies: replies,
		frames:  make(chan Frame, 256),
		closed:  make(chan struct{}),
	}
}

func (f *fakeStream) Send(_ context.Context, statements []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, statements)
	if len(f.replies) == 0 {
		return nil
	}
	batch := f.replies[0]
	f.replies = f.replies[1:]
	for _, fr := range batch {
		f.frames <- fr
	}
	return nil
}

func (f *fakeStream) push(frames ...Frame) {
	for _, fr := range frames {
		f.frames <- fr
	}
}

func (f *fakeStream) Recv(ctx context.Context) (Frame, error) {
	select {
	case fr := <-f.frames:
		return fr, nil
	case <-f.closed:
		return Frame{}, ErrStreamClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
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

func (f *fakeStream) sentBatches() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.sent...)
}

type fakeDialer struct {
	stream *fakeStream
	err    error
}

func (d *fakeDialer) Dial(context.Context) (Stream, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.stream, nil
}

func raw(vals ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(vals))
	for i, v := range vals {
		out[i] = json.RawMessage(v)
	}
	return out
}

func rowFrame(vals ...string) Frame {
	return Frame{Type: FrameRow, Values: raw(vals...)}
}

func errorFrame(code, msg string) Frame {
	return Frame{Type: FrameError, Err: &UpstreamError{Code: code, Message: msg}}
}

// introspection replies for a messages(id int8 key, body text) table
func introspectionFrames() []Frame {
	return []Frame{
		{Type: FrameCommandStarting},
		{Type: FrameRows, Columns: []string{"name", "position", "type", "nullable", "key_position"}},
		rowFrame(`"body"`, `2`, `"text"`, `true`, `null`),
		rowFrame(`"id"`, `1`, `"bigint"`, `false`, `1`),
		{Type: FrameCommandComplete, Tag: "SELECT 2"},
	}
}

func subscribeStart(first Frame) []Frame {
	return []Frame{
		{Type: FrameCommandStarting},
		{Type: FrameRows, Columns: []string{"mz_timestamp", "mz_progressed", "mz_diff", "id", "body"}},
		first,
	}
}

func concat(batches ...[]Frame) []Frame {
	var out []Frame
	for _, b := range batches {
		out = append(out, b...)
	}
	return out
}
