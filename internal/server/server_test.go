package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katasec/dstream-ingester-materialize/internal/changemaker"
	"github.com/katasec/dstream-ingester-materialize/internal/config"
	"github.com/katasec/dstream-ingester-materialize/internal/locking"
	"github.com/katasec/dstream-ingester-materialize/internal/materialize"
	"github.com/katasec/dstream-ingester-materialize/internal/session"
	"github.com/katasec/dstream-ingester-materialize/internal/transform"
	"github.com/katasec/dstream-ingester-materialize/pkg/cdc"
	"github.com/katasec/dstream-ingester-materialize/pkg/watermark"
)

// idleDialer connects every subscription and then never delivers data.
type idleDialer struct{}

func (idleDialer) Dial(context.Context) (materialize.Stream, error) {
	return &idleStream{frames: make(chan materialize.Frame, 16), closed: make(chan struct{})}, nil
}

type idleStream struct {
	frames    chan materialize.Frame
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *idleStream) Send(context.Context, []string) error {
	s.frames <- materialize.Frame{Type: materialize.FrameRow, Values: raw(`"id"`, `1`, `"integer"`, `false`, `1`)}
	s.frames <- materialize.Frame{Type: materialize.FrameCommandComplete, Tag: "SELECT 1"}
	s.frames <- materialize.Frame{Type: materialize.FrameRow, Values: raw(`"1"`, `true`, `null`)}
	return nil
}

func (s *idleStream) Recv(ctx context.Context) (materialize.Frame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	default:
	}
	select {
	case f := <-s.frames:
		return f, nil
	case <-s.closed:
		return materialize.Frame{}, materialize.ErrStreamClosed
	case <-ctx.Done():
		return materialize.Frame{}, ctx.Err()
	}
}

func (s *idleStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func raw(vals ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(vals))
	for i, v := range vals {
		out[i] = json.RawMessage(v)
	}
	return out
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.Upstream.Host = "localhost"
	cfg.Queries = []config.QueryConfig{{Name: "allMessages", Table: "messages"}}

	lockers := locking.NewLockerFactory(locking.TypeMemory, "", "", "")
	s := New(cfg, session.NewManager(cfg, idleDialer{}, lockers), transform.New(cfg.Queries))

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func dialStream(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + StreamPath + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readError(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var payload cdc.ErrorPayload
	require.NoError(t, conn.ReadJSON(&payload))
	return payload.Error
}

func health(t *testing.T, ts *httptest.Server) healthResponse {
	t.Helper()
	resp, err := http.Get(ts.URL + HealthPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var h healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	return h
}

func TestStream_MissingShard(t *testing.T) {
	ts := newTestServer(t)
	conn := dialStream(t, ts, "")

	assert.Equal(t, "No shardID provided", readError(t, conn))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestStream_MalformedWatermark(t *testing.T) {
	ts := newTestServer(t)
	conn := dialStream(t, ts, "?shardNum=0&lastWatermark=zz")

	assert.NotEmpty(t, readError(t, conn))
}

func TestStream_AlreadyConnected(t *testing.T) {
	ts := newTestServer(t)
	dialStream(t, ts, "?shardNum=7")

	require.Eventually(t, func() bool {
		return len(health(t, ts).Sessions) == 1
	}, 5*time.Second, 10*time.Millisecond)

	second := dialStream(t, ts, "?shardID=7")
	assert.Equal(t, "Already connected", readError(t, second))
}

func TestStream_PeerDisconnectEndsSession(t *testing.T) {
	ts := newTestServer(t)
	conn := dialStream(t, ts, "?shardNum=3")

	require.Eventually(t, func() bool {
		h := health(t, ts)
		return len(h.Sessions) == 1 && h.Sessions[0].Stats.Mode != ""
	}, 5*time.Second, 10*time.Millisecond)

	h := health(t, ts)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "3", h.Sessions[0].ShardID)
	assert.Equal(t, "INITIAL", h.Sessions[0].Stats.Mode)
	assert.Equal(t, []string{"shard-3.lock"}, h.Leases)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		h := health(t, ts)
		return len(h.Sessions) == 0 && len(h.Leases) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestQuery(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.URL+QueryPath, "application/json",
		strings.NewReader(`["transform",[{"id":"a","name":"allMessages","args":[]}]]`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	out, _ := json.Marshal(body)
	assert.JSONEq(t, `["transformed",[{"id":"a","name":"allMessages","ast":{"table":"messages"}}]]`, string(out))
}

func TestQuery_BadRequest(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.URL+QueryPath, "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var payload cdc.ErrorPayload
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Contains(t, payload.Error, "bad transform request")
}

func TestRoutes_MethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + QueryPath)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestPeer_SendWritesOneFramePerMessage(t *testing.T) {
	sent := make(chan error, 1)
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		p := newPeer(conn)
		defer p.Close()

		wm, _ := watermark.Encode(watermark.New(5))
		cm := changemaker.New()
		sent <- p.Send(r.Context(), cm.InsertTx(wm, "t", cdc.Row{Columns: []string{"id"}, Values: raw(`1`)}))
	}))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	var kinds []string
	for i := 0; i < 3; i++ {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var frame []json.RawMessage
		require.NoError(t, json.Unmarshal(data, &frame))
		var kind string
		require.NoError(t, json.Unmarshal(frame[0], &kind))
		kinds = append(kinds, kind)
	}
	assert.Equal(t, []string{"begin", "data", "commit"}, kinds)
	assert.NoError(t, <-sent)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestPeer_CloseIsIdempotent(t *testing.T) {
	upgrader := websocket.Upgrader{}
	done := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		p := newPeer(conn)
		assert.NoError(t, p.Close())
		assert.NoError(t, p.Close())
		close(done)
	}))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	<-done
}

// cancelsAfterFirstCheck reports cancellation on every Err call but the first.
type cancelsAfterFirstCheck struct {
	context.Context
	checks atomic.Int32
}

func (c *cancelsAfterFirstCheck) Err() error {
	if c.checks.Add(1) == 1 {
		return nil
	}
	return context.Canceled
}

func TestPeer_SendNeverSplitsTransaction(t *testing.T) {
	sent := make(chan error, 1)
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		p := newPeer(conn)
		defer p.Close()

		wm, _ := watermark.Encode(watermark.New(9))
		cm := changemaker.New()
		msgs := cm.WrapInTransaction([]cdc.Message{
			cm.Insert("t", cdc.Row{Columns: []string{"id"}, Values: raw(`1`)}),
			cm.Insert("t", cdc.Row{Columns: []string{"id"}, Values: raw(`2`)}),
			cm.Delete("t", cdc.Row{Columns: []string{"id"}, Values: raw(`3`)}),
		}, wm)
		sent <- p.Send(&cancelsAfterFirstCheck{Context: context.Background()}, msgs)
	}))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	var kinds []string
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, data, err := conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
			break
		}
		var frame []json.RawMessage
		require.NoError(t, json.Unmarshal(data, &frame))
		var kind string
		require.NoError(t, json.Unmarshal(frame[0], &kind))
		kinds = append(kinds, kind)
	}

	sendErr := <-sent
	if len(kinds) == 0 {
		assert.Error(t, sendErr)
		return
	}
	assert.NoError(t, sendErr)
	assert.Equal(t, []string{"begin", "data", "data", "data", "commit"}, kinds)
}

func TestPeer_SendCancelledBeforeWriting(t *testing.T) {
	sent := make(chan error, 1)
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		p := newPeer(conn)
		defer p.Close()

		ctx, cancel := context.WithCancel(r.Context())
		cancel()
		sent <- p.Send(ctx, changemaker.New().InsertTx("09", "t", cdc.Row{Columns: []string{"id"}, Values: raw(`1`)}))
	}))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.ErrorIs(t, <-sent, context.Canceled)
}
