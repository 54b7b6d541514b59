package materialize

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-materialize/internal/logging"
)

const sqlAPIPath = "/api/experimental/sql"

// WebsocketDialer connects to the Materialize websocket SQL API.
type WebsocketDialer struct {
	Host     string
	User     string
	Password string
	Insecure bool
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// URL returns the endpoint the dialer connects to.
func (d *WebsocketDialer) URL() string {
	u := url.URL{Scheme: "wss", Host: d.Host, Path: sqlAPIPath}
	if d.Insecure {
		u.Scheme = "ws"
	}
	return u.String()
}

type authFrame struct {
	User     string `json:"user"`
	Password string `json:"password"`
}

type queryFrame struct {
	Query string `json:"query"`
}

type queriesFrame struct {
	Queries []queryFrame `json:"queries"`
}

// Dial opens the socket, authenticates and waits for the server to be ready.
func (d *WebsocketDialer) Dial(ctx context.Context) (Stream, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, _, err := dialer.DialContext(ctx, d.URL(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", d.URL(), err)
	}

	s := &wsStream{
		conn:   conn,
		src:    newFrameSource(),
		logger: logging.Named("upstream-ws").With("host", d.Host),
	}
	if err := s.write(authFrame{User: d.User, Password: d.Password}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	go s.readPump()

	if err := awaitReady(ctx, s); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	return s, nil
}

type wsStream struct {
	conn      *websocket.Conn
	src       *frameSource
	logger    hclog.Logger
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (s *wsStream) write(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

func (s *wsStream) Send(ctx context.Context, statements []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	req := queriesFrame{Queries: make([]queryFrame, len(statements))}
	for i, stmt := range statements {
		req.Queries[i] = queryFrame{Query: stmt}
	}
	if err := s.write(req); err != nil {
		return fmt.Errorf("failed to send statements: %w", err)
	}
	return nil
}

func (s *wsStream) Recv(ctx context.Context) (Frame, error) {
	return s.src.recv(ctx)
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.src.done)
		err = s.conn.Close()
	})
	return err
}

// readPump decodes frames until the socket fails or is closed.
func (s *wsStream) readPump() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				err = ErrStreamClosed
			}
			s.src.fail(err)
			return
		}

		f, err := DecodeFrame(data)
		if err != nil {
			s.logger.Warn("Dropping undecodable frame", "error", err)
			continue
		}
		if f.Type == FrameNotice {
			s.logger.Debug("Upstream notice", "message", f.Notice)
			continue
		}
		if !s.src.emit(f) {
			return
		}
	}
}
