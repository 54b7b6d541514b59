package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/katasec/dstream-ingester-materialize/pkg/cdc"
)

const writeWait = 10 * time.Second

// wsPeer is the downstream end of a change stream. Writes are serialised so
// a transaction always goes out as one contiguous run of frames.
type wsPeer struct {
	conn      *websocket.Conn
	mu        sync.Mutex
	closeOnce sync.Once
}

func newPeer(conn *websocket.Conn) *wsPeer {
	return &wsPeer{conn: conn}
}

// Send writes each message as its own text frame. Once the first frame is
// written the whole batch goes out; cancellation is only honoured before that.
func (p *wsPeer) Send(ctx context.Context, msgs []cdc.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	frames := make([][]byte, len(msgs))
	for i, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode %s message: %w", m.Kind(), err)
		}
		frames[i] = b
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range frames {
		_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := p.conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return fmt.Errorf("write to peer: %w", err)
		}
	}
	return nil
}

// SendError writes a single {"error": message} frame.
func (p *wsPeer) SendError(message string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteJSON(cdc.ErrorPayload{Error: message})
}

// Close says goodbye and drops the connection. Safe to call repeatedly.
func (p *wsPeer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		p.mu.Unlock()
		err = p.conn.Close()
	})
	return err
}

// readPump discards inbound frames and calls gone when the peer disconnects.
func (p *wsPeer) readPump(gone context.CancelFunc) {
	defer gone()
	for {
		if _, _, err := p.conn.ReadMessage(); err != nil {
			return
		}
	}
}
