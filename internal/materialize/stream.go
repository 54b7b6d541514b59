package materialize

import (
	"context"
	"fmt"
	"time"

	"github.com/katasec/dstream-ingester-materialize/internal/config"
)

// Stream is one upstream session. Statements passed to Send run in order and
// their results come back from Recv as frames, ending with ReadyForQuery
// unless a statement streams forever.
type Stream interface {
	Send(ctx context.Context, statements []string) error
	Recv(ctx context.Context) (Frame, error)
	Close() error
}

// Dialer opens upstream sessions.
type Dialer interface {
	Dial(ctx context.Context) (Stream, error)
}

// NewDialer returns the dialer selected by cfg.Driver.
func NewDialer(cfg *config.UpstreamConfig) (Dialer, error) {
	switch cfg.Driver {
	case config.DriverWebsocket, "":
		return &WebsocketDialer{
			Host:     cfg.Host,
			User:     cfg.User,
			Password: cfg.Password,
			Insecure: cfg.Insecure,
		}, nil
	case config.DriverPgwire:
		fetch, err := cfg.GetFetchTimeout()
		if err != nil {
			return nil, fmt.Errorf("invalid fetch timeout: %w", err)
		}
		return &PgwireDialer{
			ConnString:   PgwireConnString(cfg),
			FetchTimeout: fetch,
		}, nil
	}
	return nil, fmt.Errorf("unsupported upstream driver %q", cfg.Driver)
}

// frameSource fans frames produced by a background goroutine into Recv.
type frameSource struct {
	frames chan Frame
	errs   chan error
	done   chan struct{}
}

func newFrameSource() *frameSource {
	return &frameSource{
		frames: make(chan Frame, 64),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
}

// emit hands f to the reader. It returns false once the source is closed.
func (s *frameSource) emit(f Frame) bool {
	select {
	case s.frames <- f:
		return true
	case <-s.done:
		return false
	}
}

// fail records the terminal error. Frames already queued are still delivered first.
func (s *frameSource) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

func (s *frameSource) recv(ctx context.Context) (Frame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	default:
	}
	select {
	case f := <-s.frames:
		return f, nil
	case err := <-s.errs:
		// drain frames that raced the error
		select {
		case f := <-s.frames:
			s.fail(err)
			return f, nil
		default:
		}
		s.fail(err)
		return Frame{}, err
	case <-s.done:
		return Frame{}, ErrStreamClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// awaitReady consumes frames until ReadyForQuery, failing on an Error frame.
func awaitReady(ctx context.Context, s Stream) error {
	for {
		f, err := s.Recv(ctx)
		if err != nil {
			return err
		}
		switch f.Type {
		case FrameReadyForQuery:
			return nil
		case FrameError:
			return f.Err
		}
	}
}

const writeWait = 10 * time.Second
