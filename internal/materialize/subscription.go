package materialize

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-materialize/internal/logging"
	"github.com/katasec/dstream-ingester-materialize/pkg/cdc"
	"github.com/katasec/dstream-ingester-materialize/pkg/watermark"
)

// DefaultConnectTimeout bounds Connect when Options.ConnectTimeout is unset.
const DefaultConnectTimeout = 10 * time.Second

// State is the lifecycle of a Subscription.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Options configures a Subscription.
type Options struct {
	// Table is the upstream table or view, optionally schema qualified.
	Table string
	// Session statements run first on every connection, e.g. SET cluster.
	Session []string
	// Bootstrap statements create shared objects. "already exists" failures are tolerated.
	Bootstrap      []string
	ConnectTimeout time.Duration
	Logger         hclog.Logger
}

// Delivery carries one event, or the terminal error, from a subscription's
// reader to the coordinator.
type Delivery struct {
	Sub   *Subscription
	Event ChangeEvent
	Err   error
}

// Subscription is a live SUBSCRIBE over one table. Its pending buffer, staged
// deltas and progress belong to the coordinator goroutine: Run only decodes
// and forwards, Observe applies.
type Subscription struct {
	dialer Dialer
	opts   Options
	logger hclog.Logger

	mu     sync.Mutex
	state  State
	stream Stream

	first    *ChangeEvent
	schema   *cdc.TableSpec
	progress watermark.Watermark
	pending  []ChangeEvent
	staged   *StagedDeltas
}

// NewSubscription returns a disconnected subscription.
func NewSubscription(dialer Dialer, opts Options) *Subscription {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Named("subscription")
	}
	return &Subscription{
		dialer:   dialer,
		opts:     opts,
		logger:   logger.With("table", opts.Table),
		progress: watermark.Min,
		staged:   NewStagedDeltas(),
	}
}

// Connect opens the stream, runs bootstrap and introspection, and starts the
// subscription. It returns once the first subscription row has arrived; that
// row is retained and delivered first by Run. A non-Min asOf resumes after it.
func (s *Subscription) Connect(ctx context.Context, asOf watermark.Watermark) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return ErrClosed
	case StateDisconnected:
	default:
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("subscription %s is %s", s.opts.Table, st)
	}
	s.state = StateConnecting
	s.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	err := s.connect(cctx, asOf)
	if err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("subscribe %s: %w after %s", s.opts.Table, ErrConnectTimeout, s.opts.ConnectTimeout)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrClosed
	}
	if err != nil {
		if s.stream != nil {
			s.stream.Close()
			s.stream = nil
		}
		s.state = StateDisconnected
		return err
	}
	s.state = StateConnected
	s.logger.Info("Subscription started", "as_of", asOf.String(), "columns", len(s.schema.Columns))
	return nil
}

func (s *Subscription) connect(ctx context.Context, asOf watermark.Watermark) error {
	table := s.opts.Table

	stream, err := s.dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("connect %s: %w", table, err)
	}
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		stream.Close()
		return ErrClosed
	}
	s.stream = stream
	s.mu.Unlock()

	prefix := append(append([]string(nil), s.opts.Session...), s.opts.Bootstrap...)
	tail := []string{IntrospectionQuery(table), SubscribeQuery(table, asOf)}
	introIdx := len(prefix)
	subscribeIdx := introIdx + 1

	if err := stream.Send(ctx, append(prefix, tail...)); err != nil {
		return fmt.Errorf("connect %s: %w", table, err)
	}

	idx := 0
	reissue := false
	builder := newSchemaBuilder(table)
	for {
		f, err := stream.Recv(ctx)
		if err != nil {
			return fmt.Errorf("connect %s: %w", table, err)
		}

		switch f.Type {
		case FrameRow:
			switch idx {
			case introIdx:
				if err := builder.add(f.Values); err != nil {
					return fmt.Errorf("introspect %s: %w", table, err)
				}
			case subscribeIdx:
				ev, err := DecodeEvent(f.Values)
				if err != nil {
					return fmt.Errorf("subscribe %s: %w", table, err)
				}
				s.first = &ev
				return nil
			}

		case FrameCommandComplete:
			if idx == introIdx {
				spec, err := builder.build()
				if err != nil {
					return err
				}
				s.schema = spec
			}
			idx++

		case FrameError:
			if idx >= len(s.opts.Session) && idx < introIdx && IsAlreadyExists(f.Err) {
				s.logger.Debug("Bootstrap object already exists", "error", f.Err.Message)
				reissue = true
				continue
			}
			if idx == subscribeIdx && IsOutOfBounds(f.Err) {
				return fmt.Errorf("subscribe %s as of %s: %w: %w", table, asOf, ErrOutOfBoundsTimestamp, f.Err)
			}
			return fmt.Errorf("connect %s: %w", table, f.Err)

		case FrameReadyForQuery:
			if !reissue {
				return fmt.Errorf("connect %s: subscription ended before its first row: %w", table, ErrStreamClosed)
			}
			reissue = false
			idx = introIdx
			builder = newSchemaBuilder(table)
			if err := stream.Send(ctx, tail); err != nil {
				return fmt.Errorf("connect %s: %w", table, err)
			}
		}
	}
}

// Run forwards decoded subscription rows to out until ctx is done or the
// stream fails. A failure is delivered as a final Delivery with Err set.
// Run must be called at most once, after a successful Connect.
func (s *Subscription) Run(ctx context.Context, out chan<- Delivery) {
	s.mu.Lock()
	stream := s.stream
	state := s.state
	s.mu.Unlock()

	send := func(d Delivery) bool {
		d.Sub = s
		select {
		case out <- d:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if state != StateConnected || stream == nil {
		send(Delivery{Err: fmt.Errorf("run %s: %w", s.opts.Table, ErrClosed)})
		return
	}
	if s.first != nil && !send(Delivery{Event: *s.first}) {
		return
	}

	for {
		f, err := stream.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			send(Delivery{Err: fmt.Errorf("subscription %s: %w", s.opts.Table, err)})
			return
		}

		switch f.Type {
		case FrameRow:
			ev, err := DecodeEvent(f.Values)
			if err != nil {
				send(Delivery{Err: fmt.Errorf("subscription %s: %w", s.opts.Table, err)})
				return
			}
			if !send(Delivery{Event: ev}) {
				return
			}
		case FrameError:
			send(Delivery{Err: fmt.Errorf("subscription %s: %w", s.opts.Table, f.Err)})
			return
		case FrameCommandComplete, FrameReadyForQuery:
			send(Delivery{Err: fmt.Errorf("subscription %s: %w", s.opts.Table, ErrStreamClosed)})
			return
		}
	}
}

// Observe applies an event from Run. Data events are buffered as pending.
// It reports whether progress advanced; a timestamp at or below the current
// progress changes nothing.
func (s *Subscription) Observe(ev ChangeEvent) bool {
	if !ev.Progress {
		s.pending = append(s.pending, ev)
	}
	if s.progress.Less(ev.Timestamp) {
		s.progress = ev.Timestamp
		return true
	}
	return false
}

// Close releases the upstream stream. It is safe to call more than once and
// from any goroutine.
func (s *Subscription) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	stream := s.stream
	s.mu.Unlock()

	if stream != nil {
		return stream.Close()
	}
	return nil
}

// Table returns the configured table name.
func (s *Subscription) Table() string { return s.opts.Table }

// Progress is the highest timestamp below which every change has been observed.
func (s *Subscription) Progress() watermark.Watermark { return s.progress }

// Pending returns buffered data events not yet staged.
func (s *Subscription) Pending() []ChangeEvent { return s.pending }

// SetPending replaces the pending buffer.
func (s *Subscription) SetPending(p []ChangeEvent) { s.pending = p }

// Staged returns the net row changes awaiting the next flush.
func (s *Subscription) Staged() *StagedDeltas { return s.staged }

// Schema returns the introspected table spec, or nil before Connect succeeds.
func (s *Subscription) Schema() *cdc.TableSpec { return s.schema }

// State returns the lifecycle state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
