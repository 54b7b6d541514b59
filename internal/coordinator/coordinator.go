// Package coordinator turns the concurrent upstream subscriptions of one
// downstream connection into a single ordered stream of transactions.
//
// Every subscription reports progress independently. A transaction for
// watermark w is only built once all of them have progressed to at least w
// (the low watermark), so each one is a consistent cut across tables.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/katasec/dstream-ingester-materialize/internal/changemaker"
	"github.com/katasec/dstream-ingester-materialize/internal/config"
	"github.com/katasec/dstream-ingester-materialize/internal/logging"
	"github.com/katasec/dstream-ingester-materialize/internal/materialize"
	"github.com/katasec/dstream-ingester-materialize/pkg/cdc"
	"github.com/katasec/dstream-ingester-materialize/pkg/watermark"
)

// ErrResetSent is returned by Run after the reset-required message went out.
// The downstream connection must be closed.
var ErrResetSent = errors.New("reset required sent")

// Options configures a Coordinator.
type Options struct {
	ShardID string
	// Tables in configuration order. Exactly one should be the bookkeeping table.
	Tables      []config.TableConfig
	Bookkeeping string
	Mode        SyncMode
	// Resume is the client's last watermark. Only used in ModeSyncing.
	Resume watermark.Watermark
	// Session statements run on every upstream connection.
	Session        []string
	ConnectTimeout time.Duration
	Logger         hclog.Logger
}

// Stats summarises what a coordinator has shipped.
type Stats struct {
	Mode          string `json:"mode"`
	Transactions  uint64 `json:"transactions"`
	Rows          uint64 `json:"rows"`
	LastWatermark string `json:"lastWatermark,omitempty"`
}

// Coordinator owns the subscriptions of one shard connection. Subscription
// state, previousLow and mode are only touched from the goroutine running Run.
type Coordinator struct {
	opts        Options
	sink        cdc.Sink
	changes     *changemaker.ChangeMaker
	logger      hclog.Logger
	subs        []*materialize.Subscription
	bookkeeping *materialize.Subscription

	mode        SyncMode
	previousLow watermark.Watermark

	statsMu sync.Mutex
	stats   Stats

	closeOnce sync.Once
}

// New builds a coordinator with one subscription per configured table.
func New(dialer materialize.Dialer, sink cdc.Sink, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Named("coordinator")
	}
	logger = logger.With("shard", opts.ShardID)

	c := &Coordinator{
		opts:        opts,
		sink:        sink,
		changes:     changemaker.New(),
		logger:      logger,
		mode:        opts.Mode,
		previousLow: watermark.Min,
	}
	c.stats.Mode = opts.Mode.String()

	for _, t := range opts.Tables {
		sub := materialize.NewSubscription(dialer, materialize.Options{
			Table:          t.Name,
			Session:        opts.Session,
			Bootstrap:      t.Bootstrap,
			ConnectTimeout: opts.ConnectTimeout,
			Logger:         logger.Named("subscription"),
		})
		c.subs = append(c.subs, sub)
		if t.Name == opts.Bookkeeping {
			c.bookkeeping = sub
		}
	}
	return c
}

// Subscriptions returns the owned subscriptions in configuration order.
func (c *Coordinator) Subscriptions() []*materialize.Subscription {
	return c.subs
}

// Mode returns the current sync mode.
func (c *Coordinator) Mode() SyncMode {
	return c.mode
}

// Connect starts every subscription concurrently. On failure all of them
// are closed and the first error is returned.
func (c *Coordinator) Connect(ctx context.Context) error {
	asOf := watermark.Min
	if c.mode == ModeSyncing {
		asOf = c.opts.Resume
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range c.subs {
		g.Go(func() error {
			return sub.Connect(gctx, asOf)
		})
	}
	if err := g.Wait(); err != nil {
		c.Close()
		return err
	}
	c.logger.Info("All subscriptions connected", "tables", len(c.subs), "mode", c.mode, "as_of", asOf.String())
	return nil
}

// Run is the event loop. It returns nil when ctx is cancelled, ErrResetSent
// after a reset, or the first upstream or downstream error.
func (c *Coordinator) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	deliveries := make(chan materialize.Delivery, 64)
	for _, sub := range c.subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub.Run(ctx, deliveries)
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-deliveries:
			if err := c.handle(ctx, d); err != nil {
				if ctx.Err() != nil && errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, d materialize.Delivery) error {
	if d.Err != nil {
		return d.Err
	}
	if !d.Sub.Observe(d.Event) {
		return nil
	}
	return c.advance(ctx)
}

// lowWatermark is the minimum progress over all subscriptions. It stays Min
// until every subscription has reported.
func (c *Coordinator) lowWatermark() watermark.Watermark {
	var low watermark.Watermark
	for i, sub := range c.subs {
		p := sub.Progress()
		if p.IsMin() {
			return watermark.Min
		}
		if i == 0 || p.Less(low) {
			low = p
		}
	}
	return low
}

func (c *Coordinator) advance(ctx context.Context) error {
	low := c.lowWatermark()
	if low.IsMin() || !c.previousLow.Less(low) {
		return nil
	}

	for _, sub := range c.subs {
		var keep []materialize.ChangeEvent
		for _, ev := range sub.Pending() {
			if ev.Timestamp.Less(low) {
				sub.Staged().Merge(ev.Values, ev.Diff)
			} else {
				keep = append(keep, ev)
			}
		}
		sub.SetPending(keep)
	}
	c.previousLow = low
	return c.flush(ctx, low)
}

// flush builds and sends at most one transaction committing at low.
func (c *Coordinator) flush(ctx context.Context, low watermark.Watermark) error {
	wm, err := watermark.Encode(low)
	if err != nil {
		return fmt.Errorf("encode watermark %s: %w", low, err)
	}

	msgs := []cdc.Message{c.changes.Begin(wm)}
	nonEmpty := false

	switch c.mode {
	case ModeReset:
		if err := c.sink.Send(ctx, []cdc.Message{c.changes.ResetRequired()}); err != nil {
			return fmt.Errorf("send reset: %w", err)
		}
		c.logger.Info("Sent reset-required", "watermark", low.String())
		return ErrResetSent

	case ModeInitial:
		if c.bookkeeping != nil && c.bookkeeping.Staged().Len() == 0 {
			c.logger.Debug("Deferring initial transaction until bookkeeping data arrives", "watermark", low.String())
			return nil
		}
		msgs = append(msgs, c.changes.RequiredBootstrapTables(c.opts.ShardID)...)
		for _, sub := range c.subs {
			spec := sub.Schema()
			if spec == nil {
				continue
			}
			tableMsgs, err := c.changes.CreateTable(*spec)
			if err != nil {
				return err
			}
			msgs = append(msgs, tableMsgs...)
		}
		nonEmpty = true
		c.mode = Next(c.mode, EventBootstrapped)
	}

	var deletes, inserts []cdc.Message
	for _, sub := range c.subs {
		entries := sub.Staged().Drain()
		if len(entries) == 0 {
			continue
		}
		spec := sub.Schema()
		if spec == nil {
			return fmt.Errorf("table %s has staged rows but no schema", sub.Table())
		}
		for _, e := range entries {
			row, err := materialize.RowFromValues(spec, e.Values)
			if err != nil {
				return err
			}
			if e.Diff != 1 && e.Diff != -1 {
				c.logger.Warn("Unexpected row multiplicity, shipping by sign", "table", sub.Table(), "diff", e.Diff, "row", e.Key)
			}
			if e.Diff < 0 {
				deletes = append(deletes, c.changes.Delete(sub.Table(), row))
			} else {
				inserts = append(inserts, c.changes.Insert(sub.Table(), row))
			}
		}
	}

	if !nonEmpty && len(deletes) == 0 && len(inserts) == 0 {
		return nil
	}
	msgs = append(msgs, deletes...)
	msgs = append(msgs, inserts...)
	msgs = append(msgs, c.changes.Commit(wm))

	if err := c.sink.Send(ctx, msgs); err != nil {
		return fmt.Errorf("send transaction %s: %w", wm, err)
	}

	c.statsMu.Lock()
	c.stats.Mode = c.mode.String()
	c.stats.Transactions++
	c.stats.Rows += uint64(len(deletes) + len(inserts))
	c.stats.LastWatermark = wm
	c.statsMu.Unlock()

	c.logger.Debug("Sent transaction", "watermark", low.String(), "deletes", len(deletes), "inserts", len(inserts))
	return nil
}

// Stats returns a snapshot of shipping counters. Safe from any goroutine.
func (c *Coordinator) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

// Close closes every subscription. It is idempotent.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		for _, sub := range c.subs {
			if err := sub.Close(); err != nil {
				c.logger.Warn("Failed to close subscription", "table", sub.Table(), "error", err)
			}
		}
	})
}
