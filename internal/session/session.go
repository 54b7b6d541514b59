// Package session serves one downstream change stream connection per shard.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-materialize/internal/config"
	"github.com/katasec/dstream-ingester-materialize/internal/coordinator"
	"github.com/katasec/dstream-ingester-materialize/internal/locking"
	"github.com/katasec/dstream-ingester-materialize/internal/logging"
	"github.com/katasec/dstream-ingester-materialize/internal/materialize"
	"github.com/katasec/dstream-ingester-materialize/internal/utils"
	"github.com/katasec/dstream-ingester-materialize/pkg/cdc"
	"github.com/katasec/dstream-ingester-materialize/pkg/watermark"
)

var (
	// ErrMissingShard rejects a connection without a shard id.
	ErrMissingShard = errors.New("missing shard id")
	// ErrShardInUse rejects a second connection for a shard that is being served.
	ErrShardInUse = errors.New("shard already connected")
	// ErrRetriesExhausted means every upstream connect attempt failed.
	ErrRetriesExhausted = errors.New("upstream connect retries exhausted")
)

// ErrorMessage is the text sent to the peer in an error frame. It never
// carries the wrapped error chain; the detail is logged instead.
func ErrorMessage(err error) string {
	var upstream *materialize.UpstreamError
	switch {
	case errors.Is(err, ErrMissingShard):
		return "No shardID provided"
	case errors.Is(err, ErrShardInUse):
		return "Already connected"
	case errors.Is(err, watermark.ErrMalformed):
		return "Invalid lastWatermark"
	case errors.Is(err, ErrRetriesExhausted):
		return "Upstream unavailable, retries exhausted"
	case errors.As(err, &upstream):
		return "Upstream error"
	}
	return "Internal error"
}

// Downstream is the peer a session streams to.
type Downstream interface {
	cdc.Sink
	// SendError writes a single {"error": message} frame.
	SendError(message string) error
	Close() error
}

// Request identifies the stream a peer asks for.
type Request struct {
	ShardID string
	// LastWatermark is the encoded watermark of the last commit the peer applied, if any.
	LastWatermark string
}

// Info describes an active session.
type Info struct {
	ID      string            `json:"id"`
	ShardID string            `json:"shardID"`
	Since   time.Time         `json:"since"`
	Stats   coordinator.Stats `json:"stats"`
}

type session struct {
	id      string
	shardID string
	since   time.Time

	mu       sync.Mutex
	coord    *coordinator.Coordinator
	locker   locking.DistributedLocker
	lockName string
}

// Manager owns the active sessions, at most one per shard.
type Manager struct {
	cfg     *config.Config
	dialer  materialize.Dialer
	lockers *locking.LockerFactory
	logger  hclog.Logger

	mu     sync.Mutex
	active map[string]*session
}

// NewManager returns a manager connecting upstream through dialer.
func NewManager(cfg *config.Config, dialer materialize.Dialer, lockers *locking.LockerFactory) *Manager {
	return &Manager{
		cfg:     cfg,
		dialer:  dialer,
		lockers: lockers,
		logger:  logging.Named("session"),
		active:  make(map[string]*session),
	}
}

// Open serves req to peer until ctx is cancelled (the peer went away), the
// upstream fails, or a reset was sent. The peer is always closed on return,
// after an error frame if the session failed.
func (m *Manager) Open(ctx context.Context, req Request, peer Downstream) error {
	logger := m.logger.With("shard", req.ShardID)

	reject := func(err error) error {
		logger.Warn("Rejecting connection", "error", err)
		if sendErr := peer.SendError(ErrorMessage(err)); sendErr != nil {
			logger.Debug("Failed to send error frame", "error", sendErr)
		}
		peer.Close()
		return err
	}

	if req.ShardID == "" {
		return reject(ErrMissingShard)
	}

	resume := watermark.Min
	if req.LastWatermark != "" {
		w, err := watermark.Decode(req.LastWatermark)
		if err != nil {
			return reject(fmt.Errorf("invalid lastWatermark: %w", err))
		}
		resume = w
	}

	sess, err := m.reserve(req.ShardID)
	if err != nil {
		return reject(err)
	}
	defer m.unregister(req.ShardID, sess)
	logger = logger.With("session", sess.id)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	release, err := m.lockShard(ctx, sess)
	if err != nil {
		return reject(err)
	}
	defer release()

	coord, err := m.connect(ctx, logger, req.ShardID, resume, peer)
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("Peer went away while connecting upstream")
			peer.Close()
			return err
		}
		return reject(err)
	}
	defer coord.Close()

	sess.mu.Lock()
	sess.coord = coord
	sess.mu.Unlock()
	logger.Info("Session started", "mode", coord.Mode(), "resume", resume.String())

	err = coord.Run(ctx)
	switch {
	case err == nil:
		logger.Info("Session ended")
		peer.Close()
		return nil
	case errors.Is(err, coordinator.ErrResetSent):
		logger.Info("Session reset, peer must reconnect without a watermark")
		peer.Close()
		return nil
	}
	logger.Error("Session failed", "error", err)
	return reject(err)
}

// connect builds and connects a coordinator within the retry budget.
func (m *Manager) connect(ctx context.Context, logger hclog.Logger, shardID string, resume watermark.Watermark, peer Downstream) (*coordinator.Coordinator, error) {
	interval, _ := m.cfg.Retry.GetInterval()
	maxInterval, _ := m.cfg.Retry.GetMaxInterval()
	backoff := utils.NewBackoffManager(interval, maxInterval)
	attempts := m.cfg.Retry.Attempts
	if attempts <= 0 {
		attempts = config.DefaultRetryAttempts
	}

	mode := coordinator.InitialMode(!resume.IsMin())
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := backoff.Wait(ctx); err != nil {
				return nil, err
			}
		}

		coord := coordinator.New(m.dialer, peer, m.coordinatorOptions(shardID, mode, resume, logger))
		err := coord.Connect(ctx)
		if err == nil {
			if ctx.Err() != nil {
				// the peer left while the last subscription was starting
				coord.Close()
				return nil, ctx.Err()
			}
			return coord, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		if errors.Is(err, materialize.ErrOutOfBoundsTimestamp) {
			mode = coordinator.Next(mode, coordinator.EventOutOfBounds)
			resume = watermark.Min
			logger.Warn("Resume watermark no longer available upstream, resetting", "attempt", attempt)
			continue
		}
		logger.Warn("Upstream connect failed", "attempt", attempt, "of", attempts, "error", err)
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, lastErr)
}

func (m *Manager) coordinatorOptions(shardID string, mode coordinator.SyncMode, resume watermark.Watermark, logger hclog.Logger) coordinator.Options {
	timeout, _ := m.cfg.Upstream.GetConnectTimeout()
	var stmts []string
	if m.cfg.Upstream.Cluster != "" {
		stmts = append(stmts, materialize.SetClusterStatement(m.cfg.Upstream.Cluster))
	}
	return coordinator.Options{
		ShardID:        shardID,
		Tables:         m.cfg.Tables,
		Bookkeeping:    m.cfg.BookkeepingTable(),
		Mode:           mode,
		Resume:         resume,
		Session:        stmts,
		ConnectTimeout: timeout,
		Logger:         logger.Named("coordinator"),
	}
}

func (m *Manager) reserve(shardID string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[shardID]; ok {
		return nil, fmt.Errorf("shard %s: %w", shardID, ErrShardInUse)
	}
	s := &session{id: uuid.NewString(), shardID: shardID, since: time.Now()}
	m.active[shardID] = s
	return s, nil
}

func (m *Manager) unregister(shardID string, s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[shardID] == s {
		delete(m.active, shardID)
	}
}

// lockShard takes the shard's lease so no other instance serves it.
func (m *Manager) lockShard(ctx context.Context, sess *session) (func(), error) {
	shardID := sess.shardID
	lockName := m.lockers.GetLockName(shardID)
	locker, err := m.lockers.CreateLocker(ctx, lockName)
	if err != nil {
		return nil, fmt.Errorf("failed to create locker: %w", err)
	}
	leaseID, err := locker.AcquireLock(ctx, lockName)
	if err != nil {
		if errors.Is(err, locking.ErrLockHeld) {
			return nil, fmt.Errorf("shard %s: %w", shardID, ErrShardInUse)
		}
		return nil, fmt.Errorf("failed to lock shard %s: %w", shardID, err)
	}
	locker.StartLockRenewal(ctx, lockName)

	sess.mu.Lock()
	sess.locker, sess.lockName = locker, lockName
	sess.mu.Unlock()

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := locker.ReleaseLock(releaseCtx, lockName, leaseID); err != nil {
			m.logger.Warn("Failed to release shard lock", "lock", lockName, "error", err)
		}
	}, nil
}

func (m *Manager) sessions() []*session {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions := make([]*session, 0, len(m.active))
	for _, s := range m.active {
		sessions = append(sessions, s)
	}
	return sessions
}

// HeldLeases asks the lock store which active shards still hold a live
// lease and returns their lock names, sorted.
func (m *Manager) HeldLeases(ctx context.Context) ([]string, error) {
	held := []string{}
	for _, s := range m.sessions() {
		s.mu.Lock()
		locker, lockName := s.locker, s.lockName
		s.mu.Unlock()
		if locker == nil {
			continue
		}
		names, err := locker.GetLockedShards(ctx, []string{lockName})
		if err != nil {
			return nil, fmt.Errorf("failed to check lease %s: %w", lockName, err)
		}
		held = append(held, names...)
	}
	sort.Strings(held)
	return held, nil
}

// Active lists the sessions currently serving shards, ordered by shard.
func (m *Manager) Active() []Info {
	sessions := m.sessions()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		info := Info{ID: s.id, ShardID: s.shardID, Since: s.since}
		s.mu.Lock()
		if s.coord != nil {
			info.Stats = s.coord.Stats()
		}
		s.mu.Unlock()
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShardID < out[j].ShardID })
	return out
}
