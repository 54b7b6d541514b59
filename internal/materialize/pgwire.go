package materialize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/katasec/dstream-ingester-materialize/internal/config"
	"github.com/katasec/dstream-ingester-materialize/internal/logging"
)

const (
	defaultPgwirePort = "6875"
	cursorName        = "mz_subscribe"
)

// PgwireConnString builds a postgres URL for the upstream region.
func PgwireConnString(cfg *config.UpstreamConfig) string {
	host := cfg.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, defaultPgwirePort)
	}

	u := url.URL{Scheme: "postgres", Host: host, Path: "/" + cfg.Database}
	if cfg.User != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	}
	q := url.Values{}
	if cfg.Insecure {
		q.Set("sslmode", "disable")
	} else {
		q.Set("sslmode", "require")
	}
	q.Set("application_name", "materialize-bridge")
	u.RawQuery = q.Encode()
	return u.String()
}

// PgwireDialer connects over the postgres wire protocol. SUBSCRIBE runs
// through a cursor that is fetched in a loop.
type PgwireDialer struct {
	ConnString   string
	FetchTimeout time.Duration
}

// Dial connects and verifies the session with a ping.
func (d *PgwireDialer) Dial(ctx context.Context) (Stream, error) {
	conn, err := pgx.Connect(ctx, d.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to upstream: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close(context.Background())
		return nil, fmt.Errorf("failed to ping upstream: %w", err)
	}

	fetch := d.FetchTimeout
	if fetch <= 0 {
		fetch = time.Second
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s := &pgStream{
		conn:         conn,
		fetchTimeout: fetch,
		src:          newFrameSource(),
		ctx:          runCtx,
		cancel:       cancel,
		logger:       logging.Named("upstream-pgwire").With("host", conn.Config().Host),
	}
	s.logger.Debug("Successfully connected to upstream")
	return s, nil
}

type pgStream struct {
	conn         *pgx.Conn
	fetchTimeout time.Duration
	src          *frameSource
	logger       hclog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// pgx.Conn is not safe for concurrent use; one batch runs at a time
	execMu    sync.Mutex
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func (s *pgStream) Send(ctx context.Context, statements []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ctx.Err(); err != nil {
		return ErrStreamClosed
	}
	stmts := append([]string(nil), statements...)
	s.wg.Add(1)
	go s.run(stmts)
	return nil
}

func (s *pgStream) Recv(ctx context.Context) (Frame, error) {
	return s.src.recv(ctx)
}

func (s *pgStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		close(s.src.done)
		s.wg.Wait()
		err = s.conn.Close(context.Background())
	})
	return err
}

func (s *pgStream) run(statements []string) {
	defer s.wg.Done()
	s.execMu.Lock()
	defer s.execMu.Unlock()

	for _, stmt := range statements {
		var err error
		if isSubscribe(stmt) {
			err = s.subscribe(stmt)
		} else {
			err = s.exec(stmt)
		}
		if err == nil {
			continue
		}
		if s.ctx.Err() != nil {
			return
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			s.src.emit(Frame{Type: FrameError, Err: &UpstreamError{
				Message: pgErr.Message,
				Code:    pgErr.Code,
				Detail:  pgErr.Detail,
				Hint:    pgErr.Hint,
			}})
			s.src.emit(Frame{Type: FrameReadyForQuery})
			return
		}
		s.src.fail(err)
		return
	}
	s.src.emit(Frame{Type: FrameReadyForQuery})
}

func (s *pgStream) exec(stmt string) error {
	rows, err := s.conn.Query(s.ctx, stmt, pgx.QueryExecModeSimpleProtocol)
	if err != nil {
		return err
	}
	defer rows.Close()

	s.src.emit(Frame{Type: FrameCommandStarting})
	if fields := rows.FieldDescriptions(); len(fields) > 0 {
		s.src.emit(Frame{Type: FrameRows, Columns: fieldNames(fields)})
	}
	if err := s.forwardRows(rows); err != nil {
		return err
	}
	s.src.emit(Frame{Type: FrameCommandComplete, Tag: rows.CommandTag().String()})
	return nil
}

// subscribe declares a cursor over the SUBSCRIBE and fetches from it until
// the stream is closed or the upstream fails.
func (s *pgStream) subscribe(stmt string) error {
	tx, err := s.conn.Begin(s.ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(context.Background())

	if _, err := tx.Exec(s.ctx, fmt.Sprintf("DECLARE %s CURSOR FOR %s", cursorName, stmt), pgx.QueryExecModeSimpleProtocol); err != nil {
		return err
	}
	s.src.emit(Frame{Type: FrameCommandStarting})

	fetch := fmt.Sprintf("FETCH ALL %s WITH (timeout = '%dms')", cursorName, s.fetchTimeout.Milliseconds())
	described := false
	for {
		rows, err := tx.Query(s.ctx, fetch, pgx.QueryExecModeSimpleProtocol)
		if err != nil {
			return err
		}
		if !described {
			s.src.emit(Frame{Type: FrameRows, Columns: fieldNames(rows.FieldDescriptions())})
			described = true
		}
		err = s.forwardRows(rows)
		rows.Close()
		if err != nil {
			return err
		}
		if s.ctx.Err() != nil {
			return s.ctx.Err()
		}
	}
}

func (s *pgStream) forwardRows(rows pgx.Rows) error {
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return err
		}
		raw, err := encodeValues(vals)
		if err != nil {
			return err
		}
		if !s.src.emit(Frame{Type: FrameRow, Values: raw}) {
			return ErrStreamClosed
		}
	}
	return rows.Err()
}

func fieldNames(fields []pgconn.FieldDescription) []string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}

func encodeValues(vals []any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(vals))
	for i, v := range vals {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode column %d: %w", i, err)
		}
		out[i] = b
	}
	return out, nil
}
