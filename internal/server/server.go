// Package server exposes the change stream, the transform endpoint and a
// health check over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-materialize/internal/config"
	"github.com/katasec/dstream-ingester-materialize/internal/locking"
	"github.com/katasec/dstream-ingester-materialize/internal/logging"
	"github.com/katasec/dstream-ingester-materialize/internal/materialize"
	"github.com/katasec/dstream-ingester-materialize/internal/session"
	"github.com/katasec/dstream-ingester-materialize/internal/transform"
	"github.com/katasec/dstream-ingester-materialize/pkg/cdc"
)

const (
	StreamPath = "/changes/v0/stream"
	QueryPath  = "/query"
	HealthPath = "/healthz"

	maxQueryBody      = 1 << 20
	shutdownTimeout   = 10 * time.Second
	leaseCheckTimeout = 5 * time.Second
)

// Server routes downstream connections to sessions.
type Server struct {
	cfg         *config.Config
	sessions    *session.Manager
	transformer *transform.Transformer
	router      *mux.Router
	upgrader    websocket.Upgrader
	logger      hclog.Logger
}

// New returns a server using the given session manager and transformer.
func New(cfg *config.Config, sessions *session.Manager, transformer *transform.Transformer) *Server {
	s := &Server{
		cfg:         cfg,
		sessions:    sessions,
		transformer: transformer,
		router:      mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// downstream clients connect from arbitrary origins
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logging.Named("server"),
	}
	s.router.HandleFunc(StreamPath, s.handleStream).Methods(http.MethodGet)
	s.router.HandleFunc(QueryPath, s.handleQuery).Methods(http.MethodPost)
	s.router.HandleFunc(HealthPath, s.handleHealth).Methods(http.MethodGet)
	return s
}

// NewFromConfig wires the upstream dialer, shard locks and transformer from cfg.
func NewFromConfig(cfg *config.Config) (*Server, error) {
	dialer, err := materialize.NewDialer(cfg.Upstream)
	if err != nil {
		return nil, err
	}
	lockers := locking.NewLockerFactory(
		cfg.Lock.Type,
		cfg.Lock.ConnectionString,
		cfg.Lock.ContainerName,
		cfg.Upstream.Host,
	)
	return New(cfg, session.NewManager(cfg, dialer, lockers), transform.New(cfg.Queries)), nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address until ctx is cancelled, then shuts
// down. Open sessions are cancelled along with ctx.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Listening", "address", s.cfg.ListenAddress, "upstream", s.cfg.Upstream.Host, "driver", s.cfg.Upstream.Driver)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to serve: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Context cancelled, shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	shardID := q.Get("shardNum")
	if shardID == "" {
		shardID = q.Get("shardID")
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	peer := newPeer(conn)
	go peer.readPump(cancel)

	err = s.sessions.Open(ctx, session.Request{
		ShardID:       shardID,
		LastWatermark: q.Get("lastWatermark"),
	}, peer)
	if err != nil {
		s.logger.Info("Stream closed", "shard", shardID, "remote", r.RemoteAddr, "error", err)
	}
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxQueryBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, cdc.ErrorPayload{Error: err.Error()})
		return
	}

	out, err := s.transformer.Handle(body)
	if err != nil {
		if errors.Is(err, transform.ErrBadRequest) {
			writeJSON(w, http.StatusBadRequest, cdc.ErrorPayload{Error: err.Error()})
			return
		}
		s.logger.Error("Transform failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, cdc.ErrorPayload{Error: err.Error()})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

type healthResponse struct {
	Status   string         `json:"status"`
	Sessions []session.Info `json:"sessions"`
	Leases   []string       `json:"leases"`
}

// handleHealth reports active sessions and the shard leases they still hold.
// A lease store that cannot be read makes the bridge "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Sessions: s.sessions.Active()}

	ctx, cancel := context.WithTimeout(r.Context(), leaseCheckTimeout)
	defer cancel()
	leases, err := s.sessions.HeldLeases(ctx)
	if err != nil {
		s.logger.Warn("Failed to check shard leases", "error", err)
		resp.Status = "degraded"
	}
	resp.Leases = leases

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
