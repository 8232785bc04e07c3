// Package transport exposes project rooms over websockets. Each upgraded
// connection is authenticated before the upgrade and then handed to the
// session layer for its whole life.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/collabhub/internal/health"
	"github.com/p-blackswan/collabhub/internal/identity"
	"github.com/p-blackswan/collabhub/internal/metrics"
	"github.com/p-blackswan/collabhub/internal/requestid"
	"github.com/p-blackswan/collabhub/internal/session"
)

// Sessions serves one connection until it leaves.
type Sessions interface {
	Serve(ctx context.Context, projectID string, conn session.Conn) error
}

// UserRecorder records users seen at connect time.
type UserRecorder interface {
	EnsureUser(ctx context.Context, id, email string) error
}

// Config holds websocket limits.
type Config struct {
	Addr           string
	AllowedOrigins []string
	MsgRate        float64
	MsgBurst       int
	SendQueue      int
	MaxMessageSize int64
}

// DefaultConfig returns the limits used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		MsgRate:        20,
		MsgBurst:       40,
		SendQueue:      256,
		MaxMessageSize: 1 << 20,
	}
}

// Server is the realtime HTTP server: /ws plus probes and metrics.
type Server struct {
	cfg      Config
	verifier identity.Verifier
	sessions Sessions
	users    UserRecorder
	checker  *health.Checker
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mux  *http.ServeMux
	http *http.Server

	baseCtx context.Context
	cancel  context.CancelFunc
	conns   sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics serves /metrics and counts connections.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealth serves /readyz from checker.
func WithHealth(checker *health.Checker) Option {
	return func(s *Server) { s.checker = checker }
}

// WithUserRecorder records every authenticated connection's user.
func WithUserRecorder(u UserRecorder) Option {
	return func(s *Server) { s.users = u }
}

// NewServer creates the realtime server.
func NewServer(cfg Config, verifier identity.Verifier, sessions Sessions, logger zerolog.Logger, opts ...Option) *Server {
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.MsgRate <= 0 {
		cfg.MsgRate = def.MsgRate
	}
	if cfg.MsgBurst < 1 {
		cfg.MsgBurst = def.MsgBurst
	}
	if cfg.SendQueue < 1 {
		cfg.SendQueue = def.SendQueue
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		verifier: verifier,
		sessions: sessions,
		upgrader: makeUpgrader(cfg.AllowedOrigins),
		logger:   logger.With().Str("component", "transport").Logger(),
		baseCtx:  ctx,
		cancel:   cancel,
	}
	for _, o := range opts {
		o(s)
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/healthz", health.LivenessHandler())
	if s.checker != nil {
		s.mux.HandleFunc("/readyz", s.checker.ReadinessHandler())
	}
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics.Handler())
	}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func makeUpgrader(allowed []string) websocket.Upgrader {
	originSet := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		originSet[o] = true
	}
	allowAll := len(allowed) == 0 || originSet["*"]
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler { return s.mux }

// Start listens on the configured address. Blocks until Shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("realtime server starting")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, ends every live session and
// waits for them to leave their rooms.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("realtime server shutting down")
	err := s.http.Shutdown(ctx)
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("projectId")
	if projectID == "" {
		writeProblem(w, http.StatusBadRequest, "missing_project", "projectId query parameter is required")
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token = identity.BearerToken(r.Header.Get("Authorization"))
	}
	id, err := s.verifier.Verify(r.Context(), token)
	if err != nil {
		s.logger.Warn().Err(err).Str("project_id", projectID).Str("ip", r.RemoteAddr).Msg("websocket auth rejected")
		writeProblem(w, http.StatusUnauthorized, "invalid_token", "a valid token is required")
		return
	}
	if s.users != nil && !id.IsAgent() {
		if err := s.users.EnsureUser(r.Context(), id.UserID, id.Email); err != nil {
			s.logger.Warn().Err(err).Str("user_id", id.UserID).Msg("failed to record user")
		}
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	s.conns.Add(1)
	defer s.conns.Done()

	ctx, connID := requestid.NewConn(s.baseCtx)
	log := requestid.Logger(ctx, s.logger).With().Str("project_id", projectID).Str("user_id", id.UserID).Logger()
	c := newConn(connID, id, ws, s.cfg, s.metrics, log)

	s.metrics.ConnOpened()
	log.Info().Msg("client connected")
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("connection handler panicked")
		}
		c.close()
		<-c.writerDone
		_ = ws.Close()
		s.metrics.ConnClosed()
		log.Info().Msg("client disconnected")
	}()

	go c.writeLoop()
	go c.readLoop(s.cfg.MaxMessageSize)

	if err := s.sessions.Serve(ctx, projectID, c); err != nil {
		log.Info().Err(err).Msg("session ended with error")
	}
}

type problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

func writeProblem(w http.ResponseWriter, status int, errType, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem{
		Type:   errType,
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	})
}
