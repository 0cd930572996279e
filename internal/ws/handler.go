package ws

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/remote-agent-terminal/termbridge/internal/metrics"
	"github.com/remote-agent-terminal/termbridge/internal/session"
)

const (
	readBufferSize  = 1024
	writeBufferSize = 4096
)

// CheckOrigin returns an origin policy for the upgrader. "*" allows every
// origin. Requests without an Origin header come from non-browser clients
// and are always allowed.
func CheckOrigin(allowed []string) func(r *http.Request) bool {
	allowAll := false
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		o = strings.TrimSpace(o)
		if o == "*" {
			allowAll = true
		}
		set[strings.ToLower(strings.TrimSuffix(o, "/"))] = struct{}{}
	}

	return func(r *http.Request) bool {
		if allowAll {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(strings.TrimSuffix(origin, "/"))]
		return ok
	}
}

// Handler upgrades terminal connections and bridges each one to its own shell.
type Handler struct {
	upgrader websocket.Upgrader
	cfg      session.Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	listener session.Listener
	spawner  session.Spawner

	active sync.WaitGroup
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the logger passed to every session.
func WithLogger(logger *zap.Logger) HandlerOption {
	return func(h *Handler) { h.logger = logger }
}

// WithMetrics sets the metrics passed to every session.
func WithMetrics(m *metrics.Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// WithListener registers a lifecycle listener on every session.
func WithListener(l session.Listener) HandlerOption {
	return func(h *Handler) { h.listener = l }
}

// WithSpawner replaces the PTY spawner, mainly for tests.
func WithSpawner(spawn session.Spawner) HandlerOption {
	return func(h *Handler) { h.spawner = spawn }
}

// WithAllowedOrigins restricts which browser origins may connect.
func WithAllowedOrigins(origins []string) HandlerOption {
	return func(h *Handler) { h.upgrader.CheckOrigin = CheckOrigin(origins) }
}

// NewHandler creates a Handler that starts every session with cfg.
func NewHandler(cfg session.Config, opts ...HandlerOption) *Handler {
	h := &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readBufferSize,
			WriteBufferSize: writeBufferSize,
			CheckOrigin:     CheckOrigin([]string{"*"}),
		},
		cfg:     cfg,
		logger:  zap.NewNop(),
		spawner: session.PTYSpawner,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP upgrades the request and blocks until the session ends. The
// session is closed when the request context is cancelled, so the server's
// base context doubles as the shutdown signal.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied with an HTTP error.
		h.logger.Debug("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	opts := []session.Option{
		session.WithLogger(h.logger),
		session.WithMetrics(h.metrics),
		session.WithSpawner(h.spawner),
		session.WithRemoteAddr(r.RemoteAddr),
	}
	if h.listener != nil {
		opts = append(opts, session.WithListener(h.listener))
	}

	h.active.Add(1)
	defer h.active.Done()

	s := session.New(conn, h.cfg, opts...)
	if err := s.Run(r.Context()); err != nil {
		h.logger.Debug("session ended with error", zap.String("session_id", s.ID()), zap.Error(err))
	}
}

// Wait blocks until every session started by h has been torn down or ctx
// expires. Call it after cancelling the server's base context.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
