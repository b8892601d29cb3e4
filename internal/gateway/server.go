// Package gateway serves the chat WebSocket endpoint.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"marketchat/internal/bus"
	"marketchat/internal/dispatch"
	"marketchat/internal/domain"
	"marketchat/internal/metrics"
	"marketchat/internal/registry"
)

// Conversations is the read path a session queries.
type Conversations interface {
	Summaries(ctx context.Context, viewer string) ([]domain.Conversation, error)
	History(ctx context.Context, viewer string, key domain.ConversationKey) ([]domain.Message, error)
}

// Dispatcher is the write path a session calls into.
type Dispatcher interface {
	Send(ctx context.Context, from dispatch.Origin, target dispatch.Target, content, messageType string) (domain.Message, error)
	SignalTyping(ctx context.Context, from domain.Identity, key domain.ConversationKey) error
	MarkRead(ctx context.Context, caller dispatch.Origin, messageID string) (bool, error)
}

// Config configures the gateway server.
type Config struct {
	Host            string
	Port            int
	Path            string   // WebSocket endpoint path (default: /ws)
	AllowedOrigins  []string // empty allows any origin
	MaxFrameBytes   int64
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingInterval    time.Duration
	FramesPerMinute float64
	FrameBurst      int
	MetricsEnabled  bool
	MetricsPath     string
}

func (c *Config) applyDefaults() {
	if c.Path == "" {
		c.Path = "/ws"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 16 << 10
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongTimeout {
		c.PingInterval = c.PongTimeout * 9 / 10
	}
	if c.MetricsPath == "" {
		c.MetricsPath = "/metrics"
	}
}

// Server accepts chat connections and runs one session per connection.
type Server struct {
	cfg           Config
	verifier      domain.TokenVerifier
	registry      registry.Registry
	conversations Conversations
	dispatcher    Dispatcher
	events        *bus.EventBus
	logger        *slog.Logger
	upgrader      websocket.Upgrader
	validate      *validator.Validate
	server        *http.Server

	baseCtx context.Context
	mu      sync.Mutex
	clients map[*session]struct{}
	wg      sync.WaitGroup
}

// Deps are the collaborators a Server needs.
type Deps struct {
	Verifier      domain.TokenVerifier
	Registry      registry.Registry
	Conversations Conversations
	Dispatcher    Dispatcher
	Events        *bus.EventBus
	Logger        *slog.Logger
}

func NewServer(cfg Config, deps Deps) *Server {
	cfg.applyDefaults()
	s := &Server{
		cfg:           cfg,
		verifier:      deps.Verifier,
		registry:      deps.Registry,
		conversations: deps.Conversations,
		dispatcher:    deps.Dispatcher,
		events:        deps.Events,
		logger:        deps.Logger,
		validate:      newValidator(),
		baseCtx:       context.Background(),
		clients:       make(map[*session]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns the HTTP routes served by the gateway.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+s.cfg.Path, s.handleUpgrade)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.cfg.MetricsEnabled {
		mux.Handle("GET "+s.cfg.MetricsPath, metrics.Collector.Handler())
	}
	return mux
}

// Start serves until ctx is cancelled, then closes every session and shuts down.
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("chat gateway starting", "addr", s.server.Addr, "path", s.cfg.Path)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.server.Shutdown(shutdownCtx)
		s.closeAllClients()
		s.wg.Wait()
		s.logger.Info("chat gateway stopped")
		return err
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	id, err := s.verifier.Verify(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		metrics.AuthFailures.Inc()
		s.logger.Info("websocket authentication failed", "remote", r.RemoteAddr, "err", err)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication required")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout))
		conn.Close()
		return
	}

	sess := newSession(s, conn, id)
	s.mu.Lock()
	s.clients[sess] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, sess)
		s.mu.Unlock()
		s.wg.Done()
	}()

	sess.run(s.baseCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"connections": s.registry.Count(),
		"uptime":      metrics.Collector.Uptime().Round(time.Second).String(),
	})
}

// newValidator reports field errors by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.cfg.AllowedOrigins, origin)
}

// closeAllClients closes every tracked session. Close writes to the socket,
// so it runs outside s.mu to let finishing handlers deregister meanwhile.
func (s *Server) closeAllClients() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.clients))
	for sess := range s.clients {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close(websocket.CloseGoingAway, "server shutting down")
	}
}
