// Package web serves the local HTTP surface: health, session listing, push
// subscription management and the live notification feed.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/asheshgoplani/conductor/internal/confirm"
	"github.com/asheshgoplani/conductor/internal/logging"
	"github.com/asheshgoplani/conductor/internal/notify"
	"github.com/asheshgoplani/conductor/internal/session"
)

var webLog = logging.ForComponent(logging.CompWeb)

const DefaultListenAddr = "127.0.0.1:8421"

// SessionLister is the read side of the session manager.
type SessionLister interface {
	List() []session.Session
}

// ActionHandler runs confirmed destructive actions. *daemon.Daemon
// satisfies it.
type ActionHandler interface {
	RequestAction(user, action, identifier string) (confirm.Pending, error)
	ConfirmAction(ctx context.Context, user, action, identifier string) (*session.Session, error)
}

// Config defines runtime options for the web server.
type Config struct {
	ListenAddr string
	Token      string
	Sessions   SessionLister
	Actions    ActionHandler
	// Push and Feed are optional; their routes answer 503 when nil.
	Push *notify.PushTransport
	Feed *notify.FeedTransport
}

// Server wraps an HTTP server for the daemon's local API.
type Server struct {
	cfg        Config
	httpServer *http.Server
	baseCtx    context.Context
	cancelBase context.CancelFunc
	started    time.Time
}

// NewServer creates a new web server with routes and middleware.
func NewServer(cfg Config) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	s := &Server{cfg: cfg, started: time.Now()}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/sessions", s.requireAuth(s.handleSessions))
	mux.HandleFunc("/api/actions/request", s.requireAuth(s.handleActionRequest))
	mux.HandleFunc("/api/actions/confirm", s.requireAuth(s.handleActionConfirm))
	mux.HandleFunc("/api/push/config", s.requireAuth(s.handlePushConfig))
	mux.HandleFunc("/api/push/subscribe", s.requireAuth(s.handlePushSubscribe))
	mux.HandleFunc("/api/push/unsubscribe", s.requireAuth(s.handlePushUnsubscribe))
	mux.HandleFunc("/ws/events", s.requireAuth(s.handleEventsWS))

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string { return s.httpServer.Addr }

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start serves until Shutdown. Returns nil on graceful shutdown.
func (s *Server) Start() error {
	webLog.Info("web_listening", slog.String("addr", s.cfg.ListenAddr), slog.Bool("auth", s.cfg.Token != ""))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web: listen %s: %w", s.cfg.ListenAddr, err)
	}
	return nil
}

// Run serves until ctx is cancelled, then shuts down within 5s.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	// Long-lived websocket handlers watch the base context.
	s.cancelBase()

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr != nil {
			return fmt.Errorf("web: graceful shutdown timed out and force close failed: %w", closeErr)
		}
		return nil
	}
	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	resp := map[string]any{
		"ok":      true,
		"uptimeS": int(time.Since(s.started).Seconds()),
		"time":    time.Now().UTC().Format(time.RFC3339),
	}
	if s.cfg.Feed != nil {
		resp["feedClients"] = s.cfg.Feed.Clients()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				webLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) String() string {
	return fmt.Sprintf("web-server(addr=%s, auth=%t)", s.cfg.ListenAddr, s.cfg.Token != "")
}
