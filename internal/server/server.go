// Package server exposes the swipe API the phone app talks to. All routes
// except the pairing exchange require a bearer token issued for the
// configured device secret.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"mailswipe/internal/gmail"
	"mailswipe/internal/store"
	"mailswipe/internal/unsubscribe"
)

const shutdownTimeout = 15 * time.Second

// Mailbox is the slice of mailbox behavior the handlers need. gmail.Mailbox
// implements it; tests substitute a fake.
type Mailbox interface {
	Trash(ctx context.Context, messageID string) error
	Body(ctx context.Context, messageID string) (string, error)
	UnsubscribeInput(ctx context.Context, messageID string) (gmail.UnsubscribeInput, error)
	Sync(ctx context.Context) error
}

// Config wires a Server together.
type Config struct {
	ListenAddr   string
	DeviceSecret string
	Store        gmail.MessageStore
	Decisions    *store.DecisionLog
	Mailbox      Mailbox
	Engine       *unsubscribe.Engine
	Sender       unsubscribe.MailSender
	Log          *slog.Logger
}

// Server serves the JSON API and owns the one-at-a-time sync gate.
type Server struct {
	addr      string
	store     gmail.MessageStore
	decisions *store.DecisionLog
	mailbox   Mailbox
	engine    *unsubscribe.Engine
	sender    unsubscribe.MailSender
	sessions  *sessionStore
	log       *slog.Logger

	syncMu  sync.Mutex
	baseCtx context.Context
}

func New(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:      cfg.ListenAddr,
		store:     cfg.Store,
		decisions: cfg.Decisions,
		mailbox:   cfg.Mailbox,
		engine:    cfg.Engine,
		sender:    cfg.Sender,
		sessions:  newSessionStore(cfg.DeviceSecret),
		log:       log,
		baseCtx:   context.Background(),
	}
}

// Handler returns the route table. Split out from ListenAndServe so tests
// can drive it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/session", s.handleSession)
	mux.HandleFunc("GET /api/queue", s.withSession(s.handleQueue))
	mux.HandleFunc("GET /api/senders", s.withSession(s.handleSenders))
	mux.HandleFunc("GET /api/messages/{id}", s.withSession(s.handleMessage))
	mux.HandleFunc("POST /api/swipe", s.withSession(s.handleSwipe))
	mux.HandleFunc("POST /api/sync", s.withSession(s.handleSync))
	return mux
}

// ListenAndServe starts the API server and blocks until the context is
// cancelled, then drains in-flight requests. The context also outlives
// individual requests as the parent for background syncs.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.baseCtx = ctx

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down api server")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			s.log.Error("shutdown", "error", err)
		}
	}()

	s.log.Info("api server listening", "addr", s.addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// StartSync runs one mailbox sync in the background unless one is already
// going. The startup sync and the API endpoint share this gate.
func (s *Server) StartSync(ctx context.Context) bool {
	if !s.syncMu.TryLock() {
		return false
	}
	go func() {
		defer s.syncMu.Unlock()
		start := time.Now()
		if err := s.mailbox.Sync(ctx); err != nil {
			s.log.Error("sync failed", "error", err)
			return
		}
		s.log.Info("sync finished", "elapsed", time.Since(start).Round(time.Millisecond).String())
	}()
	return true
}

// withSession rejects requests that lack a valid bearer token.
func (s *Server) withSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.sessions.Check(bearerToken(r)) {
			writeError(w, http.StatusUnauthorized, "invalid or expired session")
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
