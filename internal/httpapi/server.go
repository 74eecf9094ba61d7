// Package httpapi is the authenticated request surface consumed by the
// hook client: submit a notification, poll for a reply, acknowledge it.
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"relaybot/internal/relay"
	"relaybot/internal/session"
	logx "relaybot/pkg/logx"
)

type Config struct {
	Addr            string
	Secret          string
	ShutdownTimeout time.Duration // default 5s
}

// Server owns the HTTP listener lifecycle. Start is idempotent; Stop
// drains in-flight requests within the shutdown timeout.
type Server struct {
	store     *session.Store
	deliverer *relay.Deliverer
	log       logx.Logger

	mu   sync.Mutex
	cfg  Config
	ln   net.Listener
	srv  *http.Server
	done chan struct{}
}

func New(cfg Config, store *session.Store, deliverer *relay.Deliverer, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	return &Server{cfg: cfg, store: store, deliverer: deliverer, log: log}
}

// SetSecret swaps the bearer credential on hot reload.
func (s *Server) SetSecret(secret string) {
	s.mu.Lock()
	s.cfg.Secret = secret
	s.mu.Unlock()
}

func (s *Server) secret() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Secret
}

// checkAuth compares the bearer credential in constant time. It never
// reveals whether a session exists to an unauthenticated caller.
func (s *Server) checkAuth(r *http.Request) bool {
	want := s.secret()
	if want == "" {
		return false
	}
	ah := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(ah, prefix) {
		return false
	}
	got := strings.TrimSpace(strings.TrimPrefix(ah, prefix))
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.srv != nil {
		s.mu.Unlock()
		return nil
	}
	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:8787"
	}
	s.mu.Unlock()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	done := make(chan struct{})

	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server exited", logx.Err(err))
		}
	}()

	s.log.Info("api listening", logx.String("addr", ln.Addr().String()))
	return nil
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	done := s.done
	timeout := s.cfg.ShutdownTimeout
	s.srv = nil
	s.ln = nil
	s.done = nil
	s.mu.Unlock()
	if srv == nil {
		return
	}

	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		_ = srv.Close()
	}
	if done != nil {
		<-done
	}
	s.log.Info("api stopped")
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}
