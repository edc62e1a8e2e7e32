// Package api's Server wraps the REST+SSE router in an http.Server with
// an idempotent start/stop lifecycle.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"tinkerlink/ipconn"
	"tinkerlink/statestore"
	"tinkerlink/tfconfig"
)

// Server is the REST + SSE API server.
type Server struct {
	conn    *ipconn.Connection
	store   *statestore.Manager
	cfg     *tfconfig.Config
	server  *http.Server
	cleanup func()
	running bool
	mu      sync.RWMutex
}

// NewServer creates a server bound to a connection, an optional state
// store manager, and the shared config.
func NewServer(conn *ipconn.Connection, store *statestore.Manager, cfg *tfconfig.Config) *Server {
	return &Server{conn: conn, store: store, cfg: cfg}
}

// IsRunning reports whether the HTTP server is currently listening.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Start begins serving the API on cfg.Web.Host:Port.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	router, cleanup := NewRouter(s.conn, s.store, s.cfg)
	s.cleanup = cleanup

	addr := fmt.Sprintf("%s:%d", s.cfg.Web.Host, s.cfg.Web.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: corsMiddleware(router),
	}

	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	s.running = true
	return nil
}

// Stop halts the HTTP server.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	if s.cleanup != nil {
		s.cleanup()
	}
	s.running = false
	s.server = nil
	return err
}

// Address returns the server's listening URL.
func (s *Server) Address() string {
	return fmt.Sprintf("http://%s:%d", s.cfg.Web.Host, s.cfg.Web.Port)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
