// Package api provides HTTP handlers and the main API server logic for ReplyFlow.
//
// It exposes RESTful endpoints for ingesting inbound platform messages,
// managing auto-reply flows and inspecting execution state. The API integrates
// with the engine, scheduler and store modules.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ReplyFlow/ReplyFlow/internal/engine"
	"github.com/ReplyFlow/ReplyFlow/internal/models"
	"github.com/ReplyFlow/ReplyFlow/internal/store"
)

// DefaultRequestTimeout bounds the handling of a single API request.
const DefaultRequestTimeout = 30 * time.Second

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server wires HTTP endpoints to the flow engine and its storage.
type Server struct {
	addr   string
	eng    *engine.Engine
	st     store.Store
	timer  models.Timer
	server *http.Server
}

// NewServer creates an API server over the given engine and store.
func NewServer(eng *engine.Engine, st store.Store, timer models.Timer, opts ...Option) *Server {
	cfg := Opts{Addr: ":8080"}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{addr: cfg.Addr, eng: eng, st: st, timer: timer}
}

// Handler returns the routing mux for the API. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/messages", s.messagesHandler)
	mux.HandleFunc("/flows", s.flowsHandler)
	mux.HandleFunc("/flows/", s.flowsHandler)
	mux.HandleFunc("/executions", s.executionsHandler)
	mux.HandleFunc("/executions/", s.executionsHandler)
	mux.HandleFunc("/timers", s.timersHandler)
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

// Run starts the HTTP server and blocks until the context is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API listening", "addr", s.addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		slog.Info("Server.Run: shutting down")
		return s.server.Shutdown(shutdownCtx)
	}
}
