// Package server exposes the engine, the store and live tracking over HTTP
// and WebSocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/andresmejia3/bioface/internal/broadcast"
	"github.com/andresmejia3/bioface/internal/match"
	"github.com/andresmejia3/bioface/internal/store"
	"github.com/andresmejia3/bioface/internal/tracking"
	"github.com/andresmejia3/bioface/internal/types"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Deps are the components the handlers work with. Sink may be nil.
type Deps struct {
	Store   store.Store
	Engine  *match.Engine
	Tracker *tracking.Tracker
	Hub     *broadcast.Hub
	Sink    broadcast.Sink
}

// Server represents the API server.
type Server struct {
	deps       Deps
	router     *chi.Mux
	httpServer *http.Server
}

// New builds the router and the underlying http.Server.
func New(addr string, deps Deps) *Server {
	r := chi.NewRouter()
	s := &Server{deps: deps, router: r}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.health)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(chiMiddleware.Timeout(30 * time.Second))

		r.Get("/owners", s.listOwners)
		r.Post("/owners", s.createOwner)
		r.Get("/owners/{id}", s.getOwner)
		r.Patch("/owners/{id}", s.renameOwner)
		r.Delete("/owners/{id}", s.deleteOwner)
		r.Delete("/owners/{id}/embeddings", s.deleteOwnerEmbeddings)

		r.Post("/identify", s.identify)
		r.Post("/frames", s.ingestFrame)
		r.Get("/subjects", s.listSubjects)

		r.Get("/events", s.listEvents)
		r.Get("/stats", s.stats)
	})

	// WebSocket connections are long-lived, so they stay outside the timeout group
	s.router.Get("/ws/{channel}", s.websocket)
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	slog.Info("starting API server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and closes WebSocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down API server")
	if s.deps.Hub != nil {
		s.deps.Hub.Close()
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// IngestFrame processes a JSON frame received outside HTTP, such as from MQTT.
func (s *Server) IngestFrame(payload []byte) {
	var f types.Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		slog.Warn("dropping malformed frame", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.process(ctx, f); err != nil {
		slog.Warn("frame rejected", "subject", f.Subject, "error", err)
	}
}

func (s *Server) process(ctx context.Context, f types.Frame) (tracking.Update, error) {
	u, err := s.deps.Tracker.Process(ctx, f)
	if err != nil {
		return u, err
	}
	if err := broadcast.PublishUpdate(ctx, s.deps.Sink, u); err != nil {
		slog.Warn("broadcast failed", "subject", u.Subject, "error", err)
	}
	return u, nil
}

func (s *Server) invalidate() {
	if s.deps.Tracker != nil {
		s.deps.Tracker.Invalidate()
	}
}
