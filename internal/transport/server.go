// Package transport is the reference HTTP+WS surface over
// internal/controlplane: a chi router exposing the run lifecycle
// operations spec.md §6 describes, and a gorilla/websocket upgrade
// streaming internal/broadcaster events to subscribers.
//
// Grounded on quorum-ai's internal/web.Server (chi middleware stack,
// rs/cors configuration, graceful Start/Shutdown) and
// internal/controlplane's own grounding in Alphie's cmd/alphie/run.go
// and cmd/alphie/interactive.go for which operations a CLI/HTTP caller
// needs.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/weftlabs/weft/internal/broadcaster"
	"github.com/weftlabs/weft/internal/controlplane"
)

// Config holds the HTTP server's listen address, timeouts, and CORS
// policy.
type Config struct {
	Addr            string
	CORSOrigins     []string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with conservative timeouts suitable
// for a daemon fronted by a reverse proxy.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		CORSOrigins:     []string{"*"},
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Server is the reference transport binding a ControlPlane and a
// Broadcaster to an HTTP listener.
type Server struct {
	router      chi.Router
	httpServer  *http.Server
	config      Config
	logger      zerolog.Logger
	plane       *controlplane.ControlPlane
	broadcaster *broadcaster.Broadcaster
}

// New builds a Server wired to plane and bc.
func New(cfg Config, logger zerolog.Logger, plane *controlplane.ControlPlane, bc *broadcaster.Broadcaster) *Server {
	s := &Server{
		config:      cfg,
		logger:      logger,
		plane:       plane,
		broadcaster: bc,
	}
	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins:   s.config.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	})
	r.Use(corsMiddleware.Handler)

	r.Get("/health", s.handleHealth)

	r.Route("/runs", func(r chi.Router) {
		r.Post("/", s.handleCreateRun)
		r.Get("/", s.handleListRuns)
		r.Route("/{runID}", func(r chi.Router) {
			r.Get("/", s.handleGetRun)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
			r.Post("/cancel", s.handleCancel)
			r.Post("/restart", s.handleRestart)
			r.Post("/replan", s.handleReplan)
			r.Post("/resolve", s.handleResolve)
			r.Get("/interrupts", s.handleGetInterrupts)
			r.Route("/tasks/{taskID}", func(r chi.Router) {
				r.Patch("/", s.handleUpdateTask)
				r.Post("/abandon", s.handleAbandonTask)
				r.Get("/memories", s.handleGetTaskMemories)
			})
			r.Get("/events", s.handleEventsWebsocket)
		})
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			s.logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Start launches the HTTP listener in the background.
func (s *Server) Start() {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("starting http server")
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("http server error")
		}
	}()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("transport shutdown: %w", err)
	}
	return nil
}

// Router exposes the underlying chi router, mainly for tests.
func (s *Server) Router() chi.Router { return s.router }
