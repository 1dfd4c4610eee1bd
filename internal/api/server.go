package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cmdrelay/cmdrelay/internal/envelope"
	"github.com/cmdrelay/cmdrelay/internal/events"
	"github.com/cmdrelay/cmdrelay/internal/log"
	"github.com/cmdrelay/cmdrelay/internal/palette"
	"github.com/cmdrelay/cmdrelay/internal/store"
)

// JobDispatcher is the dispatcher surface the API needs.
type JobDispatcher interface {
	Submit(ctx context.Context, cmd *palette.ValidatedCommand, env map[string]string, workingDir string, inputs, outputs []envelope.FileHandle) (string, error)
	Await(ctx context.Context, jobID string, timeout time.Duration) (*envelope.ResultEnvelope, error)
	Cancel(ctx context.Context, jobID string) error
}

// RecordReader reads job records for status endpoints.
type RecordReader interface {
	Get(ctx context.Context, jobID string) (*store.JobRecord, error)
}

// QueueDepther reports queue backlog for /healthz.
type QueueDepther interface {
	Depth(ctx context.Context, queue string) (int, error)
}

// EventSource exposes the dispatcher's recent lifecycle events for polling
// clients.
type EventSource interface {
	SnapshotSince(lastID int64) []events.Event
}

// Config holds API server configuration.
type Config struct {
	Listen string

	// APIKey is an optional bearer token; empty disables auth.
	APIKey string

	// MaxResultWait caps the ?timeout= a caller may ask of the result
	// endpoint, keeping handler lifetimes bounded.
	MaxResultWait time.Duration
}

// Server is the HTTP front to the dispatcher.
type Server struct {
	config     Config
	dispatcher JobDispatcher
	records    RecordReader
	depther    QueueDepther
	events     EventSource
	palette    *palette.Palette
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time
}

// New creates an API server instance.
func New(config Config, d JobDispatcher, records RecordReader, depther QueueDepther, ev EventSource, p *palette.Palette) *Server {
	if config.MaxResultWait <= 0 {
		config.MaxResultWait = 10 * time.Minute
	}
	return &Server{
		config:     config,
		dispatcher: d,
		records:    records,
		depther:    depther,
		events:     ev,
		palette:    p,
		logger:     log.WithComponent("api"),
		startedAt:  time.Now(),
	}
}

// Start runs the HTTP server until ctx is cancelled (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: s.config.MaxResultWait + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Routes builds the HTTP router. Exposed for handler tests.
func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs/{jobID}", s.handleGetJob)
		r.Get("/jobs/{jobID}/result", s.handleGetResult)
		r.Post("/jobs/{jobID}/cancel", s.handleCancel)
		r.Get("/palette", s.handlePalette)
		r.Get("/events", s.handleEvents)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// authMiddleware enforces the bearer token when one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
			s.writeError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
			return
		}
		provided := auth[len(prefix):]
		if len(provided) != len(s.config.APIKey) ||
			subtle.ConstantTimeCompare([]byte(provided), []byte(s.config.APIKey)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, ErrorResponse{Error: msg})
}
