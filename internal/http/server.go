package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"rupeek/internal/auth"
	applog "rupeek/internal/log"
	"rupeek/internal/middleware/ratelimit"
	"rupeek/internal/middleware/security"
	"rupeek/internal/middleware/trace"
	"rupeek/internal/services"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the API is served from.
type Deps struct {
	Manager  *services.Manager
	Auth     *auth.Notifier
	Verifier *auth.TokenVerifier
	Store    Pinger
	Logger   *applog.Logger
	// WriteRateLimit caps mutating requests per user per minute.
	// Zero disables the limit.
	WriteRateLimit int
	// Now defaults to time.Now; it picks the default history month.
	Now func() time.Time
}

type Server struct {
	http.Server
	deps        Deps
	logger      *applog.Logger
	structured  *applog.StructuredLogger
	detector    *security.Detector
	tracer      *trace.Middleware
	rateLimiter *ratelimit.Limiter

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run
// http.Server.
func NewServer(addr string, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = applog.New(applog.DefaultConfig())
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	logger := deps.Logger.WithComponent(applog.ComponentHTTP)
	detector := security.NewDetector()
	s := &Server{
		deps:       deps,
		logger:     logger,
		structured: applog.NewStructuredLogger(logger),
		detector:   detector,
		tracer:     trace.NewMiddleware(detector.ExtractClientIP),
	}
	if deps.WriteRateLimit > 0 {
		s.rateLimiter = ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: deps.WriteRateLimit})
	}

	s.Server = http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       2 * time.Minute,
		// No WriteTimeout: the ledger stream stays open.
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.tracer.Middleware)
	r.Use(applog.Middleware(s.logger))
	r.Use(applog.RequestIDMiddleware(trace.RequestIDFromRequest))
	r.Use(s.detector.Middleware)
	r.Use(security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireUser)

		r.Get("/cycle", s.handleCycle)
		r.Get("/ledger", s.handleLedger)
		r.Get("/ledger/stream", s.handleStream)
		r.Get("/balance", s.handleBalance)
		r.Get("/summary", s.handleSummary)
		r.Get("/analytics", s.handleAnalytics)
		r.Get("/history", s.handleHistory)
		r.Get("/salary", s.handleSalary)
		r.Get("/profile", s.handleProfile)

		r.Group(func(r chi.Router) {
			if s.rateLimiter != nil {
				r.Use(s.rateLimiter.Middleware(userKey, s.onRateLimited))
			}
			r.Post("/transactions", s.handleCreateTransaction)
			r.Delete("/transactions/{id}", s.handleDeleteTransaction)
			r.Post("/salary/confirm", s.handleConfirmSalary)
			r.Post("/salary/skip", s.handleSkipSalary)
			r.Put("/profile", s.handleUpdateProfile)
			r.Post("/profile", s.handleSaveProfile)
			r.Post("/session/signout", s.handleSignOut)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeErrorMessage(w, http.StatusNotFound, applog.ErrorTypeNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeErrorMessage(w, http.StatusMethodNotAllowed, applog.ErrorTypeValidation, "method not allowed")
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			slog.WarnContext(r.Context(), "Readiness check failed", applog.FieldError, err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) onRateLimited(w http.ResponseWriter, r *http.Request) {
	slog.WarnContext(r.Context(), "Write rate limit exceeded",
		applog.FieldComponent, applog.ComponentRateLimit,
		applog.FieldUserID, userKey(r))
	writeErrorMessage(w, http.StatusTooManyRequests, applog.ErrorTypeValidation, "rate limit exceeded, try again later")
}

// Shutdown stops background helpers and gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if s.rateLimiter != nil {
			s.rateLimiter.Stop()
		}
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}
