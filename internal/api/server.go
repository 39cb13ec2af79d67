// Package api exposes the CareTriage HTTP interface used by the companion app: user and
// device registration, chat, reminders, emergencies and health metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/BTreeMap/CareTriage/internal/models"
	"github.com/BTreeMap/CareTriage/internal/orchestrator"
	"github.com/BTreeMap/CareTriage/internal/store"
)

// Default server settings.
const (
	DefaultAddr            = ":8080"
	DefaultRequestTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// Conversation is the part of the orchestrator the API drives.
type Conversation interface {
	HandleMessage(ctx context.Context, req orchestrator.Request) (*orchestrator.Response, error)
	TriggerEmergency(ctx context.Context, userID, reason string) (*models.EmergencyEvent, error)
	ScheduleReminder(ctx context.Context, r *models.Reminder) error
}

var _ Conversation = (*orchestrator.Orchestrator)(nil)

// Opts holds configuration for the API server.
type Opts struct {
	Addr            string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	Now             func() time.Time
}

// Option defines a function that configures Opts.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithRequestTimeout bounds the handling time of one request.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Opts) { o.RequestTimeout = d }
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ShutdownTimeout = d }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Server serves the HTTP API.
type Server struct {
	st   store.Store
	conv Conversation
	opts Opts
}

// NewServer creates a Server over st and conv.
func NewServer(st store.Store, conv Conversation, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, RequestTimeout: DefaultRequestTimeout, ShutdownTimeout: DefaultShutdownTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Server{st: st, conv: conv, opts: cfg}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if s.opts.RequestTimeout > 0 {
		r.Use(middleware.Timeout(s.opts.RequestTimeout))
	}

	r.Get("/health", s.healthHandler)

	r.Post("/users", s.createUserHandler)
	r.Get("/users/{id}", s.getUserHandler)
	r.Put("/users/{id}", s.updateUserHandler)
	r.Post("/devices/register", s.registerDeviceHandler)
	r.Get("/devices/{id}", s.getDeviceHandler)
	r.Put("/devices/{id}", s.updateDeviceHandler)

	r.Post("/sessions", s.createSessionHandler)
	r.Get("/sessions/{id}/history", s.historyHandler)
	r.Post("/chat", s.chatHandler)

	r.Route("/reminders", func(r chi.Router) {
		r.Get("/", s.listRemindersHandler)
		r.Post("/", s.createReminderHandler)
		r.Get("/{id}", s.getReminderHandler)
		r.Patch("/{id}", s.updateReminderHandler)
		r.Post("/{id}/status", s.reminderStatusHandler)
	})

	r.Get("/emergency-status/{device_id}", s.emergencyStatusHandler)
	r.Post("/trigger-emergency", s.triggerEmergencyHandler)
	r.Route("/emergencies", func(r chi.Router) {
		r.Get("/", s.listEmergenciesHandler)
		r.Get("/{id}", s.getEmergencyHandler)
		r.Post("/{id}/resolve", s.closeEmergencyHandler(models.EmergencyStatusResolved))
		r.Post("/{id}/cancel", s.closeEmergencyHandler(models.EmergencyStatusCanceled))
	})

	r.Post("/health-metrics", s.createHealthMetricHandler)
	r.Get("/health-metrics", s.listHealthMetricsHandler)
	return r
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		slog.Info("Server.Run: shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("Server.request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"elapsed", time.Since(start),
			"requestID", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"service": "caretriage"}))
}
