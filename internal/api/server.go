// Package api serves the inbound webhooks and the operator endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/financiia/marill/internal/buildinfo"
	"github.com/financiia/marill/internal/router"
	"github.com/financiia/marill/internal/scheduler"
	"github.com/financiia/marill/internal/usage"
	"github.com/financiia/marill/internal/whatsapp"
)

// maxWebhookBody caps inbound webhook payloads.
const maxWebhookBody = 1 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// RouterInspector exposes routing decisions. *router.Router implements it.
type RouterInspector interface {
	GetStats() router.Stats
	GetAuditLog(limit int) []router.Decision
	Explain(requestID string) *router.Decision
}

// UsageReporter summarizes token usage. *usage.Store implements it.
type UsageReporter interface {
	SummaryByAgent(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByUser(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
}

// SchedulerInspector exposes scheduled tasks and their runs.
// *scheduler.Scheduler implements it.
type SchedulerInspector interface {
	Stats() (scheduler.Stats, error)
	ListTasks(enabledOnly bool) ([]*scheduler.Task, error)
	GetTask(id string) (*scheduler.Task, error)
	GetTaskExecutions(taskID string, limit int) ([]*scheduler.Execution, error)
}

// Config holds the server's collaborators. Nil optional fields disable
// their routes.
type Config struct {
	Address string
	Port    int
	Logger  *slog.Logger

	// Events receives gateway webhook deliveries.
	Events whatsapp.EventHandler
	// Stripe handles signed billing webhooks.
	Stripe    http.Handler
	Router    RouterInspector
	Usage     UsageReporter
	Scheduler SchedulerInspector
}

// Server is the HTTP server.
type Server struct {
	cfg    Config
	logger *slog.Logger
	server *http.Server
}

// NewServer creates a server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger.With("component", "api")}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.withLogging)

	r.Get("/healthz", s.handleHealth)
	r.Get("/v1/version", s.handleVersion)

	if s.cfg.Events != nil {
		r.Post("/webhooks/waha", s.handleWAHA)
	}
	if s.cfg.Stripe != nil {
		r.Method(http.MethodPost, "/webhooks/stripe", s.cfg.Stripe)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/router/stats", s.handleRouterStats)
		r.Get("/router/audit", s.handleRouterAudit)
		r.Get("/router/explain/{requestId}", s.handleRouterExplain)
		r.Get("/usage", s.handleUsage)
		r.Get("/scheduler/stats", s.handleSchedulerStats)
		r.Get("/scheduler/tasks", s.handleSchedulerTasks)
		r.Get("/scheduler/tasks/{id}", s.handleSchedulerTask)
	})
	return r
}

// Start begins serving. Blocks until the server stops.
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	addr := s.cfg.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting HTTP server", "address", addr, "port", s.cfg.Port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"request_id", middleware.GetReqID(r.Context()),
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, map[string]string{"error": message}, s.logger)
}

// handleWAHA acknowledges gateway deliveries immediately; the bridge
// processes the message in the background so the gateway never retries
// a slow turn.
func (s *Server) handleWAHA(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "read body")
		return
	}
	var ev whatsapp.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		s.logger.Warn("malformed gateway event", "error", err)
		s.errorResponse(w, http.StatusBadRequest, "malformed event")
		return
	}
	s.cfg.Events.HandleEvent(r.Context(), &ev)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	info := buildinfo.BuildInfo()
	info["uptime"] = buildinfo.Uptime().Round(time.Second).String()
	writeJSON(w, info, s.logger)
}

func (s *Server) handleRouterStats(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}
	writeJSON(w, s.cfg.Router.GetStats(), s.logger)
}

func (s *Server) handleRouterAudit(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}

	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	decisions := s.cfg.Router.GetAuditLog(limit)
	writeJSON(w, map[string]any{
		"count":     len(decisions),
		"decisions": decisions,
	}, s.logger)
}

func (s *Server) handleRouterExplain(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}

	decision := s.cfg.Router.Explain(chi.URLParam(r, "requestId"))
	if decision == nil {
		s.errorResponse(w, http.StatusNotFound, "decision not found")
		return
	}
	writeJSON(w, decision, s.logger)
}

// handleUsage reports token usage grouped by agent or user over the
// last N hours (default 24).
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage not configured")
		return
	}

	hours := 24
	if h := r.URL.Query().Get("hours"); h != "" {
		parsed, err := strconv.Atoi(h)
		if err != nil || parsed <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		hours = parsed
	}
	end := time.Now()
	start := end.Add(-time.Duration(hours) * time.Hour)

	var (
		groups map[string]*usage.Summary
		err    error
	)
	switch by := r.URL.Query().Get("by"); by {
	case "", "agent":
		groups, err = s.cfg.Usage.SummaryByAgent(r.Context(), start, end)
	case "user":
		groups, err = s.cfg.Usage.SummaryByUser(r.Context(), start, end)
	default:
		s.errorResponse(w, http.StatusBadRequest, "by must be agent or user")
		return
	}
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage summary failed")
		return
	}

	writeJSON(w, map[string]any{
		"hours":  hours,
		"groups": groups,
	}, s.logger)
}

func (s *Server) handleSchedulerStats(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Scheduler == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	stats, err := s.cfg.Scheduler.Stats()
	if err != nil {
		s.logger.Error("scheduler stats failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "scheduler stats failed")
		return
	}
	writeJSON(w, stats, s.logger)
}

// taskView is a task with its next fire time.
type taskView struct {
	*scheduler.Task
	NextRun *time.Time `json:"next_run,omitempty"`
}

func viewTask(t *scheduler.Task, now time.Time) taskView {
	v := taskView{Task: t}
	if next, ok := t.NextRun(now); ok {
		v.NextRun = &next
	}
	return v
}

// handleSchedulerTasks lists enabled tasks, or every task with ?all=true.
func (s *Server) handleSchedulerTasks(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Scheduler == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	tasks, err := s.cfg.Scheduler.ListTasks(!all)
	if err != nil {
		s.logger.Error("task list failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "task list failed")
		return
	}

	now := time.Now()
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, viewTask(t, now))
	}
	writeJSON(w, map[string]any{
		"count": len(views),
		"tasks": views,
	}, s.logger)
}

func (s *Server) handleSchedulerTask(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Scheduler == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	id := chi.URLParam(r, "id")
	task, err := s.cfg.Scheduler.GetTask(id)
	if err != nil {
		s.logger.Error("task lookup failed", "id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "task lookup failed")
		return
	}
	if task == nil {
		s.errorResponse(w, http.StatusNotFound, "task not found")
		return
	}

	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	execs, err := s.cfg.Scheduler.GetTaskExecutions(id, limit)
	if err != nil {
		s.logger.Error("task executions failed", "id", id, "error", err)
		execs = nil
	}
	writeJSON(w, map[string]any{
		"task":       viewTask(task, time.Now()),
		"executions": execs,
	}, s.logger)
}
