// Package httpapi is the engine's thin HTTP adapter: a logging -> auth ->
// rate-limit middleware chain in front of handlers that do nothing but
// translate JSON requests into repository/scheduler/jobs calls and
// translate the result back into JSON. Adapted from
// services/api-gateway/gateway_v2.go's Gateway and middleware chain, with
// request_validator.go's hand-rolled Schema validator narrowed to this
// surface's actual request bodies. The HTTP surface itself is a
// representative slice of the engine's full operation set, not an
// exhaustive REST mapping of every repository method.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/metric"

	ctxasm "github.com/taskmesh/engine/internal/context"
	"github.com/taskmesh/engine/internal/jobs"
	"github.com/taskmesh/engine/internal/repository"
	"github.com/taskmesh/engine/internal/scheduler"
)

// Server wires the engine's core components to its HTTP surface.
type Server struct {
	repo      *repository.Repository
	sched     *scheduler.Scheduler
	jobs      *jobs.Registry
	assembler *ctxasm.Assembler

	validator *Validator
	tokens    *TokenService
	limiter   *PerKeyLimiter
	logger    *slog.Logger

	defaultRunOptions scheduler.Options

	reqCounter     metric.Int64Counter
	latencyHist    metric.Float64Histogram
	authDenied     metric.Int64Counter
	rateLimitDenied metric.Int64Counter
}

// Config configures a Server.
type Config struct {
	Repo      *repository.Repository
	Scheduler *scheduler.Scheduler
	Jobs      *jobs.Registry
	Assembler *ctxasm.Assembler // nil disables the assembled-context endpoint

	TokenSecret     string
	TokenExpiration time.Duration

	RateLimitCapacity int64
	RateLimitFillRate float64
	RateLimitWindow   time.Duration
	RateLimitPerWindow int64

	DefaultRunOptions scheduler.Options

	Logger *slog.Logger
	Meter  metric.Meter
}

// New builds a Server from cfg, defaulting unset tunables.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TokenExpiration == 0 {
		cfg.TokenExpiration = time.Hour
	}
	if cfg.RateLimitCapacity == 0 {
		cfg.RateLimitCapacity = 50
	}
	if cfg.RateLimitFillRate == 0 {
		cfg.RateLimitFillRate = 10
	}
	if cfg.RateLimitWindow == 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.RateLimitPerWindow == 0 {
		cfg.RateLimitPerWindow = 600
	}
	if cfg.DefaultRunOptions.Strategy == "" {
		cfg.DefaultRunOptions.Strategy = scheduler.StrategyDAG
	}
	if cfg.DefaultRunOptions.Parallelism == 0 {
		cfg.DefaultRunOptions.Parallelism = 4
	}

	s := &Server{
		repo:              cfg.Repo,
		sched:             cfg.Scheduler,
		jobs:              cfg.Jobs,
		assembler:         cfg.Assembler,
		validator:         NewValidator(),
		tokens:            NewTokenService(cfg.TokenSecret, cfg.TokenExpiration),
		limiter:           NewPerKeyLimiter(cfg.RateLimitCapacity, cfg.RateLimitFillRate, cfg.RateLimitWindow, cfg.RateLimitPerWindow),
		logger:            cfg.Logger,
		defaultRunOptions: cfg.DefaultRunOptions,
	}
	if cfg.Meter != nil {
		s.reqCounter, _ = cfg.Meter.Int64Counter("engine_http_requests_total")
		s.latencyHist, _ = cfg.Meter.Float64Histogram("engine_http_request_duration_seconds")
		s.authDenied, _ = cfg.Meter.Int64Counter("engine_http_auth_denied_total")
		s.rateLimitDenied, _ = cfg.Meter.Int64Counter("engine_http_rate_limit_denied_total")
	}
	return s
}

// Handler builds the full routed, middleware-wrapped http.Handler.
func (s *Server) Handler() http.Handler {
	public := http.NewServeMux()
	public.HandleFunc("/health", s.handleHealth)

	protected := http.NewServeMux()
	protected.HandleFunc("/plans/approve", s.handlePlanApprove)
	protected.HandleFunc("/run", s.handleRun)
	protected.HandleFunc("/context/links", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			s.handleLinkDelete(w, r)
			return
		}
		s.handleLinkCreate(w, r)
	})
	protected.HandleFunc("/plans/", s.routePlans)
	protected.HandleFunc("/tasks/", s.routeTasks)
	protected.HandleFunc("/jobs/", s.routeJobs)

	logging := loggingMiddleware(s.logger, s.reqCounter, s.latencyHist)
	auth := authMiddleware(s.tokens, s.authDenied)
	rateLimit := rateLimitMiddleware(s.limiter, s.rateLimitDenied)

	root := http.NewServeMux()
	root.Handle("/health", chain(public, logging))
	root.Handle("/", chain(protected, logging, auth, rateLimit))
	return root
}

// routePlans dispatches /plans/{title}/tasks and /plans/{title}/assembled.
func (s *Server) routePlans(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case hasSuffix(path, "/tasks"):
		title := trimPrefixSuffix(path, "/plans/", "/tasks")
		s.handlePlanTasks(w, r, title)
	case hasSuffix(path, "/assembled"):
		title := trimPrefixSuffix(path, "/plans/", "/assembled")
		s.handlePlanAssembled(w, r, title)
	default:
		writeError(w, http.StatusNotFound, "unknown plan route")
	}
}

// routeTasks dispatches /tasks/{id}, /tasks/{id}/rerun, /tasks/{id}/links,
// and /tasks/{id}/evaluation/override.
func (s *Server) routeTasks(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case hasSuffix(path, "/rerun"):
		id, ok := parseIDSuffix(trimSuffixOnce(path, "/rerun"), "/tasks/")
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid task id")
			return
		}
		s.handleTaskRerun(w, r, id)
	case hasSuffix(path, "/links"):
		id, ok := parseIDSuffix(trimSuffixOnce(path, "/links"), "/tasks/")
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid task id")
			return
		}
		s.handleTaskLinks(w, r, id)
	case hasSuffix(path, "/evaluation/override"):
		id, ok := parseIDSuffix(trimSuffixOnce(path, "/evaluation/override"), "/tasks/")
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid task id")
			return
		}
		s.handleEvaluationOverride(w, r, id)
	default:
		id, ok := parseIDSuffix(path, "/tasks/")
		if !ok {
			writeError(w, http.StatusNotFound, "invalid task id")
			return
		}
		s.handleTask(w, r, id)
	}
}

// routeJobs dispatches /jobs/{id} and /jobs/{id}/stream.
func (s *Server) routeJobs(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if hasSuffix(path, "/stream") {
		id := trimPrefixSuffix(path, "/jobs/", "/stream")
		s.handleJobStream(w, r, id)
		return
	}
	id := trimPrefixSuffix(path, "/jobs/", "")
	if id == "" {
		writeError(w, http.StatusNotFound, "invalid job id")
		return
	}
	s.handleJob(w, r, id)
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

func trimSuffixOnce(s, suffix string) string {
	if hasSuffix(s, suffix) {
		return s[:len(s)-len(suffix)]
	}
	return s
}

func trimPrefixSuffix(s, prefix, suffix string) string {
	s = trimSuffixOnce(s, suffix)
	if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
		s = s[len(prefix):]
	}
	s = trimSuffixOnce(s, "/")
	return s
}
