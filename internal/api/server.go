package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
	"github.com/JakeFAU/crawl-engine/internal/metrics"
	"github.com/JakeFAU/crawl-engine/internal/store"
)

const (
	maxTasksPerRequest = 10000
	maxBodyBytes       = 4 << 20
	requestTimeout     = 30 * time.Second
)

// Engine is the engine surface driven by the admin API.
type Engine interface {
	AddTasks(urls ...string) int
	TaskCount() int
	Start(ctx context.Context)
	Stop()
	Status() crawler.Status
	SetProxies(proxies ...string) error
	SetRetries(n int) error
	RunID() string
}

// Options configures a Server.
type Options struct {
	// APIKey, when non-empty, is required on every /v1 request.
	APIKey string
	// BaseContext outlives requests and is handed to Engine.Start, so a run
	// started over HTTP is not tied to the request that started it.
	BaseContext context.Context
	// Ready reports downstream readiness for /readyz; nil means always ready.
	Ready  func(ctx context.Context) error
	Runs   store.RunRepository
	Logger *zap.Logger
}

// Server wires HTTP handlers to the engine and run repository.
type Server struct {
	router  chi.Router
	engine  Engine
	baseCtx context.Context
	ready   func(ctx context.Context) error
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(engine Engine, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	s := &Server{
		engine:  engine,
		baseCtx: opts.BaseContext,
		ready:   opts.Ready,
		logger:  opts.Logger,
	}
	runs := NewRunHandler(opts.Runs, opts.Logger)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(opts.Logger))
	r.Use(recoverMiddleware(opts.Logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Use(timeoutMiddleware(requestTimeout))

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.addTasks)
			r.Get("/", s.taskCounts)
		})
		r.Route("/engine", func(r chi.Router) {
			r.Post("/start", s.start)
			r.Post("/stop", s.stop)
			r.Get("/status", s.status)
			r.Put("/proxies", s.setProxies)
			r.Put("/retries", s.setRetries)
		})
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", runs.ListRuns)
			r.Get("/{run_id}", runs.GetRun)
			r.Get("/{run_id}/sites", runs.ListRunSites)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type addTasksRequest struct {
	URLs []string `json:"urls"`
}

type addTasksResponse struct {
	Added      int `json:"added"`
	Duplicates int `json:"duplicates"`
	Pending    int `json:"pending"`
}

func (s *Server) addTasks(w http.ResponseWriter, r *http.Request) {
	var req addTasksRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "urls required")
		return
	}
	if len(req.URLs) > maxTasksPerRequest {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("at most %d urls per request", maxTasksPerRequest))
		return
	}
	for i, raw := range req.URLs {
		if err := validateTaskURL(raw); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("urls[%d]: %v", i, err))
			return
		}
	}
	added := s.engine.AddTasks(req.URLs...)
	writeJSON(w, http.StatusAccepted, addTasksResponse{
		Added:      added,
		Duplicates: len(req.URLs) - added,
		Pending:    s.engine.TaskCount(),
	})
}

func (s *Server) taskCounts(w http.ResponseWriter, _ *http.Request) {
	st := s.engine.Status()
	writeJSON(w, http.StatusOK, map[string]int{
		"pending":   st.Pending,
		"in_flight": st.InFlight,
	})
}

func (s *Server) start(w http.ResponseWriter, _ *http.Request) {
	s.engine.Start(s.baseCtx)
	writeJSON(w, http.StatusOK, s.statusPayload())
}

func (s *Server) stop(w http.ResponseWriter, _ *http.Request) {
	s.engine.Stop()
	writeJSON(w, http.StatusOK, s.statusPayload())
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.statusPayload())
}

type statusResponse struct {
	crawler.Status
	RunID string `json:"run_id,omitempty"`
}

func (s *Server) statusPayload() statusResponse {
	return statusResponse{Status: s.engine.Status(), RunID: s.engine.RunID()}
}

type proxiesRequest struct {
	Proxies []string `json:"proxies"`
}

func (s *Server) setProxies(w http.ResponseWriter, r *http.Request) {
	var req proxiesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.engine.SetProxies(req.Proxies...); err != nil {
		writeValidationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.statusPayload())
}

type retriesRequest struct {
	Retries *int `json:"retries"`
}

func (s *Server) setRetries(w http.ResponseWriter, r *http.Request) {
	var req retriesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Retries == nil {
		writeError(w, http.StatusBadRequest, "retries required")
		return
	}
	if err := s.engine.SetRetries(*req.Retries); err != nil {
		writeValidationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.statusPayload())
}

func validateTaskURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("empty url")
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return errors.New("not a valid absolute url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func writeValidationError(w http.ResponseWriter, err error) {
	var validationErr *crawler.ValidationError
	if errors.As(err, &validationErr) {
		writeError(w, http.StatusBadRequest, validationErr.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
