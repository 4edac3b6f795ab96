// Package ops serves the worker's operational HTTP surface: health, metrics
// and dead-letter administration.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/huykn/taskcore/logging"
	"github.com/huykn/taskcore/queue"
	"github.com/huykn/taskcore/ratelimit"
	"github.com/huykn/taskcore/resilience"
)

// AdminRuleName is the rate limit rule guarding the admin routes.
const AdminRuleName = "ops-admin"

// Queue is the part of the job queue the admin routes use.
type Queue interface {
	Counts(ctx context.Context) (queue.Counts, error)
	DeadLetters(ctx context.Context, limit int) ([]*queue.Job, error)
	Replay(ctx context.Context, id string) error
}

// Pinger checks the shared store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the router needs. Limiter, Rules and Auth are
// optional; without them the admin routes are unguarded.
type Deps struct {
	Pinger   Pinger
	Queue    Queue
	Gatherer prometheus.Gatherer
	Limiter  *ratelimit.Limiter
	Rules    *ratelimit.Rules
	KeyFunc  ratelimit.KeyFunc
	Auth     func(http.Handler) http.Handler
	Logger   logging.Logger
}

type handler struct {
	deps   Deps
	logger logging.Logger
}

// NewRouter builds the ops router.
func NewRouter(deps Deps) http.Handler {
	h := &handler{deps: deps, logger: logging.OrNoOp(deps.Logger)}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(Correlation)

	r.Get("/healthz", h.healthz)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/admin/queue", func(r chi.Router) {
		if deps.Auth != nil {
			r.Use(deps.Auth)
		}
		if deps.Limiter != nil && deps.Rules != nil {
			r.Use(deps.Limiter.Middleware(deps.Rules, AdminRuleName, deps.KeyFunc))
		}
		r.Get("/counts", h.counts)
		r.Get("/dead-letters", h.deadLetters)
		r.Post("/dead-letters/{id}/replay", h.replay)
	})
	return r
}

// Correlation propagates the X-Correlation-ID header, generating one when
// the request has none.
func Correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(logging.CorrelationHeader)
		if id == "" {
			id = logging.NewCorrelationID()
		}
		w.Header().Set(logging.CorrelationHeader, id)
		next.ServeHTTP(w, r.WithContext(logging.WithCorrelationID(r.Context(), id)))
	})
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Pinger.Ping(r.Context()); err != nil {
		h.logger.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) counts(w http.ResponseWriter, r *http.Request) {
	c, err := h.deps.Queue.Counts(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *handler) deadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}

	jobs, err := h.deps.Queue.DeadLetters(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*queue.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *handler) replay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.deps.Queue.Replay(r.Context(), id); err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "job is not dead-lettered"})
			return
		}
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	if resilience.IsDegraded(err) {
		status = http.StatusServiceUnavailable
	}
	h.logger.Error("ops request failed", "path", r.URL.Path, "error", err,
		"correlation_id", logging.CorrelationID(r.Context()))
	writeJSON(w, status, map[string]string{"error": http.StatusText(status)})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
