package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"leados-scheduler/internal/config"
	"leados-scheduler/internal/dispatcher"
	"leados-scheduler/internal/logger"
	"leados-scheduler/internal/models"
	"leados-scheduler/internal/ratelimit"
	"leados-scheduler/internal/scheduler"
	"leados-scheduler/internal/store"
	"leados-scheduler/internal/telemetry"
)

type Scheduler interface {
	Schedule(ctx context.Context, req scheduler.Request) (scheduler.Result, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context) (dispatcher.Summary, error)
}

type RecordReader interface {
	GetRecord(ctx context.Context, id string) (models.DispatchRecord, error)
}

type RunLister interface {
	ListRuns(ctx context.Context, limit int) ([]models.ScheduleRun, error)
}

type DeadLetters interface {
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

type Limiter interface {
	Allow(ctx context.Context, owner string) (ratelimit.Decision, error)
}

// Deps are the collaborators behind the HTTP handlers. Limiter and DLQ are optional.
type Deps struct {
	Scheduler  Scheduler
	Dispatcher Dispatcher
	Records    RecordReader
	Runs       RunLister
	DLQ        DeadLetters
	Limiter    Limiter
}

// Server wires HTTP handlers for scheduling and dispatch.
type Server struct {
	deps Deps
	loc  *time.Location
	log  *zap.Logger
}

// New constructs the API server.
func New(cfg config.Config, deps Deps, log *zap.Logger) *Server {
	loc, err := cfg.Location()
	if err != nil {
		loc = time.Local
	}
	return &Server{deps: deps, loc: loc, log: logger.OrNop(log)}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit)
			r.Post("/schedule", s.handleSchedule)
			r.Post("/dispatch", s.handleDispatch)
		})
		r.Get("/records/{id}", s.handleGetRecord)
		r.Get("/runs", s.handleListRuns)
		r.Get("/dlq", s.handleDLQ)
	})
	return r
}

type scheduleRequest struct {
	OwnerID    string `json:"owner_id"`
	CampaignID string `json:"campaign_id"`
	TargetDate string `json:"target_date"`
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.OwnerID == "" {
		req.OwnerID = r.Header.Get("X-Owner-ID")
	}
	schedReq := scheduler.Request{OwnerID: req.OwnerID, CampaignID: req.CampaignID}
	if req.TargetDate != "" {
		day, err := parseTargetDate(req.TargetDate, s.loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "target_date must be YYYY-MM-DD or RFC3339")
			return
		}
		schedReq.TargetDate = &day
	}

	res, err := s.deps.Scheduler.Schedule(r.Context(), schedReq)
	if err != nil {
		status := scheduleStatus(err)
		if status == http.StatusInternalServerError {
			s.log.Error("schedule", zap.String("owner_id", req.OwnerID), zap.Error(err))
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func scheduleStatus(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrMissingOwner):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrNoActiveCampaign):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrNoEligibleRecipients), errors.Is(err, scheduler.ErrScheduleInProgress):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func parseTargetDate(v string, loc *time.Location) (time.Time, error) {
	if t, err := time.ParseInLocation("2006-01-02", v, loc); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, v)
}

type dispatchError struct {
	Error   string             `json:"error"`
	Summary dispatcher.Summary `json:"summary"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	sum, err := s.deps.Dispatcher.Dispatch(r.Context())
	if err != nil {
		s.log.Error("dispatch", zap.Error(err), zap.Int("processed", sum.Processed))
		writeJSON(w, http.StatusInternalServerError, dispatchError{Error: err.Error(), Summary: sum})
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.deps.Records.GetRecord(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, 200)
	}
	runs, err := s.deps.Runs.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []models.ScheduleRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleDLQ returns ids of records that exhausted their retries.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.deps.DLQ == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []string{}})
		return
	}
	items, err := s.deps.DLQ.DLQPeek(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	if items == nil {
		items = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		d, err := s.deps.Limiter.Allow(r.Context(), tenantFromRequest(r))
		if err != nil {
			s.log.Error("rate limiter", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			secs := int(d.RetryAfter.Round(time.Second) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		if strings.HasPrefix(r.URL.Path, "/metrics") || r.URL.Path == "/healthz" {
			return
		}
		s.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Owner-ID"); v != "" {
		return v
	}
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
