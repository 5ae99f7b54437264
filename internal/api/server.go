package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"rental-ops/internal/config"
	"rental-ops/internal/models"
	"rental-ops/internal/ratelimit"
	"rental-ops/internal/reconcile"
	"rental-ops/internal/store"
	"rental-ops/internal/telemetry"
	"rental-ops/internal/tracker"
)

// JobTracker is the part of the tracker the API drives.
type JobTracker interface {
	CreateJob(ctx context.Context, p tracker.CreateJobParams) (models.Job, bool, error)
	ActiveJob(ctx context.Context, subjectID string) (models.Job, bool, error)
	GetJob(ctx context.Context, jobID string) (models.Job, error)
	MarkFailed(ctx context.Context, jobID, cause string) (models.Job, error)
}

// RenderQueue accepts render requests for the worker.
type RenderQueue interface {
	Enqueue(ctx context.Context, req models.RenderRequest) error
}

// Limiter takes one token from a scoped bucket.
type Limiter interface {
	Allow(ctx context.Context, scope, id string) (bool, float64, error)
}

// ContractStore is the relational state behind contracts, payments and idempotency keys.
type ContractStore interface {
	GetContract(ctx context.Context, id string) (models.Contract, error)
	UpdateContractStatus(ctx context.Context, id string, from, to models.ContractStatus) (models.Contract, error)
	RecordPayment(ctx context.Context, p models.Payment) (models.Payment, error)
	ConsumedTransactionIDs(ctx context.Context, since time.Time) (map[string]string, error)
	ClaimIdempotencyKey(ctx context.Context, key, action string, ttl time.Duration) (store.IdempotencyRecord, bool, error)
	SaveIdempotencyResponse(ctx context.Context, key string, code int, body []byte) error
	ReleaseIdempotencyKey(ctx context.Context, key string) error
	AppendAudit(ctx context.Context, subjectID, event, detail string) error
}

// PaymentVerifier checks the ledger for an expected payment.
type PaymentVerifier interface {
	Verify(ctx context.Context, exp reconcile.ExpectedPayment) reconcile.Result
}

// DeadLetters reads render requests the worker gave up on.
type DeadLetters interface {
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Deps are the collaborators the server needs. Limiter and DeadLetters may be nil.
type Deps struct {
	Tracker     JobTracker
	Queue       RenderQueue
	Store       ContractStore
	Verifier    PaymentVerifier
	Limiter     Limiter
	DeadLetters DeadLetters
	Logger      *slog.Logger
}

// Server wires HTTP handlers for document jobs, payment checks and contract mutations.
type Server struct {
	cfg      config.Config
	tracker  JobTracker
	queue    RenderQueue
	store    ContractStore
	verifier PaymentVerifier
	limiter  Limiter
	dlq      DeadLetters
	logger   *slog.Logger
}

// New constructs the API server.
func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	return &Server{
		cfg:      cfg,
		tracker:  deps.Tracker,
		queue:    deps.Queue,
		store:    deps.Store,
		verifier: deps.Verifier,
		limiter:  deps.Limiter,
		dlq:      deps.DeadLetters,
		logger:   logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/contracts/{id}", func(r chi.Router) {
		r.Post("/documents", s.handleCreateDocument)
		r.Get("/documents/active", s.handleActiveDocument)
		r.Post("/payments/verify", s.handleVerifyPayment)
		r.Post("/approve", s.handleApprove)
		r.Post("/terminate", s.handleTerminate)
	})
	r.Get("/jobs/{id}", s.handleGetJob)
	if s.dlq != nil {
		r.Get("/dlq", s.handleDLQ)
	}
	return r
}

type createDocumentRequest struct {
	Template string `json:"template"`
}

type createDocumentResponse struct {
	Job     models.Job `json:"job"`
	Created bool       `json:"created"`
}

func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, ratelimit.ScopeTenant, tenantFromRequest(r)) {
		return
	}
	var req createDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	contract, ok := s.loadContract(w, r)
	if !ok {
		return
	}
	template := req.Template
	if template == "" {
		template = contract.TemplateName
	}

	job, created, err := s.tracker.CreateJob(r.Context(), tracker.CreateJobParams{
		SubjectID:    contract.ID,
		Kind:         models.KindContractDocument,
		TemplateName: template,
	})
	if err != nil {
		s.writeTrackerError(w, err)
		return
	}

	// Only a new job is handed to the worker; a reused one is already queued.
	if created {
		err := s.queue.Enqueue(r.Context(), models.RenderRequest{JobID: job.ID, SubjectID: contract.ID})
		if err != nil {
			s.logger.Error("enqueue render request", "job_id", job.ID, "subject_id", contract.ID, "error", err)
			if _, ferr := s.tracker.MarkFailed(r.Context(), job.ID, "enqueue failed: "+err.Error()); ferr != nil {
				s.logger.Warn("fail unqueued job", "job_id", job.ID, "error", ferr)
			}
			writeError(w, http.StatusInternalServerError, "enqueue failed")
			return
		}
		s.audit(r.Context(), contract.ID, "document_requested", fmt.Sprintf("job=%s template=%s", job.ID, template))
	}

	writeJSON(w, http.StatusAccepted, createDocumentResponse{Job: job, Created: created})
}

func (s *Server) handleActiveDocument(w http.ResponseWriter, r *http.Request) {
	job, found, err := s.tracker.ActiveJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeTrackerError(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "no active document job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.tracker.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeTrackerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) loadContract(w http.ResponseWriter, r *http.Request) (models.Contract, bool) {
	id := chi.URLParam(r, "id")
	contract, err := s.store.GetContract(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "contract not found")
		return models.Contract{}, false
	}
	if err != nil {
		s.logger.Error("load contract", "subject_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "load contract failed")
		return models.Contract{}, false
	}
	return contract, true
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request, scope, id string) bool {
	if s.limiter == nil {
		return true
	}
	allowed, _, err := s.limiter.Allow(r.Context(), scope, id)
	if err != nil {
		s.logger.Error("rate limit check", "scope", scope, "error", err)
		writeError(w, http.StatusInternalServerError, "rate limit error")
		return false
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return false
	}
	return true
}

func (s *Server) writeTrackerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tracker.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, tracker.ErrValidation):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, tracker.ErrInvalidState), errors.Is(err, tracker.ErrContended):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("tracker", "error", err)
		writeError(w, http.StatusInternalServerError, "job store unavailable")
	}
}

func (s *Server) audit(ctx context.Context, subjectID, event, detail string) {
	if err := s.store.AppendAudit(ctx, subjectID, event, detail); err != nil {
		s.logger.Warn("append audit", "subject_id", subjectID, "event", event, "error", err)
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		code = http.StatusInternalServerError
		body, _ = json.Marshal(errorResponse{Error: "encode response"})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(append(body, '\n'))
}
