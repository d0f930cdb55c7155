package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/candlekeep/candlekeep/internal/backfill"
	"github.com/candlekeep/candlekeep/internal/domain"
	"github.com/candlekeep/candlekeep/internal/persistence"
)

// Pinger reports storage connectivity for health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds every endpoint's dependencies.
type Handlers struct {
	service *backfill.Service
	pinger  Pinger
}

// NewHandlers wires the endpoints to the coverage service. pinger may be nil
// when no durable storage is attached.
func NewHandlers(service *backfill.Service, pinger Pinger) *Handlers {
	return &Handlers{service: service, pinger: pinger}
}

type ensureCoverageRequest struct {
	Symbol     string `json:"symbol"`
	Timeframe  string `json:"timeframe"`
	WindowDays int    `json:"windowDays"`
	Priority   int    `json:"priority"`
}

type runWorkerRequest struct {
	Limit int `json:"limit"`
}

type jobStatusResponse struct {
	Job      *domain.JobDefinition `json:"job"`
	Progress *backfill.Progress    `json:"backfillProgress,omitempty"`
}

type errorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	RequestID string    `json:"requestId"`
	Timestamp time.Time `json:"timestamp"`
}

// EnsureCoverage checks a symbol's trailing window and lazily plans a
// backfill when gaps exist. Never fetches from the provider inline.
func (h *Handlers) EnsureCoverage(w http.ResponseWriter, r *http.Request) {
	var req ensureCoverageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Symbol == "" {
		h.writeError(w, r, http.StatusBadRequest, "symbol is required")
		return
	}
	tf, err := domain.ParseTimeframe(req.Timeframe)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.WindowDays <= 0 {
		h.writeError(w, r, http.StatusBadRequest, "windowDays must be positive")
		return
	}

	result, err := h.service.EnsureCoverage(r.Context(), req.Symbol, tf, req.WindowDays, req.Priority)
	if err != nil {
		log.Error().Err(err).Str("symbol", req.Symbol).Msg("ensure-coverage failed")
		h.writeError(w, r, http.StatusInternalServerError, "coverage check failed")
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// RunWorker synchronously drains a batch of claimable chunks. It is the
// external trigger for schedulers that prefer polling over the daemon loop.
func (h *Handlers) RunWorker(w http.ResponseWriter, r *http.Request) {
	var req runWorkerRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, r, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	summary, err := h.service.RunWorkerBatch(r.Context(), req.Limit)
	if err != nil {
		log.Error().Err(err).Msg("worker batch failed")
		h.writeError(w, r, http.StatusInternalServerError, "worker batch failed")
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

// JobStatus returns one job definition with its run snapshot.
func (h *Handlers) JobStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	def, progress, err := h.service.JobStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			h.writeError(w, r, http.StatusNotFound, "job not found")
			return
		}
		log.Error().Err(err).Str("job_id", id).Msg("job status failed")
		h.writeError(w, r, http.StatusInternalServerError, "job lookup failed")
		return
	}
	h.writeJSON(w, http.StatusOK, jobStatusResponse{Job: def, Progress: progress})
}

// Health reports process liveness and, when wired, storage connectivity.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	code := http.StatusOK
	if h.pinger != nil {
		if err := h.pinger.Ping(r.Context()); err != nil {
			status["status"] = "degraded"
			status["database"] = err.Error()
			code = http.StatusServiceUnavailable
		} else {
			status["database"] = "ok"
		}
	}
	h.writeJSON(w, code, status)
}

// NotFound handles unknown routes.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, r, http.StatusNotFound, "endpoint does not exist")
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("response encoding failed")
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	h.writeJSON(w, status, errorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		RequestID: requestID(r),
		Timestamp: time.Now().UTC(),
	})
}
