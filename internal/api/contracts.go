package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"rental-ops/internal/models"
	"rental-ops/internal/store"
	"rental-ops/internal/telemetry"
)

const (
	idempotencyHeader = "Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"
)

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.guardedTransition(w, r, "approve", models.ContractPending, models.ContractActive)
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	s.guardedTransition(w, r, "terminate", models.ContractActive, models.ContractTerminated)
}

// guardedTransition performs a contract status change at most once per
// Idempotency-Key. A completed key replays its stored response and a key still
// being processed is rejected. A key used for another action is refused.
// Only a successful change completes the key; any outcome that changed nothing
// releases it so a later call with the same key is evaluated afresh.
func (s *Server) guardedTransition(w http.ResponseWriter, r *http.Request, verb string, from, to models.ContractStatus) {
	key := r.Header.Get(idempotencyHeader)
	if key == "" {
		writeError(w, http.StatusBadRequest, idempotencyHeader+" header is required")
		return
	}
	id := chi.URLParam(r, "id")
	action := verb + ":" + id
	ctx := r.Context()

	rec, claimed, err := s.store.ClaimIdempotencyKey(ctx, key, action, s.cfg.IdempotencyTTL)
	switch {
	case errors.Is(err, store.ErrIdempotencyConflict):
		writeError(w, http.StatusUnprocessableEntity, "idempotency key was used for a different request")
		return
	case err != nil:
		s.logger.Error("claim idempotency key", "subject_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "idempotency store unavailable")
		return
	}
	if !claimed {
		if !rec.Completed {
			writeError(w, http.StatusConflict, "a request with this idempotency key is in progress")
			return
		}
		telemetry.IdempotentReplays.Inc()
		s.logger.Info("idempotent replay", "subject_id", id, "action", action)
		w.Header().Set(replayedHeader, "true")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(rec.ResponseCode)
		_, _ = w.Write(rec.ResponseBody)
		return
	}

	contract, err := s.store.UpdateContractStatus(ctx, id, from, to)
	switch {
	case err == nil:
		s.audit(ctx, id, verb, string(from)+" -> "+string(to))
		s.remember(w, r, key, http.StatusOK, contract)
	case errors.Is(err, store.ErrStatusConflict):
		s.release(r, key)
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrNotFound):
		s.release(r, key)
		writeError(w, http.StatusNotFound, "contract not found")
	default:
		s.release(r, key)
		s.logger.Error("update contract status", "subject_id", id, "action", action, "error", err)
		writeError(w, http.StatusInternalServerError, "update failed")
	}
}

// remember stores the response under key, then writes it.
func (s *Server) remember(w http.ResponseWriter, r *http.Request, key string, code int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode response")
		return
	}
	// The mutation already happened; a failed save only loses replay.
	if err := s.store.SaveIdempotencyResponse(context.WithoutCancel(r.Context()), key, code, body); err != nil {
		s.logger.Warn("save idempotency response", "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(append(body, '\n'))
}

func (s *Server) release(r *http.Request, key string) {
	if err := s.store.ReleaseIdempotencyKey(context.WithoutCancel(r.Context()), key); err != nil {
		s.logger.Warn("release idempotency key", "error", err)
	}
}
