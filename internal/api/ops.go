package api

import (
	"net/http"
	"strconv"
	"strings"
)

const (
	defaultDLQLimit = 100
	maxDLQLimit     = 1000
)

// DeadLetter is one render request the worker gave up on.
type DeadLetter struct {
	JobID  string `json:"jobId"`
	Reason string `json:"reason,omitempty"`
}

// handleDLQ returns the oldest dead-lettered render requests.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	limit := defaultDLQLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxDLQLimit)
	}

	entries, err := s.dlq.DLQPeek(r.Context(), int64(limit))
	if err != nil {
		s.logger.Error("read dead letters", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	items := make([]DeadLetter, 0, len(entries))
	for _, e := range entries {
		id, reason, _ := strings.Cut(e, " ")
		items = append(items, DeadLetter{JobID: id, Reason: reason})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
