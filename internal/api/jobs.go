package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/marcus/storesync/internal/models"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// StartJobRequest is the body for POST /v1/jobs.
type StartJobRequest struct {
	PeerID      string              `json:"peer_id"`
	EntityTypes []models.EntityType `json:"entity_types,omitempty"`
	Mode        models.SyncMode     `json:"mode,omitempty"`
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	var req StartJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if req.PeerID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "peer_id is required")
		return
	}
	if req.Mode == "" {
		req.Mode = models.ModeIncremental
	}

	jobID, err := s.engine.StartSync(r.Context(), req.PeerID, req.EntityTypes, req.Mode)
	if err != nil {
		// Config failures are recorded as a failed job; report its id with the error.
		if jobID != "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"job_id": jobID,
				"error":  APIError{Code: ErrCodeBadRequest, Message: err.Error()},
			})
			return
		}
		writeEngineError(w, r, err)
		return
	}
	logFor(r.Context()).Info("sync job started", "job", jobID, "peer", req.PeerID, "mode", req.Mode)
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	jobs, err := s.engine.ListJobs(r.Context(), r.URL.Query().Get("peer_id"), limit)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Cancel(r.Context(), id); err != nil {
		writeEngineError(w, r, err)
		return
	}
	logFor(r.Context()).Info("sync job cancel requested", "job", id)
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": "cancel_requested"})
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		since = t
	}
	conflicts, err := s.engine.ListConflicts(r.Context(), r.URL.Query().Get("peer_id"), since, limit)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if conflicts == nil {
		conflicts = []models.ConflictRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return min(n, maxListLimit), true
}
