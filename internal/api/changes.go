package api

import (
	"net/http"
	"strconv"

	"github.com/marcus/storesync/internal/models"
)

// handleChanges serves one page of the local change log for an entity type.
//
//	GET /sync/{entity_type}/changes?cursor=<seq>&limit=<n>&exclude_origin=<store id>
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	t := models.EntityType(r.PathValue("entity_type"))
	if !models.IsValidEntityType(t) {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "unknown entity type: "+string(t))
		return
	}

	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	page, err := s.feed.Page(r.Context(), t, q.Get("cursor"), limit, q.Get("exclude_origin"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	s.metrics.RecordPage(len(page.Records))
	writeJSON(w, http.StatusOK, page)
}
