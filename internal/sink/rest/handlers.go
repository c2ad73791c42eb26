package rest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tripwire/filepulse/internal/sink/postgres"
)

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	store Store
}

// NewServer creates a new Server with the provided storage layer.
func NewServer(store Store) *Server {
	return &Server{store: store}
}

// handleHealthz responds to GET /healthz.
//
// This endpoint does not require authentication and returns HTTP 200 with a
// simple JSON body so load balancers and orchestrators can verify liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleGetRecords responds to GET /api/v1/records.
//
// Supported query parameters:
//
//	file_name – exact observed-file path filter (optional)
//	from      – RFC3339 start of the stored_at window (required)
//	to        – RFC3339 end of the stored_at window (required)
//	limit     – maximum number of results (default 100, max 1000)
//	offset    – pagination offset (default 0)
//
// Returns HTTP 400 when required parameters are missing or malformed.
// Returns HTTP 200 with a JSON array of RecordRow objects on success.
func (s *Server) handleGetRecords(w http.ResponseWriter, r *http.Request) {
	s.queryRecords(w, r, chi.URLParam(r, "file"))
}

// queryRecords parses the shared from/to/limit/offset query parameters,
// optionally pinning FileName to fileName (non-empty when routed through
// GET /api/v1/records/{file}), and writes the matching records as JSON.
func (s *Server) queryRecords(w http.ResponseWriter, r *http.Request, fileName string) {
	q := r.URL.Query()

	fromStr := q.Get("from")
	toStr := q.Get("to")
	if fromStr == "" || toStr == "" {
		writeError(w, http.StatusBadRequest, "query parameters 'from' and 'to' are required (RFC3339)")
		return
	}

	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
		return
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
		return
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "'to' must be after 'from'")
		return
	}

	rq := postgres.RecordQuery{
		FileName: fileName,
		From:     from,
		To:       to,
	}
	if rq.FileName == "" {
		rq.FileName = q.Get("file_name")
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		if limit > 1000 {
			limit = 1000
		}
		rq.Limit = limit
	}

	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
			return
		}
		rq.Offset = offset
	}

	records, err := s.store.QueryRecords(r.Context(), rq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query records")
		return
	}

	// Ensure we always return a JSON array, not null.
	if records == nil {
		records = []postgres.RecordRow{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(records)
}
