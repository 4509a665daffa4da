package httpserver

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/rzbill/mev/internal/retryqueue"
)

var errRetryDisabled = errors.New("retry queue disabled")

type dlqResp struct {
	Entries []retryqueue.Entry `json:"entries"`
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	q := s.rt.Retry()
	if q == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": errRetryDisabled.Error()})
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, badRequest("limit: %q", v))
			return
		}
		limit = n
	}
	entries, err := q.ListDLQ(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []retryqueue.Entry{}
	}
	writeJSON(w, http.StatusOK, dlqResp{Entries: entries})
}

type redriveReq struct {
	Seq uint64 `json:"seq"`
}

func (s *Server) handleRedrive(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	q := s.rt.Retry()
	if q == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": errRetryDisabled.Error()})
		return
	}
	var req redriveReq
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := q.Redrive(r.Context(), req.Seq); err != nil {
		if errors.Is(err, retryqueue.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
