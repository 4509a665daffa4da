package httpserver

import (
	"net/http"
	"strconv"

	"github.com/rzbill/mev/internal/analytics"
)

type countResp struct {
	Count int64 `json:"count"`
}

type valueResp struct {
	Value float64 `json:"value"`
}

type graphResp struct {
	Points []analytics.DataPoint `json:"points"`
}

type timeToOpenResp struct {
	Seconds float64  `json:"seconds"`
	Ratio   *float64 `json:"ratio,omitempty"`
}

func (s *Server) handleFrequency(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	ft, rng := analytics.FrequencyCombined, analytics.RangeForever
	var err error
	if v := q.Get("type"); v != "" {
		if ft, err = analytics.ParseFrequencyType(v); err != nil {
			writeError(w, badRequest("%v", err))
			return
		}
	}
	if v := q.Get("range"); v != "" {
		if rng, err = analytics.ParseRange(v); err != nil {
			writeError(w, badRequest("%v", err))
			return
		}
	}
	n, err := s.rt.Analytics().ContactFrequency(r.Context(), q.Get("account"), q.Get("contact"), ft, rng)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, countResp{Count: n})
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	an := s.rt.Analytics()
	g := analytics.GraphCurrentMonth
	var err error
	if v := q.Get("range"); v != "" {
		if g, err = analytics.ParseGraphRange(v); err != nil {
			writeError(w, badRequest("%v", err))
			return
		}
	}
	tz := an.DefaultTZOffset()
	if v := q.Get("tz_offset"); v != "" {
		if tz, err = strconv.Atoi(v); err != nil {
			writeError(w, badRequest("tz_offset: %v", err))
			return
		}
	}
	points, err := an.ContactFrequencyGraph(r.Context(), q.Get("account"), q.Get("contact"), g, tz)
	if err != nil {
		writeError(w, err)
		return
	}
	if points == nil {
		points = []analytics.DataPoint{}
	}
	writeJSON(w, http.StatusOK, graphResp{Points: points})
}

func (s *Server) handleOpened(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	v, err := s.rt.Analytics().PercentageOpened(r.Context(), q.Get("account"), q.Get("contact"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, valueResp{Value: v})
}

func (s *Server) handleReplied(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	v, err := s.rt.Analytics().PercentageReplied(r.Context(), q.Get("account"), q.Get("contact"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, valueResp{Value: v})
}

// handleTimeToOpen reports the account-wide figure without a contact, and
// the contact's figure plus its ratio to the account's otherwise.
func (s *Server) handleTimeToOpen(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	ctx, an := r.Context(), s.rt.Analytics()
	account, contact := q.Get("account"), q.Get("contact")
	if contact == "" {
		secs, err := an.AvgTimeToOpenForAccount(ctx, account)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, timeToOpenResp{Seconds: secs})
		return
	}
	secs, err := an.AvgTimeToOpen(ctx, account, contact)
	if err != nil {
		writeError(w, err)
		return
	}
	ratio, err := an.RatioOfAvgTimeToOpenToGlobal(ctx, account, contact)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, timeToOpenResp{Seconds: secs, Ratio: &ratio})
}
