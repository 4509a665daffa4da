package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rzbill/mev/internal/event"
	"github.com/rzbill/mev/internal/eventstore"
	"github.com/rzbill/mev/pkg/log"
)

var (
	errBadRequest = errors.New("bad request")
	errTooLarge   = errors.New("request too large")
)

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

type logReq struct {
	Events []event.Event `json:"events"`
}

// logResp reports how many events were taken. On failure the events before
// Accepted were logged and the rest were not.
type logResp struct {
	Accepted int    `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

const (
	maxBodyBytes  = 4 << 20
	maxQueryLimit = 1000
)

// decodeBody reads a JSON request body of at most maxBodyBytes.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err == nil {
		return nil
	}
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		return fmt.Errorf("%w: body exceeds %d bytes", errTooLarge, tooBig.Limit)
	}
	return badRequest("decode body: %v", err)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleLog(w, r)
	case http.MethodGet:
		s.handleQuery(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	var req logReq
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	for i, e := range req.Events {
		if err := e.Validate(); err != nil {
			writeJSON(w, http.StatusBadRequest, logResp{Error: fmt.Sprintf("event %d: %v", i, err)})
			return
		}
	}
	n, err := s.rt.Events().LogAll(req.Events)
	if err != nil {
		s.requestLogger(r).Warn("rejected events", log.Int("accepted", n), log.Err(err))
		writeJSON(w, statusOf(err), logResp{Accepted: n, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, logResp{Accepted: n})
}

type recordJSON struct {
	Seq   uint64      `json:"seq"`
	Event event.Event `json:"event"`
}

type queryResp struct {
	Records []recordJSON `json:"records"`
	// Next resumes the scan via ?after=.
	Next uint64 `json:"next,omitempty"`
}

func msParam(q url.Values, name string) (time.Time, error) {
	v := q.Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, badRequest("%s: %v", name, err)
	}
	return time.UnixMilli(ms), nil
}

// parseFilter reads account, type, datasource, since_ms, until_ms, contact,
// after, limit and reverse.
func parseFilter(q url.Values) (eventstore.Filter, error) {
	var f eventstore.Filter
	if v := q.Get("type"); v != "" {
		for _, name := range strings.Split(v, ",") {
			t, err := event.ParseType(strings.TrimSpace(name))
			if err != nil {
				return f, badRequest("%v", err)
			}
			f.Types = append(f.Types, t)
		}
	}
	f.DataSourceID = q.Get("datasource")
	f.Contact = q.Get("contact")
	var err error
	if f.Since, err = msParam(q, "since_ms"); err != nil {
		return f, err
	}
	if f.Until, err = msParam(q, "until_ms"); err != nil {
		return f, err
	}
	if v := q.Get("after"); v != "" {
		if f.AfterSeq, err = strconv.ParseUint(v, 10, 64); err != nil {
			return f, badRequest("after: %v", err)
		}
	}
	f.Limit = 100
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit < 1 {
			return f, badRequest("limit: %q", v)
		}
		if f.Limit > maxQueryLimit {
			f.Limit = maxQueryLimit
		}
	}
	if v := q.Get("reverse"); v != "" {
		if f.Reverse, err = strconv.ParseBool(v); err != nil {
			return f, badRequest("reverse: %v", err)
		}
	}
	return f, nil
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f, err := parseFilter(q)
	if err != nil {
		writeError(w, err)
		return
	}
	recs, err := s.rt.Store().Query(r.Context(), q.Get("account"), f)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := queryResp{Records: make([]recordJSON, 0, len(recs))}
	for _, rec := range recs {
		resp.Records = append(resp.Records, recordJSON{Seq: rec.Seq, Event: rec.Event})
	}
	if len(recs) == f.Limit {
		resp.Next = recs[len(recs)-1].Seq
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if err := s.rt.Events().Flush(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.rt.Events().Stats())
}

type deleteReq struct {
	Account    string `json:"account"`
	DataSource string `json:"datasource"`
}

type deleteResp struct {
	Deleted int `json:"deleted"`
}

// handleDelete removes one data source's events, or the whole account's
// events and flags when no data source is given.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req deleteReq
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	ctx := r.Context()
	if req.DataSource != "" {
		n, err := s.rt.Store().DeleteDataSource(ctx, req.Account, req.DataSource)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, deleteResp{Deleted: n})
		return
	}
	if err := s.rt.Store().DeleteAccount(ctx, req.Account); err != nil {
		writeError(w, err)
		return
	}
	if err := s.rt.Flags().DeleteAccount(ctx, req.Account); err != nil {
		writeError(w, err)
		return
	}
	s.requestLogger(r).Info("deleted account events", log.Account(req.Account))
	w.WriteHeader(http.StatusNoContent)
}

type flagReq struct {
	Account    string `json:"account"`
	MsgID      int64  `json:"msg_id"`
	Sender     string `json:"sender"`
	DataSource string `json:"datasource"`
	Flag       string `json:"flag"`
	SentByMe   bool   `json:"sent_by_me"`
}

type flagResp struct {
	Advanced bool   `json:"advanced"`
	Flag     string `json:"flag"`
}

func (s *Server) handleFlag(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req flagReq
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	ctx := r.Context()
	flags := s.rt.Flags()
	if req.SentByMe {
		if err := flags.MarkSentByMe(ctx, req.Account, req.DataSource, req.MsgID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, flagResp{Flag: event.FlagNotSeen.String()})
		return
	}
	next, err := event.ParseFlag(req.Flag)
	if err != nil {
		writeError(w, badRequest("%v", err))
		return
	}
	advanced, err := flags.Advance(ctx, req.Account, req.MsgID, req.Sender, req.DataSource, next)
	if err != nil {
		writeError(w, err)
		return
	}
	st, err := flags.Get(ctx, req.Account, req.DataSource, req.MsgID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flagResp{Advanced: advanced, Flag: st.Flag.String()})
}
