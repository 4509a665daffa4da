package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rzbill/mev/internal/analytics"
	"github.com/rzbill/mev/internal/event"
	"github.com/rzbill/mev/internal/eventstore"
	evlogger "github.com/rzbill/mev/internal/logger"
	"github.com/rzbill/mev/internal/msgflags"
	"github.com/rzbill/mev/internal/runtime"
	"github.com/rzbill/mev/pkg/log"
)

type Server struct {
	rt     *runtime.Runtime
	srv    *http.Server
	lis    net.Listener
	logger log.Logger
}

func New(rt *runtime.Runtime, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewLogger(log.WithLevel(log.InfoLevel))
	}
	mux := http.NewServeMux()
	s := &Server{rt: rt, logger: logger.WithComponent("http")}
	s.srv = &http.Server{Handler: cors(s.logRequests(mux)), ReadHeaderTimeout: 10 * time.Second}

	mux.HandleFunc("/v1/healthz", s.handleHealth)
	mux.HandleFunc("/v1/stats", s.handleStats)
	mux.HandleFunc("/v1/events", s.handleEvents)
	mux.HandleFunc("/v1/events/flush", s.handleFlush)
	mux.HandleFunc("/v1/events/delete", s.handleDelete)
	mux.HandleFunc("/v1/messages/flag", s.handleFlag)
	mux.HandleFunc("/v1/analytics/frequency", s.handleFrequency)
	mux.HandleFunc("/v1/analytics/graph", s.handleGraph)
	mux.HandleFunc("/v1/analytics/opened", s.handleOpened)
	mux.HandleFunc("/v1/analytics/replied", s.handleReplied)
	mux.HandleFunc("/v1/analytics/time-to-open", s.handleTimeToOpen)
	mux.HandleFunc("/v1/retry/dlq", s.handleDLQ)
	mux.HandleFunc("/v1/retry/redrive", s.handleRedrive)
	mux.Handle("/metrics", promhttp.Handler())
	return s
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.logger.Info("http server listening", log.Str("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

const requestIDHeader = "X-Request-ID"

// logRequests tags each request with an id, taken from X-Request-ID when the
// caller sends one, and echoes it in the response.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get(requestIDHeader)
		if reqID == "" || len(reqID) > 128 {
			reqID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, reqID)
		r = r.WithContext(log.ContextWith(r.Context(), log.RequestIDKey, reqID))
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.requestLogger(r).Debug("request",
			log.Str("method", r.Method), log.Str("path", r.URL.Path),
			log.Int("status", rec.code), log.Dur("took", time.Since(start)))
	})
}

func (s *Server) requestLogger(r *http.Request) log.Logger {
	return s.logger.WithContext(r.Context())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func statusOf(err error) int {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, event.ErrInvalidEvent), errors.Is(err, event.ErrMissingField),
		errors.Is(err, eventstore.ErrInvalidAccount), errors.Is(err, msgflags.ErrInvalidAccount),
		errors.Is(err, analytics.ErrEmptyContact), errors.Is(err, errBadRequest):
		code = http.StatusBadRequest
	case errors.Is(err, errTooLarge):
		code = http.StatusRequestEntityTooLarge
	case errors.Is(err, evlogger.ErrClosed):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	return code
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), map[string]string{"error": err.Error()})
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.CheckHealth(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_serving"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsResp struct {
	Logger evlogger.Stats `json:"logger"`
	Retry  any            `json:"retry,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	resp := statsResp{Logger: s.rt.Events().Stats()}
	if q := s.rt.Retry(); q != nil {
		st, err := q.Stats()
		if err != nil {
			writeError(w, err)
			return
		}
		resp.Retry = st
	}
	writeJSON(w, http.StatusOK, resp)
}
