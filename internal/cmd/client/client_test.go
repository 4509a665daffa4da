package client

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rzbill/mev/internal/event"
	"github.com/rzbill/mev/internal/lmtp"
	"github.com/rzbill/mev/pkg/log"
)

// --- HTTP CLI tests ---

type seenRequest struct {
	Method string
	Path   string
	Query  string
	Body   map[string]any
}

// apiStub records requests and answers each path with a canned reply.
type apiStub struct {
	mu      sync.Mutex
	reqs    []seenRequest
	replies map[string]string
	status  int
}

func (s *apiStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(b, &body)
	s.mu.Lock()
	s.reqs = append(s.reqs, seenRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Body: body})
	s.mu.Unlock()
	if s.status != 0 {
		w.WriteHeader(s.status)
		_, _ = io.WriteString(w, `{"error":"event: invalid: empty account id"}`)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, s.replies[r.URL.Path])
}

func (s *apiStub) last(t *testing.T) seenRequest {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reqs) == 0 {
		t.Fatal("no request reached the server")
	}
	return s.reqs[len(s.reqs)-1]
}

func startAPI(t *testing.T, replies map[string]string) (*apiStub, BaseURLFunc) {
	t.Helper()
	stub := &apiStub{replies: replies}
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	return stub, func() string { return srv.URL }
}

func run(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestEventLog_SendsEvent(t *testing.T) {
	stub, base := startAPI(t, map[string]string{"/v1/events": `{"accepted":1}`})
	out, err := run(t, NewRoot(base), "event", "log",
		"--account", "alice", "--type", "received", "--datasource", "imap",
		"--msg-id", "42", "--sender", "bob@example.com", "--ctx", "size=1200", "--at", "1700000000000")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out, "accepted: 1") {
		t.Fatalf("unexpected output: %s", out)
	}
	req := stub.last(t)
	if req.Method != http.MethodPost || req.Path != "/v1/events" {
		t.Fatalf("unexpected request: %s %s", req.Method, req.Path)
	}
	events, _ := req.Body["events"].([]any)
	if len(events) != 1 {
		t.Fatalf("expected one event, got %v", req.Body)
	}
	e := events[0].(map[string]any)
	if e["account"] != "alice" || e["type"] != "received" || e["datasource"] != "imap" {
		t.Fatalf("unexpected event: %v", e)
	}
	if e["ts_ms"].(float64) != 1700000000000 {
		t.Fatalf("unexpected ts_ms: %v", e["ts_ms"])
	}
	ctx := e["context"].(map[string]any)
	if ctx["msg_id"].(float64) != 42 || ctx["sender"] != "bob@example.com" || ctx["size"].(float64) != 1200 {
		t.Fatalf("unexpected context: %v", ctx)
	}
}

func TestEventLog_RejectsBadInput(t *testing.T) {
	_, base := startAPI(t, nil)
	if _, err := run(t, NewRoot(base), "event", "log", "--account", "alice", "--type", "bogus"); err == nil {
		t.Fatal("expected unknown type error")
	}
	if _, err := run(t, NewRoot(base), "event", "log", "--account", "", "--type", "sent"); err == nil {
		t.Fatal("expected empty account error")
	}
	if _, err := run(t, NewRoot(base), "event", "log", "--account", "alice", "--type", "sent", "--ctx", "novalue"); err == nil {
		t.Fatal("expected bad --ctx error")
	}
}

func TestEventQuery_BuildsFilter(t *testing.T) {
	stub, base := startAPI(t, map[string]string{"/v1/events": `{"records":[]}`})
	_, err := run(t, NewRoot(base), "event", "query", "-a", "alice", "-t", "sent,received",
		"--contact", "bob@example.com", "--since", "1000", "--limit", "5", "--reverse")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	req := stub.last(t)
	for _, want := range []string{"account=alice", "type=sent%2Creceived", "contact=bob%40example.com", "since_ms=1000", "limit=5", "reverse=true"} {
		if !strings.Contains(req.Query, want) {
			t.Errorf("query %q missing %q", req.Query, want)
		}
	}
}

func TestEventDelete_RequiresConfirmForAccount(t *testing.T) {
	stub, base := startAPI(t, map[string]string{"/v1/events/delete": `{"deleted":3}`})
	if _, err := run(t, NewRoot(base), "event", "delete", "-a", "alice"); err == nil {
		t.Fatal("expected refusal without --confirm")
	}
	out, err := run(t, NewRoot(base), "event", "delete", "-a", "alice", "--datasource", "imap")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out, "deleted: 3") {
		t.Fatalf("unexpected output: %s", out)
	}
	if got := stub.last(t).Body["datasource"]; got != "imap" {
		t.Fatalf("datasource not sent: %v", got)
	}
}

func TestEventFlag_PrintsState(t *testing.T) {
	stub, base := startAPI(t, map[string]string{"/v1/messages/flag": `{"advanced":true,"flag":"read"}`})
	out, err := run(t, NewRoot(base), "event", "flag", "-a", "alice", "--msg-id", "7", "--flag", "read")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out, "flag: read advanced: true") {
		t.Fatalf("unexpected output: %s", out)
	}
	if got := stub.last(t).Body["msg_id"]; got.(float64) != 7 {
		t.Fatalf("msg_id not sent: %v", got)
	}
}

func TestAnalytics_Commands(t *testing.T) {
	stub, base := startAPI(t, map[string]string{
		"/v1/analytics/frequency":    `{"count":12}`,
		"/v1/analytics/opened":       `{"value":0.6}`,
		"/v1/analytics/time-to-open": `{"seconds":150,"ratio":0.6}`,
	})
	out, err := run(t, NewRoot(base), "analytics", "frequency", "-a", "alice", "-c", "bob@example.com", "--type", "sent", "--range", "last_week")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out, "count: 12") {
		t.Fatalf("unexpected output: %s", out)
	}
	if q := stub.last(t).Query; !strings.Contains(q, "range=last_week") || !strings.Contains(q, "type=sent") {
		t.Fatalf("unexpected query: %s", q)
	}

	out, err = run(t, NewRoot(base), "analytics", "opened", "-a", "alice", "-c", "bob@example.com")
	if err != nil || !strings.Contains(out, "opened: 0.600") {
		t.Fatalf("opened: %v %s", err, out)
	}

	out, err = run(t, NewRoot(base), "analytics", "time-to-open", "-a", "alice", "-c", "bob@example.com")
	if err != nil || !strings.Contains(out, "seconds: 150.0") || !strings.Contains(out, "ratio: 0.600") {
		t.Fatalf("time-to-open: %v %s", err, out)
	}
}

func TestServerErrorSurfaces(t *testing.T) {
	stub, base := startAPI(t, nil)
	stub.status = http.StatusBadRequest
	_, err := run(t, NewRoot(base), "event", "flush")
	if err == nil || !strings.Contains(err.Error(), "400") || !strings.Contains(err.Error(), "empty account id") {
		t.Fatalf("expected server error, got %v", err)
	}
}

// --- gRPC health CLI tests ---

func startHealth(t *testing.T, status healthpb.HealthCheckResponse_ServingStatus) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus("", status)
	healthpb.RegisterHealthServer(s, hs)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)
	return lis.Addr().String()
}

func TestHealth_Serving(t *testing.T) {
	addr := startHealth(t, healthpb.HealthCheckResponse_SERVING)
	t.Setenv("MEV_GRPC", addr)
	out, err := run(t, NewHealthCommand())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out, "SERVING") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestHealth_NotServing(t *testing.T) {
	addr := startHealth(t, healthpb.HealthCheckResponse_NOT_SERVING)
	out, err := run(t, NewHealthCommand(), "--grpc", addr)
	if err == nil {
		t.Fatal("expected error when not serving")
	}
	if !strings.Contains(out, "NOT_SERVING") {
		t.Fatalf("unexpected output: %s", out)
	}
}

// --- LMTP CLI tests ---

type recordingLog struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recordingLog) Log(e event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func startLMTP(t *testing.T, rec *recordingLog) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := lmtp.NewServer(lmtp.Config{Domain: "localhost"},
		lmtp.StaticDirectory{"alice@example.com": "alice"}, rec,
		lmtp.WithServerLogger(log.NewLogger(log.WithOutput(&log.NullOutput{}))))
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()
	t.Cleanup(func() {
		_ = srv.Close()
		<-done
	})
	return ln.Addr().String()
}

const message = "From: bob@example.com\r\nTo: alice@example.com\r\nSubject: hi\r\n\r\nhello\r\n"

func TestLMTPSend_ReportsPerRecipient(t *testing.T) {
	rec := &recordingLog{}
	addr := startLMTP(t, rec)

	cmd := NewLMTPCommand()
	cmd.SetIn(strings.NewReader(message))
	out, err := run(t, cmd, "send", "--addr", addr, "--from", "bob@example.com",
		"--to", "alice@example.com", "--to", "nobody@example.com")
	if err == nil {
		t.Fatal("expected failure for the unknown recipient")
	}
	if !strings.Contains(out, "alice@example.com: ok") || !strings.Contains(out, "nobody@example.com: 550") {
		t.Fatalf("unexpected output: %s", out)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != 1 || rec.events[0].AccountID != "alice" || rec.events[0].Type != event.TypeReceived {
		t.Fatalf("unexpected events: %+v", rec.events)
	}
}

func TestLMTPSend_RequiresRecipient(t *testing.T) {
	if _, err := run(t, NewLMTPCommand(), "send", "--from", "bob@example.com"); err == nil {
		t.Fatal("expected missing --to error")
	}
}
