package sinks

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/mev/internal/event"
)

var ts = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func batch() []event.Event {
	return []event.Event{
		event.NewReceived("alice", 1, "bob@x.org", "alice@y.org", "imap", ts),
		event.NewSeen("alice", 1, "bob@x.org", "imap", ts.Add(time.Second)),
		event.NewRead("alice", 1, "bob@x.org", "pop", ts.Add(2*time.Second)),
	}
}

type memSink struct {
	mu     sync.Mutex
	got    []event.Event
	closed bool
}

func (m *memSink) Name() string { return "mem:" }
func (m *memSink) Execute(_ context.Context, _ string, evs []event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, evs...)
	return nil
}
func (m *memSink) Close() error { m.closed = true; return nil }

type memStore struct {
	account string
	n       int
	err     error
}

func (m *memStore) Append(_ context.Context, account string, evs []event.Event) ([]uint64, error) {
	m.account = account
	m.n += len(evs)
	return make([]uint64, len(evs)), m.err
}

func TestFileSinkWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "events.jsonl")
	s, err := NewFile(path)
	require.NoError(t, err)
	require.NoError(t, s.Execute(context.Background(), "alice", batch()))
	require.NoError(t, s.Execute(context.Background(), "alice", batch()[:1]))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "double close is fine")
	assert.ErrorIs(t, s.Execute(context.Background(), "alice", batch()), ErrClosed)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	sc := bufio.NewScanner(f)
	var types []event.Type
	for sc.Scan() {
		var e event.Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		types = append(types, e.Type)
	}
	assert.Equal(t, []event.Type{event.TypeReceived, event.TypeSeen, event.TypeRead, event.TypeReceived}, types)
}

func TestStoreSinkWrapsErrors(t *testing.T) {
	st := &memStore{}
	s := NewStore(st)
	require.NoError(t, s.Execute(context.Background(), "alice", batch()))
	assert.Equal(t, "alice", st.account)
	assert.Equal(t, 3, st.n)

	boom := errors.New("disk full")
	st.err = boom
	err := s.Execute(context.Background(), "alice", batch())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "store sink")
}

func TestMetricsSinkNeverFails(t *testing.T) {
	m := NewMetrics()
	assert.NoError(t, m.Execute(context.Background(), "alice", batch()))
	assert.NoError(t, m.Execute(context.Background(), "alice", nil))
	assert.Equal(t, "metrics:", m.Name())
}

func TestFilterSink(t *testing.T) {
	inner := &memSink{}
	s, err := NewFilter(inner, `kind != "seen" && datasource == "imap"`)
	require.NoError(t, err)
	require.NoError(t, s.Execute(context.Background(), "alice", batch()))
	require.Len(t, inner.got, 1)
	assert.Equal(t, event.TypeReceived, inner.got[0].Type)

	s, err = NewFilter(inner, `ctx.sender == "bob@x.org" && ctx.msg_id == 1 && ts_ms <= now_ms`)
	require.NoError(t, err)
	inner.got = nil
	require.NoError(t, s.Execute(context.Background(), "alice", batch()))
	assert.Len(t, inner.got, 3)

	same, err := NewFilter(inner, "  ")
	require.NoError(t, err)
	assert.Same(t, inner, same)

	_, err = NewFilter(inner, `ts_ms + 1`)
	var typeErr *FilterTypeError
	assert.ErrorAs(t, err, &typeErr)

	_, err = NewFilter(inner, `kind ==`)
	assert.Error(t, err)

	require.NoError(t, s.Close())
	assert.True(t, inner.closed)
}

func TestFilterMissingKeyDoesNotMatch(t *testing.T) {
	p, err := CompilePredicate(`ctx.subject == "hi"`)
	require.NoError(t, err)
	assert.False(t, p.Match(batch()[0], time.Now()))
	var nilPred *Predicate
	assert.True(t, nilPred.Match(batch()[0], time.Now()))
}

func TestRegistryBuild(t *testing.T) {
	r := NewRegistry()
	path := filepath.Join(t.TempDir(), "ev.jsonl")

	s, err := r.Build("file://"+path, Deps{})
	require.NoError(t, err)
	assert.Equal(t, "file://"+path, s.Name())
	require.NoError(t, s.Close())

	s, err = r.Build("metrics:", Deps{})
	require.NoError(t, err)
	assert.IsType(t, &Metrics{}, s)

	_, err = r.Build("store:", Deps{})
	assert.Error(t, err, "store needs deps")

	st := &memStore{}
	s, err = r.Build(`store:?filter=kind == "read"`, Deps{Store: st})
	require.NoError(t, err)
	require.IsType(t, &Filter{}, s)
	require.NoError(t, s.Execute(context.Background(), "alice", batch()))
	assert.Equal(t, 1, st.n)

	s, err = r.Build(`metrics:?filter=kind%20%3D%3D%20%22read%22`, Deps{})
	require.NoError(t, err)
	assert.Equal(t, `metrics:?filter=kind == "read"`, s.Name())

	_, err = r.Build("kafka://broker", Deps{})
	assert.ErrorIs(t, err, ErrUnknownScheme)

	r.Register("mem", func(_ *url.URL, _ Deps) (Sink, error) { return &memSink{}, nil })
	all, err := r.BuildAll([]string{"mem:", "metrics:"}, Deps{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = r.BuildAll([]string{"mem:", "nope:"}, Deps{})
	assert.Error(t, err)
}

func TestBuildAllRejectsDuplicateNames(t *testing.T) {
	r := NewRegistry()
	var built []*memSink
	r.Register("mem", func(_ *url.URL, _ Deps) (Sink, error) {
		m := &memSink{}
		built = append(built, m)
		return m, nil
	})

	_, err := r.BuildAll([]string{"mem:", "metrics:", "mem:"}, Deps{})
	require.ErrorIs(t, err, ErrDuplicateSink)
	assert.Contains(t, err.Error(), `"mem:"`)
	require.Len(t, built, 2)
	assert.True(t, built[0].closed)
	assert.True(t, built[1].closed)

	all, err := r.BuildAll([]string{"metrics:", `metrics:?filter=kind == "read"`}, Deps{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
