package retryqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/mev/internal/event"
	"github.com/rzbill/mev/internal/sinks"
	pebblestore "github.com/rzbill/mev/internal/storage/pebble"
	"github.com/rzbill/mev/pkg/log"
)

func quietLogger() log.Logger { return log.NewLogger(log.WithOutput(&log.NullOutput{})) }

func openQueue(t *testing.T, dir string, p Policy) (*Queue, *pebblestore.DB) {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	require.NoError(t, err)
	q, err := Open(db, Options{Policy: p, Logger: quietLogger()})
	require.NoError(t, err)
	return q, db
}

func newQueue(t *testing.T, p Policy) *Queue {
	t.Helper()
	q, db := openQueue(t, t.TempDir(), p)
	t.Cleanup(func() { _ = db.Close() })
	return q
}

func events() []event.Event {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	return []event.Event{
		event.NewReceived("alice", 1, "bob@x", "alice@y", "imap", ts),
		event.NewRead("alice", 1, "bob@x", "imap", ts.Add(time.Minute)),
	}
}

func TestPolicyBackoff(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseBackoff: time.Second, MaxBackoff: 5 * time.Second}
	assert.Equal(t, time.Second, p.Backoff(0))
	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
	assert.Equal(t, 5*time.Second, p.Backoff(4))
}

func TestEnqueueDequeueComplete(t *testing.T) {
	q := newQueue(t, DefaultPolicy())
	ctx := context.Background()
	now := time.Now()

	seq, err := q.Enqueue(ctx, "store:", "alice", events(), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	got, err := q.Dequeue(ctx, 10, time.Minute, now.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, got, 1)
	e := got[0]
	assert.Equal(t, "store:", e.Sink)
	assert.Equal(t, "alice", e.Account)
	require.Len(t, e.Events, 2)
	assert.Equal(t, event.TypeRead, e.Events[1].Type)
	assert.Zero(t, e.Attempts)

	again, err := q.Dequeue(ctx, 10, time.Minute, now.Add(time.Second))
	require.NoError(t, err)
	assert.Empty(t, again, "leased entries are not handed out twice")

	require.NoError(t, q.Complete(ctx, seq))
	assert.ErrorIs(t, q.Complete(ctx, seq), ErrNotLeased)

	st, err := q.Stats()
	require.NoError(t, err)
	assert.Equal(t, Stats{}, st)
}

func TestDelayedEntriesWait(t *testing.T) {
	q := newQueue(t, DefaultPolicy())
	ctx := context.Background()
	_, err := q.Enqueue(ctx, "store:", "alice", events(), time.Hour)
	require.NoError(t, err)

	got, err := q.Dequeue(ctx, 1, time.Minute, time.Now())
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = q.Dequeue(ctx, 1, time.Minute, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestFailBacksOffThenDeadLetters(t *testing.T) {
	q := newQueue(t, Policy{MaxAttempts: 2, BaseBackoff: time.Minute, MaxBackoff: time.Hour})
	ctx := context.Background()
	now := time.Now()
	seq, err := q.Enqueue(ctx, "store:", "alice", events(), 0)
	require.NoError(t, err)

	_, err = q.Dequeue(ctx, 1, time.Minute, now)
	require.NoError(t, err)
	dead, err := q.Fail(ctx, seq, errors.New("busy"), now)
	require.NoError(t, err)
	assert.False(t, dead)

	got, err := q.Dequeue(ctx, 1, time.Minute, now.Add(30*time.Second))
	require.NoError(t, err)
	assert.Empty(t, got, "still backing off")

	got, err = q.Dequeue(ctx, 1, time.Minute, now.Add(61*time.Second))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Attempts)
	assert.Equal(t, "busy", got[0].LastError)

	dead, err = q.Fail(ctx, seq, errors.New("still busy"), now.Add(61*time.Second))
	require.NoError(t, err)
	assert.True(t, dead)

	dlq, err := q.ListDLQ(ctx, 0)
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	assert.Equal(t, seq, dlq[0].Seq)
	assert.Equal(t, 2, dlq[0].Attempts)
	assert.Equal(t, "still busy", dlq[0].LastError)

	require.NoError(t, q.Redrive(ctx, seq))
	got, err = q.Dequeue(ctx, 1, time.Minute, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Zero(t, got[0].Attempts)
	assert.ErrorIs(t, q.Redrive(ctx, seq), ErrNotFound)
}

func TestReclaimExpiredLeases(t *testing.T) {
	q := newQueue(t, DefaultPolicy())
	ctx := context.Background()
	now := time.Now()
	_, err := q.Enqueue(ctx, "store:", "alice", events(), 0)
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, 1, 10*time.Second, now)
	require.NoError(t, err)

	n, err := q.ReclaimExpired(ctx, now.Add(5*time.Second), 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = q.ReclaimExpired(ctx, now.Add(11*time.Second), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := q.Dequeue(ctx, 1, 10*time.Second, now.Add(12*time.Second))
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestQueueSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	q, db := openQueue(t, dir, DefaultPolicy())
	_, err := q.Enqueue(ctx, "store:", "alice", events(), 0)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	q, db = openQueue(t, dir, DefaultPolicy())
	t.Cleanup(func() { _ = db.Close() })
	seq, err := q.Enqueue(ctx, "store:", "bob", events(), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
	st, err := q.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, st.Ready)
}

type flakySink struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakySink) Name() string { return "flaky:" }
func (f *flakySink) Execute(context.Context, string, []event.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("flaky")
	}
	return nil
}
func (f *flakySink) Close() error { return nil }

type resolver map[string]sinks.Sink

func (r resolver) Sink(name string) (sinks.Sink, bool) { s, ok := r[name]; return s, ok }

func TestRetrierRedelivers(t *testing.T) {
	q := newQueue(t, Policy{MaxAttempts: 3, BaseBackoff: time.Millisecond})
	ctx := context.Background()
	flaky := &flakySink{failures: 1}
	r := NewRetrier(q, resolver{"flaky:": flaky}, RetrierOptions{Logger: quietLogger()})

	_, err := q.Enqueue(ctx, "flaky:", "alice", events(), 0)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "gone:", "alice", events(), 0)
	require.NoError(t, err)

	now := time.Now().Add(time.Second)
	n, err := r.RunOnce(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	dlq, err := q.ListDLQ(ctx, 0)
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	assert.Equal(t, "gone:", dlq[0].Sink)
	assert.Equal(t, ErrUnknownSink.Error(), dlq[0].LastError)

	n, err = r.RunOnce(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, flaky.calls)

	st, err := q.Stats()
	require.NoError(t, err)
	assert.Equal(t, Stats{Dead: 1}, st)
}

func TestRetrierRunStopsWithContext(t *testing.T) {
	q := newQueue(t, DefaultPolicy())
	r := NewRetrier(q, resolver{}, RetrierOptions{Interval: 5 * time.Millisecond, Logger: quietLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("retrier did not stop")
	}
}
