package logger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/mev/internal/event"
	"github.com/rzbill/mev/internal/sinks"
	"github.com/rzbill/mev/pkg/log"
)

type delivery struct {
	account string
	events  []event.Event
}

type recordingSink struct {
	name string
	fail error

	mu       sync.Mutex
	got      []delivery
	closed   bool
	panicked bool
}

func (r *recordingSink) Name() string {
	if r.name == "" {
		return "rec:"
	}
	return r.name
}

func (r *recordingSink) Execute(_ context.Context, account string, evs []event.Event) error {
	if r.panicked {
		panic("boom")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	cp := append([]event.Event(nil), evs...)
	r.got = append(r.got, delivery{account: account, events: cp})
	return nil
}

func (r *recordingSink) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordingSink) deliveries() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.got...)
}

func (r *recordingSink) eventCount() int {
	n := 0
	for _, d := range r.deliveries() {
		n += len(d.events)
	}
	return n
}

type retryRecorder struct {
	mu    sync.Mutex
	sinks []string
	n     int
	err   error
}

func (q *retryRecorder) Enqueue(_ context.Context, sink, _ string, evs []event.Event, _ time.Duration) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return 0, q.err
	}
	q.sinks = append(q.sinks, sink)
	q.n += len(evs)
	return uint64(len(q.sinks)), nil
}

func quiet() Option {
	return WithLogger(log.NewLogger(log.WithOutput(&log.NullOutput{})))
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		BatchSize:     3,
		FlushInterval: time.Hour,
		MaxAccounts:   100,
		QueueCapacity: 8,
		Workers:       2,
	}
}

func read(account string, msgID int64) event.Event {
	return event.NewRead(account, msgID, "bob@example.com", "imap", time.Now())
}

func newLogger(t *testing.T, cfg Config, s []sinks.Sink, opts ...Option) *Logger {
	t.Helper()
	l := New(cfg, s, append([]Option{quiet()}, opts...)...)
	t.Cleanup(func() { _ = l.Close(context.Background()) })
	return l
}

func TestSizeThresholdDrainsInOrder(t *testing.T) {
	rec := &recordingSink{}
	l := newLogger(t, testConfig(), []sinks.Sink{rec})

	for i := int64(1); i <= 7; i++ {
		require.NoError(t, l.Log(read("alice", i)))
	}
	require.Eventually(t, func() bool { return rec.eventCount() == 6 }, time.Second, 5*time.Millisecond)
	require.NoError(t, l.Flush(context.Background()))

	ds := rec.deliveries()
	require.Len(t, ds, 3)
	var ids []int64
	for _, d := range ds {
		assert.Equal(t, "alice", d.account)
		assert.LessOrEqual(t, len(d.events), 3)
		for _, e := range d.events {
			ids = append(ids, e.MsgID())
		}
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7}, ids)
	st := l.Stats()
	assert.Equal(t, uint64(7), st.Logged)
	assert.Equal(t, uint64(3), st.Batches)
	assert.Equal(t, uint64(7), st.Events)
	assert.Zero(t, st.Outstanding)
}

func TestBatchExpiresAfterFlushInterval(t *testing.T) {
	rec := &recordingSink{}
	cfg := testConfig()
	cfg.BatchSize = 100
	cfg.FlushInterval = 50 * time.Millisecond
	l := newLogger(t, cfg, []sinks.Sink{rec})

	require.NoError(t, l.Log(read("alice", 1)))
	require.NoError(t, l.Log(read("alice", 2)))
	assert.Empty(t, rec.deliveries())

	require.Eventually(t, func() bool { return len(rec.deliveries()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, rec.deliveries()[0].events, 2)

	// a later event starts a fresh batch
	require.NoError(t, l.Log(read("alice", 3)))
	require.Eventually(t, func() bool { return len(rec.deliveries()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(3), rec.deliveries()[1].events[0].MsgID())
}

func TestCapacityEvictionDrainsOldestAccount(t *testing.T) {
	rec := &recordingSink{}
	cfg := testConfig()
	cfg.MaxAccounts = 2
	l := newLogger(t, cfg, []sinks.Sink{rec})

	require.NoError(t, l.Log(read("a", 1)))
	require.NoError(t, l.Log(read("b", 1)))
	require.NoError(t, l.Log(read("c", 1)))

	require.Eventually(t, func() bool { return len(rec.deliveries()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "a", rec.deliveries()[0].account)
	assert.Equal(t, 2, l.Stats().PendingAccounts)
}

func TestFlushDeliversEveryAccountToEverySink(t *testing.T) {
	r1, r2 := &recordingSink{name: "one"}, &recordingSink{name: "two"}
	l := newLogger(t, testConfig(), []sinks.Sink{r1, r2})

	for _, a := range []string{"a", "b", "c", "d"} {
		require.NoError(t, l.Log(read(a, 1)))
	}
	require.NoError(t, l.Flush(context.Background()))
	assert.Equal(t, 4, r1.eventCount())
	assert.Equal(t, 4, r2.eventCount())
	assert.Zero(t, l.Stats().PendingAccounts)

	s, ok := l.Sink("two")
	require.True(t, ok)
	assert.Same(t, r2, s)
}

func TestCloseDeliversPendingAndRejectsLaterEvents(t *testing.T) {
	rec := &recordingSink{}
	l := New(testConfig(), []sinks.Sink{rec}, quiet())
	require.NoError(t, l.Log(read("alice", 1)))
	require.NoError(t, l.Close(context.Background()))

	assert.Equal(t, 1, rec.eventCount())
	assert.True(t, rec.closed)
	assert.ErrorIs(t, l.Log(read("alice", 2)), ErrClosed)
	assert.NoError(t, l.Close(context.Background()), "second close is a no-op")
}

func TestDisabledLoggerDiscards(t *testing.T) {
	rec := &recordingSink{}
	cfg := testConfig()
	cfg.Enabled = false
	l := newLogger(t, cfg, []sinks.Sink{rec})
	assert.False(t, l.Enabled())

	require.NoError(t, l.Log(read("alice", 1)))
	require.NoError(t, l.Flush(context.Background()))
	assert.Empty(t, rec.deliveries())
	assert.Equal(t, uint64(1), l.Stats().Discarded)
	assert.Zero(t, l.Stats().Logged)
}

func TestInvalidEventsAreRejected(t *testing.T) {
	l := newLogger(t, testConfig(), nil)
	err := l.Log(event.New("", event.TypeRead, time.Now()))
	assert.ErrorIs(t, err, event.ErrInvalidEvent)

	n, err := l.LogAll([]event.Event{read("a", 1), event.New("a", event.TypeCombined, time.Now())})
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, err, event.ErrInvalidEvent)
}

func TestFailedBatchGoesToRetryQueue(t *testing.T) {
	bad := &recordingSink{name: "bad", fail: errors.New("unavailable")}
	good := &recordingSink{name: "good"}
	q := &retryRecorder{}
	l := newLogger(t, testConfig(), []sinks.Sink{bad, good}, WithRetry(q))

	require.NoError(t, l.Log(read("alice", 1)))
	require.NoError(t, l.Log(read("alice", 2)))
	require.NoError(t, l.Flush(context.Background()))

	assert.Equal(t, 2, good.eventCount(), "other sinks still receive the batch")
	assert.Equal(t, []string{"bad"}, q.sinks)
	assert.Equal(t, 2, q.n)
	st := l.Stats()
	assert.Equal(t, uint64(1), st.Failures)
	assert.Equal(t, uint64(1), st.Retried)
	assert.Zero(t, st.Dropped)
}

func TestFailedBatchIsDroppedWithoutRetry(t *testing.T) {
	bad := &recordingSink{fail: errors.New("unavailable")}
	l := newLogger(t, testConfig(), []sinks.Sink{bad})
	require.NoError(t, l.Log(read("alice", 1)))
	require.NoError(t, l.Flush(context.Background()))
	assert.Equal(t, uint64(1), l.Stats().Dropped)

	q := &retryRecorder{err: errors.New("queue down")}
	l2 := newLogger(t, testConfig(), []sinks.Sink{bad}, WithRetry(q))
	require.NoError(t, l2.Log(read("alice", 1)))
	require.NoError(t, l2.Flush(context.Background()))
	assert.Equal(t, uint64(1), l2.Stats().Dropped)
}

func TestPanickingSinkCountsAsFailure(t *testing.T) {
	bad := &recordingSink{panicked: true}
	l := newLogger(t, testConfig(), []sinks.Sink{bad})
	require.NoError(t, l.Log(read("alice", 1)))
	require.NoError(t, l.Flush(context.Background()))
	assert.Equal(t, uint64(1), l.Stats().Failures)
}

func TestConcurrentLoggingKeepsPerAccountOrder(t *testing.T) {
	rec := &recordingSink{}
	cfg := testConfig()
	cfg.BatchSize = 5
	cfg.MaxAccounts = 4
	cfg.FlushInterval = 20 * time.Millisecond
	l := newLogger(t, cfg, []sinks.Sink{rec})

	const accounts, perAccount = 8, 200
	var wg sync.WaitGroup
	for a := 0; a < accounts; a++ {
		wg.Add(1)
		go func(a int) {
			defer wg.Done()
			acct := fmt.Sprintf("acct-%d", a)
			for i := int64(1); i <= perAccount; i++ {
				assert.NoError(t, l.Log(read(acct, i)))
			}
		}(a)
	}
	wg.Wait()
	require.NoError(t, l.Flush(context.Background()))

	last := map[string]int64{}
	total := 0
	for _, d := range rec.deliveries() {
		assert.LessOrEqual(t, len(d.events), 5)
		for _, e := range d.events {
			assert.Equal(t, d.account, e.AccountID)
			assert.Greater(t, e.MsgID(), last[d.account], "order within %s", d.account)
			last[d.account] = e.MsgID()
			total++
		}
	}
	assert.Equal(t, accounts*perAccount, total)
}
