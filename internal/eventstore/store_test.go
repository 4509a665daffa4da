package eventstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/mev/internal/event"
	pebblestore "github.com/rzbill/mev/internal/storage/pebble"
)

var base = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func openDB(t *testing.T, dir string) *pebblestore.DB {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	require.NoError(t, err)
	return db
}

func newStore(t *testing.T, loc CollectionLocator) *Store {
	t.Helper()
	db := openDB(t, t.TempDir())
	t.Cleanup(func() { _ = db.Close() })
	s, err := Open(db, Options{Locator: loc})
	require.NoError(t, err)
	return s
}

func sample(account string) []event.Event {
	return []event.Event{
		event.NewReceived(account, 1, "bob@example.com", account+"@example.com", "imap", base),
		event.NewSent(account, 2, account+"@example.com", "Bob@Example.com", "imap", base.Add(time.Minute)),
		event.NewSeen(account, 1, "bob@example.com", "imap", base.Add(2*time.Minute)),
		event.NewReceived(account, 3, "carol@example.com", account+"@example.com", "pop", base.Add(3*time.Minute)),
		event.NewRead(account, 1, "bob@example.com", "imap", base.Add(4*time.Minute)),
	}
}

func TestAppendAssignsIncreasingSeqs(t *testing.T) {
	s := newStore(t, AccountLocator("mbox"))
	ctx := context.Background()

	seqs, err := s.Append(ctx, "alice", sample("alice")[:2])
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, seqs)

	seqs, err = s.Append(ctx, "alice", sample("alice")[2:])
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 4, 5}, seqs)
	assert.Equal(t, uint64(5), s.LastSeq("alice"))

	recs, err := s.Query(ctx, "alice", Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 5)
	for _, r := range recs {
		assert.False(t, r.Event.ID.IsZero(), "ids are assigned on append")
	}
}

func TestAppendRejectsBadInput(t *testing.T) {
	s := newStore(t, nil)
	ctx := context.Background()

	_, err := s.Append(ctx, "a/b", sample("a/b"))
	assert.ErrorIs(t, err, ErrInvalidAccount)

	_, err = s.Append(ctx, "alice", sample("bob"))
	assert.ErrorIs(t, err, event.ErrInvalidEvent)

	_, err = s.Append(ctx, "alice", []event.Event{event.New("alice", event.TypeRead, base)})
	assert.ErrorIs(t, err, event.ErrMissingField)
	assert.Equal(t, uint64(0), s.LastSeq("alice"), "failed appends assign nothing")
}

func TestSequencesSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db := openDB(t, dir)
	s, err := Open(db, Options{Locator: JointLocator("all")})
	require.NoError(t, err)
	_, err = s.Append(ctx, "alice", sample("alice"))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db = openDB(t, dir)
	t.Cleanup(func() { _ = db.Close() })
	s, err = Open(db, Options{Locator: JointLocator("all")})
	require.NoError(t, err)
	seqs, err := s.Append(ctx, "alice", sample("alice")[:1])
	require.NoError(t, err)
	assert.Equal(t, []uint64{0}, seqs, "uniqueness index survives reopen")

	seqs, err = s.Append(ctx, "alice", []event.Event{event.NewReceived("alice", 4, "dan@example.com", "alice@example.com", "imap", base)})
	require.NoError(t, err)
	assert.Equal(t, []uint64{6}, seqs)
}

func TestAppendSkipsExisting(t *testing.T) {
	s := newStore(t, JointLocator("all"))
	ctx := context.Background()

	first := event.NewSent("alice", 1, "alice@example.com", "bob@example.com", "", time.UnixMilli(1000))
	second := event.NewSent("alice", 1, "alice@example.com", "bob@example.com", "", time.UnixMilli(2000))
	seqs, err := s.Append(ctx, "alice", []event.Event{first, second})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 0}, seqs)

	recs, err := s.Query(ctx, "alice", Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(1000), recs[0].Event.Timestamp.UnixMilli(), "first copy wins")

	// a redelivered batch stores nothing and does not move the sequence
	seqs, err = s.Append(ctx, "alice", []event.Event{second})
	require.NoError(t, err)
	assert.Equal(t, []uint64{0}, seqs)
	assert.Equal(t, uint64(1), s.LastSeq("alice"))

	// other types, datasources and accounts are distinct
	seqs, err = s.Append(ctx, "alice", []event.Event{
		event.NewReceived("alice", 1, "bob@example.com", "alice@example.com", "", time.UnixMilli(3000)),
		event.NewSent("alice", 1, "alice@example.com", "bob@example.com", "imap", time.UnixMilli(3000)),
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 3}, seqs)
	seqs, err = s.Append(ctx, "bob", []event.Event{event.NewSent("bob", 1, "bob@example.com", "alice@example.com", "", time.UnixMilli(1000))})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, seqs)

	// events without a message id are never deduplicated
	aff := event.NewAffinity("alice", "tag", "work", time.UnixMilli(4000))
	seqs, err = s.Append(ctx, "alice", []event.Event{aff, aff})
	require.NoError(t, err)
	assert.Equal(t, []uint64{4, 5}, seqs)
}

func TestDeletesReleaseUniqueness(t *testing.T) {
	s := newStore(t, AccountLocator("mbox"))
	ctx := context.Background()
	_, err := s.Append(ctx, "alice", sample("alice"))
	require.NoError(t, err)

	_, err = s.DeleteDataSource(ctx, "alice", "pop")
	require.NoError(t, err)
	seqs, err := s.Append(ctx, "alice", sample("alice")[3:4])
	require.NoError(t, err)
	assert.Equal(t, []uint64{6}, seqs, "deleted events can be stored again")

	_, err = s.TrimOlderThan(ctx, "alice", base.Add(90*time.Second))
	require.NoError(t, err)
	seqs, err = s.Append(ctx, "alice", sample("alice")[:3])
	require.NoError(t, err)
	assert.Equal(t, []uint64{7, 8, 0}, seqs, "only trimmed events are stored again")
}

func TestQueryFilters(t *testing.T) {
	s := newStore(t, AccountLocator("mbox"))
	ctx := context.Background()
	_, err := s.Append(ctx, "alice", sample("alice"))
	require.NoError(t, err)
	_, err = s.Append(ctx, "bob", sample("bob"))
	require.NoError(t, err)

	cases := []struct {
		name string
		f    Filter
		want []uint64
	}{
		{"all", Filter{}, []uint64{1, 2, 3, 4, 5}},
		{"combined", Filter{Types: []event.Type{event.TypeCombined}}, []uint64{1, 2, 4}},
		{"read", Filter{Types: []event.Type{event.TypeRead}}, []uint64{5}},
		{"datasource", Filter{DataSourceID: "pop"}, []uint64{4}},
		{"since", Filter{Since: base.Add(3 * time.Minute)}, []uint64{4, 5}},
		{"until", Filter{Until: base.Add(time.Minute)}, []uint64{1}},
		{"contact any case", Filter{Contact: "BOB@example.com"}, []uint64{1, 2, 3, 5}},
		{"limit", Filter{Limit: 2}, []uint64{1, 2}},
		{"reverse", Filter{Reverse: true, Limit: 2}, []uint64{5, 4}},
		{"after", Filter{AfterSeq: 3}, []uint64{4, 5}},
		{"reverse before", Filter{Reverse: true, AfterSeq: 3}, []uint64{2, 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			recs, err := s.Query(ctx, "alice", tc.f)
			require.NoError(t, err)
			got := make([]uint64, 0, len(recs))
			for _, r := range recs {
				got = append(got, r.Seq)
			}
			assert.Equal(t, tc.want, got)

			n, err := s.Count(ctx, "alice", tc.f)
			require.NoError(t, err)
			assert.Equal(t, len(tc.want), n)
		})
	}
}

func TestDeleteDataSourceAndAccount(t *testing.T) {
	s := newStore(t, JointLocator("all"))
	ctx := context.Background()
	_, err := s.Append(ctx, "alice", sample("alice"))
	require.NoError(t, err)
	_, err = s.Append(ctx, "bob", sample("bob"))
	require.NoError(t, err)

	n, err := s.DeleteDataSource(ctx, "alice", "imap")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	left, err := s.Query(ctx, "alice", Filter{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "pop", left[0].Event.DataSourceID)

	require.NoError(t, s.DeleteAccount(ctx, "alice"))
	n, err = s.Count(ctx, "alice", Filter{})
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.Count(ctx, "bob", Filter{})
	require.NoError(t, err)
	assert.Equal(t, 5, n, "other accounts untouched")

	seqs, err := s.Append(ctx, "alice", sample("alice")[:1])
	require.NoError(t, err)
	assert.Equal(t, []uint64{6}, seqs, "sequences keep increasing after delete")
}

type captureRetention struct {
	coll, account string
	min, max      uint64
	calls         int
}

func (c *captureRetention) EmitTrimRange(coll, account string, minSeq, maxSeq uint64) {
	c.coll, c.account, c.min, c.max = coll, account, minSeq, maxSeq
	c.calls++
}

func TestTrimOlderThan(t *testing.T) {
	s := newStore(t, AccountLocator("mbox"))
	hook := &captureRetention{}
	s.SetRetentionHook(hook)
	ctx := context.Background()

	evs := sample("alice")
	// out of order timestamps are still trimmed
	evs[3].Timestamp = base.Add(-time.Hour)
	_, err := s.Append(ctx, "alice", evs)
	require.NoError(t, err)

	n, err := s.TrimOlderThan(ctx, "alice", base.Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 1, hook.calls)
	assert.Equal(t, "mbox_alice", hook.coll)
	assert.Equal(t, uint64(1), hook.min)
	assert.Equal(t, uint64(4), hook.max)

	recs, err := s.Query(ctx, "alice", Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(3), recs[0].Seq)
	assert.Equal(t, uint64(5), recs[1].Seq)

	n, err = s.TrimOlderThan(ctx, "alice", base.Add(90*time.Second))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, hook.calls, "no hook call for empty trims")
}

func TestTrimAllAndAccounts(t *testing.T) {
	s := newStore(t, AccountLocator("mbox"))
	ctx := context.Background()
	for _, a := range []string{"alice", "bob"} {
		_, err := s.Append(ctx, a, sample(a))
		require.NoError(t, err)
	}
	accounts, err := s.Accounts(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, accounts)

	n, err := s.TrimAll(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}

func TestWaitForAppend(t *testing.T) {
	s := newStore(t, nil)
	assert.False(t, s.WaitForAppend("alice", 20*time.Millisecond))

	var wg sync.WaitGroup
	woke := make(chan bool, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		woke <- s.WaitForAppend("alice", 2*time.Second)
	}()
	time.Sleep(20 * time.Millisecond)
	_, err := s.Append(context.Background(), "alice", sample("alice")[:1])
	require.NoError(t, err)
	wg.Wait()
	assert.True(t, <-woke)
}

func TestScanStopsOnCancel(t *testing.T) {
	s := newStore(t, nil)
	_, err := s.Append(context.Background(), "alice", sample("alice"))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = s.Scan(ctx, "alice", Filter{}, func(Record) bool { return true })
	assert.True(t, errors.Is(err, context.Canceled))
}
