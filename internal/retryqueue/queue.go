package retryqueue

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/rzbill/mev/internal/event"
	pebblestore "github.com/rzbill/mev/internal/storage/pebble"
	"github.com/rzbill/mev/pkg/log"
)

var (
	ErrNotFound  = errors.New("retryqueue: entry not found")
	ErrNotLeased = errors.New("retryqueue: entry not leased")
)

// Policy controls rescheduling of failed entries.
type Policy struct {
	// MaxAttempts is the number of failed redeliveries before an entry is
	// dead-lettered. The original sink failure does not count.
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultPolicy returns five attempts with backoff from 1s to 5m.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, BaseBackoff: time.Second, MaxBackoff: 5 * time.Minute}
}

// Backoff returns the delay before retrying after the given attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseBackoff) * math.Pow(2, float64(attempt-1))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(d)
}

// Options configures a Queue.
type Options struct {
	Policy Policy
	Logger log.Logger
}

// Queue is the durable retry queue.
type Queue struct {
	db     *pebblestore.DB
	policy Policy
	logger log.Logger

	mu      sync.Mutex
	lastSeq uint64
}

// Open restores the queue state from db.
func Open(db *pebblestore.DB, opts Options) (*Queue, error) {
	if db == nil {
		return nil, errors.New("retryqueue: nil db")
	}
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy.MaxAttempts = DefaultPolicy().MaxAttempts
	}
	if opts.Policy.BaseBackoff <= 0 {
		opts.Policy.BaseBackoff = DefaultPolicy().BaseBackoff
	}
	if opts.Logger == nil {
		opts.Logger = log.NewLogger(log.WithLevel(log.InfoLevel))
	}
	q := &Queue{db: db, policy: opts.Policy, logger: opts.Logger.WithComponent("retryqueue")}
	if meta, err := db.Get(metaKey); err == nil && len(meta) >= 8 {
		q.lastSeq = binary.BigEndian.Uint64(meta[:8])
	}
	return q, nil
}

// Policy returns the active retry policy.
func (q *Queue) Policy() Policy { return q.policy }

// Enqueue stores a failed batch, due after delay.
func (q *Queue) Enqueue(ctx context.Context, sink, account string, events []event.Event, delay time.Duration) (uint64, error) {
	if sink == "" || account == "" {
		return 0, errors.New("retryqueue: sink and account are required")
	}
	now := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()

	b := q.db.NewBatch()
	defer b.Close()

	seq := q.lastSeq + 1
	val := encodeEntry(Entry{Sink: sink, Account: account, Events: events, EnqueuedAt: now})
	if err := b.Set(seqKey(msgPrefix, seq), val, nil); err != nil {
		return 0, err
	}
	if err := b.Set(timedKey(readyPrefix, now.Add(delay).UnixMilli(), seq), nil, nil); err != nil {
		return 0, err
	}
	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], seq)
	if err := b.Set(metaKey, meta[:], nil); err != nil {
		return 0, err
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return 0, err
	}
	q.lastSeq = seq
	queueOps.WithLabelValues("enqueue").Inc()
	return seq, nil
}

// Dequeue leases up to n entries that are due at now, oldest due first.
func (q *Queue) Dequeue(ctx context.Context, n int, lease time.Duration, now time.Time) ([]Entry, error) {
	if n <= 0 {
		n = 1
	}
	if lease <= 0 {
		lease = 30 * time.Second
	}
	nowMs := now.UnixMilli()
	expMs := now.Add(lease).UnixMilli()

	q.mu.Lock()
	defer q.mu.Unlock()

	iter, err := q.db.NewIter(&pebble.IterOptions{LowerBound: readyPrefix, UpperBound: pebblestore.PrefixEnd(readyPrefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	b := q.db.NewBatch()
	defer b.Close()
	out := make([]Entry, 0, n)
	for ok := iter.First(); ok && len(out) < n; ok = iter.Next() {
		readyMs, seq, valid := parseTimedKey(readyPrefix, iter.Key())
		if !valid {
			continue
		}
		if readyMs > nowMs {
			break
		}
		if err := b.Delete(iter.Key(), nil); err != nil {
			return nil, err
		}
		val, err := q.db.Get(seqKey(msgPrefix, seq))
		if err != nil {
			// index without entry
			continue
		}
		e, valid := decodeEntry(seq, val)
		if !valid {
			q.logger.Warn("dropping corrupt retry entry", log.Uint64("seq", seq))
			if err := b.Delete(seqKey(msgPrefix, seq), nil); err != nil {
				return nil, err
			}
			continue
		}
		var lv [8]byte
		binary.BigEndian.PutUint64(lv[:], uint64(expMs))
		if err := b.Set(seqKey(leasePrefix, seq), lv[:], nil); err != nil {
			return nil, err
		}
		if err := b.Set(timedKey(lidxPrefix, expMs, seq), nil, nil); err != nil {
			return nil, err
		}
		e.LeaseExpiry = time.UnixMilli(expMs)
		out = append(out, e)
	}
	if b.Empty() {
		return out, nil
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return nil, err
	}
	queueOps.WithLabelValues("dequeue").Add(float64(len(out)))
	return out, nil
}

// leaseOf returns the lease expiry of a leased entry. Caller holds q.mu.
func (q *Queue) leaseOf(seq uint64) (int64, error) {
	v, err := q.db.Get(seqKey(leasePrefix, seq))
	if err != nil || len(v) < 8 {
		return 0, fmt.Errorf("%w: %d", ErrNotLeased, seq)
	}
	return int64(binary.BigEndian.Uint64(v)), nil
}

func (q *Queue) clearLease(b *pebble.Batch, seq uint64, expMs int64) error {
	if err := b.Delete(seqKey(leasePrefix, seq), nil); err != nil {
		return err
	}
	return b.Delete(timedKey(lidxPrefix, expMs, seq), nil)
}

// Complete removes a leased entry for good.
func (q *Queue) Complete(ctx context.Context, seq uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	expMs, err := q.leaseOf(seq)
	if err != nil {
		return err
	}
	b := q.db.NewBatch()
	defer b.Close()
	if err := q.clearLease(b, seq, expMs); err != nil {
		return err
	}
	if err := b.Delete(seqKey(msgPrefix, seq), nil); err != nil {
		return err
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return err
	}
	queueOps.WithLabelValues("complete").Inc()
	return nil
}

// Fail records a failed redelivery of a leased entry. The entry is scheduled
// again after the policy's backoff, or dead-lettered when its attempts are
// used up. It reports whether the entry went to the dead letter queue.
func (q *Queue) Fail(ctx context.Context, seq uint64, cause error, now time.Time) (bool, error) {
	return q.fail(ctx, seq, cause, now, false)
}

// DeadLetter moves a leased entry straight to the dead letter queue.
func (q *Queue) DeadLetter(ctx context.Context, seq uint64, cause error) error {
	_, err := q.fail(ctx, seq, cause, time.Now(), true)
	return err
}

func (q *Queue) fail(ctx context.Context, seq uint64, cause error, now time.Time, toDLQ bool) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	expMs, err := q.leaseOf(seq)
	if err != nil {
		return false, err
	}
	val, err := q.db.Get(seqKey(msgPrefix, seq))
	if err != nil {
		return false, fmt.Errorf("%w: %d", ErrNotFound, seq)
	}
	e, ok := decodeEntry(seq, val)
	if !ok {
		return false, fmt.Errorf("retryqueue: corrupt entry %d", seq)
	}
	e.Attempts++
	if cause != nil {
		e.LastError = cause.Error()
	}
	dead := toDLQ || e.Attempts >= q.policy.MaxAttempts

	b := q.db.NewBatch()
	defer b.Close()
	if err := q.clearLease(b, seq, expMs); err != nil {
		return false, err
	}
	if dead {
		if err := b.Delete(seqKey(msgPrefix, seq), nil); err != nil {
			return false, err
		}
		if err := b.Set(seqKey(dlqPrefix, seq), encodeEntry(e), nil); err != nil {
			return false, err
		}
	} else {
		if err := b.Set(seqKey(msgPrefix, seq), encodeEntry(e), nil); err != nil {
			return false, err
		}
		ready := now.Add(q.policy.Backoff(e.Attempts)).UnixMilli()
		if err := b.Set(timedKey(readyPrefix, ready, seq), nil, nil); err != nil {
			return false, err
		}
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return false, err
	}
	if dead {
		queueOps.WithLabelValues("dead_letter").Inc()
		q.logger.Warn("retry entry dead-lettered",
			log.Uint64("seq", seq), log.Str("sink", e.Sink), log.Account(e.Account),
			log.Int("attempts", e.Attempts), log.Str("last_error", e.LastError))
	} else {
		queueOps.WithLabelValues("fail").Inc()
	}
	return dead, nil
}

// ReclaimExpired returns entries whose lease ran out before now to the ready
// index. max <= 0 reclaims all of them.
func (q *Queue) ReclaimExpired(ctx context.Context, now time.Time, max int) (int, error) {
	nowMs := now.UnixMilli()
	q.mu.Lock()
	defer q.mu.Unlock()

	iter, err := q.db.NewIter(&pebble.IterOptions{LowerBound: lidxPrefix, UpperBound: pebblestore.PrefixEnd(lidxPrefix)})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	b := q.db.NewBatch()
	defer b.Close()
	reclaimed := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		expMs, seq, valid := parseTimedKey(lidxPrefix, iter.Key())
		if !valid {
			continue
		}
		if expMs > nowMs {
			break
		}
		if err := q.clearLease(b, seq, expMs); err != nil {
			return reclaimed, err
		}
		if err := b.Set(timedKey(readyPrefix, nowMs, seq), nil, nil); err != nil {
			return reclaimed, err
		}
		reclaimed++
		if max > 0 && reclaimed >= max {
			break
		}
	}
	if reclaimed == 0 {
		return 0, nil
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return 0, err
	}
	queueOps.WithLabelValues("reclaim").Add(float64(reclaimed))
	return reclaimed, nil
}

// ListDLQ returns up to limit dead entries, oldest first. limit <= 0 lists all.
func (q *Queue) ListDLQ(ctx context.Context, limit int) ([]Entry, error) {
	var out []Entry
	err := q.db.ScanPrefix(dlqPrefix, func(k, v []byte) bool {
		if len(k) != len(dlqPrefix)+8 {
			return true
		}
		seq := binary.BigEndian.Uint64(k[len(dlqPrefix):])
		if e, ok := decodeEntry(seq, v); ok {
			out = append(out, e)
		}
		return ctx.Err() == nil && (limit <= 0 || len(out) < limit)
	})
	if err != nil {
		return nil, err
	}
	return out, ctx.Err()
}

// Redrive moves a dead entry back to the ready index with a fresh attempt count.
func (q *Queue) Redrive(ctx context.Context, seq uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	val, err := q.db.Get(seqKey(dlqPrefix, seq))
	if err != nil {
		return fmt.Errorf("%w: %d", ErrNotFound, seq)
	}
	e, ok := decodeEntry(seq, val)
	if !ok {
		return fmt.Errorf("retryqueue: corrupt dead entry %d", seq)
	}
	e.Attempts = 0
	b := q.db.NewBatch()
	defer b.Close()
	if err := b.Delete(seqKey(dlqPrefix, seq), nil); err != nil {
		return err
	}
	if err := b.Set(seqKey(msgPrefix, seq), encodeEntry(e), nil); err != nil {
		return err
	}
	if err := b.Set(timedKey(readyPrefix, time.Now().UnixMilli(), seq), nil, nil); err != nil {
		return err
	}
	return q.db.CommitBatch(ctx, b)
}

// Stats counts entries per state.
type Stats struct {
	Ready  int `json:"ready"`
	Leased int `json:"leased"`
	Dead   int `json:"dead"`
}

// Stats scans the indexes and counts entries.
func (q *Queue) Stats() (Stats, error) {
	var st Stats
	count := func(prefix []byte, n *int) error {
		return q.db.ScanPrefix(prefix, func(_, _ []byte) bool { *n++; return true })
	}
	if err := count(readyPrefix, &st.Ready); err != nil {
		return st, err
	}
	if err := count(leasePrefix, &st.Leased); err != nil {
		return st, err
	}
	if err := count(dlqPrefix, &st.Dead); err != nil {
		return st, err
	}
	return st, nil
}
