package retryqueue

import (
	"context"
	"errors"
	"time"

	"github.com/rzbill/mev/internal/sinks"
	"github.com/rzbill/mev/pkg/log"
)

// SinkResolver finds a sink by its configured name.
type SinkResolver interface {
	Sink(name string) (sinks.Sink, bool)
}

// ErrUnknownSink dead-letters entries whose sink is no longer configured.
var ErrUnknownSink = errors.New("retryqueue: sink not configured")

// RetrierOptions tunes the redelivery loop.
type RetrierOptions struct {
	Interval  time.Duration
	BatchSize int
	Lease     time.Duration
	Logger    log.Logger
}

// Retrier periodically redelivers due entries to their sinks.
type Retrier struct {
	q     *Queue
	sinks SinkResolver
	opts  RetrierOptions
	log   log.Logger
}

// NewRetrier returns a retrier over q.
func NewRetrier(q *Queue, resolver SinkResolver, opts RetrierOptions) *Retrier {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	if opts.Lease <= 0 {
		opts.Lease = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.NewLogger(log.WithLevel(log.InfoLevel))
	}
	return &Retrier{q: q, sinks: resolver, opts: opts, log: opts.Logger.WithComponent("retrier")}
}

// Run loops until ctx is done.
func (r *Retrier) Run(ctx context.Context) error {
	t := time.NewTicker(r.opts.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			if _, err := r.q.ReclaimExpired(ctx, now, 0); err != nil && ctx.Err() == nil {
				r.log.Warn("reclaim failed", log.Err(err))
			}
			for {
				n, err := r.RunOnce(ctx, time.Now())
				if err != nil {
					if ctx.Err() == nil {
						r.log.Warn("redelivery pass failed", log.Err(err))
					}
					break
				}
				if n < r.opts.BatchSize {
					break
				}
			}
		}
	}
}

// RunOnce redelivers up to BatchSize due entries and returns how many it handled.
func (r *Retrier) RunOnce(ctx context.Context, now time.Time) (int, error) {
	entries, err := r.q.Dequeue(ctx, r.opts.BatchSize, r.opts.Lease, now)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		s, ok := r.sinks.Sink(e.Sink)
		if !ok {
			redeliveries.WithLabelValues(e.Sink, "unknown_sink").Inc()
			if err := r.q.DeadLetter(ctx, e.Seq, ErrUnknownSink); err != nil {
				return 0, err
			}
			continue
		}
		execCtx, cancel := context.WithDeadline(ctx, e.LeaseExpiry)
		execErr := s.Execute(execCtx, e.Account, e.Events)
		cancel()
		if execErr == nil {
			redeliveries.WithLabelValues(e.Sink, "ok").Inc()
			if err := r.q.Complete(ctx, e.Seq); err != nil {
				return 0, err
			}
			continue
		}
		redeliveries.WithLabelValues(e.Sink, "failed").Inc()
		dead, err := r.q.Fail(ctx, e.Seq, execErr, now)
		if err != nil {
			return 0, err
		}
		if !dead {
			r.log.Debug("redelivery failed", log.Uint64("seq", e.Seq), log.Str("sink", e.Sink), log.Int("attempt", e.Attempts+1), log.Err(execErr))
		}
	}
	return len(entries), nil
}
