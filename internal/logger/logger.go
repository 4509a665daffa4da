package logger

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/rzbill/mev/internal/event"
	"github.com/rzbill/mev/internal/sinks"
	"github.com/rzbill/mev/pkg/log"
)

var ErrClosed = errors.New("logger: closed")

// RetryQueue accepts batches a sink rejected.
type RetryQueue interface {
	Enqueue(ctx context.Context, sink, account string, events []event.Event, delay time.Duration) (uint64, error)
}

// Option configures a Logger.
type Option func(*Logger)

// WithLogger sets the diagnostics logger.
func WithLogger(l log.Logger) Option { return func(el *Logger) { el.log = l } }

// WithRetry routes failed deliveries to q.
func WithRetry(q RetryQueue) Option { return func(el *Logger) { el.retry = q } }

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	Logged          uint64 `json:"logged"`
	Discarded       uint64 `json:"discarded"`
	Batches         uint64 `json:"batches"`
	Events          uint64 `json:"events"`
	Failures        uint64 `json:"failures"`
	Retried         uint64 `json:"retried"`
	Dropped         uint64 `json:"dropped"`
	PendingAccounts int    `json:"pending_accounts"`
	Outstanding     int64  `json:"outstanding"`
}

// Logger batches events per account and dispatches them to sinks.
type Logger struct {
	cfg    Config
	sinks  []sinks.Sink
	byName map[string]sinks.Sink
	retry  RetryQueue
	log    log.Logger

	// mu serialises appenders so a lookup and the add that follows see the
	// same cache entry.
	mu     sync.Mutex
	cache  *expirable.LRU[string, *batch]
	closed atomic.Bool

	drainMu  sync.Mutex
	drained  []*batch
	drainSig chan struct{}

	shards      []chan *batch
	outstanding atomic.Int64
	stopPump    chan struct{}
	pumpDone    chan struct{}
	workers     sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc

	logged, discarded, batches, events, failures, retried, dropped atomic.Uint64
}

// New starts a pipeline delivering to sinks.
func New(cfg Config, sinkList []sinks.Sink, opts ...Option) *Logger {
	cfg = cfg.withDefaults()
	l := &Logger{
		cfg:      cfg,
		sinks:    sinkList,
		byName:   make(map[string]sinks.Sink, len(sinkList)),
		drainSig: make(chan struct{}, 1),
		stopPump: make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	if l.log == nil {
		l.log = log.NewLogger(log.WithLevel(log.InfoLevel))
	}
	l.log = l.log.WithComponent("event-logger")
	for _, s := range sinkList {
		l.byName[s.Name()] = s
	}
	l.ctx, l.cancel = context.WithCancel(context.Background())
	l.cache = expirable.NewLRU[string, *batch](cfg.MaxAccounts, l.onEvict, cfg.FlushInterval)

	perShard := cfg.QueueCapacity / cfg.Workers
	l.shards = make([]chan *batch, cfg.Workers)
	for i := range l.shards {
		l.shards[i] = make(chan *batch, perShard)
		l.workers.Add(1)
		go l.work(l.shards[i])
	}
	go l.pump()
	return l
}

// Closed reports whether Close was called.
func (l *Logger) Closed() bool { return l.closed.Load() }

// Enabled reports whether logged events are kept.
func (l *Logger) Enabled() bool { return l.cfg.Enabled }

// Sink returns the registered sink with the given name.
func (l *Logger) Sink(name string) (sinks.Sink, bool) {
	s, ok := l.byName[name]
	return s, ok
}

// Log validates e and appends it to its account's batch.
func (l *Logger) Log(e event.Event) error {
	if l.closed.Load() {
		return ErrClosed
	}
	if err := e.Validate(); err != nil {
		eventsTotal.WithLabelValues("rejected").Inc()
		return err
	}
	if !l.cfg.Enabled {
		l.discarded.Add(1)
		eventsTotal.WithLabelValues("discarded").Inc()
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed.Load() {
		return ErrClosed
	}
	for {
		b, ok := l.cache.Get(e.AccountID)
		if !ok {
			// An expired entry can linger until the cache's sweeper runs.
			// Removing it drains it before the key is reused.
			l.cache.Remove(e.AccountID)
			b = newBatch(e.AccountID, l.cfg.BatchSize)
			l.cache.Add(e.AccountID, b)
		}
		added, full := b.add(e, l.cfg.BatchSize)
		if !added {
			continue
		}
		if full {
			l.cache.Remove(e.AccountID)
		}
		break
	}
	l.logged.Add(1)
	eventsTotal.WithLabelValues("accepted").Inc()
	return nil
}

// LogAll logs events in order and stops at the first error.
func (l *Logger) LogAll(events []event.Event) (int, error) {
	for i, e := range events {
		if err := l.Log(e); err != nil {
			return i, fmt.Errorf("event %d: %w", i, err)
		}
	}
	return len(events), nil
}

// onEvict runs with the cache lock held, so it only hands the batch over.
func (l *Logger) onEvict(_ string, b *batch) {
	if !b.seal() || len(b.events) == 0 {
		return
	}
	outstandingGauge.Set(float64(l.outstanding.Add(1)))
	l.drainMu.Lock()
	l.drained = append(l.drained, b)
	l.drainMu.Unlock()
	select {
	case l.drainSig <- struct{}{}:
	default:
	}
}

func (l *Logger) pump() {
	defer close(l.pumpDone)
	for {
		select {
		case <-l.drainSig:
			l.moveDrained()
		case <-l.stopPump:
			l.moveDrained()
			return
		}
	}
}

// moveDrained feeds drained batches to their account's worker, blocking when
// that worker's queue is full.
func (l *Logger) moveDrained() {
	for {
		l.drainMu.Lock()
		pending := l.drained
		l.drained = nil
		l.drainMu.Unlock()
		if len(pending) == 0 {
			return
		}
		for _, b := range pending {
			l.shards[l.shardFor(b.account)] <- b
		}
	}
}

func (l *Logger) shardFor(account string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(account))
	return int(h.Sum32() % uint32(len(l.shards)))
}

func (l *Logger) work(queue <-chan *batch) {
	defer l.workers.Done()
	for b := range queue {
		l.dispatch(b)
		outstandingGauge.Set(float64(l.outstanding.Add(-1)))
	}
}

func (l *Logger) dispatch(b *batch) {
	l.batches.Add(1)
	l.events.Add(uint64(len(b.events)))
	batchEvents.Observe(float64(len(b.events)))
	batchAge.Observe(time.Since(b.started).Seconds())

	for _, s := range l.sinks {
		start := time.Now()
		err := l.execute(s, b)
		sinkLatency.WithLabelValues(s.Name()).Observe(time.Since(start).Seconds())
		if err == nil {
			batchesTotal.WithLabelValues(s.Name(), "ok").Inc()
			continue
		}
		l.failures.Add(1)
		l.handleFailure(s, b, err)
	}
}

func (l *Logger) execute(s sinks.Sink, b *batch) (err error) {
	ctx := l.ctx
	if l.cfg.SinkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.SinkTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink %s panicked: %v", s.Name(), r)
		}
	}()
	return s.Execute(ctx, b.account, b.events)
}

func (l *Logger) handleFailure(s sinks.Sink, b *batch, cause error) {
	fields := []log.Field{log.Str("sink", s.Name()), log.Account(b.account), log.Int("events", len(b.events)), log.Err(cause)}
	if l.retry != nil {
		seq, err := l.retry.Enqueue(context.Background(), s.Name(), b.account, b.events, 0)
		if err == nil {
			l.retried.Add(1)
			batchesTotal.WithLabelValues(s.Name(), "retried").Inc()
			l.log.Warn("sink failed, batch queued for retry", append(fields, log.Uint64("retry_seq", seq))...)
			return
		}
		fields = append(fields, log.F("retry_error", err.Error()))
	}
	l.dropped.Add(1)
	batchesTotal.WithLabelValues(s.Name(), "dropped").Inc()
	l.log.Error("sink failed, batch dropped", fields...)
}

// Flush drains every pending batch and waits until all of them reached the sinks.
func (l *Logger) Flush(ctx context.Context) error {
	l.mu.Lock()
	l.cache.Purge()
	l.mu.Unlock()
	return l.waitIdle(ctx)
}

func (l *Logger) waitIdle(ctx context.Context) error {
	if l.outstanding.Load() == 0 {
		return nil
	}
	t := time.NewTicker(2 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if l.outstanding.Load() == 0 {
				return nil
			}
		}
	}
}

// Close stops intake, delivers what is pending, stops the workers and closes
// the sinks. If ctx ends first, in-flight sink calls are cancelled.
func (l *Logger) Close(ctx context.Context) error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.mu.Lock()
	l.cache.Purge()
	l.mu.Unlock()

	close(l.stopPump)
	<-l.pumpDone
	for _, q := range l.shards {
		close(q)
	}

	done := make(chan struct{})
	go func() {
		l.workers.Wait()
		close(done)
	}()
	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		l.cancel()
		<-done
		errs = append(errs, ctx.Err())
	}
	l.cancel()

	for _, s := range l.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sink %s: %w", s.Name(), err))
		}
	}
	st := l.Stats()
	l.log.Info("event logger closed", log.Uint64("logged", st.Logged), log.Uint64("batches", st.Batches), log.Uint64("dropped", st.Dropped))
	return errors.Join(errs...)
}

// Stats returns the current counters.
func (l *Logger) Stats() Stats {
	return Stats{
		Logged:          l.logged.Load(),
		Discarded:       l.discarded.Load(),
		Batches:         l.batches.Load(),
		Events:          l.events.Load(),
		Failures:        l.failures.Load(),
		Retried:         l.retried.Load(),
		Dropped:         l.dropped.Load(),
		PendingAccounts: l.cache.Len(),
		Outstanding:     l.outstanding.Load(),
	}
}
