package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rzbill/mev/internal/analytics"
	cfgpkg "github.com/rzbill/mev/internal/config"
	"github.com/rzbill/mev/internal/eventstore"
	"github.com/rzbill/mev/internal/lmtp"
	evlogger "github.com/rzbill/mev/internal/logger"
	"github.com/rzbill/mev/internal/msgflags"
	"github.com/rzbill/mev/internal/retryqueue"
	"github.com/rzbill/mev/internal/sinks"
	pebblestore "github.com/rzbill/mev/internal/storage/pebble"
	"github.com/rzbill/mev/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	// DataDir overrides Config.DataDir.
	DataDir string
	// Fsync overrides Config.Fsync when set.
	Fsync  pebblestore.FsyncMode
	Config cfgpkg.Config
	Logger log.Logger
	// Registry resolves sink URLs; nil uses the built-in schemes.
	Registry *sinks.Registry
}

// Runtime wires storage, the event pipeline and its consumers for a
// single-node instance.
type Runtime struct {
	db        *pebblestore.DB
	config    cfgpkg.Config
	logger    log.Logger
	store     *eventstore.Store
	events    *evlogger.Logger
	retry     *retryqueue.Queue
	retrier   *retryqueue.Retrier
	flags     *msgflags.Tracker
	analytics *analytics.Analyzer

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
	// mu guards closed against health checks racing Close.
	mu     sync.RWMutex
	closed bool
}

// ErrClosed is returned by CheckHealth after Close.
var ErrClosed = errors.New("runtime: closed")

type retentionLog struct{ logger log.Logger }

func (r retentionLog) EmitTrimRange(collection, account string, minSeq, maxSeq uint64) {
	r.logger.Info("retention trimmed events",
		log.Str("collection", collection), log.Account(account),
		log.Uint64("min_seq", minSeq), log.Uint64("max_seq", maxSeq))
}

// Open initializes storage and the event pipeline and starts the background
// retry and retention loops.
func Open(opts Options) (*Runtime, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewLogger(log.WithLevel(log.InfoLevel))
	}
	logger = logger.WithComponent("runtime")

	dataDir := opts.DataDir
	if dataDir == "" {
		dataDir = cfg.DataDir
	}
	if dataDir == "" {
		dataDir = cfgpkg.DefaultDataDir()
	}
	cfg.DataDir = dataDir
	fsync := opts.Fsync
	if fsync == pebblestore.FsyncModeUnspecified {
		m, err := pebblestore.ParseFsyncMode(cfg.Fsync)
		if err != nil {
			return nil, err
		}
		fsync = m
	}

	db, err := pebblestore.Open(pebblestore.Options{
		DataDir: dataDir,
		Fsync:   fsync,
		Metrics: pebblestore.PromMetrics{},
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	rt := &Runtime{db: db, config: cfg, logger: logger}
	if err := rt.build(opts.Registry); err != nil {
		_ = db.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	rt.cancel = cancel
	if rt.retrier != nil {
		rt.wg.Add(1)
		go func() {
			defer rt.wg.Done()
			_ = rt.retrier.Run(ctx)
		}()
	}
	if ret := cfg.Store.Retention.D(); ret > 0 {
		rt.wg.Add(1)
		go func() {
			defer rt.wg.Done()
			rt.retentionLoop(ctx, ret, cfg.Store.RetentionInterval.D())
		}()
	}
	logger.Info("runtime opened", log.Str("data_dir", dataDir), log.Int("sinks", len(cfg.Logger.Sinks)))
	return rt, nil
}

func (r *Runtime) build(reg *sinks.Registry) error {
	cfg := r.config
	locator, err := eventstore.ParseLocator(cfg.Store.Layout)
	if err != nil {
		return err
	}
	r.store, err = eventstore.Open(r.db, eventstore.Options{
		Locator:   locator,
		Retention: retentionLog{logger: r.logger},
		Logger:    r.logger,
	})
	if err != nil {
		return err
	}

	if reg == nil {
		reg = sinks.NewRegistry()
	}
	sinkList, err := reg.BuildAll(cfg.Logger.Sinks, sinks.Deps{Store: r.store})
	if err != nil {
		return fmt.Errorf("runtime: build sinks: %w", err)
	}

	lopts := []evlogger.Option{evlogger.WithLogger(r.logger)}
	if cfg.Retry.Enabled {
		r.retry, err = retryqueue.Open(r.db, retryqueue.Options{
			Policy: retryqueue.Policy{
				MaxAttempts: cfg.Retry.MaxAttempts,
				BaseBackoff: cfg.Retry.BaseBackoff.D(),
				MaxBackoff:  cfg.Retry.MaxBackoff.D(),
			},
			Logger: r.logger,
		})
		if err != nil {
			for _, s := range sinkList {
				_ = s.Close()
			}
			return err
		}
		lopts = append(lopts, evlogger.WithRetry(r.retry))
	}

	r.events = evlogger.New(evlogger.Config{
		Enabled:       cfg.Logger.Enabled,
		BatchSize:     cfg.Logger.BatchSize,
		FlushInterval: cfg.Logger.FlushInterval.D(),
		MaxAccounts:   cfg.Logger.MaxAccounts,
		QueueCapacity: cfg.Logger.QueueCapacity,
		Workers:       cfg.Logger.Workers,
		SinkTimeout:   cfg.Logger.SinkTimeout.D(),
	}, sinkList, lopts...)

	if r.retry != nil {
		r.retrier = retryqueue.NewRetrier(r.retry, r.events, retryqueue.RetrierOptions{
			Interval:  cfg.Retry.Interval.D(),
			BatchSize: cfg.Retry.BatchSize,
			Lease:     cfg.Retry.Lease.D(),
			Logger:    r.logger,
		})
	}
	r.flags = msgflags.New(r.db, r.events, msgflags.Options{Logger: r.logger})
	r.analytics = analytics.New(r.store, analytics.Options{
		DefaultTZOffset: cfg.Analytics.DefaultTZOffsetMinutes,
		Logger:          r.logger,
	})
	return nil
}

func (r *Runtime) retentionLoop(ctx context.Context, retention, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if _, err := r.ApplyRetention(ctx, now); err != nil && ctx.Err() == nil {
				r.logger.Warn("retention pass failed", log.Err(err))
			}
		}
	}
}

// ApplyRetention trims events older than the configured retention relative
// to now. It is a no-op without a retention setting.
func (r *Runtime) ApplyRetention(ctx context.Context, now time.Time) (int, error) {
	ret := r.config.Store.Retention.D()
	if ret <= 0 {
		return 0, nil
	}
	return r.store.TrimAll(ctx, now.Add(-ret))
}

// Close flushes pending batches, stops background loops and closes storage.
// The context bounds the final flush.
func (r *Runtime) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		var errs []error
		if r.cancel != nil {
			r.cancel()
		}
		r.wg.Wait()
		if r.events != nil {
			if err := r.events.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		r.mu.Lock()
		r.closed = true
		if r.db != nil {
			if err := r.db.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		r.mu.Unlock()
		r.closeErr = errors.Join(errs...)
	})
	return r.closeErr
}

// CheckHealth verifies storage is readable and the pipeline accepts events.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	if r.db == nil {
		return errors.New("db not open")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	if err := it.Close(); err != nil {
		return err
	}
	if r.events.Closed() {
		return evlogger.ErrClosed
	}
	return nil
}

// NewLMTPServer builds the delivery listener from the lmtp config section.
func (r *Runtime) NewLMTPServer() *lmtp.Server {
	c := r.config.LMTP
	status := make(map[string]lmtp.AccountStatus, len(c.AccountStatus))
	for acct, st := range c.AccountStatus {
		status[acct] = lmtp.AccountStatus(st)
	}
	dir := lmtp.StatusDirectory{
		Dir: lmtp.FallbackDirectory{
			Static:    lmtp.StaticDirectory(c.Recipients),
			AcceptAny: c.AcceptAny,
			Domains:   c.Domains,
		},
		Status: status,
	}
	return lmtp.NewServer(lmtp.Config{
		Addr:            c.Addr,
		Domain:          c.Domain,
		MaxMessageBytes: c.MaxMessageBytes,
		MaxRecipients:   c.MaxRecipients,
		DataSourceID:    c.DataSourceID,
		DedupeCacheSize: c.DedupeCacheSize,
		DedupeTTL:       c.DedupeTTL.D(),
	}, dir, r.events, lmtp.WithServerLogger(r.logger))
}

// DB exposes the underlying DB for advanced operations (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Config returns the effective configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }

// Store is the persistent event history.
func (r *Runtime) Store() *eventstore.Store { return r.store }

// Events is the batching event logger.
func (r *Runtime) Events() *evlogger.Logger { return r.events }

// Flags is the message flag tracker.
func (r *Runtime) Flags() *msgflags.Tracker { return r.flags }

// Analytics runs contact analytics over the store.
func (r *Runtime) Analytics() *analytics.Analyzer { return r.analytics }

// Retry is the retry queue, nil when retries are disabled.
func (r *Runtime) Retry() *retryqueue.Queue { return r.retry }

// Retrier is the redelivery loop, nil when retries are disabled.
func (r *Runtime) Retrier() *retryqueue.Retrier { return r.retrier }
