// Package logger is the event batching pipeline.
//
// Log appends an event to its account's pending batch. Pending batches live
// in an expirable LRU keyed by account: a batch leaves the cache when it
// reaches BatchSize, when FlushInterval has passed since its first event,
// when MaxAccounts forces out the least recently used account, or on
// Flush/Close. Leaving the cache drains the batch onto a dispatch queue that a
// pool of workers consumes, calling every sink in turn. Batches of one
// account always go to the same worker, so an account's batches reach each
// sink in log order.
//
// A sink error hands the batch to the retry queue when one is configured and
// otherwise drops it. Either way Log never waits on a sink.
//
//	l := logger.New(cfg, []sinks.Sink{sinks.NewMetrics()}, logger.WithRetry(q))
//	_ = l.Log(event.NewRead("alice", 42, "bob@example.com", "imap", time.Now()))
//	_ = l.Flush(ctx)
//	_ = l.Close(ctx)
package logger
