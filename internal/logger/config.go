package logger

import "time"

// Config tunes the pipeline.
type Config struct {
	Enabled bool
	// BatchSize caps the events per batch; reaching it drains the batch.
	BatchSize int
	// FlushInterval is measured from a batch's first event.
	FlushInterval time.Duration
	// MaxAccounts bounds how many accounts may hold a pending batch. 0 is unbounded.
	MaxAccounts   int
	QueueCapacity int
	Workers       int
	// SinkTimeout bounds a single Sink.Execute call. 0 disables the bound.
	SinkTimeout time.Duration
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		BatchSize:     100,
		FlushInterval: 10 * time.Second,
		MaxAccounts:   10000,
		QueueCapacity: 1024,
		Workers:       4,
		SinkTimeout:   30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.MaxAccounts < 0 {
		c.MaxAccounts = 0
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueCapacity < c.Workers {
		c.QueueCapacity = c.Workers
	}
	return c
}
