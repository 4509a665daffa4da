package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rzbill/mev/pkg/log"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	DataDir   string          `json:"dataDir" yaml:"dataDir"`
	Fsync     string          `json:"fsync" yaml:"fsync"`
	Server    ServerConfig    `json:"server" yaml:"server"`
	Logger    LoggerConfig    `json:"logger" yaml:"logger"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	Retry     RetryConfig     `json:"retry" yaml:"retry"`
	LMTP      LMTPConfig      `json:"lmtp" yaml:"lmtp"`
	Analytics AnalyticsConfig `json:"analytics" yaml:"analytics"`
	Log       log.Config      `json:"log" yaml:"log"`
}

// ServerConfig holds the listener addresses. An empty address disables the
// listener.
type ServerConfig struct {
	HTTPAddr string `json:"httpAddr" yaml:"httpAddr"`
	GRPCAddr string `json:"grpcAddr" yaml:"grpcAddr"`
}

// LoggerConfig tunes the event batching pipeline.
type LoggerConfig struct {
	Enabled       bool     `json:"enabled" yaml:"enabled"`
	BatchSize     int      `json:"batchSize" yaml:"batchSize"`
	FlushInterval Duration `json:"flushInterval" yaml:"flushInterval"`
	MaxAccounts   int      `json:"maxAccounts" yaml:"maxAccounts"`
	QueueCapacity int      `json:"queueCapacity" yaml:"queueCapacity"`
	Workers       int      `json:"workers" yaml:"workers"`
	SinkTimeout   Duration `json:"sinkTimeout" yaml:"sinkTimeout"`
	// Sinks are sink URLs such as "store:", "metrics:" or
	// "file:///var/log/mev/events.jsonl?filter=kind == 'sent'".
	Sinks []string `json:"sinks" yaml:"sinks"`
}

// StoreConfig selects the event store layout and retention.
type StoreConfig struct {
	// Layout is "account:<prefix>" or "joint:<collection>".
	Layout string `json:"layout" yaml:"layout"`
	// Retention drops events older than this. 0 keeps everything.
	Retention         Duration `json:"retention" yaml:"retention"`
	RetentionInterval Duration `json:"retentionInterval" yaml:"retentionInterval"`
}

// RetryConfig tunes redelivery of failed batches.
type RetryConfig struct {
	Enabled     bool     `json:"enabled" yaml:"enabled"`
	MaxAttempts int      `json:"maxAttempts" yaml:"maxAttempts"`
	BaseBackoff Duration `json:"baseBackoff" yaml:"baseBackoff"`
	MaxBackoff  Duration `json:"maxBackoff" yaml:"maxBackoff"`
	Interval    Duration `json:"interval" yaml:"interval"`
	BatchSize   int      `json:"batchSize" yaml:"batchSize"`
	Lease       Duration `json:"lease" yaml:"lease"`
}

// LMTPConfig configures the delivery listener and its recipient directory.
type LMTPConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	Addr            string `json:"addr" yaml:"addr"`
	Domain          string `json:"domain" yaml:"domain"`
	MaxMessageBytes int64  `json:"maxMessageBytes" yaml:"maxMessageBytes"`
	MaxRecipients   int    `json:"maxRecipients" yaml:"maxRecipients"`
	DataSourceID    string `json:"dataSourceId" yaml:"dataSourceId"`
	// Recipients maps addresses to account ids.
	Recipients map[string]string `json:"recipients" yaml:"recipients"`
	// AcceptAny maps unknown addresses in Domains to their local part.
	AcceptAny bool     `json:"acceptAny" yaml:"acceptAny"`
	Domains   []string `json:"domains" yaml:"domains"`
	// AccountStatus marks accounts as maintenance, pending or closed.
	// Unlisted accounts are active.
	AccountStatus map[string]string `json:"accountStatus" yaml:"accountStatus"`
	// DedupeCacheSize bounds remembered Message-IDs; negative disables dedupe.
	DedupeCacheSize int `json:"dedupeCacheSize" yaml:"dedupeCacheSize"`
	// DedupeTTL expires remembered Message-IDs; 0 evicts by size only.
	DedupeTTL Duration `json:"dedupeTtl" yaml:"dedupeTtl"`
}

// AnalyticsConfig holds analytics defaults.
type AnalyticsConfig struct {
	DefaultTZOffsetMinutes int `json:"defaultTzOffsetMinutes" yaml:"defaultTzOffsetMinutes"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Fsync: "always",
		Server: ServerConfig{
			HTTPAddr: "127.0.0.1:8080",
			GRPCAddr: "127.0.0.1:50051",
		},
		Logger: LoggerConfig{
			Enabled:       true,
			BatchSize:     100,
			FlushInterval: Duration(10 * time.Second),
			MaxAccounts:   10000,
			QueueCapacity: 1024,
			Workers:       4,
			SinkTimeout:   Duration(30 * time.Second),
			Sinks:         []string{"store:", "metrics:"},
		},
		Store: StoreConfig{
			Layout:            "account:events",
			RetentionInterval: Duration(time.Hour),
		},
		Retry: RetryConfig{
			Enabled:     true,
			MaxAttempts: 5,
			BaseBackoff: Duration(time.Second),
			MaxBackoff:  Duration(5 * time.Minute),
			Interval:    Duration(time.Second),
			BatchSize:   32,
			Lease:       Duration(30 * time.Second),
		},
		LMTP: LMTPConfig{
			Addr:            "127.0.0.1:7025",
			Domain:          "localhost",
			MaxMessageBytes: 10 << 20,
			MaxRecipients:   100,
			DataSourceID:    "lmtp",
			DedupeCacheSize: 3000,
		},
		Log: log.Config{Level: "info", Format: "text"},
	}
}

// Load reads configuration from a JSON or YAML file (by extension) over the
// defaults. If path is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	return cfg, nil
}

// Validate rejects settings the runtime cannot start with.
func (c Config) Validate() error {
	if c.Logger.BatchSize < 0 || c.Logger.Workers < 0 || c.Logger.QueueCapacity < 0 {
		return fmt.Errorf("config: logger sizes must not be negative")
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("config: retry.maxAttempts must not be negative")
	}
	if c.Retry.MaxBackoff > 0 && c.Retry.BaseBackoff > c.Retry.MaxBackoff {
		return fmt.Errorf("config: retry.baseBackoff exceeds retry.maxBackoff")
	}
	if c.Analytics.DefaultTZOffsetMinutes < -14*60 || c.Analytics.DefaultTZOffsetMinutes > 14*60 {
		return fmt.Errorf("config: analytics.defaultTzOffsetMinutes out of range")
	}
	if c.LMTP.Enabled && c.LMTP.Addr == "" {
		return fmt.Errorf("config: lmtp.addr is required when lmtp is enabled")
	}
	for acct, st := range c.LMTP.AccountStatus {
		switch st {
		case "active", "maintenance", "pending", "closed":
		default:
			return fmt.Errorf("config: lmtp.accountStatus[%s]: unknown status %q", acct, st)
		}
	}
	return nil
}

// Write renders cfg as YAML, the same shape Load accepts.
func Write(w io.Writer, cfg Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}
