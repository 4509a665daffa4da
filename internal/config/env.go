package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every recognised environment variable.
const EnvPrefix = "MEV_"

func envStr(name string, dst *string) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		*dst = v
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(name string, dst *int64) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envDuration(name string, dst *Duration) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

func envList(name string, dst *[]string) {
	v := os.Getenv(EnvPrefix + name)
	if v == "" {
		return
	}
	*dst = nil
	for _, p := range strings.Split(v, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			*dst = append(*dst, p)
		}
	}
}

// FromEnv overlays MEV_* environment variables onto cfg. Unparseable values
// are ignored.
func FromEnv(cfg *Config) {
	envStr("DATA_DIR", &cfg.DataDir)
	envStr("FSYNC", &cfg.Fsync)
	envStr("HTTP_ADDR", &cfg.Server.HTTPAddr)
	envStr("GRPC_ADDR", &cfg.Server.GRPCAddr)

	envBool("LOGGER_ENABLED", &cfg.Logger.Enabled)
	envInt("LOGGER_BATCH_SIZE", &cfg.Logger.BatchSize)
	envDuration("LOGGER_FLUSH_INTERVAL", &cfg.Logger.FlushInterval)
	envInt("LOGGER_MAX_ACCOUNTS", &cfg.Logger.MaxAccounts)
	envInt("LOGGER_QUEUE_CAPACITY", &cfg.Logger.QueueCapacity)
	envInt("LOGGER_WORKERS", &cfg.Logger.Workers)
	envDuration("LOGGER_SINK_TIMEOUT", &cfg.Logger.SinkTimeout)
	envList("LOGGER_SINKS", &cfg.Logger.Sinks)

	envStr("STORE_LAYOUT", &cfg.Store.Layout)
	envDuration("STORE_RETENTION", &cfg.Store.Retention)
	envDuration("STORE_RETENTION_INTERVAL", &cfg.Store.RetentionInterval)

	envBool("RETRY_ENABLED", &cfg.Retry.Enabled)
	envInt("RETRY_MAX_ATTEMPTS", &cfg.Retry.MaxAttempts)
	envDuration("RETRY_BASE_BACKOFF", &cfg.Retry.BaseBackoff)
	envDuration("RETRY_MAX_BACKOFF", &cfg.Retry.MaxBackoff)
	envDuration("RETRY_INTERVAL", &cfg.Retry.Interval)

	envBool("LMTP_ENABLED", &cfg.LMTP.Enabled)
	envStr("LMTP_ADDR", &cfg.LMTP.Addr)
	envStr("LMTP_DOMAIN", &cfg.LMTP.Domain)
	envInt64("LMTP_MAX_MESSAGE_BYTES", &cfg.LMTP.MaxMessageBytes)
	envInt("LMTP_MAX_RECIPIENTS", &cfg.LMTP.MaxRecipients)
	envBool("LMTP_ACCEPT_ANY", &cfg.LMTP.AcceptAny)
	envList("LMTP_DOMAINS", &cfg.LMTP.Domains)
	envInt("LMTP_DEDUPE_CACHE_SIZE", &cfg.LMTP.DedupeCacheSize)
	envDuration("LMTP_DEDUPE_TTL", &cfg.LMTP.DedupeTTL)

	envInt("ANALYTICS_TZ_OFFSET", &cfg.Analytics.DefaultTZOffsetMinutes)

	envStr("LOG_LEVEL", &cfg.Log.Level)
	envStr("LOG_FORMAT", &cfg.Log.Format)
}
