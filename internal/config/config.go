// Package config assembles the tunables for an advanced subscriber.
//
// Unlike the Rust original, which exposes these options through a chain of
// consuming builder methods, this package collects them into a single
// record constructed explicitly by the caller (see Default) or loaded from
// environment variables (see Load). CLI parsing is out of scope.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/meshwave/advsub/internal/wire"
)

const (
	// DefaultQueryTarget selects which matching caches a query addresses.
	DefaultQueryTarget = QueryTargetAll
	// DefaultQueryTimeout bounds how long a query waits for its reply stream to close.
	DefaultQueryTimeout = 10 * time.Second
	// DefaultHistoryMaxSamples is a per-source history cap a caller may assign
	// to HistoryConfig.MaxSamples. Default and Load do not apply it: with
	// MaxSamples unset, history queries carry no cap.
	DefaultHistoryMaxSamples uint64 = 1000
)

// QueryTarget mirrors the underlying session's query-target enumeration.
type QueryTarget int

const (
	// QueryTargetAll addresses every matching cache.
	QueryTargetAll QueryTarget = iota
	// QueryTargetBestMatching addresses only the best-matching cache.
	QueryTargetBestMatching
)

func (t QueryTarget) String() string {
	if t == QueryTargetBestMatching {
		return "best_matching"
	}
	return "all"
}

// HistoryConfig controls startup backfill and late-joiner detection.
type HistoryConfig struct {
	Enabled              bool
	MaxSamples           *uint64
	MaxAge               *time.Duration
	DetectLatePublishers bool
}

// RecoveryConfig controls gap-fill retransmission and periodic tail probing.
type RecoveryConfig struct {
	Enabled         bool
	PeriodicQueries *time.Duration
}

// WireConfig selects the codec query replies are expected to be encoded
// with on the wire (§2A).
type WireConfig struct {
	// Compression names a codec registered in internal/wire.ByName. Empty
	// selects the identity (uncompressed) codec.
	Compression string
}

// Config captures every tunable named by the external interface (§6 of the
// advanced-subscriber specification).
type Config struct {
	// AllowedOrigin is the key expression the subscriber is declared on.
	AllowedOrigin string
	Recovery      RecoveryConfig
	QueryTarget   QueryTarget
	QueryTimeout  time.Duration
	History       HistoryConfig
	Wire          WireConfig

	SubscriberDetection         bool
	SubscriberDetectionMetadata string

	Logging LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

const (
	defaultLogLevel      = "info"
	defaultLogPath       = "advsub.log"
	defaultLogMaxSizeMB  = 100
	defaultLogMaxBackups = 10
	defaultLogMaxAgeDays = 7
	defaultLogCompress   = true
)

// Default returns a Config with history and recovery disabled, matching the
// non-advanced baseline the application must opt out of explicitly.
func Default(allowedOrigin string) Config {
	return Config{
		AllowedOrigin: allowedOrigin,
		QueryTarget:   DefaultQueryTarget,
		QueryTimeout:  DefaultQueryTimeout,
		Logging: LoggingConfig{
			Level:      defaultLogLevel,
			Path:       defaultLogPath,
			MaxSizeMB:  defaultLogMaxSizeMB,
			MaxBackups: defaultLogMaxBackups,
			MaxAgeDays: defaultLogMaxAgeDays,
			Compress:   defaultLogCompress,
		},
	}
}

// Validate applies the ConfigRejected checks that must run synchronously at
// construction time (§7).
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.AllowedOrigin) == "" {
		problems = append(problems, "allowed origin key expression must be provided")
	}
	if c.QueryTimeout <= 0 {
		problems = append(problems, "query timeout must be positive")
	}
	if c.Recovery.Enabled && c.Recovery.PeriodicQueries != nil && *c.Recovery.PeriodicQueries <= 0 {
		problems = append(problems, "recovery periodic query interval must be positive")
	}
	if c.History.MaxAge != nil && *c.History.MaxAge <= 0 {
		problems = append(problems, "history max age must be positive")
	}
	if c.SubscriberDetection && strings.Contains(c.SubscriberDetectionMetadata, "/") {
		problems = append(problems, "subscriber detection metadata must not contain '/'")
	}
	if _, ok, err := wire.ByName(c.Wire.Compression); err != nil || !ok {
		problems = append(problems, fmt.Sprintf("wire compression codec %q is not recognised", c.Wire.Compression))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

// Load reads overrides from environment variables on top of Default,
// returning descriptive errors for invalid overrides.
func Load(allowedOrigin string) (Config, error) {
	cfg := Default(allowedOrigin)

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("ADVSUB_QUERY_TIMEOUT")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("ADVSUB_QUERY_TIMEOUT must be a positive duration, got %q", raw))
		} else {
			cfg.QueryTimeout = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ADVSUB_QUERY_TARGET")); raw != "" {
		switch strings.ToLower(raw) {
		case "all":
			cfg.QueryTarget = QueryTargetAll
		case "best_matching":
			cfg.QueryTarget = QueryTargetBestMatching
		default:
			problems = append(problems, fmt.Sprintf("ADVSUB_QUERY_TARGET must be 'all' or 'best_matching', got %q", raw))
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ADVSUB_RECOVERY")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("ADVSUB_RECOVERY must be a boolean value, got %q", raw))
		} else {
			cfg.Recovery.Enabled = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ADVSUB_RECOVERY_PERIOD")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("ADVSUB_RECOVERY_PERIOD must be a positive duration, got %q", raw))
		} else {
			cfg.Recovery.PeriodicQueries = &duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ADVSUB_HISTORY")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("ADVSUB_HISTORY must be a boolean value, got %q", raw))
		} else {
			cfg.History.Enabled = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ADVSUB_HISTORY_MAX_SAMPLES")); raw != "" {
		value, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || value == 0 {
			problems = append(problems, fmt.Sprintf("ADVSUB_HISTORY_MAX_SAMPLES must be a positive integer, got %q", raw))
		} else {
			cfg.History.MaxSamples = &value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ADVSUB_HISTORY_DETECT_LATE")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("ADVSUB_HISTORY_DETECT_LATE must be a boolean value, got %q", raw))
		} else {
			cfg.History.DetectLatePublishers = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ADVSUB_SUBSCRIBER_DETECTION")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("ADVSUB_SUBSCRIBER_DETECTION must be a boolean value, got %q", raw))
		} else {
			cfg.SubscriberDetection = value
		}
	}

	cfg.SubscriberDetectionMetadata = strings.TrimSpace(os.Getenv("ADVSUB_SUBSCRIBER_DETECTION_METADATA"))

	if raw := strings.TrimSpace(os.Getenv("ADVSUB_WIRE_COMPRESSION")); raw != "" {
		if _, ok, err := wire.ByName(raw); err != nil || !ok {
			problems = append(problems, fmt.Sprintf("ADVSUB_WIRE_COMPRESSION must name a known codec, got %q", raw))
		} else {
			cfg.Wire.Compression = raw
		}
	}

	cfg.Logging.Level = strings.TrimSpace(getString("ADVSUB_LOG_LEVEL", cfg.Logging.Level))
	cfg.Logging.Path = strings.TrimSpace(getString("ADVSUB_LOG_PATH", cfg.Logging.Path))

	if len(problems) > 0 {
		return Config{}, fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
