package goAuthSync

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// Config holds every tunable of a tab. Obtain one with [DefaultConfig] or [LoadConfig];
// it is copied into the tab at Build and treated as immutable afterwards.
type Config struct {
	Sync    SyncConfig    `toml:"sync" envPrefix:"SYNC_"`
	Refresh RefreshConfig `toml:"refresh" envPrefix:"REFRESH_"`
	Audit   AuditConfig   `toml:"audit" envPrefix:"AUDIT_"`
	Metrics MetricsConfig `toml:"metrics" envPrefix:"METRICS_"`
	Logging LoggingConfig `toml:"logging" envPrefix:"LOG_"`
}

/*
====================================
SYNC CONFIG
====================================
*/

// SyncConfig controls the cross-tab broadcast protocol.
type SyncConfig struct {
	// ChannelName is the origin-scoped broadcast channel shared by all tabs.
	ChannelName string `toml:"channel_name" env:"CHANNEL"`
	// StorageKey is the key of the persisted refresh credential.
	StorageKey string `toml:"storage_key" env:"STORAGE_KEY"`
	// HandshakeDelay postpones the startup STATE_REQUEST so sibling listeners can attach.
	HandshakeDelay time.Duration `toml:"handshake_delay" env:"HANDSHAKE_DELAY"`
	// HandshakeTimeout is how long after the request a tab keeps AwaitingState before
	// settling on Unauthenticated.
	HandshakeTimeout time.Duration `toml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT"`
	// StoreTimeout bounds each credential store call.
	StoreTimeout time.Duration `toml:"store_timeout" env:"STORE_TIMEOUT"`
	// PublishTimeout bounds each broadcast publish.
	PublishTimeout time.Duration `toml:"publish_timeout" env:"PUBLISH_TIMEOUT"`
	// MaxClockSkew is how far past the local clock a sibling's timestamp may be. Later
	// timestamps are dropped so one bad frame cannot pin the logical clock.
	MaxClockSkew time.Duration `toml:"max_clock_skew" env:"MAX_CLOCK_SKEW"`
}

/*
====================================
REFRESH CONFIG
====================================
*/

// RefreshConfig controls the refresh coordinator and scheduler.
type RefreshConfig struct {
	// Endpoint is the refresh URL used by the CLI's HTTP exchanger.
	Endpoint string `toml:"endpoint" env:"ENDPOINT"`
	// CredentialHeader, when set, also sends the credential in this request header.
	CredentialHeader string `toml:"credential_header" env:"CREDENTIAL_HEADER"`
	// MinInterval is the cooldown between non-forced refresh attempts.
	MinInterval time.Duration `toml:"min_interval" env:"MIN_INTERVAL"`
	// RequestTimeout bounds one refresh network call.
	RequestTimeout time.Duration `toml:"request_timeout" env:"REQUEST_TIMEOUT"`
	// ClearOnRejection logs every tab out when the server rejects the credential.
	ClearOnRejection bool `toml:"clear_on_rejection" env:"CLEAR_ON_REJECTION"`
	// ScheduleEnabled turns on the background refresh scheduler.
	ScheduleEnabled bool `toml:"schedule_enabled" env:"SCHEDULE_ENABLED"`
	// ScheduleInterval is the scheduler tick after its first check.
	ScheduleInterval time.Duration `toml:"schedule_interval" env:"SCHEDULE_INTERVAL"`
	// ExpiryLeeway refreshes access tokens this long before their exp claim.
	ExpiryLeeway time.Duration `toml:"expiry_leeway" env:"EXPIRY_LEEWAY"`
}

/*
====================================
AUDIT / METRICS / LOGGING CONFIG
====================================
*/

// AuditConfig controls the asynchronous audit dispatcher.
type AuditConfig struct {
	Enabled    bool `toml:"enabled" env:"ENABLED"`
	BufferSize int  `toml:"buffer_size" env:"BUFFER_SIZE"`
	DropIfFull bool `toml:"drop_if_full" env:"DROP_IF_FULL"`

	// MaxWait bounds how long an event waits for queue room when DropIfFull is false.
	// The event is dropped and counted once it passes.
	MaxWait time.Duration `toml:"max_wait" env:"MAX_WAIT"`
}

// MetricsConfig controls in-process counters and the refresh latency histogram.
type MetricsConfig struct {
	Enabled                 bool `toml:"enabled" env:"ENABLED"`
	EnableLatencyHistograms bool `toml:"enable_latency_histograms" env:"LATENCY_HISTOGRAMS"`
}

// LoggingConfig selects the default logger level. It is ignored when a logger is
// injected with [Builder.WithLogger].
type LoggingConfig struct {
	Level string `toml:"level" env:"LEVEL"`
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultChannelName is the broadcast channel used when none is configured.
const DefaultChannelName = "auth-sync"

// DefaultStorageKey is the persisted credential key used when none is configured.
const DefaultStorageKey = "auth.refreshCredential"

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Sync: SyncConfig{
			ChannelName:      DefaultChannelName,
			StorageKey:       DefaultStorageKey,
			HandshakeDelay:   50 * time.Millisecond,
			HandshakeTimeout: 750 * time.Millisecond,
			StoreTimeout:     2 * time.Second,
			PublishTimeout:   2 * time.Second,
			MaxClockSkew:     5 * time.Minute,
		},
		Refresh: RefreshConfig{
			MinInterval:      30 * time.Second,
			RequestTimeout:   10 * time.Second,
			ClearOnRejection: true,
			ScheduleEnabled:  true,
			ScheduleInterval: 30 * time.Second,
			ExpiryLeeway:     60 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 256,
			DropIfFull: true,
			MaxWait:    100 * time.Millisecond,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: false,
		},
		Logging: LoggingConfig{
			Level: "warn",
		},
	}
}

/*
====================================
LOADING
====================================
*/

// EnvPrefix prefixes every environment variable read by [LoadConfig].
const EnvPrefix = "GOAUTHSYNC_"

// LoadConfig starts from the defaults, overlays the TOML file at path when path is
// non-empty, then overlays GOAUTHSYNC_* environment variables, and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	// Sync
	if strings.TrimSpace(c.Sync.ChannelName) == "" {
		return errors.New("Sync ChannelName must be set")
	}
	if strings.TrimSpace(c.Sync.StorageKey) == "" {
		return errors.New("Sync StorageKey must be set")
	}
	if c.Sync.HandshakeDelay < 0 {
		return errors.New("Sync HandshakeDelay must be >= 0")
	}
	if c.Sync.HandshakeTimeout <= 0 {
		return errors.New("Sync HandshakeTimeout must be > 0")
	}
	if c.Sync.StoreTimeout <= 0 {
		return errors.New("Sync StoreTimeout must be > 0")
	}
	if c.Sync.PublishTimeout <= 0 {
		return errors.New("Sync PublishTimeout must be > 0")
	}
	if c.Sync.MaxClockSkew <= 0 {
		return errors.New("Sync MaxClockSkew must be > 0")
	}

	// Refresh
	if c.Refresh.MinInterval < 0 {
		return errors.New("Refresh MinInterval must be >= 0")
	}
	if c.Refresh.RequestTimeout <= 0 {
		return errors.New("Refresh RequestTimeout must be > 0")
	}
	if c.Refresh.ScheduleEnabled && c.Refresh.ScheduleInterval <= 0 {
		return errors.New("Refresh ScheduleInterval must be > 0 when ScheduleEnabled is true")
	}
	if c.Refresh.ExpiryLeeway < 0 {
		return errors.New("Refresh ExpiryLeeway must be >= 0")
	}
	if strings.ContainsAny(c.Refresh.CredentialHeader, " \r\n:") {
		return errors.New("Refresh CredentialHeader is not a valid header name")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when enabled")
	}
	if c.Audit.MaxWait < 0 {
		return errors.New("Audit MaxWait must be >= 0")
	}

	// Logging
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}

	return nil
}
