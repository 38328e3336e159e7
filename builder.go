package goAuthSync

import (
	"errors"
	"time"

	"github.com/charmbracelet/log"

	"github.com/MrEthical07/goAuthSync/store/memory"
)

// Builder assembles one [Tab].
//
// Builder instances are intended to be configured during initialization and then used
// once; Build fails on a second call.
type Builder struct {
	config Config

	bus       MessageBus
	store     KeyValueStore
	exchanger TokenExchanger
	logger    *log.Logger
	clock     Clock
	auditSink AuditSink

	built bool
}

// New returns a builder preloaded with [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithBus sets the broadcast transport. Without one the tab runs in single-tab mode.
func (b *Builder) WithBus(bus MessageBus) *Builder {
	b.bus = bus
	return b
}

// WithStore sets the persisted credential store. Without one an in-memory store is used
// and the credential does not survive the process.
func (b *Builder) WithStore(store KeyValueStore) *Builder {
	b.store = store
	return b
}

// WithExchanger sets the refresh network call. It is required.
func (b *Builder) WithExchanger(exchanger TokenExchanger) *Builder {
	b.exchanger = exchanger
	return b
}

// WithLogger injects a logger; Config.Logging is then ignored.
func (b *Builder) WithLogger(logger *log.Logger) *Builder {
	b.logger = logger
	return b
}

// WithClock replaces time.Now for timestamps and cooldown decisions.
func (b *Builder) WithClock(clock Clock) *Builder {
	b.clock = clock
	return b
}

// WithAuditSink sets the audit sink. Events are only dispatched when Config.Audit.Enabled.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithMetricsEnabled toggles in-process counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles the refresh latency histogram.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires the session service, refresh coordinator
// and scheduler of a new tab. No I/O happens until [Tab.Start].
func (b *Builder) Build() (*Tab, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := b.config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if b.exchanger == nil {
		return nil, errors.New("token exchanger required")
	}

	clock := b.clock
	if clock == nil {
		clock = time.Now
	}

	logger := b.logger
	if logger == nil {
		logger = NewLogger(nil, cfg.Logging.Level)
	}

	store := b.store
	if store == nil {
		store = memory.New()
	}

	metrics := NewMetrics(cfg.Metrics)
	audit := newAuditDispatcher(cfg.Audit, b.auditSink, logger)

	session := newSessionService(cfg.Sync, b.bus, store, clock, logger, metrics, audit)
	coordinator := newRefreshCoordinator(cfg.Refresh, session, b.exchanger, clock, logger, metrics, audit)
	sched := newScheduler(cfg.Refresh, cfg.Sync.HandshakeDelay+cfg.Sync.HandshakeTimeout, session, coordinator, clock)

	b.built = true

	return &Tab{
		cfg:         cfg,
		clock:       clock,
		logger:      logger.With("origin", session.OriginID()),
		metrics:     metrics,
		audit:       audit,
		session:     session,
		coordinator: coordinator,
		scheduler:   sched,
	}, nil
}
