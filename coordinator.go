package goAuthSync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/MrEthical07/goAuthSync/internal/flows"
)

const tracerName = "github.com/MrEthical07/goAuthSync"

// RefreshCoordinator obtains fresh access tokens for one tab. At most one refresh is in
// flight per coordinator; concurrent callers share its result. Non-forced calls inside
// MinInterval of the previous attempt return false without a network call.
//
// A rejection clears the session on every tab only while the rejected credential is
// still the current one. When a sibling has already rotated it, the rejection is
// reported as stale_rejection and leaves the newer session in place with no TOKEN_CLEAR
// broadcast. A refresh result is likewise dropped if the session moved on during the
// flight.
//
// A coordinator is an explicit object owned by the tab's composition root; create one
// per tab through [Builder.Build].
type RefreshCoordinator struct {
	cfg       RefreshConfig
	session   *SessionService
	exchanger TokenExchanger
	clock     Clock
	logger    *log.Logger
	metrics   *Metrics
	audit     *auditDispatcher
	tracer    trace.Tracer

	flights singleflight.Group

	mu          sync.Mutex
	inFlight    bool
	generation  uint64
	lastAttempt time.Time

	listenerMu sync.RWMutex
	listeners  map[uint64]RefreshListener
	nextID     uint64
}

func newRefreshCoordinator(cfg RefreshConfig, session *SessionService, exchanger TokenExchanger, clock Clock, logger *log.Logger, metrics *Metrics, audit *auditDispatcher) *RefreshCoordinator {
	return &RefreshCoordinator{
		cfg:       cfg,
		session:   session,
		exchanger: exchanger,
		clock:     clock,
		logger:    logger.With("origin", session.OriginID()),
		metrics:   metrics,
		audit:     audit,
		tracer:    otel.Tracer(tracerName),
		listeners: make(map[uint64]RefreshListener),
	}
}

// Refresh exchanges the tab's refresh credential for a new token pair and reports
// whether it succeeded.
//
// A caller whose ctx ends stops waiting and gets false; the shared flight keeps running
// under RequestTimeout and its result still reaches the session service.
func (c *RefreshCoordinator) Refresh(ctx context.Context, opts RefreshOptions) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Source == "" {
		opts.Source = "unspecified"
	}

	c.mu.Lock()
	if c.inFlight {
		ch := c.flights.DoChan(c.flightKeyLocked(), settled)
		c.mu.Unlock()
		c.metrics.Inc(MetricRefreshJoined)
		return wait(ctx, ch)
	}

	now := c.clock()
	if !opts.Force && !c.lastAttempt.IsZero() && now.Sub(c.lastAttempt) < c.cfg.MinInterval {
		c.mu.Unlock()
		c.metrics.Inc(MetricRefreshCooldown)
		c.logger.Debug("refresh.cooldown", "source", opts.Source)
		return false
	}

	credential := c.session.State().RefreshCredential
	if credential == "" {
		c.mu.Unlock()
		c.metrics.Inc(MetricRefreshNoCredential)
		return false
	}

	c.lastAttempt = now
	c.inFlight = true
	c.generation++
	key := c.flightKeyLocked()
	flightCtx := context.WithoutCancel(ctx)
	ch := c.flights.DoChan(key, func() (any, error) {
		defer c.finish()
		return c.run(flightCtx, credential, opts), nil
	})
	c.mu.Unlock()
	c.metrics.Inc(MetricRefreshAttempt)

	return wait(ctx, ch)
}

// IsRefreshing reports whether a flight is in progress.
func (c *RefreshCoordinator) IsRefreshing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// LastAttempt returns when the most recent flight started, zero if none has.
func (c *RefreshCoordinator) LastAttempt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAttempt
}

// AddListener registers fn for every settled flight. Listeners have no effect on the
// refresh itself.
func (c *RefreshCoordinator) AddListener(fn RefreshListener) (remove func()) {
	if fn == nil {
		return func() {}
	}
	c.listenerMu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.listenerMu.Unlock()

	return func() {
		c.listenerMu.Lock()
		delete(c.listeners, id)
		c.listenerMu.Unlock()
	}
}

// flightKeyLocked names the current flight. Keys are per generation so a caller never
// joins a flight that has already settled.
func (c *RefreshCoordinator) flightKeyLocked() string {
	return strconv.FormatUint(c.generation, 10)
}

func (c *RefreshCoordinator) finish() {
	c.mu.Lock()
	c.inFlight = false
	c.mu.Unlock()
}

func (c *RefreshCoordinator) run(ctx context.Context, credential string, opts RefreshOptions) bool {
	ctx, span := c.tracer.Start(ctx, "goAuthSync.refresh", trace.WithAttributes(
		attribute.String("refresh.source", opts.Source),
		attribute.Bool("refresh.force", opts.Force),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	start := c.clock()
	result := flows.RunRefresh(ctx, credential, flows.RefreshDeps{
		Exchange:    c.exchange,
		IsRejection: func(err error) bool { return errors.Is(err, ErrRefreshRejected) },
		IsMalformed: func(err error) bool { return errors.Is(err, ErrRefreshMalformed) },
		Apply: func(accessToken, refreshCredential string) {
			if !c.session.setTokensIfCurrent(ctx, credential, accessToken, refreshCredential) {
				c.logger.Debug("refresh.superseded: session changed during refresh", "source", opts.Source)
			}
		},
		ClearIfCurrent: func(credential string) bool {
			if !c.cfg.ClearOnRejection {
				return c.session.State().RefreshCredential == credential
			}
			return c.session.clearIfCurrent(ctx, credential)
		},
	})
	elapsed := c.clock().Sub(start)
	c.metrics.Observe(MetricRefreshLatency, elapsed)

	event := RefreshEvent{
		Source:   opts.Source,
		Success:  result.Failure == flows.RefreshFailureNone,
		Rejected: result.Failure == flows.RefreshFailureRejected,
		Duration: elapsed,
		At:       c.clock(),
	}

	audit := AuditEvent{
		EventType: AuditRefresh,
		Success:   event.Success,
		Metadata:  map[string]string{"source": opts.Source, "outcome": result.Failure.String()},
	}

	switch result.Failure {
	case flows.RefreshFailureNone:
		c.metrics.Inc(MetricRefreshSuccess)
		span.SetStatus(codes.Ok, "")
	case flows.RefreshFailureRejected, flows.RefreshFailureStaleRejection:
		c.metrics.Inc(MetricRefreshRejected)
		c.logger.Warn("refresh.rejected", "source", opts.Source, "superseded", result.Failure == flows.RefreshFailureStaleRejection, "err", result.Err)
		span.SetStatus(codes.Error, "rejected")
		audit.Error = result.Err.Error()
	default:
		c.metrics.Inc(MetricRefreshFailure)
		c.logger.Info("refresh.failed", "source", opts.Source, "outcome", result.Failure, "err", result.Err)
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Failure.String())
		audit.Error = result.Err.Error()
	}

	c.emitAudit(audit)
	c.notify(event)
	return event.Success
}

// exchange calls the TokenExchanger. A panic in it fails the flight as transient so the
// coordinator settles and the next refresh can run.
func (c *RefreshCoordinator) exchange(ctx context.Context, credential string) (accessToken, refreshCredential string, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("refresh.exchanger.panic", "recovered", r)
			accessToken, refreshCredential = "", ""
			err = fmt.Errorf("%w: exchanger panic: %v", ErrRefreshTransient, r)
		}
	}()
	pair, err := c.exchanger.Exchange(ctx, credential)
	return pair.AccessToken, pair.RefreshCredential, err
}

func (c *RefreshCoordinator) notify(event RefreshEvent) {
	c.listenerMu.RLock()
	fns := make([]RefreshListener, 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenerMu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("refresh.listener.panic", "recovered", r)
				}
			}()
			fn(event)
		}()
	}
}

func (c *RefreshCoordinator) emitAudit(event AuditEvent) {
	if c.audit == nil {
		return
	}
	event.Timestamp = c.clock()
	event.OriginID = c.session.OriginID()
	c.audit.Emit(context.Background(), event)
}

// settled is never run: joiners only call DoChan while the keyed flight is registered.
func settled() (any, error) { return false, nil }

func wait(ctx context.Context, ch <-chan singleflight.Result) bool {
	select {
	case res := <-ch:
		ok, _ := res.Val.(bool)
		return ok
	case <-ctx.Done():
		return false
	}
}
