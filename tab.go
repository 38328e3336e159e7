package goAuthSync

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"
)

// Tab is the composition root of one participant: it owns exactly one
// [SessionService], one [RefreshCoordinator] and the background refresh scheduler.
//
// Tab methods are safe for concurrent use after [Builder.Build].
type Tab struct {
	cfg     Config
	clock   Clock
	logger  *log.Logger
	metrics *Metrics
	audit   *auditDispatcher

	session     *SessionService
	coordinator *RefreshCoordinator
	scheduler   *scheduler

	mu      sync.Mutex
	started bool
	closed  bool
}

// Start initializes the session service and starts the refresh scheduler. ctx bounds
// the transport open and the store load; background work outlives it until Close.
func (t *Tab) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTabClosed
	}
	if t.started {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	t.started = true
	t.mu.Unlock()

	t.session.Initialize(ctx)
	t.scheduler.start(ctx)
	t.logger.Debug("tab.start", "single_tab", t.session.SingleTab())
	return nil
}

// Login installs a token pair obtained by the application's sign-in flow and broadcasts
// it to every sibling.
func (t *Tab) Login(ctx context.Context, accessToken, refreshCredential string) error {
	if err := t.ready(); err != nil {
		return err
	}
	if accessToken == "" || refreshCredential == "" {
		return ErrEmptyTokenPair
	}
	t.session.SetTokens(ctx, accessToken, refreshCredential)
	t.emitAudit(AuditEvent{EventType: AuditLogin, Success: true})
	return nil
}

// Logout clears the session in this tab and every sibling.
func (t *Tab) Logout(ctx context.Context) error {
	if err := t.ready(); err != nil {
		return err
	}
	t.session.ClearTokens(ctx)
	t.emitAudit(AuditEvent{EventType: AuditLogout, Success: true})
	return nil
}

// State returns the current authentication snapshot.
func (t *Tab) State() AuthState {
	return t.session.State()
}

// Subscribe registers fn for every accepted state change. See [SessionService.Subscribe].
func (t *Tab) Subscribe(fn StateListener) (unsubscribe func()) {
	return t.session.Subscribe(fn)
}

// Refresh runs or joins a refresh flight. See [RefreshCoordinator.Refresh].
func (t *Tab) Refresh(ctx context.Context, opts RefreshOptions) bool {
	if t.ready() != nil {
		return false
	}
	return t.coordinator.Refresh(ctx, opts)
}

// OnRefresh registers fn for every settled refresh flight.
func (t *Tab) OnRefresh(fn RefreshListener) (remove func()) {
	return t.coordinator.AddListener(fn)
}

// OriginID is the tab's broadcast identifier.
func (t *Tab) OriginID() string {
	return t.session.OriginID()
}

// SingleTab reports whether the broadcast transport was unavailable at Start.
func (t *Tab) SingleTab() bool {
	return t.session.SingleTab()
}

// Session exposes the tab's session service.
func (t *Tab) Session() *SessionService {
	return t.session
}

// Coordinator exposes the tab's refresh coordinator.
func (t *Tab) Coordinator() *RefreshCoordinator {
	return t.coordinator
}

// MetricsSnapshot returns the tab's counters.
func (t *Tab) MetricsSnapshot() MetricsSnapshot {
	return t.metrics.Snapshot()
}

// AuditDropped reports audit events dropped because the buffer was full.
func (t *Tab) AuditDropped() uint64 {
	if t.audit == nil {
		return 0
	}
	return t.audit.Dropped()
}

// Close stops the scheduler, closes the broadcast channel and flushes the audit
// dispatcher. A refresh already in flight still settles into local state.
func (t *Tab) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	started := t.started
	t.mu.Unlock()

	if started {
		t.scheduler.stop()
	}
	err := t.session.Close()
	if t.audit != nil {
		t.audit.Close()
	}
	return err
}

func (t *Tab) ready() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTabClosed
	}
	if !t.started {
		return ErrNotInitialized
	}
	return nil
}

func (t *Tab) emitAudit(event AuditEvent) {
	if t.audit == nil {
		return
	}
	event.Timestamp = t.clock()
	event.OriginID = t.session.OriginID()
	t.audit.Emit(context.Background(), event)
}
