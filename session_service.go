package goAuthSync

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// SessionService owns the AuthState of one tab. It is the only component that reads or
// writes the credential store and the only one that sends or receives broadcast frames.
//
// State transitions are serialized by mu; State reads an atomically published snapshot
// and never blocks. Store writes happen under mu so the persisted credential always
// matches the accepted state; broadcasts are published after mu is released.
type SessionService struct {
	cfg     SyncConfig
	bus     MessageBus
	store   KeyValueStore
	clock   Clock
	logger  *log.Logger
	metrics *Metrics
	audit   *auditDispatcher

	originID     string
	malformedLog rate.Sometimes

	mu     sync.Mutex
	state  AuthState
	conn   BusConn
	single bool
	timers []*time.Timer
	closed bool

	snapshot atomic.Pointer[AuthState]

	notifyMu   sync.Mutex
	listeners  map[uint64]*listenerEntry
	nextID     uint64
	pending    []delivery
	delivering bool
}

type listenerEntry struct {
	fn      StateListener
	removed atomic.Bool
}

type delivery struct {
	state   AuthState
	targets []*listenerEntry
}

func newSessionService(cfg SyncConfig, bus MessageBus, store KeyValueStore, clock Clock, logger *log.Logger, metrics *Metrics, audit *auditDispatcher) *SessionService {
	if bus == nil {
		bus = UnsupportedBus{}
	}
	originID := uuid.NewString()
	s := &SessionService{
		cfg:          cfg,
		bus:          bus,
		store:        store,
		clock:        clock,
		logger:       logger.With("origin", originID),
		metrics:      metrics,
		audit:        audit,
		originID:     originID,
		malformedLog: rate.Sometimes{First: 1, Interval: time.Minute},
		listeners:    make(map[uint64]*listenerEntry),
	}
	s.snapshot.Store(&AuthState{})
	return s
}

// OriginID is this tab's random identifier, used only for self-filtering.
func (s *SessionService) OriginID() string {
	return s.originID
}

// SingleTab reports whether the broadcast transport could not be opened.
func (s *SessionService) SingleTab() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.single
}

// State returns the current snapshot without blocking.
func (s *SessionService) State() AuthState {
	return *s.snapshot.Load()
}

// Initialize opens the broadcast channel, hydrates the refresh credential from the
// store and schedules the STATE_REQUEST handshake. A transport that cannot be opened
// puts the tab in single-tab mode; Initialize itself never fails. Calls after the
// first are no-ops.
func (s *SessionService) Initialize(ctx context.Context) {
	s.mu.Lock()
	if s.state.Phase != PhaseUninitialized || s.closed {
		s.mu.Unlock()
		return
	}
	s.state.Phase = PhaseAwaitingState
	s.commitLocked()
	s.mu.Unlock()
	s.drain()

	conn, err := s.bus.Open(ctx, s.cfg.ChannelName, s.handleFrame)
	if err != nil {
		conn = nil
		s.logger.Warn("bus.open.fail: running in single-tab mode", "channel", s.cfg.ChannelName, "err", err)
		s.emitAudit(AuditEvent{EventType: AuditTransportDegraded, Error: err.Error()})
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	s.conn = conn
	s.single = conn == nil

	// A sibling's update may already have landed between Open and here; never let
	// the persisted copy overwrite accepted state.
	if s.state.LastUpdateTimestamp == 0 && s.state.RefreshCredential == "" {
		if cred, ok := s.loadCredentialLocked(ctx); ok {
			s.state.RefreshCredential = cred
			s.commitLocked()
		}
	}

	if s.single {
		s.settleLocked()
	} else {
		s.timers = append(s.timers,
			time.AfterFunc(s.cfg.HandshakeDelay, s.requestState),
			time.AfterFunc(s.cfg.HandshakeDelay+s.cfg.HandshakeTimeout, s.settleHandshake),
		)
	}
	s.mu.Unlock()
	s.drain()
}

// SetTokens installs a new token pair, persists the refresh credential and broadcasts
// TOKEN_UPDATE. An empty token is treated as a logout.
func (s *SessionService) SetTokens(ctx context.Context, accessToken, refreshCredential string) {
	if accessToken == "" || refreshCredential == "" {
		s.logger.Debug("session.set.partial: clearing instead")
		s.ClearTokens(ctx)
		return
	}

	s.set(ctx, accessToken, refreshCredential, "")
}

// setTokensIfCurrent installs a refreshed pair only while exchanged is still the
// accepted credential, so a logout or rotation that landed during the refresh wins.
func (s *SessionService) setTokensIfCurrent(ctx context.Context, exchanged, accessToken, refreshCredential string) bool {
	if accessToken == "" || refreshCredential == "" {
		return false
	}
	return s.set(ctx, accessToken, refreshCredential, exchanged)
}

func (s *SessionService) set(ctx context.Context, accessToken, refreshCredential, onlyIf string) bool {
	s.mu.Lock()
	if onlyIf != "" && s.state.RefreshCredential != onlyIf {
		s.mu.Unlock()
		return false
	}
	ts := s.nextTimestampLocked()
	s.applyTokensLocked(ctx, accessToken, refreshCredential, ts)
	s.mu.Unlock()
	s.drain()

	s.publish(ctx, BroadcastMessage{
		Kind: KindTokenUpdate,
		Payload: MessagePayload{
			AccessToken:       accessToken,
			RefreshCredential: refreshCredential,
			Timestamp:         ts,
		},
	}, MetricTokenUpdateSent)
	return true
}

// ClearTokens drops both tokens, deletes the persisted credential and broadcasts
// TOKEN_CLEAR.
func (s *SessionService) ClearTokens(ctx context.Context) {
	s.clear(ctx, "")
}

// clearIfCurrent clears like ClearTokens, but only while refreshCredential is still the
// accepted credential, and reports whether it did.
func (s *SessionService) clearIfCurrent(ctx context.Context, refreshCredential string) bool {
	return s.clear(ctx, refreshCredential)
}

func (s *SessionService) clear(ctx context.Context, onlyIf string) bool {
	s.mu.Lock()
	if onlyIf != "" && s.state.RefreshCredential != onlyIf {
		s.mu.Unlock()
		return false
	}
	ts := s.nextTimestampLocked()
	s.applyClearLocked(ctx, ts)
	s.mu.Unlock()
	s.drain()

	s.publish(ctx, BroadcastMessage{
		Kind:    KindTokenClear,
		Payload: MessagePayload{Timestamp: ts},
	}, MetricTokenClearSent)
	return true
}

// Subscribe registers fn for every accepted state change and delivers the current
// state to it first, in order with any change already queued. The returned function
// removes the listener; it is safe to call more than once.
func (s *SessionService) Subscribe(fn StateListener) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	entry := &listenerEntry{fn: fn}

	s.mu.Lock()
	s.notifyMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = entry
	s.pending = append(s.pending, delivery{state: s.state, targets: []*listenerEntry{entry}})
	s.notifyMu.Unlock()
	s.mu.Unlock()
	s.drain()

	return func() {
		entry.removed.Store(true)
		s.notifyMu.Lock()
		delete(s.listeners, id)
		s.notifyMu.Unlock()
	}
}

// Close stops handshake timers and closes the broadcast channel. Local state stays
// readable.
func (s *SessionService) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

/*
====================================
MESSAGE HANDLING
====================================
*/

// handleFrame is the single entry point for inbound frames. Malformed frames and
// listener panics are contained here.
func (s *SessionService) handleFrame(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("bus.handler.panic", "recovered", r)
		}
	}()

	msg, err := DecodeMessage(data)
	if err != nil {
		s.metrics.Inc(MetricMalformedMessage)
		s.malformedLog.Do(func() {
			s.logger.Warn("bus.message.malformed", "err", err)
		})
		return
	}
	s.handleMessage(msg)
}

func (s *SessionService) handleMessage(msg BroadcastMessage) {
	if msg.OriginID == s.originID {
		s.metrics.Inc(MetricSelfMessageDropped)
		return
	}

	switch msg.Kind {
	case KindStateRequest:
		// Unauthenticated tabs stay silent so they never clobber a sibling that is
		// still resolving its own state.
		st := s.State()
		if !st.IsAuthenticated {
			return
		}
		s.publish(context.Background(), BroadcastMessage{
			Kind: KindStateResponse,
			Payload: MessagePayload{
				AccessToken:       st.AccessToken,
				RefreshCredential: st.RefreshCredential,
				Timestamp:         st.LastUpdateTimestamp,
			},
		}, MetricStateResponseSent)

	case KindStateResponse, KindTokenUpdate:
		p := msg.Payload
		if p.AccessToken == "" || p.RefreshCredential == "" {
			s.metrics.Inc(MetricMalformedMessage)
			return
		}
		s.mu.Lock()
		if s.beyondSkewLocked(p.Timestamp, msg) {
			s.mu.Unlock()
			return
		}
		if p.Timestamp <= s.state.LastUpdateTimestamp {
			s.mu.Unlock()
			s.metrics.Inc(MetricStaleMessageDropped)
			return
		}
		s.applyTokensLocked(context.Background(), p.AccessToken, p.RefreshCredential, p.Timestamp)
		s.mu.Unlock()
		s.drain()
		s.metrics.Inc(MetricRemoteUpdateApplied)
		s.emitAudit(AuditEvent{
			EventType: AuditRemoteUpdate,
			PeerID:    msg.OriginID,
			Success:   true,
			Metadata:  map[string]string{"kind": string(msg.Kind)},
		})

	case KindTokenClear:
		s.mu.Lock()
		if s.beyondSkewLocked(msg.Payload.Timestamp, msg) {
			s.mu.Unlock()
			return
		}
		if msg.Payload.Timestamp <= s.state.LastUpdateTimestamp {
			s.mu.Unlock()
			s.metrics.Inc(MetricStaleMessageDropped)
			return
		}
		s.applyClearLocked(context.Background(), msg.Payload.Timestamp)
		s.mu.Unlock()
		s.drain()
		s.metrics.Inc(MetricRemoteClearApplied)
		s.emitAudit(AuditEvent{EventType: AuditRemoteClear, PeerID: msg.OriginID, Success: true})
	}
}

func (s *SessionService) requestState() {
	s.publish(context.Background(), BroadcastMessage{Kind: KindStateRequest}, MetricStateRequestSent)
}

func (s *SessionService) settleHandshake() {
	s.mu.Lock()
	s.settleLocked()
	s.mu.Unlock()
	s.drain()
}

func (s *SessionService) settleLocked() {
	if s.state.Phase != PhaseAwaitingState {
		return
	}
	s.state.Phase = PhaseUnauthenticated
	s.commitLocked()
}

/*
====================================
STATE TRANSITIONS (mu held)
====================================
*/

// nextTimestampLocked returns now, bumped past the current clock so that a local write
// always strictly advances it and siblings accept it.
// The bump saturates at math.MaxInt64 rather than wrapping negative.
func (s *SessionService) nextTimestampLocked() int64 {
	ts := unixMilli(s.clock)
	if last := s.state.LastUpdateTimestamp; ts <= last {
		if last == math.MaxInt64 {
			return last
		}
		ts = last + 1
	}
	return ts
}

// beyondSkewLocked reports, and counts as malformed, a sibling timestamp further past
// the local clock than MaxClockSkew.
func (s *SessionService) beyondSkewLocked(ts int64, msg BroadcastMessage) bool {
	now := unixMilli(s.clock)
	limit := now + s.cfg.MaxClockSkew.Milliseconds()
	if limit < now {
		limit = math.MaxInt64
	}
	if ts <= limit {
		return false
	}
	s.metrics.Inc(MetricMalformedMessage)
	s.malformedLog.Do(func() {
		s.logger.Warn("bus.message.future", "kind", msg.Kind, "peer", msg.OriginID, "ts", ts, "now", now)
	})
	return true
}

func (s *SessionService) applyTokensLocked(ctx context.Context, accessToken, refreshCredential string, ts int64) {
	if refreshCredential != s.state.RefreshCredential {
		s.persistLocked(ctx, refreshCredential)
	}
	s.state = AuthState{
		AccessToken:         accessToken,
		RefreshCredential:   refreshCredential,
		IsAuthenticated:     true,
		LastUpdateTimestamp: ts,
		Phase:               PhaseAuthenticated,
	}
	s.commitLocked()
}

func (s *SessionService) applyClearLocked(ctx context.Context, ts int64) {
	s.deletePersistedLocked(ctx)
	s.state = AuthState{
		LastUpdateTimestamp: ts,
		Phase:               PhaseUnauthenticated,
	}
	s.commitLocked()
}

// commitLocked publishes the snapshot and queues a delivery to the current listeners.
func (s *SessionService) commitLocked() {
	st := s.state
	s.snapshot.Store(&st)

	s.notifyMu.Lock()
	if len(s.listeners) > 0 {
		targets := make([]*listenerEntry, 0, len(s.listeners))
		for _, l := range s.listeners {
			targets = append(targets, l)
		}
		s.pending = append(s.pending, delivery{state: st, targets: targets})
	}
	s.notifyMu.Unlock()
}

// drain delivers queued changes in order. Whoever finds the queue idle delivers;
// concurrent and re-entrant callers only enqueue.
func (s *SessionService) drain() {
	s.notifyMu.Lock()
	if s.delivering {
		s.notifyMu.Unlock()
		return
	}
	s.delivering = true
	for len(s.pending) > 0 {
		d := s.pending[0]
		s.pending[0] = delivery{}
		s.pending = s.pending[1:]
		s.notifyMu.Unlock()
		for _, l := range d.targets {
			if !l.removed.Load() {
				s.callListener(l.fn, d.state)
			}
		}
		s.notifyMu.Lock()
	}
	s.delivering = false
	s.notifyMu.Unlock()
}

func (s *SessionService) callListener(fn StateListener, st AuthState) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session.listener.panic", "recovered", r)
		}
	}()
	fn(st)
}

/*
====================================
STORE & BUS I/O
====================================
*/

func (s *SessionService) loadCredentialLocked(ctx context.Context) (string, bool) {
	if s.store == nil {
		return "", false
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StoreTimeout)
	defer cancel()

	cred, ok, err := s.store.Get(ctx, s.cfg.StorageKey)
	if err != nil {
		s.metrics.Inc(MetricStoreFailure)
		s.logger.Warn("store.get.fail", "key", s.cfg.StorageKey, "err", err)
		return "", false
	}
	return cred, ok && cred != ""
}

func (s *SessionService) persistLocked(ctx context.Context, refreshCredential string) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StoreTimeout)
	defer cancel()

	if err := s.store.Set(ctx, s.cfg.StorageKey, refreshCredential); err != nil {
		s.metrics.Inc(MetricStoreFailure)
		s.logger.Warn("store.set.fail", "key", s.cfg.StorageKey, "err", err)
	}
}

func (s *SessionService) deletePersistedLocked(ctx context.Context) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StoreTimeout)
	defer cancel()

	if err := s.store.Delete(ctx, s.cfg.StorageKey); err != nil {
		s.metrics.Inc(MetricStoreFailure)
		s.logger.Warn("store.delete.fail", "key", s.cfg.StorageKey, "err", err)
	}
}

func (s *SessionService) publish(ctx context.Context, msg BroadcastMessage, metric MetricID) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	msg.OriginID = s.originID
	data, err := EncodeMessage(msg)
	if err != nil {
		s.logger.Error("bus.encode.fail", "kind", msg.Kind, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PublishTimeout)
	defer cancel()

	if err := conn.Publish(ctx, data); err != nil {
		s.metrics.Inc(MetricPublishFailure)
		if !errors.Is(err, context.Canceled) {
			s.logger.Warn("bus.publish.fail", "kind", msg.Kind, "err", err)
		}
		return
	}
	s.metrics.Inc(metric)
}

func (s *SessionService) emitAudit(event AuditEvent) {
	if s.audit == nil {
		return
	}
	event.Timestamp = s.clock()
	event.OriginID = s.originID
	s.audit.Emit(context.Background(), event)
}
