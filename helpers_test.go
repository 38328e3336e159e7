package goAuthSync

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(ms int64) *fakeClock {
	return &fakeClock{now: time.UnixMilli(ms)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) SetMilli(ms int64) {
	c.mu.Lock()
	c.now = time.UnixMilli(ms)
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// testHub is a synchronous in-package bus that also records every frame sent.
type testHub struct {
	mu    sync.Mutex
	conns map[string][]*testConn
	sent  []BroadcastMessage
}

type testConn struct {
	hub     *testHub
	channel string
	deliver func([]byte)
	closed  atomic.Bool
}

func newTestHub() *testHub {
	return &testHub{conns: make(map[string][]*testConn)}
}

func (h *testHub) Open(_ context.Context, channel string, deliver func([]byte)) (BusConn, error) {
	c := &testConn{hub: h, channel: channel, deliver: deliver}
	h.mu.Lock()
	h.conns[channel] = append(h.conns[channel], c)
	h.mu.Unlock()
	return c, nil
}

func (h *testHub) Sent() []BroadcastMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]BroadcastMessage(nil), h.sent...)
}

func (h *testHub) SentKind(kind MessageKind) []BroadcastMessage {
	var out []BroadcastMessage
	for _, m := range h.Sent() {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

func (c *testConn) Publish(_ context.Context, data []byte) error {
	if c.closed.Load() {
		return errors.New("closed")
	}
	msg, err := DecodeMessage(data)
	if err != nil {
		return err
	}
	c.hub.mu.Lock()
	c.hub.sent = append(c.hub.sent, msg)
	peers := append([]*testConn(nil), c.hub.conns[c.channel]...)
	c.hub.mu.Unlock()

	for _, p := range peers {
		if p == c || p.closed.Load() {
			continue
		}
		p.deliver(append([]byte(nil), data...))
	}
	return nil
}

func (c *testConn) Close() error {
	c.closed.Store(true)
	return nil
}

// recordingStore is a map store that remembers every value ever written.
type recordingStore struct {
	mu      sync.Mutex
	data    map[string]string
	written []string
	failGet error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{data: make(map[string]string)}
}

func (s *recordingStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet != nil {
		return "", false, s.failGet
	}
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *recordingStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	s.written = append(s.written, value)
	return nil
}

func (s *recordingStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *recordingStore) Value(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *recordingStore) Written() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.written...)
}

// fakeExchanger counts calls and, when gate is set, blocks each call until it is closed.
type fakeExchanger struct {
	calls    atomic.Int64
	gate     chan struct{}
	entered  chan string
	exchange func(ctx context.Context, credential string) (TokenPair, error)
}

func (e *fakeExchanger) Exchange(ctx context.Context, credential string) (TokenPair, error) {
	e.calls.Add(1)
	if e.entered != nil {
		e.entered <- credential
	}
	if e.gate != nil {
		select {
		case <-e.gate:
		case <-ctx.Done():
			return TokenPair{}, ctx.Err()
		}
	}
	if e.exchange == nil {
		return TokenPair{AccessToken: "at-next", RefreshCredential: "rt-next"}, nil
	}
	return e.exchange(ctx, credential)
}

func rotatingExchanger() *fakeExchanger {
	var n atomic.Int64
	return &fakeExchanger{exchange: func(context.Context, string) (TokenPair, error) {
		i := n.Add(1)
		return TokenPair{
			AccessToken:       "at-" + itoa(i),
			RefreshCredential: "rt-" + itoa(i),
		}, nil
	}}
}

func itoa(i int64) string {
	return strconv.FormatInt(i, 10)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Sync.HandshakeDelay = 0
	cfg.Sync.HandshakeTimeout = 20 * time.Millisecond
	cfg.Refresh.ScheduleEnabled = false
	return cfg
}

type tabOptions struct {
	bus       MessageBus
	store     KeyValueStore
	exchanger TokenExchanger
	clock     *fakeClock
	audit     AuditSink
	configure func(*Config)
}

func newTestTab(t *testing.T, opts tabOptions) *Tab {
	t.Helper()

	cfg := testConfig()
	if opts.configure != nil {
		opts.configure(&cfg)
	}
	if opts.exchanger == nil {
		opts.exchanger = &fakeExchanger{}
	}

	b := New().
		WithConfig(cfg).
		WithBus(opts.bus).
		WithStore(opts.store).
		WithExchanger(opts.exchanger).
		WithLogger(log.New(io.Discard)).
		WithAuditSink(opts.audit)
	if opts.clock != nil {
		b.WithClock(opts.clock.Now)
	}

	tab, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if err := tab.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = tab.Close() })
	return tab
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func frame(t *testing.T, msg BroadcastMessage) []byte {
	t.Helper()
	data, err := EncodeMessage(msg)
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}
	return data
}
