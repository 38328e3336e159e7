package goAuthSync

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedAccessToken(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{Subject: "alice"}
	if !exp.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(exp)
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("scheduler-test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func TestNeedsRefresh(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	leeway := time.Minute

	tests := []struct {
		name  string
		state AuthState
		want  bool
	}{
		{"no credential", AuthState{AccessToken: signedAccessToken(t, now.Add(-time.Hour))}, false},
		{"credential without access token", AuthState{RefreshCredential: "rt"}, true},
		{"fresh token", AuthState{AccessToken: signedAccessToken(t, now.Add(time.Hour)), RefreshCredential: "rt"}, false},
		{"inside leeway", AuthState{AccessToken: signedAccessToken(t, now.Add(30*time.Second)), RefreshCredential: "rt"}, true},
		{"expired", AuthState{AccessToken: signedAccessToken(t, now.Add(-time.Second)), RefreshCredential: "rt"}, true},
		{"exactly at leeway", AuthState{AccessToken: signedAccessToken(t, now.Add(leeway)), RefreshCredential: "rt"}, true},
		{"no exp claim", AuthState{AccessToken: signedAccessToken(t, time.Time{}), RefreshCredential: "rt"}, false},
		{"opaque access token", AuthState{AccessToken: "opaque", RefreshCredential: "rt"}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := needsRefresh(tc.state, now, leeway); got != tc.want {
				t.Fatalf("needsRefresh = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestAccessTokenExpiryIgnoresSignature(t *testing.T) {
	exp := time.Unix(1_800_000_000, 0)
	got, ok := accessTokenExpiry(signedAccessToken(t, exp))
	if !ok || !got.Equal(exp) {
		t.Fatalf("expected %v, got %v ok=%v", exp, got, ok)
	}
	if _, ok := accessTokenExpiry("a.b.c"); ok {
		t.Fatal("expected garbage to report no expiry")
	}
}

func TestStartupRefreshesHydratedCredentialAfterHandshake(t *testing.T) {
	store := newRecordingStore()
	store.data[DefaultStorageKey] = "rt-persisted"
	ex := &fakeExchanger{entered: make(chan string, 1)}

	tab := newTestTab(t, tabOptions{
		bus:       newTestHub(),
		store:     store,
		exchanger: ex,
		configure: func(c *Config) { c.Sync.HandshakeTimeout = 10 * time.Millisecond },
	})

	select {
	case got := <-ex.entered:
		if got != "rt-persisted" {
			t.Fatalf("expected persisted credential to be exchanged, got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("startup refresh never ran")
	}
	waitFor(t, "refreshed state", func() bool { return tab.State().IsAuthenticated })

	if st := tab.State(); !st.IsAuthenticated || st.AccessToken != "at-next" {
		t.Fatalf("expected authenticated state, got %+v", st)
	}
}

func TestStartupSkipsRefreshWhenSiblingAnswers(t *testing.T) {
	hub := newTestHub()
	sibling := newTestTab(t, tabOptions{bus: hub, clock: newFakeClock(1_000)})
	if err := sibling.Login(context.Background(), signedAccessToken(t, time.Now().Add(time.Hour)), "rt-sibling"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	ex := &fakeExchanger{}
	tab := newTestTab(t, tabOptions{
		bus:       hub,
		exchanger: ex,
		configure: func(c *Config) { c.Sync.HandshakeTimeout = 10 * time.Millisecond },
	})
	waitFor(t, "adopted state", func() bool { return tab.State().IsAuthenticated })

	time.Sleep(50 * time.Millisecond)
	if n := ex.calls.Load(); n != 0 {
		t.Fatalf("expected no network refresh, got %d", n)
	}
}

func TestSchedulerTicksRefreshExpiringToken(t *testing.T) {
	ex := rotatingExchanger()
	tab := newTestTab(t, tabOptions{
		bus:       UnsupportedBus{},
		exchanger: ex,
		configure: func(c *Config) {
			c.Refresh.ScheduleEnabled = true
			c.Refresh.ScheduleInterval = 5 * time.Millisecond
			c.Refresh.MinInterval = 0
			c.Sync.HandshakeTimeout = time.Millisecond
		},
	})
	if err := tab.Login(context.Background(), signedAccessToken(t, time.Now().Add(10*time.Second)), "rt0"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	// The rotated tokens are opaque and carry no exp, so exactly one refresh runs.
	waitFor(t, "timer refresh", func() bool { return tab.State().RefreshCredential == "rt-1" })
	time.Sleep(30 * time.Millisecond)
	if n := ex.calls.Load(); n != 1 {
		t.Fatalf("expected one refresh, got %d", n)
	}
}
