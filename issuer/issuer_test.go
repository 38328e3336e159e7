package issuer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	goAuthSync "github.com/MrEthical07/goAuthSync"
	"github.com/MrEthical07/goAuthSync/internal/rate"
	"github.com/MrEthical07/goAuthSync/jwt"
	"github.com/MrEthical07/goAuthSync/refresh"
)

func newIssuerTest(t *testing.T, mutate func(*Config)) (*Issuer, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	tokens, err := jwt.NewManager(jwt.Config{
		AccessTTL:     5 * time.Minute,
		SigningMethod: jwt.MethodHS256,
		PrivateKey:    []byte("issuer-test-secret-0123456789abcdef"),
		Issuer:        "goauthsync-dev",
	})
	if err != nil {
		t.Fatalf("token manager: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Throttle = rate.Config{}
	if mutate != nil {
		mutate(&cfg)
	}
	iss, err := New(rdb, tokens, cfg, nil)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	return iss, mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestLoginRefreshRotates(t *testing.T) {
	iss, _, done := newIssuerTest(t, nil)
	defer done()
	ctx := context.Background()

	first, err := iss.Login(ctx, "alice")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	second, err := iss.Refresh(ctx, first.RefreshCredential)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if second.RefreshCredential == first.RefreshCredential {
		t.Fatal("expected a rotated credential")
	}
	claims, err := iss.tokens.ParseAccess(second.AccessToken)
	if err != nil {
		t.Fatalf("parse access: %v", err)
	}
	if claims.Subject != "alice" {
		t.Fatalf("expected subject alice, got %q", claims.Subject)
	}

	if _, err := iss.Refresh(ctx, first.RefreshCredential); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected rotated-out credential to be invalid, got %v", err)
	}
	if _, err := iss.Refresh(ctx, second.RefreshCredential); err != nil {
		t.Fatalf("expected current credential to still work: %v", err)
	}
}

func TestRefreshConcurrencySingleWinner(t *testing.T) {
	iss, _, done := newIssuerTest(t, nil)
	defer done()

	pair, err := iss.Login(context.Background(), "alice")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	const n = 16
	var wg sync.WaitGroup
	wg.Add(n)

	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := iss.Refresh(context.Background(), pair.RefreshCredential)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	success := 0
	fail := 0
	for err := range results {
		if err == nil {
			success++
			continue
		}
		if errors.Is(err, ErrInvalidCredential) {
			fail++
			continue
		}
		t.Fatalf("unexpected refresh error: %v", err)
	}

	if success != 1 {
		t.Fatalf("expected exactly one refresh success, got %d", success)
	}
	if fail != n-1 {
		t.Fatalf("expected %d refresh failures, got %d", n-1, fail)
	}
}

func TestReuseDetectionRevokesFamily(t *testing.T) {
	iss, _, done := newIssuerTest(t, func(c *Config) { c.ReuseDetection = true })
	defer done()
	ctx := context.Background()

	first, _ := iss.Login(ctx, "alice")
	second, err := iss.Refresh(ctx, first.RefreshCredential)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if _, err := iss.Refresh(ctx, first.RefreshCredential); !errors.Is(err, ErrCredentialReused) {
		t.Fatalf("expected reuse detection, got %v", err)
	}
	if _, err := iss.Refresh(ctx, second.RefreshCredential); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected family to be revoked, got %v", err)
	}
}

func TestLogoutRevokesFamily(t *testing.T) {
	iss, _, done := newIssuerTest(t, nil)
	defer done()
	ctx := context.Background()

	pair, _ := iss.Login(ctx, "alice")
	if err := iss.Logout(ctx, pair.RefreshCredential); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if err := iss.Logout(ctx, pair.RefreshCredential); err != nil {
		t.Fatalf("second logout: %v", err)
	}
	if err := iss.Logout(ctx, "garbage"); err != nil {
		t.Fatalf("garbage logout: %v", err)
	}
	if _, err := iss.Refresh(ctx, pair.RefreshCredential); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected revoked family, got %v", err)
	}
}

func TestFamilyExpires(t *testing.T) {
	iss, mr, done := newIssuerTest(t, func(c *Config) { c.FamilyTTL = time.Minute })
	defer done()
	ctx := context.Background()

	pair, _ := iss.Login(ctx, "alice")
	mr.FastForward(2 * time.Minute)
	if _, err := iss.Refresh(ctx, pair.RefreshCredential); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected expired family, got %v", err)
	}
}

func TestRefreshThrottle(t *testing.T) {
	iss, _, done := newIssuerTest(t, func(c *Config) {
		c.Throttle = rate.Config{MaxRefreshAttempts: 1, RefreshWindow: time.Minute}
	})
	defer done()
	ctx := context.Background()

	pair, _ := iss.Login(ctx, "alice")
	next, err := iss.Refresh(ctx, pair.RefreshCredential)
	if err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if _, err := iss.Refresh(ctx, next.RefreshCredential); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestExchangerClassifiesErrors(t *testing.T) {
	iss, mr, done := newIssuerTest(t, nil)
	defer done()
	ctx := context.Background()
	ex := iss.Exchanger()

	if _, err := ex.Exchange(ctx, "not-a-credential"); !errors.Is(err, goAuthSync.ErrRefreshRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}

	pair, _ := iss.Login(ctx, "alice")
	mr.Close()
	if _, err := ex.Exchange(ctx, pair.RefreshCredential); !errors.Is(err, goAuthSync.ErrRefreshTransient) {
		t.Fatalf("expected transient error with redis down, got %v", err)
	}
}

func TestHTTPRoundTripThroughRefreshClient(t *testing.T) {
	iss, _, done := newIssuerTest(t, nil)
	defer done()

	srv := httptest.NewServer(iss.Routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/auth/login", "application/json", strings.NewReader(`{"subject":"alice"}`))
	if err != nil {
		t.Fatalf("login request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status %d", resp.StatusCode)
	}

	pair, err := iss.Login(context.Background(), "bob")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	client, err := refresh.NewClient(srv.URL + "/auth/refresh")
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	next, err := client.Exchange(context.Background(), pair.RefreshCredential)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if _, err := client.Exchange(context.Background(), pair.RefreshCredential); !errors.Is(err, goAuthSync.ErrRefreshRejected) {
		t.Fatalf("expected rotated credential to be rejected over HTTP, got %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/me", nil)
	req.Header.Set("Authorization", "Bearer "+next.AccessToken)
	me, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("me request: %v", err)
	}
	me.Body.Close()
	if me.StatusCode != http.StatusOK {
		t.Fatalf("expected /api/me to accept the refreshed token, got %d", me.StatusCode)
	}

	bad, err := http.Post(srv.URL+"/auth/login", "application/json", strings.NewReader(`{"subject":""}`))
	if err != nil {
		t.Fatalf("bad login request: %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty subject, got %d", bad.StatusCode)
	}
}
