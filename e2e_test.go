package goAuthSync_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	goAuthSync "github.com/MrEthical07/goAuthSync"
	busmemory "github.com/MrEthical07/goAuthSync/bus/memory"
	"github.com/MrEthical07/goAuthSync/issuer"
	"github.com/MrEthical07/goAuthSync/jwt"
	"github.com/MrEthical07/goAuthSync/refresh"
	"github.com/MrEthical07/goAuthSync/store/redisstore"
)

type env struct {
	rdb    *redis.Client
	issuer *issuer.Issuer
	hub    *busmemory.Hub
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	tokens, err := jwt.NewManager(jwt.Config{
		AccessTTL:     5 * time.Minute,
		SigningMethod: jwt.MethodHS256,
		PrivateKey:    []byte("e2e-secret-0123456789abcdef012345"),
		Issuer:        "goauthsync-dev",
	})
	require.NoError(t, err)

	cfg := issuer.DefaultConfig()
	cfg.Throttle.MaxRefreshAttempts = 0
	iss, err := issuer.New(rdb, tokens, cfg, nil)
	require.NoError(t, err)

	return &env{rdb: rdb, issuer: iss, hub: busmemory.NewHub()}
}

func (e *env) tab(t *testing.T, store goAuthSync.KeyValueStore, exchanger goAuthSync.TokenExchanger) *goAuthSync.Tab {
	t.Helper()
	cfg := goAuthSync.DefaultConfig()
	cfg.Sync.HandshakeDelay = 0
	cfg.Sync.HandshakeTimeout = 20 * time.Millisecond
	cfg.Refresh.ScheduleEnabled = false
	cfg.Refresh.MinInterval = 0
	if exchanger == nil {
		exchanger = e.issuer.Exchanger()
	}

	tab, err := goAuthSync.New().
		WithConfig(cfg).
		WithBus(e.hub).
		WithStore(store).
		WithExchanger(exchanger).
		WithLogger(log.New(io.Discard)).
		Build()
	require.NoError(t, err)
	require.NoError(t, tab.Start(context.Background()))
	t.Cleanup(func() { _ = tab.Close() })
	return tab
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 2*time.Millisecond, msg)
}

func TestTabsShareOneSessionThroughIssuer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tabs := []*goAuthSync.Tab{e.tab(t, nil, nil), e.tab(t, nil, nil), e.tab(t, nil, nil)}

	pair, err := e.issuer.Login(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, tabs[0].Login(ctx, pair.AccessToken, pair.RefreshCredential))
	for _, tab := range tabs {
		assert.Equal(t, pair.RefreshCredential, tab.State().RefreshCredential)
	}

	require.True(t, tabs[1].Refresh(ctx, goAuthSync.RefreshOptions{Source: "api_401", Force: true}))
	rotated := tabs[1].State().RefreshCredential
	require.NotEqual(t, pair.RefreshCredential, rotated)
	for _, tab := range tabs {
		assert.Equal(t, rotated, tab.State().RefreshCredential)
		assert.True(t, tab.State().IsAuthenticated)
	}

	_, err = e.issuer.Refresh(ctx, pair.RefreshCredential)
	assert.ErrorIs(t, err, issuer.ErrInvalidCredential, "old credential must be retired")

	require.NoError(t, e.issuer.Logout(ctx, rotated))
	require.NoError(t, tabs[2].Logout(ctx))
	for _, tab := range tabs {
		assert.False(t, tab.State().IsAuthenticated)
		assert.Equal(t, goAuthSync.PhaseUnauthenticated, tab.State().Phase)
	}
}

func TestRevokedFamilyLogsEveryTabOut(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a, b := e.tab(t, nil, nil), e.tab(t, nil, nil)

	pair, err := e.issuer.Login(ctx, "bob")
	require.NoError(t, err)
	require.NoError(t, a.Login(ctx, pair.AccessToken, pair.RefreshCredential))
	require.NoError(t, e.issuer.Logout(ctx, pair.RefreshCredential))

	assert.False(t, b.Refresh(ctx, goAuthSync.RefreshOptions{Source: "api_401", Force: true}))
	assert.False(t, a.State().IsAuthenticated)
	assert.False(t, b.State().IsAuthenticated)
}

func TestLosingCrossTabRefreshKeepsWinnersSession(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	slow := goAuthSync.ExchangerFunc(func(ctx context.Context, credential string) (goAuthSync.TokenPair, error) {
		close(entered)
		<-release
		return e.issuer.Exchanger().Exchange(ctx, credential)
	})
	loser := e.tab(t, nil, slow)
	winner := e.tab(t, nil, nil)

	pair, err := e.issuer.Login(ctx, "carol")
	require.NoError(t, err)
	require.NoError(t, winner.Login(ctx, pair.AccessToken, pair.RefreshCredential))

	var wg sync.WaitGroup
	var loserOK bool
	wg.Add(1)
	go func() {
		defer wg.Done()
		loserOK = loser.Refresh(ctx, goAuthSync.RefreshOptions{Source: "timer", Force: true})
	}()
	<-entered

	require.True(t, winner.Refresh(ctx, goAuthSync.RefreshOptions{Source: "timer", Force: true}))
	rotated := winner.State().RefreshCredential
	close(release)
	wg.Wait()

	// The issuer rejects the loser's retired credential, but a sibling already moved
	// the session on, so nobody is logged out.
	assert.False(t, loserOK)
	for _, tab := range []*goAuthSync.Tab{winner, loser} {
		st := tab.State()
		assert.True(t, st.IsAuthenticated)
		assert.Equal(t, rotated, st.RefreshCredential)
	}
}

func TestReloadedTabResumesFromPersistedCredential(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	store := redisstore.New(e.rdb, "", time.Hour)

	pair, err := e.issuer.Login(ctx, "dave")
	require.NoError(t, err)
	first := e.tab(t, store, nil)
	require.NoError(t, first.Login(ctx, pair.AccessToken, pair.RefreshCredential))
	require.NoError(t, first.Close())

	persisted, ok, err := store.Get(ctx, goAuthSync.DefaultStorageKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, pair.RefreshCredential, persisted)

	reloaded := e.tab(t, store, nil)
	eventually(t, func() bool { return reloaded.State().IsAuthenticated }, "startup refresh did not run")
	assert.NotEqual(t, pair.RefreshCredential, reloaded.State().RefreshCredential)

	persisted, _, err = store.Get(ctx, goAuthSync.DefaultStorageKey)
	require.NoError(t, err)
	assert.Equal(t, reloaded.State().RefreshCredential, persisted)
}

func TestRefreshAndProtectedCallOverHTTP(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	srv := httptest.NewServer(e.issuer.Routes())
	t.Cleanup(srv.Close)

	client, err := refresh.NewClient(srv.URL + "/auth/refresh")
	require.NoError(t, err)
	tab := e.tab(t, nil, client)

	pair, err := e.issuer.Login(ctx, "erin")
	require.NoError(t, err)
	require.NoError(t, tab.Login(ctx, pair.AccessToken, pair.RefreshCredential))
	require.True(t, tab.Refresh(ctx, goAuthSync.RefreshOptions{Source: "api_401", Force: true}))

	resp, err := tab.HTTPClient(nil).Get(srv.URL + "/api/me")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = client.Exchange(ctx, pair.RefreshCredential)
	assert.True(t, errors.Is(err, goAuthSync.ErrRefreshRejected), "retired credential must be rejected, got %v", err)
}
