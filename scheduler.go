package goAuthSync

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	refreshSourceInit  = "init"
	refreshSourceTimer = "timer"
)

// scheduler drives background refreshes for one tab. The first check runs once the
// startup handshake window has passed, so a sibling's STATE_RESPONSE is preferred over
// a network call; later checks run every ScheduleInterval when enabled.
type scheduler struct {
	cfg         RefreshConfig
	firstDelay  time.Duration
	session     *SessionService
	coordinator *RefreshCoordinator
	clock       Clock

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newScheduler(cfg RefreshConfig, firstDelay time.Duration, session *SessionService, coordinator *RefreshCoordinator, clock Clock) *scheduler {
	return &scheduler{
		cfg:         cfg,
		firstDelay:  firstDelay,
		session:     session,
		coordinator: coordinator,
		clock:       clock,
	}
}

func (s *scheduler) start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.wg.Add(1)
	go s.run(ctx)
}

func (s *scheduler) stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	first := time.NewTimer(s.firstDelay)
	defer first.Stop()
	select {
	case <-ctx.Done():
		return
	case <-first.C:
	}
	s.check(ctx, refreshSourceInit)

	if !s.cfg.ScheduleEnabled {
		return
	}
	ticker := time.NewTicker(s.cfg.ScheduleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.check(ctx, refreshSourceTimer)
		}
	}
}

func (s *scheduler) check(ctx context.Context, source string) {
	st := s.session.State()
	if !needsRefresh(st, s.clock(), s.cfg.ExpiryLeeway) {
		return
	}
	s.coordinator.Refresh(ctx, RefreshOptions{Source: source})
}

// needsRefresh reports whether st holds a refresh credential and lacks an access token
// that stays valid for at least leeway.
func needsRefresh(st AuthState, now time.Time, leeway time.Duration) bool {
	if st.RefreshCredential == "" {
		return false
	}
	if st.AccessToken == "" {
		return true
	}
	exp, ok := accessTokenExpiry(st.AccessToken)
	if !ok {
		return false
	}
	return !now.Add(leeway).Before(exp)
}

// accessTokenExpiry reads the exp claim without verifying the signature. The tab only
// uses it to time refreshes; the server remains the authority on validity. Tokens that
// are not JWTs or carry no exp report ok=false.
func accessTokenExpiry(token string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
