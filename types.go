package goAuthSync

import (
	"context"
	"time"
)

// Phase is the per-tab authentication state machine position.
//
// A tab starts Uninitialized, moves to AwaitingState once [SessionService.Initialize]
// runs, and then oscillates between Authenticated and Unauthenticated for the rest of
// its lifetime. There is no terminal phase.
type Phase uint8

const (
	// PhaseUninitialized is the phase before Initialize.
	PhaseUninitialized Phase = iota
	// PhaseAwaitingState means the tab asked its siblings for state and has not yet
	// accepted any update nor given up waiting.
	PhaseAwaitingState
	// PhaseAuthenticated means both tokens are present.
	PhaseAuthenticated
	// PhaseUnauthenticated means the tab holds no usable session.
	PhaseUnauthenticated
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseAwaitingState:
		return "awaiting_state"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseUnauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// AuthState is a point-in-time snapshot of a tab's authentication state.
//
// Empty strings stand for absent tokens. AccessToken is memory-only and never reaches
// a [KeyValueStore]; RefreshCredential is the only persisted field.
type AuthState struct {
	AccessToken         string
	RefreshCredential   string
	IsAuthenticated     bool
	LastUpdateTimestamp int64 // ms since epoch, last-write-wins clock
	Phase               Phase
}

// StateListener receives every accepted state change of a tab.
//
// Listeners are called in change order. A listener may call State and may call
// mutating methods; re-entrant changes are queued behind the current delivery.
type StateListener func(AuthState)

// TokenPair is the result of a successful refresh exchange.
type TokenPair struct {
	AccessToken       string `json:"accessToken"`
	RefreshCredential string `json:"refreshCredential"`
}

// TokenExchanger performs the network refresh call. Implementations classify failures
// by wrapping [ErrRefreshRejected] for authentication rejections; every other error is
// treated as transient.
type TokenExchanger interface {
	Exchange(ctx context.Context, refreshCredential string) (TokenPair, error)
}

// ExchangerFunc adapts an ordinary function to [TokenExchanger].
type ExchangerFunc func(ctx context.Context, refreshCredential string) (TokenPair, error)

// Exchange calls f.
func (f ExchangerFunc) Exchange(ctx context.Context, refreshCredential string) (TokenPair, error) {
	return f(ctx, refreshCredential)
}

// RefreshOptions configures one [RefreshCoordinator.Refresh] call.
type RefreshOptions struct {
	// Source tags the caller for logs, audit and listeners ("init", "timer", "api_401").
	Source string
	// Force bypasses the minimum refresh interval. It never bypasses single-flight.
	Force bool
}

// RefreshEvent is delivered to coordinator listeners when a refresh flight settles.
type RefreshEvent struct {
	Source   string
	Success  bool
	Rejected bool
	Duration time.Duration
	At       time.Time
}

// RefreshListener observes settled refresh flights.
type RefreshListener func(RefreshEvent)

// Clock returns the current time. Tests inject a fake one through [Builder.WithClock].
type Clock func() time.Time

func unixMilli(c Clock) int64 {
	return c().UnixMilli()
}
