package flows

import (
	"context"
	"errors"
)

// RefreshFailureKind classifies the outcome of one refresh flight.
type RefreshFailureKind int

const (
	RefreshFailureNone RefreshFailureKind = iota
	RefreshFailureTransport
	RefreshFailureMalformed
	RefreshFailureRejected
	RefreshFailureStaleRejection
)

func (k RefreshFailureKind) String() string {
	switch k {
	case RefreshFailureNone:
		return "ok"
	case RefreshFailureTransport:
		return "transport"
	case RefreshFailureMalformed:
		return "malformed"
	case RefreshFailureRejected:
		return "rejected"
	case RefreshFailureStaleRejection:
		return "stale_rejection"
	default:
		return "unknown"
	}
}

// RefreshResult carries the outcome of RunRefresh.
type RefreshResult struct {
	Failure           RefreshFailureKind
	Err               error
	AccessToken       string
	RefreshCredential string
}

// RefreshDeps captures refresh flow dependencies.
type RefreshDeps struct {
	Exchange    func(ctx context.Context, credential string) (accessToken, refreshCredential string, err error)
	IsRejection func(error) bool
	IsMalformed func(error) bool
	Apply       func(accessToken, refreshCredential string)
	// ClearIfCurrent ends the session when credential is still the current one and
	// reports whether it was.
	ClearIfCurrent func(credential string) bool
}

var errEmptyPair = errors.New("refresh response missing token")

// RunRefresh performs one exchange and applies its outcome.
//
// Success applies the new pair. A rejection clears the session only while credential
// is still the tab's current one: if a sibling has rotated it in the meantime the
// rejection refers to a superseded credential and state is left alone. Every other
// failure leaves state untouched.
func RunRefresh(ctx context.Context, credential string, deps RefreshDeps) RefreshResult {
	access, refresh, err := deps.Exchange(ctx, credential)
	if err != nil {
		switch {
		case deps.IsRejection != nil && deps.IsRejection(err):
			if !deps.ClearIfCurrent(credential) {
				return RefreshResult{Failure: RefreshFailureStaleRejection, Err: err}
			}
			return RefreshResult{Failure: RefreshFailureRejected, Err: err}
		case deps.IsMalformed != nil && deps.IsMalformed(err):
			return RefreshResult{Failure: RefreshFailureMalformed, Err: err}
		default:
			return RefreshResult{Failure: RefreshFailureTransport, Err: err}
		}
	}

	if access == "" || refresh == "" {
		return RefreshResult{Failure: RefreshFailureMalformed, Err: errEmptyPair}
	}

	deps.Apply(access, refresh)
	return RefreshResult{
		Failure:           RefreshFailureNone,
		AccessToken:       access,
		RefreshCredential: refresh,
	}
}
