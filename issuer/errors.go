package issuer

import (
	"errors"

	"github.com/MrEthical07/goAuthSync/internal/rate"
)

var (
	// ErrInvalidCredential covers unknown, malformed, expired and rotated-out credentials.
	ErrInvalidCredential = errors.New("invalid refresh credential")
	// ErrCredentialReused means a retired credential was presented and its family revoked.
	ErrCredentialReused = errors.New("refresh credential reused")
	// ErrRateLimited means the subject or family exceeded its window budget.
	ErrRateLimited = rate.ErrRateLimited
	// ErrUnavailable wraps Redis failures.
	ErrUnavailable = errors.New("issuer store unavailable")
	// ErrSubjectRequired is returned by Login with an empty subject.
	ErrSubjectRequired = errors.New("subject required")
)
