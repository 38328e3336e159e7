package issuer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	goAuthSync "github.com/MrEthical07/goAuthSync"
	"github.com/MrEthical07/goAuthSync/internal"
	"github.com/MrEthical07/goAuthSync/internal/rate"
	"github.com/MrEthical07/goAuthSync/jwt"
)

// Config tunes an Issuer.
type Config struct {
	// Prefix namespaces every Redis key.
	Prefix string
	// FamilyTTL is how long a family lives after its last rotation.
	FamilyTTL time.Duration
	// ReuseDetection revokes a family when a retired credential is presented. Tabs that
	// race a refresh on the same credential trip it, so it is off by default.
	ReuseDetection bool
	// Throttle bounds logins per subject and refreshes per family.
	Throttle rate.Config
}

// DefaultConfig returns development defaults.
func DefaultConfig() Config {
	return Config{
		Prefix:    "gas:iss",
		FamilyTTL: 24 * time.Hour,
		Throttle: rate.Config{
			MaxLoginAttempts:   20,
			LoginWindow:        time.Minute,
			MaxRefreshAttempts: 30,
			RefreshWindow:      time.Minute,
		},
	}
}

// Issuer mints access tokens and rotating opaque refresh credentials. It exists so the
// CLI and end-to-end tests have a real server to refresh against.
type Issuer struct {
	cfg      Config
	families *FamilyStore
	tokens   *jwt.Manager
	limiter  *rate.Limiter
	logger   *log.Logger
}

// New returns an Issuer storing families in client and signing with tokens.
func New(client redis.UniversalClient, tokens *jwt.Manager, cfg Config, logger *log.Logger) (*Issuer, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	if tokens == nil {
		return nil, errors.New("token manager required")
	}
	if cfg.FamilyTTL <= 0 {
		return nil, errors.New("FamilyTTL must be > 0")
	}
	if strings.TrimSpace(cfg.Prefix) == "" {
		cfg.Prefix = DefaultConfig().Prefix
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Issuer{
		cfg:      cfg,
		families: NewFamilyStore(client, cfg.Prefix, cfg.FamilyTTL),
		tokens:   tokens,
		limiter:  rate.New(client, cfg.Prefix, cfg.Throttle),
		logger:   logger.WithPrefix("issuer"),
	}, nil
}

// Families exposes the family store.
func (i *Issuer) Families() *FamilyStore {
	return i.families
}

// Login starts a new family for subject.
func (i *Issuer) Login(ctx context.Context, subject string) (goAuthSync.TokenPair, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return goAuthSync.TokenPair{}, ErrSubjectRequired
	}
	if err := i.limiter.CheckLogin(ctx, subject); err != nil {
		return goAuthSync.TokenPair{}, mapRateErr(err)
	}

	fid, err := internal.NewFamilyID()
	if err != nil {
		return goAuthSync.TokenPair{}, err
	}
	secret, err := internal.NewSecret()
	if err != nil {
		return goAuthSync.TokenPair{}, err
	}
	if err := i.families.Create(ctx, fid.String(), subject, internal.HashSecret(secret)); err != nil {
		return goAuthSync.TokenPair{}, err
	}

	access, err := i.tokens.CreateAccess(subject, fid.String())
	if err != nil {
		return goAuthSync.TokenPair{}, err
	}
	i.logger.Info("login", "subject", subject, "family", fid.String())
	return goAuthSync.TokenPair{
		AccessToken:       access,
		RefreshCredential: internal.EncodeCredential(fid, secret),
	}, nil
}

// Refresh rotates credential. Every credential is accepted at most once.
func (i *Issuer) Refresh(ctx context.Context, credential string) (goAuthSync.TokenPair, error) {
	fid, secret, err := internal.DecodeCredential(credential)
	if err != nil {
		return goAuthSync.TokenPair{}, ErrInvalidCredential
	}
	family := fid.String()

	if err := i.limiter.CheckRefresh(ctx, family); err != nil {
		return goAuthSync.TokenPair{}, mapRateErr(err)
	}

	next, err := internal.NewSecret()
	if err != nil {
		return goAuthSync.TokenPair{}, err
	}
	subject, err := i.families.Rotate(ctx, family, internal.HashSecret(secret), internal.HashSecret(next), i.cfg.ReuseDetection)
	if err != nil {
		if errors.Is(err, ErrCredentialReused) {
			i.logger.Warn("refresh.reuse: family revoked", "family", family)
		}
		return goAuthSync.TokenPair{}, err
	}

	access, err := i.tokens.CreateAccess(subject, family)
	if err != nil {
		return goAuthSync.TokenPair{}, err
	}
	i.logger.Debug("refresh", "subject", subject, "family", family)
	return goAuthSync.TokenPair{
		AccessToken:       access,
		RefreshCredential: internal.EncodeCredential(fid, next),
	}, nil
}

// Logout revokes the family of credential. Unknown credentials are not an error.
func (i *Issuer) Logout(ctx context.Context, credential string) error {
	fid, secret, err := internal.DecodeCredential(credential)
	if err != nil {
		return nil
	}
	revoked, err := i.families.Revoke(ctx, fid.String(), internal.HashSecret(secret))
	if err != nil {
		return err
	}
	if revoked {
		i.logger.Info("logout", "family", fid.String())
	}
	return nil
}

// Exchanger adapts the issuer to [goAuthSync.TokenExchanger] without HTTP.
func (i *Issuer) Exchanger() goAuthSync.TokenExchanger {
	return exchanger{issuer: i}
}

type exchanger struct {
	issuer *Issuer
}

func (e exchanger) Exchange(ctx context.Context, credential string) (goAuthSync.TokenPair, error) {
	pair, err := e.issuer.Refresh(ctx, credential)
	if err == nil {
		return pair, nil
	}
	switch {
	case errors.Is(err, ErrInvalidCredential), errors.Is(err, ErrCredentialReused):
		return goAuthSync.TokenPair{}, fmt.Errorf("%w: %v", goAuthSync.ErrRefreshRejected, err)
	default:
		return goAuthSync.TokenPair{}, fmt.Errorf("%w: %v", goAuthSync.ErrRefreshTransient, err)
	}
}

func mapRateErr(err error) error {
	if errors.Is(err, rate.ErrRateLimited) {
		return ErrRateLimited
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
