package cmd

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/charmbracelet/log"
	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/MrEthical07/goAuthSync/issuer"
	"github.com/MrEthical07/goAuthSync/jwt"
)

// openRedis connects to addr, falling back to GOAUTHSYNC_REDIS_ADDR and then to an
// embedded miniredis.
func openRedis(addr string, logger *log.Logger) (redis.UniversalClient, func(), error) {
	if addr == "" {
		addr = os.Getenv("GOAUTHSYNC_REDIS_ADDR")
	}

	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to start miniredis: %w", err)
		}
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{mr.Addr()},
		})
		logger.Info("redis.embedded", "addr", mr.Addr())
		return client, func() {
			_ = client.Close()
			mr.Close()
		}, nil
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{addr},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis %s: %w", addr, err)
	}
	logger.Info("redis.connected", "addr", addr)
	return client, func() { _ = client.Close() }, nil
}

type issuerOptions struct {
	jwtSecret      string
	signingMethod  string
	signingKeyFile string
	keyID          string
	verifyKeyFiles map[string]string
	audience       string
	accessTTL      time.Duration
	familyTTL      time.Duration
	reuseDetection bool
	refreshLimit   int
}

func (o *issuerOptions) newIssuer(client redis.UniversalClient, logger *log.Logger) (*issuer.Issuer, error) {
	tokenCfg, err := o.tokenConfig(logger)
	if err != nil {
		return nil, err
	}
	tokens, err := jwt.NewManager(tokenCfg)
	if err != nil {
		return nil, fmt.Errorf("jwt: %w", err)
	}

	cfg := issuer.DefaultConfig()
	if o.familyTTL > 0 {
		cfg.FamilyTTL = o.familyTTL
	}
	cfg.ReuseDetection = o.reuseDetection
	cfg.Throttle.MaxRefreshAttempts = o.refreshLimit
	return issuer.New(client, tokens, cfg, logger.WithPrefix("issuer"))
}

// tokenConfig resolves the access-token signing flags. Without a configured key the
// issuer signs with an ephemeral one, so tokens do not survive a restart.
func (o *issuerOptions) tokenConfig(logger *log.Logger) (jwt.Config, error) {
	cfg := jwt.Config{
		AccessTTL: o.accessTTL,
		Issuer:    "goauthsync-dev",
		Audience:  o.audience,
		KeyID:     o.keyID,
	}

	switch method := jwt.SigningMethod(strings.ToLower(o.signingMethod)); method {
	case "", jwt.MethodHS256:
		cfg.SigningMethod = jwt.MethodHS256
		secret := []byte(o.jwtSecret)
		if len(secret) == 0 {
			secret = []byte(os.Getenv("GOAUTHSYNC_JWT_SECRET"))
		}
		if len(secret) == 0 {
			secret = make([]byte, 32)
			if _, err := rand.Read(secret); err != nil {
				return jwt.Config{}, err
			}
			logger.Warn("issuer.ephemeral_secret", "hint", "set --jwt-secret to keep tokens valid across restarts")
		}
		cfg.PrivateKey = secret

	case jwt.MethodEd25519:
		cfg.SigningMethod = jwt.MethodEd25519
		var priv ed25519.PrivateKey
		if o.signingKeyFile != "" {
			pemBytes, err := os.ReadFile(o.signingKeyFile)
			if err != nil {
				return jwt.Config{}, fmt.Errorf("signing key: %w", err)
			}
			parsed, err := gojwt.ParseEdPrivateKeyFromPEM(pemBytes)
			if err != nil {
				return jwt.Config{}, fmt.Errorf("signing key %s: %w", o.signingKeyFile, err)
			}
			var ok bool
			if priv, ok = parsed.(ed25519.PrivateKey); !ok {
				return jwt.Config{}, fmt.Errorf("signing key %s: not an ed25519 key", o.signingKeyFile)
			}
		} else {
			var err error
			if _, priv, err = ed25519.GenerateKey(rand.Reader); err != nil {
				return jwt.Config{}, err
			}
			logger.Warn("issuer.ephemeral_key", "hint", "set --signing-key to keep tokens valid across restarts")
		}
		cfg.PrivateKey = priv
		cfg.PublicKey = priv.Public().(ed25519.PublicKey)

	default:
		return jwt.Config{}, fmt.Errorf("unknown signing method %q (want hs256 or ed25519)", o.signingMethod)
	}

	if len(o.verifyKeyFiles) > 0 {
		if cfg.KeyID == "" {
			return jwt.Config{}, errors.New("--verify-key needs --key-id for the current key")
		}
		cfg.VerifyKeys = make(map[string][]byte, len(o.verifyKeyFiles)+1)
		for kid, path := range o.verifyKeyFiles {
			key, err := os.ReadFile(path)
			if err != nil {
				return jwt.Config{}, fmt.Errorf("verify key %q: %w", kid, err)
			}
			if cfg.SigningMethod == jwt.MethodHS256 {
				key = bytes.TrimSpace(key)
			}
			cfg.VerifyKeys[kid] = key
		}
		if cfg.SigningMethod == jwt.MethodEd25519 {
			cfg.VerifyKeys[cfg.KeyID] = cfg.PublicKey
		} else {
			cfg.VerifyKeys[cfg.KeyID] = cfg.PrivateKey
		}
	}
	return cfg, nil
}

// setupTracing installs an OTLP/HTTP tracer provider when endpoint is set. The returned
// shutdown flushes pending spans.
func setupTracing(ctx context.Context, endpoint, serviceName string) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if endpoint == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(endpoint),
	)
	if err != nil {
		return noop, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}
