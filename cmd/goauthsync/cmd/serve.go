package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/MrEthical07/goAuthSync/bus/wsbus"
	"github.com/MrEthical07/goAuthSync/issuer"
	promexport "github.com/MrEthical07/goAuthSync/metrics/export/prometheus"
)

var (
	serveAddr      string
	serveRedisAddr string
	serveIssuer    issuerOptions
	serveRelay     wsbus.RelayOptions
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the development issuer, websocket relay and metrics endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, logger, err := loadConfig()
		if err != nil {
			return err
		}

		shutdownTracing, err := setupTracing(cmd.Context(), otlpEndpoint, "goauthsync-serve")
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(ctx)
		}()

		client, closeRedis, err := openRedis(serveRedisAddr, logger)
		if err != nil {
			return err
		}
		defer closeRedis()

		iss, err := serveIssuer.newIssuer(client, logger)
		if err != nil {
			return err
		}

		relay := wsbus.NewRelay(logger.WithPrefix("relay"), serveRelay)
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		server := &http.Server{
			Addr:              serveAddr,
			Handler:           newRouter(iss, relay, reg),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		logger.Info("serve.listening", "addr", serveAddr, "relay", "/sync/{channel}", "metrics", "/metrics")

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("serve.shutdown", "signal", sig.String())
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// newRouter mounts the issuer, the relay under /sync/{channel} and the metrics of reg.
// The relay's own counters are registered on reg.
func newRouter(iss *issuer.Issuer, relay *wsbus.Relay, reg *prometheus.Registry) http.Handler {
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "goauthsync_relay_dropped_frames_total",
		Help: "Frames the relay dropped because a peer's send queue was full.",
	}, func() float64 { return float64(relay.Dropped()) }))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promexport.Handler(reg))
	r.Handle("/sync/{channel}", relay)
	r.Mount("/", iss.Routes())
	return r
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", ":8080", "Address to listen on")
	serveCmd.Flags().StringVar(&serveRedisAddr, "redis-addr", "", "Redis address; GOAUTHSYNC_REDIS_ADDR or an embedded miniredis when empty")
	addIssuerFlags(serveCmd, &serveIssuer, issuer.DefaultConfig().Throttle.MaxRefreshAttempts)
	serveCmd.Flags().IntVar(&serveRelay.SendQueueSize, "relay-queue", 64, "Per-peer relay send queue length")
	serveCmd.Flags().StringSliceVar(&serveRelay.OriginPatterns, "relay-origin", nil, "Allowed websocket Origin host patterns")
}

func addIssuerFlags(c *cobra.Command, o *issuerOptions, refreshLimit int) {
	c.Flags().StringVar(&o.signingMethod, "signing-method", "hs256", "Access-token signature: hs256 or ed25519")
	c.Flags().StringVar(&o.jwtSecret, "jwt-secret", "", "HS256 access-token secret; GOAUTHSYNC_JWT_SECRET or a random one when empty")
	c.Flags().StringVar(&o.signingKeyFile, "signing-key", "", "PEM Ed25519 private key for ed25519 signing; a random one when empty")
	c.Flags().StringVar(&o.keyID, "key-id", "", "kid header stamped on issued access tokens")
	c.Flags().StringToStringVar(&o.verifyKeyFiles, "verify-key", nil, "Retired keys still accepted, as kid=path (Ed25519 PEM public key or HS256 secret file)")
	c.Flags().StringVar(&o.audience, "audience", "", "aud claim issued and required on access tokens")
	c.Flags().DurationVar(&o.accessTTL, "access-ttl", 5*time.Minute, "Access token lifetime")
	c.Flags().DurationVar(&o.familyTTL, "family-ttl", 24*time.Hour, "Refresh family lifetime after its last rotation")
	c.Flags().BoolVar(&o.reuseDetection, "reuse-detection", false, "Revoke a refresh family when a retired credential is presented")
	c.Flags().IntVar(&o.refreshLimit, "refresh-limit", refreshLimit, "Refreshes per family per minute; 0 disables the limit")
}

