package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	goAuthSync "github.com/MrEthical07/goAuthSync"
	"github.com/MrEthical07/goAuthSync/bus/memory"
	"github.com/MrEthical07/goAuthSync/bus/redisbus"
	"github.com/MrEthical07/goAuthSync/bus/wsbus"
	otelexport "github.com/MrEthical07/goAuthSync/metrics/export/otel"
	promexport "github.com/MrEthical07/goAuthSync/metrics/export/prometheus"
	"github.com/MrEthical07/goAuthSync/refresh"
	"github.com/MrEthical07/goAuthSync/store/boltstore"
	memstore "github.com/MrEthical07/goAuthSync/store/memory"
	"github.com/MrEthical07/goAuthSync/store/redisstore"
)

type simulation struct {
	tabs        int
	transport   string
	store       string
	concurrency int
	rounds      int
	settle      time.Duration
	hold        time.Duration
	subject     string
	redisAddr   string
	boltPath    string
	issuer      issuerOptions
}

var sim simulation

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Drive a group of tabs through login, refresh and logout",
	Long: `simulate starts an in-process issuer and relay, opens --tabs tabs on the chosen
transport and store, then:

  1. logs in on the first tab
  2. fires --concurrency simultaneous refreshes at the first tab
  3. refreshes each tab in turn for --rounds rounds
  4. calls the protected API from every tab
  5. logs out from the last tab

After every step it waits for all tabs to agree on the session and fails if
they do not within --settle.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sim.run(cmd.Context(), cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	f := simulateCmd.Flags()
	f.IntVarP(&sim.tabs, "tabs", "n", 4, "Number of tabs")
	f.StringVar(&sim.transport, "transport", "memory", "Broadcast transport: memory, redis or ws")
	f.StringVar(&sim.store, "store", "memory", "Credential store: memory, redis or bolt")
	f.IntVar(&sim.concurrency, "concurrency", 32, "Simultaneous refresh calls on the first tab")
	f.IntVar(&sim.rounds, "rounds", 8, "Sequential refresh rounds across tabs")
	f.DurationVar(&sim.settle, "settle", 3*time.Second, "Maximum time for tabs to converge after each step")
	f.DurationVar(&sim.hold, "hold", 0, "Keep serving /metrics this long after the run")
	f.StringVar(&sim.subject, "subject", "sim-user", "Subject to log in as")
	f.StringVar(&sim.redisAddr, "redis-addr", "", "Redis address; GOAUTHSYNC_REDIS_ADDR or an embedded miniredis when empty")
	f.StringVar(&sim.boltPath, "bolt-path", "", "bbolt file for --store=bolt; a temporary file when empty")
	addIssuerFlags(simulateCmd, &sim.issuer, 0)
}

func (s *simulation) run(ctx context.Context, out io.Writer) error {
	if s.tabs <= 0 || s.concurrency <= 0 || s.rounds < 0 {
		return errors.New("tabs and concurrency must be > 0, rounds >= 0")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	// Steps are driven explicitly.
	cfg.Refresh.ScheduleEnabled = false

	shutdownTracing, err := setupTracing(ctx, otlpEndpoint, "goauthsync-simulate")
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	client, closeRedis, err := openRedis(s.redisAddr, logger)
	if err != nil {
		return err
	}
	defer closeRedis()

	iss, err := s.issuer.newIssuer(client, logger)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	server := &http.Server{
		Handler:           newRouter(iss, wsbus.NewRelay(logger.WithPrefix("relay"), wsbus.RelayOptions{}), reg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("simulate.server", "err", err)
		}
	}()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}()
	baseURL := "http://" + ln.Addr().String()
	fmt.Fprintf(out, "server at %s (metrics at %s/metrics)\n", baseURL, baseURL)

	bus, err := s.newBus(client, baseURL)
	if err != nil {
		return err
	}
	stores, closeStores, err := s.newStores(client)
	if err != nil {
		return err
	}
	defer closeStores()

	opts := []refresh.Option{}
	if cfg.Refresh.CredentialHeader != "" {
		opts = append(opts, refresh.WithCredentialHeader(cfg.Refresh.CredentialHeader))
	}
	exchanger, err := refresh.NewClient(baseURL+"/auth/refresh", opts...)
	if err != nil {
		return err
	}

	tabs := make([]*goAuthSync.Tab, s.tabs)
	for i := range tabs {
		tab, err := goAuthSync.New().
			WithConfig(cfg).
			WithBus(bus).
			WithStore(stores[i]).
			WithExchanger(exchanger).
			WithLogger(logger.With("tab", i)).
			Build()
		if err != nil {
			return fmt.Errorf("tab %d: %w", i, err)
		}
		defer tab.Close()
		tabs[i] = tab

		reg.MustRegister(promexport.NewCollector(tab, prometheus.Labels{"tab": strconv.Itoa(i)}))
		exp, err := otelexport.NewExporter(otel.Meter("github.com/MrEthical07/goAuthSync/cmd/goauthsync"), tab, attribute.Int("tab", i))
		if err != nil {
			return err
		}
		defer exp.Close()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, tab := range tabs {
		g.Go(func() error { return tab.Start(gctx) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	r := &report{out: out, logger: logger}

	// 1. Login.
	pair, err := iss.Login(ctx, s.subject)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if err := tabs[0].Login(ctx, pair.AccessToken, pair.RefreshCredential); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	r.converge(ctx, "login", tabs, s.settle, authenticatedWith(pair.RefreshCredential))

	// 2. Stampede on one tab.
	var stampede latencies
	start := time.Now()
	sg, sctx := errgroup.WithContext(ctx)
	for i := 0; i < s.concurrency; i++ {
		sg.Go(func() error {
			t0 := time.Now()
			ok := tabs[0].Refresh(sctx, goAuthSync.RefreshOptions{Source: "simulate", Force: true})
			stampede.add(time.Since(t0), ok)
			return nil
		})
	}
	_ = sg.Wait()
	printStats(out, "stampede", stampede.stats(time.Since(start)))
	snap := tabs[0].MetricsSnapshot()
	fmt.Fprintf(out, "stampede flights=%d joined=%d\n",
		snap.Counters[goAuthSync.MetricRefreshAttempt], snap.Counters[goAuthSync.MetricRefreshJoined])
	r.converge(ctx, "stampede", tabs, s.settle, authenticatedWith(tabs[0].State().RefreshCredential))

	// 3. Rounds.
	var rounds latencies
	start = time.Now()
	for i := 0; i < s.rounds; i++ {
		tab := tabs[i%len(tabs)]
		t0 := time.Now()
		ok := tab.Refresh(ctx, goAuthSync.RefreshOptions{Source: "simulate", Force: true})
		rounds.add(time.Since(t0), ok)
		r.converge(ctx, "round "+strconv.Itoa(i+1), tabs, s.settle, authenticatedWith(tab.State().RefreshCredential))
	}
	printStats(out, "rounds", rounds.stats(time.Since(start)))

	// 4. Protected API.
	for i, tab := range tabs {
		if err := callProtected(ctx, tab, baseURL+"/api/me"); err != nil {
			r.fail(fmt.Sprintf("api tab %d", i), err)
		}
	}

	// 5. Logout.
	if err := tabs[len(tabs)-1].Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	r.converge(ctx, "logout", tabs, s.settle, func(st goAuthSync.AuthState) bool {
		return !st.IsAuthenticated && st.RefreshCredential == "" && st.AccessToken == ""
	})
	for i, store := range stores {
		if _, ok, err := store.Get(ctx, cfg.Sync.StorageKey); err != nil || ok {
			r.fail(fmt.Sprintf("store tab %d", i), fmt.Errorf("credential still persisted (err=%v)", err))
		}
	}

	if s.hold > 0 {
		fmt.Fprintf(out, "holding for %s\n", s.hold)
		select {
		case <-time.After(s.hold):
		case <-ctx.Done():
		}
	}

	if r.failures > 0 {
		return fmt.Errorf("%d step(s) did not converge", r.failures)
	}
	fmt.Fprintln(out, "all tabs converged")
	return nil
}

func (s *simulation) newBus(client redis.UniversalClient, baseURL string) (goAuthSync.MessageBus, error) {
	switch s.transport {
	case "memory":
		return memory.NewHub(), nil
	case "redis":
		return redisbus.New(client, ""), nil
	case "ws":
		return wsbus.New("ws"+baseURL[len("http"):]+"/sync", nil), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", s.transport)
	}
}

// newStores returns one store per tab. Tabs never share persisted storage.
func (s *simulation) newStores(client redis.UniversalClient) ([]goAuthSync.KeyValueStore, func(), error) {
	stores := make([]goAuthSync.KeyValueStore, s.tabs)
	switch s.store {
	case "memory":
		for i := range stores {
			stores[i] = memstore.New()
		}
		return stores, func() {}, nil
	case "redis":
		for i := range stores {
			stores[i] = redisstore.New(client, redisstore.DefaultPrefix+":tab"+strconv.Itoa(i), 0)
		}
		return stores, func() {}, nil
	case "bolt":
		path := s.boltPath
		cleanup := func() {}
		if path == "" {
			dir, err := os.MkdirTemp("", "goauthsync-sim")
			if err != nil {
				return nil, nil, err
			}
			path = filepath.Join(dir, "tabs.db")
			cleanup = func() { _ = os.RemoveAll(dir) }
		}
		db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("opening bbolt db: %w", err)
		}
		for i := range stores {
			stores[i] = boltstore.New(db, "tab-"+strconv.Itoa(i))
		}
		return stores, func() {
			_ = db.Close()
			cleanup()
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q", s.store)
	}
}

func authenticatedWith(credential string) func(goAuthSync.AuthState) bool {
	return func(st goAuthSync.AuthState) bool {
		return st.IsAuthenticated && st.RefreshCredential == credential
	}
}

func callProtected(ctx context.Context, tab *goAuthSync.Tab, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := tab.HTTPClient(nil).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

type report struct {
	out      io.Writer
	logger   *log.Logger
	failures int
}

// converge polls every tab until all satisfy want or settle elapses.
func (r *report) converge(ctx context.Context, step string, tabs []*goAuthSync.Tab, settle time.Duration, want func(goAuthSync.AuthState) bool) {
	start := time.Now()
	deadline := start.Add(settle)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		lagging := 0
		for _, tab := range tabs {
			if !want(tab.State()) {
				lagging++
			}
		}
		if lagging == 0 {
			fmt.Fprintf(r.out, "%s: converged in %s\n", step, time.Since(start).Round(time.Microsecond))
			return
		}
		if time.Now().After(deadline) {
			r.fail(step, fmt.Errorf("%d of %d tabs lagging after %s", lagging, len(tabs), settle))
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			r.fail(step, ctx.Err())
			return
		}
	}
}

func (r *report) fail(step string, err error) {
	r.failures++
	r.logger.Error("simulate.step", "step", step, "err", err)
	fmt.Fprintf(r.out, "%s: FAILED: %v\n", step, err)
}
