// Vantage turns raw account evidence into auditable signals, lifecycle state
// and posture records.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/vantage/internal/authmw"
	vc "github.com/linnemanlabs/vantage/internal/cfg"
	"github.com/linnemanlabs/vantage/internal/detector"
	"github.com/linnemanlabs/vantage/internal/events"
	"github.com/linnemanlabs/vantage/internal/events/pgnotify"
	"github.com/linnemanlabs/vantage/internal/events/slack"
	"github.com/linnemanlabs/vantage/internal/ledger"
	"github.com/linnemanlabs/vantage/internal/ledger/memledger"
	"github.com/linnemanlabs/vantage/internal/ledger/pgledger"
	"github.com/linnemanlabs/vantage/internal/lifecycle"
	"github.com/linnemanlabs/vantage/internal/perception"
	"github.com/linnemanlabs/vantage/internal/postgres"
	"github.com/linnemanlabs/vantage/internal/ruleset"
	sig "github.com/linnemanlabs/vantage/internal/signal"
	"github.com/linnemanlabs/vantage/internal/signal/memstore"
	"github.com/linnemanlabs/vantage/internal/signal/pgstore"
	"github.com/linnemanlabs/vantage/internal/signalapi"
	"github.com/linnemanlabs/vantage/internal/suppression"
	"github.com/linnemanlabs/vantage/internal/sweep"
	"github.com/linnemanlabs/vantage/internal/synthesis"
)

const appName = "vantage"
const component = "server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    vc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	// register flags for each package, which will be parsed into the shared config struct
	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	var envFile string
	flag.StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before reading VANTAGE_ environment variables")

	// parse flags to get config values from cmdline, we check env vars next which do not override cmdline flags
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// Load the dotenv file into the process environment if present. Existing
	// environment variables win over the file.
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}

	// Fill in config values from environment variables with prefix VANTAGE_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "VANTAGE_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	// initialize logger early
	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer func() { _ = lg.Sync() }()

	// create a logger with component field pre-filled for structured logging in this package
	L := lg.With("component", vi.Component)

	// add logger to context
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"trace_sample", traceCfg.TraceSample,
		"trace_insecure", traceCfg.Insecure,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"pyro_server", profCfg.PyroServer,
		"pyro_tenant", profCfg.PyroTenantID,
		"include_error_links", logCfg.IncludeErrorLinks,
		"max_error_links", logCfg.MaxErrorLinks,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
		"ruleset_version", appCfg.RulesetVersion,
		"ruleset_dir", appCfg.RulesetDir,
		"lifecycle_policy", appCfg.LifecyclePolicy,
		"detection_only", appCfg.DetectionOnly,
		"sweep_schedule", appCfg.SweepSchedule,
		"postgres", appCfg.DatabaseURL != "",
		"redis", appCfg.RedisURL != "",
	)

	// Setup pyroscope profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	// Start profiling, returns a stop function to call for clean shutdown (flush buffers, etc)
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	// Setup otel for tracing
	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	// Start otel, returns a shutdown function to call for clean shutdown (flush buffers, etc)
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	// Setup metrics, we use our own metrics package for internal instrumentation
	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	// Register per-query DB duration histogram and wire the observer.
	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vantage_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, method, route, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(method, route, outcome).Observe(dur.Seconds())
		},
	))

	// Initialize the signal store and audit ledger. Both share one pool when a
	// database is configured, otherwise everything lives in memory.
	var (
		store     sig.Store
		auditLog  ledger.Ledger
		pool      *pgxpool.Pool
		publisher events.Multi
	)
	if appCfg.DatabaseURL != "" {
		pool, err = postgres.NewPool(ctx, appCfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		pgStore, err := pgstore.New(ctx, pool)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
		pgLedger, err := pgledger.New(ctx, pool)
		if err != nil {
			return fmt.Errorf("pgledger init: %w", err)
		}
		store, auditLog = pgStore, pgLedger
		publisher = append(publisher, pgnotify.New(pool))
		L.Info(ctx, "using postgres store and ledger", "channel", pgnotify.Channel)
	} else {
		store, auditLog = memstore.New(), memledger.New()
		L.Info(ctx, "using in-memory store and ledger (no database-url configured)")
	}

	// Initialize the evidence store detectors read from.
	var evidence detector.EvidenceStore
	if appCfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(appCfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(redisOpts)
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		evidence = detector.NewRedisSource(rdb, appCfg.EvidenceTTL)
		L.Info(ctx, "using redis evidence store", "addr", redisOpts.Addr, "evidence_ttl", appCfg.EvidenceTTL.String())
	} else {
		evidence = detector.NewMemorySource()
		L.Info(ctx, "using in-memory evidence store (no redis-url configured)")
	}

	// Initialize Slack notifier for posture change notifications.
	if appCfg.SlackWebhookURL != "" {
		publisher = append(publisher, slack.New(appCfg.SlackWebhookURL, L))
		L.Info(ctx, "notifier enabled", "type", "slack")
	}

	// Pipeline metrics on the shared Prometheus registry.
	pipelineMetrics := perception.NewMetrics(m.Registry())

	signals := sig.NewService(store, L, sig.WithHooks(pipelineMetrics.SignalHooks()))

	registry, err := detector.NewRegistry(detector.NewKindDetector(evidence, nil))
	if err != nil {
		return fmt.Errorf("detector registry: %w", err)
	}
	L.Info(ctx, "registered detectors", "detectors", registry.Names(), "version", registry.Version())

	policy, err := lifecyclePolicy(appCfg.LifecyclePolicy)
	if err != nil {
		return err
	}
	L.Info(ctx, "lifecycle policy", "version", policy.Version, "transitions", len(policy.Transitions()))

	suppressor := suppression.NewEngine(signals, auditLog, L)
	lifecycleSvc := lifecycle.NewService(store, L,
		lifecycle.WithPolicy(policy),
		lifecycle.WithSuppressor(suppressor),
		lifecycle.WithTransitionHook(pipelineMetrics.LifecycleHook()),
	)

	var pipeline *perception.Pipeline
	pipelineOpts := []perception.Option{
		perception.WithSuppression(suppressor),
		perception.WithLedger(auditLog),
		perception.WithPublisher(publisher),
		perception.WithMetrics(pipelineMetrics),
	}
	if appCfg.DetectionOnly {
		pipeline = perception.NewDetectionOnly(signals, registry, evidence, L, pipelineOpts...)
		L.Info(ctx, "detection-only mode, lifecycle inference and synthesis disabled")
	} else {
		rulesets := ruleset.NewLoader(rulesetSource(appCfg.RulesetDir), L, ruleset.WithCache(ruleset.NewCache(16)))

		// fail fast on a missing or invalid ruleset instead of on first synthesis
		if _, err := rulesets.LoadRuleset(ctx, appCfg.RulesetVersion); err != nil {
			return fmt.Errorf("load ruleset %s: %w", appCfg.RulesetVersion, err)
		}
		hash, _ := rulesets.ContentHash(appCfg.RulesetVersion)
		L.Info(ctx, "loaded ruleset", "version", appCfg.RulesetVersion, "content_hash", hash)

		synth := synthesis.NewEngine(signals, rulesets, appCfg.RulesetVersion, L)
		pipelineOpts = append(pipelineOpts,
			perception.WithLifecycle(lifecycleSvc),
			perception.WithSynthesis(synth),
		)
		pipeline = perception.New(signals, registry, evidence, L, pipelineOpts...)
	}

	// Tail our own notifications so delivery through postgres is observable.
	if pool != nil {
		eventsDelivered := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vantage_events_delivered_total",
			Help: "Events received back on the postgres notification channel.",
		}, []string{"type"})
		m.Registry().MustRegister(eventsDelivered)

		listenConn, err := postgres.Connect(ctx, appCfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres listen connection: %w", err)
		}
		defer func() { _ = listenConn.Close(context.Background()) }()
		go func() {
			err := pgnotify.Listen(ctx, listenConn, func(ev events.Event) {
				eventsDelivered.WithLabelValues(string(ev.Type)).Inc()
			})
			if err != nil {
				L.Error(ctx, err, "event listener stopped")
			}
		}()
	}

	// Periodic TTL expiry and suppression reconciliation.
	sweeper := sweep.New(pipeline, appCfg.Tenants(), L,
		sweep.WithTimeout(10*time.Minute),
	)
	if appCfg.SweepSchedule != "" {
		if _, err := sweeper.Schedule(appCfg.SweepSchedule); err != nil {
			return err
		}
		sweeper.Start()
	}

	// API authentication: tenant-bound tokens plus an optional shared token.
	tokens, err := apiTokens(&appCfg)
	if err != nil {
		return err
	}

	// setup toggle for server shutdown. this is used to fail readiness checks
	// during shutdown to drain connections from load balancer before killing the process.
	var shutdownGate health.ShutdownGate

	// setup readiness checks, currently just the shutdown gate
	readiness := health.All(
		shutdownGate.Probe(),
	)
	// liveness is always true if the app is able to respond
	liveness := health.Fixed(true, "")

	// Configure ops http server for metrics, health checks, pprof, etc
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	// start admin/ops listener. sg restricts inbound to internal monitoring infrastructure.
	// we reject connections from public ips and requests with x-forwarded set in middleware
	// to prevent accidental exposure if sg is misconfigured or load balancer ever sends traffic here
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	// setup main api chi router and middleware stack
	r := chi.NewRouter()

	// Compress text responses (we are JSON only for now)
	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// Stash HTTP method and per-request DB stats in context for query metrics.
	r.Use(postgres.Middleware)

	// Access log middleware
	r.Use(httpmw.AccessLog())

	// Limit request body size, this is a wrapper around http.MaxBytesHandler which returns 413 if limit is exceeded
	r.Use(httpmw.MaxBody(1024 * 256)) // evidence attributes can be large

	// add health check endpoints to main listener
	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	// register api routes behind token auth
	signalapiHTTP := signalapi.New(L, pipeline, signals, evidence,
		signalapi.WithContracts(lifecycleSvc),
		signalapi.WithTenantHeader(appCfg.TenantHeader),
	)
	r.Group(func(r chi.Router) {
		r.Use(authmw.Tokens(tokens, appCfg.TenantHeader))
		signalapiHTTP.RegisterRoutes(r)
	})

	// middleware stack for main listener, order matters these are wrappers, outermost sees raw request
	// first and is last to see response, innermost is last to see request and first to see response but
	// has access to the full rich context from outer middleware and handlers
	var h http.Handler = r

	// Request-scoped logging (inner so it sees trace_id, chi route, etc)
	h = httpmw.WithLogger(L)(h)

	// add trace-id and span-id headers to any requests with a recording trace
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	// otel instrumentation for automatic spans and trace context propagation
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// dont trace health/readiness checks
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute will rename the span later to the final route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		// WithPublicEndpointFn is the replacement for WithPublicEndpoint()
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	// Metrics middleware for prometheus instrumentation
	h = m.Middleware(h)

	// Client IP resolution and spoofing protection middleware, outer so downstream middleware
	// and handlers can use the resolved client ip from context for consistency and security
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	// Request ID (outer so everything downstream sees it)
	h = httpmw.RequestID("X-Request-Id")(h) // request ID

	// Recovery middleware to recover and log panics and serve 500 response.
	// Outer to catch panics from any downstream middleware or handlers
	h = httpmw.Recover(L, nil)(h)

	// Security headers outermost to ensure they are served on every response
	h = httpmw.SecurityHeaders(h)

	// Configure http server options from config
	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	// Start API HTTP server with middleware and handlers
	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		err := apiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	// Notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Wait for ctrl+c / sigterm
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	// fail health checks to drain connections
	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// Wait for in-flight requests to finish and for load balancer
	// to detect unhealthy and stop sending new requests.
	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Shutdown components with per-component budget sliced from total.
	// stopProf is synchronous and needs no context, so it's excluded.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"api http server", apiHTTPStop},
		{"sweep scheduler", sweeper.Stop},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtelx},
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// rulesetSource reads <version>.yaml from dir, or the embedded rulesets
// when dir is empty.
func rulesetSource(dir string) ruleset.Source {
	if dir == "" {
		return ruleset.Embedded()
	}
	return ruleset.NewDirSource(os.DirFS(dir))
}

// lifecyclePolicy loads the transition suppression policy at path, or the
// built-in policy when path is empty.
func lifecyclePolicy(path string) (*lifecycle.TransitionPolicy, error) {
	if path == "" {
		return lifecycle.DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read lifecycle policy: %w", err)
	}
	p, err := lifecycle.ParsePolicy(data)
	if err != nil {
		return nil, fmt.Errorf("lifecycle policy %s: %w", path, err)
	}
	return p, nil
}

// apiTokens merges tenant-bound tokens with the shared token, which may act
// for any tenant.
func apiTokens(c *vc.Config) (map[string]string, error) {
	tokens, err := c.ParseTenantTokens()
	if err != nil {
		return nil, err
	}
	if c.APIToken != "" {
		if tenant, ok := tokens[c.APIToken]; ok {
			return nil, fmt.Errorf("api token is also bound to tenant %q", tenant)
		}
		tokens[c.APIToken] = authmw.AnyTenant
	}
	return tokens, nil
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
