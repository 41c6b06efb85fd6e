package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"github.com/keithlinneman/xssguard/internal/cfg"
	"github.com/keithlinneman/xssguard/internal/cryptoutil"
	"github.com/keithlinneman/xssguard/internal/echohttp"
	"github.com/keithlinneman/xssguard/internal/health"
	"github.com/keithlinneman/xssguard/internal/httpserver"
	"github.com/keithlinneman/xssguard/internal/log"
	"github.com/keithlinneman/xssguard/internal/metrics"
	"github.com/keithlinneman/xssguard/internal/opshttp"
	"github.com/keithlinneman/xssguard/internal/otelx"
	"github.com/keithlinneman/xssguard/internal/prof"
	"github.com/keithlinneman/xssguard/internal/rules"
	v "github.com/keithlinneman/xssguard/internal/version"
	"github.com/keithlinneman/xssguard/internal/xssfilter"
)

const (
	appName   = "xssguard"
	component = "server"

	// how long readiness fails before listeners close on shutdown
	drainPeriod = 30 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Get build/version info
	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%s)\n",
			appName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildID, vi.BuildDate, vi.GoVersion, vi.Dirty(),
		)
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix XSSGUARD_ and validate
	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging, levels were checked by Validate
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:             appName,
		Version:         vi.Version,
		Commit:          vi.Commit,
		Level:           lvl,
		StacktraceLevel: stackLvl,
		JSONFormat:      conf.LogJSON,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application", append(vi.KV(),
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
		"context_path", conf.ContextPath,
		"max_body_bytes", conf.MaxBodyBytes,
		"escape_array_elements", conf.EscapeArrayElements,
		"rules_file", conf.RulesFile,
		"rules_s3_bucket", conf.RulesS3Bucket,
		"rules_s3_prefix", conf.RulesS3Prefix,
		"rules_ssm_param", conf.RulesSSMParam,
		"rules_signing_key_arn", conf.RulesSigningKeyARN,
	)...)

	// Setup pyroscope profiling
	stopProf, profErr := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       appName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       appName,
			"component": component,
			"version":   vi.Version,
			"commit":    vi.Commit,
		},
	})
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   appName,
		Component: component,
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed, tracing disabled")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	m := metrics.New()
	m.SetBuildInfo(appName, component, vi)
	m.SetProfilingActive(conf.EnablePyroscope && profErr == nil)

	// rules store starts on the built-in policy until a document loads
	store := rules.NewStore()
	rulesSource := conf.RulesFile != "" || conf.RulesFromS3()

	switch {
	case conf.RulesFile != "":
		startFileRules(ctx, L, conf, store, m)
	case conf.RulesFromS3():
		startS3Rules(ctx, L, conf, store, m)
	default:
		L.Info(ctx, "no rules source configured, serving built-in policy")
	}

	// setup toggle for server shutdown
	var gate health.ShutdownGate

	// readiness requires a loaded rules document when a source is configured
	readiness := health.All(
		gate.Probe(),
		health.Condition(func() bool {
			if !rulesSource {
				return true
			}
			_, ok := store.Get()
			return ok
		}, "rules: no active snapshot"),
	)

	echoAPI := echohttp.NewAPI(store, L)

	siteHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		Escaper:      store,
		MaxBodyBytes: conf.MaxBodyBytes,
		FilterOptions: []xssfilter.Option{
			xssfilter.WithContextPath(conf.ContextPath),
			xssfilter.WithMaxMemory(conf.MultipartMaxMemory),
			xssfilter.WithArrayElementEscaping(conf.EscapeArrayElements),
			xssfilter.WithMetrics(m),
		},
		APIRoutes: echoAPI.RegisterRoutes,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start http listener")
		os.Exit(1)
	}
	defer func() { _ = siteHTTPStop(context.Background()) }()

	// start admin/ops listener to serve metrics, health checks and pprof
	// requests from public addresses are rejected in middleware
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		L.Debug(ctx, "systemd notify skipped", "reason", err)
	}

	// wait for ctrl+c / sigterm
	<-ctx.Done()
	stop()

	bg := context.Background()
	L.Info(bg, "shutdown signal received")

	// fail readiness so load balancers stop sending new requests
	gate.Set("draining")
	L.Info(bg, "shutdown gate closed, draining", "drain_period", drainPeriod.String())

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainPeriod):
		L.Info(bg, "drain period complete")
	case <-forceCh:
		L.Warn(bg, "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(bg, 10*time.Second)
	defer cancel()

	if err := siteHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "app http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(bg, err, "otel shutdown")
	}
	stopProf()

	L.Info(bg, "shutdown complete")
}

// startFileRules loads the rules file and, when enabled, watches it for
// changes. A document that fails to load leaves the built-in policy active
// and readiness failing.
func startFileRules(ctx context.Context, L log.Logger, conf cfg.App, store *rules.Store, m *metrics.ServerMetrics) {
	w, err := rules.NewFileWatcher(rules.FileWatcherOptions{
		Logger:  L,
		Path:    conf.RulesFile,
		Store:   store,
		Metrics: m,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create rules file watcher")
		os.Exit(1)
	}
	if err := w.Reload(ctx); err != nil {
		L.Error(ctx, err, "failed to load rules file", "path", conf.RulesFile)
	}
	if conf.RulesWatch {
		go func() {
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				L.Error(ctx, err, "rules file watcher stopped")
			}
		}()
	}
}

// startS3Rules loads the document SSM points at and polls for new ones.
func startS3Rules(ctx context.Context, L log.Logger, conf cfg.App, store *rules.Store, m *metrics.ServerMetrics) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		L.Error(ctx, err, "failed to load AWS config")
		os.Exit(1)
	}

	var verifier rules.SignatureVerifier
	if conf.RulesSigningKeyARN != "" {
		verifier = cryptoutil.NewKMSVerifier(kms.NewFromConfig(awsCfg), conf.RulesSigningKeyARN)
	}

	loader, err := rules.NewS3Loader(ctx, rules.S3LoaderOptions{
		Logger:    L,
		SSMParam:  conf.RulesSSMParam,
		Bucket:    conf.RulesS3Bucket,
		Prefix:    conf.RulesS3Prefix,
		Verifier:  verifier,
		AWSConfig: &awsCfg,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create rules loader")
		os.Exit(1)
	}

	start := time.Now()
	snap, err := loader.Load(ctx)
	m.ObserveRulesLoadDuration(time.Since(start).Seconds())
	if err != nil {
		// the poller keeps retrying, readiness fails until it succeeds
		m.IncRulesReload(rules.SourceS3, rules.ResultError)
		L.Error(ctx, err, "failed to load rules from S3")
	} else {
		store.Set(*snap)
		m.SetRulesActive(snap.Meta)
		m.SetRulesLastSuccess(float64(time.Now().Unix()))
		m.IncRulesReload(rules.SourceS3, rules.ResultSwapped)
		L.Info(ctx, "loaded rules from S3",
			"sha256", snap.Meta.SHA256,
			"version", snap.Meta.Version,
			"signed", snap.Meta.Signed,
		)
	}

	poller := rules.NewPoller(&rules.PollerOptions{
		Logger:       L,
		Fetcher:      loader,
		Store:        store,
		PollInterval: conf.RulesPollInterval,
		Metrics:      m,
	})
	go func() {
		if err := poller.Run(ctx); err != nil && ctx.Err() == nil {
			L.Error(ctx, err, "rules poller stopped")
		}
	}()
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
