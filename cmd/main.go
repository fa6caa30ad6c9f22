package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kalamari-proxy/kalamari"
	_ "github.com/lib/pq"
)

func main() {
	var (
		// Config file (takes precedence over individual flags)
		configPath = flag.String("config", "", "path to config file (default: search ./kalamari.yaml, ~/.kalamari/config.yaml, /etc/kalamari/config.yaml)")
		genConfig  = flag.Bool("gen-config", false, "generate example config file and exit")

		// Individual flags (used when no config file)
		addr       = flag.String("addr", "", "proxy listen address (overrides config)")
		adminAddr  = flag.String("admin-addr", "", "admin listener address (overrides config)")
		caCertPath = flag.String("ca-cert", "", "path to CA certificate (overrides config)")
		caKeyPath  = flag.String("ca-key", "", "path to CA private key (overrides config)")
		aclFlag    = flag.String("acl", "", "comma-separated client networks in CIDR notation (overrides config)")
		genCA      = flag.Bool("gen-ca", false, "generate a new CA certificate and exit")
		caOrg      = flag.String("ca-org", "", "organization name for generated CA (overrides config)")
		verbose    = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	// Generate example config mode
	if *genConfig {
		if err := kalamari.WriteExampleConfig("kalamari.yaml"); err != nil {
			slog.Error("generate config", "error", err)
			os.Exit(1)
		}
		fmt.Println("Generated kalamari.yaml")
		return
	}

	cfg, err := kalamari.LoadConfig(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	// Flags override config
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *adminAddr != "" {
		cfg.Server.AdminAddr = *adminAddr
	}
	if *caCertPath != "" {
		cfg.TLS.CACert = *caCertPath
	}
	if *caKeyPath != "" {
		cfg.TLS.CAKey = *caKeyPath
	}
	if *caOrg != "" {
		cfg.TLS.Organization = *caOrg
	}
	if *aclFlag != "" {
		cfg.ACL = nil
		for _, cidr := range strings.Split(*aclFlag, ",") {
			if cidr = strings.TrimSpace(cidr); cidr != "" {
				cfg.ACL = append(cfg.ACL, cidr)
			}
		}
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		slog.Error("set up logging", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	// Generate CA mode
	if *genCA {
		if err := generateCA(cfg.TLS.CACert, cfg.TLS.CAKey, cfg.TLS.Organization); err != nil {
			logger.Error("generate CA", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("proxy error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *kalamari.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Without a CA the proxy still serves plain HTTP; CONNECT tunnels
	// fail closed per request instead of the process refusing to start.
	certs, err := kalamari.NewCertManager(cfg.TLS.CACert, cfg.TLS.CAKey)
	if err != nil {
		logger.Warn("CA unavailable, TLS interception disabled", "error", err)
		logger.Info("hint: run with -gen-ca to generate a new CA certificate")
		certs = nil
	}

	acl, err := cfg.BuildACL()
	if err != nil {
		return fmt.Errorf("build ACL: %w", err)
	}

	metrics := kalamari.NewMetrics()
	if certs != nil {
		certs.OnIssue = func(string) { metrics.RecordCertIssued() }
	}

	engine := kalamari.NewEngine()
	proxy := kalamari.NewProxy(cfg.Server.Addr, acl, engine, certs)
	proxy.Logger = logger
	proxy.Metrics = metrics
	proxy.Timeout = cfg.Server.Timeout
	proxy.AccessLog = kalamari.NewAccessLogger(logger)

	if cfg.Server.Upstream != "" {
		upstream, err := kalamari.NewUpstreamProxy(cfg.Server.Upstream)
		if err != nil {
			return fmt.Errorf("configure upstream proxy: %w", err)
		}
		proxy.DialContext = upstream.DialContext
		logger.Info("chaining through upstream proxy", "upstream", upstream.Host)
	}

	if cfg.TLS.Watch && certs != nil {
		rotator := kalamari.NewCertRotator(certs, cfg.TLS.CACert, cfg.TLS.CAKey)
		rotator.Logger = logger
		cancelWatch, err := rotator.Watch(ctx)
		if err != nil {
			logger.Warn("CA file watch unavailable", "error", err)
		} else {
			defer cancelWatch()
		}
	}

	if cfg.RateLimit.Enabled {
		limiter := kalamari.NewRateLimiter(cfg.RateLimit.Rate, cfg.RateLimit.Burst)
		defer limiter.Close()
		proxy.RateLimiter = limiter
		logger.Info("rate limiting enabled", "rate", cfg.RateLimit.Rate, "burst", cfg.RateLimit.Burst)
	}

	// Ruleset sources and refresher
	blacklist, whitelist, cachelist, err := cfg.BuildSources(ctx)
	if err != nil {
		return fmt.Errorf("build list sources: %w", err)
	}

	refresher := &kalamari.Refresher{
		Engine:    engine,
		Blacklist: blacklist,
		Whitelist: whitelist,
		Cachelist: cachelist,
		Interval:  cfg.Lists.RefreshInterval,
		Logger:    logger,
		Metrics:   metrics,
	}

	if err := refresher.Reload(ctx); err != nil {
		// Start with empty rulesets rather than refusing to serve.
		logger.Warn("initial ruleset load failed", "error", err)
	}

	cancelRefresh := refresher.Start(ctx)
	defer cancelRefresh()

	// Admin listener
	health := kalamari.NewHealthChecker()
	health.SetAlive(true)
	health.SetReady(true)
	health.AddReadinessCheck("rulesets", kalamari.CheckRulesetsLoaded(engine))
	if certs != nil {
		health.AddReadinessCheck("ca", kalamari.CheckInterceptionCA(certs))
	}

	if cfg.Server.AdminAddr != "" {
		admin := kalamari.NewAdminServer(proxy)
		admin.Refresher = refresher
		admin.Health = health
		admin.Logger = logger

		adminSrv := &http.Server{Addr: cfg.Server.AdminAddr, Handler: admin}
		go func() {
			logger.Info("admin listener started", "addr", cfg.Server.AdminAddr)
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("admin listener error", "error", err)
			}
		}()
		defer adminSrv.Close()
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down...")
		health.SetReady(false)

		grace := cfg.Server.ShutdownGrace
		if grace <= 0 {
			grace = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		_ = proxy.Shutdown(shutdownCtx)
	}()

	logger.Info("starting proxy", "addr", cfg.Server.Addr)
	if certs != nil {
		logger.Info("ensure the CA certificate is trusted by your clients")
	}

	if err := proxy.ListenAndServe(); err != nil {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		return err
	}
	return nil
}

func buildLogger(cfg kalamari.LoggingConfig) (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", cfg.Level)
	}

	var out *os.File
	switch cfg.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(out, opts)), nil
	}
	return slog.New(slog.NewTextHandler(out, opts)), nil
}

func generateCA(certPath, keyPath, org string) error {
	// Refuse to clobber an existing pair
	if _, err := os.Stat(certPath); err == nil {
		return fmt.Errorf("CA certificate already exists at %s", certPath)
	}
	if _, err := os.Stat(keyPath); err == nil {
		return fmt.Errorf("CA key already exists at %s", keyPath)
	}

	slog.Info("generating CA certificate", "org", org)

	certPEM, keyPEM, err := kalamari.GenerateCA(org, 10) // 10 year validity
	if err != nil {
		return err
	}

	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return fmt.Errorf("write CA cert: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("write CA key: %w", err)
	}

	slog.Info("CA certificate generated", "cert", certPath, "key", keyPath)
	slog.Info("install the CA certificate in your clients' trust stores")

	return nil
}
