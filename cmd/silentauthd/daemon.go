package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"silentauth/internal/challenge"
	"silentauth/internal/config"
	"silentauth/internal/health"
	"silentauth/internal/ipc"
	"silentauth/internal/logging"
	"silentauth/internal/metrics"
	"silentauth/internal/security"
	"silentauth/internal/store"
	"silentauth/internal/tracing"
)

const (
	storeSecretSize = 32
	maxSecretSize   = 4096
)

var (
	storeKeySalt = []byte("silentauth-store")
	storeKeyInfo = []byte("public-key-row-mac-v1")
)

// Daemon wires the challenge authority to its storage, the IPC server and
// the optional HTTP endpoint.
type Daemon struct {
	mu     sync.RWMutex
	cfg    *config.Config
	loader *config.Loader

	log      *logging.Logger
	audit    *logging.AuditLogger
	tracer   *tracing.Tracer // nil when tracing is off
	store    *store.Store // nil with memory storage
	registry *metrics.Registry
	metrics  *metrics.AuthMetrics
	limiter  *security.KeyedRateLimiter
	checker  *health.Checker

	authority *challenge.Authority
	server    *ipc.Server
	httpSrv   *http.Server
	httpLn    net.Listener
}

// NewDaemon builds a daemon from the loader's current configuration.
func NewDaemon(loader *config.Loader, logger *logging.Logger) (*Daemon, error) {
	cfg := loader.Config()
	if cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:      cfg,
		loader:   loader,
		log:      logger,
		registry: metrics.NewRegistry("silentauth", ""),
		checker:  health.NewChecker(0),
	}
	d.metrics = metrics.NewAuthMetrics(d.registry)

	if ac := cfg.AuditConfig("silentauthd"); ac != nil {
		audit, err := logging.NewAuditLogger(ac)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		d.audit = audit
	}

	tracer, err := tracing.NewFileTracer("silentauthd", cfg.Logging.TracePath, cfg.Logging.TraceSampleRatio)
	if err != nil {
		d.closeSinks()
		return nil, err
	}
	d.tracer = tracer

	var (
		challenges challenge.Store
		keys       challenge.KeyRegistry
		stats      ipc.StatsProvider
	)
	switch cfg.Storage.Type {
	case "sqlite":
		st, err := d.openStore(cfg)
		if err != nil {
			d.closeSinks()
			return nil, err
		}
		d.store = st
		challenges, keys, stats = st, st, st
	default:
		challenges, keys = challenge.NewMemoryStore(), challenge.NewMemoryRegistry()
	}

	if cfg.RateLimit.Enabled {
		d.limiter = security.NewKeyedRateLimiter(cfg.RateLimit.PerMinute/60, cfg.RateLimit.Burst)
	}

	d.authority = challenge.NewAuthority(challenges, keys,
		challenge.WithTTL(cfg.ChallengeTTL()),
		challenge.WithRetention(cfg.Retention()),
		challenge.WithMessageSize(cfg.Challenge.MessageSize),
		challenge.WithLogger(logger.WithComponent("authority")),
		challenge.WithAudit(d.audit),
		challenge.WithMetrics(d.metrics),
		challenge.WithRateLimiter(d.limiter),
		challenge.WithTracer(d.tracer),
	)

	handler := ipc.NewAuthHandler(ipc.AuthHandlerConfig{
		Authority: d.authority,
		Stats:     stats,
		Metrics:   d.registry,
		Storage:   cfg.Storage.Type,
		Version:   Version,
	})

	server, err := ipc.NewServer(ipc.ServerConfig{
		SocketPath:     cfg.Server.SocketPath,
		SocketMode:     cfg.SocketMode(),
		Version:        Version,
		ReadTimeout:    cfg.RequestTimeout(),
		MaxConnections: cfg.Server.MaxConnections,
		Logger:         logger,
		Tracer:         d.tracer,
	}, handler)
	if err != nil {
		d.closeStorage()
		return nil, err
	}
	d.server = server

	d.registerHealthChecks(cfg)
	return d, nil
}

// openStore opens the SQLite database, keying row integrity protection
// from the secret file when secure storage is enabled.
func (d *Daemon) openStore(cfg *config.Config) (*store.Store, error) {
	opts := store.Options{
		BusyTimeout: time.Duration(cfg.Storage.BusyTimeoutMs) * time.Millisecond,
	}
	if cfg.Storage.Secure {
		key, err := loadStoreKey(cfg.Storage.SecretPath)
		if err != nil {
			return nil, err
		}
		defer security.Wipe(key)
		opts.MACKey = key
	}

	st, err := store.Open(cfg.Storage.Path, opts)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	ctx := context.Background()
	if cfg.Storage.Secure {
		bad, err := st.VerifyKeys(ctx)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("verify keys: %w", err)
		}
		for _, identity := range bad {
			d.log.Warn("stored key failed integrity check", "identity", identity)
		}
	}

	if stats, err := st.Stats(ctx); err == nil {
		d.metrics.PendingChallenges.Set(stats.Pending)
		d.log.Info("store opened", "path", cfg.Storage.Path, "keys", stats.Keys, "pending", stats.Pending)
	}
	return st, nil
}

// loadStoreKey reads the store secret, creating it on first start, and
// derives the row MAC key from it.
func loadStoreKey(path string) ([]byte, error) {
	secret, err := security.ReadSecretFile(path, maxSecretSize)
	if errors.Is(err, os.ErrNotExist) {
		secret = make([]byte, storeSecretSize)
		if err := security.GenerateSecureRandom(rand.Reader, secret); err != nil {
			return nil, err
		}
		if err := security.WriteSecretFile(path, secret); err != nil {
			security.Wipe(secret)
			return nil, fmt.Errorf("write store secret: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("read store secret: %w", err)
	}
	defer security.Wipe(secret)

	return security.DeriveKey(secret, storeKeySalt, storeKeyInfo, storeSecretSize)
}

func (d *Daemon) registerHealthChecks(cfg *config.Config) {
	socket := cfg.Server.SocketPath
	d.checker.Add("ipc", true, health.Func(func() error {
		if !ipc.IsSocketListening(socket) {
			return fmt.Errorf("socket %s not accepting connections", socket)
		}
		return nil
	}))

	if d.store == nil {
		return
	}
	db := d.store.DB()
	d.checker.Add("store", true, health.Ping(db.PingContext))
	if cfg.Storage.Secure {
		d.checker.Add("store_secret", true, health.FileExists(cfg.Storage.SecretPath))
		d.checker.Add("key_integrity", false, health.Integrity(d.store.VerifyKeys))
	}
}

// Config returns the active configuration.
func (d *Daemon) Config() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Authority returns the challenge authority.
func (d *Daemon) Authority() *challenge.Authority {
	return d.authority
}

// MetricsAddr returns the bound HTTP address, or "" when disabled.
func (d *Daemon) MetricsAddr() string {
	if d.httpLn == nil {
		return ""
	}
	return d.httpLn.Addr().String()
}

// Start opens the IPC socket and the HTTP endpoint and begins watching the
// configuration file.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.server.Start(); err != nil {
		d.closeStorage()
		return err
	}

	cfg := d.Config()
	if cfg.Server.MetricsAddr != "" {
		if err := d.startHTTP(cfg.Server.MetricsAddr); err != nil {
			d.server.Stop()
			d.closeStorage()
			return err
		}
	}

	d.loader.OnChange(d.applyConfig)
	if err := d.loader.Watch(); err != nil {
		d.log.Warn("config hot reload disabled", "path", d.loader.Path(), "error", err)
	}

	d.checker.SetReady(true)
	d.audit.LogStartup(ctx, Version)
	d.log.Info("silentauthd started",
		"version", Version,
		"socket", cfg.Server.SocketPath,
		"storage", cfg.Storage.Type,
		"challenge_ttl", cfg.ChallengeTTL())
	return nil
}

func (d *Daemon) startHTTP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", d.registry.HTTPHandler())
	d.checker.Mount(mux)

	d.httpLn = ln
	d.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := d.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Error("metrics server failed", "error", err)
		}
	}()
	d.log.Info("metrics listening", "addr", ln.Addr().String())
	return nil
}

// Run starts the daemon and blocks until ctx is cancelled, sweeping
// expired challenges on the configured interval.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}

	interval := d.Config().SweepInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return d.Shutdown(context.Background(), "signal")

		case <-ticker.C:
			d.maintain(ctx)
			if next := d.Config().SweepInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
			}

		case err := <-d.loader.Errors():
			d.log.Warn("config reload rejected", "error", err)
		}
	}
}

// maintain runs one sweep and prunes idle rate limiter buckets.
func (d *Daemon) maintain(ctx context.Context) {
	res, err := d.authority.Sweep(ctx)
	if err != nil {
		d.log.Error("sweep failed", "error", err)
	} else if len(res.Expired) > 0 || res.Purged > 0 {
		d.log.Debug("sweep complete", "expired", len(res.Expired), "purged", res.Purged)
	}

	idle := time.Duration(d.Config().RateLimit.IdleMinutes) * time.Minute
	if n := d.limiter.Prune(idle); n > 0 {
		d.log.Debug("rate limiter pruned", "keys", n)
	}
	d.metrics.UpdateUptime()
}

// applyConfig applies the settings that can change without a restart.
func (d *Daemon) applyConfig(old, cfg *config.Config) {
	ctx := context.Background()
	if old == nil {
		old = d.Config()
	}

	if old.Challenge.TTLSec != cfg.Challenge.TTLSec {
		d.authority.SetTTL(cfg.ChallengeTTL())
		d.configChanged(ctx, "challenge.ttl_sec", old.Challenge.TTLSec, cfg.Challenge.TTLSec)
	}
	if old.Challenge.RetentionHours != cfg.Challenge.RetentionHours {
		d.authority.SetRetention(cfg.Retention())
		d.configChanged(ctx, "challenge.retention_hours", old.Challenge.RetentionHours, cfg.Challenge.RetentionHours)
	}
	if old.Challenge.SweepIntervalSec != cfg.Challenge.SweepIntervalSec {
		d.configChanged(ctx, "challenge.sweep_interval_sec", old.Challenge.SweepIntervalSec, cfg.Challenge.SweepIntervalSec)
	}
	if old.Logging.Level != cfg.Logging.Level {
		if lvl, err := logging.ParseLevel(cfg.Logging.Level); err == nil {
			d.log.SetLevel(lvl)
			d.audit.LogConfigChange(ctx, "logging.level", old.Logging.Level, cfg.Logging.Level)
			d.log.Info("config changed", "setting", "logging.level", "old", old.Logging.Level, "new", cfg.Logging.Level)
		}
	}

	restart := []struct {
		setting string
		changed bool
	}{
		{"server.socket_path", old.Server.SocketPath != cfg.Server.SocketPath},
		{"server.metrics_addr", old.Server.MetricsAddr != cfg.Server.MetricsAddr},
		{"storage", old.Storage != cfg.Storage},
		{"rate_limit", old.RateLimit != cfg.RateLimit},
		{"challenge.message_size", old.Challenge.MessageSize != cfg.Challenge.MessageSize},
		{"logging.trace_path", old.Logging.TracePath != cfg.Logging.TracePath ||
			old.Logging.TraceSampleRatio != cfg.Logging.TraceSampleRatio},
	}
	for _, r := range restart {
		if r.changed {
			d.log.Warn("config change requires restart", "setting", r.setting)
		}
	}

	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
}

func (d *Daemon) configChanged(ctx context.Context, setting string, from, to int) {
	o, n := strconv.Itoa(from), strconv.Itoa(to)
	d.audit.LogConfigChange(ctx, setting, o, n)
	d.log.Info("config changed", "setting", setting, "old", o, "new", n)
}

// Shutdown stops accepting requests and releases every resource.
func (d *Daemon) Shutdown(ctx context.Context, reason string) error {
	d.checker.SetReady(false)
	d.log.Info("silentauthd shutting down", "reason", reason)

	var errs []error
	if err := d.server.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop ipc: %w", err))
	}
	if d.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := d.httpSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("stop metrics: %w", err))
		}
		cancel()
	}
	if err := d.loader.Close(); err != nil {
		errs = append(errs, fmt.Errorf("stop config watcher: %w", err))
	}

	d.audit.LogShutdown(ctx, reason)
	d.closeStorage()
	return errors.Join(errs...)
}

func (d *Daemon) closeStorage() {
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.log.Warn("close store", "error", err)
		}
	}
	d.closeSinks()
}

// closeSinks closes the audit log and the trace file.
func (d *Daemon) closeSinks() {
	if d.audit != nil {
		d.audit.Close()
	}
	if err := d.tracer.Shutdown(); err != nil {
		d.log.Warn("close trace file", "error", err)
	}
}
