package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/shellbox/internal/config"
	"github.com/jkaninda/shellbox/internal/execution"
	"github.com/jkaninda/shellbox/internal/gateway"
	"github.com/jkaninda/shellbox/internal/observability"
	"github.com/jkaninda/shellbox/internal/pool"
	"github.com/jkaninda/shellbox/internal/ratelimit"
	"github.com/jkaninda/shellbox/internal/sandbox"
	"github.com/jkaninda/shellbox/internal/session"
	"github.com/jkaninda/shellbox/internal/storage"
	"github.com/jkaninda/shellbox/internal/storage/memory"
	pgstore "github.com/jkaninda/shellbox/internal/storage/postgres"
	redisstore "github.com/jkaninda/shellbox/internal/storage/redis"
	sqlitestore "github.com/jkaninda/shellbox/internal/storage/sqlite"
)

// SharedComponents holds the subsystems both serve and mcp modes need.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Store  storage.Store
	Obs    *observability.Observability

	Pool     *pool.Client      // nil unless the pool backend is selected.
	Sessions *session.Registry // nil unless the pool backend is selected.
	Backend  sandbox.Backend
	Runner   *execution.Runner
	Limiter  *ratelimit.Limiter

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// sharedOptions tweaks initShared per command.
type sharedOptions struct {
	// envPool builds the pool client from the environment only, for
	// invocations without a config file.
	envPool bool
}

// newLogger returns the JSON stderr logger. SHELLBOX_LOG_LEVEL selects the level.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if v := goutils.Env("SHELLBOX_LOG_LEVEL", ""); v != "" {
		if err := level.UnmarshalText([]byte(v)); err != nil {
			level = slog.LevelInfo
		}
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// initShared performs the initialization shared between serve and mcp modes.
// Callers must call sc.Cleanup() when done.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts sharedOptions) (*SharedComponents, error) {
	sc := &SharedComponents{Config: cfg, Logger: logger}

	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	logger.Debug("observability initialized",
		slog.Bool("metrics", obs.Metrics != nil),
		slog.Bool("tracing", obs.Tracer != nil),
		slog.Bool("anomaly", obs.Anomaly != nil),
	)

	// Storage.
	store, err := initStore(ctx, cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	if err := store.Migrate(ctx); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	// Sandbox backend.
	backend, err := sc.initBackend(opts)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing sandbox backend: %w", err)
	}
	if obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil {
		backend = observability.NewInstrumentedBackend(backend, obs.Metrics, obs.TracerOrNil(), obs.Anomaly)
	}
	sc.Backend = backend
	logger.Info("sandbox backend initialized", slog.String("backend", backend.Name()))

	// Command runner.
	sc.Runner = execution.NewRunner(backend, store.Executions(), logger)
	if obs.Metrics != nil {
		sc.Runner.WithFinishHook(obs.Metrics.ObserveExecution)
	}

	sc.Limiter = ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		BurstSize:         cfg.RateLimit.BurstSize,
	})

	sc.addHealthChecks()
	return sc, nil
}

// initBackend builds the configured backend. The pool backend also builds
// the pool client and the session registry.
func (sc *SharedComponents) initBackend(opts sharedOptions) (sandbox.Backend, error) {
	cfg, logger, obs := sc.Config, sc.Logger, sc.Obs

	switch cfg.Sandbox.BackendName() {
	case config.BackendDocker:
		return sandbox.NewDockerBackend(sandbox.DockerConfig{
			Image:          cfg.Sandbox.Docker.Image,
			MemoryMB:       cfg.Sandbox.MaxMemoryMB,
			CPUCores:       cfg.Sandbox.Docker.CPUCores,
			PIDsLimit:      cfg.Sandbox.Docker.PIDsLimit,
			NetworkAllowed: cfg.Sandbox.Docker.NetworkAllowed,
		}, logger), nil

	case config.BackendProcess:
		logger.Warn("process sandbox backend provides no isolation; use it for development only")
		return sandbox.NewProcessBackend(sandbox.ProcessConfig{
			BaseDir: cfg.SessionsDir(),
			Limits: sandbox.ResourceLimits{
				MaxCPUSeconds: cfg.Sandbox.MaxCPUSeconds,
				MaxMemoryMB:   cfg.Sandbox.MaxMemoryMB,
			},
		}, logger), nil
	}

	client, err := newPoolClient(cfg, logger, opts)
	if err != nil {
		return nil, err
	}
	sc.Pool = client

	var pc session.PoolClient = client
	if obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil {
		pc = observability.NewInstrumentedPool(client, obs.Metrics, obs.TracerOrNil(), obs.Anomaly)
	}

	sc.Sessions = session.NewRegistry(pc, sc.Store.Sessions(), session.Options{
		RequestTimeout: cfg.Pool.Timeout(),
		BorrowWait:     cfg.Pool.BorrowWait(),
		Logger:         logger,
	})
	sc.addCleanup(sc.Sessions.CloseAll)

	logger.Debug("pool client initialized",
		slog.String("url", client.Config().BaseURL),
		slog.Duration("poll_interval", cfg.Pool.PollInterval()),
		slog.Int("max_attempts", cfg.Pool.Attempts()),
	)
	return sandbox.NewPoolBackend(sc.Sessions, cfg.Sandbox.LogPollInterval(), logger), nil
}

func newPoolClient(cfg *config.Config, logger *slog.Logger, opts sharedOptions) (*pool.Client, error) {
	if opts.envPool {
		return pool.Default(logger)
	}
	return pool.NewClient(pool.Config{
		BaseURL:      cfg.Pool.URL,
		Timeout:      cfg.Pool.Timeout(),
		BorrowWait:   cfg.Pool.BorrowWait(),
		PollInterval: cfg.Pool.PollInterval(),
		MaxAttempts:  cfg.Pool.Attempts(),
		Params:       cfg.Pool.Params,
	}, logger)
}

// addHealthChecks registers readiness checks for storage and the pool.
func (sc *SharedComponents) addHealthChecks() {
	hc := sc.Config.Observability.HealthOrDefault()
	if hc.IncludeDB {
		sc.Obs.Health.AddCheck("storage", sc.Store.Ping)
	}
	if hc.IncludePool && sc.Pool != nil {
		sc.Obs.Health.AddCheck("pool", sc.Pool.Ping)
	}
}

// initStore creates the storage driver selected in config.
func initStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverSQLite:
		return sqlitestore.Open(sqlitestore.ConfigFrom(cfg.Storage.SQLite, cfg.ResolvedDataDir()), logger)

	case storage.DriverPostgres:
		pgDB, err := pgstore.Open(ctx, pgstore.ConfigFrom(cfg.Storage.Postgres), logger)
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		return pgstore.NewStore(pgDB), nil

	case storage.DriverRedis:
		return redisstore.Open(ctx, cfg.Storage.Redis, logger)

	case storage.DriverMemory:
		logger.Warn("memory storage selected: records are lost on restart and not shared between instances")
		return memory.New(), nil

	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

// apiKeys maps configured keys to client names. Several keys may be given
// comma-separated.
func apiKeys(raw string) map[string]string {
	keys := make(map[string]string)
	for i, k := range strings.Split(raw, ",") {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		keys[k] = fmt.Sprintf("key-%d", i+1)
	}
	return keys
}

// runGateway starts gw and blocks until ctx is canceled or gw exits, then
// stops it within shutdownTimeout and waits for running executions.
func runGateway(ctx context.Context, name string, gw gateway.Gateway, sc *SharedComponents, shutdownTimeout time.Duration) {
	logger := sc.Logger.With(slog.String("gateway", name))

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.String("error", err.Error()))
	}
	waitRunner(shutdownCtx, sc, logger)
}

// waitRunner lets running executions reach a terminal record before the
// store closes. Records still running at the deadline are swept as
// abandoned on the next start.
func waitRunner(ctx context.Context, sc *SharedComponents, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		sc.Runner.Wait()
		close(done)
	}()
	start := time.Now()
	select {
	case <-done:
		logger.Debug("executions drained", slog.Duration("took", time.Since(start)))
	case <-ctx.Done():
		logger.Warn("shutdown deadline reached with executions still running")
	}
}
