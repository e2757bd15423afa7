package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/shellbox/internal/config"
	"github.com/jkaninda/shellbox/internal/gateway/httpapi"
	"github.com/jkaninda/shellbox/internal/janitor"
	"github.com/jkaninda/shellbox/internal/stream"
)

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API gateway and maintenance jobs",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `shellbox --config path` and `shellbox serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts the HTTP API gateway and the janitor.
func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger()

	configPath := goutils.Env("SHELLBOX_CONFIG", serveConfigPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if servePort != "" {
		cfg.Gateway.ListenAddr = servePort
	}

	logger.Info("starting shellbox", slog.String("config", configPath), slog.String("version", version))

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger, sharedOptions{})
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	metrics := sc.Obs.MetricsOrNil()

	bridge := stream.NewBridge(sc.Store.Executions(), stream.Config{
		Interval: cfg.Stream.PollInterval(),
		MaxPolls: cfg.Stream.Polls(),
	}, logger)
	if metrics != nil {
		bridge.WithObserver(metrics)
	}

	// Janitor.
	var idle janitor.IdleReleaser
	if sc.Sessions != nil {
		idle = sc.Sessions
	}
	jn := janitor.New(sc.Store.Executions(), idle, logger, cfg.Janitor).WithLimiter(sc.Limiter)
	if metrics != nil {
		jn.WithMetrics(janitor.NewMetrics(metrics.Registry))
	}
	stopJanitor, err := jn.Start(ctx)
	if err != nil {
		return err
	}
	defer stopJanitor()

	// HTTP API gateway.
	gwCfg := httpapi.Config{
		ListenAddr:     cfg.Gateway.Addr(),
		EnableDocs:     cfg.Gateway.EnableDocs,
		APIKeys:        apiKeys(cfg.Gateway.APIKey),
		MaxRequestSize: cfg.Gateway.MaxRequestSize(),
		DefaultTimeout: cfg.Execution.DefaultTimeout(),
		AllowedOrigins: cfg.Stream.AllowedOrigins,
		MetricsPath:    sc.Obs.MetricsPath(),
		HealthChecker:  sc.Obs.Health,
		Metrics:        metrics,
	}
	if metrics != nil {
		gwCfg.MetricsRegistry = metrics.Registry
	}
	var tracer trace.Tracer
	if ts := sc.Obs.TracerOrNil(); ts != nil {
		tracer = ts.Tracer()
	}
	gwCfg.Tracer = tracer

	gw := httpapi.NewGateway(gwCfg, sc.Runner, sc.Store.Executions(), bridge, sc.Limiter, logger)
	if sc.Sessions != nil {
		gw.WithSessions(sc.Sessions)
	}

	runGateway(ctx, "http", gw, sc, cfg.Gateway.ShutdownTimeout())
	return nil
}
