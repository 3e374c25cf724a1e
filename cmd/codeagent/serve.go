package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/codeagent/internal/config"
	"github.com/jkaninda/codeagent/internal/gateway"
	"github.com/jkaninda/codeagent/internal/gateway/httpapi"
	"github.com/jkaninda/codeagent/internal/observability"
	"github.com/jkaninda/codeagent/internal/ratelimit"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the agent over HTTP",
	Long: `Start the HTTP gateway. POST /v1/query runs a fresh conversation per
request; GET /v1/tools lists the tools offered to the model. /v1/runs exposes
the recorded transcripts, kept in memory unless storage is configured.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "override the HTTP listen address (e.g. :8080)")
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.Gateway.ListenAddr = serveListen
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := initComponents(ctx, cfg, logger, true)
	if err != nil {
		if errors.Is(err, config.ErrMissingCredential) {
			return &exitError{code: ExitMissingCredential, msg: "Error: " + err.Error()}
		}
		return err
	}
	defer c.Cleanup()

	gwCfg := httpapi.Config{
		ListenAddr:     cfg.Gateway.ListenAddr,
		EnableDocs:     cfg.Gateway.EnableDocs,
		APIKeys:        cfg.Gateway.APIKeys,
		MaxRequestSize: cfg.Gateway.MaxRequestSizeBytes,
		HealthChecker:  healthChecker(c),
	}
	if m := c.Obs.MetricsOrNil(); m != nil {
		gwCfg.Metrics = m
		gwCfg.MetricsRegistry = m.Registry
		gwCfg.MetricsPath = cfg.Observability.Metrics.Path
	}
	gwCfg.Tracer = gatewayTracer(c.Obs)

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Gateway.RateLimit.RequestsPerMinute,
		BurstSize:         cfg.Gateway.RateLimit.BurstSize,
	})

	httpGW := httpapi.NewGateway(gwCfg, c.newLoop(), c.Dispatcher, limiter, logger).
		WithRunHistory(c.History)
	var gw gateway.Gateway = httpGW

	logger.Info("starting gateway",
		slog.String("listen_addr", cfg.Gateway.ListenAddr),
		slog.String("root", c.Root),
		slog.String("provider", c.Provider.Name()),
		slog.Bool("auth", len(cfg.Gateway.APIKeys) > 0),
	)

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("gateway shutdown", slog.String("error", err.Error()))
	}
	return nil
}

// healthChecker registers the readiness checks: the workspace root must be
// readable and the database, when configured, must answer a ping.
func healthChecker(c *components) *observability.HealthChecker {
	var hc *observability.HealthChecker
	if c.Obs != nil && c.Obs.Health != nil {
		hc = c.Obs.Health
	} else {
		hc = observability.NewHealthChecker(c.Logger)
	}
	hc.AddCheck("workspace", observability.DirCheck(c.Root))
	if c.Store != nil {
		hc.AddCheck("database", observability.PingCheck(c.Store))
	}
	return hc
}

func gatewayTracer(obs *observability.Observability) trace.Tracer {
	if ts := obs.TracerOrNil(); ts != nil {
		return ts.Tracer()
	}
	return nil
}
