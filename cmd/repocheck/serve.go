package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/repocheck/internal/gateway"
	"github.com/jkaninda/repocheck/internal/gateway/httpapi"
	"github.com/jkaninda/repocheck/internal/ratelimit"
	"github.com/jkaninda/repocheck/internal/scheduler"
)

const limiterIdle = 10 * time.Minute

var (
	serveAddr        string
	serveNoScheduler bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the verification scheduler",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "override HTTP listen address (e.g. :8080)")
	serveCmd.Flags().BoolVar(&serveNoScheduler, "no-scheduler", false, "do not start the scheduled audits")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.HTTP.ListenAddr = serveAddr
	}

	logger.Info("starting server", slog.String("config", configPath))

	sc, err := initShared(cfg, logger, sharedOptions{store: true, notify: true})
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signalContext()
	defer stop()

	// Scheduled audits (optional).
	if cfg.Scheduler != nil && cfg.Scheduler.Enabled && !serveNoScheduler {
		sched, err := scheduler.New(cfg.Scheduler, sc.Verifier, logger)
		if err != nil {
			return fmt.Errorf("initializing scheduler: %w", err)
		}
		sched.WithPruner(sc.Store)
		if m := sc.Obs.MetricsOrNil(); m != nil {
			sched.WithRecorder(m)
		}
		cancelScheduler := sched.Start(ctx)
		defer cancelScheduler()
	}

	gateways := []gateway.Gateway{newHTTPGateway(ctx, sc)}

	// Start all gateways in goroutines.
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}
	return nil
}

// newHTTPGateway builds the HTTP API and starts pruning idle rate limit buckets
// until ctx ends.
func newHTTPGateway(ctx context.Context, sc *SharedComponents) *httpapi.Gateway {
	httpCfg := sc.Config.HTTP
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: httpCfg.RateLimit.RequestsPerMinute,
		BurstSize:         httpCfg.RateLimit.BurstSize,
	})
	go func() {
		t := time.NewTicker(limiterIdle)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := limiter.Prune(limiterIdle); n > 0 {
					sc.Logger.Debug("pruned idle rate limit buckets", slog.Int("count", n))
				}
			}
		}
	}()

	gwCfg := httpapi.Config{
		ListenAddr:     httpCfg.ListenAddr,
		EnableDocs:     httpCfg.EnableDocs,
		APIKeys:        httpCfg.APIKeys,
		MaxRequestSize: httpCfg.MaxRequestSizeBytes,
		HealthChecker:  sc.Obs.HealthOrNil(),
	}
	if m := sc.Obs.MetricsOrNil(); m != nil {
		gwCfg.Metrics = m
		gwCfg.MetricsRegistry = m.Registry
		if mc := sc.Config.Observability.Metrics; mc != nil {
			gwCfg.MetricsPath = mc.Path
		}
	}
	if ts := sc.Obs.TracerOrNil(); ts != nil {
		gwCfg.Tracer = ts.Tracer()
	}

	sc.Logger.Debug("gateway enabled",
		slog.String("type", "http"),
		slog.String("addr", httpCfg.ListenAddr),
		slog.Bool("auth", len(httpCfg.APIKeys) > 0),
	)
	return httpapi.NewGateway(gwCfg, sc.Verifier, sc.Store, limiter, sc.Logger)
}
