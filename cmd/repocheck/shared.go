package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/repocheck/internal/build"
	"github.com/jkaninda/repocheck/internal/config"
	"github.com/jkaninda/repocheck/internal/notification"
	"github.com/jkaninda/repocheck/internal/observability"
	"github.com/jkaninda/repocheck/internal/sandbox"
	"github.com/jkaninda/repocheck/internal/storage"
	pgstore "github.com/jkaninda/repocheck/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/repocheck/internal/storage/sqlite"
	"github.com/jkaninda/repocheck/internal/verify"
)

// SharedComponents holds the subsystems every command that verifies needs.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config     *config.Config
	Logger     *slog.Logger
	Obs        *observability.Observability
	Executor   sandbox.Executor
	Store      storage.Store            // nil when opened without storage.
	Dispatcher *notification.Dispatcher // policy "never" when notifications are disabled.
	Verifier   *verify.Orchestrator

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

// sharedOptions selects the optional subsystems of initShared.
type sharedOptions struct {
	store  bool // open the report store
	notify bool // send notifications for finished reports
}

// newLogger builds the process logger. Logs always go to stderr so that
// stdout stays free for reports and the MCP protocol.
func newLogger(format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "json", "":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q (supported: json, text)", format)
	}
}

// loadConfig builds the logger and loads the config named by --config or
// REPOCHECK_CONFIG.
func loadConfig() (*config.Config, *slog.Logger, error) {
	logger, err := newLogger(logFormat, logLevel)
	if err != nil {
		return nil, nil, err
	}
	path := goutils.Env("REPOCHECK_CONFIG", configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	logger.Debug("config loaded", slog.String("path", path))
	return cfg, logger, nil
}

// initShared performs the initialization shared by verify, serve, mcp and watch.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger, opts sharedOptions) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger, observability.RunAttributes(cfg, version)...)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})

	// Executor.
	var exec sandbox.Executor = sandbox.NewProcessExecutor(sandbox.ProcessConfig{
		AllowedRoots:   []string{cfg.VerifyRoot, cfg.SandboxRoot},
		DefaultTimeout: time.Duration(cfg.Sandbox.DefaultTimeoutSeconds) * time.Second,
		DefaultLimits: sandbox.ResourceLimits{
			MaxCPUSeconds: cfg.Sandbox.MaxCPUSeconds,
			MaxMemoryMB:   cfg.Sandbox.MaxMemoryMB,
		},
		MaxOutputChars: cfg.Sandbox.MaxOutputChars,
	}, logger)
	if m := obs.MetricsOrNil(); m != nil || obs.TracerOrNil() != nil {
		exec = observability.NewInstrumentedExecutor(exec, m, obs.TracerOrNil())
	}
	sc.Executor = exec

	verifyOpts := []verify.Option{
		verify.WithLogger(logger),
		verify.WithTracer(obs.TracerOrNil().Tracer()),
	}
	if m := obs.MetricsOrNil(); m != nil {
		verifyOpts = append(verifyOpts, verify.WithRecorder(m))
	}

	// Storage.
	if opts.store {
		store, err := initStore(cfg, logger)
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
		verifyOpts = append(verifyOpts, verify.WithStore(store))
	}

	// Notifications.
	notifyCfg := cfg.Notification
	if !opts.notify {
		notifyCfg = nil
	}
	dispatcher, err := notification.FromConfig(notifyCfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing notifications: %w", err)
	}
	if m := obs.MetricsOrNil(); m != nil {
		dispatcher.WithRecorder(m)
	}
	sc.Dispatcher = dispatcher
	if dispatcher.Len() > 0 {
		verifyOpts = append(verifyOpts, verify.WithNotifier(dispatcher))
		logger.Debug("notifications enabled",
			slog.String("policy", cfg.NotifyPolicy()),
			slog.Int("senders", dispatcher.Len()),
		)
	}

	orch, err := verify.New(verify.Config{
		VerifyRoot:  cfg.VerifyRoot,
		SandboxRoot: cfg.SandboxRoot,
		DefaultRef:  cfg.DefaultRef,
		Timeouts:    cfg.PipelineTimeouts(),
		LockTimeout: cfg.LockTimeout(),
		Tools: build.Tools{
			Python: cfg.Tools.Python,
			Bundle: cfg.Tools.Bundle,
			Git:    cfg.Tools.Git,
			Shell:  cfg.Tools.Shell,
		},
	}, exec, verifyOpts...)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing orchestrator: %w", err)
	}
	sc.Verifier = orch

	// Health checks.
	if h := obs.HealthOrNil(); h != nil {
		h.AddCheck("git", observability.ExecutorCheck(exec, cfg.VerifyRoot, gitBinary(cfg), "--version"))
		if sc.Store != nil {
			h.AddCheck("database", sc.Store.Ping)
		}
	}

	logger.Debug("orchestrator initialized",
		slog.String("verify_root", cfg.VerifyRoot),
		slog.String("sandbox_root", cfg.SandboxRoot),
		slog.String("default_ref", cfg.DefaultRef),
	)
	return sc, nil
}

// initStore creates the storage backend selected by config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}
	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	if cfg.Storage == nil || cfg.Storage.Postgres.DSN == "" {
		return nil, errors.New("postgres DSN is required (set storage.postgres.dsn or REPOCHECK_DB_DSN)")
	}
	pg := cfg.Storage.Postgres
	pgDB, err := pgstore.Open(pgstore.Config{
		DSN:             pg.DSN,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(pgDB), nil
}

func gitBinary(cfg *config.Config) string {
	if cfg.Tools.Git != "" {
		return cfg.Tools.Git
	}
	return "git"
}

// parseTimeoutFlags turns repeated --timeout phase=seconds flags into overrides.
func parseTimeoutFlags(values []string) (map[string]int, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make(map[string]int, len(values))
	for _, v := range values {
		phase, secs, ok := strings.Cut(v, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --timeout %q: want phase=seconds", v)
		}
		n, err := strconv.Atoi(strings.TrimSpace(secs))
		if err != nil {
			return nil, fmt.Errorf("invalid --timeout %q: %w", v, err)
		}
		out[strings.TrimSpace(phase)] = n
	}
	return out, nil
}

// exitError carries a process exit code without printing "fatal".
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func exitCode(err error) (int, bool) {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code, true
	}
	return 0, false
}
