package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/opsync/internal/bus"
	"github.com/basket/opsync/internal/cache"
	"github.com/basket/opsync/internal/config"
	"github.com/basket/opsync/internal/engine"
	otelPkg "github.com/basket/opsync/internal/otel"
	"github.com/basket/opsync/internal/queue"
	"github.com/basket/opsync/internal/remote"
	"github.com/basket/opsync/internal/replay"
	"github.com/basket/opsync/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE:
  %s                          Run the sync daemon (hydrate queue, replay on schedule)
  %s -daemon                  Same, logs to stdout even on a terminal

SUBCOMMANDS:
  %s status                   Show offline queue depth and config fingerprint
  %s sync                     Run one replay pass against the record store
  %s list                     Fetch and print the task collection
  %s help                     Show this help

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  OPSYNC_HOME              Data directory (default: ~/.opsync)
  OPSYNC_REMOTE_BASE_URL   Record store base URL
  OPSYNC_AUTH_TOKEN        Bearer token for the record store
`)
}

func main() {
	loadDotEnv(".env")

	daemon := flag.Bool("daemon", false, "run in daemon mode (logs to stdout)")
	flag.Usage = printUsage
	flag.Parse()

	// Quiet logs (file-only) on a terminal so command output stays clean.
	quietLogs := isatty.IsTerminal(os.Stdout.Fd()) && !*daemon

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "sync":
			os.Exit(runSyncCommand(ctx, args[1:]))
		case "list":
			os.Exit(runListCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	q, err := queue.Open(ctx, cfg.QueueDBPath(), queue.Options{Logger: logger, Bus: eventBus})
	if err != nil {
		fatalStartup(logger, "E_QUEUE_OPEN", err)
	}
	defer q.Close()
	logger.Info("startup phase", "phase", "queue_hydrated", "pending", q.PendingLen())

	store, err := remote.NewClient(cfg.RemoteBaseURL, remote.Options{
		Timeout:   cfg.RequestTimeout(),
		Token:     configToken(cfg),
		Tracer:    otelProvider.Tracer,
		UserAgent: "opsync/" + Version,
	})
	if err != nil {
		fatalStartup(logger, "E_REMOTE_CLIENT", err)
	}

	localCache := cache.New(eventBus)
	eng := engine.New(engine.Options{
		Cache:              localCache,
		Remote:             store,
		Queue:              q,
		Bus:                eventBus,
		Logger:             logger,
		Metrics:            metrics,
		Owner:              cfg.Owner,
		FreshnessWindow:    cfg.FreshnessWindow(),
		FetchRetryAttempts: cfg.FetchRetryAttempts,
	})

	if err := eng.Refetch(ctx); err != nil {
		// Offline start is valid; the queue and scheduler carry on.
		logger.Warn("initial refetch failed, starting with empty cache", "error", err)
	} else {
		logger.Info("startup phase", "phase", "cache_hydrated", "tasks", localCache.Len())
	}

	replayer := replay.New(replay.Options{
		Queue:   q,
		Remote:  store,
		Engine:  eng,
		Bus:     eventBus,
		Logger:  logger,
		Metrics: metrics,
	})
	sched, err := replay.NewScheduler(cfg.ReplayCron, replayer, logger)
	if err != nil {
		fatalStartup(logger, "E_REPLAY_SCHEDULE", err)
	}
	go sched.Run(ctx)
	logger.Info("startup phase", "phase", "scheduler_started", "cron", cfg.ReplayCron)

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			newCfg, err := config.Load()
			if err != nil {
				logger.Error("config.yaml reload failed", "error", err)
				continue
			}
			if newCfg.Fingerprint() == cfg.Fingerprint() {
				continue
			}
			// Connection and schedule changes need a restart; invalidating
			// the cache picks up data-affecting knobs immediately.
			eng.InvalidateCache()
			logger.Info("config.yaml changed, cache invalidated",
				"fingerprint", newCfg.Fingerprint(), "restart_required_for", "remote_base_url, replay_cron")
			cfg = newCfg
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Flush in-flight work with a bounded final replay attempt.
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if n, err := replayer.ReplayOnce(flushCtx); err != nil {
		logger.Warn("final replay flush incomplete", "replayed", n, "error", err)
	} else if n > 0 {
		logger.Info("final replay flush", "replayed", n)
	}
	logger.Info("shutdown complete")
}

// configToken adapts the configured token env var to the client's token
// seam.
func configToken(cfg config.Config) remote.TokenFunc {
	return func(ctx context.Context) (string, error) {
		return cfg.AuthToken(), nil
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"opsync","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
