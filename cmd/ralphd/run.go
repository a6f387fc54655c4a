package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ralph-build/ralphd/internal/config"
	"github.com/ralph-build/ralphd/internal/daemon"
	"github.com/ralph-build/ralphd/internal/devops/supervisor"
	"github.com/ralph-build/ralphd/internal/gitport"
	"github.com/ralph-build/ralphd/internal/githubport"
	"github.com/ralph-build/ralphd/internal/logging"
	"github.com/ralph-build/ralphd/internal/metrics"
	"github.com/ralph-build/ralphd/internal/notify"
	"github.com/ralph-build/ralphd/internal/sessionadapter"
	"github.com/ralph-build/ralphd/internal/tracing"
	"github.com/ralph-build/ralphd/internal/worker"
)

func newRunCommand() *cobra.Command {
	var tick time.Duration
	var globalConcurrency int64

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the tick loop: discover labeled issues, schedule workers, drive each to a merged PR.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runDaemon(cmd.Context(), cfg, tick, globalConcurrency)
		},
	}

	cmd.Flags().DurationVar(&tick, "tick", 0, "tick interval (overrides config)")
	cmd.Flags().Int64Var(&globalConcurrency, "concurrency", 0, "global worker concurrency cap (overrides config)")
	return cmd
}

func runDaemon(ctx context.Context, cfg *config.Config, tickOverride time.Duration, concurrencyOverride int64) error {
	logger := logging.NewComponentLogger("ralphd")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, "ralphd")
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	gh, err := buildGitHub(cfg, logger)
	if err != nil {
		return err
	}
	// gh is a concrete *githubport.Port, nil when no token is configured.
	// Assigning a nil *Port straight into an interface field produces a
	// non-nil interface holding a nil pointer, which defeats every
	// "is GitHub configured" nil check downstream — so the interface
	// variables below are only populated when gh is actually non-nil.
	var workerGitHub worker.GitHub
	var daemonGitHub daemon.GitHubSync
	if gh != nil {
		workerGitHub = gh
		daemonGitHub = gh
	}

	gitPort := gitport.New(logging.NewComponentLogger("gitport"))
	session := sessionadapter.New(sessionadapter.Config{
		TransportPreference: cfg.OpencodeTransport,
		XDGRoot:             cfg.SessionsDir,
	})
	notifier := buildNotifier(cfg, logger)

	daemonID := cfg.DaemonID
	if strings.TrimSpace(daemonID) == "" {
		hostname, _ := os.Hostname()
		daemonID = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}

	stallGuard := supervisor.New(supervisor.Config{
		StatusDir: filepath.Dir(cfg.StateDBPath),
	}, notifier, logging.NewComponentLogger("supervisor"))

	w := worker.New(worker.Ports{
		Store:      st,
		Session:    session,
		GitHub:     workerGitHub,
		Git:        gitPort,
		Notifier:   notifier,
		Logger:     logging.NewComponentLogger("worker"),
		StallGuard: stallGuard,
	}, worker.Config{
		ManagedWorktreeRoot: cfg.ManagedWorktreeRoot,
		DaemonID:            daemonID,
	})

	tick := cfg.TickInterval
	if tickOverride > 0 {
		tick = tickOverride
	}
	concurrency := int64(0)
	if concurrencyOverride > 0 {
		concurrency = concurrencyOverride
	}

	d := daemon.New(daemon.Config{
		DaemonID:          daemonID,
		TickInterval:      tick,
		GlobalConcurrency: concurrency,
		LockPath:          filepath.Join(filepath.Dir(cfg.StateDBPath), ".ralphd.lock"),
		HeartbeatPath:     filepath.Join(filepath.Dir(cfg.StateDBPath), "ralphd.heartbeat.json"),
	}, st, daemonGitHub, w.Process, nil, logging.NewComponentLogger("daemon"))
	d.SetStallGuard(stallGuard)

	serveMetrics(cfg.MetricsAddr, logger)

	logger.Info("ralphd starting: profile=%s daemon_id=%s", cfg.Profile, daemonID)
	return d.Run(ctx)
}

// buildGitHub returns nil (daemon runs with GitHub sync disabled) when no
// token is configured, rather than failing startup outright: a dry sandbox
// run against a pre-seeded store is still useful without real API access.
func buildGitHub(cfg *config.Config, logger logging.Logger) (*githubport.Port, error) {
	if strings.TrimSpace(cfg.GitHubToken) == "" {
		logger.Warn("no github token configured: issue sync and PR operations are disabled")
		return nil, nil
	}
	gh, err := githubport.New(githubport.StaticToken(cfg.GitHubToken), logging.NewComponentLogger("githubport"))
	if err != nil {
		return nil, fmt.Errorf("init github port: %w", err)
	}
	return gh, nil
}

func buildNotifier(cfg *config.Config, logger logging.Logger) notify.Notifier {
	if strings.TrimSpace(cfg.SlackWebhook) == "" {
		return notify.Nop{}
	}
	return notify.NewSlack(cfg.SlackWebhook, logging.NewComponentLogger("notify"))
}

func serveMetrics(addr string, logger logging.Logger) {
	if strings.TrimSpace(addr) == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped: %v", err)
		}
	}()
}
