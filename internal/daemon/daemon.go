// Package daemon drives the tick loop: refresh inventory from the state
// store, synchronize GitHub issue state, invoke the scheduler, and emit a
// heartbeat, once per configured interval, for as long as the process
// runs. It holds no pipeline logic of its own — Process is the worker
// entry point injected by the composition root.
package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/ralph-build/ralphd/internal/async"
	rerrors "github.com/ralph-build/ralphd/internal/errors"
	"github.com/ralph-build/ralphd/internal/githubport"
	"github.com/ralph-build/ralphd/internal/logging"
	"github.com/ralph-build/ralphd/internal/metrics"
	"github.com/ralph-build/ralphd/internal/ralphtask"
	"github.com/ralph-build/ralphd/internal/scheduler"
	"github.com/ralph-build/ralphd/internal/store"
	"github.com/ralph-build/ralphd/internal/tracing"
	"github.com/ralph-build/ralphd/internal/worker"
)

// GitHubSync is the subset of githubport.Port the tick loop needs, kept
// separate from worker.GitHub since it is specific to inventory discovery
// and throttle-gate computation rather than the per-issue pipeline.
type GitHubSync interface {
	SyncLabeledIssues(ctx context.Context, owner, repo, label string) ([]githubport.IssueState, error)
	RateLimitRemaining(ctx context.Context) (int, error)
}

// ProcessFunc drives one task's pipeline to completion, blocked, or
// escalated. The composition root supplies (*worker.Worker).Process.
type ProcessFunc func(ctx context.Context, ref ralphtask.IssueRef) error

// Config is the tick loop's own policy knobs.
type Config struct {
	DaemonID     string
	TickInterval time.Duration

	GlobalConcurrency int64

	// SoftThrottleRateLimit/HardThrottleRateLimit are GitHub primary
	// rate-limit remaining-request thresholds below which the gate steps
	// down to soft- or hard-throttled respectively.
	SoftThrottleRateLimit int
	HardThrottleRateLimit int

	// LockPath guards against two daemon processes running against the
	// same managed state concurrently; Run refuses to start if the lock
	// directory already exists. Whether its recorded owner is still alive
	// is not checked.
	LockPath      string
	HeartbeatPath string
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 30 * time.Second
	}
	if c.GlobalConcurrency <= 0 {
		c.GlobalConcurrency = 4
	}
	if c.SoftThrottleRateLimit <= 0 {
		c.SoftThrottleRateLimit = 500
	}
	if c.HardThrottleRateLimit <= 0 {
		c.HardThrottleRateLimit = 100
	}
	return c
}

// StallGuard reports whether a repo is eligible for scheduling, pulled out
// of rotation by the worker pipeline after a watchdog escalation storm. A
// nil StallGuard on the Daemon disables the check entirely.
type StallGuard interface {
	Eligible(repo string) bool
}

// Daemon owns the tick loop.
type Daemon struct {
	cfg        Config
	store      store.Store
	github     GitHubSync
	scheduler  *scheduler.Scheduler
	process    ProcessFunc
	clock      worker.Clock
	logger     logging.Logger
	heartbeat  *HeartbeatFile
	stallGuard StallGuard

	inFlight int64
}

// SetStallGuard wires a repo-level escalation-storm guard into the tick
// loop. Tasks for a cooled-down repo are filtered out before the scheduler
// sees them, so a crash-looping repo stops consuming global concurrency
// instead of retrying forever.
func (d *Daemon) SetStallGuard(g StallGuard) {
	d.stallGuard = g
}

// New builds a Daemon. A nil clock uses wall-clock time; a nil logger gets
// a component logger.
func New(cfg Config, st store.Store, gh GitHubSync, process ProcessFunc, clock worker.Clock, logger logging.Logger) *Daemon {
	cfg = cfg.withDefaults()
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("Daemon")
	}
	if clock == nil {
		clock = worker.SystemClock{}
	}
	hbPath := cfg.HeartbeatPath
	if hbPath == "" {
		hbPath = "ralph-daemon.heartbeat.json"
	}
	return &Daemon{
		cfg:       cfg,
		store:     st,
		github:    gh,
		scheduler: scheduler.New(cfg.GlobalConcurrency),
		process:   process,
		clock:     clock,
		logger:    logger,
		heartbeat: NewHeartbeatFile(hbPath),
	}
}

// Run acquires the single-instance lock and ticks every TickInterval until
// ctx is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	if d.cfg.LockPath != "" {
		if err := d.acquireLock(); err != nil {
			return err
		}
		defer d.releaseLock()
	}

	d.logger.Info("daemon started: tick=%s global_concurrency=%d", d.cfg.TickInterval, d.cfg.GlobalConcurrency)

	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := d.tick(ctx); err != nil {
				d.logger.Warn("tick failed: %v", err)
			}
		}
	}
}

func (d *Daemon) acquireLock() error {
	if err := os.MkdirAll(filepath.Dir(d.cfg.LockPath), 0o755); err != nil {
		return fmt.Errorf("daemon: prepare lock dir: %w", err)
	}
	if err := os.Mkdir(d.cfg.LockPath, 0o755); err != nil {
		return fmt.Errorf("daemon: already running (lock held at %s): %w", d.cfg.LockPath, err)
	}
	owner := fmt.Sprintf("pid=%d started_at=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	return os.WriteFile(filepath.Join(d.cfg.LockPath, "owner"), []byte(owner), 0o644)
}

func (d *Daemon) releaseLock() {
	_ = os.RemoveAll(d.cfg.LockPath)
}

// tick runs the four-step cycle: refresh inventory, sync GitHub, invoke
// the scheduler, emit a heartbeat. It returns the scheduler's error (if
// any) but never the inventory/sync errors, which are logged and
// tolerated so one misbehaving repo doesn't stall every other repo's tick.
func (d *Daemon) tick(ctx context.Context) error {
	ctx, end := tracing.Start(ctx, "daemon.tick", tracing.StringAttr("daemon_id", d.cfg.DaemonID))
	start := d.clock.Now()
	var tickErr error
	defer func() {
		metrics.ObserveTickDuration(d.clock.Now().Sub(start).Seconds())
		end(tickErr)
	}()

	eligible, seen, err := d.refreshInventory(ctx)
	if err != nil {
		d.logger.Warn("refresh inventory: %v", err)
	}

	repoCfgs, err := d.store.ListRepoConfigs(ctx)
	if err != nil {
		d.logger.Warn("list repo configs: %v", err)
		repoCfgs = nil
	}

	eligible = append(eligible, d.syncGitHub(ctx, repoCfgs, seen)...)
	eligible = d.filterCooledDown(eligible)

	policies := make([]scheduler.RepoPolicy, 0, len(repoCfgs))
	for _, c := range repoCfgs {
		policies = append(policies, scheduler.RepoPolicy{
			Owner:          c.Owner,
			Repo:           c.Repo,
			PriorityBand:   c.PriorityBand,
			MaxConcurrency: int64(c.MaxConcurrency),
		})
	}
	d.scheduler.SyncRepos(policies)

	gate := d.throttleGate(ctx)
	metrics.SetThrottleGate(string(gate))

	tickErr = d.scheduler.Tick(ctx, eligible, gate, d.launch)

	hb := &ralphtask.DaemonHeartbeat{
		DaemonID:      d.cfg.DaemonID,
		LastTickAt:    d.clock.Now(),
		TasksInFlight: int(atomic.LoadInt64(&d.inFlight)),
		ThrottleGate:  string(gate),
	}
	if err := d.store.RecordHeartbeat(ctx, hb); err != nil {
		d.logger.Warn("record heartbeat: %v", err)
	}
	if err := d.heartbeat.Write(hb); err != nil {
		d.logger.Warn("write heartbeat file: %v", err)
	}
	return tickErr
}

// refreshInventory loads every task not yet in a terminal state. Blocked
// tasks are included: a blocked task with a since-cleared blocking source
// (an operator override, a merged parent) is eligible to resume, and the
// worker's own ClaimTask/UpdateTaskStatus logic is what actually decides
// whether it restarts.
func (d *Daemon) refreshInventory(ctx context.Context) ([]*ralphtask.Task, map[ralphtask.IssueRef]bool, error) {
	tasks, err := d.store.ListTasksByStatus(ctx, ralphtask.StatusQueued, ralphtask.StatusInProgress, ralphtask.StatusBlocked)
	if err != nil {
		return nil, make(map[ralphtask.IssueRef]bool), err
	}
	seen := make(map[ralphtask.IssueRef]bool, len(tasks))
	for _, t := range tasks {
		seen[t.IssueRef] = true
	}
	return tasks, seen, nil
}

// syncGitHub polls each configured repo's automation-labeled issues with
// exponential-backoff retry and returns a synthetic Task for every open
// issue the store doesn't already know about. A brand-new issue has no
// task row yet; ClaimTask creates one on the worker's first attempt, so a
// bare IssueRef wrapper is all the scheduler needs to consider it.
func (d *Daemon) syncGitHub(ctx context.Context, repoCfgs []*ralphtask.RepoConfig, seen map[ralphtask.IssueRef]bool) []*ralphtask.Task {
	if d.github == nil {
		return nil
	}
	var discovered []*ralphtask.Task
	retryCfg := rerrors.DefaultRetryConfig()
	for _, cfg := range repoCfgs {
		issues, err := rerrors.RetryWithResultAndLog(ctx, retryCfg, func(ctx context.Context) ([]githubport.IssueState, error) {
			return d.github.SyncLabeledIssues(ctx, cfg.Owner, cfg.Repo, cfg.AutomationLabel)
		}, d.logger)
		if err != nil {
			d.logger.Warn("sync issues for %s/%s: %v", cfg.Owner, cfg.Repo, err)
			continue
		}
		for _, iss := range issues {
			if iss.State != "open" {
				continue
			}
			ref := ralphtask.IssueRef{Owner: cfg.Owner, Repo: cfg.Repo, Number: iss.Number}
			if seen[ref] {
				continue
			}
			seen[ref] = true
			discovered = append(discovered, &ralphtask.Task{IssueRef: ref, Status: ralphtask.StatusQueued})
		}
	}
	return discovered
}

// filterCooledDown drops tasks belonging to a repo the stall guard has
// pulled out of rotation. A nil guard is a no-op.
func (d *Daemon) filterCooledDown(tasks []*ralphtask.Task) []*ralphtask.Task {
	if d.stallGuard == nil {
		return tasks
	}
	out := tasks[:0]
	for _, t := range tasks {
		repo := fmt.Sprintf("%s/%s", t.IssueRef.Owner, t.IssueRef.Repo)
		if d.stallGuard.Eligible(repo) {
			out = append(out, t)
		}
	}
	return out
}

// throttleGate steps the scheduler down when GitHub's remaining primary
// rate limit runs low, ahead of the API itself starting to reject
// requests with 403s every worker would otherwise retry into.
func (d *Daemon) throttleGate(ctx context.Context) scheduler.ThrottleGate {
	if d.github == nil {
		return scheduler.GateRunning
	}
	remaining, err := d.github.RateLimitRemaining(ctx)
	if err != nil || remaining < 0 {
		return scheduler.GateRunning
	}
	switch {
	case remaining <= d.cfg.HardThrottleRateLimit:
		return scheduler.GateHardThrottled
	case remaining <= d.cfg.SoftThrottleRateLimit:
		return scheduler.GateSoftThrottled
	default:
		return scheduler.GateRunning
	}
}

// launch registers a task as started and hands it to an async goroutine;
// it returns as soon as the goroutine is scheduled, which is what lets
// Scheduler.Tick's own wait-for-launched-workers barrier resolve quickly
// each tick instead of blocking for the task's entire run.
func (d *Daemon) launch(ctx context.Context, ref ralphtask.IssueRef) error {
	atomic.AddInt64(&d.inFlight, 1)
	metrics.SchedulerInflight.Set(float64(atomic.LoadInt64(&d.inFlight)))

	async.Go(d.logger, "worker:"+ref.String(), func() {
		defer func() {
			atomic.AddInt64(&d.inFlight, -1)
			metrics.SchedulerInflight.Set(float64(atomic.LoadInt64(&d.inFlight)))
		}()
		if err := d.process(context.Background(), ref); err != nil {
			d.logger.Warn("process %s: %v", ref.String(), err)
		}
	})
	return nil
}
