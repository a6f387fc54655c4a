// Package supervisor detects watchdog/stall escalation storms on a
// per-repo basis. A repo whose tasks keep escalating for the same reason
// within a rolling window is pulled out of scheduling for a cooldown period
// and an operator is notified, the same storm/cooldown shape a process
// supervisor uses to stop crash-looping a service instead of restarting it
// forever.
package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/ralph-build/ralphd/internal/logging"
	"github.com/ralph-build/ralphd/internal/notify"
)

// Config holds guard configuration.
type Config struct {
	MaxEscalationsInWindow int
	Window                 time.Duration
	CooldownDuration       time.Duration
	StatusDir              string
}

func (c Config) withDefaults() Config {
	if c.MaxEscalationsInWindow <= 0 {
		c.MaxEscalationsInWindow = 3
	}
	if c.Window <= 0 {
		c.Window = 30 * time.Minute
	}
	if c.CooldownDuration <= 0 {
		c.CooldownDuration = time.Hour
	}
	return c
}

// Guard tracks watchdog escalations per repo and answers whether a repo is
// currently eligible for scheduling.
type Guard struct {
	cfg      Config
	policy   *RestartPolicy
	notifier notify.Notifier
	logger   logging.Logger
	status   *StatusFile

	mu            sync.Mutex
	lastSignature map[string]string
	lastReason    map[string]string
}

// New builds a Guard. A nil notifier disables operator notification; a nil
// logger gets a no-op logger.
func New(cfg Config, notifier notify.Notifier, logger logging.Logger) *Guard {
	cfg = cfg.withDefaults()
	var statusFile *StatusFile
	if cfg.StatusDir != "" {
		statusFile = NewStatusFile(filepath.Join(cfg.StatusDir, "ralphd-supervisor.status.json"))
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Guard{
		cfg:           cfg,
		policy:        NewRestartPolicy(cfg.MaxEscalationsInWindow, cfg.Window, cfg.CooldownDuration),
		notifier:      notifier,
		logger:        logging.OrNop(logger),
		status:        statusFile,
		lastSignature: make(map[string]string),
		lastReason:    make(map[string]string),
	}
}

// RecordEscalation records a watchdog escalation for repo and returns true
// if this recurrence pushed the repo into cooldown. A storm whose signature
// (same repo, same reason) matches the one last notified for that repo is
// recorded but does not re-notify.
func (g *Guard) RecordEscalation(ctx context.Context, repo, reason string) bool {
	g.mu.Lock()
	g.lastReason[repo] = reason
	g.mu.Unlock()

	count := g.policy.RecordRestart(repo)
	if count < g.cfg.MaxEscalationsInWindow {
		g.writeStatus()
		return false
	}

	g.mu.Lock()
	signature := repo + "|" + reason
	dup := g.lastSignature[repo] == signature
	g.lastSignature[repo] = signature
	g.mu.Unlock()

	g.policy.EnterCooldown(repo)
	g.logger.Warn("escalation storm detected, cooling down repo: repo=%s count=%d window=%s reason=%s", repo, count, g.cfg.Window, reason)

	if !dup {
		body := fmt.Sprintf("%d watchdog escalations in %s, repo cooled down for %s. Last reason: %s", count, g.cfg.Window, g.cfg.CooldownDuration, reason)
		if err := g.notifier.Notify(ctx, fmt.Sprintf("ralph: %s cooling down", repo), body); err != nil {
			g.logger.Warn("escalation notify failed: %v", err)
		}
	}

	g.writeStatus()
	return true
}

// Eligible reports whether repo is out of cooldown and may be scheduled.
func (g *Guard) Eligible(repo string) bool {
	return !g.policy.InCooldown(repo, time.Now())
}

// Reset clears a repo's recurrence history and cooldown, used by an
// operator override to force a cooled-down repo back into rotation.
func (g *Guard) Reset(repo string) {
	g.policy.Reset(repo)
	g.writeStatus()
}

// StatusReport reads the last written status snapshot.
func (g *Guard) StatusReport() (Status, error) {
	if g.status == nil {
		return Status{}, fmt.Errorf("supervisor: no status dir configured")
	}
	return g.status.Read()
}

func (g *Guard) writeStatus() {
	if g.status == nil {
		return
	}
	now := time.Now()
	g.mu.Lock()
	repos := make(map[string]RepoStatus, len(g.lastReason))
	for repo, reason := range g.lastReason {
		st := RepoStatus{
			RecurrenceCount: g.policy.RestartCount(repo, now),
			InCooldown:      g.policy.InCooldown(repo, now),
			LastReason:      reason,
		}
		repos[repo] = st
	}
	g.mu.Unlock()

	status := Status{
		Timestamp:             now.UTC().Format(time.RFC3339),
		Repos:                 repos,
		TotalRecurrenceWindow: g.policy.TotalRestartCount(now),
	}
	if err := g.status.Write(status); err != nil {
		g.logger.Warn("write supervisor status failed: %v", err)
	}
}
