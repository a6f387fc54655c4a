// Package gitport implements worker.Git by shelling out to the git binary,
// one invocation per call, always scoped to a working directory. Each repo
// is expected to have a plain clone checked out at
// <managedRoot>/<owner>/<repo> ahead of time (by whatever provisions the
// daemon's managed worktree root); EnsureWorktree adds or reuses an
// issue-scoped worktree off that clone.
package gitport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ralph-build/ralphd/internal/logging"
	"github.com/ralph-build/ralphd/internal/ralphtask"
)

// Port is the production worker.Git implementation.
type Port struct {
	binary string
	logger logging.Logger
}

// New builds a Port invoking "git" on PATH. A nil logger is replaced by a
// no-op logger.
func New(logger logging.Logger) *Port {
	return &Port{binary: "git", logger: logging.OrNop(logger)}
}

func (p *Port) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, p.binary, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s (in %s): %w: %s", strings.Join(args, " "), dir, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (p *Port) FetchOrigin(ctx context.Context, worktreeDir, ref string) error {
	_, err := p.run(ctx, worktreeDir, "fetch", "origin", ref)
	return err
}

func (p *Port) DiffStat(ctx context.Context, worktreeDir, rangeSpec string) (string, error) {
	return p.run(ctx, worktreeDir, "diff", "--stat", rangeSpec)
}

func (p *Port) Diff(ctx context.Context, worktreeDir, rangeSpec string) (string, error) {
	return p.run(ctx, worktreeDir, "diff", rangeSpec)
}

func (p *Port) StatusPorcelain(ctx context.Context, worktreeDir string) (string, error) {
	return p.run(ctx, worktreeDir, "status", "--porcelain")
}

func (p *Port) MergeNoEdit(ctx context.Context, worktreeDir, ref string) error {
	_, err := p.run(ctx, worktreeDir, "merge", "--no-edit", ref)
	return err
}

func (p *Port) Push(ctx context.Context, worktreeDir, ref string) error {
	_, err := p.run(ctx, worktreeDir, "push", "origin", "HEAD:refs/heads/"+ref)
	return err
}

// EnsureWorktree returns the issue-scoped worktree path under managedRoot,
// adding it off the repo's plain clone if it doesn't already exist. The
// branch name is stable across retries (issue-<n>), so a resumed task
// reuses the same worktree and branch a prior attempt left behind.
func (p *Port) EnsureWorktree(ctx context.Context, managedRoot string, ref ralphtask.IssueRef) (string, error) {
	repoDir := filepath.Join(managedRoot, ref.Owner, ref.Repo)
	if _, err := os.Stat(repoDir); err != nil {
		return "", fmt.Errorf("ensure worktree: repo clone not found at %s: %w", repoDir, err)
	}

	branch := fmt.Sprintf("issue-%d", ref.Number)
	path := filepath.Join(managedRoot, ref.Owner, ref.Repo, ".worktrees", branch)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("ensure worktree: stat %s: %w", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("ensure worktree: mkdir: %w", err)
	}

	// -B resets an existing local branch to origin/HEAD if one survives
	// from a prior worktree that was manually removed; a brand new issue
	// just gets a fresh branch off the default.
	if _, err := p.run(ctx, repoDir, "worktree", "add", "-B", branch, path, "origin/HEAD"); err != nil {
		return "", fmt.Errorf("ensure worktree: %w", err)
	}
	return path, nil
}
