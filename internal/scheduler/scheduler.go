// Package scheduler selects which queued/in-progress-but-stale tasks start
// on a given tick, under a global concurrency cap, per-repo concurrency
// caps, and priority-band fairness. It holds no task state of its own;
// ralphtask.Task snapshots and the throttle gate come in from the daemon
// loop each tick, and LaunchFunc is the worker entry point the scheduler
// calls once a slot is acquired.
package scheduler

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ralph-build/ralphd/internal/ralphtask"
)

// ThrottleGate mirrors the daemon heartbeat's scheduler-visible throttle
// state.
type ThrottleGate string

const (
	GateRunning       ThrottleGate = "running"
	GateSoftThrottled ThrottleGate = "soft-throttled"
	GateHardThrottled ThrottleGate = "hard-throttled"
)

// RepoPolicy is the scheduler-relevant slice of a RepoConfig.
type RepoPolicy struct {
	Owner          string
	Repo           string
	PriorityBand   int
	MaxConcurrency int64
}

func (p RepoPolicy) key() string { return p.Owner + "/" + p.Repo }

// LaunchFunc starts one task's worker. It blocks until the worker releases
// the slot (returns, blocks, or escalates); the scheduler only controls
// when it starts, not how long it runs.
type LaunchFunc func(ctx context.Context, ref ralphtask.IssueRef) error

// Scheduler holds the cross-tick concurrency and fairness state: a global
// weighted semaphore, one per-repo weighted semaphore, and per-band
// round-robin cursors and budgets that persist across ticks so fairness
// is actually round-robin rather than reset-every-tick.
type Scheduler struct {
	global *semaphore.Weighted

	mu          sync.Mutex
	globalCap   int64
	repoSems    map[string]*semaphore.Weighted
	repoPolicy  map[string]RepoPolicy
	bandCursor  map[int]int
	bandBudget  map[int]int
	fingerprint uint64
}

// New builds a Scheduler with the given global concurrency cap. Repos are
// added via SyncRepos before the first Tick.
func New(globalConcurrency int64) *Scheduler {
	if globalConcurrency <= 0 {
		globalConcurrency = 1
	}
	return &Scheduler{
		global:     semaphore.NewWeighted(globalConcurrency),
		globalCap:  globalConcurrency,
		repoSems:   make(map[string]*semaphore.Weighted),
		repoPolicy: make(map[string]RepoPolicy),
		bandCursor: make(map[int]int),
		bandBudget: make(map[int]int),
	}
}

// SyncRepos refreshes the scheduler's repo set from the current
// RepoConfig list. When the set of repo keys changes, every band's
// cursor and budget resets deterministically, seeded by a fingerprint of
// the new set, so a repo added or removed doesn't leave stale rotation
// state pointing at a repo that no longer exists.
func (s *Scheduler) SyncRepos(policies []RepoPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fp := fingerprint(policies)
	changed := fp != s.fingerprint
	s.fingerprint = fp

	seen := make(map[string]bool, len(policies))
	for _, p := range policies {
		seen[p.key()] = true
		s.repoPolicy[p.key()] = p
		if _, ok := s.repoSems[p.key()]; !ok {
			cap := p.MaxConcurrency
			if cap <= 0 {
				cap = 1
			}
			s.repoSems[p.key()] = semaphore.NewWeighted(cap)
		}
	}
	for key := range s.repoPolicy {
		if !seen[key] {
			delete(s.repoPolicy, key)
			delete(s.repoSems, key)
		}
	}

	if changed {
		s.bandCursor = make(map[int]int)
		s.bandBudget = make(map[int]int)
	}
}

func fingerprint(policies []RepoPolicy) uint64 {
	keys := make([]string, 0, len(policies))
	for _, p := range policies {
		keys = append(keys, p.key())
	}
	sort.Strings(keys)
	h := fnv.New64a()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
	}
	return h.Sum64()
}

// Tick groups eligible tasks by repo, then launches as many as the current
// tick's bands and caps allow. Higher-priority bands are attempted before
// lower ones; within a band, repos are visited round-robin starting at
// that band's cursor, each repo's own tasks enumerated by issue number
// ascending. A soft or hard throttle starts nothing. Tick returns once
// every launched worker has returned (it supervises the tick's own
// goroutines via errgroup, not the daemon's longer-lived worker pool).
func (s *Scheduler) Tick(ctx context.Context, eligible []*ralphtask.Task, gate ThrottleGate, launch LaunchFunc) error {
	if gate == GateHardThrottled || gate == GateSoftThrottled {
		return nil
	}

	byRepo := groupByRepo(eligible)

	s.mu.Lock()
	bands := s.bandsDescending()
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, band := range bands {
		s.runBand(gctx, g, band, byRepo, launch)
	}
	return g.Wait()
}

func groupByRepo(tasks []*ralphtask.Task) map[string][]*ralphtask.Task {
	byRepo := make(map[string][]*ralphtask.Task)
	for _, t := range tasks {
		key := t.IssueRef.Owner + "/" + t.IssueRef.Repo
		byRepo[key] = append(byRepo[key], t)
	}
	for key := range byRepo {
		tasks := byRepo[key]
		sort.Slice(tasks, func(i, j int) bool { return tasks[i].IssueRef.Number < tasks[j].IssueRef.Number })
		byRepo[key] = tasks
	}
	return byRepo
}

// bandsDescending returns the distinct priority bands currently known,
// highest first. Must be called with s.mu held.
func (s *Scheduler) bandsDescending() []int {
	seen := make(map[int]bool)
	for _, p := range s.repoPolicy {
		seen[p.PriorityBand] = true
	}
	bands := make([]int, 0, len(seen))
	for b := range seen {
		bands = append(bands, b)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(bands)))
	return bands
}

// runBand round-robins across the band's repos starting at its cursor,
// launching one task per repo per pass while the band's budget and both
// semaphores allow it. The budget is replenished to the band's own
// priority value only once fully exhausted, so a high-priority band that
// drains its budget early in a tick still yields to lower bands for the
// rest of that tick rather than starving them indefinitely.
func (s *Scheduler) runBand(ctx context.Context, g *errgroup.Group, band int, byRepo map[string][]*ralphtask.Task, launch LaunchFunc) {
	s.mu.Lock()
	repos := s.reposInBand(band)
	if len(repos) == 0 {
		s.mu.Unlock()
		return
	}
	if s.bandBudget[band] <= 0 {
		budget := band
		if budget <= 0 {
			budget = 1
		}
		s.bandBudget[band] = budget
	}
	cursor := s.bandCursor[band]
	s.mu.Unlock()

	n := len(repos)
	globalExhausted := false
	for i := 0; i < n && !globalExhausted; i++ {
		idx := (cursor + i) % n
		repo := repos[idx]
		tasks := byRepo[repo.key()]

		for _, task := range tasks {
			s.mu.Lock()
			budgetLeft := s.bandBudget[band] > 0
			s.mu.Unlock()
			if !budgetLeft {
				break
			}

			repoSem := s.repoSemFor(repo.key())
			if !repoSem.TryAcquire(1) {
				break // this repo is at its own cap; try the next repo
			}
			if !s.global.TryAcquire(1) {
				repoSem.Release(1)
				globalExhausted = true
				break
			}

			s.mu.Lock()
			s.bandBudget[band]--
			s.mu.Unlock()

			ref := task.IssueRef
			g.Go(func() error {
				defer repoSem.Release(1)
				defer s.global.Release(1)
				return launch(ctx, ref)
			})
		}
		if globalExhausted {
			break
		}
	}

	s.mu.Lock()
	s.bandCursor[band] = (cursor + 1) % n
	s.mu.Unlock()
}

// reposInBand returns the band's repos in stable key order. Must be
// called with s.mu held.
func (s *Scheduler) reposInBand(band int) []RepoPolicy {
	var repos []RepoPolicy
	for _, p := range s.repoPolicy {
		if p.PriorityBand == band {
			repos = append(repos, p)
		}
	}
	sort.Slice(repos, func(i, j int) bool { return repos[i].key() < repos[j].key() })
	return repos
}

func (s *Scheduler) repoSemFor(key string) *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.repoSems[key]
	if !ok {
		sem = semaphore.NewWeighted(1)
		s.repoSems[key] = sem
	}
	return sem
}
