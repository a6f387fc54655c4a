package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ralph-build/ralphd/internal/ralphtask"
)

func task(owner, repo string, number int) *ralphtask.Task {
	return &ralphtask.Task{IssueRef: ralphtask.IssueRef{Owner: owner, Repo: repo, Number: number}}
}

func TestTickStartsNothingUnderThrottle(t *testing.T) {
	s := New(4)
	s.SyncRepos([]RepoPolicy{{Owner: "acme", Repo: "widgets", PriorityBand: 1, MaxConcurrency: 2}})

	var launched int
	launch := func(ctx context.Context, ref ralphtask.IssueRef) error {
		launched++
		return nil
	}

	for _, gate := range []ThrottleGate{GateSoftThrottled, GateHardThrottled} {
		launched = 0
		if err := s.Tick(context.Background(), []*ralphtask.Task{task("acme", "widgets", 1)}, gate, launch); err != nil {
			t.Fatalf("Tick: %v", err)
		}
		if launched != 0 {
			t.Fatalf("gate %s: launched = %d, want 0", gate, launched)
		}
	}
}

func TestTickEnforcesPerRepoConcurrencyCap(t *testing.T) {
	s := New(10)
	s.SyncRepos([]RepoPolicy{{Owner: "acme", Repo: "widgets", PriorityBand: 1, MaxConcurrency: 1}})

	release := make(chan struct{})
	var mu sync.Mutex
	inFlight, peak := 0, 0
	launch := func(ctx context.Context, ref ralphtask.IssueRef) error {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		<-release
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	}

	eligible := []*ralphtask.Task{task("acme", "widgets", 1), task("acme", "widgets", 2)}
	done := make(chan error, 1)
	go func() { done <- s.Tick(context.Background(), eligible, GateRunning, launch) }()

	time.Sleep(50 * time.Millisecond)
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Tick: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if peak > 1 {
		t.Fatalf("peak concurrent launches = %d, want <= 1 (repo cap)", peak)
	}
}

func TestTickPrefersLowerIssueNumberWithinRepo(t *testing.T) {
	s := New(10)
	s.SyncRepos([]RepoPolicy{{Owner: "acme", Repo: "widgets", PriorityBand: 1, MaxConcurrency: 1}})

	release := make(chan struct{})
	var mu sync.Mutex
	var launchedRefs []ralphtask.IssueRef
	launch := func(ctx context.Context, ref ralphtask.IssueRef) error {
		mu.Lock()
		launchedRefs = append(launchedRefs, ref)
		mu.Unlock()
		<-release
		return nil
	}

	eligible := []*ralphtask.Task{task("acme", "widgets", 9), task("acme", "widgets", 3)}
	done := make(chan error, 1)
	go func() { done <- s.Tick(context.Background(), eligible, GateRunning, launch) }()

	time.Sleep(50 * time.Millisecond)
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Tick: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(launchedRefs) != 1 || launchedRefs[0].Number != 3 {
		t.Fatalf("launched = %v, want exactly issue #3 (repo cap is 1, lower issue number wins)", launchedRefs)
	}
}

func TestTickDrainsHigherBandBeforeLowerUnderGlobalCap(t *testing.T) {
	s := New(1)
	s.SyncRepos([]RepoPolicy{
		{Owner: "acme", Repo: "high", PriorityBand: 2, MaxConcurrency: 5},
		{Owner: "acme", Repo: "low", PriorityBand: 1, MaxConcurrency: 5},
	})

	release := make(chan struct{})
	var mu sync.Mutex
	var launchedRepos []string
	launch := func(ctx context.Context, ref ralphtask.IssueRef) error {
		mu.Lock()
		launchedRepos = append(launchedRepos, ref.Repo)
		mu.Unlock()
		<-release
		return nil
	}

	eligible := []*ralphtask.Task{task("acme", "high", 1), task("acme", "low", 1)}
	done := make(chan error, 1)
	go func() { done <- s.Tick(context.Background(), eligible, GateRunning, launch) }()

	time.Sleep(50 * time.Millisecond)
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Tick: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(launchedRepos) != 1 || launchedRepos[0] != "high" {
		t.Fatalf("launched = %v, want only the high-priority-band repo (global cap is 1)", launchedRepos)
	}
}

func TestSyncReposResetsCursorsOnRepoSetChange(t *testing.T) {
	s := New(4)
	s.SyncRepos([]RepoPolicy{{Owner: "acme", Repo: "widgets", PriorityBand: 1, MaxConcurrency: 1}})
	s.mu.Lock()
	s.bandCursor[1] = 7
	s.mu.Unlock()

	s.SyncRepos([]RepoPolicy{{Owner: "acme", Repo: "gadgets", PriorityBand: 1, MaxConcurrency: 1}})

	s.mu.Lock()
	cursor := s.bandCursor[1]
	s.mu.Unlock()
	if cursor != 0 {
		t.Fatalf("bandCursor after repo set change = %d, want reset to 0", cursor)
	}
}
