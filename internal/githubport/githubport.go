// Package githubport implements the worker.GitHub port against the real
// GitHub API via google/go-github, authenticated with a token source
// (a static personal-access token today; TokenSource is an interface so a
// GitHub App installation-token minter can be swapped in later without
// touching callers).
package githubport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"

	"github.com/ralph-build/ralphd/internal/lanes"
	"github.com/ralph-build/ralphd/internal/logging"
	"github.com/ralph-build/ralphd/internal/ralphtask"
	"github.com/ralph-build/ralphd/internal/worker"
)

// TokenSource produces the bearer token used for every GitHub API call.
// StaticToken is the only implementation wired today.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken returns the same personal-access token for every call.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

// Port is the production worker.GitHub implementation. It also exposes two
// daemon-only methods (SyncLabeledIssues, RateLimitRemaining) outside the
// worker.GitHub interface, for the tick loop's inventory/rate-limit steps.
type Port struct {
	client *github.Client
	logger logging.Logger

	mu         sync.Mutex
	rateRemain int
}

// New builds a Port authenticated via tokens.
func New(tokens TokenSource, logger logging.Logger) (*Port, error) {
	tok, err := tokens.Token(context.Background())
	if err != nil {
		return nil, fmt.Errorf("githubport: resolve token: %w", err)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tok})
	httpClient := oauth2.NewClient(context.Background(), ts)
	return &Port{client: github.NewClient(httpClient), logger: logging.OrNop(logger), rateRemain: -1}, nil
}

func (p *Port) observeRate(resp *github.Response) {
	if resp == nil {
		return
	}
	p.mu.Lock()
	p.rateRemain = resp.Rate.Remaining
	p.mu.Unlock()
}

// RateLimitRemaining returns the primary rate limit's remaining request
// count as observed by the daemon's own issue-sync calls (the tick loop's
// most frequent and most pagination-heavy caller), or -1 before the first
// one completes.
func (p *Port) RateLimitRemaining(context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rateRemain, nil
}

// IssueState is one labeled issue's sync-relevant fields.
type IssueState struct {
	Number    int
	State     string // open | closed
	UpdatedAt time.Time
}

// SyncLabeledIssues lists every issue in owner/repo carrying label,
// open or closed, following go-github's RFC 5988-driven NextPage until
// exhausted.
func (p *Port) SyncLabeledIssues(ctx context.Context, owner, repo, label string) ([]IssueState, error) {
	var out []IssueState
	opts := &github.IssueListByRepoOptions{
		Labels:      []string{label},
		State:       "all",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		issues, resp, err := p.client.Issues.ListByRepo(ctx, owner, repo, opts)
		p.observeRate(resp)
		if err != nil {
			return nil, classifyErr(err)
		}
		for _, iss := range issues {
			if iss.IsPullRequest() {
				continue
			}
			out = append(out, IssueState{
				Number:    iss.GetNumber(),
				State:     iss.GetState(),
				UpdatedAt: iss.GetUpdatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// issueBranch is the stable branch naming convention shared with gitport's
// EnsureWorktree; CanonicalPR and PR creation both key off it so a PR
// opened by one worker is always found by any other worker touching the
// same issue.
func issueBranch(ref ralphtask.IssueRef) string {
	return fmt.Sprintf("issue-%d", ref.Number)
}

// CanonicalPR looks up the PR associated with ref's conventional branch
// name, regardless of which worker created it.
func (p *Port) CanonicalPR(ctx context.Context, ref ralphtask.IssueRef) (*worker.PRSnapshot, error) {
	return p.findOpenPR(ctx, ref)
}

func (p *Port) findOpenPR(ctx context.Context, ref ralphtask.IssueRef) (*worker.PRSnapshot, error) {
	head := fmt.Sprintf("%s:%s", ref.Owner, issueBranch(ref))
	prs, _, err := p.client.PullRequests.List(ctx, ref.Owner, ref.Repo, &github.PullRequestListOptions{
		State: "all",
		Head:  head,
	})
	if err != nil {
		return nil, classifyErr(err)
	}
	if len(prs) == 0 {
		return nil, notFoundErr()
	}
	// Most recently updated wins when somehow more than one exists for the
	// same head (GitHub itself prevents two *open* PRs from the same
	// branch, but closed history can accumulate).
	best := prs[0]
	for _, pr := range prs[1:] {
		if pr.GetUpdatedAt().After(best.GetUpdatedAt().Time) {
			best = pr
		}
	}
	return p.snapshot(ctx, ref, best), nil
}

func (p *Port) snapshot(ctx context.Context, ref ralphtask.IssueRef, pr *github.PullRequest) *worker.PRSnapshot {
	state := pr.GetState()
	switch {
	case pr.GetMerged():
		state = "merged"
	case pr.GetDraft():
		state = "draft"
	case pr.GetMergeableState() == "dirty":
		state = "dirty"
	case pr.GetMergeableState() == "behind":
		state = "behind"
	}
	return &worker.PRSnapshot{
		URL:         pr.GetHTMLURL(),
		Number:      pr.GetNumber(),
		Branch:      pr.GetHead().GetRef(),
		Base:        pr.GetBase().GetRef(),
		State:       state,
		Draft:       pr.GetDraft(),
		SameRepo:    pr.GetHead().GetRepo().GetFullName() == pr.GetBase().GetRepo().GetFullName(),
		GhCreatedAt: pr.GetCreatedAt().Time,
		GhUpdatedAt: pr.GetUpdatedAt().Time,
	}
}

// CreatePR opens a PR for req, or returns the PR a racing worker already
// created under the same conventional branch. idempotencyKey is embedded
// as a hidden marker in the PR body for audit trails; the actual race
// protection is the branch-name lookup, which is authoritative regardless
// of whether the key survived a crash.
func (p *Port) CreatePR(ctx context.Context, req worker.CreatePRRequest, idempotencyKey string) (*worker.PRSnapshot, error) {
	if existing, err := p.findOpenPR(ctx, req.IssueRef); err == nil {
		return existing, nil
	}

	body := fmt.Sprintf("%s\n\n<!-- ralph:idempotency:%s -->", req.Body, idempotencyKey)
	pr, _, err := p.client.PullRequests.Create(ctx, req.IssueRef.Owner, req.IssueRef.Repo, &github.NewPullRequest{
		Title: github.Ptr(req.Title),
		Head:  github.Ptr(req.Branch),
		Base:  github.Ptr(req.Base),
		Body:  github.Ptr(body),
	})
	if err != nil {
		// A 422 "a pull request already exists" response means we lost a
		// creation race between the lookup above and this call; resolve it
		// the same way the pipeline's own classifyPRCreateFailure does.
		if existing, lookupErr := p.findOpenPR(ctx, req.IssueRef); lookupErr == nil {
			return existing, nil
		}
		return nil, classifyErr(err)
	}
	return p.snapshot(ctx, req.IssueRef, pr), nil
}

// RequiredChecks aggregates the check-run conclusions for the PR's current
// head commit into the pipeline's success/pending/timeout/failure model.
func (p *Port) RequiredChecks(ctx context.Context, ref ralphtask.IssueRef, prNumber int) (*worker.ChecksSnapshot, error) {
	pr, _, err := p.client.PullRequests.Get(ctx, ref.Owner, ref.Repo, prNumber)
	if err != nil {
		return nil, classifyErr(err)
	}
	sha := pr.GetHead().GetSHA()

	runs, _, err := p.client.Checks.ListCheckRunsForRef(ctx, ref.Owner, ref.Repo, sha, &github.ListCheckRunsOptions{})
	if err != nil {
		return nil, classifyErr(err)
	}

	snap := &worker.ChecksSnapshot{Status: "success"}
	for _, run := range runs.CheckRuns {
		result := worker.CheckResult{
			Name:     run.GetName(),
			RawState: run.GetStatus() + "/" + run.GetConclusion(),
		}
		switch run.GetStatus() {
		case "completed":
			switch run.GetConclusion() {
			case "success", "neutral", "skipped":
				result.State = "success"
			case "timed_out":
				result.State = "timeout"
				snap.TimedOut = true
			default:
				result.State = "failure"
				result.Excerpt = run.GetOutput().GetSummary()
			}
		default:
			result.State = "pending"
		}
		snap.Checks = append(snap.Checks, result)
		snap.Status = worseOf(snap.Status, result.State)
	}
	if len(runs.CheckRuns) == 0 {
		snap.Status = "pending"
	}
	return snap, nil
}

// worseOf orders check states success < pending < timeout < failure and
// returns the worse of the two, so one red check drags the whole snapshot
// down regardless of ordering.
func worseOf(a, b string) string {
	rank := map[string]int{"success": 0, "pending": 1, "timeout": 2, "failure": 3}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

const markerPrefix = "<!-- ralph:marker:"

func markerTag(plan lanes.CommentPlan) string {
	return fmt.Sprintf("%s%s:%s -->", markerPrefix, plan.Kind, plan.ID)
}

// UpsertMarkedComment finds a prior comment carrying the same hidden
// kind/id marker and edits it in place, or creates a new one. This keeps a
// repeated CI-triage or watchdog notice as a single updated comment thread
// instead of spamming a new one on every poll.
func (p *Port) UpsertMarkedComment(ctx context.Context, ref ralphtask.IssueRef, plan lanes.CommentPlan) (string, error) {
	tag := markerTag(plan)
	body := plan.Body + "\n\n" + tag

	comments, _, err := p.client.Issues.ListComments(ctx, ref.Owner, ref.Repo, ref.Number, &github.IssueListCommentsOptions{})
	if err != nil {
		return "", classifyErr(err)
	}
	for _, c := range comments {
		if strings.Contains(c.GetBody(), tag) {
			updated, _, err := p.client.Issues.EditComment(ctx, ref.Owner, ref.Repo, c.GetID(), &github.IssueComment{Body: github.Ptr(body)})
			if err != nil {
				return "", classifyErr(err)
			}
			return updated.GetHTMLURL(), nil
		}
	}
	created, _, err := p.client.Issues.CreateComment(ctx, ref.Owner, ref.Repo, ref.Number, &github.IssueComment{Body: github.Ptr(body)})
	if err != nil {
		return "", classifyErr(err)
	}
	return created.GetHTMLURL(), nil
}

// UpdateBranch asks GitHub to merge the PR's base into its head, used when
// stageMerge observes the PR has fallen behind.
func (p *Port) UpdateBranch(ctx context.Context, ref ralphtask.IssueRef, prNumber int) error {
	_, _, err := p.client.PullRequests.UpdateBranch(ctx, ref.Owner, ref.Repo, prNumber, nil)
	if err != nil {
		return classifyErr(err)
	}
	return nil
}

// DeleteBranch removes the worker-managed branch after a successful merge.
func (p *Port) DeleteBranch(ctx context.Context, ref ralphtask.IssueRef, branch string) error {
	_, err := p.client.Git.DeleteRef(ctx, ref.Owner, ref.Repo, "refs/heads/"+branch)
	if err != nil {
		return classifyErr(err)
	}
	return nil
}

// OpenFollowUpIssue files a new issue, used by CI-triage quarantine to hand
// a repeatedly-failing check off to a human.
func (p *Port) OpenFollowUpIssue(ctx context.Context, ref ralphtask.IssueRef, title, body string) (string, error) {
	issue, _, err := p.client.Issues.Create(ctx, ref.Owner, ref.Repo, &github.IssueRequest{
		Title: github.Ptr(title),
		Body:  github.Ptr(body),
	})
	if err != nil {
		return "", classifyErr(err)
	}
	return issue.GetHTMLURL(), nil
}

// classifyErr and notFoundErr are defined in errors.go alongside the
// rerrors.Kind mapping from go-github's *github.ErrorResponse and
// *github.RateLimitError.
