// Package ghsync runs the periodic GitHub reconciliation loop: it derives
// the tracked branch per active project, deduplicates to one sync target per
// (repository, branch), and reconciles each target's open pull request and
// CI jobs into the store, publishing journal events on changes.
package ghsync

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jmoyers/switchboard/internal/switchboard/cperr"
	"github.com/jmoyers/switchboard/internal/switchboard/events"
	"github.com/jmoyers/switchboard/internal/switchboard/github"
	"github.com/jmoyers/switchboard/internal/switchboard/gitstatus"
	"github.com/jmoyers/switchboard/internal/switchboard/journal"
	"github.com/jmoyers/switchboard/internal/switchboard/scope"
	"github.com/jmoyers/switchboard/internal/switchboard/store"
)

// Tracked-branch strategies: which branch a project's PR sync follows.
const (
	StrategyPinnedOnly        = "pinned-only"
	StrategyCurrentOnly       = "current-only"
	StrategyPinnedThenCurrent = "pinned-then-current"
)

// API is the slice of the GitHub client the sync loop needs.
type API interface {
	OpenPullRequestForBranch(ctx context.Context, owner, repo, head string) (*github.PR, error)
	ListPrJobsForCommit(ctx context.Context, owner, repo, sha string) ([]github.Job, error)
}

// Target is one deduplicated (repository, branch) pair to reconcile, tagged
// with the directory whose tracked branch produced it.
type Target struct {
	Scope        scope.Scope
	RepositoryID string
	DirectoryID  string
	Branch       string
	Owner        string
	Repo         string
}

// Syncer owns the reconciliation loop state.
type Syncer struct {
	store    *store.Store
	git      *gitstatus.Tracker
	api      API
	journal  *journal.Journal
	strategy string
	logger   *slog.Logger
	inFlight atomic.Bool
	now      func() time.Time
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithStrategy sets the tracked-branch strategy. Unknown values fall back to
// pinned-then-current.
func WithStrategy(strategy string) Option {
	return func(s *Syncer) {
		switch strategy {
		case StrategyPinnedOnly, StrategyCurrentOnly, StrategyPinnedThenCurrent:
			s.strategy = strategy
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Syncer) { s.logger = logger }
}

func withNow(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

// New creates a Syncer over the given store, git-status cache, GitHub API
// client, and journal.
func New(st *store.Store, git *gitstatus.Tracker, api API, jnl *journal.Journal, opts ...Option) *Syncer {
	s := &Syncer{
		store:    st,
		git:      git,
		api:      api,
		journal:  jnl,
		strategy: StrategyPinnedThenCurrent,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes SyncOnce on the interval until the context is cancelled.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SyncOnce(ctx)
		}
	}
}

// SyncOnce reconciles every current sync target. At most one poll runs at a
// time; a call that overlaps an active poll returns false without doing
// anything.
func (s *Syncer) SyncOnce(ctx context.Context) bool {
	if !s.inFlight.CompareAndSwap(false, true) {
		return false
	}
	defer s.inFlight.Store(false)

	for _, target := range s.Targets() {
		if ctx.Err() != nil {
			return true
		}
		now := s.now().UTC()
		if err := s.syncBranch(ctx, target); err != nil {
			s.logger.Warn("github sync failed",
				"repository", target.RepositoryID, "branch", target.Branch, "error", err)
			if rerr := s.store.RecordSyncError(target.RepositoryID, target.DirectoryID, target.Branch, now, err); rerr != nil {
				s.logger.Warn("recording sync error", "error", rerr)
			}
			continue
		}
		if err := s.store.RecordSyncSuccess(target.RepositoryID, target.DirectoryID, target.Branch, now); err != nil {
			s.logger.Warn("recording sync success", "error", err)
		}
	}
	return true
}

// Targets derives the deduplicated sync targets from the tracked projects:
// one per (repository, tracked branch), restricted to repositories whose
// remote URL parses as GitHub.
func (s *Syncer) Targets() []Target {
	var targets []Target
	seen := make(map[string]struct{})

	for _, directoryID := range s.git.TrackedIDs() {
		summary, ok := s.git.Get(directoryID)
		if !ok || summary.RepositoryID == "" {
			continue
		}
		branch := s.trackedBranch(summary)
		if branch == "" {
			continue
		}
		key := summary.RepositoryID + "\x00" + branch
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		repo, err := s.store.GetRepository(summary.Scope, summary.RepositoryID)
		if err != nil {
			continue
		}
		remote, isGitHub := github.ParseRemoteURL(repo.RemoteURL)
		if !isGitHub {
			continue
		}
		targets = append(targets, Target{
			Scope:        summary.Scope,
			RepositoryID: summary.RepositoryID,
			DirectoryID:  directoryID,
			Branch:       branch,
			Owner:        remote.Owner,
			Repo:         remote.Repo,
		})
	}
	return targets
}

// trackedBranch resolves the branch the strategy follows for one project.
func (s *Syncer) trackedBranch(summary gitstatus.Summary) string {
	pinned := ""
	if settings, err := s.store.GetProjectSettings(summary.Scope, summary.DirectoryID); err == nil {
		pinned = settings.PinnedBranch
	}
	switch s.strategy {
	case StrategyPinnedOnly:
		return pinned
	case StrategyCurrentOnly:
		return summary.Branch
	default:
		if pinned != "" {
			return pinned
		}
		return summary.Branch
	}
}

// syncBranch reconciles one target: upsert the open PR and its jobs, or close
// the stale record when the PR disappeared upstream.
func (s *Syncer) syncBranch(ctx context.Context, target Target) error {
	pr, err := s.api.OpenPullRequestForBranch(ctx, target.Owner, target.Repo, target.Branch)
	if err != nil {
		return err
	}

	if pr == nil {
		prior, err := s.store.OpenPullRequestForBranch(target.RepositoryID, target.Branch)
		if cperr.IsKind(err, cperr.NotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		closed, err := s.store.MarkPullRequestClosed(prior.PRRecordID, s.now().UTC())
		if err != nil {
			return err
		}
		s.journal.Publish(s.eventScope(target), events.GitHubPRClosed{
			PRRecordID:   closed.PRRecordID,
			RepositoryID: target.RepositoryID,
			BranchName:   target.Branch,
		})
		return nil
	}

	record, err := s.store.UpsertGitHubPullRequest(store.GitHubPullRequest{
		Scope:        target.Scope,
		RepositoryID: target.RepositoryID,
		DirectoryID:  target.DirectoryID,
		Number:       pr.Number,
		Title:        pr.Title,
		State:        pr.State,
		HeadBranch:   pr.HeadBranch,
		BaseBranch:   pr.BaseBranch,
		HeadSHA:      pr.HeadSHA,
		HTMLURL:      pr.HTMLURL,
		Author:       pr.Author,
		Draft:        pr.Draft,
		ClosedAt:     pr.ClosedAt,
		ObservedAt:   s.now().UTC(),
	})
	if err != nil {
		return err
	}
	s.journal.Publish(s.eventScope(target), events.GitHubPRUpserted{PullRequest: record})

	apiJobs, err := s.api.ListPrJobsForCommit(ctx, target.Owner, target.Repo, pr.HeadSHA)
	if err != nil {
		return err
	}
	jobs := make([]store.GitHubPrJob, 0, len(apiJobs))
	for _, j := range apiJobs {
		jobs = append(jobs, store.GitHubPrJob{
			PRRecordID:  record.PRRecordID,
			Provider:    j.Provider,
			ExternalID:  j.ExternalID,
			Name:        j.Name,
			Status:      j.Status,
			Conclusion:  j.Conclusion,
			HTMLURL:     j.HTMLURL,
			StartedAt:   j.StartedAt,
			CompletedAt: j.CompletedAt,
		})
	}
	stored, err := s.store.ReplaceGitHubPrJobs(record.PRRecordID, jobs)
	if err != nil {
		return err
	}

	rollup := Rollup(stored)
	if err := s.store.UpdatePullRequestCiRollup(record.PRRecordID, rollup); err != nil {
		return err
	}
	s.journal.Publish(s.eventScope(target), events.GitHubPRJobsUpdated{
		PRRecordID: record.PRRecordID,
		Jobs:       stored,
		CIRollup:   rollup,
	})
	return nil
}

func (s *Syncer) eventScope(target Target) events.Scope {
	return events.Scope{
		TenantID:     target.Scope.TenantID,
		UserID:       target.Scope.UserID,
		WorkspaceID:  target.Scope.WorkspaceID,
		DirectoryID:  target.DirectoryID,
		RepositoryID: target.RepositoryID,
	}
}

// Rollup derives the single CI verdict over a PR's jobs. Any failing
// conclusion wins, then any job still running, then cancellation, then
// success, then neutral; an empty job list has no verdict.
func Rollup(jobs []store.GitHubPrJob) string {
	if len(jobs) == 0 {
		return store.RollupNone
	}
	var hasPending, hasFailure, hasCancelled, hasSuccess bool
	for _, j := range jobs {
		if j.Status != "completed" {
			hasPending = true
		}
		switch j.Conclusion {
		case "failure", "timed_out", "action_required":
			hasFailure = true
		case "cancelled":
			hasCancelled = true
		case "success":
			hasSuccess = true
		}
	}
	switch {
	case hasFailure:
		return store.RollupFailure
	case hasPending:
		return store.RollupPending
	case hasCancelled:
		return store.RollupCancelled
	case hasSuccess:
		return store.RollupSuccess
	default:
		return store.RollupNeutral
	}
}
