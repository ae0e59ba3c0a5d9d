// Package gitstatus maintains an in-memory per-directory cache of git
// state: current branch, dirty file count, and the tracked repository. A
// poller refreshes tracked directories; the scheduler and the project
// status command read from the cache only.
package gitstatus

import (
	"context"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/jmoyers/switchboard/internal/switchboard/scope"
)

// Summary is the cached git state for one directory.
type Summary struct {
	DirectoryID  string      `json:"directoryId"`
	Scope        scope.Scope `json:"-"`
	Path         string      `json:"path"`
	Branch       string      `json:"branch"`
	ChangedFiles int         `json:"changedFiles"`
	RemoteURL    string      `json:"remoteUrl,omitempty"`
	RepositoryID string      `json:"repositoryId,omitempty"`
	RefreshedAt  time.Time   `json:"refreshedAt"`
}

// ResolveRepoFunc maps a remote URL within a scope to a repository id.
// Empty result means the remote is not a tracked repository.
type ResolveRepoFunc func(sc scope.Scope, remoteURL string) string

// runGitFunc runs a git subcommand in a directory and returns its stdout.
type runGitFunc func(ctx context.Context, dir string, args ...string) (string, error)

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	return strings.TrimSpace(string(out)), err
}

type trackedDir struct {
	scope scope.Scope
	path  string
}

// Tracker is the git-status cache plus the set of directories to refresh.
type Tracker struct {
	mu          sync.Mutex
	tracked     map[string]trackedDir
	entries     map[string]Summary
	ignoreGlobs []string
	resolveRepo ResolveRepoFunc
	git         runGitFunc
	logger      *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithIgnoreGlobs sets glob patterns whose matches are excluded from the
// dirty count (doublestar syntax, e.g. "**/*.log", "dist/**").
func WithIgnoreGlobs(globs ...string) Option {
	return func(t *Tracker) { t.ignoreGlobs = globs }
}

// WithRepositoryResolver sets the remote-URL to repository-id resolver.
func WithRepositoryResolver(fn ResolveRepoFunc) Option {
	return func(t *Tracker) { t.resolveRepo = fn }
}

// WithLogger sets the logger for refresh failures.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

func withGitRunner(fn runGitFunc) Option {
	return func(t *Tracker) { t.git = fn }
}

// NewTracker returns an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		tracked: make(map[string]trackedDir),
		entries: make(map[string]Summary),
		git:     runGit,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Track registers a directory for refresh. Idempotent.
func (t *Tracker) Track(sc scope.Scope, directoryID, path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracked[directoryID] = trackedDir{scope: sc.Normalize(), path: path}
}

// Untrack drops a directory and evicts its cache entry.
func (t *Tracker) Untrack(directoryID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tracked, directoryID)
	delete(t.entries, directoryID)
}

// Get returns the cached summary for a directory.
func (t *Tracker) Get(directoryID string) (Summary, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.entries[directoryID]
	return s, ok
}

// Set writes a cache entry directly. The dispatcher uses it after an
// explicit git-status command; tests use it to pin state.
func (t *Tracker) Set(s Summary) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.RefreshedAt.IsZero() {
		s.RefreshedAt = time.Now().UTC()
	}
	t.entries[s.DirectoryID] = s
}

// TrackedIDs returns the tracked directory ids in stable order.
func (t *Tracker) TrackedIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.tracked))
	for id := range t.tracked {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Refresh re-reads git state for one tracked directory and updates the
// cache. A directory that is not a git worktree yields a summary with an
// empty branch, which the scheduler treats as untracked.
func (t *Tracker) Refresh(ctx context.Context, directoryID string) (Summary, error) {
	t.mu.Lock()
	td, ok := t.tracked[directoryID]
	globs := t.ignoreGlobs
	resolveRepo := t.resolveRepo
	git := t.git
	t.mu.Unlock()
	if !ok {
		return Summary{}, nil
	}

	s := Summary{
		DirectoryID: directoryID,
		Scope:       td.scope,
		Path:        td.path,
		RefreshedAt: time.Now().UTC(),
	}

	branch, err := git(ctx, td.path, "rev-parse", "--abbrev-ref", "HEAD")
	if err == nil {
		s.Branch = branch
		if porcelain, perr := git(ctx, td.path, "status", "--porcelain"); perr == nil {
			s.ChangedFiles = countChanged(porcelain, globs)
		}
		if remote, rerr := git(ctx, td.path, "remote", "get-url", "origin"); rerr == nil {
			s.RemoteURL = remote
			if resolveRepo != nil {
				s.RepositoryID = resolveRepo(td.scope, remote)
			}
		}
	}

	t.mu.Lock()
	t.entries[directoryID] = s
	t.mu.Unlock()
	return s, nil
}

// RefreshAll refreshes every tracked directory, logging failures and
// continuing.
func (t *Tracker) RefreshAll(ctx context.Context) {
	for _, id := range t.TrackedIDs() {
		if ctx.Err() != nil {
			return
		}
		if _, err := t.Refresh(ctx, id); err != nil {
			t.logger.Warn("git status refresh failed", "directory", id, "error", err)
		}
	}
}

// Run refreshes all tracked directories on the interval until the context
// is cancelled.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.RefreshAll(ctx)
		}
	}
}

// countChanged counts porcelain status lines whose path does not match any
// ignore glob. Rename entries count by their new path.
func countChanged(porcelain string, ignoreGlobs []string) int {
	if strings.TrimSpace(porcelain) == "" {
		return 0
	}
	count := 0
	for line := range strings.SplitSeq(porcelain, "\n") {
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		if idx := strings.Index(path, " -> "); idx >= 0 {
			path = path[idx+4:]
		}
		path = strings.Trim(path, `"`)
		if ignored(path, ignoreGlobs) {
			continue
		}
		count++
	}
	return count
}

func ignored(path string, globs []string) bool {
	for _, glob := range globs {
		if ok, err := doublestar.Match(glob, path); err == nil && ok {
			return true
		}
	}
	return false
}
