// Package scheduler implements task pull: evaluating a project's readiness
// for automated work and claiming one ready task for a controller. Pulls go
// either to one directory or across all directories tracking a repository.
package scheduler

import (
	"strings"

	"github.com/jmoyers/switchboard/internal/switchboard/cperr"
	"github.com/jmoyers/switchboard/internal/switchboard/events"
	"github.com/jmoyers/switchboard/internal/switchboard/gitstatus"
	"github.com/jmoyers/switchboard/internal/switchboard/journal"
	"github.com/jmoyers/switchboard/internal/switchboard/scope"
	"github.com/jmoyers/switchboard/internal/switchboard/session"
	"github.com/jmoyers/switchboard/internal/switchboard/store"
)

// Availability verdicts for a project, from most to least blocking.
const (
	BlockedDisabled           = "blocked-disabled"
	BlockedFrozen             = "blocked-frozen"
	BlockedUntracked          = "blocked-untracked"
	BlockedRepositoryMismatch = "blocked-repository-mismatch"
	BlockedPinnedBranch       = "blocked-pinned-branch"
	BlockedDirty              = "blocked-dirty"
	BlockedOccupied           = "blocked-occupied"
	Ready                     = "ready"
)

// PullParams are the inputs to Pull. Exactly one of DirectoryID and
// RepositoryID selects the pull mode; BranchName/BaseBranch override the
// pinned-branch defaults on the claim.
type PullParams struct {
	Scope        scope.Scope
	ControllerID string
	DirectoryID  string
	RepositoryID string
	BranchName   string
	BaseBranch   string
}

// PullResult is the outcome of a pull attempt. Task is nil when nothing was
// claimed; Availability and Reason then explain why.
type PullResult struct {
	Task         *store.Task            `json:"task"`
	DirectoryID  string                 `json:"directoryId,omitempty"`
	RepositoryID string                 `json:"repositoryId,omitempty"`
	Availability string                 `json:"availability"`
	Reason       string                 `json:"reason,omitempty"`
	Settings     *store.ProjectSettings `json:"settings,omitempty"`
}

// ProjectAvailability is the readiness verdict for one directory, as consumed
// by Pull and the project-status command.
type ProjectAvailability struct {
	Availability string                 `json:"availability"`
	Reason       string                 `json:"reason,omitempty"`
	Settings     *store.ProjectSettings `json:"settings,omitempty"`
	RepositoryID string                 `json:"repositoryId,omitempty"`
	Branch       string                 `json:"branch,omitempty"`
}

// Scheduler evaluates project availability and claims tasks.
type Scheduler struct {
	store    *store.Store
	git      *gitstatus.Tracker
	sessions *session.Registry
	journal  *journal.Journal
}

// New creates a Scheduler.
func New(st *store.Store, git *gitstatus.Tracker, sessions *session.Registry, jnl *journal.Journal) *Scheduler {
	return &Scheduler{store: st, git: git, sessions: sessions, journal: jnl}
}

// EvaluateProjectAvailability runs the readiness checks for a directory, in
// blocking-priority order. RequiredRepositoryID restricts the project to one
// repository (used by repository-wide pulls); empty means any.
func (s *Scheduler) EvaluateProjectAvailability(sc scope.Scope, directoryID, requiredRepositoryID string) (ProjectAvailability, error) {
	sc = sc.Normalize()

	summary, tracked := s.git.Get(directoryID)

	settings, err := s.store.GetProjectSettings(sc, directoryID)
	if err != nil {
		return ProjectAvailability{}, err
	}
	out := ProjectAvailability{
		Settings:     &settings,
		RepositoryID: summary.RepositoryID,
		Branch:       summary.Branch,
	}

	policy, err := s.store.EffectiveAutomationPolicy(sc, directoryID, summary.RepositoryID)
	if err != nil {
		return ProjectAvailability{}, err
	}

	occupied := s.sessions.LiveCountForDirectory(sc, directoryID) > 0
	if !occupied {
		claimed, err := s.directoryHasClaimedTask(sc, directoryID)
		if err != nil {
			return ProjectAvailability{}, err
		}
		occupied = claimed
	}

	switch {
	case !policy.Enabled:
		out.Availability = BlockedDisabled
		out.Reason = "automation is disabled"
	case policy.Frozen:
		out.Availability = BlockedFrozen
		out.Reason = "automation is frozen"
	case !tracked || summary.RepositoryID == "" || summary.Branch == "":
		out.Availability = BlockedUntracked
		out.Reason = "project has no tracked git branch"
	case requiredRepositoryID != "" && requiredRepositoryID != summary.RepositoryID:
		out.Availability = BlockedRepositoryMismatch
		out.Reason = "project tracks a different repository"
	case settings.PinnedBranch != "" && settings.PinnedBranch != summary.Branch:
		out.Availability = BlockedPinnedBranch
		out.Reason = "project is not on its pinned branch"
	case summary.ChangedFiles > 0:
		out.Availability = BlockedDirty
		out.Reason = "project has pending git changes"
	case occupied:
		out.Availability = BlockedOccupied
		out.Reason = "project is occupied with active work"
	default:
		out.Availability = Ready
	}
	return out, nil
}

// directoryHasClaimedTask reports whether any in-progress task is currently
// claimed for the directory. A claimed task occupies the project even before
// its session spawns.
func (s *Scheduler) directoryHasClaimedTask(sc scope.Scope, directoryID string) (bool, error) {
	tasks, err := s.store.ListTasks(sc, store.TaskFilter{Status: store.TaskInProgress})
	if err != nil {
		return false, err
	}
	for _, t := range tasks {
		if t.Claim.DirectoryID == directoryID {
			return true, nil
		}
	}
	return false, nil
}

// Pull claims one ready task for the given context. Directory pulls claim
// for that project; repository pulls walk every active directory tracking
// the repository and take the first successful claim.
func (s *Scheduler) Pull(p PullParams) (PullResult, error) {
	p.Scope = p.Scope.Normalize()
	if p.ControllerID == "" {
		return PullResult{}, cperr.Validationf("expected non-empty controllerId")
	}

	switch {
	case p.DirectoryID != "":
		dir, err := s.store.GetDirectory(p.Scope, p.DirectoryID)
		if err != nil {
			return PullResult{}, err
		}
		return s.pullForDirectory(p, dir, p.RepositoryID)
	case p.RepositoryID != "":
		return s.pullForRepository(p)
	default:
		return PullResult{}, cperr.Preconditionf("task pull requires directoryId or repositoryId")
	}
}

func (s *Scheduler) pullForDirectory(p PullParams, dir store.Directory, requiredRepositoryID string) (PullResult, error) {
	avail, err := s.EvaluateProjectAvailability(p.Scope, dir.ID, requiredRepositoryID)
	if err != nil {
		return PullResult{}, err
	}
	result := PullResult{
		DirectoryID:  dir.ID,
		RepositoryID: avail.RepositoryID,
		Availability: avail.Availability,
		Reason:       avail.Reason,
		Settings:     avail.Settings,
	}
	if avail.Availability != Ready {
		return result, nil
	}

	effectiveRepo := requiredRepositoryID
	if effectiveRepo == "" {
		effectiveRepo = avail.RepositoryID
	}

	candidates, err := s.candidateTasks(p.Scope, dir.ID, effectiveRepo, avail.Settings.TaskFocusMode)
	if err != nil {
		return PullResult{}, err
	}

	for _, candidate := range candidates {
		task, err := s.tryClaimTask(p, candidate.ID, dir.ID, avail.Settings.PinnedBranch)
		if err != nil {
			return PullResult{}, err
		}
		if task != nil {
			result.Task = task
			s.journal.Publish(events.Scope{
				TenantID:     p.Scope.TenantID,
				UserID:       p.Scope.UserID,
				WorkspaceID:  p.Scope.WorkspaceID,
				DirectoryID:  dir.ID,
				RepositoryID: task.RepositoryID,
				TaskID:       task.ID,
			}, events.TaskUpdated{Task: *task})
			return result, nil
		}
	}
	return result, nil
}

// candidateTasks builds the claim-attempt order: project-scoped tasks first,
// then (unless the project is own-only) repository-scoped and global tasks.
func (s *Scheduler) candidateTasks(sc scope.Scope, directoryID, repositoryID, focusMode string) ([]store.Task, error) {
	candidates, err := s.store.ListTasks(sc, store.TaskFilter{
		Status:    store.TaskReady,
		ScopeKind: store.TaskScopeProject,
		ProjectID: directoryID,
	})
	if err != nil {
		return nil, err
	}
	if focusMode == store.FocusOwnOnly {
		return candidates, nil
	}

	if repositoryID != "" {
		repoTasks, err := s.store.ListTasks(sc, store.TaskFilter{
			Status:       store.TaskReady,
			ScopeKind:    store.TaskScopeRepository,
			RepositoryID: repositoryID,
		})
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, repoTasks...)
	}

	globalTasks, err := s.store.ListTasks(sc, store.TaskFilter{
		Status:    store.TaskReady,
		ScopeKind: store.TaskScopeGlobal,
	})
	if err != nil {
		return nil, err
	}
	return append(candidates, globalTasks...), nil
}

// tryClaimTask attempts one claim. A lost race (another worker claimed
// first) returns nil task without error; everything else propagates.
func (s *Scheduler) tryClaimTask(p PullParams, taskID, directoryID, pinnedBranch string) (*store.Task, error) {
	branch := p.BranchName
	if branch == "" {
		branch = pinnedBranch
	}
	base := p.BaseBranch
	if base == "" {
		base = pinnedBranch
	}
	task, err := s.store.ClaimTask(p.Scope, store.ClaimParams{
		TaskID:       taskID,
		ControllerID: p.ControllerID,
		DirectoryID:  directoryID,
		BranchName:   branch,
		BaseBranch:   base,
	})
	if err != nil {
		if cperr.IsKind(err, cperr.Conflict) && strings.HasPrefix(err.Error(), "task already claimed:") {
			return nil, nil
		}
		return nil, err
	}
	return &task, nil
}

func (s *Scheduler) pullForRepository(p PullParams) (PullResult, error) {
	if _, err := s.store.GetRepository(p.Scope, p.RepositoryID); err != nil {
		return PullResult{}, err
	}
	dirs, err := s.store.ListDirectories(p.Scope, false)
	if err != nil {
		return PullResult{}, err
	}

	var first *PullResult
	for _, dir := range dirs {
		result, err := s.pullForDirectory(p, dir, p.RepositoryID)
		if err != nil {
			return PullResult{}, err
		}
		if result.Task != nil {
			return result, nil
		}
		if first == nil {
			first = &result
		}
	}
	if first != nil {
		return *first, nil
	}
	return PullResult{
		RepositoryID: p.RepositoryID,
		Availability: BlockedUntracked,
		Reason:       "no active project tracks this repository",
	}, nil
}
