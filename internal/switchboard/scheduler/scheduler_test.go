package scheduler

import (
	"path/filepath"
	"testing"

	"github.com/jmoyers/switchboard/internal/switchboard/cperr"
	"github.com/jmoyers/switchboard/internal/switchboard/gitstatus"
	"github.com/jmoyers/switchboard/internal/switchboard/journal"
	"github.com/jmoyers/switchboard/internal/switchboard/scope"
	"github.com/jmoyers/switchboard/internal/switchboard/session"
	"github.com/jmoyers/switchboard/internal/switchboard/store"
)

func testScope() scope.Scope {
	return scope.Scope{TenantID: "tenant-a", UserID: "user-a", WorkspaceID: "workspace-a"}
}

type fixture struct {
	store    *store.Store
	git      *gitstatus.Tracker
	sessions *session.Registry
	journal  *journal.Journal
	sched    *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	f := &fixture{
		store:    s,
		git:      gitstatus.NewTracker(),
		sessions: session.NewRegistry(),
		journal:  journal.New(),
	}
	f.sched = New(f.store, f.git, f.sessions, f.journal)
	return f
}

func (f *fixture) mustDirectory(t *testing.T, path string) store.Directory {
	t.Helper()
	dir, err := f.store.UpsertDirectory(store.Directory{Scope: testScope(), Path: path})
	if err != nil {
		t.Fatalf("creating directory: %v", err)
	}
	return dir
}

func (f *fixture) mustRepository(t *testing.T, remoteURL string) store.Repository {
	t.Helper()
	repo, err := f.store.UpsertRepository(store.Repository{
		Scope: testScope(), Name: "fixture", RemoteURL: remoteURL,
	})
	if err != nil {
		t.Fatalf("creating repository: %v", err)
	}
	return repo
}

func (f *fixture) mustReadyTask(t *testing.T, task store.Task) store.Task {
	t.Helper()
	task.Scope = testScope()
	task.Status = store.TaskReady
	created, err := f.store.CreateTask(task)
	if err != nil {
		t.Fatalf("creating task: %v", err)
	}
	return created
}

func (f *fixture) trackClean(t *testing.T, dir store.Directory, repo store.Repository, branch string) {
	t.Helper()
	f.git.Track(testScope(), dir.ID, dir.Path)
	f.git.Set(gitstatus.Summary{
		DirectoryID:  dir.ID,
		Scope:        testScope(),
		Path:         dir.Path,
		Branch:       branch,
		RepositoryID: repo.ID,
	})
}

func (f *fixture) pinBranch(t *testing.T, directoryID, branch string) {
	t.Helper()
	settings, err := f.store.GetProjectSettings(testScope(), directoryID)
	if err != nil {
		t.Fatalf("getting settings: %v", err)
	}
	settings.PinnedBranch = branch
	if _, err := f.store.UpdateProjectSettings(settings); err != nil {
		t.Fatalf("pinning branch: %v", err)
	}
}

func TestPull_PinnedBranchClaim(t *testing.T) {
	f := newFixture(t)
	repo := f.mustRepository(t, "https://github.com/acme/h.git")
	dir := f.mustDirectory(t, "/tmp/project")
	f.trackClean(t, dir, repo, "main")
	f.pinBranch(t, dir.ID, "main")
	task := f.mustReadyTask(t, store.Task{Title: "Do the thing", ProjectID: dir.ID})

	result, err := f.sched.Pull(PullParams{
		Scope: testScope(), ControllerID: "controller-1", DirectoryID: dir.ID,
	})
	if err != nil {
		t.Fatalf("pulling: %v", err)
	}
	if result.Task == nil {
		t.Fatalf("expected a claimed task, got %+v", result)
	}
	got := result.Task
	if got.ID != task.ID || got.Status != store.TaskInProgress {
		t.Errorf("unexpected task: %+v", got)
	}
	if got.Claim.ControllerID != "controller-1" || got.Claim.DirectoryID != dir.ID {
		t.Errorf("unexpected claim: %+v", got.Claim)
	}
	if got.Claim.BranchName != "main" || got.Claim.BaseBranch != "main" {
		t.Errorf("expected pinned branch defaults, got %+v", got.Claim)
	}

	// The claimed task occupies the project until it finishes.
	second, err := f.sched.Pull(PullParams{
		Scope: testScope(), ControllerID: "controller-2", DirectoryID: dir.ID,
	})
	if err != nil {
		t.Fatalf("second pull: %v", err)
	}
	if second.Task != nil {
		t.Errorf("expected no task on second pull, got %+v", second.Task)
	}
	if second.Availability != BlockedOccupied {
		t.Errorf("expected blocked-occupied, got %s", second.Availability)
	}
}

func TestPull_DirtyProjectBlocked(t *testing.T) {
	f := newFixture(t)
	repo := f.mustRepository(t, "https://github.com/acme/h.git")
	dir := f.mustDirectory(t, "/tmp/project")
	f.git.Track(testScope(), dir.ID, dir.Path)
	f.git.Set(gitstatus.Summary{
		DirectoryID: dir.ID, Scope: testScope(), Branch: "main",
		RepositoryID: repo.ID, ChangedFiles: 3,
	})
	f.mustReadyTask(t, store.Task{Title: "Do the thing", ProjectID: dir.ID})

	result, err := f.sched.Pull(PullParams{
		Scope: testScope(), ControllerID: "controller-1", DirectoryID: dir.ID,
	})
	if err != nil {
		t.Fatalf("pulling: %v", err)
	}
	if result.Task != nil {
		t.Fatalf("expected no task, got %+v", result.Task)
	}
	if result.Availability != BlockedDirty {
		t.Errorf("expected blocked-dirty, got %s", result.Availability)
	}
	if result.Reason != "project has pending git changes" {
		t.Errorf("unexpected reason %q", result.Reason)
	}
}

func TestEvaluateProjectAvailability_Ladder(t *testing.T) {
	f := newFixture(t)
	repo := f.mustRepository(t, "https://github.com/acme/h.git")
	otherRepo := f.mustRepository(t, "https://github.com/acme/other.git")
	dir := f.mustDirectory(t, "/tmp/project")

	check := func(t *testing.T, required, want string) {
		t.Helper()
		avail, err := f.sched.EvaluateProjectAvailability(testScope(), dir.ID, required)
		if err != nil {
			t.Fatalf("evaluating: %v", err)
		}
		if avail.Availability != want {
			t.Errorf("expected %s, got %s (%s)", want, avail.Availability, avail.Reason)
		}
	}

	t.Run("untracked before git state exists", func(t *testing.T) {
		check(t, "", BlockedUntracked)
	})

	f.trackClean(t, dir, repo, "feature/x")

	t.Run("repository mismatch", func(t *testing.T) {
		check(t, otherRepo.ID, BlockedRepositoryMismatch)
	})

	f.pinBranch(t, dir.ID, "main")
	t.Run("pinned branch differs from current", func(t *testing.T) {
		check(t, "", BlockedPinnedBranch)
	})

	f.pinBranch(t, dir.ID, "")
	t.Run("ready when clean", func(t *testing.T) {
		check(t, "", Ready)
	})

	t.Run("disabled wins over everything", func(t *testing.T) {
		if _, err := f.store.SetAutomationPolicy(store.AutomationPolicy{
			Scope: testScope(), ScopeLevel: store.PolicyGlobal,
			AutomationEnabled: false,
		}); err != nil {
			t.Fatalf("setting policy: %v", err)
		}
		check(t, "", BlockedDisabled)
	})

	t.Run("frozen after re-enable", func(t *testing.T) {
		if _, err := f.store.SetAutomationPolicy(store.AutomationPolicy{
			Scope: testScope(), ScopeLevel: store.PolicyGlobal,
			AutomationEnabled: true, Frozen: true,
		}); err != nil {
			t.Fatalf("setting policy: %v", err)
		}
		check(t, "", BlockedFrozen)
	})
}

func TestPull_FocusModeOwnOnlySkipsWiderScopes(t *testing.T) {
	f := newFixture(t)
	repo := f.mustRepository(t, "https://github.com/acme/h.git")
	dir := f.mustDirectory(t, "/tmp/project")
	f.trackClean(t, dir, repo, "main")

	settings, err := f.store.GetProjectSettings(testScope(), dir.ID)
	if err != nil {
		t.Fatalf("getting settings: %v", err)
	}
	settings.TaskFocusMode = store.FocusOwnOnly
	if _, err := f.store.UpdateProjectSettings(settings); err != nil {
		t.Fatalf("setting focus mode: %v", err)
	}

	f.mustReadyTask(t, store.Task{Title: "Repo-wide work", RepositoryID: repo.ID})
	f.mustReadyTask(t, store.Task{Title: "Global work"})

	result, err := f.sched.Pull(PullParams{
		Scope: testScope(), ControllerID: "controller-1", DirectoryID: dir.ID,
	})
	if err != nil {
		t.Fatalf("pulling: %v", err)
	}
	if result.Task != nil {
		t.Errorf("expected own-only project to skip wider tasks, got %+v", result.Task)
	}
	if result.Availability != Ready {
		t.Errorf("expected ready with no task, got %s", result.Availability)
	}
}

func TestPull_ScopePriorityProjectFirst(t *testing.T) {
	f := newFixture(t)
	repo := f.mustRepository(t, "https://github.com/acme/h.git")
	dir := f.mustDirectory(t, "/tmp/project")
	f.trackClean(t, dir, repo, "main")

	f.mustReadyTask(t, store.Task{Title: "Global work"})
	f.mustReadyTask(t, store.Task{Title: "Repo work", RepositoryID: repo.ID})
	projectTask := f.mustReadyTask(t, store.Task{Title: "Project work", ProjectID: dir.ID})

	result, err := f.sched.Pull(PullParams{
		Scope: testScope(), ControllerID: "controller-1", DirectoryID: dir.ID,
	})
	if err != nil {
		t.Fatalf("pulling: %v", err)
	}
	if result.Task == nil || result.Task.ID != projectTask.ID {
		t.Errorf("expected project-scoped task claimed first, got %+v", result.Task)
	}
}

func TestPull_BranchOverridesBeatPinned(t *testing.T) {
	f := newFixture(t)
	repo := f.mustRepository(t, "https://github.com/acme/h.git")
	dir := f.mustDirectory(t, "/tmp/project")
	f.trackClean(t, dir, repo, "main")
	f.pinBranch(t, dir.ID, "main")
	f.mustReadyTask(t, store.Task{Title: "Work", ProjectID: dir.ID})

	result, err := f.sched.Pull(PullParams{
		Scope: testScope(), ControllerID: "controller-1", DirectoryID: dir.ID,
		BranchName: "feature/override", BaseBranch: "develop",
	})
	if err != nil {
		t.Fatalf("pulling: %v", err)
	}
	if result.Task == nil {
		t.Fatal("expected a claimed task")
	}
	if result.Task.Claim.BranchName != "feature/override" || result.Task.Claim.BaseBranch != "develop" {
		t.Errorf("expected overrides honored, got %+v", result.Task.Claim)
	}
}

func TestPull_RepositoryWide(t *testing.T) {
	f := newFixture(t)
	repo := f.mustRepository(t, "https://github.com/acme/h.git")
	dirty := f.mustDirectory(t, "/tmp/dirty")
	clean := f.mustDirectory(t, "/tmp/clean")

	f.git.Track(testScope(), dirty.ID, dirty.Path)
	f.git.Set(gitstatus.Summary{
		DirectoryID: dirty.ID, Scope: testScope(), Branch: "main",
		RepositoryID: repo.ID, ChangedFiles: 2,
	})
	f.trackClean(t, clean, repo, "main")

	task := f.mustReadyTask(t, store.Task{Title: "Repo work", RepositoryID: repo.ID})

	result, err := f.sched.Pull(PullParams{
		Scope: testScope(), ControllerID: "controller-1", RepositoryID: repo.ID,
	})
	if err != nil {
		t.Fatalf("pulling: %v", err)
	}
	if result.Task == nil || result.Task.ID != task.ID {
		t.Fatalf("expected repo task claimed via clean directory, got %+v", result.Task)
	}
	if result.DirectoryID != clean.ID {
		t.Errorf("expected claim at clean directory, got %s", result.DirectoryID)
	}
}

func TestPull_RepositoryWideAllBlockedReturnsFirstReason(t *testing.T) {
	f := newFixture(t)
	repo := f.mustRepository(t, "https://github.com/acme/h.git")
	dirty := f.mustDirectory(t, "/tmp/dirty")

	f.git.Track(testScope(), dirty.ID, dirty.Path)
	f.git.Set(gitstatus.Summary{
		DirectoryID: dirty.ID, Scope: testScope(), Branch: "main",
		RepositoryID: repo.ID, ChangedFiles: 1,
	})
	f.mustReadyTask(t, store.Task{Title: "Repo work", RepositoryID: repo.ID})

	result, err := f.sched.Pull(PullParams{
		Scope: testScope(), ControllerID: "controller-1", RepositoryID: repo.ID,
	})
	if err != nil {
		t.Fatalf("pulling: %v", err)
	}
	if result.Task != nil {
		t.Fatalf("expected no claim, got %+v", result.Task)
	}
	if result.Availability != BlockedDirty || result.DirectoryID != dirty.ID {
		t.Errorf("expected first directory's blocked reason, got %+v", result)
	}
}

func TestPull_RequiresTarget(t *testing.T) {
	f := newFixture(t)
	_, err := f.sched.Pull(PullParams{Scope: testScope(), ControllerID: "controller-1"})
	if err == nil {
		t.Fatal("expected error")
	}
	if err.Error() != "task pull requires directoryId or repositoryId" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if cperr.KindOf(err) != cperr.Precondition {
		t.Errorf("expected precondition kind, got %s", cperr.KindOf(err))
	}
}

func TestPull_PublishesTaskUpdated(t *testing.T) {
	f := newFixture(t)
	repo := f.mustRepository(t, "https://github.com/acme/h.git")
	dir := f.mustDirectory(t, "/tmp/project")
	f.trackClean(t, dir, repo, "main")
	task := f.mustReadyTask(t, store.Task{Title: "Work", ProjectID: dir.ID})

	var kinds []string
	var taskIDs []string
	f.journal.Subscribe("connection-test", journal.Filter{}, 0, func(_ string, e journal.Entry) {
		kinds = append(kinds, e.Event.Kind())
		taskIDs = append(taskIDs, e.Scope.TaskID)
	})

	if _, err := f.sched.Pull(PullParams{
		Scope: testScope(), ControllerID: "controller-1", DirectoryID: dir.ID,
	}); err != nil {
		t.Fatalf("pulling: %v", err)
	}

	if len(kinds) != 1 || kinds[0] != "task-updated" {
		t.Fatalf("expected one task-updated event, got %v", kinds)
	}
	if taskIDs[0] != task.ID {
		t.Errorf("expected event scoped to task, got %q", taskIDs[0])
	}
}
