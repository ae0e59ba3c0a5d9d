package ghsync

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/jmoyers/switchboard/internal/switchboard/events"
	"github.com/jmoyers/switchboard/internal/switchboard/github"
	"github.com/jmoyers/switchboard/internal/switchboard/gitstatus"
	"github.com/jmoyers/switchboard/internal/switchboard/journal"
	"github.com/jmoyers/switchboard/internal/switchboard/scope"
	"github.com/jmoyers/switchboard/internal/switchboard/store"
)

func testScope() scope.Scope {
	return scope.Scope{TenantID: "tenant-a", UserID: "user-a", WorkspaceID: "workspace-a"}
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustRepository(t *testing.T, s *store.Store, remoteURL string) store.Repository {
	t.Helper()
	repo, err := s.UpsertRepository(store.Repository{
		Scope:     testScope(),
		Name:      "fixture",
		RemoteURL: remoteURL,
	})
	if err != nil {
		t.Fatalf("creating repository: %v", err)
	}
	return repo
}

func mustDirectory(t *testing.T, s *store.Store, path string) store.Directory {
	t.Helper()
	dir, err := s.UpsertDirectory(store.Directory{Scope: testScope(), Path: path})
	if err != nil {
		t.Fatalf("creating directory: %v", err)
	}
	return dir
}

type fakeAPI struct {
	pr       *github.PR
	prErr    error
	jobs     []github.Job
	prCalls  int
	jobCalls int
}

func (f *fakeAPI) OpenPullRequestForBranch(_ context.Context, _, _, _ string) (*github.PR, error) {
	f.prCalls++
	return f.pr, f.prErr
}

func (f *fakeAPI) ListPrJobsForCommit(_ context.Context, _, _, _ string) ([]github.Job, error) {
	f.jobCalls++
	return f.jobs, nil
}

type capture struct {
	entries []journal.Entry
}

func (c *capture) subscribe(jnl *journal.Journal) {
	jnl.Subscribe("connection-test", journal.Filter{}, 0, func(_ string, e journal.Entry) {
		c.entries = append(c.entries, e)
	})
}

func (c *capture) kinds() []string {
	var kinds []string
	for _, e := range c.entries {
		kinds = append(kinds, e.Event.Kind())
	}
	return kinds
}

func trackerWith(t *testing.T, entries ...gitstatus.Summary) *gitstatus.Tracker {
	t.Helper()
	tr := gitstatus.NewTracker()
	for _, e := range entries {
		tr.Track(e.Scope, e.DirectoryID, e.Path)
		tr.Set(e)
	}
	return tr
}

func TestTargets_DedupeAndFilter(t *testing.T) {
	s := testStore(t)
	ghRepo := mustRepository(t, s, "https://github.com/acme/h.git")
	otherRepo := mustRepository(t, s, "https://gitlab.com/acme/h.git")
	dirA := mustDirectory(t, s, "/tmp/a")
	dirB := mustDirectory(t, s, "/tmp/b")
	dirC := mustDirectory(t, s, "/tmp/c")

	tr := trackerWith(t,
		gitstatus.Summary{DirectoryID: dirA.ID, Scope: testScope(), Branch: "main", RepositoryID: ghRepo.ID},
		gitstatus.Summary{DirectoryID: dirB.ID, Scope: testScope(), Branch: "main", RepositoryID: ghRepo.ID},
		gitstatus.Summary{DirectoryID: dirC.ID, Scope: testScope(), Branch: "main", RepositoryID: otherRepo.ID},
	)

	sy := New(s, tr, &fakeAPI{}, journal.New())
	targets := sy.Targets()
	if len(targets) != 1 {
		t.Fatalf("expected 1 target after dedupe and github filter, got %d: %+v", len(targets), targets)
	}
	tg := targets[0]
	if tg.RepositoryID != ghRepo.ID || tg.Branch != "main" || tg.Owner != "acme" || tg.Repo != "h" {
		t.Errorf("unexpected target: %+v", tg)
	}
}

func TestTargets_BranchStrategies(t *testing.T) {
	s := testStore(t)
	repo := mustRepository(t, s, "https://github.com/acme/h.git")
	dir := mustDirectory(t, s, "/tmp/a")

	settings, err := s.GetProjectSettings(testScope(), dir.ID)
	if err != nil {
		t.Fatalf("getting settings: %v", err)
	}
	settings.PinnedBranch = "release"
	if _, err := s.UpdateProjectSettings(settings); err != nil {
		t.Fatalf("pinning branch: %v", err)
	}

	summary := gitstatus.Summary{DirectoryID: dir.ID, Scope: testScope(), Branch: "feature/x", RepositoryID: repo.ID}

	cases := []struct {
		strategy string
		want     string
	}{
		{StrategyPinnedOnly, "release"},
		{StrategyCurrentOnly, "feature/x"},
		{StrategyPinnedThenCurrent, "release"},
	}
	for _, tc := range cases {
		t.Run(tc.strategy, func(t *testing.T) {
			sy := New(s, trackerWith(t, summary), &fakeAPI{}, journal.New(), WithStrategy(tc.strategy))
			targets := sy.Targets()
			if len(targets) != 1 {
				t.Fatalf("expected 1 target, got %d", len(targets))
			}
			if targets[0].Branch != tc.want {
				t.Errorf("expected branch %q, got %q", tc.want, targets[0].Branch)
			}
		})
	}
}

func TestTargets_PinnedThenCurrentFallsBack(t *testing.T) {
	s := testStore(t)
	repo := mustRepository(t, s, "https://github.com/acme/h.git")
	dir := mustDirectory(t, s, "/tmp/a")
	tr := trackerWith(t, gitstatus.Summary{
		DirectoryID: dir.ID, Scope: testScope(), Branch: "feature/x", RepositoryID: repo.ID,
	})

	sy := New(s, tr, &fakeAPI{}, journal.New())
	targets := sy.Targets()
	if len(targets) != 1 || targets[0].Branch != "feature/x" {
		t.Fatalf("expected current branch fallback, got %+v", targets)
	}
}

func TestSyncOnce_UpsertsPRAndJobs(t *testing.T) {
	s := testStore(t)
	repo := mustRepository(t, s, "https://github.com/acme/h.git")
	dir := mustDirectory(t, s, "/tmp/a")
	tr := trackerWith(t, gitstatus.Summary{
		DirectoryID: dir.ID, Scope: testScope(), Branch: "feature/x", RepositoryID: repo.ID,
	})

	api := &fakeAPI{
		pr: &github.PR{
			Number: 7, Title: "Add x", State: "open",
			HeadBranch: "feature/x", BaseBranch: "main", HeadSHA: "abc123",
			HTMLURL: "https://github.com/acme/h/pull/7", Author: "octocat",
		},
		jobs: []github.Job{
			{Provider: github.ProviderCheckRun, ExternalID: "100", Name: "build", Status: "completed", Conclusion: "success"},
			{Provider: github.ProviderStatus, ExternalID: "ci/lint", Name: "ci/lint", Status: "in_progress"},
		},
	}
	jnl := journal.New()
	var captured capture
	captured.subscribe(jnl)

	sy := New(s, tr, api, jnl)
	if !sy.SyncOnce(context.Background()) {
		t.Fatal("expected sync to run")
	}

	record, err := s.OpenPullRequestForBranch(repo.ID, "feature/x")
	if err != nil {
		t.Fatalf("expected stored PR record: %v", err)
	}
	if record.Number != 7 || record.DirectoryID != dir.ID || record.Author != "octocat" {
		t.Errorf("record mismatch: %+v", record)
	}
	if record.CIRollup != store.RollupPending {
		t.Errorf("expected pending rollup, got %q", record.CIRollup)
	}

	jobs, err := s.ListPrJobs(record.PRRecordID)
	if err != nil || len(jobs) != 2 {
		t.Fatalf("expected 2 stored jobs, got %d err=%v", len(jobs), err)
	}

	state, err := s.GetSyncState(repo.ID, dir.ID, "feature/x")
	if err != nil {
		t.Fatalf("expected sync state: %v", err)
	}
	if state.LastSuccessAt == nil || state.LastError != "" {
		t.Errorf("expected clean success state, got %+v", state)
	}

	kinds := captured.kinds()
	if len(kinds) != 2 || kinds[0] != "github-pr-upserted" || kinds[1] != "github-pr-jobs-updated" {
		t.Errorf("unexpected event kinds: %v", kinds)
	}
	if sc := captured.entries[0].Scope; sc.RepositoryID != repo.ID || sc.DirectoryID != dir.ID {
		t.Errorf("unexpected event scope: %+v", sc)
	}
}

func TestSyncOnce_ClosesVanishedPR(t *testing.T) {
	s := testStore(t)
	repo := mustRepository(t, s, "https://github.com/acme/h.git")
	dir := mustDirectory(t, s, "/tmp/a")
	tr := trackerWith(t, gitstatus.Summary{
		DirectoryID: dir.ID, Scope: testScope(), Branch: "feature/x", RepositoryID: repo.ID,
	})

	prior, err := s.UpsertGitHubPullRequest(store.GitHubPullRequest{
		Scope: testScope(), RepositoryID: repo.ID, Number: 7,
		State: "open", HeadBranch: "feature/x", BaseBranch: "main",
	})
	if err != nil {
		t.Fatalf("seeding record: %v", err)
	}

	jnl := journal.New()
	var captured capture
	captured.subscribe(jnl)

	sy := New(s, tr, &fakeAPI{pr: nil}, jnl)
	sy.SyncOnce(context.Background())

	got, err := s.GetPullRequest(prior.PRRecordID)
	if err != nil {
		t.Fatalf("getting record: %v", err)
	}
	if got.State != "closed" || got.ClosedAt == nil {
		t.Errorf("expected closed record, got %+v", got)
	}

	kinds := captured.kinds()
	if len(kinds) != 1 || kinds[0] != "github-pr-closed" {
		t.Fatalf("unexpected event kinds: %v", kinds)
	}
	ev := captured.entries[0].Event.(events.GitHubPRClosed)
	if ev.PRRecordID != prior.PRRecordID || ev.BranchName != "feature/x" {
		t.Errorf("unexpected closed event: %+v", ev)
	}
}

func TestSyncOnce_NoPRAndNoRecordIsQuiet(t *testing.T) {
	s := testStore(t)
	repo := mustRepository(t, s, "https://github.com/acme/h.git")
	dir := mustDirectory(t, s, "/tmp/a")
	tr := trackerWith(t, gitstatus.Summary{
		DirectoryID: dir.ID, Scope: testScope(), Branch: "main", RepositoryID: repo.ID,
	})

	jnl := journal.New()
	var captured capture
	captured.subscribe(jnl)

	sy := New(s, tr, &fakeAPI{pr: nil}, jnl)
	sy.SyncOnce(context.Background())

	if len(captured.entries) != 0 {
		t.Errorf("expected no events, got %v", captured.kinds())
	}
	state, err := s.GetSyncState(repo.ID, dir.ID, "main")
	if err != nil {
		t.Fatalf("expected sync state recorded: %v", err)
	}
	if state.LastSuccessAt == nil {
		t.Errorf("expected success state, got %+v", state)
	}
}

func TestSyncOnce_RecordsErrorAndKeepsGoing(t *testing.T) {
	s := testStore(t)
	repo := mustRepository(t, s, "https://github.com/acme/h.git")
	dir := mustDirectory(t, s, "/tmp/a")
	tr := trackerWith(t, gitstatus.Summary{
		DirectoryID: dir.ID, Scope: testScope(), Branch: "main", RepositoryID: repo.ID,
	})

	sy := New(s, tr, &fakeAPI{prErr: fmt.Errorf("github api request failed: 502")}, journal.New())
	if !sy.SyncOnce(context.Background()) {
		t.Fatal("expected sync to run")
	}

	state, err := s.GetSyncState(repo.ID, dir.ID, "main")
	if err != nil {
		t.Fatalf("expected sync state: %v", err)
	}
	if state.LastError == "" || state.LastErrorAt == nil {
		t.Errorf("expected recorded error, got %+v", state)
	}
	if state.LastSuccessAt != nil {
		t.Errorf("expected no success yet, got %+v", state)
	}
}

func TestSyncOnce_SingleFlight(t *testing.T) {
	s := testStore(t)
	sy := New(s, gitstatus.NewTracker(), &fakeAPI{}, journal.New())

	sy.inFlight.Store(true)
	if sy.SyncOnce(context.Background()) {
		t.Error("expected overlapping poll to be dropped")
	}
	sy.inFlight.Store(false)
	if !sy.SyncOnce(context.Background()) {
		t.Error("expected poll to run once the guard clears")
	}
}

func TestRollup(t *testing.T) {
	job := func(status, conclusion string) store.GitHubPrJob {
		return store.GitHubPrJob{Status: status, Conclusion: conclusion}
	}
	cases := []struct {
		name string
		jobs []store.GitHubPrJob
		want string
	}{
		{"empty", nil, store.RollupNone},
		{"all success", []store.GitHubPrJob{job("completed", "success")}, store.RollupSuccess},
		{"pending beats success", []store.GitHubPrJob{job("in_progress", ""), job("completed", "success")}, store.RollupPending},
		{"failure beats pending", []store.GitHubPrJob{job("in_progress", ""), job("completed", "failure")}, store.RollupFailure},
		{"timed out is failure", []store.GitHubPrJob{job("completed", "timed_out")}, store.RollupFailure},
		{"action required is failure", []store.GitHubPrJob{job("completed", "action_required")}, store.RollupFailure},
		{"cancelled beats success", []store.GitHubPrJob{job("completed", "cancelled"), job("completed", "success")}, store.RollupCancelled},
		{"skipped only is neutral", []store.GitHubPrJob{job("completed", "skipped")}, store.RollupNeutral},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Rollup(tc.jobs); got != tc.want {
				t.Errorf("expected %s, got %s", tc.want, got)
			}
		})
	}
}
