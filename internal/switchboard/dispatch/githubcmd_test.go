package dispatch

import (
	"testing"
	"time"

	"github.com/jmoyers/switchboard/internal/switchboard/cperr"
	"github.com/jmoyers/switchboard/internal/switchboard/github"
	"github.com/jmoyers/switchboard/internal/switchboard/gitstatus"
	"github.com/jmoyers/switchboard/internal/switchboard/linear"
	"github.com/jmoyers/switchboard/internal/switchboard/scheduler"
	"github.com/jmoyers/switchboard/internal/switchboard/store"
)

// trackProject wires a directory to a github repository on a branch in the
// git-status cache.
func (f *fixture) trackProject(t *testing.T, dir store.Directory, repo store.Repository, branch string) {
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

func (f *fixture) mustOpenPR(t *testing.T, repo store.Repository, dir store.Directory, branch string, number int) store.GitHubPullRequest {
	t.Helper()
	record, err := f.store.UpsertGitHubPullRequest(store.GitHubPullRequest{
		Scope:        testScope(),
		RepositoryID: repo.ID,
		DirectoryID:  dir.ID,
		Number:       number,
		Title:        "existing",
		State:        "open",
		HeadBranch:   branch,
		BaseBranch:   "main",
		HeadSHA:      "abc123",
		ObservedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("inserting pr record: %v", err)
	}
	return record
}

func TestGithubPRCreate_ExistingRecordShortCircuits(t *testing.T) {
	f := newFixture(t)
	repo := f.mustRepository(t, "https://github.com/acme/h.git")
	dir := f.mustDirectory(t, "/tmp/project")
	f.trackProject(t, dir, repo, "feature/x")
	existing := f.mustOpenPR(t, repo, dir, "feature/x", 12)

	out := f.dispatch(t, "conn-a", "github.pr-create", f.params(map[string]any{
		"directoryId": dir.ID, "headBranch": "feature/x",
	}))
	result := out.(map[string]any)
	if result["created"].(bool) || !result["existing"].(bool) {
		t.Errorf("expected created:false existing:true, got %+v", result)
	}
	if pr := result["pr"].(store.GitHubPullRequest); pr.PRRecordID != existing.PRRecordID {
		t.Errorf("expected the stored record, got %+v", pr)
	}
	if f.github.openCalls != 0 || f.github.createCalls != 0 {
		t.Errorf("expected no external calls, got open=%d create=%d", f.github.openCalls, f.github.createCalls)
	}
}

func TestGithubPRCreate_RemoteOpenPRAdopted(t *testing.T) {
	f := newFixture(t)
	repo := f.mustRepository(t, "https://github.com/acme/h.git")
	dir := f.mustDirectory(t, "/tmp/project")
	f.trackProject(t, dir, repo, "feature/x")
	f.github.openPR = &github.PR{
		Number: 40, Title: "already open", State: "open",
		HeadBranch: "feature/x", BaseBranch: "main", HeadSHA: "abc",
	}

	out := f.dispatch(t, "conn-a", "github.pr-create", f.params(map[string]any{
		"directoryId": dir.ID,
	}))
	result := out.(map[string]any)
	if result["created"].(bool) {
		t.Errorf("expected created:false for an adopted PR, got %+v", result)
	}
	if f.github.createCalls != 0 {
		t.Errorf("expected no create call, got %d", f.github.createCalls)
	}
	if pr := result["pr"].(store.GitHubPullRequest); pr.Number != 40 {
		t.Errorf("unexpected record %+v", pr)
	}
}

func TestGithubPRCreate_CreatesAndPersists(t *testing.T) {
	f := newFixture(t)
	repo := f.mustRepository(t, "https://github.com/acme/h.git")
	dir := f.mustDirectory(t, "/tmp/project")
	f.trackProject(t, dir, repo, "feature/x")
	f.github.created = github.PR{
		Number: 77, Title: "add widget", State: "open",
		HeadBranch: "feature/x", BaseBranch: "main", HeadSHA: "def456",
	}
	entries := f.captureEvents()

	out := f.dispatch(t, "conn-a", "github.pr-create", f.params(map[string]any{
		"directoryId": dir.ID, "title": "add widget",
	}))
	result := out.(map[string]any)
	if !result["created"].(bool) || result["existing"].(bool) {
		t.Fatalf("expected created:true, got %+v", result)
	}
	if f.github.openCalls != 1 || f.github.createCalls != 1 {
		t.Errorf("expected one open check and one create, got open=%d create=%d",
			f.github.openCalls, f.github.createCalls)
	}

	stored, err := f.store.OpenPullRequestForBranch(repo.ID, "feature/x")
	if err != nil {
		t.Fatalf("expected persisted record: %v", err)
	}
	if stored.Number != 77 || stored.DirectoryID != dir.ID {
		t.Errorf("unexpected stored record %+v", stored)
	}
	if got := kindsOf(*entries); len(got) != 1 || got[0] != "github-pr-upserted" {
		t.Errorf("expected one github-pr-upserted event, got %v", got)
	}
}

func TestGithubPRCreate_UntrackedBranchRejected(t *testing.T) {
	f := newFixture(t)
	repo := f.mustRepository(t, "https://github.com/acme/h.git")
	dir := f.mustDirectory(t, "/tmp/project")
	f.trackProject(t, dir, repo, "")

	_, err := f.try("conn-a", "github.pr-create", f.params(map[string]any{
		"directoryId": dir.ID,
	}))
	if !cperr.IsKind(err, cperr.Validation) {
		t.Errorf("expected validation error, got %v", err)
	}
	if got := err.Error(); got != "project has no tracked branch for github pr" {
		t.Errorf("unexpected message %q", got)
	}
}

func TestGithubPRCreate_DisabledWithoutClient(t *testing.T) {
	f := newFixture(t)
	repo := f.mustRepository(t, "https://github.com/acme/h.git")
	dir := f.mustDirectory(t, "/tmp/project")
	f.trackProject(t, dir, repo, "feature/x")

	d := New(Config{
		Store:     f.store,
		Journal:   f.journal,
		Sessions:  f.sessions,
		Git:       f.git,
		Scheduler: scheduler.New(f.store, f.git, f.sessions, f.journal),
		Sender:    f.sender,
		Spawn:     f.spawn,
	})
	cmd, _ := ParseCommand([]byte(`{"type":"github.pr-create","tenantId":"tenant-a","userId":"user-a","workspaceId":"workspace-a","directoryId":"` + dir.ID + `"}`))
	_, err := d.Dispatch("conn-a", cmd)
	if !cperr.IsKind(err, cperr.Validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got := err.Error(); got != "github integration is disabled" {
		t.Errorf("unexpected message %q", got)
	}
}

func TestGithubProjectPR_NullWhenUnknown(t *testing.T) {
	f := newFixture(t)
	repo := f.mustRepository(t, "https://github.com/acme/h.git")
	dir := f.mustDirectory(t, "/tmp/project")
	f.trackProject(t, dir, repo, "feature/x")

	out := f.dispatch(t, "conn-a", "github.project-pr", f.params(map[string]any{
		"directoryId": dir.ID,
	}))
	result := out.(map[string]any)
	if result["pr"] != nil {
		t.Errorf("expected null pr, got %+v", result["pr"])
	}
	if result["branch"].(string) != "feature/x" {
		t.Errorf("expected branch feature/x, got %v", result["branch"])
	}
}

func TestGithubProjectPR_PinnedBranchWins(t *testing.T) {
	f := newFixture(t)
	repo := f.mustRepository(t, "https://github.com/acme/h.git")
	dir := f.mustDirectory(t, "/tmp/project")
	f.trackProject(t, dir, repo, "feature/x")

	settings, err := f.store.GetProjectSettings(testScope(), dir.ID)
	if err != nil {
		t.Fatalf("getting settings: %v", err)
	}
	settings.PinnedBranch = "release/2"
	if _, err := f.store.UpdateProjectSettings(settings); err != nil {
		t.Fatalf("pinning branch: %v", err)
	}
	f.mustOpenPR(t, repo, dir, "release/2", 9)

	out := f.dispatch(t, "conn-a", "github.project-pr", f.params(map[string]any{
		"directoryId": dir.ID,
	}))
	result := out.(map[string]any)
	if pr := result["pr"].(store.GitHubPullRequest); pr.Number != 9 {
		t.Errorf("expected the pinned-branch record, got %+v", result["pr"])
	}
}

func TestGithubPRJobsList_ReturnsJobsAndRollup(t *testing.T) {
	f := newFixture(t)
	repo := f.mustRepository(t, "https://github.com/acme/h.git")
	dir := f.mustDirectory(t, "/tmp/project")
	record := f.mustOpenPR(t, repo, dir, "feature/x", 12)

	if _, err := f.store.ReplaceGitHubPrJobs(record.PRRecordID, []store.GitHubPrJob{
		{PRRecordID: record.PRRecordID, Provider: github.ProviderCheckRun, ExternalID: "1",
			Name: "build", Status: "completed", Conclusion: "success"},
	}); err != nil {
		t.Fatalf("replacing jobs: %v", err)
	}
	if err := f.store.UpdatePullRequestCiRollup(record.PRRecordID, store.RollupSuccess); err != nil {
		t.Fatalf("updating rollup: %v", err)
	}

	out := f.dispatch(t, "conn-a", "github.pr-jobs-list", map[string]any{
		"prRecordId": record.PRRecordID,
	})
	result := out.(map[string]any)
	jobs := result["jobs"].([]store.GitHubPrJob)
	if len(jobs) != 1 || jobs[0].Name != "build" {
		t.Errorf("unexpected jobs %+v", jobs)
	}
	if result["ciRollup"].(string) != store.RollupSuccess {
		t.Errorf("expected success rollup, got %v", result["ciRollup"])
	}
}

func TestGithubMyPRsURL_UsesViewerLogin(t *testing.T) {
	f := newFixture(t)
	repo := f.mustRepository(t, "https://github.com/acme/h.git")
	f.github.viewer = "octocat"

	out := f.dispatch(t, "conn-a", "github.repo-my-prs-url", f.params(map[string]any{
		"repositoryId": repo.ID,
	}))
	url := out.(map[string]any)["url"].(string)
	want := "https://github.com/acme/h/pulls?q=is%3Apr+is%3Aopen+author%3Aoctocat"
	if url != want {
		t.Errorf("expected %q, got %q", want, url)
	}
}

func TestLinearIssueImport_CreatesReadyTask(t *testing.T) {
	f := newFixture(t)
	repo := f.mustRepository(t, "https://github.com/acme/h.git")
	f.linear.issue = linear.Issue{
		ID: "issue-uuid", Identifier: "ENG-42", Title: "Fix the importer",
		Description: "steps to reproduce", Team: "ENG", Priority: 2,
	}
	entries := f.captureEvents()

	out := f.dispatch(t, "conn-a", "linear.issue.import", f.params(map[string]any{
		"ref": "https://linear.app/acme/issue/eng-42/fix-the-importer", "repositoryId": repo.ID,
	}))
	task := out.(store.Task)
	if task.Title != "Fix the importer" || task.Status != store.TaskReady {
		t.Errorf("unexpected task %+v", task)
	}
	if task.Linear == nil || task.Linear.Identifier != "ENG-42" {
		t.Errorf("expected linear metadata, got %+v", task.Linear)
	}
	if f.linear.calls != 1 {
		t.Errorf("expected one linear call, got %d", f.linear.calls)
	}
	if got := kindsOf(*entries); len(got) != 1 || got[0] != "task-created" {
		t.Errorf("expected one task-created event, got %v", got)
	}
}

func TestLinearIssueImport_DisabledWithoutClient(t *testing.T) {
	f := newFixture(t)
	d := New(Config{
		Store:     f.store,
		Journal:   f.journal,
		Sessions:  f.sessions,
		Git:       f.git,
		Scheduler: scheduler.New(f.store, f.git, f.sessions, f.journal),
		Sender:    f.sender,
		Spawn:     f.spawn,
	})
	cmd, _ := ParseCommand([]byte(`{"type":"linear.issue.import","ref":"ENG-1"}`))
	_, err := d.Dispatch("conn-a", cmd)
	if !cperr.IsKind(err, cperr.Validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got := err.Error(); got != "linear integration is disabled" {
		t.Errorf("unexpected message %q", got)
	}
}
