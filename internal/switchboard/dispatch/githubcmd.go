package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoyers/switchboard/internal/switchboard/cperr"
	"github.com/jmoyers/switchboard/internal/switchboard/events"
	"github.com/jmoyers/switchboard/internal/switchboard/github"
	"github.com/jmoyers/switchboard/internal/switchboard/scope"
	"github.com/jmoyers/switchboard/internal/switchboard/store"
)

const githubCallTimeout = 30 * time.Second

// projectRemote is the resolved GitHub coordinates for a project: the tracked
// repository, its parsed owner/repo, and the branch PR commands operate on.
type projectRemote struct {
	repository store.Repository
	remote     github.Remote
	branch     string
}

// resolveProjectRemote maps a directory to its GitHub remote and tracked
// branch (pinned branch when set, else the current branch from the git
// cache).
func (d *Dispatcher) resolveProjectRemote(sc scope.Scope, directoryID string) (projectRemote, error) {
	if _, err := d.store.GetDirectory(sc, directoryID); err != nil {
		return projectRemote{}, err
	}
	summary, ok := d.git.Get(directoryID)
	if !ok || summary.RepositoryID == "" {
		return projectRemote{}, cperr.Validationf("project has no tracked github repository")
	}
	repo, err := d.store.GetRepository(sc, summary.RepositoryID)
	if err != nil {
		return projectRemote{}, err
	}
	remote, isGitHub := github.ParseRemoteURL(repo.RemoteURL)
	if !isGitHub {
		return projectRemote{}, cperr.Validationf("project has no tracked github repository")
	}

	branch := summary.Branch
	if settings, serr := d.store.GetProjectSettings(sc, directoryID); serr == nil && settings.PinnedBranch != "" {
		branch = settings.PinnedBranch
	}
	return projectRemote{repository: repo, remote: remote, branch: branch}, nil
}

// githubProjectPR returns the stored open PR record for a project's tracked
// branch, or a null pr when none is known.
func (d *Dispatcher) githubProjectPR(raw json.RawMessage) (any, error) {
	var p struct {
		scopedParams
		DirectoryID string `json:"directoryId"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	pr, err := d.resolveProjectRemote(p.scope(), p.DirectoryID)
	if err != nil {
		return nil, err
	}
	if pr.branch == "" {
		return nil, cperr.Validationf("project has no tracked branch for github pr")
	}

	record, err := d.store.OpenPullRequestForBranch(pr.repository.ID, pr.branch)
	if cperr.IsKind(err, cperr.NotFound) {
		return map[string]any{"pr": nil, "branch": pr.branch}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"pr": record, "branch": pr.branch}, nil
}

func (d *Dispatcher) githubPRList(raw json.RawMessage) (any, error) {
	var p struct {
		scopedParams
		RepositoryID string `json:"repositoryId"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	prs, err := d.store.ListPullRequests(p.scope(), p.RepositoryID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"pullRequests": prs}, nil
}

// githubPRCreate opens a PR for a project's head branch unless one already
// exists. The store is checked before any external call; after the external
// create completes, the store is re-checked so a PR persisted during the
// await wins over the one just created.
func (d *Dispatcher) githubPRCreate(raw json.RawMessage) (any, error) {
	var p struct {
		scopedParams
		DirectoryID string `json:"directoryId"`
		HeadBranch  string `json:"headBranch"`
		BaseBranch  string `json:"baseBranch"`
		Title       string `json:"title"`
		Body        string `json:"body"`
		Draft       bool   `json:"draft"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	sc := p.scope()

	pr, err := d.resolveProjectRemote(sc, p.DirectoryID)
	if err != nil {
		return nil, err
	}
	head := p.HeadBranch
	if head == "" {
		head = pr.branch
	}
	if head == "" {
		return nil, cperr.Validationf("project has no tracked branch for github pr")
	}
	base := p.BaseBranch
	if base == "" {
		base = pr.repository.DefaultBranch
	}

	// Store first: a known open record short-circuits without touching the
	// network at all.
	if existing, err := d.store.OpenPullRequestForBranch(pr.repository.ID, head); err == nil {
		return map[string]any{"created": false, "existing": true, "pr": existing}, nil
	} else if !cperr.IsKind(err, cperr.NotFound) {
		return nil, err
	}

	if d.github == nil {
		return nil, cperr.Validationf("github integration is disabled")
	}
	ctx, cancel := context.WithTimeout(context.Background(), githubCallTimeout)
	defer cancel()

	remote, err := d.github.OpenPullRequestForBranch(ctx, pr.remote.Owner, pr.remote.Repo, head)
	if err != nil {
		return nil, err
	}
	created := false
	if remote == nil {
		fresh, err := d.github.CreatePullRequest(ctx, pr.remote.Owner, pr.remote.Repo, head, base, p.Title, p.Body, p.Draft)
		if err != nil {
			return nil, err
		}
		remote = &fresh
		created = true
	}

	// Everything read before the external calls is stale; a record persisted
	// for the same head during the await takes precedence.
	if existing, err := d.store.OpenPullRequestForBranch(pr.repository.ID, head); err == nil {
		return map[string]any{"created": false, "existing": true, "pr": existing}, nil
	} else if !cperr.IsKind(err, cperr.NotFound) {
		return nil, err
	}

	record, err := d.store.UpsertGitHubPullRequest(store.GitHubPullRequest{
		Scope:        sc,
		RepositoryID: pr.repository.ID,
		DirectoryID:  p.DirectoryID,
		Number:       remote.Number,
		Title:        remote.Title,
		State:        remote.State,
		HeadBranch:   remote.HeadBranch,
		BaseBranch:   remote.BaseBranch,
		HeadSHA:      remote.HeadSHA,
		HTMLURL:      remote.HTMLURL,
		Author:       remote.Author,
		Draft:        remote.Draft,
		ClosedAt:     remote.ClosedAt,
		ObservedAt:   d.now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	esc := eventScope(sc)
	esc.DirectoryID = p.DirectoryID
	esc.RepositoryID = pr.repository.ID
	d.journal.Publish(esc, events.GitHubPRUpserted{PullRequest: record})
	return map[string]any{"created": created, "existing": !created, "pr": record}, nil
}

func (d *Dispatcher) githubPRJobsList(raw json.RawMessage) (any, error) {
	var p struct {
		PRRecordID string `json:"prRecordId"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	record, err := d.store.GetPullRequest(p.PRRecordID)
	if err != nil {
		return nil, err
	}
	jobs, err := d.store.ListPrJobs(record.PRRecordID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"jobs": jobs, "ciRollup": record.CIRollup}, nil
}

// githubMyPRsURL builds the open-PRs-by-author URL for a tracked repository.
// The viewer login comes from the API when available; otherwise GitHub's @me
// placeholder is used.
func (d *Dispatcher) githubMyPRsURL(raw json.RawMessage) (any, error) {
	var p struct {
		scopedParams
		RepositoryID string `json:"repositoryId"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	repo, err := d.store.GetRepository(p.scope(), p.RepositoryID)
	if err != nil {
		return nil, err
	}
	remote, isGitHub := github.ParseRemoteURL(repo.RemoteURL)
	if !isGitHub {
		return nil, cperr.Validationf("project has no tracked github repository")
	}

	author := ""
	if d.github != nil {
		ctx, cancel := context.WithTimeout(context.Background(), githubCallTimeout)
		defer cancel()
		if login, err := d.github.ViewerLogin(ctx); err == nil {
			author = login
		}
	}
	return map[string]any{"url": github.MyPRsURL(remote.Owner, remote.Repo, author)}, nil
}
