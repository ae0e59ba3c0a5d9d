package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoyers/switchboard/internal/switchboard/cperr"
	"github.com/jmoyers/switchboard/internal/switchboard/scope"
)

// CI rollup values derived over a PR's jobs.
const (
	RollupNone      = "none"
	RollupPending   = "pending"
	RollupFailure   = "failure"
	RollupCancelled = "cancelled"
	RollupSuccess   = "success"
	RollupNeutral   = "neutral"
)

// GitHubPullRequest is the persisted record of an observed pull request,
// keyed by a stable record id and unique per (repository, number).
type GitHubPullRequest struct {
	PRRecordID   string      `json:"prRecordId"`
	Scope        scope.Scope `json:"scope"`
	RepositoryID string      `json:"repositoryId"`
	DirectoryID  string      `json:"directoryId,omitempty"`
	Number       int         `json:"number"`
	Title        string      `json:"title"`
	State        string      `json:"state"`
	HeadBranch   string      `json:"headBranch"`
	BaseBranch   string      `json:"baseBranch"`
	HeadSHA      string      `json:"headSha"`
	HTMLURL      string      `json:"htmlUrl"`
	Author       string      `json:"author"`
	Draft        bool        `json:"draft"`
	CIRollup     string      `json:"ciRollup"`
	ObservedAt   time.Time   `json:"observedAt"`
	ClosedAt     *time.Time  `json:"closedAt,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// GitHubPrJob is one CI job (check run or status context) on a PR's head
// commit. Jobs are replaced wholesale per PR on every sync.
type GitHubPrJob struct {
	ID          string     `json:"jobId"`
	PRRecordID  string     `json:"prRecordId"`
	Provider    string     `json:"provider"`
	ExternalID  string     `json:"externalId"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	Conclusion  string     `json:"conclusion"`
	HTMLURL     string     `json:"htmlUrl,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// GitHubSyncState records the outcome of the latest reconciliation attempt
// for a (repository, directory, branch) triple.
type GitHubSyncState struct {
	RepositoryID  string     `json:"repositoryId"`
	DirectoryID   string     `json:"directoryId,omitempty"`
	Branch        string     `json:"branch"`
	LastSyncAt    *time.Time `json:"lastSyncAt,omitempty"`
	LastSuccessAt *time.Time `json:"lastSuccessAt,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
	LastErrorAt   *time.Time `json:"lastErrorAt,omitempty"`
}

const prColumns = `pr_record_id, tenant_id, user_id, workspace_id, repository_id, directory_id,
	pr_number, title, state, head_branch, base_branch, head_sha, html_url, author, draft,
	ci_rollup, observed_at, closed_at, created_at, updated_at`

// UpsertGitHubPullRequest creates or updates the record for (repository,
// number). The repository (and directory, when set) must exist in scope and
// share the PR's triple.
func (s *Store) UpsertGitHubPullRequest(pr GitHubPullRequest) (GitHubPullRequest, error) {
	pr.Scope = pr.Scope.Normalize()
	if pr.RepositoryID == "" {
		return GitHubPullRequest{}, cperr.Validationf("expected non-empty repositoryId")
	}
	if pr.Number <= 0 {
		return GitHubPullRequest{}, cperr.Validationf("expected positive pr number")
	}
	if pr.CIRollup == "" {
		pr.CIRollup = RollupNone
	}

	err := s.tx(func(tx *sql.Tx) error {
		repo, err := getRepository(tx, pr.RepositoryID)
		if err != nil {
			return err
		}
		if !repo.Scope.Equal(pr.Scope) {
			return cperr.ScopeMismatchf("pull request")
		}
		if pr.DirectoryID != "" {
			dir, err := getDirectory(tx, pr.DirectoryID)
			if err != nil {
				return err
			}
			if !dir.Scope.Equal(pr.Scope) {
				return cperr.ScopeMismatchf("pull request")
			}
		}

		existing, err := prByRepoNumber(tx, pr.RepositoryID, pr.Number)
		now := time.Now().UTC()
		switch {
		case err == nil:
			pr.PRRecordID = existing.PRRecordID
			pr.CreatedAt = existing.CreatedAt
		case cperr.IsKind(err, cperr.NotFound):
			if pr.PRRecordID == "" {
				pr.PRRecordID = scope.NewID("pr")
			}
			pr.CreatedAt = now
		default:
			return err
		}
		pr.UpdatedAt = now
		if pr.ObservedAt.IsZero() {
			pr.ObservedAt = now
		}

		if _, err := tx.Exec(`
			INSERT INTO github_pull_requests (`+prColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (repository_id, pr_number) DO UPDATE SET
				directory_id = excluded.directory_id,
				title = excluded.title,
				state = excluded.state,
				head_branch = excluded.head_branch,
				base_branch = excluded.base_branch,
				head_sha = excluded.head_sha,
				html_url = excluded.html_url,
				author = excluded.author,
				draft = excluded.draft,
				observed_at = excluded.observed_at,
				closed_at = excluded.closed_at,
				updated_at = excluded.updated_at`,
			pr.PRRecordID, pr.Scope.TenantID, pr.Scope.UserID, pr.Scope.WorkspaceID,
			pr.RepositoryID, nullString(pr.DirectoryID), pr.Number, pr.Title, pr.State,
			pr.HeadBranch, pr.BaseBranch, pr.HeadSHA, pr.HTMLURL, pr.Author,
			boolToInt(pr.Draft), pr.CIRollup, formatTime(pr.ObservedAt),
			nullTime(pr.ClosedAt), formatTime(pr.CreatedAt), formatTime(pr.UpdatedAt),
		); err != nil {
			return fmt.Errorf("upserting pull request: %w", err)
		}

		reread, err := prByRepoNumber(tx, pr.RepositoryID, pr.Number)
		if err != nil {
			return cperr.Integrityf("pull request missing after upsert")
		}
		pr = reread
		return nil
	})
	if err != nil {
		return GitHubPullRequest{}, err
	}
	return pr, nil
}

// OpenPullRequestForBranch returns the most recently updated open PR record
// for (repository, headBranch), or NotFound.
func (s *Store) OpenPullRequestForBranch(repositoryID, headBranch string) (GitHubPullRequest, error) {
	row := s.conn.QueryRow(`SELECT `+prColumns+` FROM github_pull_requests
		WHERE repository_id = ? AND head_branch = ? AND state = 'open'
		ORDER BY updated_at DESC LIMIT 1`, repositoryID, headBranch)
	pr, err := scanPullRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return GitHubPullRequest{}, cperr.NotFoundf("pull request not found")
		}
		return GitHubPullRequest{}, fmt.Errorf("getting open pull request: %w", err)
	}
	return pr, nil
}

// GetPullRequest returns a PR record by its stable record id.
func (s *Store) GetPullRequest(prRecordID string) (GitHubPullRequest, error) {
	row := s.conn.QueryRow(`SELECT `+prColumns+` FROM github_pull_requests WHERE pr_record_id = ?`, prRecordID)
	pr, err := scanPullRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return GitHubPullRequest{}, cperr.NotFoundf("pull request not found")
		}
		return GitHubPullRequest{}, fmt.Errorf("getting pull request: %w", err)
	}
	return pr, nil
}

// ListPullRequests returns PR records in scope, optionally filtered by
// repository, most recently updated first.
func (s *Store) ListPullRequests(sc scope.Scope, repositoryID string) ([]GitHubPullRequest, error) {
	sc = sc.Normalize()
	query := `SELECT ` + prColumns + ` FROM github_pull_requests
		WHERE tenant_id = ? AND user_id = ? AND workspace_id = ?`
	args := scopeArgs(sc)
	if repositoryID != "" {
		query += ` AND repository_id = ?`
		args = append(args, repositoryID)
	}
	query += ` ORDER BY updated_at DESC, pr_record_id DESC`

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing pull requests: %w", err)
	}
	defer rows.Close()

	var prs []GitHubPullRequest
	for rows.Next() {
		pr, err := scanPullRequest(rows)
		if err != nil {
			return nil, err
		}
		prs = append(prs, pr)
	}
	return prs, rows.Err()
}

// MarkPullRequestClosed transitions a PR record to closed with the given
// observation time.
func (s *Store) MarkPullRequestClosed(prRecordID string, observedAt time.Time) (GitHubPullRequest, error) {
	var out GitHubPullRequest
	err := s.tx(func(tx *sql.Tx) error {
		now := observedAt.UTC()
		res, err := tx.Exec(`
			UPDATE github_pull_requests SET state = 'closed', closed_at = ?, observed_at = ?, updated_at = ?
			WHERE pr_record_id = ?`,
			formatTime(now), formatTime(now), formatTime(now), prRecordID)
		if err != nil {
			return fmt.Errorf("closing pull request: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return cperr.NotFoundf("pull request not found")
		}
		row := tx.QueryRow(`SELECT `+prColumns+` FROM github_pull_requests WHERE pr_record_id = ?`, prRecordID)
		reread, err := scanPullRequest(row)
		if err != nil {
			return cperr.Integrityf("pull request missing after close")
		}
		out = reread
		return nil
	})
	if err != nil {
		return GitHubPullRequest{}, err
	}
	return out, nil
}

// ReplaceGitHubPrJobs swaps the full job set for a PR in one transaction.
func (s *Store) ReplaceGitHubPrJobs(prRecordID string, jobs []GitHubPrJob) ([]GitHubPrJob, error) {
	var out []GitHubPrJob
	err := s.tx(func(tx *sql.Tx) error {
		var exists string
		if err := tx.QueryRow(`SELECT pr_record_id FROM github_pull_requests WHERE pr_record_id = ?`,
			prRecordID).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return cperr.NotFoundf("pull request not found")
			}
			return fmt.Errorf("checking pull request: %w", err)
		}

		if _, err := tx.Exec(`DELETE FROM github_pr_jobs WHERE pr_record_id = ?`, prRecordID); err != nil {
			return fmt.Errorf("clearing pr jobs: %w", err)
		}
		for _, job := range jobs {
			if job.Provider == "" || job.ExternalID == "" {
				return cperr.Validationf("expected non-empty provider and externalId for pr job")
			}
			id := job.ID
			if id == "" {
				id = scope.NewID("prjob")
			}
			if _, err := tx.Exec(`
				INSERT INTO github_pr_jobs (job_id, pr_record_id, provider, external_id, name,
					status, conclusion, html_url, started_at, completed_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				id, prRecordID, job.Provider, job.ExternalID, job.Name,
				job.Status, job.Conclusion, job.HTMLURL,
				nullTime(job.StartedAt), nullTime(job.CompletedAt),
			); err != nil {
				return fmt.Errorf("inserting pr job: %w", err)
			}
		}

		jobsAfter, err := listPrJobs(tx, prRecordID)
		if err != nil {
			return err
		}
		if len(jobsAfter) != len(jobs) {
			return cperr.Integrityf("pr jobs missing after replace")
		}
		out = jobsAfter
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListPrJobs returns the stored jobs for a PR in name order.
func (s *Store) ListPrJobs(prRecordID string) ([]GitHubPrJob, error) {
	return listPrJobs(s.conn, prRecordID)
}

func listPrJobs(q querier, prRecordID string) ([]GitHubPrJob, error) {
	rows, err := q.Query(`
		SELECT job_id, pr_record_id, provider, external_id, name, status, conclusion,
			html_url, started_at, completed_at
		FROM github_pr_jobs WHERE pr_record_id = ? ORDER BY name ASC, external_id ASC`, prRecordID)
	if err != nil {
		return nil, fmt.Errorf("listing pr jobs: %w", err)
	}
	defer rows.Close()

	var jobs []GitHubPrJob
	for rows.Next() {
		var j GitHubPrJob
		var startedAt, completedAt sql.NullString
		if err := rows.Scan(&j.ID, &j.PRRecordID, &j.Provider, &j.ExternalID, &j.Name,
			&j.Status, &j.Conclusion, &j.HTMLURL, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scanning pr job: %w", err)
		}
		j.StartedAt = scanNullTime(startedAt)
		j.CompletedAt = scanNullTime(completedAt)
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// UpdatePullRequestCiRollup sets the stored CI rollup for a PR.
func (s *Store) UpdatePullRequestCiRollup(prRecordID, rollup string) error {
	switch rollup {
	case RollupNone, RollupPending, RollupFailure, RollupCancelled, RollupSuccess, RollupNeutral:
	default:
		return cperr.Validationf("unknown ci rollup: %s", rollup)
	}
	res, err := s.conn.Exec(`UPDATE github_pull_requests SET ci_rollup = ?, updated_at = ? WHERE pr_record_id = ?`,
		rollup, formatTime(time.Now().UTC()), prRecordID)
	if err != nil {
		return fmt.Errorf("updating ci rollup: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return cperr.NotFoundf("pull request not found")
	}
	return nil
}

// RecordSyncSuccess upserts the sync-state row for a branch with a
// successful sync at the given time, clearing any prior error.
func (s *Store) RecordSyncSuccess(repositoryID, directoryID, branch string, at time.Time) error {
	ts := formatTime(at.UTC())
	_, err := s.conn.Exec(`
		INSERT INTO github_sync_state (repository_id, directory_id, branch, last_sync_at, last_success_at, last_error, last_error_at)
		VALUES (?, ?, ?, ?, ?, '', NULL)
		ON CONFLICT (repository_id, directory_id, branch) DO UPDATE SET
			last_sync_at = excluded.last_sync_at,
			last_success_at = excluded.last_success_at,
			last_error = '',
			last_error_at = NULL`,
		repositoryID, directoryID, branch, ts, ts)
	if err != nil {
		return fmt.Errorf("recording sync success: %w", err)
	}
	return nil
}

// RecordSyncError upserts the sync-state row for a branch with a failed
// sync. The prior last_success_at is preserved.
func (s *Store) RecordSyncError(repositoryID, directoryID, branch string, at time.Time, syncErr error) error {
	ts := formatTime(at.UTC())
	msg := ""
	if syncErr != nil {
		msg = syncErr.Error()
	}
	_, err := s.conn.Exec(`
		INSERT INTO github_sync_state (repository_id, directory_id, branch, last_sync_at, last_error, last_error_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (repository_id, directory_id, branch) DO UPDATE SET
			last_sync_at = excluded.last_sync_at,
			last_error = excluded.last_error,
			last_error_at = excluded.last_error_at`,
		repositoryID, directoryID, branch, ts, msg, ts)
	if err != nil {
		return fmt.Errorf("recording sync error: %w", err)
	}
	return nil
}

// GetSyncState returns the sync-state row for (repository, directory,
// branch), or NotFound.
func (s *Store) GetSyncState(repositoryID, directoryID, branch string) (GitHubSyncState, error) {
	var st GitHubSyncState
	var lastSync, lastSuccess, lastErrorAt sql.NullString
	err := s.conn.QueryRow(`
		SELECT repository_id, directory_id, branch, last_sync_at, last_success_at, last_error, last_error_at
		FROM github_sync_state WHERE repository_id = ? AND directory_id = ? AND branch = ?`,
		repositoryID, directoryID, branch,
	).Scan(&st.RepositoryID, &st.DirectoryID, &st.Branch, &lastSync, &lastSuccess, &st.LastError, &lastErrorAt)
	if errors.Is(err, sql.ErrNoRows) {
		return GitHubSyncState{}, cperr.NotFoundf("sync state not found")
	}
	if err != nil {
		return GitHubSyncState{}, fmt.Errorf("getting sync state: %w", err)
	}
	st.LastSyncAt = scanNullTime(lastSync)
	st.LastSuccessAt = scanNullTime(lastSuccess)
	st.LastErrorAt = scanNullTime(lastErrorAt)
	return st, nil
}

func prByRepoNumber(q querier, repositoryID string, number int) (GitHubPullRequest, error) {
	row := q.QueryRow(`SELECT `+prColumns+` FROM github_pull_requests
		WHERE repository_id = ? AND pr_number = ?`, repositoryID, number)
	pr, err := scanPullRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return GitHubPullRequest{}, cperr.NotFoundf("pull request not found")
		}
		return GitHubPullRequest{}, fmt.Errorf("getting pull request by number: %w", err)
	}
	return pr, nil
}

func scanPullRequest(row rowScanner) (GitHubPullRequest, error) {
	var pr GitHubPullRequest
	var directoryID, closedAt sql.NullString
	var draft int
	var observedAt, createdAt, updatedAt string
	err := row.Scan(&pr.PRRecordID, &pr.Scope.TenantID, &pr.Scope.UserID, &pr.Scope.WorkspaceID,
		&pr.RepositoryID, &directoryID, &pr.Number, &pr.Title, &pr.State,
		&pr.HeadBranch, &pr.BaseBranch, &pr.HeadSHA, &pr.HTMLURL, &pr.Author,
		&draft, &pr.CIRollup, &observedAt, &closedAt, &createdAt, &updatedAt)
	if err != nil {
		return GitHubPullRequest{}, err
	}
	pr.DirectoryID = directoryID.String
	pr.Draft = draft != 0
	pr.ObservedAt = parseTime(observedAt)
	pr.ClosedAt = scanNullTime(closedAt)
	pr.CreatedAt = parseTime(createdAt)
	pr.UpdatedAt = parseTime(updatedAt)
	return pr, nil
}
