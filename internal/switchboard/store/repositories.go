package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoyers/switchboard/internal/switchboard/cperr"
	"github.com/jmoyers/switchboard/internal/switchboard/scope"
)

// Repository is a tracked remote repository shared by tasks and PR records
// within its scope.
type Repository struct {
	ID            string         `json:"repositoryId"`
	Scope         scope.Scope    `json:"scope"`
	Name          string         `json:"name"`
	RemoteURL     string         `json:"remoteUrl"`
	DefaultBranch string         `json:"defaultBranch"`
	Metadata      map[string]any `json:"metadata"`
	CreatedAt     time.Time      `json:"createdAt"`
	ArchivedAt    *time.Time     `json:"archivedAt,omitempty"`
}

// Archived reports whether the repository has been archived.
func (r Repository) Archived() bool { return r.ArchivedAt != nil }

const repositoryColumns = `repository_id, tenant_id, user_id, workspace_id,
	name, remote_url, default_branch, metadata, created_at, archived_at`

// UpsertRepository creates or updates a repository. (scope, remoteUrl) is
// unique among non-archived rows; upserting by a URL whose row was archived
// restores that row instead of creating a new one.
func (s *Store) UpsertRepository(r Repository) (Repository, error) {
	if r.RemoteURL == "" {
		return Repository{}, cperr.Validationf("expected non-empty remoteUrl")
	}
	r.Scope = r.Scope.Normalize()
	if r.DefaultBranch == "" {
		r.DefaultBranch = "main"
	}

	err := s.tx(func(tx *sql.Tx) error {
		if r.ID != "" {
			existing, err := getRepository(tx, r.ID)
			switch {
			case err == nil:
				if serr := ensureScopeStable("repository", existing.Scope, r.Scope); serr != nil {
					return serr
				}
				return s.updateRepositoryRow(tx, &r, existing)
			case !cperr.IsKind(err, cperr.NotFound):
				return err
			}
		}

		// Match by (scope, remoteUrl): reuse an existing live row, or restore
		// an archived one.
		byURL, err := repositoryByURL(tx, r.Scope, r.RemoteURL)
		if err == nil {
			r.ID = byURL.ID
			r.ArchivedAt = nil
			return s.updateRepositoryRow(tx, &r, byURL)
		}
		if !cperr.IsKind(err, cperr.NotFound) {
			return err
		}

		if r.ID == "" {
			r.ID = scope.NewID("repository")
		}
		r.CreatedAt = time.Now().UTC()
		metadataJSON, err := jsonObject(r.Metadata)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO repositories (`+repositoryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
			r.ID, r.Scope.TenantID, r.Scope.UserID, r.Scope.WorkspaceID,
			r.Name, r.RemoteURL, r.DefaultBranch, metadataJSON, formatTime(r.CreatedAt),
		); err != nil {
			return fmt.Errorf("creating repository: %w", err)
		}

		reread, err := getRepository(tx, r.ID)
		if err != nil {
			return cperr.Integrityf("repository missing after upsert")
		}
		r = reread
		return nil
	})
	if err != nil {
		return Repository{}, err
	}
	return r, nil
}

func (s *Store) updateRepositoryRow(tx *sql.Tx, r *Repository, existing Repository) error {
	if r.Name == "" {
		r.Name = existing.Name
	}
	if r.Metadata == nil {
		r.Metadata = existing.Metadata
	}
	metadataJSON, err := jsonObject(r.Metadata)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`
		UPDATE repositories SET name = ?, remote_url = ?, default_branch = ?,
			metadata = ?, archived_at = ?
		WHERE repository_id = ?`,
		r.Name, r.RemoteURL, r.DefaultBranch, metadataJSON, nullTime(r.ArchivedAt), r.ID,
	); err != nil {
		return fmt.Errorf("updating repository: %w", err)
	}
	reread, err := getRepository(tx, r.ID)
	if err != nil {
		return cperr.Integrityf("repository missing after update")
	}
	*r = reread
	return nil
}

// GetRepository returns the repository with the given id within scope.
func (s *Store) GetRepository(sc scope.Scope, id string) (Repository, error) {
	r, err := getRepository(s.conn, id)
	if err != nil {
		return Repository{}, err
	}
	if !r.Scope.Equal(sc.Normalize()) {
		return Repository{}, cperr.ScopeMismatchf("repository")
	}
	return r, nil
}

// ListRepositories returns non-archived repositories in scope ordered by
// creation time.
func (s *Store) ListRepositories(sc scope.Scope) ([]Repository, error) {
	sc = sc.Normalize()
	rows, err := s.conn.Query(`SELECT `+repositoryColumns+` FROM repositories
		WHERE tenant_id = ? AND user_id = ? AND workspace_id = ? AND archived_at IS NULL
		ORDER BY created_at ASC, repository_id ASC`, scopeArgs(sc)...)
	if err != nil {
		return nil, fmt.Errorf("listing repositories: %w", err)
	}
	defer rows.Close()

	var repos []Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

// UpdateRepository updates mutable repository fields (name, defaultBranch,
// metadata). Scope and remote URL are stable through this path.
func (s *Store) UpdateRepository(sc scope.Scope, id string, name, defaultBranch string, metadata map[string]any) (Repository, error) {
	var out Repository
	err := s.tx(func(tx *sql.Tx) error {
		existing, err := getRepository(tx, id)
		if err != nil {
			return err
		}
		if !existing.Scope.Equal(sc.Normalize()) {
			return cperr.ScopeMismatchf("repository")
		}
		r := existing
		if name != "" {
			r.Name = name
		}
		if defaultBranch != "" {
			r.DefaultBranch = defaultBranch
		}
		if metadata != nil {
			r.Metadata = metadata
		}
		if err := s.updateRepositoryRow(tx, &r, existing); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return Repository{}, err
	}
	return out, nil
}

// ArchiveRepository marks a repository archived. Idempotent.
func (s *Store) ArchiveRepository(sc scope.Scope, id string) (Repository, error) {
	var out Repository
	err := s.tx(func(tx *sql.Tx) error {
		existing, err := getRepository(tx, id)
		if err != nil {
			return err
		}
		if !existing.Scope.Equal(sc.Normalize()) {
			return cperr.ScopeMismatchf("repository")
		}
		if existing.Archived() {
			out = existing
			return nil
		}
		if _, err := tx.Exec(`UPDATE repositories SET archived_at = ? WHERE repository_id = ?`,
			formatTime(time.Now().UTC()), id); err != nil {
			return fmt.Errorf("archiving repository: %w", err)
		}
		reread, err := getRepository(tx, id)
		if err != nil {
			return cperr.Integrityf("repository missing after archive")
		}
		out = reread
		return nil
	})
	if err != nil {
		return Repository{}, err
	}
	return out, nil
}

// activeRepository loads a repository and rejects archived rows. Used for
// cross-record reference checks.
func activeRepository(q querier, context string, sc scope.Scope, id string) (Repository, error) {
	r, err := getRepository(q, id)
	if err != nil {
		return Repository{}, err
	}
	if !r.Scope.Equal(sc) {
		return Repository{}, cperr.ScopeMismatchf(context)
	}
	if r.Archived() {
		return Repository{}, cperr.Preconditionf("repository %s is archived", id)
	}
	return r, nil
}

func repositoryByURL(q querier, sc scope.Scope, remoteURL string) (Repository, error) {
	row := q.QueryRow(`SELECT `+repositoryColumns+` FROM repositories
		WHERE tenant_id = ? AND user_id = ? AND workspace_id = ? AND remote_url = ?
		ORDER BY archived_at IS NOT NULL, created_at ASC LIMIT 1`,
		sc.TenantID, sc.UserID, sc.WorkspaceID, remoteURL)
	r, err := scanRepository(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Repository{}, cperr.NotFoundf("repository not found")
		}
		return Repository{}, fmt.Errorf("getting repository by url: %w", err)
	}
	return r, nil
}

func getRepository(q querier, id string) (Repository, error) {
	row := q.QueryRow(`SELECT `+repositoryColumns+` FROM repositories WHERE repository_id = ?`, id)
	r, err := scanRepository(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Repository{}, cperr.NotFoundf("repository not found")
		}
		return Repository{}, fmt.Errorf("getting repository: %w", err)
	}
	return r, nil
}

func scanRepository(row rowScanner) (Repository, error) {
	var r Repository
	var metadata, createdAt string
	var archivedAt sql.NullString
	err := row.Scan(&r.ID, &r.Scope.TenantID, &r.Scope.UserID, &r.Scope.WorkspaceID,
		&r.Name, &r.RemoteURL, &r.DefaultBranch, &metadata, &createdAt, &archivedAt)
	if err != nil {
		return Repository{}, err
	}
	r.Metadata = parseJSONObject(metadata)
	r.CreatedAt = parseTime(createdAt)
	r.ArchivedAt = scanNullTime(archivedAt)
	return r, nil
}
