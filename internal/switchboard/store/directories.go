package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoyers/switchboard/internal/switchboard/cperr"
	"github.com/jmoyers/switchboard/internal/switchboard/scope"
)

// Directory is a workspace folder under automation; the unit for git status,
// project settings, and project-level automation policy.
type Directory struct {
	ID         string      `json:"directoryId"`
	Scope      scope.Scope `json:"scope"`
	Path       string      `json:"path"`
	CreatedAt  time.Time   `json:"createdAt"`
	ArchivedAt *time.Time  `json:"archivedAt,omitempty"`
}

// Archived reports whether the directory has been archived.
func (d Directory) Archived() bool { return d.ArchivedAt != nil }

const directoryColumns = `directory_id, tenant_id, user_id, workspace_id, path, created_at, archived_at`

// UpsertDirectory creates or updates a directory. Upsert by id enforces
// scope stability; (scope, path) must be unique among non-archived rows.
func (s *Store) UpsertDirectory(d Directory) (Directory, error) {
	if d.Path == "" {
		return Directory{}, cperr.Validationf("expected non-empty path")
	}
	d.Scope = d.Scope.Normalize()
	if d.ID == "" {
		d.ID = scope.NewID("directory")
	}

	err := s.tx(func(tx *sql.Tx) error {
		existing, err := getDirectory(tx, d.ID)
		switch {
		case err == nil:
			if serr := ensureScopeStable("directory", existing.Scope, d.Scope); serr != nil {
				return serr
			}
			d.CreatedAt = existing.CreatedAt
			d.ArchivedAt = existing.ArchivedAt
		case cperr.IsKind(err, cperr.NotFound):
			d.CreatedAt = time.Now().UTC()
		default:
			return err
		}

		// (scope, path) must be unique among non-archived rows.
		var clash string
		dupErr := tx.QueryRow(`
			SELECT directory_id FROM directories
			WHERE tenant_id = ? AND user_id = ? AND workspace_id = ?
				AND path = ? AND archived_at IS NULL AND directory_id != ?`,
			d.Scope.TenantID, d.Scope.UserID, d.Scope.WorkspaceID, d.Path, d.ID,
		).Scan(&clash)
		if dupErr == nil {
			return cperr.Conflictf("directory already exists at path %s", d.Path)
		}
		if !errors.Is(dupErr, sql.ErrNoRows) {
			return fmt.Errorf("checking directory path uniqueness: %w", dupErr)
		}

		if _, err := tx.Exec(`
			INSERT INTO directories (`+directoryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (directory_id) DO UPDATE SET path = excluded.path`,
			d.ID, d.Scope.TenantID, d.Scope.UserID, d.Scope.WorkspaceID,
			d.Path, formatTime(d.CreatedAt), nullTime(d.ArchivedAt),
		); err != nil {
			return fmt.Errorf("upserting directory: %w", err)
		}

		reread, err := getDirectory(tx, d.ID)
		if err != nil {
			return cperr.Integrityf("directory missing after upsert")
		}
		d = reread
		return nil
	})
	if err != nil {
		return Directory{}, err
	}
	return d, nil
}

// GetDirectory returns the directory with the given id within scope.
func (s *Store) GetDirectory(sc scope.Scope, id string) (Directory, error) {
	d, err := getDirectory(s.conn, id)
	if err != nil {
		return Directory{}, err
	}
	if !d.Scope.Equal(sc.Normalize()) {
		return Directory{}, cperr.ScopeMismatchf("directory")
	}
	return d, nil
}

// ListDirectories returns directories in scope ordered by creation time then
// id. Archived rows are excluded unless includeArchived is set.
func (s *Store) ListDirectories(sc scope.Scope, includeArchived bool) ([]Directory, error) {
	sc = sc.Normalize()
	query := `SELECT ` + directoryColumns + ` FROM directories
		WHERE tenant_id = ? AND user_id = ? AND workspace_id = ?`
	if !includeArchived {
		query += ` AND archived_at IS NULL`
	}
	query += ` ORDER BY created_at ASC, directory_id ASC`

	rows, err := s.conn.Query(query, scopeArgs(sc)...)
	if err != nil {
		return nil, fmt.Errorf("listing directories: %w", err)
	}
	defer rows.Close()

	var dirs []Directory
	for rows.Next() {
		d, err := scanDirectory(rows)
		if err != nil {
			return nil, err
		}
		dirs = append(dirs, d)
	}
	return dirs, rows.Err()
}

// ArchiveDirectory marks a directory archived. Archiving is idempotent.
// Conversations under the directory are not cascade-deleted; the directory
// simply becomes unavailable for new conversations.
func (s *Store) ArchiveDirectory(sc scope.Scope, id string) (Directory, error) {
	var d Directory
	err := s.tx(func(tx *sql.Tx) error {
		existing, err := getDirectory(tx, id)
		if err != nil {
			return err
		}
		if !existing.Scope.Equal(sc.Normalize()) {
			return cperr.ScopeMismatchf("directory")
		}
		if existing.Archived() {
			d = existing
			return nil
		}
		now := time.Now().UTC()
		if _, err := tx.Exec(`UPDATE directories SET archived_at = ? WHERE directory_id = ?`,
			formatTime(now), id); err != nil {
			return fmt.Errorf("archiving directory: %w", err)
		}
		reread, err := getDirectory(tx, id)
		if err != nil {
			return cperr.Integrityf("directory missing after archive")
		}
		d = reread
		return nil
	})
	if err != nil {
		return Directory{}, err
	}
	return d, nil
}

// activeDirectory loads a directory and rejects archived rows. Used for
// cross-record reference checks.
func activeDirectory(q querier, context string, sc scope.Scope, id string) (Directory, error) {
	d, err := getDirectory(q, id)
	if err != nil {
		return Directory{}, err
	}
	if !d.Scope.Equal(sc) {
		return Directory{}, cperr.ScopeMismatchf(context)
	}
	if d.Archived() {
		return Directory{}, cperr.Preconditionf("directory %s is archived", id)
	}
	return d, nil
}

func getDirectory(q querier, id string) (Directory, error) {
	row := q.QueryRow(`SELECT `+directoryColumns+` FROM directories WHERE directory_id = ?`, id)
	d, err := scanDirectory(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Directory{}, cperr.NotFoundf("directory not found")
		}
		return Directory{}, fmt.Errorf("getting directory: %w", err)
	}
	return d, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDirectory(row rowScanner) (Directory, error) {
	var d Directory
	var createdAt string
	var archivedAt sql.NullString
	err := row.Scan(&d.ID, &d.Scope.TenantID, &d.Scope.UserID, &d.Scope.WorkspaceID,
		&d.Path, &createdAt, &archivedAt)
	if err != nil {
		return Directory{}, err
	}
	d.CreatedAt = parseTime(createdAt)
	d.ArchivedAt = scanNullTime(archivedAt)
	return d, nil
}
