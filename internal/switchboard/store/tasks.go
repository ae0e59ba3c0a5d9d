package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jmoyers/switchboard/internal/switchboard/cperr"
	"github.com/jmoyers/switchboard/internal/switchboard/scope"
)

// Task statuses. A task reaches in-progress only through ClaimTask.
const (
	TaskDraft      = "draft"
	TaskReady      = "ready"
	TaskInProgress = "in-progress"
	TaskCompleted  = "completed"
)

// Task scope kinds, derived from the reference fields: project wins over
// repository, and a task with neither is global.
const (
	TaskScopeGlobal     = "global"
	TaskScopeRepository = "repository"
	TaskScopeProject    = "project"
)

// LinearMeta is the optional Linear issue metadata imported onto a task.
type LinearMeta struct {
	IssueID    string   `json:"issueId"`
	Identifier string   `json:"identifier"`
	Team       string   `json:"team,omitempty"`
	Project    string   `json:"project,omitempty"`
	State      string   `json:"state,omitempty"`
	Assignee   string   `json:"assignee,omitempty"`
	Priority   int      `json:"priority"`
	Estimate   float64  `json:"estimate"`
	DueDate    string   `json:"dueDate,omitempty"`
	LabelIDs   []string `json:"labelIds,omitempty"`
}

// Claim is the claim state of an in-progress task. All fields are non-null
// exactly when the task status is in-progress.
type Claim struct {
	ControllerID string     `json:"controllerId,omitempty"`
	DirectoryID  string     `json:"directoryId,omitempty"`
	BranchName   string     `json:"branchName,omitempty"`
	BaseBranch   string     `json:"baseBranch,omitempty"`
	ClaimedAt    *time.Time `json:"claimedAt,omitempty"`
}

// Task is a unit of schedulable work, optionally linked to a repository or
// project directory.
type Task struct {
	ID           string      `json:"taskId"`
	Scope        scope.Scope `json:"scope"`
	RepositoryID string      `json:"repositoryId,omitempty"`
	ProjectID    string      `json:"projectId,omitempty"`
	ScopeKind    string      `json:"scopeKind"`
	Title        string      `json:"title"`
	Body         string      `json:"body"`
	Status       string      `json:"status"`
	OrderIndex   int64       `json:"orderIndex"`
	Claim        Claim       `json:"claim"`
	CompletedAt  *time.Time  `json:"completedAt,omitempty"`
	Linear       *LinearMeta `json:"linear,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// ClaimParams are the inputs to ClaimTask.
type ClaimParams struct {
	TaskID       string
	ControllerID string
	DirectoryID  string
	BranchName   string
	BaseBranch   string
}

// TaskFilter restricts ListTasks. Status and scope-kind filters are exact;
// ProjectID/RepositoryID filter the reference columns.
type TaskFilter struct {
	Status       string
	ScopeKind    string
	ProjectID    string
	RepositoryID string
}

var dueDateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

func validTaskStatus(status string) bool {
	switch status {
	case TaskDraft, TaskReady, TaskInProgress, TaskCompleted:
		return true
	}
	return false
}

// deriveScopeKind computes the scope kind from the reference fields.
func deriveScopeKind(projectID, repositoryID string) string {
	switch {
	case projectID != "":
		return TaskScopeProject
	case repositoryID != "":
		return TaskScopeRepository
	default:
		return TaskScopeGlobal
	}
}

func validateLinearMeta(m *LinearMeta) error {
	if m == nil {
		return nil
	}
	if m.Priority < 0 || m.Priority > 4 {
		return cperr.Validationf("expected integer [0..4] for linear.priority")
	}
	if m.Estimate < 0 {
		return cperr.Validationf("expected non-negative linear.estimate")
	}
	if m.DueDate != "" && !dueDateRe.MatchString(m.DueDate) {
		return cperr.Validationf("expected YYYY-MM-DD for linear.dueDate")
	}
	return nil
}

const taskColumns = `task_id, tenant_id, user_id, workspace_id, repository_id, project_id,
	scope_kind, title, body, status, order_index,
	claimed_by_controller_id, claimed_by_directory_id, branch_name, base_branch,
	claimed_at, completed_at, linear_meta, created_at, updated_at`

// CreateTask creates a task. New tasks start in draft unless an explicit
// valid status is given; orderIndex is the next index in the scope.
func (s *Store) CreateTask(t Task) (Task, error) {
	if t.Title == "" {
		return Task{}, cperr.Validationf("expected non-empty title")
	}
	t.Scope = t.Scope.Normalize()
	if t.Status == "" {
		t.Status = TaskDraft
	}
	if !validTaskStatus(t.Status) || t.Status == TaskInProgress {
		return Task{}, cperr.Validationf("expected task status enum value")
	}
	if err := validateLinearMeta(t.Linear); err != nil {
		return Task{}, err
	}
	if t.ID == "" {
		t.ID = scope.NewID("task")
	}
	t.ScopeKind = deriveScopeKind(t.ProjectID, t.RepositoryID)

	err := s.tx(func(tx *sql.Tx) error {
		if _, err := getTask(tx, t.ID); err == nil {
			return cperr.Conflictf("task already exists")
		} else if !cperr.IsKind(err, cperr.NotFound) {
			return err
		}
		if err := checkTaskRefs(tx, t.Scope, t.RepositoryID, t.ProjectID); err != nil {
			return err
		}

		orderIndex, err := nextTaskOrderIndex(tx, t.Scope)
		if err != nil {
			return err
		}
		t.OrderIndex = orderIndex

		now := time.Now().UTC()
		t.CreatedAt = now
		t.UpdatedAt = now
		linearJSON, err := linearToJSON(t.Linear)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO tasks (task_id, tenant_id, user_id, workspace_id, repository_id, project_id,
				scope_kind, title, body, status, order_index, linear_meta, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.Scope.TenantID, t.Scope.UserID, t.Scope.WorkspaceID,
			nullString(t.RepositoryID), nullString(t.ProjectID), t.ScopeKind,
			t.Title, t.Body, t.Status, t.OrderIndex, linearJSON,
			formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
		); err != nil {
			return fmt.Errorf("creating task: %w", err)
		}

		reread, err := getTask(tx, t.ID)
		if err != nil {
			return cperr.Integrityf("task missing after create")
		}
		t = reread
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	return t, nil
}

// GetTask returns the task with the given id within scope.
func (s *Store) GetTask(sc scope.Scope, id string) (Task, error) {
	t, err := getTask(s.conn, id)
	if err != nil {
		return Task{}, err
	}
	if !t.Scope.Equal(sc.Normalize()) {
		return Task{}, cperr.ScopeMismatchf("task")
	}
	return t, nil
}

// ListTasks returns tasks in scope matching the filter, ordered by
// orderIndex, createdAt, then id — the order the scheduler consumes.
func (s *Store) ListTasks(sc scope.Scope, filter TaskFilter) ([]Task, error) {
	sc = sc.Normalize()
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE tenant_id = ? AND user_id = ? AND workspace_id = ?`
	args := scopeArgs(sc)

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.ScopeKind != "" {
		query += ` AND scope_kind = ?`
		args = append(args, filter.ScopeKind)
	}
	if filter.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, filter.ProjectID)
	}
	if filter.RepositoryID != "" {
		query += ` AND repository_id = ?`
		args = append(args, filter.RepositoryID)
	}
	query += ` ORDER BY order_index ASC, created_at ASC, task_id ASC`

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTask updates task content fields (title, body, linear metadata,
// repository/project links). Status moves through the transition methods,
// never through update.
func (s *Store) UpdateTask(sc scope.Scope, id string, mutate func(t *Task) error) (Task, error) {
	var out Task
	err := s.tx(func(tx *sql.Tx) error {
		existing, err := getTask(tx, id)
		if err != nil {
			return err
		}
		if !existing.Scope.Equal(sc.Normalize()) {
			return cperr.ScopeMismatchf("task")
		}

		t := existing
		if err := mutate(&t); err != nil {
			return err
		}
		if t.Title == "" {
			return cperr.Validationf("expected non-empty title")
		}
		if err := validateLinearMeta(t.Linear); err != nil {
			return err
		}
		// Content updates cannot move status or claim state.
		t.Status = existing.Status
		t.Claim = existing.Claim
		t.CompletedAt = existing.CompletedAt
		t.Scope = existing.Scope
		t.ScopeKind = deriveScopeKind(t.ProjectID, t.RepositoryID)

		if t.RepositoryID != existing.RepositoryID || t.ProjectID != existing.ProjectID {
			if err := checkTaskRefs(tx, t.Scope, t.RepositoryID, t.ProjectID); err != nil {
				return err
			}
		}

		t.UpdatedAt = time.Now().UTC()
		linearJSON, err := linearToJSON(t.Linear)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			UPDATE tasks SET repository_id = ?, project_id = ?, scope_kind = ?,
				title = ?, body = ?, linear_meta = ?, updated_at = ?
			WHERE task_id = ?`,
			nullString(t.RepositoryID), nullString(t.ProjectID), t.ScopeKind,
			t.Title, t.Body, linearJSON, formatTime(t.UpdatedAt), id,
		); err != nil {
			return fmt.Errorf("updating task: %w", err)
		}

		reread, err := getTask(tx, id)
		if err != nil {
			return cperr.Integrityf("task missing after update")
		}
		out = reread
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	return out, nil
}

// DeleteTask removes a task row.
func (s *Store) DeleteTask(sc scope.Scope, id string) error {
	return s.tx(func(tx *sql.Tx) error {
		existing, err := getTask(tx, id)
		if err != nil {
			return err
		}
		if !existing.Scope.Equal(sc.Normalize()) {
			return cperr.ScopeMismatchf("task")
		}
		if _, err := tx.Exec(`DELETE FROM tasks WHERE task_id = ?`, id); err != nil {
			return fmt.Errorf("deleting task: %w", err)
		}
		return nil
	})
}

// ClaimTask moves a ready task to in-progress on behalf of a controller.
// Re-claiming an in-progress task with the same controller is idempotent
// and renews the claim timestamp. Draft and completed tasks are
// unclaimable; a task held by a different controller reports a conflict.
func (s *Store) ClaimTask(sc scope.Scope, p ClaimParams) (Task, error) {
	if p.ControllerID == "" {
		return Task{}, cperr.Validationf("expected non-empty controllerId")
	}
	sc = sc.Normalize()

	var out Task
	err := s.tx(func(tx *sql.Tx) error {
		t, err := getTask(tx, p.TaskID)
		if err != nil {
			return err
		}
		if !t.Scope.Equal(sc) {
			return cperr.ScopeMismatchf("task")
		}

		switch t.Status {
		case TaskDraft:
			return cperr.Preconditionf("cannot claim draft task")
		case TaskCompleted:
			return cperr.Preconditionf("cannot claim completed task")
		case TaskInProgress:
			if t.Claim.ControllerID != p.ControllerID {
				return cperr.Conflictf("task already claimed: %s", t.Claim.ControllerID)
			}
		case TaskReady:
			// Claimable.
		default:
			return cperr.Integrityf("expected task status enum value")
		}

		if p.DirectoryID != "" {
			if _, err := activeDirectory(tx, "task", sc, p.DirectoryID); err != nil {
				return err
			}
		}

		// Idempotent re-claim keeps the prior claim fields unless overridden.
		if t.Status == TaskInProgress {
			if p.DirectoryID == "" {
				p.DirectoryID = t.Claim.DirectoryID
			}
			if p.BranchName == "" {
				p.BranchName = t.Claim.BranchName
			}
			if p.BaseBranch == "" {
				p.BaseBranch = t.Claim.BaseBranch
			}
		}

		now := time.Now().UTC()
		if _, err := tx.Exec(`
			UPDATE tasks SET status = ?, claimed_by_controller_id = ?, claimed_by_directory_id = ?,
				branch_name = ?, base_branch = ?, claimed_at = ?, completed_at = NULL, updated_at = ?
			WHERE task_id = ?`,
			TaskInProgress, p.ControllerID, nullString(p.DirectoryID),
			nullString(p.BranchName), nullString(p.BaseBranch),
			formatTime(now), formatTime(now), p.TaskID,
		); err != nil {
			return fmt.Errorf("claiming task: %w", err)
		}

		reread, err := getTask(tx, p.TaskID)
		if err != nil {
			return cperr.Integrityf("task missing after claim")
		}
		out = reread
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	return out, nil
}

// ReadyTask moves a task to ready, clearing any claim and completion state.
func (s *Store) ReadyTask(sc scope.Scope, id string) (Task, error) {
	return s.transitionTask(sc, id, TaskReady, "ready")
}

// DraftTask moves a task back to draft, clearing any claim and completion
// state.
func (s *Store) DraftTask(sc scope.Scope, id string) (Task, error) {
	return s.transitionTask(sc, id, TaskDraft, "draft")
}

// CompleteTask marks a task completed, setting completedAt and clearing the
// claim. Completing an already-completed task is idempotent.
func (s *Store) CompleteTask(sc scope.Scope, id string) (Task, error) {
	return s.transitionTask(sc, id, TaskCompleted, "complete")
}

func (s *Store) transitionTask(sc scope.Scope, id, target, op string) (Task, error) {
	var out Task
	err := s.tx(func(tx *sql.Tx) error {
		t, err := getTask(tx, id)
		if err != nil {
			return err
		}
		if !t.Scope.Equal(sc.Normalize()) {
			return cperr.ScopeMismatchf("task")
		}
		if t.Status == target {
			out = t
			return nil
		}

		now := time.Now().UTC()
		var completedAt any
		if target == TaskCompleted {
			completedAt = formatTime(now)
		}
		if _, err := tx.Exec(`
			UPDATE tasks SET status = ?, claimed_by_controller_id = NULL, claimed_by_directory_id = NULL,
				branch_name = NULL, base_branch = NULL, claimed_at = NULL,
				completed_at = ?, updated_at = ?
			WHERE task_id = ?`,
			target, completedAt, formatTime(now), id,
		); err != nil {
			return fmt.Errorf("moving task to %s: %w", target, err)
		}

		reread, err := getTask(tx, id)
		if err != nil {
			return cperr.Integrityf("task missing after %s", op)
		}
		out = reread
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	return out, nil
}

// ReorderTasks reassigns orderIndex within a scope: the listed ids take
// positions 0..n-1 in the given order, and every remaining task in the scope
// follows in its prior relative order. Blank ids are trimmed; duplicates and
// ids outside the scope are rejected.
func (s *Store) ReorderTasks(sc scope.Scope, orderedTaskIDs []string) ([]Task, error) {
	sc = sc.Normalize()

	var ids []string
	for _, id := range orderedTaskIDs {
		if strings.TrimSpace(id) == "" {
			continue
		}
		ids = append(ids, id)
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return nil, cperr.Validationf("orderedTaskIds contains duplicate ids")
		}
		seen[id] = struct{}{}
	}

	var out []Task
	err := s.tx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`SELECT `+taskColumns+` FROM tasks
			WHERE tenant_id = ? AND user_id = ? AND workspace_id = ?
			ORDER BY order_index ASC, created_at ASC, task_id ASC`, scopeArgs(sc)...)
		if err != nil {
			return fmt.Errorf("listing tasks for reorder: %w", err)
		}
		inScope := make(map[string]Task)
		var prior []Task
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				rows.Close()
				return err
			}
			inScope[t.ID] = t
			prior = append(prior, t)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("listing tasks for reorder: %w", err)
		}

		for _, id := range ids {
			if _, ok := inScope[id]; !ok {
				return cperr.NotFoundf("task not found")
			}
		}

		final := make([]Task, 0, len(prior))
		for _, id := range ids {
			final = append(final, inScope[id])
		}
		for _, t := range prior {
			if _, listed := seen[t.ID]; !listed {
				final = append(final, t)
			}
		}

		now := formatTime(time.Now().UTC())
		for position, t := range final {
			if _, err := tx.Exec(`UPDATE tasks SET order_index = ?, updated_at = ? WHERE task_id = ?`,
				position, now, t.ID); err != nil {
				return fmt.Errorf("reordering task %s: %w", t.ID, err)
			}
		}

		for _, t := range final {
			reread, err := getTask(tx, t.ID)
			if err != nil {
				return cperr.Integrityf("task missing after reorder")
			}
			out = append(out, reread)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// checkTaskRefs validates that a task's repository/project references exist,
// are non-archived, and share the task's scope.
func checkTaskRefs(tx *sql.Tx, sc scope.Scope, repositoryID, projectID string) error {
	if repositoryID != "" {
		if _, err := activeRepository(tx, "task", sc, repositoryID); err != nil {
			return err
		}
	}
	if projectID != "" {
		if _, err := activeDirectory(tx, "task", sc, projectID); err != nil {
			return err
		}
	}
	return nil
}

// nextTaskOrderIndex returns max(orderIndex)+1 within the scope, starting
// at 0 for an empty scope.
func nextTaskOrderIndex(q querier, sc scope.Scope) (int64, error) {
	var maxIndex sql.NullInt64
	err := q.QueryRow(`SELECT MAX(order_index) FROM tasks
		WHERE tenant_id = ? AND user_id = ? AND workspace_id = ?`, scopeArgs(sc)...).Scan(&maxIndex)
	if err != nil {
		return 0, fmt.Errorf("computing next task order index: %w", err)
	}
	if !maxIndex.Valid {
		return 0, nil
	}
	return maxIndex.Int64 + 1, nil
}

func linearToJSON(m *LinearMeta) (any, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling linear metadata: %w", err)
	}
	return string(data), nil
}

// parseLinearMeta reads a stored linear_meta column. Malformed JSON degrades
// to nil rather than raising.
func parseLinearMeta(raw sql.NullString) *LinearMeta {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var m LinearMeta
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		return nil
	}
	return &m
}

func getTask(q querier, id string) (Task, error) {
	row := q.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, cperr.NotFoundf("task not found")
		}
		return Task{}, fmt.Errorf("getting task: %w", err)
	}
	return t, nil
}

func scanTask(row rowScanner) (Task, error) {
	var t Task
	var repositoryID, projectID, scopeKind sql.NullString
	var controllerID, claimDirectoryID, branchName, baseBranch sql.NullString
	var claimedAt, completedAt, linearMeta sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.Scope.TenantID, &t.Scope.UserID, &t.Scope.WorkspaceID,
		&repositoryID, &projectID, &scopeKind, &t.Title, &t.Body, &t.Status, &t.OrderIndex,
		&controllerID, &claimDirectoryID, &branchName, &baseBranch,
		&claimedAt, &completedAt, &linearMeta, &createdAt, &updatedAt)
	if err != nil {
		return Task{}, err
	}

	t.RepositoryID = repositoryID.String
	t.ProjectID = projectID.String

	// Legacy acceptance: a persisted 'queued' reads as ready; an invalid or
	// missing scope kind is recomputed from the reference fields.
	if t.Status == "queued" {
		t.Status = TaskReady
	}
	if !validTaskStatus(t.Status) {
		return Task{}, cperr.Integrityf("expected task status enum value")
	}
	t.ScopeKind = scopeKind.String
	switch t.ScopeKind {
	case TaskScopeGlobal, TaskScopeRepository, TaskScopeProject:
	default:
		t.ScopeKind = deriveScopeKind(t.ProjectID, t.RepositoryID)
	}

	t.Claim = Claim{
		ControllerID: controllerID.String,
		DirectoryID:  claimDirectoryID.String,
		BranchName:   branchName.String,
		BaseBranch:   baseBranch.String,
		ClaimedAt:    scanNullTime(claimedAt),
	}
	t.CompletedAt = scanNullTime(completedAt)
	t.Linear = parseLinearMeta(linearMeta)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return t, nil
}
