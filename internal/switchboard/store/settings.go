package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoyers/switchboard/internal/switchboard/cperr"
	"github.com/jmoyers/switchboard/internal/switchboard/scope"
)

// Task focus modes for a project.
const (
	FocusBalanced = "balanced"
	FocusOwnOnly  = "own-only"
)

// Thread spawn modes for a project.
const (
	SpawnNewThread   = "new-thread"
	SpawnReuseThread = "reuse-thread"
)

// Automation policy scope levels, from most to least specific.
const (
	PolicyProject    = "project"
	PolicyRepository = "repository"
	PolicyGlobal     = "global"
)

// ProjectSettings holds per-directory scheduling preferences. A default row
// is synthesized when none has been persisted.
type ProjectSettings struct {
	DirectoryID     string      `json:"directoryId"`
	Scope           scope.Scope `json:"scope"`
	PinnedBranch    string      `json:"pinnedBranch,omitempty"`
	TaskFocusMode   string      `json:"taskFocusMode"`
	ThreadSpawnMode string      `json:"threadSpawnMode"`
}

// AutomationPolicy is an enable/freeze switch at one scope level.
type AutomationPolicy struct {
	ID                string      `json:"policyId"`
	Scope             scope.Scope `json:"scope"`
	ScopeLevel        string      `json:"scopeLevel"`
	ScopeRefID        string      `json:"scopeId,omitempty"`
	AutomationEnabled bool        `json:"automationEnabled"`
	Frozen            bool        `json:"frozen"`
}

// EffectivePolicy is the resolved automation policy for a directory: the
// first non-null of project, repository, and global, defaulting to
// enabled and unfrozen.
type EffectivePolicy struct {
	Enabled     bool   `json:"enabled"`
	Frozen      bool   `json:"frozen"`
	SourceLevel string `json:"sourceLevel"`
}

func defaultProjectSettings(sc scope.Scope, directoryID string) ProjectSettings {
	return ProjectSettings{
		DirectoryID:     directoryID,
		Scope:           sc,
		TaskFocusMode:   FocusBalanced,
		ThreadSpawnMode: SpawnNewThread,
	}
}

func validFocusMode(mode string) bool {
	return mode == FocusBalanced || mode == FocusOwnOnly
}

func validSpawnMode(mode string) bool {
	return mode == SpawnNewThread || mode == SpawnReuseThread
}

func validPolicyLevel(level string) bool {
	switch level {
	case PolicyProject, PolicyRepository, PolicyGlobal:
		return true
	}
	return false
}

// GetProjectSettings returns the settings row for a directory, synthesizing
// the default when absent.
func (s *Store) GetProjectSettings(sc scope.Scope, directoryID string) (ProjectSettings, error) {
	sc = sc.Normalize()
	if _, err := s.GetDirectory(sc, directoryID); err != nil {
		return ProjectSettings{}, err
	}
	return getProjectSettings(s.conn, sc, directoryID)
}

func getProjectSettings(q querier, sc scope.Scope, directoryID string) (ProjectSettings, error) {
	var ps ProjectSettings
	err := q.QueryRow(`
		SELECT directory_id, tenant_id, user_id, workspace_id, pinned_branch, task_focus_mode, thread_spawn_mode
		FROM project_settings WHERE directory_id = ?`, directoryID,
	).Scan(&ps.DirectoryID, &ps.Scope.TenantID, &ps.Scope.UserID, &ps.Scope.WorkspaceID,
		&ps.PinnedBranch, &ps.TaskFocusMode, &ps.ThreadSpawnMode)
	if errors.Is(err, sql.ErrNoRows) {
		return defaultProjectSettings(sc, directoryID), nil
	}
	if err != nil {
		return ProjectSettings{}, fmt.Errorf("getting project settings: %w", err)
	}
	if !ps.Scope.Equal(sc) {
		return ProjectSettings{}, cperr.ScopeMismatchf("project settings")
	}
	return ps, nil
}

// UpdateProjectSettings writes settings for a directory, creating the row on
// first write. The directory must exist in scope.
func (s *Store) UpdateProjectSettings(ps ProjectSettings) (ProjectSettings, error) {
	ps.Scope = ps.Scope.Normalize()
	if ps.TaskFocusMode == "" {
		ps.TaskFocusMode = FocusBalanced
	}
	if ps.ThreadSpawnMode == "" {
		ps.ThreadSpawnMode = SpawnNewThread
	}
	if !validFocusMode(ps.TaskFocusMode) {
		return ProjectSettings{}, cperr.Validationf("unknown taskFocusMode: %s", ps.TaskFocusMode)
	}
	if !validSpawnMode(ps.ThreadSpawnMode) {
		return ProjectSettings{}, cperr.Validationf("unknown threadSpawnMode: %s", ps.ThreadSpawnMode)
	}

	err := s.tx(func(tx *sql.Tx) error {
		d, err := getDirectory(tx, ps.DirectoryID)
		if err != nil {
			return err
		}
		if !d.Scope.Equal(ps.Scope) {
			return cperr.ScopeMismatchf("project settings")
		}
		if _, err := tx.Exec(`
			INSERT INTO project_settings (directory_id, tenant_id, user_id, workspace_id,
				pinned_branch, task_focus_mode, thread_spawn_mode, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (directory_id) DO UPDATE SET
				pinned_branch = excluded.pinned_branch,
				task_focus_mode = excluded.task_focus_mode,
				thread_spawn_mode = excluded.thread_spawn_mode,
				updated_at = excluded.updated_at`,
			ps.DirectoryID, ps.Scope.TenantID, ps.Scope.UserID, ps.Scope.WorkspaceID,
			ps.PinnedBranch, ps.TaskFocusMode, ps.ThreadSpawnMode,
			formatTime(time.Now().UTC()),
		); err != nil {
			return fmt.Errorf("upserting project settings: %w", err)
		}
		reread, err := getProjectSettings(tx, ps.Scope, ps.DirectoryID)
		if err != nil {
			return cperr.Integrityf("project settings missing after update")
		}
		ps = reread
		return nil
	})
	if err != nil {
		return ProjectSettings{}, err
	}
	return ps, nil
}

// GetAutomationPolicy returns the policy at (scope, level, scopeId),
// synthesizing the default (enabled, unfrozen) when absent. The global
// level uses a stable synthetic policy id.
func (s *Store) GetAutomationPolicy(sc scope.Scope, level, scopeRefID string) (AutomationPolicy, error) {
	sc = sc.Normalize()
	if !validPolicyLevel(level) {
		return AutomationPolicy{}, cperr.Validationf("unknown automation scope level: %s", level)
	}
	p, err := getAutomationPolicy(s.conn, sc, level, scopeRefID)
	if err == nil {
		return p, nil
	}
	if !cperr.IsKind(err, cperr.NotFound) {
		return AutomationPolicy{}, err
	}
	return AutomationPolicy{
		ID:                syntheticPolicyID(sc, level, scopeRefID),
		Scope:             sc,
		ScopeLevel:        level,
		ScopeRefID:        scopeRefID,
		AutomationEnabled: true,
		Frozen:            false,
	}, nil
}

func syntheticPolicyID(sc scope.Scope, level, scopeRefID string) string {
	if scopeRefID == "" {
		return fmt.Sprintf("policy-%s-%s-%s-%s", sc.TenantID, sc.UserID, sc.WorkspaceID, level)
	}
	return fmt.Sprintf("policy-%s-%s", level, scopeRefID)
}

// SetAutomationPolicy writes a policy at (scope, level, scopeId).
func (s *Store) SetAutomationPolicy(p AutomationPolicy) (AutomationPolicy, error) {
	p.Scope = p.Scope.Normalize()
	if !validPolicyLevel(p.ScopeLevel) {
		return AutomationPolicy{}, cperr.Validationf("unknown automation scope level: %s", p.ScopeLevel)
	}
	if p.ScopeLevel != PolicyGlobal && p.ScopeRefID == "" {
		return AutomationPolicy{}, cperr.Validationf("expected non-empty scopeId")
	}
	if p.ID == "" {
		p.ID = syntheticPolicyID(p.Scope, p.ScopeLevel, p.ScopeRefID)
	}

	err := s.tx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO automation_policies (policy_id, tenant_id, user_id, workspace_id,
				scope_level, scope_ref_id, automation_enabled, frozen, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (tenant_id, user_id, workspace_id, scope_level, scope_ref_id) DO UPDATE SET
				automation_enabled = excluded.automation_enabled,
				frozen = excluded.frozen,
				updated_at = excluded.updated_at`,
			p.ID, p.Scope.TenantID, p.Scope.UserID, p.Scope.WorkspaceID,
			p.ScopeLevel, p.ScopeRefID, boolToInt(p.AutomationEnabled), boolToInt(p.Frozen),
			formatTime(time.Now().UTC()),
		); err != nil {
			return fmt.Errorf("upserting automation policy: %w", err)
		}
		reread, err := getAutomationPolicy(tx, p.Scope, p.ScopeLevel, p.ScopeRefID)
		if err != nil {
			return cperr.Integrityf("automation policy missing after set")
		}
		p = reread
		return nil
	})
	if err != nil {
		return AutomationPolicy{}, err
	}
	return p, nil
}

// EffectiveAutomationPolicy resolves the policy for a directory: project
// level first, then the repository level (when a repository id is known),
// then global, then the built-in default.
func (s *Store) EffectiveAutomationPolicy(sc scope.Scope, directoryID, repositoryID string) (EffectivePolicy, error) {
	sc = sc.Normalize()

	lookups := []struct {
		level string
		refID string
	}{
		{PolicyProject, directoryID},
		{PolicyRepository, repositoryID},
		{PolicyGlobal, ""},
	}
	for _, l := range lookups {
		if l.level != PolicyGlobal && l.refID == "" {
			continue
		}
		p, err := getAutomationPolicy(s.conn, sc, l.level, l.refID)
		if err == nil {
			return EffectivePolicy{Enabled: p.AutomationEnabled, Frozen: p.Frozen, SourceLevel: p.ScopeLevel}, nil
		}
		if !cperr.IsKind(err, cperr.NotFound) {
			return EffectivePolicy{}, err
		}
	}
	return EffectivePolicy{Enabled: true, Frozen: false, SourceLevel: "default"}, nil
}

func getAutomationPolicy(q querier, sc scope.Scope, level, scopeRefID string) (AutomationPolicy, error) {
	var p AutomationPolicy
	var enabled, frozen int
	err := q.QueryRow(`
		SELECT policy_id, tenant_id, user_id, workspace_id, scope_level, scope_ref_id,
			automation_enabled, frozen
		FROM automation_policies
		WHERE tenant_id = ? AND user_id = ? AND workspace_id = ? AND scope_level = ? AND scope_ref_id = ?`,
		sc.TenantID, sc.UserID, sc.WorkspaceID, level, scopeRefID,
	).Scan(&p.ID, &p.Scope.TenantID, &p.Scope.UserID, &p.Scope.WorkspaceID,
		&p.ScopeLevel, &p.ScopeRefID, &enabled, &frozen)
	if errors.Is(err, sql.ErrNoRows) {
		return AutomationPolicy{}, cperr.NotFoundf("automation policy not found")
	}
	if err != nil {
		return AutomationPolicy{}, fmt.Errorf("getting automation policy: %w", err)
	}
	if enabled != 0 && enabled != 1 || frozen != 0 && frozen != 1 {
		return AutomationPolicy{}, cperr.Integrityf("unexpected flag value")
	}
	p.AutomationEnabled = enabled == 1
	p.Frozen = frozen == 1
	return p, nil
}
