package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoyers/switchboard/internal/switchboard/events"
	"github.com/jmoyers/switchboard/internal/switchboard/gitstatus"
	"github.com/jmoyers/switchboard/internal/switchboard/scheduler"
	"github.com/jmoyers/switchboard/internal/switchboard/store"
)

func (d *Dispatcher) directoryUpsert(raw json.RawMessage) (any, error) {
	var p struct {
		scopedParams
		DirectoryID string `json:"directoryId"`
		Path        string `json:"path"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	dir, err := d.store.UpsertDirectory(store.Directory{
		ID:    p.DirectoryID,
		Scope: p.scope(),
		Path:  p.Path,
	})
	if err != nil {
		return nil, err
	}

	d.git.Track(dir.Scope, dir.ID, dir.Path)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := d.git.Refresh(ctx, dir.ID); err != nil {
		d.logger.Warn("priming git status", "directory", dir.ID, "error", err)
	}

	sc := eventScope(dir.Scope)
	sc.DirectoryID = dir.ID
	d.journal.Publish(sc, events.DirectoryUpserted{Directory: dir})
	return dir, nil
}

func (d *Dispatcher) directoryList(raw json.RawMessage) (any, error) {
	var p struct {
		scopedParams
		IncludeArchived bool `json:"includeArchived"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	dirs, err := d.store.ListDirectories(p.scope(), p.IncludeArchived)
	if err != nil {
		return nil, err
	}
	return map[string]any{"directories": dirs}, nil
}

func (d *Dispatcher) directoryArchive(raw json.RawMessage) (any, error) {
	var p struct {
		scopedParams
		DirectoryID string `json:"directoryId"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	dir, err := d.store.ArchiveDirectory(p.scope(), p.DirectoryID)
	if err != nil {
		return nil, err
	}
	d.git.Untrack(dir.ID)

	sc := eventScope(dir.Scope)
	sc.DirectoryID = dir.ID
	d.journal.Publish(sc, events.DirectoryArchived{DirectoryID: dir.ID})
	return dir, nil
}

func (d *Dispatcher) directoryGitStatus(raw json.RawMessage) (any, error) {
	var p struct {
		scopedParams
		DirectoryID string `json:"directoryId"`
		Refresh     bool   `json:"refresh"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if _, err := d.store.GetDirectory(p.scope(), p.DirectoryID); err != nil {
		return nil, err
	}

	if p.Refresh {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := d.git.Refresh(ctx, p.DirectoryID); err != nil {
			return nil, err
		}
	}
	summary, ok := d.git.Get(p.DirectoryID)
	if !ok {
		summary = gitstatus.Summary{DirectoryID: p.DirectoryID}
	}
	return summary, nil
}

// projectStatusResult aggregates everything a client needs to render one
// project's panel.
type projectStatusResult struct {
	Directory    store.Directory               `json:"directory"`
	Availability scheduler.ProjectAvailability `json:"availability"`
	GitSummary   *gitstatus.Summary            `json:"gitSummary,omitempty"`
	Settings     store.ProjectSettings         `json:"settings"`
	Policy       store.EffectivePolicy         `json:"policy"`
	LiveThreads  int                           `json:"liveThreads"`
}

func (d *Dispatcher) projectStatus(raw json.RawMessage) (any, error) {
	var p struct {
		scopedParams
		DirectoryID string `json:"directoryId"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	sc := p.scope()

	dir, err := d.store.GetDirectory(sc, p.DirectoryID)
	if err != nil {
		return nil, err
	}
	avail, err := d.scheduler.EvaluateProjectAvailability(sc, dir.ID, "")
	if err != nil {
		return nil, err
	}
	settings, err := d.store.GetProjectSettings(sc, dir.ID)
	if err != nil {
		return nil, err
	}

	var summary *gitstatus.Summary
	repositoryID := ""
	if s, ok := d.git.Get(dir.ID); ok {
		summary = &s
		repositoryID = s.RepositoryID
	}
	policy, err := d.store.EffectiveAutomationPolicy(sc, dir.ID, repositoryID)
	if err != nil {
		return nil, err
	}

	return projectStatusResult{
		Directory:    dir,
		Availability: avail,
		GitSummary:   summary,
		Settings:     settings,
		Policy:       policy,
		LiveThreads:  d.sessions.LiveCountForDirectory(sc, dir.ID),
	}, nil
}

func (d *Dispatcher) settingsGet(raw json.RawMessage) (any, error) {
	var p struct {
		scopedParams
		DirectoryID string `json:"directoryId"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return d.store.GetProjectSettings(p.scope(), p.DirectoryID)
}

func (d *Dispatcher) settingsUpdate(raw json.RawMessage) (any, error) {
	var p struct {
		scopedParams
		DirectoryID     string  `json:"directoryId"`
		PinnedBranch    *string `json:"pinnedBranch"`
		TaskFocusMode   *string `json:"taskFocusMode"`
		ThreadSpawnMode *string `json:"threadSpawnMode"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	sc := p.scope()

	settings, err := d.store.GetProjectSettings(sc, p.DirectoryID)
	if err != nil {
		return nil, err
	}
	if p.PinnedBranch != nil {
		settings.PinnedBranch = *p.PinnedBranch
	}
	if p.TaskFocusMode != nil {
		settings.TaskFocusMode = *p.TaskFocusMode
	}
	if p.ThreadSpawnMode != nil {
		settings.ThreadSpawnMode = *p.ThreadSpawnMode
	}
	updated, err := d.store.UpdateProjectSettings(settings)
	if err != nil {
		return nil, err
	}

	esc := eventScope(sc)
	esc.DirectoryID = p.DirectoryID
	d.journal.Publish(esc, events.ProjectSettingsUpdated{Settings: updated})
	return updated, nil
}

func (d *Dispatcher) policyGet(raw json.RawMessage) (any, error) {
	var p struct {
		scopedParams
		ScopeLevel string `json:"scopeLevel"`
		ScopeID    string `json:"scopeId"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return d.store.GetAutomationPolicy(p.scope(), p.ScopeLevel, p.ScopeID)
}

func (d *Dispatcher) policySet(raw json.RawMessage) (any, error) {
	var p struct {
		scopedParams
		ScopeLevel        string `json:"scopeLevel"`
		ScopeID           string `json:"scopeId"`
		AutomationEnabled bool   `json:"automationEnabled"`
		Frozen            bool   `json:"frozen"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	sc := p.scope()
	policy, err := d.store.SetAutomationPolicy(store.AutomationPolicy{
		Scope:             sc,
		ScopeLevel:        p.ScopeLevel,
		ScopeRefID:        p.ScopeID,
		AutomationEnabled: p.AutomationEnabled,
		Frozen:            p.Frozen,
	})
	if err != nil {
		return nil, err
	}

	esc := eventScope(sc)
	if p.ScopeLevel == store.PolicyProject {
		esc.DirectoryID = p.ScopeID
	}
	if p.ScopeLevel == store.PolicyRepository {
		esc.RepositoryID = p.ScopeID
	}
	d.journal.Publish(esc, events.AutomationPolicyUpdated{Policy: policy})
	return policy, nil
}
