package dispatch

import (
	"encoding/json"

	"github.com/jmoyers/switchboard/internal/switchboard/events"
	"github.com/jmoyers/switchboard/internal/switchboard/scheduler"
	"github.com/jmoyers/switchboard/internal/switchboard/scope"
	"github.com/jmoyers/switchboard/internal/switchboard/store"
)

func taskEventScope(sc scope.Scope, t store.Task) events.Scope {
	esc := eventScope(sc)
	esc.TaskID = t.ID
	esc.RepositoryID = t.RepositoryID
	esc.DirectoryID = t.ProjectID
	return esc
}

func (d *Dispatcher) taskCreate(raw json.RawMessage) (any, error) {
	var p struct {
		scopedParams
		TaskID       string            `json:"taskId"`
		RepositoryID string            `json:"repositoryId"`
		ProjectID    string            `json:"projectId"`
		Title        string            `json:"title"`
		Body         string            `json:"body"`
		Status       string            `json:"status"`
		Linear       *store.LinearMeta `json:"linear"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	task, err := d.store.CreateTask(store.Task{
		ID:           p.TaskID,
		Scope:        p.scope(),
		RepositoryID: p.RepositoryID,
		ProjectID:    p.ProjectID,
		Title:        p.Title,
		Body:         p.Body,
		Status:       p.Status,
		Linear:       p.Linear,
	})
	if err != nil {
		return nil, err
	}
	d.journal.Publish(taskEventScope(task.Scope, task), events.TaskCreated{Task: task})
	return task, nil
}

func (d *Dispatcher) taskGet(raw json.RawMessage) (any, error) {
	var p struct {
		scopedParams
		TaskID string `json:"taskId"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return d.store.GetTask(p.scope(), p.TaskID)
}

func (d *Dispatcher) taskList(raw json.RawMessage) (any, error) {
	var p struct {
		scopedParams
		Status       string `json:"status"`
		ScopeKind    string `json:"scopeKind"`
		ProjectID    string `json:"projectId"`
		RepositoryID string `json:"repositoryId"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	tasks, err := d.store.ListTasks(p.scope(), store.TaskFilter{
		Status:       p.Status,
		ScopeKind:    p.ScopeKind,
		ProjectID:    p.ProjectID,
		RepositoryID: p.RepositoryID,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"tasks": tasks}, nil
}

func (d *Dispatcher) taskUpdate(raw json.RawMessage) (any, error) {
	var p struct {
		scopedParams
		TaskID       string            `json:"taskId"`
		Title        *string           `json:"title"`
		Body         *string           `json:"body"`
		RepositoryID *string           `json:"repositoryId"`
		ProjectID    *string           `json:"projectId"`
		Linear       *store.LinearMeta `json:"linear"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	task, err := d.store.UpdateTask(p.scope(), p.TaskID, func(t *store.Task) error {
		if p.Title != nil {
			t.Title = *p.Title
		}
		if p.Body != nil {
			t.Body = *p.Body
		}
		if p.RepositoryID != nil {
			t.RepositoryID = *p.RepositoryID
		}
		if p.ProjectID != nil {
			t.ProjectID = *p.ProjectID
		}
		if p.Linear != nil {
			t.Linear = p.Linear
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.journal.Publish(taskEventScope(task.Scope, task), events.TaskUpdated{Task: task})
	return task, nil
}

func (d *Dispatcher) taskDelete(raw json.RawMessage) (any, error) {
	var p struct {
		scopedParams
		TaskID string `json:"taskId"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	sc := p.scope()
	task, err := d.store.GetTask(sc, p.TaskID)
	if err != nil {
		return nil, err
	}
	if err := d.store.DeleteTask(sc, p.TaskID); err != nil {
		return nil, err
	}
	d.journal.Publish(taskEventScope(sc, task), events.TaskDeleted{TaskID: task.ID})
	return map[string]any{"taskId": task.ID, "deleted": true}, nil
}

func (d *Dispatcher) taskClaim(raw json.RawMessage) (any, error) {
	var p struct {
		scopedParams
		TaskID       string `json:"taskId"`
		ControllerID string `json:"controllerId"`
		DirectoryID  string `json:"directoryId"`
		BranchName   string `json:"branchName"`
		BaseBranch   string `json:"baseBranch"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	task, err := d.store.ClaimTask(p.scope(), store.ClaimParams{
		TaskID:       p.TaskID,
		ControllerID: p.ControllerID,
		DirectoryID:  p.DirectoryID,
		BranchName:   p.BranchName,
		BaseBranch:   p.BaseBranch,
	})
	if err != nil {
		return nil, err
	}
	d.journal.Publish(taskEventScope(task.Scope, task), events.TaskUpdated{Task: task})
	return task, nil
}

// taskTransition covers complete, ready (and its queue alias), and draft.
func (d *Dispatcher) taskTransition(raw json.RawMessage, transition func(scope.Scope, string) (store.Task, error)) (any, error) {
	var p struct {
		scopedParams
		TaskID string `json:"taskId"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	task, err := transition(p.scope(), p.TaskID)
	if err != nil {
		return nil, err
	}
	d.journal.Publish(taskEventScope(task.Scope, task), events.TaskUpdated{Task: task})
	return task, nil
}

func (d *Dispatcher) taskReorder(raw json.RawMessage) (any, error) {
	var p struct {
		scopedParams
		OrderedTaskIDs []string `json:"orderedTaskIds"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	sc := p.scope()
	tasks, err := d.store.ReorderTasks(sc, p.OrderedTaskIDs)
	if err != nil {
		return nil, err
	}
	d.journal.Publish(eventScope(sc), events.TasksReordered{Tasks: tasks})
	return map[string]any{"tasks": tasks}, nil
}

// taskPull delegates to the scheduler, which publishes the task-updated
// event itself on a successful claim.
func (d *Dispatcher) taskPull(raw json.RawMessage) (any, error) {
	var p struct {
		scopedParams
		ControllerID string `json:"controllerId"`
		DirectoryID  string `json:"directoryId"`
		RepositoryID string `json:"repositoryId"`
		BranchName   string `json:"branchName"`
		BaseBranch   string `json:"baseBranch"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return d.scheduler.Pull(scheduler.PullParams{
		Scope:        p.scope(),
		ControllerID: p.ControllerID,
		DirectoryID:  p.DirectoryID,
		RepositoryID: p.RepositoryID,
		BranchName:   p.BranchName,
		BaseBranch:   p.BaseBranch,
	})
}
