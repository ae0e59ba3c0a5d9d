package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoyers/switchboard/internal/switchboard/cperr"
	"github.com/jmoyers/switchboard/internal/switchboard/events"
	"github.com/jmoyers/switchboard/internal/switchboard/store"
)

const linearCallTimeout = 30 * time.Second

// linearIssueImport fetches a Linear issue by url or identifier and creates a
// ready task from it, preserving the issue metadata on the task.
func (d *Dispatcher) linearIssueImport(raw json.RawMessage) (any, error) {
	var p struct {
		scopedParams
		Ref          string `json:"ref"`
		RepositoryID string `json:"repositoryId"`
		ProjectID    string `json:"projectId"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if d.linear == nil {
		return nil, cperr.Validationf("linear integration is disabled")
	}

	ctx, cancel := context.WithTimeout(context.Background(), linearCallTimeout)
	defer cancel()
	issue, err := d.linear.IssueByRef(ctx, p.Ref)
	if err != nil {
		return nil, err
	}

	task, err := d.store.CreateTask(store.Task{
		Scope:        p.scope(),
		RepositoryID: p.RepositoryID,
		ProjectID:    p.ProjectID,
		Title:        issue.Title,
		Body:         issue.Description,
		Status:       store.TaskReady,
		Linear: &store.LinearMeta{
			IssueID:    issue.ID,
			Identifier: issue.Identifier,
			Team:       issue.Team,
			Project:    issue.Project,
			State:      issue.State,
			Assignee:   issue.Assignee,
			Priority:   issue.Priority,
			Estimate:   issue.Estimate,
			DueDate:    issue.DueDate,
			LabelIDs:   issue.LabelIDs,
		},
	})
	if err != nil {
		return nil, err
	}
	d.journal.Publish(taskEventScope(task.Scope, task), events.TaskCreated{Task: task})
	return task, nil
}
