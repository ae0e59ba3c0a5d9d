// Package events defines the closed set of observed events published to the
// journal, plus the scope record attached to every journal entry.
package events

// Scope identifies the smallest enclosing scope of an observed event. The
// triple is always present; the remaining fields are set only when the event
// concerns that kind of record, and are what subscription filters match
// against.
type Scope struct {
	TenantID       string `json:"tenantId"`
	UserID         string `json:"userId"`
	WorkspaceID    string `json:"workspaceId"`
	DirectoryID    string `json:"directoryId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	RepositoryID   string `json:"repositoryId,omitempty"`
	TaskID         string `json:"taskId,omitempty"`
}

// Event is an observed event. The set of implementations in this package is
// closed; unknown kinds are a protocol error, never a silent pass.
type Event interface {
	Kind() string
}

// Directory lifecycle.

type DirectoryUpserted struct {
	Directory any `json:"directory"`
}

func (DirectoryUpserted) Kind() string { return "directory-upserted" }

type DirectoryArchived struct {
	DirectoryID string `json:"directoryId"`
}

func (DirectoryArchived) Kind() string { return "directory-archived" }

// Conversation lifecycle.

type ConversationCreated struct {
	Conversation any `json:"conversation"`
}

func (ConversationCreated) Kind() string { return "conversation-created" }

type ConversationUpdated struct {
	Conversation any `json:"conversation"`
}

func (ConversationUpdated) Kind() string { return "conversation-updated" }

type ConversationArchived struct {
	ConversationID string `json:"conversationId"`
}

func (ConversationArchived) Kind() string { return "conversation-archived" }

type ConversationDeleted struct {
	ConversationID string `json:"conversationId"`
}

func (ConversationDeleted) Kind() string { return "conversation-deleted" }

// Repository lifecycle.

type RepositoryUpserted struct {
	Repository any `json:"repository"`
}

func (RepositoryUpserted) Kind() string { return "repository-upserted" }

type RepositoryArchived struct {
	RepositoryID string `json:"repositoryId"`
}

func (RepositoryArchived) Kind() string { return "repository-archived" }

// Project settings and automation policy.

type ProjectSettingsUpdated struct {
	Settings any `json:"settings"`
}

func (ProjectSettingsUpdated) Kind() string { return "project-settings-updated" }

type AutomationPolicyUpdated struct {
	Policy any `json:"policy"`
}

func (AutomationPolicyUpdated) Kind() string { return "automation-policy-updated" }

// Task lifecycle.

type TaskCreated struct {
	Task any `json:"task"`
}

func (TaskCreated) Kind() string { return "task-created" }

type TaskUpdated struct {
	Task any `json:"task"`
}

func (TaskUpdated) Kind() string { return "task-updated" }

type TaskDeleted struct {
	TaskID string `json:"taskId"`
}

func (TaskDeleted) Kind() string { return "task-deleted" }

// TasksReordered carries the full reordered task list for the scope.
type TasksReordered struct {
	Tasks any `json:"tasks"`
}

func (TasksReordered) Kind() string { return "task-reordered" }

// Session events.

// SessionStatus reports a runtime status change on a live session.
type SessionStatus struct {
	SessionID       string `json:"sessionId"`
	Status          string `json:"status"`
	AttentionReason string `json:"attentionReason,omitempty"`
	Live            bool   `json:"live"`
}

func (SessionStatus) Kind() string { return "session-status" }

// SessionControl reports a controller claim, takeover, or release.
type SessionControl struct {
	SessionID          string `json:"sessionId"`
	Action             string `json:"action"`
	Controller         any    `json:"controller,omitempty"`
	PreviousController any    `json:"previousController,omitempty"`
}

func (SessionControl) Kind() string { return "session-control" }

// SessionOutput mirrors a PTY output chunk into the journal. Excluded from
// subscriptions unless the filter sets includeOutput.
type SessionOutput struct {
	SessionID   string `json:"sessionId"`
	Cursor      int64  `json:"cursor"`
	ChunkBase64 string `json:"chunkBase64"`
}

func (SessionOutput) Kind() string { return "session-output" }

// GitHub sync events.

type GitHubPRUpserted struct {
	PullRequest any `json:"pullRequest"`
}

func (GitHubPRUpserted) Kind() string { return "github-pr-upserted" }

type GitHubPRJobsUpdated struct {
	PRRecordID string `json:"prRecordId"`
	Jobs       any    `json:"jobs"`
	CIRollup   string `json:"ciRollup"`
}

func (GitHubPRJobsUpdated) Kind() string { return "github-pr-jobs-updated" }

type GitHubPRClosed struct {
	PRRecordID   string `json:"prRecordId"`
	RepositoryID string `json:"repositoryId"`
	BranchName   string `json:"branchName"`
}

func (GitHubPRClosed) Kind() string { return "github-pr-closed" }
