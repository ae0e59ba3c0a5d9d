// Package dispatch is the command dispatcher: it decodes tagged commands
// from connections, runs them one at a time against the store and the
// in-memory session state, and publishes one canonical observed event per
// mutation. It is the only writer of in-memory state outside the pollers.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoyers/switchboard/internal/switchboard/cperr"
	"github.com/jmoyers/switchboard/internal/switchboard/events"
	"github.com/jmoyers/switchboard/internal/switchboard/github"
	"github.com/jmoyers/switchboard/internal/switchboard/gitstatus"
	"github.com/jmoyers/switchboard/internal/switchboard/journal"
	"github.com/jmoyers/switchboard/internal/switchboard/linear"
	"github.com/jmoyers/switchboard/internal/switchboard/scheduler"
	"github.com/jmoyers/switchboard/internal/switchboard/scope"
	"github.com/jmoyers/switchboard/internal/switchboard/session"
	"github.com/jmoyers/switchboard/internal/switchboard/store"
)

// connDispatcher is the synthetic connection id owning the dispatcher's own
// attachment on every live session (journal mirroring and exit handling).
const connDispatcher = "connection-dispatcher"

// Sender pushes outbound envelopes to a connection. The transport owns
// framing and delivery; a send to a vanished connection is a no-op.
type Sender interface {
	Send(connectionID string, envelope any)
}

// GitHubAPI is the slice of the GitHub client the dispatcher uses. Nil means
// the integration is disabled.
type GitHubAPI interface {
	OpenPullRequestForBranch(ctx context.Context, owner, repo, head string) (*github.PR, error)
	CreatePullRequest(ctx context.Context, owner, repo, head, base, title, body string, draft bool) (github.PR, error)
	ListPrJobsForCommit(ctx context.Context, owner, repo, sha string) ([]github.Job, error)
	ViewerLogin(ctx context.Context) (string, error)
}

// LinearAPI imports issues. Nil means the integration is disabled.
type LinearAPI interface {
	IssueByRef(ctx context.Context, ref string) (linear.Issue, error)
}

// SpawnParams describe the process behind a new live session.
type SpawnParams struct {
	Dir     string
	Command string
	Args    []string
	Env     []string
	Cols    int
	Rows    int
}

// SpawnFunc starts a live session process.
type SpawnFunc func(p SpawnParams) (session.Live, error)

// Config wires a Dispatcher.
type Config struct {
	Store     *store.Store
	Journal   *journal.Journal
	Sessions  *session.Registry
	Git       *gitstatus.Tracker
	Scheduler *scheduler.Scheduler
	GitHub    GitHubAPI
	Linear    LinearAPI
	Sender    Sender
	Spawn     SpawnFunc
	Logger    *slog.Logger
}

// Dispatcher executes commands. A single mutex serializes all commands, so
// in-memory maps have one logical owner.
type Dispatcher struct {
	mu        sync.Mutex
	store     *store.Store
	journal   *journal.Journal
	sessions  *session.Registry
	git       *gitstatus.Tracker
	scheduler *scheduler.Scheduler
	github    GitHubAPI
	linear    LinearAPI
	sender    Sender
	spawn     SpawnFunc
	logger    *slog.Logger
	now       func() time.Time

	// startMu guards sessionStart; exit callbacks read it off the
	// dispatcher lock.
	startMu      sync.Mutex
	sessionStart map[string]time.Time
}

// New creates a Dispatcher from wired components.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:        cfg.Store,
		journal:      cfg.Journal,
		sessions:     cfg.Sessions,
		git:          cfg.Git,
		scheduler:    cfg.Scheduler,
		github:       cfg.GitHub,
		linear:       cfg.Linear,
		sender:       cfg.Sender,
		spawn:        cfg.Spawn,
		logger:       logger,
		now:          time.Now,
		sessionStart: make(map[string]time.Time),
	}
}

// Outbound envelope kinds.
const (
	EnvelopeStreamEvent = "stream.event"
	EnvelopePtyOutput   = "pty.output"
	EnvelopePtyExit     = "pty.exit"
)

// EventRecord is the serialized form of a journal entry inside a
// stream.event envelope.
type EventRecord struct {
	Kind  string       `json:"kind"`
	Scope events.Scope `json:"scope"`
	Data  events.Event `json:"data"`
}

// StreamEventEnvelope pushes one journal entry to a subscription.
type StreamEventEnvelope struct {
	Kind           string      `json:"kind"`
	SubscriptionID string      `json:"subscriptionId"`
	Cursor         int64       `json:"cursor"`
	Event          EventRecord `json:"event"`
}

// PtyOutputEnvelope pushes one raw output chunk to an attachment.
type PtyOutputEnvelope struct {
	Kind        string `json:"kind"`
	SessionID   string `json:"sessionId"`
	Cursor      int64  `json:"cursor"`
	ChunkBase64 string `json:"chunkBase64"`
}

// PtyExitEnvelope reports a session process exit.
type PtyExitEnvelope struct {
	Kind      string       `json:"kind"`
	SessionID string       `json:"sessionId"`
	Exit      session.Exit `json:"exit"`
}

// Command is one decoded inbound frame: a type tag plus the raw payload the
// handler decodes into its own parameter struct.
type Command struct {
	Type    string
	Payload json.RawMessage
}

// ParseCommand splits an inbound frame into its type tag and payload.
func ParseCommand(raw []byte) (Command, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return Command{}, cperr.Validationf("malformed command frame")
	}
	if head.Type == "" {
		return Command{}, cperr.Validationf("expected non-empty type")
	}
	return Command{Type: head.Type, Payload: raw}, nil
}

// Dispatch executes one command for a connection and returns its response
// record. Unknown command types fail; all failures carry a cperr kind.
func (d *Dispatcher) Dispatch(connectionID string, cmd Command) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch cmd.Type {
	case "directory.upsert":
		return d.directoryUpsert(cmd.Payload)
	case "directory.list":
		return d.directoryList(cmd.Payload)
	case "directory.archive":
		return d.directoryArchive(cmd.Payload)
	case "directory.git-status":
		return d.directoryGitStatus(cmd.Payload)
	case "project.status":
		return d.projectStatus(cmd.Payload)
	case "project.settings-get":
		return d.settingsGet(cmd.Payload)
	case "project.settings-update":
		return d.settingsUpdate(cmd.Payload)
	case "automation.policy-get":
		return d.policyGet(cmd.Payload)
	case "automation.policy-set":
		return d.policySet(cmd.Payload)

	case "conversation.create":
		return d.conversationCreate(cmd.Payload)
	case "conversation.list":
		return d.conversationList(cmd.Payload)
	case "conversation.update":
		return d.conversationUpdate(cmd.Payload)
	case "conversation.archive":
		return d.conversationArchive(cmd.Payload)
	case "conversation.delete":
		return d.conversationDelete(cmd.Payload)
	case "conversation.title.refresh":
		return d.conversationTitleRefresh(cmd.Payload)
	case "telemetry.list":
		return d.telemetryList(cmd.Payload)

	case "repository.upsert":
		return d.repositoryUpsert(cmd.Payload)
	case "repository.get":
		return d.repositoryGet(cmd.Payload)
	case "repository.list":
		return d.repositoryList(cmd.Payload)
	case "repository.update":
		return d.repositoryUpdate(cmd.Payload)
	case "repository.archive":
		return d.repositoryArchive(cmd.Payload)

	case "task.create":
		return d.taskCreate(cmd.Payload)
	case "task.get":
		return d.taskGet(cmd.Payload)
	case "task.list":
		return d.taskList(cmd.Payload)
	case "task.update":
		return d.taskUpdate(cmd.Payload)
	case "task.delete":
		return d.taskDelete(cmd.Payload)
	case "task.claim":
		return d.taskClaim(cmd.Payload)
	case "task.complete":
		return d.taskTransition(cmd.Payload, d.store.CompleteTask)
	case "task.ready", "task.queue":
		return d.taskTransition(cmd.Payload, d.store.ReadyTask)
	case "task.draft":
		return d.taskTransition(cmd.Payload, d.store.DraftTask)
	case "task.reorder":
		return d.taskReorder(cmd.Payload)
	case "task.pull":
		return d.taskPull(cmd.Payload)

	case "stream.subscribe":
		return d.streamSubscribe(connectionID, cmd.Payload)
	case "stream.unsubscribe":
		return d.streamUnsubscribe(cmd.Payload)

	case "session.list":
		return d.sessionList(cmd.Payload)
	case "session.status":
		return d.sessionStatus(cmd.Payload)
	case "session.snapshot":
		return d.sessionSnapshot(cmd.Payload)
	case "session.claim":
		return d.sessionClaim(connectionID, cmd.Payload)
	case "session.release":
		return d.sessionRelease(connectionID, cmd.Payload)
	case "session.respond":
		return d.sessionRespond(connectionID, cmd.Payload)
	case "session.interrupt":
		return d.sessionInterrupt(connectionID, cmd.Payload)
	case "session.remove", "pty.close":
		return d.sessionRemove(connectionID, cmd.Payload)
	case "pty.start":
		return d.ptyStart(cmd.Payload)
	case "pty.attach":
		return d.ptyAttach(connectionID, cmd.Payload)
	case "pty.detach":
		return d.ptyDetach(connectionID, cmd.Payload)
	case "pty.subscribe-events":
		return d.ptySubscribeEvents(connectionID, cmd.Payload)
	case "pty.unsubscribe-events":
		return d.ptyUnsubscribeEvents(connectionID, cmd.Payload)
	case "attention.list":
		return d.attentionList(cmd.Payload)
	case "agent.tools.status":
		return d.agentToolsStatus()

	case "github.project-pr":
		return d.githubProjectPR(cmd.Payload)
	case "github.pr-list":
		return d.githubPRList(cmd.Payload)
	case "github.pr-create":
		return d.githubPRCreate(cmd.Payload)
	case "github.pr-jobs-list":
		return d.githubPRJobsList(cmd.Payload)
	case "github.repo-my-prs-url":
		return d.githubMyPRsURL(cmd.Payload)

	case "linear.issue.import":
		return d.linearIssueImport(cmd.Payload)
	}
	return nil, cperr.Validationf("unsupported command type: %s", cmd.Type)
}

// DetachConnection tears down everything a closed connection held: stream
// subscriptions, session attachments, event subscriptions, and any
// controller claims.
func (d *Dispatcher) DetachConnection(connectionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.journal.DetachConnection(connectionID)
	d.sessions.DetachConnection(connectionID)
}

// scopedParams is the triple every command may carry; omitted fields take
// the local defaults.
type scopedParams struct {
	TenantID    string `json:"tenantId"`
	UserID      string `json:"userId"`
	WorkspaceID string `json:"workspaceId"`
}

func (p scopedParams) scope() scope.Scope {
	return scope.Scope{TenantID: p.TenantID, UserID: p.UserID, WorkspaceID: p.WorkspaceID}.Normalize()
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return cperr.Validationf("malformed command payload")
	}
	return nil
}

func eventScope(sc scope.Scope) events.Scope {
	return events.Scope{TenantID: sc.TenantID, UserID: sc.UserID, WorkspaceID: sc.WorkspaceID}
}
