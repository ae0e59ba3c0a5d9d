package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoyers/switchboard/internal/switchboard/cperr"
	"github.com/jmoyers/switchboard/internal/switchboard/scope"
)

// Agent kinds a conversation can run.
const (
	AgentCodex    = "codex"
	AgentClaude   = "claude"
	AgentCursor   = "cursor"
	AgentTerminal = "terminal"
	AgentCritique = "critique"
)

// Runtime statuses projected onto a conversation from its live session.
const (
	RuntimeRunning    = "running"
	RuntimeNeedsInput = "needs-input"
	RuntimeCompleted  = "completed"
	RuntimeExited     = "exited"
)

// ExitStatus records how a session process ended.
type ExitStatus struct {
	Code   *int   `json:"code,omitempty"`
	Signal string `json:"signal,omitempty"`
}

// RuntimeState is the runtime projection stored on a conversation. The live
// side of the pair is the in-memory session; this is what survives restarts.
type RuntimeState struct {
	Status          string     `json:"status"`
	Live            bool       `json:"live"`
	AttentionReason string     `json:"attentionReason,omitempty"`
	ProcessID       int        `json:"processId,omitempty"`
	LastEventAt     *time.Time `json:"lastEventAt,omitempty"`
	LastExit        ExitStatus `json:"lastExit"`
}

// Conversation is a durable coding-agent thread rooted at a directory. Its
// id doubles as the id of the in-memory session when one is live.
type Conversation struct {
	ID           string         `json:"conversationId"`
	DirectoryID  string         `json:"directoryId"`
	Scope        scope.Scope    `json:"scope"`
	Title        string         `json:"title"`
	AgentKind    string         `json:"agentKind"`
	Runtime      RuntimeState   `json:"runtime"`
	AdapterState map[string]any `json:"adapterState"`
	CreatedAt    time.Time      `json:"createdAt"`
	ArchivedAt   *time.Time     `json:"archivedAt,omitempty"`
}

func validAgentKind(kind string) bool {
	switch kind {
	case AgentCodex, AgentClaude, AgentCursor, AgentTerminal, AgentCritique:
		return true
	}
	return false
}

func validRuntimeStatus(status string) bool {
	switch status {
	case RuntimeRunning, RuntimeNeedsInput, RuntimeCompleted, RuntimeExited:
		return true
	}
	return false
}

const conversationColumns = `conversation_id, directory_id, tenant_id, user_id, workspace_id,
	title, agent_kind, runtime_status, live, attention_reason, process_id,
	last_event_at, last_exit_code, last_exit_signal, adapter_state, created_at, archived_at`

// CreateConversation creates a conversation under a non-archived directory.
// The scope triple is denormalized from the directory.
func (s *Store) CreateConversation(sc scope.Scope, directoryID, id, title, agentKind string) (Conversation, error) {
	sc = sc.Normalize()
	if agentKind == "" {
		agentKind = AgentTerminal
	}
	if !validAgentKind(agentKind) {
		return Conversation{}, cperr.Validationf("unknown agent kind: %s", agentKind)
	}
	if id == "" {
		id = scope.NewID("conversation")
	}

	c := Conversation{
		ID:          id,
		DirectoryID: directoryID,
		Scope:       sc,
		Title:       title,
		AgentKind:   agentKind,
		Runtime:     RuntimeState{Status: RuntimeExited},
		CreatedAt:   time.Now().UTC(),
	}

	err := s.tx(func(tx *sql.Tx) error {
		if _, err := activeDirectory(tx, "conversation", sc, directoryID); err != nil {
			return err
		}
		if _, err := getConversation(tx, id); err == nil {
			return cperr.Conflictf("conversation already exists")
		} else if !cperr.IsKind(err, cperr.NotFound) {
			return err
		}

		if _, err := tx.Exec(`
			INSERT INTO conversations (conversation_id, directory_id, tenant_id, user_id, workspace_id,
				title, agent_kind, runtime_status, live, attention_reason, process_id, adapter_state, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, '', 0, '{}', ?)`,
			c.ID, c.DirectoryID, sc.TenantID, sc.UserID, sc.WorkspaceID,
			c.Title, c.AgentKind, c.Runtime.Status, formatTime(c.CreatedAt),
		); err != nil {
			return fmt.Errorf("creating conversation: %w", err)
		}

		reread, err := getConversation(tx, id)
		if err != nil {
			return cperr.Integrityf("conversation missing after create")
		}
		c = reread
		return nil
	})
	if err != nil {
		return Conversation{}, err
	}
	return c, nil
}

// GetConversation returns the conversation with the given id within scope.
func (s *Store) GetConversation(sc scope.Scope, id string) (Conversation, error) {
	c, err := getConversation(s.conn, id)
	if err != nil {
		return Conversation{}, err
	}
	if !c.Scope.Equal(sc.Normalize()) {
		return Conversation{}, cperr.ScopeMismatchf("conversation")
	}
	return c, nil
}

// ListConversations returns non-archived conversations in scope, optionally
// restricted to one directory, newest first.
func (s *Store) ListConversations(sc scope.Scope, directoryID string) ([]Conversation, error) {
	sc = sc.Normalize()
	query := `SELECT ` + conversationColumns + ` FROM conversations
		WHERE tenant_id = ? AND user_id = ? AND workspace_id = ? AND archived_at IS NULL`
	args := scopeArgs(sc)
	if directoryID != "" {
		query += ` AND directory_id = ?`
		args = append(args, directoryID)
	}
	query += ` ORDER BY created_at DESC, conversation_id DESC`

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// UpdateConversationTitle sets a conversation's title.
func (s *Store) UpdateConversationTitle(sc scope.Scope, id, title string) (Conversation, error) {
	var c Conversation
	err := s.tx(func(tx *sql.Tx) error {
		existing, err := getConversation(tx, id)
		if err != nil {
			return err
		}
		if !existing.Scope.Equal(sc.Normalize()) {
			return cperr.ScopeMismatchf("conversation")
		}
		if _, err := tx.Exec(`UPDATE conversations SET title = ? WHERE conversation_id = ?`, title, id); err != nil {
			return fmt.Errorf("updating conversation title: %w", err)
		}
		reread, err := getConversation(tx, id)
		if err != nil {
			return cperr.Integrityf("conversation missing after update")
		}
		c = reread
		return nil
	})
	if err != nil {
		return Conversation{}, err
	}
	return c, nil
}

// UpdateConversationRuntime replaces the runtime projection and adapter state.
func (s *Store) UpdateConversationRuntime(sc scope.Scope, id string, rt RuntimeState, adapterState map[string]any) (Conversation, error) {
	if !validRuntimeStatus(rt.Status) {
		return Conversation{}, cperr.Integrityf("expected runtime_status enum value")
	}
	var c Conversation
	err := s.tx(func(tx *sql.Tx) error {
		existing, err := getConversation(tx, id)
		if err != nil {
			return err
		}
		if !existing.Scope.Equal(sc.Normalize()) {
			return cperr.ScopeMismatchf("conversation")
		}
		if adapterState == nil {
			adapterState = existing.AdapterState
		}
		adapterJSON, err := jsonObject(adapterState)
		if err != nil {
			return err
		}
		var exitCode any
		if rt.LastExit.Code != nil {
			exitCode = *rt.LastExit.Code
		}
		if _, err := tx.Exec(`
			UPDATE conversations SET runtime_status = ?, live = ?, attention_reason = ?,
				process_id = ?, last_event_at = ?, last_exit_code = ?, last_exit_signal = ?,
				adapter_state = ?
			WHERE conversation_id = ?`,
			rt.Status, boolToInt(rt.Live), rt.AttentionReason, rt.ProcessID,
			nullTime(rt.LastEventAt), exitCode, nullString(rt.LastExit.Signal),
			adapterJSON, id,
		); err != nil {
			return fmt.Errorf("updating conversation runtime: %w", err)
		}
		reread, err := getConversation(tx, id)
		if err != nil {
			return cperr.Integrityf("conversation missing after update")
		}
		c = reread
		return nil
	})
	if err != nil {
		return Conversation{}, err
	}
	return c, nil
}

// ArchiveConversation marks a conversation archived. Idempotent.
func (s *Store) ArchiveConversation(sc scope.Scope, id string) (Conversation, error) {
	var c Conversation
	err := s.tx(func(tx *sql.Tx) error {
		existing, err := getConversation(tx, id)
		if err != nil {
			return err
		}
		if !existing.Scope.Equal(sc.Normalize()) {
			return cperr.ScopeMismatchf("conversation")
		}
		if existing.ArchivedAt != nil {
			c = existing
			return nil
		}
		if _, err := tx.Exec(`UPDATE conversations SET archived_at = ? WHERE conversation_id = ?`,
			formatTime(time.Now().UTC()), id); err != nil {
			return fmt.Errorf("archiving conversation: %w", err)
		}
		reread, err := getConversation(tx, id)
		if err != nil {
			return cperr.Integrityf("conversation missing after archive")
		}
		c = reread
		return nil
	})
	if err != nil {
		return Conversation{}, err
	}
	return c, nil
}

// DeleteConversation removes a conversation row. The caller is responsible
// for destroying any live session sharing the id.
func (s *Store) DeleteConversation(sc scope.Scope, id string) error {
	return s.tx(func(tx *sql.Tx) error {
		existing, err := getConversation(tx, id)
		if err != nil {
			return err
		}
		if !existing.Scope.Equal(sc.Normalize()) {
			return cperr.ScopeMismatchf("conversation")
		}
		if _, err := tx.Exec(`DELETE FROM conversations WHERE conversation_id = ?`, id); err != nil {
			return fmt.Errorf("deleting conversation: %w", err)
		}
		return nil
	})
}

func getConversation(q querier, id string) (Conversation, error) {
	row := q.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE conversation_id = ?`, id)
	c, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, cperr.NotFoundf("conversation not found")
		}
		return Conversation{}, fmt.Errorf("getting conversation: %w", err)
	}
	return c, nil
}

func scanConversation(row rowScanner) (Conversation, error) {
	var c Conversation
	var live int
	var createdAt string
	var lastEventAt, exitSignal, archivedAt sql.NullString
	var exitCode sql.NullInt64
	var adapterState string
	err := row.Scan(&c.ID, &c.DirectoryID, &c.Scope.TenantID, &c.Scope.UserID, &c.Scope.WorkspaceID,
		&c.Title, &c.AgentKind, &c.Runtime.Status, &live, &c.Runtime.AttentionReason,
		&c.Runtime.ProcessID, &lastEventAt, &exitCode, &exitSignal, &adapterState,
		&createdAt, &archivedAt)
	if err != nil {
		return Conversation{}, err
	}
	if !validRuntimeStatus(c.Runtime.Status) {
		return Conversation{}, cperr.Integrityf("expected runtime_status enum value")
	}
	c.Runtime.Live = live != 0
	c.Runtime.LastEventAt = scanNullTime(lastEventAt)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		c.Runtime.LastExit.Code = &code
	}
	if exitSignal.Valid {
		c.Runtime.LastExit.Signal = exitSignal.String
	}
	c.AdapterState = parseJSONObject(adapterState)
	c.CreatedAt = parseTime(createdAt)
	c.ArchivedAt = scanNullTime(archivedAt)
	return c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
