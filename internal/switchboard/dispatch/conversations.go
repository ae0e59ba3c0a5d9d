package dispatch

import (
	"encoding/json"
	"strings"

	"github.com/jmoyers/switchboard/internal/switchboard/cperr"
	"github.com/jmoyers/switchboard/internal/switchboard/events"
	"github.com/jmoyers/switchboard/internal/switchboard/store"
)

func (d *Dispatcher) conversationCreate(raw json.RawMessage) (any, error) {
	var p struct {
		scopedParams
		ConversationID string `json:"conversationId"`
		DirectoryID    string `json:"directoryId"`
		Title          string `json:"title"`
		AgentKind      string `json:"agentKind"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	conv, err := d.store.CreateConversation(p.scope(), p.DirectoryID, p.ConversationID, p.Title, p.AgentKind)
	if err != nil {
		return nil, err
	}

	sc := eventScope(conv.Scope)
	sc.DirectoryID = conv.DirectoryID
	sc.ConversationID = conv.ID
	d.journal.Publish(sc, events.ConversationCreated{Conversation: conv})
	return conv, nil
}

func (d *Dispatcher) conversationList(raw json.RawMessage) (any, error) {
	var p struct {
		scopedParams
		DirectoryID string `json:"directoryId"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	convs, err := d.store.ListConversations(p.scope(), p.DirectoryID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"conversations": convs}, nil
}

func (d *Dispatcher) conversationUpdate(raw json.RawMessage) (any, error) {
	var p struct {
		scopedParams
		ConversationID string `json:"conversationId"`
		Title          string `json:"title"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	conv, err := d.store.UpdateConversationTitle(p.scope(), p.ConversationID, p.Title)
	if err != nil {
		return nil, err
	}

	sc := eventScope(conv.Scope)
	sc.DirectoryID = conv.DirectoryID
	sc.ConversationID = conv.ID
	d.journal.Publish(sc, events.ConversationUpdated{Conversation: conv})
	return conv, nil
}

func (d *Dispatcher) conversationArchive(raw json.RawMessage) (any, error) {
	var p struct {
		scopedParams
		ConversationID string `json:"conversationId"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	conv, err := d.store.ArchiveConversation(p.scope(), p.ConversationID)
	if err != nil {
		return nil, err
	}

	sc := eventScope(conv.Scope)
	sc.DirectoryID = conv.DirectoryID
	sc.ConversationID = conv.ID
	d.journal.Publish(sc, events.ConversationArchived{ConversationID: conv.ID})
	return conv, nil
}

func (d *Dispatcher) conversationDelete(raw json.RawMessage) (any, error) {
	var p struct {
		scopedParams
		ConversationID string `json:"conversationId"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	sc := p.scope()

	conv, err := d.store.GetConversation(sc, p.ConversationID)
	if err != nil {
		return nil, err
	}

	// A live session sharing the id dies with the conversation.
	if _, err := d.sessions.Get(conv.ID); err == nil {
		d.destroySession(conv.ID, store.TelemetrySessionRemove)
	}

	if err := d.store.DeleteConversation(sc, conv.ID); err != nil {
		return nil, err
	}

	esc := eventScope(conv.Scope)
	esc.DirectoryID = conv.DirectoryID
	esc.ConversationID = conv.ID
	d.journal.Publish(esc, events.ConversationDeleted{ConversationID: conv.ID})
	return map[string]any{"conversationId": conv.ID, "deleted": true}, nil
}

// conversationTitleRefresh re-derives a conversation title from the live
// session's buffer tail: the first non-empty visible line, truncated.
func (d *Dispatcher) conversationTitleRefresh(raw json.RawMessage) (any, error) {
	var p struct {
		scopedParams
		ConversationID string `json:"conversationId"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	sc := p.scope()

	if _, err := d.store.GetConversation(sc, p.ConversationID); err != nil {
		return nil, err
	}
	title := deriveTitle(d.sessions.BufferTail(p.ConversationID, 20))
	if title == "" {
		return nil, cperr.Preconditionf("session has no buffered output to title from")
	}

	conv, err := d.store.UpdateConversationTitle(sc, p.ConversationID, title)
	if err != nil {
		return nil, err
	}
	esc := eventScope(conv.Scope)
	esc.DirectoryID = conv.DirectoryID
	esc.ConversationID = conv.ID
	d.journal.Publish(esc, events.ConversationUpdated{Conversation: conv})
	return conv, nil
}

const titleMaxLen = 80

func deriveTitle(lines []string) string {
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) > titleMaxLen {
			line = line[:titleMaxLen]
		}
		return line
	}
	return ""
}

func (d *Dispatcher) telemetryList(raw json.RawMessage) (any, error) {
	var p struct {
		scopedParams
		ConversationID string `json:"conversationId"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	rows, err := d.store.ListSessionTelemetry(p.scope(), p.ConversationID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"telemetry": rows}, nil
}
