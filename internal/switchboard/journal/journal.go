// Package journal implements the append-only observed-event buffer with a
// strictly monotone cursor, connection-keyed subscriptions, and
// replay-from-cursor.
package journal

import (
	"sync"

	"github.com/google/uuid"

	"github.com/jmoyers/switchboard/internal/switchboard/events"
)

// Entry is one journal record: the cursor assigned at publish time, the
// event's scope, and the event itself.
type Entry struct {
	Cursor int64        `json:"cursor"`
	Scope  events.Scope `json:"scope"`
	Event  events.Event `json:"event"`
}

// Filter selects journal entries for a subscription. Set fields must equal
// the corresponding field on the entry's scope (conjunctive AND); an entry
// whose scope lacks a field the filter requires does not match. When
// IncludeOutput is false, session-output events are excluded.
type Filter struct {
	TenantID       string `json:"tenantId,omitempty"`
	UserID         string `json:"userId,omitempty"`
	WorkspaceID    string `json:"workspaceId,omitempty"`
	DirectoryID    string `json:"directoryId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	RepositoryID   string `json:"repositoryId,omitempty"`
	TaskID         string `json:"taskId,omitempty"`
	IncludeOutput  bool   `json:"includeOutput,omitempty"`
}

// DeliverFunc receives live entries for a subscription, in cursor order.
type DeliverFunc func(subscriptionID string, e Entry)

type subscription struct {
	id      string
	connID  string
	filter  Filter
	deliver DeliverFunc
}

// Journal is the in-process observed-event buffer. Safe for concurrent use;
// all mutations are serialized through a single mutex so cursors and delivery
// order are strict.
type Journal struct {
	mu      sync.Mutex
	entries []Entry
	cursor  int64
	subs    map[string]*subscription
	byConn  map[string]map[string]struct{}
}

// New creates an empty Journal. Cursors start at 0; the first published
// entry gets cursor 1.
func New() *Journal {
	return &Journal{
		subs:   make(map[string]*subscription),
		byConn: make(map[string]map[string]struct{}),
	}
}

// Publish appends an entry and delivers it to every matching subscription.
// Returns the cursor assigned to the entry.
func (j *Journal) Publish(scope events.Scope, ev events.Event) int64 {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.cursor++
	e := Entry{Cursor: j.cursor, Scope: scope, Event: ev}
	j.entries = append(j.entries, e)

	for _, sub := range j.subs {
		if matches(sub.filter, e) {
			sub.deliver(sub.id, e)
		}
	}
	return e.Cursor
}

// Cursor returns the cursor of the most recently published entry.
func (j *Journal) Cursor() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cursor
}

// Subscribe registers a subscription for the given connection and returns its
// id, the current cursor, and all retained entries with cursor > afterCursor
// that match the filter. Registration and replay happen under one lock
// acquisition, so no entry published after the replay snapshot can be missed
// by the live feed.
func (j *Journal) Subscribe(connID string, f Filter, afterCursor int64, deliver DeliverFunc) (subscriptionID string, cursor int64, replay []Entry) {
	j.mu.Lock()
	defer j.mu.Unlock()

	sub := &subscription{
		id:      "subscription-" + uuid.New().String(),
		connID:  connID,
		filter:  f,
		deliver: deliver,
	}
	j.subs[sub.id] = sub
	if j.byConn[connID] == nil {
		j.byConn[connID] = make(map[string]struct{})
	}
	j.byConn[connID][sub.id] = struct{}{}

	for _, e := range j.entries {
		if e.Cursor > afterCursor && matches(f, e) {
			replay = append(replay, e)
		}
	}
	return sub.id, j.cursor, replay
}

// Unsubscribe detaches a subscription. Unknown ids are a no-op.
func (j *Journal) Unsubscribe(subscriptionID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.removeLocked(subscriptionID)
}

// DetachConnection removes every subscription held by the given connection.
func (j *Journal) DetachConnection(connID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for id := range j.byConn[connID] {
		j.removeLocked(id)
	}
}

// TrimBefore drops retained entries with cursor <= upTo. Published cursors
// keep increasing; only replay depth is reduced. Nothing in the process
// calls this automatically.
func (j *Journal) TrimBefore(upTo int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	i := 0
	for i < len(j.entries) && j.entries[i].Cursor <= upTo {
		i++
	}
	j.entries = append([]Entry(nil), j.entries[i:]...)
}

// Len returns the number of retained entries.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

func (j *Journal) removeLocked(subscriptionID string) {
	sub, ok := j.subs[subscriptionID]
	if !ok {
		return
	}
	delete(j.subs, subscriptionID)
	if conns := j.byConn[sub.connID]; conns != nil {
		delete(conns, subscriptionID)
		if len(conns) == 0 {
			delete(j.byConn, sub.connID)
		}
	}
}

// matches reports whether an entry passes a filter. Every set filter field
// must equal the entry scope's field.
func matches(f Filter, e Entry) bool {
	if !f.IncludeOutput && e.Event.Kind() == (events.SessionOutput{}).Kind() {
		return false
	}
	s := e.Scope
	if f.TenantID != "" && f.TenantID != s.TenantID {
		return false
	}
	if f.UserID != "" && f.UserID != s.UserID {
		return false
	}
	if f.WorkspaceID != "" && f.WorkspaceID != s.WorkspaceID {
		return false
	}
	if f.DirectoryID != "" && f.DirectoryID != s.DirectoryID {
		return false
	}
	if f.ConversationID != "" && f.ConversationID != s.ConversationID {
		return false
	}
	if f.RepositoryID != "" && f.RepositoryID != s.RepositoryID {
		return false
	}
	if f.TaskID != "" && f.TaskID != s.TaskID {
		return false
	}
	return true
}
