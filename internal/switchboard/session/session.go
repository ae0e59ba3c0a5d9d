// Package session tracks live PTY-backed sessions in memory: who controls
// them, which connections are attached to their output, and the last
// snapshot observed. A session shares its id with the durable conversation
// record; the registry is the ephemeral side of that pair.
package session

import (
	"time"

	"github.com/jmoyers/switchboard/internal/switchboard/scope"
)

// Session statuses, mirrored into the conversation's runtime projection.
const (
	StatusRunning    = "running"
	StatusNeedsInput = "needs-input"
	StatusCompleted  = "completed"
	StatusExited     = "exited"
)

// Controller claim actions reported back to clients.
const (
	ActionClaimed   = "claimed"
	ActionTakenOver = "taken-over"
	ActionReleased  = "released"
)

// Controller kinds.
const (
	ControllerHuman  = "human"
	ControllerAgent  = "agent"
	ControllerSystem = "system"
)

// OutputChunk is one read from a live session's PTY, tagged with a cursor
// that is strictly monotone per session.
type OutputChunk struct {
	Cursor int64
	Data   []byte
}

// Exit records how a live session's process ended.
type Exit struct {
	Code   *int   `json:"code,omitempty"`
	Signal string `json:"signal,omitempty"`
}

// Handlers receive a live session's output stream and exit notification.
type Handlers struct {
	OnData func(OutputChunk)
	OnExit func(Exit)
}

// Frame is an opaque terminal snapshot taken from a live handle.
type Frame struct {
	Lines      []string  `json:"lines"`
	Cols       int       `json:"cols"`
	Rows       int       `json:"rows"`
	CapturedAt time.Time `json:"capturedAt"`
}

// Live is the handle to a running PTY process. Implementations deliver
// chunks to attached handlers in cursor order.
type Live interface {
	// Attach registers handlers and replays buffered chunks with
	// cursor > sinceCursor before live delivery begins. Returns the
	// attachment id.
	Attach(h Handlers, sinceCursor int64) string
	// Detach removes an attachment. Unknown ids are ignored.
	Detach(attachmentID string)
	// Write sends bytes to the process's stdin.
	Write(p []byte) error
	// Snapshot captures the current terminal frame.
	Snapshot() Frame
	// BufferTail returns the last n visible lines of the buffer.
	BufferTail(n int) []string
	// LatestCursor returns the cursor of the most recent chunk.
	LatestCursor() int64
	// Close terminates the process and releases the PTY.
	Close() error
}

// Controller is the connection/agent currently entitled to mutate a session.
type Controller struct {
	ControllerID   string    `json:"controllerId"`
	ControllerType string    `json:"controllerType"`
	ConnectionID   string    `json:"-"`
	Display        string    `json:"display,omitempty"`
	ClaimedAt      time.Time `json:"claimedAt"`
}

// Snapshot is the serialized form of a frame returned to clients. Stale is
// set when the session is no longer live and the cached frame is returned.
type Snapshot struct {
	SessionID  string    `json:"sessionId"`
	Lines      []string  `json:"lines"`
	Cols       int       `json:"cols"`
	Rows       int       `json:"rows"`
	CapturedAt time.Time `json:"capturedAt"`
	Stale      bool      `json:"stale"`
}

// State is the in-memory record of one session.
type State struct {
	ID              string
	Scope           scope.Scope
	WorktreeID      string
	DirectoryID     string
	AgentKind       string
	Live            Live
	Controller      *Controller
	Status          string
	AttentionReason string
	CreatedAt       time.Time
	LastEventAt     time.Time

	// Subscribers are connection ids receiving session status/control
	// events for this session. Attachments map connection id to the
	// live handle's attachment id for raw output fan-out.
	Subscribers map[string]struct{}
	Attachments map[string]string

	// LastOutputCursor is the highest output cursor mirrored into the
	// journal; chunks at or below it are delivered only to direct
	// attachments.
	LastOutputCursor int64
	LastSnapshot     *Snapshot
}

// Info is the client-facing projection of a session.
type Info struct {
	SessionID       string      `json:"sessionId"`
	Scope           scope.Scope `json:"scope"`
	DirectoryID     string      `json:"directoryId,omitempty"`
	AgentKind       string      `json:"agentKind,omitempty"`
	Status          string      `json:"status"`
	AttentionReason string      `json:"attentionReason,omitempty"`
	Live            bool        `json:"live"`
	Controller      *Controller `json:"controller,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	LastEventAt     time.Time   `json:"lastEventAt"`
}

func (s *State) info() Info {
	var ctrl *Controller
	if s.Controller != nil {
		c := *s.Controller
		ctrl = &c
	}
	return Info{
		SessionID:       s.ID,
		Scope:           s.Scope,
		DirectoryID:     s.DirectoryID,
		AgentKind:       s.AgentKind,
		Status:          s.Status,
		AttentionReason: s.AttentionReason,
		Live:            s.Live != nil,
		Controller:      ctrl,
		CreatedAt:       s.CreatedAt,
		LastEventAt:     s.LastEventAt,
	}
}

// TailLines reduces a frame to its last n visible rows. With n <= 0 the
// whole frame is returned.
func TailLines(f Frame, n int) []string {
	if n <= 0 || n >= len(f.Lines) {
		return f.Lines
	}
	total := len(f.Lines)
	start := total - min(total, n)
	return f.Lines[start:]
}
