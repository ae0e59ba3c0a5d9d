package session

import (
	"sort"
	"sync"
	"time"

	"github.com/jmoyers/switchboard/internal/switchboard/cperr"
	"github.com/jmoyers/switchboard/internal/switchboard/scope"
)

// Registry owns all live-session state for the process. Every mutation goes
// through the registry's mutex; pollers and the dispatcher never reach into
// a State directly.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*State
	now      func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*State),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Add registers a session. The id must not already be present.
func (r *Registry) Add(id string, sc scope.Scope, directoryID, agentKind string, live Live) (*State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return nil, cperr.Conflictf("session already exists")
	}
	now := r.now()
	s := &State{
		ID:          id,
		Scope:       sc.Normalize(),
		DirectoryID: directoryID,
		AgentKind:   agentKind,
		Live:        live,
		Status:      StatusRunning,
		CreatedAt:   now,
		LastEventAt: now,
		Subscribers: make(map[string]struct{}),
		Attachments: make(map[string]string),
	}
	if live == nil {
		s.Status = StatusExited
	}
	r.sessions[id] = s
	return s, nil
}

func (r *Registry) get(id string) (*State, error) {
	s, ok := r.sessions[id]
	if !ok {
		return nil, cperr.NotFoundf("session not found")
	}
	return s, nil
}

// Get returns the client-facing projection of a session.
func (r *Registry) Get(id string) (Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.get(id)
	if err != nil {
		return Info{}, err
	}
	return s.info(), nil
}

// List returns sessions in scope, newest first.
func (r *Registry) List(sc scope.Scope) []Info {
	sc = sc.Normalize()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Info
	for _, s := range r.sessions {
		if s.Scope.Equal(sc) {
			out = append(out, s.info())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].SessionID > out[j].SessionID
	})
	return out
}

// Count returns the number of registered sessions across all scopes.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// AttentionList returns sessions in scope whose status is needs-input,
// newest attention first.
func (r *Registry) AttentionList(sc scope.Scope) []Info {
	var out []Info
	for _, s := range r.List(sc) {
		if s.Status == StatusNeedsInput {
			out = append(out, s)
		}
	}
	return out
}

// LiveCountForDirectory returns how many sessions rooted at the directory
// hold a live handle. Consumed by the scheduler's occupancy gate.
func (r *Registry) LiveCountForDirectory(sc scope.Scope, directoryID string) int {
	sc = sc.Normalize()
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, s := range r.sessions {
		if s.Scope.Equal(sc) && s.DirectoryID == directoryID && s.Live != nil {
			count++
		}
	}
	return count
}

// ClaimResult describes the outcome of a claim.
type ClaimResult struct {
	Action             string      `json:"action"`
	Controller         Controller  `json:"controller"`
	PreviousController *Controller `json:"previousController,omitempty"`
}

// Claim makes the caller's connection the session controller. A connection
// re-claiming its own session renews the claim; claiming over another
// connection's controller requires takeover.
func (r *Registry) Claim(id, connectionID, controllerID, controllerType, display string, takeover bool) (ClaimResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.get(id)
	if err != nil {
		return ClaimResult{}, err
	}

	action := ActionClaimed
	var previous *Controller
	if s.Controller != nil {
		prev := *s.Controller
		previous = &prev
		if s.Controller.ConnectionID != connectionID {
			if !takeover {
				who := s.Controller.Display
				if who == "" {
					who = s.Controller.ControllerID
				}
				return ClaimResult{}, cperr.Conflictf("session is already claimed by %s", who)
			}
			action = ActionTakenOver
		}
	}

	if controllerType == "" {
		controllerType = ControllerHuman
	}
	ctrl := Controller{
		ControllerID:   controllerID,
		ControllerType: controllerType,
		ConnectionID:   connectionID,
		Display:        display,
		ClaimedAt:      r.now(),
	}
	s.Controller = &ctrl
	s.LastEventAt = ctrl.ClaimedAt
	return ClaimResult{Action: action, Controller: ctrl, PreviousController: previous}, nil
}

// Release clears the controller. Only the controller's own connection may
// release.
func (r *Registry) Release(id, connectionID string) (ClaimResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.get(id)
	if err != nil {
		return ClaimResult{}, err
	}
	if s.Controller == nil {
		return ClaimResult{}, cperr.Preconditionf("session has no controller")
	}
	if s.Controller.ConnectionID != connectionID {
		return ClaimResult{}, cperr.Conflictf("session is already claimed by %s", controllerDisplay(s.Controller))
	}
	prev := *s.Controller
	s.Controller = nil
	s.LastEventAt = r.now()
	return ClaimResult{Action: ActionReleased, Controller: prev, PreviousController: &prev}, nil
}

func controllerDisplay(c *Controller) string {
	if c.Display != "" {
		return c.Display
	}
	return c.ControllerID
}

// AssertCanMutate checks that the connection may mutate the session: it is
// the controller's connection, or no controller is claimed.
func (r *Registry) AssertCanMutate(id, connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.get(id)
	if err != nil {
		return err
	}
	if s.Controller != nil && s.Controller.ConnectionID != connectionID {
		return cperr.Conflictf("session is already claimed by %s", controllerDisplay(s.Controller))
	}
	return nil
}

// Attach registers an attachment for (session, connection), detaching any
// prior attachment for the same pair first. Returns the attachment id from
// the live handle.
func (r *Registry) Attach(id, connectionID string, h Handlers, sinceCursor int64) (string, error) {
	r.mu.Lock()
	s, err := r.get(id)
	if err != nil {
		r.mu.Unlock()
		return "", err
	}
	live := s.Live
	if live == nil {
		r.mu.Unlock()
		return "", cperr.Preconditionf("session is not live")
	}
	prior, had := s.Attachments[connectionID]
	r.mu.Unlock()

	// Live-handle calls happen outside the registry lock; the handle has
	// its own synchronization and its callbacks re-enter the registry.
	if had {
		live.Detach(prior)
	}
	attachmentID := live.Attach(h, sinceCursor)

	r.mu.Lock()
	if cur, ok := r.sessions[id]; ok {
		cur.Attachments[connectionID] = attachmentID
	} else {
		live.Detach(attachmentID)
	}
	r.mu.Unlock()
	return attachmentID, nil
}

// Detach removes the connection's attachment, if any.
func (r *Registry) Detach(id, connectionID string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	attachmentID, had := s.Attachments[connectionID]
	delete(s.Attachments, connectionID)
	live := s.Live
	r.mu.Unlock()
	if had && live != nil {
		live.Detach(attachmentID)
	}
}

// Subscribe marks a connection as receiving status/control events for the
// session.
func (r *Registry) Subscribe(id, connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.get(id)
	if err != nil {
		return err
	}
	s.Subscribers[connectionID] = struct{}{}
	return nil
}

// Unsubscribe removes a connection's event subscription.
func (r *Registry) Unsubscribe(id, connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		delete(s.Subscribers, connectionID)
	}
}

// Subscribers returns the connection ids subscribed to a session's events.
func (r *Registry) Subscribers(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(s.Subscribers))
	for conn := range s.Subscribers {
		out = append(out, conn)
	}
	sort.Strings(out)
	return out
}

// ObserveOutput records an output cursor. It reports whether the chunk is
// new to the journal: cursors at or below the last observed one are
// duplicates from replay and must not be re-published.
func (r *Registry) ObserveOutput(id string, cursor int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	if cursor <= s.LastOutputCursor {
		return false
	}
	s.LastOutputCursor = cursor
	s.LastEventAt = r.now()
	return true
}

// SetStatus updates the session status and attention reason.
func (r *Registry) SetStatus(id, status, attentionReason string) (Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.get(id)
	if err != nil {
		return Info{}, err
	}
	s.Status = status
	s.AttentionReason = attentionReason
	s.LastEventAt = r.now()
	return s.info(), nil
}

// MarkExited clears the live handle after the process ended, caching a
// final snapshot when one can still be taken.
func (r *Registry) MarkExited(id string) (Info, error) {
	r.mu.Lock()
	s, err := r.get(id)
	if err != nil {
		r.mu.Unlock()
		return Info{}, err
	}
	live := s.Live
	r.mu.Unlock()

	if live != nil {
		frame := live.Snapshot()
		r.cacheSnapshot(id, frame, true)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s, err = r.get(id)
	if err != nil {
		return Info{}, err
	}
	s.Live = nil
	s.Attachments = make(map[string]string)
	s.Status = StatusExited
	s.LastEventAt = r.now()
	return s.info(), nil
}

// TakeSnapshot captures a snapshot from the live handle, caches it, and
// returns it. When the session is not live the cached snapshot is returned
// marked stale.
func (r *Registry) TakeSnapshot(id string, tailLines int) (Snapshot, error) {
	r.mu.Lock()
	s, err := r.get(id)
	if err != nil {
		r.mu.Unlock()
		return Snapshot{}, err
	}
	live := s.Live
	cached := s.LastSnapshot
	r.mu.Unlock()

	if live == nil {
		if cached == nil {
			return Snapshot{}, cperr.Preconditionf("session has no snapshot")
		}
		snap := *cached
		snap.Stale = true
		if tailLines > 0 {
			snap.Lines = TailLines(Frame{Lines: snap.Lines}, tailLines)
		}
		return snap, nil
	}

	frame := live.Snapshot()
	snap := r.cacheSnapshot(id, frame, false)
	if tailLines > 0 {
		snap.Lines = live.BufferTail(tailLines)
	}
	return snap, nil
}

func (r *Registry) cacheSnapshot(id string, frame Frame, stale bool) Snapshot {
	snap := Snapshot{
		SessionID:  id,
		Lines:      frame.Lines,
		Cols:       frame.Cols,
		Rows:       frame.Rows,
		CapturedAt: frame.CapturedAt,
		Stale:      stale,
	}
	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		stored := snap
		s.LastSnapshot = &stored
	}
	r.mu.Unlock()
	return snap
}

// Remove destroys a session: detaches all attachments, closes the live
// handle, and drops the entry. Returns the final projection.
func (r *Registry) Remove(id string) (Info, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return Info{}, cperr.NotFoundf("session not found")
	}
	live := s.Live
	attachments := s.Attachments
	s.Attachments = make(map[string]string)
	s.Subscribers = make(map[string]struct{})
	delete(r.sessions, id)
	info := s.info()
	r.mu.Unlock()

	if live != nil {
		for _, attachmentID := range attachments {
			live.Detach(attachmentID)
		}
		live.Close()
	}
	return info, nil
}

// BufferTail returns the last n visible lines of the session's live buffer,
// or nil when the session is unknown or no longer live.
func (r *Registry) BufferTail(id string, n int) []string {
	r.mu.Lock()
	s, err := r.get(id)
	if err != nil || s.Live == nil {
		r.mu.Unlock()
		return nil
	}
	live := s.Live
	r.mu.Unlock()
	return live.BufferTail(n)
}

// Write sends bytes to the session's live handle.
func (r *Registry) Write(id string, p []byte) error {
	r.mu.Lock()
	s, err := r.get(id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	live := s.Live
	r.mu.Unlock()
	if live == nil {
		return cperr.Preconditionf("session is not live")
	}
	return live.Write(p)
}

// DetachConnection drops all of a connection's attachments, event
// subscriptions, and controller claims. Called when a connection closes.
func (r *Registry) DetachConnection(connectionID string) {
	r.mu.Lock()
	type pending struct {
		live         Live
		attachmentID string
	}
	var detaches []pending
	for _, s := range r.sessions {
		if attachmentID, ok := s.Attachments[connectionID]; ok {
			delete(s.Attachments, connectionID)
			if s.Live != nil {
				detaches = append(detaches, pending{live: s.Live, attachmentID: attachmentID})
			}
		}
		delete(s.Subscribers, connectionID)
		if s.Controller != nil && s.Controller.ConnectionID == connectionID {
			s.Controller = nil
		}
	}
	r.mu.Unlock()
	for _, d := range detaches {
		d.live.Detach(d.attachmentID)
	}
}
