package dispatch

import (
	"encoding/base64"
	"encoding/json"
	"os/exec"
	"time"

	"github.com/jmoyers/switchboard/internal/switchboard/cperr"
	"github.com/jmoyers/switchboard/internal/switchboard/events"
	"github.com/jmoyers/switchboard/internal/switchboard/journal"
	"github.com/jmoyers/switchboard/internal/switchboard/scope"
	"github.com/jmoyers/switchboard/internal/switchboard/session"
	"github.com/jmoyers/switchboard/internal/switchboard/store"
)

// etx interrupts the session process, same as Ctrl-C at a terminal.
var etx = []byte{0x03}

func (d *Dispatcher) streamSubscribe(connectionID string, raw json.RawMessage) (any, error) {
	var p struct {
		scopedParams
		DirectoryID    string `json:"directoryId"`
		ConversationID string `json:"conversationId"`
		RepositoryID   string `json:"repositoryId"`
		TaskID         string `json:"taskId"`
		IncludeOutput  bool   `json:"includeOutput"`
		AfterCursor    int64  `json:"afterCursor"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}

	filter := journal.Filter{
		TenantID:       p.TenantID,
		UserID:         p.UserID,
		WorkspaceID:    p.WorkspaceID,
		DirectoryID:    p.DirectoryID,
		ConversationID: p.ConversationID,
		RepositoryID:   p.RepositoryID,
		TaskID:         p.TaskID,
		IncludeOutput:  p.IncludeOutput,
	}
	deliver := func(subscriptionID string, e journal.Entry) {
		d.sender.Send(connectionID, StreamEventEnvelope{
			Kind:           EnvelopeStreamEvent,
			SubscriptionID: subscriptionID,
			Cursor:         e.Cursor,
			Event:          EventRecord{Kind: e.Event.Kind(), Scope: e.Scope, Data: e.Event},
		})
	}

	subscriptionID, cursor, replay := d.journal.Subscribe(connectionID, filter, p.AfterCursor, deliver)
	for _, e := range replay {
		deliver(subscriptionID, e)
	}
	return map[string]any{"subscriptionId": subscriptionID, "cursor": cursor}, nil
}

func (d *Dispatcher) streamUnsubscribe(raw json.RawMessage) (any, error) {
	var p struct {
		SubscriptionID string `json:"subscriptionId"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	d.journal.Unsubscribe(p.SubscriptionID)
	return map[string]any{"subscriptionId": p.SubscriptionID, "unsubscribed": true}, nil
}

func (d *Dispatcher) sessionList(raw json.RawMessage) (any, error) {
	var p scopedParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return map[string]any{"sessions": d.sessions.List(p.scope())}, nil
}

func (d *Dispatcher) sessionStatus(raw json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return d.sessions.Get(p.SessionID)
}

func (d *Dispatcher) sessionSnapshot(raw json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"sessionId"`
		TailLines int    `json:"tailLines"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return d.sessions.TakeSnapshot(p.SessionID, p.TailLines)
}

func (d *Dispatcher) sessionClaim(connectionID string, raw json.RawMessage) (any, error) {
	var p struct {
		SessionID      string `json:"sessionId"`
		ControllerID   string `json:"controllerId"`
		ControllerType string `json:"controllerType"`
		Display        string `json:"display"`
		Takeover       bool   `json:"takeover"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	result, err := d.sessions.Claim(p.SessionID, connectionID, p.ControllerID, p.ControllerType, p.Display, p.Takeover)
	if err != nil {
		return nil, err
	}
	d.publishSessionControl(p.SessionID, result)
	return result, nil
}

func (d *Dispatcher) sessionRelease(connectionID string, raw json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	result, err := d.sessions.Release(p.SessionID, connectionID)
	if err != nil {
		return nil, err
	}
	d.publishSessionControl(p.SessionID, result)
	return result, nil
}

func (d *Dispatcher) publishSessionControl(sessionID string, result session.ClaimResult) {
	info, err := d.sessions.Get(sessionID)
	if err != nil {
		return
	}
	sc := eventScope(info.Scope)
	sc.DirectoryID = info.DirectoryID
	sc.ConversationID = sessionID
	ev := events.SessionControl{SessionID: sessionID, Action: result.Action, Controller: result.Controller}
	if result.PreviousController != nil {
		ev.PreviousController = *result.PreviousController
	}
	d.journal.Publish(sc, ev)
}

func (d *Dispatcher) sessionRespond(connectionID string, raw json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"sessionId"`
		Text      string `json:"text"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := d.sessions.AssertCanMutate(p.SessionID, connectionID); err != nil {
		return nil, err
	}
	if err := d.sessions.Write(p.SessionID, []byte(p.Text)); err != nil {
		return nil, err
	}
	info, err := d.sessions.SetStatus(p.SessionID, session.StatusRunning, "")
	if err != nil {
		return nil, err
	}
	d.publishSessionStatus(info)
	return info, nil
}

func (d *Dispatcher) sessionInterrupt(connectionID string, raw json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := d.sessions.AssertCanMutate(p.SessionID, connectionID); err != nil {
		return nil, err
	}
	if err := d.sessions.Write(p.SessionID, etx); err != nil {
		return nil, err
	}
	info, err := d.sessions.SetStatus(p.SessionID, session.StatusCompleted, "")
	if err != nil {
		return nil, err
	}
	d.publishSessionStatus(info)
	return info, nil
}

func (d *Dispatcher) sessionRemove(connectionID string, raw json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := d.sessions.AssertCanMutate(p.SessionID, connectionID); err != nil {
		return nil, err
	}
	info, err := d.destroySession(p.SessionID, store.TelemetrySessionRemove)
	if err != nil {
		return nil, err
	}
	return map[string]any{"sessionId": info.SessionID, "removed": true}, nil
}

// destroySession removes a session from the registry, closes the live
// handle, and records removal telemetry. The conversation record is left
// untouched apart from telemetry.
func (d *Dispatcher) destroySession(sessionID, telemetrySource string) (session.Info, error) {
	info, err := d.sessions.Remove(sessionID)
	if err != nil {
		return session.Info{}, err
	}
	d.recordTelemetry(info, telemetrySource, session.Exit{})

	sc := eventScope(info.Scope)
	sc.DirectoryID = info.DirectoryID
	sc.ConversationID = sessionID
	d.journal.Publish(sc, events.SessionStatus{
		SessionID: sessionID,
		Status:    session.StatusExited,
		Live:      false,
	})
	return info, nil
}

func (d *Dispatcher) ptyStart(raw json.RawMessage) (any, error) {
	var p struct {
		scopedParams
		SessionID   string   `json:"sessionId"`
		DirectoryID string   `json:"directoryId"`
		AgentKind   string   `json:"agentKind"`
		Title       string   `json:"title"`
		Command     string   `json:"command"`
		Args        []string `json:"args"`
		Env         []string `json:"env"`
		Cols        int      `json:"cols"`
		Rows        int      `json:"rows"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.Command == "" {
		return nil, cperr.Validationf("expected non-empty command")
	}
	sc := p.scope()

	dir, err := d.store.GetDirectory(sc, p.DirectoryID)
	if err != nil {
		return nil, err
	}
	if dir.Archived() {
		return nil, cperr.Preconditionf("directory is archived")
	}

	if p.SessionID == "" {
		p.SessionID = scope.NewID("conversation")
	}
	agentKind := p.AgentKind
	if agentKind == "" {
		agentKind = store.AgentTerminal
	}

	// The session id doubles as the conversation id; create the durable
	// anchor if this is a fresh thread.
	if _, err := d.store.GetConversation(sc, p.SessionID); cperr.IsKind(err, cperr.NotFound) {
		if _, cerr := d.store.CreateConversation(sc, dir.ID, p.SessionID, p.Title, agentKind); cerr != nil {
			return nil, cerr
		}
	} else if err != nil {
		return nil, err
	}

	live, err := d.spawn(SpawnParams{
		Dir:     dir.Path,
		Command: p.Command,
		Args:    p.Args,
		Env:     p.Env,
		Cols:    p.Cols,
		Rows:    p.Rows,
	})
	if err != nil {
		return nil, err
	}

	if _, err := d.sessions.Add(p.SessionID, sc, dir.ID, agentKind, live); err != nil {
		live.Close()
		return nil, err
	}
	d.startMu.Lock()
	d.sessionStart[p.SessionID] = d.now().UTC()
	d.startMu.Unlock()

	// The dispatcher holds its own attachment on every session: it mirrors
	// fresh output into the journal and owns exit bookkeeping.
	sessionID := p.SessionID
	if _, err := d.sessions.Attach(sessionID, connDispatcher, session.Handlers{
		OnData: func(chunk session.OutputChunk) { d.handleSessionOutput(sessionID, chunk) },
		OnExit: func(exit session.Exit) { d.handleSessionExit(sessionID, exit) },
	}, 0); err != nil {
		d.logger.Warn("attaching dispatcher handlers", "session", sessionID, "error", err)
	}

	if _, err := d.store.UpdateConversationRuntime(sc, sessionID, store.RuntimeState{
		Status: store.RuntimeRunning,
		Live:   true,
	}, nil); err != nil {
		d.logger.Warn("projecting session runtime", "session", sessionID, "error", err)
	}

	info, err := d.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	d.publishSessionStatus(info)
	return info, nil
}

func (d *Dispatcher) ptyAttach(connectionID string, raw json.RawMessage) (any, error) {
	var p struct {
		SessionID   string `json:"sessionId"`
		SinceCursor int64  `json:"sinceCursor"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	sessionID := p.SessionID
	attachmentID, err := d.sessions.Attach(sessionID, connectionID, session.Handlers{
		OnData: func(chunk session.OutputChunk) {
			d.sender.Send(connectionID, PtyOutputEnvelope{
				Kind:        EnvelopePtyOutput,
				SessionID:   sessionID,
				Cursor:      chunk.Cursor,
				ChunkBase64: base64.StdEncoding.EncodeToString(chunk.Data),
			})
		},
		OnExit: func(exit session.Exit) {
			d.sender.Send(connectionID, PtyExitEnvelope{
				Kind:      EnvelopePtyExit,
				SessionID: sessionID,
				Exit:      exit,
			})
		},
	}, p.SinceCursor)
	if err != nil {
		return nil, err
	}
	return map[string]any{"attachmentId": attachmentID, "sessionId": sessionID}, nil
}

func (d *Dispatcher) ptyDetach(connectionID string, raw json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	d.sessions.Detach(p.SessionID, connectionID)
	return map[string]any{"sessionId": p.SessionID, "detached": true}, nil
}

func (d *Dispatcher) ptySubscribeEvents(connectionID string, raw json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := d.sessions.Subscribe(p.SessionID, connectionID); err != nil {
		return nil, err
	}
	return map[string]any{"sessionId": p.SessionID, "subscribed": true}, nil
}

func (d *Dispatcher) ptyUnsubscribeEvents(connectionID string, raw json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	d.sessions.Unsubscribe(p.SessionID, connectionID)
	return map[string]any{"sessionId": p.SessionID, "subscribed": false}, nil
}

func (d *Dispatcher) attentionList(raw json.RawMessage) (any, error) {
	var p scopedParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return map[string]any{"sessions": d.sessions.AttentionList(p.scope())}, nil
}

// lookPath is a variable for testing.
var lookPath = exec.LookPath

var agentBinaries = []string{store.AgentCodex, store.AgentClaude, store.AgentCursor}

func (d *Dispatcher) agentToolsStatus() (any, error) {
	tools := make(map[string]bool, len(agentBinaries))
	for _, bin := range agentBinaries {
		_, err := lookPath(bin)
		tools[bin] = err == nil
	}
	return map[string]any{"tools": tools}, nil
}

// handleSessionOutput runs on the PTY read goroutine. The first observation
// of a cursor is mirrored into the journal; replays and duplicates stay
// attachment-only.
func (d *Dispatcher) handleSessionOutput(sessionID string, chunk session.OutputChunk) {
	if !d.sessions.ObserveOutput(sessionID, chunk.Cursor) {
		return
	}
	info, err := d.sessions.Get(sessionID)
	if err != nil {
		return
	}
	sc := eventScope(info.Scope)
	sc.DirectoryID = info.DirectoryID
	sc.ConversationID = sessionID
	d.journal.Publish(sc, events.SessionOutput{
		SessionID:   sessionID,
		Cursor:      chunk.Cursor,
		ChunkBase64: base64.StdEncoding.EncodeToString(chunk.Data),
	})
}

// handleSessionExit runs on the PTY read goroutine after the process ends.
func (d *Dispatcher) handleSessionExit(sessionID string, exit session.Exit) {
	info, err := d.sessions.MarkExited(sessionID)
	if err != nil {
		return
	}

	now := d.now().UTC()
	if _, err := d.store.UpdateConversationRuntime(info.Scope, sessionID, store.RuntimeState{
		Status:      store.RuntimeExited,
		Live:        false,
		LastEventAt: &now,
		LastExit:    store.ExitStatus{Code: exit.Code, Signal: exit.Signal},
	}, nil); err != nil {
		d.logger.Warn("projecting session exit", "session", sessionID, "error", err)
	}
	d.recordTelemetry(info, store.TelemetrySessionExit, exit)

	sc := eventScope(info.Scope)
	sc.DirectoryID = info.DirectoryID
	sc.ConversationID = sessionID
	d.journal.Publish(sc, events.SessionStatus{
		SessionID: sessionID,
		Status:    session.StatusExited,
		Live:      false,
	})
	for _, connectionID := range d.sessions.Subscribers(sessionID) {
		d.sender.Send(connectionID, PtyExitEnvelope{
			Kind:      EnvelopePtyExit,
			SessionID: sessionID,
			Exit:      exit,
		})
	}
}

func (d *Dispatcher) recordTelemetry(info session.Info, source string, exit session.Exit) {
	d.startMu.Lock()
	started, ok := d.sessionStart[info.SessionID]
	delete(d.sessionStart, info.SessionID)
	d.startMu.Unlock()

	var duration time.Duration
	if ok {
		duration = d.now().UTC().Sub(started)
	}
	if _, err := d.store.InsertSessionTelemetry(store.SessionTelemetry{
		Scope:          info.Scope,
		ConversationID: info.SessionID,
		Source:         source,
		RuntimeStatus:  info.Status,
		ExitCode:       exit.Code,
		ExitSignal:     exit.Signal,
		DurationMS:     duration.Milliseconds(),
	}); err != nil {
		d.logger.Warn("recording session telemetry", "session", info.SessionID, "error", err)
	}
}

func (d *Dispatcher) publishSessionStatus(info session.Info) {
	sc := eventScope(info.Scope)
	sc.DirectoryID = info.DirectoryID
	sc.ConversationID = info.SessionID
	d.journal.Publish(sc, events.SessionStatus{
		SessionID:       info.SessionID,
		Status:          info.Status,
		AttentionReason: info.AttentionReason,
		Live:            info.Live,
	})
}
