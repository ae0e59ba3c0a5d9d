package dispatch

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/jmoyers/switchboard/internal/switchboard/cperr"
	"github.com/jmoyers/switchboard/internal/switchboard/events"
	"github.com/jmoyers/switchboard/internal/switchboard/session"
	"github.com/jmoyers/switchboard/internal/switchboard/store"
)

func TestPtyStart_SpawnsAndProjectsRuntime(t *testing.T) {
	f := newFixture(t)
	dir := f.mustDirectory(t, "/tmp/project")
	entries := f.captureEvents()

	info := f.startSession(t, dir.ID)
	if !info.Live || info.Status != session.StatusRunning {
		t.Errorf("unexpected session info %+v", info)
	}
	if f.spawnCalls != 1 || f.lastSpawn.Dir != dir.Path || f.lastSpawn.Command != "bash" {
		t.Errorf("unexpected spawn %+v (%d calls)", f.lastSpawn, f.spawnCalls)
	}

	conv, err := f.store.GetConversation(testScope(), info.SessionID)
	if err != nil {
		t.Fatalf("expected conversation for session: %v", err)
	}
	if conv.Runtime.Status != store.RuntimeRunning || !conv.Runtime.Live {
		t.Errorf("unexpected runtime projection %+v", conv.Runtime)
	}

	if got := kindsOf(*entries); len(got) != 1 || got[0] != "session-status" {
		t.Errorf("expected one session-status event, got %v", got)
	}
	if len(f.live.handlers()) != 1 {
		t.Errorf("expected the dispatcher attachment, got %d", len(f.live.handlers()))
	}
}

func TestPtyStart_ArchivedDirectoryRejected(t *testing.T) {
	f := newFixture(t)
	dir := f.mustDirectory(t, "/tmp/project")
	if _, err := f.store.ArchiveDirectory(testScope(), dir.ID); err != nil {
		t.Fatalf("archiving: %v", err)
	}

	_, err := f.try("conn-a", "pty.start", f.params(map[string]any{
		"directoryId": dir.ID, "command": "bash",
	}))
	if !cperr.IsKind(err, cperr.Precondition) {
		t.Errorf("expected precondition error, got %v", err)
	}
}

func TestSessionClaim_TakeoverPublishesPreviousController(t *testing.T) {
	f := newFixture(t)
	dir := f.mustDirectory(t, "/tmp/project")
	info := f.startSession(t, dir.ID)
	entries := f.captureEvents()

	out := f.dispatch(t, "conn-a", "session.claim", map[string]any{
		"sessionId": info.SessionID, "controllerId": "A1", "controllerType": session.ControllerHuman,
	})
	if res := out.(session.ClaimResult); res.Action != session.ActionClaimed {
		t.Errorf("expected claimed, got %q", res.Action)
	}

	_, err := f.try("conn-b", "session.claim", map[string]any{
		"sessionId": info.SessionID, "controllerId": "B1", "controllerType": session.ControllerHuman,
	})
	if !cperr.IsKind(err, cperr.Conflict) || !strings.Contains(err.Error(), "already claimed") {
		t.Fatalf("expected claim conflict, got %v", err)
	}

	out = f.dispatch(t, "conn-b", "session.claim", map[string]any{
		"sessionId": info.SessionID, "controllerId": "B1",
		"controllerType": session.ControllerHuman, "takeover": true,
	})
	if res := out.(session.ClaimResult); res.Action != session.ActionTakenOver {
		t.Errorf("expected taken-over, got %q", res.Action)
	}

	var control *events.SessionControl
	for _, e := range *entries {
		if ev, ok := e.Event.(events.SessionControl); ok && ev.Action == session.ActionTakenOver {
			control = &ev
		}
	}
	if control == nil {
		t.Fatal("expected a taken-over session-control event")
	}
	if prev := control.PreviousController.(session.Controller); prev.ControllerID != "A1" {
		t.Errorf("expected previous controller A1, got %+v", prev)
	}
	if cur := control.Controller.(session.Controller); cur.ControllerID != "B1" {
		t.Errorf("expected controller B1, got %+v", cur)
	}
}

func TestSessionRespond_RequiresControl(t *testing.T) {
	f := newFixture(t)
	dir := f.mustDirectory(t, "/tmp/project")
	info := f.startSession(t, dir.ID)

	f.dispatch(t, "conn-a", "session.claim", map[string]any{
		"sessionId": info.SessionID, "controllerId": "A1",
	})
	_, err := f.try("conn-b", "session.respond", map[string]any{
		"sessionId": info.SessionID, "text": "nope",
	})
	if !cperr.IsKind(err, cperr.Conflict) {
		t.Fatalf("expected conflict for non-controller respond, got %v", err)
	}

	out := f.dispatch(t, "conn-a", "session.respond", map[string]any{
		"sessionId": info.SessionID, "text": "yes\n",
	})
	if got := string(f.live.writtenBytes()); got != "yes\n" {
		t.Errorf("expected text written to pty, got %q", got)
	}
	if res := out.(session.Info); res.Status != session.StatusRunning {
		t.Errorf("expected running after respond, got %q", res.Status)
	}
}

func TestSessionInterrupt_WritesEtx(t *testing.T) {
	f := newFixture(t)
	dir := f.mustDirectory(t, "/tmp/project")
	info := f.startSession(t, dir.ID)

	out := f.dispatch(t, "conn-a", "session.interrupt", map[string]any{"sessionId": info.SessionID})
	if got := f.live.writtenBytes(); len(got) != 1 || got[0] != 0x03 {
		t.Errorf("expected a single ETX byte, got %v", got)
	}
	if res := out.(session.Info); res.Status != session.StatusCompleted {
		t.Errorf("expected completed after interrupt, got %q", res.Status)
	}
}

func TestSessionOutput_MirroredIntoJournalOnce(t *testing.T) {
	f := newFixture(t)
	dir := f.mustDirectory(t, "/tmp/project")
	info := f.startSession(t, dir.ID)
	entries := f.captureEvents()

	f.dispatch(t, "conn-b", "pty.attach", map[string]any{"sessionId": info.SessionID})

	f.live.emit(1, []byte("hi"))
	f.live.emit(1, []byte("hi")) // replayed duplicate

	var outputs []events.SessionOutput
	for _, e := range *entries {
		if ev, ok := e.Event.(events.SessionOutput); ok {
			outputs = append(outputs, ev)
		}
	}
	if len(outputs) != 1 {
		t.Fatalf("expected exactly one journal session-output, got %d", len(outputs))
	}
	if outputs[0].ChunkBase64 != base64.StdEncoding.EncodeToString([]byte("hi")) {
		t.Errorf("unexpected chunk %q", outputs[0].ChunkBase64)
	}

	var ptyOut []PtyOutputEnvelope
	for _, env := range f.sender.envelopes("conn-b") {
		if po, ok := env.(PtyOutputEnvelope); ok {
			ptyOut = append(ptyOut, po)
		}
	}
	// Direct attachments receive every delivery, duplicates included.
	if len(ptyOut) != 2 {
		t.Fatalf("expected two pty.output envelopes, got %d", len(ptyOut))
	}
	if ptyOut[0].SessionID != info.SessionID || ptyOut[0].Cursor != 1 {
		t.Errorf("unexpected envelope %+v", ptyOut[0])
	}
}

func TestSessionExit_ProjectsRuntimeAndNotifiesSubscribers(t *testing.T) {
	f := newFixture(t)
	dir := f.mustDirectory(t, "/tmp/project")
	info := f.startSession(t, dir.ID)
	entries := f.captureEvents()

	f.dispatch(t, "conn-b", "pty.subscribe-events", map[string]any{"sessionId": info.SessionID})

	code := 7
	f.live.exit(session.Exit{Code: &code})

	conv, err := f.store.GetConversation(testScope(), info.SessionID)
	if err != nil {
		t.Fatalf("getting conversation: %v", err)
	}
	if conv.Runtime.Status != store.RuntimeExited || conv.Runtime.Live {
		t.Errorf("unexpected runtime %+v", conv.Runtime)
	}
	if conv.Runtime.LastExit.Code == nil || *conv.Runtime.LastExit.Code != 7 {
		t.Errorf("expected exit code 7, got %+v", conv.Runtime.LastExit)
	}

	rows, err := f.store.ListSessionTelemetry(testScope(), info.SessionID)
	if err != nil {
		t.Fatalf("listing telemetry: %v", err)
	}
	if len(rows) != 1 || rows[0].Source != store.TelemetrySessionExit {
		t.Fatalf("expected one session-exit telemetry row, got %+v", rows)
	}
	if rows[0].ExitCode == nil || *rows[0].ExitCode != 7 {
		t.Errorf("expected telemetry exit code 7, got %+v", rows[0].ExitCode)
	}

	var sawExitStatus bool
	for _, e := range *entries {
		if ev, ok := e.Event.(events.SessionStatus); ok && ev.Status == session.StatusExited && !ev.Live {
			sawExitStatus = true
		}
	}
	if !sawExitStatus {
		t.Error("expected an exited session-status event")
	}

	var sawEnvelope bool
	for _, env := range f.sender.envelopes("conn-b") {
		if pe, ok := env.(PtyExitEnvelope); ok {
			sawEnvelope = true
			if pe.Exit.Code == nil || *pe.Exit.Code != 7 {
				t.Errorf("unexpected exit envelope %+v", pe)
			}
		}
	}
	if !sawEnvelope {
		t.Error("expected a pty.exit envelope for the subscriber")
	}
}

func TestSessionRemove_ClosesLiveAndRecordsTelemetry(t *testing.T) {
	f := newFixture(t)
	dir := f.mustDirectory(t, "/tmp/project")
	info := f.startSession(t, dir.ID)

	out := f.dispatch(t, "conn-a", "session.remove", map[string]any{"sessionId": info.SessionID})
	if removed := out.(map[string]any)["removed"].(bool); !removed {
		t.Error("expected removed:true")
	}
	if !f.live.closed {
		t.Error("expected the live handle to be closed")
	}
	if _, err := f.sessions.Get(info.SessionID); !cperr.IsKind(err, cperr.NotFound) {
		t.Errorf("expected session gone, got %v", err)
	}

	rows, err := f.store.ListSessionTelemetry(testScope(), info.SessionID)
	if err != nil {
		t.Fatalf("listing telemetry: %v", err)
	}
	if len(rows) != 1 || rows[0].Source != store.TelemetrySessionRemove {
		t.Errorf("expected one session-remove telemetry row, got %+v", rows)
	}
}

func TestConversationDelete_DestroysLiveSession(t *testing.T) {
	f := newFixture(t)
	dir := f.mustDirectory(t, "/tmp/project")
	info := f.startSession(t, dir.ID)

	f.dispatch(t, "conn-a", "conversation.delete", f.params(map[string]any{
		"conversationId": info.SessionID,
	}))
	if !f.live.closed {
		t.Error("expected live session closed with the conversation")
	}
	if _, err := f.store.GetConversation(testScope(), info.SessionID); !cperr.IsKind(err, cperr.NotFound) {
		t.Errorf("expected conversation gone, got %v", err)
	}
}

func TestConversationTitleRefresh_DerivesFromBufferTail(t *testing.T) {
	f := newFixture(t)
	dir := f.mustDirectory(t, "/tmp/project")
	info := f.startSession(t, dir.ID)
	f.live.frame.Lines = []string{"", "   fix the flaky watcher test   ", "$ "}

	out := f.dispatch(t, "conn-a", "conversation.title.refresh", f.params(map[string]any{
		"conversationId": info.SessionID,
	}))
	conv := out.(store.Conversation)
	if conv.Title != "fix the flaky watcher test" {
		t.Errorf("unexpected title %q", conv.Title)
	}
}

func TestConversationTitleRefresh_EmptyBufferRejected(t *testing.T) {
	f := newFixture(t)
	dir := f.mustDirectory(t, "/tmp/project")
	info := f.startSession(t, dir.ID)
	f.live.frame.Lines = []string{"", "   "}

	_, err := f.try("conn-a", "conversation.title.refresh", f.params(map[string]any{
		"conversationId": info.SessionID,
	}))
	if !cperr.IsKind(err, cperr.Precondition) {
		t.Errorf("expected precondition error, got %v", err)
	}
}

func TestDeriveTitle_TruncatesLongLines(t *testing.T) {
	long := strings.Repeat("x", 200)
	if got := deriveTitle([]string{long}); len(got) != titleMaxLen {
		t.Errorf("expected %d chars, got %d", titleMaxLen, len(got))
	}
	if got := deriveTitle(nil); got != "" {
		t.Errorf("expected empty title, got %q", got)
	}
}

func TestAttentionList_OnlyNeedsInput(t *testing.T) {
	f := newFixture(t)
	dir := f.mustDirectory(t, "/tmp/project")
	info := f.startSession(t, dir.ID)
	if _, err := f.sessions.SetStatus(info.SessionID, session.StatusNeedsInput, "awaiting confirmation"); err != nil {
		t.Fatalf("setting status: %v", err)
	}

	out := f.dispatch(t, "conn-a", "attention.list", f.params(nil))
	sessions := out.(map[string]any)["sessions"].([]session.Info)
	if len(sessions) != 1 || sessions[0].AttentionReason != "awaiting confirmation" {
		t.Errorf("unexpected attention list %+v", sessions)
	}
}

func TestAgentToolsStatus_ReportsLookupResults(t *testing.T) {
	f := newFixture(t)
	prev := lookPath
	lookPath = func(name string) (string, error) {
		if name == store.AgentClaude {
			return "/usr/local/bin/" + name, nil
		}
		return "", errors.New("executable file not found in $PATH")
	}
	defer func() { lookPath = prev }()

	out := f.dispatch(t, "conn-a", "agent.tools.status", nil)
	tools := out.(map[string]any)["tools"].(map[string]bool)
	if !tools[store.AgentClaude] || tools[store.AgentCodex] || tools[store.AgentCursor] {
		t.Errorf("unexpected tool availability %+v", tools)
	}
}

func TestSessionSnapshot_StaleAfterExit(t *testing.T) {
	f := newFixture(t)
	dir := f.mustDirectory(t, "/tmp/project")
	info := f.startSession(t, dir.ID)

	f.live.exit(session.Exit{})

	out := f.dispatch(t, "conn-a", "session.snapshot", map[string]any{"sessionId": info.SessionID})
	snap := out.(session.Snapshot)
	if !snap.Stale {
		t.Error("expected a stale snapshot after exit")
	}
	if len(snap.Lines) == 0 {
		t.Error("expected the cached frame lines")
	}
}
