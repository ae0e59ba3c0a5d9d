package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoyers/switchboard/internal/switchboard/cperr"
	"github.com/jmoyers/switchboard/internal/switchboard/scope"
)

// Telemetry sources.
const (
	TelemetrySessionExit   = "session-exit"
	TelemetrySessionRemove = "session-remove"
)

// SessionTelemetry records how a live session ended. Written when a session
// exits or is removed; never read back by the control plane itself.
type SessionTelemetry struct {
	ID             string      `json:"telemetryId"`
	Scope          scope.Scope `json:"scope"`
	ConversationID string      `json:"conversationId"`
	Source         string      `json:"source"`
	RuntimeStatus  string      `json:"runtimeStatus"`
	ExitCode       *int        `json:"exitCode,omitempty"`
	ExitSignal     string      `json:"exitSignal,omitempty"`
	DurationMS     int64       `json:"durationMs"`
	RecordedAt     time.Time   `json:"recordedAt"`
}

func validTelemetrySource(source string) bool {
	return source == TelemetrySessionExit || source == TelemetrySessionRemove
}

// InsertSessionTelemetry appends a telemetry row.
func (s *Store) InsertSessionTelemetry(t SessionTelemetry) (SessionTelemetry, error) {
	if !validTelemetrySource(t.Source) {
		return SessionTelemetry{}, cperr.Integrityf("telemetry source enum value")
	}
	if !validRuntimeStatus(t.RuntimeStatus) {
		return SessionTelemetry{}, cperr.Integrityf("expected runtime_status enum value")
	}
	t.Scope = t.Scope.Normalize()
	if t.ID == "" {
		t.ID = scope.NewID("telemetry")
	}
	if t.RecordedAt.IsZero() {
		t.RecordedAt = time.Now().UTC()
	}

	var exitCode any
	if t.ExitCode != nil {
		exitCode = *t.ExitCode
	}
	_, err := s.conn.Exec(`
		INSERT INTO session_telemetry (telemetry_id, tenant_id, user_id, workspace_id,
			conversation_id, source, runtime_status, exit_code, exit_signal, duration_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Scope.TenantID, t.Scope.UserID, t.Scope.WorkspaceID,
		t.ConversationID, t.Source, t.RuntimeStatus, exitCode,
		nullString(t.ExitSignal), t.DurationMS, formatTime(t.RecordedAt),
	)
	if err != nil {
		return SessionTelemetry{}, fmt.Errorf("inserting session telemetry: %w", err)
	}
	return t, nil
}

// ListSessionTelemetry returns telemetry rows in scope, newest first.
func (s *Store) ListSessionTelemetry(sc scope.Scope, conversationID string) ([]SessionTelemetry, error) {
	sc = sc.Normalize()
	query := `
		SELECT telemetry_id, tenant_id, user_id, workspace_id, conversation_id,
			source, runtime_status, exit_code, exit_signal, duration_ms, recorded_at
		FROM session_telemetry
		WHERE tenant_id = ? AND user_id = ? AND workspace_id = ?`
	args := scopeArgs(sc)
	if conversationID != "" {
		query += ` AND conversation_id = ?`
		args = append(args, conversationID)
	}
	query += ` ORDER BY recorded_at DESC, telemetry_id DESC`

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing session telemetry: %w", err)
	}
	defer rows.Close()

	var out []SessionTelemetry
	for rows.Next() {
		var t SessionTelemetry
		var exitCode sql.NullInt64
		var exitSignal sql.NullString
		var recordedAt string
		if err := rows.Scan(&t.ID, &t.Scope.TenantID, &t.Scope.UserID, &t.Scope.WorkspaceID,
			&t.ConversationID, &t.Source, &t.RuntimeStatus, &exitCode, &exitSignal,
			&t.DurationMS, &recordedAt); err != nil {
			return nil, fmt.Errorf("scanning session telemetry: %w", err)
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			t.ExitCode = &code
		}
		t.ExitSignal = exitSignal.String
		t.RecordedAt = parseTime(recordedAt)
		out = append(out, t)
	}
	return out, rows.Err()
}
