// Package observability implements the tool-event and turn-event audit log:
// two append-only tables with structured fields alongside a bounded raw
// preview, and age/cap retention tuned per provider.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/common/stringutil"
	db "github.com/kandev/orchestrator/internal/db"
	"github.com/kandev/orchestrator/internal/db/dialect"
)

const (
	maxRawPreviewBytes = 4096
	schemaVersion      = 2
)

// ToolEvent is one row in the tool-events table. The command/file/exit/
// latency/status columns are extracted by the caller from whatever wire
// shape raised the event, so consumers can query them directly ("failed
// tool calls by exit code for thread X") instead of parsing RawPreview.
type ToolEvent struct {
	ID        int64  `json:"id"`
	SessionID string `json:"session_id"`
	ThreadID  string `json:"thread_id,omitempty"`
	ItemID    string `json:"item_id,omitempty"`
	ToolName  string `json:"tool_name"`
	Phase     string `json:"phase"` // "pre" | "post" | "notify"

	Command    string `json:"command,omitempty"`
	FilePath   string `json:"file_path,omitempty"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	DurationMs *int64 `json:"duration_ms,omitempty"`
	Status     string `json:"status,omitempty"`

	Provider      string    `json:"provider"`
	RawPreview    string    `json:"raw_preview,omitempty"`
	SchemaVersion int       `json:"schema_version"`
	CreatedAt     time.Time `json:"created_at"`
}

// TurnEvent is one row in the turn-events table.
type TurnEvent struct {
	ID            int64     `json:"id"`
	SessionID     string    `json:"session_id"`
	ThreadID      string    `json:"thread_id,omitempty"`
	TurnID        string    `json:"turn_id"`
	Kind          string    `json:"kind"` // "started" | "completed"
	Status        string    `json:"status,omitempty"`
	Provider      string    `json:"provider"`
	RawPreview    string    `json:"raw_preview,omitempty"`
	SchemaVersion int       `json:"schema_version"`
	CreatedAt     time.Time `json:"created_at"`
}

// Retention bounds rows kept, with a distinct (usually shorter) cap for the
// codex-fork provider whose tool volume runs far higher than other providers.
type Retention struct {
	MaxAgeDays          int
	MaxAgeDaysCodexFork int
	MaxRowsPerSession   int
}

// Logger is the sqlite-backed observability audit log.
type Logger struct {
	mu        sync.Mutex
	conn      *sqlx.DB
	log       *logger.Logger
	retention Retention
}

// Open creates (if needed) and opens the observability database at path.
func Open(path string, retention Retention, log *logger.Logger) (*Logger, error) {
	sqlDB, err := db.OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open observability db: %w", err)
	}
	conn := sqlx.NewDb(sqlDB, "sqlite3")
	if _, err := conn.Exec(schema); err != nil {
		return nil, fmt.Errorf("init observability schema: %w", err)
	}
	return &Logger{conn: conn, log: log.WithFields(zap.String("component", "observability")), retention: retention}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS tool_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	thread_id TEXT,
	item_id TEXT,
	tool_name TEXT NOT NULL,
	phase TEXT NOT NULL,
	command TEXT,
	file_path TEXT,
	exit_code INTEGER,
	duration_ms INTEGER,
	status TEXT,
	provider TEXT NOT NULL,
	raw_preview TEXT,
	schema_version INTEGER NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tool_events_session ON tool_events(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_tool_events_thread ON tool_events(thread_id, exit_code);

CREATE TABLE IF NOT EXISTS turn_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	thread_id TEXT,
	turn_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	status TEXT,
	provider TEXT NOT NULL,
	raw_preview TEXT,
	schema_version INTEGER NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turn_events_session ON turn_events(session_id, created_at);
`

// LogToolEvent commits a tool-events row synchronously. The caller fills the
// structured fields it extracted; raw is bounded into RawPreview here.
func (l *Logger) LogToolEvent(e ToolEvent, raw json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.conn.Exec(`
		INSERT INTO tool_events (
			session_id, thread_id, item_id, tool_name, phase,
			command, file_path, exit_code, duration_ms, status,
			provider, raw_preview, schema_version, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, nullableStr(e.ThreadID), nullableStr(e.ItemID), e.ToolName, e.Phase,
		nullableStr(e.Command), nullableStr(e.FilePath), intPtrToAny(e.ExitCode), int64PtrToAny(e.DurationMs), nullableStr(e.Status),
		e.Provider, preview(raw), schemaVersion, time.Now().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("log tool event: %w", err)
	}
	return nil
}

// LogTurnEvent commits a turn-events row synchronously.
func (l *Logger) LogTurnEvent(e TurnEvent, raw json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.conn.Exec(`
		INSERT INTO turn_events (session_id, thread_id, turn_id, kind, status, provider, raw_preview, schema_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, nullableStr(e.ThreadID), e.TurnID, e.Kind, nullableStr(e.Status), e.Provider, preview(raw), schemaVersion, time.Now().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("log turn event: %w", err)
	}
	return nil
}

// ListRecentToolEvents returns the most recent tool-events rows for a
// session, newest last. Used by the parent-wake digest.
func (l *Logger) ListRecentToolEvents(sessionID string, limit int) ([]ToolEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var rows []toolEventRow
	err := l.conn.Select(&rows, `
		SELECT * FROM (
			SELECT id, session_id, thread_id, item_id, tool_name, phase,
			       command, file_path, exit_code, duration_ms, status,
			       provider, raw_preview, schema_version, created_at
			FROM tool_events WHERE session_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent tool events: %w", err)
	}
	out := make([]ToolEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toToolEvent())
	}
	return out, nil
}

// ListRecentTurnEvents returns the most recent turn-events rows for a session.
func (l *Logger) ListRecentTurnEvents(sessionID string, limit int) ([]TurnEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var rows []turnEventRow
	err := l.conn.Select(&rows, `
		SELECT * FROM (
			SELECT id, session_id, thread_id, turn_id, kind, status, provider, raw_preview, schema_version, created_at
			FROM turn_events WHERE session_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent turn events: %w", err)
	}
	out := make([]TurnEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toTurnEvent())
	}
	return out, nil
}

// Prune applies age retention (per-provider cap for codex-fork) and the
// per-session row cap.
func (l *Logger) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.retention.MaxAgeDays > 0 {
		l.pruneOlderThan("tool_events", l.retention.MaxAgeDays, "provider != 'codex-fork'")
		l.pruneOlderThan("turn_events", l.retention.MaxAgeDays, "provider != 'codex-fork'")
	}
	if l.retention.MaxAgeDaysCodexFork > 0 {
		l.pruneOlderThan("tool_events", l.retention.MaxAgeDaysCodexFork, "provider = 'codex-fork'")
		l.pruneOlderThan("turn_events", l.retention.MaxAgeDaysCodexFork, "provider = 'codex-fork'")
	}
	if l.retention.MaxRowsPerSession > 0 {
		l.pruneCap("tool_events", l.retention.MaxRowsPerSession)
		l.pruneCap("turn_events", l.retention.MaxRowsPerSession)
	}
}

func (l *Logger) pruneOlderThan(table string, maxAgeDays int, extraWhere string) {
	cutoffExpr := dialect.DateNowMinusDays(l.conn.DriverName(), "?")
	q := fmt.Sprintf(`DELETE FROM %s WHERE created_at < %s AND %s`, table, cutoffExpr, extraWhere)
	if _, err := l.conn.Exec(q, maxAgeDays); err != nil {
		l.log.Warn("age retention prune failed", zap.String("table", table), zap.Error(err))
	}
}

func (l *Logger) pruneCap(table string, cap int) {
	q := fmt.Sprintf(`
		DELETE FROM %s WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY session_id ORDER BY id DESC) AS rn FROM %s
			) WHERE rn > ?
		)`, table, table)
	if _, err := l.conn.Exec(q, cap); err != nil {
		l.log.Warn("per-session cap prune failed", zap.String("table", table), zap.Error(err))
	}
}

// StartPeriodicPrune schedules Prune on the given interval until ctx is cancelled.
func (l *Logger) StartPeriodicPrune(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Prune()
			}
		}
	}()
}

// Close closes the underlying connection.
func (l *Logger) Close() error {
	return l.conn.Close()
}

func preview(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	if len(raw) <= maxRawPreviewBytes {
		return string(raw)
	}
	envelope := map[string]interface{}{
		"truncated":      true,
		"preview":        stringutil.TruncateString(string(raw), maxRawPreviewBytes),
		"original_chars": len(raw),
	}
	data, _ := json.Marshal(envelope)
	return string(data)
}

func nullableStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func intPtrToAny(p *int) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func int64PtrToAny(p *int64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

type toolEventRow struct {
	ID            int64          `db:"id"`
	SessionID     string         `db:"session_id"`
	ThreadID      sql.NullString `db:"thread_id"`
	ItemID        sql.NullString `db:"item_id"`
	ToolName      string         `db:"tool_name"`
	Phase         string         `db:"phase"`
	Command       sql.NullString `db:"command"`
	FilePath      sql.NullString `db:"file_path"`
	ExitCode      sql.NullInt64  `db:"exit_code"`
	DurationMs    sql.NullInt64  `db:"duration_ms"`
	Status        sql.NullString `db:"status"`
	Provider      string         `db:"provider"`
	RawPreview    sql.NullString `db:"raw_preview"`
	SchemaVersion int            `db:"schema_version"`
	CreatedAt     string         `db:"created_at"`
}

func (r toolEventRow) toToolEvent() ToolEvent {
	e := ToolEvent{
		ID:            r.ID,
		SessionID:     r.SessionID,
		ThreadID:      r.ThreadID.String,
		ItemID:        r.ItemID.String,
		ToolName:      r.ToolName,
		Phase:         r.Phase,
		Command:       r.Command.String,
		FilePath:      r.FilePath.String,
		Status:        r.Status.String,
		Provider:      r.Provider,
		RawPreview:    r.RawPreview.String,
		SchemaVersion: r.SchemaVersion,
	}
	if r.ExitCode.Valid {
		v := int(r.ExitCode.Int64)
		e.ExitCode = &v
	}
	if r.DurationMs.Valid {
		v := r.DurationMs.Int64
		e.DurationMs = &v
	}
	if t, err := time.Parse(time.RFC3339Nano, r.CreatedAt); err == nil {
		e.CreatedAt = t
	}
	return e
}

type turnEventRow struct {
	ID            int64          `db:"id"`
	SessionID     string         `db:"session_id"`
	ThreadID      sql.NullString `db:"thread_id"`
	TurnID        string         `db:"turn_id"`
	Kind          string         `db:"kind"`
	Status        sql.NullString `db:"status"`
	Provider      string         `db:"provider"`
	RawPreview    sql.NullString `db:"raw_preview"`
	SchemaVersion int            `db:"schema_version"`
	CreatedAt     string         `db:"created_at"`
}

func (r turnEventRow) toTurnEvent() TurnEvent {
	e := TurnEvent{
		ID:            r.ID,
		SessionID:     r.SessionID,
		ThreadID:      r.ThreadID.String,
		TurnID:        r.TurnID,
		Kind:          r.Kind,
		Status:        r.Status.String,
		Provider:      r.Provider,
		RawPreview:    r.RawPreview.String,
		SchemaVersion: r.SchemaVersion,
	}
	if t, err := time.Parse(time.RFC3339Nano, r.CreatedAt); err == nil {
		e.CreatedAt = t
	}
	return e
}
