// Package eventstore implements the durable append-only per-session event
// log with cursor-based replay.
package eventstore

import (
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

// maxPreviewBytes bounds the payload preview persisted with each event.
const maxPreviewBytes = 4096

// Event is one persisted (or synthetic, non-persisted) session lifecycle record.
type Event struct {
	Seq       *int64          `json:"seq"` // nil for non-persisted ring-only events
	SessionID string          `json:"session_id"`
	EventType string          `json:"event_type"`
	TurnID    string          `json:"turn_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Truncated bool            `json:"truncated,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Page is the response envelope for GetEvents.
type Page struct {
	Events      []Event `json:"events"`
	EarliestSeq int64   `json:"earliest_seq"`
	LatestSeq   int64   `json:"latest_seq"`
	NextSeq     int64   `json:"next_seq"`
	HistoryGap  bool    `json:"history_gap"`
	GapReason   string  `json:"gap_reason,omitempty"`
}

// Retention bounds how many rows and how many days of rows are kept per session.
type Retention struct {
	MaxEventsPerSession int
	MaxAgeDays          int
}

// ringBuffer keeps the most recent events for a session in memory, including
// non-persisted fallback events created while the session is degraded.
type ringBuffer struct {
	events []Event
	cap    int
}

func (r *ringBuffer) push(e Event) {
	r.events = append(r.events, e)
	if len(r.events) > r.cap {
		r.events = r.events[len(r.events)-r.cap:]
	}
}

// Store is the sqlite-backed append-only event log.
type Store struct {
	mu        sync.Mutex
	conn      *sqlx.DB
	log       *logger.Logger
	retention Retention

	degraded map[string]bool
	rings    map[string]*ringBuffer
	ringCap  int

	writesSincePrune int
}

// Open creates (if needed) and opens the event store database at path.
func Open(path string, retention Retention, log *logger.Logger) (*Store, error) {
	sqlDB, err := db.OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open event store db: %w", err)
	}
	conn := sqlx.NewDb(sqlDB, "sqlite3")
	if _, err := conn.Exec(schema); err != nil {
		return nil, fmt.Errorf("init event store schema: %w", err)
	}
	return &Store{
		conn:      conn,
		log:       log.WithFields(zap.String("component", "eventstore")),
		retention: retention,
		degraded:  make(map[string]bool),
		rings:     make(map[string]*ringBuffer),
		ringCap:   64,
	}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS session_events (
	session_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	turn_id TEXT,
	payload TEXT,
	truncated INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	PRIMARY KEY (session_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_session_events_session_created ON session_events(session_id, created_at);
`

func (s *Store) ring(sessionID string) *ringBuffer {
	r, ok := s.rings[sessionID]
	if !ok {
		r = &ringBuffer{cap: s.ringCap}
		s.rings[sessionID] = r
	}
	return r
}

// Append persists one event, handling the degraded-set/ring fallback on
// write failure and emitting the recovery marker on the first successful
// write after a degradation.
func (s *Store) Append(sessionID, eventType, turnID string, payload json.RawMessage) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.degraded[sessionID] {
		marker := Event{SessionID: sessionID, EventType: "event_persist_recovered", CreatedAt: time.Now()}
		if seq, err := s.persist(marker); err == nil {
			marker.Seq = &seq
			delete(s.degraded, sessionID)
			s.ring(sessionID).push(marker)
		}
	}

	preview, truncated := boundPreview(payload)
	evt := Event{SessionID: sessionID, EventType: eventType, TurnID: turnID, Payload: preview, Truncated: truncated, CreatedAt: time.Now()}

	seq, err := s.persist(evt)
	if err != nil {
		s.degraded[sessionID] = true
		s.log.Warn("event store write failed, degrading to memory ring",
			zap.String("session_id", sessionID), zap.Error(err))
		s.ring(sessionID).push(evt)
		return evt, nil
	}
	evt.Seq = &seq
	s.ring(sessionID).push(evt)

	s.writesSincePrune++
	if s.writesSincePrune >= 100 {
		s.writesSincePrune = 0
		go s.Prune()
	}
	return evt, nil
}

func (s *Store) persist(e Event) (int64, error) {
	var maxSeq sql.NullInt64
	if err := s.conn.Get(&maxSeq, `SELECT MAX(seq) FROM session_events WHERE session_id = ?`, e.SessionID); err != nil {
		return 0, fmt.Errorf("compute next seq: %w", err)
	}
	next := int64(1)
	if maxSeq.Valid {
		next = maxSeq.Int64 + 1
	}
	_, err := s.conn.Exec(`
		INSERT INTO session_events (session_id, seq, event_type, turn_id, payload, truncated, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, next, e.EventType, nullableStr(e.TurnID), string(e.Payload), boolToInt(e.Truncated), e.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return next, nil
}

// GetEvents replays persisted events for a session from a cursor.
func (s *Store) GetEvents(sessionID string, sinceSeq *int64, limit int) (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var bounds struct {
		Earliest sql.NullInt64 `db:"earliest"`
		Latest   sql.NullInt64 `db:"latest"`
	}
	if err := s.conn.Get(&bounds, `SELECT MIN(seq) AS earliest, MAX(seq) AS latest FROM session_events WHERE session_id = ?`, sessionID); err != nil {
		return Page{}, fmt.Errorf("compute seq bounds: %w", err)
	}

	page := Page{}
	if !bounds.Earliest.Valid {
		page.HistoryGap = s.degraded[sessionID]
		if page.HistoryGap {
			page.GapReason = "persistence_error"
		}
		return page, nil
	}
	page.EarliestSeq = bounds.Earliest.Int64
	page.LatestSeq = bounds.Latest.Int64

	var rows []eventRow
	var err error
	if sinceSeq == nil {
		err = s.conn.Select(&rows, `
			SELECT * FROM (
				SELECT session_id, seq, event_type, turn_id, payload, truncated, created_at
				FROM session_events WHERE session_id = ? ORDER BY seq DESC LIMIT ?
			) ORDER BY seq ASC`, sessionID, limit)
	} else {
		start := *sinceSeq + 1
		if *sinceSeq < bounds.Earliest.Int64-1 {
			page.HistoryGap = true
			page.GapReason = "retention"
			start = bounds.Earliest.Int64
		}
		err = s.conn.Select(&rows, `
			SELECT session_id, seq, event_type, turn_id, payload, truncated, created_at
			FROM session_events WHERE session_id = ? AND seq >= ? ORDER BY seq ASC LIMIT ?`, sessionID, start, limit)
	}
	if err != nil {
		return Page{}, fmt.Errorf("select events: %w", err)
	}

	if s.degraded[sessionID] {
		page.HistoryGap = true
		if page.GapReason == "" {
			page.GapReason = "persistence_error"
		}
	}

	page.Events = make([]Event, 0, len(rows))
	for _, r := range rows {
		page.Events = append(page.Events, r.toEvent())
	}
	page.NextSeq = page.LatestSeq + 1
	return page, nil
}

// GetRingEvents returns the most recent in-memory events for a session,
// including non-persisted fallback rows created while degraded.
func (s *Store) GetRingEvents(sessionID string, limit int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rings[sessionID]
	if !ok {
		return nil
	}
	events := r.events
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// Prune applies the cap and age retention policies across all sessions.
func (s *Store) Prune() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.retention.MaxAgeDays > 0 {
		query := fmt.Sprintf(`DELETE FROM session_events WHERE created_at < %s`,
			dialect.DateNowMinusDays(s.conn.DriverName(), "?"))
		if _, err := s.conn.Exec(query, s.retention.MaxAgeDays); err != nil {
			s.log.Warn("age retention prune failed", zap.Error(err))
		}
	}
	if s.retention.MaxEventsPerSession > 0 {
		if _, err := s.conn.Exec(`
			DELETE FROM session_events WHERE rowid IN (
				SELECT rowid FROM (
					SELECT rowid, ROW_NUMBER() OVER (PARTITION BY session_id ORDER BY seq DESC) AS rn
					FROM session_events
				) WHERE rn > ?
			)`, s.retention.MaxEventsPerSession); err != nil {
			s.log.Warn("per-session cap prune failed", zap.Error(err))
		}
	}
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func boundPreview(payload json.RawMessage) (json.RawMessage, bool) {
	if len(payload) <= maxPreviewBytes {
		return payload, false
	}
	envelope := map[string]interface{}{
		"truncated":      true,
		"preview":        stringutil.TruncateString(string(payload), maxPreviewBytes),
		"original_chars": len(payload),
	}
	data, _ := json.Marshal(envelope)
	return data, true
}

func boolToInt(b bool) int {
	return dialect.BoolToInt(b)
}

func nullableStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

type eventRow struct {
	SessionID string         `db:"session_id"`
	Seq       int64          `db:"seq"`
	EventType string         `db:"event_type"`
	TurnID    sql.NullString `db:"turn_id"`
	Payload   sql.NullString `db:"payload"`
	Truncated int            `db:"truncated"`
	CreatedAt string         `db:"created_at"`
}

func (r eventRow) toEvent() Event {
	seq := r.Seq
	e := Event{
		Seq:       &seq,
		SessionID: r.SessionID,
		EventType: r.EventType,
		TurnID:    r.TurnID.String,
		Truncated: r.Truncated != 0,
	}
	if r.Payload.Valid {
		e.Payload = json.RawMessage(r.Payload.String)
	}
	if t, err := time.Parse(time.RFC3339Nano, r.CreatedAt); err == nil {
		e.CreatedAt = t
	}
	return e
}
