package delivery

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	db "github.com/kandev/orchestrator/internal/db"
	"github.com/kandev/orchestrator/internal/db/dialect"
)

// queueRow is the sqlx scan target for the queued_messages table.
type queueRow struct {
	ID                   string         `db:"id"`
	TargetID             string         `db:"target_id"`
	SenderID             sql.NullString `db:"sender_id"`
	SenderName           sql.NullString `db:"sender_name"`
	Text                 string         `db:"text"`
	Mode                 string         `db:"mode"`
	QueuedAt             string         `db:"queued_at"`
	TimeoutAt            sql.NullString `db:"timeout_at"`
	DeliveredAt          sql.NullString `db:"delivered_at"`
	NotifyOnDelivery     int            `db:"notify_on_delivery"`
	NotifyAfterSeconds   sql.NullInt64  `db:"notify_after_seconds"`
	NotifyOnStop         int            `db:"notify_on_stop"`
	RemindSoftThresholdS sql.NullInt64  `db:"remind_soft_threshold_s"`
	RemindHardThresholdS sql.NullInt64  `db:"remind_hard_threshold_s"`
	ParentSessionID      sql.NullString `db:"parent_session_id"`
	Category             sql.NullString `db:"category"`
}

// timeLayout is fixed-width, so the string order of stored timestamps
// matches their time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func (r queueRow) toMessage() *QueuedMessage {
	m := &QueuedMessage{
		ID:               r.ID,
		TargetID:         r.TargetID,
		SenderID:         r.SenderID.String,
		SenderName:       r.SenderName.String,
		Text:             r.Text,
		Mode:             Mode(r.Mode),
		NotifyOnDelivery: r.NotifyOnDelivery != 0,
		NotifyOnStop:     r.NotifyOnStop != 0,
		ParentSessionID:  r.ParentSessionID.String,
		Category:         r.Category.String,
	}
	if t, err := time.Parse(timeLayout, r.QueuedAt); err == nil {
		m.QueuedAt = t
	}
	if r.TimeoutAt.Valid {
		if t, err := time.Parse(timeLayout, r.TimeoutAt.String); err == nil {
			m.TimeoutAt = &t
		}
	}
	if r.DeliveredAt.Valid {
		if t, err := time.Parse(timeLayout, r.DeliveredAt.String); err == nil {
			m.DeliveredAt = &t
		}
	}
	if r.NotifyAfterSeconds.Valid {
		v := int(r.NotifyAfterSeconds.Int64)
		m.NotifyAfterSeconds = &v
	}
	if r.RemindSoftThresholdS.Valid {
		v := int(r.RemindSoftThresholdS.Int64)
		m.RemindSoftThresholdS = &v
	}
	if r.RemindHardThresholdS.Valid {
		v := int(r.RemindHardThresholdS.Int64)
		m.RemindHardThresholdS = &v
	}
	return m
}

// Queue is the WAL-mode sqlite-backed persistent message queue. A single
// mutex serializes all reads and writes, matching the single-writer
// single-writer-connection discipline.
type Queue struct {
	mu   sync.Mutex
	conn *sqlx.DB
}

// OpenQueue opens (creating if needed) the queue database at path.
func OpenQueue(path string) (*Queue, error) {
	sqlDB, err := db.OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	conn := sqlx.NewDb(sqlDB, "sqlite3")
	if _, err := conn.Exec(queueSchema); err != nil {
		return nil, fmt.Errorf("init queue schema: %w", err)
	}
	return &Queue{conn: conn}, nil
}

const queueSchema = `
CREATE TABLE IF NOT EXISTS queued_messages (
	id TEXT PRIMARY KEY,
	target_id TEXT NOT NULL,
	sender_id TEXT,
	sender_name TEXT,
	text TEXT NOT NULL,
	mode TEXT NOT NULL,
	queued_at TEXT NOT NULL,
	timeout_at TEXT,
	delivered_at TEXT,
	notify_on_delivery INTEGER NOT NULL DEFAULT 0,
	notify_after_seconds INTEGER,
	notify_on_stop INTEGER NOT NULL DEFAULT 0,
	remind_soft_threshold_s INTEGER,
	remind_hard_threshold_s INTEGER,
	parent_session_id TEXT,
	category TEXT
);
CREATE INDEX IF NOT EXISTS idx_queued_messages_target ON queued_messages(target_id, queued_at);
`

// Insert persists a new queued message.
func (q *Queue) Insert(m *QueuedMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var timeoutAt, deliveredAt interface{}
	if m.TimeoutAt != nil {
		timeoutAt = m.TimeoutAt.Format(timeLayout)
	}
	if m.DeliveredAt != nil {
		deliveredAt = m.DeliveredAt.Format(timeLayout)
	}

	_, err := q.conn.Exec(`
		INSERT INTO queued_messages (
			id, target_id, sender_id, sender_name, text, mode, queued_at,
			timeout_at, delivered_at, notify_on_delivery, notify_after_seconds,
			notify_on_stop, remind_soft_threshold_s, remind_hard_threshold_s,
			parent_session_id, category
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TargetID, nullableStr(m.SenderID), nullableStr(m.SenderName), m.Text, string(m.Mode),
		m.QueuedAt.Format(timeLayout), timeoutAt, deliveredAt,
		boolToInt(m.NotifyOnDelivery), intPtrToAny(m.NotifyAfterSeconds),
		boolToInt(m.NotifyOnStop), intPtrToAny(m.RemindSoftThresholdS), intPtrToAny(m.RemindHardThresholdS),
		nullableStr(m.ParentSessionID), nullableStr(m.Category),
	)
	if err != nil {
		return fmt.Errorf("insert queued message: %w", err)
	}
	return nil
}

// ListPending returns undelivered messages for target in FIFO (queued_at, id)
// order. Rows whose timeout_at has passed are deleted first, never delivered.
func (q *Queue) ListPending(target string) ([]*QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.conn.Exec(`
		DELETE FROM queued_messages
		WHERE target_id = ? AND delivered_at IS NULL
		  AND timeout_at IS NOT NULL AND timeout_at < ?`,
		target, time.Now().Format(timeLayout)); err != nil {
		return nil, fmt.Errorf("expire pending messages: %w", err)
	}

	var rows []queueRow
	err := q.conn.Select(&rows, `
		SELECT id, target_id, sender_id, sender_name, text, mode, queued_at,
		       timeout_at, delivered_at, notify_on_delivery, notify_after_seconds,
		       notify_on_stop, remind_soft_threshold_s, remind_hard_threshold_s,
		       parent_session_id, category
		FROM queued_messages
		WHERE target_id = ? AND delivered_at IS NULL
		ORDER BY queued_at ASC, id ASC`, target)
	if err != nil {
		return nil, fmt.Errorf("list pending messages: %w", err)
	}
	out := make([]*QueuedMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toMessage())
	}
	return out, nil
}

// MarkDelivered stamps delivered_at for each id.
func (q *Queue) MarkDelivered(ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	query, args, err := sqlx.In(`UPDATE queued_messages SET delivered_at = ? WHERE id IN (?)`, at.Format(timeLayout), ids)
	if err != nil {
		return fmt.Errorf("build mark-delivered query: %w", err)
	}
	query = q.conn.Rebind(query)
	if _, err := q.conn.Exec(query, args...); err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

// CancelCategory deletes undelivered messages from senderID tagged with category.
func (q *Queue) CancelCategory(senderID, category string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.conn.Exec(`
		DELETE FROM queued_messages
		WHERE sender_id = ? AND category = ? AND delivered_at IS NULL`, senderID, category)
	if err != nil {
		return 0, fmt.Errorf("cancel category: %w", err)
	}
	return res.RowsAffected()
}

// DeleteForTarget removes all pending rows for a target (used during
// persistent recovery when the target no longer exists in the registry).
func (q *Queue) DeleteForTarget(target string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, err := q.conn.Exec(`DELETE FROM queued_messages WHERE target_id = ? AND delivered_at IS NULL`, target)
	if err != nil {
		return fmt.Errorf("delete pending for target: %w", err)
	}
	return nil
}

// DistinctPendingTargets returns target ids with at least one undelivered message.
func (q *Queue) DistinctPendingTargets() ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var targets []string
	err := q.conn.Select(&targets, `SELECT DISTINCT target_id FROM queued_messages WHERE delivered_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("list pending targets: %w", err)
	}
	return targets, nil
}

// HasReminderPrefix reports whether any undelivered message for target
// starts with prefix (used by the scheduler's soft-remind dedup rule).
func (q *Queue) HasReminderPrefix(target, prefix string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var count int
	query := fmt.Sprintf(`
		SELECT COUNT(*) FROM queued_messages
		WHERE target_id = ? AND delivered_at IS NULL AND text %s ? || '%%'`, dialect.Like(q.conn.DriverName()))
	err := q.conn.Get(&count, query, target, prefix)
	if err != nil {
		return false, fmt.Errorf("check reminder prefix: %w", err)
	}
	return count > 0, nil
}

// Close closes the underlying connection.
func (q *Queue) Close() error {
	return q.conn.Close()
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

func intPtrToAny(p *int) interface{} {
	if p == nil {
		return nil
	}
	return *p
}
