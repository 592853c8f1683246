package scheduler

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	db "github.com/kandev/orchestrator/internal/db"
)

// Store is the sqlite-backed persistence for the scheduler's three
// registration kinds: one-shot reminders, periodic reminds, and parent
// wakes. Rows survive a restart; Recover re-arms them. Single connection,
// single mutex, WAL mode, matching the other stores.
type Store struct {
	mu   sync.Mutex
	conn *sqlx.DB
}

// OpenStore creates (if needed) and opens the scheduler database at path.
func OpenStore(path string) (*Store, error) {
	sqlDB, err := db.OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open scheduler db: %w", err)
	}
	conn := sqlx.NewDb(sqlDB, "sqlite3")
	if _, err := conn.Exec(storeSchema); err != nil {
		return nil, fmt.Errorf("init scheduler schema: %w", err)
	}
	return &Store{conn: conn}, nil
}

const storeSchema = `
CREATE TABLE IF NOT EXISTS scheduled_reminders (
	id TEXT PRIMARY KEY,
	target_id TEXT NOT NULL,
	message TEXT NOT NULL,
	fire_at TEXT NOT NULL,
	fired INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_scheduled_reminders_target ON scheduled_reminders(target_id, fired);

CREATE TABLE IF NOT EXISTS periodic_reminds (
	target_id TEXT PRIMARY KEY,
	soft_s REAL NOT NULL,
	hard_s REAL NOT NULL,
	registered_at TEXT NOT NULL,
	last_reset_at TEXT NOT NULL,
	soft_fired INTEGER NOT NULL DEFAULT 0,
	is_active INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS parent_wakes (
	child_id TEXT PRIMARY KEY,
	parent_id TEXT NOT NULL,
	period_s REAL NOT NULL,
	registered_at TEXT NOT NULL,
	last_wake_at TEXT,
	last_status_at_prev_wake TEXT,
	escalated INTEGER NOT NULL DEFAULT 0,
	is_active INTEGER NOT NULL DEFAULT 1
);
`

const storeTimeLayout = time.RFC3339Nano

// ScheduledReminder is one persisted one-shot reminder row.
type ScheduledReminder struct {
	ID       string
	TargetID string
	Message  string
	FireAt   time.Time
	Fired    bool
}

// PeriodicRemindRow is one persisted periodic-remind registration.
type PeriodicRemindRow struct {
	TargetID    string
	Soft        time.Duration
	Hard        time.Duration
	LastResetAt time.Time
	SoftFired   bool
}

// ParentWakeRow is one persisted parent-wake registration.
type ParentWakeRow struct {
	ChildID              string
	ParentID             string
	Period               time.Duration
	LastWakeAt           *time.Time
	LastStatusAtPrevWake *time.Time
	Escalated            bool
}

// InsertReminder persists a new unfired one-shot reminder.
func (s *Store) InsertReminder(id, target, message string, fireAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(`
		INSERT INTO scheduled_reminders (id, target_id, message, fire_at, fired)
		VALUES (?, ?, ?, ?, 0)`,
		id, target, message, fireAt.Format(storeTimeLayout))
	if err != nil {
		return fmt.Errorf("insert scheduled reminder: %w", err)
	}
	return nil
}

// MarkReminderFired stamps a one-shot reminder delivered.
func (s *Store) MarkReminderFired(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(`UPDATE scheduled_reminders SET fired = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark reminder fired: %w", err)
	}
	return nil
}

// IsReminderPending reports whether the reminder row still exists unfired.
// The one-shot timer consults this before queueing, so deleting the row is
// how a pending reminder is cancelled.
func (s *Store) IsReminderPending(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int
	if err := s.conn.Get(&count, `SELECT COUNT(*) FROM scheduled_reminders WHERE id = ? AND fired = 0`, id); err != nil {
		return false, fmt.Errorf("check reminder pending: %w", err)
	}
	return count > 0, nil
}

// DeleteRemindersForTarget drops unfired one-shot reminders for a target
// (session kill or clear).
func (s *Store) DeleteRemindersForTarget(target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(`DELETE FROM scheduled_reminders WHERE target_id = ? AND fired = 0`, target)
	if err != nil {
		return fmt.Errorf("delete reminders for target: %w", err)
	}
	return nil
}

// ListUnfiredReminders returns every reminder not yet delivered, for the
// startup re-arm sweep.
func (s *Store) ListUnfiredReminders() ([]ScheduledReminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []struct {
		ID       string `db:"id"`
		TargetID string `db:"target_id"`
		Message  string `db:"message"`
		FireAt   string `db:"fire_at"`
	}
	err := s.conn.Select(&rows, `
		SELECT id, target_id, message, fire_at FROM scheduled_reminders
		WHERE fired = 0 ORDER BY fire_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list unfired reminders: %w", err)
	}
	out := make([]ScheduledReminder, 0, len(rows))
	for _, r := range rows {
		rec := ScheduledReminder{ID: r.ID, TargetID: r.TargetID, Message: r.Message}
		if t, err := time.Parse(storeTimeLayout, r.FireAt); err == nil {
			rec.FireAt = t
		}
		out = append(out, rec)
	}
	return out, nil
}

// UpsertPeriodicRemind persists (replacing any prior registration for the
// target, per the one-active-per-target rule) a periodic remind.
func (s *Store) UpsertPeriodicRemind(target string, soft, hard time.Duration, registeredAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(`
		INSERT INTO periodic_reminds (target_id, soft_s, hard_s, registered_at, last_reset_at, soft_fired, is_active)
		VALUES (?, ?, ?, ?, ?, 0, 1)
		ON CONFLICT(target_id) DO UPDATE SET
			soft_s = excluded.soft_s,
			hard_s = excluded.hard_s,
			registered_at = excluded.registered_at,
			last_reset_at = excluded.last_reset_at,
			soft_fired = 0,
			is_active = 1`,
		target, soft.Seconds(), hard.Seconds(),
		registeredAt.Format(storeTimeLayout), registeredAt.Format(storeTimeLayout))
	if err != nil {
		return fmt.Errorf("upsert periodic remind: %w", err)
	}
	return nil
}

// UpdateRemindCycle persists a cycle transition (soft fire, hard reset, or
// agent-status reset).
func (s *Store) UpdateRemindCycle(target string, lastResetAt time.Time, softFired bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fired := 0
	if softFired {
		fired = 1
	}
	_, err := s.conn.Exec(`
		UPDATE periodic_reminds SET last_reset_at = ?, soft_fired = ? WHERE target_id = ?`,
		lastResetAt.Format(storeTimeLayout), fired, target)
	if err != nil {
		return fmt.Errorf("update remind cycle: %w", err)
	}
	return nil
}

// DeactivatePeriodicRemind marks the target's registration inactive.
func (s *Store) DeactivatePeriodicRemind(target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(`UPDATE periodic_reminds SET is_active = 0 WHERE target_id = ?`, target)
	if err != nil {
		return fmt.Errorf("deactivate periodic remind: %w", err)
	}
	return nil
}

// ListActivePeriodicReminds returns active registrations for the startup sweep.
func (s *Store) ListActivePeriodicReminds() ([]PeriodicRemindRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []struct {
		TargetID    string  `db:"target_id"`
		SoftS       float64 `db:"soft_s"`
		HardS       float64 `db:"hard_s"`
		LastResetAt string  `db:"last_reset_at"`
		SoftFired   int     `db:"soft_fired"`
	}
	err := s.conn.Select(&rows, `
		SELECT target_id, soft_s, hard_s, last_reset_at, soft_fired
		FROM periodic_reminds WHERE is_active = 1`)
	if err != nil {
		return nil, fmt.Errorf("list active periodic reminds: %w", err)
	}
	out := make([]PeriodicRemindRow, 0, len(rows))
	for _, r := range rows {
		rec := PeriodicRemindRow{
			TargetID:  r.TargetID,
			Soft:      time.Duration(r.SoftS * float64(time.Second)),
			Hard:      time.Duration(r.HardS * float64(time.Second)),
			SoftFired: r.SoftFired != 0,
		}
		if t, err := time.Parse(storeTimeLayout, r.LastResetAt); err == nil {
			rec.LastResetAt = t
		}
		out = append(out, rec)
	}
	return out, nil
}

// UpsertParentWake persists (replacing any prior registration for the
// child) a parent-wake registration.
func (s *Store) UpsertParentWake(child, parent string, period time.Duration, registeredAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(`
		INSERT INTO parent_wakes (child_id, parent_id, period_s, registered_at, escalated, is_active)
		VALUES (?, ?, ?, ?, 0, 1)
		ON CONFLICT(child_id) DO UPDATE SET
			parent_id = excluded.parent_id,
			period_s = excluded.period_s,
			registered_at = excluded.registered_at,
			last_wake_at = NULL,
			last_status_at_prev_wake = NULL,
			escalated = 0,
			is_active = 1`,
		child, parent, period.Seconds(), registeredAt.Format(storeTimeLayout))
	if err != nil {
		return fmt.Errorf("upsert parent wake: %w", err)
	}
	return nil
}

// UpdateParentWakeProgress persists per-wake bookkeeping: the wake
// timestamp, the child status timestamp observed, and any escalation.
func (s *Store) UpdateParentWakeProgress(child string, lastWakeAt, lastStatusAt time.Time, escalated bool, period time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	esc := 0
	if escalated {
		esc = 1
	}
	var statusAt interface{}
	if !lastStatusAt.IsZero() {
		statusAt = lastStatusAt.Format(storeTimeLayout)
	}
	_, err := s.conn.Exec(`
		UPDATE parent_wakes
		SET last_wake_at = ?, last_status_at_prev_wake = ?, escalated = ?, period_s = ?
		WHERE child_id = ?`,
		lastWakeAt.Format(storeTimeLayout), statusAt, esc, period.Seconds(), child)
	if err != nil {
		return fmt.Errorf("update parent wake progress: %w", err)
	}
	return nil
}

// DeactivateParentWake marks the child's registration inactive.
func (s *Store) DeactivateParentWake(child string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(`UPDATE parent_wakes SET is_active = 0 WHERE child_id = ?`, child)
	if err != nil {
		return fmt.Errorf("deactivate parent wake: %w", err)
	}
	return nil
}

// ListActiveParentWakes returns active registrations for the startup sweep.
func (s *Store) ListActiveParentWakes() ([]ParentWakeRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []struct {
		ChildID              string         `db:"child_id"`
		ParentID             string         `db:"parent_id"`
		PeriodS              float64        `db:"period_s"`
		LastWakeAt           sql.NullString `db:"last_wake_at"`
		LastStatusAtPrevWake sql.NullString `db:"last_status_at_prev_wake"`
		Escalated            int            `db:"escalated"`
	}
	err := s.conn.Select(&rows, `
		SELECT child_id, parent_id, period_s, last_wake_at, last_status_at_prev_wake, escalated
		FROM parent_wakes WHERE is_active = 1`)
	if err != nil {
		return nil, fmt.Errorf("list active parent wakes: %w", err)
	}
	out := make([]ParentWakeRow, 0, len(rows))
	for _, r := range rows {
		rec := ParentWakeRow{
			ChildID:   r.ChildID,
			ParentID:  r.ParentID,
			Period:    time.Duration(r.PeriodS * float64(time.Second)),
			Escalated: r.Escalated != 0,
		}
		if r.LastWakeAt.Valid {
			if t, err := time.Parse(storeTimeLayout, r.LastWakeAt.String); err == nil {
				rec.LastWakeAt = &t
			}
		}
		if r.LastStatusAtPrevWake.Valid {
			if t, err := time.Parse(storeTimeLayout, r.LastStatusAtPrevWake.String); err == nil {
				rec.LastStatusAtPrevWake = &t
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.conn.Close()
}
