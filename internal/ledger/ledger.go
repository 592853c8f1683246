// Package ledger implements the Request Ledger: structured
// requests the RPC adapter's co-process asked the orchestrator to resolve
// (approvals, user-input prompts), with a policy-backed timeout path and
// idempotent resolution.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/logger"
	db "github.com/kandev/orchestrator/internal/db"
)

// Status is the lifecycle state of a ledger row.
type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
	StatusExpired  Status = "expired"
	StatusOrphaned Status = "orphaned"
)

// IDs carries the thread/turn/item correlation identifiers a structured
// request originated from, so a pending approval can be traced back to the
// exact turn and item that raised it.
type IDs struct {
	ThreadID string
	TurnID   string
	ItemID   string
}

// Request is one row in the ledger.
type Request struct {
	RequestID       string          `json:"request_id"`
	SessionID       string          `json:"session_id"`
	RPCRequestID    string          `json:"rpc_request_id"`
	ThreadID        string          `json:"thread_id,omitempty"`
	TurnID          string          `json:"turn_id,omitempty"`
	ItemID          string          `json:"item_id,omitempty"`
	Method          string          `json:"method"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	RequestType     string          `json:"request_type"`
	Status          Status          `json:"status"`
	ResolvedPayload json.RawMessage `json:"resolved_payload,omitempty"`
	Source          string          `json:"source,omitempty"`
	ErrorCode       string          `json:"error_code,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ProcessGen      string          `json:"process_generation"`
	RequestedAt     time.Time       `json:"requested_at"`
	ExpiresAt       time.Time       `json:"expires_at"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
}

// ResolveResult is the outcome of a Resolve call.
type ResolveResult struct {
	OK         bool
	Idempotent bool
	ErrorCode  string
	Request    *Request
}

type waiter struct {
	ch     chan json.RawMessage
	cancel context.CancelFunc
}

// Ledger is the sqlite-backed request ledger.
type Ledger struct {
	mu       sync.Mutex
	conn     *sqlx.DB
	log      *logger.Logger
	gen      string
	waiters  map[string]*waiter
	policies map[string]json.RawMessage // per-request policy payload, for timeout resolution
}

// Open creates (if needed) and opens the ledger database at path, then
// sweeps rows from a previous process generation into orphaned.
func Open(path string, log *logger.Logger) (*Ledger, error) {
	sqlDB, err := db.OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	conn := sqlx.NewDb(sqlDB, "sqlite3")
	if _, err := conn.Exec(schema); err != nil {
		return nil, fmt.Errorf("init ledger schema: %w", err)
	}
	l := &Ledger{
		conn:     conn,
		log:      log.WithFields(zap.String("component", "ledger")),
		gen:      uuid.New().String(),
		waiters:  make(map[string]*waiter),
		policies: make(map[string]json.RawMessage),
	}
	if err := l.sweepPreviousGeneration(); err != nil {
		return nil, err
	}
	return l, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS ledger_requests (
	request_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	rpc_request_id TEXT NOT NULL,
	thread_id TEXT,
	turn_id TEXT,
	item_id TEXT,
	method TEXT NOT NULL,
	payload TEXT,
	request_type TEXT NOT NULL,
	status TEXT NOT NULL,
	resolved_payload TEXT,
	source TEXT,
	error_code TEXT,
	error_message TEXT,
	process_generation TEXT NOT NULL,
	requested_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	resolved_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_ledger_requests_session ON ledger_requests(session_id, status);
`

func (l *Ledger) sweepPreviousGeneration() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.conn.Exec(`
		UPDATE ledger_requests SET status = ?, error_code = ?, resolved_at = ?
		WHERE process_generation != ? AND status IN (?, ?)`,
		StatusOrphaned, "server_restarted", time.Now().Format(time.RFC3339Nano), l.gen, StatusPending, StatusExpired)
	if err != nil {
		return fmt.Errorf("sweep previous generation: %w", err)
	}
	return nil
}

// Register persists a new pending request and schedules its policy timeout.
func (l *Ledger) Register(sessionID, rpcRequestID, method string, payload json.RawMessage, ids IDs, requestType string, timeout time.Duration, policyPayload json.RawMessage) (*Request, error) {
	now := time.Now()
	req := &Request{
		RequestID:    uuid.New().String(),
		SessionID:    sessionID,
		RPCRequestID: rpcRequestID,
		ThreadID:     ids.ThreadID,
		TurnID:       ids.TurnID,
		ItemID:       ids.ItemID,
		Method:       method,
		Payload:      payload,
		RequestType:  requestType,
		Status:       StatusPending,
		ProcessGen:   l.gen,
		RequestedAt:  now,
		ExpiresAt:    now.Add(timeout),
	}

	l.mu.Lock()
	_, err := l.conn.Exec(`
		INSERT INTO ledger_requests (
			request_id, session_id, rpc_request_id, thread_id, turn_id, item_id,
			method, payload, request_type,
			status, process_generation, requested_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.RequestID, req.SessionID, req.RPCRequestID,
		nullableStr(req.ThreadID), nullableStr(req.TurnID), nullableStr(req.ItemID),
		req.Method, string(req.Payload), req.RequestType,
		string(req.Status), req.ProcessGen, req.RequestedAt.Format(time.RFC3339Nano), req.ExpiresAt.Format(time.RFC3339Nano))
	if err != nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("insert ledger request: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.waiters[req.RequestID] = &waiter{ch: make(chan json.RawMessage, 1), cancel: cancel}
	l.policies[req.RequestID] = policyPayload
	l.mu.Unlock()

	go l.runTimeout(ctx, req.RequestID, timeout, policyPayload)

	return req, nil
}

func (l *Ledger) runTimeout(ctx context.Context, requestID string, timeout time.Duration, policyPayload json.RawMessage) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return
	case <-t.C:
		l.mu.Lock()
		_, err := l.conn.Exec(`UPDATE ledger_requests SET status = ? WHERE request_id = ? AND status = ?`,
			StatusExpired, requestID, StatusPending)
		l.mu.Unlock()
		if err != nil {
			l.log.Warn("failed to expire ledger request", zap.String("request_id", requestID), zap.Error(err))
		}
		if _, err := l.Resolve(requestID, policyPayload, "policy", "request_expired", "", true); err != nil {
			l.log.Warn("policy resolution failed", zap.String("request_id", requestID), zap.Error(err))
		}
	}
}

// WaitForResolution blocks until Resolve completes the request, or returns
// nil if the request was orphaned.
func (l *Ledger) WaitForResolution(ctx context.Context, requestID string) json.RawMessage {
	l.mu.Lock()
	w, ok := l.waiters[requestID]
	l.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case payload := <-w.ch:
		return payload
	case <-ctx.Done():
		return nil
	}
}

// Resolve completes a pending (or timed-out, with allowExpired) request.
// Idempotent: resolving an already-resolved request returns the stored
// payload without mutation.
func (l *Ledger) Resolve(requestID string, payload json.RawMessage, source, errorCode, errorMessage string, allowExpired bool) (ResolveResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var row requestRow
	err := l.conn.Get(&row, `SELECT * FROM ledger_requests WHERE request_id = ?`, requestID)
	if err != nil {
		if err == sql.ErrNoRows {
			return ResolveResult{OK: false, ErrorCode: "request_not_found"}, nil
		}
		return ResolveResult{}, fmt.Errorf("load ledger request: %w", err)
	}

	switch Status(row.Status) {
	case StatusResolved:
		req := row.toRequest()
		return ResolveResult{OK: true, Idempotent: true, Request: &req}, nil
	case StatusPending:
	case StatusExpired:
		if !allowExpired {
			return ResolveResult{OK: false, ErrorCode: "request_unavailable"}, nil
		}
	default:
		return ResolveResult{OK: false, ErrorCode: "request_unavailable"}, nil
	}

	now := time.Now()
	_, err = l.conn.Exec(`
		UPDATE ledger_requests
		SET status = ?, resolved_payload = ?, source = ?, error_code = ?, error_message = ?, resolved_at = ?
		WHERE request_id = ?`,
		StatusResolved, string(payload), source, nullableStr(errorCode), nullableStr(errorMessage), now.Format(time.RFC3339Nano), requestID)
	if err != nil {
		return ResolveResult{}, fmt.Errorf("resolve ledger request: %w", err)
	}

	if w, ok := l.waiters[requestID]; ok {
		w.ch <- payload
		w.cancel()
		delete(l.waiters, requestID)
	}
	delete(l.policies, requestID)

	row.Status = string(StatusResolved)
	row.ResolvedPayload = sql.NullString{String: string(payload), Valid: true}
	row.Source = sql.NullString{String: source, Valid: source != ""}
	resolved := row.toRequest()
	return ResolveResult{OK: true, Request: &resolved}, nil
}

// OrphanPendingForSession marks all pending/expired rows for a session
// orphaned and unblocks their waiters with nil (adapter death, session kill).
func (l *Ledger) OrphanPendingForSession(sessionID, errorCode string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var ids []string
	if err := l.conn.Select(&ids, `
		SELECT request_id FROM ledger_requests WHERE session_id = ? AND status IN (?, ?)`,
		sessionID, StatusPending, StatusExpired); err != nil {
		return fmt.Errorf("select pending requests for session: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	query, args, err := sqlx.In(`
		UPDATE ledger_requests SET status = ?, error_code = ?, resolved_at = ? WHERE request_id IN (?)`,
		StatusOrphaned, errorCode, time.Now().Format(time.RFC3339Nano), ids)
	if err != nil {
		return fmt.Errorf("build orphan query: %w", err)
	}
	query = l.conn.Rebind(query)
	if _, err := l.conn.Exec(query, args...); err != nil {
		return fmt.Errorf("orphan pending requests: %w", err)
	}

	for _, id := range ids {
		if w, ok := l.waiters[id]; ok {
			w.ch <- nil
			w.cancel()
			delete(l.waiters, id)
		}
		delete(l.policies, id)
	}
	return nil
}

// Close closes the underlying connection.
func (l *Ledger) Close() error {
	return l.conn.Close()
}

func nullableStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

type requestRow struct {
	RequestID       string         `db:"request_id"`
	SessionID       string         `db:"session_id"`
	RPCRequestID    string         `db:"rpc_request_id"`
	ThreadID        sql.NullString `db:"thread_id"`
	TurnID          sql.NullString `db:"turn_id"`
	ItemID          sql.NullString `db:"item_id"`
	Method          string         `db:"method"`
	Payload         sql.NullString `db:"payload"`
	RequestType     string         `db:"request_type"`
	Status          string         `db:"status"`
	ResolvedPayload sql.NullString `db:"resolved_payload"`
	Source          sql.NullString `db:"source"`
	ErrorCode       sql.NullString `db:"error_code"`
	ErrorMessage    sql.NullString `db:"error_message"`
	ProcessGen      string         `db:"process_generation"`
	RequestedAt     string         `db:"requested_at"`
	ExpiresAt       string         `db:"expires_at"`
	ResolvedAt      sql.NullString `db:"resolved_at"`
}

func (r requestRow) toRequest() Request {
	req := Request{
		RequestID:    r.RequestID,
		SessionID:    r.SessionID,
		RPCRequestID: r.RPCRequestID,
		ThreadID:     r.ThreadID.String,
		TurnID:       r.TurnID.String,
		ItemID:       r.ItemID.String,
		Method:       r.Method,
		RequestType:  r.RequestType,
		Status:       Status(r.Status),
		Source:       r.Source.String,
		ErrorCode:    r.ErrorCode.String,
		ErrorMessage: r.ErrorMessage.String,
		ProcessGen:   r.ProcessGen,
	}
	if r.Payload.Valid {
		req.Payload = json.RawMessage(r.Payload.String)
	}
	if r.ResolvedPayload.Valid {
		req.ResolvedPayload = json.RawMessage(r.ResolvedPayload.String)
	}
	if t, err := time.Parse(time.RFC3339Nano, r.RequestedAt); err == nil {
		req.RequestedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, r.ExpiresAt); err == nil {
		req.ExpiresAt = t
	}
	if r.ResolvedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, r.ResolvedAt.String); err == nil {
			req.ResolvedAt = &t
		}
	}
	return req
}
