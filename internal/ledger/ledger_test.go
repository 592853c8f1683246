package ledger

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/orchestrator/internal/common/logger"
)

func openTestLedger(t *testing.T, path string) *Ledger {
	t.Helper()
	l, err := Open(path, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

// TestRequestExpiryThenIdempotentResolve registers a request with a short
// timeout and a decline policy, waits past expiry, confirms the policy
// payload resolved the waiter, then confirms a later explicit resolve is a
// no-op idempotent replay.
func TestRequestExpiryThenIdempotentResolve(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	l := openTestLedger(t, path)

	policy := json.RawMessage(`{"decision":"decline"}`)
	req, err := l.Register("sess-1", "rpc-1", "applyPatch", json.RawMessage(`{}`), IDs{ThreadID: "thr-1", TurnID: "turn-1", ItemID: "item-1"}, "approval", 50*time.Millisecond, policy)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resolved := l.WaitForResolution(ctx, req.RequestID)
	require.JSONEq(t, `{"decision":"decline"}`, string(resolved))

	result, err := l.Resolve(req.RequestID, json.RawMessage(`{"decision":"accept"}`), "api", "", "", false)
	require.NoError(t, err)
	require.True(t, result.OK)
	require.True(t, result.Idempotent)
	require.JSONEq(t, `{"decision":"decline"}`, string(result.Request.ResolvedPayload))

	// The correlation ids round-trip through the stored row.
	require.Equal(t, "thr-1", result.Request.ThreadID)
	require.Equal(t, "turn-1", result.Request.TurnID)
	require.Equal(t, "item-1", result.Request.ItemID)
}

func TestResolveMissingRequestNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	l := openTestLedger(t, path)

	result, err := l.Resolve("does-not-exist", json.RawMessage(`{}`), "api", "", "", false)
	require.NoError(t, err)
	require.False(t, result.OK)
	require.Equal(t, "request_not_found", result.ErrorCode)
}

func TestResolvePendingUnblocksWaiter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	l := openTestLedger(t, path)

	req, err := l.Register("sess-1", "rpc-1", "requestUserInput", nil, IDs{}, "user_input", time.Minute, nil)
	require.NoError(t, err)

	done := make(chan json.RawMessage, 1)
	go func() {
		done <- l.WaitForResolution(context.Background(), req.RequestID)
	}()

	time.Sleep(20 * time.Millisecond)
	result, err := l.Resolve(req.RequestID, json.RawMessage(`{"text":"go ahead"}`), "api", "", "", false)
	require.NoError(t, err)
	require.True(t, result.OK)
	require.False(t, result.Idempotent)

	select {
	case payload := <-done:
		require.JSONEq(t, `{"text":"go ahead"}`, string(payload))
	case <-time.After(time.Second):
		t.Fatal("waiter was not unblocked")
	}
}

func TestOrphanPendingForSessionUnblocksWithNil(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	l := openTestLedger(t, path)

	req, err := l.Register("sess-2", "rpc-2", "applyPatch", nil, IDs{}, "approval", time.Minute, nil)
	require.NoError(t, err)

	done := make(chan json.RawMessage, 1)
	go func() {
		done <- l.WaitForResolution(context.Background(), req.RequestID)
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, l.OrphanPendingForSession("sess-2", "session_closed"))

	select {
	case payload := <-done:
		require.Nil(t, payload)
	case <-time.After(time.Second):
		t.Fatal("waiter was not unblocked by orphan")
	}

	result, err := l.Resolve(req.RequestID, json.RawMessage(`{}`), "api", "", "", false)
	require.NoError(t, err)
	require.False(t, result.OK)
	require.Equal(t, "request_unavailable", result.ErrorCode)
}

// TestServerRestartOrphansPreviousGeneration confirms that rows from a
// previous process generation still pending or expired transition to
// orphaned with error_code=server_restarted on reopen.
func TestServerRestartOrphansPreviousGeneration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	l1 := openTestLedger(t, path)
	req, err := l1.Register("sess-3", "rpc-3", "applyPatch", nil, IDs{ThreadID: "thr-3"}, "approval", time.Hour, nil)
	require.NoError(t, err)
	require.NoError(t, l1.Close())

	l2 := openTestLedger(t, path)

	var row requestRow
	require.NoError(t, l2.conn.Get(&row, `SELECT * FROM ledger_requests WHERE request_id = ?`, req.RequestID))
	require.Equal(t, string(StatusOrphaned), row.Status)
	require.Equal(t, "server_restarted", row.ErrorCode.String)

	result, err := l2.Resolve(req.RequestID, json.RawMessage(`{}`), "api", "", "", false)
	require.NoError(t, err)
	require.False(t, result.OK)
	require.Equal(t, "request_unavailable", result.ErrorCode)
}
