package observability

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/orchestrator/internal/common/logger"
)

func openTestLogger(t *testing.T, retention Retention) *Logger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "observability.db")
	l, err := Open(path, retention, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLogToolEventAndListRecent(t *testing.T) {
	l := openTestLogger(t, Retention{})

	require.NoError(t, l.LogToolEvent(ToolEvent{
		SessionID: "sess-1", ThreadID: "thr-1", ItemID: "item-1",
		ToolName: "Bash", Phase: "pre", Command: "ls", Provider: "claude-code",
	}, json.RawMessage(`{"command":"ls"}`)))

	exit := 0
	latency := int64(42)
	require.NoError(t, l.LogToolEvent(ToolEvent{
		SessionID: "sess-1", ThreadID: "thr-1", ItemID: "item-1",
		ToolName: "Bash", Phase: "post", Command: "ls",
		ExitCode: &exit, DurationMs: &latency, Status: "completed", Provider: "claude-code",
	}, json.RawMessage(`{"exit_code":0}`)))

	rows, err := l.ListRecentToolEvents("sess-1", 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "pre", rows[0].Phase)
	require.Equal(t, "post", rows[1].Phase)
	require.Contains(t, rows[0].RawPreview, "ls")

	// The structured columns are queryable, not buried in the preview blob.
	require.Equal(t, "thr-1", rows[1].ThreadID)
	require.Equal(t, "item-1", rows[1].ItemID)
	require.Equal(t, "ls", rows[1].Command)
	require.NotNil(t, rows[1].ExitCode)
	require.Equal(t, 0, *rows[1].ExitCode)
	require.NotNil(t, rows[1].DurationMs)
	require.EqualValues(t, 42, *rows[1].DurationMs)
	require.Equal(t, "completed", rows[1].Status)
	require.Equal(t, schemaVersion, rows[1].SchemaVersion)
}

func TestLogTurnEventAndListRecent(t *testing.T) {
	l := openTestLogger(t, Retention{})

	require.NoError(t, l.LogTurnEvent(TurnEvent{
		SessionID: "sess-1", ThreadID: "thr-1", TurnID: "turn-1", Kind: "started", Provider: "codex-fork",
	}, nil))
	require.NoError(t, l.LogTurnEvent(TurnEvent{
		SessionID: "sess-1", ThreadID: "thr-1", TurnID: "turn-1", Kind: "completed", Status: "ok", Provider: "codex-fork",
	}, nil))

	rows, err := l.ListRecentTurnEvents("sess-1", 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "completed", rows[1].Kind)
	require.Equal(t, "ok", rows[1].Status)
	require.Equal(t, "thr-1", rows[1].ThreadID)
}

func TestPreviewTruncatesOversizedPayloads(t *testing.T) {
	l := openTestLogger(t, Retention{})

	big := make([]byte, maxRawPreviewBytes+500)
	for i := range big {
		big[i] = 'a'
	}
	raw, err := json.Marshal(map[string]string{"data": string(big)})
	require.NoError(t, err)

	require.NoError(t, l.LogToolEvent(ToolEvent{
		SessionID: "sess-1", ToolName: "Write", Phase: "pre", Provider: "claude-code",
	}, raw))

	rows, err := l.ListRecentToolEvents("sess-1", 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	var envelope struct {
		Truncated     bool   `json:"truncated"`
		Preview       string `json:"preview"`
		OriginalChars int    `json:"original_chars"`
	}
	require.NoError(t, json.Unmarshal([]byte(rows[0].RawPreview), &envelope))
	require.True(t, envelope.Truncated)
	require.Equal(t, len(raw), envelope.OriginalChars)
}

func TestPrunePerSessionRowCap(t *testing.T) {
	l := openTestLogger(t, Retention{MaxRowsPerSession: 3})

	for i := 0; i < 5; i++ {
		require.NoError(t, l.LogToolEvent(ToolEvent{
			SessionID: "sess-1", ToolName: "Bash", Phase: "pre", Provider: "claude-code",
		}, nil))
	}
	l.Prune()

	rows, err := l.ListRecentToolEvents("sess-1", 100)
	require.NoError(t, err)
	require.Len(t, rows, 3)
}

func TestPruneAgeRetentionDistinguishesCodexForkProvider(t *testing.T) {
	l := openTestLogger(t, Retention{MaxAgeDays: 1, MaxAgeDaysCodexFork: 30})

	old := time.Now().AddDate(0, 0, -5).Format(time.RFC3339Nano)
	_, err := l.conn.Exec(`
		INSERT INTO tool_events (session_id, tool_name, phase, provider, raw_preview, schema_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		"sess-1", "Bash", "pre", "claude-code", "", schemaVersion, old)
	require.NoError(t, err)
	_, err = l.conn.Exec(`
		INSERT INTO tool_events (session_id, tool_name, phase, provider, raw_preview, schema_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		"sess-1", "exec", "pre", "codex-fork", "", schemaVersion, old)
	require.NoError(t, err)

	l.Prune()

	rows, err := l.ListRecentToolEvents("sess-1", 100)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "codex-fork", rows[0].Provider)
}
