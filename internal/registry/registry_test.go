package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/orchestrator/internal/common/logger"
)

func openTestRegistry(t *testing.T, statePath string) *Registry {
	t.Helper()
	r := New(statePath, nil, logger.Default())
	require.NoError(t, r.Load())
	return r
}

func TestCreateSessionPersistsAndSurvivesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	r := openTestRegistry(t, path)

	s, err := r.CreateSession(CreateSessionParams{
		Name:       "agent-1",
		WorkingDir: "/work/agent-1",
		Kind:       KindTerminal,
		ChatID:     "chat-1",
		ThreadID:   "thread-1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, s.ID)
	assert.Equal(t, StatusRunning, s.Status)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), s.ID)

	reopened := New(path, nil, logger.Default())
	reopened.SetPTYChecker(func(string) bool { return true })
	require.NoError(t, reopened.Load())

	got, err := reopened.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.Name, got.Name)
	assert.Equal(t, s.WorkingDir, got.WorkingDir)
}

func TestCreateSessionRejectsInvalidKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	r := openTestRegistry(t, path)

	_, err := r.CreateSession(CreateSessionParams{Name: "bad", Kind: AdapterKind("smoke-signal")})
	require.ErrorIs(t, err, ErrInvalidKind)
	assert.Empty(t, r.List())
}

func TestLoadDropsRPCSessionMissingThreadID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	writeState(t, path, &Session{
		ID:     "orphan-rpc",
		Kind:   KindRPC,
		Status: StatusRunning,
	})

	r := New(path, nil, logger.Default())
	require.NoError(t, r.Load())

	assert.False(t, r.Exists("orphan-rpc"))
}

func TestLoadDropsTerminalSessionWithDeadPTYAndRecordsOrphanedTopic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	writeState(t, path, &Session{
		ID:       "dead-pty",
		Kind:     KindTerminal,
		Status:   StatusRunning,
		ChatID:   "chat-9",
		ThreadID: "thread-9",
	})

	r := New(path, nil, logger.Default())
	r.SetPTYChecker(func(sessionID string) bool { return false })
	require.NoError(t, r.Load())

	assert.False(t, r.Exists("dead-pty"))
	assert.Contains(t, r.OrphanedChatTopics, "chat-9:thread-9")
}

func TestLoadDropsUnknownAdapterKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	writeState(t, path, &Session{
		ID:   "mystery",
		Kind: AdapterKind("ssh"),
	})

	r := New(path, nil, logger.Default())
	require.NoError(t, r.Load())

	assert.False(t, r.Exists("mystery"))
}

func TestLoadKeepsLiveTerminalSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	writeState(t, path, &Session{
		ID:     "alive-pty",
		Kind:   KindTerminal,
		Status: StatusRunning,
	})

	r := New(path, nil, logger.Default())
	r.SetPTYChecker(func(sessionID string) bool { return sessionID == "alive-pty" })
	require.NoError(t, r.Load())

	assert.True(t, r.Exists("alive-pty"))
}

func TestGetAndListReturnClonesNotSharedPointers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	r := openTestRegistry(t, path)

	s, err := r.CreateSession(CreateSessionParams{Name: "clone-check", Kind: KindTerminal})
	require.NoError(t, err)

	got, err := r.Get(s.ID)
	require.NoError(t, err)
	got.Name = "mutated-outside"

	again, err := r.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, "clone-check", again.Name)

	list := r.List()
	require.Len(t, list, 1)
	list[0].Name = "also-mutated"

	again2, err := r.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, "clone-check", again2.Name)
}

func TestMutateAppliesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	r := openTestRegistry(t, path)

	s, err := r.CreateSession(CreateSessionParams{Name: "mutate-me", Kind: KindRPC, ThreadID: "t-1"})
	require.NoError(t, err)
	s.RPCThreadID = "t-1"
	require.NoError(t, r.Mutate(s.ID, func(sess *Session) {
		sess.AgentStatusText = "thinking"
	}))

	got, err := r.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, "thinking", got.AgentStatusText)
}

func TestKillSessionSetsStoppedStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	r := openTestRegistry(t, path)

	s, err := r.CreateSession(CreateSessionParams{Name: "to-kill", Kind: KindTerminal})
	require.NoError(t, err)

	require.NoError(t, r.KillSession(s.ID))

	got, err := r.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, got.Status)
}

func TestDeleteRemovesSessionPermanently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	r := openTestRegistry(t, path)

	s, err := r.CreateSession(CreateSessionParams{Name: "to-delete", Kind: KindTerminal})
	require.NoError(t, err)

	require.NoError(t, r.Delete(s.ID))
	assert.False(t, r.Exists(s.ID))
	_, err = r.Get(s.ID)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestIncrementRecoveryCountAccumulates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	r := openTestRegistry(t, path)

	s, err := r.CreateSession(CreateSessionParams{Name: "flaky", Kind: KindTerminal})
	require.NoError(t, err)

	require.NoError(t, r.IncrementRecoveryCount(s.ID))
	require.NoError(t, r.IncrementRecoveryCount(s.ID))

	got, err := r.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RecoveryCount)
}

func TestSetLastHandoffPathResetsContextWarnings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	r := openTestRegistry(t, path)

	s, err := r.CreateSession(CreateSessionParams{Name: "handoff", Kind: KindTerminal})
	require.NoError(t, err)
	require.NoError(t, r.Mutate(s.ID, func(sess *Session) {
		sess.ContextWarningSent = true
		sess.ContextCriticalSent = true
	}))

	require.NoError(t, r.SetLastHandoffPath(s.ID, "/tmp/handoff.md"))

	got, err := r.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/handoff.md", got.LastHandoffPath)
	assert.False(t, got.ContextWarningSent)
	assert.False(t, got.ContextCriticalSent)
}

// writeState writes a persistedState file directly, bypassing CreateSession,
// so Load's reconciliation rules can be exercised against hand-crafted rows.
func writeState(t *testing.T, path string, sessions ...*Session) {
	t.Helper()
	state := persistedState{Sessions: sessions}
	data, err := json.MarshalIndent(state, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}
