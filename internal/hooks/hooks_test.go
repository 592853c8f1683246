package hooks

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/delivery"
	"github.com/kandev/orchestrator/internal/observability"
	"github.com/kandev/orchestrator/internal/registry"
)

type fakeSessions struct {
	sessions map[string]delivery.SessionView
}

func (f *fakeSessions) Lookup(id string) (delivery.SessionView, bool) {
	v, ok := f.sessions[id]
	return v, ok
}
func (f *fakeSessions) TouchActivity(id string) error { return nil }
func (f *fakeSessions) MarkStopped(id string) error   { return nil }

type fakeTerminal struct{}

func (f *fakeTerminal) SendText(ctx context.Context, sessionID, text string) error { return nil }
func (f *fakeTerminal) SendKey(ctx context.Context, sessionID, key string) error   { return nil }
func (f *fakeTerminal) CaptureOutput(ctx context.Context, sessionID string, tailLines int) (string, error) {
	return "", nil
}
func (f *fakeTerminal) WaitForIdlePrompt(ctx context.Context, sessionID string, timeout time.Duration) (bool, error) {
	return true, nil
}
func (f *fakeTerminal) Interrupt(ctx context.Context, sessionID string) error { return nil }

type fakeRPC struct{}

func (f *fakeRPC) SendUserTurn(ctx context.Context, sessionID, text string) (string, error) {
	return "", nil
}

func (f *fakeRPC) InterruptTurn(ctx context.Context, sessionID string) (bool, error) {
	return true, nil
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	dir := t.TempDir()

	reg := registry.New(filepath.Join(dir, "registry.json"), nil, logger.Default())
	require.NoError(t, reg.Load())

	obs, err := observability.Open(filepath.Join(dir, "obs.db"), observability.Retention{}, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = obs.Close() })

	q, err := delivery.OpenQueue(filepath.Join(dir, "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	sessions := &fakeSessions{sessions: map[string]delivery.SessionView{}}
	engine := delivery.NewEngine(delivery.DefaultConfig(), q, sessions, &fakeTerminal{}, &fakeRPC{}, nil, logger.Default())

	return New(engine, reg, obs, logger.Default())
}

func TestAcquireLockGrantsAndRejectsConflictingSession(t *testing.T) {
	s := newTestService(t)
	lockPath := filepath.Join(t.TempDir(), ".claude", "workspace.lock")

	owner, ok, err := s.acquireLock(lockPath, "session-a", "task-1", "feature-x")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "session-a", owner)

	owner, ok, err = s.acquireLock(lockPath, "session-b", "task-2", "feature-y")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, "session-a", owner)

	// The same session re-acquiring its own lock succeeds.
	owner, ok, err = s.acquireLock(lockPath, "session-a", "task-1", "feature-x")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "session-a", owner)
}

func TestAcquireLockGrantsWhenExistingLockIsStale(t *testing.T) {
	s := newTestService(t)
	lockPath := filepath.Join(t.TempDir(), ".claude", "workspace.lock")

	require.NoError(t, os.MkdirAll(filepath.Dir(lockPath), 0o755))
	stale := lockFields{Session: "session-old", Task: "t", Branch: "b", Started: time.Now().Add(-31 * time.Minute)}
	require.NoError(t, writeLockFile(lockPath, stale))

	owner, ok, err := s.acquireLock(lockPath, "session-new", "task", "branch")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "session-new", owner)
}

func TestReleaseLockOnlyRemovesOwnSessionsLock(t *testing.T) {
	s := newTestService(t)
	lockPath := filepath.Join(t.TempDir(), ".claude", "workspace.lock")

	_, ok, err := s.acquireLock(lockPath, "session-a", "task", "branch")
	require.NoError(t, err)
	require.True(t, ok)

	s.releaseLock(lockPath, "session-b") // not the owner, must be a no-op
	_, err = os.Stat(lockPath)
	require.NoError(t, err)

	s.releaseLock(lockPath, "session-a")
	_, err = os.Stat(lockPath)
	require.True(t, os.IsNotExist(err))
}

func TestPreToolUseRejectsFileMutatingToolWhenLockHeldByOtherSession(t *testing.T) {
	s := newTestService(t)
	cwd := t.TempDir()

	err := s.PreToolUse(context.Background(), PreToolUseRequest{
		SessionManagerID: "session-a", HookEventName: "PreToolUse", ToolName: "Write",
		ToolInput: json.RawMessage(`{"file_path":"x"}`), Cwd: cwd, TaskID: "t1", Branch: "b1",
	})
	require.NoError(t, err)

	err = s.PreToolUse(context.Background(), PreToolUseRequest{
		SessionManagerID: "session-b", HookEventName: "PreToolUse", ToolName: "Write",
		ToolInput: json.RawMessage(`{"file_path":"y"}`), Cwd: cwd, TaskID: "t2", Branch: "b2",
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "session-a")
}

func TestPreToolUseDetectsWorktreeAdd(t *testing.T) {
	s := newTestService(t)
	_, err := s.reg.CreateSession(registry.CreateSessionParams{Name: "n", WorkingDir: "/tmp", Kind: registry.KindTerminal})
	require.NoError(t, err)

	// Overwrite the id-dependent path: fetch the created session id.
	sessions := s.reg.List()
	require.Len(t, sessions, 1)
	id := sessions[0].ID

	err = s.PreToolUse(context.Background(), PreToolUseRequest{
		SessionManagerID: id, HookEventName: "PreToolUse", ToolName: "Bash",
		ToolInput: json.RawMessage(`{"command":"git worktree add ../my-feature"}`),
	})
	require.NoError(t, err)

	sess, err := s.reg.Get(id)
	require.NoError(t, err)
	require.Equal(t, "../my-feature", sess.WorktreePath)
}
