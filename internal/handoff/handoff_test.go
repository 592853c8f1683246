package handoff

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/delivery"
	"github.com/kandev/orchestrator/internal/registry"
)

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]delivery.SessionView
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: map[string]delivery.SessionView{}}
}

func (f *fakeSessions) add(id, kind string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id] = delivery.SessionView{ID: id, Kind: kind}
}
func (f *fakeSessions) Lookup(id string) (delivery.SessionView, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.sessions[id]
	return v, ok
}
func (f *fakeSessions) TouchActivity(id string) error { return nil }
func (f *fakeSessions) MarkStopped(id string) error   { return nil }

// fakeTerminal records the scripted sequence (escape, /clear, resume prompt)
// and can be made to fail at a specific step.
type fakeTerminal struct {
	mu         sync.Mutex
	keys       []string
	texts      []string
	failOnIdle bool
}

func (f *fakeTerminal) SendText(ctx context.Context, sessionID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}
func (f *fakeTerminal) SendKey(ctx context.Context, sessionID, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return nil
}
func (f *fakeTerminal) CaptureOutput(ctx context.Context, sessionID string, tailLines int) (string, error) {
	return ">", nil
}
func (f *fakeTerminal) WaitForIdlePrompt(ctx context.Context, sessionID string, timeout time.Duration) (bool, error) {
	if f.failOnIdle {
		return false, nil
	}
	return true, nil
}
func (f *fakeTerminal) Interrupt(ctx context.Context, sessionID string) error { return nil }

type fakeRPC struct{}

func (f *fakeRPC) SendUserTurn(ctx context.Context, sessionID, text string) (string, error) {
	return "turn-1", nil
}

func (f *fakeRPC) InterruptTurn(ctx context.Context, sessionID string) (bool, error) {
	return true, nil
}

func newTestExecutor(t *testing.T, term *fakeTerminal) (*Executor, *delivery.Engine, *registry.Registry) {
	t.Helper()
	dir := t.TempDir()

	reg := registry.New(filepath.Join(dir, "registry.json"), nil, logger.Default())
	require.NoError(t, reg.Load())

	q, err := delivery.OpenQueue(filepath.Join(dir, "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	sessions := newFakeSessions()
	engine := delivery.NewEngine(delivery.DefaultConfig(), q, sessions, term, &fakeRPC{}, nil, logger.Default())

	exec := New(DefaultConfig(), engine, reg, nil, logger.Default())
	return exec, engine, reg
}

func TestHandoffHappyPathSendsScriptedSequenceAndPersistsPath(t *testing.T) {
	term := &fakeTerminal{}
	exec, engine, reg := newTestExecutor(t, term)

	sess, err := reg.CreateSession(registry.CreateSessionParams{Name: "n", WorkingDir: "/tmp", Kind: registry.KindTerminal})
	require.NoError(t, err)

	engine.State(sess.ID).Snapshot() // ensure state lazily created before test
	err = exec.Execute(context.Background(), sess.ID, "/tmp/handoff-notes.md")
	require.NoError(t, err)

	term.mu.Lock()
	keys := append([]string{}, term.keys...)
	texts := append([]string{}, term.texts...)
	term.mu.Unlock()

	require.Contains(t, keys, "Escape")
	require.Contains(t, texts, "/clear")
	require.Contains(t, texts, "Read /tmp/handoff-notes.md and continue from where you left off.")

	updated, err := reg.Get(sess.ID)
	require.NoError(t, err)
	require.Equal(t, "/tmp/handoff-notes.md", updated.LastHandoffPath)

	st := engine.State(sess.ID).Snapshot()
	require.False(t, st.IsIdle) // MarkSessionActive ran at the end of a successful handoff
}

func TestHandoffFailureRestoresIdleAndNeverWedges(t *testing.T) {
	term := &fakeTerminal{failOnIdle: true}
	exec, engine, reg := newTestExecutor(t, term)

	sess, err := reg.CreateSession(registry.CreateSessionParams{Name: "n", WorkingDir: "/tmp", Kind: registry.KindTerminal})
	require.NoError(t, err)

	err = exec.Execute(context.Background(), sess.ID, "/tmp/notes.md")
	require.Error(t, err)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if engine.State(sess.ID).Snapshot().IsIdle {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, engine.State(sess.ID).Snapshot().IsIdle)
}
