package recovery

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

type fakeTerminal struct {
	mu    sync.Mutex
	texts []string
	keys  []string
	pane  string
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
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pane, nil
}
func (f *fakeTerminal) WaitForIdlePrompt(ctx context.Context, sessionID string, timeout time.Duration) (bool, error) {
	return true, nil
}
func (f *fakeTerminal) Interrupt(ctx context.Context, sessionID string) error { return nil }

func (f *fakeTerminal) textsSnapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.texts))
	copy(out, f.texts)
	return out
}

type fakeRPC struct{}

func (f *fakeRPC) SendUserTurn(ctx context.Context, sessionID, text string) (string, error) {
	return "", nil
}

func (f *fakeRPC) InterruptTurn(ctx context.Context, sessionID string) (bool, error) {
	return true, nil
}

func TestParseResumeIDFromKnownPhrase(t *testing.T) {
	pane := "Session ended.\nTo resume this conversation, run\n  claude --resume 1a2b3c4d-5678-90ab-cdef-1234567890ab\n"
	require.Equal(t, "1a2b3c4d-5678-90ab-cdef-1234567890ab", parseResumeID(pane))
}

func TestParseResumeIDReturnsEmptyWhenPhraseAbsent(t *testing.T) {
	require.Empty(t, parseResumeID("nothing interesting here"))
}

func TestRecoverSessionGracefulRelaunchesAndUnpausesDelivery(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New(filepath.Join(dir, "registry.json"), nil, logger.Default())
	require.NoError(t, reg.Load())
	sess, err := reg.CreateSession(registry.CreateSessionParams{Name: "n", WorkingDir: "/tmp", Kind: registry.KindTerminal})
	require.NoError(t, err)

	term := &fakeTerminal{pane: "To resume this conversation, run\nclaude --resume deadbeef-dead-beef-dead-beefdeadbeef\n"}
	q, err := delivery.OpenQueue(filepath.Join(dir, "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	sessions := newFakeSessions()
	sessions.add(sess.ID, "terminal")
	engine := delivery.NewEngine(delivery.DefaultConfig(), q, sessions, term, &fakeRPC{}, nil, logger.Default())

	ctl := New(Config{ShutdownWait: time.Millisecond}, engine, reg, logger.Default())

	// Queue a message while paused to confirm recovery doesn't drop it and
	// delivery resumes once recovery unpauses.
	engine.Pause(sess.ID)
	_, err = engine.QueueMessage(context.Background(), sess.ID, "hello", "", "", delivery.ModeSequential, delivery.Flags{})
	require.NoError(t, err)

	ctl.RecoverSession(context.Background(), sess.ID, []string{"claude"}, true, "")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		updated, gerr := reg.Get(sess.ID)
		require.NoError(t, gerr)
		if updated.RecoveryCount > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	updated, err := reg.Get(sess.ID)
	require.NoError(t, err)
	require.Equal(t, 1, updated.RecoveryCount)
	require.Equal(t, registry.StatusIdle, updated.Status)

	require.Contains(t, term.textsSnapshot(), "/exit")

	depth, err := engine.QueueDepth(sess.ID)
	deadline = time.Now().Add(time.Second)
	for depth != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
		depth, err = engine.QueueDepth(sess.ID)
	}
	require.NoError(t, err)
	require.Equal(t, 0, depth)
}

func TestRecoverSessionNonGracefulSendsDoubleCtrlCAndSttySane(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New(filepath.Join(dir, "registry.json"), nil, logger.Default())
	require.NoError(t, reg.Load())
	sess, err := reg.CreateSession(registry.CreateSessionParams{Name: "n", WorkingDir: "/tmp", Kind: registry.KindTerminal})
	require.NoError(t, err)

	term := &fakeTerminal{pane: "To resume this conversation, run\nclaude --resume cafebabe-cafe-babe-cafe-babecafebabe\n"}
	q, err := delivery.OpenQueue(filepath.Join(dir, "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	sessions := newFakeSessions()
	sessions.add(sess.ID, "terminal")
	engine := delivery.NewEngine(delivery.DefaultConfig(), q, sessions, term, &fakeRPC{}, nil, logger.Default())

	ctl := New(Config{ShutdownWait: time.Millisecond}, engine, reg, logger.Default())
	ctl.RecoverSession(context.Background(), sess.ID, []string{"claude"}, false, "")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		updated, gerr := reg.Get(sess.ID)
		require.NoError(t, gerr)
		if updated.RecoveryCount > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	term.mu.Lock()
	keys := append([]string{}, term.keys...)
	texts := append([]string{}, term.texts...)
	term.mu.Unlock()

	ctrlC := 0
	for _, k := range keys {
		if k == "Ctrl-C" {
			ctrlC++
		}
	}
	require.Equal(t, 2, ctrlC)
	require.Contains(t, texts, "stty sane")
}
