package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/delivery"
	"github.com/kandev/orchestrator/internal/observability"
	"github.com/kandev/orchestrator/internal/registry"
)

type fakeTerminal struct{}

func (fakeTerminal) SendText(ctx context.Context, sessionID, text string) error { return nil }
func (fakeTerminal) SendKey(ctx context.Context, sessionID, key string) error   { return nil }
func (fakeTerminal) CaptureOutput(ctx context.Context, sessionID string, tailLines int) (string, error) {
	return "", nil
}
func (fakeTerminal) WaitForIdlePrompt(ctx context.Context, sessionID string, timeout time.Duration) (bool, error) {
	return true, nil
}
func (fakeTerminal) Interrupt(ctx context.Context, sessionID string) error { return nil }

type fakeRPC struct{}

func (fakeRPC) SendUserTurn(ctx context.Context, sessionID, text string) (string, error) {
	return "turn-1", nil
}

func (fakeRPC) InterruptTurn(ctx context.Context, sessionID string) (bool, error) {
	return true, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []delivery.NotifyEvent
}

func (n *recordingNotifier) Notify(ctx context.Context, evt delivery.NotifyEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, evt)
	return nil
}

// testHarness wires a real Registry, Observability Logger, delivery Queue,
// and delivery Engine together, mirroring the wiring cmd/orchestrator/main.go
// performs, so the Scheduler can be exercised against its real collaborators.
type testHarness struct {
	reg    *registry.Registry
	obs    *observability.Logger
	engine *delivery.Engine
	store  *Store
	sched  *Scheduler
}

func testConfig() Config {
	return Config{
		PeriodicRemindTick:     20 * time.Millisecond,
		ParentWakeDefault:      30 * time.Millisecond,
		ParentWakeEscalated:    15 * time.Millisecond,
		CompactionPollInterval: 10 * time.Millisecond,
		CompactionMaxWait:      50 * time.Millisecond,
	}
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	dir := t.TempDir()
	log := logger.Default()

	reg := registry.New(filepath.Join(dir, "sessions.json"), nil, log)
	require.NoError(t, reg.Load())

	obs, err := observability.Open(filepath.Join(dir, "observability.db"), observability.Retention{
		MaxAgeDays:        30,
		MaxRowsPerSession: 2000,
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = obs.Close() })

	queue, err := delivery.OpenQueue(filepath.Join(dir, "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = queue.Close() })

	store, err := OpenStore(filepath.Join(dir, "scheduler.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	engine := delivery.NewEngine(delivery.DefaultConfig(), queue, reg, fakeTerminal{}, fakeRPC{}, &recordingNotifier{}, log)

	sched := New(testConfig(), engine, reg, obs, store, log)
	engine.SetScheduler(sched)

	return &testHarness{reg: reg, obs: obs, engine: engine, store: store, sched: sched}
}

func (h *testHarness) createSession(t *testing.T, kind registry.AdapterKind) *registry.Session {
	t.Helper()
	s, err := h.reg.CreateSession(registry.CreateSessionParams{Name: "agent", Kind: kind})
	require.NoError(t, err)
	return s
}

func TestRegisterPeriodicRemindQueuesHardRemindAfterHardWindow(t *testing.T) {
	h := newTestHarness(t)
	s := h.createSession(t, registry.KindTerminal)

	h.sched.RegisterPeriodicRemind(s.ID, 10*time.Millisecond, 15*time.Millisecond)
	t.Cleanup(func() { h.sched.CancelRemind(s.ID) })

	require.Eventually(t, func() bool {
		depth, err := h.engine.QueueDepth(s.ID)
		return err == nil && depth > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRegisterPeriodicRemindSkipsWhileCompacting(t *testing.T) {
	h := newTestHarness(t)
	s := h.createSession(t, registry.KindTerminal)
	require.NoError(t, h.reg.SetCompacting(s.ID, true))

	h.sched.RegisterPeriodicRemind(s.ID, 5*time.Millisecond, 10*time.Millisecond)
	t.Cleanup(func() { h.sched.CancelRemind(s.ID) })

	time.Sleep(100 * time.Millisecond)
	depth, err := h.engine.QueueDepth(s.ID)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestRegisterPeriodicRemindReplacesPriorRegistration(t *testing.T) {
	h := newTestHarness(t)
	s := h.createSession(t, registry.KindTerminal)

	h.sched.RegisterPeriodicRemind(s.ID, time.Hour, time.Hour)
	h.sched.mu.Lock()
	first := h.sched.reminds[s.ID]
	h.sched.mu.Unlock()

	h.sched.RegisterPeriodicRemind(s.ID, time.Hour, time.Hour)
	t.Cleanup(func() { h.sched.CancelRemind(s.ID) })

	h.sched.mu.Lock()
	second := h.sched.reminds[s.ID]
	h.sched.mu.Unlock()

	assert.NotSame(t, first, second)
}

func TestCancelRemindStopsBackgroundLoop(t *testing.T) {
	h := newTestHarness(t)
	s := h.createSession(t, registry.KindTerminal)

	h.sched.RegisterPeriodicRemind(s.ID, time.Millisecond, 2*time.Millisecond)
	h.sched.CancelRemind(s.ID)

	h.sched.mu.Lock()
	_, exists := h.sched.reminds[s.ID]
	h.sched.mu.Unlock()
	assert.False(t, exists)
}

func TestScheduleReminderQueuesUrgentMessageAfterDelay(t *testing.T) {
	h := newTestHarness(t)
	s := h.createSession(t, registry.KindTerminal)

	h.sched.ScheduleReminder(s.ID, 10*time.Millisecond, "time to check in")

	require.Eventually(t, func() bool {
		depth, err := h.engine.QueueDepth(s.ID)
		return err == nil && depth > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScheduleReminderWaitsOutCompactionThenFiresAtDeadline(t *testing.T) {
	h := newTestHarness(t)
	s := h.createSession(t, registry.KindTerminal)
	require.NoError(t, h.reg.SetCompacting(s.ID, true))

	h.sched.ScheduleReminder(s.ID, 5*time.Millisecond, "still waiting")

	require.Eventually(t, func() bool {
		depth, err := h.engine.QueueDepth(s.ID)
		return err == nil && depth > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScheduleReminderPersistsAndMarksFired(t *testing.T) {
	h := newTestHarness(t)
	s := h.createSession(t, registry.KindTerminal)

	h.sched.ScheduleReminder(s.ID, 10*time.Millisecond, "time to check in")

	require.Eventually(t, func() bool {
		rows, err := h.store.ListUnfiredReminders()
		return err == nil && len(rows) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// TestRecoverReArmsUnfiredOneShotReminder simulates a restart: a persisted
// reminder whose fire time already passed is picked up by a fresh Scheduler
// on the same store and fires promptly.
func TestRecoverReArmsUnfiredOneShotReminder(t *testing.T) {
	h := newTestHarness(t)
	s := h.createSession(t, registry.KindTerminal)

	require.NoError(t, h.store.InsertReminder("rem-1", s.ID, "left over from last run", time.Now().Add(-time.Second)))

	sched2 := New(testConfig(), h.engine, h.reg, h.obs, h.store, logger.Default())
	require.NoError(t, sched2.Recover())

	// The re-armed timer fires promptly and stamps the row, the durable
	// signal that the queued urgent message went out.
	require.Eventually(t, func() bool {
		rows, err := h.store.ListUnfiredReminders()
		return err == nil && len(rows) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// TestRecoverRestoresActivePeriodicRemind confirms a persisted registration
// resumes ticking after a restart, carrying its cycle state forward.
func TestRecoverRestoresActivePeriodicRemind(t *testing.T) {
	h := newTestHarness(t)
	s := h.createSession(t, registry.KindTerminal)

	require.NoError(t, h.store.UpsertPeriodicRemind(s.ID, 10*time.Millisecond, 15*time.Millisecond, time.Now().Add(-time.Minute)))

	sched2 := New(testConfig(), h.engine, h.reg, h.obs, h.store, logger.Default())
	require.NoError(t, sched2.Recover())
	t.Cleanup(func() { sched2.CancelRemind(s.ID) })

	require.Eventually(t, func() bool {
		depth, err := h.engine.QueueDepth(s.ID)
		return err == nil && depth > 0
	}, 2*time.Second, 10*time.Millisecond)
}

// TestRecoverDropsRegistrationsForDeadSessions confirms rows whose target
// no longer exists in the registry are retired, not re-armed.
func TestRecoverDropsRegistrationsForDeadSessions(t *testing.T) {
	h := newTestHarness(t)

	require.NoError(t, h.store.InsertReminder("rem-dead", "gone", "never delivered", time.Now().Add(-time.Second)))
	require.NoError(t, h.store.UpsertPeriodicRemind("gone", time.Second, 2*time.Second, time.Now()))
	require.NoError(t, h.store.UpsertParentWake("gone", "parent", time.Second, time.Now()))

	require.NoError(t, h.sched.Recover())

	rows, err := h.store.ListUnfiredReminders()
	require.NoError(t, err)
	assert.Empty(t, rows)

	reminds, err := h.store.ListActivePeriodicReminds()
	require.NoError(t, err)
	assert.Empty(t, reminds)

	wakes, err := h.store.ListActiveParentWakes()
	require.NoError(t, err)
	assert.Empty(t, wakes)
}

func TestCancelRemindDeactivatesPersistedRow(t *testing.T) {
	h := newTestHarness(t)
	s := h.createSession(t, registry.KindTerminal)

	h.sched.RegisterPeriodicRemind(s.ID, time.Hour, time.Hour)
	h.sched.CancelRemind(s.ID)

	rows, err := h.store.ListActivePeriodicReminds()
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestWatchSessionNotifiesOnceIdle(t *testing.T) {
	h := newTestHarness(t)
	target := h.createSession(t, registry.KindTerminal)
	watcher := h.createSession(t, registry.KindTerminal)
	require.NoError(t, h.reg.SetStatus(target.ID, registry.StatusIdle))

	h.sched.WatchSession(target.ID, watcher.ID, time.Second)

	require.Eventually(t, func() bool {
		depth, err := h.engine.QueueDepth(watcher.ID)
		return err == nil && depth > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatchSessionTimesOutWhenNeverIdle(t *testing.T) {
	h := newTestHarness(t)
	target := h.createSession(t, registry.KindTerminal)
	watcher := h.createSession(t, registry.KindTerminal)
	require.NoError(t, h.reg.SetStatus(target.ID, registry.StatusRunning))

	h.sched.WatchSession(target.ID, watcher.ID, 30*time.Millisecond)

	require.Eventually(t, func() bool {
		depth, err := h.engine.QueueDepth(watcher.ID)
		return err == nil && depth > 0
	}, 2*time.Second, 10*time.Millisecond)
}
