package delivery

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/orchestrator/internal/common/logger"
)

// fakeSessions is a minimal in-memory SessionLookup for engine tests.
type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]SessionView
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: make(map[string]SessionView)}
}

func (f *fakeSessions) add(id, kind string, isEM bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id] = SessionView{ID: id, Kind: kind, IsEM: isEM}
}

func (f *fakeSessions) Lookup(id string) (SessionView, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.sessions[id]
	return v, ok
}

func (f *fakeSessions) TouchActivity(id string) error { return nil }
func (f *fakeSessions) MarkStopped(id string) error   { return nil }

// fakeTerminal records every paste/key/capture call for assertions.
type fakeTerminal struct {
	mu          sync.Mutex
	sentTexts   []string
	sentKeys    []string
	captureText string
}

func (f *fakeTerminal) SendText(ctx context.Context, sessionID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentTexts = append(f.sentTexts, text)
	return nil
}
func (f *fakeTerminal) SendKey(ctx context.Context, sessionID, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentKeys = append(f.sentKeys, key)
	return nil
}
func (f *fakeTerminal) CaptureOutput(ctx context.Context, sessionID string, tailLines int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captureText, nil
}
func (f *fakeTerminal) WaitForIdlePrompt(ctx context.Context, sessionID string, timeout time.Duration) (bool, error) {
	return true, nil
}
func (f *fakeTerminal) Interrupt(ctx context.Context, sessionID string) error { return nil }

func (f *fakeTerminal) textsSnapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sentTexts))
	copy(out, f.sentTexts)
	return out
}

type fakeRPC struct{}

func (f *fakeRPC) SendUserTurn(ctx context.Context, sessionID, text string) (string, error) {
	return "turn-1", nil
}

func (f *fakeRPC) InterruptTurn(ctx context.Context, sessionID string) (bool, error) {
	return true, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []NotifyEvent
}

func (f *fakeNotifier) Notify(ctx context.Context, evt NotifyEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
	return nil
}

func (f *fakeNotifier) snapshot() []NotifyEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]NotifyEvent, len(f.events))
	copy(out, f.events)
	return out
}

// ofType returns the recorded events whose Type is typ.
func (f *fakeNotifier) ofType(typ string) []NotifyEvent {
	var out []NotifyEvent
	for _, evt := range f.snapshot() {
		if evt.Type == typ {
			out = append(out, evt)
		}
	}
	return out
}

func newTestEngine(t *testing.T) (*Engine, *fakeSessions, *fakeTerminal, *fakeNotifier) {
	t.Helper()
	q, err := OpenQueue(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	sessions := newFakeSessions()
	term := &fakeTerminal{}
	notifier := &fakeNotifier{}
	e := NewEngine(DefaultConfig(), q, sessions, term, &fakeRPC{}, notifier, logger.Default())
	return e, sessions, term, notifier
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

// TestRapidDuplicateStopsSingleDelivery queues one sequential message, then
// fires MarkSessionIdle three times in quick succession. Exactly one paste
// occurs; the queue is drained.
func TestRapidDuplicateStopsSingleDelivery(t *testing.T) {
	e, sessions, term, _ := newTestEngine(t)
	sessions.add("T", "terminal", false)

	_, err := e.QueueMessage(context.Background(), "T", "do the thing", "", "", ModeSequential, Flags{})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		e.MarkSessionIdle(context.Background(), "T", "", true)
	}

	waitFor(t, time.Second, func() bool { return len(term.textsSnapshot()) >= 1 })
	time.Sleep(50 * time.Millisecond) // let any duplicate deliveries surface

	texts := term.textsSnapshot()
	require.Len(t, texts, 1)
	require.Equal(t, "do the thing", texts[0])

	depth, err := e.QueueDepth("T")
	require.NoError(t, err)
	require.Equal(t, 0, depth)
}

// TestUrgentPreemptsInFlightSequential marks idle, queues sequential "A"
// then immediately queues urgent "B". "B" is delivered via the dedicated
// urgent path (Escape + idle-wait); both are delivered, each exactly once
// (the test does not check their order).
func TestUrgentPreemptsInFlightSequential(t *testing.T) {
	e, sessions, term, _ := newTestEngine(t)
	sessions.add("T", "terminal", false)

	e.State("T").mu.Lock()
	e.State("T").IsIdle = true
	e.State("T").mu.Unlock()

	_, err := e.QueueMessage(context.Background(), "T", "A", "", "", ModeSequential, Flags{})
	require.NoError(t, err)
	_, err = e.QueueMessage(context.Background(), "T", "B", "", "", ModeUrgent, Flags{})
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool { return len(term.textsSnapshot()) >= 2 })
	time.Sleep(50 * time.Millisecond)

	texts := term.textsSnapshot()
	require.Len(t, texts, 2)
	require.Contains(t, texts, "A")
	require.Contains(t, texts, "B")

	depth, err := e.QueueDepth("T")
	require.NoError(t, err)
	require.Equal(t, 0, depth)
}

// TestPasteBufferedStopNotify covers T running (is_idle=false) when a
// sequential "hi" with notify_on_stop=true from S is queued.
// Delivery occurs while running, so the notify is staged in the paste
// buffer. The first stop promotes the buffered slot but does not notify
// this turn; the second stop notifies S.
func TestPasteBufferedStopNotify(t *testing.T) {
	e, sessions, _, notifier := newTestEngine(t)
	sessions.add("T", "terminal", false)
	sessions.add("S", "terminal", true) // EM-class so notify_on_stop is honored

	e.State("T").mu.Lock()
	e.State("T").IsIdle = false
	e.State("T").mu.Unlock()

	_, err := e.QueueMessage(context.Background(), "T", "hi", "S", "S-name", ModeSequential, Flags{NotifyOnStop: true})
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		depth, _ := e.QueueDepth("T")
		return depth == 0
	})

	// Delivery happened while not idle: the notify must be paste-buffered,
	// not active, and no stop notification fired yet (the delivery's own
	// chat mirror event is not a stop notification).
	st := e.State("T").Snapshot()
	require.Equal(t, "S", st.PasteBufferedStopNotifySenderID)
	require.Empty(t, st.StopNotifySenderID)
	require.Empty(t, notifier.ofType("stop_notify"))

	// Stop fires for Task-X: promotes the buffered slot, no stop notification yet.
	e.MarkSessionIdle(context.Background(), "T", "", true)
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, notifier.ofType("stop_notify"))
	st = e.State("T").Snapshot()
	require.Equal(t, "S", st.StopNotifySenderID)

	// Agent goes active again (Task-Y starts), then stop fires again: now S
	// receives exactly one stop notification.
	e.MarkSessionActive("T")
	e.MarkSessionIdle(context.Background(), "T", "final output", true)

	waitFor(t, time.Second, func() bool { return len(notifier.ofType("stop_notify")) >= 1 })
	time.Sleep(20 * time.Millisecond)

	events := notifier.ofType("stop_notify")
	require.Len(t, events, 1)
	require.Equal(t, "stop_notify", events[0].Type)
	require.Equal(t, "S", events[0].SenderID)
}

// TestSkipFenceAbsorbsOneStop verifies the skip-fence window: an armed skip
// does not set is_idle and decrements exactly once within the window.
func TestSkipFenceAbsorbsOneStop(t *testing.T) {
	e, sessions, _, _ := newTestEngine(t)
	sessions.add("T", "terminal", false)

	e.ArmSkipFence("T", 1)
	e.MarkSessionIdle(context.Background(), "T", "", true)

	st := e.State("T").Snapshot()
	require.False(t, st.IsIdle)
	require.Equal(t, 0, st.StopNotifySkipCount)
}

// TestSkipFenceStaleArmFallsThrough verifies a skip fence armed outside the
// window is reset and the stop is treated as genuine (is_idle becomes true).
func TestSkipFenceStaleArmFallsThrough(t *testing.T) {
	e, sessions, _, _ := newTestEngine(t)
	sessions.add("T", "terminal", false)

	e.ArmSkipFence("T", 1)
	st := e.State("T")
	st.mu.Lock()
	st.SkipCountArmedAt = time.Now().Add(-time.Hour)
	st.mu.Unlock()

	e.MarkSessionIdle(context.Background(), "T", "", true)

	snap := e.State("T").Snapshot()
	require.True(t, snap.IsIdle)
	require.Equal(t, 0, snap.StopNotifySkipCount)
}

// TestSelfNotificationSuppression verifies a stop-notify slot targeting the
// same id as a very recent outgoing send is cleared silently.
func TestSelfNotificationSuppression(t *testing.T) {
	e, sessions, _, notifier := newTestEngine(t)
	sessions.add("T", "terminal", false)
	sessions.add("S", "terminal", true)

	st := e.State("T")
	st.mu.Lock()
	st.StopNotifySenderID = "S"
	st.StopNotifySenderName = "S-name"
	st.LastOutgoingSendTarget = "S"
	st.LastOutgoingSendAt = time.Now()
	st.mu.Unlock()

	e.MarkSessionIdle(context.Background(), "T", "", true)
	time.Sleep(30 * time.Millisecond)

	require.Empty(t, notifier.snapshot())
	snap := e.State("T").Snapshot()
	require.Empty(t, snap.StopNotifySenderID)
}

// TestDirectionalNotifyOnStopGuard verifies only EM-class senders may arm
// notify-on-stop; unknown or non-EM senders fail closed.
func TestDirectionalNotifyOnStopGuard(t *testing.T) {
	e, sessions, _, _ := newTestEngine(t)
	sessions.add("T", "terminal", false)
	sessions.add("nonEM", "terminal", false)

	m, err := e.QueueMessage(context.Background(), "T", "hi", "nonEM", "nonEM", ModeSequential, Flags{NotifyOnStop: true})
	require.NoError(t, err)
	require.False(t, m.NotifyOnStop)

	m2, err := e.QueueMessage(context.Background(), "T", "hi", "unknown-sender", "unknown", ModeSequential, Flags{NotifyOnStop: true})
	require.NoError(t, err)
	require.False(t, m2.NotifyOnStop)
}

// TestPauseBlocksDelivery verifies a paused session's delivery attempts
// return immediately without dropping the queued message.
func TestPauseBlocksDelivery(t *testing.T) {
	e, sessions, term, _ := newTestEngine(t)
	sessions.add("T", "terminal", false)
	e.Pause("T")

	_, err := e.QueueMessage(context.Background(), "T", "queued while paused", "", "", ModeSequential, Flags{})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	require.Empty(t, term.textsSnapshot())

	depth, err := e.QueueDepth("T")
	require.NoError(t, err)
	require.Equal(t, 1, depth)

	e.Unpause(context.Background(), "T")
	waitFor(t, time.Second, func() bool { return len(term.textsSnapshot()) == 1 })
}

// TestCancelCategoryRemovesUndeliveredMatchingMessages covers the
// context_monitor scoped-cancellation rule used by /clear.
func TestCancelCategoryRemovesUndeliveredMatchingMessages(t *testing.T) {
	e, sessions, _, _ := newTestEngine(t)
	sessions.add("T", "terminal", false)
	e.Pause("T") // keep messages undelivered for the assertion

	_, err := e.QueueMessage(context.Background(), "T", "ctx warning", "monitor", "monitor", ModeSequential, Flags{Category: "context_monitor"})
	require.NoError(t, err)
	_, err = e.QueueMessage(context.Background(), "T", "unrelated", "monitor", "monitor", ModeSequential, Flags{})
	require.NoError(t, err)

	n, err := e.CancelCategory("monitor", "context_monitor")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	depth, err := e.QueueDepth("T")
	require.NoError(t, err)
	require.Equal(t, 1, depth)
}

// TestExpiredMessageNeverDelivered covers the timeout_at rule: an expired
// row is deleted on the next queue read, not pasted.
func TestExpiredMessageNeverDelivered(t *testing.T) {
	e, sessions, term, _ := newTestEngine(t)
	sessions.add("T", "terminal", false)
	e.Pause("T")

	past := time.Now().Add(-time.Minute)
	err := e.queue.Insert(&QueuedMessage{
		ID: "expired-1", TargetID: "T", Text: "too late", Mode: ModeSequential,
		QueuedAt: past.Add(-time.Minute), TimeoutAt: &past,
	})
	require.NoError(t, err)

	e.Unpause(context.Background(), "T")
	e.MarkSessionIdle(context.Background(), "T", "", true)
	time.Sleep(100 * time.Millisecond)

	require.Empty(t, term.textsSnapshot())
	depth, err := e.QueueDepth("T")
	require.NoError(t, err)
	require.Equal(t, 0, depth)
}

// TestQueueMessageStampsSenderOutgoingTarget verifies the sender-side
// bookkeeping feeding the self-notification suppression window.
func TestQueueMessageStampsSenderOutgoingTarget(t *testing.T) {
	e, sessions, _, _ := newTestEngine(t)
	sessions.add("T", "terminal", false)
	sessions.add("S", "terminal", true)
	e.Pause("T")

	_, err := e.QueueMessage(context.Background(), "T", "hi", "S", "S-name", ModeSequential, Flags{})
	require.NoError(t, err)

	st := e.State("S").Snapshot()
	require.Equal(t, "T", st.LastOutgoingSendTarget)
	require.WithinDuration(t, time.Now(), st.LastOutgoingSendAt, time.Second)
}

// TestRecoverPersistentQueueDropsOrphansAndRedeliversSurvivors confirms a
// recovery pass drops messages for sessions no longer alive and redelivers
// pending messages for sessions that are.
func TestRecoverPersistentQueueDropsOrphansAndRedeliversSurvivors(t *testing.T) {
	e, sessions, term, _ := newTestEngine(t)
	sessions.add("alive", "terminal", false)
	e.Pause("alive")

	_, err := e.QueueMessage(context.Background(), "alive", "survivor", "", "", ModeSequential, Flags{})
	require.NoError(t, err)

	// Insert a row for a target the registry doesn't know about, bypassing
	// QueueMessage's lookup guard.
	err = e.queue.Insert(&QueuedMessage{ID: "orphan-1", TargetID: "gone", Text: "orphaned", Mode: ModeSequential, QueuedAt: time.Now()})
	require.NoError(t, err)

	require.NoError(t, e.RecoverPersistentQueue(context.Background()))

	depth, err := e.QueueDepth("gone")
	require.NoError(t, err)
	require.Equal(t, 0, depth)

	e.Unpause(context.Background(), "alive")
	waitFor(t, time.Second, func() bool { return len(term.textsSnapshot()) == 1 })
}
