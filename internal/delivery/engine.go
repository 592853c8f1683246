package delivery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/appctx"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/common/stringutil"
	"github.com/kandev/orchestrator/internal/common/tracing"
)

// Config holds the Delivery Engine's tuning parameters.
type Config struct {
	MaxBatchSize           int
	SelfNotifySuppression  time.Duration
	SkipFenceWindow        time.Duration
	InputStaleTimeout      time.Duration
	StaleInputPollInterval time.Duration
	InterKeyDelay          time.Duration
	// DetachedWorkTimeout bounds background delivery/notify work dispatched
	// off an HTTP request's context, so it outlives the request's own
	// cancellation but not forever.
	DetachedWorkTimeout time.Duration
	// MaxConcurrentJobs caps the number of detached background jobs (chat
	// mirroring, follow-up notifications, delivery attempts) running at
	// once.
	MaxConcurrentJobs int64
}

// DefaultConfig returns the documented production defaults.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:           10,
		SelfNotifySuppression:  30 * time.Second,
		SkipFenceWindow:        8 * time.Second,
		InputStaleTimeout:      120 * time.Second,
		StaleInputPollInterval: 5 * time.Second,
		InterKeyDelay:          300 * time.Millisecond,
		DetachedWorkTimeout:    120 * time.Second,
		MaxConcurrentJobs:      64,
	}
}

// Engine is the Delivery Engine: the hard core coordinating
// the persistent queue, the per-session idle/skip state machine, and the
// per-session delivery mutex discipline.
type Engine struct {
	cfg Config

	queue  *Queue
	states *stateStore
	locks  *deliveryLocks
	paused sync.Map // sessionID -> bool

	sessions SessionLookup
	terminal TerminalAdapter
	rpc      RPCAdapter
	notifier Notifier

	schedMu   sync.RWMutex
	scheduler ReminderScheduler
	handoff   HandoffExecutor

	stopCh     chan struct{}
	stopOnce   sync.Once
	jobs       *jobSupervisor
	acquireCtx context.Context

	pollMu sync.Mutex
	polls  map[string]context.CancelFunc

	log *logger.Logger
}

// NewEngine constructs a Delivery Engine. Scheduler and HandoffExecutor are
// wired later via SetScheduler/SetHandoffExecutor to break the constructor
// dependency cycle (both of those components depend on the Engine).
func NewEngine(cfg Config, queue *Queue, sessions SessionLookup, terminal TerminalAdapter, rpc RPCAdapter, notifier Notifier, log *logger.Logger) *Engine {
	stopCh := make(chan struct{})
	acquireCtx, cancelAcquire := context.WithCancel(context.Background())
	go func() {
		<-stopCh
		cancelAcquire()
	}()
	return &Engine{
		cfg:        cfg,
		queue:      queue,
		states:     newStateStore(),
		locks:      newDeliveryLocks(),
		sessions:   sessions,
		terminal:   terminal,
		rpc:        rpc,
		notifier:   notifier,
		stopCh:     stopCh,
		jobs:       newJobSupervisor(cfg.MaxConcurrentJobs),
		acquireCtx: acquireCtx,
		polls:      make(map[string]context.CancelFunc),
		log:        log.WithFields(zap.String("component", "delivery")),
	}
}

// jobGo submits a detached background job (chat mirroring, follow-up
// notifications, queued delivery retries) to the supervisor. The call
// itself never blocks; the job runs once a concurrency slot is free, and is
// dropped if the process is shutting down first.
func (e *Engine) jobGo(fn func()) {
	e.jobs.Go(e.acquireCtx, fn)
}

// Shutdown signals all in-flight detached background work (spawned off
// request contexts that have since been cancelled) to unwind, then waits up
// to DetachedWorkTimeout for it to drain. Safe to call more than once.
func (e *Engine) Shutdown() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	timeout := e.cfg.DetachedWorkTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	e.jobs.Wait(ctx)
}

// detach returns a context decoupled from ctx's own cancellation (a request
// may finish and cancel its context long before the background delivery
// work it triggered completes) but still bounded by DetachedWorkTimeout and
// by process shutdown. Request-scoped values (trace IDs) carry over.
func (e *Engine) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := e.cfg.DetachedWorkTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return e.detachFor(ctx, timeout)
}

func (e *Engine) detachFor(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return appctx.DetachedWithValues(ctx, e.stopCh, timeout)
}

// SetScheduler wires the Scheduler used to (re-)register periodic reminds
// and parent wakes after a successful delivery.
func (e *Engine) SetScheduler(s ReminderScheduler) {
	e.schedMu.Lock()
	e.scheduler = s
	e.schedMu.Unlock()
}

// SetHandoffExecutor wires the Handoff Executor armed via pending_handoff_path.
func (e *Engine) SetHandoffExecutor(h HandoffExecutor) {
	e.schedMu.Lock()
	e.handoff = h
	e.schedMu.Unlock()
}

func (e *Engine) scheduler_() ReminderScheduler {
	e.schedMu.RLock()
	defer e.schedMu.RUnlock()
	return e.scheduler
}

func (e *Engine) handoffExecutor() HandoffExecutor {
	e.schedMu.RLock()
	defer e.schedMu.RUnlock()
	return e.handoff
}

// State returns the lazily-created Delivery State for a session.
func (e *Engine) State(sessionID string) *State {
	return e.states.get(sessionID)
}

// ArmHandoff sets pending_handoff_path, honored on the session's next stop.
func (e *Engine) ArmHandoff(sessionID, path string) {
	st := e.State(sessionID)
	st.mu.Lock()
	st.PendingHandoffPath = path
	st.mu.Unlock()
}

// Pause stops the engine from attempting delivery to sessionID. Used by the
// Recovery Controller while a crashed terminal agent is being relaunched.
func (e *Engine) Pause(sessionID string) {
	e.paused.Store(sessionID, true)
}

// Unpause resumes delivery and immediately attempts any pending messages.
func (e *Engine) Unpause(ctx context.Context, sessionID string) {
	e.paused.Delete(sessionID)
	e.jobGo(func() {
		dctx, cancel := e.detach(ctx)
		defer cancel()
		e.tryDeliverSafe(dctx, sessionID, false)
	})
}

func (e *Engine) isPaused(sessionID string) bool {
	v, ok := e.paused.Load(sessionID)
	return ok && v.(bool)
}

// QueueMessage inserts a queued message and, per mode and adapter kind,
// schedules the appropriate delivery attempt.
func (e *Engine) QueueMessage(ctx context.Context, target, text, senderID, senderName string, mode Mode, flags Flags) (*QueuedMessage, error) {
	view, ok := e.sessions.Lookup(target)
	if !ok {
		return nil, fmt.Errorf("queue message: unknown target session %q", target)
	}

	m := &QueuedMessage{
		ID:                   uuid.New().String()[:12],
		TargetID:             target,
		SenderID:             senderID,
		SenderName:           senderName,
		Text:                 text,
		Mode:                 mode,
		QueuedAt:             time.Now(),
		NotifyOnDelivery:     flags.NotifyOnDelivery,
		NotifyAfterSeconds:   flags.NotifyAfterSeconds,
		NotifyOnStop:         e.guardNotifyOnStop(senderID, flags.NotifyOnStop),
		RemindSoftThresholdS: flags.RemindSoftThresholdS,
		RemindHardThresholdS: flags.RemindHardThresholdS,
		ParentSessionID:      flags.ParentSessionID,
		Category:             flags.Category,
	}
	if flags.TimeoutSeconds != nil {
		t := m.QueuedAt.Add(time.Duration(*flags.TimeoutSeconds) * time.Second)
		m.TimeoutAt = &t
	}

	if err := e.queue.Insert(m); err != nil {
		return nil, err
	}

	// Record who this sender last wrote to, so a stop notification this
	// sender owes the target within the suppression window is absorbed
	// instead of echoing straight back.
	if senderID != "" && senderID != target {
		ss := e.State(senderID)
		ss.mu.Lock()
		ss.LastOutgoingSendTarget = target
		ss.LastOutgoingSendAt = time.Now()
		ss.mu.Unlock()
	}

	switch {
	case mode == ModeUrgent:
		// Eagerly clear is_idle: the urgent path is about to interrupt
		// whatever the agent is doing, so the session must not look
		// deliverable to a concurrent sequential attempt in the meantime.
		wasIdle := false
		if !e.isPaused(target) {
			st := e.State(target)
			st.mu.Lock()
			wasIdle = st.IsIdle
			st.IsIdle = false
			st.mu.Unlock()
		}
		e.jobGo(func() {
			dctx, cancel := e.detach(ctx)
			defer cancel()
			e.deliverUrgentSafe(dctx, m, wasIdle)
		})
	case mode == ModeSteer:
		e.jobGo(func() {
			dctx, cancel := e.detach(ctx)
			defer cancel()
			e.deliverSteerSafe(dctx, m, view)
		})
	case view.Kind == "rpc":
		// The rpc adapter is synchronous per turn; queuing itself promotes
		// the session to "idle, ready for delivery".
		e.State(target).mu.Lock()
		e.State(target).IsIdle = true
		e.State(target).mu.Unlock()
		e.jobGo(func() {
			dctx, cancel := e.detach(ctx)
			defer cancel()
			e.tryDeliverSafe(dctx, target, false)
		})
	default:
		// important / sequential on terminal-kind: no idle gate here, the
		// tty's local buffer orders any in-flight paste.
		e.jobGo(func() {
			dctx, cancel := e.detach(ctx)
			defer cancel()
			e.tryDeliverSafe(dctx, target, false)
		})
	}

	return m, nil
}

// guardNotifyOnStop implements the directional notify-on-stop guard:
// only EM-class senders may arm notify-on-stop; unknown senders fail
// closed.
func (e *Engine) guardNotifyOnStop(senderID string, requested bool) bool {
	if !requested {
		return false
	}
	view, ok := e.sessions.Lookup(senderID)
	if !ok {
		return false
	}
	return view.IsEM
}

// CancelCategory deletes undelivered messages from senderID tagged category
// (e.g. stale context-monitor notifications discarded on /clear).
func (e *Engine) CancelCategory(senderID, category string) (int64, error) {
	return e.queue.CancelCategory(senderID, category)
}

// MarkSessionActive is the authoritative signal that the agent has resumed
// work after any programmatic paste (post-tool-use).
func (e *Engine) MarkSessionActive(sessionID string) {
	st := e.State(sessionID)
	st.mu.Lock()
	st.IsIdle = false
	st.mu.Unlock()
	if err := e.sessions.TouchActivity(sessionID); err != nil {
		e.log.Warn("touch activity failed", zap.Error(err), zap.String("session_id", sessionID))
	}
}

// MarkSessionIdle runs the stop-hook state machine.
func (e *Engine) MarkSessionIdle(ctx context.Context, sessionID string, lastOutput string, fromStopHook bool) {
	st := e.State(sessionID)

	st.mu.Lock()
	if st.PendingHandoffPath != "" {
		path := st.PendingHandoffPath
		st.PendingHandoffPath = ""
		st.IsIdle = false
		st.mu.Unlock()
		if h := e.handoffExecutor(); h != nil {
			e.jobGo(func() {
				dctx, cancel := e.detach(ctx)
				defer cancel()
				if err := h.Execute(dctx, sessionID, path); err != nil {
					e.log.Error("handoff failed", zap.Error(err), zap.String("session_id", sessionID))
				}
			})
		}
		return
	}

	if st.StopNotifySkipCount > 0 {
		if time.Since(st.SkipCountArmedAt) <= e.cfg.SkipFenceWindow {
			st.StopNotifySkipCount--
			if st.StopNotifySkipCount == 0 {
				st.SkipCountArmedAt = time.Time{}
			}
			st.mu.Unlock()
			// The agent may already be processing new work; do not set idle.
			e.jobGo(func() {
				dctx, cancel := e.detach(ctx)
				defer cancel()
				e.tryDeliverSafe(dctx, sessionID, false)
			})
			return
		}
		// Stale arm: reset atomically and fall through - a stale skip must
		// not swallow a genuine stop.
		st.StopNotifySkipCount = 0
		st.SkipCountArmedAt = time.Time{}
	}

	st.IsIdle = true
	st.LastIdleAt = time.Now()

	// Self-notification suppression.
	stopSender := st.StopNotifySenderID
	if stopSender != "" && stopSender == st.LastOutgoingSendTarget &&
		time.Since(st.LastOutgoingSendAt) <= e.cfg.SelfNotifySuppression {
		st.StopNotifySenderID = ""
		st.StopNotifySenderName = ""
		stopSender = ""
	}

	var notifySenderID, notifySenderName string
	if stopSender != "" {
		notifySenderID = stopSender
		notifySenderName = st.StopNotifySenderName
		st.StopNotifySenderID = ""
		st.StopNotifySenderName = ""
	}

	if st.PasteBufferedStopNotifySenderID != "" {
		st.StopNotifySenderID = st.PasteBufferedStopNotifySenderID
		st.StopNotifySenderName = st.PasteBufferedStopNotifySenderName
		st.PasteBufferedStopNotifySenderID = ""
		st.PasteBufferedStopNotifySenderName = ""
	}

	savedInput := st.SavedUserInput
	st.SavedUserInput = ""
	st.mu.Unlock()

	// §4.G.4: stale typed input that pollStaleInput cleared with Ctrl-U is
	// restored on the session's next stop, pasted back without Enter so the
	// operator can review and send it themselves rather than losing it.
	if savedInput != "" {
		if view, ok := e.sessions.Lookup(sessionID); ok && view.Kind == "terminal" {
			e.jobGo(func() {
				dctx, cancel := e.detach(ctx)
				defer cancel()
				if err := e.terminal.SendText(dctx, sessionID, savedInput); err != nil {
					e.log.Warn("failed to restore saved user input", zap.Error(err), zap.String("session_id", sessionID))
				}
			})
		}
	}

	if notifySenderID != "" && e.notifier != nil {
		e.jobGo(func() {
			dctx, cancel := e.detach(ctx)
			defer cancel()
			err := e.notifier.Notify(dctx, NotifyEvent{
				Type:       "stop_notify",
				SessionID:  sessionID,
				SenderID:   notifySenderID,
				SenderName: notifySenderName,
				LastOutput: truncateOutput(lastOutput),
			})
			if err != nil {
				e.log.Warn("stop notify failed", zap.Error(err), zap.String("session_id", sessionID))
			}
		})
	}

	e.jobGo(func() {
		dctx, cancel := e.detach(ctx)
		defer cancel()
		e.tryDeliverSafe(dctx, sessionID, false)
	})
}

func truncateOutput(s string) string {
	return stringutil.TruncateString(s, 2000)
}

func (e *Engine) tryDeliverSafe(ctx context.Context, sessionID string, importantOnly bool) {
	if err := e.tryDeliver(ctx, sessionID, importantOnly); err != nil {
		e.log.Warn("delivery attempt failed", zap.Error(err), zap.String("session_id", sessionID))
	}
}

// tryDeliver attempts a batch delivery for one session. It runs under the
// per-session delivery mutex so it never races with deliverUrgent for the
// same target.
func (e *Engine) tryDeliver(ctx context.Context, sessionID string, importantOnly bool) error {
	if e.isPaused(sessionID) {
		return nil
	}

	lock := e.locks.get(sessionID)
	lock.Lock()
	defer lock.Unlock()

	view, ok := e.sessions.Lookup(sessionID)
	if !ok {
		return nil
	}

	pending, err := e.queue.ListPending(sessionID)
	if err != nil {
		return err
	}
	// Urgent and steer messages are delivered exclusively through their own
	// dedicated paths (deliverUrgent/deliverSteer), which are dispatched the
	// moment they're queued. Leaving them in this batch would double-deliver
	// them if this call observes them before their own path marks them
	// delivered.
	filtered := pending[:0]
	for _, m := range pending {
		if m.Mode == ModeUrgent || m.Mode == ModeSteer {
			continue
		}
		if importantOnly && m.Mode != ModeImportant {
			continue
		}
		filtered = append(filtered, m)
	}
	pending = filtered
	if len(pending) == 0 {
		return nil
	}

	st := e.State(sessionID)

	if view.Kind == "terminal" {
		text, _ := e.terminal.CaptureOutput(ctx, sessionID, 1)
		st.mu.Lock()
		hasUserInput := strings.TrimSpace(text) != "" && strings.TrimSpace(text) != ">"
		if hasUserInput && st.SavedUserInput == "" {
			st.mu.Unlock()
			return nil // user is typing; defer
		}
		st.mu.Unlock()
	}

	if len(pending) > e.cfg.MaxBatchSize {
		pending = pending[:e.cfg.MaxBatchSize]
	}

	parts := make([]string, 0, len(pending))
	for _, m := range pending {
		parts = append(parts, m.Text)
	}
	payload := strings.Join(parts, "\n\n")

	st.mu.Lock()
	wasIdle := st.IsIdle
	st.mu.Unlock()

	ctx, span := tracing.TraceDelivery(ctx, sessionID, "sequential", len(pending))
	var deliverErr error
	switch view.Kind {
	case "terminal":
		deliverErr = e.terminal.SendText(ctx, sessionID, payload)
	case "rpc":
		_, deliverErr = e.rpc.SendUserTurn(ctx, sessionID, payload)
	default:
		deliverErr = fmt.Errorf("unknown adapter kind %q", view.Kind)
	}
	tracing.TraceDeliveryResult(span, deliverErr == nil, deliverErr)
	span.End()
	if deliverErr != nil {
		return deliverErr
	}

	e.onDelivered(ctx, sessionID, pending, wasIdle)
	return nil
}

// onDelivered applies the post-delivery side effects common to both the
// sequential and urgent paths.
func (e *Engine) onDelivered(ctx context.Context, sessionID string, delivered []*QueuedMessage, wasIdle bool) {
	now := time.Now()
	ids := make([]string, 0, len(delivered))
	for _, m := range delivered {
		ids = append(ids, m.ID)
	}
	if err := e.queue.MarkDelivered(ids, now); err != nil {
		e.log.Warn("mark delivered failed", zap.Error(err))
	}

	st := e.State(sessionID)
	for _, m := range delivered {
		if e.notifier != nil {
			e.jobGo(func() {
				dctx, cancel := e.detach(ctx)
				defer cancel()
				_ = e.notifier.Notify(dctx, NotifyEvent{Type: "delivery", SessionID: sessionID, Text: m.Text})
			})
		}
		if m.NotifyOnDelivery && e.notifier != nil {
			e.jobGo(func() {
				dctx, cancel := e.detach(ctx)
				defer cancel()
				_ = e.notifier.Notify(dctx, NotifyEvent{
					Type: "delivery_confirmation", SessionID: m.SenderID, SenderID: sessionID, Text: m.Text,
				})
			})
		}
		if m.NotifyAfterSeconds != nil && e.notifier != nil {
			m := m
			delay := time.Duration(*m.NotifyAfterSeconds) * time.Second
			e.jobGo(func() {
				dctx, cancel := e.detachFor(ctx, delay+e.cfg.DetachedWorkTimeout)
				defer cancel()
				time.Sleep(delay)
				_ = e.notifier.Notify(dctx, NotifyEvent{
					Type: "delivery_followup", SessionID: m.SenderID, SenderID: sessionID, Text: m.Text,
				})
			})
		}
		if m.NotifyOnStop {
			st.mu.Lock()
			if wasIdle {
				st.StopNotifySenderID = m.SenderID
				st.StopNotifySenderName = m.SenderName
			} else {
				st.PasteBufferedStopNotifySenderID = m.SenderID
				st.PasteBufferedStopNotifySenderName = m.SenderName
			}
			st.mu.Unlock()
		}
		if sched := e.scheduler_(); sched != nil {
			if m.RemindSoftThresholdS != nil && m.RemindHardThresholdS != nil {
				sched.RegisterPeriodicRemind(sessionID,
					time.Duration(*m.RemindSoftThresholdS)*time.Second,
					time.Duration(*m.RemindHardThresholdS)*time.Second)
			}
			if m.ParentSessionID != "" {
				sched.RegisterParentWake(sessionID, m.ParentSessionID, 0)
			}
		}
	}

	st.mu.Lock()
	st.IsIdle = false
	st.mu.Unlock()
	if err := e.sessions.TouchActivity(sessionID); err != nil {
		e.log.Warn("touch activity failed", zap.Error(err))
	}
}

func (e *Engine) deliverUrgentSafe(ctx context.Context, m *QueuedMessage, wasIdleAtQueue bool) {
	if err := e.deliverUrgent(ctx, m, wasIdleAtQueue); err != nil {
		e.log.Warn("urgent delivery failed", zap.Error(err), zap.String("session_id", m.TargetID))
	}
}

// deliverUrgent preempts in-flight delivery with an urgent message.
// wasIdleAtQueue is the is_idle snapshot taken at queue time, before
// QueueMessage's eager clear; the notify-on-stop slot selection keys off it.
func (e *Engine) deliverUrgent(ctx context.Context, m *QueuedMessage, wasIdleAtQueue bool) error {
	if e.isPaused(m.TargetID) {
		return nil
	}
	view, ok := e.sessions.Lookup(m.TargetID)
	if !ok {
		return nil
	}

	lock := e.locks.get(m.TargetID)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := tracing.TraceDelivery(ctx, m.TargetID, "urgent", 1)
	defer span.End()

	if view.Kind == "terminal" {
		// A completed CLI sits on a dimmed screen until it gets a keypress;
		// wake it with Enter first so the prompt probe below sees the real
		// idle prompt rather than the completion banner.
		if wasIdleAtQueue {
			_ = e.terminal.SendKey(ctx, m.TargetID, "Enter")
			_, _ = e.terminal.WaitForIdlePrompt(ctx, m.TargetID, 5*time.Second)
		}
		_ = e.terminal.SendKey(ctx, m.TargetID, "Escape")
		_, _ = e.terminal.WaitForIdlePrompt(ctx, m.TargetID, 5*time.Second)
	}

	var deliverErr error
	switch view.Kind {
	case "terminal":
		deliverErr = e.terminal.SendText(ctx, m.TargetID, m.Text)
	case "rpc":
		if _, err := e.rpc.InterruptTurn(ctx, m.TargetID); err != nil {
			e.log.Warn("turn interrupt before urgent delivery failed", zap.Error(err), zap.String("session_id", m.TargetID))
		}
		_, deliverErr = e.rpc.SendUserTurn(ctx, m.TargetID, m.Text)
	}
	tracing.TraceDeliveryResult(span, deliverErr == nil, deliverErr)
	if deliverErr != nil {
		return deliverErr
	}

	e.onDelivered(ctx, m.TargetID, []*QueuedMessage{m}, wasIdleAtQueue)
	return nil
}

func (e *Engine) deliverSteerSafe(ctx context.Context, m *QueuedMessage, view SessionView) {
	lock := e.locks.get(m.TargetID)
	lock.Lock()
	defer lock.Unlock()

	var err error
	switch view.Kind {
	case "terminal":
		err = e.terminal.SendText(ctx, m.TargetID, m.Text)
	case "rpc":
		_, err = e.rpc.SendUserTurn(ctx, m.TargetID, m.Text)
	}
	if err != nil {
		e.log.Warn("steer delivery failed", zap.Error(err), zap.String("session_id", m.TargetID))
		return
	}
	_ = e.queue.MarkDelivered([]string{m.ID}, time.Now())
}

// StartStaleInputPoll spawns the stale-user-input poll loop for a
// terminal-kind session, one per session id; a second call for the same id
// is a no-op. The loop runs until StopStaleInputPoll or process shutdown.
func (e *Engine) StartStaleInputPoll(sessionID string) {
	e.pollMu.Lock()
	defer e.pollMu.Unlock()
	if _, ok := e.polls[sessionID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.polls[sessionID] = cancel
	go func() {
		select {
		case <-e.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	go e.RunStaleInputPoll(ctx, sessionID)
}

// StopStaleInputPoll cancels a session's poll loop (kill, stop).
func (e *Engine) StopStaleInputPoll(sessionID string) {
	e.pollMu.Lock()
	defer e.pollMu.Unlock()
	if cancel, ok := e.polls[sessionID]; ok {
		cancel()
		delete(e.polls, sessionID)
	}
}

// RunStaleInputPoll is the per-session stale-user-input poll loop.
// Call once per terminal-kind session; it exits when ctx is cancelled.
func (e *Engine) RunStaleInputPoll(ctx context.Context, sessionID string) {
	ticker := time.NewTicker(e.cfg.StaleInputPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.pollStaleInput(ctx, sessionID)
		}
	}
}

func (e *Engine) pollStaleInput(ctx context.Context, sessionID string) {
	text, err := e.terminal.CaptureOutput(ctx, sessionID, 1)
	if err != nil {
		return
	}
	text = strings.TrimSpace(text)

	st := e.State(sessionID)
	st.mu.Lock()
	if text == "" || text == ">" {
		st.PendingUserInput = ""
		st.mu.Unlock()
		return
	}
	if st.PendingUserInput != text {
		st.PendingUserInput = text
		st.PendingUserInputFirstSeen = time.Now()
		st.mu.Unlock()
		return
	}
	stale := time.Since(st.PendingUserInputFirstSeen) >= e.cfg.InputStaleTimeout
	st.mu.Unlock()
	if !stale {
		return
	}

	st.mu.Lock()
	st.SavedUserInput = text
	st.PendingUserInput = ""
	st.mu.Unlock()

	_ = e.terminal.SendKey(ctx, sessionID, "Ctrl-U")
	e.jobGo(func() {
		dctx, cancel := e.detach(ctx)
		defer cancel()
		e.tryDeliverSafe(dctx, sessionID, false)
	})
}

// HasReminderPrefix reports whether target already has an undelivered
// message starting with prefix, used by the scheduler's soft-remind dedup.
func (e *Engine) HasReminderPrefix(target, prefix string) (bool, error) {
	return e.queue.HasReminderPrefix(target, prefix)
}

// QueueDepth returns the number of undelivered messages for target.
func (e *Engine) QueueDepth(target string) (int, error) {
	pending, err := e.queue.ListPending(target)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

// ArmSkipFence increments the skip-fence counter used to absorb the stop
// hook a scripted `/clear` or handoff resume induces, and clears any stale
// notification/input state left over from before the clear.
func (e *Engine) ArmSkipFence(sessionID string, count int) {
	st := e.State(sessionID)
	st.mu.Lock()
	st.StopNotifySkipCount += count
	st.SkipCountArmedAt = time.Now()
	st.StopNotifySenderID = ""
	st.StopNotifySenderName = ""
	st.PasteBufferedStopNotifySenderID = ""
	st.PasteBufferedStopNotifySenderName = ""
	st.PendingUserInput = ""
	st.SavedUserInput = ""
	st.mu.Unlock()
}

// RestoreIdleAndRetry sets is_idle back to true after a failed handoff or
// recovery step, then schedules a normal delivery attempt so the session
// never becomes permanently stalled.
func (e *Engine) RestoreIdleAndRetry(ctx context.Context, sessionID string) {
	st := e.State(sessionID)
	st.mu.Lock()
	st.IsIdle = true
	st.LastIdleAt = time.Now()
	st.mu.Unlock()
	e.jobGo(func() {
		dctx, cancel := e.detach(ctx)
		defer cancel()
		e.tryDeliverSafe(dctx, sessionID, false)
	})
}

// Terminal exposes the Terminal Adapter for components (Handoff Executor,
// Recovery Controller) that must drive the pty directly under the same
// per-session delivery mutex the Engine uses.
func (e *Engine) Terminal() TerminalAdapter { return e.terminal }

// RPC exposes the RPC Adapter for the same reason as Terminal.
func (e *Engine) RPC() RPCAdapter { return e.rpc }

// Lock returns the per-session delivery mutex, so the Handoff Executor and
// Recovery Controller can run their scripted sequences under the same
// synchronization point as tryDeliver/deliverUrgent.
func (e *Engine) Lock(sessionID string) *sync.Mutex {
	return e.locks.get(sessionID)
}

// RecoverPersistentQueue scans the queue on startup: rows
// targeting sessions no longer in the registry are dropped; rows for
// surviving sessions are marked idle so delivery is attempted on the next
// loop iteration.
func (e *Engine) RecoverPersistentQueue(ctx context.Context) error {
	targets, err := e.queue.DistinctPendingTargets()
	if err != nil {
		return err
	}
	for _, target := range targets {
		if _, ok := e.sessions.Lookup(target); !ok {
			if err := e.queue.DeleteForTarget(target); err != nil {
				e.log.Warn("failed to delete orphaned queue rows", zap.Error(err), zap.String("target", target))
			}
			continue
		}
		st := e.State(target)
		st.mu.Lock()
		st.IsIdle = true
		st.mu.Unlock()
		e.jobGo(func() { e.tryDeliverSafe(ctx, target, false) })
	}
	return nil
}
