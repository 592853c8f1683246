// Package scheduler implements four timer kinds: periodic remind, parent
// wake, one-shot reminders, and session watch. Periodic reminds and parent
// wakes are one-active-per-target registrations: re-registering cancels the
// predecessor before starting the replacement. One-shot reminders and
// session watches are independent goroutines; several may run per target.
// Reminders and registrations are persisted to a sqlite store; Recover
// re-arms surviving rows after a restart.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/delivery"
	"github.com/kandev/orchestrator/internal/observability"
	"github.com/kandev/orchestrator/internal/registry"
)

// Config tunes the scheduler's poll cadences.
type Config struct {
	PeriodicRemindTick     time.Duration
	ParentWakeDefault      time.Duration
	ParentWakeEscalated    time.Duration
	CompactionPollInterval time.Duration
	CompactionMaxWait      time.Duration
}

func DefaultConfig() Config {
	return Config{
		PeriodicRemindTick:     5 * time.Second,
		ParentWakeDefault:      600 * time.Second,
		ParentWakeEscalated:    300 * time.Second,
		CompactionPollInterval: 5 * time.Second,
		CompactionMaxWait:      300 * time.Second,
	}
}

type remindState struct {
	cancel       context.CancelFunc
	softS, hardS time.Duration
	softFired    bool
	lastResetAt  time.Time
}

type parentWakeState struct {
	cancel            context.CancelFunc
	parent            string
	period            time.Duration
	escalated         bool
	lastAgentStatusAt time.Time
}

type watchSuppression struct {
	watcher string
	at      time.Time
}

// Scheduler drives all timed background work against the Delivery Engine,
// Session Registry, and Observability Logger, persisting registrations to
// its Store.
type Scheduler struct {
	mu sync.Mutex

	cfg    Config
	engine *delivery.Engine
	reg    *registry.Registry
	obs    *observability.Logger
	store  *Store
	log    *logger.Logger

	reminds             map[string]*remindState
	parentWakes         map[string]*parentWakeState
	lastWatchIdleNotify map[string]watchSuppression // keyed by target
	terminalProbeStreak map[string]int              // phase 2's own consecutive-positive counter, keyed by target
}

// New constructs a Scheduler. Call SetScheduler on the Delivery Engine with
// this instance once both are constructed, then Recover to re-arm persisted
// registrations.
func New(cfg Config, engine *delivery.Engine, reg *registry.Registry, obs *observability.Logger, store *Store, log *logger.Logger) *Scheduler {
	return &Scheduler{
		cfg:                 cfg,
		engine:              engine,
		reg:                 reg,
		obs:                 obs,
		store:               store,
		log:                 log.WithFields(zap.String("component", "scheduler")),
		reminds:             make(map[string]*remindState),
		parentWakes:         make(map[string]*parentWakeState),
		lastWatchIdleNotify: make(map[string]watchSuppression),
		terminalProbeStreak: make(map[string]int),
	}
}

// Recover re-arms persisted registrations after a restart: unfired one-shot
// reminders (an already-past fire_at fires promptly), active periodic
// reminds with their cycle state, and active parent wakes with their
// no-progress baseline. Registrations whose target no longer exists in the
// registry are dropped.
func (s *Scheduler) Recover() error {
	reminders, err := s.store.ListUnfiredReminders()
	if err != nil {
		return err
	}
	for _, r := range reminders {
		if !s.reg.Exists(r.TargetID) {
			if err := s.store.MarkReminderFired(r.ID); err != nil {
				s.log.Warn("failed to retire orphaned reminder", zap.Error(err), zap.String("reminder_id", r.ID))
			}
			continue
		}
		delay := time.Until(r.FireAt)
		if delay < 0 {
			delay = 0
		}
		go s.runOneShot(r.ID, r.TargetID, delay, r.Message)
	}

	reminds, err := s.store.ListActivePeriodicReminds()
	if err != nil {
		return err
	}
	for _, r := range reminds {
		if !s.reg.Exists(r.TargetID) {
			if err := s.store.DeactivatePeriodicRemind(r.TargetID); err != nil {
				s.log.Warn("failed to deactivate orphaned remind", zap.Error(err), zap.String("target", r.TargetID))
			}
			continue
		}
		s.startRemindTask(r.TargetID, r.Soft, r.Hard, r.LastResetAt, r.SoftFired)
	}

	wakes, err := s.store.ListActiveParentWakes()
	if err != nil {
		return err
	}
	for _, w := range wakes {
		if !s.reg.Exists(w.ChildID) {
			if err := s.store.DeactivateParentWake(w.ChildID); err != nil {
				s.log.Warn("failed to deactivate orphaned parent wake", zap.Error(err), zap.String("child", w.ChildID))
			}
			continue
		}
		var statusAt time.Time
		if w.LastStatusAtPrevWake != nil {
			statusAt = *w.LastStatusAtPrevWake
		}
		s.startParentWakeTask(w.ChildID, w.ParentID, w.Period, w.Escalated, statusAt)
	}
	return nil
}

// RegisterPeriodicRemind implements delivery.ReminderScheduler.
func (s *Scheduler) RegisterPeriodicRemind(target string, soft, hard time.Duration) {
	now := time.Now()
	if err := s.store.UpsertPeriodicRemind(target, soft, hard, now); err != nil {
		s.log.Warn("failed to persist periodic remind", zap.Error(err), zap.String("target", target))
	}
	s.startRemindTask(target, soft, hard, now, false)
}

// startRemindTask replaces any existing in-memory task for the target and
// spawns the loop with the given cycle state (fresh on registration,
// restored on Recover).
func (s *Scheduler) startRemindTask(target string, soft, hard time.Duration, lastResetAt time.Time, softFired bool) {
	s.mu.Lock()
	if existing, ok := s.reminds[target]; ok {
		existing.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	st := &remindState{cancel: cancel, softS: soft, hardS: hard, lastResetAt: lastResetAt, softFired: softFired}
	s.reminds[target] = st
	s.mu.Unlock()

	go s.runPeriodicRemind(ctx, target, st)
}

func (s *Scheduler) runPeriodicRemind(ctx context.Context, target string, st *remindState) {
	ticker := time.NewTicker(s.cfg.PeriodicRemindTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sess, err := s.reg.Get(target)
			if err != nil {
				s.CancelRemind(target)
				return
			}
			if sess.Compacting {
				continue
			}

			s.mu.Lock()
			elapsed := time.Since(st.lastResetAt)
			soft, hard := st.softS, st.hardS
			alreadySoft := st.softFired
			s.mu.Unlock()

			if elapsed >= hard {
				if _, err := s.engine.QueueMessage(ctx, target, "status check: please share an update", "scheduler", "scheduler",
					delivery.ModeUrgent, delivery.Flags{}); err != nil {
					s.log.Warn("failed to queue hard remind", zap.Error(err), zap.String("target", target))
				}
				now := time.Now()
				s.mu.Lock()
				st.lastResetAt = now
				st.softFired = false
				s.mu.Unlock()
				if err := s.store.UpdateRemindCycle(target, now, false); err != nil {
					s.log.Warn("failed to persist remind cycle", zap.Error(err), zap.String("target", target))
				}
				continue
			}
			if elapsed >= soft && !alreadySoft {
				const prefix = "please update your status"
				dup, err := s.hasReminderPrefix(target, prefix)
				if err == nil && !dup {
					if _, err := s.engine.QueueMessage(ctx, target, prefix, "scheduler", "scheduler",
						delivery.ModeImportant, delivery.Flags{}); err != nil {
						s.log.Warn("failed to queue soft remind", zap.Error(err), zap.String("target", target))
					}
				}
				s.mu.Lock()
				st.softFired = true
				lastReset := st.lastResetAt
				s.mu.Unlock()
				if err := s.store.UpdateRemindCycle(target, lastReset, true); err != nil {
					s.log.Warn("failed to persist remind cycle", zap.Error(err), zap.String("target", target))
				}
			}
		}
	}
}

func (s *Scheduler) hasReminderPrefix(target, prefix string) (bool, error) {
	// The dedup check lives in the delivery queue; the engine exposes it
	// as HasReminderPrefix.
	return s.engine.HasReminderPrefix(target, prefix)
}

// ResetRemind restarts the periodic-remind cycle on receipt of an
// agent-reported status message.
func (s *Scheduler) ResetRemind(target string) {
	now := time.Now()
	s.mu.Lock()
	st, ok := s.reminds[target]
	if ok {
		st.lastResetAt = now
		st.softFired = false
	}
	s.mu.Unlock()
	if ok {
		if err := s.store.UpdateRemindCycle(target, now, false); err != nil {
			s.log.Warn("failed to persist remind reset", zap.Error(err), zap.String("target", target))
		}
	}
}

// CancelRemind stops the periodic-remind task for target, if any, and
// deactivates its persisted registration.
func (s *Scheduler) CancelRemind(target string) {
	s.mu.Lock()
	st, ok := s.reminds[target]
	if ok {
		st.cancel()
		delete(s.reminds, target)
	}
	s.mu.Unlock()
	if err := s.store.DeactivatePeriodicRemind(target); err != nil {
		s.log.Warn("failed to deactivate periodic remind", zap.Error(err), zap.String("target", target))
	}
}

// RegisterParentWake implements delivery.ReminderScheduler.
func (s *Scheduler) RegisterParentWake(child, parent string, period time.Duration) {
	if period <= 0 {
		period = s.cfg.ParentWakeDefault
	}
	if err := s.store.UpsertParentWake(child, parent, period, time.Now()); err != nil {
		s.log.Warn("failed to persist parent wake", zap.Error(err), zap.String("child", child))
	}
	s.startParentWakeTask(child, parent, period, false, time.Time{})
}

// startParentWakeTask replaces any existing in-memory task for the child
// and spawns the loop with the given state (fresh on registration, restored
// on Recover).
func (s *Scheduler) startParentWakeTask(child, parent string, period time.Duration, escalated bool, lastStatusAt time.Time) {
	s.mu.Lock()
	if existing, ok := s.parentWakes[child]; ok {
		existing.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	st := &parentWakeState{cancel: cancel, parent: parent, period: period, escalated: escalated, lastAgentStatusAt: lastStatusAt}
	s.parentWakes[child] = st
	s.mu.Unlock()

	go s.runParentWake(ctx, child, st)
}

func (s *Scheduler) runParentWake(ctx context.Context, child string, st *parentWakeState) {
	for {
		s.mu.Lock()
		period := st.period
		s.mu.Unlock()

		timer := time.NewTimer(period)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		sess, err := s.reg.Get(child)
		if err != nil {
			s.CancelParentWake(child)
			return
		}

		noProgress := sess.AgentStatusAt.Equal(st.lastAgentStatusAt) && !sess.AgentStatusAt.IsZero()
		digest := s.buildDigest(sess, noProgress)

		if _, err := s.engine.QueueMessage(ctx, st.parent, digest, child, sess.Name, delivery.ModeImportant, delivery.Flags{}); err != nil {
			s.log.Warn("failed to queue parent wake digest", zap.Error(err), zap.String("child", child))
		}

		now := time.Now()
		s.mu.Lock()
		st.lastAgentStatusAt = sess.AgentStatusAt
		if noProgress && !st.escalated {
			st.escalated = true
			st.period = s.cfg.ParentWakeEscalated
		}
		escalated, newPeriod := st.escalated, st.period
		s.mu.Unlock()
		if err := s.store.UpdateParentWakeProgress(child, now, sess.AgentStatusAt, escalated, newPeriod); err != nil {
			s.log.Warn("failed to persist parent wake progress", zap.Error(err), zap.String("child", child))
		}
	}
}

// CancelParentWake stops the parent-wake task for a child, if any, and
// deactivates its persisted registration.
func (s *Scheduler) CancelParentWake(child string) {
	s.mu.Lock()
	st, ok := s.parentWakes[child]
	if ok {
		st.cancel()
		delete(s.parentWakes, child)
	}
	s.mu.Unlock()
	if err := s.store.DeactivateParentWake(child); err != nil {
		s.log.Warn("failed to deactivate parent wake", zap.Error(err), zap.String("child", child))
	}
}

func (s *Scheduler) buildDigest(sess *registry.Session, noProgress bool) string {
	elapsed := time.Since(sess.CreatedAt).Round(time.Minute)
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s): %s elapsed", sess.FriendlyNameOrName(), sess.ID, elapsed)
	if sess.AgentStatusText != "" {
		age := time.Since(sess.AgentStatusAt).Round(time.Second)
		fmt.Fprintf(&b, "\nstatus: %s (%s ago)", sess.AgentStatusText, age)
	}
	if events, err := s.obs.ListRecentToolEvents(sess.ID, 5); err == nil && len(events) > 0 {
		b.WriteString("\nrecent tools:")
		for _, e := range events {
			fmt.Fprintf(&b, "\n- %s (%s)", e.ToolName, e.Phase)
		}
	}
	if noProgress {
		b.WriteString("\nno progress detected since last wake")
	}
	return b.String()
}

// ScheduleReminder is the one-shot reminder. It persists the row, waits
// delay, then (honoring mid-compaction backpressure) queues an urgent
// message to target.
func (s *Scheduler) ScheduleReminder(target string, delay time.Duration, message string) {
	id := uuid.New().String()[:12]
	if err := s.store.InsertReminder(id, target, message, time.Now().Add(delay)); err != nil {
		s.log.Warn("failed to persist one-shot reminder", zap.Error(err), zap.String("target", target))
	}
	go s.runOneShot(id, target, delay, message)
}

func (s *Scheduler) runOneShot(id, target string, delay time.Duration, message string) {
	time.Sleep(delay)

	deadline := time.Now().Add(s.cfg.CompactionMaxWait)
	for {
		sess, err := s.reg.Get(target)
		if err != nil {
			if err := s.store.MarkReminderFired(id); err != nil {
				s.log.Warn("failed to retire reminder for dead target", zap.Error(err), zap.String("reminder_id", id))
			}
			return
		}
		if !sess.Compacting || time.Now().After(deadline) {
			break
		}
		time.Sleep(s.cfg.CompactionPollInterval)
	}

	// A deleted row means the reminder was cancelled while this timer slept.
	if pending, err := s.store.IsReminderPending(id); err == nil && !pending {
		return
	}

	if _, err := s.engine.QueueMessage(context.Background(), target, message, "scheduler", "scheduler", delivery.ModeUrgent, delivery.Flags{}); err != nil {
		s.log.Warn("failed to queue one-shot reminder", zap.Error(err), zap.String("target", target))
		return
	}
	if err := s.store.MarkReminderFired(id); err != nil {
		s.log.Warn("failed to mark reminder fired", zap.Error(err), zap.String("reminder_id", id))
	}
}

// CancelReminders drops any unfired one-shot reminders for target (session
// kill or clear); their sleeping timers see the deleted rows and stand down.
func (s *Scheduler) CancelReminders(target string) {
	if err := s.store.DeleteRemindersForTarget(target); err != nil {
		s.log.Warn("failed to cancel one-shot reminders", zap.Error(err), zap.String("target", target))
	}
}

// WatchSession starts a session watch: polls target up to
// timeout and notifies watcher once it settles idle or the timeout fires.
func (s *Scheduler) WatchSession(target, watcher string, timeout time.Duration) {
	go s.runWatch(target, watcher, timeout)
}

func (s *Scheduler) runWatch(target, watcher string, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	start := time.Now()
	consecutivePositives := 0
	defer s.clearTerminalProbeStreak(target)

	for time.Now().Before(deadline) {
		idle, err := s.probeIdle(target)
		if err != nil {
			return
		}
		if idle {
			consecutivePositives++
		} else {
			consecutivePositives = 0
		}

		required := 1
		if pending, _ := s.engine.QueueDepth(target); pending > 0 {
			required = 2 // phase 4: require two consecutive positives while paste may be in flight
		}
		if consecutivePositives >= required {
			s.notifyWatch(target, watcher, fmt.Sprintf("%s is now idle (waited %ds)", target, int(time.Since(start).Seconds())))
			return
		}
		wait := 2 * time.Second
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		time.Sleep(wait)
	}
	s.notifyWatch(target, watcher, fmt.Sprintf("timeout: %s still active", target))
}

// terminalProbePositives is how many consecutive bare-prompt pane captures
// phase 2 requires before trusting its own signal: a single capture can
// catch the pane mid-render of a busy agent, so it's never authoritative on
// its own the way phase 1's Delivery State or phase 3's registry status is.
const terminalProbePositives = 2

// probeIdle is the four-phase idle cascade from the session-watch design:
// phase 1 (Delivery State's own is_idle flag) and phase 3 (registry status)
// are authoritative the moment they say idle; phase 2 (a terminal pane
// prompt probe) exists to recover a terminal-kind session whose stop hook
// was lost, so it only reports idle once its own two-consecutive-positive
// streak (tracked in terminalProbeStreak) is satisfied. Phase 4 (the
// two-consecutive-positive guard while messages are pending) is applied by
// the caller, runWatch.
func (s *Scheduler) probeIdle(target string) (bool, error) {
	if s.engine.State(target).Snapshot().IsIdle {
		s.clearTerminalProbeStreak(target)
		return true, nil
	}

	sess, err := s.reg.Get(target)
	if err != nil {
		return false, err
	}

	if sess.Kind == registry.KindTerminal {
		idle, probeErr := s.engine.Terminal().WaitForIdlePrompt(context.Background(), target, 0)
		if probeErr == nil && idle {
			s.mu.Lock()
			s.terminalProbeStreak[target]++
			streak := s.terminalProbeStreak[target]
			s.mu.Unlock()
			if streak >= terminalProbePositives {
				return true, nil
			}
		} else {
			s.clearTerminalProbeStreak(target)
		}
	}

	if sess.Status == registry.StatusIdle {
		s.clearTerminalProbeStreak(target)
		return true, nil
	}
	return false, nil
}

func (s *Scheduler) clearTerminalProbeStreak(target string) {
	s.mu.Lock()
	delete(s.terminalProbeStreak, target)
	s.mu.Unlock()
}

func (s *Scheduler) notifyWatch(target, watcher, text string) {
	s.mu.Lock()
	last, ok := s.lastWatchIdleNotify[target]
	suppressed := ok && last.watcher == watcher && time.Since(last.at) < 30*time.Second
	if !suppressed {
		s.lastWatchIdleNotify[target] = watchSuppression{watcher: watcher, at: time.Now()}
	}
	s.mu.Unlock()
	if suppressed {
		return
	}
	if _, err := s.engine.QueueMessage(context.Background(), watcher, text, target, target, delivery.ModeImportant, delivery.Flags{}); err != nil {
		s.log.Warn("failed to queue watch notification", zap.Error(err), zap.String("target", target), zap.String("watcher", watcher))
	}
}
