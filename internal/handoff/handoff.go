// Package handoff implements the Handoff Executor: a scripted
// context-clear + resume sequence run on the terminal (or rpc thread) under
// the delivery mutex, armed by the hook ingestor via pending_handoff_path.
package handoff

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/delivery"
	"github.com/kandev/orchestrator/internal/registry"
)

// Config tunes the scripted sequence's pacing.
type Config struct {
	IdlePromptWait time.Duration
	ExtendedWait   time.Duration
}

func DefaultConfig() Config {
	return Config{
		IdlePromptWait: 5 * time.Second,
		ExtendedWait:   5 * time.Second,
	}
}

// ThreadStarter is the rpc-kind variant of "/clear": starting a fresh
// thread. Implemented by internal/adapter/rpc.Manager.
type ThreadStarter interface {
	StartNewThread(ctx context.Context, sessionID, model string) (string, error)
}

// Executor implements delivery.HandoffExecutor.
type Executor struct {
	cfg      Config
	engine   *delivery.Engine
	reg      *registry.Registry
	rpcStart ThreadStarter
	log      *logger.Logger
}

// New constructs a Handoff Executor. rpcStart may be nil if no rpc-kind
// sessions are in use.
func New(cfg Config, engine *delivery.Engine, reg *registry.Registry, rpcStart ThreadStarter, log *logger.Logger) *Executor {
	return &Executor{cfg: cfg, engine: engine, reg: reg, rpcStart: rpcStart, log: log.WithFields(zap.String("component", "handoff"))}
}

// Execute runs the scripted clear+resume sequence under the session's
// delivery mutex. On any failure it restores is_idle=true and
// schedules a normal delivery attempt so the session never wedges.
func (e *Executor) Execute(ctx context.Context, sessionID, path string) error {
	lock := e.engine.Lock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := e.run(ctx, sessionID, path); err != nil {
		e.log.Warn("handoff failed, restoring idle", zap.Error(err), zap.String("session_id", sessionID))
		e.engine.RestoreIdleAndRetry(ctx, sessionID)
		return err
	}
	return nil
}

func (e *Executor) run(ctx context.Context, sessionID, path string) error {
	sess, err := e.reg.Get(sessionID)
	if err != nil {
		return fmt.Errorf("handoff %s: %w", sessionID, err)
	}

	// Step 1: arm the skip fence and clear stale state.
	e.engine.ArmSkipFence(sessionID, 1)

	if sess.Kind == registry.KindTerminal {
		if err := e.runTerminal(ctx, sessionID); err != nil {
			return err
		}
	} else {
		if e.rpcStart == nil {
			return fmt.Errorf("handoff %s: rpc variant unavailable", sessionID)
		}
		threadID, err := e.rpcStart.StartNewThread(ctx, sessionID, "")
		if err != nil {
			return fmt.Errorf("handoff %s: start new thread: %w", sessionID, err)
		}
		if err := e.reg.SetRPCThreadID(sessionID, threadID); err != nil {
			e.log.Warn("failed to persist new thread id", zap.Error(err), zap.String("session_id", sessionID))
		}
	}

	// Step 5: send the resume prompt.
	resumePrompt := fmt.Sprintf("Read %s and continue from where you left off.", path)
	term := e.engine.Terminal()
	rpc := e.engine.RPC()
	switch sess.Kind {
	case registry.KindTerminal:
		if err := term.SendText(ctx, sessionID, resumePrompt); err != nil {
			return fmt.Errorf("handoff %s: send resume prompt: %w", sessionID, err)
		}
	default:
		if _, err := rpc.SendUserTurn(ctx, sessionID, resumePrompt); err != nil {
			return fmt.Errorf("handoff %s: send resume prompt: %w", sessionID, err)
		}
	}

	// Step 6: mark active, persist last_handoff_path, reset context flags.
	e.engine.MarkSessionActive(sessionID)
	if err := e.reg.SetLastHandoffPath(sessionID, path); err != nil {
		e.log.Warn("failed to persist handoff path", zap.Error(err), zap.String("session_id", sessionID))
	}
	return nil
}

func (e *Executor) runTerminal(ctx context.Context, sessionID string) error {
	term := e.engine.Terminal()

	// Step 2: Escape, wait for idle prompt.
	if err := term.SendKey(ctx, sessionID, "Escape"); err != nil {
		return fmt.Errorf("handoff %s: send escape: %w", sessionID, err)
	}
	if _, err := term.WaitForIdlePrompt(ctx, sessionID, e.cfg.IdlePromptWait); err != nil {
		return fmt.Errorf("handoff %s: wait for idle after escape: %w", sessionID, err)
	}

	// Step 3: /clear; SendText already pastes, settles, then sends Enter.
	if err := term.SendText(ctx, sessionID, "/clear"); err != nil {
		return fmt.Errorf("handoff %s: send /clear: %w", sessionID, err)
	}

	// Step 4: extended idle wait, a clear rewrites the full display.
	ok, err := term.WaitForIdlePrompt(ctx, sessionID, e.cfg.ExtendedWait)
	if err != nil {
		return fmt.Errorf("handoff %s: wait for idle after clear: %w", sessionID, err)
	}
	if !ok {
		return fmt.Errorf("handoff %s: idle prompt did not reappear after clear", sessionID)
	}
	return nil
}
