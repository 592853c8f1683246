// Package recovery implements the Recovery Controller:
// relaunching a terminal-kind agent's CLI after a crash while its pty is
// still alive, pausing delivery for the duration so the queue never wedges.
package recovery

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/delivery"
	"github.com/kandev/orchestrator/internal/registry"
)

// Config tunes the scripted shutdown/relaunch sequence's pacing.
type Config struct {
	ShutdownWait time.Duration
}

func DefaultConfig() Config {
	return Config{ShutdownWait: 3 * time.Second}
}

var resumePhrase = regexp.MustCompile(`--resume\s+([0-9a-fA-F-]{8,})`)

// Controller drives relaunch of a crashed-but-pty-alive terminal session.
type Controller struct {
	cfg    Config
	engine *delivery.Engine
	reg    *registry.Registry
	log    *logger.Logger
}

func New(cfg Config, engine *delivery.Engine, reg *registry.Registry, log *logger.Logger) *Controller {
	return &Controller{cfg: cfg, engine: engine, reg: reg, log: log.WithFields(zap.String("component", "recovery"))}
}

// RecoverSession runs the relaunch sequence asynchronously. Command is the
// CLI invocation used to originally spawn the session (e.g. "claude"),
// transcriptPathStem is used as a fallback resume identifier when the
// known resume phrase cannot be parsed from the captured pane.
func (c *Controller) RecoverSession(ctx context.Context, sessionID string, command []string, graceful bool, transcriptPathStem string) {
	go c.recover(ctx, sessionID, command, graceful, transcriptPathStem)
}

func (c *Controller) recover(ctx context.Context, sessionID string, command []string, graceful bool, transcriptPathStem string) {
	c.engine.Pause(sessionID)
	defer c.engine.Unpause(ctx, sessionID)

	if err := c.run(ctx, sessionID, command, graceful, transcriptPathStem); err != nil {
		c.log.Error("session recovery failed", zap.Error(err), zap.String("session_id", sessionID))
	}
}

func (c *Controller) run(ctx context.Context, sessionID string, command []string, graceful bool, transcriptPathStem string) error {
	term := c.engine.Terminal()

	// Step 2: shut the harness down.
	if graceful {
		if err := term.SendText(ctx, sessionID, "/exit"); err != nil {
			return fmt.Errorf("recover %s: send /exit: %w", sessionID, err)
		}
	} else {
		for i := 0; i < 2; i++ {
			if err := term.SendKey(ctx, sessionID, "Ctrl-C"); err != nil {
				return fmt.Errorf("recover %s: send ctrl-c: %w", sessionID, err)
			}
		}
	}
	time.Sleep(c.cfg.ShutdownWait)

	// Step 3: capture the pane and parse the resume uuid.
	pane, err := term.CaptureOutput(ctx, sessionID, 50)
	if err != nil {
		return fmt.Errorf("recover %s: capture pane: %w", sessionID, err)
	}
	resumeID := parseResumeID(pane)
	if resumeID == "" {
		resumeID = transcriptPathStem
	}
	if resumeID == "" {
		return fmt.Errorf("recover %s: no resume id found in pane or transcript stem", sessionID)
	}

	// Step 4: recover the terminal if shutdown was not graceful.
	if !graceful {
		if err := term.SendText(ctx, sessionID, "stty sane"); err != nil {
			return fmt.Errorf("recover %s: stty sane: %w", sessionID, err)
		}
	}

	// Step 5: relaunch with --resume <uuid>.
	cmdLine := strings.Join(append(append([]string{}, command...), "--resume", resumeID), " ")
	if err := term.SendText(ctx, sessionID, cmdLine); err != nil {
		return fmt.Errorf("recover %s: relaunch: %w", sessionID, err)
	}

	// Step 6: update session bookkeeping.
	if err := c.reg.IncrementRecoveryCount(sessionID); err != nil {
		c.log.Warn("failed to increment recovery count", zap.Error(err), zap.String("session_id", sessionID))
	}
	if err := c.reg.TouchActivity(sessionID); err != nil {
		c.log.Warn("failed to touch activity", zap.Error(err), zap.String("session_id", sessionID))
	}
	if err := c.reg.SetStatus(sessionID, registry.StatusIdle); err != nil {
		c.log.Warn("failed to set status idle", zap.Error(err), zap.String("session_id", sessionID))
	}
	return nil
}

func parseResumeID(pane string) string {
	m := resumePhrase.FindStringSubmatch(pane)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}
