// Package terminal implements the Terminal Adapter: one
// pseudo-terminal per terminal-kind session, driven through paste+Enter and
// idle-prompt detection via a headless vt10x terminal emulator.
package terminal

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/tuzig/vt10x"
	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/logger"
)

// Config tunes pacing constants an interactive runner would otherwise
// hardcode; here they are operator-tunable.
type Config struct {
	SettleDelay      time.Duration
	InterKeyDelay    time.Duration
	IdlePromptPoll   time.Duration
	DefaultCols      int
	DefaultRows      int
	ClearSettleDelay time.Duration
	ClearIdleTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		SettleDelay:      300 * time.Millisecond,
		InterKeyDelay:    300 * time.Millisecond,
		IdlePromptPoll:   200 * time.Millisecond,
		DefaultCols:      120,
		DefaultRows:      40,
		ClearSettleDelay: 300 * time.Millisecond,
		ClearIdleTimeout: 5 * time.Second,
	}
}

type handle struct {
	mu     sync.Mutex
	pty    ptyHandle
	cmd    *exec.Cmd
	term   vt10x.Terminal
	cols   int
	rows   int
	dead   bool
	killed bool
	closed chan struct{}
}

// Adapter is the Terminal Adapter: a manager of pty sessions keyed by
// session id. All public methods take a session id rather than a handle so
// the Delivery Engine and Session Registry never need a reference to the
// underlying pty.
type Adapter struct {
	mu       sync.RWMutex
	sessions map[string]*handle
	cfg      Config
	log      *logger.Logger
	onDead   func(sessionID string)
}

// New constructs a Terminal Adapter. onDead is invoked (from the reader
// goroutine) the moment a pty's process exits on its own, so the caller can
// mark the registry session stopped and orphan any ledger requests; it is
// not invoked for a pty torn down by Kill.
func New(cfg Config, onDead func(sessionID string), log *logger.Logger) *Adapter {
	return &Adapter{
		sessions: make(map[string]*handle),
		cfg:      cfg,
		log:      log.WithFields(zap.String("component", "terminal-adapter")),
		onDead:   onDead,
	}
}

// Spawn launches the CLI under a pty for sessionID. Before launching, it
// sets the session-id environment variable so hook scripts can identify the
// calling session. If initialPrompt is non-empty, it is pasted after a
// settle delay.
func (a *Adapter) Spawn(ctx context.Context, sessionID, workingDir string, command []string, env map[string]string, initialPrompt string) error {
	if len(command) == 0 {
		return fmt.Errorf("spawn %s: empty command", sessionID)
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = workingDir
	cmd.Env = append(cmd.Environ(), "KANDEV_ORCHESTRATOR_SESSION_ID="+sessionID)
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	cols, rows := a.cfg.DefaultCols, a.cfg.DefaultRows
	p, err := startPTYWithSize(cmd, cols, rows)
	if err != nil {
		return fmt.Errorf("start pty for %s: %w", sessionID, err)
	}

	h := &handle{
		pty:    p,
		cmd:    cmd,
		term:   vt10x.New(vt10x.WithSize(cols, rows)),
		cols:   cols,
		rows:   rows,
		closed: make(chan struct{}),
	}

	a.mu.Lock()
	a.sessions[sessionID] = h
	a.mu.Unlock()

	go a.readLoop(sessionID, h)

	if initialPrompt != "" {
		time.Sleep(a.cfg.SettleDelay)
		if err := a.SendText(ctx, sessionID, initialPrompt); err != nil {
			a.log.Warn("failed to paste initial prompt", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	return nil
}

func (a *Adapter) readLoop(sessionID string, h *handle) {
	buf := make([]byte, 4096)
	for {
		n, err := h.pty.Read(buf)
		if n > 0 {
			h.mu.Lock()
			_, _ = h.term.Write(buf[:n])
			h.mu.Unlock()
		}
		if err != nil {
			h.mu.Lock()
			h.dead = true
			killedIntentionally := h.killed
			h.mu.Unlock()
			close(h.closed)
			// A deliberate Kill already drives the registry transition
			// through the caller of Kill; only an unexpected pty death
			// should trigger the onDead callback (crash recovery dispatch).
			if a.onDead != nil && !killedIntentionally {
				a.onDead(sessionID)
			}
			return
		}
	}
}

func (a *Adapter) get(sessionID string) (*handle, error) {
	a.mu.RLock()
	h, ok := a.sessions[sessionID]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("terminal adapter: no pty for session %s", sessionID)
	}
	return h, nil
}

// SendText pastes text into the pty, waits an inter-key delay to defeat the
// CLI's paste-detection heuristics, then sends Enter.
func (a *Adapter) SendText(ctx context.Context, sessionID, text string) error {
	h, err := a.get(sessionID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	dead := h.dead
	h.mu.Unlock()
	if dead {
		return fmt.Errorf("terminal adapter: session %s pty is dead", sessionID)
	}
	if _, err := h.pty.Write([]byte(text)); err != nil {
		return fmt.Errorf("write text to %s: %w", sessionID, err)
	}
	time.Sleep(a.cfg.InterKeyDelay)
	if _, err := h.pty.Write([]byte("\r")); err != nil {
		return fmt.Errorf("send enter to %s: %w", sessionID, err)
	}
	return nil
}

var keyBytes = map[string][]byte{
	"Escape": {0x1b},
	"Enter":  {'\r'},
	"Ctrl-U": {0x15},
	"Ctrl-C": {0x03},
	"Tab":    {'\t'},
}

// SendKey sends a single named control key.
func (a *Adapter) SendKey(ctx context.Context, sessionID, key string) error {
	h, err := a.get(sessionID)
	if err != nil {
		return err
	}
	b, ok := keyBytes[key]
	if !ok {
		return fmt.Errorf("send key to %s: unknown key %q", sessionID, key)
	}
	if _, err := h.pty.Write(b); err != nil {
		return fmt.Errorf("send key %q to %s: %w", key, sessionID, err)
	}
	return nil
}

// CaptureOutput returns the last tailLines visible rows of the pane,
// trimmed of trailing blank lines.
func (a *Adapter) CaptureOutput(ctx context.Context, sessionID string, tailLines int) (string, error) {
	h, err := a.get(sessionID)
	if err != nil {
		return "", err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	lines := make([]string, 0, h.rows)
	for row := 0; row < h.rows; row++ {
		var b strings.Builder
		for col := 0; col < h.cols; col++ {
			g := h.term.Cell(col, row)
			if g.Char == 0 {
				b.WriteRune(' ')
			} else {
				b.WriteRune(g.Char)
			}
		}
		lines = append(lines, strings.TrimRight(b.String(), " "))
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if tailLines > 0 && len(lines) > tailLines {
		lines = lines[len(lines)-tailLines:]
	}
	return strings.Join(lines, "\n"), nil
}

// WaitForIdlePrompt polls the pane until the last non-empty line is a bare
// ">" (the CLI's idle prompt), or timeout elapses.
func (a *Adapter) WaitForIdlePrompt(ctx context.Context, sessionID string, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		text, err := a.CaptureOutput(ctx, sessionID, 1)
		if err != nil {
			return false, err
		}
		if strings.TrimSpace(text) == ">" {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(a.cfg.IdlePromptPoll):
		}
	}
}

// Interrupt sends Escape to stop any in-flight streaming output.
func (a *Adapter) Interrupt(ctx context.Context, sessionID string) error {
	return a.SendKey(ctx, sessionID, "Escape")
}

// Kill terminates the pty and its child process. The death it causes is
// marked intentional so the reader goroutine does not also fire onDead
// (which would otherwise trigger a spurious crash-recovery dispatch).
func (a *Adapter) Kill(sessionID string) error {
	h, err := a.get(sessionID)
	if err != nil {
		return nil // already gone
	}
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	a.mu.Lock()
	delete(a.sessions, sessionID)
	a.mu.Unlock()
	return h.pty.Close()
}

// IsAlive implements registry.PTYChecker.
func (a *Adapter) IsAlive(sessionID string) bool {
	h, err := a.get(sessionID)
	if err != nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.dead
}

// Resize changes a session's pty and vt10x terminal dimensions together.
func (a *Adapter) Resize(sessionID string, cols, rows int) error {
	h, err := a.get(sessionID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.pty.Resize(uint16(cols), uint16(rows)); err != nil {
		return fmt.Errorf("resize pty for %s: %w", sessionID, err)
	}
	h.term.Resize(cols, rows)
	h.cols, h.rows = cols, rows
	return nil
}
