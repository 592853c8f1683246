// Package hooks implements the Hook Ingestor: HTTP handlers
// accepting PreToolUse/PostToolUse/Stop events from terminal-kind agents,
// workspace lock arbitration, and tool-usage audit logging.
package hooks

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/delivery"
	"github.com/kandev/orchestrator/internal/observability"
	"github.com/kandev/orchestrator/internal/registry"
)

const lockStaleAfter = 30 * time.Minute

// fileMutatingTools names the tools whose PreToolUse invocation must acquire
// the repo workspace lock before proceeding.
var fileMutatingTools = map[string]bool{
	"Write":        true,
	"Edit":         true,
	"NotebookEdit": true,
	"Bash":         true,
}

var worktreeAddPattern = regexp.MustCompile(`git\s+worktree\s+add\s+(?:-\S+\s+)*"?([^\s"]+)"?`)

// PreToolUseRequest mirrors the hook's JSON payload. ToolInput is whatever
// the agent's hook script posted, forwarded as opaque bytes.
type PreToolUseRequest struct {
	SessionManagerID string          `json:"session_manager_id"`
	HookEventName    string          `json:"hook_event_name"`
	Cwd              string          `json:"cwd"`
	ToolName         string          `json:"tool_name"`
	ToolInput        json.RawMessage `json:"tool_input"`
	TranscriptPath   string          `json:"transcript_path"`
	TaskID           string          `json:"task_id"`
	Branch           string          `json:"branch"`
}

// PostToolUseRequest mirrors the hook's JSON payload.
type PostToolUseRequest struct {
	SessionManagerID string          `json:"session_manager_id"`
	HookEventName    string          `json:"hook_event_name"`
	Cwd              string          `json:"cwd"`
	ToolName         string          `json:"tool_name"`
	ToolInput        json.RawMessage `json:"tool_input"`
	ToolResponse     json.RawMessage `json:"tool_response"`
	TranscriptPath   string          `json:"transcript_path"`
}

// StopRequest mirrors the hook's JSON payload.
type StopRequest struct {
	SessionManagerID string `json:"session_manager_id"`
	HookEventName    string `json:"hook_event_name"`
	Cwd              string `json:"cwd"`
	LastOutput       string `json:"last_output"`
	TranscriptPath   string `json:"transcript_path"`
}

// Service implements the three hook handlers over the Delivery Engine,
// Session Registry, and Observability Logger.
type Service struct {
	engine *delivery.Engine
	reg    *registry.Registry
	obs    *observability.Logger

	locksMu sync.Mutex
	locks   map[string]bool // repo path -> held, in-process fast path before the on-disk check

	promptedMu sync.Mutex
	prompted   map[string]string // sessionID -> last dirty-worktree status hash already prompted

	log *logger.Logger
}

func New(engine *delivery.Engine, reg *registry.Registry, obs *observability.Logger, log *logger.Logger) *Service {
	return &Service{
		engine:   engine,
		reg:      reg,
		obs:      obs,
		locks:    make(map[string]bool),
		prompted: make(map[string]string),
		log:      log.WithFields(zap.String("component", "hook-ingestor")),
	}
}

// PreToolUse implements the PreToolUse hook.
func (s *Service) PreToolUse(ctx context.Context, req PreToolUseRequest) error {
	s.engine.MarkSessionActive(req.SessionManagerID)

	if fileMutatingTools[req.ToolName] && req.Cwd != "" {
		lockPath := filepath.Join(req.Cwd, ".claude", "workspace.lock")
		if owner, ok, err := s.acquireLock(lockPath, req.SessionManagerID, req.TaskID, req.Branch); err != nil {
			return fmt.Errorf("acquire workspace lock: %w", err)
		} else if !ok {
			return fmt.Errorf("workspace locked by session %s", owner)
		}
	}

	if m := worktreeAddPattern.FindStringSubmatch(string(req.ToolInput)); len(m) == 2 {
		if err := s.reg.SetGitRemote(req.SessionManagerID, "", m[1]); err != nil {
			s.log.Warn("failed to record worktree path", zap.Error(err), zap.String("session_id", req.SessionManagerID))
		}
	}

	evt := observability.ToolEvent{
		SessionID: req.SessionManagerID,
		ToolName:  req.ToolName,
		Phase:     "pre",
		Provider:  "hook",
	}
	evt.Command, evt.FilePath = extractToolInput(req.ToolInput)
	_ = s.obs.LogToolEvent(evt, req.ToolInput)
	return nil
}

// PostToolUse implements the PostToolUse hook.
func (s *Service) PostToolUse(ctx context.Context, req PostToolUseRequest) error {
	evt := observability.ToolEvent{
		SessionID: req.SessionManagerID,
		ToolName:  req.ToolName,
		Phase:     "post",
		Provider:  "hook",
	}
	evt.Command, evt.FilePath = extractToolInput(req.ToolInput)
	evt.ExitCode, evt.DurationMs = extractToolResponse(req.ToolResponse)
	_ = s.obs.LogToolEvent(evt, req.ToolResponse)
	if err := s.reg.SetLastTool(req.SessionManagerID, req.ToolName); err != nil {
		s.log.Warn("failed to record last tool", zap.Error(err), zap.String("session_id", req.SessionManagerID))
	}
	return nil
}

// extractToolInput pulls the command/file_path fields agent hook payloads
// carry for shell and file tools; absent keys stay empty.
func extractToolInput(raw json.RawMessage) (command, filePath string) {
	if len(raw) == 0 {
		return "", ""
	}
	var in struct {
		Command  string `json:"command"`
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return "", ""
	}
	return in.Command, in.FilePath
}

// extractToolResponse pulls exit code and latency out of a PostToolUse
// tool_response payload when the tool reports them.
func extractToolResponse(raw json.RawMessage) (exitCode *int, durationMs *int64) {
	if len(raw) == 0 {
		return nil, nil
	}
	var resp struct {
		ExitCode   *int   `json:"exit_code"`
		DurationMs *int64 `json:"duration_ms"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, nil
	}
	return resp.ExitCode, resp.DurationMs
}

// Stop implements the Stop hook: marks the session idle,
// releases any workspace locks it holds, and prompts for dirty worktree
// cleanup at most once per distinct git status.
func (s *Service) Stop(ctx context.Context, req StopRequest) error {
	s.engine.MarkSessionIdle(ctx, req.SessionManagerID, req.LastOutput, true)

	sess, err := s.reg.Get(req.SessionManagerID)
	if err != nil {
		return nil // session already gone; nothing further to release
	}

	if sess.WorkingDir != "" {
		lockPath := filepath.Join(sess.WorkingDir, ".claude", "workspace.lock")
		s.releaseLock(lockPath, req.SessionManagerID)
	}

	if sess.WorktreePath != "" {
		s.promptDirtyWorktreeCleanup(ctx, sess)
	}
	return nil
}

func (s *Service) promptDirtyWorktreeCleanup(ctx context.Context, sess *registry.Session) {
	status, err := gitStatusPorcelain(sess.WorktreePath)
	if err != nil || strings.TrimSpace(status) == "" {
		return
	}
	hash := sha256Hex(status)

	s.promptedMu.Lock()
	already := s.prompted[sess.ID] == hash
	s.prompted[sess.ID] = hash
	s.promptedMu.Unlock()
	if already {
		return
	}

	text := fmt.Sprintf("Worktree %s has uncommitted changes. Clean up or commit before removing it.", sess.WorktreePath)
	if _, err := s.engine.QueueMessage(ctx, sess.ID, text, "hook-ingestor", "Hook Ingestor", delivery.ModeImportant, delivery.Flags{Category: "worktree_cleanup"}); err != nil {
		s.log.Warn("failed to queue worktree cleanup prompt", zap.Error(err), zap.String("session_id", sess.ID))
	}
}

func gitStatusPorcelain(dir string) (string, error) {
	cmd := exec.Command("git", "-C", dir, "status", "--porcelain")
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// lockFields is the workspace.lock file's key=value schema.
type lockFields struct {
	Session string
	Task    string
	Branch  string
	Started time.Time
}

func readLockFile(path string) (*lockFields, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	fields := &lockFields{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch k {
		case "session":
			fields.Session = v
		case "task":
			fields.Task = v
		case "branch":
			fields.Branch = v
		case "started":
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				fields.Started = t
			}
		}
	}
	return fields, scanner.Err()
}

func writeLockFile(path string, f lockFields) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	content := fmt.Sprintf("session=%s\ntask=%s\nbranch=%s\nstarted=%s\n",
		f.Session, f.Task, f.Branch, f.Started.Format(time.RFC3339))
	return os.WriteFile(path, []byte(content), 0o644)
}

// acquireLock grants the lock to sessionID if the file is absent, already
// owned by sessionID, or stale (older than 30 minutes). Returns the current
// owner and whether acquisition succeeded.
func (s *Service) acquireLock(path, sessionID, taskID, branch string) (string, bool, error) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	existing, err := readLockFile(path)
	if err != nil {
		return "", false, err
	}
	if existing != nil && existing.Session != sessionID && time.Since(existing.Started) < lockStaleAfter {
		return existing.Session, false, nil
	}

	if err := writeLockFile(path, lockFields{Session: sessionID, Task: taskID, Branch: branch, Started: time.Now()}); err != nil {
		return "", false, err
	}
	s.locks[path] = true
	return sessionID, true, nil
}

func (s *Service) releaseLock(path, sessionID string) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	existing, err := readLockFile(path)
	if err != nil || existing == nil || existing.Session != sessionID {
		return
	}
	_ = os.Remove(path)
	delete(s.locks, path)
}

// HTTP handlers (gin), wired under /hooks/*.

func (s *Service) HandlePreToolUse(c *gin.Context) {
	var req PreToolUseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}
	if err := s.PreToolUse(c.Request.Context(), req); err != nil {
		c.JSON(409, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, gin.H{"ok": true})
}

func (s *Service) HandlePostToolUse(c *gin.Context) {
	var req PostToolUseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}
	if err := s.PostToolUse(c.Request.Context(), req); err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, gin.H{"ok": true})
}

func (s *Service) HandleStop(c *gin.Context) {
	var req StopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}
	if err := s.Stop(c.Request.Context(), req); err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, gin.H{"ok": true})
}
