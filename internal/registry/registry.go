package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/events"
	"github.com/kandev/orchestrator/internal/events/bus"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidKind     = errors.New("invalid adapter kind")
)

// PTYChecker reports whether a terminal handle created for sessionID is
// still alive. Supplied by the terminal adapter at wiring time so the
// registry can validate persisted rows on load without importing the
// adapter package.
type PTYChecker func(sessionID string) bool

// Registry is the authoritative {id -> Session} map, persisted atomically
// to a single JSON state file.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	statePath string
	bus       bus.EventBus
	log       *logger.Logger

	ptyAlive PTYChecker

	// OrphanedChatTopics collects chat-bridge topic identifiers from
	// discarded terminal-kind rows found during Load, for the Notifier to
	// clean up (post a "session stopped" note; the chat host owns topic
	// lifecycle, so no delete is attempted here).
	OrphanedChatTopics []string
}

// New creates an empty Registry. Call Load to populate it from disk.
func New(statePath string, eventBus bus.EventBus, log *logger.Logger) *Registry {
	return &Registry{
		sessions:  make(map[string]*Session),
		statePath: statePath,
		bus:       eventBus,
		log:       log.WithFields(zap.String("component", "registry")),
	}
}

// SetPTYChecker installs the liveness probe used during Load to discard
// terminal-kind rows whose pty no longer exists.
func (r *Registry) SetPTYChecker(check PTYChecker) {
	r.ptyAlive = check
}

type persistedState struct {
	Sessions []*Session `json:"sessions"`
}

// Load reads the state file, if any, and reconciles it:
//   - rpc-kind sessions without a retained thread id cannot be resurrected
//     and are dropped (their handle would need resumption context we don't have).
//   - terminal-kind sessions whose pty no longer exists are dropped; their
//     chat-bridge topic ids are collected for the chat mirror to clean up.
func (r *Registry) Load() error {
	data, err := os.ReadFile(r.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read registry state: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("parse registry state: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range state.Sessions {
		switch s.Kind {
		case KindRPC:
			if s.RPCThreadID == "" {
				r.log.Warn("dropping rpc session with no retained thread id", zap.String("session_id", s.ID))
				continue
			}
		case KindTerminal:
			if r.ptyAlive != nil && !r.ptyAlive(s.ID) {
				r.log.Warn("dropping terminal session whose pty no longer exists", zap.String("session_id", s.ID))
				if s.ChatID != "" {
					r.OrphanedChatTopics = append(r.OrphanedChatTopics, s.ChatID+":"+s.ThreadID)
				}
				continue
			}
		default:
			r.log.Warn("dropping session with unknown adapter kind", zap.String("session_id", s.ID))
			continue
		}
		r.sessions[s.ID] = s
	}

	return nil
}

// save persists the current map via temp-file + rename (POSIX atomic).
// Caller must hold r.mu (read lock suffices; os.Rename is the only mutation).
func (r *Registry) save() error {
	state := persistedState{Sessions: make([]*Session, 0, len(r.sessions))}
	for _, s := range r.sessions {
		state.Sessions = append(state.Sessions, s)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry state: %w", err)
	}

	dir := filepath.Dir(r.statePath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("prepare registry state dir: %w", err)
		}
	}

	tmp, err := os.CreateTemp(dir, ".sessions-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, r.statePath); err != nil {
		return fmt.Errorf("rename temp state file: %w", err)
	}
	return nil
}

// CreateSessionParams captures the inputs to CreateSession.
type CreateSessionParams struct {
	Name           string
	FriendlyName   string
	WorkingDir     string
	Kind           AdapterKind
	ParentID       string
	RoleTag        string
	IsEM           bool
	ChatID         string
	ThreadID       string
	Command        []string
	TranscriptPath string
}

// newSessionID returns a random opaque 8-hex id.
func newSessionID() string {
	return uuid.New().String()[:8]
}

// CreateSession assigns an id, records the session, and persists it. Adapter
// spawn (the pty or co-process launch) is performed by the caller, which
// should roll back (KillSession) on spawn failure.
func (r *Registry) CreateSession(params CreateSessionParams) (*Session, error) {
	if params.Kind != KindTerminal && params.Kind != KindRPC {
		return nil, ErrInvalidKind
	}

	now := time.Now()
	s := &Session{
		ID:             newSessionID(),
		Name:           params.Name,
		FriendlyName:   params.FriendlyName,
		WorkingDir:     params.WorkingDir,
		Kind:           params.Kind,
		Status:         StatusRunning,
		LastActivityAt: now,
		ParentID:       params.ParentID,
		RoleTag:        params.RoleTag,
		IsEM:           params.IsEM,
		ChatID:         params.ChatID,
		ThreadID:       params.ThreadID,
		Command:        params.Command,
		TranscriptPath: params.TranscriptPath,
		CreatedAt:      now,
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	err := r.save()
	r.mu.Unlock()
	if err != nil {
		r.mu.Lock()
		delete(r.sessions, s.ID)
		r.mu.Unlock()
		return nil, err
	}

	r.publish(events.SessionCreated, s.ID, map[string]interface{}{"kind": string(s.Kind)})
	return s.clone(), nil
}

// KillSession marks the session stopped and persists, but keeps the row for
// history unless explicitly deleted by an operator.
func (r *Registry) KillSession(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	s.Status = StatusStopped
	s.LastActivityAt = time.Now()
	err := r.save()
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.publish(events.SessionStopped, id, nil)
	return nil
}

// Delete permanently removes a session row (operator-initiated cleanup).
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(r.sessions, id)
	return r.save()
}

// Get returns a copy of the session record, or ErrSessionNotFound.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.clone(), nil
}

// Exists reports whether id names a live registry row.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[id]
	return ok
}

// List returns a snapshot of all sessions.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.clone())
	}
	return out
}

// Mutate applies fn to the live session under the write lock and persists
// the result. fn must not retain the pointer beyond its call.
func (r *Registry) Mutate(id string, fn func(s *Session)) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	fn(s)
	err := r.save()
	r.mu.Unlock()
	return err
}

// TouchActivity stamps last_activity_at and, if the session was idle,
// promotes it to running. Mutated by the Delivery Engine on every
// mark_session_active and successful delivery.
func (r *Registry) TouchActivity(id string) error {
	return r.Mutate(id, func(s *Session) {
		s.LastActivityAt = time.Now()
		if s.Status == StatusIdle {
			s.Status = StatusRunning
		}
	})
}

// SetStatus updates the registry's coarse status. Status may lag the
// Delivery State's is_idle bit but must never contradict it after a
// quiescent interval.
func (r *Registry) SetStatus(id string, status Status) error {
	return r.Mutate(id, func(s *Session) {
		s.Status = status
		s.LastActivityAt = time.Now()
	})
}

// SetAgentStatus records an agent-reported status text/timestamp, used by
// the scheduler's periodic-remind reset and the parent-wake no-progress
// detection.
func (r *Registry) SetAgentStatus(id, text string) error {
	return r.Mutate(id, func(s *Session) {
		s.AgentStatusText = text
		s.AgentStatusAt = time.Now()
	})
}

// SetCompacting updates the read-only-to-the-scheduler compaction flag.
func (r *Registry) SetCompacting(id string, compacting bool) error {
	return r.Mutate(id, func(s *Session) { s.Compacting = compacting })
}

// SetRPCThreadID records the thread id assigned after a successful
// initialize/thread-start handshake.
func (r *Registry) SetRPCThreadID(id, threadID string) error {
	return r.Mutate(id, func(s *Session) { s.RPCThreadID = threadID })
}

// SetGitRemote records asynchronously-detected git remote/worktree info.
func (r *Registry) SetGitRemote(id, remoteURL, worktreePath string) error {
	return r.Mutate(id, func(s *Session) {
		if remoteURL != "" {
			s.GitRemoteURL = remoteURL
		}
		if worktreePath != "" {
			s.WorktreePath = worktreePath
		}
	})
}

// SetLastHandoffPath records the path handed to the agent by the most
// recent handoff and resets the context-monitor flags.
func (r *Registry) SetLastHandoffPath(id, path string) error {
	return r.Mutate(id, func(s *Session) {
		s.LastHandoffPath = path
		s.ContextWarningSent = false
		s.ContextCriticalSent = false
	})
}

// SetLastTool records the most recently invoked tool name, for the hook
// ingestor's PostToolUse bookkeeping.
func (r *Registry) SetLastTool(id, toolName string) error {
	return r.Mutate(id, func(s *Session) {
		s.LastToolName = toolName
		s.LastToolCallAt = time.Now()
	})
}

// IncrementRecoveryCount bumps the crash-recovery counter.
func (r *Registry) IncrementRecoveryCount(id string) error {
	return r.Mutate(id, func(s *Session) { s.RecoveryCount++ })
}

func (r *Registry) publish(eventType, sessionID string, data map[string]interface{}) {
	if r.bus == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["session_id"] = sessionID
	evt := bus.NewEvent(eventType, "registry", data)
	if err := r.bus.Publish(context.Background(), events.BuildSessionSubject(sessionID), evt); err != nil {
		r.log.Warn("failed to publish lifecycle event", zap.Error(err), zap.String("event_type", eventType))
	}
}
