// Package registry holds the authoritative Session Registry: the
// in-memory {id -> Session} map with atomic JSON persistence.
package registry

import "time"

// AdapterKind identifies whether a session is driven through a pseudo-terminal
// or through a JSON-RPC co-process.
type AdapterKind string

const (
	KindTerminal AdapterKind = "terminal"
	KindRPC      AdapterKind = "rpc"
)

// Status is the coarse lifecycle status surfaced to operators. It may lag
// the Delivery State's authoritative is_idle bit but never contradicts it
// after a quiescent interval.
type Status string

const (
	StatusRunning           Status = "running"
	StatusIdle              Status = "idle"
	StatusWaitingPermission Status = "waiting_permission"
	StatusStopped           Status = "stopped"
	StatusError             Status = "error"
)

// ReviewMode enumerates the review target kinds understood by the RPC
// Adapter's review/start call.
type ReviewMode string

const (
	ReviewBranch      ReviewMode = "branch"
	ReviewUncommitted ReviewMode = "uncommitted"
	ReviewCommit      ReviewMode = "commit"
	ReviewCustom      ReviewMode = "custom"
	ReviewPR          ReviewMode = "pr"
)

// ReviewConfig captures an in-progress or most-recent review for a session.
type ReviewConfig struct {
	Mode           ReviewMode `json:"mode"`
	BaseBranch     string     `json:"base_branch,omitempty"`
	CommitSHA      string     `json:"commit_sha,omitempty"`
	CustomPrompt   string     `json:"custom_prompt,omitempty"`
	SteerText      string     `json:"steer_text,omitempty"`
	SteerDelivered bool       `json:"steer_delivered"`
	PRRepo         string     `json:"pr_repo,omitempty"`
	PRNumber       int        `json:"pr_number,omitempty"`
	PRCommentID    string     `json:"pr_comment_id,omitempty"`
}

// Session is the authoritative record for one agent. It is created and
// destroyed only by the registry; its activity stamps are mutated by the
// Delivery Engine and its status by the adapters on I/O.
type Session struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	FriendlyName string      `json:"friendly_name"`
	WorkingDir   string      `json:"working_dir"`
	Kind         AdapterKind `json:"kind"`

	// Command is the original CLI invocation used to spawn a terminal-kind
	// session, retained so the Recovery Controller can relaunch it with
	// --resume after a crash. Empty for rpc-kind sessions.
	Command []string `json:"command,omitempty"`

	// TranscriptPath is the fallback resume identifier used when the
	// Recovery Controller cannot parse a resume uuid from the captured pane.
	TranscriptPath string `json:"transcript_path,omitempty"`

	// RPCThreadID is set once the rpc-kind adapter has completed its
	// initialize/thread-start handshake. Empty for terminal-kind sessions.
	RPCThreadID string `json:"rpc_thread_id,omitempty"`

	Status         Status    `json:"status"`
	LastActivityAt time.Time `json:"last_activity_at"`

	ParentID string `json:"parent_id,omitempty"`
	RoleTag  string `json:"role_tag,omitempty"`

	// IsEM marks an "engineering manager"-class session: only EM sessions
	// may arm notify-on-stop on another session.
	IsEM bool `json:"is_em"`

	// Compacting is read-only to the scheduler and is set only through
	// Registry.SetCompacting; no hook or adapter in this module calls it.
	Compacting bool `json:"compacting"`

	ChatID   string `json:"chat_id,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`

	Review *ReviewConfig `json:"review,omitempty"`

	RecoveryCount   int    `json:"recovery_count"`
	LastHandoffPath string `json:"last_handoff_path,omitempty"`

	AgentStatusText string    `json:"agent_status_text,omitempty"`
	AgentStatusAt   time.Time `json:"agent_status_at,omitempty"`

	ContextWarningSent  bool `json:"context_warning_sent"`
	ContextCriticalSent bool `json:"context_critical_sent"`

	// GitRemoteURL and WorktreePath are filled asynchronously once detected;
	// absence never blocks session creation.
	GitRemoteURL string `json:"git_remote_url,omitempty"`
	WorktreePath string `json:"worktree_path,omitempty"`

	LastToolName   string    `json:"last_tool_name,omitempty"`
	LastToolCallAt time.Time `json:"last_tool_call_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// FriendlyNameOrName returns the operator-facing friendly name, falling
// back to the internal name when none was set.
func (s *Session) FriendlyNameOrName() string {
	if s.FriendlyName != "" {
		return s.FriendlyName
	}
	return s.Name
}

func (s *Session) clone() *Session {
	cp := *s
	if s.Review != nil {
		rc := *s.Review
		cp.Review = &rc
	}
	return &cp
}
