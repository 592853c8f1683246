// Package codexwire speaks the Codex app-server JSON-RPC dialect: a
// JSON-RPC 2.0 variant, over stdio, that omits the "jsonrpc":"2.0" envelope
// field and threads a thread/turn hierarchy through its methods instead of
// a single flat session id. This is the wire format the RPC Adapter uses
// for agents that expose the Codex app-server protocol; agents speaking
// the Agent Client Protocol instead go through the acp sibling file in
// the parent package.
//
// Only the method/notification surface the orchestrator actually drives is
// kept here — thread/fork, thread/list, account/*, model/list, skills/list
// and config/read are real Codex app-server methods the orchestrator has no
// caller for, so they aren't declared.
package codexwire

import "encoding/json"

// Request represents a Codex JSON-RPC request (without jsonrpc field).
type Request struct {
	ID     interface{}     `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response represents a Codex JSON-RPC response.
type Response struct {
	ID     interface{}     `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Notification represents a Codex notification (no id field).
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Error represents a JSON-RPC error.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC error codes.
const (
	MethodNotFound = -32601
	InternalError  = -32603
)

// Codex method names the orchestrator calls.
const (
	MethodInitialize    = "initialize"
	MethodInitialized   = "initialized" // notification
	MethodThreadStart   = "thread/start"
	MethodThreadResume  = "thread/resume"
	MethodTurnStart     = "turn/start"
	MethodTurnInterrupt = "turn/interrupt"
	MethodReviewStart   = "review/start"
)

// Codex notification methods (server -> client) the orchestrator handles.
const (
	NotifyTurnStarted                   = "turn/started"
	NotifyTurnCompleted                 = "turn/completed"
	NotifyItemStarted                   = "item/started"
	NotifyItemCompleted                 = "item/completed"
	NotifyItemAgentMessageDelta         = "item/agentMessage/delta"
	NotifyItemCmdExecRequestApproval    = "item/commandExecution/requestApproval"
	NotifyItemFileChangeRequestApproval = "item/fileChange/requestApproval"
)

// RequestKind classifies an inbound server-request method into the Request
// Ledger's request_type column. Used instead of storing the raw method
// string so the ledger's pending-request listing reads the same regardless
// of which wire protocol (codexwire or acp) raised the request.
func RequestKind(method string) string {
	switch method {
	case NotifyItemCmdExecRequestApproval:
		return "command_execution"
	case NotifyItemFileChangeRequestApproval:
		return "file_change"
	default:
		return "unknown"
	}
}

// InitializeParams for the initialize request.
type InitializeParams struct {
	ClientInfo *ClientInfo `json:"clientInfo"`
}

// ClientInfo identifies the client.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ThreadStartParams for thread/start.
type ThreadStartParams struct {
	Model string `json:"model,omitempty"`
	Cwd   string `json:"cwd,omitempty"`
}

// Thread represents a Codex thread (conversation).
type Thread struct {
	ID string `json:"id"`
}

// ThreadStartResult from thread/start.
type ThreadStartResult struct {
	Thread *Thread `json:"thread"`
}

// ThreadResumeParams for thread/resume.
type ThreadResumeParams struct {
	ThreadID string `json:"threadId"`
}

// ThreadResumeResult from thread/resume.
type ThreadResumeResult struct {
	Thread *Thread `json:"thread"`
}

// UserInput represents one piece of input to a turn.
type UserInput struct {
	Type string `json:"type"` // "text", "image", "localImage", "skill"
	Text string `json:"text,omitempty"`
}

// TurnStartParams for turn/start.
type TurnStartParams struct {
	ThreadID string      `json:"threadId"`
	Input    []UserInput `json:"input"`
}

// Turn represents a Codex turn within a thread.
type Turn struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// TurnStartResult from turn/start.
type TurnStartResult struct {
	Turn *Turn `json:"turn"`
}

// Item represents a Codex item (message, command, file change, etc).
// Command/Path/ExitCode/DurationMs/Status are populated by the app-server
// for commandExecution and fileChange items; absent elsewhere.
type Item struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Command string `json:"command,omitempty"`

	Path       string `json:"path,omitempty"`
	ExitCode   *int   `json:"exitCode,omitempty"`
	DurationMs *int64 `json:"durationMs,omitempty"`
	Status     string `json:"status,omitempty"`

	Summary []ContentPart `json:"summary,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
}

// ContentPart is one typed content fragment within an Item, matching the
// OpenAI responses format where content is an array of typed objects.
type ContentPart struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text,omitempty"`
}

// ItemStartedParams for item/started.
type ItemStartedParams struct {
	Item *Item `json:"item"`
}

// ItemCompletedParams for item/completed.
type ItemCompletedParams struct {
	Item *Item `json:"item"`
}

// AgentMessageDeltaParams for item/agentMessage/delta.
type AgentMessageDeltaParams struct {
	Delta string `json:"delta"`
}

// TurnCompletedParams for turn/completed.
type TurnCompletedParams struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
