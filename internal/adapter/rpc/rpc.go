// Package rpc implements the RPC Adapter (component B): sessions whose
// agent runs as a co-process speaking JSON-RPC over stdio rather than
// living inside a pty. Two wire protocols are supported side by side,
// selected per session by its protocol field:
//
//   - "codex" (the default): the Codex app-server's thread/turn dialect,
//     handled by the sibling codexwire package.
//   - "acp": the Agent Client Protocol, handled via the real
//     github.com/coder/acp-go-sdk client connection, for agents (Claude
//     Code, Gemini CLI and other ACP-speaking CLIs) that don't expose
//     Codex's thread/turn model but do expose ACP's session/prompt one.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/adapter/rpc/codexwire"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/eventstore"
	"github.com/kandev/orchestrator/internal/ledger"
	"github.com/kandev/orchestrator/internal/observability"
)

// Config tunes the RPC Adapter's timeouts.
type Config struct {
	StartupTimeout time.Duration
	CallTimeout    time.Duration
	CloseTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{StartupTimeout: 10 * time.Second, CallTimeout: 30 * time.Second, CloseTimeout: 5 * time.Second}
}

// OnTurnComplete is invoked once a turn's delta buffer has been flushed.
type OnTurnComplete func(sessionID, turnID, text, status string)

// OnReviewComplete is invoked when the co-process exits review mode.
// Only the codexwire protocol raises review mode; ACP sessions never call
// this.
type OnReviewComplete func(sessionID, text string)

// ProtocolCodex and ProtocolACP name the two supported wire protocols.
// Start treats an empty protocol string as ProtocolCodex, matching the
// orchestrator's original agents before ACP support existed.
const (
	ProtocolCodex = "codex"
	ProtocolACP   = "acp"
)

type session struct {
	mu               sync.Mutex
	cmd              *exec.Cmd
	stdin            io.WriteCloser
	proto            string
	workingDir       string
	currentTurnID    string
	turnBuffer       strings.Builder
	reviewInProgress bool

	// codexwire fields
	wire     *codexwire.Wire
	threadID string

	// acp fields
	acpConn      *acp.ClientSideConnection
	acpSessionID acp.SessionId
	acpCaps      acp.AgentCapabilities
}

func (s *session) currentTurnIDLocked() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTurnID
}

// threadIDLocked returns the session's thread id (codexwire) or acp session
// id, whichever identifies the agent-side conversation for this protocol.
func (s *session) threadIDLocked() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proto == ProtocolACP {
		return string(s.acpSessionID)
	}
	return s.threadID
}

// Manager runs one RPC co-process per rpc-kind session. Implements
// delivery.RPCAdapter via SendUserTurn.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*session

	cfg    Config
	ledger *ledger.Ledger
	events *eventstore.Store
	obs    *observability.Logger

	onTurnComplete   OnTurnComplete
	onReviewComplete OnReviewComplete
	onDead           func(sessionID string)

	policyMu sync.RWMutex
	policy   PolicyDefaults

	log *logger.Logger
}

// New constructs an RPC Adapter manager.
func New(cfg Config, ldg *ledger.Ledger, events *eventstore.Store, obs *observability.Logger, onTurnComplete OnTurnComplete, onReviewComplete OnReviewComplete, onDead func(sessionID string), log *logger.Logger) *Manager {
	return &Manager{
		sessions:         make(map[string]*session),
		cfg:              cfg,
		ledger:           ldg,
		events:           events,
		obs:              obs,
		onTurnComplete:   onTurnComplete,
		onReviewComplete: onReviewComplete,
		onDead:           onDead,
		policy:           PolicyDefaults{},
		log:              log.WithFields(zap.String("component", "rpc-adapter")),
	}
}

// SetPolicyDefaults wires the per-method fallback payloads the Request
// Ledger resolves expired approval/user-input requests with. Safe to call
// concurrently with in-flight requests.
func (m *Manager) SetPolicyDefaults(p PolicyDefaults) {
	m.policyMu.Lock()
	m.policy = p
	m.policyMu.Unlock()
}

func (m *Manager) policyFor(method string) json.RawMessage {
	m.policyMu.RLock()
	defer m.policyMu.RUnlock()
	if m.policy == nil {
		return DefaultPolicyPayload
	}
	return m.policy.For(method)
}

// ErrRPCStartupFailed is returned when the co-process never reported a thread/session id.
var ErrRPCStartupFailed = fmt.Errorf("rpc adapter: startup failed, no thread/session id in response")

// Start performs the handshake for the requested protocol ("codex" or
// "acp"; empty defaults to "codex") and either starts a new thread/session
// or resumes threadID, returning the thread/session id that was assigned.
func (m *Manager) Start(ctx context.Context, sessionID, workingDir string, command []string, threadID, model, protocol string) (string, error) {
	if len(command) == 0 {
		return "", fmt.Errorf("start rpc adapter for %s: empty command", sessionID)
	}
	if protocol == "" {
		protocol = ProtocolCodex
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = workingDir
	cmd.Env = append(cmd.Environ(), "KANDEV_ORCHESTRATOR_SESSION_ID="+sessionID)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", fmt.Errorf("open stdin pipe for %s: %w", sessionID, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("open stdout pipe for %s: %w", sessionID, err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start rpc co-process for %s: %w", sessionID, err)
	}

	s := &session{cmd: cmd, stdin: stdin, proto: protocol, workingDir: workingDir}
	m.mu.Lock()
	m.sessions[sessionID] = s
	m.mu.Unlock()

	go func() {
		_ = cmd.Wait()
		if m.onDead != nil {
			m.onDead(sessionID)
		}
	}()

	switch protocol {
	case ProtocolACP:
		return m.startACP(ctx, sessionID, s, stdin, stdout, workingDir, threadID)
	default:
		return m.startCodex(ctx, sessionID, s, stdin, stdout, workingDir, threadID, model)
	}
}

func (m *Manager) startCodex(ctx context.Context, sessionID string, s *session, stdin io.Writer, stdout io.Reader, workingDir, threadID, model string) (string, error) {
	wire := codexwire.NewWire(stdin, stdout, m.log)
	s.wire = wire

	wire.SetNotificationHandler(func(method string, params json.RawMessage) {
		m.handleCodexNotification(sessionID, s, method, params)
	})
	wire.SetRequestHandler(func(id interface{}, method string, params json.RawMessage) {
		m.handleCodexRequest(sessionID, s, id, method, params)
	})
	wire.Start(ctx)

	startupCtx, cancel := context.WithTimeout(ctx, m.cfg.StartupTimeout)
	defer cancel()

	if _, err := wire.Call(startupCtx, codexwire.MethodInitialize, codexwire.InitializeParams{
		ClientInfo: &codexwire.ClientInfo{Name: "orchestrator", Version: "1.0"},
	}); err != nil {
		return "", fmt.Errorf("initialize rpc co-process for %s: %w", sessionID, err)
	}
	if err := wire.Notify(codexwire.MethodInitialized, nil); err != nil {
		return "", fmt.Errorf("send initialized notification for %s: %w", sessionID, err)
	}

	var resolvedThreadID string
	if threadID != "" {
		resp, err := wire.Call(startupCtx, codexwire.MethodThreadResume, codexwire.ThreadResumeParams{ThreadID: threadID})
		if err != nil {
			return "", fmt.Errorf("resume thread for %s: %w", sessionID, err)
		}
		var result codexwire.ThreadResumeResult
		if err := json.Unmarshal(resp.Result, &result); err != nil || result.Thread == nil {
			return "", ErrRPCStartupFailed
		}
		resolvedThreadID = result.Thread.ID
	} else {
		resp, err := wire.Call(startupCtx, codexwire.MethodThreadStart, codexwire.ThreadStartParams{Model: model, Cwd: workingDir})
		if err != nil {
			return "", fmt.Errorf("start thread for %s: %w", sessionID, err)
		}
		var result codexwire.ThreadStartResult
		if err := json.Unmarshal(resp.Result, &result); err != nil || result.Thread == nil {
			return "", ErrRPCStartupFailed
		}
		resolvedThreadID = result.Thread.ID
	}

	s.mu.Lock()
	s.threadID = resolvedThreadID
	s.mu.Unlock()

	return resolvedThreadID, nil
}

func (m *Manager) startACP(ctx context.Context, sessionID string, s *session, stdin io.Writer, stdout io.Reader, workingDir, threadID string) (string, error) {
	client := newACPClient(workingDir, m.log)
	client.onUpdate = func(n acp.SessionNotification) { m.handleACPUpdate(sessionID, s, n) }
	client.onPermission = func(ctx context.Context, req acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
		return m.handleACPPermission(ctx, sessionID, s, req)
	}

	conn := acp.NewClientSideConnection(client, stdin, stdout)
	s.acpConn = conn

	startupCtx, cancel := context.WithTimeout(ctx, m.cfg.StartupTimeout)
	defer cancel()

	initResp, err := conn.Initialize(startupCtx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientInfo:      &acp.Implementation{Name: "orchestrator", Version: "1.0"},
	})
	if err != nil {
		return "", fmt.Errorf("acp initialize handshake for %s: %w", sessionID, err)
	}
	s.mu.Lock()
	s.acpCaps = initResp.AgentCapabilities
	s.mu.Unlock()

	if threadID != "" && initResp.AgentCapabilities.LoadSession {
		if _, err := conn.LoadSession(startupCtx, acp.LoadSessionRequest{SessionId: acp.SessionId(threadID)}); err != nil {
			return "", fmt.Errorf("load acp session for %s: %w", sessionID, err)
		}
		s.mu.Lock()
		s.acpSessionID = acp.SessionId(threadID)
		s.mu.Unlock()
		return threadID, nil
	}

	resp, err := conn.NewSession(startupCtx, acp.NewSessionRequest{Cwd: workingDir})
	if err != nil {
		return "", fmt.Errorf("create acp session for %s: %w", sessionID, err)
	}
	s.mu.Lock()
	s.acpSessionID = resp.SessionId
	s.mu.Unlock()
	return string(resp.SessionId), nil
}

func (m *Manager) get(sessionID string) (*session, error) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("rpc adapter: no session %s", sessionID)
	}
	return s, nil
}

// SendUserTurn implements delivery.RPCAdapter: dispatches a user turn over
// whichever protocol the session was started with and records the
// returned turn id as current, with an empty delta buffer.
func (m *Manager) SendUserTurn(ctx context.Context, sessionID, text string) (string, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return "", err
	}
	if s.proto == ProtocolACP {
		return m.sendUserTurnACP(sessionID, s, text)
	}
	return m.sendUserTurnCodex(ctx, sessionID, s, text)
}

func (m *Manager) sendUserTurnCodex(ctx context.Context, sessionID string, s *session, text string) (string, error) {
	s.mu.Lock()
	threadID := s.threadID
	s.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()

	resp, err := s.wire.Call(callCtx, codexwire.MethodTurnStart, codexwire.TurnStartParams{
		ThreadID: threadID,
		Input:    []codexwire.UserInput{{Type: "text", Text: text}},
	})
	if err != nil {
		return "", fmt.Errorf("send user turn for %s: %w", sessionID, err)
	}
	var result codexwire.TurnStartResult
	if err := json.Unmarshal(resp.Result, &result); err != nil || result.Turn == nil {
		return "", fmt.Errorf("send user turn for %s: malformed turn/start response", sessionID)
	}

	s.mu.Lock()
	s.currentTurnID = result.Turn.ID
	s.turnBuffer.Reset()
	s.mu.Unlock()

	return result.Turn.ID, nil
}

// sendUserTurnACP kicks off conn.Prompt in the background: ACP's Prompt
// call blocks for the whole turn (it's the protocol's only turn-completion
// signal), whereas SendUserTurn must return promptly with a turn id the
// Delivery Engine can track. The generated turn id never appears on the
// wire — ACP has no concept of one — it only correlates our own
// turn-started/turn-completed bookkeeping.
func (m *Manager) sendUserTurnACP(sessionID string, s *session, text string) (string, error) {
	turnID := uuid.NewString()

	s.mu.Lock()
	conn := s.acpConn
	acpSessionID := s.acpSessionID
	s.currentTurnID = turnID
	s.turnBuffer.Reset()
	s.mu.Unlock()

	_, _ = m.events.Append(sessionID, "turn_started", turnID, nil)

	go func() {
		callCtx, cancel := context.WithTimeout(context.Background(), m.cfg.CallTimeout)
		defer cancel()

		_, err := conn.Prompt(callCtx, acp.PromptRequest{
			SessionId: acpSessionID,
			Prompt:    []acp.ContentBlock{acp.TextBlock(text)},
		})
		status := "completed"
		if err != nil {
			status = "failed"
		}

		s.mu.Lock()
		out := s.turnBuffer.String()
		s.currentTurnID = ""
		s.turnBuffer.Reset()
		s.mu.Unlock()

		_, _ = m.events.Append(sessionID, "turn_completed", turnID, encodeOrNil(map[string]string{"status": status}))
		_ = m.obs.LogTurnEvent(observability.TurnEvent{
			SessionID: sessionID, ThreadID: string(acpSessionID), TurnID: turnID,
			Kind: "completed", Status: status, Provider: "rpc",
		}, encodeOrNil(map[string]string{"status": status}))
		if m.onTurnComplete != nil {
			m.onTurnComplete(sessionID, turnID, out, status)
		}
	}()

	return turnID, nil
}

// InterruptTurn cancels the current turn.
func (m *Manager) InterruptTurn(ctx context.Context, sessionID string) (bool, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	turnID := s.currentTurnID
	acpSessionID := s.acpSessionID
	conn := s.acpConn
	proto := s.proto
	s.mu.Unlock()
	if turnID == "" {
		return false, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()

	if proto == ProtocolACP {
		if err := conn.Cancel(callCtx, acp.CancelNotification{SessionId: acpSessionID}); err != nil {
			return false, fmt.Errorf("cancel acp session for %s: %w", sessionID, err)
		}
		return true, nil
	}

	if _, err := s.wire.Call(callCtx, codexwire.MethodTurnInterrupt, map[string]string{"turnId": turnID}); err != nil {
		return false, fmt.Errorf("interrupt turn for %s: %w", sessionID, err)
	}
	return true, nil
}

// ErrUnknownReviewMode, ErrCommitShaRequired and ErrReviewNotSupported are
// the fail-fast contract violations §4.B names explicitly.
var (
	ErrUnknownReviewMode  = fmt.Errorf("rpc adapter: unknown review mode")
	ErrCommitShaRequired  = fmt.Errorf("rpc adapter: commit sha required for commit review mode")
	ErrReviewNotSupported = fmt.Errorf("rpc adapter: review mode is a codex app-server feature, not supported over acp")
)

// ReviewStart builds the review/start target per mode and dispatches it.
// Review mode is Codex app-server specific; ACP has no equivalent.
func (m *Manager) ReviewStart(ctx context.Context, sessionID, mode, baseBranch, commitSHA, customPrompt string) (map[string]interface{}, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	if s.proto == ProtocolACP {
		return nil, ErrReviewNotSupported
	}

	target := map[string]interface{}{"type": mode}
	switch mode {
	case "branch":
		target["baseBranch"] = baseBranch
	case "uncommitted":
		// no extra fields
	case "commit":
		if commitSHA == "" {
			return nil, ErrCommitShaRequired
		}
		target["commitSha"] = commitSHA
	case "custom":
		target["prompt"] = customPrompt
	case "pr":
		// pr metadata is attached by the caller via custom fields upstream;
		// the wire target itself only needs the mode tag.
	default:
		return nil, ErrUnknownReviewMode
	}

	s.mu.Lock()
	s.reviewInProgress = true
	threadID := s.threadID
	s.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	resp, err := s.wire.Call(callCtx, codexwire.MethodReviewStart, map[string]interface{}{"threadId": threadID, "target": target})
	if err != nil {
		return nil, fmt.Errorf("start review for %s: %w", sessionID, err)
	}
	var result map[string]interface{}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("start review for %s: malformed response: %w", sessionID, err)
	}
	return result, nil
}

// StartNewThread is used by /clear: discards in-flight turn state and
// opens a fresh thread (codexwire) or session (acp).
func (m *Manager) StartNewThread(ctx context.Context, sessionID, model string) (string, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return "", err
	}
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()

	if s.proto == ProtocolACP {
		s.mu.Lock()
		conn := s.acpConn
		workingDir := s.workingDir
		s.mu.Unlock()
		resp, err := conn.NewSession(callCtx, acp.NewSessionRequest{Cwd: workingDir})
		if err != nil {
			return "", fmt.Errorf("start new acp session for %s: %w", sessionID, err)
		}
		s.mu.Lock()
		s.acpSessionID = resp.SessionId
		s.currentTurnID = ""
		s.turnBuffer.Reset()
		s.mu.Unlock()
		return string(resp.SessionId), nil
	}

	resp, err := s.wire.Call(callCtx, codexwire.MethodThreadStart, codexwire.ThreadStartParams{Model: model})
	if err != nil {
		return "", fmt.Errorf("start new thread for %s: %w", sessionID, err)
	}
	var result codexwire.ThreadStartResult
	if err := json.Unmarshal(resp.Result, &result); err != nil || result.Thread == nil {
		return "", ErrRPCStartupFailed
	}

	s.mu.Lock()
	s.threadID = result.Thread.ID
	s.currentTurnID = ""
	s.turnBuffer.Reset()
	s.mu.Unlock()

	return result.Thread.ID, nil
}

// Close attempts graceful termination within CloseTimeout, killing otherwise.
func (m *Manager) Close(sessionID string) error {
	s, err := m.get(sessionID)
	if err != nil {
		return nil
	}
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if s.proto != ProtocolACP {
		s.wire.Stop()
	}
	_ = s.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(m.cfg.CloseTimeout):
		_ = s.cmd.Process.Kill()
	}
	return nil
}

func encodeOrNil(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// --- codexwire notification/request handling ---

func (m *Manager) handleCodexNotification(sessionID string, s *session, method string, params json.RawMessage) {
	switch method {
	case codexwire.NotifyTurnStarted:
		_, _ = m.events.Append(sessionID, "turn_started", "", params)
		_ = m.obs.LogTurnEvent(observability.TurnEvent{
			SessionID: sessionID, ThreadID: s.threadIDLocked(), TurnID: s.currentTurnIDLocked(),
			Kind: "started", Provider: "rpc",
		}, params)

	case codexwire.NotifyItemAgentMessageDelta:
		var delta codexwire.AgentMessageDeltaParams
		if err := json.Unmarshal(params, &delta); err == nil {
			s.mu.Lock()
			s.turnBuffer.WriteString(delta.Delta)
			s.mu.Unlock()
		}

	case codexwire.NotifyTurnCompleted:
		var completed codexwire.TurnCompletedParams
		status := "completed"
		if err := json.Unmarshal(params, &completed); err == nil && !completed.Success {
			status = "failed"
		}
		s.mu.Lock()
		text := s.turnBuffer.String()
		turnID := s.currentTurnID
		s.currentTurnID = ""
		s.turnBuffer.Reset()
		s.mu.Unlock()

		_, _ = m.events.Append(sessionID, "turn_completed", turnID, params)
		_ = m.obs.LogTurnEvent(observability.TurnEvent{
			SessionID: sessionID, ThreadID: s.threadIDLocked(), TurnID: turnID,
			Kind: "completed", Status: status, Provider: "rpc",
		}, params)
		if m.onTurnComplete != nil {
			m.onTurnComplete(sessionID, turnID, text, status)
		}

	case codexwire.NotifyItemStarted:
		var item codexwire.ItemStartedParams
		if err := json.Unmarshal(params, &item); err == nil && item.Item != nil && item.Item.Type == "enteredReviewMode" {
			s.mu.Lock()
			s.reviewInProgress = true
			s.mu.Unlock()
		}
		_ = m.obs.LogToolEvent(m.codexToolEvent(sessionID, s, "pre", params), params)

	case codexwire.NotifyItemCompleted:
		var item codexwire.ItemCompletedParams
		if err := json.Unmarshal(params, &item); err == nil && item.Item != nil && item.Item.Type == "exitedReviewMode" {
			s.mu.Lock()
			s.reviewInProgress = false
			s.mu.Unlock()
			if m.onReviewComplete != nil {
				text := extractContentText(item.Item.Content)
				m.onReviewComplete(sessionID, text)
			}
		}
		_ = m.obs.LogToolEvent(m.codexToolEvent(sessionID, s, "post", params), params)

	default:
		_ = m.obs.LogToolEvent(observability.ToolEvent{
			SessionID: sessionID, ThreadID: s.threadIDLocked(), ToolName: method,
			Phase: "notify", Provider: "rpc",
		}, params)
	}
}

// codexToolEvent lifts an item notification's structured fields (command,
// file path, exit code, latency, status) out of the raw params so they land
// in queryable columns rather than only in the bounded preview blob.
func (m *Manager) codexToolEvent(sessionID string, s *session, phase string, params json.RawMessage) observability.ToolEvent {
	e := observability.ToolEvent{
		SessionID: sessionID,
		ThreadID:  s.threadIDLocked(),
		ToolName:  "unknown",
		Phase:     phase,
		Provider:  "rpc",
	}
	var wrapper struct {
		Item *codexwire.Item `json:"item"`
	}
	if err := json.Unmarshal(params, &wrapper); err != nil || wrapper.Item == nil {
		return e
	}
	it := wrapper.Item
	e.ItemID = it.ID
	e.Command = it.Command
	e.FilePath = it.Path
	e.ExitCode = it.ExitCode
	e.DurationMs = it.DurationMs
	e.Status = it.Status
	switch {
	case it.Command != "":
		e.ToolName = it.Command
	case it.Type != "":
		e.ToolName = it.Type
	}
	return e
}

func extractContentText(parts []codexwire.ContentPart) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// handleCodexRequest routes an inbound server-request (with id) to the
// Request Ledger for structured resolution, replying once it resolves.
func (m *Manager) handleCodexRequest(sessionID string, s *session, id interface{}, method string, params json.RawMessage) {
	if m.ledger == nil {
		_ = s.wire.SendResponse(id, nil, &codexwire.Error{Code: codexwire.MethodNotFound, Message: "method not found"})
		return
	}

	// Approval params carry the originating item (and sometimes thread/turn)
	// ids; fall back to the session's live state where the wire omits them.
	var corr struct {
		ThreadID string `json:"threadId"`
		TurnID   string `json:"turnId"`
		ItemID   string `json:"itemId"`
	}
	_ = json.Unmarshal(params, &corr)
	if corr.ThreadID == "" {
		corr.ThreadID = s.threadIDLocked()
	}
	if corr.TurnID == "" {
		corr.TurnID = s.currentTurnIDLocked()
	}

	req, err := m.ledger.Register(sessionID, fmt.Sprintf("%v", id), method, params,
		ledger.IDs{ThreadID: corr.ThreadID, TurnID: corr.TurnID, ItemID: corr.ItemID},
		codexwire.RequestKind(method), m.cfg.CallTimeout, m.policyFor(method))
	if err != nil {
		m.log.Warn("failed to register ledger request", zap.Error(err), zap.String("session_id", sessionID))
		_ = s.wire.SendResponse(id, nil, &codexwire.Error{Code: codexwire.InternalError, Message: "ledger registration failed"})
		return
	}

	go func() {
		resolved := m.ledger.WaitForResolution(context.Background(), req.RequestID)
		if resolved == nil {
			_ = s.wire.SendResponse(id, nil, &codexwire.Error{Code: codexwire.InternalError, Message: "request orphaned"})
			return
		}
		var result interface{}
		if err := json.Unmarshal(resolved, &result); err != nil {
			_ = s.wire.SendResponse(id, nil, &codexwire.Error{Code: codexwire.InternalError, Message: "malformed resolution payload"})
			return
		}
		_ = s.wire.SendResponse(id, result, nil)
	}()
}

// --- acp update/permission handling ---

func (m *Manager) handleACPUpdate(sessionID string, s *session, n acp.SessionNotification) {
	u := n.Update
	switch {
	case u.AgentMessageChunk != nil && u.AgentMessageChunk.Content.Text != nil:
		s.mu.Lock()
		s.turnBuffer.WriteString(u.AgentMessageChunk.Content.Text.Text)
		s.mu.Unlock()
		_ = m.obs.LogTurnEvent(observability.TurnEvent{
			SessionID: sessionID, ThreadID: s.threadIDLocked(), TurnID: s.currentTurnIDLocked(),
			Kind: "message_chunk", Provider: "rpc",
		}, encodeOrNil(u.AgentMessageChunk))

	case u.AgentThoughtChunk != nil && u.AgentThoughtChunk.Content.Text != nil:
		_ = m.obs.LogTurnEvent(observability.TurnEvent{
			SessionID: sessionID, ThreadID: s.threadIDLocked(), TurnID: s.currentTurnIDLocked(),
			Kind: "reasoning_chunk", Provider: "rpc",
		}, encodeOrNil(u.AgentThoughtChunk))

	case u.ToolCall != nil:
		_ = m.obs.LogToolEvent(observability.ToolEvent{
			SessionID: sessionID, ThreadID: s.threadIDLocked(), ItemID: string(u.ToolCall.ToolCallId),
			ToolName: string(u.ToolCall.Kind), Phase: "pre", Provider: "rpc",
		}, encodeOrNil(u.ToolCall))

	case u.ToolCallUpdate != nil:
		_ = m.obs.LogToolEvent(observability.ToolEvent{
			SessionID: sessionID, ThreadID: s.threadIDLocked(), ItemID: string(u.ToolCallUpdate.ToolCallId),
			ToolName: "tool_call", Phase: "post", Provider: "rpc",
		}, encodeOrNil(u.ToolCallUpdate))

	case u.Plan != nil:
		_, _ = m.events.Append(sessionID, "plan_updated", s.currentTurnIDLocked(), encodeOrNil(u.Plan))

	case u.AvailableCommandsUpdate != nil:
		_, _ = m.events.Append(sessionID, "available_commands_updated", s.currentTurnIDLocked(), encodeOrNil(u.AvailableCommandsUpdate))
	}
}

// acpRequestKind classifies an ACP tool-call kind into the Request Ledger's
// request_type column, the same way codexwire.RequestKind classifies Codex
// app-server methods, so the ledger's pending-request listing is protocol
// agnostic.
func acpRequestKind(kind string) string {
	switch kind {
	case "execute":
		return "command_execution"
	case "edit", "delete", "move":
		return "file_change"
	default:
		return "unknown"
	}
}

// handleACPPermission routes an ACP permission request through the same
// Request Ledger the codexwire protocol's approval requests use, so both
// protocols share one pending-approval surface over HTTP.
func (m *Manager) handleACPPermission(ctx context.Context, sessionID string, s *session, req acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	cancelled := acp.RequestPermissionResponse{Outcome: acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}}}
	if m.ledger == nil {
		return cancelled, nil
	}

	const method = "session/requestPermission"
	var toolKind string
	if req.ToolCall.Kind != nil {
		toolKind = string(*req.ToolCall.Kind)
	}
	requestType := acpRequestKind(toolKind)

	led, err := m.ledger.Register(sessionID, string(req.ToolCall.ToolCallId), method, encodeOrNil(req),
		ledger.IDs{ThreadID: s.threadIDLocked(), TurnID: s.currentTurnIDLocked(), ItemID: string(req.ToolCall.ToolCallId)},
		requestType, m.cfg.CallTimeout, m.policyFor(method))
	if err != nil {
		m.log.Warn("failed to register acp permission request", zap.Error(err), zap.String("session_id", sessionID))
		return cancelled, nil
	}

	resolved := m.ledger.WaitForResolution(ctx, led.RequestID)
	if resolved == nil {
		return cancelled, nil
	}

	var decision struct {
		Decision string `json:"decision"`
		OptionID string `json:"option_id"`
	}
	_ = json.Unmarshal(resolved, &decision)
	if decision.Decision == "reject" || decision.Decision == "decline" {
		return cancelled, nil
	}

	optID := acp.PermissionOptionId(decision.OptionID)
	found := optID != ""
	if found {
		found = false
		for _, o := range req.Options {
			if o.OptionId == optID {
				found = true
				break
			}
		}
	}
	if !found {
		if len(req.Options) == 0 {
			return cancelled, nil
		}
		optID = req.Options[0].OptionId
	}
	return acp.RequestPermissionResponse{Outcome: acp.RequestPermissionOutcome{
		Selected: &acp.RequestPermissionOutcomeSelected{OptionId: optID},
	}}, nil
}
