// Package delivery implements the Delivery Engine: the
// per-session idle/skip state machine and the persistent, priority-aware
// message queue. This is the hard core of the orchestrator.
package delivery

import (
	"context"
	"time"
)

// Mode is the delivery priority/semantics of a queued message.
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeImportant  Mode = "important"
	ModeUrgent     Mode = "urgent"
	ModeSteer      Mode = "steer"
)

// QueuedMessage is one persisted unit of work targeting a session.
type QueuedMessage struct {
	ID         string
	TargetID   string
	SenderID   string
	SenderName string
	Text       string
	Mode       Mode

	QueuedAt    time.Time
	TimeoutAt   *time.Time
	DeliveredAt *time.Time

	NotifyOnDelivery   bool
	NotifyAfterSeconds *int
	NotifyOnStop       bool

	RemindSoftThresholdS *int
	RemindHardThresholdS *int
	ParentSessionID      string

	Category string
}

// Flags bundles the optional notification/threshold flags accepted by
// QueueMessage, mirroring the HTTP input contract.
type Flags struct {
	NotifyOnDelivery     bool
	NotifyAfterSeconds   *int
	NotifyOnStop         bool
	RemindSoftThresholdS *int
	RemindHardThresholdS *int
	ParentSessionID      string
	Category             string
	TimeoutSeconds       *int
}

// TerminalAdapter is the subset of the Terminal Adapter (component A) the
// Delivery Engine drives. Implemented by internal/adapter/terminal.
type TerminalAdapter interface {
	SendText(ctx context.Context, sessionID, text string) error
	SendKey(ctx context.Context, sessionID, key string) error
	CaptureOutput(ctx context.Context, sessionID string, tailLines int) (string, error)
	WaitForIdlePrompt(ctx context.Context, sessionID string, timeout time.Duration) (bool, error)
	Interrupt(ctx context.Context, sessionID string) error
}

// RPCAdapter is the subset of the RPC Adapter (component B) the Delivery
// Engine drives. Implemented by internal/adapter/rpc.
type RPCAdapter interface {
	SendUserTurn(ctx context.Context, sessionID, text string) (turnID string, err error)
	InterruptTurn(ctx context.Context, sessionID string) (bool, error)
}

// NotifyEvent is the payload handed to the Notifier (component K) for
// lifecycle/delivery events.
type NotifyEvent struct {
	Type       string // "stop_notify", "delivery", "delivery_confirmation", "delivery_followup", "agent_response", "review_complete"
	SessionID  string
	SenderID   string
	SenderName string
	Text       string
	LastOutput string
}

// Notifier fans out NotifyEvents to the chat bridge and other sinks.
// Implemented by internal/notifier.
type Notifier interface {
	Notify(ctx context.Context, evt NotifyEvent) error
}

// ReminderScheduler is the subset of the Scheduler (component H) the
// Delivery Engine registers reminders against after a successful delivery.
// Implemented by internal/scheduler.
type ReminderScheduler interface {
	RegisterPeriodicRemind(target string, soft, hard time.Duration)
	RegisterParentWake(child, parent string, period time.Duration)
}

// HandoffExecutor runs the scripted clear+resume sequence (component I).
// Implemented by internal/handoff.
type HandoffExecutor interface {
	Execute(ctx context.Context, sessionID, path string) error
}

// SessionView is the minimal session info the engine needs from the
// registry, kept narrow to avoid a hard dependency on its concrete type.
type SessionView struct {
	ID   string
	Kind string // "terminal" | "rpc"
	IsEM bool
}

// SessionLookup resolves a session id to its current view, or ok=false if
// the session is unknown to the registry.
type SessionLookup interface {
	Lookup(sessionID string) (SessionView, bool)
	TouchActivity(sessionID string) error
	MarkStopped(sessionID string) error
}
