// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for various operations.
const (
	// AgentSpawnTimeout is the maximum time to wait for a terminal or RPC
	// agent to come up and report its first idle prompt / thread id.
	AgentSpawnTimeout = 30 * time.Second

	// HandoffTimeout is the maximum time the Handoff Executor waits for the
	// full clear+resume sequence, including the extended post-/clear idle wait.
	HandoffTimeout = 30 * time.Second

	// RecoveryTimeout is the maximum time the Recovery Controller waits for
	// a crashed terminal agent's harness shutdown and relaunch.
	RecoveryTimeout = 2 * time.Minute

	// SessionDeleteTimeout is the maximum time to wait for session teardown
	// (adapter kill, registry persistence, delivery-lock release).
	SessionDeleteTimeout = 30 * time.Second

	// TurnTimeout is the maximum time to wait for an agent to complete a
	// turn. Coding tasks can run long, so this is generous.
	TurnTimeout = 60 * time.Minute
)
