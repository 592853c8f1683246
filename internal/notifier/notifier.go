// Package notifier implements the Notifier / Chat Mirror: a
// uniform notify(event, session) surface fanning out to the chat bridge and
// any configured local providers.
package notifier

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/delivery"
	"github.com/kandev/orchestrator/internal/notifications/providers"
	"github.com/kandev/orchestrator/internal/registry"
)

// Router resolves a session id to its chat route (chat id + optional topic/thread id).
type Router interface {
	RouteFor(sessionID string) (chatID, threadID string, ok bool)
}

type registryRouter struct {
	reg *registry.Registry
}

func (r registryRouter) RouteFor(sessionID string) (string, string, bool) {
	sess, err := r.reg.Get(sessionID)
	if err != nil || sess.ChatID == "" {
		return "", "", false
	}
	return sess.ChatID, sess.ThreadID, true
}

// NewRegistryRouter builds a Router backed by the Session Registry.
func NewRegistryRouter(reg *registry.Registry) Router {
	return registryRouter{reg: reg}
}

// Notifier fans NotifyEvents out to the chat bridge provider and any
// additional local providers (apprise, etc). Implements delivery.Notifier.
type Notifier struct {
	mu        sync.Mutex
	router    Router
	providers []providers.Provider
	log       *logger.Logger

	// tracked maps a (chat,thread) route to the type of the last event
	// notified on it. Notify does not read it back, so later events are
	// not sent as replies into the same thread.
	tracked map[string]string
}

// New constructs a Notifier. Providers are tried in order; a provider
// reporting Available()==false is skipped.
func New(router Router, provs []providers.Provider, log *logger.Logger) *Notifier {
	return &Notifier{
		router:    router,
		providers: provs,
		log:       log.WithFields(zap.String("component", "notifier")),
		tracked:   make(map[string]string),
	}
}

// Notify implements delivery.Notifier.
func (n *Notifier) Notify(ctx context.Context, evt delivery.NotifyEvent) error {
	chatID, threadID, ok := n.router.RouteFor(evt.SessionID)
	if !ok {
		n.log.Debug("no chat route for session, dropping notify", zap.String("session_id", evt.SessionID), zap.String("type", evt.Type))
		return nil
	}

	msg := providers.Message{
		EventType:     evt.Type,
		Title:         n.titleFor(evt),
		Body:          n.bodyFor(evt),
		TaskSessionID: evt.SessionID,
		Config: map[string]interface{}{
			"chat_id":   chatID,
			"thread_id": threadID,
		},
	}

	var firstErr error
	for _, p := range n.providers {
		if !p.Available() {
			continue
		}
		if err := p.Send(ctx, msg); err != nil {
			n.log.Warn("notify provider failed", zap.Error(err), zap.String("type", evt.Type))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	route := chatID + ":" + threadID
	n.mu.Lock()
	n.tracked[route] = evt.Type
	n.mu.Unlock()

	return firstErr
}

func (n *Notifier) titleFor(evt delivery.NotifyEvent) string {
	switch evt.Type {
	case "stop_notify":
		return evt.SenderName + " is waiting on " + evt.SessionID
	case "delivery_confirmation":
		return "delivered to " + evt.SessionID
	case "watch_idle":
		return evt.SessionID + " is idle"
	case "watch_timeout":
		return evt.SessionID + " timed out"
	case "agent_response":
		return "response from " + evt.SessionID
	case "review_complete":
		return "review finished for " + evt.SessionID
	default:
		return evt.Type
	}
}

func (n *Notifier) bodyFor(evt delivery.NotifyEvent) string {
	if evt.LastOutput != "" {
		return stripANSI(evt.LastOutput)
	}
	// Agent responses come straight off the pty/rpc stream and may carry
	// terminal escapes.
	if evt.Type == "agent_response" || evt.Type == "review_complete" {
		return stripANSI(evt.Text)
	}
	return evt.Text
}

// PostStopped posts a "session stopped" note to an orphaned chat topic.
// Topic deletion is intentionally never attempted; topic lifecycle belongs
// to the chat host.
func (n *Notifier) PostStopped(ctx context.Context, chatTopic string) error {
	parts := strings.SplitN(chatTopic, ":", 2)
	chatID := parts[0]
	threadID := ""
	if len(parts) == 2 {
		threadID = parts[1]
	}
	msg := providers.Message{
		EventType: "session_stopped",
		Title:     "session stopped",
		Body:      "this session's adapter is no longer running",
		Config:    map[string]interface{}{"chat_id": chatID, "thread_id": threadID},
	}
	var firstErr error
	for _, p := range n.providers {
		if !p.Available() {
			continue
		}
		if err := p.Send(ctx, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func stripANSI(s string) string {
	var b strings.Builder
	inEscape := false
	for _, r := range s {
		if r == 0x1b {
			inEscape = true
			continue
		}
		if inEscape {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
				inEscape = false
			}
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
