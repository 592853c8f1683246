package notifier

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/delivery"
	"github.com/kandev/orchestrator/internal/notifications/providers"
)

type fakeRouter struct {
	routes map[string][2]string
}

func (f fakeRouter) RouteFor(sessionID string) (string, string, bool) {
	r, ok := f.routes[sessionID]
	if !ok {
		return "", "", false
	}
	return r[0], r[1], true
}

type fakeProvider struct {
	available bool
	sent      []providers.Message
	failNext  bool
}

func (p *fakeProvider) Available() bool                       { return p.available }
func (p *fakeProvider) Validate(map[string]interface{}) error { return nil }
func (p *fakeProvider) Send(ctx context.Context, m providers.Message) error {
	if p.failNext {
		p.failNext = false
		return context.DeadlineExceeded
	}
	p.sent = append(p.sent, m)
	return nil
}

func TestNotifyDropsEventsForSessionsWithNoChatRoute(t *testing.T) {
	router := fakeRouter{routes: map[string][2]string{}}
	prov := &fakeProvider{available: true}
	n := New(router, []providers.Provider{prov}, logger.Default())

	err := n.Notify(context.Background(), delivery.NotifyEvent{Type: "stop_notify", SessionID: "unrouted"})
	require.NoError(t, err)
	require.Empty(t, prov.sent)
}

func TestNotifyFansOutToAvailableProvidersOnly(t *testing.T) {
	router := fakeRouter{routes: map[string][2]string{"T": {"chat-1", "thread-1"}}}
	unavailable := &fakeProvider{available: false}
	available := &fakeProvider{available: true}
	n := New(router, []providers.Provider{unavailable, available}, logger.Default())

	err := n.Notify(context.Background(), delivery.NotifyEvent{Type: "delivery", SessionID: "T", Text: "hi"})
	require.NoError(t, err)
	require.Empty(t, unavailable.sent)
	require.Len(t, available.sent, 1)
	require.Equal(t, "chat-1", available.sent[0].Config["chat_id"])
	require.Equal(t, "thread-1", available.sent[0].Config["thread_id"])
}

func TestNotifyStripsANSIFromLastOutputBody(t *testing.T) {
	router := fakeRouter{routes: map[string][2]string{"T": {"chat-1", ""}}}
	prov := &fakeProvider{available: true}
	n := New(router, []providers.Provider{prov}, logger.Default())

	err := n.Notify(context.Background(), delivery.NotifyEvent{
		Type: "stop_notify", SessionID: "T", LastOutput: "\x1b[31mdone\x1b[0m",
	})
	require.NoError(t, err)
	require.Len(t, prov.sent, 1)
	require.Equal(t, "done", prov.sent[0].Body)
}

func TestNotifyReturnsFirstProviderErrorButStillTriesOthers(t *testing.T) {
	router := fakeRouter{routes: map[string][2]string{"T": {"chat-1", ""}}}
	failing := &fakeProvider{available: true, failNext: true}
	ok := &fakeProvider{available: true}
	n := New(router, []providers.Provider{failing, ok}, logger.Default())

	err := n.Notify(context.Background(), delivery.NotifyEvent{Type: "delivery", SessionID: "T"})
	require.Error(t, err)
	require.Len(t, ok.sent, 1)
}

func TestPostStoppedSplitsChatTopicIntoChatAndThread(t *testing.T) {
	prov := &fakeProvider{available: true}
	n := New(fakeRouter{}, []providers.Provider{prov}, logger.Default())

	err := n.PostStopped(context.Background(), "chat-9:thread-2")
	require.NoError(t, err)
	require.Len(t, prov.sent, 1)
	require.Equal(t, "chat-9", prov.sent[0].Config["chat_id"])
	require.Equal(t, "thread-2", prov.sent[0].Config["thread_id"])
}
