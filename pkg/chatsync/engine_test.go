package chatsync

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, ts *wsTestServer, fetcher ConversationFetcher) *Engine {
	t.Helper()
	e, err := NewEngine(EngineConfig{
		WebSocketURL:   ts.url(),
		Fetcher:        fetcher,
		InitialBackoff: time.Minute,
		MaxBackoff:     time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	require.NoError(t, e.Start(context.Background()))
	return e
}

func waitEngineStatus(t *testing.T, e *Engine, want ConnectionStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.Connection().Status() == want
	}, 3*time.Second, 10*time.Millisecond)
}

func TestEngine_FramesFlowIntoSession(t *testing.T) {
	ts := newWSTestServer(t)
	e := newTestEngine(t, ts, newStubFetcher())
	waitEngineStatus(t, e, StatusConnected)
	server := ts.waitConn(t)

	e.Session().SetConversation("c1")

	frames := []string{
		`{"type":"chat_start","payload":{"message_id":"m1","conversation_id":"c1"}}`,
		`{"type":"chat_token","payload":{"message_id":"m1","token":"hello "}}`,
		`{"type":"chat_token","payload":{"message_id":"m1","token":"world"}}`,
		`{"type":"chat_complete","payload":{"message_id":"m1"}}`,
	}
	for _, f := range frames {
		require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(f)))
	}

	require.Eventually(t, func() bool {
		msg, ok := e.Session().Message("m1")
		return ok && msg.Finalized() && msg.Content == "hello world"
	}, 3*time.Second, 10*time.Millisecond)

	phase, _ := e.Session().Phase()
	require.Equal(t, PhaseIdle, phase)
}

func TestEngine_ReconnectRefetchesActiveConversationOnce(t *testing.T) {
	ts := newWSTestServer(t)
	fetcher := newStubFetcher()
	fetcher.snaps["c1"] = &ConversationSnapshot{
		ID:       "c1",
		Messages: []SnapshotMessage{{ID: "m1", Role: RoleAssistant, Content: "earlier answer"}},
	}
	e := newTestEngine(t, ts, fetcher)
	waitEngineStatus(t, e, StatusConnected)
	server := ts.waitConn(t)

	require.NoError(t, e.Loader().Switch(context.Background(), "c1"))
	require.Equal(t, 1, fetcher.callCount())

	// unexpected drop, then a manual reconnect before the backoff fires
	require.NoError(t, server.Close())
	waitEngineStatus(t, e, StatusReconnecting)
	e.Connection().ManualReconnect()
	waitEngineStatus(t, e, StatusConnected)
	ts.waitConn(t)

	require.Eventually(t, func() bool {
		return fetcher.callCount() == 2
	}, 3*time.Second, 10*time.Millisecond)

	// exactly once: no further fetches trail the reconnect
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, 2, fetcher.callCount())

	msgs := e.Session().Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "earlier answer", msgs[0].Content)
}

func TestEngine_DropDiscardsPartialStreamAndSetsBanner(t *testing.T) {
	ts := newWSTestServer(t)
	e := newTestEngine(t, ts, newStubFetcher())
	waitEngineStatus(t, e, StatusConnected)
	server := ts.waitConn(t)

	e.Session().SetConversation("c1")
	require.NoError(t, server.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"chat_start","payload":{"message_id":"m1"}}`)))
	require.NoError(t, server.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"chat_token","payload":{"message_id":"m1","token":"partial"}}`)))
	require.Eventually(t, func() bool {
		return e.Session().StreamingTarget() == "m1"
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, server.Close())
	waitEngineStatus(t, e, StatusReconnecting)

	require.Empty(t, e.Session().StreamingTarget())
	require.Contains(t, e.Notifier().Banner(), "reconnecting")

	e.Connection().ManualReconnect()
	waitEngineStatus(t, e, StatusConnected)
	require.Eventually(t, func() bool {
		return e.Notifier().Banner() == ""
	}, 3*time.Second, 10*time.Millisecond)
}

type stubUsage struct{ u Usage }

func (s *stubUsage) GetUsage(context.Context) (*Usage, error) {
	u := s.u
	return &u, nil
}

func TestEngine_UsagePollUpdatesCountsAndRateLimit(t *testing.T) {
	ts := newWSTestServer(t)
	e, err := NewEngine(EngineConfig{
		WebSocketURL:      ts.url(),
		Fetcher:           newStubFetcher(),
		Usage:             &stubUsage{u: Usage{TokensUsed: 900, DailyLimit: 1000, LimitReached: true}},
		UsagePollInterval: 10 * time.Millisecond,
		InitialBackoff:    time.Minute,
		MaxBackoff:        time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	require.NoError(t, e.Start(context.Background()))

	require.Eventually(t, func() bool {
		return e.Usage().TokensUsed == 900 && e.Session().RateLimited()
	}, 3*time.Second, 10*time.Millisecond)
}
