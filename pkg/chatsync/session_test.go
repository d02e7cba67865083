package chatsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T) (*ChatSessionStore, *Notifier) {
	t.Helper()
	n := NewNotifier()
	t.Cleanup(n.Close)
	s := NewChatSessionStore(n)
	s.SetConversation("c1")
	return s, n
}

func TestSession_TokenConcatenation(t *testing.T) {
	s, _ := newTestSession(t)

	s.BeginTurn("m1")
	s.AppendToken("m1", "Hel")
	s.AppendToken("m1", "lo")
	s.Finalize("m1")

	m, ok := s.Message("m1")
	require.True(t, ok)
	require.Equal(t, "Hello", m.Content)
	require.True(t, m.Finalized())

	phase, _ := s.Phase()
	require.Equal(t, PhaseIdle, phase)
	require.Empty(t, s.StreamingTarget())
}

func TestSession_FinalizeIsIdempotent(t *testing.T) {
	s, _ := newTestSession(t)

	s.BeginTurn("m1")
	s.AppendToken("m1", "done")
	s.Finalize("m1")
	before, _ := s.Message("m1")

	s.Finalize("m1")
	after, ok := s.Message("m1")
	require.True(t, ok)
	require.Equal(t, before, after)
}

func TestSession_TokensAfterFinalizeAreDropped(t *testing.T) {
	s, _ := newTestSession(t)

	s.BeginTurn("m1")
	s.AppendToken("m1", "final")
	s.Finalize("m1")
	s.AppendToken("m1", " more")

	m, _ := s.Message("m1")
	require.Equal(t, "final", m.Content)
	require.Empty(t, s.StreamingTarget())
}

func TestSession_PhaseTransitions(t *testing.T) {
	s, _ := newTestSession(t)

	phase, _ := s.Phase()
	require.Equal(t, PhaseIdle, phase)

	s.BeginTurn("m1")
	phase, _ = s.Phase()
	require.Equal(t, PhaseThinking, phase)

	s.AttachPendingQuery("m1", "SELECT 1")
	phase, _ = s.Phase()
	require.Equal(t, PhaseExecuting, phase)

	m, _ := s.Message("m1")
	require.Equal(t, "SELECT 1", m.PendingQuery())

	s.AttachExecution("m1", SqlExecution{Query: "SELECT 1"})
	phase, _ = s.Phase()
	require.Equal(t, PhaseFormatting, phase)

	m, _ = s.Message("m1")
	require.Empty(t, m.PendingQuery())
	require.Len(t, m.Executions, 1)

	s.Finalize("m1")
	phase, _ = s.Phase()
	require.Equal(t, PhaseIdle, phase)
}

func TestSession_TokenBeforeTurnStartCreatesPlaceholder(t *testing.T) {
	s, _ := newTestSession(t)

	s.AppendToken("m1", "early")

	require.Equal(t, "m1", s.StreamingTarget())
	phase, _ := s.Phase()
	require.Equal(t, PhaseThinking, phase)

	m, ok := s.Message("m1")
	require.True(t, ok)
	require.Equal(t, RoleAssistant, m.Role)
	require.Equal(t, "early", m.Content)
}

func TestSession_TurnStartedWhileStreamingDiscardsStaleStream(t *testing.T) {
	s, _ := newTestSession(t)

	s.BeginTurn("m1")
	s.AppendToken("m1", "partial")
	s.BeginTurn("m2")

	require.Equal(t, "m2", s.StreamingTarget())
	m1, _ := s.Message("m1")
	require.Empty(t, m1.Content)

	s.AppendToken("m2", "fresh")
	m2, _ := s.Message("m2")
	require.Equal(t, "fresh", m2.Content)
}

func TestSession_ReasoningBufferIsSeparate(t *testing.T) {
	s, _ := newTestSession(t)

	s.BeginTurn("m1")
	s.AppendReasoning("m1", "because ")
	s.AppendToken("m1", "42")
	s.AppendReasoning("m1", "of math")
	s.Finalize("m1")

	m, _ := s.Message("m1")
	require.Equal(t, "42", m.Content)
	require.Equal(t, "because of math", m.Reasoning)
}

func TestSession_WatchdogSlowThenTimeout(t *testing.T) {
	s, n := newTestSession(t)
	t0 := time.Now()
	s.now = func() time.Time { return t0 }

	s.BeginTurn("m1")
	s.AppendToken("m1", "partial")

	s.CheckTimeouts(t0.Add(45 * time.Second))
	phase, slow := s.Phase()
	require.Equal(t, PhaseThinking, phase)
	require.True(t, slow)
	require.Equal(t, "m1", s.StreamingTarget())

	s.CheckTimeouts(t0.Add(65 * time.Second))
	phase, _ = s.Phase()
	require.Equal(t, PhaseIdle, phase)
	require.Empty(t, s.StreamingTarget())

	notices := n.Notices()
	require.Len(t, notices, 1)
	require.Equal(t, NoticeError, notices[0].Level)
}

func TestSession_WatchdogIgnoresIdle(t *testing.T) {
	s, n := newTestSession(t)
	s.CheckTimeouts(time.Now().Add(time.Hour))
	require.Empty(t, n.Notices())
}

func TestSession_PopulateIfEmpty(t *testing.T) {
	s, _ := newTestSession(t)

	applied := s.PopulateIfEmpty("c1", []Message{
		{ID: "m1", Role: RoleUser, Content: "hi"},
		{ID: "m2", Role: RoleAssistant, Content: "hello"},
	})
	require.True(t, applied)
	require.Len(t, s.Messages(), 2)

	// a stale snapshot must not clobber existing state
	applied = s.PopulateIfEmpty("c1", []Message{{ID: "m9", Content: "stale"}})
	require.False(t, applied)
	require.Len(t, s.Messages(), 2)

	// nor may a snapshot for another conversation apply
	s.Clear()
	applied = s.PopulateIfEmpty("c2", []Message{{ID: "m9"}})
	require.False(t, applied)
	require.Empty(t, s.Messages())
}

func TestSession_SnapshotMessagesAreFinalized(t *testing.T) {
	s, _ := newTestSession(t)
	s.PopulateIfEmpty("c1", []Message{{ID: "m1", Role: RoleAssistant, Content: "committed"}})

	s.AppendToken("m1", " extra")
	m, _ := s.Message("m1")
	require.Equal(t, "committed", m.Content)
}

func TestSession_SwitchConversationClearsState(t *testing.T) {
	s, _ := newTestSession(t)

	s.BeginTurn("m1")
	s.AppendToken("m1", "in flight")
	s.SetConversation("c2")

	require.Empty(t, s.Messages())
	require.Empty(t, s.StreamingTarget())
	require.Equal(t, "c2", s.ConversationID())
	phase, _ := s.Phase()
	require.Equal(t, PhaseIdle, phase)
}

func TestSession_RateLimitedFlag(t *testing.T) {
	s, _ := newTestSession(t)
	require.False(t, s.RateLimited())
	s.SetRateLimited(true)
	require.True(t, s.RateLimited())
	s.SetRateLimited(false)
	require.False(t, s.RateLimited())
}
