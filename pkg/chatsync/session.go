package chatsync

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// SlowTurnThreshold is when a running phase starts reporting the
	// "taking longer than expected" presentation, without changing state.
	SlowTurnThreshold = 30 * time.Second
	// TurnTimeout is the local watchdog limit after which a phase is
	// treated as failed regardless of the server.
	TurnTimeout = 60 * time.Second
)

// ChatSessionStore holds the active conversation's message list, the
// in-flight streaming buffers, and the loading-phase state machine.
// Mutations are named operations; the engine serializes frame-driven
// mutations on a single goroutine, the mutex covers timer and read access.
type ChatSessionStore struct {
	mu sync.Mutex

	convID   string
	messages map[string]*Message
	order    []string

	phase      LoadingPhase
	phaseStart time.Time
	slow       bool

	streamingID  string
	contentBuf   strings.Builder
	reasoningBuf strings.Builder

	rateLimited bool

	notifier *Notifier
	now      func() time.Time
}

func NewChatSessionStore(notifier *Notifier) *ChatSessionStore {
	return &ChatSessionStore{
		messages: map[string]*Message{},
		phase:    PhaseIdle,
		notifier: notifier,
		now:      time.Now,
	}
}

// SetConversation makes convID the active conversation. Switching away from
// a different conversation clears the message list and any streaming state.
func (s *ChatSessionStore) SetConversation(convID string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.convID == convID {
		return
	}
	s.convID = convID
	s.messages = map[string]*Message{}
	s.order = nil
	s.resetStreamingLocked()
	s.setPhaseLocked(PhaseIdle)
}

// ConversationID returns the active conversation id.
func (s *ChatSessionStore) ConversationID() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convID
}

// BeginTurn starts the thinking phase and creates the placeholder assistant
// message. A turn started while another is streaming is a protocol error:
// the stale stream is discarded before the new turn is honored, since the
// server is expected to serialize turns per conversation.
func (s *ChatSessionStore) BeginTurn(messageID string) {
	if s == nil || messageID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streamingID == messageID {
		// duplicate turn-start delivery
		return
	}
	if s.streamingID != "" {
		log.Error().
			Str("component", "chatsync").
			Str("conv_id", s.convID).
			Str("streaming_id", s.streamingID).
			Str("message_id", messageID).
			Msg("turn started while another is streaming, discarding stale stream")
		s.resetStreamingLocked()
	}
	s.ensureMessageLocked(messageID)
	s.streamingID = messageID
	s.setPhaseLocked(PhaseThinking)
}

// AppendToken concatenates one token into the streaming content buffer.
// A token arriving before any turn-start acknowledgment creates the
// placeholder message and adopts it as the streaming target.
func (s *ChatSessionStore) AppendToken(messageID, token string) {
	s.append(messageID, token, false)
}

// AppendReasoning accumulates reasoning tokens into the separate reasoning
// buffer on the same message.
func (s *ChatSessionStore) AppendReasoning(messageID, token string) {
	s.append(messageID, token, true)
}

func (s *ChatSessionStore) append(messageID, token string, reasoning bool) {
	if s == nil || messageID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.messages[messageID]; ok && m.finalized {
		// content is immutable once the message stopped being the
		// streaming target
		return
	}
	if s.streamingID == "" {
		s.ensureMessageLocked(messageID)
		s.streamingID = messageID
		if s.phase == PhaseIdle {
			s.setPhaseLocked(PhaseThinking)
		}
	}
	if s.streamingID != messageID {
		log.Warn().
			Str("component", "chatsync").
			Str("conv_id", s.convID).
			Str("streaming_id", s.streamingID).
			Str("message_id", messageID).
			Msg("token for message that is not the streaming target, dropping")
		return
	}
	if reasoning {
		s.reasoningBuf.WriteString(token)
	} else {
		s.contentBuf.WriteString(token)
	}
}

// AttachPendingQuery records the query of a tool call about to run and
// enters the executing phase. Tool-call events update the message
// independently of token accumulation.
func (s *ChatSessionStore) AttachPendingQuery(messageID, query string) {
	if s == nil || messageID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.ensureMessageLocked(messageID)
	m.pendingQuery = query
	s.setPhaseLocked(PhaseExecuting)
}

// AttachExecution appends a completed execution record and enters the
// formatting phase.
func (s *ChatSessionStore) AttachExecution(messageID string, exec SqlExecution) {
	if s == nil || messageID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.ensureMessageLocked(messageID)
	m.pendingQuery = ""
	m.Executions = append(m.Executions, exec)
	s.setPhaseLocked(PhaseFormatting)
}

// Finalize commits the streaming buffers into the message atomically with
// clearing them, and returns the phase to idle. Finalizing an already
// finalized message is a no-op, guarding against duplicate delivery.
func (s *ChatSessionStore) Finalize(messageID string) {
	if s == nil || messageID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.ensureMessageLocked(messageID)
	if m.finalized {
		log.Debug().
			Str("component", "chatsync").
			Str("conv_id", s.convID).
			Str("message_id", messageID).
			Msg("duplicate finalize, ignoring")
		return
	}
	if s.streamingID == messageID {
		m.Content = s.contentBuf.String()
		m.Reasoning = s.reasoningBuf.String()
	}
	m.finalized = true
	s.resetStreamingLocked()
	s.setPhaseLocked(PhaseIdle)
}

// FailTurn ends a turn with a domain error scoped to one message. The
// streaming buffer is discarded and the failure surfaced via the notifier.
func (s *ChatSessionStore) FailTurn(messageID, errText string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if messageID != "" {
		if m, ok := s.messages[messageID]; ok {
			m.finalized = true
		}
	}
	s.resetStreamingLocked()
	s.setPhaseLocked(PhaseIdle)
	s.mu.Unlock()
	if errText == "" {
		errText = "the request failed"
	}
	s.notifier.Error(errText)
}

// ResetStreaming discards the streaming buffers and returns to idle without
// touching committed messages. Used on conversation switch and reconnect.
func (s *ChatSessionStore) ResetStreaming() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetStreamingLocked()
	s.setPhaseLocked(PhaseIdle)
}

// PopulateIfEmpty fills the message list from a REST snapshot, but only when
// the local list is empty: locally held state reflects the most current
// knowledge and must not be clobbered by a stale fetch resolving late.
// Reports whether the snapshot was applied.
func (s *ChatSessionStore) PopulateIfEmpty(convID string, msgs []Message) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.convID != convID || len(s.order) > 0 {
		return false
	}
	for i := range msgs {
		m := msgs[i]
		m.finalized = true
		cp := m
		s.messages[m.ID] = &cp
		s.order = append(s.order, m.ID)
	}
	return true
}

// Clear empties the message list for a reload while keeping the active id.
func (s *ChatSessionStore) Clear() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = map[string]*Message{}
	s.order = nil
	s.resetStreamingLocked()
	s.setPhaseLocked(PhaseIdle)
}

// Messages returns the ordered message list. Streaming content is rendered
// from the buffer, so the returned copy of the streaming target carries the
// accumulated text without committing it.
func (s *ChatSessionStore) Messages() []Message {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0, len(s.order))
	for _, id := range s.order {
		m, ok := s.messages[id]
		if !ok {
			continue
		}
		cp := *m
		if id == s.streamingID {
			cp.Content = s.contentBuf.String()
			cp.Reasoning = s.reasoningBuf.String()
		}
		cp.Executions = append([]SqlExecution(nil), m.Executions...)
		out = append(out, cp)
	}
	return out
}

// Message returns a copy of one message by id.
func (s *ChatSessionStore) Message(id string) (Message, bool) {
	if s == nil {
		return Message{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return Message{}, false
	}
	cp := *m
	if id == s.streamingID {
		cp.Content = s.contentBuf.String()
		cp.Reasoning = s.reasoningBuf.String()
	}
	cp.Executions = append([]SqlExecution(nil), m.Executions...)
	return cp, true
}

// Phase returns the current loading phase and whether the slow presentation
// threshold has been crossed.
func (s *ChatSessionStore) Phase() (LoadingPhase, bool) {
	if s == nil {
		return PhaseIdle, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase, s.slow
}

// StreamingTarget returns the id of the message currently receiving tokens.
func (s *ChatSessionStore) StreamingTarget() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamingID
}

// SetRateLimited records the daily-limit signal. While set, turn submission
// is blocked; it clears when the usage poll reports the window reset.
func (s *ChatSessionStore) SetRateLimited(v bool) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimited = v
}

func (s *ChatSessionStore) RateLimited() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rateLimited
}

// CheckTimeouts is the watchdog body, driven at 1s resolution by the engine.
// Crossing SlowTurnThreshold only flips the presentation flag; crossing
// TurnTimeout fails the phase locally: the streaming buffer is discarded and
// the user is told the request likely failed server-side.
func (s *ChatSessionStore) CheckTimeouts(now time.Time) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.phase == PhaseIdle {
		s.mu.Unlock()
		return
	}
	elapsed := now.Sub(s.phaseStart)
	if elapsed >= TurnTimeout {
		log.Warn().
			Str("component", "chatsync").
			Str("conv_id", s.convID).
			Str("phase", string(s.phase)).
			Dur("elapsed", elapsed).
			Msg("phase watchdog fired, abandoning turn")
		s.resetStreamingLocked()
		s.setPhaseLocked(PhaseIdle)
		s.mu.Unlock()
		s.notifier.Error("no response from the server, the request likely failed")
		return
	}
	if elapsed >= SlowTurnThreshold {
		s.slow = true
	}
	s.mu.Unlock()
}

func (s *ChatSessionStore) ensureMessageLocked(id string) *Message {
	if m, ok := s.messages[id]; ok {
		return m
	}
	m := &Message{ID: id, Role: RoleAssistant, CreatedAt: s.now()}
	s.messages[id] = m
	s.order = append(s.order, id)
	return m
}

func (s *ChatSessionStore) setPhaseLocked(p LoadingPhase) {
	if s.phase == p {
		return
	}
	s.phase = p
	s.phaseStart = s.now()
	s.slow = false
}

func (s *ChatSessionStore) resetStreamingLocked() {
	s.streamingID = ""
	s.contentBuf.Reset()
	s.reasoningBuf.Reset()
}
