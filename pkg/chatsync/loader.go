package chatsync

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ConversationFetcher is the REST collaborator the loader reconciles against.
type ConversationFetcher interface {
	GetConversation(ctx context.Context, id string) (*ConversationSnapshot, error)
}

// ConversationLoader reconciles REST conversation snapshots with in-memory
// streaming state on conversation switch and on reconnect.
type ConversationLoader struct {
	fetcher  ConversationFetcher
	session  *ChatSessionStore
	datasets *DatasetLifecycleStore
	notifier *Notifier

	mu       sync.Mutex
	activeID string
}

func NewConversationLoader(fetcher ConversationFetcher, session *ChatSessionStore, datasets *DatasetLifecycleStore, notifier *Notifier) (*ConversationLoader, error) {
	if fetcher == nil {
		return nil, errors.New("conversation loader fetcher is nil")
	}
	if session == nil {
		return nil, errors.New("conversation loader session store is nil")
	}
	if datasets == nil {
		return nil, errors.New("conversation loader dataset store is nil")
	}
	return &ConversationLoader{
		fetcher:  fetcher,
		session:  session,
		datasets: datasets,
		notifier: notifier,
	}, nil
}

// ActiveID returns the id of the active conversation.
func (l *ConversationLoader) ActiveID() string {
	if l == nil {
		return ""
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.activeID
}

// Switch makes convID the active conversation: streaming state for the
// previous conversation is cleared, then the snapshot is fetched and merged.
func (l *ConversationLoader) Switch(ctx context.Context, convID string) error {
	if l == nil {
		return errors.New("conversation loader is not initialized")
	}
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return errors.New("missing conversation id")
	}
	l.mu.Lock()
	l.activeID = convID
	l.mu.Unlock()
	l.session.SetConversation(convID)
	return l.fetchAndMerge(ctx, convID)
}

// Refetch reloads the active conversation from REST truth. Used after a
// reconnect, when events may have been missed: the local list is cleared
// first so the snapshot applies, unless a new stream started in the
// meantime, in which case local state wins.
func (l *ConversationLoader) Refetch(ctx context.Context) error {
	if l == nil {
		return errors.New("conversation loader is not initialized")
	}
	convID := l.ActiveID()
	if convID == "" {
		return nil
	}
	if l.session.StreamingTarget() == "" {
		l.session.Clear()
	}
	return l.fetchAndMerge(ctx, convID)
}

func (l *ConversationLoader) fetchAndMerge(ctx context.Context, convID string) error {
	snap, err := l.fetcher.GetConversation(ctx, convID)
	if err != nil {
		l.notifier.Error("failed to load conversation")
		return errors.Wrap(err, "fetch conversation snapshot")
	}
	if snap == nil {
		return errors.New("empty conversation snapshot")
	}
	// The user may have switched again while the fetch was in flight; a
	// stale snapshot must not leak into the newly active view.
	if l.ActiveID() != convID {
		log.Debug().
			Str("component", "chatsync").
			Str("conv_id", convID).
			Msg("conversation changed during fetch, discarding snapshot")
		return nil
	}
	msgs := make([]Message, 0, len(snap.Messages))
	for _, sm := range snap.Messages {
		msgs = append(msgs, Message{
			ID:         sm.ID,
			Role:       sm.Role,
			Content:    sm.Content,
			Reasoning:  sm.Reasoning,
			Executions: executionsFromRecord(sm.SQLRecord),
			CreatedAt:  sm.CreatedAt,
		})
	}
	applied := l.session.PopulateIfEmpty(convID, msgs)
	if !applied {
		log.Debug().
			Str("component", "chatsync").
			Str("conv_id", convID).
			Msg("local message list non-empty, keeping streamed state")
	}
	l.datasets.ReplaceForConversation(convID, snap.Datasets)
	return nil
}

// executionsFromRecord normalizes the snapshot's raw SQL-record field, which
// may be the structured JSON array or a JSON string holding either format.
func executionsFromRecord(raw json.RawMessage) []SqlExecution {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	if strings.HasPrefix(trimmed, "\"") {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
		return ParseExecutions(s)
	}
	return ParseExecutions(trimmed)
}

// ParseExecutions parses a message's SQL record. Structured data lexically
// starts with "[" and parses as a JSON array of executions; on parse
// failure, or for any other shape, the field is treated as the legacy
// "; "-delimited query list and each query becomes a single execution record
// with no columns, rows, or error.
func ParseExecutions(field string) []SqlExecution {
	s := strings.TrimSpace(field)
	if s == "" {
		return nil
	}
	if strings.HasPrefix(s, "[") {
		var execs []SqlExecution
		if err := json.Unmarshal([]byte(s), &execs); err == nil {
			return execs
		}
		log.Debug().Str("component", "chatsync").Msg("structured sql record parse failed, using legacy format")
	}
	parts := strings.Split(s, "; ")
	out := make([]SqlExecution, 0, len(parts))
	for _, q := range parts {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		out = append(out, SqlExecution{Query: q})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
