package chatsync

import (
	"encoding/json"
	"time"
)

// ConnectionStatus describes the state of the persistent event-stream
// connection. Exactly one value is current at any time.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
)

// LoadingPhase is the per-conversation turn state machine. At most one phase
// is active per conversation; it returns to idle when a turn finalizes or
// fails.
type LoadingPhase string

const (
	PhaseIdle       LoadingPhase = "idle"
	PhaseThinking   LoadingPhase = "thinking"
	PhaseExecuting  LoadingPhase = "executing"
	PhaseFormatting LoadingPhase = "formatting"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// SqlExecution records one SQL query run by the assistant during a turn.
// Columns and Rows are nil until the server reports results; Error and
// populated Rows are mutually exclusive.
type SqlExecution struct {
	Query           string   `json:"query"`
	Columns         []string `json:"columns,omitempty"`
	Rows            [][]any  `json:"rows,omitempty"`
	TotalRows       *int64   `json:"total_rows,omitempty"`
	Error           string   `json:"error,omitempty"`
	ExecutionTimeMs *int64   `json:"execution_time_ms,omitempty"`
}

// Message is one entry in a conversation. Content is mutable only while the
// message is the active streaming target; finalization freezes it.
type Message struct {
	ID         string         `json:"id"`
	Role       Role           `json:"role"`
	Content    string         `json:"content"`
	Reasoning  string         `json:"reasoning,omitempty"`
	Executions []SqlExecution `json:"sql_executions,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`

	finalized bool
	// pending query shown while a tool call is executing, before its
	// execution record arrives.
	pendingQuery string
}

// Finalized reports whether the message content has been committed.
func (m *Message) Finalized() bool {
	if m == nil {
		return false
	}
	return m.finalized
}

// PendingQuery returns the query attached by a tool-call-start event that has
// not yet produced an execution record.
func (m *Message) PendingQuery() string {
	if m == nil {
		return ""
	}
	return m.pendingQuery
}

type DatasetStatus string

const (
	DatasetLoading DatasetStatus = "loading"
	DatasetReady   DatasetStatus = "ready"
	DatasetError   DatasetStatus = "error"
)

// SchemaField is one column of a dataset's schema descriptor.
type SchemaField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Dataset is a tabular source attached to a conversation. The loading-start
// timestamp is tracked by DatasetLifecycleStore, not on the entity, so the
// "present iff status=loading" invariant has a single owner.
type Dataset struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SourceURL      string        `json:"source_url,omitempty"`
	Name           string        `json:"name"`
	RowCount       int64         `json:"row_count,omitempty"`
	ColumnCount    int           `json:"column_count,omitempty"`
	Schema         []SchemaField `json:"schema,omitempty"`
	Status         DatasetStatus `json:"status"`
	ErrorMessage   string        `json:"error_message,omitempty"`
}

// SnapshotMessage is a message as returned by the REST conversation detail
// endpoint. SQLRecord carries the raw executions field, which may be either
// the structured JSON array or the legacy "; "-delimited string.
type SnapshotMessage struct {
	ID        string          `json:"id"`
	Role      Role            `json:"role"`
	Content   string          `json:"content"`
	Reasoning string          `json:"reasoning,omitempty"`
	SQLRecord json.RawMessage `json:"sql_executions,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ConversationSnapshot is the REST truth for one conversation, reconciled
// against in-memory streaming state by ConversationLoader.
type ConversationSnapshot struct {
	ID       string            `json:"id"`
	Title    string            `json:"title"`
	Messages []SnapshotMessage `json:"messages"`
	Datasets []Dataset         `json:"datasets"`
}

// Usage is the polled token/limit counter surface.
type Usage struct {
	TokensUsed   int64 `json:"tokens_used"`
	DailyLimit   int64 `json:"daily_limit"`
	LimitReached bool  `json:"limit_reached"`
}
