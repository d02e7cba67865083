package chatsync

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Frame is one decoded unit of the event stream.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

const (
	FrameChatStart      = "chat_start"
	FrameChatToken      = "chat_token"
	FrameReasoningToken = "reasoning_token"
	FrameToolCallStart  = "tool_call_start"
	FrameToolCallResult = "tool_call_result"
	FrameChatComplete   = "chat_complete"
	FrameChatError      = "chat_error"
	FrameDatasetStatus  = "dataset_status"
	FrameError          = "error"
)

// Servers tag frames with the owning conversation where it is not implied by
// the message id. The dispatcher drops frames whose conversation id no longer
// matches the active conversation.

type ChatStartPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

type ChatTokenPayload struct {
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id"`
	Token          string `json:"token"`
}

type ToolCallStartPayload struct {
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id"`
	Query          string `json:"query"`
}

type ToolCallResultPayload struct {
	ConversationID string       `json:"conversation_id,omitempty"`
	MessageID      string       `json:"message_id"`
	Execution      SqlExecution `json:"execution"`
}

type ChatCompletePayload struct {
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id"`
}

type ChatErrorPayload struct {
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id"`
	Message        string `json:"message"`
}

type DatasetStatusPayload struct {
	DatasetID      string        `json:"dataset_id"`
	ConversationID string        `json:"conversation_id"`
	Status         DatasetStatus `json:"status"`
	Name           string        `json:"name,omitempty"`
	SourceURL      string        `json:"source_url,omitempty"`
	RowCount       *int64        `json:"row_count,omitempty"`
	ColumnCount    *int          `json:"column_count,omitempty"`
	Schema         []SchemaField `json:"schema,omitempty"`
	ErrorMessage   string        `json:"error_message,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrCodeDailyLimit is the server's rate-limit signal; it blocks further turn
// submission until the usage poll reports the window reset.
const ErrCodeDailyLimit = "daily_limit_reached"

// DecodeFrame parses a raw stream payload into a Frame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, errors.Wrap(err, "decode frame envelope")
	}
	if f.Type == "" {
		return Frame{}, errors.New("frame has no type")
	}
	return f, nil
}
