package chatsync

import (
	"encoding/json"

	"github.com/rs/zerolog/log"
)

// EventDispatcher decodes inbound frames and routes each to the owning store
// as an idempotent, order-tolerant mutation. Unknown frame types are logged
// and ignored for forward compatibility; malformed frames never crash the
// dispatcher.
type EventDispatcher struct {
	session  *ChatSessionStore
	datasets *DatasetLifecycleStore
	notifier *Notifier
}

func NewEventDispatcher(session *ChatSessionStore, datasets *DatasetLifecycleStore, notifier *Notifier) *EventDispatcher {
	return &EventDispatcher{
		session:  session,
		datasets: datasets,
		notifier: notifier,
	}
}

// Dispatch decodes one raw stream payload and applies it.
func (d *EventDispatcher) Dispatch(data []byte) {
	if d == nil {
		return
	}
	f, err := DecodeFrame(data)
	if err != nil {
		log.Warn().Err(err).Str("component", "chatsync").Msg("dropping malformed frame")
		return
	}
	d.DispatchFrame(f)
}

// DispatchFrame applies one decoded frame.
func (d *EventDispatcher) DispatchFrame(f Frame) {
	if d == nil {
		return
	}
	switch f.Type {
	case FrameChatStart:
		var p ChatStartPayload
		if !d.decode(f, &p) {
			return
		}
		if d.stale(p.ConversationID, f.Type) {
			return
		}
		d.session.BeginTurn(p.MessageID)

	case FrameChatToken:
		var p ChatTokenPayload
		if !d.decode(f, &p) {
			return
		}
		if d.stale(p.ConversationID, f.Type) {
			return
		}
		d.session.AppendToken(p.MessageID, p.Token)

	case FrameReasoningToken:
		var p ChatTokenPayload
		if !d.decode(f, &p) {
			return
		}
		if d.stale(p.ConversationID, f.Type) {
			return
		}
		d.session.AppendReasoning(p.MessageID, p.Token)

	case FrameToolCallStart:
		var p ToolCallStartPayload
		if !d.decode(f, &p) {
			return
		}
		if d.stale(p.ConversationID, f.Type) {
			return
		}
		d.session.AttachPendingQuery(p.MessageID, p.Query)

	case FrameToolCallResult:
		var p ToolCallResultPayload
		if !d.decode(f, &p) {
			return
		}
		if d.stale(p.ConversationID, f.Type) {
			return
		}
		d.session.AttachExecution(p.MessageID, p.Execution)

	case FrameChatComplete:
		var p ChatCompletePayload
		if !d.decode(f, &p) {
			return
		}
		if d.stale(p.ConversationID, f.Type) {
			return
		}
		d.session.Finalize(p.MessageID)

	case FrameChatError:
		var p ChatErrorPayload
		if !d.decode(f, &p) {
			return
		}
		if d.stale(p.ConversationID, f.Type) {
			return
		}
		d.session.FailTurn(p.MessageID, p.Message)

	case FrameDatasetStatus:
		var p DatasetStatusPayload
		if !d.decode(f, &p) {
			return
		}
		// Not active-conversation gated: other conversations keep their
		// datasets, and the store is scoped by owning conversation anyway.
		patch := DatasetPatch{Status: &p.Status}
		if p.Name != "" {
			patch.Name = &p.Name
		}
		if p.SourceURL != "" {
			patch.SourceURL = &p.SourceURL
		}
		patch.RowCount = p.RowCount
		patch.ColumnCount = p.ColumnCount
		patch.Schema = p.Schema
		if p.Status == DatasetError || p.ErrorMessage != "" {
			patch.ErrorMessage = &p.ErrorMessage
		}
		d.datasets.Upsert(p.DatasetID, p.ConversationID, patch)

	case FrameError:
		var p ErrorPayload
		if !d.decode(f, &p) {
			return
		}
		if p.Code == ErrCodeDailyLimit {
			d.session.SetRateLimited(true)
		}
		text := p.Message
		if text == "" {
			text = p.Code
		}
		d.notifier.Error(text)

	default:
		log.Debug().
			Str("component", "chatsync").
			Str("frame_type", f.Type).
			Msg("unknown frame type, ignoring")
	}
}

func (d *EventDispatcher) decode(f Frame, into any) bool {
	if len(f.Payload) == 0 {
		log.Warn().Str("component", "chatsync").Str("frame_type", f.Type).Msg("frame has no payload, dropping")
		return false
	}
	if err := json.Unmarshal(f.Payload, into); err != nil {
		log.Warn().Err(err).Str("component", "chatsync").Str("frame_type", f.Type).Msg("frame payload decode failed, dropping")
		return false
	}
	return true
}

// stale drops frames tagged with a conversation that is no longer active,
// preventing updates from a previous conversation leaking into the current
// view. Frames without a conversation tag pass through.
func (d *EventDispatcher) stale(convID, frameType string) bool {
	if convID == "" {
		return false
	}
	active := d.session.ConversationID()
	if active == "" || convID == active {
		return false
	}
	log.Debug().
		Str("component", "chatsync").
		Str("frame_type", frameType).
		Str("conv_id", convID).
		Str("active_conv_id", active).
		Msg("dropping frame for inactive conversation")
	return true
}
