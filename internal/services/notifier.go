package services

import (
	"github.com/google/uuid"

	types "github.com/agentdeck/agentdeck-backend/internal/domain"
	"github.com/agentdeck/agentdeck-backend/internal/realtime"
)

// Notifier maps domain happenings onto hub events so callers never build
// realtime payloads by hand.
type Notifier interface {
	MessageCreated(conversationID uuid.UUID, msg *types.Message)
	StreamChunk(conversationID, sessionID uuid.UUID, chunk map[string]any)
	SessionUpdated(conversationID, sessionID uuid.UUID, status string, msg *types.Message, errMsg string)
	ConversationUpdated(conv *types.Conversation)
}

type hubNotifier struct {
	hub *realtime.Hub
}

func NewNotifier(hub *realtime.Hub) Notifier {
	return &hubNotifier{hub: hub}
}

func (n *hubNotifier) MessageCreated(conversationID uuid.UUID, msg *types.Message) {
	if n == nil || n.hub == nil || msg == nil {
		return
	}
	n.hub.Publish(realtime.Event{
		Type:           realtime.EventMessageCreated,
		ConversationID: conversationID,
		Data:           map[string]any{"message": msg},
	})
}

func (n *hubNotifier) StreamChunk(conversationID, sessionID uuid.UUID, chunk map[string]any) {
	if n == nil || n.hub == nil {
		return
	}
	n.hub.Publish(realtime.Event{
		Type:           realtime.EventStream,
		ConversationID: conversationID,
		SessionID:      sessionID,
		Data:           map[string]any{"chunk": chunk},
	})
}

func (n *hubNotifier) SessionUpdated(conversationID, sessionID uuid.UUID, status string, msg *types.Message, errMsg string) {
	if n == nil || n.hub == nil {
		return
	}
	data := map[string]any{"status": status, "session_id": sessionID.String()}
	if msg != nil {
		data["message"] = msg
	}
	if errMsg != "" {
		data["error"] = errMsg
	}
	n.hub.Publish(realtime.Event{
		Type:           realtime.EventSessionUpdated,
		ConversationID: conversationID,
		SessionID:      sessionID,
		Data:           data,
	})
}

func (n *hubNotifier) ConversationUpdated(conv *types.Conversation) {
	if n == nil || n.hub == nil || conv == nil {
		return
	}
	n.hub.Publish(realtime.Event{
		Type:           realtime.EventConversationUpdated,
		ConversationID: conv.ID,
		Data:           map[string]any{"conversation": conv},
	})
}
