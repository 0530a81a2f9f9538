package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	EventMessageCreated      = "message.created"
	EventConversationCreated = "conversation.created"
	EventConversationUpdated = "conversation.updated"
	EventSessionCreated      = "session.created"
	EventSessionProcessing   = "session.processing"
	EventSessionCompleted    = "session.completed"
	EventSessionError        = "session.error"
	EventSessionTimeout      = "session.timeout"
	EventSessionCancelled    = "session.cancelled"
)

// Event is one row of the append-only audit log. Rows are never mutated.
type Event struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Type           string         `gorm:"column:type;not null;index" json:"type"`
	ConversationID uuid.UUID      `gorm:"type:uuid;not null;index" json:"conversation_id"`
	SessionID      *uuid.UUID     `gorm:"type:uuid;column:session_id;index" json:"session_id,omitempty"`
	MessageID      *uuid.UUID     `gorm:"type:uuid;column:message_id" json:"message_id,omitempty"`
	Data           datatypes.JSON `gorm:"column:data;not null;default:'{}'" json:"data,omitempty"`
	CreatedAt      time.Time      `gorm:"not null;index" json:"created_at"`
}

func (Event) TableName() string { return "event" }
