package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	SessionPending    = "pending"
	SessionProcessing = "processing"
	SessionCompleted  = "completed"
	SessionError      = "error"
	SessionTimeout    = "timeout"
	SessionCancelled  = "cancelled"
)

// Session is one agent invocation triggered by a user message. Exactly one
// terminal status transition happens per session; after that only cleanup
// may touch the row.
type Session struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ConversationID uuid.UUID `gorm:"type:uuid;not null;index;index:idx_session_conv_started,priority:1" json:"conversation_id"`
	UserMessageID  uuid.UUID `gorm:"type:uuid;not null;index" json:"user_message_id"`
	Status         string    `gorm:"column:status;not null;default:'pending';index" json:"status"`

	StartedAt   time.Time  `gorm:"not null;index:idx_session_conv_started,priority:2" json:"started_at"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`

	ResponseText       string     `gorm:"column:response_text;type:text" json:"response_text,omitempty"`
	AssistantMessageID *uuid.UUID `gorm:"type:uuid;column:assistant_message_id" json:"assistant_message_id,omitempty"`
	Error              string     `gorm:"column:error;type:text" json:"error,omitempty"`
}

func (Session) TableName() string { return "session" }

func (s *Session) Terminal() bool {
	switch s.Status {
	case SessionCompleted, SessionError, SessionTimeout, SessionCancelled:
		return true
	}
	return false
}

// Clone returns a deep copy, used by the store to snapshot rows before
// applying a patch.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	if s.AssistantMessageID != nil {
		id := *s.AssistantMessageID
		out.AssistantMessageID = &id
	}
	return &out
}
