package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one turn within a conversation. Ordering within a conversation
// is (created_at, id) with created_at strictly increasing; the store enforces
// the monotonic clock.
type Message struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ConversationID uuid.UUID `gorm:"type:uuid;not null;index;index:idx_message_conv_created,priority:1" json:"conversation_id"`
	Role           string    `gorm:"column:role;not null;index" json:"role"`
	Content        string    `gorm:"column:content;type:text;not null;default:''" json:"content"`
	CreatedAt      time.Time `gorm:"not null;index:idx_message_conv_created,priority:2" json:"created_at"`

	// Declared so AutoMigrate enforces the conversation foreign key at the
	// database level; never preloaded.
	Conversation *Conversation `gorm:"foreignKey:ConversationID;references:ID" json:"-"`
}

func (Message) TableName() string { return "message" }
