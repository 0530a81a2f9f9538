package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	ConversationActive   = "active"
	ConversationArchived = "archived"
	ConversationDeleted  = "deleted"
)

const (
	ConversationSourceGUI      = "gui"
	ConversationSourceImported = "imported"
)

// Conversation is one chat thread bound to a nominal agent. Rows are never
// physically deleted; status=deleted hides them from every read path.
type Conversation struct {
	ID      uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	AgentID string    `gorm:"column:agent_id;not null;index" json:"agent_id"`
	Title   string    `gorm:"column:title" json:"title,omitempty"`
	Status  string    `gorm:"column:status;not null;default:'active';index" json:"status"`

	// Provenance for histories imported from external agent directories.
	Source      string `gorm:"column:source;not null;default:'gui'" json:"source"`
	ExternalID  string `gorm:"column:external_id" json:"external_id,omitempty"`
	ProjectPath string `gorm:"column:project_path" json:"project_path,omitempty"`

	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;index" json:"updated_at"`
}

func (Conversation) TableName() string { return "conversation" }
