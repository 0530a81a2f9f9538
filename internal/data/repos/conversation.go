package repos

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/agentdeck/agentdeck-backend/internal/domain"
	"github.com/agentdeck/agentdeck-backend/internal/pkg/dbctx"
	"github.com/agentdeck/agentdeck-backend/internal/pkg/logger"
)

type ConversationRepo interface {
	Create(dbc dbctx.Context, row *types.Conversation) (*types.Conversation, error)
	// GetByID excludes soft-deleted rows; returns (nil, nil) when absent.
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Conversation, error)
	List(dbc dbctx.Context) ([]*types.Conversation, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	// TouchUpdatedAt advances updated_at for child mutations without
	// changing any other field.
	TouchUpdatedAt(dbc dbctx.Context, id uuid.UUID, at time.Time) error
}

type conversationRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewConversationRepo(db *gorm.DB, log *logger.Logger) ConversationRepo {
	return &conversationRepo{db: db, log: log.With("repo", "ConversationRepo")}
}

func (r *conversationRepo) handle(dbc dbctx.Context) *gorm.DB {
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return txx.WithContext(dbc.Ctx)
}

func (r *conversationRepo) Create(dbc dbctx.Context, row *types.Conversation) (*types.Conversation, error) {
	if row == nil {
		return nil, fmt.Errorf("missing conversation")
	}
	if err := r.handle(dbc).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

func (r *conversationRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Conversation, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing conversation_id")
	}
	var row types.Conversation
	err := r.handle(dbc).
		Where("id = ? AND status <> ?", id, types.ConversationDeleted).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func (r *conversationRepo) List(dbc dbctx.Context) ([]*types.Conversation, error) {
	var out []*types.Conversation
	err := r.handle(dbc).
		Where("status <> ?", types.ConversationDeleted).
		Order("updated_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *conversationRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing conversation_id")
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return r.handle(dbc).
		Model(&types.Conversation{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *conversationRepo) TouchUpdatedAt(dbc dbctx.Context, id uuid.UUID, at time.Time) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing conversation_id")
	}
	return r.handle(dbc).
		Model(&types.Conversation{}).
		Where("id = ?", id).
		Update("updated_at", at).Error
}
