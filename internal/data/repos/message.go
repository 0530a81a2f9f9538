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

type MessageRepo interface {
	Create(dbc dbctx.Context, row *types.Message) (*types.Message, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Message, error)
	// ListByConversation orders ascending by (created_at, id).
	ListByConversation(dbc dbctx.Context, conversationID uuid.UUID, limit, offset int) ([]*types.Message, error)
	// MaxCreatedAt returns the newest created_at in the conversation, zero
	// time when the conversation has no messages.
	MaxCreatedAt(dbc dbctx.Context, conversationID uuid.UUID) (time.Time, error)
	CountByConversation(dbc dbctx.Context, conversationID uuid.UUID) (int64, error)
}

type messageRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewMessageRepo(db *gorm.DB, log *logger.Logger) MessageRepo {
	return &messageRepo{db: db, log: log.With("repo", "MessageRepo")}
}

func (r *messageRepo) handle(dbc dbctx.Context) *gorm.DB {
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return txx.WithContext(dbc.Ctx)
}

func (r *messageRepo) Create(dbc dbctx.Context, row *types.Message) (*types.Message, error) {
	if row == nil {
		return nil, fmt.Errorf("missing message")
	}
	if err := r.handle(dbc).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

func (r *messageRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Message, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing message_id")
	}
	var row types.Message
	err := r.handle(dbc).Where("id = ?", id).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func (r *messageRepo) ListByConversation(dbc dbctx.Context, conversationID uuid.UUID, limit, offset int) ([]*types.Message, error) {
	if conversationID == uuid.Nil {
		return nil, fmt.Errorf("missing conversation_id")
	}
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	var out []*types.Message
	err := r.handle(dbc).
		Model(&types.Message{}).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Offset(offset).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *messageRepo) MaxCreatedAt(dbc dbctx.Context, conversationID uuid.UUID) (time.Time, error) {
	if conversationID == uuid.Nil {
		return time.Time{}, fmt.Errorf("missing conversation_id")
	}
	var row types.Message
	err := r.handle(dbc).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC, id DESC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return row.CreatedAt, nil
}

func (r *messageRepo) CountByConversation(dbc dbctx.Context, conversationID uuid.UUID) (int64, error) {
	if conversationID == uuid.Nil {
		return 0, fmt.Errorf("missing conversation_id")
	}
	var n int64
	err := r.handle(dbc).
		Model(&types.Message{}).
		Where("conversation_id = ?", conversationID).
		Count(&n).Error
	if err != nil {
		return 0, err
	}
	return n, nil
}
