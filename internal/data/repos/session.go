package repos

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/agentdeck/agentdeck-backend/internal/domain"
	"github.com/agentdeck/agentdeck-backend/internal/pkg/dbctx"
	"github.com/agentdeck/agentdeck-backend/internal/pkg/logger"
)

type SessionRepo interface {
	Create(dbc dbctx.Context, row *types.Session) (*types.Session, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Session, error)
	// LatestByConversation returns the session with the newest started_at,
	// nil when the conversation has none.
	LatestByConversation(dbc dbctx.Context, conversationID uuid.UUID) (*types.Session, error)
	GetByUserMessage(dbc dbctx.Context, userMessageID uuid.UUID) (*types.Session, error)
	Save(dbc dbctx.Context, row *types.Session) error
}

type sessionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSessionRepo(db *gorm.DB, log *logger.Logger) SessionRepo {
	return &sessionRepo{db: db, log: log.With("repo", "SessionRepo")}
}

func (r *sessionRepo) handle(dbc dbctx.Context) *gorm.DB {
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return txx.WithContext(dbc.Ctx)
}

func (r *sessionRepo) Create(dbc dbctx.Context, row *types.Session) (*types.Session, error) {
	if row == nil {
		return nil, fmt.Errorf("missing session")
	}
	if err := r.handle(dbc).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

func (r *sessionRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Session, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing session_id")
	}
	var row types.Session
	err := r.handle(dbc).Where("id = ?", id).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func (r *sessionRepo) LatestByConversation(dbc dbctx.Context, conversationID uuid.UUID) (*types.Session, error) {
	if conversationID == uuid.Nil {
		return nil, fmt.Errorf("missing conversation_id")
	}
	var row types.Session
	err := r.handle(dbc).
		Where("conversation_id = ?", conversationID).
		Order("started_at DESC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func (r *sessionRepo) GetByUserMessage(dbc dbctx.Context, userMessageID uuid.UUID) (*types.Session, error) {
	if userMessageID == uuid.Nil {
		return nil, fmt.Errorf("missing user_message_id")
	}
	var row types.Session
	err := r.handle(dbc).
		Where("user_message_id = ?", userMessageID).
		Order("started_at DESC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func (r *sessionRepo) Save(dbc dbctx.Context, row *types.Session) error {
	if row == nil || row.ID == uuid.Nil {
		return fmt.Errorf("missing session")
	}
	return r.handle(dbc).Save(row).Error
}
