package repos

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/agentdeck/agentdeck-backend/internal/domain"
	"github.com/agentdeck/agentdeck-backend/internal/pkg/dbctx"
	"github.com/agentdeck/agentdeck-backend/internal/pkg/logger"
)

// EventRepo is append-only; there is no update or delete path.
type EventRepo interface {
	Append(dbc dbctx.Context, row *types.Event) (*types.Event, error)
	ListByConversation(dbc dbctx.Context, conversationID uuid.UUID, limit int) ([]*types.Event, error)
	ListBySession(dbc dbctx.Context, sessionID uuid.UUID) ([]*types.Event, error)
	CountByType(dbc dbctx.Context, conversationID uuid.UUID, eventType string) (int64, error)
}

type eventRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewEventRepo(db *gorm.DB, log *logger.Logger) EventRepo {
	return &eventRepo{db: db, log: log.With("repo", "EventRepo")}
}

func (r *eventRepo) handle(dbc dbctx.Context) *gorm.DB {
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return txx.WithContext(dbc.Ctx)
}

func (r *eventRepo) Append(dbc dbctx.Context, row *types.Event) (*types.Event, error) {
	if row == nil {
		return nil, fmt.Errorf("missing event")
	}
	if err := r.handle(dbc).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

func (r *eventRepo) ListByConversation(dbc dbctx.Context, conversationID uuid.UUID, limit int) ([]*types.Event, error) {
	if conversationID == uuid.Nil {
		return nil, fmt.Errorf("missing conversation_id")
	}
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	var out []*types.Event
	err := r.handle(dbc).
		Model(&types.Event{}).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *eventRepo) ListBySession(dbc dbctx.Context, sessionID uuid.UUID) ([]*types.Event, error) {
	if sessionID == uuid.Nil {
		return nil, fmt.Errorf("missing session_id")
	}
	var out []*types.Event
	err := r.handle(dbc).
		Model(&types.Event{}).
		Where("session_id = ?", sessionID).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *eventRepo) CountByType(dbc dbctx.Context, conversationID uuid.UUID, eventType string) (int64, error) {
	if conversationID == uuid.Nil {
		return 0, fmt.Errorf("missing conversation_id")
	}
	var n int64
	err := r.handle(dbc).
		Model(&types.Event{}).
		Where("conversation_id = ? AND type = ?", conversationID, eventType).
		Count(&n).Error
	if err != nil {
		return 0, err
	}
	return n, nil
}
