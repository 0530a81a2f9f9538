package repos

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/agentdeck/agentdeck-backend/internal/domain"
	"github.com/agentdeck/agentdeck-backend/internal/pkg/dbctx"
	"github.com/agentdeck/agentdeck-backend/internal/pkg/logger"
)

type IdempotencyRepo interface {
	// Get returns nil when the key is absent or was created before cutoff.
	Get(dbc dbctx.Context, key string, cutoff time.Time) (*types.IdempotencyRecord, error)
	// Put stores the record, replacing any existing (expired) row for the key.
	Put(dbc dbctx.Context, row *types.IdempotencyRecord) error
	DeleteExpired(dbc dbctx.Context, cutoff time.Time) (int64, error)
}

type idempotencyRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewIdempotencyRepo(db *gorm.DB, log *logger.Logger) IdempotencyRepo {
	return &idempotencyRepo{db: db, log: log.With("repo", "IdempotencyRepo")}
}

func (r *idempotencyRepo) handle(dbc dbctx.Context) *gorm.DB {
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return txx.WithContext(dbc.Ctx)
}

func (r *idempotencyRepo) Get(dbc dbctx.Context, key string, cutoff time.Time) (*types.IdempotencyRecord, error) {
	if key == "" {
		return nil, fmt.Errorf("missing idempotency key")
	}
	var row types.IdempotencyRecord
	err := r.handle(dbc).Where("key = ?", key).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if row.CreatedAt.Before(cutoff) {
		return nil, nil
	}
	return &row, nil
}

func (r *idempotencyRepo) Put(dbc dbctx.Context, row *types.IdempotencyRecord) error {
	if row == nil || row.Key == "" {
		return fmt.Errorf("missing idempotency record")
	}
	return r.handle(dbc).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "created_at"}),
		}).
		Create(row).Error
}

func (r *idempotencyRepo) DeleteExpired(dbc dbctx.Context, cutoff time.Time) (int64, error) {
	res := r.handle(dbc).
		Where("created_at < ?", cutoff).
		Delete(&types.IdempotencyRecord{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
