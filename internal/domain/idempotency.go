package domain

import (
	"time"

	"gorm.io/datatypes"
)

// IdempotencyRecord caches the message returned for a client-supplied key so
// retries replay the original result. Keys older than the store TTL are
// treated as absent.
type IdempotencyRecord struct {
	Key       string         `gorm:"primaryKey;column:key" json:"key"`
	Value     datatypes.JSON `gorm:"column:value;not null" json:"value"`
	CreatedAt time.Time      `gorm:"not null;index" json:"created_at"`
}

func (IdempotencyRecord) TableName() string { return "idempotency_record" }
