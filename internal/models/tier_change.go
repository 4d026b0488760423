package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TierChangeLog is an append-only audit record of a subscription tier
// transition. Rows are never updated or deleted.
type TierChangeLog struct {
	ID          uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	UserID      string    `gorm:"index;not null" json:"user_id"`
	Scope       string    `gorm:"default:''" json:"scope,omitempty"`
	OldTier     string    `gorm:"not null" json:"old_tier"`
	NewTier     string    `gorm:"not null" json:"new_tier"`
	IsUpgrade   bool      `json:"is_upgrade"`
	IsDowngrade bool      `json:"is_downgrade"`
	Reason      string    `json:"reason"`
	Timestamp   time.Time `gorm:"index" json:"timestamp"`
}

func (l *TierChangeLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}

func (TierChangeLog) TableName() string {
	return "tier_change_logs"
}
