package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Subscription is a paid plan held by a wallet, optionally scoped to one
// creator. An empty CreatorID is a platform-wide subscription.
type Subscription struct {
	ID        uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	UserID    string    `gorm:"index:idx_subscriptions_user_creator;not null" json:"user_id"`
	CreatorID string    `gorm:"index:idx_subscriptions_user_creator;default:''" json:"creator_id"`
	PlanName  string    `gorm:"not null" json:"plan_name"`
	Status    string    `gorm:"default:'active'" json:"status"`
	ExpiresAt time.Time `gorm:"index" json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

const SubscriptionStatusActive = "active"

func (s *Subscription) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

func (Subscription) TableName() string {
	return "subscriptions"
}
