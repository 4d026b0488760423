package repository

import (
	"context"
	"errors"
	"time"

	"github.com/aman-churiwal/tier-gate/internal/models"
	"github.com/aman-churiwal/tier-gate/internal/storage"
	"gorm.io/gorm"
)

type SubscriptionRepository struct {
	db *storage.Postgres
}

func NewSubscriptionRepository(db *storage.Postgres) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// Inserts a new subscription
func (r *SubscriptionRepository) Create(ctx context.Context, sub *models.Subscription) error {
	return r.db.DB.WithContext(ctx).Create(sub).Error
}

// Retrieves the active subscription for a user in a scope, preferring the
// one that runs longest. Returns nil, nil when there is none.
func (r *SubscriptionRepository) FindActive(ctx context.Context, userID, scope string, now time.Time) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.DB.WithContext(ctx).
		Where("user_id = ? AND creator_id = ? AND status = ? AND expires_at > ?",
			userID, scope, models.SubscriptionStatusActive, now).
		Order("expires_at DESC").
		First(&sub).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &sub, nil
}

// Retrieves active subscriptions for many users with one query. Users
// without one are absent from the result.
func (r *SubscriptionRepository) FindActiveMany(ctx context.Context, userIDs []string, scope string, now time.Time) (map[string]*models.Subscription, error) {
	result := make(map[string]*models.Subscription, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}

	var subs []models.Subscription
	err := r.db.DB.WithContext(ctx).
		Where("user_id IN ? AND creator_id = ? AND status = ? AND expires_at > ?",
			userIDs, scope, models.SubscriptionStatusActive, now).
		Order("expires_at DESC").
		Find(&subs).Error
	if err != nil {
		return nil, err
	}

	for i := range subs {
		if _, seen := result[subs[i].UserID]; !seen {
			result[subs[i].UserID] = &subs[i]
		}
	}

	return result, nil
}
