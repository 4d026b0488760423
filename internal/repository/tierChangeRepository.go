package repository

import (
	"context"

	"github.com/aman-churiwal/tier-gate/internal/models"
	"github.com/aman-churiwal/tier-gate/internal/storage"
)

// TierChangeRepository only inserts and reads; the log is append-only.
type TierChangeRepository struct {
	db *storage.Postgres
}

func NewTierChangeRepository(db *storage.Postgres) *TierChangeRepository {
	return &TierChangeRepository{db: db}
}

func (r *TierChangeRepository) Create(ctx context.Context, entry *models.TierChangeLog) error {
	return r.db.DB.WithContext(ctx).Create(entry).Error
}

// Retrieves a user's transitions, newest first
func (r *TierChangeRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]models.TierChangeLog, error) {
	var entries []models.TierChangeLog
	err := r.db.DB.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("timestamp DESC").
		Limit(limit).
		Offset(offset).
		Find(&entries).Error

	return entries, err
}
