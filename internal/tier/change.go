package tier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aman-churiwal/tier-gate/internal/models"
	"github.com/aman-churiwal/tier-gate/internal/ratelimit"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrMissingUser = errors.New("tier change requires a user id")

type ChangeLog interface {
	Create(ctx context.Context, entry *models.TierChangeLog) error
}

// RecordUpdater rewrites the tier stored on an admission record.
type RecordUpdater interface {
	UpdateTier(ctx context.Context, key string, tier ratelimit.Tier) (bool, error)
}

type Invalidator interface {
	Invalidate(ctx context.Context, userID, scope string) error
}

type UpgradeBonus interface {
	MarkUpgrade(ctx context.Context, userID string, at time.Time) (bool, error)
	Revoke(ctx context.Context, userID string) error
}

type TierChange struct {
	UserID  string         `json:"user_id"`
	OldTier ratelimit.Tier `json:"old_tier"`
	NewTier ratelimit.Tier `json:"new_tier"`
	Scope   string         `json:"scope,omitempty"`
	Reason  string         `json:"reason"`
}

type ChangeResult struct {
	UserID        string                `json:"user_id"`
	Entry         *models.TierChangeLog `json:"entry,omitempty"`
	RecordUpdated bool                  `json:"record_updated"`
	BonusGranted  bool                  `json:"bonus_granted"`
	Error         string                `json:"error,omitempty"`
}

type BatchResult struct {
	Results   []ChangeResult `json:"results"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
}

// ChangeHandler applies subscription tier transitions.
type ChangeHandler struct {
	log         ChangeLog
	records     RecordUpdater
	invalidator Invalidator
	bonus       UpgradeBonus
	logger      *zap.Logger
	now         func() time.Time

	batchConcurrency int
}

type ChangeOption func(*ChangeHandler)

func WithUpgradeBonus(b UpgradeBonus) ChangeOption {
	return func(h *ChangeHandler) {
		h.bonus = b
	}
}

func WithChangeClock(now func() time.Time) ChangeOption {
	return func(h *ChangeHandler) {
		h.now = now
	}
}

func WithBatchConcurrency(n int) ChangeOption {
	return func(h *ChangeHandler) {
		if n > 0 {
			h.batchConcurrency = n
		}
	}
}

func NewChangeHandler(log ChangeLog, records RecordUpdater, invalidator Invalidator, logger *zap.Logger, opts ...ChangeOption) *ChangeHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &ChangeHandler{
		log:              log,
		records:          records,
		invalidator:      invalidator,
		logger:           logger,
		now:              time.Now,
		batchConcurrency: 8,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Apply runs one transition: classify, append the audit entry, retag the
// admission record, invalidate the cached tier, then adjust the bonus.
//
// The audit entry is written first and a failure there aborts the change.
// Later steps all run even if one of them fails so a downgrade is never left
// with a stale cache entry.
func (h *ChangeHandler) Apply(ctx context.Context, ch TierChange) (*ChangeResult, error) {
	userID := strings.TrimSpace(ch.UserID)
	if userID == "" {
		return nil, ErrMissingUser
	}
	if !ch.OldTier.Valid() {
		return nil, fmt.Errorf("old tier: %w: %q", ratelimit.ErrUnknownTier, ch.OldTier)
	}
	if !ch.NewTier.Valid() {
		return nil, fmt.Errorf("new tier: %w: %q", ratelimit.ErrUnknownTier, ch.NewTier)
	}

	now := h.now()
	cmp := ratelimit.CompareTiers(ch.NewTier, ch.OldTier)
	entry := &models.TierChangeLog{
		UserID:      userID,
		Scope:       ch.Scope,
		OldTier:     string(ch.OldTier),
		NewTier:     string(ch.NewTier),
		IsUpgrade:   cmp > 0,
		IsDowngrade: cmp < 0,
		Reason:      ch.Reason,
		Timestamp:   now,
	}

	if err := h.log.Create(ctx, entry); err != nil {
		return nil, fmt.Errorf("append tier change log: %w", err)
	}

	result := &ChangeResult{UserID: userID, Entry: entry}
	var errs []error

	updated, err := h.records.UpdateTier(ctx, ratelimit.WalletKey(userID), ch.NewTier)
	if err != nil {
		errs = append(errs, fmt.Errorf("update record tier: %w", err))
	}
	result.RecordUpdated = updated

	if err := h.invalidator.Invalidate(ctx, userID, ch.Scope); err != nil {
		errs = append(errs, err)
	}

	if h.bonus != nil {
		switch {
		case entry.IsUpgrade:
			granted, err := h.bonus.MarkUpgrade(ctx, userID, now)
			if err != nil {
				h.logger.Warn("upgrade bonus not recorded", zap.String("user", userID), zap.Error(err))
			}
			result.BonusGranted = granted
		case entry.IsDowngrade:
			if err := h.bonus.Revoke(ctx, userID); err != nil {
				h.logger.Warn("upgrade bonus not revoked", zap.String("user", userID), zap.Error(err))
			}
		}
	}

	h.logger.Info("tier changed",
		zap.String("user", userID),
		zap.String("scope", ch.Scope),
		zap.String("from", entry.OldTier),
		zap.String("to", entry.NewTier),
		zap.Bool("upgrade", entry.IsUpgrade),
		zap.Bool("downgrade", entry.IsDowngrade),
		zap.Bool("record_updated", updated),
	)

	if len(errs) > 0 {
		err := errors.Join(errs...)
		result.Error = err.Error()
		return result, err
	}
	return result, nil
}

// ApplyBatch applies every change independently. A failed entry is reported
// in its result and never stops or rolls back the others.
func (h *ChangeHandler) ApplyBatch(ctx context.Context, changes []TierChange) BatchResult {
	results := make([]ChangeResult, len(changes))

	var g errgroup.Group
	g.SetLimit(h.batchConcurrency)
	for i, ch := range changes {
		g.Go(func() error {
			res, err := h.Apply(ctx, ch)
			if res == nil {
				res = &ChangeResult{UserID: ch.UserID}
			}
			if err != nil {
				res.Error = err.Error()
			}
			results[i] = *res
			return nil
		})
	}
	_ = g.Wait()

	batch := BatchResult{Results: results}
	for _, r := range results {
		if r.Error == "" {
			batch.Succeeded++
		} else {
			batch.Failed++
		}
	}

	h.logger.Info("tier change batch applied",
		zap.Int("total", len(changes)),
		zap.Int("succeeded", batch.Succeeded),
		zap.Int("failed", batch.Failed),
	)

	return batch
}
