package keypool

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/lumenai/keywarden/internal/db/models"
	"gorm.io/gorm"
)

// Ledger tracks per-key, per-UTC-day usage against the daily hard quota.
// Reservation is a single conditional UPDATE so two concurrent callers can
// never jointly overshoot the quota; there is no pool-wide lock.
type Ledger struct {
	db            *gorm.DB
	quota         int64
	softThreshold float64
	now           func() time.Time
}

// NewLedger creates a Ledger with the configured hard quota and soft
// (proactive-rotation) threshold ratio.
func NewLedger(db *gorm.DB, quota int, softThreshold float64) *Ledger {
	return &Ledger{
		db:            db,
		quota:         int64(quota),
		softThreshold: softThreshold,
		now:           time.Now,
	}
}

// Quota returns the daily hard quota.
func (l *Ledger) Quota() int64 { return l.quota }

// TryReserve atomically charges cost API calls against the key's counter
// for the current UTC day. Returns ErrQuotaExceeded without mutating state
// when the charge would pass the hard quota.
func (l *Ledger) TryReserve(ctx context.Context, keyID string, cost int64) error {
	day := models.UsageDay(l.now())

	reserved, err := l.conditionalIncrement(ctx, keyID, day, cost)
	if err != nil {
		return err
	}
	if reserved {
		return nil
	}

	// Either no ledger row exists yet for this day or the key is at quota.
	var count int64
	if err := l.db.WithContext(ctx).Model(&models.KeyUsage{}).
		Where("api_key_id = ? AND date = ?", keyID, day).
		Count(&count).Error; err != nil {
		return fmt.Errorf("check usage row: %w", err)
	}
	if count > 0 || cost > l.quota {
		return ErrQuotaExceeded
	}

	// Lazily create the day's row carrying the charge. A concurrent caller
	// may win the insert race; fall back to the conditional update.
	createErr := l.db.WithContext(ctx).Create(&models.KeyUsage{
		APIKeyID:     keyID,
		Date:         day,
		APICallCount: cost,
	}).Error
	if createErr == nil {
		return nil
	}

	// Only a lost insert race may fall through to the retry. Any other
	// insert failure is infrastructure trouble, not quota exhaustion.
	if err := l.db.WithContext(ctx).Model(&models.KeyUsage{}).
		Where("api_key_id = ? AND date = ?", keyID, day).
		Count(&count).Error; err != nil {
		return fmt.Errorf("check usage row: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("create usage row: %w", createErr)
	}

	reserved, uerr := l.conditionalIncrement(ctx, keyID, day, cost)
	if uerr != nil {
		return uerr
	}
	if !reserved {
		return ErrQuotaExceeded
	}
	return nil
}

func (l *Ledger) conditionalIncrement(ctx context.Context, keyID, day string, cost int64) (bool, error) {
	res := l.db.WithContext(ctx).Model(&models.KeyUsage{}).
		Where("api_key_id = ? AND date = ? AND api_call_count + ? <= ?", keyID, day, cost, l.quota).
		UpdateColumn("api_call_count", gorm.Expr("api_call_count + ?", cost))
	if res.Error != nil {
		return false, fmt.Errorf("reserve usage: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ForceReserve charges cost without the quota ceiling. Used only for the
// degraded primary fallback, where serving past quota beats dropping
// traffic and the accounting must stay truthful.
func (l *Ledger) ForceReserve(ctx context.Context, keyID string, cost int64) error {
	day := models.UsageDay(l.now())
	return l.increment(ctx, keyID, day, map[string]interface{}{
		"api_call_count": gorm.Expr("api_call_count + ?", cost),
	}, models.KeyUsage{APIKeyID: keyID, Date: day, APICallCount: cost})
}

// RecordTokens adds post-response token and message counts. Not part of
// the admission check; token totals are only known after the provider
// responds.
func (l *Ledger) RecordTokens(ctx context.Context, keyID string, messages, tokens int64) error {
	day := models.UsageDay(l.now())
	return l.increment(ctx, keyID, day, map[string]interface{}{
		"message_count": gorm.Expr("message_count + ?", messages),
		"tokens_used":   gorm.Expr("tokens_used + ?", tokens),
	}, models.KeyUsage{APIKeyID: keyID, Date: day, MessageCount: messages, TokensUsed: tokens})
}

func (l *Ledger) increment(ctx context.Context, keyID, day string, updates map[string]interface{}, fresh models.KeyUsage) error {
	res := l.db.WithContext(ctx).Model(&models.KeyUsage{}).
		Where("api_key_id = ? AND date = ?", keyID, day).
		UpdateColumns(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}

	createErr := l.db.WithContext(ctx).Create(&fresh).Error
	if createErr == nil {
		return nil
	}
	var count int64
	if err := l.db.WithContext(ctx).Model(&models.KeyUsage{}).
		Where("api_key_id = ? AND date = ?", keyID, day).
		Count(&count).Error; err != nil || count == 0 {
		return fmt.Errorf("create usage row: %w", createErr)
	}
	// Lost the insert race; the row exists now.
	res = l.db.WithContext(ctx).Model(&models.KeyUsage{}).
		Where("api_key_id = ? AND date = ?", keyID, day).
		UpdateColumns(updates)
	return res.Error
}

// IsNearQuota reports whether the key's calls today have reached the soft
// threshold, signalling the rotation manager to move off it proactively.
func (l *Ledger) IsNearQuota(ctx context.Context, keyID string) bool {
	usage := l.UsageFor(ctx, keyID, models.UsageDay(l.now()))
	soft := int64(math.Ceil(float64(l.quota) * l.softThreshold))
	return usage.APICallCount >= soft
}

// IsExhausted reports whether the key has no call budget left today.
func (l *Ledger) IsExhausted(ctx context.Context, keyID string) bool {
	usage := l.UsageFor(ctx, keyID, models.UsageDay(l.now()))
	return usage.APICallCount >= l.quota
}

// UsageFor returns the ledger row for a key and day, zero-valued when the
// key has no usage that day.
func (l *Ledger) UsageFor(ctx context.Context, keyID, day string) models.KeyUsage {
	var usage models.KeyUsage
	err := l.db.WithContext(ctx).
		Where("api_key_id = ? AND date = ?", keyID, day).
		First(&usage).Error
	if err != nil {
		return models.KeyUsage{APIKeyID: keyID, Date: day}
	}
	return usage
}

// Today returns the current UTC ledger day.
func (l *Ledger) Today() string {
	return models.UsageDay(l.now())
}

// Series returns ledger rows for the most recent days, newest first,
// for the admin usage chart.
func (l *Ledger) Series(ctx context.Context, days int) []models.KeyUsage {
	if days <= 0 {
		days = 30
	}
	since := models.UsageDay(l.now().AddDate(0, 0, -days))
	var rows []models.KeyUsage
	l.db.WithContext(ctx).
		Where("date >= ?", since).
		Order("date DESC, api_key_id ASC").
		Find(&rows)
	return rows
}
