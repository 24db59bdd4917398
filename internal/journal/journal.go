// Package journal keeps the append-only record of key rotations and
// key-attributable errors. Entries are written through to the database so
// transitions survive restarts, with a small in-memory cache for the
// admin surface. Retention is bounded by age and by row count and is
// enforced here, not by callers.
package journal

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lumenai/keywarden/internal/db/models"
	"gorm.io/gorm"
)

const recentCacheSize = 100

// Journal records and serves key events.
type Journal struct {
	db *gorm.DB

	maxEvents int
	maxAge    time.Duration
	now       func() time.Time

	recent   []models.KeyEvent // newest first
	recentMu sync.RWMutex

	rotationCount atomic.Int64
	errorCount    atomic.Int64
}

// New creates a Journal with the given retention bounds and loads
// counters from existing rows.
func New(db *gorm.DB, maxEvents int, maxAge time.Duration) *Journal {
	j := &Journal{
		db:        db,
		maxEvents: maxEvents,
		maxAge:    maxAge,
		now:       time.Now,
		recent:    make([]models.KeyEvent, 0, recentCacheSize),
	}
	j.loadCounts()
	return j
}

func (j *Journal) loadCounts() {
	var rotations, errs int64
	j.db.Model(&models.KeyEvent{}).Where("type = ?", models.EventRotation).Count(&rotations)
	j.db.Model(&models.KeyEvent{}).Where("type = ?", models.EventError).Count(&errs)
	j.rotationCount.Store(rotations)
	j.errorCount.Store(errs)
}

// AppendRotation records a rotation from one key to another.
func (j *Journal) AppendRotation(ctx context.Context, fromKeyID, toKeyID, reason string) {
	j.append(ctx, models.KeyEvent{
		Type:      models.EventRotation,
		FromKeyID: fromKeyID,
		ToKeyID:   toKeyID,
		Reason:    reason,
	})
	j.rotationCount.Add(1)
}

// AppendError records a key-attributable error.
func (j *Journal) AppendError(ctx context.Context, keyID, reason, message string) {
	j.append(ctx, models.KeyEvent{
		Type:    models.EventError,
		KeyID:   keyID,
		Reason:  reason,
		Message: message,
	})
	j.errorCount.Add(1)
}

func (j *Journal) append(ctx context.Context, event models.KeyEvent) {
	event.ID = uuid.New().String()
	event.Timestamp = j.now().UnixMilli()

	if err := j.db.WithContext(ctx).Create(&event).Error; err != nil {
		log.Printf("[Journal] Failed to persist %s event: %v", event.Type, err)
	}

	j.recentMu.Lock()
	j.recent = append([]models.KeyEvent{event}, j.recent...)
	if len(j.recent) > recentCacheSize {
		j.recent = j.recent[:recentCacheSize]
	}
	j.recentMu.Unlock()

	j.enforceRetention(ctx)
}

// enforceRetention drops rows beyond the configured age and count bounds.
func (j *Journal) enforceRetention(ctx context.Context) {
	cutoff := j.now().Add(-j.maxAge).UnixMilli()
	if err := j.db.WithContext(ctx).
		Where("timestamp < ?", cutoff).
		Delete(&models.KeyEvent{}).Error; err != nil {
		log.Printf("[Journal] Retention sweep (age) failed: %v", err)
	}

	for _, eventType := range []string{models.EventRotation, models.EventError} {
		var count int64
		j.db.WithContext(ctx).Model(&models.KeyEvent{}).
			Where("type = ?", eventType).
			Count(&count)
		overflow := int(count) - j.maxEvents
		if overflow <= 0 {
			continue
		}
		var ids []string
		j.db.WithContext(ctx).Model(&models.KeyEvent{}).
			Where("type = ?", eventType).
			Order("timestamp ASC").
			Limit(overflow).
			Pluck("id", &ids)
		if err := j.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.KeyEvent{}).Error; err != nil {
			log.Printf("[Journal] Retention sweep (count) failed: %v", err)
		}
	}
}

// Rotations returns the most recent rotation events, newest first.
func (j *Journal) Rotations(ctx context.Context, limit int) []models.KeyEvent {
	return j.query(ctx, models.EventRotation, limit)
}

// Errors returns the most recent error events, newest first.
func (j *Journal) Errors(ctx context.Context, limit int) []models.KeyEvent {
	return j.query(ctx, models.EventError, limit)
}

func (j *Journal) query(ctx context.Context, eventType string, limit int) []models.KeyEvent {
	if limit <= 0 || limit > j.maxEvents {
		limit = j.maxEvents
	}
	var events []models.KeyEvent
	j.db.WithContext(ctx).
		Where("type = ?", eventType).
		Order("timestamp DESC").
		Limit(limit).
		Find(&events)
	return events
}

// Recent returns the cached most recent events of any type, newest first.
func (j *Journal) Recent() []models.KeyEvent {
	j.recentMu.RLock()
	defer j.recentMu.RUnlock()
	out := make([]models.KeyEvent, len(j.recent))
	copy(out, j.recent)
	return out
}

// Stats returns running rotation/error totals.
func (j *Journal) Stats() models.JournalStats {
	return models.JournalStats{
		RotationCount: j.rotationCount.Load(),
		ErrorCount:    j.errorCount.Load(),
	}
}
