package keypool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lumenai/keywarden/internal/db/models"
	"github.com/lumenai/keywarden/internal/journal"
	"github.com/lumenai/keywarden/internal/secrets"
	"gorm.io/gorm"
)

// Selection is a usable key picked for new traffic. Degraded is set when
// the primary was served as an emergency fallback despite being unhealthy
// or over quota, so callers can surface a warning before users see
// failures.
type Selection struct {
	Key      models.APIKey
	Secret   string // decrypted plaintext, never persisted
	Degraded bool
}

// Manager owns key selection and rotation. All pool mutation funnels
// through the ledger's atomic reservations and the manager's transactional
// active-flag flips; request handlers never write key fields directly.
//
// The is_active flag is an affinity hint for operators and events. The
// per-key quota reservation is the only hard correctness boundary, so a
// rotation racing a concurrent selection is tolerated.
type Manager struct {
	db       *gorm.DB
	ledger   *Ledger
	journal  *journal.Journal
	box      *secrets.Box
	cooldown time.Duration
	now      func() time.Time

	mu sync.Mutex // serializes active-flag bookkeeping, not reservations
}

// NewManager creates a Manager.
func NewManager(db *gorm.DB, ledger *Ledger, j *journal.Journal, box *secrets.Box, cooldown time.Duration) *Manager {
	return &Manager{
		db:       db,
		ledger:   ledger,
		journal:  j,
		box:      box,
		cooldown: cooldown,
		now:      time.Now,
	}
}

// Select picks the best eligible key and reserves one API call against it:
// enabled keys, minus those cooling down after an error, ordered by
// priority then least-recently-used, preferring keys still under the soft
// threshold. Candidates at hard quota are skipped at reservation time, not
// pre-filtered. When nothing is eligible the primary is served degraded.
func (m *Manager) Select(ctx context.Context) (*Selection, error) {
	return m.selectKey(ctx, m.activeKeyID(ctx), "")
}

// Rotate forces re-selection and journals the transition under the given
// reason. The deterministic algorithm may re-pick the same key if it is
// still the best candidate.
func (m *Manager) Rotate(ctx context.Context, reason string) (*Selection, error) {
	return m.selectKey(ctx, m.activeKeyID(ctx), reason)
}

func (m *Manager) selectKey(ctx context.Context, prevActiveID, reason string) (*Selection, error) {
	now := m.now()

	var keys []models.APIKey
	if err := m.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("priority ASC, last_used_at IS NOT NULL, last_used_at ASC").
		Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("load keys: %w", err)
	}

	healthy := keys[:0:0]
	for _, k := range keys {
		if !k.CoolingDown(now, m.cooldown) {
			healthy = append(healthy, k)
		}
	}

	// Pass 0 prefers keys under the soft threshold so the pool rotates off
	// a key before it hits the hard quota; pass 1 admits the rest.
	for pass := 0; pass < 2; pass++ {
		for _, k := range healthy {
			nearQuota := m.ledger.IsNearQuota(ctx, k.ID)
			if (pass == 0) == nearQuota {
				continue
			}
			err := m.ledger.TryReserve(ctx, k.ID, 1)
			if errors.Is(err, ErrQuotaExceeded) {
				continue
			}
			if err != nil {
				return nil, err
			}

			secret, derr := m.box.Decrypt(k.Key)
			if derr != nil {
				// The charge is already spent but the key is unusable.
				m.journal.AppendError(ctx, k.ID, models.ReasonHealthCheckFailed, "stored key cannot be decrypted")
				continue
			}
			m.recordActive(ctx, prevActiveID, k, reason)
			return &Selection{Key: k, Secret: secret}, nil
		}
	}

	return m.fallbackToPrimary(ctx, prevActiveID, reason)
}

// fallbackToPrimary serves the guaranteed-available primary regardless of
// health and quota. Failing entirely is worse than knowingly degrading.
func (m *Manager) fallbackToPrimary(ctx context.Context, prevActiveID, reason string) (*Selection, error) {
	var primary models.APIKey
	if err := m.db.WithContext(ctx).Where("is_primary = ?", true).First(&primary).Error; err != nil {
		return nil, ErrAllKeysExhausted
	}
	if !primary.Enabled {
		// The operator kill switch outranks the fallback guarantee.
		return nil, ErrAllKeysExhausted
	}

	secret, err := m.box.Decrypt(primary.Key)
	if err != nil {
		return nil, ErrAllKeysExhausted
	}

	if err := m.ledger.ForceReserve(ctx, primary.ID, 1); err != nil {
		log.Printf("[Rotation] Degraded charge on primary %s failed: %v", primary.ID, err)
	}
	m.recordActive(ctx, prevActiveID, primary, reason)
	log.Printf("[Rotation] ⚠️ Serving primary key %s in degraded mode", primary.ID)
	return &Selection{Key: primary, Secret: secret, Degraded: true}, nil
}

// MarkUnavailable stamps a key-attributable live-call failure on the key,
// excluding it until cooldown expiry or a passing probe. The active flag
// stays where it is: the next selection rotates off the key, journals the
// transition, and reserves only on the key it actually serves.
func (m *Manager) MarkUnavailable(ctx context.Context, keyID, message string) error {
	if err := m.db.WithContext(ctx).Model(&models.APIKey{}).
		Where("id = ?", keyID).
		Update("last_error_at", m.now()).Error; err != nil {
		return fmt.Errorf("mark key %s unavailable: %w", keyID, err)
	}
	m.journal.AppendError(ctx, keyID, models.ReasonProviderError, message)
	return nil
}

// Activate is the operator's manual rotation to a specific key. It
// bypasses priority ordering but still requires the target to be enabled
// and outside its cooldown window.
func (m *Manager) Activate(ctx context.Context, keyID string) error {
	var key models.APIKey
	if err := m.db.WithContext(ctx).Where("id = ?", keyID).First(&key).Error; err != nil {
		return ErrKeyNotFound
	}
	if !key.Enabled {
		return ErrKeyDisabled
	}
	if key.CoolingDown(m.now(), m.cooldown) {
		return ErrKeyCoolingDown
	}

	m.recordActive(ctx, m.activeKeyID(ctx), key, models.ReasonManual)
	return nil
}

// SetPrimary moves the primary flag to the given key. Exactly one key is
// primary at all times, enforced in a single transaction.
func (m *Manager) SetPrimary(ctx context.Context, keyID string) error {
	var key models.APIKey
	if err := m.db.WithContext(ctx).Where("id = ?", keyID).First(&key).Error; err != nil {
		return ErrKeyNotFound
	}

	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.APIKey{}).
			Where("is_primary = ?", true).
			Update("is_primary", false).Error; err != nil {
			return err
		}
		return tx.Model(&models.APIKey{}).
			Where("id = ?", keyID).
			Update("is_primary", true).Error
	})
}

// Cooldown returns the configured error cooldown window.
func (m *Manager) Cooldown() time.Duration { return m.cooldown }

// EnabledKeyCount bounds the dispatcher's rotation retries.
func (m *Manager) EnabledKeyCount(ctx context.Context) int {
	var count int64
	m.db.WithContext(ctx).Model(&models.APIKey{}).Where("enabled = ?", true).Count(&count)
	return int(count)
}

func (m *Manager) activeKeyID(ctx context.Context) string {
	var key models.APIKey
	if err := m.db.WithContext(ctx).
		Where("is_active = ? AND enabled = ?", true, true).
		First(&key).Error; err != nil {
		return ""
	}
	return key.ID
}

// recordActive moves the is_active flag to the chosen key and journals
// the rotation. A startup pick with no previous active key flips the flag
// without journaling; nothing rotated away.
func (m *Manager) recordActive(ctx context.Context, prevActiveID string, chosen models.APIKey, reason string) {
	if prevActiveID == chosen.ID {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.APIKey{}).
			Where("is_active = ?", true).
			Update("is_active", false).Error; err != nil {
			return err
		}
		return tx.Model(&models.APIKey{}).
			Where("id = ?", chosen.ID).
			Update("is_active", true).Error
	})
	if err != nil {
		log.Printf("[Rotation] Failed to move active flag to %s: %v", chosen.ID, err)
		return
	}

	if prevActiveID == "" {
		return
	}
	if reason == "" {
		reason = m.deriveReason(ctx, prevActiveID)
	}
	m.journal.AppendRotation(ctx, prevActiveID, chosen.ID, reason)
	log.Printf("[Rotation] %s -> %s (%s)", prevActiveID, chosen.ID, reason)
}

// deriveReason explains why selection moved off the previously active key.
func (m *Manager) deriveReason(ctx context.Context, prevActiveID string) string {
	if m.ledger.IsExhausted(ctx, prevActiveID) {
		return models.ReasonQuotaExhausted
	}
	var prev models.APIKey
	if err := m.db.WithContext(ctx).Where("id = ?", prevActiveID).First(&prev).Error; err == nil {
		if prev.CoolingDown(m.now(), m.cooldown) {
			return models.ReasonHealthCheckFailed
		}
	}
	return models.ReasonQuotaExhausted
}
