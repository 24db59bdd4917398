package models

import "time"

// APIKey is one upstream Gemini API key managed by the rotation pool.
// Key holds the AES-GCM encrypted secret and is never serialized; admin
// responses expose a masked form only.
type APIKey struct {
	ID          string `gorm:"primaryKey" json:"id"` // UUID
	DisplayName string `json:"display_name"`
	Key         string `gorm:"not null" json:"-"`             // encrypted secret
	Fingerprint string `gorm:"uniqueIndex;not null" json:"-"` // deterministic digest for duplicate detection
	Priority    int    `gorm:"default:1;index" json:"priority"`
	Enabled     bool   `gorm:"default:true;index" json:"enabled"`
	IsActive    bool   `gorm:"default:false" json:"is_active"` // at most one true among enabled keys
	IsPrimary   bool   `gorm:"default:false" json:"is_primary"`
	LastUsedAt  *time.Time `json:"last_used_at"`
	LastErrorAt *time.Time `json:"last_error_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// CoolingDown reports whether the key is inside the error cooldown window
// that excludes it from selection.
func (k *APIKey) CoolingDown(now time.Time, cooldown time.Duration) bool {
	return k.LastErrorAt != nil && now.Sub(*k.LastErrorAt) < cooldown
}
