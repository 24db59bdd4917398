package models

import "time"

// KeyUsage is the per-key, per-UTC-day usage ledger row. Rows are created
// lazily on first use and only ever incremented; a new day implicitly
// starts at zero because no row exists yet.
type KeyUsage struct {
	ID           uint   `gorm:"primaryKey" json:"-"`
	APIKeyID     string `gorm:"uniqueIndex:idx_key_date;not null" json:"api_key_id"`
	Date         string `gorm:"uniqueIndex:idx_key_date;not null" json:"date"` // YYYY-MM-DD, UTC
	MessageCount int64  `gorm:"default:0" json:"message_count"`
	APICallCount int64  `gorm:"default:0" json:"api_call_count"`
	TokensUsed   int64  `gorm:"default:0" json:"tokens_used"`
	CreatedAt    time.Time `json:"-"`
	UpdatedAt    time.Time `json:"-"`
}

// UsageDay formats t as a ledger date in UTC.
func UsageDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
