package models

// Event types and reasons recorded in the key event journal.
const (
	EventRotation = "rotation"
	EventError    = "error"

	ReasonQuotaExhausted    = "quota_exhausted"
	ReasonHealthCheckFailed = "health_check_failed"
	ReasonManual            = "manual"
	ReasonProviderError     = "provider_error"
)

// KeyEvent is an append-only journal entry for key rotations and
// key-attributable errors. Rotation events carry FromKeyID/ToKeyID,
// error events carry KeyID and Message.
type KeyEvent struct {
	ID        string `gorm:"primaryKey" json:"id"` // UUID
	Type      string `gorm:"index;not null" json:"type"`
	Timestamp int64  `gorm:"index" json:"timestamp"` // unix milliseconds
	FromKeyID string `json:"from_key_id,omitempty"`
	ToKeyID   string `json:"to_key_id,omitempty"`
	KeyID     string `gorm:"index" json:"key_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message,omitempty"`
}

// JournalStats holds aggregate counters kept alongside the journal.
type JournalStats struct {
	RotationCount int64 `json:"rotation_count"`
	ErrorCount    int64 `json:"error_count"`
}
