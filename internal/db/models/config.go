package models

import "time"

// Config stores persisted runtime settings, currently the generated
// service API key that protects the dispatch endpoints.
type Config struct {
	Key       string    `gorm:"primaryKey"` // setting name
	Value     string    // setting value
	CreatedAt time.Time
	UpdatedAt time.Time
}
