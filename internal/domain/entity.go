package domain

import (
	"time"
)

// AppConfig represents user-specific configuration (Key-Value)
type AppConfig struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Settings are the user-adjustable values persisted between runs.
type Settings struct {
	PollInterval time.Duration
	SoundEnabled bool
	LastAccount  AccountID
}
