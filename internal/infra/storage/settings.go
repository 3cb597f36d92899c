package storage

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"trade_sync/internal/domain"

	"gorm.io/gorm"
)

const (
	KeyPollInterval = "poll_interval_ms"
	KeySound        = "sound_enabled"
	KeyLastAccount  = "last_account"
)

var _ domain.SettingsRepository = (*Storage)(nil)

// LoadSettings reads the persisted settings over defaults. Unparseable values
// are logged and ignored.
func (s *Storage) LoadSettings(defaults domain.Settings) (domain.Settings, error) {
	values, err := s.LoadConfigMap()
	if err != nil {
		return defaults, fmt.Errorf("load settings: %w", err)
	}

	out := defaults
	if v, ok := values[KeyPollInterval]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			slog.Warn("Ignoring invalid poll interval setting", slog.String("value", v))
		} else {
			out.PollInterval = time.Duration(n) * time.Millisecond
		}
	}
	if v, ok := values[KeySound]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			slog.Warn("Ignoring invalid sound setting", slog.String("value", v))
		} else {
			out.SoundEnabled = b
		}
	}
	if v, ok := values[KeyLastAccount]; ok && v != "" {
		out.LastAccount = domain.AccountID(v)
	}
	return out, nil
}

// SaveSettings writes every setting in one transaction.
func (s *Storage) SaveSettings(st domain.Settings) error {
	rows := []domain.AppConfig{
		{Key: KeyPollInterval, Value: strconv.FormatInt(st.PollInterval.Milliseconds(), 10)},
		{Key: KeySound, Value: strconv.FormatBool(st.SoundEnabled)},
		{Key: KeyLastAccount, Value: string(st.LastAccount)},
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		for i := range rows {
			if err := tx.Save(&rows[i]).Error; err != nil {
				return fmt.Errorf("save %s: %w", rows[i].Key, err)
			}
		}
		return nil
	})
}
