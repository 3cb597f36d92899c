package domain

// Notifier presents trading-activity transitions to the user (e.g. a sound).
type Notifier interface {
	TradingActiveChanged(active bool)
}

// SettingsRepository loads and stores user-adjustable settings.
type SettingsRepository interface {
	LoadSettings(defaults Settings) (Settings, error)
	SaveSettings(s Settings) error
}
