package app

import (
	"errors"
	"log/slog"

	"trade_sync/internal/domain"
	"trade_sync/internal/infra"
	"trade_sync/internal/infra/storage"

	"github.com/prometheus/client_golang/prometheus"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config   *infra.Config
	Logger   *slog.Logger
	Storage  *storage.Storage
	Metrics  *infra.Metrics
	Registry *prometheus.Registry
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize performs core system initialization (config, logger, DB, metrics)
func (b *Bootstrap) Initialize(configPath string) error {
	slog.Info("🚀 Bootstrapping Trade Sync...")

	// 1. Load Config
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	b.Logger = infra.NewLogger(cfg)
	slog.SetDefault(b.Logger)

	// 3. Initialize Storage (DB)
	store, err := storage.NewStorage()
	if err != nil {
		return err
	}
	b.Storage = store
	slog.Info("✅ Database initialized")

	// 4. Metrics
	b.Metrics = &infra.Metrics{}
	b.Registry = infra.NewRegistry(b.Metrics)

	return nil
}

// Settings loads the persisted user settings, falling back to the config
// values for anything never saved.
func (b *Bootstrap) Settings() (domain.Settings, error) {
	defaults := domain.Settings{
		PollInterval: b.Config.PollInterval(),
		SoundEnabled: true,
		LastAccount:  domain.AccountID(b.Config.Server.Account),
	}
	if b.Storage == nil {
		return defaults, nil
	}
	return b.Storage.LoadSettings(defaults)
}

// Close releases what Initialize acquired.
func (b *Bootstrap) Close() error {
	var errs []error
	if b.Storage != nil {
		errs = append(errs, b.Storage.Close())
	}
	return errors.Join(errs...)
}
