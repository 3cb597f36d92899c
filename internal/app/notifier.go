package app

import (
	"log/slog"

	"trade_sync/internal/domain"
)

// LogNotifier reports activity transitions in the log. It stands in for the
// audio layer.
type LogNotifier struct {
	Log *slog.Logger
}

func (n LogNotifier) TradingActiveChanged(active bool) {
	log := n.Log
	if log == nil {
		log = slog.Default()
	}
	if active {
		log.Info("🔔 Trading active")
	} else {
		log.Warn("🔕 Trading inactive")
	}
}

var _ domain.Notifier = LogNotifier{}
