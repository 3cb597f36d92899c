package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"trade_sync/internal/bridge"
	"trade_sync/internal/domain"
	"trade_sync/internal/engine"
	"trade_sync/internal/event"
	"trade_sync/internal/infra"
	"trade_sync/internal/owner"
)

// Session binds one connection owner, the bridge and the dispatcher for the
// active account, and carries out account switches in a fixed order.
type Session struct {
	cfg        *infra.Config
	log        *slog.Logger
	metrics    *infra.Metrics
	repo       domain.SettingsRepository
	notifier   domain.Notifier
	dispatcher *engine.Dispatcher
	bridge     *bridge.Bridge

	mu       sync.Mutex // serializes account switches and settings changes
	runCtx   context.Context
	owner    *owner.Owner
	settings domain.Settings

	sound atomic.Bool
}

// NewSession wires a Session to d. It registers the activity hook on d, so it
// must be called before d.Run.
func NewSession(cfg *infra.Config, d *engine.Dispatcher, repo domain.SettingsRepository, notifier domain.Notifier, log *slog.Logger, metrics *infra.Metrics) *Session {
	if log == nil {
		log = slog.Default()
	}
	if notifier == nil {
		notifier = LogNotifier{Log: log}
	}
	s := &Session{
		cfg:        cfg,
		log:        log.With(slog.String("component", "session")),
		metrics:    metrics,
		repo:       repo,
		notifier:   notifier,
		dispatcher: d,
		bridge:     bridge.New(d, cfg.PollInterval(), log, metrics),
		runCtx:     context.Background(),
	}
	d.OnActive(s.activeChanged)
	return s
}

// Start applies settings and connects the last used account. ctx bounds the
// lifetime of the background work.
func (s *Session) Start(ctx context.Context, settings domain.Settings) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.settings = settings
	s.sound.Store(settings.SoundEnabled)
	s.bridge.SetInterval(settings.PollInterval)
	s.mu.Unlock()

	account := settings.LastAccount
	if account == "" {
		account = domain.AccountID(s.cfg.Server.Account)
	}
	return s.SwitchAccount(ctx, account)
}

// SwitchAccount makes account the active one: stop the bridge, close the old
// owner, create and connect a new owner, restart the bridge. Nothing pushed
// for the previous account can reach the state after the old owner closed.
func (s *Session) SwitchAccount(ctx context.Context, account domain.AccountID) error {
	if account == "" {
		return fmt.Errorf("switch account: %w", &domain.ConfigError{Field: "server.account", Err: fmt.Errorf("empty account")})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.bridge.Stop()
	if s.owner != nil {
		s.owner.Close()
		s.owner = nil
	}

	if err := s.dispatcher.Dispatch(ctx, engine.SwitchAccount{Account: account}); err != nil {
		return fmt.Errorf("switch account: %w", err)
	}

	o := owner.New(owner.ConfigFrom(s.cfg), s.log, s.metrics)
	s.subscribe(o)

	creds := owner.Credentials{URL: s.cfg.Server.WSURL, Token: s.cfg.Server.Token, Account: account}
	if err := o.Connect(ctx, creds); err != nil {
		o.Close()
		return fmt.Errorf("connect account %s: %w", account, err)
	}
	s.owner = o

	s.bridge.SetSource(o.Reconciler())
	s.bridge.Start(s.runCtx)

	if s.settings.LastAccount != account {
		s.settings.LastAccount = account
		s.save()
	}
	s.log.Info("Account active", slog.String("account", string(account)))
	return nil
}

// subscribe routes the per-entity pushes straight into the dispatcher.
// Quotes and positions reach it through the bridge instead.
func (s *Session) subscribe(o *owner.Owner) {
	forward := func(kind event.Kind, toAction func(event.Event) engine.Action) {
		o.OnEvent(kind, func(ev event.Event) {
			if err := s.dispatcher.Dispatch(s.runCtx, toAction(ev)); err != nil {
				s.log.Debug("Dropping event", slog.String("kind", string(kind)), slog.Any("error", err))
			}
		})
	}

	forward(event.KindConnected, func(event.Event) engine.Action {
		return engine.Transport{Connected: true}
	})
	forward(event.KindDisconnected, func(ev event.Event) engine.Action {
		if err := ev.(event.Disconnected).Err; err != nil && !domain.IsRetriable(err) {
			s.log.Error("Connection terminated", slog.Any("error", err))
		}
		return engine.Transport{Connected: false}
	})
	forward(event.KindOrder, func(ev event.Event) engine.Action {
		return engine.UpsertOrder{Order: ev.(event.Order).Order}
	})
	forward(event.KindOCOOrders, func(ev event.Event) engine.Action {
		pair := ev.(event.OCOOrders)
		return engine.UpsertOCOPair{OCO1: pair.OCO1, OCO2: pair.OCO2}
	})
	forward(event.KindTrade, func(ev event.Event) engine.Action {
		return engine.RecordTrade{Trade: ev.(event.Trade).Trade}
	})
	forward(event.KindAccount, func(ev event.Event) engine.Action {
		return engine.SetAccountStats{Stats: ev.(event.Account).Stats}
	})
	forward(event.KindTrading, func(ev event.Event) engine.Action {
		return engine.Heartbeat{State: ev.(event.Trading).State}
	})
	forward(event.KindLog, func(ev event.Event) engine.Action {
		return engine.AppendLog{Entry: ev.(event.Log).Entry}
	})
	forward(event.KindMessage, func(ev event.Event) engine.Action {
		return engine.DeliverMessage{Message: ev.(event.Message).Message}
	})
}

// SetPollInterval persists the interval and restarts the bridge with it.
func (s *Session) SetPollInterval(d time.Duration) error {
	if d <= 0 {
		return &domain.ConfigError{Field: "sync.poll_interval_ms", Err: fmt.Errorf("must be positive, got %s", d)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.settings.PollInterval = d
	s.save()
	s.bridge.SetInterval(d)
	if s.owner != nil {
		s.bridge.Restart(s.runCtx)
	}
	return nil
}

// SetSound turns activity notifications on or off.
func (s *Session) SetSound(on bool) {
	s.sound.Store(on)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.SoundEnabled = on
	s.save()
}

// Settings returns the current user settings.
func (s *Session) Settings() domain.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

func (s *Session) save() {
	if s.repo == nil {
		return
	}
	if err := s.repo.SaveSettings(s.settings); err != nil {
		s.log.Warn("Failed to persist settings", slog.Any("error", err))
	}
}

func (s *Session) activeChanged(active bool) {
	if s.sound.Load() {
		s.notifier.TradingActiveChanged(active)
	}
}

func (s *Session) currentOwner() *owner.Owner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// Dispatcher exposes the application state to the presentation layer.
func (s *Session) Dispatcher() *engine.Dispatcher { return s.dispatcher }

// Connected reports whether the active owner's socket is up.
func (s *Session) Connected() bool {
	o := s.currentOwner()
	return o != nil && o.Connected()
}

// Close stops the bridge and closes the owner.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bridge.Stop()
	if s.owner != nil {
		s.owner.Close()
		s.owner = nil
	}
}
