// Package app wires the relay together: config, logging, transport,
// session store, relay, HTTP API, and their lifecycles.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/eventbus"
	"relaybot/internal/httpapi"
	"relaybot/internal/relay"
	"relaybot/internal/session"
	"relaybot/internal/storage"
	kit "relaybot/internal/transport"
	"relaybot/internal/transport/telegram"
	logx "relaybot/pkg/logx"

	rtsup "relaybot/internal/runtime/supervisor"
)

type App struct {
	mgr *config.Manager

	logSvc  *logx.Service
	log     logx.Logger
	adapter kit.Adapter
	bus     eventbus.Bus
	store   *session.Store
	audit   storage.Store
	matcher *relay.ActionMatcher
	deliver *relay.Deliverer
	ingest  *relay.Ingestor
	reaper  *session.Reaper
	api     *httpapi.Server

	sup     *rtsup.Supervisor
	updates chan kit.Update
}

func New(configPath string) (*App, error) {
	mgr := config.NewManager(configPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &App{mgr: mgr}, nil
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.mgr.Get()

	// The adapter bootstraps on a console logger; everything after it logs
	// through the service so the Telegram sink sees it too.
	bootLog := logx.NewConsole(cfg.Logging.Level)
	pollTimeout, _ := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog.With(logx.String("comp", "telegram")))
	if err != nil {
		return fmt.Errorf("telegram adapter: %w", err)
	}
	a.adapter = adapter

	a.logSvc, a.log = logx.New(logConfigFrom(cfg), adapter)
	if len(cfg.Telegram.AllowedChatIDs) > 0 {
		a.logSvc.SetTelegramTarget(cfg.Telegram.AllowedChatIDs[0])
	}
	a.mgr.SetLogger(a.log.With(logx.String("comp", "config")))
	a.mgr.SetValidator(func(ctx context.Context, c *config.Config) error {
		return c.Validate()
	})

	if cfg.Storage != nil {
		busyTimeout, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		a.audit, err = storage.Open(storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: busyTimeout,
		}, a.log.With(logx.String("comp", "storage")))
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
	}

	a.bus = eventbus.New()
	a.store = session.NewStore(a.bus, a.log.With(logx.String("comp", "session")))
	a.matcher = relay.NewActionMatcher(cfg.Actions.DoneTokens, cfg.Actions.CancelTokens)
	a.deliver = relay.NewDeliverer(adapter, a.audit, deliverConfigFrom(cfg), cfg.Telegram.AllowedChatIDs,
		a.log.With(logx.String("comp", "deliver")))
	a.ingest = relay.NewIngestor(adapter, a.store, a.matcher, a.audit, cfg.Telegram.AllowedChatIDs,
		a.log.With(logx.String("comp", "ingest")))
	a.reaper = session.NewReaper(a.store, reaperConfigFrom(cfg), a.log.With(logx.String("comp", "reaper")))

	shutdownTimeout, _ := config.ParseDurationOrDefault("server.shutdown_timeout", cfg.Server.ShutdownTimeout, 5*time.Second)
	a.api = httpapi.New(httpapi.Config{
		Addr:            cfg.Server.Addr,
		Secret:          cfg.Server.Secret,
		ShutdownTimeout: shutdownTimeout,
	}, a.store, a.deliver, a.log.With(logx.String("comp", "api")))

	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		rtsup.WithCancelOnError(false),
	)

	a.updates = make(chan kit.Update, 256)
	if err := adapter.Start(a.sup.Context(), a.updates); err != nil {
		return fmt.Errorf("start telegram: %w", err)
	}
	a.sup.Go("relay.ingest", func(c context.Context) error {
		return a.ingest.Run(c, a.updates)
	})
	a.sup.Go("audit.events", a.auditEvents)
	a.sup.GoRestart("config.watch", a.mgr.Watch)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.reaper.Start(a.sup.Context())

	if err := a.api.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("start api: %w", err)
	}

	a.log.Info("relay started",
		logx.String("addr", a.api.Addr()),
		logx.Int("allowed_chats", len(cfg.Telegram.AllowedChatIDs)),
		logx.Bool("storage", a.audit != nil))
	return nil
}

// auditEvents records ack/expiry transitions from the bus; delivery and
// reply entries are written inline by the relay.
func (a *App) auditEvents(ctx context.Context) error {
	if a.audit == nil {
		<-ctx.Done()
		return nil
	}
	ch, unsub := a.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			d, _ := ev.Data.(session.EventData)
			var event string
			switch ev.Type {
			case session.EventAcked:
				event = "ack"
			case session.EventExpired:
				event = "expired"
			default:
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, time.Second)
			err := a.audit.AppendAudit(wctx, storage.AuditEntry{
				At:        ev.Time,
				SessionID: d.SessionID,
				Event:     event,
				ChatID:    d.ChatID,
				MessageID: d.MessageID,
				Action:    d.Action,
			})
			cancel()
			if err != nil {
				a.log.Debug("audit append failed", logx.Err(err))
			}
		}
	}
}

// reloadLoop fans a committed config change out to the live components.
func (a *App) reloadLoop(ctx context.Context) {
	ch := a.mgr.Subscribe(4)
	defer a.mgr.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok || cfg == nil {
				return
			}
			a.applyConfig(cfg)
		}
	}
}

func (a *App) applyConfig(cfg *config.Config) {
	a.logSvc.Apply(logConfigFrom(cfg))
	if len(cfg.Telegram.AllowedChatIDs) > 0 {
		a.logSvc.SetTelegramTarget(cfg.Telegram.AllowedChatIDs[0])
	}
	a.matcher.Apply(cfg.Actions.DoneTokens, cfg.Actions.CancelTokens)
	a.deliver.Apply(deliverConfigFrom(cfg), cfg.Telegram.AllowedChatIDs)
	a.ingest.SetAllowed(cfg.Telegram.AllowedChatIDs)
	a.reaper.Apply(reaperConfigFrom(cfg))
	a.api.SetSecret(cfg.Server.Secret)
	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) {
	step := func(name string, fn func(context.Context)) {
		sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		done := make(chan struct{})
		go func() {
			defer close(done)
			fn(sctx)
		}()
		select {
		case <-done:
		case <-sctx.Done():
			a.log.Warn("shutdown step timed out", logx.String("step", name))
		}
	}

	if a.api != nil {
		step("api", func(c context.Context) { a.api.Stop(c) })
	}
	if a.adapter != nil {
		step("telegram", func(c context.Context) { _ = a.adapter.Stop(c) })
	}
	if a.reaper != nil {
		a.reaper.Stop()
	}
	if a.sup != nil {
		a.sup.Cancel()
		step("supervisor", func(c context.Context) { _ = a.sup.Wait(c) })
	}
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	if a.log.IsZero() {
		return
	}
	a.log.Info("relay stopped")
	if a.logSvc != nil {
		_ = a.logSvc.Close()
	}
}

func logConfigFrom(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func deliverConfigFrom(cfg *config.Config) relay.DeliverConfig {
	retryBase, _ := config.ParseDurationOrDefault("delivery.retry_base", cfg.Delivery.RetryBase, 500*time.Millisecond)
	retryMaxDelay, _ := config.ParseDurationOrDefault("delivery.retry_max_delay", cfg.Delivery.RetryMaxDelay, 5*time.Second)
	sendTimeout, _ := config.ParseDurationOrDefault("delivery.send_timeout", cfg.Delivery.SendTimeout, 10*time.Second)
	// Dedup is the one knob where an explicit "0" means off, not default.
	dedupWindow := 30 * time.Second
	if strings.TrimSpace(cfg.Delivery.DedupWindow) != "" {
		dedupWindow, _ = config.ParseDurationField("delivery.dedup_window", cfg.Delivery.DedupWindow)
	}
	retryMax := cfg.Delivery.RetryMax
	if retryMax == 0 {
		retryMax = 2
	}
	return relay.DeliverConfig{
		RatePerSec:    cfg.Delivery.RatePerSec,
		RetryMax:      retryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
		SendTimeout:   sendTimeout,
		DedupWindow:   dedupWindow,
	}
}

func reaperConfigFrom(cfg *config.Config) session.ReaperConfig {
	ttl, _ := config.ParseDurationOrDefault("sessions.ttl", cfg.Sessions.TTL, time.Hour)
	every, _ := config.ParseDurationOrDefault("sessions.reap_every", cfg.Sessions.ReapEvery, 10*time.Minute)
	return session.ReaperConfig{TTL: ttl, Every: every}
}
