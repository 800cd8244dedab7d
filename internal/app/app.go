// Package app wires the poller, the dispatcher and their transports into
// one process and owns its lifecycle: config hot reload, systemd
// notifications and ordered shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"steamwatch/internal/config"
	"steamwatch/internal/dispatch"
	"steamwatch/internal/eventbus"
	"steamwatch/internal/maintenance"
	"steamwatch/internal/observability/httpserver"
	rtsup "steamwatch/internal/runtime/supervisor"
	"steamwatch/internal/schedule"
	"steamwatch/internal/steam"
	"steamwatch/internal/storage"
	"steamwatch/internal/tracker"
	kit "steamwatch/internal/transport"
	"steamwatch/internal/transport/discord"
	telegram "steamwatch/internal/transport/telegram/adapter"
	"steamwatch/internal/transport/telegram/router"
	logx "steamwatch/pkg/logx"
	"steamwatch/pkg/systemd"

	"github.com/jonboulle/clockwork"
)

type App struct {
	cfgm  *config.ConfigManager
	sup   *rtsup.Supervisor
	clock clockwork.Clock

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	steam   *steam.Client
	tracker *tracker.Tracker
	sched   *schedule.Service
	disp    *dispatch.Service
	mux     *kit.Mux

	// tg and cmdm are nil when telegram is disabled.
	tg   *telegram.Adapter
	cmdm *router.CommandManager

	maint  *maintenance.Service
	http   *httpserver.Service
	health *rtsup.Registry

	updates chan kit.Update
}

type Option func(*options)

type options struct {
	clock         clockwork.Clock
	telegramCheck bool
}

// WithClock replaces the wall clock used by the poller and the tracker.
func WithClock(c clockwork.Clock) Option { return func(o *options) { o.clock = c } }

// WithoutTelegramCheck builds the telegram adapter without contacting the
// Bot API.
func WithoutTelegramCheck() Option { return func(o *options) { o.telegramCheck = false } }

func New(cfgPath string, opts ...Option) (*App, error) {
	o := options{clock: clockwork.NewRealClock(), telegramCheck: true}
	for _, opt := range opts {
		opt(&o)
	}

	if err := config.LoadDotEnv(cfgPath); err != nil {
		return nil, err
	}
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}

	// The chat log sink goes through the mux, which gets its channels below.
	mux := kit.NewMux()
	logSvc, log := logx.New(mapLogConfig(cfg), mux)
	bus := eventbus.New()

	a := &App{
		cfgm:    cfgm,
		clock:   o.clock,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		mux:     mux,
		health:  rtsup.NewRegistry(),
		updates: make(chan kit.Update, 256),
	}
	if err := a.build(cfg, o); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(a.validate)
	return a, nil
}

func (a *App) build(cfg *config.Config, o options) error {
	stc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	sc, err := mapSteamConfig(cfg)
	if err != nil {
		return err
	}
	tc, err := mapTrackerConfig(cfg)
	if err != nil {
		return err
	}
	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		return err
	}
	schc, err := mapScheduleConfig(cfg)
	if err != nil {
		return err
	}
	mc, err := mapMaintenanceConfig(cfg)
	if err != nil {
		return err
	}
	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		return err
	}

	comp := func(name string) logx.Logger { return a.log.With(logx.String("comp", name)) }

	a.store, err = storage.Open(stc, comp("storage"))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.steam, err = steam.New(sc, a.clock, comp("steam"))
	if err != nil {
		return err
	}
	a.tracker = tracker.New(tc, a.store, a.steam, a.clock, comp("tracker"), a.bus)

	if cfg.Telegram.Enabled {
		tgc, err := mapTelegramConfig(cfg)
		if err != nil {
			return err
		}
		tgc.Offline = !o.telegramCheck
		a.tg, err = telegram.New(tgc, comp("telegram"))
		if err != nil {
			return err
		}
		a.mux.Handle(kit.ChannelTelegram, a.tg)
	}
	if cfg.Discord.Enabled {
		dg, err := discord.New(discord.Config{Token: strings.TrimSpace(cfg.Discord.Token)}, comp("discord"))
		if err != nil {
			return err
		}
		a.mux.Handle(kit.ChannelDiscord, dg)
	}

	a.disp = dispatch.New(dc, a.mux, a.tracker, comp("dispatch"), a.bus, a.store)
	a.disp.SetRenderer(dispatch.AchievementCards())
	a.sched = schedule.New(schc, a.tracker, a.clock, comp("schedule"))
	a.tracker.Bind(a.sched, a.disp, a.steam)
	a.steam.OnNoAchievements(a.tracker.NoAchievementApp)

	if a.tg != nil {
		a.cmdm = router.NewCommandManager(comp("commands"), a.tg, a.tracker, cfg.Telegram.OwnerUserIDs)
		a.cmdm.SetCommandTimeout(mapCommandTimeout(cfg))
		a.cmdm.SetRegistry(router.NewHandlers(a.tracker, a.clock).Commands())
	}

	a.maint = maintenance.New(mc, a.store, a.tracker, a.clock, comp("maintenance"))
	if err := a.maint.Validate(mc); err != nil {
		return err
	}
	a.http = httpserver.New(hc, a.health.Health, comp("http"))

	a.health.Track("schedule", a.sched.Supervisor)
	a.health.Track("dispatch", a.disp.Supervisor)
	a.health.Track("http", a.http.Supervisor)
	if a.tg != nil {
		a.health.Track("telegram", a.tg.Supervisor)
		a.health.Track("commands", a.cmdm.Supervisor)
	}
	return nil
}

// validate rejects a reloaded config that any component would refuse.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if _, err := mapSteamConfig(cfg); err != nil {
		return err
	}
	if _, err := mapScheduleConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	mc, err := mapMaintenanceConfig(cfg)
	if err != nil {
		return err
	}
	return a.maint.Validate(mc)
}

// Tracker exposes the registry for embedding and tests.
func (a *App) Tracker() *tracker.Tracker { return a.tracker }

// Health is the aggregated supervisor view also served on /healthz.
func (a *App) Health() rtsup.Health { return a.health.Health() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.health.Set("app", a.sup)
	run := a.sup.Context()

	// Restore subscriptions and schedules before anything can poll.
	if err := a.tracker.Load(run); err != nil {
		return err
	}

	// Poller and dispatcher outlive the run context; Stop drains them in order.
	detached := context.WithoutCancel(run)
	a.disp.Start(detached)

	if a.tg != nil {
		if err := a.tg.Start(run, a.updates); err != nil {
			return err
		}
		a.sup.Go("commands.dispatch", func(c context.Context) error {
			return a.cmdm.DispatchLoop(c, a.updates)
		})
	}

	a.sched.Start(detached)

	if err := a.maint.Start(run); err != nil {
		return err
	}
	a.http.Start(run)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				next = latest(sub, next)
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return systemd.Watchdog(c, func() bool { return a.health.Health().OK })
	})
	if _, err := systemd.Ready(fmt.Sprintf("tracking %d identities", a.sched.Len())); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	}

	a.log.Info("app started", logx.Int("identities", a.sched.Len()), logx.Any("channels", a.mux.Channels()))
	return nil
}

// latest drains queued configs so a burst of writes is applied once.
func latest(sub chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer := <-sub:
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

// applyConfig pushes the hot-reloadable sections into running components.
// Sections needing a restart are only reported.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	change := config.SummarizeConfigChange(prev, next)
	if change.Empty() {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready("config reloaded") }()

	a.log.Debug("config change summary", change.Fields...)
	if len(change.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart to take effect",
			logx.String("sections", strings.Join(change.RestartRequired, ",")))
	}

	a.logs.Apply(mapLogConfig(next))

	if sc, err := mapScheduleConfig(next); err != nil {
		a.log.Warn("invalid schedule config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
	}
	if dc, err := mapDispatchConfig(next); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(dc)
	}
	if sc, err := mapSteamConfig(next); err != nil {
		a.log.Warn("invalid steam config; keeping previous", logx.Err(err))
	} else {
		// Credentials and base URL stay as built; the rest is tunable.
		cur, _ := mapSteamConfig(prev)
		sc.APIKey, sc.BaseURL = cur.APIKey, cur.BaseURL
		a.steam.Apply(sc)
	}

	if a.cmdm != nil {
		a.cmdm.SetOwners(next.Telegram.OwnerUserIDs)
		a.cmdm.SetCommandTimeout(mapCommandTimeout(next))
	}

	if mc, err := mapMaintenanceConfig(next); err != nil {
		a.log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
	} else if err := a.maint.Apply(ctx, mc); err != nil {
		a.log.Warn("maintenance config rejected", logx.Err(err))
	}

	if hc, err := mapHTTPConfig(next); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, hc)
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(change.Sections, ","))}, change.Fields...)...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	a.sup.Cancel()

	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := boundedCtx(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	// Polls first so nothing new reaches the dispatcher, then drain it while
	// the transports are still up.
	step("schedule", 0, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("dispatch", 5*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	if a.tg != nil {
		step("telegram", 2*time.Second, func(c context.Context) error { return a.tg.Stop(c) })
	}
	step("maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}

// boundedCtx never extends the caller's deadline; limit 0 means no extra bound.
func boundedCtx(ctx context.Context, limit time.Duration) (context.Context, context.CancelFunc) {
	if limit <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, limit)
}
