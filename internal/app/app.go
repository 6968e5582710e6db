package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"dvmnbot/internal/commands"
	"dvmnbot/internal/config"
	"dvmnbot/internal/delivery"
	"dvmnbot/internal/devman"
	"dvmnbot/internal/eventbus"
	"dvmnbot/internal/heartbeat"
	"dvmnbot/internal/review"
	"dvmnbot/internal/runtime/supervisor"
	"dvmnbot/internal/status"
	"dvmnbot/internal/storage"
	kit "dvmnbot/internal/transport"
	telegram "dvmnbot/internal/transport/telegram/adapter"
	logx "dvmnbot/pkg/logx"
	"dvmnbot/pkg/sdnotify"
)

const recentDeliveriesShown = 3

// Options are the command-line inputs of the app.
type Options struct {
	ConfigPath string
	// ChatID overrides telegram.chat_id and TELEGRAM_CHAT_ID when set.
	ChatID  string
	Version string
}

type App struct {
	opts Options

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter
	devman  *devman.Client
	deliv   *delivery.Service
	loop    *review.Loop
	router  *commands.Router
	beat    *heartbeat.Service
	sd      *sdnotify.Notifier

	chatID int64
	owners atomic.Pointer[[]int64]

	updates chan kit.Update
}

// New loads the config and builds every component. Nothing runs until Start.
func New(opts Options) (*App, error) {
	cfgm := config.NewConfigManager(opts.ConfigPath)
	parsed, err := cfgm.Parse()
	if err != nil {
		return nil, err
	}
	cfg := overlayChatID(parsed, opts.ChatID)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	if err := validateMappings(cfg); err != nil {
		return nil, err
	}
	cfgm.Commit(cfg)

	chatID, err := config.ParseChatID("telegram.chat_id", cfg.Telegram.ChatID)
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	tgCfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(tgCfg, bootLog)
	if err != nil {
		return nil, err
	}

	// Alerts start disabled so Apply does not warn before the target is set.
	logCfg := mapLoggingConfig(cfg)
	bootCfg := logCfg
	bootCfg.Alert.Enabled = false
	logSvc, log := logx.New(bootCfg, ad)
	if id := logChatID(cfg); id != 0 {
		logSvc.SetAlertTarget(id, cfg.Logging.Alert.ThreadID)
	}
	logSvc.Apply(logCfg)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	dmCfg, err := mapDevmanConfig(cfg, userAgent(opts.Version))
	if err != nil {
		return nil, err
	}
	dm, err := devman.New(dmCfg, log.With(logx.String("comp", "devman")))
	if err != nil {
		return nil, err
	}

	delCfg, err := mapDeliveryConfig(cfg)
	if err != nil {
		return nil, err
	}
	deliv := delivery.New(delCfg, ad, kit.ChatTarget{ChatID: chatID},
		log.With(logx.String("comp", "delivery")), bus, store)

	bp, err := mapBackoff(cfg)
	if err != nil {
		return nil, err
	}
	loop := review.New(dm, deliv, log.With(logx.String("comp", "review")),
		review.WithBus(bus), review.WithBackoff(bp))

	a := &App{
		opts:    opts,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		devman:  dm,
		deliv:   deliv,
		loop:    loop,
		chatID:  chatID,
		sd:      sdnotify.New(cfg.Systemd.Notify, log.With(logx.String("comp", "systemd"))),
		updates: make(chan kit.Update, 64),
	}
	a.setOwners(cfg.Telegram.OwnerUserIDs)

	src := status.Source{Loop: loop.Snapshot, Delivery: deliv.Stats, Recent: a.recentDeliveries}
	a.router = commands.New(ad, log.With(logx.String("comp", "commands")))
	a.router.Handle("start", "Приветствие", commands.Start)
	a.router.Handle("status", "Состояние бота", commands.Status(src, time.Now), commands.MWAllow(a.allowStatus))

	a.beat = heartbeat.New(mapHeartbeatConfig(cfg), src.Render, a.sendHeartbeat,
		log.With(logx.String("comp", "heartbeat")))
	return a, nil
}

func overlayChatID(cfg *config.Config, chatID string) *config.Config {
	chatID = strings.TrimSpace(chatID)
	if cfg == nil || chatID == "" {
		return cfg
	}
	cp := *cfg
	cp.Telegram.ChatID = chatID
	return &cp
}

func userAgent(version string) string {
	if version == "" {
		version = "dev"
	}
	return "dvmnbot/" + version
}

func (a *App) setOwners(ids []int64) {
	ids = slices.Clone(ids)
	a.owners.Store(&ids)
}

func (a *App) allowStatus(req *commands.Request) bool {
	owners := a.owners.Load()
	if owners == nil {
		return commands.OwnerOrChat(a.chatID, nil)(req)
	}
	return commands.OwnerOrChat(a.chatID, *owners)(req)
}

// recentDeliveries reads the journal tail for /status and the heartbeat.
func (a *App) recentDeliveries() []storage.DeliveryRecord {
	if a.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	recs, err := a.store.RecentDeliveries(ctx, recentDeliveriesShown)
	if err != nil {
		a.log.Warn("read delivery journal failed", logx.Err(err))
		return nil
	}
	return recs
}

// sendHeartbeat goes to the log chat when one is configured, else to the destination.
func (a *App) sendHeartbeat(ctx context.Context, text string) error {
	to := kit.ChatTarget{ChatID: a.chatID}
	if cfg := a.cfgm.Get(); cfg != nil {
		if id := logChatID(cfg); id != 0 {
			to = kit.ChatTarget{ChatID: id, ThreadID: cfg.Logging.Alert.ThreadID}
		}
	}
	_, err := a.adapter.SendText(ctx, to, text, &kit.SendOptions{DisablePreview: true})
	return err
}

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
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.ValidateReloadable(cfg); err != nil {
			return err
		}
		return validateMappings(cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	cmds := make([]telegram.Command, 0, 2)
	for _, c := range a.router.Commands() {
		cmds = append(cmds, telegram.Command{Name: c[0], Description: c[1]})
	}
	a.sup.Go0("telegram.set_commands", func(context.Context) {
		if err := a.adapter.SetCommands(cmds); err != nil {
			a.log.Warn("set bot commands failed", logx.Err(err))
		}
	})

	a.sup.GoRestart("commands.dispatch", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	}, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))

	a.sup.Go("review.loop", func(c context.Context) error {
		err := a.loop.Run(c, review.State{})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			a.sd.Status("stopped: " + err.Error())
		}
		return err
	})

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
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				newCfg = overlayChatID(newCfg, a.opts.ChatID)
				a.applyConfig(last, newCfg)
				last = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		a.sd.Watchdog(c, a.loopHealthy)
	})

	if err := a.beat.Start(a.sup.Context()); err != nil {
		a.log.Warn("heartbeat not scheduled", logx.Err(err))
	}

	a.sd.Ready()
	a.sd.Status("polling devman")
	a.log.Info("app started",
		logx.Int64("chat_id", a.chatID),
		logx.Duration("poll_timeout", a.devman.PollTimeout()),
	)
	return nil
}

// applyConfig pushes a validated config into the live components.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	if config.RestartRequired(sections) {
		a.log.Warn("config sections changed that need a restart to take effect", fields...)
	}

	// update the alert target first so Apply() doesn't warn
	a.logs.SetAlertTarget(logChatID(newCfg), newCfg.Logging.Alert.ThreadID)
	a.logs.Apply(mapLoggingConfig(newCfg))

	a.setOwners(newCfg.Telegram.OwnerUserIDs)

	if bp, err := mapBackoff(newCfg); err != nil {
		a.log.Warn("invalid backoff config; keeping previous", logx.Err(err))
	} else {
		a.loop.SetBackoff(bp)
	}
	if dc, err := mapDeliveryConfig(newCfg); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		a.deliv.Apply(dc)
	}
	if err := a.beat.Apply(mapHeartbeatConfig(newCfg)); err != nil {
		a.log.Warn("invalid heartbeat config; keeping previous", logx.Err(err))
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Time: time.Now(), Data: sections})
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
				max = time.Until(dl)
			}
			if max <= 0 {
				a.log.Warn("stop step skipped, deadline passed", logx.String("name", name))
				return
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

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
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("heartbeat", time.Second, func(c context.Context) error { a.beat.Stop(c); return nil })
	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("devman", 0, func(context.Context) error { a.devman.Close(); return nil })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	st := a.loop.Snapshot()
	a.log.Info("stopped",
		logx.Uint64("polls", st.Polls),
		logx.Uint64("reviews", st.Reviews),
		logx.Uint64("delivered", st.Delivered),
	)
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
