// Package app assembles the coordinator: config, logging, device registry,
// time sync, capture control, the device socket, and the operator API.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"camsync/internal/artifact"
	"camsync/internal/capture"
	"camsync/internal/catalog"
	"camsync/internal/config"
	"camsync/internal/eventbus"
	"camsync/internal/httpapi"
	"camsync/internal/ledger"
	"camsync/internal/observability/pprof"
	"camsync/internal/registry"
	"camsync/internal/runtime/supervisor"
	"camsync/internal/timesync"
	"camsync/internal/wsserver"
	logx "camsync/pkg/logx"
	"camsync/pkg/systemd"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	reg   *registry.Registry
	sink  *artifact.Sink
	ldg   *ledger.Writer
	cat   catalog.Store
	ctrl  *capture.Controller
	bcast *timesync.Broadcaster
	ws    *wsserver.Server
	api   *httpapi.Server
	pprof *pprof.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	logSvc, log := logx.New(mapLoggingConfig(cfg.Logging), bus)
	log = log.With(logx.String("comp", "app"))

	reg := registry.New(log.With(logx.String("comp", "registry")), bus)

	outputDir := strings.TrimSpace(cfg.Capture.OutputDir)
	if outputDir == "" {
		outputDir = "./output"
	}
	sink := artifact.NewSink(log.With(logx.String("comp", "artifact")), outputDir)

	// Ledger (optional)
	var ldg *ledger.Writer
	if cfg.Ledger.Enabled {
		path := strings.TrimSpace(cfg.Ledger.Path)
		if path == "" {
			path = filepath.Join(outputDir, "sessions.csv")
		}
		ldg = ledger.NewWriter(log.With(logx.String("comp", "ledger")), path)
		log.Info("session ledger enabled", logx.String("path", path))
	}

	// Device catalog (optional)
	cat, err := catalog.Open(cfg.Catalog, log.With(logx.String("comp", "catalog")))
	if err != nil {
		return nil, err
	}
	if cat != nil {
		log.Info("device catalog enabled", logx.String("driver", cfg.Catalog.Driver))
	}

	ctrl, err := capture.New(log.With(logx.String("comp", "capture")),
		bus, reg, sink, ldg, cat, cfg.Capture, cfg.Ledger)
	if err != nil {
		return nil, err
	}

	bcast, err := timesync.New(log.With(logx.String("comp", "timesync")), reg, cfg.TimeSync)
	if err != nil {
		return nil, err
	}

	ws, err := wsserver.New(log.With(logx.String("comp", "ws")),
		reg, ctrl, bcast, cat, cfg.Server)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		reg:     reg,
		sink:    sink,
		ldg:     ldg,
		cat:     cat,
		ctrl:    ctrl,
		bcast:   bcast,
		ws:      ws,
		pprof:   pprof.New(cfg.Pprof, log.With(logx.String("comp", "pprof"))),
	}

	// Operator API (optional)
	if cfg.HTTP.Enabled {
		api, err := httpapi.New(log.With(logx.String("comp", "api")),
			reg, ctrl, cat, healthView{a}, cfg.HTTP)
		if err != nil {
			return nil, err
		}
		a.api = api
	}

	return a, nil
}

// healthView exposes the supervised task set to /healthz.
type healthView struct{ a *App }

func (h healthView) Snapshot() []supervisor.TaskStats {
	if h.a.sup == nil {
		return nil
	}
	return h.a.sup.Snapshot().Tasks
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
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	// Listeners first so a bind failure aborts startup fast.
	a.sup.Go("server.ws", a.ws.Run)
	if a.api != nil {
		a.sup.Go("server.api", a.api.Run)
	}

	a.sup.GoRestart("timesync.broadcast", a.bcast.Run)

	if a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}

	// Debug-level event trace (components subscribe themselves for real work).
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

	// Hot-reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	// sd_notify readiness + watchdog (no-ops outside systemd).
	systemd.NotifyReady(a.log)
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return systemd.WatchdogLoop(c, a.log)
	})

	a.log.Info("coordinator started")
	return nil
}

// applyReload pushes a validated config into the running services. Sections
// backing live listeners require a restart; only logging and pprof apply live.
func (a *App) applyReload(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	for _, s := range sections {
		switch s {
		case "server", "capture", "timesync", "ledger", "catalog", "http":
			a.log.Warn("config section changed; restart required to take effect",
				logx.String("section", s))
		}
	}

	a.logs.Apply(mapLoggingConfig(newCfg.Logging))
	a.pprof.Reconfigure(ctx, newCfg.Pprof)

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	systemd.NotifyStopping(a.log)

	// Cancel the run context so listener and broadcast loops unwind.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component cannot stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// Respect the caller's deadline; never extend it.
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("pprof", 1*time.Second, func(c context.Context) error {
		a.pprof.Stop(c)
		return nil
	})
	step("supervisor", 4*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("catalog", 1*time.Second, func(context.Context) error {
		if a.cat != nil {
			return a.cat.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func mapLoggingConfig(lc config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Stream: logx.StreamConfig{
			Enabled:    lc.Stream.Enabled,
			MinLevel:   lc.Stream.MinLevel,
			RatePerSec: lc.Stream.RatePerSec,
		},
	}
}

// validateConfig rejects a bad hot-reload before it is committed.
func validateConfig(cfg *config.Config) error {
	durations := []struct{ path, raw string }{
		{"server.ping_interval", cfg.Server.PingInterval},
		{"server.pong_timeout", cfg.Server.PongTimeout},
		{"server.hello_timeout", cfg.Server.HelloTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"capture.sync_delay", cfg.Capture.SyncDelay},
		{"capture.wait_timeout", cfg.Capture.WaitTimeout},
		{"capture.poll_interval", cfg.Capture.PollInterval},
		{"timesync.send_timeout", cfg.TimeSync.SendTimeout},
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"http.idle_timeout", cfg.HTTP.IdleTimeout},
		{"pprof.read_timeout", cfg.Pprof.ReadTimeout},
		{"pprof.write_timeout", cfg.Pprof.WriteTimeout},
		{"pprof.idle_timeout", cfg.Pprof.IdleTimeout},
	}
	for _, d := range durations {
		if _, err := config.ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if cfg.Server.MaxImageBytes < 0 {
		return fmt.Errorf("server.max_image_bytes must be >= 0")
	}

	if raw := strings.TrimSpace(cfg.TimeSync.Schedule); raw != "" {
		if _, err := timesync.ParseSchedule(raw); err != nil {
			return fmt.Errorf("timesync.schedule: %w", err)
		}
	}
	if raw := strings.TrimSpace(cfg.TimeSync.StatusSchedule); raw != "" {
		if _, err := timesync.ParseSchedule(raw); err != nil {
			return fmt.Errorf("timesync.status_schedule: %w", err)
		}
	}

	if cfg.Catalog != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Catalog.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("catalog.driver: unknown driver %q", cfg.Catalog.Driver)
		}
		if _, err := config.ParseDurationField("catalog.busy_timeout", cfg.Catalog.BusyTimeout); err != nil {
			return err
		}
	}

	return nil
}
