package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"adblast/internal/audience"
	"adblast/internal/config"
	"adblast/internal/dispatch"
	"adblast/internal/eventbus"
	"adblast/internal/httpapi"
	"adblast/internal/notify"
	"adblast/internal/ratelimit"
	"adblast/internal/schedule"
	"adblast/internal/store"
	"adblast/internal/transport"
	"adblast/pkg/logx"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfgPath := os.Getenv("ADBLAST_CONFIG")
	if cfgPath == "" {
		cfgPath = "./config.yaml"
	}
	flag.StringVar(&cfgPath, "config", cfgPath, "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	mgr := config.NewManager(cfgPath, logx.NewConsole("info"))
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	defer logSvc.Close()

	limCfg, dispCfg, dispatchTimeout, err := engineConfigs(cfg)
	if err != nil {
		return err
	}

	busyTimeout, err := cfg.Storage.BusyTimeoutDuration()
	if err != nil {
		return err
	}
	dbPath := cfg.Storage.Path
	if dbPath == "" {
		dbPath = "./data/adblast.db"
	}
	st, err := store.Open(store.Config{Path: dbPath, BusyTimeout: busyTimeout}, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	bus := eventbus.New()
	sink := notify.NewBusSink(bus)

	limiter := ratelimit.New(limCfg, log)
	limiter.OnCooldown = func(key string, until time.Time) {
		sink.Broadcast(notify.EventCooldown, notify.CooldownEvent{PhoneNumber: key, CooldownUntil: until})
	}

	client := &transport.DryRun{Log: log}
	if !cfg.Dispatch.DryRun {
		log.Warn("no transport client linked in this build; using dry-run transport")
	}

	resolver := audience.NewResolver(st, log)
	processor := dispatch.NewProcessor(dispCfg, st, resolver, limiter, client, sink, log)
	scheduler := schedule.New(schedule.Config{DispatchTimeout: dispatchTimeout}, st, processor, log)
	defer scheduler.Stop(context.Background())

	// Rebuild timers from persisted schedules before anything else runs.
	if err := scheduler.Initialize(ctx); err != nil {
		return fmt.Errorf("schedule reconciliation: %w", err)
	}

	// Hot reload: logging and engine tunables follow the config file.
	go func() {
		if err := mgr.Watch(ctx); err != nil && ctx.Err() == nil {
			log.Warn("config watcher stopped", logx.Err(err))
		}
	}()
	updates := mgr.Subscribe(1)
	defer mgr.Unsubscribe(updates)
	go func() {
		for next := range updates {
			logSvc.Apply(logx.Config{
				Level:   next.Logging.Level,
				Console: next.Logging.Console,
				File:    logx.FileConfig{Enabled: next.Logging.File.Enabled, Path: next.Logging.File.Path},
			})
			lc, dc, _, err := engineConfigs(next)
			if err != nil {
				log.Warn("config update rejected", logx.Err(err))
				continue
			}
			limiter.Apply(lc)
			processor.Apply(dc)
			log.Info("engine tunables applied")
		}
	}()

	if cfg.HTTP.Enabled {
		srv := httpapi.New(httpapi.Config{Addr: cfg.HTTP.Addr}, st, scheduler, limiter, bus, log)
		go func() {
			if err := srv.Start(); err != nil {
				log.Error("http server failed", logx.Err(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	log.Info("adblast started", logx.String("config", cfgPath), logx.String("db", dbPath))
	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

func engineConfigs(cfg *config.Config) (ratelimit.Config, dispatch.Config, time.Duration, error) {
	cooldown, err := cfg.RateLimit.CooldownDuration()
	if err != nil {
		return ratelimit.Config{}, dispatch.Config{}, 0, err
	}
	sendDelay, err := cfg.Dispatch.SendDelayDuration()
	if err != nil {
		return ratelimit.Config{}, dispatch.Config{}, 0, err
	}
	timeout, err := cfg.Dispatch.TimeoutDuration()
	if err != nil {
		return ratelimit.Config{}, dispatch.Config{}, 0, err
	}

	lc := ratelimit.Config{
		TokensPerMinute: cfg.RateLimit.TokensPerMinute,
		Burst:           cfg.RateLimit.Burst,
		Cooldown:        cooldown,
	}
	dc := dispatch.Config{SendDelay: sendDelay}
	return lc, dc, timeout, nil
}
