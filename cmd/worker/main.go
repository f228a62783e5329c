package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"leados-scheduler/internal/archive"
	"leados-scheduler/internal/config"
	"leados-scheduler/internal/coord"
	"leados-scheduler/internal/dispatcher"
	"leados-scheduler/internal/logger"
	"leados-scheduler/internal/scheduler"
	"leados-scheduler/internal/sender"
	"leados-scheduler/internal/store"
	"leados-scheduler/internal/telemetry"
	"leados-scheduler/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN, cfg.ConnectWait)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := store.Migrate(ctx, cfg.PostgresDSN, log); err != nil {
		log.Fatal("migrations", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = rdb.Close() }()
	co := coord.New(rdb, cfg.DLQName)

	arch, err := archive.New(ctx, cfg)
	if err != nil {
		log.Fatal("init archive", zap.Error(err))
	}

	var s sender.Sender = sender.NewLogSender(log)
	if cfg.SenderDriver == "evolution" {
		s = sender.NewEvolutionSender(cfg.EvolutionBaseURL, cfg.EvolutionAPIKey, cfg.EvolutionInstance, cfg.SendTimeout)
	}
	disp := dispatcher.New(st, s, dispatcher.OptionsFromConfig(cfg), log).WithDeadLetter(co)

	var gen worker.Scheduler
	if cfg.AutoSchedule {
		opts, err := scheduler.OptionsFromConfig(cfg)
		if err != nil {
			log.Fatal("scheduler options", zap.Error(err))
		}
		g := scheduler.New(st, opts, log).WithLocker(co)
		if arch != nil {
			g.WithArchive(arch)
		}
		gen = g
	}
	if arch != nil {
		disp.WithArchive(arch)
	}

	loc, _ := cfg.Location()
	runner := worker.NewRunner(disp, gen, st, cfg.DispatchInterval, loc, log)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	log.Info("worker starting",
		zap.String("sender", cfg.SenderDriver),
		zap.Duration("dispatch_interval", cfg.DispatchInterval),
		zap.Bool("auto_schedule", cfg.AutoSchedule),
	)
	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker stopped", zap.Error(err))
	}
}
