package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"leados-scheduler/internal/api"
	"leados-scheduler/internal/archive"
	"leados-scheduler/internal/config"
	"leados-scheduler/internal/coord"
	"leados-scheduler/internal/dispatcher"
	"leados-scheduler/internal/logger"
	"leados-scheduler/internal/ratelimit"
	"leados-scheduler/internal/scheduler"
	"leados-scheduler/internal/sender"
	"leados-scheduler/internal/store"
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
	limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	arch, err := archive.New(ctx, cfg)
	if err != nil {
		log.Fatal("init archive", zap.Error(err))
	}

	opts, err := scheduler.OptionsFromConfig(cfg)
	if err != nil {
		log.Fatal("scheduler options", zap.Error(err))
	}
	gen := scheduler.New(st, opts, log).WithLocker(co)
	disp := dispatcher.New(st, newSender(cfg, log), dispatcher.OptionsFromConfig(cfg), log).WithDeadLetter(co)
	if arch != nil {
		gen.WithArchive(arch)
		disp.WithArchive(arch)
	}

	server := api.New(cfg, api.Deps{
		Scheduler:  gen,
		Dispatcher: disp,
		Records:    st,
		Runs:       st,
		DLQ:        co,
		Limiter:    limiter,
	}, log)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("api listening", zap.String("addr", httpServer.Addr), zap.String("env", cfg.Env))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newSender(cfg config.Config, log *zap.Logger) sender.Sender {
	if cfg.SenderDriver == "evolution" {
		return sender.NewEvolutionSender(cfg.EvolutionBaseURL, cfg.EvolutionAPIKey, cfg.EvolutionInstance, cfg.SendTimeout)
	}
	return sender.NewLogSender(log)
}
