package main

import (
	"context"
	"flag"
	"time"

	"go.uber.org/zap"

	"leados-scheduler/internal/config"
	"leados-scheduler/internal/logger"
	"leados-scheduler/internal/store"
)

func main() {
	down := flag.Int("down", 0, "roll back this many migration steps instead of migrating up")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if *down > 0 {
		if err := store.Rollback(ctx, cfg.PostgresDSN, *down); err != nil {
			log.Fatal("rollback", zap.Error(err))
		}
		log.Info("rolled back", zap.Int("steps", *down))
		return
	}
	if err := store.Migrate(ctx, cfg.PostgresDSN, log); err != nil {
		log.Fatal("migrate", zap.Error(err))
	}
}
