package main

import (
	"log"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"stagedoor/internal/api"
	"stagedoor/internal/config"
	"stagedoor/internal/db"
	"stagedoor/internal/monitoring"
	"stagedoor/internal/notify"
	"stagedoor/internal/roster"
	"stagedoor/internal/service"
	"stagedoor/internal/store"
	"stagedoor/internal/token"
	"stagedoor/internal/util"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	sqdb, err := db.OpenSQLite(cfg.DBPath, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer sqdb.Close()
	if err := db.ApplyMigrationFile(sqdb, "migrations/001_init.sql"); err != nil {
		log.Fatalf("migration: %v", err)
	}

	st := store.New(sqdb, util.NewKeyring(cfg.SecretEncryptKey))

	var guard token.ReplayGuard = token.NoopReplayGuard{}
	if cfg.SingleUseScans {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis url: %v", err)
		}
		guard = token.NewRedisReplayGuard(redis.NewClient(opts))
	}

	provisioner, err := roster.NewProvisioner(cfg)
	if err != nil {
		log.Fatalf("roster provisioner: %v", err)
	}
	sender := notify.NewSender(cfg)

	svc := service.New(cfg, st, guard, provisioner, sender)
	monitoring.NewMonitor(svc)
	r := api.NewRouter(cfg, svc)

	hsrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadTimeout:       time.Duration(cfg.HTTPReadTimeoutSec) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.HTTPReadHeaderTimeoutSec) * time.Second,
		WriteTimeout:      time.Duration(cfg.HTTPWriteTimeoutSec) * time.Second,
		IdleTimeout:       time.Duration(cfg.HTTPIdleTimeoutSec) * time.Second,
	}

	log.Printf("listening on %s venue=%q", cfg.ListenAddr, cfg.VenueName)
	if err := hsrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server: %v", err)
	}
}
