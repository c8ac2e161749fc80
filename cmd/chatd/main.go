package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bookverse/chat/internal/auth"
	"github.com/bookverse/chat/internal/backend"
	"github.com/bookverse/chat/internal/broadcast"
	"github.com/bookverse/chat/internal/config"
	"github.com/bookverse/chat/internal/db"
	"github.com/bookverse/chat/internal/httpapi"
	"github.com/bookverse/chat/internal/httpapi/handlers"
	"github.com/bookverse/chat/internal/logger"
	"github.com/bookverse/chat/internal/store/rabbitmq"
	"github.com/bookverse/chat/internal/store/redisstore"
	"github.com/bookverse/chat/internal/store/uploads"
)

func main() {
	cfg := config.Load()
	log := logger.Init(cfg.LogLevel, nil)
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Error("db connect", "err", err)
		os.Exit(1)
	}
	if err := backend.AutoMigrate(gdb); err != nil {
		log.Error("automigrate", "err", err)
		os.Exit(1)
	}

	// Redis is optional: without it tokens are revoked in memory and the hub
	// serves a single instance.
	var deny auth.Denylist = auth.NewMemoryDenylist()
	var fanout broadcast.Fanout
	if cfg.RedisAddr != "" {
		rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := rds.Ping(ctx); err != nil {
			log.Error("redis ping", "addr", cfg.RedisAddr, "err", err)
			os.Exit(1)
		}
		defer rds.Close()
		deny = rds
		fanout = rds.Fanout("")
	}

	// Without RabbitMQ unread counters are updated inline.
	var events backend.EventPublisher
	if cfg.RabbitURL != "" {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			log.Error("rabbit connect", "err", err)
			os.Exit(1)
		}
		defer pub.Close()
		events = pub
	}

	hub := broadcast.NewHub(cfg.AppKey, cfg.AppSecret, fanout, log)
	go func() {
		if err := hub.Run(ctx); err != nil {
			log.Error("broadcast hub stopped", "err", err)
			stop()
		}
	}()

	up, err := uploads.NewLocal(cfg.UploadDir, "/storage")
	if err != nil {
		log.Error("upload dir", "dir", cfg.UploadDir, "err", err)
		os.Exit(1)
	}

	svc := backend.NewService(backend.NewRepo(gdb), hub, events, log)
	h := handlers.NewHandler(cfg, svc, hub, up, deny, log)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpapi.NewRouter(h, log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("chatd listening", "addr", cfg.ListenAddr, "db", cfg.DBDriver, "redis", cfg.RedisAddr != "", "rabbit", cfg.RabbitURL != "")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listen", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("chatd shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown", "err", err)
	}
}
