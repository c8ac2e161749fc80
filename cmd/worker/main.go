package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bookverse/chat/internal/backend"
	"github.com/bookverse/chat/internal/config"
	"github.com/bookverse/chat/internal/db"
	"github.com/bookverse/chat/internal/logger"
	"github.com/bookverse/chat/internal/store/rabbitmq"
)

// The worker applies message events (unread counters) queued by chatd.
func main() {
	cfg := config.Load()
	log := logger.Init(cfg.LogLevel, nil)

	if cfg.RabbitURL == "" {
		log.Error("RABBIT_URL is required")
		os.Exit(1)
	}

	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Error("db connect", "err", err)
		os.Exit(1)
	}
	svc := backend.NewService(backend.NewRepo(gdb), nil, nil, log)

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, cfg.WorkerConcurrency)
	if err != nil {
		log.Error("rabbit connect", "err", err)
		os.Exit(1)
	}
	defer consumer.Close()
	consumer.Log = log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = consumer.Run(ctx, func(ctx context.Context, body []byte) error {
		var ev backend.MessageEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return fmt.Errorf("decode message event: %w: %w", rabbitmq.ErrPermanent, err)
		}
		if ev.MessageID == 0 || ev.ConversationID == 0 {
			return fmt.Errorf("empty message event: %w", rabbitmq.ErrPermanent)
		}
		return svc.ApplyMessageEvent(ctx, ev)
	})
	if err != nil {
		log.Error("worker stopped", "err", err)
		os.Exit(1)
	}
}
