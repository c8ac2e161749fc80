package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/bookverse/chat/internal/logger"
)

const attemptsHeader = "x-attempts"

// ErrPermanent marks a failure that retrying cannot fix; wrap it to send the
// message straight to the DLQ.
var ErrPermanent = errors.New("permanent failure")

// Handler processes one message body. A returned error sends the message to
// the retry queue, and to the DLQ once MaxAttempts is reached.
type Handler func(ctx context.Context, body []byte) error

type Consumer struct {
	pub         *Publisher
	Concurrency int
	MaxAttempts int
	RetryDelay  time.Duration
	Log         *slog.Logger
}

// NewConsumer opens its own connection. The embedded publisher is used to
// schedule retries.
func NewConsumer(url, queue string, concurrency int) (*Consumer, error) {
	pub, err := NewPublisher(url, queue)
	if err != nil {
		return nil, err
	}
	if concurrency <= 0 {
		concurrency = 2
	}
	return &Consumer{
		pub:         pub,
		Concurrency: concurrency,
		MaxAttempts: 5,
		RetryDelay:  2 * time.Second,
	}, nil
}

func (c *Consumer) Close() error {
	return c.pub.Close()
}

// Run consumes until ctx is done, fanning deliveries out to a fixed pool of
// workers.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	log := logger.Or(c.Log)
	ch := c.pub.ch
	queue := c.pub.queue

	//  strict concurrency control
	if err := ch.Qos(c.Concurrency, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	msgs, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	log.Info("worker started", "queue", queue, "concurrency", c.Concurrency)

	// worker pool
	jobs := make(chan amqp.Delivery, c.Concurrency*2)
	var wg sync.WaitGroup
	wg.Add(c.Concurrency)
	for i := 0; i < c.Concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				c.process(ctx, log.With("worker", workerID), d, handle)
			}
		}(i)
	}

	// dispatcher
	defer func() {
		close(jobs)
		wg.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			jobs <- d
		}
	}
}

func (c *Consumer) process(ctx context.Context, log *slog.Logger, d amqp.Delivery, handle Handler) {
	start := time.Now()
	err := handle(ctx, d.Body)
	if err == nil {
		if err := d.Ack(false); err != nil {
			log.Warn("ack failed", "err", err)
		}
		return
	}

	attempts := attemptsOf(d) + 1
	if errors.Is(err, ErrPermanent) || attempts >= c.MaxAttempts {
		log.Error("message dead-lettered", "attempts", attempts, "cost", time.Since(start), "err", err)
		_ = d.Nack(false, false)
		return
	}

	log.Warn("message failed, retrying", "attempts", attempts, "err", err)
	retry := amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		Body:         d.Body,
		Timestamp:    time.Now(),
		Expiration:   strconv.FormatInt(c.RetryDelay.Milliseconds(), 10),
		Headers:      amqp.Table{attemptsHeader: int32(attempts)},
	}
	if perr := c.pub.publish(ctx, c.pub.queue+".retry", retry); perr != nil {
		log.Error("schedule retry failed", "err", perr)
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

func attemptsOf(d amqp.Delivery) int {
	switch v := d.Headers[attemptsHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
