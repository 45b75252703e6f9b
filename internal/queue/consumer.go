package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one job. A returned error rejects the delivery; the
// ticket backfill picks the order up later.
type Handler func(ctx context.Context, job IssuanceJob) error

type Consumer struct {
	url      string
	prefetch int
	logger   *slog.Logger
}

func NewConsumer(url string, prefetch int, logger *slog.Logger) *Consumer {
	if prefetch <= 0 {
		prefetch = 16
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Consumer{
		url:      url,
		prefetch: prefetch,
		logger:   logger.With("component", "queue.consumer"),
	}
}

// Run consumes IssueQueue until ctx is done, reconnecting with exponential
// backoff whenever the broker goes away.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	backoff := time.Second

	for {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			c.logger.Warn("failed to dial broker", "error", err, "retry_in", backoff)
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		backoff = time.Second

		err = c.consume(ctx, conn, handle)
		_ = conn.Close()

		if ctx.Err() != nil {
			c.logger.Info("consumer stopped")
			return nil
		}

		c.logger.Warn("consume loop ended, reconnecting", "error", err)
		if !sleep(ctx, 2*time.Second) {
			return nil
		}
	}
}

func (c *Consumer) consume(ctx context.Context, conn *amqp.Connection, handle Handler) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		c.logger.Warn("set qos failed", "error", err)
	}

	if err := declare(ch); err != nil {
		return err
	}

	msgs, err := ch.ConsumeWithContext(ctx, IssueQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	c.logger.Info("consuming", "queue", IssueQueue)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.deliver(ctx, d, handle)
		}
	}
}

func (c *Consumer) deliver(ctx context.Context, d amqp.Delivery, handle Handler) {
	job, err := DecodeJob(d.Body)
	if err == nil {
		err = handle(ctx, job)
	}

	if err != nil {
		c.logger.Error("issuance job failed",
			"message_id", d.MessageId,
			"error", err,
		)
		// do not requeue, the backfill retries
		_ = d.Nack(false, false)
		return
	}

	_ = d.Ack(false)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
