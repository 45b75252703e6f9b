package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher sends issuance jobs to IssueQueue. The connection is opened
// lazily and reopened after the broker drops it.
type Publisher struct {
	url    string
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewPublisher(url string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Publisher{
		url:    url,
		logger: logger.With("component", "queue.publisher"),
	}
}

// RequestIssuance enqueues a persistent job for orderID.
func (p *Publisher) RequestIssuance(ctx context.Context, orderID uuid.UUID) error {
	return p.Publish(ctx, IssuanceJob{OrderID: orderID, RequestedAt: time.Now().UTC()})
}

func (p *Publisher) Publish(ctx context.Context, job IssuanceJob) error {
	const op = "queue.Publisher.Publish"

	body, err := EncodeJob(job)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := ch.PublishWithContext(ctx,
		"",         // default exchange
		IssueQueue, // routing key = queue name
		false,
		false,
		amqp.Publishing{
			ContentType:  contentType,
			DeliveryMode: amqp.Persistent,
			Timestamp:    job.RequestedAt,
			MessageId:    job.OrderID.String(),
			Body:         body,
		},
	); err != nil {
		p.reset()
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// channel returns an open channel, dialing if needed. p.mu must be held.
func (p *Publisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}

	p.reset()

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("channel open: %w", err)
	}

	if err := declare(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	p.conn, p.ch = conn, ch
	p.logger.Debug("connected to broker")

	return ch, nil
}

func (p *Publisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
	return nil
}

func declare(ch *amqp.Channel) error {
	if _, err := ch.QueueDeclare(IssueQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	return nil
}
