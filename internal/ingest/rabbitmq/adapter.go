// Package rabbitmq is the alternative bus adapter: one durable queue bound
// to a topic exchange, deliveries gathered into batches and acknowledged
// only after the stream processor has durably classified them.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"refinery/internal/domain"
	"refinery/internal/stream"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Sink processes one consumed batch. A nil return acknowledges the batch;
// any error requeues every delivery in it.
type Sink interface {
	ProcessBatch(ctx context.Context, msgs []stream.Message) error
}

type Config struct {
	Enabled       bool
	URL           string
	Exchange      string
	Queue         string
	RoutingKeys   []string
	ConsumerTag   string
	PrefetchCount int
	BatchSize     int
	FlushInterval time.Duration
	Auth          AuthConfig
}

type AuthConfig struct {
	Username string
	Password string
}

func (c *Config) withDefaults() {
	if c.ConsumerTag == "" {
		c.ConsumerTag = "refinery-rabbitmq"
	}
	if c.PrefetchCount <= 0 {
		c.PrefetchCount = 200
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if len(c.RoutingKeys) == 0 {
		for _, kind := range domain.Kinds {
			c.RoutingKeys = append(c.RoutingKeys, string(kind))
		}
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("rabbitmq.url is required")
	}
	if c.Exchange == "" {
		return errors.New("rabbitmq.exchange is required")
	}
	if c.Queue == "" {
		return errors.New("rabbitmq.queue is required")
	}
	if c.BatchSize > c.PrefetchCount {
		return fmt.Errorf("rabbitmq.batch_size %d exceeds prefetch_count %d", c.BatchSize, c.PrefetchCount)
	}
	return nil
}

type Adapter struct {
	cfg  Config
	sink Sink
	log  *zap.SugaredLogger

	conn    *amqp091.Connection
	ch      *amqp091.Channel
	deliver <-chan amqp091.Delivery

	ack  func(tag uint64) error
	nack func(tag uint64) error
}

func NewAdapter(cfg Config, sink Sink, log *zap.SugaredLogger) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	return &Adapter{cfg: cfg, sink: sink, log: log}, nil
}

// Start connects, declares the topology and consumes until the context ends
// or the sink reports a persistence failure. A failed batch is requeued
// wholesale; idempotent upserts make the redelivery safe.
func (a *Adapter) Start(ctx context.Context) error {
	dialCfg := amqp091.Config{}
	if a.cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: a.cfg.Auth.Username, Password: a.cfg.Auth.Password}}
	}
	conn, err := amqp091.DialConfig(a.cfg.URL, dialCfg)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	defer ch.Close()
	if err := ch.Qos(a.cfg.PrefetchCount, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}
	if err := ch.ExchangeDeclare(a.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(a.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	for _, key := range a.cfg.RoutingKeys {
		if err := ch.QueueBind(a.cfg.Queue, key, a.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue key=%s: %w", key, err)
		}
	}
	deliveries, err := ch.Consume(a.cfg.Queue, a.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume queue: %w", err)
	}
	a.conn, a.ch, a.deliver = conn, ch, deliveries
	a.ack = func(tag uint64) error { return ch.Ack(tag, true) }
	a.nack = func(tag uint64) error { return ch.Nack(tag, true, true) }

	return a.consumeLoop(ctx)
}

func (a *Adapter) consumeLoop(ctx context.Context) error {
	var batch []amqp091.Delivery
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := a.handleBatch(ctx, batch); err != nil {
				return err
			}
			return ctx.Err()
		case d, ok := <-a.deliver:
			if !ok {
				if err := a.handleBatch(ctx, batch); err != nil {
					return err
				}
				return errors.New("rabbitmq delivery channel closed")
			}
			batch = append(batch, d)
			if len(batch) >= a.cfg.BatchSize {
				if err := a.handleBatch(ctx, batch); err != nil {
					return err
				}
				batch = nil
			}
		case <-ticker.C:
			if err := a.handleBatch(ctx, batch); err != nil {
				return err
			}
			batch = nil
		}
	}
}

// handleBatch classifies the gathered deliveries and acknowledges them with
// a single multiple-ack on the last tag.
func (a *Adapter) handleBatch(ctx context.Context, batch []amqp091.Delivery) error {
	if len(batch) == 0 {
		return nil
	}
	msgs := make([]stream.Message, len(batch))
	for i, d := range batch {
		msgs[i] = stream.Message{
			Topic:  d.RoutingKey,
			Offset: int64(d.DeliveryTag),
			Value:  d.Body,
		}
	}
	last := batch[len(batch)-1].DeliveryTag
	if err := a.sink.ProcessBatch(ctx, msgs); err != nil {
		a.log.Errorw("Batch not acknowledged", "deliveries", len(batch), "error", err)
		if nackErr := a.nack(last); nackErr != nil {
			a.log.Warnw("Requeue failed", "error", nackErr)
		}
		return fmt.Errorf("process batch: %w", err)
	}
	if err := a.ack(last); err != nil {
		return fmt.Errorf("ack batch: %w", err)
	}
	return nil
}
