// Package kafka consumes the domain topics and feeds polled batches to the
// stream processor, committing offsets only after a batch is durably
// classified.
package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"refinery/internal/stream"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Sink processes one consumed batch. A nil return acknowledges the batch;
// any error leaves every offset uncommitted for redelivery.
type Sink interface {
	ProcessBatch(ctx context.Context, msgs []stream.Message) error
}

type Config struct {
	Enabled        bool
	Brokers        []string
	Topics         []string
	GroupID        string
	ClientID       string
	MaxPollRecords int
	Auth           AuthConfig
	Fetch          FetchConfig
}

type AuthConfig struct {
	TLS TLSConfig
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

type FetchConfig struct {
	MinBytes int32
	MaxBytes int32
	MaxWait  time.Duration
}

func (c *Config) withDefaults() {
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if len(c.Topics) == 0 {
		return errors.New("kafka.topics is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka.group_id is required")
	}
	return nil
}

// Adapter polls records with auto-commit disabled. The poll size doubles as
// the batch size, so in-flight work is naturally bounded and no separate
// fetch backpressure is needed.
type Adapter struct {
	cfg    Config
	client *kgo.Client
	sink   Sink
	log    *zap.SugaredLogger

	markCommit     func(...*kgo.Record)
	commitMarked   func(context.Context) error
	allowRebalance func()
}

func NewAdapter(cfg Config, sink Sink, log *zap.SugaredLogger, opts ...kgo.Opt) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(cfg.Fetch.MaxWait),
		kgo.FetchMinBytes(cfg.Fetch.MinBytes),
		kgo.FetchMaxBytes(cfg.Fetch.MaxBytes),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.Auth.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: cfg.Auth.TLS.InsecureSkipVerify}))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}

	a := &Adapter{cfg: cfg, client: cl, sink: sink, log: log}
	a.markCommit = func(recs ...*kgo.Record) { cl.MarkCommitRecords(recs...) }
	a.commitMarked = func(ctx context.Context) error { return cl.CommitMarkedOffsets(ctx) }
	a.allowRebalance = cl.AllowRebalance
	return a, nil
}

// Start polls until the context ends or the sink reports a persistence
// failure. Offsets for a failed batch are never marked, so the group
// redelivers it; idempotent upserts make that safe.
func (a *Adapter) Start(ctx context.Context) error {
	defer a.client.Close()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		fetches := a.client.PollRecords(ctx, a.cfg.MaxPollRecords)
		if fetches.IsClientClosed() {
			return nil
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			if errors.Is(errs[0].Err, context.Canceled) {
				return ctx.Err()
			}
			return fmt.Errorf("kafka fetch: %w", errs[0].Err)
		}

		var recs []*kgo.Record
		fetches.EachRecord(func(rec *kgo.Record) {
			recs = append(recs, rec)
		})
		if err := a.handleBatch(ctx, recs); err != nil {
			a.allowRebalance()
			return err
		}
		a.allowRebalance()
	}
}

func (a *Adapter) handleBatch(ctx context.Context, recs []*kgo.Record) error {
	if len(recs) == 0 {
		return nil
	}
	msgs := make([]stream.Message, len(recs))
	for i, rec := range recs {
		msgs[i] = stream.Message{
			Topic:     rec.Topic,
			Partition: rec.Partition,
			Offset:    rec.Offset,
			Key:       rec.Key,
			Value:     rec.Value,
		}
	}
	if err := a.sink.ProcessBatch(ctx, msgs); err != nil {
		a.log.Errorw("Batch not acknowledged", "records", len(recs), "error", err)
		return fmt.Errorf("process batch: %w", err)
	}
	a.markCommit(recs...)
	if err := a.commitMarked(ctx); err != nil {
		// The batch itself is durable; a commit hiccup only risks
		// redelivery, which upserts absorb.
		a.log.Warnw("Offset commit failed", "error", err)
	}
	return nil
}
