// Package stream classifies inbound bus messages with the same validation
// and reference-store semantics as the batch pipeline, one batch at a time.
// A batch is acknowledged by the caller only when ProcessBatch returns nil,
// meaning every message was durably classified and store mutations flushed.
package stream

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"refinery/internal/domain"
	"refinery/internal/erasure"
	"refinery/internal/metrics"
	"refinery/internal/partfile"
	"refinery/internal/refstore"
	"refinery/internal/validate"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Message is one inbound bus record, transport-agnostic.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
}

// Publisher re-emits processed records downstream. Publishing is
// best-effort: the processor counts failures and moves on.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Processor applies the validate, erase and store-update sequence per batch.
// Erasure requests are applied eagerly on receipt, a deliberately looser
// ordering than the batch path's partition clock.
type Processor struct {
	store     *refstore.Store
	engine    *erasure.Engine
	metrics   *metrics.Set
	log       *zap.SugaredLogger
	publisher Publisher

	outputRoot     string
	quarantineRoot string

	now     func() time.Time
	batchID func() string
}

func NewProcessor(store *refstore.Store, engine *erasure.Engine, set *metrics.Set, log *zap.SugaredLogger, publisher Publisher, outputRoot, quarantineRoot string) *Processor {
	return &Processor{
		store:          store,
		engine:         engine,
		metrics:        set,
		log:            log,
		publisher:      publisher,
		outputRoot:     outputRoot,
		quarantineRoot: quarantineRoot,
		now:            time.Now,
		batchID:        uuid.NewString,
	}
}

// ProcessBatch classifies every message in the batch and persists the
// results. A nil return means the batch is safe to acknowledge; any error
// leaves acknowledgement to the bus's redelivery, which upsert idempotence
// makes safe.
func (p *Processor) ProcessBatch(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	start := p.now()
	byKind := make(map[domain.Kind][]Message)
	for _, msg := range msgs {
		kind := domain.Kind(msg.Topic)
		if !kind.Valid() {
			p.log.Warnw("Dropping message from unknown topic", "topic", msg.Topic, "offset", msg.Offset)
			continue
		}
		p.metrics.MessagesConsumed.WithLabelValues(msg.Topic).Inc()
		byKind[kind] = append(byKind[kind], msg)
	}

	// Erasure first, then customers and products, then transactions, so a
	// transaction can resolve a product arriving in the same batch.
	valid := make(map[domain.Kind][]Message)
	quarantined := make(map[domain.Kind][][]byte)
	p.applyErasure(byKind[domain.KindErasure], quarantined)
	snap := p.store.Snapshot()
	for _, kind := range []domain.Kind{domain.KindCustomer, domain.KindProduct, domain.KindTransaction} {
		for _, msg := range byKind[kind] {
			rec, err := domain.Decode(kind, msg.Value)
			out := validate.Record(rec, snap)
			if err != nil && out.Valid() {
				out = validate.Invalid(rec, err.Error())
			}
			p.metrics.RecordsProcessed.WithLabelValues(string(kind)).Inc()
			if !out.Valid() {
				p.metrics.RecordsInvalid.WithLabelValues(string(kind)).Inc()
				quarantined[kind] = append(quarantined[kind], partfile.AnnotateInvalid(msg.Value, out.Errors))
				continue
			}
			p.metrics.RecordsValid.WithLabelValues(string(kind)).Inc()
			valid[kind] = append(valid[kind], msg)
			switch kind {
			case domain.KindCustomer:
				p.store.UpsertCustomer(*rec.Customer)
			case domain.KindProduct:
				p.store.UpsertProduct(*rec.Product)
			}
		}
	}

	if err := p.store.Flush(); err != nil {
		return fmt.Errorf("flush reference store: %w", err)
	}
	if err := p.persistArtifacts(valid, quarantined); err != nil {
		return err
	}
	p.republish(ctx, valid)
	p.metrics.ProcessingDuration.WithLabelValues("batch").Observe(p.now().Sub(start).Seconds())
	p.metrics.Push()
	return nil
}

func (p *Processor) applyErasure(msgs []Message, quarantined map[domain.Kind][][]byte) {
	for _, msg := range msgs {
		rec, err := domain.Decode(domain.KindErasure, msg.Value)
		out := validate.Record(rec, nil)
		if err != nil && out.Valid() {
			out = validate.Invalid(rec, err.Error())
		}
		p.metrics.RecordsProcessed.WithLabelValues(string(domain.KindErasure)).Inc()
		if !out.Valid() {
			p.metrics.RecordsInvalid.WithLabelValues(string(domain.KindErasure)).Inc()
			p.metrics.ErasureFailed.Inc()
			quarantined[domain.KindErasure] = append(quarantined[domain.KindErasure], partfile.AnnotateInvalid(msg.Value, out.Errors))
			continue
		}
		p.metrics.RecordsValid.WithLabelValues(string(domain.KindErasure)).Inc()
		result, err := p.engine.Apply(*rec.Erasure)
		if err != nil {
			p.metrics.ErasureFailed.Inc()
			quarantined[domain.KindErasure] = append(quarantined[domain.KindErasure], partfile.AnnotateInvalid(msg.Value, []string{err.Error()}))
			continue
		}
		p.metrics.ErasureProcessed.Inc()
		p.metrics.RecordsAnonymized.Add(float64(result.Anonymized))
	}
}

// persistArtifacts writes the batch's classified records under the partition
// of the wall clock at processing time, suffixed with a batch id so
// concurrent batches never clobber each other.
func (p *Processor) persistArtifacts(valid map[domain.Kind][]Message, quarantined map[domain.Kind][][]byte) error {
	now := p.now().UTC()
	pk := domain.PartitionKey{Date: now.Format(time.DateOnly), Hour: now.Hour()}
	id := p.batchID()

	for kind, msgs := range valid {
		lines := make([][]byte, len(msgs))
		for i, msg := range msgs {
			lines[i] = msg.Value
		}
		path := filepath.Join(partfile.Dir(p.outputRoot, pk), partfile.BatchValidFile(kind, id))
		if err := partfile.WriteLines(path, lines); err != nil {
			return fmt.Errorf("persist valid batch: %w", err)
		}
	}
	for kind, lines := range quarantined {
		path := filepath.Join(partfile.Dir(p.quarantineRoot, pk), partfile.BatchQuarantineFile(kind, id))
		if err := partfile.WriteLines(path, lines); err != nil {
			return fmt.Errorf("persist quarantine batch: %w", err)
		}
	}
	return nil
}

// republish forwards valid non-erasure records to the corresponding
// downstream topic. Failures are counted, never retried, and never fail the
// batch.
func (p *Processor) republish(ctx context.Context, valid map[domain.Kind][]Message) {
	if p.publisher == nil {
		return
	}
	for kind, msgs := range valid {
		if kind == domain.KindErasure {
			continue
		}
		topic := string(kind) + "-processed"
		for _, msg := range msgs {
			if err := p.publisher.Publish(ctx, topic, msg.Key, msg.Value); err != nil {
				p.metrics.PublishFailures.WithLabelValues(topic).Inc()
				p.log.Warnw("Republish failed", "topic", topic, "error", err)
				continue
			}
			p.metrics.MessagesPublished.WithLabelValues(topic).Inc()
		}
	}
}
