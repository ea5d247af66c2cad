package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"

	"refinery/internal/stream"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

type stubSink struct {
	mu      sync.Mutex
	batches [][]stream.Message
	err     error
}

func (s *stubSink) ProcessBatch(_ context.Context, msgs []stream.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, msgs)
	return s.err
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Enabled: true, Brokers: []string{"127.0.0.1:9092"}, Topics: []string{"customers"}, GroupID: "g1"}
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.MaxPollRecords != 500 {
		t.Fatalf("default poll size = %d", cfg.MaxPollRecords)
	}

	cfg.GroupID = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected group_id error")
	}
	if err := (Config{Enabled: false}).Validate(); err != nil {
		t.Fatalf("disabled config must validate: %v", err)
	}
}

func TestCommitOnlyAfterDurableClassification(t *testing.T) {
	sink := &stubSink{}
	a := &Adapter{cfg: Config{MaxPollRecords: 10}, sink: sink, log: zap.NewNop().Sugar()}
	committed := 0
	a.markCommit = func(recs ...*kgo.Record) { committed += len(recs) }
	a.commitMarked = func(context.Context) error { return nil }

	recs := []*kgo.Record{
		{Topic: "customers", Partition: 1, Offset: 5, Value: []byte(`{"id":"c1","email":"a@x.com"}`)},
		{Topic: "products", Partition: 0, Offset: 9, Value: []byte(`{"sku":"PROD1"}`)},
	}
	if err := a.handleBatch(context.Background(), recs); err != nil {
		t.Fatalf("handle batch: %v", err)
	}
	if committed != 2 {
		t.Fatalf("committed %d offsets", committed)
	}
	if len(sink.batches) != 1 || len(sink.batches[0]) != 2 {
		t.Fatalf("batches = %v", sink.batches)
	}
	if got := sink.batches[0][0]; got.Topic != "customers" || got.Offset != 5 {
		t.Fatalf("message mapping = %+v", got)
	}
}

func TestNoCommitWhenSinkFails(t *testing.T) {
	sink := &stubSink{err: errors.New("disk full")}
	a := &Adapter{cfg: Config{MaxPollRecords: 10}, sink: sink, log: zap.NewNop().Sugar()}
	committed := 0
	a.markCommit = func(recs ...*kgo.Record) { committed += len(recs) }
	a.commitMarked = func(context.Context) error { return nil }

	err := a.handleBatch(context.Background(), []*kgo.Record{
		{Topic: "customers", Value: []byte(`{"id":"c1","email":"a@x.com"}`)},
	})
	if err == nil {
		t.Fatalf("expected sink failure to surface")
	}
	if committed != 0 {
		t.Fatalf("offsets committed despite failure: %d", committed)
	}
}

func TestCommitErrorDoesNotFailBatch(t *testing.T) {
	sink := &stubSink{}
	a := &Adapter{cfg: Config{MaxPollRecords: 10}, sink: sink, log: zap.NewNop().Sugar()}
	a.markCommit = func(...*kgo.Record) {}
	a.commitMarked = func(context.Context) error { return errors.New("group rebalancing") }

	err := a.handleBatch(context.Background(), []*kgo.Record{
		{Topic: "customers", Value: []byte(`{"id":"c1","email":"a@x.com"}`)},
	})
	if err != nil {
		t.Fatalf("commit hiccup must not fail the batch: %v", err)
	}
}

func TestEmptyBatchIsNoOp(t *testing.T) {
	sink := &stubSink{}
	a := &Adapter{cfg: Config{MaxPollRecords: 10}, sink: sink, log: zap.NewNop().Sugar()}
	a.markCommit = func(...*kgo.Record) { t.Fatalf("unexpected commit") }
	a.commitMarked = func(context.Context) error { return nil }
	if err := a.handleBatch(context.Background(), nil); err != nil {
		t.Fatalf("empty batch: %v", err)
	}
	if len(sink.batches) != 0 {
		t.Fatalf("sink called for empty batch")
	}
}
