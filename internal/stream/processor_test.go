package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"refinery/internal/domain"
	"refinery/internal/erasure"
	"refinery/internal/metrics"
	"refinery/internal/partfile"
	"refinery/internal/refstore"

	"go.uber.org/zap"
)

type capturingPublisher struct {
	published map[string][]string
	fail      bool
}

func (c *capturingPublisher) Publish(_ context.Context, topic string, _, value []byte) error {
	if c.fail {
		return errors.New("broker unavailable")
	}
	if c.published == nil {
		c.published = make(map[string][]string)
	}
	c.published[topic] = append(c.published[topic], string(value))
	return nil
}

type fixture struct {
	proc      *Processor
	store     *refstore.Store
	set       *metrics.Set
	publisher *capturingPublisher
	output    string
	quar      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	log := zap.NewNop().Sugar()
	store, err := refstore.Open(filepath.Join(base, "reference"), log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	pub := &capturingPublisher{}
	output := filepath.Join(base, "output")
	quar := filepath.Join(base, "quarantine")
	set := metrics.NewSet(log)
	proc := NewProcessor(store, erasure.NewEngine(store, log), set, log, pub, output, quar)
	proc.now = func() time.Time { return time.Date(2020, 1, 25, 9, 30, 0, 0, time.UTC) }
	proc.batchID = func() string { return "b1" }
	return &fixture{proc: proc, store: store, set: set, publisher: pub, output: output, quar: quar}
}

func TestBatchUpsertsAndRepublishes(t *testing.T) {
	f := newFixture(t)
	err := f.proc.ProcessBatch(context.Background(), []Message{
		{Topic: "customers", Value: []byte(`{"id":"c1","email":"a@x.com"}`)},
		{Topic: "products", Value: []byte(`{"sku":"PROD1","name":"Widget"}`)},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if _, ok := f.store.GetCustomer("c1"); !ok {
		t.Fatalf("customer not upserted")
	}
	if _, ok := f.store.GetProduct("PROD1"); !ok {
		t.Fatalf("product not upserted")
	}
	if got := f.publisher.published["customers-processed"]; len(got) != 1 {
		t.Fatalf("customers republish = %v", f.publisher.published)
	}
	if got := f.publisher.published["products-processed"]; len(got) != 1 {
		t.Fatalf("products republish = %v", f.publisher.published)
	}
}

func TestTransactionSeesSameBatchProduct(t *testing.T) {
	f := newFixture(t)
	err := f.proc.ProcessBatch(context.Background(), []Message{
		{Topic: "transactions", Value: []byte(`{"transaction_id":"t1","customer_id":"c1","sku":"PROD1","amount":3}`)},
		{Topic: "products", Value: []byte(`{"sku":"PROD1","name":"Widget"}`)},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	pk := domain.PartitionKey{Date: "2020-01-25", Hour: 9}
	lines, err := partfile.ReadLines(filepath.Join(partfile.Dir(f.output, pk), partfile.BatchValidFile(domain.KindTransaction, "b1")))
	if err != nil {
		t.Fatalf("read valid artifact: %v", err)
	}
	if len(lines) != 1 || !strings.Contains(string(lines[0]), `"t1"`) {
		t.Fatalf("valid artifact = %q", lines)
	}
}

func TestInvalidMessageQuarantinedNotPublished(t *testing.T) {
	f := newFixture(t)
	err := f.proc.ProcessBatch(context.Background(), []Message{
		{Topic: "transactions", Value: []byte(`{"transaction_id":"t1","customer_id":"c1","sku":"PROD123","amount":3}`)},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	pk := domain.PartitionKey{Date: "2020-01-25", Hour: 9}
	lines, err := partfile.ReadLines(filepath.Join(partfile.Dir(f.quar, pk), partfile.BatchQuarantineFile(domain.KindTransaction, "b1")))
	if err != nil {
		t.Fatalf("read quarantine artifact: %v", err)
	}
	if len(lines) != 1 || !strings.Contains(string(lines[0]), "PROD123") {
		t.Fatalf("quarantine artifact = %q", lines)
	}
	if len(f.publisher.published) != 0 {
		t.Fatalf("invalid record must not be republished: %v", f.publisher.published)
	}
}

func TestErasureAppliedEagerlyWithinBatch(t *testing.T) {
	f := newFixture(t)
	f.store.UpsertCustomer(domain.Customer{ID: "c1", Email: "a@x.com", FirstName: "Ann"})

	err := f.proc.ProcessBatch(context.Background(), []Message{
		{Topic: "erasure-requests", Value: []byte(`{"email":"a@x.com"}`)},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	c, _ := f.store.GetCustomer("c1")
	if c.FirstName != erasure.Redacted {
		t.Fatalf("erasure not applied eagerly: %+v", c)
	}
	if _, ok := f.publisher.published["erasure-requests-processed"]; ok {
		t.Fatalf("erasure requests must not be republished")
	}
}

func TestMalformedErasureQuarantined(t *testing.T) {
	f := newFixture(t)
	err := f.proc.ProcessBatch(context.Background(), []Message{
		{Topic: "erasure-requests", Value: []byte(`{"requested_at":"2020-01-25T10:00:00Z"}`)},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	pk := domain.PartitionKey{Date: "2020-01-25", Hour: 9}
	lines, err := partfile.ReadLines(filepath.Join(partfile.Dir(f.quar, pk), partfile.BatchQuarantineFile(domain.KindErasure, "b1")))
	if err != nil {
		t.Fatalf("read quarantine artifact: %v", err)
	}
	if len(lines) != 1 || !strings.Contains(string(lines[0]), "at least one of customer-id or email") {
		t.Fatalf("quarantine artifact = %q", lines)
	}
}

func TestPublishFailureDoesNotFailBatch(t *testing.T) {
	f := newFixture(t)
	f.publisher.fail = true
	err := f.proc.ProcessBatch(context.Background(), []Message{
		{Topic: "customers", Value: []byte(`{"id":"c1","email":"a@x.com"}`)},
	})
	if err != nil {
		t.Fatalf("publish failure must not fail the batch: %v", err)
	}
	if _, ok := f.store.GetCustomer("c1"); !ok {
		t.Fatalf("upsert must survive publish failure")
	}
}

func TestMetricsPushedAfterEachBatch(t *testing.T) {
	var pushes atomic.Int32
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		pushes.Add(1)
	}))
	defer gateway.Close()

	f := newFixture(t)
	f.set.EnablePush(gateway.URL, "refinery-test")
	for i := 0; i < 2; i++ {
		err := f.proc.ProcessBatch(context.Background(), []Message{
			{Topic: "customers", Value: []byte(`{"id":"c1","email":"a@x.com"}`)},
		})
		if err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	if got := pushes.Load(); got != 2 {
		t.Fatalf("expected a push per batch, got %d", got)
	}
}

func TestUnknownTopicDropped(t *testing.T) {
	f := newFixture(t)
	err := f.proc.ProcessBatch(context.Background(), []Message{
		{Topic: "mystery", Value: []byte(`{}`)},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
}
