package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"refinery/internal/domain"
	"refinery/internal/erasure"
	"refinery/internal/metrics"
	"refinery/internal/partfile"
	"refinery/internal/refstore"

	"go.uber.org/zap"
)

type fixture struct {
	runner *Runner
	store  *refstore.Store
	set    *metrics.Set
	cfg    Config
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	base := t.TempDir()
	if cfg.InputRoot == "" {
		cfg.InputRoot = filepath.Join(base, "input")
	}
	cfg.OutputRoot = filepath.Join(base, "output")
	cfg.QuarantineRoot = filepath.Join(base, "quarantine")

	log := zap.NewNop().Sugar()
	store, err := refstore.Open(filepath.Join(base, "reference"), log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	engine := erasure.NewEngine(store, log)
	set := metrics.NewSet(log)
	return &fixture{
		runner: NewRunner(cfg, store, engine, set, log),
		store:  store,
		set:    set,
		cfg:    cfg,
	}
}

func writeInput(t *testing.T, root string, pk domain.PartitionKey, kind domain.Kind, lines ...string) {
	t.Helper()
	raw := make([][]byte, len(lines))
	for i, line := range lines {
		raw[i] = []byte(line)
	}
	path := filepath.Join(partfile.Dir(root, pk), string(kind)+".json.gz")
	if err := partfile.WriteLines(path, raw); err != nil {
		t.Fatalf("write input %s: %v", path, err)
	}
}

func TestErasureAppliedBeforeNextPartition(t *testing.T) {
	f := newFixture(t, Config{StartDate: "2020-01-24", EndDate: "2020-01-26", Hour: 10})
	writeInput(t, f.cfg.InputRoot, domain.PartitionKey{Date: "2020-01-24", Hour: 10},
		domain.KindCustomer, `{"id":"c1","email":"a@x.com","first_name":"Ann","last_name":"Lee"}`)
	writeInput(t, f.cfg.InputRoot, domain.PartitionKey{Date: "2020-01-25", Hour: 10},
		domain.KindErasure, `{"email":"a@x.com"}`)

	summary, err := f.runner.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Failed != 0 {
		t.Fatalf("unexpected failures: %+v", summary)
	}

	c, ok := f.store.GetCustomer("c1")
	if !ok {
		t.Fatalf("customer missing after run")
	}
	if c.FirstName != erasure.Redacted || !c.Anonymized {
		t.Fatalf("customer not anonymized: %+v", c)
	}

	// Erasure artifacts land under the partition the requests came from.
	statsPath := filepath.Join(partfile.Dir(f.cfg.OutputRoot, domain.PartitionKey{Date: "2020-01-25", Hour: 10}),
		partfile.StatsFile(domain.KindErasure))
	var stats domain.Stats
	if err := partfile.ReadJSON(statsPath, &stats); err != nil {
		t.Fatalf("read erasure stats: %v", err)
	}
	if stats.Processed != 1 || stats.Successful != 1 || stats.RecordsAnonymized != 1 {
		t.Fatalf("erasure stats = %+v", stats)
	}
}

func TestFollowUpRunPicksUpPriorFinalErasure(t *testing.T) {
	// With an hour filter, erasure requests in a run's final partition are
	// still pending when that run ends. The next run's first partition must
	// read them from the previous date at the same hour.
	base := t.TempDir()
	log := zap.NewNop().Sugar()
	store, err := refstore.Open(filepath.Join(base, "reference"), log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	engine := erasure.NewEngine(store, log)
	cfg := Config{
		InputRoot:      filepath.Join(base, "input"),
		OutputRoot:     filepath.Join(base, "output"),
		QuarantineRoot: filepath.Join(base, "quarantine"),
		Hour:           10,
	}
	writeInput(t, cfg.InputRoot, domain.PartitionKey{Date: "2020-01-24", Hour: 10},
		domain.KindCustomer, `{"id":"c1","email":"a@x.com","first_name":"Ann"}`)
	writeInput(t, cfg.InputRoot, domain.PartitionKey{Date: "2020-01-25", Hour: 10},
		domain.KindErasure, `{"email":"a@x.com"}`)

	first := cfg
	first.StartDate, first.EndDate = "2020-01-24", "2020-01-25"
	if _, err := NewRunner(first, store, engine, metrics.NewSet(log), log).Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if c, _ := store.GetCustomer("c1"); c.Anonymized {
		t.Fatalf("final partition's erasure must still be pending after first run")
	}

	second := cfg
	second.StartDate, second.EndDate = "2020-01-26", "2020-01-26"
	if _, err := NewRunner(second, store, engine, metrics.NewSet(log), log).Run(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	c, _ := store.GetCustomer("c1")
	if c.FirstName != erasure.Redacted || !c.Anonymized {
		t.Fatalf("pending erasure not applied by follow-up run: %+v", c)
	}
}

func TestUnknownSKURoutedToQuarantine(t *testing.T) {
	pk := domain.PartitionKey{Date: "2020-01-25", Hour: 9}
	f := newFixture(t, Config{StartDate: "2020-01-25", EndDate: "2020-01-25", Hour: 9})
	writeInput(t, f.cfg.InputRoot, pk, domain.KindProduct, `{"sku":"PROD1","name":"Widget","price":9.99}`)
	writeInput(t, f.cfg.InputRoot, pk, domain.KindTransaction,
		`{"transaction_id":"t1","customer_id":"c1","sku":"PROD1","amount":5}`,
		`{"transaction_id":"t2","customer_id":"c1","sku":"PROD123","amount":5}`)

	summary, err := f.runner.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Failed != 0 {
		t.Fatalf("unexpected failures: %+v", summary.Results[0].Err)
	}

	validLines, err := partfile.ReadLines(filepath.Join(partfile.Dir(f.cfg.OutputRoot, pk), partfile.ValidFile(domain.KindTransaction)))
	if err != nil {
		t.Fatalf("read valid output: %v", err)
	}
	if len(validLines) != 1 || !strings.Contains(string(validLines[0]), `"t1"`) {
		t.Fatalf("valid output = %q", validLines)
	}

	quarLines, err := partfile.ReadLines(filepath.Join(partfile.Dir(f.cfg.QuarantineRoot, pk), partfile.QuarantineFile(domain.KindTransaction)))
	if err != nil {
		t.Fatalf("read quarantine: %v", err)
	}
	if len(quarLines) != 1 {
		t.Fatalf("quarantine = %q", quarLines)
	}
	line := string(quarLines[0])
	if !strings.Contains(line, "PROD123") || !strings.Contains(line, "product sku PROD123 not found in reference data") {
		t.Fatalf("quarantine line = %s", line)
	}

	var stats domain.Stats
	statsPath := filepath.Join(partfile.Dir(f.cfg.OutputRoot, pk), partfile.StatsFile(domain.KindTransaction))
	if err := partfile.ReadJSON(statsPath, &stats); err != nil {
		t.Fatalf("read stats: %v", err)
	}
	if stats.Processed != 2 || stats.Valid != 1 || stats.Invalid != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestProductVisibleToSamePartitionTransaction(t *testing.T) {
	// PROD1 is introduced by this partition's products file, not by any
	// earlier state, and the transaction must still validate.
	pk := domain.PartitionKey{Date: "2020-01-25", Hour: 0}
	f := newFixture(t, Config{StartDate: "2020-01-25", EndDate: "2020-01-25", Hour: 0})
	writeInput(t, f.cfg.InputRoot, pk, domain.KindProduct, `{"sku":"PROD1","name":"Widget"}`)
	writeInput(t, f.cfg.InputRoot, pk, domain.KindTransaction,
		`{"transaction_id":"t1","customer_id":"new-customer","sku":"PROD1","amount":3}`)

	summary, err := f.runner.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	stats := summary.Results[0].Stats[domain.KindTransaction]
	if stats.Valid != 1 || stats.Invalid != 0 {
		t.Fatalf("transaction stats = %+v", stats)
	}
}

func TestFailedPartitionDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t, Config{StartDate: "2020-01-25", EndDate: "2020-01-25", Hour: -1})
	bad := domain.PartitionKey{Date: "2020-01-25", Hour: 3}
	badPath := filepath.Join(partfile.Dir(f.cfg.InputRoot, bad), "customers.json.gz")
	if err := os.MkdirAll(filepath.Dir(badPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(badPath, []byte("definitely not gzip"), 0o644); err != nil {
		t.Fatal(err)
	}
	writeInput(t, f.cfg.InputRoot, domain.PartitionKey{Date: "2020-01-25", Hour: 4},
		domain.KindProduct, `{"sku":"PROD9","name":"Gadget"}`)

	summary, err := f.runner.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Failed != 1 {
		t.Fatalf("failed = %d", summary.Failed)
	}
	if got := summary.Results[3]; got.State != StateFailed || got.Err == nil {
		t.Fatalf("hour 3 result = %+v", got)
	}
	if got := summary.Results[4]; got.State != StateDone {
		t.Fatalf("hour 4 result = %+v", got)
	}
	if _, ok := f.store.GetProduct("PROD9"); !ok {
		t.Fatalf("later partition's product not stored")
	}
}

func TestRunSummaryPersisted(t *testing.T) {
	pk := domain.PartitionKey{Date: "2020-01-25", Hour: 7}
	f := newFixture(t, Config{StartDate: "2020-01-25", EndDate: "2020-01-25", Hour: 7})
	writeInput(t, f.cfg.InputRoot, pk, domain.KindCustomer, `{"id":"c1","email":"a@x.com"}`)

	summary, err := f.runner.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.RunID == "" {
		t.Fatalf("missing run id")
	}
	var persisted RunSummary
	path := filepath.Join(f.cfg.OutputRoot, "stats", "run-"+summary.RunID+".json")
	if err := partfile.ReadJSON(path, &persisted); err != nil {
		t.Fatalf("read run summary: %v", err)
	}
	if persisted.Partitions != 1 || persisted.Totals[domain.KindCustomer].Valid != 1 {
		t.Fatalf("persisted summary = %+v", persisted)
	}
}

func TestMetricsPushedAfterEachPartition(t *testing.T) {
	var pushes atomic.Int32
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		pushes.Add(1)
	}))
	defer gateway.Close()

	f := newFixture(t, Config{StartDate: "2020-01-24", EndDate: "2020-01-25", Hour: 6})
	f.set.EnablePush(gateway.URL, "refinery-test")

	if _, err := f.runner.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := pushes.Load(); got < 2 {
		t.Fatalf("expected a push per partition, got %d", got)
	}
}

func TestInvalidDateRangeFailsFast(t *testing.T) {
	f := newFixture(t, Config{StartDate: "2020-01-26", EndDate: "2020-01-25", Hour: -1})
	if _, err := f.runner.Run(context.Background()); err == nil {
		t.Fatalf("expected range error")
	}
}
