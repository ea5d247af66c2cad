// Package pipeline drives batch reconciliation: one state-machine traversal
// per (date, hour) partition, partitions visited in ascending chronological
// order so that erasure requests observed in partition P are applied before
// any record of partition P+1 is validated.
package pipeline

import (
	"context"
	"errors"
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
	"golang.org/x/sync/errgroup"
)

// State names one phase of a partition cycle.
type State string

const (
	StateLoadErasure       State = "LOAD_ERASURE"
	StateApplyErasure      State = "APPLY_ERASURE"
	StateLoadRecords       State = "LOAD_DOMAIN_RECORDS"
	StateValidate          State = "VALIDATE"
	StatePersistValid      State = "PERSIST_VALID"
	StatePersistQuarantine State = "PERSIST_QUARANTINE"
	StateUpdateReference   State = "UPDATE_REFERENCE"
	StateEmitStats         State = "EMIT_STATS"
	StateDone              State = "DONE"
	StateFailed            State = "FAILED"
)

// Config is the typed equivalent of the CLI surface.
type Config struct {
	InputRoot      string
	OutputRoot     string
	QuarantineRoot string
	StartDate      string // YYYY-MM-DD, inclusive
	EndDate        string // YYYY-MM-DD, inclusive
	Hour           int    // -1 selects all 24 hours per date
}

// PartitionResult is the terminal outcome of one partition cycle.
type PartitionResult struct {
	Partition domain.PartitionKey
	State     State
	Stats     map[domain.Kind]domain.Stats
	Err       error
}

// RunSummary aggregates a whole batch run, persisted under <output>/stats.
type RunSummary struct {
	RunID      string                      `json:"run_id"`
	StartDate  string                      `json:"start_date"`
	EndDate    string                      `json:"end_date"`
	Partitions int                         `json:"partitions"`
	Failed     int                         `json:"failed"`
	Totals     map[domain.Kind]domain.Stats `json:"totals"`
	Results    []PartitionResult           `json:"-"`
}

// Runner owns one batch invocation over a date range.
type Runner struct {
	cfg     Config
	store   *refstore.Store
	engine  *erasure.Engine
	metrics *metrics.Set
	log     *zap.SugaredLogger
	now     func() time.Time
}

func NewRunner(cfg Config, store *refstore.Store, engine *erasure.Engine, set *metrics.Set, log *zap.SugaredLogger) *Runner {
	return &Runner{cfg: cfg, store: store, engine: engine, metrics: set, log: log, now: time.Now}
}

// Run processes every partition in the configured range sequentially. A
// failed partition is logged and counted but never blocks later partitions.
func (r *Runner) Run(ctx context.Context) (RunSummary, error) {
	keys, err := domain.Partitions(r.cfg.StartDate, r.cfg.EndDate, r.cfg.Hour)
	if err != nil {
		return RunSummary{}, err
	}
	summary := RunSummary{
		RunID:     uuid.NewString(),
		StartDate: r.cfg.StartDate,
		EndDate:   r.cfg.EndDate,
		Totals:    make(map[domain.Kind]domain.Stats),
	}
	r.log.Infow("Starting batch run",
		"run_id", summary.RunID,
		"start_date", r.cfg.StartDate,
		"end_date", r.cfg.EndDate,
		"partitions", len(keys),
	)

	for i, pk := range keys {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		// Erasure requests are read from the partition processed before this
		// one. The first partition of a run has no predecessor in the
		// schedule, so it reads from where a preceding run with the same
		// hour filter would have ended.
		var prev domain.PartitionKey
		if i > 0 {
			prev = keys[i-1]
		} else {
			prev, err = firstPrev(pk, r.cfg.Hour)
			if err != nil {
				return summary, err
			}
		}
		res := r.processPartition(pk, prev)
		summary.Results = append(summary.Results, res)
		summary.Partitions++
		for kind, stats := range res.Stats {
			total := summary.Totals[kind]
			total.Add(stats)
			summary.Totals[kind] = total
		}
		if res.State == StateFailed {
			summary.Failed++
			r.metrics.PartitionsFailed.Inc()
			r.log.Errorw("Partition failed", "partition", pk.String(), "error", res.Err)
		} else {
			r.log.Infow("Partition done", "partition", pk.String())
		}
		r.metrics.Push()
	}

	statsPath := filepath.Join(r.cfg.OutputRoot, "stats", fmt.Sprintf("run-%s.json", summary.RunID))
	if err := partfile.WriteJSON(statsPath, summary); err != nil {
		return summary, fmt.Errorf("write run summary: %w", err)
	}
	return summary, nil
}

// firstPrev names the partition a run's first cycle reads erasure requests
// from. Without an hour filter that is the clock-previous hour; with one,
// it is the previous date at the same hour, the final partition of the run
// that came before.
func firstPrev(pk domain.PartitionKey, hour int) (domain.PartitionKey, error) {
	if hour < 0 {
		return pk.Prev()
	}
	day, err := time.Parse(time.DateOnly, pk.Date)
	if err != nil {
		return domain.PartitionKey{}, fmt.Errorf("parse partition date %q: %w", pk.Date, err)
	}
	return domain.PartitionKey{Date: day.AddDate(0, 0, -1).Format(time.DateOnly), Hour: hour}, nil
}

func (r *Runner) processPartition(pk, prev domain.PartitionKey) PartitionResult {
	res := PartitionResult{Partition: pk, Stats: make(map[domain.Kind]domain.Stats)}
	fail := func(state State, err error) PartitionResult {
		res.State = StateFailed
		res.Err = fmt.Errorf("%s %s: %w", pk.String(), state, err)
		return res
	}
	start := r.now()

	// Erasure requests from the previous partition come first: the store
	// must reflect them before anything in this partition is validated.
	erasureLines, err := r.readInput(prev, domain.KindErasure)
	if err != nil {
		return fail(StateLoadErasure, err)
	}
	if len(erasureLines) > 0 {
		stats, err := r.applyErasure(prev, erasureLines)
		res.Stats[domain.KindErasure] = stats
		if err != nil {
			return fail(StateApplyErasure, err)
		}
	}

	inputs := make(map[domain.Kind][][]byte)
	for _, kind := range []domain.Kind{domain.KindCustomer, domain.KindProduct, domain.KindTransaction} {
		lines, err := r.readInput(pk, kind)
		if err != nil {
			return fail(StateLoadRecords, err)
		}
		inputs[kind] = lines
	}

	// Customers and products carry no cross-domain rules, so they classify
	// concurrently against the same snapshot.
	snap := r.store.Snapshot()
	classified := make(map[domain.Kind]classification)
	classified[domain.KindCustomer], classified[domain.KindProduct] = r.classifyPair(inputs[domain.KindCustomer], inputs[domain.KindProduct], snap)

	// Barrier: valid customers and products reach the store before any
	// transaction of this partition is validated.
	for _, rec := range classified[domain.KindCustomer].records {
		r.store.UpsertCustomer(*rec.Customer)
	}
	for _, rec := range classified[domain.KindProduct].records {
		r.store.UpsertProduct(*rec.Product)
	}
	classified[domain.KindTransaction] = r.classify(domain.KindTransaction, inputs[domain.KindTransaction], snap)

	for kind, cl := range classified {
		res.Stats[kind] = cl.stats
	}

	outDir := partfile.Dir(r.cfg.OutputRoot, pk)
	for _, kind := range []domain.Kind{domain.KindCustomer, domain.KindProduct, domain.KindTransaction} {
		path := filepath.Join(outDir, partfile.ValidFile(kind))
		if err := partfile.WriteLines(path, classified[kind].valid); err != nil {
			return fail(StatePersistValid, err)
		}
	}

	quarDir := partfile.Dir(r.cfg.QuarantineRoot, pk)
	for _, kind := range []domain.Kind{domain.KindCustomer, domain.KindProduct, domain.KindTransaction} {
		path := filepath.Join(quarDir, partfile.QuarantineFile(kind))
		if err := partfile.WriteLines(path, classified[kind].quarantined); err != nil {
			return fail(StatePersistQuarantine, err)
		}
	}

	if err := r.store.Flush(); err != nil {
		return fail(StateUpdateReference, err)
	}

	elapsed := r.now().Sub(start).Seconds()
	r.metrics.ProcessingDuration.WithLabelValues("partition").Observe(elapsed)
	for _, kind := range []domain.Kind{domain.KindCustomer, domain.KindProduct, domain.KindTransaction} {
		stats := res.Stats[kind]
		stats.ProcessingTime = elapsed
		res.Stats[kind] = stats
		if stats.Processed == 0 {
			continue
		}
		path := filepath.Join(outDir, partfile.StatsFile(kind))
		if err := partfile.WriteJSON(path, stats); err != nil {
			return fail(StateEmitStats, err)
		}
	}

	res.State = StateDone
	return res
}

// readInput loads one domain's partition file, treating an absent file as an
// empty dataset.
func (r *Runner) readInput(pk domain.PartitionKey, kind domain.Kind) ([][]byte, error) {
	path, err := partfile.FindInput(r.cfg.InputRoot, pk, kind)
	if errors.Is(err, partfile.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return partfile.ReadLines(path)
}

type classification struct {
	stats       domain.Stats
	valid       [][]byte        // original payload lines, untouched
	quarantined [][]byte        // payload plus _errors annotation
	records     []domain.Record // decoded valid records, for store upserts
}

func (r *Runner) classify(kind domain.Kind, lines [][]byte, snap validate.Snapshot) classification {
	var cl classification
	for _, line := range lines {
		cl.stats.Processed++
		r.metrics.RecordsProcessed.WithLabelValues(string(kind)).Inc()

		rec, err := domain.Decode(kind, line)
		out := validate.Record(rec, snap)
		if err != nil && out.Valid() {
			out = validate.Invalid(rec, err.Error())
		}
		if !out.Valid() {
			cl.stats.Invalid++
			r.metrics.RecordsInvalid.WithLabelValues(string(kind)).Inc()
			cl.quarantined = append(cl.quarantined, partfile.AnnotateInvalid(line, out.Errors))
			continue
		}
		cl.stats.Valid++
		r.metrics.RecordsValid.WithLabelValues(string(kind)).Inc()
		cl.valid = append(cl.valid, line)
		cl.records = append(cl.records, rec)
	}
	return cl
}

// classifyPair validates customers and products concurrently. Neither domain
// reads the other, and the snapshot is read-only, so the two goroutines never
// race.
func (r *Runner) classifyPair(customers, products [][]byte, snap validate.Snapshot) (classification, classification) {
	var customerCl, productCl classification
	var group errgroup.Group
	group.Go(func() error {
		customerCl = r.classify(domain.KindCustomer, customers, snap)
		return nil
	})
	group.Go(func() error {
		productCl = r.classify(domain.KindProduct, products, snap)
		return nil
	})
	_ = group.Wait()
	return customerCl, productCl
}

// applyErasure validates and applies the erasure requests of one source
// partition, writing that partition's quarantine and stats artifacts.
func (r *Runner) applyErasure(pk domain.PartitionKey, lines [][]byte) (domain.Stats, error) {
	var stats domain.Stats
	var quarantined [][]byte
	start := r.now()

	for _, line := range lines {
		stats.Processed++
		r.metrics.RecordsProcessed.WithLabelValues(string(domain.KindErasure)).Inc()

		rec, err := domain.Decode(domain.KindErasure, line)
		out := validate.Record(rec, nil)
		if err != nil && out.Valid() {
			out = validate.Invalid(rec, err.Error())
		}
		if !out.Valid() {
			stats.Invalid++
			stats.Failed++
			r.metrics.RecordsInvalid.WithLabelValues(string(domain.KindErasure)).Inc()
			r.metrics.ErasureFailed.Inc()
			quarantined = append(quarantined, partfile.AnnotateInvalid(line, out.Errors))
			continue
		}
		stats.Valid++
		r.metrics.RecordsValid.WithLabelValues(string(domain.KindErasure)).Inc()

		result, err := r.engine.Apply(*rec.Erasure)
		if err != nil {
			stats.Failed++
			r.metrics.ErasureFailed.Inc()
			quarantined = append(quarantined, partfile.AnnotateInvalid(line, []string{err.Error()}))
			continue
		}
		stats.Successful++
		stats.RecordsAnonymized += result.Anonymized
		r.metrics.ErasureProcessed.Inc()
		r.metrics.RecordsAnonymized.Add(float64(result.Anonymized))
	}
	stats.ProcessingTime = r.now().Sub(start).Seconds()
	r.metrics.ProcessingDuration.WithLabelValues("erasure").Observe(stats.ProcessingTime)

	// Anonymization must be durable before this partition's records are
	// validated against the store.
	if err := r.store.Flush(); err != nil {
		return stats, err
	}
	quarPath := filepath.Join(partfile.Dir(r.cfg.QuarantineRoot, pk), partfile.QuarantineFile(domain.KindErasure))
	if err := partfile.WriteLines(quarPath, quarantined); err != nil {
		return stats, err
	}
	statsPath := filepath.Join(partfile.Dir(r.cfg.OutputRoot, pk), partfile.StatsFile(domain.KindErasure))
	if err := partfile.WriteJSON(statsPath, stats); err != nil {
		return stats, err
	}
	return stats, nil
}
