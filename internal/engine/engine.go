// Package engine drives raw extracts through the full pipeline:
// normalize → enrich → identity-tag → classify → append. It owns chunking
// and configuration; no record or stage ever reaches backward.
package engine

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/citystream/tripflow/internal/classify"
	"github.com/citystream/tripflow/internal/dedupe"
	"github.com/citystream/tripflow/internal/enrich"
	"github.com/citystream/tripflow/internal/model"
	"github.com/citystream/tripflow/internal/reader"
	"github.com/citystream/tripflow/internal/schema"
	"github.com/citystream/tripflow/internal/sink"
)

// Options configures one engine run. Every threshold arrives here
// explicitly; no component reads process-wide state.
type Options struct {
	Thresholds  enrich.Thresholds
	ChunkSize   int
	Workers     int
	DedupeScope dedupe.Scope
}

// ExtractSummary reports the outcome of one processed extract.
type ExtractSummary struct {
	Provenance model.Provenance         `json:"provenance"`
	RecordsIn  int64                    `json:"records_in"`
	Counts     map[model.Category]int64 `json:"counts"`
	Elapsed    time.Duration            `json:"elapsed"`
	Err        error                    `json:"-"`
}

// RunSummary reports a whole engine run.
type RunSummary struct {
	RunID    string           `json:"run_id"`
	Extracts []ExtractSummary `json:"extracts"`
}

// Engine is the run orchestrator.
type Engine struct {
	table *schema.Table
	out   sink.Sink
	opts  Options
}

// New creates an engine over a vintage table and an output sink.
func New(table *schema.Table, out sink.Sink, opts Options) *Engine {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 50000
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.DedupeScope == "" {
		opts.DedupeScope = dedupe.ScopeExtract
	}
	return &Engine{table: table, out: out, opts: opts}
}

// Run processes the given extracts. A schema error aborts only the offending
// extract (its partition transaction rolls back and the failure is
// reported); a sink error aborts the whole run. Either way the run never
// reports partial success silently: the returned error names every failed
// unit.
func (e *Engine) Run(ctx context.Context, extracts []reader.Extract) (*RunSummary, error) {
	log := zap.L().With(zap.String("component", "engine"))

	// Deterministic processing order, required for group-scoped dedupe.
	ordered := append([]reader.Extract(nil), extracts...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Path < ordered[j].Path })

	runID := uuid.New().String()
	if err := e.out.StartRun(ctx, runID); err != nil {
		return nil, err
	}

	summary := &RunSummary{RunID: runID}
	det := dedupe.NewDetector(e.opts.DedupeScope)
	var unitFailures []string

	for _, ex := range ordered {
		select {
		case <-ctx.Done():
			e.finishRun(ctx, runID, "failed", ctx.Err().Error())
			return summary, eris.Wrap(ctx.Err(), "engine: run cancelled")
		default:
		}

		start := time.Now()
		es, err := e.processExtract(ctx, runID, ex, det)
		es.Elapsed = time.Since(start)
		es.Err = err
		summary.Extracts = append(summary.Extracts, es)

		if err != nil {
			if sink.IsSinkError(err) {
				// Output failures are non-retriable for the whole run.
				e.finishRun(ctx, runID, "failed", err.Error())
				return summary, err
			}
			log.Error("extract failed",
				zap.String("file", ex.Path),
				zap.Error(err),
			)
			unitFailures = append(unitFailures, es.Provenance.SourceFile+": "+err.Error())
			continue
		}

		log.Info("extract complete",
			zap.String("file", es.Provenance.SourceFile),
			zap.Int64("records", es.RecordsIn),
			zap.Int64("clean", es.Counts[model.CategoryClean]),
			zap.Int64("duplicates", es.Counts[model.CategoryDuplicate]),
			zap.Duration("elapsed", es.Elapsed),
		)
	}

	if len(unitFailures) > 0 {
		e.finishRun(ctx, runID, "failed", strings.Join(unitFailures, "; "))
		return summary, eris.Errorf("engine: %d extract(s) failed: %s",
			len(unitFailures), strings.Join(unitFailures, "; "))
	}

	e.finishRun(ctx, runID, "complete", "")
	return summary, nil
}

func (e *Engine) finishRun(ctx context.Context, runID, status, errMsg string) {
	if err := e.out.FinishRun(ctx, runID, status, errMsg); err != nil {
		zap.L().Error("engine: record run outcome", zap.Error(err))
	}
}

// processExtract runs one extract through the pipeline inside a single
// partition-replace transaction. Nothing becomes visible unless the whole
// extract succeeds.
func (e *Engine) processExtract(ctx context.Context, runID string, ex reader.Extract, det *dedupe.Detector) (ExtractSummary, error) {
	es := ExtractSummary{Counts: make(map[model.Category]int64)}

	// The reader goroutine parks on its row channel when the pipeline stops
	// consuming; an early abort must cancel it or it leaks for the rest of
	// the run.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	prov, err := ex.Provenance()
	if err != nil {
		es.Provenance.SourceFile = ex.Path
		e.recordExtract(ctx, runID, es.Provenance, es, err)
		return es, err
	}
	es.Provenance = prov

	stream, err := reader.Open(ctx, ex)
	if err != nil {
		e.recordExtract(ctx, runID, prov, es, err)
		return es, err
	}
	defer stream.Close()

	var vintage *schema.Vintage
	if ex.Vintage != "" {
		vintage, err = e.table.Lookup(ex.Vintage)
	} else {
		vintage, err = e.table.Detect(stream.Header)
	}
	if err != nil {
		e.recordExtract(ctx, runID, prov, es, err)
		return es, err
	}

	norm, err := schema.NewNormalizer(vintage, stream.Header, prov)
	if err != nil {
		e.recordExtract(ctx, runID, prov, es, err)
		return es, err
	}

	calc := enrich.NewCalculator(e.opts.Thresholds, prov.SourceYear, prov.SourceMonth)
	cls := classify.New(e.opts.Thresholds)

	batch, err := e.out.BeginExtract(ctx, prov)
	if err != nil {
		e.recordExtract(ctx, runID, prov, es, err)
		return es, err
	}

	det.BeginUnit()
	err = e.pump(ctx, stream, norm, calc, cls, det, batch, prov, &es)
	if err != nil {
		batch.Rollback(ctx)
		e.recordExtract(ctx, runID, prov, es, err)
		return es, err
	}

	// Exhaustive partition invariant: the five category counts must sum to
	// the input record count.
	var covered int64
	for _, c := range model.Categories() {
		covered += es.Counts[c]
	}
	if covered != es.RecordsIn {
		batch.Rollback(ctx)
		err = eris.Errorf("engine: coverage check failed for %s: categorized %d of %d records",
			prov.SourceFile, covered, es.RecordsIn)
		e.recordExtract(ctx, runID, prov, es, err)
		return es, err
	}

	if err := batch.Commit(ctx); err != nil {
		e.recordExtract(ctx, runID, prov, es, err)
		return es, err
	}

	e.recordExtract(ctx, runID, prov, es, nil)
	return es, nil
}

func (e *Engine) recordExtract(ctx context.Context, runID string, prov model.Provenance, es ExtractSummary, unitErr error) {
	res := sink.ExtractResult{
		RecordsIn: es.RecordsIn,
		Counts:    es.Counts,
		Status:    "complete",
	}
	if unitErr != nil {
		res.Status = "failed"
		res.Error = unitErr.Error()
	}
	if err := e.out.RecordExtract(ctx, runID, prov, res); err != nil {
		zap.L().Error("engine: record extract outcome", zap.Error(err))
	}
}

// pump streams the extract through the pipeline in bounded-memory chunks.
func (e *Engine) pump(
	ctx context.Context,
	stream *reader.Stream,
	norm *schema.Normalizer,
	calc *enrich.Calculator,
	cls *classify.Classifier,
	det *dedupe.Detector,
	batch sink.Batch,
	prov model.Provenance,
	es *ExtractSummary,
) error {
	chunk := make([][]string, 0, e.opts.ChunkSize)

	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		if err := e.processChunk(ctx, chunk, norm, calc, cls, det, batch, prov, es); err != nil {
			return err
		}
		chunk = chunk[:0]
		return nil
	}

	for row := range stream.Rows {
		chunk = append(chunk, row)
		if len(chunk) >= e.opts.ChunkSize {
			if err := flush(); err != nil {
				return err
			}
			// Cancellation is honored between chunks; committed partitions
			// stay untouched because this extract's tx never commits.
			select {
			case <-ctx.Done():
				return eris.Wrap(ctx.Err(), "engine: cancelled between chunks")
			default:
			}
		}
	}
	if err, ok := <-stream.Errs; ok && err != nil {
		return eris.Wrapf(err, "engine: read %s", prov.SourceFile)
	}

	return flush()
}

// processChunk normalizes and enriches the chunk with parallel workers over
// contiguous index shards (order preserved by index), then runs duplicate
// detection, classification, and the sink append single-threaded in input
// order so the flagging outcome never depends on worker count.
func (e *Engine) processChunk(
	ctx context.Context,
	chunk [][]string,
	norm *schema.Normalizer,
	calc *enrich.Calculator,
	cls *classify.Classifier,
	det *dedupe.Detector,
	batch sink.Batch,
	prov model.Provenance,
	es *ExtractSummary,
) error {
	enriched := make([]*model.EnrichedTrip, len(chunk))

	g, gctx := errgroup.WithContext(ctx)
	workers := e.opts.Workers
	if workers > len(chunk) {
		workers = len(chunk)
	}
	shard := (len(chunk) + workers - 1) / workers

	for w := 0; w < workers; w++ {
		lo := w * shard
		hi := lo + shard
		if hi > len(chunk) {
			hi = len(chunk)
		}
		if lo >= hi {
			break
		}
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				trip, err := norm.Normalize(chunk[i], prov)
				if err != nil {
					return err
				}
				enriched[i] = calc.Enrich(trip)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, et := range enriched {
		key := dedupe.Key(&et.CanonicalTrip)
		classified := cls.Classify(et, key, det.Observe(key))

		es.RecordsIn++
		es.Counts[classified.Category]++

		if err := batch.Append(ctx, classified); err != nil {
			return err
		}
	}

	return nil
}
