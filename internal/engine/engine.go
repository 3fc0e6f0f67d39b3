// Package engine implements the incremental update loop: one engine per
// active datasource consumes the detector's event stream and periodic
// reconciliation passes, and turns both into ordered, idempotent
// applies against the vector, search and graph writers.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/flexrag/syncd/internal/detect"
	"github.com/flexrag/syncd/internal/fault"
	"github.com/flexrag/syncd/internal/state"
)

const (
	defaultWorkers       = 4
	defaultWriterTimeout = 30 * time.Second
)

// Config holds the collaborators for one engine instance.
type Config struct {
	Store     *state.Store
	Source    *state.DatasourceConfig
	Detector  detect.Detector
	Processor Processor
	Vector    VectorWriter
	Search    SearchWriter
	Graph     GraphWriter
	Logger    *slog.Logger

	Workers       int           // apply parallelism across doc_ids
	WriterTimeout time.Duration // per writer call deadline
}

// Engine drives one datasource. Events for the same doc_id apply in
// arrival order through per-doc lanes; distinct doc_ids apply in
// parallel up to the worker count.
type Engine struct {
	store         *state.Store
	source        *state.DatasourceConfig
	detector      detect.Detector
	processor     Processor
	vector        VectorWriter
	search        SearchWriter
	graph         GraphWriter
	logger        *slog.Logger
	workers       int
	writerTimeout time.Duration

	lanes       *laneSet
	syncNow     singleflight.Group
	reconcileCh chan chan error
	fatalCh     chan error

	inPass   atomic.Bool
	passErrs atomic.Int64
	maxOrd   atomic.Int64

	stopOnce sync.Once
	stopped  chan struct{}
}

// New creates an engine; Run starts it.
func New(cfg *Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	workers := cfg.Workers
	if workers < 1 {
		workers = defaultWorkers
	}

	writerTimeout := cfg.WriterTimeout
	if writerTimeout <= 0 {
		writerTimeout = defaultWriterTimeout
	}

	return &Engine{
		store:         cfg.Store,
		source:        cfg.Source,
		detector:      cfg.Detector,
		processor:     cfg.Processor,
		vector:        cfg.Vector,
		search:        cfg.Search,
		graph:         cfg.Graph,
		logger:        logger.With(slog.String("config_id", cfg.Source.ConfigID)),
		workers:       workers,
		writerTimeout: writerTimeout,
		lanes:         newLaneSet(),
		reconcileCh:   make(chan chan error, 1),
		fatalCh:       make(chan error, 1),
		stopped:       make(chan struct{}),
	}
}

// Run starts the detector, the apply workers, the event consumer and
// the periodic reconciler, then blocks until ctx is canceled or a fatal
// source error occurs. The returned error is nil on clean shutdown.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer e.shutdownLanes()

	events, err := e.detector.Start(ctx)
	if err != nil {
		if fault.IsFatal(err) {
			return err
		}

		// Transient start failure: periodic-only until restart.
		e.logger.Warn("detector start failed, continuing in periodic-only mode",
			slog.String("error", err.Error()))

		events = nil
	}

	var wg sync.WaitGroup

	for range e.workers {
		wg.Add(1)

		go func() {
			defer wg.Done()
			e.applyWorker(ctx)
		}()
	}

	wg.Add(1)

	go func() {
		defer wg.Done()
		e.consumeEvents(ctx, events)
	}()

	runErr := e.scheduleLoop(ctx)

	cancel()
	e.shutdownLanes()
	wg.Wait()

	if stopErr := e.detector.Stop(); stopErr != nil {
		e.logger.Warn("detector stop failed", slog.String("error", stopErr.Error()))
	}

	return runErr
}

// RunOnce executes a single reconciliation pass and returns when it
// drains, without starting the event stream or the periodic timer. Used
// by one-shot CLI invocations; the engine cannot be reused afterwards.
func (e *Engine) RunOnce(ctx context.Context) error {
	var wg sync.WaitGroup

	for range e.workers {
		wg.Add(1)

		go func() {
			defer wg.Done()
			e.applyWorker(ctx)
		}()
	}

	err := e.reconcilePass(ctx)

	e.shutdownLanes()
	wg.Wait()

	return err
}

// Stop releases the lanes so workers exit even when Run's context is
// shared. Safe to call more than once.
func (e *Engine) Stop() {
	e.shutdownLanes()
}

func (e *Engine) shutdownLanes() {
	e.stopOnce.Do(func() {
		e.lanes.Close()
		close(e.stopped)
	})
}

// SyncNow runs exactly one reconciliation pass immediately and returns
// when it completes. Concurrent invocations collapse into one in-flight
// pass; followers await its outcome.
func (e *Engine) SyncNow(ctx context.Context) error {
	_, err, _ := e.syncNow.Do("pass", func() (any, error) {
		reply := make(chan error, 1)

		select {
		case e.reconcileCh <- reply:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-e.stopped:
			return nil, context.Canceled
		}

		select {
		case passErr := <-reply:
			return nil, passErr
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-e.stopped:
			return nil, context.Canceled
		}
	})

	return err
}

// scheduleLoop owns the reconciliation cadence: the immediate startup
// pass, the periodic timer, sync-now requests and resync drains all
// funnel through here so only one pass runs at a time.
func (e *Engine) scheduleLoop(ctx context.Context) error {
	// Startup pass picks up anything that changed while the engine was
	// down, plus partial-sync rows owed a retry.
	if err := e.runPass(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(e.source.RefreshInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-e.fatalCh:
			return err

		case <-ticker.C:
			if err := e.runPass(ctx); err != nil {
				return err
			}

		case reply := <-e.reconcileCh:
			err := e.reconcilePass(ctx)
			reply <- err

			if err != nil && fault.IsFatal(err) {
				return err
			}
		}
	}
}

// runPass executes one reconciliation pass, returning an error only for
// fatal conditions; transient pass failures are recorded on the config
// and retried at the next tick.
func (e *Engine) runPass(ctx context.Context) error {
	err := e.reconcilePass(ctx)
	if err == nil || ctx.Err() != nil {
		return nil
	}

	if fault.IsFatal(err) {
		return err
	}

	e.logger.Warn("reconciliation pass failed",
		slog.String("error", err.Error()))

	return nil
}

// consumeEvents routes the detector stream: resync sentinels trigger a
// reconciliation pass, everything else lands in the per-doc lanes.
func (e *Engine) consumeEvents(ctx context.Context, events <-chan detect.Event) {
	if events == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				return
			}

			if ev.Type == detect.ChangeResync {
				e.logger.Info("detector requested resync")
				e.requestReconcile()

				continue
			}

			docID, ok := e.eventDocID(ctx, &ev)
			if !ok {
				continue
			}

			e.lanes.Enqueue(docID, ev)
		}
	}
}

// requestReconcile schedules a pass without blocking the event
// consumer; a pass already queued or running covers the request.
func (e *Engine) requestReconcile() {
	reply := make(chan error, 1)

	select {
	case e.reconcileCh <- reply:
		go func() {
			select {
			case <-reply:
			case <-e.stopped:
			}
		}()
	default:
	}
}

// eventDocID resolves the lane key for an event. Sources that report
// deletions by opaque ID only (Drive, Graph) are resolved against the
// state store; an unknown ID with no path has nothing to apply.
func (e *Engine) eventDocID(ctx context.Context, ev *detect.Event) (string, bool) {
	if ev.Meta.Path != "" {
		return state.DocID(e.source.ConfigID, ev.Meta.Path), true
	}

	if ev.Meta.SourceID == "" {
		return "", false
	}

	doc, err := e.store.GetDocumentBySourceID(ctx, e.source.ConfigID, ev.Meta.SourceID)
	if err != nil {
		e.logger.Warn("resolving event by source id",
			slog.String("source_id", ev.Meta.SourceID),
			slog.String("error", err.Error()))

		return "", false
	}

	if doc == nil {
		// Never indexed; a delete for it is a no-op.
		if ev.Ack != nil {
			ev.Ack()
		}

		return "", false
	}

	ev.Meta.Path = doc.SourcePath

	return doc.DocID, true
}

// applyWorker drains lanes until shutdown.
func (e *Engine) applyWorker(ctx context.Context) {
	for {
		docID, ev, ok := e.lanes.Next()
		if !ok {
			return
		}

		if err := e.apply(ctx, docID, ev); err != nil {
			select {
			case e.fatalCh <- err:
			default:
			}
		}

		e.lanes.Done(docID)
	}
}

// apply routes one event. The returned error is non-nil only for fatal
// conditions that must stop the engine; per-document failures are
// recorded on the config and retried by later passes.
func (e *Engine) apply(ctx context.Context, docID string, ev detect.Event) error {
	if ctx.Err() != nil {
		return nil
	}

	var err error

	switch ev.Type {
	case detect.ChangeCreate, detect.ChangeUpdate:
		err = e.applyUpsert(ctx, docID, ev)
	case detect.ChangeDelete:
		err = e.applyDelete(ctx, docID, ev)
	default:
		return nil
	}

	if err == nil || ctx.Err() != nil {
		return nil
	}

	// The outermost marker decides: a transient wrapper around a
	// fatal per-document cause (processor rejection) stays per-document.
	if !fault.IsTransient(err) && fault.IsFatal(err) {
		return err
	}

	e.recordError(ctx, docID, err)

	return nil
}

// applyUpsert is the CREATE/UPDATE path: load, hash, short-circuit or
// process, write each target independently, commit.
func (e *Engine) applyUpsert(ctx context.Context, docID string, ev detect.Event) error {
	ordinal, err := e.store.AllocateOrdinal(ctx, e.source.ConfigID)
	if err != nil {
		return err
	}

	e.markSyncing(ctx)

	data, err := e.detector.Load(ctx, ev.Meta)
	if err != nil {
		if fault.IsNotFound(err) {
			// Disappeared between event and load.
			ev.Type = detect.ChangeDelete
			return e.applyDelete(ctx, docID, ev)
		}

		return fmt.Errorf("loading %s: %w", docID, err)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	prev, err := e.store.GetDocumentState(ctx, docID)
	if err != nil {
		return err
	}

	if prev != nil && prev.FailedHash == hash {
		// The processor already rejected exactly these bytes; skip
		// until the content changes.
		e.ack(&ev)
		return nil
	}

	skipGraph := e.source.SkipGraph

	if prev != nil && prev.ContentHash == hash && prev.TargetsComplete(skipGraph) {
		// Timestamp-only change: no processing, no writes.
		touched := *prev
		touched.Ordinal = ordinal
		touched.Modified = ev.Meta.Modified

		if err := e.store.TouchDocumentState(ctx, &touched); err != nil {
			return err
		}

		e.logger.Debug("content unchanged, short-circuited",
			slog.String("doc_id", docID))

		e.afterApply(ctx, ordinal)
		e.ack(&ev)

		return nil
	}

	payload, err := e.processor.Process(ctx, data, DocMeta{
		DocID:      docID,
		SourcePath: ev.Meta.Path,
		SourceID:   ev.Meta.SourceID,
	})
	if err != nil {
		if fault.IsFatal(err) {
			// Permanent per-document rejection: suppress until the
			// bytes change, keep any previous successful state.
			if markErr := e.store.MarkDocumentFailed(ctx,
				e.source.ConfigID, docID, ev.Meta.Path, ev.Meta.SourceID, hash, ordinal); markErr != nil {
				return markErr
			}

			e.ack(&ev)

			return fault.Transient(fmt.Errorf("processing %s rejected: %w", docID, err))
		}

		return fmt.Errorf("processing %s: %w", docID, err)
	}

	// A partial-sync row with unchanged content retries only its
	// missing targets; everything else writes all required targets.
	resume := prev != nil && prev.ContentHash == hash

	result, writeErr := e.writeTargets(ctx, docID, payload, prev, resume, skipGraph)

	doc := &state.DocumentState{
		DocID:       docID,
		ConfigID:    e.source.ConfigID,
		SourcePath:  ev.Meta.Path,
		SourceID:    ev.Meta.SourceID,
		Ordinal:     ordinal,
		ContentHash: hash,
		Modified:    ev.Meta.Modified,
	}

	if err := e.store.CommitApply(ctx, doc, result); err != nil {
		return err
	}

	e.afterApply(ctx, ordinal)

	if writeErr != nil {
		// Partial-sync row committed; the reconciler owns the retry.
		// Leaving the event unacked lets queue-backed sources redeliver.
		return fault.Transient(fmt.Errorf("writing %s: %w", docID, writeErr))
	}

	e.ack(&ev)

	return nil
}

// writeTargets writes each index target independently. One target's
// failure never blocks the others; the failed target's timestamp stays
// null so the next pass retries exactly that one.
func (e *Engine) writeTargets(
	ctx context.Context, docID string, payload *IndexPayload,
	prev *state.DocumentState, resume, skipGraph bool,
) (state.ApplyResult, error) {
	var (
		result   state.ApplyResult
		firstErr error
	)

	record := func(target string, attempted bool, err error) state.TargetResult {
		if !attempted {
			return state.TargetSkipped
		}

		if err != nil {
			e.logger.Warn("index write failed",
				slog.String("doc_id", docID),
				slog.String("target", target),
				slog.String("error", err.Error()),
			)

			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", target, err)
			}

			return state.TargetFailed
		}

		return state.TargetSynced
	}

	attempt := func(done time.Time) bool { return !resume || done.IsZero() }

	prevVec, prevSearch, prevGraph := time.Time{}, time.Time{}, time.Time{}
	if prev != nil {
		prevVec, prevSearch, prevGraph = prev.VectorSyncedAt, prev.SearchSyncedAt, prev.GraphSyncedAt
	}

	if attempt(prevVec) {
		err := e.withDeadline(ctx, func(wctx context.Context) error {
			return e.vector.Upsert(wctx, docID, payload.Vector)
		})
		result.Vector = record("vector", true, err)
	} else {
		result.Vector = record("vector", false, nil)
	}

	if attempt(prevSearch) {
		err := e.withDeadline(ctx, func(wctx context.Context) error {
			return e.search.Upsert(wctx, docID, payload.Search)
		})
		result.Search = record("search", true, err)
	} else {
		result.Search = record("search", false, nil)
	}

	switch {
	case skipGraph:
		result.Graph = record("graph", false, nil)
	case attempt(prevGraph):
		err := e.withDeadline(ctx, func(wctx context.Context) error {
			return e.graph.Replace(wctx, docID, payload.Graph)
		})
		result.Graph = record("graph", true, err)
	default:
		result.Graph = record("graph", false, nil)
	}

	return result, firstErr
}

// applyDelete issues deletes to every writer and removes the state row.
// An unknown doc_id still reaches the writers as defensive cleanup.
func (e *Engine) applyDelete(ctx context.Context, docID string, ev detect.Event) error {
	ordinal, err := e.store.AllocateOrdinal(ctx, e.source.ConfigID)
	if err != nil {
		return err
	}

	e.markSyncing(ctx)

	var firstErr error

	del := func(target string, fn func(context.Context) error) {
		err := e.withDeadline(ctx, fn)
		if err != nil && !fault.IsNotFound(err) {
			e.logger.Warn("index delete failed",
				slog.String("doc_id", docID),
				slog.String("target", target),
				slog.String("error", err.Error()),
			)

			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", target, err)
			}
		}
	}

	del("vector", func(wctx context.Context) error { return e.vector.Delete(wctx, docID) })
	del("search", func(wctx context.Context) error { return e.search.Delete(wctx, docID) })

	if !e.source.SkipGraph {
		del("graph", func(wctx context.Context) error { return e.graph.Delete(wctx, docID) })
	}

	if firstErr != nil {
		// Keep the state row so the next reconciliation pass re-derives
		// the delete.
		return fault.Transient(fmt.Errorf("deleting %s: %w", docID, firstErr))
	}

	if err := e.store.CommitDelete(ctx, docID); err != nil {
		return err
	}

	e.afterApply(ctx, ordinal)
	e.ack(&ev)

	return nil
}

// withDeadline runs one writer call under the per-call deadline.
// Timeouts surface as transient failures that leave the target's
// timestamp null.
func (e *Engine) withDeadline(ctx context.Context, fn func(context.Context) error) error {
	wctx, cancel := context.WithTimeout(ctx, e.writerTimeout)
	defer cancel()

	return fn(wctx)
}

func (e *Engine) ack(ev *detect.Event) {
	if ev.Ack != nil {
		ev.Ack()
	}
}

// markSyncing flips the config status to syncing for event-driven
// applies happening outside a reconciliation pass (which sets it
// itself).
func (e *Engine) markSyncing(ctx context.Context) {
	if e.inPass.Load() {
		return
	}

	if err := e.store.UpdateConfigStatus(ctx, e.source.ConfigID, state.StatusSyncing, 0, nil); err != nil {
		e.logger.Warn("updating config status", slog.String("error", err.Error()))
	}
}

// afterApply advances the config's high-water ordinal.
func (e *Engine) afterApply(ctx context.Context, ordinal int64) {
	for {
		current := e.maxOrd.Load()
		if ordinal <= current {
			break
		}

		if e.maxOrd.CompareAndSwap(current, ordinal) {
			break
		}
	}

	status := state.StatusIdle
	if e.inPass.Load() {
		status = state.StatusSyncing
	}

	if err := e.store.UpdateConfigStatus(ctx, e.source.ConfigID, status, ordinal, nil); err != nil {
		e.logger.Warn("recording apply ordinal", slog.String("error", err.Error()))
	}
}

// recordError notes a per-document failure on the config without
// changing the status; cross-document progress continues.
func (e *Engine) recordError(ctx context.Context, docID string, applyErr error) {
	e.passErrs.Add(1)

	text := fmt.Sprintf("%s: %s", docID, applyErr.Error())

	e.logger.Warn("document apply failed",
		slog.String("doc_id", docID),
		slog.String("error", applyErr.Error()),
	)

	status := state.StatusIdle
	if e.inPass.Load() {
		status = state.StatusSyncing
	}

	if err := e.store.UpdateConfigStatus(ctx, e.source.ConfigID, status, 0, &text); err != nil {
		e.logger.Warn("recording document error", slog.String("error", err.Error()))
	}
}
