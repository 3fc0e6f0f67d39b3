package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/flexrag/syncd/internal/detect"
	"github.com/flexrag/syncd/internal/state"
)

// reconcilePass joins the detector's snapshot against the state store
// and synthesizes the events the stream may have missed: creates for
// unseen documents, updates for drifted timestamps and partial-sync
// rows, deletes for rows whose source item vanished. The pass waits for
// every synthesized and in-flight event to drain before reporting
// completion, so sync-now callers observe a settled state.
func (e *Engine) reconcilePass(ctx context.Context) error {
	started := time.Now()

	e.inPass.Store(true)
	defer e.inPass.Store(false)

	e.passErrs.Store(0)

	if err := e.store.UpdateConfigStatus(ctx,
		e.source.ConfigID, state.StatusSyncing, 0, nil); err != nil {
		return err
	}

	e.logger.Info("reconciliation pass started")

	stats, err := e.enumerateSource(ctx)
	if err != nil {
		e.finishPass(ctx, err)
		return err
	}

	deletes, err := e.detectDeletions(ctx, stats)
	if err != nil {
		e.finishPass(ctx, err)
		return err
	}

	// Drain everything this pass enqueued plus concurrent stream
	// events; per-doc ordering makes the overlap harmless.
	e.lanes.Wait()

	e.finishPass(ctx, nil)

	e.logger.Info("reconciliation pass completed",
		slog.Int("observed", stats.observed),
		slog.Int("created", stats.created),
		slog.Int("updated", stats.updated),
		slog.Int("resumed", stats.resumed),
		slog.Int("deleted", deletes),
		slog.Duration("duration", time.Since(started)),
	)

	return nil
}

// passStats carries the pass's observation set and counters. The
// observation maps hold only doc keys, keeping reconciliation memory
// proportional to the live document count rather than full metadata.
type passStats struct {
	observedPaths map[string]bool
	observedIDs   map[string]bool

	observed int
	created  int
	updated  int
	resumed  int
}

// enumerateSource streams the detector snapshot, deciding per item
// whether an apply is owed.
func (e *Engine) enumerateSource(ctx context.Context) (*passStats, error) {
	stats := &passStats{
		observedPaths: make(map[string]bool),
		observedIDs:   make(map[string]bool),
	}

	err := e.detector.ListAll(ctx, func(meta detect.FileMetadata) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		stats.observed++
		stats.observedPaths[meta.Path] = true

		if meta.SourceID != "" {
			stats.observedIDs[meta.SourceID] = true
		}

		docID := state.DocID(e.source.ConfigID, meta.Path)

		prev, err := e.store.GetDocumentState(ctx, docID)
		if err != nil {
			return err
		}

		switch {
		case prev == nil:
			stats.created++
			e.lanes.Enqueue(docID, detect.Event{
				Type: detect.ChangeCreate, Meta: meta, ReceivedAt: time.Now(),
			})

		case prev.FailedHash != "" && !e.contentMayHaveChanged(prev, meta):
			// Permanently rejected and unchanged; leave it alone.

		case !prev.TargetsComplete(e.source.SkipGraph):
			// Partial-sync resume: retry the missing targets.
			stats.resumed++
			e.lanes.Enqueue(docID, detect.Event{
				Type: detect.ChangeUpdate, Meta: meta, ReceivedAt: time.Now(),
			})

		case e.contentMayHaveChanged(prev, meta):
			stats.updated++
			e.lanes.Enqueue(docID, detect.Event{
				Type: detect.ChangeUpdate, Meta: meta, ReceivedAt: time.Now(),
			})
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enumerating source: %w", err)
	}

	return stats, nil
}

// contentMayHaveChanged reports whether the listing suggests the stored
// row is stale. Sources without modification times force a load; the
// content-hash short-circuit keeps that cheap.
func (e *Engine) contentMayHaveChanged(prev *state.DocumentState, meta detect.FileMetadata) bool {
	if meta.SourceID != "" && prev.SourceID != "" && meta.SourceID != prev.SourceID {
		return true
	}

	if meta.Modified.IsZero() {
		return prev.Modified.IsZero()
	}

	return !meta.Modified.Equal(prev.Modified)
}

// detectDeletions walks the state rows and enqueues a delete for every
// document absent from the observation set, matching by source_id when
// available and by path otherwise.
func (e *Engine) detectDeletions(ctx context.Context, stats *passStats) (int, error) {
	deletes := 0

	err := e.store.ForEachDocumentState(ctx, e.source.ConfigID, func(doc *state.DocumentState) error {
		if doc.SourceID != "" && stats.observedIDs[doc.SourceID] {
			return nil
		}

		if stats.observedPaths[doc.SourcePath] {
			return nil
		}

		deletes++
		e.lanes.Enqueue(doc.DocID, detect.Event{
			Type: detect.ChangeDelete,
			Meta: detect.FileMetadata{
				Path:     doc.SourcePath,
				SourceID: doc.SourceID,
			},
			ReceivedAt: time.Now(),
		})

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("detecting deletions: %w", err)
	}

	return deletes, nil
}

// finishPass records the pass outcome on the config. The status always
// returns to idle; last_error is cleared only when the pass saw no
// document failures, so a lingering error stays visible until a clean
// pass.
func (e *Engine) finishPass(ctx context.Context, passErr error) {
	var errText *string

	switch {
	case passErr != nil:
		text := passErr.Error()
		errText = &text

	case e.passErrs.Load() == 0:
		empty := ""
		errText = &empty
	}

	if err := e.store.UpdateConfigStatus(ctx,
		e.source.ConfigID, state.StatusIdle, e.maxOrd.Load(), errText); err != nil {
		e.logger.Warn("recording pass completion", slog.String("error", err.Error()))
	}
}
