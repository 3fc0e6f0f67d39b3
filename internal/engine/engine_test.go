package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexrag/syncd/internal/detect"
	"github.com/flexrag/syncd/internal/fault"
	"github.com/flexrag/syncd/internal/state"
)

// harness wires an engine to a real state store, a fake detector and
// spy writers, and runs it for the duration of the test.
type harness struct {
	store     *state.Store
	source    *state.DatasourceConfig
	detector  *fakeDetector
	processor *fakeProcessor
	vector    *spyWriter
	search    *spyWriter
	graph     *spyWriter
	engine    *Engine

	cancel context.CancelFunc
	runned chan struct{}
}

func newHarness(t *testing.T, mutate func(*state.DatasourceConfig)) *harness {
	t.Helper()

	store, err := state.Open(filepath.Join(t.TempDir(), "state.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	source := &state.DatasourceConfig{
		ConfigID:               "cfg-1",
		ProjectID:              "default",
		SourceType:             state.SourceFilesystem,
		SourceName:             "test",
		ConnectionParams:       json.RawMessage(`{}`),
		RefreshIntervalSeconds: 3600, // tests drive passes via SyncNow
		EnableChangeStream:     true,
		IsActive:               true,
	}
	if mutate != nil {
		mutate(source)
	}

	_, err = store.UpsertConfig(context.Background(), source)
	require.NoError(t, err)

	h := &harness{
		store:     store,
		source:    source,
		detector:  newFakeDetector(),
		processor: &fakeProcessor{},
		vector:    newSpyWriter(),
		search:    newSpyWriter(),
		graph:     newSpyWriter(),
		runned:    make(chan struct{}),
	}

	h.engine = New(&Config{
		Store:     store,
		Source:    source,
		Detector:  h.detector,
		Processor: h.processor,
		Vector:    h.vector,
		Search:    h.search,
		Graph:     h.graph,
		Logger:    testLogger(),
		Workers:   2,
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	go func() {
		defer close(h.runned)
		_ = h.engine.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-h.runned:
		case <-time.After(10 * time.Second):
			t.Error("engine did not stop")
		}
	})

	// Wait out the startup pass so only the test's own SyncNow calls
	// see the files it stages.
	h.syncNow(t)

	return h
}

func (h *harness) syncNow(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, h.engine.SyncNow(ctx))
}

func (h *harness) docState(t *testing.T, docID string) *state.DocumentState {
	t.Helper()

	doc, err := h.store.GetDocumentState(context.Background(), docID)
	require.NoError(t, err)

	return doc
}

func (h *harness) config(t *testing.T) *state.DatasourceConfig {
	t.Helper()

	cfg, err := h.store.GetConfig(context.Background(), h.source.ConfigID)
	require.NoError(t, err)

	return cfg
}

func hashOf(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func TestNewFileAppears(t *testing.T) {
	h := newHarness(t, nil)

	h.detector.put("/data/a.txt", "hello", time.UnixMicro(1_700_000_000_000_000))
	h.syncNow(t)

	docID := "cfg-1:/data/a.txt"

	doc := h.docState(t, docID)
	require.NotNil(t, doc)
	assert.Equal(t, hashOf("hello"), doc.ContentHash)
	assert.False(t, doc.VectorSyncedAt.IsZero())
	assert.False(t, doc.SearchSyncedAt.IsZero())
	assert.False(t, doc.GraphSyncedAt.IsZero())

	assert.Equal(t, 1, h.vector.upsertCount(docID))
	assert.Equal(t, 1, h.search.upsertCount(docID))
	assert.Equal(t, 1, h.graph.upsertCount(docID))

	cfg := h.config(t)
	assert.Equal(t, state.StatusIdle, cfg.SyncStatus)
	assert.Equal(t, doc.Ordinal, cfg.LastSyncOrdinal)
	assert.Empty(t, cfg.LastError)
}

func TestTimestampOnlyTouch(t *testing.T) {
	h := newHarness(t, nil)

	h.detector.put("/data/a.txt", "hello", time.UnixMicro(1_700_000_000_000_000))
	h.syncNow(t)

	docID := "cfg-1:/data/a.txt"
	before := h.docState(t, docID)

	h.detector.touch("/data/a.txt", time.UnixMicro(1_700_000_001_000_000))
	h.syncNow(t)

	after := h.docState(t, docID)
	assert.Greater(t, after.Ordinal, before.Ordinal)
	assert.Equal(t, before.ContentHash, after.ContentHash)

	// No additional writer or processor invocations.
	assert.Equal(t, 1, h.vector.upsertCount(docID))
	assert.Equal(t, 1, h.search.upsertCount(docID))
	assert.Equal(t, 1, h.graph.upsertCount(docID))
	assert.Equal(t, 1, h.processor.callCount())
}

func TestContentChange(t *testing.T) {
	h := newHarness(t, nil)

	h.detector.put("/data/a.txt", "hello", time.UnixMicro(1_700_000_000_000_000))
	h.syncNow(t)

	docID := "cfg-1:/data/a.txt"
	before := h.docState(t, docID)

	h.detector.put("/data/a.txt", "world", time.UnixMicro(1_700_000_002_000_000))
	h.syncNow(t)

	after := h.docState(t, docID)
	assert.Equal(t, hashOf("world"), after.ContentHash)
	assert.Greater(t, after.Ordinal, before.Ordinal)

	assert.Equal(t, 2, h.vector.upsertCount(docID))
	assert.Equal(t, 2, h.search.upsertCount(docID))
	assert.Equal(t, 2, h.graph.upsertCount(docID))
}

func TestDelete(t *testing.T) {
	h := newHarness(t, nil)

	h.detector.put("/data/a.txt", "hello", time.UnixMicro(1_700_000_000_000_000))
	h.syncNow(t)

	docID := "cfg-1:/data/a.txt"
	require.NotNil(t, h.docState(t, docID))

	h.detector.remove("/data/a.txt")
	h.syncNow(t)

	assert.Nil(t, h.docState(t, docID))
	assert.Equal(t, 1, h.vector.deleteCount(docID))
	assert.Equal(t, 1, h.search.deleteCount(docID))
	assert.Equal(t, 1, h.graph.deleteCount(docID))
}

func TestPartialFailureRecovery(t *testing.T) {
	h := newHarness(t, nil)

	h.vector.failTimes(1)
	h.detector.put("/data/a.txt", "hello", time.UnixMicro(1_700_000_000_000_000))
	h.syncNow(t)

	docID := "cfg-1:/data/a.txt"

	doc := h.docState(t, docID)
	require.NotNil(t, doc)
	assert.True(t, doc.VectorSyncedAt.IsZero())
	assert.False(t, doc.SearchSyncedAt.IsZero())
	assert.False(t, doc.GraphSyncedAt.IsZero())
	assert.NotEmpty(t, h.config(t).LastError)

	// Next pass retries only the failed target.
	h.syncNow(t)

	doc = h.docState(t, docID)
	assert.False(t, doc.VectorSyncedAt.IsZero())
	assert.Equal(t, 2, h.vector.upsertCount(docID))
	assert.Equal(t, 1, h.search.upsertCount(docID))
	assert.Equal(t, 1, h.graph.upsertCount(docID))
	assert.Empty(t, h.config(t).LastError)
}

func TestDeleteTerminality(t *testing.T) {
	h := newHarness(t, nil)

	h.detector.put("/data/a.txt", "hello", time.UnixMicro(1_700_000_000_000_000))
	h.syncNow(t)

	first := h.docState(t, "cfg-1:/data/a.txt")

	h.detector.remove("/data/a.txt")
	h.syncNow(t)

	// Re-create the same path: fresh row, strictly greater ordinal.
	h.detector.put("/data/a.txt", "hello again", time.UnixMicro(1_700_000_005_000_000))
	h.syncNow(t)

	fresh := h.docState(t, "cfg-1:/data/a.txt")
	require.NotNil(t, fresh)
	assert.Greater(t, fresh.Ordinal, first.Ordinal)
	assert.Equal(t, hashOf("hello again"), fresh.ContentHash)
}

func TestIdempotentEventRedelivery(t *testing.T) {
	h := newHarness(t, nil)

	mtime := time.UnixMicro(1_700_000_000_000_000)
	h.detector.put("/data/a.txt", "hello", mtime)

	meta := detect.FileMetadata{Path: "/data/a.txt", Modified: mtime, Size: 5}
	for range 3 {
		h.detector.emit(detect.Event{Type: detect.ChangeUpdate, Meta: meta, ReceivedAt: time.Now()})
	}

	docID := "cfg-1:/data/a.txt"

	require.Eventually(t, func() bool {
		doc := h.docState(t, docID)
		return doc != nil && doc.TargetsComplete(false)
	}, 10*time.Second, 20*time.Millisecond)

	h.syncNow(t) // drain any remaining lane work

	// Redelivery collapses to a single set of index writes.
	assert.Equal(t, 1, h.vector.upsertCount(docID))
	assert.Equal(t, 1, h.search.upsertCount(docID))
	assert.Equal(t, 1, h.graph.upsertCount(docID))
	assert.Equal(t, 1, h.processor.callCount())
}

func TestMonotoneOrdinals(t *testing.T) {
	h := newHarness(t, nil)

	var ordinals []int64

	for i, content := range []string{"one", "two", "three"} {
		h.detector.put("/data/a.txt", content, time.UnixMicro(int64(1_700_000_000_000_000+i)))
		h.syncNow(t)

		doc := h.docState(t, "cfg-1:/data/a.txt")
		require.NotNil(t, doc)

		ordinals = append(ordinals, doc.Ordinal)
	}

	for i := 1; i < len(ordinals); i++ {
		assert.Greater(t, ordinals[i], ordinals[i-1])
	}
}

func TestSkipGraph(t *testing.T) {
	h := newHarness(t, func(cfg *state.DatasourceConfig) {
		cfg.SkipGraph = true
	})

	h.detector.put("/data/a.txt", "hello", time.UnixMicro(1_700_000_000_000_000))
	h.syncNow(t)

	docID := "cfg-1:/data/a.txt"

	doc := h.docState(t, docID)
	require.NotNil(t, doc)
	assert.True(t, doc.GraphSyncedAt.IsZero())
	assert.True(t, doc.TargetsComplete(true))
	assert.Zero(t, h.graph.upsertCount(docID))

	// A later pass must not treat the missing graph timestamp as a
	// partial sync.
	h.syncNow(t)
	assert.Equal(t, 1, h.vector.upsertCount(docID))
}

func TestResyncSentinel(t *testing.T) {
	h := newHarness(t, nil)

	h.detector.put("/data/keep.txt", "keep", time.UnixMicro(1_700_000_000_000_000))
	h.syncNow(t)

	// Stream loses continuity; meanwhile one file appears and one
	// disappears.
	h.detector.put("/data/new.txt", "new", time.UnixMicro(1_700_000_001_000_000))
	h.detector.remove("/data/keep.txt")

	h.detector.emit(detect.Event{Type: detect.ChangeResync, ReceivedAt: time.Now()})

	require.Eventually(t, func() bool {
		added := h.docState(t, "cfg-1:/data/new.txt")
		removed := h.docState(t, "cfg-1:/data/keep.txt")

		return added != nil && added.TargetsComplete(false) && removed == nil
	}, 10*time.Second, 20*time.Millisecond)

	assert.Equal(t, 1, h.vector.upsertCount("cfg-1:/data/new.txt"))
	assert.Equal(t, 1, h.vector.deleteCount("cfg-1:/data/keep.txt"))
}

func TestProcessorPermanentRejection(t *testing.T) {
	h := newHarness(t, nil)

	h.processor.failWith = fault.Fatal(errors.New("unsupported format"))
	h.detector.put("/data/bad.bin", "\x00\x01", time.UnixMicro(1_700_000_000_000_000))
	h.syncNow(t)

	docID := "cfg-1:/data/bad.bin"

	doc := h.docState(t, docID)
	require.NotNil(t, doc)
	assert.Equal(t, hashOf("\x00\x01"), doc.FailedHash)
	// The rejected row carries the ordinal allocated for the apply, so
	// per-config ordinals stay strictly increasing.
	assert.Positive(t, doc.Ordinal)
	assert.NotEmpty(t, h.config(t).LastError)
	assert.Zero(t, h.vector.upsertCount(docID))

	// Unchanged bytes are suppressed: no further processor calls.
	calls := h.processor.callCount()
	h.syncNow(t)
	assert.Equal(t, calls, h.processor.callCount())

	// Changed bytes clear the suppression.
	h.processor.failWith = nil
	h.detector.put("/data/bad.bin", "now fine", time.UnixMicro(1_700_000_002_000_000))
	h.syncNow(t)

	doc = h.docState(t, docID)
	assert.Empty(t, doc.FailedHash)
	assert.Equal(t, hashOf("now fine"), doc.ContentHash)
	assert.Equal(t, 1, h.vector.upsertCount(docID))
}

func TestLoadNotFoundReroutesToDelete(t *testing.T) {
	h := newHarness(t, nil)

	h.detector.put("/data/a.txt", "hello", time.UnixMicro(1_700_000_000_000_000))
	h.syncNow(t)

	docID := "cfg-1:/data/a.txt"
	require.NotNil(t, h.docState(t, docID))

	// The file vanishes between the event and the load.
	h.detector.remove("/data/a.txt")
	h.detector.emit(detect.Event{
		Type:       detect.ChangeUpdate,
		Meta:       detect.FileMetadata{Path: "/data/a.txt", Modified: time.UnixMicro(1_700_000_003_000_000)},
		ReceivedAt: time.Now(),
	})

	require.Eventually(t, func() bool {
		return h.docState(t, docID) == nil
	}, 10*time.Second, 20*time.Millisecond)

	assert.Equal(t, 1, h.vector.deleteCount(docID))
}
