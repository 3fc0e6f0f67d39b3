package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/flexrag/syncd/internal/detect"
	"github.com/flexrag/syncd/internal/fault"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDetector is an in-memory source: a mutable path→content map with
// per-path modification times, plus an injectable event stream.
type fakeDetector struct {
	mu       sync.Mutex
	contents map[string]string
	mtimes   map[string]time.Time
	ids      map[string]string

	events chan detect.Event
}

func newFakeDetector() *fakeDetector {
	return &fakeDetector{
		contents: make(map[string]string),
		mtimes:   make(map[string]time.Time),
		ids:      make(map[string]string),
		events:   make(chan detect.Event, 64),
	}
}

func (d *fakeDetector) put(path, content string, mtime time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.contents[path] = content
	d.mtimes[path] = mtime
}

func (d *fakeDetector) remove(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.contents, path)
	delete(d.mtimes, path)
}

func (d *fakeDetector) touch(path string, mtime time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.mtimes[path] = mtime
}

func (d *fakeDetector) emit(ev detect.Event) {
	d.events <- ev
}

func (d *fakeDetector) Start(context.Context) (<-chan detect.Event, error) {
	return d.events, nil
}

func (d *fakeDetector) Stop() error { return nil }

func (d *fakeDetector) ListAll(_ context.Context, fn func(detect.FileMetadata) error) error {
	d.mu.Lock()
	metas := make([]detect.FileMetadata, 0, len(d.contents))

	for path, content := range d.contents {
		metas = append(metas, detect.FileMetadata{
			Path:     path,
			SourceID: d.ids[path],
			Modified: d.mtimes[path],
			Size:     int64(len(content)),
		})
	}
	d.mu.Unlock()

	for _, meta := range metas {
		if err := fn(meta); err != nil {
			return err
		}
	}

	return nil
}

func (d *fakeDetector) Load(_ context.Context, meta detect.FileMetadata) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	content, ok := d.contents[meta.Path]
	if !ok {
		return nil, fault.ErrNotFound
	}

	return []byte(content), nil
}

// fakeProcessor produces a deterministic payload and counts
// invocations. failWith, when set, is returned for every call.
type fakeProcessor struct {
	mu       sync.Mutex
	calls    int
	failWith error
}

func (p *fakeProcessor) Process(_ context.Context, data []byte, meta DocMeta) (*IndexPayload, error) {
	p.mu.Lock()
	p.calls++
	failWith := p.failWith
	p.mu.Unlock()

	if failWith != nil {
		return nil, failWith
	}

	part, _ := json.Marshal(map[string]string{"doc": meta.DocID, "len": fmt.Sprint(len(data))})

	return &IndexPayload{Vector: part, Search: part, Graph: part}, nil
}

func (p *fakeProcessor) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.calls
}

// spyWriter records upsert/delete calls per doc_id and can be primed to
// fail a number of times.
type spyWriter struct {
	mu       sync.Mutex
	upserts  map[string]int
	deletes  map[string]int
	failNext int
	failErr  error
}

func newSpyWriter() *spyWriter {
	return &spyWriter{
		upserts: make(map[string]int),
		deletes: make(map[string]int),
		failErr: fault.Transient(errors.New("writer unavailable")),
	}
}

func (w *spyWriter) failTimes(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.failNext = n
}

func (w *spyWriter) write(counts map[string]int, docID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	counts[docID]++

	if w.failNext > 0 {
		w.failNext--
		return w.failErr
	}

	return nil
}

func (w *spyWriter) Upsert(_ context.Context, docID string, _ json.RawMessage) error {
	return w.write(w.upserts, docID)
}

func (w *spyWriter) Replace(_ context.Context, docID string, _ json.RawMessage) error {
	return w.write(w.upserts, docID)
}

func (w *spyWriter) Delete(_ context.Context, docID string) error {
	return w.write(w.deletes, docID)
}

func (w *spyWriter) upsertCount(docID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.upserts[docID]
}

func (w *spyWriter) deleteCount(docID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.deletes[docID]
}

func (w *spyWriter) totalUpserts() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	total := 0
	for _, n := range w.upserts {
		total += n
	}

	return total
}
