package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexrag/syncd/internal/detect"
)

func TestLaneSerialization(t *testing.T) {
	ls := newLaneSet()

	ls.Enqueue("doc-a", detect.Event{Type: detect.ChangeCreate})
	ls.Enqueue("doc-a", detect.Event{Type: detect.ChangeDelete})

	docID, ev, ok := ls.Next()
	require.True(t, ok)
	assert.Equal(t, "doc-a", docID)
	assert.Equal(t, detect.ChangeCreate, ev.Type)

	// The same lane must not dispatch while an apply is active.
	other := make(chan string, 1)

	go func() {
		id, _, _ := ls.Next()
		other <- id
	}()

	ls.Enqueue("doc-b", detect.Event{Type: detect.ChangeCreate})

	select {
	case id := <-other:
		assert.Equal(t, "doc-b", id)
	case <-time.After(5 * time.Second):
		t.Fatal("doc-b never dispatched")
	}

	ls.Done("doc-b")
	ls.Done("doc-a")

	// doc-a's queued delete dispatches only after Done.
	docID, ev, ok = ls.Next()
	require.True(t, ok)
	assert.Equal(t, "doc-a", docID)
	assert.Equal(t, detect.ChangeDelete, ev.Type)

	ls.Done("doc-a")
	ls.Close()
}

func TestLaneCoalescing(t *testing.T) {
	ls := newLaneSet()

	// Claim the lane so later events queue behind the active apply.
	ls.Enqueue("doc-a", detect.Event{Type: detect.ChangeCreate})
	_, _, ok := ls.Next()
	require.True(t, ok)

	// An update burst collapses to the newest event; the delete
	// survives.
	ls.Enqueue("doc-a", detect.Event{Type: detect.ChangeUpdate, Meta: detect.FileMetadata{Size: 1}})
	ls.Enqueue("doc-a", detect.Event{Type: detect.ChangeUpdate, Meta: detect.FileMetadata{Size: 2}})
	ls.Enqueue("doc-a", detect.Event{Type: detect.ChangeDelete})

	ls.Done("doc-a")

	_, ev, ok := ls.Next()
	require.True(t, ok)
	assert.Equal(t, detect.ChangeUpdate, ev.Type)
	assert.Equal(t, int64(2), ev.Meta.Size)
	ls.Done("doc-a")

	_, ev, ok = ls.Next()
	require.True(t, ok)
	assert.Equal(t, detect.ChangeDelete, ev.Type)
	ls.Done("doc-a")

	ls.Close()

	_, _, ok = ls.Next()
	assert.False(t, ok)
}

func TestLaneWait(t *testing.T) {
	ls := newLaneSet()

	ls.Enqueue("doc-a", detect.Event{Type: detect.ChangeCreate})

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		docID, _, ok := ls.Next()
		require.True(t, ok)

		time.Sleep(50 * time.Millisecond)
		ls.Done(docID)
	}()

	done := make(chan struct{})

	go func() {
		ls.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait never returned")
	}

	wg.Wait()
	ls.Close()
}
