package engine

import (
	"sync"

	"github.com/flexrag/syncd/internal/detect"
)

// laneSet serializes events per doc_id: events for the same document
// apply strictly in arrival order, while distinct documents dispatch to
// workers in parallel. This is the "actor per key" shape — a map of
// per-doc queues and a FIFO of dispatchable lanes, never a global lock
// around apply.
type laneSet struct {
	mu   sync.Mutex
	cond *sync.Cond

	queues map[string][]detect.Event
	active map[string]bool
	order  []string // FIFO of lanes with a pending head and no active apply
	closed bool
}

func newLaneSet() *laneSet {
	ls := &laneSet{
		queues: make(map[string][]detect.Event),
		active: make(map[string]bool),
	}
	ls.cond = sync.NewCond(&ls.mu)

	return ls
}

// Enqueue appends an event to the document's lane. Consecutive events
// of the same type collapse into the newest one — a burst of updates
// needs only the last apply — but a delete is never merged away.
func (ls *laneSet) Enqueue(docID string, ev detect.Event) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.closed {
		return
	}

	queue := ls.queues[docID]
	wasEmpty := len(queue) == 0

	if n := len(queue); n > 0 && queue[n-1].Type == ev.Type && ev.Type != detect.ChangeDelete {
		queue[n-1] = ev
	} else {
		queue = append(queue, ev)
	}

	ls.queues[docID] = queue

	if !ls.active[docID] && wasEmpty {
		ls.order = append(ls.order, docID)
		ls.cond.Broadcast()
	}
}

// Next blocks until a lane is dispatchable and claims it. The caller
// must call Done with the same docID after applying. Returns ok=false
// after Close.
func (ls *laneSet) Next() (docID string, ev detect.Event, ok bool) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for len(ls.order) == 0 && !ls.closed {
		ls.cond.Wait()
	}

	if ls.closed {
		return "", detect.Event{}, false
	}

	docID = ls.order[0]
	ls.order = ls.order[1:]
	ls.active[docID] = true

	queue := ls.queues[docID]
	ev = queue[0]
	ls.queues[docID] = queue[1:]

	return docID, ev, true
}

// Done releases a lane after an apply. If more events queued up while
// the apply ran, the lane re-enters the dispatch order; otherwise it is
// removed entirely.
func (ls *laneSet) Done(docID string) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	delete(ls.active, docID)

	if len(ls.queues[docID]) > 0 {
		ls.order = append(ls.order, docID)
	} else {
		delete(ls.queues, docID)
	}

	ls.cond.Broadcast()
}

// Wait blocks until every lane has drained: no queued events and no
// active applies. Used by reconciliation passes to observe their own
// completion.
func (ls *laneSet) Wait() {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for !ls.closed && (len(ls.queues) > 0 || len(ls.active) > 0) {
		ls.cond.Wait()
	}
}

// Close wakes all waiters; subsequent Next calls return ok=false and
// Enqueue becomes a no-op.
func (ls *laneSet) Close() {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	ls.closed = true
	ls.cond.Broadcast()
}
