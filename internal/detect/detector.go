// Package detect translates source-specific change notifications into a
// uniform event stream and snapshot enumeration. One detector variant
// exists per source type; the engine and supervisor depend only on the
// Detector interface and never see a source SDK.
package detect

import (
	"context"
	"time"
)

// ChangeType classifies a change event.
type ChangeType int

// Change event types. Resync is a sentinel: the detector lost stream
// continuity (expired page token, change-feed gap) and the engine must
// run a full reconciliation pass.
const (
	ChangeCreate ChangeType = iota
	ChangeUpdate
	ChangeDelete
	ChangeResync
)

// String returns the lowercase name of the change type.
func (t ChangeType) String() string {
	switch t {
	case ChangeCreate:
		return "create"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	case ChangeResync:
		return "resync"
	default:
		return "unknown"
	}
}

// FileMetadata describes one item at the source. Path is the logical
// path used to build the doc_id; SourceID is the source-native opaque
// identifier when the source has one (cloud file ID, node ID).
// Modified and Size are advisory and may be zero.
type FileMetadata struct {
	Path     string
	SourceID string
	Modified time.Time
	Size     int64
}

// Event is one change notification. Delivery is at-least-once; the
// engine deduplicates against the state store. Ack, when non-nil, is
// invoked by the engine after the event's effect is committed (SQS
// message delete, Pub/Sub ack).
type Event struct {
	Type       ChangeType
	Meta       FileMetadata
	ReceivedAt time.Time
	Ack        func()
}

// Detector is the uniform capability set over one external source.
//
// Start allocates resources and returns the event stream. A nil channel
// with a nil error means the source runs in periodic-only mode (event
// mechanism not configured or unavailable); the detector logs that
// downgrade exactly once. A fault.Fatal error means the source cannot
// be monitored at all (bad credentials, unreachable endpoint) and the
// supervisor marks the config as errored.
//
// The returned channel is closed when Stop is called or the context is
// canceled; no events are emitted afterwards.
type Detector interface {
	Start(ctx context.Context) (<-chan Event, error)
	Stop() error

	// ListAll streams the current snapshot of items matching the
	// configured filter to fn, without buffering the full remote
	// listing. Returning an error from fn aborts the enumeration.
	ListAll(ctx context.Context, fn func(FileMetadata) error) error

	// Load returns the current bytes of the document identified by
	// meta. Returns fault.ErrNotFound when the document disappeared
	// between event and load, or a fault.Transient error when the read
	// should be retried.
	Load(ctx context.Context, meta FileMetadata) ([]byte, error)
}

// eventBufSize is the channel buffer for detector event streams. Large
// enough to absorb notification bursts while the engine drains lanes.
const eventBufSize = 1024

// newEvent builds an Event stamped with the local wall clock.
func newEvent(t ChangeType, meta FileMetadata) Event {
	return Event{Type: t, Meta: meta, ReceivedAt: time.Now()}
}
