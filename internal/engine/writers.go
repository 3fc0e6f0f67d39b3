package engine

import (
	"context"
	"encoding/json"
)

// IndexPayload is the processor's output, split by target. The engine
// treats every part as opaque and hands it to the matching writer
// verbatim.
type IndexPayload struct {
	Vector json.RawMessage
	Search json.RawMessage
	Graph  json.RawMessage
}

// DocMeta identifies the document being processed.
type DocMeta struct {
	DocID      string
	SourcePath string
	SourceID   string
}

// Processor converts raw document bytes into index-ready parts. It is
// an external collaborator; errors must be classified through the fault
// package (fault.Fatal for unsupported or unparseable content,
// fault.Transient for recoverable failures).
type Processor interface {
	Process(ctx context.Context, data []byte, meta DocMeta) (*IndexPayload, error)
}

// VectorWriter upserts embeddings keyed by doc_id. Calls must be
// idempotent; delete of an unknown doc_id succeeds.
type VectorWriter interface {
	Upsert(ctx context.Context, docID string, part json.RawMessage) error
	Delete(ctx context.Context, docID string) error
}

// SearchWriter upserts full-text documents keyed by doc_id, with the
// same idempotence contract as VectorWriter.
type SearchWriter interface {
	Upsert(ctx context.Context, docID string, part json.RawMessage) error
	Delete(ctx context.Context, docID string) error
}

// GraphWriter replaces the subgraph tagged by doc_id as one logical
// operation (delete-then-insert), and deletes it on document removal.
type GraphWriter interface {
	Replace(ctx context.Context, docID string, part json.RawMessage) error
	Delete(ctx context.Context, docID string) error
}
