// Package bridge adapts the external collaborators — the document
// processor and the three index writers — over HTTP. Each collaborator
// is a small JSON service; the engine stays ignorant of where
// embeddings or graph triples actually land.
package bridge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/flexrag/syncd/internal/engine"
	"github.com/flexrag/syncd/internal/fault"
	"github.com/flexrag/syncd/internal/rest"
)

const bridgeHTTPTimeout = 120 * time.Second

// Processor posts document bytes to a processing service and returns
// its payload verbatim.
//
// Request:  POST /process {"doc_id", "source_path", "source_id", "content"(base64)}
// Response: {"vector": …, "search": …, "graph": …} with opaque parts.
type Processor struct {
	client *rest.Client
}

// NewProcessor creates a processor bridge rooted at baseURL.
func NewProcessor(baseURL string, logger *slog.Logger) *Processor {
	return &Processor{
		client: rest.NewClient(baseURL, &http.Client{Timeout: bridgeHTTPTimeout}, nil, logger),
	}
}

type processRequest struct {
	DocID      string `json:"doc_id"`
	SourcePath string `json:"source_path"`
	SourceID   string `json:"source_id,omitempty"`
	Content    string `json:"content"`
}

type processResponse struct {
	Vector json.RawMessage `json:"vector"`
	Search json.RawMessage `json:"search"`
	Graph  json.RawMessage `json:"graph"`
}

// Process implements engine.Processor. A 422 from the service is a
// permanent per-document rejection; everything else that fails is
// transient.
func (p *Processor) Process(ctx context.Context, data []byte, meta engine.DocMeta) (*engine.IndexPayload, error) {
	body, err := json.Marshal(processRequest{
		DocID:      meta.DocID,
		SourcePath: meta.SourcePath,
		SourceID:   meta.SourceID,
		Content:    base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return nil, fault.Fatal(fmt.Errorf("bridge: encoding process request: %w", err))
	}

	resp, err := p.client.Do(ctx, http.MethodPost, "/process", bytes.NewReader(body))
	if err != nil {
		var status *rest.StatusError
		if errors.As(err, &status) && status.StatusCode == http.StatusUnprocessableEntity {
			return nil, fault.Fatal(fmt.Errorf("bridge: document rejected: %w", err))
		}

		return nil, fault.Transient(fmt.Errorf("bridge: processing: %w", err))
	}
	defer resp.Body.Close()

	var out processResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fault.Transient(fmt.Errorf("bridge: decoding process response: %w", err))
	}

	return &engine.IndexPayload{
		Vector: out.Vector,
		Search: out.Search,
		Graph:  out.Graph,
	}, nil
}

// Writer is one HTTP index writer. Upsert/Replace PUT the payload part
// at /documents/{doc_id}; Delete issues DELETE there. A 404 on delete
// is success per the writer contract.
type Writer struct {
	client *rest.Client
}

// NewWriter creates a writer bridge rooted at baseURL.
func NewWriter(baseURL string, logger *slog.Logger) *Writer {
	return &Writer{
		client: rest.NewClient(baseURL, &http.Client{Timeout: bridgeHTTPTimeout}, nil, logger),
	}
}

func (w *Writer) put(ctx context.Context, docID string, part json.RawMessage) error {
	if part == nil {
		part = json.RawMessage("null")
	}

	resp, err := w.client.Do(ctx, http.MethodPut,
		"/documents/"+url.PathEscape(docID), bytes.NewReader(part))
	if err != nil {
		return fault.Transient(fmt.Errorf("bridge: upserting %s: %w", docID, err))
	}

	return resp.Body.Close()
}

// Upsert implements the vector and search writer shapes.
func (w *Writer) Upsert(ctx context.Context, docID string, part json.RawMessage) error {
	return w.put(ctx, docID, part)
}

// Replace implements the graph writer shape; the service owns the
// delete-then-insert atomicity of the subgraph swap.
func (w *Writer) Replace(ctx context.Context, docID string, part json.RawMessage) error {
	return w.put(ctx, docID, part)
}

// Delete removes the document from the index. Unknown doc_ids succeed.
func (w *Writer) Delete(ctx context.Context, docID string) error {
	resp, err := w.client.Do(ctx, http.MethodDelete, "/documents/"+url.PathEscape(docID), nil)
	if err != nil {
		if errors.Is(err, rest.ErrNotFound) {
			return nil
		}

		return fault.Transient(fmt.Errorf("bridge: deleting %s: %w", docID, err))
	}

	return resp.Body.Close()
}
