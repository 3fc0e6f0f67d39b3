package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const documentSelectCols = `SELECT doc_id, config_id, source_path, source_id,
	ordinal, content_hash, modified_timestamp, failed_hash,
	vector_synced_at, search_synced_at, graph_synced_at,
	created_at, updated_at
 FROM document_state `

// GetDocumentState returns the row for docID, or nil when the document
// has never been applied.
func (s *Store) GetDocumentState(ctx context.Context, docID string) (*DocumentState, error) {
	row := s.db.QueryRowContext(ctx, documentSelectCols+`WHERE doc_id = ?`, docID)

	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, classify(err)
	}

	return doc, nil
}

// GetDocumentBySourceID returns the row matching a source-native ID, or
// nil. Used to resolve deletes from sources that report only an opaque
// ID once the path is no longer observable.
func (s *Store) GetDocumentBySourceID(ctx context.Context, configID, sourceID string) (*DocumentState, error) {
	if sourceID == "" {
		return nil, nil
	}

	row := s.db.QueryRowContext(ctx,
		documentSelectCols+`WHERE config_id = ? AND source_id = ?`, configID, sourceID)

	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, classify(err)
	}

	return doc, nil
}

// ForEachDocumentState streams every row for configID to fn in ordinal
// order. The result set is iterated row by row, never materialized, so
// reconciliation over large sources runs in bounded memory. Returning
// an error from fn stops the iteration and propagates the error.
func (s *Store) ForEachDocumentState(
	ctx context.Context, configID string, fn func(*DocumentState) error,
) error {
	rows, err := s.db.QueryContext(ctx,
		documentSelectCols+`WHERE config_id = ? ORDER BY ordinal`, configID)
	if err != nil {
		return classify(fmt.Errorf("state: listing document state for %s: %w", configID, err))
	}
	defer rows.Close()

	for rows.Next() {
		doc, scanErr := scanDocument(rows)
		if scanErr != nil {
			return classify(scanErr)
		}

		if err := fn(doc); err != nil {
			return err
		}
	}

	if err := rows.Err(); err != nil {
		return classify(fmt.Errorf("state: iterating document state: %w", err))
	}

	return nil
}

// CommitApply inserts or updates the row for docID after an apply.
// Per-target timestamps follow the ApplyResult: Synced stamps now,
// Failed clears the column (owing a retry), Skipped preserves whatever
// the row already holds. Every commit, full or partial, also clears
// any recorded permanent-failure hash.
func (s *Store) CommitApply(
	ctx context.Context, doc *DocumentState, result ApplyResult,
) error {
	now := s.nowFunc().UnixMicro()

	_, err := s.db.ExecContext(ctx, `INSERT INTO document_state
		(doc_id, config_id, source_path, source_id, ordinal, content_hash,
		 modified_timestamp, failed_hash,
		 vector_synced_at, search_synced_at, graph_synced_at,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET
		 source_id = excluded.source_id,
		 ordinal = excluded.ordinal,
		 content_hash = excluded.content_hash,
		 modified_timestamp = excluded.modified_timestamp,
		 failed_hash = NULL,
		 vector_synced_at = CASE ? WHEN 0 THEN vector_synced_at WHEN 1 THEN NULL ELSE ? END,
		 search_synced_at = CASE ? WHEN 0 THEN search_synced_at WHEN 1 THEN NULL ELSE ? END,
		 graph_synced_at  = CASE ? WHEN 0 THEN graph_synced_at  WHEN 1 THEN NULL ELSE ? END,
		 updated_at = excluded.updated_at`,
		doc.DocID, doc.ConfigID, doc.SourcePath, nullString(doc.SourceID),
		doc.Ordinal, doc.ContentHash, nullMicros(doc.Modified),
		targetStamp(result.Vector, now), targetStamp(result.Search, now),
		targetStamp(result.Graph, now), now, now,
		int(result.Vector), targetStamp(result.Vector, now),
		int(result.Search), targetStamp(result.Search, now),
		int(result.Graph), targetStamp(result.Graph, now),
	)
	if err != nil {
		return classify(fmt.Errorf("state: committing apply for %s: %w", doc.DocID, err))
	}

	return nil
}

// TouchDocumentState advances only the ordinal, modified timestamp and
// updated_at of an existing row. This is the content-hash short-circuit
// path: the document's bytes did not change, so no writer ran and the
// per-target timestamps stay put.
func (s *Store) TouchDocumentState(ctx context.Context, doc *DocumentState) error {
	now := s.nowFunc().UnixMicro()

	_, err := s.db.ExecContext(ctx,
		`UPDATE document_state
		 SET ordinal = ?, modified_timestamp = ?, updated_at = ?
		 WHERE doc_id = ?`,
		doc.Ordinal, nullMicros(doc.Modified), now, doc.DocID)
	if err != nil {
		return classify(fmt.Errorf("state: touching %s: %w", doc.DocID, err))
	}

	return nil
}

// MarkDocumentFailed records a permanent per-document rejection: the
// processor refused these bytes, so events for the same content hash
// are suppressed until the content changes. The row's last successful
// state (if any) is retained, but the ordinal advances to the one
// allocated for this apply so per-config ordinals stay strictly
// increasing in commit order.
func (s *Store) MarkDocumentFailed(
	ctx context.Context, configID, docID, sourcePath, sourceID, failedHash string, ordinal int64,
) error {
	now := s.nowFunc().UnixMicro()

	_, err := s.db.ExecContext(ctx, `INSERT INTO document_state
		(doc_id, config_id, source_path, source_id, ordinal, content_hash,
		 failed_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, '', ?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET
		 failed_hash = excluded.failed_hash,
		 ordinal = excluded.ordinal,
		 updated_at = excluded.updated_at`,
		docID, configID, sourcePath, nullString(sourceID), ordinal, failedHash, now, now)
	if err != nil {
		return classify(fmt.Errorf("state: marking %s failed: %w", docID, err))
	}

	return nil
}

// CommitDelete removes the row for docID. Deleting an unknown doc_id is
// a no-op. History is not retained; a later CREATE for the same path
// starts a fresh row.
func (s *Store) CommitDelete(ctx context.Context, docID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM document_state WHERE doc_id = ?`, docID); err != nil {
		return classify(fmt.Errorf("state: committing delete for %s: %w", docID, err))
	}

	return nil
}

// AllocateOrdinal returns a microsecond timestamp strictly greater than
// every ordinal previously allocated for configID. Under wall-clock
// regression the previous value is advanced by one microsecond instead.
// The high-water mark is seeded from the table on first use per config.
func (s *Store) AllocateOrdinal(ctx context.Context, configID string) (int64, error) {
	s.ordinalMu.Lock()
	defer s.ordinalMu.Unlock()

	last, ok := s.lastOrdinal[configID]
	if !ok {
		var maxDoc, maxCfg sql.NullInt64

		err := s.db.QueryRowContext(ctx,
			`SELECT MAX(ordinal) FROM document_state WHERE config_id = ?`, configID).Scan(&maxDoc)
		if err != nil {
			return 0, classify(fmt.Errorf("state: seeding ordinal for %s: %w", configID, err))
		}

		err = s.db.QueryRowContext(ctx,
			`SELECT MAX(last_sync_ordinal) FROM datasource_config WHERE config_id = ?`, configID).Scan(&maxCfg)
		if err != nil {
			return 0, classify(fmt.Errorf("state: seeding ordinal for %s: %w", configID, err))
		}

		last = max(maxDoc.Int64, maxCfg.Int64)
	}

	ordinal := s.nowFunc().UnixMicro()
	if ordinal <= last {
		ordinal = last + 1
	}

	s.lastOrdinal[configID] = ordinal

	return ordinal, nil
}

func scanDocument(row interface{ Scan(...any) error }) (*DocumentState, error) {
	var (
		doc                    DocumentState
		sourceID, failedHash   sql.NullString
		modified               sql.NullInt64
		vecAt, srchAt, graphAt sql.NullInt64
		createdAt, updatedAt   int64
	)

	err := row.Scan(
		&doc.DocID, &doc.ConfigID, &doc.SourcePath, &sourceID,
		&doc.Ordinal, &doc.ContentHash, &modified, &failedHash,
		&vecAt, &srchAt, &graphAt, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("state: scanning document row: %w", err)
	}

	doc.SourceID = sourceID.String
	doc.FailedHash = failedHash.String
	doc.CreatedAt = microsToTime(createdAt)
	doc.UpdatedAt = microsToTime(updatedAt)

	if modified.Valid {
		doc.Modified = microsToTime(modified.Int64)
	}

	if vecAt.Valid {
		doc.VectorSyncedAt = microsToTime(vecAt.Int64)
	}

	if srchAt.Valid {
		doc.SearchSyncedAt = microsToTime(srchAt.Int64)
	}

	if graphAt.Valid {
		doc.GraphSyncedAt = microsToTime(graphAt.Int64)
	}

	return &doc, nil
}

func microsToTime(us int64) time.Time {
	return time.UnixMicro(us)
}

// targetStamp maps a TargetResult to the value stored in a synced_at
// column on insert: NULL unless the target succeeded.
func targetStamp(r TargetResult, now int64) sql.NullInt64 {
	if r == TargetSynced {
		return sql.NullInt64{Int64: now, Valid: true}
	}

	return sql.NullInt64{}
}
