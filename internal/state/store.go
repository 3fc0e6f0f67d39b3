// Package state is the durable home of datasource configurations and
// per-document sync state. All cross-component coordination goes
// through it: engines record applies, the supervisor reads active
// configs, and reconciliation joins live listings against it.
//
// The store is a single SQLite database in WAL mode with one writable
// connection (sole-writer pattern), so statements run one at a time
// without row locks. A read-check-write sequence on one doc_id is kept
// in order by the engine's per-doc_id lanes, not by the store.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"

	"github.com/flexrag/syncd/internal/fault"
)

// ErrConfigNotFound is returned by GetConfig for an unknown config_id.
var ErrConfigNotFound = errors.New("state: config not found")

// Store provides transactional access to the datasource_config and
// document_state tables.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// lastOrdinal caches the high-water ordinal per config so
	// AllocateOrdinal stays monotonic under wall-clock regression.
	ordinalMu   sync.Mutex
	lastOrdinal map[string]int64

	nowFunc func() time.Time // injectable for deterministic tests
}

// Open opens (or creates) the state database at dbPath and runs all
// pending schema migrations.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fault.Fatal(fmt.Errorf("state: opening database %s: %w", dbPath, err))
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, fault.Fatal(err)
	}

	logger.Info("state store opened", slog.String("db_path", dbPath))

	return &Store{
		db:          db,
		logger:      logger,
		lastOrdinal: make(map[string]int64),
		nowFunc:     time.Now,
	}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// classify wraps database errors into the fault taxonomy. SQLITE_BUSY
// and interrupt-style failures are worth retrying; everything else is
// surfaced as fatal so the supervisor disables the source rather than
// spinning.
func classify(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fault.Transient(err)
	}

	msg := err.Error()
	for _, transient := range []string{"database is locked", "busy", "interrupted"} {
		if strings.Contains(msg, transient) {
			return fault.Transient(err)
		}
	}

	return fault.Fatal(err)
}

// ---------------------------------------------------------------------------
// Datasource configs
// ---------------------------------------------------------------------------

const configSelectCols = `SELECT config_id, project_id, source_type, source_name,
	connection_params, refresh_interval_seconds, enable_change_stream,
	skip_graph, is_active, sync_status, last_sync_ordinal,
	last_sync_completed_at, last_error, created_at, updated_at
 FROM datasource_config `

// ListActiveConfigs returns every config with is_active=1, ordered by
// creation time.
func (s *Store) ListActiveConfigs(ctx context.Context) ([]*DatasourceConfig, error) {
	return s.queryConfigs(ctx, configSelectCols+`WHERE is_active = 1 ORDER BY created_at`)
}

// ListConfigs returns every config regardless of active flag.
func (s *Store) ListConfigs(ctx context.Context) ([]*DatasourceConfig, error) {
	return s.queryConfigs(ctx, configSelectCols+`ORDER BY created_at`)
}

func (s *Store) queryConfigs(ctx context.Context, query string, args ...any) ([]*DatasourceConfig, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("state: listing configs: %w", err))
	}
	defer rows.Close()

	var configs []*DatasourceConfig

	for rows.Next() {
		cfg, scanErr := scanConfig(rows)
		if scanErr != nil {
			return nil, classify(scanErr)
		}

		configs = append(configs, cfg)
	}

	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("state: iterating configs: %w", err))
	}

	return configs, nil
}

// GetConfig returns the config for configID, or ErrConfigNotFound.
func (s *Store) GetConfig(ctx context.Context, configID string) (*DatasourceConfig, error) {
	row := s.db.QueryRowContext(ctx, configSelectCols+`WHERE config_id = ?`, configID)

	cfg, err := scanConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("state: %w: %s", ErrConfigNotFound, configID)
	}

	if err != nil {
		return nil, classify(err)
	}

	return cfg, nil
}

// UpsertConfig inserts or replaces a datasource configuration and
// returns its config_id. Engine-owned columns (status, ordinal, error)
// are preserved on update.
func (s *Store) UpsertConfig(ctx context.Context, cfg *DatasourceConfig) (string, error) {
	now := s.nowFunc().UnixMicro()

	if cfg.SyncStatus == "" {
		cfg.SyncStatus = StatusIdle
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO datasource_config
		(config_id, project_id, source_type, source_name, connection_params,
		 refresh_interval_seconds, enable_change_stream, skip_graph, is_active,
		 sync_status, last_sync_ordinal, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(config_id) DO UPDATE SET
		 project_id = excluded.project_id,
		 source_type = excluded.source_type,
		 source_name = excluded.source_name,
		 connection_params = excluded.connection_params,
		 refresh_interval_seconds = excluded.refresh_interval_seconds,
		 enable_change_stream = excluded.enable_change_stream,
		 skip_graph = excluded.skip_graph,
		 is_active = excluded.is_active,
		 updated_at = excluded.updated_at`,
		cfg.ConfigID, cfg.ProjectID, string(cfg.SourceType), cfg.SourceName,
		string(cfg.ConnectionParams), cfg.RefreshIntervalSeconds,
		boolToInt(cfg.EnableChangeStream), boolToInt(cfg.SkipGraph),
		boolToInt(cfg.IsActive), string(cfg.SyncStatus), now, now,
	)
	if err != nil {
		return "", classify(fmt.Errorf("state: upserting config %s: %w", cfg.ConfigID, err))
	}

	return cfg.ConfigID, nil
}

// DeleteConfig removes a datasource configuration and its document
// state rows. Already-indexed documents are left in the downstream
// indexes; only monitoring state is dropped.
func (s *Store) DeleteConfig(ctx context.Context, configID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("state: begin delete config: %w", err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM document_state WHERE config_id = ?`, configID); err != nil {
		return classify(fmt.Errorf("state: deleting document state for %s: %w", configID, err))
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM datasource_config WHERE config_id = ?`, configID); err != nil {
		return classify(fmt.Errorf("state: deleting config %s: %w", configID, err))
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("state: commit delete config: %w", err))
	}

	return nil
}

// SetActive flips the is_active flag without touching other columns.
func (s *Store) SetActive(ctx context.Context, configID string, active bool) error {
	now := s.nowFunc().UnixMicro()

	_, err := s.db.ExecContext(ctx,
		`UPDATE datasource_config SET is_active = ?, updated_at = ? WHERE config_id = ?`,
		boolToInt(active), now, configID)
	if err != nil {
		return classify(fmt.Errorf("state: setting active for %s: %w", configID, err))
	}

	return nil
}

// UpdateConfigStatus atomically records the engine's view of a sync
// pass: status, optional high-water ordinal, and optional error text.
// The ordinal is monotone — a smaller value than the stored one is
// ignored. Passing a non-nil empty errText clears last_error.
func (s *Store) UpdateConfigStatus(
	ctx context.Context, configID string, status SyncStatus, ordinal int64, errText *string,
) error {
	now := s.nowFunc().UnixMicro()

	query := `UPDATE datasource_config SET sync_status = ?, updated_at = ?`
	args := []any{string(status), now}

	if ordinal > 0 {
		query += `, last_sync_ordinal = MAX(last_sync_ordinal, ?), last_sync_completed_at = ?`
		args = append(args, ordinal, now)
	}

	if errText != nil {
		query += `, last_error = ?`
		args = append(args, nullString(*errText))
	}

	query += ` WHERE config_id = ?`
	args = append(args, configID)

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return classify(fmt.Errorf("state: updating status for %s: %w", configID, err))
	}

	return nil
}

func scanConfig(row interface{ Scan(...any) error }) (*DatasourceConfig, error) {
	var (
		cfg                        DatasourceConfig
		sourceType, status, params string
		stream, skipGraph, active  int
		completedAt                sql.NullInt64
		lastError                  sql.NullString
		createdAt, updatedAt       int64
	)

	err := row.Scan(
		&cfg.ConfigID, &cfg.ProjectID, &sourceType, &cfg.SourceName, &params,
		&cfg.RefreshIntervalSeconds, &stream, &skipGraph, &active, &status,
		&cfg.LastSyncOrdinal, &completedAt, &lastError, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("state: scanning config row: %w", err)
	}

	cfg.SourceType = SourceType(sourceType)
	cfg.SyncStatus = SyncStatus(status)
	cfg.ConnectionParams = json.RawMessage(params)
	cfg.EnableChangeStream = stream != 0
	cfg.SkipGraph = skipGraph != 0
	cfg.IsActive = active != 0
	cfg.LastError = lastError.String
	cfg.CreatedAt = time.UnixMicro(createdAt)
	cfg.UpdatedAt = time.UnixMicro(updatedAt)

	if completedAt.Valid {
		cfg.LastSyncCompletedAt = time.UnixMicro(completedAt.Int64)
	}

	return &cfg, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}

	return sql.NullString{String: s, Valid: true}
}

func nullMicros(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: t.UnixMicro(), Valid: true}
}
