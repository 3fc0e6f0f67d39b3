package state

import (
	"encoding/json"
	"time"
)

// SourceType identifies which detector owns a datasource configuration.
type SourceType string

// Supported source types. The value is stored verbatim in the
// datasource_config.source_type column and matched by the detector
// factory.
const (
	SourceFilesystem  SourceType = "filesystem"
	SourceS3          SourceType = "s3"
	SourceAzureBlob   SourceType = "azure_blob"
	SourceGCS         SourceType = "gcs"
	SourceGoogleDrive SourceType = "google_drive"
	SourceAlfresco    SourceType = "alfresco"
	SourceBox         SourceType = "box"
	SourceMSGraph     SourceType = "msgraph"
)

// SyncStatus is the coarse per-datasource state machine: idle → syncing
// → idle on success, or → error when the supervisor disables the source.
type SyncStatus string

// Sync status values for datasource_config.sync_status.
const (
	StatusIdle    SyncStatus = "idle"
	StatusSyncing SyncStatus = "syncing"
	StatusError   SyncStatus = "error"
)

// DatasourceConfig is one monitored source. ConnectionParams is an
// opaque JSON bag interpreted only by the matching detector.
type DatasourceConfig struct {
	ConfigID               string
	ProjectID              string
	SourceType             SourceType
	SourceName             string
	ConnectionParams       json.RawMessage
	RefreshIntervalSeconds int
	EnableChangeStream     bool
	SkipGraph              bool
	IsActive               bool
	SyncStatus             SyncStatus
	LastSyncOrdinal        int64
	LastSyncCompletedAt    time.Time // zero when never completed
	LastError              string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// RefreshInterval returns the reconciliation cadence as a duration,
// clamped to a one-second floor.
func (c *DatasourceConfig) RefreshInterval() time.Duration {
	if c.RefreshIntervalSeconds < 1 {
		return time.Second
	}

	return time.Duration(c.RefreshIntervalSeconds) * time.Second
}

// DocumentState is one observed (datasource, document) pair. DocID is
// "<config_id>:<source_path>" and is also the key used against all
// three index writers.
type DocumentState struct {
	DocID       string
	ConfigID    string
	SourcePath  string
	SourceID    string
	Ordinal     int64
	ContentHash string
	Modified    time.Time // source-reported; zero when unknown
	FailedHash  string    // content hash the processor permanently rejected

	VectorSyncedAt time.Time // zero means the target is owed a retry
	SearchSyncedAt time.Time
	GraphSyncedAt  time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TargetsComplete reports whether every required index target has a
// success timestamp. The graph target is not required when the owning
// config sets skip_graph.
func (d *DocumentState) TargetsComplete(skipGraph bool) bool {
	if d.VectorSyncedAt.IsZero() || d.SearchSyncedAt.IsZero() {
		return false
	}

	return skipGraph || !d.GraphSyncedAt.IsZero()
}

// TargetResult is the per-writer outcome of one apply.
type TargetResult int

// Apply outcomes per index target. Skipped preserves the row's existing
// timestamp (the target was not attempted); Failed clears it so the
// reconciler retries; Synced stamps it with the commit time.
const (
	TargetSkipped TargetResult = iota
	TargetFailed
	TargetSynced
)

// ApplyResult carries the per-target outcomes of one CREATE/UPDATE
// apply into CommitApply.
type ApplyResult struct {
	Vector TargetResult
	Search TargetResult
	Graph  TargetResult
}

// DocID builds the globally unique document key for a path within a
// datasource.
func DocID(configID, sourcePath string) string {
	return configID + ":" + sourcePath
}
