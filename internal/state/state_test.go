package state

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestStore creates a Store backed by a temp-dir database.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "state.db"), testLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	return store
}

func makeTestConfig(id string) *DatasourceConfig {
	return &DatasourceConfig{
		ConfigID:               id,
		ProjectID:              "default",
		SourceType:             SourceFilesystem,
		SourceName:             "test source",
		ConnectionParams:       json.RawMessage(`{"paths":["/data"]}`),
		RefreshIntervalSeconds: 60,
		EnableChangeStream:     true,
		IsActive:               true,
	}
}

func TestUpsertConfig(t *testing.T) {
	t.Run("round-trips a config", func(t *testing.T) {
		store := newTestStore(t)
		ctx := context.Background()

		id, err := store.UpsertConfig(ctx, makeTestConfig("cfg-1"))
		require.NoError(t, err)
		assert.Equal(t, "cfg-1", id)

		got, err := store.GetConfig(ctx, "cfg-1")
		require.NoError(t, err)
		assert.Equal(t, SourceFilesystem, got.SourceType)
		assert.Equal(t, StatusIdle, got.SyncStatus)
		assert.True(t, got.IsActive)
		assert.JSONEq(t, `{"paths":["/data"]}`, string(got.ConnectionParams))
	})

	t.Run("update preserves engine-owned columns", func(t *testing.T) {
		store := newTestStore(t)
		ctx := context.Background()

		_, err := store.UpsertConfig(ctx, makeTestConfig("cfg-1"))
		require.NoError(t, err)

		errText := "boom"
		require.NoError(t, store.UpdateConfigStatus(ctx, "cfg-1", StatusError, 42, &errText))

		cfg := makeTestConfig("cfg-1")
		cfg.SourceName = "renamed"
		_, err = store.UpsertConfig(ctx, cfg)
		require.NoError(t, err)

		got, err := store.GetConfig(ctx, "cfg-1")
		require.NoError(t, err)
		assert.Equal(t, "renamed", got.SourceName)
		assert.Equal(t, StatusError, got.SyncStatus)
		assert.Equal(t, int64(42), got.LastSyncOrdinal)
		assert.Equal(t, "boom", got.LastError)
	})

	t.Run("unknown config returns ErrConfigNotFound", func(t *testing.T) {
		store := newTestStore(t)

		_, err := store.GetConfig(context.Background(), "nope")
		assert.ErrorIs(t, err, ErrConfigNotFound)
	})
}

func TestListActiveConfigs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.UpsertConfig(ctx, makeTestConfig("cfg-a"))
	require.NoError(t, err)

	inactive := makeTestConfig("cfg-b")
	inactive.IsActive = false
	_, err = store.UpsertConfig(ctx, inactive)
	require.NoError(t, err)

	active, err := store.ListActiveConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "cfg-a", active[0].ConfigID)

	all, err := store.ListConfigs(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestUpdateConfigStatus(t *testing.T) {
	t.Run("ordinal never decreases", func(t *testing.T) {
		store := newTestStore(t)
		ctx := context.Background()

		_, err := store.UpsertConfig(ctx, makeTestConfig("cfg-1"))
		require.NoError(t, err)

		require.NoError(t, store.UpdateConfigStatus(ctx, "cfg-1", StatusIdle, 100, nil))
		require.NoError(t, store.UpdateConfigStatus(ctx, "cfg-1", StatusIdle, 50, nil))

		got, err := store.GetConfig(ctx, "cfg-1")
		require.NoError(t, err)
		assert.Equal(t, int64(100), got.LastSyncOrdinal)
	})

	t.Run("non-nil empty error clears last_error", func(t *testing.T) {
		store := newTestStore(t)
		ctx := context.Background()

		_, err := store.UpsertConfig(ctx, makeTestConfig("cfg-1"))
		require.NoError(t, err)

		errText := "transient blip"
		require.NoError(t, store.UpdateConfigStatus(ctx, "cfg-1", StatusSyncing, 0, &errText))

		cleared := ""
		require.NoError(t, store.UpdateConfigStatus(ctx, "cfg-1", StatusIdle, 0, &cleared))

		got, err := store.GetConfig(ctx, "cfg-1")
		require.NoError(t, err)
		assert.Empty(t, got.LastError)
	})
}

func TestCommitApply(t *testing.T) {
	ctx := context.Background()

	newDoc := func(ordinal int64) *DocumentState {
		return &DocumentState{
			DocID:       "cfg-1:/data/a.txt",
			ConfigID:    "cfg-1",
			SourcePath:  "/data/a.txt",
			SourceID:    "src-1",
			Ordinal:     ordinal,
			ContentHash: "abc",
			Modified:    time.UnixMicro(1700000000000000),
		}
	}

	t.Run("full success stamps all targets", func(t *testing.T) {
		store := newTestStore(t)

		err := store.CommitApply(ctx, newDoc(1), ApplyResult{
			Vector: TargetSynced, Search: TargetSynced, Graph: TargetSynced,
		})
		require.NoError(t, err)

		got, err := store.GetDocumentState(ctx, "cfg-1:/data/a.txt")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.False(t, got.VectorSyncedAt.IsZero())
		assert.False(t, got.SearchSyncedAt.IsZero())
		assert.False(t, got.GraphSyncedAt.IsZero())
		assert.True(t, got.TargetsComplete(false))
	})

	t.Run("failed target leaves a null timestamp", func(t *testing.T) {
		store := newTestStore(t)

		err := store.CommitApply(ctx, newDoc(1), ApplyResult{
			Vector: TargetFailed, Search: TargetSynced, Graph: TargetSynced,
		})
		require.NoError(t, err)

		got, err := store.GetDocumentState(ctx, "cfg-1:/data/a.txt")
		require.NoError(t, err)
		assert.True(t, got.VectorSyncedAt.IsZero())
		assert.False(t, got.SearchSyncedAt.IsZero())
		assert.False(t, got.TargetsComplete(false))
	})

	t.Run("skipped target preserves the prior timestamp", func(t *testing.T) {
		store := newTestStore(t)

		require.NoError(t, store.CommitApply(ctx, newDoc(1), ApplyResult{
			Vector: TargetFailed, Search: TargetSynced, Graph: TargetSynced,
		}))

		first, err := store.GetDocumentState(ctx, "cfg-1:/data/a.txt")
		require.NoError(t, err)

		// Retry pass: only the vector target is attempted.
		require.NoError(t, store.CommitApply(ctx, newDoc(2), ApplyResult{
			Vector: TargetSynced, Search: TargetSkipped, Graph: TargetSkipped,
		}))

		got, err := store.GetDocumentState(ctx, "cfg-1:/data/a.txt")
		require.NoError(t, err)
		assert.False(t, got.VectorSyncedAt.IsZero())
		assert.Equal(t, first.SearchSyncedAt, got.SearchSyncedAt)
		assert.Equal(t, first.GraphSyncedAt, got.GraphSyncedAt)
		assert.Equal(t, int64(2), got.Ordinal)
	})

	t.Run("skip_graph rows are complete without a graph timestamp", func(t *testing.T) {
		store := newTestStore(t)

		require.NoError(t, store.CommitApply(ctx, newDoc(1), ApplyResult{
			Vector: TargetSynced, Search: TargetSynced, Graph: TargetSkipped,
		}))

		got, err := store.GetDocumentState(ctx, "cfg-1:/data/a.txt")
		require.NoError(t, err)
		assert.True(t, got.TargetsComplete(true))
		assert.False(t, got.TargetsComplete(false))
	})

	t.Run("successful apply clears failed_hash", func(t *testing.T) {
		store := newTestStore(t)

		require.NoError(t, store.MarkDocumentFailed(
			ctx, "cfg-1", "cfg-1:/data/a.txt", "/data/a.txt", "src-1", "badhash", 7))

		require.NoError(t, store.CommitApply(ctx, newDoc(1), ApplyResult{
			Vector: TargetSynced, Search: TargetSynced, Graph: TargetSynced,
		}))

		got, err := store.GetDocumentState(ctx, "cfg-1:/data/a.txt")
		require.NoError(t, err)
		assert.Empty(t, got.FailedHash)
	})
}

func TestTouchDocumentState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	doc := &DocumentState{
		DocID: "cfg-1:/a", ConfigID: "cfg-1", SourcePath: "/a",
		Ordinal: 1, ContentHash: "h1",
	}
	require.NoError(t, store.CommitApply(ctx, doc, ApplyResult{
		Vector: TargetSynced, Search: TargetSynced, Graph: TargetSynced,
	}))

	before, err := store.GetDocumentState(ctx, "cfg-1:/a")
	require.NoError(t, err)

	doc.Ordinal = 9
	doc.Modified = time.UnixMicro(1700000001000000)
	require.NoError(t, store.TouchDocumentState(ctx, doc))

	after, err := store.GetDocumentState(ctx, "cfg-1:/a")
	require.NoError(t, err)
	assert.Equal(t, int64(9), after.Ordinal)
	assert.Equal(t, "h1", after.ContentHash)
	assert.Equal(t, before.VectorSyncedAt, after.VectorSyncedAt)
}

func TestCommitDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	doc := &DocumentState{
		DocID: "cfg-1:/a", ConfigID: "cfg-1", SourcePath: "/a",
		Ordinal: 1, ContentHash: "h1",
	}
	require.NoError(t, store.CommitApply(ctx, doc, ApplyResult{
		Vector: TargetSynced, Search: TargetSynced, Graph: TargetSynced,
	}))

	require.NoError(t, store.CommitDelete(ctx, "cfg-1:/a"))

	got, err := store.GetDocumentState(ctx, "cfg-1:/a")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Deleting an unknown doc_id is a no-op.
	require.NoError(t, store.CommitDelete(ctx, "cfg-1:/a"))
}

func TestForEachDocumentState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, path := range []string{"/a", "/b", "/c"} {
		doc := &DocumentState{
			DocID: DocID("cfg-1", path), ConfigID: "cfg-1", SourcePath: path,
			Ordinal: int64(i + 1), ContentHash: "h",
		}
		require.NoError(t, store.CommitApply(ctx, doc, ApplyResult{
			Vector: TargetSynced, Search: TargetSynced, Graph: TargetSynced,
		}))
	}

	other := &DocumentState{
		DocID: DocID("cfg-2", "/z"), ConfigID: "cfg-2", SourcePath: "/z",
		Ordinal: 1, ContentHash: "h",
	}
	require.NoError(t, store.CommitApply(ctx, other, ApplyResult{
		Vector: TargetSynced, Search: TargetSynced, Graph: TargetSynced,
	}))

	var paths []string
	err := store.ForEachDocumentState(ctx, "cfg-1", func(d *DocumentState) error {
		paths = append(paths, d.SourcePath)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "/b", "/c"}, paths)
}

func TestAllocateOrdinal(t *testing.T) {
	t.Run("strictly increasing under clock regression", func(t *testing.T) {
		store := newTestStore(t)
		ctx := context.Background()

		clock := time.UnixMicro(1700000000000000)
		store.nowFunc = func() time.Time { return clock }

		first, err := store.AllocateOrdinal(ctx, "cfg-1")
		require.NoError(t, err)
		assert.Equal(t, clock.UnixMicro(), first)

		// Clock goes backwards: the ordinal still advances.
		clock = clock.Add(-time.Hour)

		second, err := store.AllocateOrdinal(ctx, "cfg-1")
		require.NoError(t, err)
		assert.Equal(t, first+1, second)
	})

	t.Run("seeds from committed rows", func(t *testing.T) {
		store := newTestStore(t)
		ctx := context.Background()

		committed := time.Now().Add(time.Hour).UnixMicro()
		doc := &DocumentState{
			DocID: "cfg-1:/a", ConfigID: "cfg-1", SourcePath: "/a",
			Ordinal: committed, ContentHash: "h",
		}
		require.NoError(t, store.CommitApply(ctx, doc, ApplyResult{
			Vector: TargetSynced, Search: TargetSynced, Graph: TargetSynced,
		}))

		got, err := store.AllocateOrdinal(ctx, "cfg-1")
		require.NoError(t, err)
		assert.Greater(t, got, committed)
	})

	t.Run("per-config independence", func(t *testing.T) {
		store := newTestStore(t)
		ctx := context.Background()

		a1, err := store.AllocateOrdinal(ctx, "cfg-a")
		require.NoError(t, err)

		b1, err := store.AllocateOrdinal(ctx, "cfg-b")
		require.NoError(t, err)

		a2, err := store.AllocateOrdinal(ctx, "cfg-a")
		require.NoError(t, err)

		assert.Greater(t, a2, a1)
		assert.GreaterOrEqual(t, b1, a1)
	})
}

func TestDeleteConfig(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.UpsertConfig(ctx, makeTestConfig("cfg-1"))
	require.NoError(t, err)

	doc := &DocumentState{
		DocID: "cfg-1:/a", ConfigID: "cfg-1", SourcePath: "/a",
		Ordinal: 1, ContentHash: "h",
	}
	require.NoError(t, store.CommitApply(ctx, doc, ApplyResult{
		Vector: TargetSynced, Search: TargetSynced, Graph: TargetSynced,
	}))

	require.NoError(t, store.DeleteConfig(ctx, "cfg-1"))

	_, err = store.GetConfig(ctx, "cfg-1")
	assert.ErrorIs(t, err, ErrConfigNotFound)

	got, err := store.GetDocumentState(ctx, "cfg-1:/a")
	require.NoError(t, err)
	assert.Nil(t, got)
}
