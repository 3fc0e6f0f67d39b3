package detect

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexrag/syncd/internal/fault"
	"github.com/flexrag/syncd/internal/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFilterMatch(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		path   string
		want   bool
	}{
		{"zero filter matches everything", Filter{}, "any/path.txt", true},
		{"prefix match", Filter{Prefix: "docs/"}, "docs/a.txt", true},
		{"prefix mismatch", Filter{Prefix: "docs/"}, "other/a.txt", false},
		{"suffix match", Filter{Suffix: ".pdf"}, "docs/a.pdf", true},
		{"suffix mismatch", Filter{Suffix: ".pdf"}, "docs/a.txt", false},
		{"prefix and suffix", Filter{Prefix: "docs/", Suffix: ".pdf"}, "docs/a.pdf", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Match(tt.path))
		})
	}
}

func TestFilterParams(t *testing.T) {
	t.Run("recursive defaults to true", func(t *testing.T) {
		var p filterParams
		require.NoError(t, json.Unmarshal([]byte(`{}`), &p))
		assert.True(t, p.filter().Recursive)
	})

	t.Run("recursive can be disabled", func(t *testing.T) {
		var p filterParams
		require.NoError(t, json.Unmarshal([]byte(`{"recursive":false}`), &p))
		assert.False(t, p.filter().Recursive)
	})
}

func TestFactory(t *testing.T) {
	t.Run("unsupported source type", func(t *testing.T) {
		cfg := &state.DatasourceConfig{
			ConfigID:         "cfg-1",
			SourceType:       "carrier_pigeon",
			ConnectionParams: json.RawMessage(`{}`),
		}

		_, err := New(context.Background(), cfg, testLogger())
		assert.ErrorContains(t, err, "unsupported source type")
	})

	t.Run("filesystem requires paths", func(t *testing.T) {
		cfg := &state.DatasourceConfig{
			ConfigID:         "cfg-1",
			SourceType:       state.SourceFilesystem,
			ConnectionParams: json.RawMessage(`{}`),
		}

		_, err := New(context.Background(), cfg, testLogger())
		assert.ErrorContains(t, err, "paths is required")
	})

	t.Run("s3 requires bucket", func(t *testing.T) {
		cfg := &state.DatasourceConfig{
			ConfigID:         "cfg-1",
			SourceType:       state.SourceS3,
			ConnectionParams: json.RawMessage(`{"prefix":"x/"}`),
		}

		_, err := New(context.Background(), cfg, testLogger())
		assert.ErrorContains(t, err, "bucket is required")
	})

	t.Run("filesystem constructs", func(t *testing.T) {
		dir := t.TempDir()
		params, err := json.Marshal(map[string]any{"paths": []string{dir}})
		require.NoError(t, err)

		cfg := &state.DatasourceConfig{
			ConfigID:         "cfg-1",
			SourceType:       state.SourceFilesystem,
			ConnectionParams: params,
		}

		det, err := New(context.Background(), cfg, testLogger())
		require.NoError(t, err)
		assert.NotNil(t, det)
	})
}

func newFsDetector(t *testing.T, dir string, extra map[string]any) Detector {
	t.Helper()

	params := map[string]any{"paths": []string{dir}}
	for k, v := range extra {
		params[k] = v
	}

	raw, err := json.Marshal(params)
	require.NoError(t, err)

	det, err := newFilesystemDetector(raw, testLogger())
	require.NoError(t, err)

	return det
}

func TestFilesystemListAll(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("world"), 0o600))

	t.Run("recursive walk", func(t *testing.T) {
		det := newFsDetector(t, dir, nil)

		var paths []string
		err := det.ListAll(context.Background(), func(meta FileMetadata) error {
			paths = append(paths, meta.Path)
			return nil
		})
		require.NoError(t, err)
		assert.Len(t, paths, 2)
	})

	t.Run("non-recursive stays at the root", func(t *testing.T) {
		det := newFsDetector(t, dir, map[string]any{"recursive": false})

		var paths []string
		err := det.ListAll(context.Background(), func(meta FileMetadata) error {
			paths = append(paths, meta.Path)
			return nil
		})
		require.NoError(t, err)
		require.Len(t, paths, 1)
		assert.Contains(t, paths[0], "a.txt")
	})

	t.Run("suffix filter", func(t *testing.T) {
		det := newFsDetector(t, dir, map[string]any{"suffix": ".md"})

		count := 0
		err := det.ListAll(context.Background(), func(FileMetadata) error {
			count++
			return nil
		})
		require.NoError(t, err)
		assert.Zero(t, count)
	})
}

func TestFilesystemLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))

	det := newFsDetector(t, dir, nil)

	t.Run("reads bytes", func(t *testing.T) {
		data, err := det.Load(context.Background(), FileMetadata{Path: path})
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), data)
	})

	t.Run("missing file maps to not found", func(t *testing.T) {
		_, err := det.Load(context.Background(), FileMetadata{Path: filepath.Join(dir, "gone.txt")})
		assert.ErrorIs(t, err, fault.ErrNotFound)
	})
}

func TestFilesystemWatch(t *testing.T) {
	dir := t.TempDir()
	det := newFsDetector(t, dir, map[string]any{"quiet_period_seconds": 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := det.Start(ctx)
	require.NoError(t, err)
	require.NotNil(t, events)

	t.Cleanup(func() { require.NoError(t, det.Stop()) })

	path := filepath.Join(dir, "new.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))

	select {
	case ev := <-events:
		assert.Equal(t, ChangeUpdate, ev.Type)
		assert.Contains(t, ev.Meta.Path, "new.txt")
	case <-time.After(10 * time.Second):
		t.Fatal("no event after quiet period")
	}
}

func TestParseS3Notification(t *testing.T) {
	direct := `{"Records":[{"eventName":"ObjectCreated:Put",
		"s3":{"bucket":{"name":"docs"},"object":{"key":"folder/a+b.txt","size":5}}}]}`

	t.Run("direct notification", func(t *testing.T) {
		records, err := parseS3Notification(direct)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, ChangeUpdate, records[0].changeType)
		assert.Equal(t, "docs", records[0].bucket)
		// Keys are URL-decoded ('+' is a space in notification encoding).
		assert.Equal(t, "folder/a b.txt", records[0].key)
		assert.Equal(t, int64(5), records[0].size)
	})

	t.Run("sns envelope is unwrapped", func(t *testing.T) {
		envelope, err := json.Marshal(map[string]string{
			"Type":    "Notification",
			"Message": direct,
		})
		require.NoError(t, err)

		records, err := parseS3Notification(string(envelope))
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "docs", records[0].bucket)
	})

	t.Run("delete events map to delete", func(t *testing.T) {
		body := `{"Records":[{"eventName":"ObjectRemoved:Delete",
			"s3":{"bucket":{"name":"docs"},"object":{"key":"a.txt"}}}]}`

		records, err := parseS3Notification(body)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, ChangeDelete, records[0].changeType)
	})

	t.Run("test events are ignored", func(t *testing.T) {
		records, err := parseS3Notification(`{"Event":"s3:TestEvent"}`)
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}

func TestDriveItemLogicalPath(t *testing.T) {
	item := driveItem{Name: "a.txt"}
	item.ParentReference.Path = "/drives/b!x/root:/sub/folder"
	assert.Equal(t, "sub/folder/a.txt", item.logicalPath())

	root := driveItem{Name: "top.txt"}
	root.ParentReference.Path = "/drives/b!x/root:"
	assert.Equal(t, "top.txt", root.logicalPath())
}

func TestBoxItemLogicalPath(t *testing.T) {
	var item boxItem
	item.Name = "a.txt"
	item.PathCollection.Entries = []struct {
		Name string `json:"name"`
	}{{Name: "All Files"}, {Name: "reports"}}

	assert.Equal(t, "reports/a.txt", item.logicalPath())
}

func TestParseAzureConnectionString(t *testing.T) {
	accountURL, name, key, err := parseAzureConnectionString(
		"DefaultEndpointsProtocol=https;AccountName=acct;AccountKey=a2V5PT0=;EndpointSuffix=core.windows.net")
	require.NoError(t, err)
	assert.Equal(t, "https://acct.blob.core.windows.net", accountURL)
	assert.Equal(t, "acct", name)
	assert.Equal(t, "a2V5PT0=", key)

	_, _, _, err = parseAzureConnectionString("AccountName=acct")
	assert.Error(t, err)
}

func TestStompFraming(t *testing.T) {
	frame := stompFrame("SUBSCRIBE", map[string]string{"id": "0"}, "")
	assert.Contains(t, string(frame), "SUBSCRIBE\n")
	assert.Contains(t, string(frame), "id:0\n")
	assert.Equal(t, byte(0), frame[len(frame)-1])
}
