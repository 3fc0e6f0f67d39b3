package detect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/flexrag/syncd/internal/fault"
)

const (
	driveFolderMime      = "application/vnd.google-apps.folder"
	driveNativePrefix    = "application/vnd.google-apps."
	driveDefaultInterval = 60 * time.Second
	driveFileFields      = "id, name, mimeType, parents, trashed, modifiedTime, size"
)

type googleDriveParams struct {
	Credentials     json.RawMessage `json:"credentials"`
	FolderID        string          `json:"folder_id"`
	PollingInterval int             `json:"polling_interval"`
	filterParams
}

// googleDriveDetector polls the Drive Changes API with a page token and
// reconciles with a folder-scoped enumeration. Drive has no native
// paths, so logical paths are joined folder names resolved through a
// cache; the stable file ID travels as source_id and anchors rename and
// delete tracking.
type googleDriveDetector struct {
	service  *drive.Service
	folderID string
	interval time.Duration
	filter   Filter
	logger   *slog.Logger

	// folder path cache: folder ID → resolved logical path.
	pathMu    sync.Mutex
	pathCache map[string]string

	cancel context.CancelFunc
	done   chan struct{}
}

func newGoogleDriveDetector(ctx context.Context, raw json.RawMessage, logger *slog.Logger) (Detector, error) {
	var params googleDriveParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("detect: google_drive params: %w", err)
	}

	if len(params.Credentials) == 0 {
		return nil, errors.New("detect: google_drive params: credentials is required")
	}

	service, err := drive.NewService(ctx,
		option.WithCredentialsJSON(params.Credentials),
		option.WithScopes(drive.DriveReadonlyScope),
	)
	if err != nil {
		return nil, fmt.Errorf("detect: drive service: %w", err)
	}

	interval := driveDefaultInterval
	if params.PollingInterval > 0 {
		interval = time.Duration(params.PollingInterval) * time.Second
	}

	folderID := params.FolderID
	if folderID == "" {
		folderID = "root"
	}

	return &googleDriveDetector{
		service:   service,
		folderID:  folderID,
		interval:  interval,
		filter:    params.filter(),
		logger:    logger,
		pathCache: make(map[string]string),
	}, nil
}

func (d *googleDriveDetector) Start(ctx context.Context) (<-chan Event, error) {
	token, err := d.service.Changes.GetStartPageToken().Context(ctx).Do()
	if err != nil {
		if isGoogleAuthError(err) {
			return nil, fault.Fatal(fmt.Errorf("detect: drive changes token: %w", err))
		}

		d.logger.Info("drive changes API unavailable, downgrading to periodic-only mode",
			slog.String("error", err.Error()))

		return nil, nil
	}

	ctx, d.cancel = context.WithCancel(ctx)
	events := make(chan Event, eventBufSize)
	d.done = make(chan struct{})

	go d.changeLoop(ctx, token.StartPageToken, events)

	d.logger.Info("drive change polling started",
		slog.String("folder_id", d.folderID),
		slog.Duration("interval", d.interval),
	)

	return events, nil
}

func (d *googleDriveDetector) Stop() error {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}

	return nil
}

// changeLoop polls the Changes API at the configured cadence. A 410
// from the API means the page token expired; a Resync sentinel tells
// the engine to reconcile, and polling restarts from a fresh token.
func (d *googleDriveDetector) changeLoop(ctx context.Context, token string, events chan<- Event) {
	defer close(events)
	defer close(d.done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		next, err := d.pollChanges(ctx, token, events)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			var gerr *googleapi.Error
			if errors.As(err, &gerr) && gerr.Code == 410 {
				d.logger.Warn("drive page token expired, requesting resync")

				d.send(ctx, events, Event{Type: ChangeResync, ReceivedAt: time.Now()})

				fresh, tokenErr := d.service.Changes.GetStartPageToken().Context(ctx).Do()
				if tokenErr != nil {
					d.logger.Warn("fetching fresh page token",
						slog.String("error", tokenErr.Error()))
					continue
				}

				token = fresh.StartPageToken

				continue
			}

			d.logger.Warn("drive change poll failed", slog.String("error", err.Error()))

			continue
		}

		token = next
	}
}

// pollChanges drains all pages of pending changes and returns the new
// start token for the next poll.
func (d *googleDriveDetector) pollChanges(
	ctx context.Context, token string, events chan<- Event,
) (string, error) {
	pageToken := token

	for {
		list, err := d.service.Changes.List(pageToken).
			Context(ctx).
			IncludeRemoved(true).
			Fields(googleapi.Field("newStartPageToken, nextPageToken, changes(fileId, removed, file(" + driveFileFields + "))")).
			Do()
		if err != nil {
			return token, err
		}

		for _, change := range list.Changes {
			d.emitChange(ctx, change, events)
		}

		if list.NextPageToken != "" {
			pageToken = list.NextPageToken
			continue
		}

		return list.NewStartPageToken, nil
	}
}

// emitChange maps one Drive change record to an event. Removed or
// trashed files become deletes keyed by source_id; the engine
// resolves them against state rows by ID, so no path is needed.
func (d *googleDriveDetector) emitChange(ctx context.Context, change *drive.Change, events chan<- Event) {
	if change.Removed || change.File == nil || change.File.Trashed {
		d.send(ctx, events, newEvent(ChangeDelete, FileMetadata{SourceID: change.FileId}))
		return
	}

	file := change.File
	if file.MimeType == driveFolderMime || strings.HasPrefix(file.MimeType, driveNativePrefix) {
		return
	}

	path, inScope := d.resolvePath(ctx, file)
	if !inScope || !d.filter.Match(path) {
		return
	}

	d.send(ctx, events, newEvent(ChangeUpdate, FileMetadata{
		Path:     path,
		SourceID: file.Id,
		Modified: parseDriveTime(file.ModifiedTime),
		Size:     file.Size,
	}))
}

func (d *googleDriveDetector) send(ctx context.Context, events chan<- Event, ev Event) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

// resolvePath joins folder names from the file up to the configured
// folder root. Returns inScope=false when the file lives outside the
// monitored folder (or deeper than one level with recursion off).
func (d *googleDriveDetector) resolvePath(ctx context.Context, file *drive.File) (string, bool) {
	if len(file.Parents) == 0 {
		return file.Name, d.folderID == "root"
	}

	parent := file.Parents[0]
	if parent == d.folderID {
		return file.Name, true
	}

	if !d.filter.Recursive {
		return "", false
	}

	prefix, ok := d.folderPath(ctx, parent, 0)
	if !ok {
		return "", false
	}

	return prefix + "/" + file.Name, true
}

// folderPath resolves the logical path of a folder relative to the
// monitored root, walking parent links with a bounded depth and
// caching every hop.
func (d *googleDriveDetector) folderPath(ctx context.Context, folderID string, depth int) (string, bool) {
	const maxDepth = 64
	if depth > maxDepth || folderID == "" {
		return "", false
	}

	if folderID == d.folderID {
		return "", true
	}

	d.pathMu.Lock()
	cached, ok := d.pathCache[folderID]
	d.pathMu.Unlock()

	if ok {
		return cached, true
	}

	folder, err := d.service.Files.Get(folderID).
		Context(ctx).
		Fields("id, name, parents").
		Do()
	if err != nil {
		d.logger.Warn("resolving drive folder",
			slog.String("folder_id", folderID), slog.String("error", err.Error()))

		return "", false
	}

	if len(folder.Parents) == 0 {
		return "", false
	}

	parentPath, ok := d.folderPath(ctx, folder.Parents[0], depth+1)
	if !ok {
		return "", false
	}

	path := folder.Name
	if parentPath != "" {
		path = parentPath + "/" + folder.Name
	}

	d.pathMu.Lock()
	d.pathCache[folderID] = path
	d.pathMu.Unlock()

	return path, true
}

// ListAll walks the monitored folder breadth-first, carrying the joined
// logical path for each subfolder. Native Google documents (Docs,
// Sheets) have no byte content to download and are skipped.
func (d *googleDriveDetector) ListAll(ctx context.Context, fn func(FileMetadata) error) error {
	type queueItem struct {
		id   string
		path string
	}

	queue := []queueItem{{id: d.folderID}}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		pageToken := ""

		for {
			list, err := d.service.Files.List().
				Context(ctx).
				Q(fmt.Sprintf("'%s' in parents and trashed = false", item.id)).
				Fields(googleapi.Field("nextPageToken, files(" + driveFileFields + ")")).
				PageToken(pageToken).
				Do()
			if err != nil {
				return fault.Transient(fmt.Errorf("detect: listing drive folder %s: %w", item.id, err))
			}

			for _, file := range list.Files {
				logical := file.Name
				if item.path != "" {
					logical = item.path + "/" + file.Name
				}

				if file.MimeType == driveFolderMime {
					if d.filter.Recursive {
						d.pathMu.Lock()
						d.pathCache[file.Id] = logical
						d.pathMu.Unlock()

						queue = append(queue, queueItem{id: file.Id, path: logical})
					}

					continue
				}

				if strings.HasPrefix(file.MimeType, driveNativePrefix) || !d.filter.Match(logical) {
					continue
				}

				if err := fn(FileMetadata{
					Path:     logical,
					SourceID: file.Id,
					Modified: parseDriveTime(file.ModifiedTime),
					Size:     file.Size,
				}); err != nil {
					return err
				}
			}

			if list.NextPageToken == "" {
				break
			}

			pageToken = list.NextPageToken
		}
	}

	return nil
}

// Load downloads by source_id (stable across renames). Without a
// source_id it returns fault.ErrNotFound; there is no lookup by name.
func (d *googleDriveDetector) Load(ctx context.Context, meta FileMetadata) ([]byte, error) {
	fileID := meta.SourceID
	if fileID == "" {
		return nil, fault.ErrNotFound
	}

	resp, err := d.service.Files.Get(fileID).Context(ctx).Download()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == 404 {
			return nil, fault.ErrNotFound
		}

		return nil, fault.Transient(fmt.Errorf("detect: downloading drive file %s: %w", fileID, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Transient(fmt.Errorf("detect: reading drive file %s: %w", fileID, err))
	}

	return data, nil
}

func parseDriveTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}

	return t
}

// isGoogleAuthError reports whether err is a permanent credential or
// permission failure.
func isGoogleAuthError(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == 401 || gerr.Code == 403
	}

	return false
}
