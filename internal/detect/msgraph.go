package detect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/flexrag/syncd/internal/fault"
	"github.com/flexrag/syncd/internal/rest"
)

const (
	graphAPIBase         = "https://graph.microsoft.com/v1.0"
	graphDefaultInterval = 60 * time.Second
	graphScope           = "https://graph.microsoft.com/.default"
)

type msgraphParams struct {
	ClientID        string `json:"client_id"`
	ClientSecret    string `json:"client_secret"`
	TenantID        string `json:"tenant_id"`
	DriveID         string `json:"drive_id"`
	SiteID          string `json:"site_id"`
	UserID          string `json:"user_id"`
	FolderPath      string `json:"folder_path"`
	PollingInterval int    `json:"polling_interval"`
	filterParams
}

// msgraphDetector tracks a OneDrive/SharePoint drive through the Graph
// delta query, holding the delta link between polls. An HTTP 410 means
// the link expired; the detector emits a Resync sentinel and restarts
// from a fresh delta.
type msgraphDetector struct {
	client     *rest.Client
	drivePath  string
	folderPath string
	interval   time.Duration
	filter     Filter
	logger     *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func newMSGraphDetector(ctx context.Context, raw json.RawMessage, logger *slog.Logger) (Detector, error) {
	var params msgraphParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("detect: msgraph params: %w", err)
	}

	if params.ClientID == "" || params.ClientSecret == "" || params.TenantID == "" {
		return nil, errors.New(
			"detect: msgraph params: client_id, client_secret and tenant_id are required")
	}

	var drivePath string

	switch {
	case params.DriveID != "":
		drivePath = "/drives/" + params.DriveID
	case params.SiteID != "":
		drivePath = "/sites/" + params.SiteID + "/drive"
	case params.UserID != "":
		drivePath = "/users/" + params.UserID + "/drive"
	default:
		return nil, errors.New("detect: msgraph params: one of drive_id, site_id or user_id is required")
	}

	cfg := &clientcredentials.Config{
		ClientID:     params.ClientID,
		ClientSecret: params.ClientSecret,
		TokenURL: fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token",
			url.PathEscape(params.TenantID)),
		Scopes: []string{graphScope},
	}
	source := cfg.TokenSource(ctx)

	auth := rest.BearerAuth(func() (string, error) {
		tok, err := source.Token()
		if err != nil {
			return "", err
		}

		return tok.AccessToken, nil
	})

	interval := graphDefaultInterval
	if params.PollingInterval > 0 {
		interval = time.Duration(params.PollingInterval) * time.Second
	}

	return &msgraphDetector{
		client:     rest.NewClient(graphAPIBase, &http.Client{Timeout: 60 * time.Second}, auth, logger),
		drivePath:  drivePath,
		folderPath: strings.Trim(params.FolderPath, "/"),
		interval:   interval,
		filter:     params.filter(),
		logger:     logger,
	}, nil
}

// driveItem mirrors the Graph drive item JSON fields the detector
// consumes.
type driveItem struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	LastModified string `json:"lastModifiedDateTime"`

	File    *struct{} `json:"file"`
	Folder  *struct{} `json:"folder"`
	Deleted *struct {
		State string `json:"state"`
	} `json:"deleted"`

	ParentReference struct {
		Path string `json:"path"`
	} `json:"parentReference"`
}

type driveItemPage struct {
	Value     []driveItem `json:"value"`
	NextLink  string      `json:"@odata.nextLink"`
	DeltaLink string      `json:"@odata.deltaLink"`
}

// logicalPath joins the parent path and item name, stripping the
// "/drives/{id}/root:" prefix Graph uses.
func (i *driveItem) logicalPath() string {
	parent := i.ParentReference.Path
	if idx := strings.Index(parent, "root:"); idx >= 0 {
		parent = parent[idx+len("root:"):]
	}

	parent = strings.Trim(parent, "/")
	if parent == "" {
		return i.Name
	}

	return parent + "/" + i.Name
}

func (i *driveItem) metadata() FileMetadata {
	modified, _ := time.Parse(time.RFC3339, i.LastModified)

	return FileMetadata{
		Path:     i.logicalPath(),
		SourceID: i.ID,
		Modified: modified,
		Size:     i.Size,
	}
}

// deltaPath is the initial delta endpoint, folder-scoped when
// folder_path is configured.
func (d *msgraphDetector) deltaPath() string {
	if d.folderPath != "" {
		return d.drivePath + "/root:/" + d.folderPath + ":/delta"
	}

	return d.drivePath + "/root/delta"
}

func (d *msgraphDetector) Start(ctx context.Context) (<-chan Event, error) {
	// Probe the drive so credential problems fail the source at start
	// instead of looping in the poller.
	var probe struct {
		ID string `json:"id"`
	}
	if err := d.client.GetJSON(ctx, d.drivePath, &probe); err != nil {
		if errors.Is(err, rest.ErrUnauthorized) || errors.Is(err, rest.ErrForbidden) {
			return nil, fault.Fatal(fmt.Errorf("detect: graph auth: %w", err))
		}

		return nil, fault.Transient(fmt.Errorf("detect: graph probe: %w", err))
	}

	ctx, d.cancel = context.WithCancel(ctx)
	events := make(chan Event, eventBufSize)
	d.done = make(chan struct{})

	go d.deltaLoop(ctx, events)

	d.logger.Info("graph delta polling started",
		slog.String("drive", d.drivePath),
		slog.Duration("interval", d.interval),
	)

	return events, nil
}

func (d *msgraphDetector) Stop() error {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}

	return nil
}

// deltaLoop establishes a baseline delta link silently (initial state
// belongs to reconciliation), then emits the changes of each subsequent
// delta round.
func (d *msgraphDetector) deltaLoop(ctx context.Context, events chan<- Event) {
	defer close(events)
	defer close(d.done)

	deltaLink, err := d.drainDelta(ctx, d.deltaPath(), true, events)
	if err != nil {
		if ctx.Err() != nil {
			return
		}

		d.logger.Warn("establishing delta baseline", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if deltaLink == "" {
			deltaLink, err = d.drainDelta(ctx, d.deltaPath(), true, events)
			if err != nil && ctx.Err() == nil {
				d.logger.Warn("re-establishing delta baseline", slog.String("error", err.Error()))
			}

			continue
		}

		next, err := d.drainDelta(ctx, deltaLink, false, events)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			if errors.Is(err, rest.ErrGone) {
				d.logger.Warn("delta link expired, requesting resync")
				d.send(ctx, events, Event{Type: ChangeResync, ReceivedAt: time.Now()})

				deltaLink = ""

				continue
			}

			d.logger.Warn("graph delta poll failed", slog.String("error", err.Error()))

			continue
		}

		deltaLink = next
	}
}

// drainDelta follows nextLink pages until a deltaLink arrives. In
// silent mode items are consumed only to advance the link.
func (d *msgraphDetector) drainDelta(
	ctx context.Context, link string, silent bool, events chan<- Event,
) (string, error) {
	for {
		var page driveItemPage
		if err := d.client.GetJSON(ctx, link, &page); err != nil {
			return "", err
		}

		if !silent {
			for i := range page.Value {
				d.emitItem(ctx, &page.Value[i], events)
			}
		}

		if page.DeltaLink != "" {
			return page.DeltaLink, nil
		}

		if page.NextLink == "" {
			return "", errors.New("detect: delta page missing both nextLink and deltaLink")
		}

		link = page.NextLink
	}
}

func (d *msgraphDetector) emitItem(ctx context.Context, item *driveItem, events chan<- Event) {
	if item.Deleted != nil {
		d.send(ctx, events, newEvent(ChangeDelete, FileMetadata{SourceID: item.ID}))
		return
	}

	if item.File == nil {
		return
	}

	meta := item.metadata()
	if !d.filter.Match(meta.Path) {
		return
	}

	d.send(ctx, events, newEvent(ChangeUpdate, meta))
}

func (d *msgraphDetector) send(ctx context.Context, events chan<- Event, ev Event) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

// ListAll walks the drive breadth-first from the configured folder.
func (d *msgraphDetector) ListAll(ctx context.Context, fn func(FileMetadata) error) error {
	root := d.drivePath + "/root/children"
	if d.folderPath != "" {
		root = d.drivePath + "/root:/" + d.folderPath + ":/children"
	}

	queue := []string{root}

	for len(queue) > 0 {
		link := queue[0]
		queue = queue[1:]

		for link != "" {
			var page driveItemPage
			if err := d.client.GetJSON(ctx, link, &page); err != nil {
				return fault.Transient(fmt.Errorf("detect: listing drive items: %w", err))
			}

			for i := range page.Value {
				item := &page.Value[i]

				if item.Folder != nil {
					if d.filter.Recursive {
						queue = append(queue, d.drivePath+"/items/"+item.ID+"/children")
					}

					continue
				}

				if item.File == nil {
					continue
				}

				meta := item.metadata()
				if !d.filter.Match(meta.Path) {
					continue
				}

				if err := fn(meta); err != nil {
					return err
				}
			}

			link = page.NextLink
		}
	}

	return nil
}

func (d *msgraphDetector) Load(ctx context.Context, meta FileMetadata) ([]byte, error) {
	path := d.drivePath + "/items/" + meta.SourceID + "/content"
	if meta.SourceID == "" {
		path = d.drivePath + "/root:/" + url.PathEscape(meta.Path) + ":/content"
	}

	data, err := d.client.GetBytes(ctx, path)
	if err != nil {
		if errors.Is(err, rest.ErrNotFound) {
			return nil, fault.ErrNotFound
		}

		return nil, fault.Transient(fmt.Errorf("detect: downloading drive item %s: %w", meta.Path, err))
	}

	return data, nil
}
