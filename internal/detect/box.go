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
	boxAPIBase         = "https://api.box.com/2.0"
	boxTokenURL        = "https://api.box.com/oauth2/token"
	boxDefaultInterval = 30 * time.Second
	boxPageLimit       = 1000
	boxEventLimit      = 100
	boxItemFields      = "type,id,name,modified_at,size,path_collection"
)

type boxParams struct {
	DeveloperToken  string `json:"developer_token"`
	ClientID        string `json:"client_id"`
	ClientSecret    string `json:"client_secret"`
	UserID          string `json:"user_id"`
	EnterpriseID    string `json:"enterprise_id"`
	FolderID        string `json:"folder_id"`
	PollingInterval int    `json:"polling_interval"`
	filterParams
}

// boxDetector polls the Box events endpoint with a stream position and
// reconciles with folder listings. Authentication is either a developer
// token or a client-credentials grant scoped to a user or enterprise.
type boxDetector struct {
	client   *rest.Client
	folderID string
	interval time.Duration
	filter   Filter
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func newBoxDetector(ctx context.Context, raw json.RawMessage, logger *slog.Logger) (Detector, error) {
	var params boxParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("detect: box params: %w", err)
	}

	auth, err := boxAuth(ctx, &params)
	if err != nil {
		return nil, err
	}

	interval := boxDefaultInterval
	if params.PollingInterval > 0 {
		interval = time.Duration(params.PollingInterval) * time.Second
	}

	folderID := params.FolderID
	if folderID == "" {
		folderID = "0"
	}

	return &boxDetector{
		client:   rest.NewClient(boxAPIBase, &http.Client{Timeout: 60 * time.Second}, auth, logger),
		folderID: folderID,
		interval: interval,
		filter:   params.filter(),
		logger:   logger,
	}, nil
}

// boxAuth builds the AuthFunc from whichever credential shape the
// params carry.
func boxAuth(ctx context.Context, params *boxParams) (rest.AuthFunc, error) {
	if params.DeveloperToken != "" {
		return rest.BearerAuth(func() (string, error) {
			return params.DeveloperToken, nil
		}), nil
	}

	if params.ClientID == "" || params.ClientSecret == "" {
		return nil, errors.New(
			"detect: box params: developer_token or client_id+client_secret is required")
	}

	endpointParams := url.Values{}

	switch {
	case params.UserID != "":
		endpointParams.Set("box_subject_type", "user")
		endpointParams.Set("box_subject_id", params.UserID)
	case params.EnterpriseID != "":
		endpointParams.Set("box_subject_type", "enterprise")
		endpointParams.Set("box_subject_id", params.EnterpriseID)
	default:
		return nil, errors.New("detect: box params: user_id or enterprise_id is required")
	}

	cfg := &clientcredentials.Config{
		ClientID:       params.ClientID,
		ClientSecret:   params.ClientSecret,
		TokenURL:       boxTokenURL,
		EndpointParams: endpointParams,
	}
	source := cfg.TokenSource(ctx)

	return rest.BearerAuth(func() (string, error) {
		tok, err := source.Token()
		if err != nil {
			return "", err
		}

		return tok.AccessToken, nil
	}), nil
}

type boxItem struct {
	Type           string `json:"type"`
	ID             string `json:"id"`
	Name           string `json:"name"`
	ModifiedAt     string `json:"modified_at"`
	Size           int64  `json:"size"`
	PathCollection struct {
		Entries []struct {
			Name string `json:"name"`
		} `json:"entries"`
	} `json:"path_collection"`
}

// logicalPath joins the path collection (which starts at "All Files")
// with the item name.
func (i *boxItem) logicalPath() string {
	parts := make([]string, 0, len(i.PathCollection.Entries)+1)

	for idx, entry := range i.PathCollection.Entries {
		if idx == 0 && entry.Name == "All Files" {
			continue
		}

		parts = append(parts, entry.Name)
	}

	parts = append(parts, i.Name)

	return strings.Join(parts, "/")
}

func (i *boxItem) metadata() FileMetadata {
	modified, _ := time.Parse(time.RFC3339, i.ModifiedAt)

	return FileMetadata{
		Path:     i.logicalPath(),
		SourceID: i.ID,
		Modified: modified,
		Size:     i.Size,
	}
}

func (d *boxDetector) Start(ctx context.Context) (<-chan Event, error) {
	// Fetch the initial stream position; auth errors are fatal, other
	// failures downgrade to periodic-only mode.
	position, err := d.currentStreamPosition(ctx)
	if err != nil {
		if errors.Is(err, rest.ErrUnauthorized) || errors.Is(err, rest.ErrForbidden) {
			return nil, fault.Fatal(fmt.Errorf("detect: box auth: %w", err))
		}

		d.logger.Info("box events unavailable, downgrading to periodic-only mode",
			slog.String("error", err.Error()))

		return nil, nil
	}

	ctx, d.cancel = context.WithCancel(ctx)
	events := make(chan Event, eventBufSize)
	d.done = make(chan struct{})

	go d.eventLoop(ctx, position, events)

	d.logger.Info("box event polling started",
		slog.String("folder_id", d.folderID),
		slog.Duration("interval", d.interval),
	)

	return events, nil
}

func (d *boxDetector) Stop() error {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}

	return nil
}

type boxEventPage struct {
	NextStreamPosition json.Number `json:"next_stream_position"`
	Entries            []struct {
		EventType string  `json:"event_type"`
		Source    boxItem `json:"source"`
	} `json:"entries"`
}

// currentStreamPosition asks the events endpoint for the "now" marker.
func (d *boxDetector) currentStreamPosition(ctx context.Context) (string, error) {
	var page boxEventPage
	if err := d.client.GetJSON(ctx, "/events?stream_position=now&stream_type=changes", &page); err != nil {
		return "", err
	}

	return page.NextStreamPosition.String(), nil
}

// eventLoop polls /events at the configured cadence, advancing the
// stream position after each page.
func (d *boxDetector) eventLoop(ctx context.Context, position string, events chan<- Event) {
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

		next, err := d.pollEvents(ctx, position, events)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			d.logger.Warn("box event poll failed", slog.String("error", err.Error()))

			if errors.Is(err, rest.ErrBadRequest) {
				// Stream position invalidated; reconciliation covers the
				// gap and polling restarts from "now".
				select {
				case events <- Event{Type: ChangeResync, ReceivedAt: time.Now()}:
				case <-ctx.Done():
					return
				}

				if fresh, posErr := d.currentStreamPosition(ctx); posErr == nil {
					position = fresh
				}
			}

			continue
		}

		position = next
	}
}

func (d *boxDetector) pollEvents(
	ctx context.Context, position string, events chan<- Event,
) (string, error) {
	for {
		var page boxEventPage

		path := fmt.Sprintf("/events?stream_position=%s&stream_type=changes&limit=%d",
			url.QueryEscape(position), boxEventLimit)
		if err := d.client.GetJSON(ctx, path, &page); err != nil {
			return position, err
		}

		for _, entry := range page.Entries {
			if entry.Source.Type != "file" {
				continue
			}

			var changeType ChangeType

			switch entry.EventType {
			case "ITEM_CREATE", "ITEM_UPLOAD", "ITEM_MODIFY", "ITEM_UNDELETE_VIA_TRASH",
				"ITEM_MOVE", "ITEM_RENAME", "ITEM_COPY":
				changeType = ChangeUpdate
			case "ITEM_TRASH":
				changeType = ChangeDelete
			default:
				continue
			}

			meta := entry.Source.metadata()
			if changeType == ChangeUpdate && !d.filter.Match(meta.Path) {
				continue
			}

			select {
			case events <- newEvent(changeType, meta):
			case <-ctx.Done():
				return position, ctx.Err()
			}
		}

		next := page.NextStreamPosition.String()
		if len(page.Entries) == 0 || next == position || next == "" {
			return next, nil
		}

		position = next
	}
}

func (d *boxDetector) ListAll(ctx context.Context, fn func(FileMetadata) error) error {
	queue := []string{d.folderID}

	for len(queue) > 0 {
		folderID := queue[0]
		queue = queue[1:]

		for offset := 0; ; {
			var page struct {
				TotalCount int       `json:"total_count"`
				Entries    []boxItem `json:"entries"`
			}

			path := fmt.Sprintf("/folders/%s/items?fields=%s&limit=%d&offset=%d",
				folderID, boxItemFields, boxPageLimit, offset)
			if err := d.client.GetJSON(ctx, path, &page); err != nil {
				return fault.Transient(fmt.Errorf("detect: listing box folder %s: %w", folderID, err))
			}

			for _, item := range page.Entries {
				switch item.Type {
				case "folder":
					if d.filter.Recursive {
						queue = append(queue, item.ID)
					}

				case "file":
					meta := item.metadata()
					if !d.filter.Match(meta.Path) {
						continue
					}

					if err := fn(meta); err != nil {
						return err
					}
				}
			}

			offset += len(page.Entries)
			if offset >= page.TotalCount || len(page.Entries) == 0 {
				break
			}
		}
	}

	return nil
}

func (d *boxDetector) Load(ctx context.Context, meta FileMetadata) ([]byte, error) {
	if meta.SourceID == "" {
		return nil, fault.ErrNotFound
	}

	data, err := d.client.GetBytes(ctx, "/files/"+meta.SourceID+"/content")
	if err != nil {
		if errors.Is(err, rest.ErrNotFound) {
			return nil, fault.ErrNotFound
		}

		return nil, fault.Transient(fmt.Errorf("detect: downloading box file %s: %w", meta.SourceID, err))
	}

	return data, nil
}
