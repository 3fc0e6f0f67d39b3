package detect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-storage-blob-go/azblob"

	"github.com/flexrag/syncd/internal/fault"
)

// azureChangePollInterval is the change-cursor poll cadence in event
// mode. Distinct from the reconciliation interval, which also covers
// deletions.
const azureChangePollInterval = 30 * time.Second

type azureBlobParams struct {
	Container        string `json:"container"`
	AccountURL       string `json:"account_url"`
	AccountKey       string `json:"account_key"`
	ConnectionString string `json:"connection_string"`
	EnableChangeFeed bool   `json:"enable_change_feed"`
	filterParams
}

// azureBlobDetector enumerates a blob container and, in event mode,
// polls a change cursor: each pass lists the container with the
// continuation marker and emits updates for blobs modified since the
// previous pass. Deletions are invisible to the cursor and are derived
// by reconciliation.
type azureBlobDetector struct {
	container    azblob.ContainerURL
	containerRef string
	changeFeed   bool
	filter       Filter
	logger       *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func newAzureBlobDetector(raw json.RawMessage, logger *slog.Logger) (Detector, error) {
	var params azureBlobParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("detect: azure_blob params: %w", err)
	}

	if params.Container == "" {
		return nil, errors.New("detect: azure_blob params: container is required")
	}

	accountURL, accountName, accountKey, err := resolveAzureAccount(&params)
	if err != nil {
		return nil, err
	}

	credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("detect: azure credential: %w", err)
	}

	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})

	endpoint, err := url.Parse(strings.TrimSuffix(accountURL, "/") + "/" + params.Container)
	if err != nil {
		return nil, fmt.Errorf("detect: azure container URL: %w", err)
	}

	return &azureBlobDetector{
		container:    azblob.NewContainerURL(*endpoint, pipeline),
		containerRef: params.Container,
		changeFeed:   params.EnableChangeFeed,
		filter:       params.filter(),
		logger:       logger,
	}, nil
}

// resolveAzureAccount extracts endpoint and credentials from either the
// connection string or the account_url + account_key pair.
func resolveAzureAccount(params *azureBlobParams) (accountURL, name, key string, err error) {
	if params.ConnectionString != "" {
		return parseAzureConnectionString(params.ConnectionString)
	}

	if params.AccountURL == "" || params.AccountKey == "" {
		return "", "", "", errors.New(
			"detect: azure_blob params: connection_string or account_url+account_key is required")
	}

	parsed, parseErr := url.Parse(params.AccountURL)
	if parseErr != nil {
		return "", "", "", fmt.Errorf("detect: azure account_url: %w", parseErr)
	}

	name = strings.SplitN(parsed.Host, ".", 2)[0]

	return params.AccountURL, name, params.AccountKey, nil
}

func parseAzureConnectionString(cs string) (accountURL, name, key string, err error) {
	suffix := "core.windows.net"

	for _, part := range strings.Split(cs, ";") {
		k, v, found := strings.Cut(part, "=")
		if !found {
			continue
		}

		switch k {
		case "AccountName":
			name = v
		case "AccountKey":
			// Keys are base64 and may contain '='; Cut keeps the rest.
			key = part[len("AccountKey="):]
		case "EndpointSuffix":
			suffix = v
		case "BlobEndpoint":
			accountURL = v
		}
	}

	if name == "" || key == "" {
		return "", "", "", errors.New("detect: azure connection_string missing AccountName or AccountKey")
	}

	if accountURL == "" {
		accountURL = fmt.Sprintf("https://%s.blob.%s", name, suffix)
	}

	return accountURL, name, key, nil
}

func (d *azureBlobDetector) Start(ctx context.Context) (<-chan Event, error) {
	if !d.changeFeed {
		return nil, nil
	}

	// Probe the container so auth failures surface as fatal at start.
	_, err := d.container.GetProperties(ctx, azblob.LeaseAccessConditions{})
	if err != nil {
		var serr azblob.StorageError
		if errors.As(err, &serr) {
			code := serr.Response()
			if code != nil && (code.StatusCode == 401 || code.StatusCode == 403) {
				return nil, fault.Fatal(fmt.Errorf("detect: azure container %s: %w", d.containerRef, err))
			}
		}

		d.logger.Info("azure change feed unavailable, downgrading to periodic-only mode",
			slog.String("container", d.containerRef),
			slog.String("error", err.Error()),
		)

		return nil, nil
	}

	ctx, d.cancel = context.WithCancel(ctx)
	events := make(chan Event, eventBufSize)
	d.done = make(chan struct{})

	go d.changeLoop(ctx, events)

	d.logger.Info("azure change cursor started", slog.String("container", d.containerRef))

	return events, nil
}

func (d *azureBlobDetector) Stop() error {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}

	return nil
}

// changeLoop polls the container with a modification cursor. The first
// pass establishes the cursor without emitting (startup state is owned
// by reconciliation); later passes emit updates for blobs whose
// LastModified is beyond it.
func (d *azureBlobDetector) changeLoop(ctx context.Context, events chan<- Event) {
	defer close(events)
	defer close(d.done)

	cursor := time.Time{}
	ticker := time.NewTicker(azureChangePollInterval)
	defer ticker.Stop()

	for {
		next, err := d.pollChanges(ctx, cursor, cursor.IsZero(), events)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			d.logger.Warn("azure change poll failed",
				slog.String("error", err.Error()))

			if !cursor.IsZero() {
				// Continuity is gone; hand the gap to reconciliation
				// and re-establish the cursor silently.
				select {
				case events <- Event{Type: ChangeResync, ReceivedAt: time.Now()}:
				case <-ctx.Done():
					return
				}

				cursor = time.Time{}
			}
		} else {
			cursor = next
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pollChanges walks the container segment by segment, persisting the
// continuation marker between calls, and returns the new cursor.
func (d *azureBlobDetector) pollChanges(
	ctx context.Context, cursor time.Time, silent bool, events chan<- Event,
) (time.Time, error) {
	newCursor := cursor

	for marker := (azblob.Marker{}); marker.NotDone(); {
		segment, err := d.container.ListBlobsFlatSegment(ctx, marker,
			azblob.ListBlobsSegmentOptions{Prefix: d.filter.Prefix})
		if err != nil {
			return cursor, fmt.Errorf("detect: azure change poll: %w", err)
		}

		marker = segment.NextMarker

		for _, blob := range segment.Segment.BlobItems {
			modified := blob.Properties.LastModified
			if modified.After(newCursor) {
				newCursor = modified
			}

			if silent || !modified.After(cursor) || !d.filter.Match(blob.Name) {
				continue
			}

			meta := FileMetadata{
				Path:     blob.Name,
				SourceID: string(blob.Properties.Etag),
				Modified: modified,
			}
			if blob.Properties.ContentLength != nil {
				meta.Size = *blob.Properties.ContentLength
			}

			select {
			case events <- newEvent(ChangeUpdate, meta):
			case <-ctx.Done():
				return cursor, ctx.Err()
			}
		}
	}

	return newCursor, nil
}

func (d *azureBlobDetector) ListAll(ctx context.Context, fn func(FileMetadata) error) error {
	for marker := (azblob.Marker{}); marker.NotDone(); {
		segment, err := d.container.ListBlobsFlatSegment(ctx, marker,
			azblob.ListBlobsSegmentOptions{Prefix: d.filter.Prefix})
		if err != nil {
			return fault.Transient(fmt.Errorf("detect: listing container %s: %w", d.containerRef, err))
		}

		marker = segment.NextMarker

		for _, blob := range segment.Segment.BlobItems {
			if !d.filter.Match(blob.Name) {
				continue
			}

			meta := FileMetadata{
				Path:     blob.Name,
				SourceID: string(blob.Properties.Etag),
				Modified: blob.Properties.LastModified,
			}
			if blob.Properties.ContentLength != nil {
				meta.Size = *blob.Properties.ContentLength
			}

			if err := fn(meta); err != nil {
				return err
			}
		}
	}

	return nil
}

func (d *azureBlobDetector) Load(ctx context.Context, meta FileMetadata) ([]byte, error) {
	blobURL := d.container.NewBlockBlobURL(meta.Path)

	resp, err := blobURL.Download(ctx, 0, azblob.CountToEnd,
		azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		var serr azblob.StorageError
		if errors.As(err, &serr) && serr.ServiceCode() == azblob.ServiceCodeBlobNotFound {
			return nil, fault.ErrNotFound
		}

		return nil, fault.Transient(fmt.Errorf("detect: downloading %s: %w", meta.Path, err))
	}

	body := resp.Body(azblob.RetryReaderOptions{})
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fault.Transient(fmt.Errorf("detect: reading %s: %w", meta.Path, err))
	}

	return data, nil
}
