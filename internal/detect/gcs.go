package detect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/flexrag/syncd/internal/fault"
)

type gcsParams struct {
	Bucket             string          `json:"bucket"`
	Credentials        json.RawMessage `json:"credentials"`
	PubsubSubscription string          `json:"pubsub_subscription"`
	ProjectID          string          `json:"project_id"`
	filterParams
}

// gcsDetector enumerates a GCS bucket and, when a Pub/Sub subscription
// is configured, consumes object-change notifications from it. Messages
// are acked through the event's Ack hook after the engine commits.
type gcsDetector struct {
	bucketName   string
	subscription string
	projectID    string
	creds        []byte
	filter       Filter
	client       *storage.Client
	logger       *slog.Logger

	pubsubClient *pubsub.Client
	cancel       context.CancelFunc
	done         chan struct{}
}

func newGCSDetector(ctx context.Context, raw json.RawMessage, logger *slog.Logger) (Detector, error) {
	var params gcsParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("detect: gcs params: %w", err)
	}

	if params.Bucket == "" {
		return nil, errors.New("detect: gcs params: bucket is required")
	}

	if len(params.Credentials) == 0 {
		return nil, errors.New("detect: gcs params: credentials is required")
	}

	projectID := params.ProjectID
	if projectID == "" {
		var creds struct {
			ProjectID string `json:"project_id"`
		}
		if err := json.Unmarshal(params.Credentials, &creds); err == nil {
			projectID = creds.ProjectID
		}
	}

	client, err := storage.NewClient(ctx, option.WithCredentialsJSON(params.Credentials))
	if err != nil {
		return nil, fmt.Errorf("detect: gcs client: %w", err)
	}

	return &gcsDetector{
		bucketName:   params.Bucket,
		subscription: params.PubsubSubscription,
		projectID:    projectID,
		creds:        params.Credentials,
		filter:       params.filter(),
		client:       client,
		logger:       logger,
	}, nil
}

func (d *gcsDetector) Start(ctx context.Context) (<-chan Event, error) {
	if d.subscription == "" {
		return nil, nil
	}

	if d.projectID == "" {
		return nil, fault.Fatal(errors.New(
			"detect: gcs params: project_id missing from params and credentials"))
	}

	psClient, err := pubsub.NewClient(ctx, d.projectID, option.WithCredentialsJSON(d.creds))
	if err != nil {
		d.logger.Info("pub/sub unavailable, downgrading to periodic-only mode",
			slog.String("subscription", d.subscription),
			slog.String("error", err.Error()),
		)

		return nil, nil
	}

	d.pubsubClient = psClient

	ctx, d.cancel = context.WithCancel(ctx)
	events := make(chan Event, eventBufSize)
	d.done = make(chan struct{})

	go d.receiveLoop(ctx, events)

	d.logger.Info("pub/sub event stream started",
		slog.String("subscription", d.subscription))

	return events, nil
}

func (d *gcsDetector) Stop() error {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}

	var err error
	if d.pubsubClient != nil {
		err = d.pubsubClient.Close()
	}

	if closeErr := d.client.Close(); err == nil {
		err = closeErr
	}

	return err
}

// receiveLoop blocks in Receive until shutdown. Receive redelivers
// anything not acked, so the Ack hook firing only after engine commit
// gives at-least-once apply.
func (d *gcsDetector) receiveLoop(ctx context.Context, events chan<- Event) {
	defer close(events)
	defer close(d.done)

	sub := d.pubsubClient.Subscriber(d.subscription)

	err := sub.Receive(ctx, func(msgCtx context.Context, msg *pubsub.Message) {
		ev, ok := d.eventFromMessage(msg)
		if !ok {
			// Not an object change we track (metadata updates, other
			// buckets, filtered paths).
			msg.Ack()
			return
		}

		select {
		case events <- ev:
		case <-msgCtx.Done():
			msg.Nack()
		}
	})
	if err != nil && ctx.Err() == nil {
		d.logger.Warn("pub/sub receive terminated",
			slog.String("subscription", d.subscription),
			slog.String("error", err.Error()),
		)
	}
}

// eventFromMessage maps a GCS notification to a change event using the
// eventType/objectId attributes GCS stamps on every message.
func (d *gcsDetector) eventFromMessage(msg *pubsub.Message) (Event, bool) {
	if msg.Attributes["bucketId"] != d.bucketName {
		return Event{}, false
	}

	objectID := msg.Attributes["objectId"]
	if objectID == "" || !d.filter.Match(objectID) {
		return Event{}, false
	}

	var changeType ChangeType

	switch msg.Attributes["eventType"] {
	case "OBJECT_FINALIZE":
		changeType = ChangeUpdate
	case "OBJECT_DELETE":
		changeType = ChangeDelete
	default:
		return Event{}, false
	}

	ev := newEvent(changeType, FileMetadata{Path: objectID})
	ev.Ack = msg.Ack

	return ev, true
}

func (d *gcsDetector) ListAll(ctx context.Context, fn func(FileMetadata) error) error {
	bucket := d.client.Bucket(d.bucketName)
	it := bucket.Objects(ctx, &storage.Query{Prefix: d.filter.Prefix})

	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}

		if err != nil {
			return fault.Transient(fmt.Errorf("detect: listing gs://%s: %w", d.bucketName, err))
		}

		if !d.filter.Match(attrs.Name) {
			continue
		}

		if err := fn(FileMetadata{
			Path:     attrs.Name,
			Modified: attrs.Updated,
			Size:     attrs.Size,
		}); err != nil {
			return err
		}
	}
}

func (d *gcsDetector) Load(ctx context.Context, meta FileMetadata) ([]byte, error) {
	reader, err := d.client.Bucket(d.bucketName).Object(meta.Path).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fault.ErrNotFound
		}

		return nil, fault.Transient(fmt.Errorf("detect: opening gs://%s/%s: %w", d.bucketName, meta.Path, err))
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fault.Transient(fmt.Errorf("detect: reading gs://%s/%s: %w", d.bucketName, meta.Path, err))
	}

	return data, nil
}
