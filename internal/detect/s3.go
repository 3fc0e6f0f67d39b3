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

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/sqs"

	"github.com/flexrag/syncd/internal/fault"
)

const (
	// SQS long-poll window and visibility timeout. Visibility must
	// comfortably exceed the apply path so an in-flight document is not
	// redelivered mid-apply; the message is deleted only after commit.
	sqsWaitTimeSeconds   = 20
	sqsVisibilitySeconds = 300
	sqsMaxMessages       = 10
)

type s3Params struct {
	Bucket      string `json:"bucket"`
	SQSQueueURL string `json:"sqs_queue_url"`
	Region      string `json:"region"`
	AccessKey   string `json:"access_key_id"`
	SecretKey   string `json:"secret_access_key"`
	filterParams
}

// s3Detector reads S3 event notifications from an SQS queue (direct or
// SNS-wrapped envelopes) and reconciles with ListObjectsV2.
type s3Detector struct {
	bucket   string
	queueURL string
	filter   Filter
	s3       *s3.S3
	sqs      *sqs.SQS
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func newS3Detector(raw json.RawMessage, logger *slog.Logger) (Detector, error) {
	var params s3Params
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("detect: s3 params: %w", err)
	}

	if params.Bucket == "" {
		return nil, errors.New("detect: s3 params: bucket is required")
	}

	cfg := aws.NewConfig()
	if params.Region != "" {
		cfg = cfg.WithRegion(params.Region)
	}

	if params.AccessKey != "" {
		cfg = cfg.WithCredentials(
			credentials.NewStaticCredentials(params.AccessKey, params.SecretKey, ""))
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("detect: s3 session: %w", err)
	}

	return &s3Detector{
		bucket:   params.Bucket,
		queueURL: params.SQSQueueURL,
		filter:   params.filter(),
		s3:       s3.New(sess),
		sqs:      sqs.New(sess),
		logger:   logger,
	}, nil
}

func (d *s3Detector) Start(ctx context.Context) (<-chan Event, error) {
	if d.queueURL == "" {
		// Event mode was never configured; plain periodic source.
		return nil, nil
	}

	// Probe the queue once so bad credentials fail the source instead
	// of spinning in the poll loop.
	_, err := d.sqs.GetQueueAttributesWithContext(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(d.queueURL),
		AttributeNames: []*string{aws.String("QueueArn")},
	})
	if err != nil {
		if isAWSAccessError(err) {
			return nil, fault.Fatal(fmt.Errorf("detect: sqs queue %s: %w", d.queueURL, err))
		}

		d.logger.Info("sqs unreachable, downgrading to periodic-only mode",
			slog.String("queue", d.queueURL),
			slog.String("error", err.Error()),
		)

		return nil, nil
	}

	ctx, d.cancel = context.WithCancel(ctx)
	events := make(chan Event, eventBufSize)
	d.done = make(chan struct{})

	go d.pollLoop(ctx, events)

	d.logger.Info("sqs event stream started", slog.String("queue", d.queueURL))

	return events, nil
}

func (d *s3Detector) Stop() error {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}

	return nil
}

// pollLoop long-polls SQS and emits one event per S3 record. The
// message is deleted via the event's Ack after the engine commits;
// uncommitted messages reappear after the visibility timeout.
func (d *s3Detector) pollLoop(ctx context.Context, events chan<- Event) {
	defer close(events)
	defer close(d.done)

	for ctx.Err() == nil {
		out, err := d.sqs.ReceiveMessageWithContext(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(d.queueURL),
			MaxNumberOfMessages: aws.Int64(sqsMaxMessages),
			WaitTimeSeconds:     aws.Int64(sqsWaitTimeSeconds),
			VisibilityTimeout:   aws.Int64(sqsVisibilitySeconds),
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			d.logger.Warn("sqs receive failed, backing off",
				slog.String("error", err.Error()))

			if sleepErr := sleepCtx(ctx, retryInitialInterval); sleepErr != nil {
				return
			}

			continue
		}

		for _, msg := range out.Messages {
			d.emitMessage(ctx, msg, events)
		}
	}
}

// emitMessage parses one SQS message body into zero or more change
// events. Unparseable messages are deleted immediately so they do not
// poison the queue.
func (d *s3Detector) emitMessage(ctx context.Context, msg *sqs.Message, events chan<- Event) {
	records, err := parseS3Notification(aws.StringValue(msg.Body))
	if err != nil {
		d.logger.Warn("dropping unparseable queue message",
			slog.String("error", err.Error()))
		d.deleteMessage(msg)

		return
	}

	matched := false

	for _, rec := range records {
		if rec.bucket != d.bucket || !d.filter.Match(rec.key) {
			continue
		}

		matched = true
		ev := newEvent(rec.changeType, FileMetadata{Path: rec.key, Size: rec.size})
		ev.Ack = func() { d.deleteMessage(msg) }

		select {
		case events <- ev:
		case <-ctx.Done():
			return
		}
	}

	if !matched {
		// Nothing to apply (test events, other buckets, filtered keys).
		d.deleteMessage(msg)
	}
}

func (d *s3Detector) deleteMessage(msg *sqs.Message) {
	_, err := d.sqs.DeleteMessage(&sqs.DeleteMessageInput{
		QueueUrl:      aws.String(d.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		// Redelivery after the visibility timeout; the apply is
		// idempotent.
		d.logger.Warn("sqs delete failed", slog.String("error", err.Error()))
	}
}

func (d *s3Detector) ListAll(ctx context.Context, fn func(FileMetadata) error) error {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(d.bucket)}
	if d.filter.Prefix != "" {
		input.Prefix = aws.String(d.filter.Prefix)
	}

	var fnErr error

	err := d.s3.ListObjectsV2PagesWithContext(ctx, input,
		func(page *s3.ListObjectsV2Output, _ bool) bool {
			for _, obj := range page.Contents {
				key := aws.StringValue(obj.Key)
				if strings.HasSuffix(key, "/") || !d.filter.Match(key) {
					continue
				}

				meta := FileMetadata{
					Path: key,
					Size: aws.Int64Value(obj.Size),
				}
				if obj.LastModified != nil {
					meta.Modified = *obj.LastModified
				}

				if fnErr = fn(meta); fnErr != nil {
					return false
				}
			}

			return true
		})
	if fnErr != nil {
		return fnErr
	}

	if err != nil {
		return fault.Transient(fmt.Errorf("detect: listing s3://%s: %w", d.bucket, err))
	}

	return nil
}

func (d *s3Detector) Load(ctx context.Context, meta FileMetadata) ([]byte, error) {
	out, err := d.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(meta.Path),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, fault.ErrNotFound
		}

		return nil, fault.Transient(fmt.Errorf("detect: getting s3://%s/%s: %w", d.bucket, meta.Path, err))
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fault.Transient(fmt.Errorf("detect: reading s3://%s/%s: %w", d.bucket, meta.Path, err))
	}

	return data, nil
}

// ---------------------------------------------------------------------------
// Notification parsing
// ---------------------------------------------------------------------------

type s3Record struct {
	changeType ChangeType
	bucket     string
	key        string
	size       int64
}

type s3NotificationBody struct {
	// SNS envelope fields.
	Type    string `json:"Type"`
	Message string `json:"Message"`

	Records []struct {
		EventName string `json:"eventName"`
		S3        struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key  string `json:"key"`
				Size int64  `json:"size"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// parseS3Notification decodes an S3 event notification, unwrapping one
// level of SNS envelope when present. Object keys are URL-decoded
// (S3 notifications encode them like query strings).
func parseS3Notification(body string) ([]s3Record, error) {
	var note s3NotificationBody
	if err := json.Unmarshal([]byte(body), &note); err != nil {
		return nil, fmt.Errorf("detect: decoding s3 notification: %w", err)
	}

	if note.Type == "Notification" && note.Message != "" {
		return parseS3Notification(note.Message)
	}

	records := make([]s3Record, 0, len(note.Records))

	for _, rec := range note.Records {
		key, err := url.QueryUnescape(rec.S3.Object.Key)
		if err != nil {
			key = rec.S3.Object.Key
		}

		var changeType ChangeType

		switch {
		case strings.HasPrefix(rec.EventName, "ObjectCreated"):
			changeType = ChangeUpdate
		case strings.HasPrefix(rec.EventName, "ObjectRemoved"):
			changeType = ChangeDelete
		default:
			continue
		}

		records = append(records, s3Record{
			changeType: changeType,
			bucket:     rec.S3.Bucket.Name,
			key:        key,
			size:       rec.S3.Object.Size,
		})
	}

	return records, nil
}

// isAWSAccessError reports whether err is a permanent auth/permission
// failure rather than a network blip.
func isAWSAccessError(err error) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}

	switch aerr.Code() {
	case "AccessDenied", "AccessDeniedException", "InvalidClientTokenId",
		"UnrecognizedClientException", "SignatureDoesNotMatch",
		"AWS.SimpleQueueService.NonExistentQueue":
		return true
	default:
		return false
	}
}

// sleepCtx waits for d or until ctx is canceled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
