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

	"github.com/coder/websocket"

	"github.com/flexrag/syncd/internal/fault"
	"github.com/flexrag/syncd/internal/rest"
)

const (
	alfrescoAPIBase    = "/alfresco/api/-default-/public/alfresco/versions/1"
	alfrescoEventTopic = "/topic/alfresco.repo.event2"
	alfrescoPageSize   = 100
)

type alfrescoParams struct {
	URL             string   `json:"url"`
	Username        string   `json:"username"`
	Password        string   `json:"password"`
	Path            string   `json:"path"`
	NodeIDs         []string `json:"node_ids"`
	EventMode       string   `json:"event_mode"` // auto | on | off
	EventsWSURL     string   `json:"events_ws_url"`
	PollingInterval int      `json:"polling_interval"`
	filterParams
}

// alfrescoDetector lists repository folders over the public REST API
// and, when a broker endpoint is reachable, consumes the event2 topic
// over STOMP via WebSocket. When neither event gateway nor broker is
// available it downgrades to periodic-only mode.
type alfrescoDetector struct {
	client    *rest.Client
	username  string
	password  string
	rootPath  string
	nodeIDs   []string
	eventMode string
	wsURL     string
	filter    Filter
	logger    *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func newAlfrescoDetector(raw json.RawMessage, logger *slog.Logger) (Detector, error) {
	var params alfrescoParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("detect: alfresco params: %w", err)
	}

	if params.URL == "" || params.Username == "" || params.Password == "" {
		return nil, errors.New("detect: alfresco params: url, username and password are required")
	}

	mode := params.EventMode
	if mode == "" {
		mode = "auto"
	}

	base := strings.TrimSuffix(params.URL, "/") + alfrescoAPIBase

	return &alfrescoDetector{
		client: rest.NewClient(base, &http.Client{Timeout: 30 * time.Second},
			rest.BasicAuth(params.Username, params.Password), logger),
		username:  params.Username,
		password:  params.Password,
		rootPath:  params.Path,
		nodeIDs:   params.NodeIDs,
		eventMode: mode,
		wsURL:     params.EventsWSURL,
		filter:    params.filter(),
		logger:    logger,
	}, nil
}

type alfrescoNode struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	IsFolder   bool      `json:"isFolder"`
	IsFile     bool      `json:"isFile"`
	ModifiedAt time.Time `json:"modifiedAt"`
	Content    struct {
		SizeInBytes int64 `json:"sizeInBytes"`
	} `json:"content"`
	Path struct {
		Name string `json:"name"`
	} `json:"path"`
}

type alfrescoNodeEntry struct {
	Entry alfrescoNode `json:"entry"`
}

type alfrescoChildren struct {
	List struct {
		Entries    []alfrescoNodeEntry `json:"entries"`
		Pagination struct {
			HasMoreItems bool `json:"hasMoreItems"`
			SkipCount    int  `json:"skipCount"`
			Count        int  `json:"count"`
		} `json:"pagination"`
	} `json:"list"`
}

func (d *alfrescoDetector) Start(ctx context.Context) (<-chan Event, error) {
	// Probe the repository so bad credentials fail the source at start.
	var probe alfrescoNodeEntry
	if err := d.client.GetJSON(ctx, "/nodes/-root-", &probe); err != nil {
		if errors.Is(err, rest.ErrUnauthorized) || errors.Is(err, rest.ErrForbidden) {
			return nil, fault.Fatal(fmt.Errorf("detect: alfresco auth: %w", err))
		}

		return nil, fault.Transient(fmt.Errorf("detect: alfresco probe: %w", err))
	}

	if d.eventMode == "off" {
		return nil, nil
	}

	if d.wsURL == "" {
		if d.eventMode == "on" {
			return nil, fault.Fatal(errors.New(
				"detect: alfresco params: event_mode=on requires events_ws_url"))
		}

		d.logger.Info("alfresco event broker not configured, downgrading to periodic-only mode")

		return nil, nil
	}

	ctx, d.cancel = context.WithCancel(ctx)
	events := make(chan Event, eventBufSize)
	d.done = make(chan struct{})

	go d.eventLoop(ctx, events)

	d.logger.Info("alfresco event stream started", slog.String("broker", d.wsURL))

	return events, nil
}

func (d *alfrescoDetector) Stop() error {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}

	return nil
}

// eventLoop maintains a STOMP subscription to the event2 topic,
// redialing with backoff when the broker connection drops. Events
// missed during an outage are recovered by reconciliation.
func (d *alfrescoDetector) eventLoop(ctx context.Context, events chan<- Event) {
	defer close(events)
	defer close(d.done)

	delay := retryInitialInterval

	for ctx.Err() == nil {
		err := d.consumeTopic(ctx, events)
		if ctx.Err() != nil {
			return
		}

		d.logger.Warn("alfresco event connection lost, redialing",
			slog.String("error", err.Error()),
			slog.Duration("backoff", delay),
		)

		if sleepCtx(ctx, delay) != nil {
			return
		}

		delay *= 2
		if delay > retryMaxInterval {
			delay = retryMaxInterval
		}
	}
}

// consumeTopic dials the broker, performs the STOMP handshake and
// subscription, then relays MESSAGE frames until the connection fails.
func (d *alfrescoDetector) consumeTopic(ctx context.Context, events chan<- Event) error {
	conn, _, err := websocket.Dial(ctx, d.wsURL, &websocket.DialOptions{
		Subprotocols: []string{"v12.stomp", "v11.stomp"},
	})
	if err != nil {
		return fmt.Errorf("detect: dialing broker: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutting down")

	connect := stompFrame("CONNECT", map[string]string{
		"accept-version": "1.1,1.2",
		"host":           "/",
		"login":          d.username,
		"passcode":       d.password,
		"heart-beat":     "0,0",
	}, "")
	if err := conn.Write(ctx, websocket.MessageText, connect); err != nil {
		return fmt.Errorf("detect: stomp connect: %w", err)
	}

	command, _, _, err := readStompFrame(ctx, conn)
	if err != nil {
		return err
	}

	if command != "CONNECTED" {
		return fmt.Errorf("detect: stomp handshake rejected: %s", command)
	}

	subscribe := stompFrame("SUBSCRIBE", map[string]string{
		"id":          "0",
		"destination": alfrescoEventTopic,
		"ack":         "auto",
	}, "")
	if err := conn.Write(ctx, websocket.MessageText, subscribe); err != nil {
		return fmt.Errorf("detect: stomp subscribe: %w", err)
	}

	for {
		command, _, body, err := readStompFrame(ctx, conn)
		if err != nil {
			return err
		}

		if command != "MESSAGE" {
			continue
		}

		d.emitRepoEvent(ctx, body, events)
	}
}

// repoEvent is the subset of the Alfresco event2 payload the detector
// consumes.
type repoEvent struct {
	Type string `json:"type"`
	Data struct {
		Resource struct {
			ID     string `json:"id"`
			Name   string `json:"name"`
			IsFile bool   `json:"isFile"`
		} `json:"resource"`
	} `json:"data"`
}

func (d *alfrescoDetector) emitRepoEvent(ctx context.Context, body string, events chan<- Event) {
	var ev repoEvent
	if err := json.Unmarshal([]byte(body), &ev); err != nil {
		d.logger.Warn("unparseable repo event", slog.String("error", err.Error()))
		return
	}

	if !ev.Data.Resource.IsFile || ev.Data.Resource.ID == "" {
		return
	}

	var out Event

	switch {
	case strings.HasSuffix(ev.Type, "node.Deleted"):
		out = newEvent(ChangeDelete, FileMetadata{SourceID: ev.Data.Resource.ID})

	case strings.HasSuffix(ev.Type, "node.Created"), strings.HasSuffix(ev.Type, "node.Updated"):
		// The event payload has no path; resolve it so the doc_id is
		// stable against the reconciler's listing.
		meta, err := d.nodeMetadata(ctx, ev.Data.Resource.ID)
		if err != nil {
			if !fault.IsNotFound(err) {
				d.logger.Warn("resolving event node",
					slog.String("node_id", ev.Data.Resource.ID),
					slog.String("error", err.Error()))
			}

			return
		}

		if !d.filter.Match(meta.Path) {
			return
		}

		out = newEvent(ChangeUpdate, meta)

	default:
		return
	}

	select {
	case events <- out:
	case <-ctx.Done():
	}
}

// nodeMetadata fetches a node by ID and returns its logical metadata.
func (d *alfrescoDetector) nodeMetadata(ctx context.Context, nodeID string) (FileMetadata, error) {
	var entry alfrescoNodeEntry

	err := d.client.GetJSON(ctx, "/nodes/"+nodeID+"?include=path", &entry)
	if err != nil {
		if errors.Is(err, rest.ErrNotFound) {
			return FileMetadata{}, fault.ErrNotFound
		}

		return FileMetadata{}, fault.Transient(err)
	}

	return nodeToMetadata(&entry.Entry), nil
}

func nodeToMetadata(node *alfrescoNode) FileMetadata {
	path := node.Name
	if node.Path.Name != "" {
		path = node.Path.Name + "/" + node.Name
	}

	return FileMetadata{
		Path:     path,
		SourceID: node.ID,
		Modified: node.ModifiedAt,
		Size:     node.Content.SizeInBytes,
	}
}

// rootNodes resolves the configured starting points: explicit node IDs,
// a repository path, or the repository root.
func (d *alfrescoDetector) rootNodes(ctx context.Context) ([]string, error) {
	if len(d.nodeIDs) > 0 {
		return d.nodeIDs, nil
	}

	target := "/nodes/-root-"
	if d.rootPath != "" {
		target += "?relativePath=" + url.QueryEscape(d.rootPath)
	}

	var entry alfrescoNodeEntry
	if err := d.client.GetJSON(ctx, target, &entry); err != nil {
		return nil, fault.Transient(fmt.Errorf("detect: resolving alfresco root: %w", err))
	}

	return []string{entry.Entry.ID}, nil
}

func (d *alfrescoDetector) ListAll(ctx context.Context, fn func(FileMetadata) error) error {
	roots, err := d.rootNodes(ctx)
	if err != nil {
		return err
	}

	queue := append([]string(nil), roots...)

	for len(queue) > 0 {
		nodeID := queue[0]
		queue = queue[1:]

		for skip := 0; ; {
			var page alfrescoChildren

			path := fmt.Sprintf("/nodes/%s/children?include=path&skipCount=%d&maxItems=%d",
				nodeID, skip, alfrescoPageSize)
			if err := d.client.GetJSON(ctx, path, &page); err != nil {
				return fault.Transient(fmt.Errorf("detect: listing alfresco node %s: %w", nodeID, err))
			}

			for _, child := range page.List.Entries {
				node := child.Entry

				if node.IsFolder {
					if d.filter.Recursive {
						queue = append(queue, node.ID)
					}

					continue
				}

				if !node.IsFile {
					continue
				}

				meta := nodeToMetadata(&node)
				if !d.filter.Match(meta.Path) {
					continue
				}

				if err := fn(meta); err != nil {
					return err
				}
			}

			if !page.List.Pagination.HasMoreItems {
				break
			}

			skip += page.List.Pagination.Count
		}
	}

	return nil
}

func (d *alfrescoDetector) Load(ctx context.Context, meta FileMetadata) ([]byte, error) {
	if meta.SourceID == "" {
		return nil, fault.ErrNotFound
	}

	data, err := d.client.GetBytes(ctx, "/nodes/"+meta.SourceID+"/content")
	if err != nil {
		if errors.Is(err, rest.ErrNotFound) {
			return nil, fault.ErrNotFound
		}

		return nil, fault.Transient(fmt.Errorf("detect: loading alfresco node %s: %w", meta.SourceID, err))
	}

	return data, nil
}

// ---------------------------------------------------------------------------
// Minimal STOMP framing
// ---------------------------------------------------------------------------

// stompFrame encodes a STOMP frame: command, headers, blank line, body,
// NUL terminator.
func stompFrame(command string, headers map[string]string, body string) []byte {
	var b strings.Builder

	b.WriteString(command)
	b.WriteByte('\n')

	for k, v := range headers {
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(v)
		b.WriteByte('\n')
	}

	b.WriteByte('\n')
	b.WriteString(body)
	b.WriteByte(0)

	return []byte(b.String())
}

// readStompFrame reads one frame from the WebSocket connection,
// skipping heartbeat newlines.
func readStompFrame(ctx context.Context, conn *websocket.Conn) (command string, headers map[string]string, body string, err error) {
	for {
		_, data, readErr := conn.Read(ctx)
		if readErr != nil {
			return "", nil, "", fmt.Errorf("detect: reading broker frame: %w", readErr)
		}

		raw := strings.TrimRight(string(data), "\x00")
		if strings.TrimSpace(raw) == "" {
			// Heartbeat.
			continue
		}

		head, payload, _ := strings.Cut(raw, "\n\n")
		lines := strings.Split(head, "\n")

		headers = make(map[string]string, len(lines)-1)
		for _, line := range lines[1:] {
			if k, v, found := strings.Cut(line, ":"); found {
				headers[k] = v
			}
		}

		return lines[0], headers, payload, nil
	}
}
