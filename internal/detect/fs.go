package detect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/text/unicode/norm"

	"github.com/flexrag/syncd/internal/fault"
)

const (
	defaultQuietPeriod = 60 * time.Second

	// Reads racing an editor save (sharing violations on Windows, short
	// writes elsewhere) are retried for up to 5s. After that the load
	// fails as transient; the engine records the failure and does not
	// requeue the event, so the document waits for a later
	// reconciliation pass.
	loadRetryWindow = 5 * time.Second
)

type filesystemParams struct {
	Paths              []string `json:"paths"`
	QuietPeriodSeconds int      `json:"quiet_period_seconds"`
	filterParams
}

// filesystemDetector watches local directories with fsnotify and
// collapses editor save storms with a per-path quiet-period debounce.
// Reconciliation is a recursive directory walk.
type filesystemDetector struct {
	roots       []string
	quietPeriod time.Duration
	filter      Filter
	logger      *slog.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

func newFilesystemDetector(raw json.RawMessage, logger *slog.Logger) (Detector, error) {
	var params filesystemParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("detect: filesystem params: %w", err)
	}

	if len(params.Paths) == 0 {
		return nil, errors.New("detect: filesystem params: paths is required")
	}

	quiet := defaultQuietPeriod
	if params.QuietPeriodSeconds > 0 {
		quiet = time.Duration(params.QuietPeriodSeconds) * time.Second
	}

	roots := make([]string, 0, len(params.Paths))
	for _, p := range params.Paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("detect: resolving path %s: %w", p, err)
		}

		roots = append(roots, abs)
	}

	return &filesystemDetector{
		roots:       roots,
		quietPeriod: quiet,
		filter:      params.filter(),
		logger:      logger,
		timers:      make(map[string]*time.Timer),
	}, nil
}

func (d *filesystemDetector) Start(ctx context.Context) (<-chan Event, error) {
	for _, root := range d.roots {
		if _, err := os.Stat(root); err != nil {
			return nil, fault.Fatal(fmt.Errorf("detect: watch root %s: %w", root, err))
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// No OS watch capability: periodic-only mode still serves the
		// source.
		d.logger.Info("filesystem watch unavailable, running in periodic-only mode",
			slog.String("error", err.Error()))

		return nil, nil
	}

	d.watcher = watcher

	for _, root := range d.roots {
		if err := d.addWatchesRecursive(root); err != nil {
			watcher.Close()
			d.watcher = nil

			return nil, fault.Fatal(err)
		}
	}

	ctx, d.cancel = context.WithCancel(ctx)
	events := make(chan Event, eventBufSize)
	d.done = make(chan struct{})

	go d.watchLoop(ctx, events)

	d.logger.Info("filesystem watch started",
		slog.Int("roots", len(d.roots)),
		slog.Duration("quiet_period", d.quietPeriod),
	)

	return events, nil
}

func (d *filesystemDetector) Stop() error {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}

	if d.watcher != nil {
		return d.watcher.Close()
	}

	return nil
}

// watchLoop drains fsnotify events, debouncing each path for the quiet
// period so a burst of editor writes yields a single change event.
func (d *filesystemDetector) watchLoop(ctx context.Context, events chan<- Event) {
	defer close(events)
	defer close(d.done)

	fired := make(chan string, eventBufSize)

	for {
		select {
		case <-ctx.Done():
			d.stopTimers()
			return

		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			d.handleFsEvent(ev, fired)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}

			d.logger.Warn("filesystem watch error", slog.String("error", err.Error()))

		case path := <-fired:
			d.emitSettled(ctx, path, events)
		}
	}
}

// handleFsEvent registers (or resets) the debounce timer for the
// affected path. New directories are watched immediately so files
// created inside them are not missed.
func (d *filesystemDetector) handleFsEvent(ev fsnotify.Event, fired chan<- string) {
	path := normPath(ev.Name)

	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := d.addWatchesRecursive(ev.Name); err != nil {
				d.logger.Warn("adding watch for new directory",
					slog.String("path", path), slog.String("error", err.Error()))
			}
		}
	}

	if !d.filter.Match(path) {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if timer, ok := d.timers[path]; ok {
		timer.Reset(d.quietPeriod)
		return
	}

	d.timers[path] = time.AfterFunc(d.quietPeriod, func() {
		select {
		case fired <- path:
		default:
			// Channel full; the periodic reconciler catches up.
		}
	})
}

// emitSettled classifies a path whose quiet period elapsed: still
// present means update, gone means delete. Directories emit nothing
// themselves; their contained files produce their own events.
func (d *filesystemDetector) emitSettled(ctx context.Context, path string, events chan<- Event) {
	d.mu.Lock()
	delete(d.timers, path)
	d.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			d.logger.Warn("stat after quiet period", slog.String("path", path),
				slog.String("error", err.Error()))
			return
		}

		d.send(ctx, events, newEvent(ChangeDelete, FileMetadata{Path: path}))

		return
	}

	if info.IsDir() {
		return
	}

	d.send(ctx, events, newEvent(ChangeUpdate, FileMetadata{
		Path:     path,
		Modified: info.ModTime(),
		Size:     info.Size(),
	}))
}

func (d *filesystemDetector) send(ctx context.Context, events chan<- Event, ev Event) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

func (d *filesystemDetector) stopTimers() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for path, timer := range d.timers {
		timer.Stop()
		delete(d.timers, path)
	}
}

// addWatchesRecursive walks root and adds a watch on every directory
// (or just root when the filter is non-recursive).
func (d *filesystemDetector) addWatchesRecursive(root string) error {
	if !d.filter.Recursive {
		if err := d.watcher.Add(root); err != nil {
			return fmt.Errorf("detect: watching %s: %w", root, err)
		}

		return nil
	}

	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			d.logger.Warn("walk error during watch setup",
				slog.String("path", path), slog.String("error", walkErr.Error()))

			return nil
		}

		if !entry.IsDir() {
			return nil
		}

		if err := d.watcher.Add(path); err != nil {
			d.logger.Warn("failed to add watch",
				slog.String("path", path), slog.String("error", err.Error()))
		}

		return nil
	})
}

func (d *filesystemDetector) ListAll(ctx context.Context, fn func(FileMetadata) error) error {
	for _, root := range d.roots {
		err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				d.logger.Warn("walk error", slog.String("path", path),
					slog.String("error", walkErr.Error()))

				if entry != nil && entry.IsDir() {
					return filepath.SkipDir
				}

				return nil
			}

			if ctx.Err() != nil {
				return ctx.Err()
			}

			if entry.IsDir() {
				if !d.filter.Recursive && path != root {
					return filepath.SkipDir
				}

				return nil
			}

			logical := normPath(path)
			if !d.filter.Match(logical) {
				return nil
			}

			info, err := entry.Info()
			if err != nil {
				// File disappeared between readdir and stat.
				return nil
			}

			return fn(FileMetadata{
				Path:     logical,
				Modified: info.ModTime(),
				Size:     info.Size(),
			})
		})
		if err != nil {
			return fault.Transient(fmt.Errorf("detect: walking %s: %w", root, err))
		}
	}

	return nil
}

// Load reads the file, retrying briefly on errors that look like a
// concurrent writer holding the file (Windows sharing violations
// surface as open errors; partially flushed saves elsewhere).
func (d *filesystemDetector) Load(ctx context.Context, meta FileMetadata) ([]byte, error) {
	var data []byte

	err := retryTransient(ctx, loadRetryWindow, func() error {
		var readErr error

		data, readErr = os.ReadFile(meta.Path)
		if readErr == nil {
			return nil
		}

		if os.IsNotExist(readErr) {
			return backoff.Permanent(fmt.Errorf("%w: %s", errPermanentLoad, meta.Path))
		}

		return readErr
	})
	if err != nil {
		if errors.Is(err, errPermanentLoad) {
			return nil, fault.ErrNotFound
		}

		return nil, fault.Transient(fmt.Errorf("detect: reading %s: %w", meta.Path, err))
	}

	return data, nil
}

var errPermanentLoad = errors.New("detect: file gone")

// normPath converts a filesystem path to the canonical logical form:
// forward slashes and NFC Unicode, so doc_ids stay stable across
// platforms and HFS-style decomposition.
func normPath(path string) string {
	return norm.NFC.String(filepath.ToSlash(path))
}
