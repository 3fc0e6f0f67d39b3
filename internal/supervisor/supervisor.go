// Package supervisor is the process-wide controller: one detector and
// one engine per active datasource, started from the state store at
// boot, reconciled against configuration changes, and stopped as a
// group on shutdown.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flexrag/syncd/internal/detect"
	"github.com/flexrag/syncd/internal/engine"
	"github.com/flexrag/syncd/internal/state"
)

const defaultConfigRefresh = 30 * time.Second

// EngineRunner is the slice of the engine the supervisor drives.
// Implemented by *engine.Engine; tests inject mocks.
type EngineRunner interface {
	Run(ctx context.Context) error
	SyncNow(ctx context.Context) error
	Stop()
}

// DetectorFactory builds a detector for a datasource configuration.
// The real implementation is detect.New; tests inject fakes.
type DetectorFactory func(ctx context.Context, cfg *state.DatasourceConfig, logger *slog.Logger) (detect.Detector, error)

// EngineFactory builds an engine from its wiring. Tests inject mocks.
type EngineFactory func(cfg *engine.Config) EngineRunner

// Config holds the supervisor's collaborators. Processor and the three
// writers are shared by every engine.
type Config struct {
	Store     *state.Store
	Processor engine.Processor
	Vector    engine.VectorWriter
	Search    engine.SearchWriter
	Graph     engine.GraphWriter
	Logger    *slog.Logger

	Workers       int
	WriterTimeout time.Duration

	// ConfigRefresh is the cadence for picking up admin changes to the
	// datasource table (new sources, edits, deactivations).
	ConfigRefresh time.Duration

	DetectorFactory DetectorFactory // nil = detect.New
	EngineFactory   EngineFactory   // nil = engine.New
}

// runner is one supervised detector+engine pair.
type runner struct {
	source *state.DatasourceConfig
	engine EngineRunner
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor owns the runner map. It is the only component that writes
// sync_status=error: engines report fatal source failures by returning
// from Run.
type Supervisor struct {
	cfg    *Config
	logger *slog.Logger

	detectorFactory DetectorFactory
	engineFactory   EngineFactory

	mu      sync.Mutex
	runners map[string]*runner

	refreshDone chan struct{}
	cancel      context.CancelFunc
}

// New creates a Supervisor; Start launches it.
func New(cfg *Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	detectorFactory := cfg.DetectorFactory
	if detectorFactory == nil {
		detectorFactory = detect.New
	}

	engineFactory := cfg.EngineFactory
	if engineFactory == nil {
		engineFactory = func(ecfg *engine.Config) EngineRunner {
			return engine.New(ecfg)
		}
	}

	return &Supervisor{
		cfg:             cfg,
		logger:          logger,
		detectorFactory: detectorFactory,
		engineFactory:   engineFactory,
		runners:         make(map[string]*runner),
	}
}

// Start launches a runner for every active config and begins watching
// the config table for changes.
func (s *Supervisor) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	configs, err := s.cfg.Store.ListActiveConfigs(ctx)
	if err != nil {
		return fmt.Errorf("supervisor: loading active configs: %w", err)
	}

	for _, source := range configs {
		s.startRunner(ctx, source)
	}

	s.refreshDone = make(chan struct{})

	go s.refreshLoop(ctx)

	s.logger.Info("supervisor started", slog.Int("sources", len(configs)))

	return nil
}

// Stop shuts every runner down and waits for them to drain. Engines
// stop first (finishing in-flight applies to a safe point), then their
// detectors, which is the order Engine.Run itself enforces.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}

	if s.refreshDone != nil {
		<-s.refreshDone
	}

	s.mu.Lock()
	running := make([]*runner, 0, len(s.runners))

	for id, r := range s.runners {
		running = append(running, r)
		delete(s.runners, id)
	}
	s.mu.Unlock()

	for _, r := range running {
		r.cancel()
	}

	for _, r := range running {
		<-r.done
	}

	s.logger.Info("supervisor stopped")
}

// startRunner builds the detector and engine for one source and spawns
// its lifecycle goroutine. Factory failures mark the config as errored
// immediately; the supervisor must never hold a second runner for a
// config_id that already has one.
func (s *Supervisor) startRunner(ctx context.Context, source *state.DatasourceConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runners[source.ConfigID]; exists {
		return
	}

	detector, err := s.detectorFactory(ctx, source, s.logger)
	if err != nil {
		s.logger.Error("detector construction failed",
			slog.String("config_id", source.ConfigID),
			slog.String("error", err.Error()),
		)
		s.markError(ctx, source.ConfigID, err)

		return
	}

	eng := s.engineFactory(&engine.Config{
		Store:         s.cfg.Store,
		Source:        source,
		Detector:      detector,
		Processor:     s.cfg.Processor,
		Vector:        s.cfg.Vector,
		Search:        s.cfg.Search,
		Graph:         s.cfg.Graph,
		Logger:        s.logger,
		Workers:       s.cfg.Workers,
		WriterTimeout: s.cfg.WriterTimeout,
	})

	rctx, cancel := context.WithCancel(ctx)
	r := &runner{
		source: source,
		engine: eng,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.runners[source.ConfigID] = r

	go s.runEngine(rctx, r)

	s.logger.Info("source runner started",
		slog.String("config_id", source.ConfigID),
		slog.String("source_type", string(source.SourceType)),
		slog.String("source_name", source.SourceName),
	)
}

// runEngine hosts one engine for its lifetime. A fatal return disables
// the source: status goes to error and no automatic restart happens —
// an operator fixes the config and re-enables it.
func (s *Supervisor) runEngine(ctx context.Context, r *runner) {
	defer close(r.done)

	err := r.engine.Run(ctx)
	if err == nil || ctx.Err() != nil {
		return
	}

	s.logger.Error("source failed fatally",
		slog.String("config_id", r.source.ConfigID),
		slog.String("error", err.Error()),
	)

	s.markError(ctx, r.source.ConfigID, err)

	s.mu.Lock()
	delete(s.runners, r.source.ConfigID)
	s.mu.Unlock()
}

// markError is the supervisor's sole privilege: flipping a config to
// sync_status=error.
func (s *Supervisor) markError(ctx context.Context, configID string, cause error) {
	text := cause.Error()

	// The runner context may already be canceled; status still needs to
	// be recorded.
	if ctx.Err() != nil {
		ctx = context.Background()
	}

	if err := s.cfg.Store.UpdateConfigStatus(ctx,
		configID, state.StatusError, 0, &text); err != nil {
		s.logger.Error("recording source error",
			slog.String("config_id", configID),
			slog.String("error", err.Error()),
		)
	}
}

// SyncNow triggers one immediate reconciliation pass for a config and
// waits for it.
func (s *Supervisor) SyncNow(ctx context.Context, configID string) error {
	s.mu.Lock()
	r, ok := s.runners[configID]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("supervisor: no running source for config %s", configID)
	}

	return r.engine.SyncNow(ctx)
}

// SyncNowAll triggers a pass for every running source, collecting the
// first error but attempting all.
func (s *Supervisor) SyncNowAll(ctx context.Context) error {
	s.mu.Lock()
	running := make([]*runner, 0, len(s.runners))

	for _, r := range s.runners {
		running = append(running, r)
	}
	s.mu.Unlock()

	var firstErr error

	for _, r := range running {
		if err := r.engine.SyncNow(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("supervisor: sync %s: %w", r.source.ConfigID, err)
		}
	}

	return firstErr
}

// Reload rebuilds a source's detector and engine with fresh parameters.
func (s *Supervisor) Reload(ctx context.Context, configID string) error {
	s.stopRunner(configID)

	source, err := s.cfg.Store.GetConfig(ctx, configID)
	if err != nil {
		return err
	}

	if source.IsActive {
		s.startRunner(ctx, source)
	}

	return nil
}

// Disable stops a source's runner and deactivates its config.
func (s *Supervisor) Disable(ctx context.Context, configID string) error {
	s.stopRunner(configID)

	return s.cfg.Store.SetActive(ctx, configID, false)
}

// Enable activates a config and starts its runner. Re-enabling is also
// the operator path out of the error state, so the status resets to
// idle and the recorded error clears.
func (s *Supervisor) Enable(ctx context.Context, configID string) error {
	if err := s.cfg.Store.SetActive(ctx, configID, true); err != nil {
		return err
	}

	cleared := ""
	if err := s.cfg.Store.UpdateConfigStatus(ctx,
		configID, state.StatusIdle, 0, &cleared); err != nil {
		return err
	}

	return s.Reload(ctx, configID)
}

func (s *Supervisor) stopRunner(configID string) {
	s.mu.Lock()
	r, ok := s.runners[configID]
	if ok {
		delete(s.runners, configID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	r.cancel()
	<-r.done

	s.logger.Info("source runner stopped", slog.String("config_id", configID))
}

// refreshLoop reconciles the runner map against the config table so
// admin changes take effect without a restart: new actives start,
// deactivated or deleted sources stop, edited configs reload.
func (s *Supervisor) refreshLoop(ctx context.Context) {
	defer close(s.refreshDone)

	interval := s.cfg.ConfigRefresh
	if interval <= 0 {
		interval = defaultConfigRefresh
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshOnce(ctx)
		}
	}
}

func (s *Supervisor) refreshOnce(ctx context.Context) {
	configs, err := s.cfg.Store.ListActiveConfigs(ctx)
	if err != nil {
		s.logger.Warn("config refresh failed", slog.String("error", err.Error()))
		return
	}

	active := make(map[string]*state.DatasourceConfig, len(configs))
	for _, source := range configs {
		active[source.ConfigID] = source
	}

	// Stop runners whose configs vanished or deactivated; collect
	// edited ones for reload.
	s.mu.Lock()
	var stopped, changed []string

	for id, r := range s.runners {
		source, stillActive := active[id]

		switch {
		case !stillActive:
			stopped = append(stopped, id)
		case source.UpdatedAt.After(r.source.UpdatedAt):
			changed = append(changed, id)
		}
	}
	s.mu.Unlock()

	for _, id := range stopped {
		s.stopRunner(id)
	}

	for _, id := range changed {
		if err := s.Reload(ctx, id); err != nil {
			s.logger.Warn("source reload failed",
				slog.String("config_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	// Start anything new. A config in error state stays down until an
	// operator re-enables it (Enable clears the status, then reloads).
	for id, source := range active {
		if source.SyncStatus == state.StatusError {
			continue
		}

		s.mu.Lock()
		_, exists := s.runners[id]
		s.mu.Unlock()

		if !exists {
			s.startRunner(ctx, source)
		}
	}
}
