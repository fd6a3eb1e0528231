package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/kilnbox/bridge"
	"github.com/pithecene-io/kilnbox/cli/config"
	"github.com/pithecene-io/kilnbox/jobs"
	"github.com/pithecene-io/kilnbox/lode"
	"github.com/pithecene-io/kilnbox/log"
	"github.com/pithecene-io/kilnbox/metrics"
	"github.com/pithecene-io/kilnbox/platform"
	"github.com/pithecene-io/kilnbox/platform/boltstate"
	platformredis "github.com/pithecene-io/kilnbox/platform/redis"
	platforms3 "github.com/pithecene-io/kilnbox/platform/s3"
	platformsqlite "github.com/pithecene-io/kilnbox/platform/sqlite"
	"github.com/pithecene-io/kilnbox/platform/webhook"
	"github.com/pithecene-io/kilnbox/plugin"
	"github.com/pithecene-io/kilnbox/runtime"
	"github.com/pithecene-io/kilnbox/script"
	"github.com/pithecene-io/kilnbox/workspace"
)

// harness is one assembled host: registry, platform, backend, and the
// orchestrator around it. Built per command invocation, torn down by
// Close.
type harness struct {
	cfg          *config.Config
	logger       *log.Logger
	registry     *plugin.Registry
	workspaces   *workspace.Manager
	platform     *platform.Platform
	bridge       *bridge.Server
	orchestrator *runtime.Orchestrator
	collector    *metrics.Collector
	traces       *runtime.TraceStore

	closers []func() error
}

// harnessOptions tweak assembly per command.
type harnessOptions struct {
	// Source labels analytics records: cli or rest.
	Source string
	// Backend overrides the configured backend mode.
	Backend string
	// Quiet drops the log level to error for one-shot runs.
	Quiet bool
	// Artifacts enables the artifact collector.
	Artifacts bool
}

// loadConfig resolves the config file from --config or the default
// path. A missing default file means built-in defaults; a missing
// explicit file is an error.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	explicit := path != ""
	if path == "" {
		path = config.DefaultPath
	}
	return config.LoadOrDefault(path, explicit)
}

func newLogger(cfg *config.Config, quiet bool) *log.Logger {
	level := cfg.Log.Level
	if quiet {
		level = "error"
	}
	return log.New(log.Options{
		Level:      level,
		File:       cfg.Log.File,
		MaxSizeMb:  cfg.Log.MaxSizeMb,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
}

// newHarness assembles a fully wired host from config and overrides.
func newHarness(ctx context.Context, cfg *config.Config, opts harnessOptions) (*harness, error) {
	h := &harness{cfg: cfg}
	h.logger = newLogger(cfg, opts.Quiet)
	h.collector = metrics.NewCollector()

	h.registry = plugin.NewRegistry()
	if cfg.PluginDir != "" {
		if _, err := os.Stat(cfg.PluginDir); err == nil {
			if _, err := h.registry.LoadDir(cfg.PluginDir); err != nil {
				return nil, fmt.Errorf("load plugins from %s: %w", cfg.PluginDir, err)
			}
		}
	}

	ws, err := workspace.NewManager(cfg.WorkspaceRoot, h.logger)
	if err != nil {
		h.close()
		return nil, err
	}
	h.workspaces = ws

	p, err := h.buildPlatform(ctx, opts.Source)
	if err != nil {
		h.close()
		return nil, err
	}
	h.platform = p

	scripts, err := script.NewEngine()
	if err != nil {
		h.close()
		return nil, err
	}

	var artifacts *runtime.ArtifactCollector
	if opts.Artifacts {
		store, err := h.buildArtifactStore(ctx, opts.Source)
		if err != nil {
			h.close()
			return nil, err
		}
		artifacts = runtime.NewArtifactCollector(store, h.logger)
	}

	mode := cfg.Backend
	if opts.Backend != "" {
		mode = opts.Backend
	}
	mode = h.resolveMode(mode)

	backendOpts := runtime.BackendOptions{
		Registry:   h.registry,
		Workspaces: h.workspaces,
		Platform:   h.platform,
		Logger:     h.logger,
		Metrics:    h.collector,
		Scripts:    scripts,
		Artifacts:  artifacts,
		Pool: runtime.PoolConfig{
			Min:                    cfg.Pool.Min,
			Max:                    cfg.Pool.Max,
			MaxRequestsPerWorker:   cfg.Pool.MaxRequestsPerWorker,
			MaxUptimePerWorker:     cfg.Pool.MaxUptimePerWorker.Duration,
			MaxQueueSize:           cfg.Pool.MaxQueueSize,
			AcquireTimeout:         cfg.Pool.AcquireTimeout.Duration,
			MaxConcurrentPerPlugin: cfg.Pool.MaxConcurrentPerPlugin,
			HealthCheckInterval:    cfg.Pool.HealthCheckInterval.Duration,
		},
	}

	// Out-of-process backends talk to the platform over the bridge
	// socket. In-process execution calls it directly and needs neither.
	if mode != runtime.BackendInProcess {
		socket := cfg.Socket
		if socket == "" {
			socket = filepath.Join(os.TempDir(), fmt.Sprintf("kilnbox-%d.sock", os.Getpid()))
		}
		worker := cfg.Worker
		if len(worker) == 0 {
			worker = []string{"kilnbox-worker"}
		}
		h.bridge = bridge.NewServer(socket, bridge.ServerOptions{
			Logger:  h.logger,
			Metrics: h.collector,
		})
		backendOpts.SocketPath = socket
		backendOpts.WorkerCommand = worker
	}

	backend, err := runtime.NewBackend(mode, backendOpts)
	if err != nil {
		h.close()
		return nil, err
	}

	if cfg.TraceDir != "" {
		h.traces = runtime.NewTraceStore(cfg.TraceDir, h.logger)
	}

	orch, err := runtime.NewOrchestrator(runtime.OrchestratorOptions{
		Backend:      backend,
		Registry:     h.registry,
		Workspaces:   h.workspaces,
		Platform:     h.platform,
		Bridge:       h.bridge,
		Capabilities: cfg.Capabilities,
		Traces:       h.traces,
		MaxDepth:     cfg.MaxDepth,
		MaxHops:      cfg.MaxHops,
		Metrics:      h.collector,
		Logger:       h.logger,
	})
	if err != nil {
		h.close()
		return nil, err
	}
	h.orchestrator = orch
	return h, nil
}

// resolveMode applies the auto rule up front so the assembly knows
// whether a bridge socket is needed before the backend exists.
func (h *harness) resolveMode(mode string) string {
	if mode != runtime.BackendAuto && mode != "" {
		return mode
	}
	for _, id := range h.registry.IDs() {
		m, ok := h.registry.Manifest(id)
		if !ok || !m.Trusted {
			return runtime.BackendPool
		}
	}
	return runtime.BackendInProcess
}

// start brings up the bridge and the backend.
func (h *harness) start(ctx context.Context) error {
	if h.bridge != nil {
		if err := h.bridge.Start(); err != nil {
			return err
		}
	}
	return h.orchestrator.Start(ctx)
}

// shutdown drains the backend, flushes traces and analytics, and
// releases the adapters.
func (h *harness) shutdown(ctx context.Context) {
	if h.orchestrator != nil {
		if err := h.orchestrator.Shutdown(ctx); err != nil {
			h.logger.Warn("backend shutdown failed", map[string]any{"error": err.Error()})
		}
	}
	if h.bridge != nil {
		if err := h.bridge.Close(); err != nil {
			h.logger.Warn("bridge close failed", map[string]any{"error": err.Error()})
		}
	}
	h.close()
}

func (h *harness) close() {
	for i := len(h.closers) - 1; i >= 0; i-- {
		_ = h.closers[i]()
	}
	h.closers = nil
}

// buildPlatform assembles the platform from the configured adapters.
func (h *harness) buildPlatform(ctx context.Context, source string) (*platform.Platform, error) {
	cfg := h.cfg.Platform
	opts := platform.Options{
		Logger: platform.WrapLogger(h.logger),
	}

	switch cfg.Cache.Kind {
	case "", "memory":
		opts.Cache = platform.NewMemoryCache()
	case "redis":
		cache, err := platformredis.New(platformredis.Config{
			URL:       cfg.Cache.URL,
			KeyPrefix: cfg.Cache.KeyPrefix,
			Timeout:   cfg.Cache.Timeout.Duration,
		})
		if err != nil {
			return nil, fmt.Errorf("redis cache: %w", err)
		}
		h.closers = append(h.closers, cache.Close)
		opts.Cache = cache
	}

	switch cfg.State.Kind {
	case "", "memory":
		opts.State = platform.NewMemoryState()
	case "bolt":
		store, err := boltstate.Open(cfg.State.Path)
		if err != nil {
			return nil, fmt.Errorf("bolt state: %w", err)
		}
		h.closers = append(h.closers, store.Close)
		opts.State = store
	}

	switch cfg.Storage.Kind {
	case "", "local":
		path := cfg.Storage.Path
		if path == "" {
			path = ".kb/storage"
		}
		storage, err := platform.NewLocalStorage(path)
		if err != nil {
			return nil, fmt.Errorf("local storage: %w", err)
		}
		opts.Storage = storage
	case "s3":
		store, err := platforms3.New(ctx, platforms3.Config{
			Bucket:       cfg.Storage.Bucket,
			Prefix:       cfg.Storage.Prefix,
			Region:       cfg.Storage.Region,
			Endpoint:     cfg.Storage.Endpoint,
			UsePathStyle: cfg.Storage.S3PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 storage: %w", err)
		}
		opts.Storage = store
	}

	if cfg.SQL.Kind == "sqlite" {
		db, err := platformsqlite.Open(cfg.SQL.Path)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		h.closers = append(h.closers, db.Close)
		opts.SQL = db
	}

	sink, err := h.buildAnalyticsSink(ctx)
	if err != nil {
		return nil, err
	}
	if sink != nil {
		emitter := platform.NewEmitter(sink, platform.EmitterConfig{
			MaxBufferRecords: cfg.Analytics.BufferRecords,
			MaxBufferBytes:   cfg.Analytics.BufferBytes,
			FlushCount:       cfg.Analytics.FlushCount,
			FlushInterval:    cfg.Analytics.FlushInterval.Duration,
			Source:           source,
			Logger:           h.logger,
			Metrics:          h.collector,
		})
		h.closers = append(h.closers, emitter.Close)
		opts.Analytics = emitter
	}

	return platform.New(opts), nil
}

func (h *harness) buildAnalyticsSink(ctx context.Context) (platform.Sink, error) {
	cfg := h.cfg.Platform.Analytics
	switch cfg.Sink {
	case "", "none":
		return nil, nil

	case "lode":
		lcfg := lode.Config{Dataset: cfg.Dataset}
		switch cfg.Backend {
		case "", "fs":
			sink, err := lode.NewFSSink(lcfg, cfg.Path)
			if err != nil {
				return nil, err
			}
			return sink, nil
		case "s3":
			bucket, prefix := lode.ParseS3Path(cfg.Path)
			sink, err := lode.NewS3Sink(ctx, lcfg, lode.S3Config{
				Bucket: bucket,
				Prefix: prefix,
				Region: cfg.Region,
			})
			if err != nil {
				return nil, err
			}
			return sink, nil
		}
		return nil, fmt.Errorf("unknown analytics backend %q", cfg.Backend)

	case "webhook":
		retries := 0
		if cfg.Retries != nil {
			retries = *cfg.Retries
		}
		sink, err := webhook.New(webhook.Config{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Timeout: cfg.Timeout.Duration,
			Retries: retries,
		})
		if err != nil {
			return nil, err
		}
		return sink, nil
	}
	return nil, fmt.Errorf("unknown analytics sink %q", cfg.Sink)
}

// buildArtifactStore backs uploads with the analytics lode dataset.
// A non-lode sink means uploads have nowhere to go; collection still
// runs against the local filesystem.
func (h *harness) buildArtifactStore(ctx context.Context, source string) (*lode.ArtifactStore, error) {
	cfg := h.cfg.Platform.Analytics
	if cfg.Sink != "lode" {
		return nil, nil
	}
	lcfg := lode.Config{Dataset: cfg.Dataset, Source: source}
	switch cfg.Backend {
	case "", "fs":
		return lode.NewFSArtifactStore(lcfg, cfg.Path), nil
	case "s3":
		bucket, prefix := lode.ParseS3Path(cfg.Path)
		return lode.NewS3ArtifactStore(ctx, lcfg, lode.S3Config{
			Bucket: bucket,
			Prefix: prefix,
			Region: cfg.Region,
		})
	}
	return nil, fmt.Errorf("unknown analytics backend %q", cfg.Backend)
}

// newJobsBroker wires the background-job engine over the orchestrator
// with the degradation controller in front.
func (h *harness) newJobsBroker() (*jobs.Broker, *jobs.Controller, error) {
	controller, err := jobs.NewController(jobs.ControllerOptions{
		Source:        h.orchestrator,
		QueueCapacity: h.cfg.Pool.MaxQueueSize,
		Analytics:     h.platform.Analytics,
		Metrics:       h.collector,
		Logger:        h.logger,
	})
	if err != nil {
		return nil, nil, err
	}
	broker, err := jobs.NewBroker(jobs.BrokerOptions{
		Engine:     h.orchestrator,
		Registry:   h.registry,
		Platform:   h.platform,
		Controller: controller,
		Metrics:    h.collector,
		Logger:     h.logger,
	})
	if err != nil {
		return nil, nil, err
	}
	h.orchestrator.BindJobs(broker.Bound)
	if h.bridge != nil {
		h.bridge.Register("jobs", broker.BridgeHandler())
	}
	return broker, controller, nil
}

// drainTimeout bounds shutdown for one-shot commands.
func drainTimeout(cfg *config.Config) time.Duration {
	if cfg.Grace.Duration > 0 {
		return cfg.Grace.Duration
	}
	return 10 * time.Second
}
