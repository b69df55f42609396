package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/buildnet-io/buildnet/pkg/backend"
	"github.com/buildnet-io/buildnet/pkg/clock"
	"github.com/buildnet-io/buildnet/pkg/config"
	"github.com/buildnet-io/buildnet/pkg/events"
	"github.com/buildnet-io/buildnet/pkg/ledger"
	"github.com/buildnet-io/buildnet/pkg/log"
	"github.com/buildnet-io/buildnet/pkg/orchestrator"
	"github.com/buildnet-io/buildnet/pkg/registry"
	"github.com/buildnet-io/buildnet/pkg/session"
	"github.com/buildnet-io/buildnet/pkg/tracker"
	"github.com/buildnet-io/buildnet/pkg/types"
	"github.com/buildnet-io/buildnet/pkg/watcher"
)

// Options overrides daemon wiring, primarily for tests and embedding.
// Every nil field is built from the configuration.
type Options struct {
	Clock    clock.Clock
	Backend  backend.Backend
	Executor orchestrator.Executor
}

// Daemon assembles and supervises every component of the build master:
// the backend, the event bus, the ledger, the resource registry, the
// session manager, the file watcher, the orchestrator, and the tracker.
type Daemon struct {
	cfg    *config.Config
	clk    clock.Clock
	logger zerolog.Logger

	backend     backend.Backend
	ownsBackend bool
	bus         *events.Bus
	ledger      *ledger.Ledger
	registry    *registry.Registry
	sessions    *session.Manager
	watcher     *watcher.Watcher
	orch        *orchestrator.Orchestrator
	tracker     *tracker.Tracker

	buildSlots *fifoSemaphore

	mu           sync.Mutex
	recentBuilds []*types.BuildResult
	started      bool

	stopCh chan struct{}
	wg     sync.WaitGroup
	unsubs []func()
}

// New wires the daemon from configuration. Nothing runs until Start.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}

	be := opts.Backend
	ownsBackend := false
	if be == nil {
		var err error
		be, err = buildBackend(cfg, clk)
		if err != nil {
			return nil, err
		}
		ownsBackend = true
	}

	bus := events.NewBus(clk)

	led, err := ledger.New(be, bus, clk, ledger.Options{
		LeaseTTL:     cfg.Ledger.LeaseTTL(),
		LeaseRetries: cfg.Ledger.LeaseRetries,
		MirrorPath:   cfg.Ledger.MirrorPath,
		Streaming:    cfg.Ledger.Streaming,
	})
	if err != nil {
		if ownsBackend {
			be.Close()
		}
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	reg := registry.New(be, led, bus, clk, registry.Options{
		HeartbeatInterval: cfg.Workers.HeartbeatInterval(),
		MissedThreshold:   cfg.Workers.MissedThreshold,
		HardEject:         cfg.Workers.HardEject(),
	})

	sessions := session.NewManager(led, bus, clk, session.Options{
		MaxPerActor:      cfg.Sessions.MaxPerActor,
		Timeout:          cfg.Sessions.Timeout(),
		CleanupInterval:  cfg.Sessions.CleanupInterval(),
		HistoryLimit:     cfg.Sessions.HistoryLimit,
		ActivityLogLimit: cfg.Sessions.ActivityLogLimit,
	})

	// sessions count claims for removal checks; the registry resolves
	// claim targets for sessions
	reg.SetClaimCounter(sessions)
	sessions.SetResourceDirectory(reg)

	orch := orchestrator.New(led, reg, bus, clk, opts.Executor, orchestrator.Options{
		MaxRetries: cfg.Build.MaxRetries,
		RetryDelay: cfg.Build.RetryDelay(),
		Verify:     cfg.Build.Verify,
	})

	trk := tracker.New(clk, tracker.Options{
		BroadcastInterval: cfg.Tracker.BroadcastInterval(),
		EventBuffer:       cfg.Tracker.EventBuffer,
	})

	var w *watcher.Watcher
	if cfg.Watch.Enabled {
		w = watcher.New(bus, clk, cfg.Watch)
	}

	return &Daemon{
		cfg:         cfg,
		clk:         clk,
		logger:      log.WithComponent("daemon"),
		backend:     be,
		ownsBackend: ownsBackend,
		bus:         bus,
		ledger:      led,
		registry:    reg,
		sessions:    sessions,
		watcher:     w,
		orch:        orch,
		tracker:     trk,
		buildSlots:  newFIFOSemaphore(cfg.AutoBuild.MaxConcurrentBuilds),
		stopCh:      make(chan struct{}),
	}, nil
}

func buildBackend(cfg *config.Config, clk clock.Clock) (backend.Backend, error) {
	switch cfg.Backend.Type {
	case "memory":
		return backend.NewMemory(clk), nil
	case "bolt":
		path := filepath.Join(cfg.Backend.DataDir, "buildnet.db")
		return backend.NewBolt(path, clk)
	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Backend.Type)
	}
}

// Start brings the components up in dependency order
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	d.bus.Start()

	if err := d.ledger.Recover(ctx); err != nil {
		return fmt.Errorf("ledger recovery failed: %w", err)
	}
	if err := d.registry.Start(ctx); err != nil {
		return fmt.Errorf("failed to start registry: %w", err)
	}
	d.sessions.Start()
	d.tracker.Start()

	d.startEventPump()
	d.startRefresh()
	if d.cfg.AutoBuild.Enabled {
		d.startAutoBuild()
	}
	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			return fmt.Errorf("failed to start watcher: %w", err)
		}
	}

	d.auditConfig(ctx)

	d.logger.Info().
		Str("daemon_id", d.cfg.Daemon.ID).
		Str("cluster", d.cfg.Daemon.ClusterName).
		Str("backend", d.cfg.Backend.Type).
		Msg("daemon started")
	return nil
}

// Stop shuts the components down in reverse order
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	d.mu.Unlock()

	if d.watcher != nil {
		d.watcher.Stop()
	}
	close(d.stopCh)
	for _, unsub := range d.unsubs {
		unsub()
	}
	d.wg.Wait()

	d.sessions.Stop()
	d.registry.Stop()
	d.tracker.Stop()
	d.bus.Stop()

	if err := d.ledger.Close(); err != nil {
		d.logger.Error().Err(err).Msg("failed to close ledger")
	}
	if d.ownsBackend {
		if err := d.backend.Close(); err != nil {
			d.logger.Error().Err(err).Msg("failed to close backend")
		}
	}
	d.logger.Info().Msg("daemon stopped")
}

// Component accessors used by the API layer and tests

func (d *Daemon) Ledger() *ledger.Ledger                   { return d.ledger }
func (d *Daemon) Registry() *registry.Registry             { return d.registry }
func (d *Daemon) Sessions() *session.Manager               { return d.sessions }
func (d *Daemon) Orchestrator() *orchestrator.Orchestrator { return d.orch }
func (d *Daemon) Tracker() *tracker.Tracker                { return d.tracker }
func (d *Daemon) Events() *events.Bus                      { return d.bus }
func (d *Daemon) Watcher() *watcher.Watcher                { return d.watcher }
func (d *Daemon) Config() *config.Config                   { return d.cfg }

// RequestBuild conducts a build through the concurrency gate. Requests
// beyond the configured limit wait their turn in arrival order.
func (d *Daemon) RequestBuild(ctx context.Context, request *types.BuildRequest) (*types.BuildResult, error) {
	if err := d.buildSlots.Acquire(ctx); err != nil {
		return nil, err
	}
	defer d.buildSlots.Release()
	return d.orch.ConductBuild(ctx, request)
}

// RecentBuilds returns the most recent completed builds, newest first
func (d *Daemon) RecentBuilds() []*types.BuildResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*types.BuildResult, len(d.recentBuilds))
	copy(out, d.recentBuilds)
	return out
}

// DashboardState assembles the full state snapshot and pushes it to the
// tracker so subscribers converge on the same view.
func (d *Daemon) DashboardState(ctx context.Context) *types.DashboardState {
	stats, err := d.ledger.Stats(ctx)
	if err != nil {
		d.logger.Warn().Err(err).Msg("failed to read ledger stats")
	}
	state := &types.DashboardState{
		Timestamp:    d.clk.Now(),
		DaemonID:     d.cfg.Daemon.ID,
		ClusterName:  d.cfg.Daemon.ClusterName,
		Sessions:     d.sessions.ListActive(),
		Resources:    d.registry.List(),
		RecentBuilds: d.RecentBuilds(),
		RecentEvents: d.tracker.RecentEvents(50),
		LedgerStats:  stats,
	}
	d.tracker.UpdateState(state)
	return state
}

// auditConfig records the effective configuration so restarts with changed
// settings leave a trail.
func (d *Daemon) auditConfig(ctx context.Context) {
	previous, err := d.ledger.GetEntityState(ctx, types.EntityConfig, d.cfg.Daemon.ID)
	if err != nil {
		previous = nil
	}
	next := types.State{
		"daemon_id":             d.cfg.Daemon.ID,
		"cluster_name":          d.cfg.Daemon.ClusterName,
		"backend_type":          d.cfg.Backend.Type,
		"watch_enabled":         d.cfg.Watch.Enabled,
		"auto_build_enabled":    d.cfg.AutoBuild.Enabled,
		"max_concurrent_builds": d.cfg.AutoBuild.MaxConcurrentBuilds,
		"max_workers":           d.cfg.Workers.MaxWorkers,
		"session_timeout_sec":   d.cfg.Sessions.TimeoutSec,
		"build_max_retries":     d.cfg.Build.MaxRetries,
	}
	if _, err := d.ledger.RecordChange(ctx, ledger.Change{
		EntityType:    types.EntityConfig,
		EntityID:      d.cfg.Daemon.ID,
		PreviousState: previous,
		NewState:      next,
		Actor:         types.SystemActor(),
		Reason:        "daemon startup configuration",
	}); err != nil {
		d.logger.Warn().Err(err).Msg("failed to audit configuration")
	}
}

// startEventPump forwards bus traffic into the tracker and maintains the
// recent-build ring.
func (d *Daemon) startEventPump() {
	ch, unsub := d.bus.Subscribe()
	d.unsubs = append(d.unsubs, unsub)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				d.pump(ev)
			case <-d.stopCh:
				return
			}
		}
	}()
}

func (d *Daemon) pump(ev events.Event) {
	d.tracker.RecordEvent(types.TrackedEvent{
		Type:      ev.Type,
		Severity:  severityFor(ev.Type),
		Timestamp: ev.Timestamp,
		Data:      ev.Data,
	})

	// a finished build also refreshes the full snapshot
	if ev.Type == events.TypeBuildCompleted {
		defer d.DashboardState(context.Background())
	}

	switch ev.Type {
	case events.TypeSessionCreated, events.TypeSessionEnded, events.TypeSessionActivity:
		if s, ok := ev.Data["session"].(*types.Session); ok {
			d.tracker.RecordSessionChange(s)
		}
	case events.TypeResourceAdded, events.TypeResourceUpdated, events.TypeResourceRemoved,
		events.TypeResourceDrained, events.TypeResourceResumed, events.TypeResourceStatus:
		if r, ok := ev.Data["resource"].(*types.Resource); ok {
			d.tracker.RecordResourceChange(r)
		}
	case events.TypeBuildStarted, events.TypeBuildCompleted:
		if b, ok := ev.Data["build"].(*types.BuildResult); ok {
			d.tracker.RecordBuildChange(b)
			if ev.Type == events.TypeBuildCompleted {
				d.rememberBuild(b)
			}
		}
	}
}

func (d *Daemon) rememberBuild(b *types.BuildResult) {
	limit := d.cfg.Tracker.RecentBuilds
	if limit <= 0 {
		limit = 50
	}
	d.mu.Lock()
	d.recentBuilds = append([]*types.BuildResult{b}, d.recentBuilds...)
	if len(d.recentBuilds) > limit {
		d.recentBuilds = d.recentBuilds[:limit]
	}
	d.mu.Unlock()
}

// startRefresh publishes a full dashboard snapshot on a slow tick so SSE
// clients re-sync even without traffic.
func (d *Daemon) startRefresh() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := d.clk.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
				d.DashboardState(context.Background())
			case <-d.stopCh:
				return
			}
		}
	}()
}

func severityFor(eventType string) string {
	switch eventType {
	case events.TypeResourceForcedRemoval, events.TypeVerificationWarning:
		return "warning"
	default:
		return "info"
	}
}
