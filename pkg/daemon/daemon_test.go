package daemon

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildnet-io/buildnet/pkg/backend"
	"github.com/buildnet-io/buildnet/pkg/clock"
	"github.com/buildnet-io/buildnet/pkg/config"
	"github.com/buildnet-io/buildnet/pkg/events"
	"github.com/buildnet-io/buildnet/pkg/ledger"
	"github.com/buildnet-io/buildnet/pkg/types"
)

// recordingExecutor succeeds immediately and remembers what it built
type recordingExecutor struct {
	mu       sync.Mutex
	executed []string
}

func (e *recordingExecutor) Execute(ctx context.Context, b *types.MicroBundle, workerID string) (*types.BundleResult, error) {
	e.mu.Lock()
	e.executed = append(e.executed, b.ID)
	e.mu.Unlock()
	return &types.BundleResult{
		BundleID:  b.ID,
		WorkerID:  workerID,
		Success:   true,
		Artifacts: []string{"dist/" + b.Package + "/main.js"},
	}, nil
}

func (e *recordingExecutor) bundles() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.executed...)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Watch.Enabled = false
	cfg.AutoBuild.Enabled = false
	return cfg
}

func newTestDaemon(t *testing.T, cfg *config.Config) (*Daemon, *clock.Fake, *recordingExecutor) {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	exec := &recordingExecutor{}
	d, err := New(cfg, Options{
		Clock:    clk,
		Backend:  backend.NewMemory(clk),
		Executor: exec,
	})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(d.Stop)
	return d, clk, exec
}

func addWorker(t *testing.T, d *Daemon, id string) *types.Resource {
	t.Helper()
	res, err := d.Registry().Add(context.Background(), types.ResourceSpec{
		Name:     id,
		Type:     types.ResourceTypeWorker,
		Address:  "10.0.0.1:9000",
		CPUCores: 4,
		MemoryGB: 8,
	}, types.SystemActor())
	require.NoError(t, err)
	return res
}

func TestStartRecordsConfigAudit(t *testing.T) {
	d, _, _ := newTestDaemon(t, testConfig())

	entries, err := d.Ledger().QueryEntries(context.Background(), ledger.Filter{
		EntityType: types.EntityConfig,
	})
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, d.Config().Daemon.ID, entries[0].EntityID)
}

func TestRequestBuildRunsThroughOrchestrator(t *testing.T) {
	d, _, exec := newTestDaemon(t, testConfig())
	addWorker(t, d, "w1")

	result, err := d.RequestBuild(context.Background(), &types.BuildRequest{
		Actor:   types.SystemActor(),
		Targets: []string{"core"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusSuccess, result.Status)
	assert.Equal(t, []string{"core:main"}, exec.bundles())

	// the event pump files the completed build into the recent ring
	require.Eventually(t, func() bool {
		return len(d.RecentBuilds()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, result.BuildID, d.RecentBuilds()[0].BuildID)
}

func TestDashboardState(t *testing.T) {
	d, _, _ := newTestDaemon(t, testConfig())
	addWorker(t, d, "w1")

	state := d.DashboardState(context.Background())
	assert.Equal(t, d.Config().Daemon.ID, state.DaemonID)
	require.Len(t, state.Resources, 1)
	assert.NotNil(t, state.LedgerStats)
}

func TestAutoBuildFromChangeBatch(t *testing.T) {
	cfg := testConfig()
	cfg.AutoBuild.Enabled = true
	d, clk, exec := newTestDaemon(t, cfg)
	addWorker(t, d, "w1")

	baseline := clk.WaiterCount()
	d.Events().Publish(events.Event{
		Type:   events.TypeChangesBatched,
		Source: "watcher",
		Data: map[string]any{
			"batch": types.ChangeBatch{
				Impact:   types.ImpactBroad,
				Packages: []string{"core", "ui"},
			},
		},
	})

	// wait for the delay timer to arm, then fire it
	require.Eventually(t, func() bool {
		return clk.WaiterCount() > baseline
	}, 2*time.Second, 5*time.Millisecond)
	clk.Advance(cfg.AutoBuild.Delay())

	require.Eventually(t, func() bool {
		return len(exec.bundles()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"core:main", "ui:main"}, exec.bundles())
}

func TestAutoBuildIgnoresCosmeticBatches(t *testing.T) {
	cfg := testConfig()
	cfg.AutoBuild.Enabled = true
	d, clk, exec := newTestDaemon(t, cfg)
	addWorker(t, d, "w1")

	d.Events().Publish(events.Event{
		Type:   events.TypeChangesBatched,
		Source: "watcher",
		Data: map[string]any{
			"batch": types.ChangeBatch{Impact: types.ImpactCosmetic},
		},
	})

	time.Sleep(50 * time.Millisecond)
	clk.Advance(cfg.AutoBuild.Delay())
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, exec.bundles())
}

func TestFIFOSemaphoreOrder(t *testing.T) {
	sem := newFIFOSemaphore(1)
	require.NoError(t, sem.Acquire(context.Background()))

	order := make(chan int, 2)
	ready := make(chan struct{}, 2)
	for i := 1; i <= 2; i++ {
		i := i
		go func() {
			ready <- struct{}{}
			require.NoError(t, sem.Acquire(context.Background()))
			order <- i
		}()
		<-ready
		// let the waiter enqueue before starting the next
		require.Eventually(t, func() bool { return sem.Waiting() >= i }, time.Second, time.Millisecond)
	}

	sem.Release()
	assert.Equal(t, 1, <-order)
	sem.Release()
	assert.Equal(t, 2, <-order)
}

func TestFIFOSemaphoreAcquireCancellation(t *testing.T) {
	sem := newFIFOSemaphore(1)
	require.NoError(t, sem.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, sem.Acquire(ctx))

	// the held slot is still usable after the cancelled attempt
	sem.Release()
	require.NoError(t, sem.Acquire(context.Background()))
}
