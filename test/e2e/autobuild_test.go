package e2e

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildnet-io/buildnet/pkg/config"
	"github.com/buildnet-io/buildnet/pkg/events"
	"github.com/buildnet-io/buildnet/pkg/types"
	"github.com/buildnet-io/buildnet/test/framework"
)

// Four rapid file events across two packages collapse into one broad batch
// and schedule exactly one incremental build, targets ordered by priority.
func TestAutoBuildDebouncesIntoOneBuild(t *testing.T) {
	h := framework.New(t, func(cfg *config.Config) {
		cfg.Watch.Enabled = true
		cfg.Watch.Roots = []string{t.TempDir()}
		cfg.Watch.DebounceMS = 300
		cfg.AutoBuild.Enabled = true
		cfg.AutoBuild.DelayMS = 500
	})
	h.AddWorker("w1")

	batches, unsubscribe := h.Daemon.Events().Subscribe(events.TypeChangesBatched)
	defer unsubscribe()

	baseline := h.Clock.WaiterCount()
	now := h.Clock.Now()
	for _, path := range []string{
		"packages/core/a.ts",
		"packages/core/b.ts",
		"packages/ui/x.ts",
		"packages/core/c.ts",
	} {
		h.Daemon.Watcher().Offer(types.FileEvent{
			Path:      path,
			Kind:      types.FileModified,
			Timestamp: now,
		})
	}

	h.Clock.Advance(300 * time.Millisecond)

	var batch types.ChangeBatch
	select {
	case ev := <-batches:
		batch = ev.Data["batch"].(types.ChangeBatch)
	case <-time.After(2 * time.Second):
		t.Fatal("no change batch published")
	}
	assert.Equal(t, types.ImpactBroad, batch.Impact)
	assert.Equal(t, []string{"core", "ui"}, batch.Packages)

	// the auto-build loop re-arms its delay timer when the batch lands
	require.Eventually(t, func() bool {
		return h.Clock.WaiterCount() > baseline
	}, 2*time.Second, 5*time.Millisecond)
	h.Clock.Advance(500 * time.Millisecond)

	require.Eventually(t, func() bool {
		return len(h.Daemon.RecentBuilds()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	build := h.Daemon.RecentBuilds()[0]
	assert.Equal(t, types.BuildStatusSuccess, build.Status)
	assert.Equal(t, []string{"core", "ui"}, build.Targets)

	// quiet tree schedules nothing further
	h.Clock.Advance(time.Second)
	select {
	case ev := <-batches:
		t.Fatalf("unexpected second batch: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Len(t, h.Daemon.RecentBuilds(), 1)
}

// Cosmetic-only changes produce a batch but never a build
func TestAutoBuildSkipsCosmeticChanges(t *testing.T) {
	h := framework.New(t, func(cfg *config.Config) {
		cfg.Watch.Enabled = true
		cfg.Watch.Roots = []string{t.TempDir()}
		cfg.AutoBuild.Enabled = true
	})
	h.AddWorker("w1")

	batches, unsubscribe := h.Daemon.Events().Subscribe(events.TypeChangesBatched)
	defer unsubscribe()

	h.Daemon.Watcher().Offer(types.FileEvent{
		Path:      "packages/core/README.md",
		Kind:      types.FileModified,
		Timestamp: h.Clock.Now(),
	})
	h.Clock.Advance(h.Daemon.Config().Watch.Debounce())

	select {
	case ev := <-batches:
		batch := ev.Data["batch"].(types.ChangeBatch)
		assert.Equal(t, types.ImpactCosmetic, batch.Impact)
	case <-time.After(2 * time.Second):
		t.Fatal("no change batch published")
	}

	h.Clock.Advance(h.Daemon.Config().AutoBuild.Delay() * 2)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.Daemon.RecentBuilds())
}
