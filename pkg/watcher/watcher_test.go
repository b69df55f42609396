package watcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildnet-io/buildnet/pkg/clock"
	"github.com/buildnet-io/buildnet/pkg/config"
	"github.com/buildnet-io/buildnet/pkg/events"
	"github.com/buildnet-io/buildnet/pkg/types"
)

func newTestWatcher(t *testing.T, mutate func(*config.WatchConfig)) (*Watcher, *clock.Fake, *events.Bus) {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	bus := events.NewBus(clk)
	bus.Start()
	t.Cleanup(bus.Stop)

	cfg := config.Default().Watch
	if mutate != nil {
		mutate(&cfg)
	}
	w := New(bus, clk, cfg)
	t.Cleanup(w.Stop)
	return w, clk, bus
}

func waitBatch(t *testing.T, ch <-chan events.Event) types.ChangeBatch {
	t.Helper()
	select {
	case ev := <-ch:
		batch, ok := ev.Data["batch"].(types.ChangeBatch)
		require.True(t, ok, "expected a batch payload")
		return batch
	case <-time.After(2 * time.Second):
		t.Fatal("no batch emitted")
		return types.ChangeBatch{}
	}
}

func TestDebounceCoalescesIntoOneBatch(t *testing.T) {
	w, clk, bus := newTestWatcher(t, nil)
	ch, unsub := bus.Subscribe(events.TypeChangesBatched)
	defer unsub()

	// four rapid events, under 300ms apart
	paths := []string{
		"packages/core/a.ts",
		"packages/core/b.ts",
		"packages/ui/x.ts",
		"packages/core/c.ts",
	}
	for _, p := range paths {
		w.Offer(types.FileEvent{Path: p, Kind: types.FileModified})
		clk.Advance(50 * time.Millisecond)
	}
	clk.Advance(300 * time.Millisecond)

	batch := waitBatch(t, ch)
	assert.Len(t, batch.Events, 4)
	assert.Equal(t, types.ImpactBroad, batch.Impact)
	assert.Equal(t, []string{"core", "ui"}, batch.Packages)

	// no second batch
	select {
	case ev := <-ch:
		t.Fatalf("unexpected extra batch: %v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDebounceWindowSplitsBatches(t *testing.T) {
	w, clk, bus := newTestWatcher(t, nil)
	ch, unsub := bus.Subscribe(events.TypeChangesBatched)
	defer unsub()

	w.Offer(types.FileEvent{Path: "packages/core/a.ts", Kind: types.FileModified})
	clk.Advance(400 * time.Millisecond)
	first := waitBatch(t, ch)
	assert.Equal(t, types.ImpactLocal, first.Impact)

	w.Offer(types.FileEvent{Path: "packages/ui/x.ts", Kind: types.FileModified})
	clk.Advance(400 * time.Millisecond)
	second := waitBatch(t, ch)
	assert.Equal(t, []string{"ui"}, second.Packages)
}

func TestFileChangedPublishedPerMatchingEvent(t *testing.T) {
	w, _, bus := newTestWatcher(t, nil)
	ch, unsub := bus.Subscribe(events.TypeFileChanged)
	defer unsub()

	w.Offer(types.FileEvent{Path: "packages/core/a.ts", Kind: types.FileModified})
	w.Offer(types.FileEvent{Path: "node_modules/x/y.js", Kind: types.FileModified})

	select {
	case ev := <-ch:
		assert.Equal(t, "packages/core/a.ts", ev.Data["path"])
	case <-time.After(2 * time.Second):
		t.Fatal("no file:changed event")
	}
	select {
	case ev := <-ch:
		t.Fatalf("excluded path should not emit file:changed: %v", ev.Data["path"])
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPreemptivePreparation(t *testing.T) {
	w, clk, bus := newTestWatcher(t, func(cfg *config.WatchConfig) {
		cfg.PreemptivePrepare = true
	})
	ch, unsub := bus.Subscribe(events.TypePreparationReady)
	defer unsub()

	w.Offer(types.FileEvent{Path: "packages/core/a.ts", Kind: types.FileModified})
	clk.Advance(400 * time.Millisecond)

	select {
	case ev := <-ch:
		assert.Equal(t, []string{"core"}, ev.Data["packages"])
	case <-time.After(2 * time.Second):
		t.Fatal("no preparation:ready event")
	}
}

func TestCosmeticBatchSkipsPreparation(t *testing.T) {
	w, clk, bus := newTestWatcher(t, func(cfg *config.WatchConfig) {
		cfg.PreemptivePrepare = true
	})
	ch, unsub := bus.Subscribe(events.TypePreparationReady)
	defer unsub()

	w.Offer(types.FileEvent{Path: "docs/guide.md", Kind: types.FileModified})
	clk.Advance(400 * time.Millisecond)

	select {
	case <-ch:
		t.Fatal("cosmetic batch must not trigger preparation")
	case <-time.After(100 * time.Millisecond):
	}
}
