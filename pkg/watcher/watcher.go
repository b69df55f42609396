package watcher

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/buildnet-io/buildnet/pkg/clock"
	"github.com/buildnet-io/buildnet/pkg/config"
	"github.com/buildnet-io/buildnet/pkg/events"
	"github.com/buildnet-io/buildnet/pkg/log"
	"github.com/buildnet-io/buildnet/pkg/metrics"
	"github.com/buildnet-io/buildnet/pkg/types"
)

// Watcher observes the filesystem, debounces events into batches, classifies
// their impact, and publishes them on the bus. Events arriving within the
// debounce window of each other coalesce into one batch.
type Watcher struct {
	bus        *events.Bus
	clk        clock.Clock
	logger     zerolog.Logger
	cfg        config.WatchConfig
	classifier *classifier

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	pending []types.FileEvent
	timer   clock.Timer

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a watcher from the watch configuration
func New(bus *events.Bus, clk clock.Clock, cfg config.WatchConfig) *Watcher {
	if clk == nil {
		clk = clock.Real()
	}
	return &Watcher{
		bus:        bus,
		clk:        clk,
		logger:     log.WithComponent("watcher"),
		cfg:        cfg,
		classifier: newClassifier(cfg),
		stopCh:     make(chan struct{}),
	}
}

// Start begins watching the configured roots recursively. Directories created
// later are added to the watch as their create events arrive.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	w.fsw = fsw

	for _, root := range w.cfg.Roots {
		if err := w.watchTree(root); err != nil {
			fsw.Close()
			return err
		}
	}

	w.wg.Add(1)
	go w.run()
	w.logger.Info().Strs("roots", w.cfg.Roots).Msg("watcher started")
	return nil
}

// Stop ends watching. A pending batch is discarded.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	if w.fsw != nil {
		w.fsw.Close()
	}
	w.wg.Wait()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.pending = nil
	w.mu.Unlock()
}

// watchTree adds root and every non-excluded subdirectory to the watch
func (w *Watcher) watchTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if w.classifier.excludedDir(path) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleFsEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("fs watcher error")
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) handleFsEvent(ev fsnotify.Event) {
	var kind types.FileEventKind
	switch {
	case ev.Op.Has(fsnotify.Create):
		kind = types.FileAdded
		// new directories join the watch so nested changes are seen
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !w.classifier.excludedDir(ev.Name) {
				if err := w.watchTree(ev.Name); err != nil {
					w.logger.Warn().Err(err).Str("path", ev.Name).Msg("failed to watch new directory")
				}
			}
			return
		}
	case ev.Op.Has(fsnotify.Write):
		kind = types.FileModified
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		kind = types.FileDeleted
	default:
		return
	}
	w.Offer(types.FileEvent{Path: ev.Name, Kind: kind, Timestamp: w.clk.Now()})
}

// Offer feeds one event into the debouncer. The fsnotify loop calls it for
// real events; tests feed synthetic ones.
func (w *Watcher) Offer(event types.FileEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = w.clk.Now()
	}
	matched := w.classifier.matches(event.Path)
	if matched && w.bus != nil {
		w.bus.Publish(events.Event{
			Type:   events.TypeFileChanged,
			Source: "watcher",
			Data: map[string]any{
				"path": event.Path,
				"kind": string(event.Kind),
			},
		})
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.stopCh:
		return
	default:
	}

	w.pending = append(w.pending, event)
	if w.timer == nil {
		w.timer = w.clk.NewTimer(w.cfg.Debounce())
		w.wg.Add(1)
		go w.awaitFlush(w.timer)
	} else {
		w.timer.Reset(w.cfg.Debounce())
	}
}

// awaitFlush closes the batch when the debounce timer fires
func (w *Watcher) awaitFlush(timer clock.Timer) {
	defer w.wg.Done()
	select {
	case <-timer.C():
		w.flush()
	case <-w.stopCh:
	}
}

func (w *Watcher) flush() {
	w.mu.Lock()
	batchEvents := w.pending
	w.pending = nil
	w.timer = nil
	w.mu.Unlock()

	if len(batchEvents) == 0 {
		return
	}

	impact, packages := w.classifier.classify(batchEvents)
	batch := types.ChangeBatch{
		Events:   batchEvents,
		Impact:   impact,
		Packages: packages,
		ClosedAt: w.clk.Now(),
	}
	metrics.ChangeBatchesTotal.WithLabelValues(string(impact)).Inc()
	w.logger.Debug().
		Int("events", len(batchEvents)).
		Str("impact", string(impact)).
		Strs("packages", packages).
		Msg("change batch closed")

	if w.bus != nil {
		w.bus.Publish(events.Event{
			Type:   events.TypeChangesBatched,
			Source: "watcher",
			Data: map[string]any{
				"batch": batch,
			},
		})
		if w.cfg.PreemptivePrepare && types.ImpactRank(impact) >= types.ImpactRank(types.ImpactLocal) {
			w.bus.Publish(events.Event{
				Type:   events.TypePreparationReady,
				Source: "watcher",
				Data: map[string]any{
					"packages": packages,
				},
			})
		}
	}
}
