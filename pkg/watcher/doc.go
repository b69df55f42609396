/*
Package watcher monitors the source tree and turns raw file events into
debounced, classified change batches.

The watcher sits between fsnotify and the build pipeline. Raw events are
filtered against include globs and exclude directories, coalesced inside a
debounce window, and classified by impact before a single changes:batched
event leaves the package.

# Pipeline

	fsnotify event
	    │  include globs (doublestar), exclude dirs, cosmetic check
	    ▼
	file:changed published per matching event
	    │  debounce timer (reset on every event)
	    ▼
	flush: dedupe paths, derive packages, classify impact
	    │
	    ├─► changes:batched {files, packages, impact}
	    └─► preparation:ready when impact ≥ local (pre-warms the
	        build pipeline; cosmetic batches skip it)

Impact classification is path-driven: cosmetic (comments, docs, formatting
only), local (one package), cross (several packages), broad (shared or root
files that touch everything). Downstream, the daemon's auto-build loop
ignores cosmetic batches and builds the rest.

New directories created under a watched root are added to the watch set as
they appear. Offer injects synthetic events and is how tests drive the
pipeline without a real filesystem.

# Usage

	w := watcher.New(bus, clk, cfg.Watch)
	if err := w.Start(); err != nil {
		return err
	}
	defer w.Stop()
*/
package watcher
