/*
Package events provides the in-process pub/sub bus that connects BuildNet's
components.

Every component that changes state publishes a typed event on the bus, and
every component that reacts to change subscribes with an optional type
filter. The bus keeps the publishers and subscribers decoupled: the ledger
does not know the tracker exists, and the watcher does not know the daemon
turns its batches into builds.

# Architecture

	┌──────────────────── EVENT BUS ──────────────────────────┐
	│                                                          │
	│  Publishers                                              │
	│    ledger     → ledger:transaction                       │
	│    registry   → resource:added/updated/removed/          │
	│                 drained/resumed/status/forced_removal    │
	│    session    → session:created/ended/activity           │
	│    watcher    → file:changed, changes:batched,           │
	│                 preparation:ready                        │
	│    orchestrator → build:started/completed/cancelled,     │
	│                   verification:warning                   │
	│        │                                                 │
	│  ┌─────▼──────────────────────────────┐                  │
	│  │ Broadcast Loop                      │                 │
	│  │  - input channel (buffer: 128)      │                 │
	│  │  - one goroutine, FIFO delivery     │                 │
	│  │  - per-subscriber type filter       │                 │
	│  │  - full subscriber buffers drop     │                 │
	│  └─────┬──────────────────────────────┘                  │
	│        │                                                 │
	│  Subscribers                                             │
	│    daemon pump   → tracker + recent builds               │
	│    auto-build    → changes:batched                       │
	│    session mgr   → resource:forced_removal               │
	└──────────────────────────────────────────────────────────┘

# Usage

	bus := events.NewBus(clock.Real())
	bus.Start()
	defer bus.Stop()

	ch, unsubscribe := bus.Subscribe(events.TypeBuildCompleted)
	defer unsubscribe()

	go func() {
		for ev := range ch {
			result := ev.Data["build"].(*types.BuildResult)
			_ = result
		}
	}()

	bus.Publish(events.Event{
		Type:   events.TypeBuildCompleted,
		Source: "orchestrator",
		Data:   map[string]any{"build": result},
	})

Publish never blocks: events queue on a buffered input channel and a slow
subscriber drops events rather than stalling the rest of the system. Events
carry an ID and a Timestamp assigned at publish time when the caller leaves
them empty.

# See Also

  - pkg/tracker: turns bus events into dashboard updates
  - pkg/daemon: wires the bus between all components
*/
package events
