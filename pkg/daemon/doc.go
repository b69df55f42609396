/*
Package daemon assembles and runs the BuildNet master process.

The daemon owns construction order, cross-wiring, and shutdown of every
component. It is also where the pieces meet: the event pump feeds bus
events into the tracker, the auto-build loop turns watcher batches into
build requests, and a FIFO semaphore caps concurrent builds.

# Wiring

	backend ─► bus ─► ledger ─► registry ─► sessions ─► orchestrator
	                                │            │
	                                └─ claims ───┘
	           tracker ◄── event pump ◄── bus
	           watcher ─► changes:batched ─► auto-build ─► RequestBuild

Start order is backend-out: bus, ledger recovery, registry, sessions,
tracker, event pump, dashboard refresh, auto-build, watcher, and finally a
CONFIG_ACTIVE ledger entry auditing the effective configuration. Stop runs
the reverse.

# Build admission

RequestBuild acquires a slot from a FIFO semaphore sized by
build.max_concurrent before handing the request to the orchestrator, so
burst submissions queue in arrival order instead of racing.

# Auto-build

When watching is enabled, changes:batched events with impact local or above
accumulate packages and re-arm a delay timer; when the tree goes quiet the
daemon builds the affected targets (or the default target) incrementally
as the system actor. Cosmetic batches never trigger a build.

# Usage

	d, err := daemon.New(cfg, daemon.Options{})
	if err != nil {
		return err
	}
	if err := d.Start(ctx); err != nil {
		return err
	}
	defer d.Stop()

Options injects the clock, backend, and executor for tests; production
leaves them nil and gets wall clock, the configured backend, and the local
executor.
*/
package daemon
