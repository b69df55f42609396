/*
Package tracker maintains the live dashboard feed.

The tracker is the fan-out point between the daemon's event pump and
dashboard consumers (the SSE endpoint, in-process subscribers). It holds
the latest full DashboardState, a bounded ring of recent events, and a
pending accumulator of incremental changes that a 100ms ticker flushes to
subscribers as one coalesced StateUpdate.

# Coalescing

Between ticks, session, build, and resource changes are keyed by id, so a
resource that flaps five times in a window arrives as one change. Events
append in order. A full-state push (UpdateState) supersedes everything
pending: subscribers receive the snapshot and the partial changes are
dropped, since the snapshot already contains them.

Subscribers register with an optional filter (event types, severities,
actor kinds) that applies to incremental updates only; full snapshots
always pass through. A new subscriber immediately receives the current full
state when one is known.

# Usage

	tr := tracker.New(clk, tracker.Options{})
	tr.Start()
	defer tr.Stop()

	unsubscribe := tr.Subscribe("dash-1", func(u types.StateUpdate) {
		if u.Full != nil {
			render(u.Full)
		}
	}, nil)
	defer unsubscribe()

Callbacks run sequentially on the broadcast goroutine; subscribers that
need to block should hand off to their own goroutine, as the SSE handler
does.
*/
package tracker
