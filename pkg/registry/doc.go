/*
Package registry manages the worker resource pool.

The registry owns the lifecycle of build resources (workers): registration,
capability updates, drain and resume, removal, and the health scan driven by
heartbeats. Every lifecycle change is committed to the audit ledger before
the in-memory view updates, so the ledger is the source of truth and the
registry's map is a cache rebuilt on startup.

# Architecture

	┌──────────────────── RESOURCE REGISTRY ───────────────────┐
	│                                                           │
	│  Add / Update / Drain / Resume / Remove                   │
	│        │                                                  │
	│  ┌─────▼──────────────────────────────┐                   │
	│  │ commit                             │                   │
	│  │  1. ledger.RecordChange            │                   │
	│  │  2. persist resources:item:<id>    │                   │
	│  │  3. update in-memory map           │                   │
	│  │  4. publish resource:* event       │                   │
	│  └────────────────────────────────────┘                   │
	│                                                           │
	│  Health monitor (clock-driven scan)                       │
	│    heartbeat:<id> TTL key present  → healthy              │
	│    missing past miss threshold     → status unhealthy     │
	│    missing past hard-eject window  → removed              │
	│    heartbeat returns               → status recovers      │
	│                                                           │
	│  Workers publish heartbeats on the backend channel;       │
	│  PublishHeartbeat is the helper they call.                │
	└───────────────────────────────────────────────────────────┘

# Removal safety

Remove refuses while sessions hold claims on the resource unless force is
set. A forced removal records a SECURITY_EVENTS ledger entry naming the
actor and the broken claim count, and publishes resource:forced_removal so
the session manager can release the orphaned claims.

# Usage

	reg := registry.New(be, led, bus, clk, registry.Options{
		HeartbeatInterval: 10 * time.Second,
		MissedThreshold:   3,
	})
	reg.SetClaimCounter(sessions)
	if err := reg.Start(ctx); err != nil {
		return err
	}
	defer reg.Stop()

	res, err := reg.Add(ctx, types.ResourceSpec{
		Name: "builder-1",
		Type: types.ResourceTypeWorker,
	}, actor)

AvailableWorkers returns only online workers and is the orchestrator's view
of the pool; drained and unhealthy workers never receive bundles.
*/
package registry
