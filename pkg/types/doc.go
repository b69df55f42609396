/*
Package types defines the core data structures used throughout BuildNet.

This package contains all fundamental types that represent BuildNet's domain
model, including actors, ledger entries, resources, sessions, micro-bundles,
build plans, and file-change batches. These types are used by all other
packages for state management, API transport, and orchestration logic.

# Architecture

The types package is the foundation of BuildNet's data model. It defines:

  - Audit primitives (actors, ledger entries, transactions, deltas)
  - Resource catalog records (workers, storage, caches) and their lifecycle
  - Session and activity tracking structures
  - Build planning structures (bundles, assignments, scores)
  - Build execution outcomes (bundle results, build results, errors)
  - File-change events, batches, and impact classification
  - Dashboard state and incremental updates

All types are designed to be:
  - Serializable (JSON with stable snake_case field names)
  - Immutable once recorded (ledger entries are never rewritten)
  - Self-documenting (constants for every enum value)

# Core Types

Audit substrate:
  - Actor / ActorKind: who performed a change (user, agent, service, system)
  - LedgerEntry: one immutable DEBIT or CREDIT record with hash chaining
  - LedgerTransaction: the paired entries of one logical mutation
  - Delta / FieldChange: field-wise diff recorded on updates
  - AccountType: reporting category (BUILD_QUEUE, WORKER_POOL, ...)

Resource catalog:
  - Resource: addressable capacity unit with health status
  - ResourceStatus: online, draining, offline, unhealthy
  - ResourceSpec: caller-supplied registration fields

Sessions:
  - Session: live connection with permissions, scopes, and claims
  - Activity: one unit of in-flight work, at most one per session
  - ActivityLogEntry: bounded per-activity log line

Build planning and execution:
  - MicroBundle: smallest independently schedulable unit of work
  - PartAssignment: bundle-to-worker placement with timing estimates
  - BuildScore: the full execution plan (graph, critical path, assignments)
  - BuildRequest / BuildResult: orchestrator input and aggregate outcome

File watching:
  - FileEvent: single filesystem change (added, modified, deleted)
  - ChangeBatch: debounced group with derived ChangeImpact
  - ChangeImpact: ignored, cosmetic, local, broad

# Usage

Recording a resource registration through the ledger:

	res := &types.Resource{
		ID:       uuid.New().String(),
		Name:     "builder-1",
		Type:     types.ResourceTypeWorker,
		Address:  "10.0.0.5:9443",
		CPUCores: 8,
		MemoryGB: 32,
		Status:   types.ResourceStatusOnline,
	}

Mapping an entity to its reporting account:

	account := types.AccountFor(types.EntityBuild, types.EntryCredit)
	// account == types.AccountCompletedBuilds

Comparing change impacts:

	if types.ImpactRank(batch.Impact) >= types.ImpactRank(types.ImpactLocal) {
		// schedule an auto-build
	}

# See Also

  - Package ledger for how entries are chained and verified
  - Package registry for the resource lifecycle state machine
  - Package orchestrator for how bundles and scores are produced
*/
package types
