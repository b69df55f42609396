/*
Package orchestrator conducts builds across the worker pool.

A build moves through four phases under one correlation id: prepare the
targets into micro-bundles, score an assignment of bundles to workers,
perform the plan respecting bundle dependencies, and verify the results.
The ledger records the build entering BUILD_QUEUE when it starts and
posting to COMPLETED_BUILDS when it finishes, so the two accounts balance
over time.

# Phases

	ConductBuild(request)
	  │
	  ├─ prepare   Preparer → []MicroBundle (default: one per target)
	  ├─ score     match bundle requirements against worker
	  │            capabilities; fail fast when no worker fits;
	  │            detect dependency cycles (deadlock)
	  ├─ perform   waves of ready bundles; a bundle runs when all
	  │            its dependencies completed; per-bundle retry with
	  │            linear back-off; cancellation checked between
	  │            attempts
	  └─ verify    optional; a success with no artifacts downgrades
	               to a verification:warning event

Workers come from a WorkerPool (the registry), and bundles execute through
an Executor, which is injectable: tests use stubs and the daemon wires a
LocalExecutor.

Cancellation is cooperative: CancelBuild flips the build's state and
returns false once the build already finished, and the perform loop stops
dispatching new bundles while letting in-flight ones drain.

# Usage

	orch := orchestrator.New(led, reg, bus, clk, executor, orchestrator.Options{
		MaxRetries: 3,
		Verify:     true,
	})

	result, err := orch.ConductBuild(ctx, &types.BuildRequest{
		Targets: []string{"core:main"},
		Actor:   actor,
	})

GetBuildStatus and GetBuildScore answer for both running and retained
finished builds; unknown ids return errdefs.ErrNotFound.
*/
package orchestrator
