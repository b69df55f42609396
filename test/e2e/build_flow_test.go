package e2e

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildnet-io/buildnet/pkg/ledger"
	"github.com/buildnet-io/buildnet/pkg/orchestrator"
	"github.com/buildnet-io/buildnet/pkg/types"
	"github.com/buildnet-io/buildnet/test/framework"
)

// A full build flow: the build enters the queue as a DEBIT, completes with
// artifacts, and posts the COMPLETED_BUILDS credit under one correlation id.
func TestBuildFlowRecordsLedgerAccounts(t *testing.T) {
	h := framework.New(t)
	ctx := context.Background()
	h.AddWorker("w1")

	result, err := h.Daemon.RequestBuild(ctx, &types.BuildRequest{
		Actor:   framework.Actor("dev"),
		Targets: []string{"core", "ui"},
	})
	require.NoError(t, err)
	require.Equal(t, types.BuildStatusSuccess, result.Status)
	assert.Equal(t, 2, result.BundlesCompleted)
	assert.Len(t, result.Artifacts, 2)

	entries, err := h.Daemon.Ledger().QueryEntries(ctx, ledger.Filter{
		EntityType: types.EntityBuild,
		EntityID:   result.BuildID,
	})
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	var sawQueue, sawCompleted bool
	correlation := entries[0].CorrelationID
	for _, e := range entries {
		assert.Equal(t, correlation, e.CorrelationID)
		if e.EntryType == types.EntryDebit && e.AccountType == types.AccountBuildQueue {
			sawQueue = true
		}
		if e.EntryType == types.EntryCredit && e.AccountType == types.AccountCompletedBuilds {
			sawCompleted = true
		}
	}
	assert.True(t, sawQueue, "build never entered BUILD_QUEUE")
	assert.True(t, sawCompleted, "build never posted to COMPLETED_BUILDS")

	report, err := h.Daemon.Ledger().VerifyIntegrity(ctx, 0)
	require.NoError(t, err)
	assert.True(t, report.Verified)
}

// A transiently failing bundle retries and the build still succeeds
func TestBuildRetriesTransientFailure(t *testing.T) {
	h := framework.New(t)
	h.AddWorker("w1")
	h.Executor.FailTimes("core:main", 1)

	result, err := h.RunBuild(context.Background(), &types.BuildRequest{
		Actor:   framework.Actor("dev"),
		Targets: []string{"core"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusSuccess, result.Status)
	assert.Len(t, h.Executor.WorkersFor("core:main"), 2)
}

// A circular dependency fails the build with a single DEADLOCK error and no
// completed bundles.
func TestCircularDependencyDeadlocks(t *testing.T) {
	h := framework.New(t)
	h.AddWorker("w1")

	h.Daemon.Orchestrator().SetPreparer(func(request *types.BuildRequest) []*types.MicroBundle {
		return []*types.MicroBundle{
			{ID: "A", Package: "core", Entry: "a", Dependencies: []string{"B"}, EstimatedTimeMS: 100},
			{ID: "B", Package: "core", Entry: "b", Dependencies: []string{"A"}, EstimatedTimeMS: 100},
		}
	})

	result, err := h.Daemon.RequestBuild(context.Background(), &types.BuildRequest{
		Actor:   framework.Actor("dev"),
		Targets: []string{"core"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusFailed, result.Status)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, orchestrator.CodeDeadlock, result.Errors[0].Code)
	assert.Equal(t, 0, result.BundlesCompleted)
	assert.Empty(t, h.Executor.Executions())
}
