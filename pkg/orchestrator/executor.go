package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/buildnet-io/buildnet/pkg/clock"
	"github.com/buildnet-io/buildnet/pkg/types"
)

// Executor runs one bundle on one worker. Concrete bundler adapters and
// remote dispatch implement it; the orchestrator only sees the contract.
type Executor interface {
	Execute(ctx context.Context, bundle *types.MicroBundle, workerID string) (*types.BundleResult, error)
}

// LocalExecutor synthesizes bundle execution in-process: it sleeps the
// bundle's estimated duration on the injected clock and reports success with
// a deterministic artifact path. The daemon uses it until a real bundler
// adapter is wired.
type LocalExecutor struct {
	clk clock.Clock
}

// NewLocalExecutor creates a local executor. A nil clk uses wall time.
func NewLocalExecutor(clk clock.Clock) *LocalExecutor {
	if clk == nil {
		clk = clock.Real()
	}
	return &LocalExecutor{clk: clk}
}

func (e *LocalExecutor) Execute(ctx context.Context, bundle *types.MicroBundle, workerID string) (*types.BundleResult, error) {
	start := e.clk.Now()
	if bundle.EstimatedTimeMS > 0 {
		if err := e.clk.Sleep(ctx, time.Duration(bundle.EstimatedTimeMS)*time.Millisecond); err != nil {
			return nil, err
		}
	}
	return &types.BundleResult{
		BundleID:   bundle.ID,
		WorkerID:   workerID,
		Success:    true,
		Artifacts:  []string{fmt.Sprintf("dist/%s/%s.js", bundle.Package, bundle.Entry)},
		DurationMS: e.clk.Now().Sub(start).Milliseconds(),
	}, nil
}
