package framework

import (
	"context"
	"sync"

	"github.com/buildnet-io/buildnet/pkg/types"
)

// Execution records one bundle dispatch observed by the executor
type Execution struct {
	BundleID string
	WorkerID string
}

// ScriptedExecutor is a deterministic stand-in for real build workers. The
// default behavior is immediate success with one artifact per bundle;
// FailTimes scripts transient failures and NoArtifacts scripts a success
// that produces nothing.
type ScriptedExecutor struct {
	mu          sync.Mutex
	failures    map[string]int
	noArtifacts map[string]bool
	executions  []Execution
}

func NewScriptedExecutor() *ScriptedExecutor {
	return &ScriptedExecutor{
		failures:    make(map[string]int),
		noArtifacts: make(map[string]bool),
	}
}

// FailTimes makes the next n executions of the bundle fail
func (e *ScriptedExecutor) FailTimes(bundleID string, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[bundleID] = n
}

// NoArtifacts makes the bundle succeed without producing artifacts
func (e *ScriptedExecutor) NoArtifacts(bundleID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.noArtifacts[bundleID] = true
}

func (e *ScriptedExecutor) Execute(ctx context.Context, bundle *types.MicroBundle, workerID string) (*types.BundleResult, error) {
	e.mu.Lock()
	e.executions = append(e.executions, Execution{BundleID: bundle.ID, WorkerID: workerID})
	if e.failures[bundle.ID] > 0 {
		e.failures[bundle.ID]--
		e.mu.Unlock()
		return &types.BundleResult{
			BundleID: bundle.ID,
			WorkerID: workerID,
			Success:  false,
			Error:    "scripted failure",
		}, nil
	}
	bare := e.noArtifacts[bundle.ID]
	e.mu.Unlock()

	result := &types.BundleResult{
		BundleID:   bundle.ID,
		WorkerID:   workerID,
		Success:    true,
		DurationMS: 5,
	}
	if !bare {
		result.Artifacts = []string{"dist/" + bundle.Package + "/" + bundle.Entry + ".js"}
	}
	return result, nil
}

// Executions returns every dispatch in order
func (e *ScriptedExecutor) Executions() []Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Execution(nil), e.executions...)
}

// WorkersFor returns the worker ids that executed the bundle
func (e *ScriptedExecutor) WorkersFor(bundleID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var workers []string
	for _, ex := range e.executions {
		if ex.BundleID == bundleID {
			workers = append(workers, ex.WorkerID)
		}
	}
	return workers
}
