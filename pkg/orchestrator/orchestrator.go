package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/buildnet-io/buildnet/pkg/clock"
	"github.com/buildnet-io/buildnet/pkg/errdefs"
	"github.com/buildnet-io/buildnet/pkg/events"
	"github.com/buildnet-io/buildnet/pkg/ledger"
	"github.com/buildnet-io/buildnet/pkg/log"
	"github.com/buildnet-io/buildnet/pkg/metrics"
	"github.com/buildnet-io/buildnet/pkg/types"
)

// Stable error codes recorded in build results
const (
	CodeOrchestrationError = "ORCHESTRATION_ERROR"
	CodeBuildError         = "BUILD_ERROR"
	CodeExecutionError     = "EXECUTION_ERROR"
	CodeDeadlock           = "DEADLOCK"
)

// WorkerPool is the registry view the orchestrator plans against
type WorkerPool interface {
	AvailableWorkers() []*types.Resource
}

// Options tunes bundle execution. Zero values take the documented defaults.
type Options struct {
	MaxRetries int           // attempts per bundle, default 3
	RetryDelay time.Duration // base back-off, multiplied by attempt, default 1s
	Verify     bool          // run the verification phase
}

// Preparer derives micro-bundles from a request. The default policy is one
// bundle per target; tests and future splitters provide their own.
type Preparer func(request *types.BuildRequest) []*types.MicroBundle

// Orchestrator conducts builds: prepare bundles, score an assignment plan,
// perform the plan respecting dependencies, verify the results. Every build
// records through the ledger under one correlation id.
type Orchestrator struct {
	ledger   *ledger.Ledger
	pool     WorkerPool
	bus      *events.Bus
	clk      clock.Clock
	logger   zerolog.Logger
	executor Executor
	prepare  Preparer
	opts     Options

	mu     sync.RWMutex
	builds map[string]*buildState
}

// buildState tracks one conducted build. correlation is set once at creation
// and read-only afterwards; everything else is guarded by mu.
type buildState struct {
	correlation string

	mu        sync.Mutex
	result    *types.BuildResult
	score     *types.BuildScore
	cancelled bool
}

func (s *buildState) cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled || s.result.Status != types.BuildStatusRunning {
		return false
	}
	s.cancelled = true
	return true
}

func (s *buildState) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// New creates an orchestrator. A nil executor gets the local one.
func New(l *ledger.Ledger, pool WorkerPool, bus *events.Bus, clk clock.Clock, executor Executor, opts Options) *Orchestrator {
	if clk == nil {
		clk = clock.Real()
	}
	if executor == nil {
		executor = NewLocalExecutor(clk)
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	return &Orchestrator{
		ledger:   l,
		pool:     pool,
		bus:      bus,
		clk:      clk,
		logger:   log.WithComponent("orchestrator"),
		executor: executor,
		prepare:  PrepareBundles,
		opts:     opts,
		builds:   make(map[string]*buildState),
	}
}

// SetPreparer overrides the bundle derivation policy
func (o *Orchestrator) SetPreparer(p Preparer) {
	o.prepare = p
}

// ConductBuild runs a build request to completion and returns the aggregate
// result. The returned error is non-nil only for invalid requests; execution
// failures land in the result with their taxonomized codes.
func (o *Orchestrator) ConductBuild(ctx context.Context, request *types.BuildRequest) (*types.BuildResult, error) {
	if len(request.Targets) == 0 {
		return nil, fmt.Errorf("build request has no targets")
	}
	if request.RequestID == "" {
		request.RequestID = uuid.New().String()
	}

	buildID := uuid.New().String()
	started := o.clk.Now()
	result := &types.BuildResult{
		BuildID:   buildID,
		RequestID: request.RequestID,
		Status:    types.BuildStatusRunning,
		Targets:   append([]string(nil), request.Targets...),
		StartedAt: started,
	}
	// Every entry of one build carries the build's own correlation id; the
	// ledger's ambient slot would smear across concurrent builds.
	correlation := uuid.New().String()
	state := &buildState{correlation: correlation, result: result}

	o.mu.Lock()
	o.builds[buildID] = state
	o.mu.Unlock()

	logger := o.logger.With().Str("build_id", buildID).Logger()
	logger.Info().Strs("targets", request.Targets).Str("correlation_id", correlation).Msg("build started")

	o.recordBuild(ctx, request.Actor, correlation, nil, buildStateMap(result), "build started")
	o.publish(events.TypeBuildStarted, copyResult(result))

	// Phase 1: prepare
	bundles := o.prepare(request)

	// Phase 2: score
	workers := o.pool.AvailableWorkers()
	score, err := ScoreBundles(bundles, workers, request.Options.Bundler)
	if err != nil {
		code := CodeOrchestrationError
		if errdefs.IsDeadlock(err) {
			code = CodeDeadlock
		}
		state.mu.Lock()
		result.Errors = append(result.Errors, types.BuildError{Code: code, Message: err.Error()})
		state.mu.Unlock()
		return o.finish(ctx, request, state, types.BuildStatusFailed), nil
	}
	state.mu.Lock()
	state.score = score
	state.mu.Unlock()
	logger.Debug().
		Int("bundles", len(bundles)).
		Int("workers", len(workers)).
		Int64("estimated_ms", score.EstimatedTotalMS).
		Msg("build scored")

	// Phase 3: perform
	completed := o.perform(ctx, state, score, &logger)

	// Phase 4: verify
	if o.opts.Verify {
		o.verify(state, completed, &logger)
	}

	cancelled := state.isCancelled()
	state.mu.Lock()
	for _, res := range completed {
		if res.Success {
			result.BundlesCompleted++
			result.Artifacts = append(result.Artifacts, res.Artifacts...)
		} else {
			result.BundlesFailed++
		}
	}
	status := types.BuildStatusSuccess
	switch {
	case cancelled:
		status = types.BuildStatusCancelled
	case result.BundlesFailed > 0 || len(result.Errors) > 0:
		status = types.BuildStatusFailed
	}
	state.mu.Unlock()
	return o.finish(ctx, request, state, status), nil
}

// perform executes the plan wave by wave: every bundle whose dependencies are
// complete launches in parallel; an empty ready set with work pending is a
// deadlock. Completed bundles stay completed even when they ultimately fail.
func (o *Orchestrator) perform(ctx context.Context, state *buildState, score *types.BuildScore, logger *zerolog.Logger) map[string]*types.BundleResult {
	pending := make(map[string]*types.MicroBundle, len(score.Bundles))
	for _, b := range score.Bundles {
		pending[b.ID] = b
	}
	completed := make(map[string]*types.BundleResult, len(score.Bundles))

	for len(pending) > 0 {
		if state.isCancelled() {
			logger.Info().Int("pending", len(pending)).Msg("build cancelled, abandoning pending bundles")
			return completed
		}

		var ready []*types.MicroBundle
		for _, bundle := range pending {
			ok := true
			for _, dep := range bundle.Dependencies {
				if _, done := completed[dep]; !done {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, bundle)
			}
		}
		if len(ready) == 0 {
			state.mu.Lock()
			state.result.Errors = append(state.result.Errors, types.BuildError{
				Code:    CodeDeadlock,
				Message: fmt.Sprintf("%d bundles blocked by an unsatisfiable dependency graph", len(pending)),
			})
			state.mu.Unlock()
			logger.Error().Int("pending", len(pending)).Msg("dependency deadlock")
			return completed
		}
		sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })

		results := make([]*types.BundleResult, len(ready))
		var wg sync.WaitGroup
		for i, bundle := range ready {
			assignment := score.Assignments[bundle.ID]
			wg.Add(1)
			go func(i int, bundle *types.MicroBundle, workerID string) {
				defer wg.Done()
				results[i] = o.executeWithRetry(ctx, state, bundle, workerID)
			}(i, bundle, assignment.WorkerID)
		}
		wg.Wait()

		for i, bundle := range ready {
			delete(pending, bundle.ID)
			completed[bundle.ID] = results[i]
			outcome := "success"
			if !results[i].Success {
				outcome = "failure"
			}
			metrics.BundlesExecuted.WithLabelValues(outcome).Inc()
		}
	}
	return completed
}

// executeWithRetry runs one bundle with bounded back-off. An attempt counts
// as definitive success only when the worker reports success with artifacts;
// a final success without artifacts is accepted and left for verification to
// flag.
func (o *Orchestrator) executeWithRetry(ctx context.Context, state *buildState, bundle *types.MicroBundle, workerID string) *types.BundleResult {
	var last *types.BundleResult
	var lastErr error

	for attempt := 1; attempt <= o.opts.MaxRetries; attempt++ {
		res, err := o.executor.Execute(ctx, bundle, workerID)
		if err == nil && res != nil && res.Success && len(res.Artifacts) > 0 {
			res.Attempts = attempt
			return res
		}
		last, lastErr = res, err

		if state.isCancelled() {
			break
		}
		if attempt < o.opts.MaxRetries {
			delay := time.Duration(attempt) * o.opts.RetryDelay
			if err := o.clk.Sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}
	}

	if last != nil && last.Success {
		// success with no artifacts on the final attempt
		last.Attempts = o.opts.MaxRetries
		return last
	}

	failure := &types.BundleResult{
		BundleID: bundle.ID,
		WorkerID: workerID,
		Success:  false,
		Attempts: o.opts.MaxRetries,
	}
	code := CodeBuildError
	switch {
	case lastErr != nil:
		failure.Error = lastErr.Error()
		code = CodeExecutionError
	case last != nil && last.Error != "":
		failure.Error = last.Error
	default:
		failure.Error = "worker reported failure"
	}
	state.mu.Lock()
	state.result.Errors = append(state.result.Errors, types.BuildError{
		Code:     code,
		BundleID: bundle.ID,
		Message:  failure.Error,
	})
	state.mu.Unlock()
	return failure
}

// verify flags successful bundles that produced no artifacts. Warnings never
// fail the build.
func (o *Orchestrator) verify(state *buildState, completed map[string]*types.BundleResult, logger *zerolog.Logger) {
	ids := make([]string, 0, len(completed))
	for id := range completed {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		res := completed[id]
		if !res.Success || len(res.Artifacts) > 0 {
			continue
		}
		warning := fmt.Sprintf("bundle %s succeeded without artifacts", id)
		state.mu.Lock()
		state.result.Warnings = append(state.result.Warnings, warning)
		state.mu.Unlock()
		logger.Warn().Str("bundle_id", id).Msg("verification warning: no artifacts")
		o.publishData(events.TypeVerificationWarning, map[string]any{
			"build_id":  state.result.BuildID,
			"bundle_id": id,
			"warning":   warning,
		})
	}
}

// finish stamps the result, records completion, and publishes it
func (o *Orchestrator) finish(ctx context.Context, request *types.BuildRequest, state *buildState, status types.BuildStatus) *types.BuildResult {
	state.mu.Lock()
	result := state.result
	previous := buildStateMap(result)
	result.Status = status
	result.CompletedAt = o.clk.Now()
	result.DurationMS = result.CompletedAt.Sub(result.StartedAt).Milliseconds()
	snapshot := copyResult(result)
	state.mu.Unlock()

	metrics.BuildsTotal.WithLabelValues(string(status)).Inc()
	metrics.BuildDuration.Observe(float64(snapshot.DurationMS) / 1000)

	o.recordBuild(ctx, request.Actor, state.correlation, previous, buildStateMap(snapshot), "build "+string(status))
	o.publish(events.TypeBuildCompleted, snapshot)
	o.logger.Info().
		Str("build_id", snapshot.BuildID).
		Str("status", string(status)).
		Int("completed", snapshot.BundlesCompleted).
		Int("failed", snapshot.BundlesFailed).
		Int64("duration_ms", snapshot.DurationMS).
		Msg("build finished")
	return snapshot
}

// CancelBuild cooperatively cancels a running build. In-flight bundles run
// to completion but nothing new is scheduled.
func (o *Orchestrator) CancelBuild(ctx context.Context, id string, actor types.Actor) bool {
	o.mu.RLock()
	state, ok := o.builds[id]
	o.mu.RUnlock()
	if !ok {
		return false
	}
	if !state.cancel() {
		return false
	}

	state.mu.Lock()
	previous := buildStateMap(state.result)
	state.mu.Unlock()
	o.recordBuild(ctx, actor, state.correlation, previous, types.State{
		"build_id": id,
		"status":   string(types.BuildStatusCancelled),
	}, "build cancelled")
	o.publishData(events.TypeBuildCancelled, map[string]any{
		"build_id": id,
		"actor_id": actor.ID,
	})
	o.logger.Info().Str("build_id", id).Str("actor_id", actor.ID).Msg("build cancelled")
	return true
}

// GetBuildStatus returns a snapshot of a conducted build
func (o *Orchestrator) GetBuildStatus(id string) (*types.BuildResult, error) {
	o.mu.RLock()
	state, ok := o.builds[id]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("build %s: %w", id, errdefs.ErrNotFound)
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return copyResult(state.result), nil
}

// GetBuildScore returns the plan computed for a build, nil while scoring
func (o *Orchestrator) GetBuildScore(id string) (*types.BuildScore, error) {
	o.mu.RLock()
	state, ok := o.builds[id]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("build %s: %w", id, errdefs.ErrNotFound)
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.score, nil
}

func (o *Orchestrator) recordBuild(ctx context.Context, actor types.Actor, correlation string, previous, next types.State, reason string) {
	var entityID string
	if next != nil {
		if id, ok := next["build_id"].(string); ok {
			entityID = id
		}
	}
	if entityID == "" && previous != nil {
		if id, ok := previous["build_id"].(string); ok {
			entityID = id
		}
	}
	if _, err := o.ledger.RecordChange(ctx, ledger.Change{
		EntityType:    types.EntityBuild,
		EntityID:      entityID,
		PreviousState: previous,
		NewState:      next,
		Actor:         actor,
		Reason:        reason,
		CorrelationID: correlation,
	}); err != nil {
		o.logger.Error().Err(err).Str("build_id", entityID).Msg("failed to record build change")
	}
}

func (o *Orchestrator) publish(eventType string, result *types.BuildResult) {
	o.publishData(eventType, map[string]any{
		"build":    result,
		"build_id": result.BuildID,
	})
}

func (o *Orchestrator) publishData(eventType string, data map[string]any) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.Event{
		Type:   eventType,
		Source: "orchestrator",
		Data:   data,
	})
}

// buildStateMap renders the ledger-visible view of a build result
func buildStateMap(result *types.BuildResult) types.State {
	state := types.State{
		"build_id":          result.BuildID,
		"request_id":        result.RequestID,
		"status":            string(result.Status),
		"targets":           result.Targets,
		"bundles_completed": result.BundlesCompleted,
		"bundles_failed":    result.BundlesFailed,
	}
	if len(result.Errors) > 0 {
		codes := make([]string, len(result.Errors))
		for i, e := range result.Errors {
			codes[i] = e.Code
		}
		state["error_codes"] = codes
	}
	return state
}

func copyResult(r *types.BuildResult) *types.BuildResult {
	out := *r
	out.Targets = append([]string(nil), r.Targets...)
	out.Artifacts = append([]string(nil), r.Artifacts...)
	out.Errors = append([]types.BuildError(nil), r.Errors...)
	out.Warnings = append([]string(nil), r.Warnings...)
	return &out
}
