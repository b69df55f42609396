package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/buildnet-io/buildnet/pkg/backend"
	"github.com/buildnet-io/buildnet/pkg/clock"
	"github.com/buildnet-io/buildnet/pkg/errdefs"
	"github.com/buildnet-io/buildnet/pkg/events"
	"github.com/buildnet-io/buildnet/pkg/ledger"
	"github.com/buildnet-io/buildnet/pkg/log"
	"github.com/buildnet-io/buildnet/pkg/metrics"
	"github.com/buildnet-io/buildnet/pkg/types"
)

const resourceKeyPrefix = "resources:item:"

// Options tunes the heartbeat machinery. Zero values take the documented
// defaults.
type Options struct {
	HeartbeatInterval time.Duration // scan interval, default 5s
	MissedThreshold   int           // beats missed before unhealthy, default 3
	HardEject         time.Duration // silence before forced offline, default 5m
}

// ClaimCounter reports how many active sessions hold a claim on a resource.
// The session manager implements it; the registry consults it before removal.
type ClaimCounter interface {
	ActiveClaims(resourceID string) int
}

// UpdateFields carries the mutable resource fields for Update. Nil pointers
// leave the field untouched.
type UpdateFields struct {
	Name         *string           `json:"name,omitempty"`
	Address      *string           `json:"address,omitempty"`
	CPUCores     *int              `json:"cpu_cores,omitempty"`
	MemoryGB     *int              `json:"memory_gb,omitempty"`
	Capabilities map[string]string `json:"capabilities,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
}

// Stats summarizes the registry for dashboards
type Stats struct {
	Total    int                          `json:"total"`
	ByType   map[types.ResourceType]int   `json:"by_type"`
	ByStatus map[types.ResourceStatus]int `json:"by_status"`
	Workers  int                          `json:"workers"`
	Online   int                          `json:"online"`
}

// Registry is the live catalog of resources. It exclusively owns resource
// records; other components hold ids and query by id. Every mutation records
// through the ledger before the bus sees it.
type Registry struct {
	backend backend.Backend
	ledger  *ledger.Ledger
	bus     *events.Bus
	clk     clock.Clock
	logger  zerolog.Logger
	opts    Options

	mu        sync.RWMutex
	resources map[string]*types.Resource
	claims    ClaimCounter

	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	unsubscribe []func()
}

// heartbeatMessage is the wire form workers publish on the heartbeat channel
type heartbeatMessage struct {
	ResourceID string    `json:"resource_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// New creates a registry. Call Start to load persisted resources and begin
// the heartbeat monitor.
func New(b backend.Backend, l *ledger.Ledger, bus *events.Bus, clk clock.Clock, opts Options) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.MissedThreshold <= 0 {
		opts.MissedThreshold = 3
	}
	if opts.HardEject <= 0 {
		opts.HardEject = 5 * time.Minute
	}
	return &Registry{
		backend:   b,
		ledger:    l,
		bus:       bus,
		clk:       clk,
		logger:    log.WithComponent("registry"),
		opts:      opts,
		resources: make(map[string]*types.Resource),
		stopCh:    make(chan struct{}),
	}
}

// SetClaimCounter wires the session manager's claim view. Must be called
// before Start.
func (r *Registry) SetClaimCounter(c ClaimCounter) {
	r.claims = c
}

// Start loads persisted resources, subscribes to heartbeats, and begins the
// health monitor.
func (r *Registry) Start(ctx context.Context) error {
	if err := r.load(ctx); err != nil {
		return err
	}

	unsub := r.backend.Subscribe(backend.ChannelHeartbeat, r.handleHeartbeat)
	r.unsubscribe = append(r.unsubscribe, unsub)

	r.wg.Add(1)
	go r.monitor()

	r.logger.Info().Int("resources", len(r.resources)).Msg("registry started")
	return nil
}

// Stop ends the monitor and heartbeat subscription
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	for _, unsub := range r.unsubscribe {
		unsub()
	}
}

func (r *Registry) load(ctx context.Context) error {
	keys, err := r.backend.Keys(ctx, resourceKeyPrefix)
	if err != nil {
		return fmt.Errorf("load resources: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range keys {
		data, found, err := r.backend.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("load resources: %w", err)
		}
		if !found {
			continue
		}
		var res types.Resource
		if err := json.Unmarshal(data, &res); err != nil {
			return fmt.Errorf("decode resource %s: %w", key, err)
		}
		r.resources[res.ID] = &res
	}
	r.updateMetricsLocked()
	return nil
}

// Add registers a resource, online from the start
func (r *Registry) Add(ctx context.Context, spec types.ResourceSpec, actor types.Actor) (*types.Resource, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("resource name is required")
	}
	switch spec.Type {
	case types.ResourceTypeWorker, types.ResourceTypeStorage, types.ResourceTypeCache:
	default:
		return nil, fmt.Errorf("unknown resource type %q", spec.Type)
	}

	now := r.clk.Now()
	res := &types.Resource{
		ID:            uuid.New().String(),
		Name:          spec.Name,
		Type:          spec.Type,
		Address:       spec.Address,
		CPUCores:      spec.CPUCores,
		MemoryGB:      spec.MemoryGB,
		Capabilities:  spec.Capabilities,
		Labels:        spec.Labels,
		Status:        types.ResourceStatusOnline,
		LastHeartbeat: now,
		AddedAt:       now,
	}

	if _, err := r.ledger.RecordChange(ctx, ledger.Change{
		EntityType: types.EntityResource,
		EntityID:   res.ID,
		NewState:   stateOf(res),
		Actor:      actor,
		Reason:     "resource added",
	}); err != nil {
		return nil, err
	}
	if err := r.persist(ctx, res); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.resources[res.ID] = res
	r.updateMetricsLocked()
	r.mu.Unlock()

	r.publish(events.TypeResourceAdded, res)
	r.logger.Info().Str("resource_id", res.ID).Str("name", res.Name).
		Str("type", string(res.Type)).Msg("resource added")
	return copyResource(res), nil
}

// Get returns a resource by id
func (r *Registry) Get(id string) (*types.Resource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resources[id]
	if !ok {
		return nil, fmt.Errorf("resource %s: %w", id, errdefs.ErrNotFound)
	}
	return copyResource(res), nil
}

// List returns all resources ordered by id
func (r *Registry) List() []*types.Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Resource, 0, len(r.resources))
	for _, res := range r.resources {
		out = append(out, copyResource(res))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Update applies field changes to a resource
func (r *Registry) Update(ctx context.Context, id string, fields UpdateFields, actor types.Actor) (*types.Resource, error) {
	r.mu.RLock()
	current, ok := r.resources[id]
	if !ok {
		r.mu.RUnlock()
		return nil, fmt.Errorf("resource %s: %w", id, errdefs.ErrNotFound)
	}
	updated := copyResource(current)
	r.mu.RUnlock()

	if fields.Name != nil {
		updated.Name = *fields.Name
	}
	if fields.Address != nil {
		updated.Address = *fields.Address
	}
	if fields.CPUCores != nil {
		updated.CPUCores = *fields.CPUCores
	}
	if fields.MemoryGB != nil {
		updated.MemoryGB = *fields.MemoryGB
	}
	if fields.Capabilities != nil {
		updated.Capabilities = fields.Capabilities
	}
	if fields.Labels != nil {
		updated.Labels = fields.Labels
	}

	if err := r.commit(ctx, current, updated, actor, "resource updated"); err != nil {
		return nil, err
	}
	r.publish(events.TypeResourceUpdated, updated)
	return copyResource(updated), nil
}

// Remove deletes a resource. A resource with active claims fails with
// ErrConflictingState unless force is set; forced removal records a security
// entry and publishes a compensating event so stale claims get released.
func (r *Registry) Remove(ctx context.Context, id string, actor types.Actor, force bool) error {
	r.mu.RLock()
	res, ok := r.resources[id]
	if !ok {
		r.mu.RUnlock()
		return fmt.Errorf("resource %s: %w", id, errdefs.ErrNotFound)
	}
	snapshot := copyResource(res)
	r.mu.RUnlock()

	activeClaims := 0
	if r.claims != nil {
		activeClaims = r.claims.ActiveClaims(id)
	}
	if activeClaims > 0 && !force {
		return fmt.Errorf("resource %s has %d active claims: %w", id, activeClaims, errdefs.ErrConflictingState)
	}

	if _, err := r.ledger.RecordChange(ctx, ledger.Change{
		EntityType:    types.EntityResource,
		EntityID:      id,
		PreviousState: stateOf(snapshot),
		Actor:         actor,
		Reason:        "resource removed",
	}); err != nil {
		return err
	}
	if err := r.backend.Delete(ctx, resourceKeyPrefix+id); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.resources, id)
	r.updateMetricsLocked()
	r.mu.Unlock()

	if activeClaims > 0 && force {
		r.recordForcedRemoval(ctx, snapshot, actor, activeClaims)
	}
	r.publish(events.TypeResourceRemoved, snapshot)
	r.logger.Info().Str("resource_id", id).Bool("force", force).Msg("resource removed")
	return nil
}

// recordForcedRemoval posts a security entry and the compensating event the
// session manager uses to release stale claims
func (r *Registry) recordForcedRemoval(ctx context.Context, res *types.Resource, actor types.Actor, claims int) {
	if _, err := r.ledger.RecordChange(ctx, ledger.Change{
		EntityType: types.EntitySecurity,
		EntityID:   "forced-removal:" + res.ID,
		NewState: types.State{
			"resource_id":   res.ID,
			"resource_name": res.Name,
			"active_claims": claims,
		},
		Actor:  actor,
		Reason: "forced removal with active claims",
	}); err != nil {
		r.logger.Error().Err(err).Msg("failed to record forced removal")
	}
	r.publish(events.TypeResourceForcedRemoval, res)
}

// Drain marks a resource so no new work is assigned; existing claims finish
func (r *Registry) Drain(ctx context.Context, id string, actor types.Actor) (*types.Resource, error) {
	return r.transition(ctx, id, actor, types.ResourceStatusDraining, "resource drained",
		events.TypeResourceDrained, types.ResourceStatusOnline, types.ResourceStatusUnhealthy)
}

// Resume returns a draining resource to online
func (r *Registry) Resume(ctx context.Context, id string, actor types.Actor) (*types.Resource, error) {
	return r.transition(ctx, id, actor, types.ResourceStatusOnline, "resource resumed",
		events.TypeResourceResumed, types.ResourceStatusDraining)
}

// transition moves a resource to a new status when its current status is one
// of the allowed sources
func (r *Registry) transition(ctx context.Context, id string, actor types.Actor, to types.ResourceStatus, reason, eventType string, from ...types.ResourceStatus) (*types.Resource, error) {
	r.mu.RLock()
	current, ok := r.resources[id]
	if !ok {
		r.mu.RUnlock()
		return nil, fmt.Errorf("resource %s: %w", id, errdefs.ErrNotFound)
	}
	allowed := false
	for _, s := range from {
		if current.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		status := current.Status
		r.mu.RUnlock()
		return nil, fmt.Errorf("resource %s is %s, cannot become %s: %w", id, status, to, errdefs.ErrConflictingState)
	}
	updated := copyResource(current)
	r.mu.RUnlock()

	updated.Status = to
	if err := r.commit(ctx, current, updated, actor, reason); err != nil {
		return nil, err
	}
	r.publish(eventType, updated)
	r.logger.Info().Str("resource_id", id).Str("status", string(to)).Msg(reason)
	return copyResource(updated), nil
}

// commit records the update through the ledger, persists it, and swaps the
// cache entry
func (r *Registry) commit(ctx context.Context, previous, updated *types.Resource, actor types.Actor, reason string) error {
	if _, err := r.ledger.RecordChange(ctx, ledger.Change{
		EntityType:    types.EntityResource,
		EntityID:      updated.ID,
		PreviousState: stateOf(previous),
		NewState:      stateOf(updated),
		Actor:         actor,
		Reason:        reason,
	}); err != nil {
		return err
	}
	if err := r.persist(ctx, updated); err != nil {
		return err
	}
	r.mu.Lock()
	r.resources[updated.ID] = updated
	r.updateMetricsLocked()
	r.mu.Unlock()
	return nil
}

// AvailableWorkers returns online workers ordered by id. Draining, offline,
// and unhealthy resources are never returned.
func (r *Registry) AvailableWorkers() []*types.Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*types.Resource
	for _, res := range r.resources {
		if res.Type == types.ResourceTypeWorker && res.Status == types.ResourceStatusOnline {
			out = append(out, copyResource(res))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetStats summarizes the catalog
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := Stats{
		Total:    len(r.resources),
		ByType:   make(map[types.ResourceType]int),
		ByStatus: make(map[types.ResourceStatus]int),
	}
	for _, res := range r.resources {
		stats.ByType[res.Type]++
		stats.ByStatus[res.Status]++
		if res.Type == types.ResourceTypeWorker {
			stats.Workers++
		}
		if res.Status == types.ResourceStatusOnline {
			stats.Online++
		}
	}
	return stats
}

// PublishHeartbeat emits one liveness message for a resource. Workers and
// tests use it; the daemon's own resources never need it.
func PublishHeartbeat(ctx context.Context, b backend.Backend, clk clock.Clock, resourceID string) error {
	if clk == nil {
		clk = clock.Real()
	}
	data, err := json.Marshal(heartbeatMessage{ResourceID: resourceID, Timestamp: clk.Now()})
	if err != nil {
		return err
	}
	return b.Publish(ctx, backend.ChannelHeartbeat, data)
}

func (r *Registry) persist(ctx context.Context, res *types.Resource) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return r.backend.Set(ctx, resourceKeyPrefix+res.ID, data, 0)
}

func (r *Registry) publish(eventType string, res *types.Resource) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{
		Type:   eventType,
		Source: "registry",
		Data: map[string]any{
			"resource": copyResource(res),
		},
	})
}

// updateMetricsLocked refreshes the resource gauges; callers hold r.mu
func (r *Registry) updateMetricsLocked() {
	counts := make(map[[2]string]int)
	for _, res := range r.resources {
		counts[[2]string{string(res.Type), string(res.Status)}]++
	}
	allTypes := []types.ResourceType{types.ResourceTypeWorker, types.ResourceTypeStorage, types.ResourceTypeCache}
	allStatuses := []types.ResourceStatus{
		types.ResourceStatusOnline, types.ResourceStatusDraining,
		types.ResourceStatusOffline, types.ResourceStatusUnhealthy,
	}
	for _, t := range allTypes {
		for _, s := range allStatuses {
			metrics.ResourcesTotal.WithLabelValues(string(t), string(s)).
				Set(float64(counts[[2]string{string(t), string(s)}]))
		}
	}
}

// stateOf renders a resource as a ledger state map
func stateOf(res *types.Resource) types.State {
	data, err := json.Marshal(res)
	if err != nil {
		return types.State{"id": res.ID}
	}
	var state types.State
	if err := json.Unmarshal(data, &state); err != nil {
		return types.State{"id": res.ID}
	}
	return state
}

func copyResource(res *types.Resource) *types.Resource {
	out := *res
	if res.Capabilities != nil {
		out.Capabilities = make(map[string]string, len(res.Capabilities))
		for k, v := range res.Capabilities {
			out.Capabilities[k] = v
		}
	}
	if res.Labels != nil {
		out.Labels = make(map[string]string, len(res.Labels))
		for k, v := range res.Labels {
			out.Labels[k] = v
		}
	}
	return &out
}
