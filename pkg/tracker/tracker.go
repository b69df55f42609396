package tracker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/buildnet-io/buildnet/pkg/clock"
	"github.com/buildnet-io/buildnet/pkg/log"
	"github.com/buildnet-io/buildnet/pkg/metrics"
	"github.com/buildnet-io/buildnet/pkg/types"
)

// Options tunes broadcast coalescing. Zero values take the documented
// defaults.
type Options struct {
	BroadcastInterval time.Duration // incremental flush interval, default 100ms
	EventBuffer       int           // retained events, default 1000
}

// Filters restricts which events a subscriber receives. Empty slices pass
// everything. Filters never suppress session, build, or resource updates.
type Filters struct {
	Types      []string
	Severities []string
	ActorKinds []types.ActorKind
}

type subscription struct {
	id      string
	fn      func(types.StateUpdate)
	filters *Filters
}

// pendingUpdate accumulates changes between broadcasts. Keying sessions,
// builds, and resources by id coalesces repeated updates to one entry.
type pendingUpdate struct {
	events    []types.TrackedEvent
	sessions  map[string]*types.Session
	builds    map[string]*types.BuildResult
	resources map[string]*types.Resource
}

func newPending() *pendingUpdate {
	return &pendingUpdate{
		sessions:  make(map[string]*types.Session),
		builds:    make(map[string]*types.BuildResult),
		resources: make(map[string]*types.Resource),
	}
}

func (p *pendingUpdate) empty() bool {
	return len(p.events) == 0 && len(p.sessions) == 0 && len(p.builds) == 0 && len(p.resources) == 0
}

// Tracker batches incremental updates and fans full or incremental state out
// to subscribers. Subscriber callbacks run sequentially on the broadcast
// goroutine, so producers never block on a slow subscriber.
type Tracker struct {
	clk    clock.Clock
	logger zerolog.Logger
	opts   Options

	mu      sync.Mutex
	subs    map[string]*subscription
	events  []types.TrackedEvent
	pending *pendingUpdate
	state   *types.DashboardState

	fullCh   chan *types.DashboardState
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a tracker. Call Start to begin broadcasting.
func New(clk clock.Clock, opts Options) *Tracker {
	if clk == nil {
		clk = clock.Real()
	}
	if opts.BroadcastInterval <= 0 {
		opts.BroadcastInterval = 100 * time.Millisecond
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 1000
	}
	return &Tracker{
		clk:     clk,
		logger:  log.WithComponent("tracker"),
		opts:    opts,
		subs:    make(map[string]*subscription),
		pending: newPending(),
		fullCh:  make(chan *types.DashboardState, 1),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the broadcast loop
func (t *Tracker) Start() {
	t.wg.Add(1)
	go t.run()
}

// Stop ends broadcasting; pending changes are dropped
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.wg.Wait()
}

// Subscribe registers a callback and returns an unsubscribe handle. The
// current full state, when known, is delivered before Subscribe returns.
func (t *Tracker) Subscribe(id string, fn func(types.StateUpdate), filters *Filters) func() {
	t.mu.Lock()
	t.subs[id] = &subscription{id: id, fn: fn, filters: filters}
	count := len(t.subs)
	state := t.state
	t.mu.Unlock()

	metrics.TrackerSubscribers.Set(float64(count))

	if state != nil {
		fn(types.StateUpdate{Timestamp: t.clk.Now(), Full: state})
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			count := len(t.subs)
			t.mu.Unlock()
			metrics.TrackerSubscribers.Set(float64(count))
		})
	}
}

// UpdateState replaces the full dashboard state. The snapshot broadcasts
// immediately and supersedes any pending incremental.
func (t *Tracker) UpdateState(state *types.DashboardState) {
	t.mu.Lock()
	t.state = state
	t.pending = newPending()
	t.mu.Unlock()

	select {
	case t.fullCh <- state:
	default:
		// a full broadcast is already queued; the latest state wins
		select {
		case <-t.fullCh:
		default:
		}
		select {
		case t.fullCh <- state:
		default:
		}
	}
}

// RecordEvent files one dashboard event into the ring and the next broadcast
func (t *Tracker) RecordEvent(event types.TrackedEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = t.clk.Now()
	}
	if event.Severity == "" {
		event.Severity = "info"
	}

	t.mu.Lock()
	t.events = append(t.events, event)
	if len(t.events) > t.opts.EventBuffer {
		t.events = t.events[len(t.events)-t.opts.EventBuffer:]
	}
	t.pending.events = append(t.pending.events, event)
	t.mu.Unlock()
}

// RecordSessionChange queues a session snapshot for the next broadcast
func (t *Tracker) RecordSessionChange(session *types.Session) {
	if session == nil {
		return
	}
	t.mu.Lock()
	t.pending.sessions[session.SessionID] = session
	t.mu.Unlock()
}

// RecordBuildChange queues a build snapshot for the next broadcast
func (t *Tracker) RecordBuildChange(build *types.BuildResult) {
	if build == nil {
		return
	}
	t.mu.Lock()
	t.pending.builds[build.BuildID] = build
	t.mu.Unlock()
}

// RecordResourceChange queues a resource snapshot for the next broadcast
func (t *Tracker) RecordResourceChange(resource *types.Resource) {
	if resource == nil {
		return
	}
	t.mu.Lock()
	t.pending.resources[resource.ID] = resource
	t.mu.Unlock()
}

// RecentEvents returns up to limit events, newest last
func (t *Tracker) RecentEvents(limit int) []types.TrackedEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	if limit <= 0 || limit > len(t.events) {
		limit = len(t.events)
	}
	out := make([]types.TrackedEvent, limit)
	copy(out, t.events[len(t.events)-limit:])
	return out
}

func (t *Tracker) run() {
	defer t.wg.Done()
	ticker := t.clk.NewTicker(t.opts.BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case state := <-t.fullCh:
			t.broadcastFull(state)
		case <-ticker.C():
			t.flush()
		case <-t.stopCh:
			return
		}
	}
}

func (t *Tracker) broadcastFull(state *types.DashboardState) {
	update := types.StateUpdate{Timestamp: t.clk.Now(), Full: state}
	t.deliver(update)
	metrics.TrackerBroadcasts.Inc()
}

// flush emits one incremental update when anything is pending
func (t *Tracker) flush() {
	t.mu.Lock()
	if t.pending.empty() {
		t.mu.Unlock()
		return
	}
	pending := t.pending
	t.pending = newPending()
	t.mu.Unlock()

	update := types.StateUpdate{
		Timestamp: t.clk.Now(),
		Events:    pending.events,
	}
	for _, s := range pending.sessions {
		update.Sessions = append(update.Sessions, s)
	}
	for _, b := range pending.builds {
		update.Builds = append(update.Builds, b)
	}
	for _, r := range pending.resources {
		update.Resources = append(update.Resources, r)
	}

	t.deliver(update)
	metrics.TrackerBroadcasts.Inc()
}

// deliver invokes every subscriber sequentially, applying its event filters
func (t *Tracker) deliver(update types.StateUpdate) {
	t.mu.Lock()
	subs := make([]*subscription, 0, len(t.subs))
	for _, sub := range t.subs {
		subs = append(subs, sub)
	}
	t.mu.Unlock()

	for _, sub := range subs {
		filtered := update
		if sub.filters != nil && update.Full == nil {
			filtered.Events = filterEvents(update.Events, sub.filters)
			if len(filtered.Events) == 0 && len(filtered.Sessions) == 0 &&
				len(filtered.Builds) == 0 && len(filtered.Resources) == 0 {
				continue
			}
		}
		sub.fn(filtered)
	}
}

func filterEvents(eventList []types.TrackedEvent, f *Filters) []types.TrackedEvent {
	var out []types.TrackedEvent
	for _, ev := range eventList {
		if len(f.Types) > 0 && !containsString(f.Types, ev.Type) {
			continue
		}
		if len(f.Severities) > 0 && !containsString(f.Severities, ev.Severity) {
			continue
		}
		if len(f.ActorKinds) > 0 && !containsKind(f.ActorKinds, ev.ActorKind) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func containsKind(haystack []types.ActorKind, needle types.ActorKind) bool {
	for _, k := range haystack {
		if k == needle {
			return true
		}
	}
	return false
}
