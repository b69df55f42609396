package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/buildnet-io/buildnet/pkg/clock"
	"github.com/buildnet-io/buildnet/pkg/log"
)

// Event types published on the bus
const (
	TypeLedgerTransaction     = "ledger:transaction"
	TypeResourceAdded         = "resource:added"
	TypeResourceUpdated       = "resource:updated"
	TypeResourceRemoved       = "resource:removed"
	TypeResourceDrained       = "resource:drained"
	TypeResourceResumed       = "resource:resumed"
	TypeResourceStatus        = "resource:status"
	TypeResourceForcedRemoval = "resource:forced_removal"
	TypeSessionCreated        = "session:created"
	TypeSessionEnded          = "session:ended"
	TypeSessionActivity       = "session:activity"
	TypeFileChanged           = "file:changed"
	TypeChangesBatched        = "changes:batched"
	TypePreparationReady      = "preparation:ready"
	TypeBuildStarted          = "build:started"
	TypeBuildCompleted        = "build:completed"
	TypeBuildCancelled        = "build:cancelled"
	TypeVerificationWarning   = "verification:warning"
)

// Event is one occurrence published to in-process subscribers
type Event struct {
	ID        string
	Type      string
	Source    string
	Timestamp time.Time
	Data      map[string]any
}

type subscriber struct {
	ch    chan Event
	types map[string]bool // empty means all types
}

// Bus distributes events to subscribers. One goroutine drains the central
// channel and fans out; a transaction arrives at each subscriber as a single
// emission, so paired ledger entries are never observed half-delivered.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int

	eventCh chan Event
	stopCh  chan struct{}
	once    sync.Once
	clk     clock.Clock
	logger  zerolog.Logger
}

// NewBus creates a bus. A nil clk uses wall time.
func NewBus(clk clock.Clock) *Bus {
	if clk == nil {
		clk = clock.Real()
	}
	return &Bus{
		subs:    make(map[int]*subscriber),
		eventCh: make(chan Event, 128),
		stopCh:  make(chan struct{}),
		clk:     clk,
		logger:  log.WithComponent("events"),
	}
}

// Start begins the distribution loop
func (b *Bus) Start() {
	go b.run()
}

// Stop ends distribution; pending events are dropped
func (b *Bus) Stop() {
	b.once.Do(func() { close(b.stopCh) })
}

// Subscribe registers for the given event types (all types when empty) and
// returns the delivery channel plus an unsubscribe handle.
func (b *Bus) Subscribe(types ...string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{ch: make(chan Event, 64)}
	if len(types) > 0 {
		sub.types = make(map[string]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = sub

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(sub.ch)
		})
	}
	return sub.ch, unsubscribe
}

// Publish queues an event for distribution. Missing ids and timestamps are
// filled in.
func (b *Bus) Publish(event Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = b.clk.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bus) broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.types != nil && !sub.types[event.Type] {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Subscriber buffer full, skip
			b.logger.Warn().
				Str("event_type", event.Type).
				Msg("dropping event for slow subscriber")
		}
	}
}
