package backend

import (
	"sync"
)

// hub is the in-process pub/sub dispatcher shared by backend implementations.
// One goroutine drains the queue and invokes subscriber callbacks in order,
// so publishers never run subscriber code on their own goroutine.
type hub struct {
	mu     sync.RWMutex
	subs   map[string]map[int]func([]byte)
	nextID int
	queue  chan hubMessage
	stopCh chan struct{}
	once   sync.Once
}

type hubMessage struct {
	channel string
	payload []byte
}

func newHub() *hub {
	h := &hub{
		subs:   make(map[string]map[int]func([]byte)),
		queue:  make(chan hubMessage, 256), // absorbs bursts without blocking publishers
		stopCh: make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *hub) run() {
	for {
		select {
		case msg := <-h.queue:
			h.dispatch(msg)
		case <-h.stopCh:
			return
		}
	}
}

func (h *hub) dispatch(msg hubMessage) {
	h.mu.RLock()
	fns := make([]func([]byte), 0, len(h.subs[msg.channel]))
	for _, fn := range h.subs[msg.channel] {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(msg.payload)
	}
}

func (h *hub) publish(channel string, payload []byte) {
	select {
	case h.queue <- hubMessage{channel: channel, payload: payload}:
	case <-h.stopCh:
	}
}

func (h *hub) subscribe(channel string, fn func([]byte)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subs[channel] == nil {
		h.subs[channel] = make(map[int]func([]byte))
	}
	id := h.nextID
	h.nextID++
	h.subs[channel][id] = fn

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[channel], id)
	}
}

func (h *hub) close() {
	h.once.Do(func() { close(h.stopCh) })
}
