package backend

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/buildnet-io/buildnet/pkg/clock"
	"github.com/buildnet-io/buildnet/pkg/errdefs"
)

// MemoryBackend implements Backend with guarded in-process maps. It is the
// default for tests and single-node daemons without durability requirements.
type MemoryBackend struct {
	mu     sync.RWMutex
	data   map[string]memEntry
	leases map[string]memLease // resource -> lease
	tokens map[string]string   // token -> resource
	hub    *hub
	clk    clock.Clock
	closed bool
}

type memEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

type memLease struct {
	token     string
	expiresAt time.Time
}

// NewMemory creates an empty in-memory backend. A nil clk uses wall time.
func NewMemory(clk clock.Clock) *MemoryBackend {
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryBackend{
		data:   make(map[string]memEntry),
		leases: make(map[string]memLease),
		tokens: make(map[string]string),
		hub:    newHub(),
		clk:    clk,
	}
}

func (m *MemoryBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, false, errClosed()
	}
	entry, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	if m.expired(entry) {
		delete(m.data, key)
		return nil, false, nil
	}
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, true, nil
}

func (m *MemoryBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errClosed()
	}
	m.data[key] = m.newEntry(value, ttl)
	return nil
}

func (m *MemoryBackend) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errClosed()
	}
	delete(m.data, key)
	return nil
}

func (m *MemoryBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errClosed()
	}
	var keys []string
	for k, entry := range m.data {
		if m.expired(entry) {
			delete(m.data, k)
			continue
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryBackend) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, errClosed()
	}
	if entry, ok := m.data[key]; ok && !m.expired(entry) {
		return false, nil
	}
	m.data[key] = m.newEntry(value, ttl)
	return true, nil
}

func (m *MemoryBackend) AcquireLease(ctx context.Context, resource string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", errClosed()
	}
	now := m.clk.Now()
	if lease, ok := m.leases[resource]; ok && lease.expiresAt.After(now) {
		return "", fmt.Errorf("lease %s held: %w", resource, errdefs.ErrLeaseUnavailable)
	}
	token := uuid.New().String()
	m.leases[resource] = memLease{token: token, expiresAt: now.Add(ttl)}
	m.tokens[token] = resource
	return token, nil
}

func (m *MemoryBackend) RenewLease(ctx context.Context, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errClosed()
	}
	resource, ok := m.tokens[token]
	if !ok {
		return fmt.Errorf("unknown lease token: %w", errdefs.ErrLeaseUnavailable)
	}
	lease := m.leases[resource]
	if lease.token != token || !lease.expiresAt.After(m.clk.Now()) {
		delete(m.tokens, token)
		return fmt.Errorf("lease %s expired: %w", resource, errdefs.ErrLeaseUnavailable)
	}
	lease.expiresAt = m.clk.Now().Add(ttl)
	m.leases[resource] = lease
	return nil
}

func (m *MemoryBackend) ReleaseLease(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errClosed()
	}
	resource, ok := m.tokens[token]
	if !ok {
		return nil
	}
	if m.leases[resource].token == token {
		delete(m.leases, resource)
	}
	delete(m.tokens, token)
	return nil
}

func (m *MemoryBackend) Publish(ctx context.Context, channel string, message []byte) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return errClosed()
	}
	m.hub.publish(channel, message)
	return nil
}

func (m *MemoryBackend) Subscribe(channel string, fn func([]byte)) func() {
	return m.hub.subscribe(channel, fn)
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.hub.close()
	return nil
}

func (m *MemoryBackend) newEntry(value []byte, ttl time.Duration) memEntry {
	stored := make([]byte, len(value))
	copy(stored, value)
	entry := memEntry{value: stored}
	if ttl > 0 {
		entry.expiresAt = m.clk.Now().Add(ttl)
	}
	return entry
}

func (m *MemoryBackend) expired(entry memEntry) bool {
	return !entry.expiresAt.IsZero() && !entry.expiresAt.After(m.clk.Now())
}

func errClosed() error {
	return fmt.Errorf("backend closed: %w", errdefs.ErrBackendUnavailable)
}
