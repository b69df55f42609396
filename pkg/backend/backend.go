package backend

import (
	"context"
	"time"
)

// Backend is the state-backend contract the core consumes. It is logically
// single-key strongly consistent and offers no cross-key transactions;
// components must never require multi-key atomicity from it.
//
// Operations return errors wrapping errdefs.ErrBackendUnavailable when the
// store is unreachable. TTL expiry is lazy: an expired key may be reported
// absent on the next access rather than removed eagerly.
type Backend interface {
	// Get returns the value for key, with found=false when absent or expired
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Set stores value under key. A ttl of zero means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns all live keys with the given prefix in ascending order
	Keys(ctx context.Context, prefix string) ([]string, error)

	// SetIfAbsent atomically stores value only when key is absent
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// AcquireLease takes the named lease for ttl, returning an opaque token.
	// A held lease returns errdefs.ErrLeaseUnavailable.
	AcquireLease(ctx context.Context, resource string, ttl time.Duration) (token string, err error)

	// RenewLease extends a held lease. Unknown or expired tokens return
	// errdefs.ErrLeaseUnavailable.
	RenewLease(ctx context.Context, token string, ttl time.Duration) error

	// ReleaseLease releases a held lease. Releasing an expired or unknown
	// token is not an error.
	ReleaseLease(ctx context.Context, token string) error

	// Publish sends message on channel to all current subscribers
	Publish(ctx context.Context, channel string, message []byte) error

	// Subscribe registers fn for messages on channel and returns an
	// unsubscribe handle. Callbacks run sequentially on the dispatcher
	// goroutine and must not block.
	Subscribe(channel string, fn func(message []byte)) (unsubscribe func())

	// Close releases the backend. Subsequent operations fail with
	// errdefs.ErrBackendUnavailable.
	Close() error
}

// Well-known channels used for cross-component coordination
const (
	ChannelHeartbeat = "resources:heartbeat"
	ChannelResources = "resources:changed"
	ChannelSessions  = "sessions:changed"
	ChannelLedger    = "ledger:appended"
)
