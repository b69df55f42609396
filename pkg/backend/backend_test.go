package backend

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildnet-io/buildnet/pkg/clock"
	"github.com/buildnet-io/buildnet/pkg/errdefs"
)

// testBackends builds one of each implementation against the same fake clock
func testBackends(t *testing.T, fc *clock.Fake) map[string]Backend {
	t.Helper()

	boltPath := filepath.Join(t.TempDir(), "state.db")
	bb, err := NewBolt(boltPath, fc)
	require.NoError(t, err)
	t.Cleanup(func() { bb.Close() })

	mem := NewMemory(fc)
	t.Cleanup(func() { mem.Close() })

	return map[string]Backend{"memory": mem, "bolt": bb}
}

func TestBackendSetGetDelete(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	ctx := context.Background()

	for name, b := range testBackends(t, fc) {
		t.Run(name, func(t *testing.T) {
			_, found, err := b.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, found)

			require.NoError(t, b.Set(ctx, "k1", []byte("v1"), 0))
			value, found, err := b.Get(ctx, "k1")
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, []byte("v1"), value)

			require.NoError(t, b.Set(ctx, "k1", []byte("v2"), 0))
			value, _, _ = b.Get(ctx, "k1")
			assert.Equal(t, []byte("v2"), value)

			require.NoError(t, b.Delete(ctx, "k1"))
			_, found, err = b.Get(ctx, "k1")
			require.NoError(t, err)
			assert.False(t, found)

			// Deleting an absent key is not an error
			require.NoError(t, b.Delete(ctx, "k1"))
		})
	}
}

func TestBackendTTLExpiry(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	ctx := context.Background()

	for name, b := range testBackends(t, fc) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Set(ctx, "ttl:"+name, []byte("x"), 10*time.Second))

			_, found, err := b.Get(ctx, "ttl:"+name)
			require.NoError(t, err)
			assert.True(t, found)

			fc.Advance(11 * time.Second)
			_, found, err = b.Get(ctx, "ttl:"+name)
			require.NoError(t, err)
			assert.False(t, found, "expired key must read as absent")
		})
	}
}

func TestBackendKeysOrdered(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	ctx := context.Background()

	for name, b := range testBackends(t, fc) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Set(ctx, "entry:003", []byte("c"), 0))
			require.NoError(t, b.Set(ctx, "entry:001", []byte("a"), 0))
			require.NoError(t, b.Set(ctx, "entry:002", []byte("b"), 0))
			require.NoError(t, b.Set(ctx, "other:001", []byte("x"), 0))

			keys, err := b.Keys(ctx, "entry:")
			require.NoError(t, err)
			assert.Equal(t, []string{"entry:001", "entry:002", "entry:003"}, keys)
		})
	}
}

func TestBackendSetIfAbsent(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	ctx := context.Background()

	for name, b := range testBackends(t, fc) {
		t.Run(name, func(t *testing.T) {
			accepted, err := b.SetIfAbsent(ctx, "sia", []byte("first"), 0)
			require.NoError(t, err)
			assert.True(t, accepted)

			accepted, err = b.SetIfAbsent(ctx, "sia", []byte("second"), 0)
			require.NoError(t, err)
			assert.False(t, accepted)

			value, _, _ := b.Get(ctx, "sia")
			assert.Equal(t, []byte("first"), value)
		})
	}
}

func TestBackendLeases(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	ctx := context.Background()

	for name, b := range testBackends(t, fc) {
		t.Run(name, func(t *testing.T) {
			token, err := b.AcquireLease(ctx, "writer", 10*time.Second)
			require.NoError(t, err)
			require.NotEmpty(t, token)

			// Held lease rejects a second acquirer
			_, err = b.AcquireLease(ctx, "writer", 10*time.Second)
			assert.ErrorIs(t, err, errdefs.ErrLeaseUnavailable)

			// Renewal extends the hold
			fc.Advance(8 * time.Second)
			require.NoError(t, b.RenewLease(ctx, token, 10*time.Second))
			fc.Advance(8 * time.Second)
			_, err = b.AcquireLease(ctx, "writer", 10*time.Second)
			assert.ErrorIs(t, err, errdefs.ErrLeaseUnavailable)

			// Release frees it for the next acquirer
			require.NoError(t, b.ReleaseLease(ctx, token))
			token2, err := b.AcquireLease(ctx, "writer", 10*time.Second)
			require.NoError(t, err)
			assert.NotEqual(t, token, token2)

			// Expired leases are lost and can be re-acquired
			fc.Advance(11 * time.Second)
			err = b.RenewLease(ctx, token2, 10*time.Second)
			assert.ErrorIs(t, err, errdefs.ErrLeaseUnavailable)
			_, err = b.AcquireLease(ctx, "writer", 10*time.Second)
			require.NoError(t, err)
		})
	}
}

func TestBackendPubSub(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	ctx := context.Background()

	for name, b := range testBackends(t, fc) {
		t.Run(name, func(t *testing.T) {
			received := make(chan []byte, 4)
			unsubscribe := b.Subscribe("events", func(msg []byte) {
				received <- msg
			})

			require.NoError(t, b.Publish(ctx, "events", []byte("one")))
			select {
			case msg := <-received:
				assert.Equal(t, []byte("one"), msg)
			case <-time.After(time.Second):
				t.Fatal("message not delivered")
			}

			// Other channels are not delivered here
			require.NoError(t, b.Publish(ctx, "other", []byte("nope")))

			unsubscribe()
			require.NoError(t, b.Publish(ctx, "events", []byte("two")))

			select {
			case msg := <-received:
				t.Fatalf("unexpected delivery after unsubscribe: %s", msg)
			case <-time.After(50 * time.Millisecond):
			}
		})
	}
}

func TestMemoryBackendClosed(t *testing.T) {
	mem := NewMemory(nil)
	require.NoError(t, mem.Close())

	ctx := context.Background()
	err := mem.Set(ctx, "k", []byte("v"), 0)
	assert.ErrorIs(t, err, errdefs.ErrBackendUnavailable)

	_, _, err = mem.Get(ctx, "k")
	assert.ErrorIs(t, err, errdefs.ErrBackendUnavailable)
}
