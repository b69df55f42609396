package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/buildnet-io/buildnet/pkg/clock"
	"github.com/buildnet-io/buildnet/pkg/errdefs"
	"github.com/buildnet-io/buildnet/pkg/metrics"
)

var (
	bucketKV     = []byte("kv")
	bucketLeases = []byte("leases")
)

// BoltBackend implements Backend on a bbolt database file. Durability is
// fsync-per-write through bbolt's transaction commit. Pub/sub stays
// in-process; the channel contract is unchanged.
type BoltBackend struct {
	db  *bolt.DB
	hub *hub
	clk clock.Clock
}

// boltValue wraps a stored value with its optional expiry
type boltValue struct {
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// boltLease is stored under both resource: and token: keys
type boltLease struct {
	Token     string    `json:"token"`
	Resource  string    `json:"resource"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewBolt opens (creating if needed) a bbolt-backed state backend at path.
// A nil clk uses wall time.
func NewBolt(path string, clk clock.Clock) (*BoltBackend, error) {
	if clk == nil {
		clk = clock.Real()
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w: %w", err, errdefs.ErrBackendUnavailable)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketKV, bucketLeases} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltBackend{db: db, hub: newHub(), clk: clk}, nil
}

func (s *BoltBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	defer s.observe("get", time.Now())
	var out []byte
	found := false
	expired := false

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketKV).Get([]byte(key))
		if data == nil {
			return nil
		}
		var v boltValue
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		if s.expired(v) {
			expired = true
			return nil
		}
		out = make([]byte, len(v.Value))
		copy(out, v.Value)
		found = true
		return nil
	})
	if err != nil {
		return nil, false, s.wrap("get", err)
	}
	if expired {
		// Lazy expiry: drop the dead key outside the read transaction
		_ = s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketKV).Delete([]byte(key))
		})
	}
	return out, found, nil
}

func (s *BoltBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	defer s.observe("set", time.Now())
	v := boltValue{Value: value}
	if ttl > 0 {
		v.ExpiresAt = s.clk.Now().Add(ttl)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Put([]byte(key), data)
	})
	return s.wrap("set", err)
}

func (s *BoltBackend) Delete(ctx context.Context, key string) error {
	defer s.observe("delete", time.Now())
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Delete([]byte(key))
	})
	return s.wrap("delete", err)
}

func (s *BoltBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	defer s.observe("keys", time.Now())
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketKV).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			var stored boltValue
			if err := json.Unmarshal(v, &stored); err != nil {
				return err
			}
			if s.expired(stored) {
				continue
			}
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, s.wrap("keys", err)
	}
	return keys, nil
}

func (s *BoltBackend) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	defer s.observe("set_if_absent", time.Now())
	accepted := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		if data := b.Get([]byte(key)); data != nil {
			var existing boltValue
			if err := json.Unmarshal(data, &existing); err != nil {
				return err
			}
			if !s.expired(existing) {
				return nil
			}
		}
		v := boltValue{Value: value}
		if ttl > 0 {
			v.ExpiresAt = s.clk.Now().Add(ttl)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		accepted = true
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return false, s.wrap("set_if_absent", err)
	}
	return accepted, nil
}

func (s *BoltBackend) AcquireLease(ctx context.Context, resource string, ttl time.Duration) (string, error) {
	defer s.observe("acquire_lease", time.Now())
	token := uuid.New().String()
	now := s.clk.Now()
	held := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		resourceKey := []byte("resource:" + resource)
		if data := b.Get(resourceKey); data != nil {
			var existing boltLease
			if err := json.Unmarshal(data, &existing); err != nil {
				return err
			}
			if existing.ExpiresAt.After(now) {
				held = true
				return nil
			}
			b.Delete([]byte("token:" + existing.Token))
		}
		lease := boltLease{Token: token, Resource: resource, ExpiresAt: now.Add(ttl)}
		data, err := json.Marshal(lease)
		if err != nil {
			return err
		}
		if err := b.Put(resourceKey, data); err != nil {
			return err
		}
		return b.Put([]byte("token:"+token), data)
	})
	if err != nil {
		return "", s.wrap("acquire_lease", err)
	}
	if held {
		return "", fmt.Errorf("lease %s held: %w", resource, errdefs.ErrLeaseUnavailable)
	}
	return token, nil
}

func (s *BoltBackend) RenewLease(ctx context.Context, token string, ttl time.Duration) error {
	defer s.observe("renew_lease", time.Now())
	now := s.clk.Now()
	unavailable := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		tokenKey := []byte("token:" + token)
		data := b.Get(tokenKey)
		if data == nil {
			unavailable = true
			return nil
		}
		var lease boltLease
		if err := json.Unmarshal(data, &lease); err != nil {
			return err
		}
		if !lease.ExpiresAt.After(now) {
			b.Delete(tokenKey)
			b.Delete([]byte("resource:" + lease.Resource))
			unavailable = true
			return nil
		}
		lease.ExpiresAt = now.Add(ttl)
		renewed, err := json.Marshal(lease)
		if err != nil {
			return err
		}
		if err := b.Put(tokenKey, renewed); err != nil {
			return err
		}
		return b.Put([]byte("resource:"+lease.Resource), renewed)
	})
	if err != nil {
		return s.wrap("renew_lease", err)
	}
	if unavailable {
		return fmt.Errorf("lease token invalid or expired: %w", errdefs.ErrLeaseUnavailable)
	}
	return nil
}

func (s *BoltBackend) ReleaseLease(ctx context.Context, token string) error {
	defer s.observe("release_lease", time.Now())
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		tokenKey := []byte("token:" + token)
		data := b.Get(tokenKey)
		if data == nil {
			return nil
		}
		var lease boltLease
		if err := json.Unmarshal(data, &lease); err != nil {
			return err
		}
		if err := b.Delete(tokenKey); err != nil {
			return err
		}
		resourceKey := []byte("resource:" + lease.Resource)
		if current := b.Get(resourceKey); current != nil {
			var held boltLease
			if err := json.Unmarshal(current, &held); err == nil && held.Token == token {
				return b.Delete(resourceKey)
			}
		}
		return nil
	})
	return s.wrap("release_lease", err)
}

func (s *BoltBackend) Publish(ctx context.Context, channel string, message []byte) error {
	s.hub.publish(channel, message)
	return nil
}

func (s *BoltBackend) Subscribe(channel string, fn func([]byte)) func() {
	return s.hub.subscribe(channel, fn)
}

func (s *BoltBackend) Close() error {
	s.hub.close()
	return s.db.Close()
}

func (s *BoltBackend) expired(v boltValue) bool {
	return !v.ExpiresAt.IsZero() && !v.ExpiresAt.After(s.clk.Now())
}

// observe records op counts and wall-clock latency; the injected clock is
// for TTL semantics, not observability.
func (s *BoltBackend) observe(op string, start time.Time) {
	metrics.BackendOperationsTotal.WithLabelValues(op).Inc()
	metrics.BackendOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (s *BoltBackend) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("bolt %s: %w: %w", op, err, errdefs.ErrBackendUnavailable)
}
