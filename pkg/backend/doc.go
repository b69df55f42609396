/*
Package backend defines BuildNet's storage abstraction and its two
implementations.

Backend is a small key/value contract with three extras the ledger needs:
TTL expiry on values, compare-and-set via SetIfAbsent, and exclusive leases
(acquire, renew, release) that serialize the ledger writer. A lightweight
publish/subscribe channel carries the "ledger" stream so external consumers
can follow entries without polling.

Two implementations ship:

  - MemoryBackend: map-based, used by tests and by daemons that do not need
    persistence. Expiry is evaluated lazily against the injected clock.
  - BoltBackend: bbolt-backed, single-file, used in production. Values and
    leases live in separate buckets; Keys returns lexicographically ordered
    keys, which gives the ledger its ordered entry scan for free.

Both implementations take a clock.Clock so TTL and lease expiry are
deterministic under test.

# Key layout

Callers own their prefixes. The conventions in use:

	ledger:entry:<seq, zero-padded to 20>   one ledger entry
	ledger:latest:<entity_type>:<id>        latest-state pointer
	ledger:seq                              sequence counter
	resources:item:<id>                     registry resource record
	heartbeat:<id>                          worker heartbeat (TTL)

# Usage

	be, err := backend.NewBolt("/var/lib/buildnet/buildnet.db", clock.Real())
	if err != nil {
		return err
	}
	defer be.Close()

	token, err := be.AcquireLease(ctx, "ledger:writer", 10*time.Second)
	if err != nil {
		return err
	}
	defer be.ReleaseLease(ctx, token)

Errors wrap errdefs.ErrBackendUnavailable when the store cannot serve the
request and errdefs.ErrLeaseUnavailable when a lease is held elsewhere.
*/
package backend
