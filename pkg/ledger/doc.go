/*
Package ledger implements BuildNet's double-entry audit ledger with
hash-chained integrity.

Every state mutation in the system flows through RecordChange, which turns
the old/new state pair into one or two immutable ledger entries modeled on
double-entry bookkeeping: a create posts a single CREDIT, a delete posts a
single DEBIT, and an update posts a DEBIT at the lower sequence followed by
a CREDIT at the higher sequence, both sharing one transaction id, timestamp,
actor, and reason. Entries are SHA-256 hash-chained so any tampering with a
stored entry is detectable by recomputation.

# Architecture

	┌─────────────────── AUDIT LEDGER ───────────────────────┐
	│                                                          │
	│  RecordChange(change)                                    │
	│        │                                                 │
	│  ┌─────▼──────────────────────────────┐                 │
	│  │ Writer Lease (ledger:writer)        │                 │
	│  │  - TTL 10s, retry with back-off     │                 │
	│  │  - serializes writers across        │                 │
	│  │    processes                        │                 │
	│  └─────┬──────────────────────────────┘                 │
	│        │                                                 │
	│  ┌─────▼──────────────────────────────┐                 │
	│  │ Entry Construction                  │                 │
	│  │  - normalize states (json.Number)   │                 │
	│  │  - compute field-level delta        │                 │
	│  │  - assign dense sequence numbers    │                 │
	│  │  - chain: previous_checksum =       │                 │
	│  │    checksum of entry N-1            │                 │
	│  │  - checksum = SHA-256 of canonical  │                 │
	│  │    JSON over all fields except      │                 │
	│  │    checksum itself                  │                 │
	│  └─────┬──────────────────────────────┘                 │
	│        │                                                 │
	│  ┌─────▼──────────────────────────────┐                 │
	│  │ Persistence                         │                 │
	│  │  - ledger:entry:<seq, zero-padded>  │                 │
	│  │  - ledger:latest:<type>:<id>        │                 │
	│  │  - optional JSONL mirror (fsync)    │                 │
	│  │  - rollback on partial failure      │                 │
	│  └─────┬──────────────────────────────┘                 │
	│        │                                                 │
	│  ┌─────▼──────────────────────────────┐                 │
	│  │ Fan-out                             │                 │
	│  │  - events.Bus ledger:transaction    │                 │
	│  │  - backend channel "ledger" stream  │                 │
	│  └────────────────────────────────────┘                 │
	└──────────────────────────────────────────────────────────┘

# Invariants

Sequence density:
  - Sequences start at 1 and form the dense set {1..N}
  - The counter only advances after every write in a transaction succeeds
  - Recovery rebuilds the counter from storage and refuses writes on a gap

Hash chain:
  - Entry 1 carries an empty previous_checksum
  - Entry N carries the checksum of entry N-1
  - Checksums cover canonical JSON: object keys sorted, numbers kept as
    json.Number literals, timestamps in RFC3339Nano UTC

Immutability:
  - Entries are never updated in place; corrections post new entries
  - VerifyIntegrity reports CHAIN_BREAK and CHECKSUM_MISMATCH but repairs
    nothing

# Reading

GetEntityState reads the latest pointer, GetEntityStateAt replays entries at
or before a timestamp, QueryEntries filters by entity, actor, sequence, and
time windows. Readers never take the writer lease.

# Usage

	led, err := ledger.New(store, bus, clock.Real(), ledger.Options{
		MirrorPath: "/var/lib/buildnet/ledger.mirror",
		Streaming:  true,
	})
	if err != nil {
		return err
	}
	defer led.Close()

	tx, err := led.RecordChange(ctx, ledger.Change{
		EntityType: types.EntityResource,
		EntityID:   "worker-1",
		NewState:   types.State{"status": "online", "cpu": 8},
		Actor:      types.SystemActor(),
		Reason:     "resource registered",
	})

	report, err := led.VerifyIntegrity(ctx, 0)
	if !report.Verified {
		// report.Errors carries sequence, code, and message per failure
	}

# See Also

  - pkg/backend: key/value storage, leases, and the streaming channel
  - pkg/registry: first ledger-writing consumer (resource lifecycle)
  - cmd/buildnet-verify: offline verification and mirror replay tool
*/
package ledger
