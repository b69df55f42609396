package ledger

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildnet-io/buildnet/pkg/types"
)

func TestCanonicalJSONSortsKeys(t *testing.T) {
	a, err := canonicalJSON(map[string]any{"b": 1, "a": 2, "c": map[string]any{"z": 1, "y": 2}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":{"y":2,"z":1}}`, a)
}

func TestCanonicalJSONNumberStability(t *testing.T) {
	// the same value through different Go numeric types renders identically
	cases := []any{int(8), int64(8), float64(8), json.Number("8")}
	first, err := canonicalJSON(cases[0])
	require.NoError(t, err)
	for _, v := range cases[1:] {
		got, err := canonicalJSON(v)
		require.NoError(t, err)
		assert.Equal(t, first, got)
	}
}

func TestCanonicalEqualIgnoresKeyOrder(t *testing.T) {
	equal, err := canonicalEqual(
		map[string]any{"cpu": 8, "id": "r1"},
		map[string]any{"id": "r1", "cpu": float64(8)},
	)
	require.NoError(t, err)
	assert.True(t, equal)

	equal, err = canonicalEqual(
		map[string]any{"cpu": 8},
		map[string]any{"cpu": 16},
	)
	require.NoError(t, err)
	assert.False(t, equal)
}

func TestChecksumSurvivesBackendRoundTrip(t *testing.T) {
	entry := &types.LedgerEntry{
		EntryID:        "e1",
		TransactionID:  "t1",
		SequenceNumber: 1,
		EntryType:      types.EntryCredit,
		AccountType:    types.AccountWorkerPool,
		EntityType:     types.EntityResource,
		EntityID:       "r1",
		NewState:       types.State{"id": "r1", "cpu": json.Number("8")},
		Delta:          &types.Delta{Type: types.DeltaCreate},
		Timestamp:      time.Date(2025, 6, 1, 12, 0, 0, 123456789, time.UTC),
		Actor:          types.Actor{ID: "u1", Kind: types.ActorKindUser},
		Reason:         "registered",
	}
	sum, err := checksumEntry(entry)
	require.NoError(t, err)
	entry.Checksum = sum

	data, err := json.Marshal(entry)
	require.NoError(t, err)
	decoded, err := decodeEntry(data)
	require.NoError(t, err)

	recomputed, err := checksumEntry(decoded)
	require.NoError(t, err)
	assert.Equal(t, sum, recomputed)
}

func TestChecksumChangesWithContent(t *testing.T) {
	entry := &types.LedgerEntry{
		EntryID:        "e1",
		TransactionID:  "t1",
		SequenceNumber: 1,
		EntryType:      types.EntryCredit,
		EntityType:     types.EntityResource,
		EntityID:       "r1",
		Timestamp:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Reason:         "registered",
	}
	sum1, err := checksumEntry(entry)
	require.NoError(t, err)

	entry.Reason = "tampered"
	sum2, err := checksumEntry(entry)
	require.NoError(t, err)
	assert.NotEqual(t, sum1, sum2)
}
