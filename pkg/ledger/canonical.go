package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/buildnet-io/buildnet/pkg/types"
)

// canonicalJSON renders v deterministically: object keys sorted at every
// level, numbers kept in their literal form. Two values that differ only in
// key order or Go-side numeric type produce the same rendering.
func canonicalJSON(v any) (string, error) {
	normalized, err := normalizeValue(v)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	if err := writeCanonical(&sb, normalized); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// normalizeValue round-trips v through encoding/json so every value becomes
// one of nil, bool, string, json.Number, []any, or map[string]any. States are
// normalized this way before they enter a ledger entry so in-memory values
// compare equal to values read back from the backend.
func normalizeValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return generic, nil
}

// normalizeState normalizes every value in a state map, preserving nil
func normalizeState(s types.State) (types.State, error) {
	if s == nil {
		return nil, nil
	}
	generic, err := normalizeValue(s)
	if err != nil {
		return nil, err
	}
	out, ok := generic.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("state did not normalize to an object")
	}
	return types.State(out), nil
}

func writeCanonical(sb *strings.Builder, v any) error {
	switch val := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		if val {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case string:
		data, err := json.Marshal(val)
		if err != nil {
			return err
		}
		sb.Write(data)
	case json.Number:
		sb.WriteString(val.String())
	case []any:
		sb.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeCanonical(sb, item); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kd, err := json.Marshal(k)
			if err != nil {
				return err
			}
			sb.Write(kd)
			sb.WriteByte(':')
			if err := writeCanonical(sb, val[k]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
	default:
		return fmt.Errorf("unsupported canonical type %T", v)
	}
	return nil
}

// checksumEntry computes the SHA-256 hex checksum over the canonical
// rendering of every entry field except the checksum itself. The timestamp
// is rendered as RFC3339Nano in UTC so a backend round-trip cannot perturb
// the digest.
func checksumEntry(e *types.LedgerEntry) (string, error) {
	view := map[string]any{
		"entry_id":          e.EntryID,
		"transaction_id":    e.TransactionID,
		"sequence_number":   e.SequenceNumber,
		"entry_type":        string(e.EntryType),
		"account_type":      string(e.AccountType),
		"entity_type":       e.EntityType,
		"entity_id":         e.EntityID,
		"previous_state":    e.PreviousState,
		"new_state":         e.NewState,
		"delta":             e.Delta,
		"timestamp":         e.Timestamp.UTC().Format(time.RFC3339Nano),
		"actor":             e.Actor,
		"reason":            e.Reason,
		"correlation_id":    e.CorrelationID,
		"previous_checksum": e.PreviousChecksum,
	}
	canonical, err := canonicalJSON(view)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:]), nil
}

// canonicalEqual reports value equality under canonical serialization
func canonicalEqual(a, b any) (bool, error) {
	ca, err := canonicalJSON(a)
	if err != nil {
		return false, err
	}
	cb, err := canonicalJSON(b)
	if err != nil {
		return false, err
	}
	return ca == cb, nil
}
