package ledger

import (
	"sort"

	"github.com/buildnet-io/buildnet/pkg/types"
)

// computeDelta classifies a mutation and, for updates, derives the field-wise
// diff. Keys appearing in only one state record a change against nil; keys in
// both are compared by canonical serialization, so key order and Go-side
// numeric types cannot produce spurious diffs. Equal states yield nil.
func computeDelta(previous, next types.State) (*types.Delta, error) {
	switch {
	case previous == nil && next == nil:
		return nil, nil
	case previous == nil:
		return &types.Delta{Type: types.DeltaCreate}, nil
	case next == nil:
		return &types.Delta{Type: types.DeltaDelete}, nil
	}

	keys := make(map[string]bool, len(previous)+len(next))
	for k := range previous {
		keys[k] = true
	}
	for k := range next {
		keys[k] = true
	}
	ordered := make([]string, 0, len(keys))
	for k := range keys {
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)

	changes := make(map[string]types.FieldChange)
	for _, k := range ordered {
		oldValue, oldOK := previous[k]
		newValue, newOK := next[k]
		switch {
		case !oldOK:
			changes[k] = types.FieldChange{Old: nil, New: newValue}
		case !newOK:
			changes[k] = types.FieldChange{Old: oldValue, New: nil}
		default:
			equal, err := canonicalEqual(oldValue, newValue)
			if err != nil {
				return nil, err
			}
			if !equal {
				changes[k] = types.FieldChange{Old: oldValue, New: newValue}
			}
		}
	}
	if len(changes) == 0 {
		return nil, nil
	}

	return &types.Delta{Type: types.DeltaUpdate, Changes: changes}, nil
}
