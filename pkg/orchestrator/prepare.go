package orchestrator

import (
	"sort"

	"github.com/buildnet-io/buildnet/pkg/types"
)

// Target priorities: shared code builds before everything that depends on it.
var targetPriorities = map[string]int{
	"shared":   100,
	"core":     90,
	"client":   80,
	"ui":       70,
	"api":      60,
	"frontend": 50,
}

const defaultTargetPriority = 40

// TargetPriority returns the scheduling priority for a build target; higher
// runs earlier.
func TargetPriority(target string) int {
	if p, ok := targetPriorities[target]; ok {
		return p
	}
	return defaultTargetPriority
}

// SortTargetsByPriority orders targets by descending priority, ties by name
func SortTargetsByPriority(targets []string) []string {
	out := append([]string(nil), targets...)
	sort.Slice(out, func(i, j int) bool {
		pi, pj := TargetPriority(out[i]), TargetPriority(out[j])
		if pi != pj {
			return pi > pj
		}
		return out[i] < out[j]
	})
	return out
}

// PrepareBundles derives the micro-bundles for a build request. The default
// policy is one bundle per target, sorted by descending priority.
func PrepareBundles(request *types.BuildRequest) []*types.MicroBundle {
	bundles := make([]*types.MicroBundle, 0, len(request.Targets))
	for _, target := range request.Targets {
		bundles = append(bundles, &types.MicroBundle{
			ID:      target + ":main",
			Package: target,
			Entry:   "main",
			Chunk: types.ChunkSpec{
				Globs:   []string{"packages/" + target + "/**"},
				IsEntry: true,
			},
			EstimatedSizeKB: 256,
			EstimatedTimeMS: 1000,
			Priority:        TargetPriority(target),
		})
	}
	sort.Slice(bundles, func(i, j int) bool {
		if bundles[i].Priority != bundles[j].Priority {
			return bundles[i].Priority > bundles[j].Priority
		}
		return bundles[i].ID < bundles[j].ID
	})
	return bundles
}
