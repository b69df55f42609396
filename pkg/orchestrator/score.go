package orchestrator

import (
	"fmt"
	"sort"

	"github.com/buildnet-io/buildnet/pkg/errdefs"
	"github.com/buildnet-io/buildnet/pkg/types"
)

// ScoreBundles produces the execution plan: the dependency graph, the
// critical path, and a per-bundle worker assignment chosen by a load- and
// capability-weighted score. Workers must be the planning-time available set;
// the plan never references a worker outside it.
func ScoreBundles(bundles []*types.MicroBundle, workers []*types.Resource, bundlerPin string) (*types.BuildScore, error) {
	if len(workers) == 0 {
		return nil, fmt.Errorf("no available workers to plan onto")
	}

	graph := make(map[string][]string, len(bundles))
	byID := make(map[string]*types.MicroBundle, len(bundles))
	for _, b := range bundles {
		graph[b.ID] = append([]string(nil), b.Dependencies...)
		byID[b.ID] = b
	}
	for id, deps := range graph {
		for _, dep := range deps {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("bundle %s depends on unknown bundle %s: %w",
					id, dep, errdefs.ErrDeadlock)
			}
		}
	}

	critical := criticalPath(graph, byID)

	// workers sorted by id makes the max-score tie-break deterministic
	candidates := make([]*types.Resource, len(workers))
	copy(candidates, workers)
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	ordered := make([]*types.MicroBundle, len(bundles))
	copy(ordered, bundles)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})

	loads := make(map[string]int64, len(candidates))
	assignments := make(map[string]*types.PartAssignment, len(ordered))
	for _, bundle := range ordered {
		worker := selectWorker(candidates, loads, bundlerPin)
		assignments[bundle.ID] = &types.PartAssignment{
			BundleID:            bundle.ID,
			WorkerID:            worker.ID,
			EstimatedStartMS:    loads[worker.ID],
			EstimatedDurationMS: bundle.EstimatedTimeMS,
			Dependencies:        append([]string(nil), bundle.Dependencies...),
		}
		loads[worker.ID] += bundle.EstimatedTimeMS
	}

	var makespan int64
	for _, load := range loads {
		if load > makespan {
			makespan = load
		}
	}

	return &types.BuildScore{
		Bundles:          bundles,
		Assignments:      assignments,
		Graph:            graph,
		CriticalPath:     critical,
		EstimatedTotalMS: makespan,
	}, nil
}

// selectWorker maximizes the assignment score:
//
//	(1 − load/max_load) × 50  +  20 capability match  +  5×cpu  +  2×mem
//
// max_load is the current maximum across candidates; an idle pool scores the
// full 50 for everyone. Ties break toward the lower worker id, which the
// sorted candidate order provides.
func selectWorker(candidates []*types.Resource, loads map[string]int64, bundlerPin string) *types.Resource {
	var maxLoad int64
	for _, w := range candidates {
		if loads[w.ID] > maxLoad {
			maxLoad = loads[w.ID]
		}
	}

	var best *types.Resource
	var bestScore float64
	for _, w := range candidates {
		loadScore := 50.0
		if maxLoad > 0 {
			loadScore = (1 - float64(loads[w.ID])/float64(maxLoad)) * 50
		}
		score := loadScore
		if hasBundlerCapability(w, bundlerPin) {
			score += 20
		}
		score += 5 * float64(w.CPUCores)
		score += 2 * float64(w.MemoryGB)

		if best == nil || score > bestScore {
			best = w
			bestScore = score
		}
	}
	return best
}

// hasBundlerCapability reports a capability match: a pinned bundler must be
// advertised exactly; without a pin, any advertised bundler counts.
func hasBundlerCapability(w *types.Resource, bundlerPin string) bool {
	advertised, ok := w.Capabilities["bundler"]
	if !ok {
		return false
	}
	if bundlerPin == "" {
		return true
	}
	return advertised == bundlerPin
}

// criticalPath returns the longest dependency chain by cumulative estimated
// time, ties broken by the lexicographically lower bundle id at each step.
// Cycles contribute nothing; the perform phase reports them as deadlocks.
func criticalPath(graph map[string][]string, byID map[string]*types.MicroBundle) []string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(graph))
	cost := make(map[string]int64, len(graph))
	next := make(map[string]string, len(graph))

	var walk func(id string) int64
	walk = func(id string) int64 {
		switch state[id] {
		case done:
			return cost[id]
		case visiting:
			return 0 // cycle
		}
		state[id] = visiting
		var bestCost int64 = -1
		bestDep := ""
		for _, dep := range graph[id] {
			depCost := walk(dep)
			if depCost > bestCost || (depCost == bestCost && dep < bestDep) {
				bestCost = depCost
				bestDep = dep
			}
		}
		own := int64(0)
		if b, ok := byID[id]; ok {
			own = b.EstimatedTimeMS
		}
		if bestCost < 0 {
			bestCost = 0
		} else {
			next[id] = bestDep
		}
		cost[id] = own + bestCost
		state[id] = done
		return cost[id]
	}

	ids := make([]string, 0, len(graph))
	for id := range graph {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	start := ""
	var startCost int64 = -1
	for _, id := range ids {
		c := walk(id)
		if c > startCost {
			start = id
			startCost = c
		}
	}
	if start == "" {
		return nil
	}

	var path []string
	for id := start; id != ""; id = next[id] {
		path = append(path, id)
		if len(path) > len(graph) {
			break
		}
	}
	return path
}
