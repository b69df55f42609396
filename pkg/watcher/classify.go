package watcher

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/buildnet-io/buildnet/pkg/config"
	"github.com/buildnet-io/buildnet/pkg/types"
)

// classifier decides which paths matter and how much a batch of changes can
// affect the build graph.
type classifier struct {
	include  []string
	exclude  []string
	cosmetic []string
}

func newClassifier(cfg config.WatchConfig) *classifier {
	return &classifier{
		include:  cfg.Include,
		exclude:  cfg.Exclude,
		cosmetic: cfg.Cosmetic,
	}
}

// matches reports whether a path passes all include globs and no exclude glob
func (c *classifier) matches(path string) bool {
	slashed := filepath.ToSlash(path)
	slashed = strings.TrimPrefix(slashed, "./")

	included := len(c.include) == 0
	for _, pattern := range c.include {
		if ok, _ := doublestar.Match(pattern, slashed); ok {
			included = true
			break
		}
	}
	if !included {
		return false
	}
	for _, pattern := range c.exclude {
		if ok, _ := doublestar.Match(pattern, slashed); ok {
			return false
		}
	}
	return true
}

// excludedDir reports whether a directory should not be watched at all.
// Matching uses the directory path with a trailing element wildcard so
// patterns like "**/node_modules/**" prune the tree.
func (c *classifier) excludedDir(dir string) bool {
	slashed := filepath.ToSlash(dir)
	slashed = strings.TrimPrefix(slashed, "./")
	probe := slashed + "/x"
	for _, pattern := range c.exclude {
		if ok, _ := doublestar.Match(pattern, probe); ok {
			return true
		}
	}
	return false
}

// isCosmetic reports whether a path belongs to tests, docs, or lock files
func (c *classifier) isCosmetic(path string) bool {
	slashed := filepath.ToSlash(path)
	slashed = strings.TrimPrefix(slashed, "./")
	for _, pattern := range c.cosmetic {
		if ok, _ := doublestar.Match(pattern, slashed); ok {
			return true
		}
	}
	return false
}

// packageOf derives the owning top-level package from a path. Paths under
// packages/<X>/ or apps/<X>/ belong to X; everything else belongs to the
// shared root, reported as the empty string.
func packageOf(path string) string {
	slashed := filepath.ToSlash(path)
	slashed = strings.TrimPrefix(slashed, "./")
	parts := strings.Split(slashed, "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "packages" || parts[i] == "apps" {
			return parts[i+1]
		}
	}
	return ""
}

// classify derives the impact of a batch and the affected packages:
//
//	ignored:  every path is excluded or fails the includes
//	cosmetic: all matching paths are tests, docs, or lock files
//	local:    matching paths confined to one top-level package
//	broad:    spans packages or touches shared roots
func (c *classifier) classify(batch []types.FileEvent) (types.ChangeImpact, []string) {
	var matched []string
	for _, ev := range batch {
		if c.matches(ev.Path) {
			matched = append(matched, ev.Path)
		}
	}
	if len(matched) == 0 {
		return types.ImpactIgnored, nil
	}

	allCosmetic := true
	for _, path := range matched {
		if !c.isCosmetic(path) {
			allCosmetic = false
			break
		}
	}
	if allCosmetic {
		return types.ImpactCosmetic, nil
	}

	packageSet := make(map[string]bool)
	touchesRoot := false
	for _, path := range matched {
		pkg := packageOf(path)
		if pkg == "" {
			touchesRoot = true
			continue
		}
		packageSet[pkg] = true
	}
	packages := make([]string, 0, len(packageSet))
	for pkg := range packageSet {
		packages = append(packages, pkg)
	}
	sort.Strings(packages)

	if !touchesRoot && len(packages) == 1 {
		return types.ImpactLocal, packages
	}
	return types.ImpactBroad, packages
}
