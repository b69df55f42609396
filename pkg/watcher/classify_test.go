package watcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/buildnet-io/buildnet/pkg/config"
	"github.com/buildnet-io/buildnet/pkg/types"
)

func testClassifier() *classifier {
	return newClassifier(config.Default().Watch)
}

func batchOf(paths ...string) []types.FileEvent {
	out := make([]types.FileEvent, len(paths))
	for i, p := range paths {
		out[i] = types.FileEvent{Path: p, Kind: types.FileModified, Timestamp: time.Now()}
	}
	return out
}

func TestMatches(t *testing.T) {
	c := testClassifier()

	tests := []struct {
		path string
		want bool
	}{
		{"packages/core/src/index.ts", true},
		{"apps/web/main.tsx", true},
		{"node_modules/react/index.js", false},
		{"packages/core/node_modules/dep/x.js", false},
		{".git/HEAD", false},
		{"dist/bundle.js", false},
		{"packages/ui/dist/out.js", false},
		{"daemon.log", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, c.matches(tt.path))
		})
	}
}

func TestPackageOf(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"packages/core/src/index.ts", "core"},
		{"apps/web/main.tsx", "web"},
		{"README.md", ""},
		{"tools/scripts/gen.ts", ""},
		{"packages/ui/nested/packages/fake/x.ts", "ui"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, packageOf(tt.path))
		})
	}
}

func TestClassify(t *testing.T) {
	c := testClassifier()

	tests := []struct {
		name         string
		paths        []string
		wantImpact   types.ChangeImpact
		wantPackages []string
	}{
		{
			name:       "all excluded is ignored",
			paths:      []string{"node_modules/a/x.js", "dist/out.js"},
			wantImpact: types.ImpactIgnored,
		},
		{
			name:       "tests and docs are cosmetic",
			paths:      []string{"packages/core/core_test.ts", "docs/guide.md", "yarn.lock"},
			wantImpact: types.ImpactCosmetic,
		},
		{
			name:         "single package is local",
			paths:        []string{"packages/core/a.ts", "packages/core/b.ts"},
			wantImpact:   types.ImpactLocal,
			wantPackages: []string{"core"},
		},
		{
			name:         "two packages are broad",
			paths:        []string{"packages/core/a.ts", "packages/ui/x.ts"},
			wantImpact:   types.ImpactBroad,
			wantPackages: []string{"core", "ui"},
		},
		{
			name:         "shared root is broad",
			paths:        []string{"packages/core/a.ts", "tsconfig.json"},
			wantImpact:   types.ImpactBroad,
			wantPackages: []string{"core"},
		},
		{
			name:         "cosmetic mixed with source stays source impact",
			paths:        []string{"packages/core/a.ts", "packages/core/a_test.ts"},
			wantImpact:   types.ImpactLocal,
			wantPackages: []string{"core"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			impact, packages := c.classify(batchOf(tt.paths...))
			assert.Equal(t, tt.wantImpact, impact)
			assert.Equal(t, tt.wantPackages, packages)
		})
	}
}

func TestExcludedDir(t *testing.T) {
	c := testClassifier()
	assert.True(t, c.excludedDir("node_modules"))
	assert.True(t, c.excludedDir("packages/core/node_modules"))
	assert.False(t, c.excludedDir("packages/core/src"))
}
