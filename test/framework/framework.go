// Package framework provides the in-process harness shared by the e2e and
// integration suites: a fully wired daemon on a fake clock, an HTTP server
// in front of it, and a scripted executor standing in for real workers.
package framework

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/buildnet-io/buildnet/pkg/api"
	"github.com/buildnet-io/buildnet/pkg/backend"
	"github.com/buildnet-io/buildnet/pkg/client"
	"github.com/buildnet-io/buildnet/pkg/clock"
	"github.com/buildnet-io/buildnet/pkg/config"
	"github.com/buildnet-io/buildnet/pkg/daemon"
	"github.com/buildnet-io/buildnet/pkg/types"
)

// StartTime is the fake clock's epoch for every harness
var StartTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// Harness is one running daemon plus everything a test needs to drive it
type Harness struct {
	T        *testing.T
	Clock    *clock.Fake
	Backend  backend.Backend
	Daemon   *daemon.Daemon
	Executor *ScriptedExecutor
	Server   *httptest.Server
	Client   *client.Client
}

// Config returns the default harness configuration: memory backend, watching
// and auto-build off, short retry delays. Mutate it through the New mutators.
func Config() *config.Config {
	cfg := config.Default()
	cfg.Backend.Type = "memory"
	cfg.Watch.Enabled = false
	cfg.AutoBuild.Enabled = false
	cfg.Build.RetryDelayMS = 10
	return cfg
}

// New starts a daemon under the harness configuration and registers cleanup.
// Mutators adjust the configuration before the daemon is built.
func New(t *testing.T, mutators ...func(*config.Config)) *Harness {
	t.Helper()

	cfg := Config()
	for _, mutate := range mutators {
		mutate(cfg)
	}

	clk := clock.NewFake(StartTime)
	be := backend.NewMemory(clk)
	exec := NewScriptedExecutor()

	d, err := daemon.New(cfg, daemon.Options{
		Clock:    clk,
		Backend:  be,
		Executor: exec,
	})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(d.Stop)

	server := httptest.NewServer(api.NewServer(d).Router())
	t.Cleanup(server.Close)

	return &Harness{
		T:        t,
		Clock:    clk,
		Backend:  be,
		Daemon:   d,
		Executor: exec,
		Server:   server,
		Client:   client.New(server.URL),
	}
}

// AddWorker registers an online worker through the registry and returns it
func (h *Harness) AddWorker(name string, mutators ...func(*types.ResourceSpec)) *types.Resource {
	h.T.Helper()
	spec := types.ResourceSpec{
		Name:     name,
		Type:     types.ResourceTypeWorker,
		Address:  "10.0.0.1:9000",
		CPUCores: 8,
		MemoryGB: 16,
	}
	for _, mutate := range mutators {
		mutate(&spec)
	}
	res, err := h.Daemon.Registry().Add(context.Background(), spec, types.SystemActor())
	require.NoError(h.T, err)
	return res
}

// RunBuild submits the request and pumps the fake clock until the build
// finishes, so retry back-off inside the orchestrator never stalls a test.
func (h *Harness) RunBuild(ctx context.Context, request *types.BuildRequest) (*types.BuildResult, error) {
	h.T.Helper()
	type outcome struct {
		result *types.BuildResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := h.Daemon.RequestBuild(ctx, request)
		done <- outcome{result, err}
	}()

	timeout := time.After(10 * time.Second)
	for {
		select {
		case out := <-done:
			return out.result, out.err
		case <-timeout:
			h.T.Fatal("build did not finish")
			return nil, nil
		default:
			h.Clock.Advance(10 * time.Millisecond)
			time.Sleep(time.Millisecond)
		}
	}
}

// Actor returns a user actor for test mutations
func Actor(id string) types.Actor {
	return types.Actor{ID: id, Name: id, Kind: types.ActorKindUser}
}
