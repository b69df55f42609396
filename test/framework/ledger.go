package framework

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/buildnet-io/buildnet/pkg/backend"
	"github.com/buildnet-io/buildnet/pkg/clock"
	"github.com/buildnet-io/buildnet/pkg/ledger"
)

// NewLedger returns a recovered ledger over a fresh memory backend. The
// backend handle lets tests reach under the ledger to inspect or corrupt
// stored entries.
func NewLedger(t *testing.T) (*ledger.Ledger, backend.Backend, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(StartTime)
	be := backend.NewMemory(clk)
	led, err := ledger.New(be, nil, clk, ledger.Options{})
	require.NoError(t, err)
	require.NoError(t, led.Recover(context.Background()))
	t.Cleanup(func() { _ = led.Close() })
	return led, be, clk
}
