package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildnet-io/buildnet/pkg/backend"
	"github.com/buildnet-io/buildnet/pkg/clock"
	"github.com/buildnet-io/buildnet/pkg/errdefs"
	"github.com/buildnet-io/buildnet/pkg/ledger"
	"github.com/buildnet-io/buildnet/pkg/types"
)

func newTestManager(t *testing.T) (*Manager, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	be := backend.NewMemory(clk)
	t.Cleanup(func() { be.Close() })

	led, err := ledger.New(be, nil, clk, ledger.Options{})
	require.NoError(t, err)

	return NewManager(led, nil, clk, Options{
		MaxPerActor:     2,
		Timeout:         time.Hour,
		CleanupInterval: time.Minute,
		HistoryLimit:    3,
	}), clk
}

func userActor(id string) types.Actor {
	return types.Actor{ID: id, Name: id, Kind: types.ActorKindUser}
}

func createSession(t *testing.T, m *Manager, actor types.Actor, scopes ...string) *types.Session {
	t.Helper()
	session, err := m.Create(context.Background(), types.SessionSpec{
		Actor:          actor,
		ConnectionType: types.ConnectionCLI,
		Scopes:         scopes,
	})
	require.NoError(t, err)
	return session
}

func TestResolvePermissions(t *testing.T) {
	tests := []struct {
		name   string
		kind   types.ActorKind
		scopes []string
		want   map[string][]string
	}{
		{
			name: "system gets everything",
			kind: types.ActorKindSystem,
			want: map[string][]string{"*": {"*"}},
		},
		{
			name: "service",
			kind: types.ActorKindService,
			want: map[string][]string{
				"builds":    {"read", "write", "execute"},
				"resources": {"read"},
				"sessions":  {"read"},
			},
		},
		{
			name: "agent can claim resources",
			kind: types.ActorKindAgent,
			want: map[string][]string{
				"builds":    {"read", "write", "execute"},
				"resources": {"read", "claim"},
				"sessions":  {"read"},
			},
		},
		{
			name:   "admin user gets everything",
			kind:   types.ActorKindUser,
			scopes: []string{"admin"},
			want:   map[string][]string{"*": {"*"}},
		},
		{
			name:   "write user",
			kind:   types.ActorKindUser,
			scopes: []string{"write"},
			want: map[string][]string{
				"builds":    {"read", "write", "execute"},
				"resources": {"read", "write"},
				"sessions":  {"read"},
			},
		},
		{
			name:   "read user",
			kind:   types.ActorKindUser,
			scopes: []string{"read"},
			want: map[string][]string{
				"builds":    {"read"},
				"resources": {"read"},
				"sessions":  {"read"},
			},
		},
		{
			name: "user with no scopes defaults to read",
			kind: types.ActorKindUser,
			want: map[string][]string{
				"builds":    {"read"},
				"resources": {"read"},
				"sessions":  {"read"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resolvePermissions(tt.kind, tt.scopes))
		})
	}
}

func TestFlattenPermissions(t *testing.T) {
	flat := flattenPermissions(map[string][]string{
		"resources": {"read", "claim"},
		"builds":    {"read"},
	})
	assert.Equal(t, []string{"builds:read", "resources:read,claim"}, flat)
}

func TestCreateEnforcesQuota(t *testing.T) {
	m, _ := newTestManager(t)
	actor := userActor("alice")

	createSession(t, m, actor)
	createSession(t, m, actor)

	_, err := m.Create(context.Background(), types.SessionSpec{Actor: actor})
	assert.ErrorIs(t, err, errdefs.ErrSessionQuotaExceeded)

	// another actor is unaffected
	createSession(t, m, userActor("bob"))
}

func TestEndAndLookups(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	alice := createSession(t, m, userActor("alice"))
	createSession(t, m, types.Actor{ID: "svc", Kind: types.ActorKindService})

	assert.Len(t, m.ListActive(), 2)
	assert.Len(t, m.ByActor("alice"), 1)
	assert.Len(t, m.ByType(types.ActorKindService), 1)

	require.NoError(t, m.End(ctx, alice.SessionID, ""))
	_, err := m.Get(alice.SessionID)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	assert.ErrorIs(t, m.End(ctx, alice.SessionID, ""), errdefs.ErrNotFound)
}

func TestActivityLifecycle(t *testing.T) {
	m, clk := newTestManager(t)
	ctx := context.Background()
	session := createSession(t, m, userActor("alice"))

	first, err := m.StartActivity(ctx, session.SessionID, types.ActivitySpec{Type: "build"})
	require.NoError(t, err)

	require.NoError(t, m.UpdateActivityProgress(session.SessionID, map[string]any{"pct": 50}))
	require.NoError(t, m.AddActivityLog(session.SessionID, "info", "halfway"))

	got, err := m.Get(session.SessionID)
	require.NoError(t, err)
	require.NotNil(t, got.CurrentActivity)
	assert.Equal(t, first.ActivityID, got.CurrentActivity.ActivityID)
	assert.Equal(t, 50, got.CurrentActivity.Progress["pct"])
	require.Len(t, got.CurrentActivity.Logs, 1)

	// starting a new activity implicitly ends the running one
	clk.Advance(time.Second)
	second, err := m.StartActivity(ctx, session.SessionID, types.ActivitySpec{Type: "deploy"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ActivityID, second.ActivityID)

	got, err = m.Get(session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, second.ActivityID, got.CurrentActivity.ActivityID)
	require.Len(t, got.ActivityHistory, 1)
	assert.Equal(t, first.ActivityID, got.ActivityHistory[0].ActivityID)
	require.NotNil(t, got.ActivityHistory[0].EndedAt)

	require.NoError(t, m.EndActivity(ctx, session.SessionID))
	got, err = m.Get(session.SessionID)
	require.NoError(t, err)
	assert.Nil(t, got.CurrentActivity)
	assert.Len(t, got.ActivityHistory, 2)

	assert.ErrorIs(t, m.EndActivity(ctx, session.SessionID), errdefs.ErrNotFound)
}

func TestActivityHistoryBounded(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	session := createSession(t, m, userActor("alice"))

	for i := 0; i < 5; i++ {
		_, err := m.StartActivity(ctx, session.SessionID, types.ActivitySpec{Type: fmt.Sprintf("task-%d", i)})
		require.NoError(t, err)
	}
	require.NoError(t, m.EndActivity(ctx, session.SessionID))

	got, err := m.Get(session.SessionID)
	require.NoError(t, err)
	require.Len(t, got.ActivityHistory, 3) // HistoryLimit in the fixture
	assert.Equal(t, "task-2", got.ActivityHistory[0].Type)
	assert.Equal(t, "task-4", got.ActivityHistory[2].Type)
}

func TestActivityLogBounded(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	be := backend.NewMemory(clk)
	defer be.Close()
	led, err := ledger.New(be, nil, clk, ledger.Options{})
	require.NoError(t, err)
	m := NewManager(led, nil, clk, Options{ActivityLogLimit: 10})

	session := createSession(t, m, userActor("alice"))
	_, err = m.StartActivity(context.Background(), session.SessionID, types.ActivitySpec{Type: "build"})
	require.NoError(t, err)

	for i := 0; i < 25; i++ {
		require.NoError(t, m.AddActivityLog(session.SessionID, "info", fmt.Sprintf("line %d", i)))
	}
	got, err := m.Get(session.SessionID)
	require.NoError(t, err)
	require.Len(t, got.CurrentActivity.Logs, 10)
	assert.Equal(t, "line 15", got.CurrentActivity.Logs[0].Message)
	assert.Equal(t, "line 24", got.CurrentActivity.Logs[9].Message)
}

func TestClaims(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	session := createSession(t, m, userActor("alice"))

	accepted, err := m.ClaimResource(ctx, session.SessionID, "w1")
	require.NoError(t, err)
	assert.True(t, accepted)

	// idempotent
	accepted, err = m.ClaimResource(ctx, session.SessionID, "w1")
	require.NoError(t, err)
	assert.True(t, accepted)

	accepted, err = m.ClaimResource(ctx, session.SessionID, "w2")
	require.NoError(t, err)
	assert.True(t, accepted)

	got, err := m.Get(session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, []string{"w1", "w2"}, got.ClaimedResources)
	assert.Equal(t, 1, m.ActiveClaims("w1"))
	assert.Equal(t, 0, m.ActiveClaims("w9"))

	require.NoError(t, m.ReleaseResource(ctx, session.SessionID, "w1"))
	assert.Equal(t, 0, m.ActiveClaims("w1"))
}

func TestForcedRemovalReleasesClaims(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	s1 := createSession(t, m, userActor("alice"))
	s2 := createSession(t, m, userActor("bob"))
	_, err := m.ClaimResource(ctx, s1.SessionID, "w1")
	require.NoError(t, err)
	_, err = m.ClaimResource(ctx, s2.SessionID, "w1")
	require.NoError(t, err)
	require.Equal(t, 2, m.ActiveClaims("w1"))

	m.releaseAllClaims("w1")
	assert.Equal(t, 0, m.ActiveClaims("w1"))
}

func TestTimeoutScanner(t *testing.T) {
	m, clk := newTestManager(t)

	stale := createSession(t, m, userActor("alice"))
	clk.Advance(30 * time.Minute)
	fresh := createSession(t, m, userActor("bob"))

	// alice is now past the 1h timeout, bob is not
	clk.Advance(31 * time.Minute)
	m.evictIdle()

	_, err := m.Get(stale.SessionID)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	_, err = m.Get(fresh.SessionID)
	assert.NoError(t, err)
}

func TestAllowedAuditsDenials(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	be := backend.NewMemory(clk)
	defer be.Close()
	led, err := ledger.New(be, nil, clk, ledger.Options{})
	require.NoError(t, err)
	m := NewManager(led, nil, clk, Options{})
	ctx := context.Background()

	session := createSession(t, m, userActor("alice"), "read")

	assert.True(t, m.Allowed(ctx, session.SessionID, "builds", "read"))
	assert.False(t, m.Allowed(ctx, session.SessionID, "builds", "execute"))
	assert.False(t, m.Allowed(ctx, "no-such-session", "builds", "read"))

	entries, err := led.QueryEntries(ctx, ledger.Filter{
		EntityType: types.EntitySecurity,
		EntityID:   session.SessionID,
	})
	require.NoError(t, err)
	require.Len(t, entries, 1) // only the denial is audited
	entry := entries[0]
	assert.Equal(t, types.AccountSecurityEvents, entry.AccountType)
	assert.Equal(t, "permission denied", entry.Reason)
	assert.Equal(t, "alice", entry.Actor.ID)
	assert.Equal(t, "builds", entry.NewState["resource"])
	assert.Equal(t, "execute", entry.NewState["action"])
	assert.Equal(t, "denied", entry.NewState["outcome"])
}

func TestAdminAllowedEverywhere(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	session := createSession(t, m, userActor("root"), "admin")

	assert.True(t, m.Allowed(ctx, session.SessionID, "resources", "write"))
	assert.True(t, m.Allowed(ctx, session.SessionID, "anything", "at-all"))
}

func TestTouchDefersTimeout(t *testing.T) {
	m, clk := newTestManager(t)
	session := createSession(t, m, userActor("alice"))

	clk.Advance(50 * time.Minute)
	require.NoError(t, m.Touch(session.SessionID))
	clk.Advance(50 * time.Minute)
	m.evictIdle()

	_, err := m.Get(session.SessionID)
	assert.NoError(t, err)
}
