/*
Package session manages user and agent sessions, their activities, and
their resource claims.

A session is a live authenticated presence with resolved permission scopes.
Within a session, at most one activity (a named unit of work with progress
and logs) is open at a time; starting a new one closes its predecessor.
Sessions claim resources while they use them, and the claim count is what
makes forced resource removal an auditable event rather than a silent one.

# Lifecycle

	Create ──► active ──► End (explicit, with reason)
	              │
	              └─────► evicted by the idle scanner when no Touch
	                      arrives within the session timeout

Create enforces a per-actor quota and records a USER_SESSIONS CREDIT in the
ledger; End and eviction record the closing DEBIT. Activities record their
own entries under the session's actor, so the ledger shows who did what and
when at activity granularity.

# Claims

ClaimResource and ReleaseResource tie sessions to registry resources. The
manager answers ActiveClaims for the registry's removal check, and it
subscribes to resource:forced_removal to drop claims against resources an
operator tore out from under it. Session state exposed to the API is
sanitized: permission internals stay server-side.

The manager is in-memory: sessions do not survive a daemon restart, but
every transition is in the ledger, so history does.

# Usage

	mgr := session.NewManager(led, bus, clk, session.Options{
		MaxPerActor: 5,
		Timeout:     30 * time.Minute,
	})
	mgr.SetResourceDirectory(reg)
	mgr.Start()
	defer mgr.Stop()

	s, err := mgr.Create(ctx, types.SessionSpec{
		Actor:  actor,
		Scopes: []string{"build:*", "resource:read"},
	})
*/
package session
