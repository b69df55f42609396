/*
Package api exposes the daemon over HTTP.

The server is a chi router over a running daemon. Responses are JSON;
errors use one envelope shape, {"error": {"code", "message"}}, where the
code is an errdefs wire code, so clients classify failures without parsing
messages.

# Endpoints

	GET    /api/v1/dashboard               full dashboard snapshot
	POST   /api/v1/builds                  request a build (202)
	GET    /api/v1/builds/{id}             build status
	DELETE /api/v1/builds/{id}             cancel
	GET    /api/v1/resources               list resources
	POST   /api/v1/resources               register a resource
	GET    /api/v1/resources/{id}          fetch one
	PATCH  /api/v1/resources/{id}          update mutable fields
	DELETE /api/v1/resources/{id}[?force]  remove
	POST   /api/v1/resources/{id}/drain    drain
	POST   /api/v1/resources/{id}/resume   resume
	GET    /api/v1/sessions                list active sessions
	DELETE /api/v1/sessions/{id}           end a session
	GET    /api/v1/ledger/entries          query with filters
	GET    /api/v1/ledger/verify[?from]    integrity verification
	GET    /api/v1/ledger/stats            account totals
	GET    /api/v1/events                  SSE dashboard stream
	GET    /metrics                        Prometheus exposition
	GET    /healthz                        liveness

Mutating requests read the acting identity from the X-Actor-Id,
X-Actor-Name, and X-Actor-Kind headers; that identity lands in the audit
ledger.

The /api/v1/events stream sends full dashboard snapshots as SSE "state"
events with a periodic heartbeat comment; a subscriber that cannot keep up
has updates dropped rather than stalling the tracker.
*/
package api
