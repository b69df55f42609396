/*
Package errdefs defines BuildNet's sentinel errors and their wire codes.

Each failure class has a sentinel (ErrNotFound, ErrConflictingState,
ErrSessionQuotaExceeded, ...) with an Is* helper built on errors.Is, so
callers can classify wrapped errors without string matching. Code maps an
error to its stable string code for the API error envelope, and FromCode
rebuilds a client-side error that still satisfies the matching Is* helper,
so classification survives an HTTP round trip.
*/
package errdefs
