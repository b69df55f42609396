package errdefs

import (
	"errors"
)

// Sentinel errors for every stable failure code. Callers classify with
// errors.Is after any amount of fmt.Errorf("%w") wrapping.
var (
	ErrBackendUnavailable   = errors.New("state backend unavailable")
	ErrLeaseUnavailable     = errors.New("lease unavailable")
	ErrSequenceGap          = errors.New("ledger sequence gap")
	ErrChainBreak           = errors.New("ledger chain break")
	ErrChecksumMismatch     = errors.New("ledger checksum mismatch")
	ErrNotFound             = errors.New("not found")
	ErrConflictingState     = errors.New("conflicting state")
	ErrSessionQuotaExceeded = errors.New("session quota exceeded")
	ErrDeadlock             = errors.New("dependency deadlock")
	ErrBuildFailed          = errors.New("build failed")
	ErrCancelled            = errors.New("cancelled")
	ErrTimeout              = errors.New("timed out")
)

// Stable string codes used on the wire and in ledger security entries
const (
	CodeBackendUnavailable   = "BACKEND_UNAVAILABLE"
	CodeLeaseUnavailable     = "LEASE_UNAVAILABLE"
	CodeSequenceGap          = "SEQUENCE_GAP"
	CodeChainBreak           = "CHAIN_BREAK"
	CodeChecksumMismatch     = "CHECKSUM_MISMATCH"
	CodeNotFound             = "NOT_FOUND"
	CodeConflictingState     = "CONFLICTING_STATE"
	CodeSessionQuotaExceeded = "SESSION_QUOTA_EXCEEDED"
	CodeDeadlock             = "DEADLOCK"
	CodeBuildFailed          = "BUILD_ERROR"
	CodeCancelled            = "CANCELLED"
	CodeTimeout              = "TIMEOUT"
	CodeInvalidArgument      = "INVALID_ARGUMENT"
	CodeInternal             = "INTERNAL"
)

func IsBackendUnavailable(err error) bool { return errors.Is(err, ErrBackendUnavailable) }
func IsLeaseUnavailable(err error) bool   { return errors.Is(err, ErrLeaseUnavailable) }
func IsSequenceGap(err error) bool        { return errors.Is(err, ErrSequenceGap) }
func IsNotFound(err error) bool           { return errors.Is(err, ErrNotFound) }
func IsConflictingState(err error) bool   { return errors.Is(err, ErrConflictingState) }
func IsQuotaExceeded(err error) bool      { return errors.Is(err, ErrSessionQuotaExceeded) }
func IsDeadlock(err error) bool           { return errors.Is(err, ErrDeadlock) }
func IsCancelled(err error) bool          { return errors.Is(err, ErrCancelled) }
func IsTimeout(err error) bool            { return errors.Is(err, ErrTimeout) }

// Code returns the stable string code for an error, or CodeInternal when the
// error does not map to a known sentinel.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBackendUnavailable):
		return CodeBackendUnavailable
	case errors.Is(err, ErrLeaseUnavailable):
		return CodeLeaseUnavailable
	case errors.Is(err, ErrSequenceGap):
		return CodeSequenceGap
	case errors.Is(err, ErrChainBreak):
		return CodeChainBreak
	case errors.Is(err, ErrChecksumMismatch):
		return CodeChecksumMismatch
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrConflictingState):
		return CodeConflictingState
	case errors.Is(err, ErrSessionQuotaExceeded):
		return CodeSessionQuotaExceeded
	case errors.Is(err, ErrDeadlock):
		return CodeDeadlock
	case errors.Is(err, ErrBuildFailed):
		return CodeBuildFailed
	case errors.Is(err, ErrCancelled):
		return CodeCancelled
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	default:
		return CodeInternal
	}
}

// FromCode maps a stable string code back to its sentinel. Used by the HTTP
// client to reconstruct classifiable errors from error envelopes.
func FromCode(code, message string) error {
	var base error
	switch code {
	case CodeBackendUnavailable:
		base = ErrBackendUnavailable
	case CodeLeaseUnavailable:
		base = ErrLeaseUnavailable
	case CodeSequenceGap:
		base = ErrSequenceGap
	case CodeChainBreak:
		base = ErrChainBreak
	case CodeChecksumMismatch:
		base = ErrChecksumMismatch
	case CodeNotFound:
		base = ErrNotFound
	case CodeConflictingState:
		base = ErrConflictingState
	case CodeSessionQuotaExceeded:
		base = ErrSessionQuotaExceeded
	case CodeDeadlock:
		base = ErrDeadlock
	case CodeBuildFailed:
		base = ErrBuildFailed
	case CodeCancelled:
		base = ErrCancelled
	case CodeTimeout:
		base = ErrTimeout
	default:
		return errors.New(message)
	}
	if message == "" {
		return base
	}
	return &codedError{msg: message, base: base}
}

// codedError keeps the server-side message while unwrapping to the sentinel
type codedError struct {
	msg  string
	base error
}

func (e *codedError) Error() string { return e.msg }
func (e *codedError) Unwrap() error { return e.base }
