// Package errs defines the closed error taxonomy shared by every Clasper
// component. Kinds are stable identifiers; they MUST NOT change between
// releases. The HTTP layer maps each kind to a status code exactly once.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies one failure class from the taxonomy.
type Kind string

const (
	// --- Authentication ---
	KindMissingToken     Kind = "missing_token"
	KindTokenExpired     Kind = "token_expired"
	KindInvalidSignature Kind = "invalid_signature"
	KindMissingTenant    Kind = "missing_tenant"
	KindPermissionDenied Kind = "permission_denied"

	// --- Validation ---
	KindSchemaInvalid        Kind = "schema_invalid"
	KindPayloadTooLarge      Kind = "payload_too_large"
	KindUnsupportedAlgorithm Kind = "unsupported_algorithm"

	// --- Decision ---
	KindAdapterUnknown        Kind = "adapter_unknown"
	KindAdapterDisabled       Kind = "adapter_disabled"
	KindCapabilityNotDeclared Kind = "capability_not_declared"
	KindBlockedByPolicy       Kind = "blocked_by_policy"
	KindRequiresApproval      Kind = "requires_approval"
	KindBudgetExceeded        Kind = "budget_exceeded"

	// --- Approval ---
	KindDecisionNotFound      Kind = "decision_not_found"
	KindAlreadyResolved       Kind = "already_resolved"
	KindRoleInsufficient      Kind = "role_insufficient"
	KindJustificationTooShort Kind = "justification_too_short"
	KindDecisionExpired       Kind = "decision_expired"

	// --- Tool token ---
	KindInvalidToolToken Kind = "invalid_tool_token"
	KindToolTokenExpired Kind = "tool_token_expired"
	KindToolTokenUsed    Kind = "tool_token_used"

	// --- Integrity ---
	KindPayloadHashMismatch Kind = "payload_hash_mismatch"
	KindTimestampSkew       Kind = "timestamp_skew"
	KindMissingKey          Kind = "missing_key"
	KindKeyRevoked          Kind = "key_revoked"

	// --- Infrastructure ---
	KindStoreConflict    Kind = "store_conflict"
	KindTimeout          Kind = "timeout"
	KindStoreUnavailable Kind = "store_unavailable"

	// --- Catch-all for resources outside the taxonomy's nouns ---
	KindNotFound Kind = "not_found"
	KindInternal Kind = "internal"
)

// Error is the single error type crossing component boundaries.
type Error struct {
	Kind   Kind
	Detail string
	cause  error
}

// New creates an Error of the given kind.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Newf creates an Error with a formatted detail.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new Error of the given kind.
func Wrap(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, cause: cause}
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.cause }

// Is allows errors.Is matching on kind sentinels created with New(kind, "").
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

// KindOf extracts the taxonomy kind from err, or KindInternal if err is
// not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the error may be retried by infrastructure.
// Per the propagation policy only store conflicts qualify; timeouts are
// never retried automatically.
func Retryable(err error) bool {
	return IsKind(err, KindStoreConflict)
}
