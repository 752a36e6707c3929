package engine

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies every error the engine can surface. Kinds are wire-stable
// strings; the boundary maps them to HTTP statuses.
type Kind string

const (
	KindUnauthenticated    Kind = "unauthenticated"
	KindUnauthorized       Kind = "unauthorized"
	KindRateLimited        Kind = "rate_limited"
	KindNonceReplay        Kind = "nonce_replay"
	KindUnknownTarget      Kind = "unknown_target"
	KindNotFound           Kind = "not_found"
	KindAlreadyTerminal    Kind = "already_terminal"
	KindNotAddressed       Kind = "not_addressed"
	KindBindingMismatch    Kind = "binding_mismatch"
	KindSchemaInvalid      Kind = "schema_invalid"
	KindInvalidArgument    Kind = "invalid_argument"
	KindStorageUnavailable Kind = "storage_unavailable"
	KindIntegrityFailure   Kind = "integrity_failure"
)

// Error is the engine's error type: a kind, a caller-safe detail, and an
// optional retry hint for rate limiting.
type Error struct {
	Kind       Kind
	Detail     string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// E builds an engine error.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind from an error chain. Anything that is not an
// engine error is treated as an integrity failure, the conservative default.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindIntegrityFailure
}
