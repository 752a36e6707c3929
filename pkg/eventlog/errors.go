package eventlog

import "errors"

var (
	// ErrStorageUnavailable is returned when an append cannot be made durable
	// (disk full, I/O error). Reads remain possible; the caller must not
	// assume any part of the batch was persisted.
	ErrStorageUnavailable = errors.New("event log storage unavailable")

	// ErrIntegrity is returned when the hash chain is broken anywhere before
	// the tail. The log refuses to operate on a corrupted history — there is
	// no silent repair.
	ErrIntegrity = errors.New("event log integrity failure")

	// ErrClosed is returned by operations on a closed log.
	ErrClosed = errors.New("event log is closed")
)
