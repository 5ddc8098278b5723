package memory

import "errors"

var (
	// ErrPersistence wraps any failure to append, read or finalize turns.
	ErrPersistence = errors.New("persistence failure")

	// ErrInvalidRole is returned for a role other than user or assistant.
	ErrInvalidRole = errors.New("invalid turn role")

	// ErrTxDone is returned when a finished unit of work is used again.
	ErrTxDone = errors.New("unit of work already finished")
)
