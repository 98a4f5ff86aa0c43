package errors

import stderr "errors"

// Sentinel values for errors.Is comparisons. They match any CacheError with
// the same code.
var (
	ErrPoolUnresolved  = NewError(ErrCodePoolUnresolved, "pool not recognized")
	ErrPayloadTooLarge = NewError(ErrCodePayloadTooLarge, "payload exceeds pool capacity")
	ErrMemoryQuery     = NewError(ErrCodeMemoryQuery, "memory query failed")
	ErrCircuitOpen     = NewError(ErrCodeCircuitOpen, "circuit breaker is open")
	ErrAlreadyStarted  = NewError(ErrCodeAlreadyStarted, "already started")
)

// Is is errors.Is from the standard library.
func Is(err, target error) bool { return stderr.Is(err, target) }

// As is errors.As from the standard library.
func As(err error, target interface{}) bool { return stderr.As(err, target) }
