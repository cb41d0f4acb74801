package counterstore

import (
	"fmt"

	"github.com/rs/zerolog"
)

// TransientError wraps a backend failure (timeout, connection refused,
// temporary overload). Whether it is fatal to the request is decided by
// the calling LimitMethod's ShouldThrowOnFailures, not by this type.
type TransientError struct {
	Op  string
	Key string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("counterstore: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// CorruptError is a TransientError for the narrower case of a counter
// cell that deserialized into something the store doesn't recognize
// (e.g. a Redis value that isn't the integer/hash shape Increment
// expects). It always logs at error level at construction, since a
// corrupt cell usually means two code versions are sharing one store.
type CorruptError struct {
	TransientError
}

// NewCorruptError builds a CorruptError and logs it via logger (which
// may be nil, in which case logging is skipped).
func NewCorruptError(logger *zerolog.Logger, op, key string, err error) *CorruptError {
	ce := &CorruptError{TransientError{Op: op, Key: key, Err: err}}
	if logger != nil {
		logger.Error().Str("op", op).Str("key", key).Err(err).Msg("counterstore: corrupt cell")
	}
	return ce
}
