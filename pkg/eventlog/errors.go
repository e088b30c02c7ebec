package eventlog

import (
	"errors"
	"fmt"
)

// FatalError marks a publish or decode failure that no retry can fix: a
// malformed envelope, an unknown event type, or an oversized payload.
// Everything else the adapter returns is considered transient and retryable
// by the caller.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatalf builds a FatalError from a format string.
func Fatalf(format string, args ...any) error {
	return &FatalError{Reason: fmt.Sprintf(format, args...)}
}

// IsFatal reports whether err is (or wraps) a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
