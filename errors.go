package syncache

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotInitialized = errors.New("syncache: manager not initialized")
	ErrNotFound       = errors.New("syncache: deduction not found")
	ErrValidation     = errors.New("syncache: required fields missing")
	ErrIDExhausted    = errors.New("syncache: could not allocate a free record id")
	ErrClosed         = errors.New("syncache: manager closed")
)

// ValidationError lists the required create fields that were missing.
// errors.Is(err, ErrValidation) holds for it.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s", ErrValidation, strings.Join(e.Missing, ", "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InvalidateError reports a partially failed invalidation of a stored entry.
type InvalidateError struct {
	Key     string
	BumpErr error
	DelErr  error
}

func (e *InvalidateError) Error() string {
	switch {
	case e.BumpErr != nil && e.DelErr != nil:
		return fmt.Sprintf("invalidate %q failed: gen bump and delete failed: bump=%v; delete=%v",
			e.Key, e.BumpErr, e.DelErr)
	case e.BumpErr != nil:
		return fmt.Sprintf("invalidate %q: gen bump failed: %v", e.Key, e.BumpErr)
	case e.DelErr != nil:
		return fmt.Sprintf("invalidate %q: delete failed: %v", e.Key, e.DelErr)
	default:
		return fmt.Sprintf("invalidate %q: unknown error", e.Key)
	}
}

func (e *InvalidateError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.BumpErr != nil {
		errs = append(errs, e.BumpErr)
	}
	if e.DelErr != nil {
		errs = append(errs, e.DelErr)
	}
	return errs
}
