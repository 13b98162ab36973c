// Package fault implements the two error tiers of the log engine.
//
// Retryable conditions (a lock is busy, a standby block is not ready, a slot
// went stale) are returned as *RetryError and matched with errors.Is(err,
// ErrRetry). Broken invariants of shared state are never returned: Invariant
// logs the violation and panics with a *Violation, which nothing in the
// engine recovers.
package fault

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrRetry matches every *RetryError.
var ErrRetry = errors.New("retry")

// Reason classifies a retryable condition.
type Reason int

const (
	ReasonLockBusy Reason = iota + 1
	ReasonStandbyNotReady
	ReasonStaleSlot
	ReasonCapacityExhausted
	ReasonPoolExhausted
	ReasonVersionRace
	ReasonInvalidBlock
)

func (r Reason) String() string {
	switch r {
	case ReasonLockBusy:
		return "lock busy"
	case ReasonStandbyNotReady:
		return "standby not ready"
	case ReasonStaleSlot:
		return "stale slot"
	case ReasonCapacityExhausted:
		return "capacity exhausted"
	case ReasonPoolExhausted:
		return "pool exhausted"
	case ReasonVersionRace:
		return "version race"
	case ReasonInvalidBlock:
		return "invalid block"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// RetryError reports a transient condition; the operation can be repeated.
type RetryError struct {
	Reason Reason
	Detail string
}

func (e *RetryError) Error() string {
	if e.Detail == "" {
		return "retry: " + e.Reason.String()
	}
	return "retry: " + e.Reason.String() + ": " + e.Detail
}

func (e *RetryError) Is(target error) bool { return target == ErrRetry }

// Retry builds a *RetryError.
func Retry(reason Reason, format string, args ...any) error {
	return &RetryError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// IsRetry reports whether err is retryable and, if so, why.
func IsRetry(err error) (Reason, bool) {
	var re *RetryError
	if errors.As(err, &re) {
		return re.Reason, true
	}
	return 0, false
}

// Violation is the panic value of a broken invariant.
type Violation struct {
	Message string
}

func (v *Violation) Error() string { return "invariant violated: " + v.Message }

// Invariant logs a broken invariant and panics. Shared memory may be corrupt
// at this point, so the process must not continue.
func Invariant(logger *zap.Logger, format string, args ...any) {
	v := &Violation{Message: fmt.Sprintf(format, args...)}
	if logger != nil {
		logger.Error("invariant violated", zap.String("violation", v.Message), zap.Stack("stack"))
	}
	panic(v)
}

// Check calls Invariant when cond is false.
func Check(logger *zap.Logger, cond bool, format string, args ...any) {
	if !cond {
		Invariant(logger, format, args...)
	}
}
