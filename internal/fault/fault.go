// Package fault provides structured error kinds for failure classification.
// The failing layer attaches the kind when it produces the error; consumers
// branch on the kind via KindOf instead of inspecting message text.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure for retry/escalation decisions.
type Kind string

const (
	// KindValidation means the input was malformed. Fails fast, never retried.
	KindValidation Kind = "validation"

	// KindTimeout means an operation exceeded its deadline.
	KindTimeout Kind = "timeout"

	// KindNetwork means a transport-level failure reaching a dependency.
	KindNetwork Kind = "network_error"

	// KindRateLimit means a dependency refused the call due to rate limiting.
	KindRateLimit Kind = "rate_limit"

	// KindAuthorization means the caller lacks permission. Never auto-retried.
	KindAuthorization Kind = "authorization"

	// KindNotFound means the requested data does not exist at the source.
	KindNotFound Kind = "not_found"

	// KindBreakerOpen means the dependency's circuit breaker rejected the call.
	KindBreakerOpen Kind = "breaker_open"

	// KindUnknown is the fallback for unclassified failures.
	KindUnknown Kind = "unknown"
)

// Fault is an error with an attached kind and originating operation.
type Fault struct {
	Kind Kind
	Op   string
	Err  error
}

// New creates a fault with a literal message.
func New(kind Kind, op, msg string) *Fault {
	return &Fault{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Newf creates a fault with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind and operation to an existing error.
// Returns nil if err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Fault{Kind: kind, Op: op, Err: err}
}

func (f *Fault) Error() string {
	if f.Op == "" {
		return fmt.Sprintf("%s: %v", f.Kind, f.Err)
	}
	return fmt.Sprintf("%s: %s: %v", f.Op, f.Kind, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// KindOf returns the kind of err. Unwraps to the innermost Fault so the
// original classification survives wrapping. Context deadline and
// cancellation map to KindTimeout.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var innermost *Fault
	for e := err; e != nil; e = errors.Unwrap(e) {
		if f, ok := e.(*Fault); ok {
			innermost = f
		}
	}
	if innermost != nil {
		return innermost.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Transient reports whether the kind is worth retrying at all.
func Transient(kind Kind) bool {
	switch kind {
	case KindTimeout, KindNetwork, KindRateLimit, KindBreakerOpen:
		return true
	}
	return false
}
