package foodledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind categorizes failures so callers can decide between surfacing,
// degrading and falling back.
type Kind string

const (
	KindInput               Kind = "input"
	KindServiceUnavailable  Kind = "service-unavailable"
	KindRateLimited         Kind = "rate-limited"
	KindMalformedReply      Kind = "malformed-reply"
	KindUnresolvedReference Kind = "unresolved-reference"
	KindPersistence         Kind = "persistence"
	KindConfiguration       Kind = "configuration"
)

// Sentinels for errors.Is. ErrRateLimited also matches ErrServiceUnavailable.
var (
	ErrInput               = &Error{Kind: KindInput}
	ErrServiceUnavailable  = &Error{Kind: KindServiceUnavailable}
	ErrRateLimited         = &Error{Kind: KindRateLimited}
	ErrMalformedReply      = &Error{Kind: KindMalformedReply}
	ErrUnresolvedReference = &Error{Kind: KindUnresolvedReference}
	ErrPersistence         = &Error{Kind: KindPersistence}
	ErrConfiguration       = &Error{Kind: KindConfiguration}
)

// Error is a categorized failure raised by operation Op.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// NewError wraps err with a kind and the name of the failing operation.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a categorized error from a format string.
func Errorf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return string(e.Kind)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Op == "":
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Err != nil {
		return false
	}
	if t.Kind == e.Kind {
		return true
	}
	return t.Kind == KindServiceUnavailable && e.Kind == KindRateLimited
}

// KindOf returns the kind of the outermost categorized error in err's chain,
// or an empty kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Classify maps a completion or lookup failure to a kind. Errors that are
// already categorized keep their kind. Throttling is detected from the
// message text because providers report it in different shapes.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	if k := KindOf(err); k != "" {
		return k
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindServiceUnavailable
	}
	if IsRateLimitMessage(err.Error()) {
		return KindRateLimited
	}
	return KindServiceUnavailable
}

// IsRateLimitMessage reports whether msg looks like a throttling response.
func IsRateLimitMessage(msg string) bool {
	m := strings.ToLower(msg)
	for _, marker := range []string{"429", "quota", "rate limit", "rate-limit", "ratelimit", "throttl", "too many requests"} {
		if strings.Contains(m, marker) {
			return true
		}
	}
	return false
}
