// Package fault defines the reflex failure taxonomy. Every terminal failure
// carries a kind that decides propagation: transient failures retry with
// backoff, permanent failures terminate immediately, systemic conditions are
// rejected fast without queueing. Callers always see a structured reason
// code and message, never a raw stack trace.
package fault

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure for propagation policy.
type Kind int

const (
	// KindTransient - timeout, network, rate-limit. Retryable.
	KindTransient Kind = iota
	// KindPermanent - validation failure, missing dependency, malformed
	// input. Not retryable.
	KindPermanent
	// KindSystemic - circuit open, resource exhaustion. Reject fast.
	KindSystemic
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindSystemic:
		return "systemic"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Error is a classified failure with a machine-readable reason code.
type Error struct {
	Kind Kind
	Code string // e.g. "timeout", "dependency_failed", "circuit_open"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(code string, err error) *Error {
	return &Error{Kind: KindTransient, Code: code, Err: err}
}

// Permanent wraps err as a non-retryable failure.
func Permanent(code string, err error) *Error {
	return &Error{Kind: KindPermanent, Code: code, Err: err}
}

// Systemic wraps err as a reject-fast condition.
func Systemic(code string, err error) *Error {
	return &Error{Kind: KindSystemic, Code: code, Err: err}
}

// Classify determines the kind of an arbitrary error. Classified errors keep
// their kind; context deadline/cancel map to transient; everything else is
// assumed transient so unknown collaborator failures stay retryable.
func Classify(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	return KindTransient
}

// Code extracts the reason code from an error, falling back to "error".
func Code(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "error"
}

// Category is the coarse failure bucket used by the improvement loop's rule
// table.
type Category string

const (
	CategoryTimeout    Category = "timeout"
	CategoryNetwork    Category = "network"
	CategoryMemory     Category = "memory"
	CategoryPermission Category = "permission"
	CategoryGeneric    Category = "generic"
)

// Categorize buckets an error message for the improvement rule table.
func Categorize(err error) Category {
	if err == nil {
		return CategoryGeneric
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "deadline"):
		return CategoryTimeout
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network") ||
		strings.Contains(msg, "dns") || strings.Contains(msg, "refused") ||
		strings.Contains(msg, "rate limit") || strings.Contains(msg, "unreachable"):
		return CategoryNetwork
	case strings.Contains(msg, "memory") || strings.Contains(msg, "oom") ||
		strings.Contains(msg, "allocation"):
		return CategoryMemory
	case strings.Contains(msg, "permission") || strings.Contains(msg, "denied") ||
		strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden"):
		return CategoryPermission
	default:
		return CategoryGeneric
	}
}
