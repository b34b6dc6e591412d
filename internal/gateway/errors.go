package gateway

import (
	"errors"
	"fmt"
)

// Kind classifies an upstream failure. Callers pick their retry policy off
// the kind: KindUnavailable is eligible for retry/backoff, the rest are
// terminal for the attempt.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindNotFound is a 404: the requested resource does not exist upstream.
	KindNotFound
	// KindRejected covers the remaining 4xx range: the request was malformed
	// or refused and retrying it unchanged will not help.
	KindRejected
	// KindUnavailable covers timeouts, connection failures, 5xx responses
	// and a breaker held open.
	KindUnavailable
	// KindInternal is a request-level failure that is not a timeout.
	KindInternal
	// KindFormatMismatch is a 2xx response with an undecodable body. It
	// signals an upstream API contract change and is never retried.
	KindFormatMismatch
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "external API, resource missing"
	case KindRejected:
		return "external API, bad request"
	case KindUnavailable:
		return "external API, unavailable"
	case KindInternal:
		return "internal API error"
	case KindFormatMismatch:
		return "external API format mismatch"
	default:
		return "unknown error"
	}
}

// Error is the typed upstream failure surfaced by the gateway client.
type Error struct {
	Kind       Kind
	StatusCode int
	Op         string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Op, e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the taxonomy kind from err, or KindUnknown.
func KindOf(err error) Kind {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return KindUnknown
}

// IsUnavailable reports whether err is retryable at the gateway layer.
func IsUnavailable(err error) bool { return KindOf(err) == KindUnavailable }

// IsNotFound reports whether the upstream resource is missing.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsFormatMismatch reports an upstream contract change.
func IsFormatMismatch(err error) bool { return KindOf(err) == KindFormatMismatch }
