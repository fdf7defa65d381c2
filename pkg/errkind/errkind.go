// Package errkind classifies failures across the pipeline into the kinds
// that drive retry, degradation, and surfacing decisions. Kinds are
// behavior, not types: any error can be wrapped with a kind, and
// classification helpers fall back to inspecting the cause.
package errkind

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind labels an error with its handling class.
type Kind int

// Error kinds, mirroring the failure taxonomy of the processing core.
const (
	// KindUnknown is an unclassified error; treated as fatal.
	KindUnknown Kind = iota
	// KindValidation covers bad configuration or malformed inbound events.
	KindValidation
	// KindRetriable covers transient remote failures: timeouts, transport
	// errors, 5xx responses.
	KindRetriable
	// KindCircuitOpen means an instance or decorator rejected fast. Backed
	// off like a transient failure but not counted as a retry attempt.
	KindCircuitOpen
	// KindFatal covers non-retriable remote failures (4xx except rate limit).
	KindFatal
	// KindCancelled is explicit cancellation, propagated verbatim.
	KindCancelled
	// KindCorruption is a persisted object failing schema validation on read.
	KindCorruption
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindRetriable:
		return "retriable"
	case KindCircuitOpen:
		return "circuit_open"
	case KindFatal:
		return "fatal"
	case KindCancelled:
		return "cancelled"
	case KindCorruption:
		return "corruption"
	default:
		return "unknown"
	}
}

// kindError carries a Kind along the error chain.
type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return fmt.Sprintf("%s: %v", e.kind, e.err) }
func (e *kindError) Unwrap() error { return e.err }

// Wrap tags err with a kind. Returns nil for a nil err.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// Of returns the kind tagged on err, or classifies it when untagged.
func Of(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return classify(err)
}

// IsRetriable reports whether the error should be retried. Explicit
// cancellation is never retriable, circuit-open errors back off without
// consuming an attempt, so neither counts here.
func IsRetriable(err error) bool {
	return Of(err) == KindRetriable
}

// IsCancelled reports whether the error is an explicit cancellation.
func IsCancelled(err error) bool {
	return Of(err) == KindCancelled
}

// retriableFragments are textual markers of transient transport trouble.
// Remote stacks are inconsistent about error types, so a substring match
// on the message is the last-resort classifier.
var retriableFragments = []string{"timeout", "connection", "network"}

func classify(err error) Kind {
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindRetriable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindRetriable
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range retriableFragments {
		if strings.Contains(msg, frag) {
			return KindRetriable
		}
	}
	return KindUnknown
}
