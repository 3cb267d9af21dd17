// Package faults defines the closed set of error kinds used across the
// conversion pipeline, together with the retryability rules each kind
// carries. Callers classify with errors.As and KindOf rather than by
// matching message strings.
package faults

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Kind enumerates the pipeline error categories.
type Kind int

const (
	KindInternal Kind = iota
	KindSignatureInvalid
	KindReplayAttack
	KindDuplicateEvent
	KindValidation
	KindBusinessRule
	KindExternalService
	KindCircuitBreaker
)

// String returns the wire/log name for a kind.
func (k Kind) String() string {
	switch k {
	case KindSignatureInvalid:
		return "signature_invalid"
	case KindReplayAttack:
		return "replay_attack"
	case KindDuplicateEvent:
		return "duplicate_event"
	case KindValidation:
		return "validation"
	case KindBusinessRule:
		return "business_rule"
	case KindExternalService:
		return "external_service"
	case KindCircuitBreaker:
		return "circuit_breaker"
	default:
		return "internal"
	}
}

// Error is the single error type produced by pipeline components.
type Error struct {
	Kind       Kind
	Message    string
	HTTPStatus int           // set for external service failures when known
	RetryAfter time.Duration // hint for circuit-breaker and rate-limit rejections
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Err }

// New builds an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates a cause with a kind and message.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// External builds an external-service error carrying the upstream HTTP
// status, which drives retry classification.
func External(status int, message string, err error) *Error {
	return &Error{Kind: KindExternalService, Message: message, HTTPStatus: status, Err: err}
}

// KindOf extracts the kind from an error chain. Plain errors map to
// KindInternal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// permanentExchangeMessages are exchange responses that will never succeed
// on retry regardless of status code.
var permanentExchangeMessages = []string{
	"insufficient funds",
	"invalid order",
}

// Retryable reports whether retrying the failed operation can help.
// Signature, replay, duplicate, validation and business-rule failures are
// permanent. External failures retry on 5xx, network errors (no status)
// and rate limits, and refuse 4xx and known-permanent exchange messages.
// Unclassified errors are treated as transient, matching the behaviour of
// timeouts and connection resets that surface as plain errors.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var fe *Error
	if !errors.As(err, &fe) {
		return true
	}
	switch fe.Kind {
	case KindSignatureInvalid, KindReplayAttack, KindDuplicateEvent, KindValidation, KindBusinessRule:
		return false
	case KindCircuitBreaker:
		return false
	case KindExternalService:
		lower := strings.ToLower(fe.Message)
		for _, msg := range permanentExchangeMessages {
			if strings.Contains(lower, msg) {
				return false
			}
		}
		if fe.HTTPStatus == http.StatusTooManyRequests {
			return true
		}
		if fe.HTTPStatus >= 400 && fe.HTTPStatus < 500 {
			return false
		}
		return true
	default:
		return true
	}
}

// IsRateLimit reports whether the error is an upstream rate-limit response.
func IsRateLimit(err error) bool {
	var fe *Error
	if !errors.As(err, &fe) {
		return false
	}
	if fe.HTTPStatus == http.StatusTooManyRequests {
		return true
	}
	return fe.Kind == KindExternalService && strings.Contains(strings.ToLower(fe.Message), "rate limit")
}

// RetryAfterOf returns the retry-after hint from the chain, if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	var fe *Error
	if errors.As(err, &fe) && fe.RetryAfter > 0 {
		return fe.RetryAfter, true
	}
	return 0, false
}
