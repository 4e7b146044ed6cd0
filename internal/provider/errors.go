package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/arkiv/chainwatch/internal/retry"
)

// Kind classifies a provider failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindRequestFailed
	KindDecodeFailed
	KindMissingField
	KindRateLimitExceeded
	KindMaxRetriesExceeded
)

func (k Kind) String() string {
	switch k {
	case KindRequestFailed:
		return "request_failed"
	case KindDecodeFailed:
		return "decode_failed"
	case KindMissingField:
		return "missing_field"
	case KindRateLimitExceeded:
		return "rate_limit_exceeded"
	case KindMaxRetriesExceeded:
		return "max_retries_exceeded"
	default:
		return "unknown"
	}
}

// Sentinels matched by errors.Is against a *Error of the same kind.
var (
	ErrRequestFailed      = errors.New("request failed")
	ErrDecodeFailed       = errors.New("failed to decode response")
	ErrMissingField       = errors.New("response missing expected field")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

func (k Kind) sentinel() error {
	switch k {
	case KindRequestFailed:
		return ErrRequestFailed
	case KindDecodeFailed:
		return ErrDecodeFailed
	case KindMissingField:
		return ErrMissingField
	case KindRateLimitExceeded:
		return ErrRateLimitExceeded
	case KindMaxRetriesExceeded:
		return ErrMaxRetriesExceeded
	}
	return nil
}

// Error is the only error type returned by providers.
type Error struct {
	Op    string
	Kind  Kind
	Field string // set for KindMissingField

	// Last is the final attempt's failure when Kind is KindMaxRetriesExceeded.
	Last *Error

	detail string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Kind.sentinel())
	if e.Field != "" {
		msg += ": " + e.Field
	}
	if e.detail != "" {
		msg += ": " + e.detail
	}
	return msg
}

// Is matches the sentinel of e's kind.
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// Unwrap exposes the last classified attempt of an exhausted retry, nothing else.
func (e *Error) Unwrap() error {
	if e.Last == nil {
		return nil
	}
	return e.Last
}

// KindOf returns the classified kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

func RequestFailed(op string, err error) *Error {
	return &Error{Op: op, Kind: KindRequestFailed, detail: errText(err)}
}

func DecodeFailed(op string, err error) *Error {
	return &Error{Op: op, Kind: KindDecodeFailed, detail: errText(err)}
}

func MissingField(op, field string) *Error {
	return &Error{Op: op, Kind: KindMissingField, Field: field}
}

func RateLimitExceeded(op string) *Error {
	return &Error{Op: op, Kind: KindRateLimitExceeded}
}

// Exhausted reports that every attempt of op failed; last is the final attempt's error.
func Exhausted(op string, last error) *Error {
	e := &Error{Op: op, Kind: KindMaxRetriesExceeded}
	var pe *Error
	if errors.As(Classify(op, last), &pe) {
		e.Last = pe
		e.detail = "last attempt: " + pe.Error()
	}
	return e
}

// Classify maps an arbitrary failure of op onto the taxonomy. Errors that are already
// classified pass through; retry exhaustion becomes KindMaxRetriesExceeded; timeouts
// and everything else become KindRequestFailed.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, retry.ErrMaxRetriesExceeded) {
		return &Error{Op: op, Kind: KindMaxRetriesExceeded, detail: err.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Op: op, Kind: KindRequestFailed, detail: "timeout"}
	}
	return RequestFailed(op, err)
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
