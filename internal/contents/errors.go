package contents

import (
	"errors"
	"fmt"

	"storefront/api/internal/document"
)

// Kind classifies a content host failure so callers can branch on it.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindNetwork       Kind = "network"
	KindSerialization Kind = "serialization"
)

var (
	ErrConfiguration = errors.New("content host not configured")
	ErrNotFound      = errors.New("document not found")
	ErrConflict      = errors.New("version conflict")
	ErrNetwork       = errors.New("content host request failed")
	ErrSerialization = errors.New("document serialization failed")
)

func (k Kind) sentinel() error {
	switch k {
	case KindConfiguration:
		return ErrConfiguration
	case KindNotFound:
		return ErrNotFound
	case KindConflict:
		return ErrConflict
	case KindSerialization:
		return ErrSerialization
	default:
		return ErrNetwork
	}
}

// Retryable reports whether an operation failing with this kind may succeed
// when repeated. Conflicts are recoverable only by refetching first.
func (k Kind) Retryable() bool {
	return k == KindNetwork
}

// Error is the single error type returned by the adapter.
type Error struct {
	Kind     Kind
	Op       string
	Path     string
	Status   int
	Message  string
	Expected document.Version
	Current  document.Version
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Kind.sentinel())
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Kind == KindConflict && (e.Expected != "" || e.Current != "") {
		msg += fmt.Sprintf(" expected=%q current=%q", e.Expected, e.Current)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// KindOf extracts the kind from err. Untyped errors count as network failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var storeErr *Error
	if errors.As(err, &storeErr) {
		return storeErr.Kind
	}
	if errors.Is(err, document.ErrInvalid) {
		return KindSerialization
	}
	return KindNetwork
}

// StatusOf returns the HTTP status the content host answered with, or 0.
func StatusOf(err error) int {
	var storeErr *Error
	if errors.As(err, &storeErr) {
		return storeErr.Status
	}
	return 0
}
