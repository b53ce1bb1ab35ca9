package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// FailureKind classifies transport failures so callers can branch on the
// class of a problem instead of matching human-readable messages.
type FailureKind string

const (
	KindAdapterUnavailable FailureKind = "adapter_unavailable"
	KindConnectionFailed   FailureKind = "connection_failed"
	KindCancelled          FailureKind = "cancelled"
	KindNotConnected       FailureKind = "not_connected"
)

// Error is the typed transport failure. Bindings normalize library errors
// into this type once, at the boundary; everything above uses errors.Is.
type Error struct {
	Kind FailureKind
	Msg  string
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is allows errors.Is to compare transport errors by Kind.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel errors for each failure kind.
var (
	ErrAdapterUnavailable = &Error{Kind: KindAdapterUnavailable}
	ErrConnectionFailed   = &Error{Kind: KindConnectionFailed}
	ErrCancelled          = &Error{Kind: KindCancelled}
	ErrNotConnected       = &Error{Kind: KindNotConnected}
)

// ErrUnsupported marks an operation the platform cannot perform (e.g. MTU
// exchange on darwin). Callers treat it as a soft failure.
var ErrUnsupported = errors.New("unsupported")

// NotFoundError reports a missing service or characteristic on a device that
// is otherwise healthy. It is never retried in a tight loop.
type NotFoundError struct {
	Resource string // "service" or "characteristic"
	UUIDs    []string
}

func (e *NotFoundError) Error() string {
	switch len(e.UUIDs) {
	case 0:
		return fmt.Sprintf("%s not found", e.Resource)
	case 1:
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	default:
		return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
	}
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsCancelled reports whether err stems from intentional teardown: either a
// typed cancellation or a context cancellation bubbled through the binding.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// NormalizeError maps known library error strings to typed transport errors.
// This is the single place substring matching is permitted; it exists so the
// rest of the codebase can rely on errors.Is alone.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "context canceled"),
		strings.Contains(msg, "operation was cancelled"),
		strings.Contains(msg, "connection canceled"):
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	case strings.Contains(msg, "central manager has invalid state"),
		strings.Contains(msg, "bluetooth is turned off"),
		strings.Contains(msg, "powered off"),
		strings.Contains(msg, "unauthorized"):
		return fmt.Errorf("%w: %v", ErrAdapterUnavailable, err)
	case strings.Contains(msg, "device not connected"),
		strings.Contains(msg, "not connected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case strings.Contains(msg, "can't dial"),
		strings.Contains(msg, "connection failed"),
		strings.Contains(msg, "failed to connect"):
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	default:
		return err
	}
}

// NormalizeUUID converts a UUID string to the canonical internal form
// (lowercase, no dashes). Both dashed and bare forms are accepted.
func NormalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}

// NormalizeUUIDs normalizes a slice of UUID strings.
func NormalizeUUIDs(uuids []string) []string {
	out := make([]string, len(uuids))
	for i, u := range uuids {
		out[i] = NormalizeUUID(u)
	}
	return out
}
