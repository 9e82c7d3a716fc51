package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ─── Error taxonomy ─────────────────────────────────────────────────────────
// Every boundary between components yields a typed error. The Kind drives
// recovery (retry, fallback, fail-fast) and the transport mapping; the
// message is for humans only.

// Kind classifies an error for recovery and surfacing decisions.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindDuplicateID
	KindCapacityExceeded
	KindCapabilityUnavailable
	KindTransientBackend
	KindPermanentBackend
	KindBusy
	KindTimeout
	KindCancelled
	KindNoViableModel
)

// String returns the stable wire label for the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindNotFound:
		return "not_found"
	case KindDuplicateID:
		return "duplicate_id"
	case KindCapacityExceeded:
		return "capacity_exceeded"
	case KindCapabilityUnavailable:
		return "capability_unavailable"
	case KindTransientBackend:
		return "transient_backend_error"
	case KindPermanentBackend:
		return "permanent_backend_error"
	case KindBusy:
		return "busy"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	case KindNoViableModel:
		return "no_viable_model"
	default:
		return "internal_error"
	}
}

// Attempt records one failed candidate during pipeline fallback.
type Attempt struct {
	ModelID string `json:"model_id"`
	Cause   string `json:"cause"`
}

// Error is the structured error carried across component boundaries.
type Error struct {
	Kind     Kind
	Message  string
	Err      error     // causal chain
	Attempts []Attempt // populated only for KindNoViableModel
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the causal chain to errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Err }

// E builds a typed error with no cause.
func E(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Ef builds a typed error with a formatted message.
func Ef(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapErr attaches a kind and message to an underlying error.
func WrapErr(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// NoViable aggregates the per-candidate causes after fallback exhaustion.
func NoViable(attempts []Attempt) *Error {
	lines := make([]string, len(attempts))
	for i, a := range attempts {
		lines[i] = a.ModelID + ": " + a.Cause
	}
	msg := "no viable model"
	if len(lines) > 0 {
		msg += " — attempts: " + strings.Join(lines, "; ")
	}
	return &Error{Kind: KindNoViableModel, Message: msg, Attempts: attempts}
}

// KindOf extracts the Kind from an error chain. Plain errors map to
// KindInternal; context errors map to Timeout/Cancelled.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindInternal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the pipeline should try the next candidate.
// Capability gaps and transient backend failures fall over; permanent
// backend failures also fall over but additionally mark the model failed.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindCapabilityUnavailable, KindTransientBackend, KindPermanentBackend, KindBusy:
		return true
	}
	return false
}

// FromContextErr converts a context error into the taxonomy.
func FromContextErr(err error) *Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return WrapErr(KindTimeout, "request deadline exceeded", err)
	}
	return WrapErr(KindCancelled, "request cancelled", err)
}
