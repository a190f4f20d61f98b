// Package kinderr defines the typed error taxonomy shared across the
// orchestration core, so every component reports failures the caller can
// switch on rather than string-matching.
package kinderr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error taxonomy from the error handling design.
type Kind string

const (
	SchemaValidation Kind = "SchemaValidation"
	Budget           Kind = "Budget"
	LLMTransient     Kind = "LLMTransient"
	LLMPermanent     Kind = "LLMPermanent"
	ToolUnavailable  Kind = "ToolUnavailable"
	SkillVerification Kind = "SkillVerification"
	NotFound         Kind = "NotFound"
	AmbiguousPrefix  Kind = "AmbiguousPrefix"
	Forbidden        Kind = "Forbidden"
	ParseFailure     Kind = "ParseFailure"
)

// Error is a typed, wrappable error carrying an operation name and Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind, looking through wrapping.
func Is(err error, kind Kind) bool {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, or "" if err isn't a *Error.
func KindOf(err error) Kind {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ""
}

// HTTPStatus maps a Kind to the status code the external HTTP surface (C14)
// should report, per §6/§7 of the spec.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Forbidden:
		return 403
	case NotFound:
		return 404
	case AmbiguousPrefix:
		return 400
	case SchemaValidation, ParseFailure:
		return 400
	case LLMPermanent, SkillVerification:
		return 400
	case Budget:
		return 400
	case ToolUnavailable:
		return 502
	case LLMTransient:
		return 502
	default:
		return 500
	}
}
