// Package coaperr defines the typed error kinds surfaced by the engine
// (spec §7 Error Handling Design), in the sentinel-kind-plus-predicate
// idiom moby-moby's errdefs package uses rather than ad hoc string errors.
package coaperr

import (
	"errors"
	"fmt"

	"github.com/businka/go-coap-engine/message"
)

// Kind classifies an engine-level failure.
type Kind int

const (
	Unknown Kind = iota
	MalformedMessage
	UnknownCriticalOption
	Duplicate
	Timeout
	Cancelled
	PreconditionFailed
	NotFound
	MethodNotAllowed
	RequestEntityIncomplete
	RequestEntityTooLarge
	ServiceUnavailable
	InternalServerError
)

var kindNames = map[Kind]string{
	MalformedMessage:        "malformed message",
	UnknownCriticalOption:   "unknown critical option",
	Duplicate:               "duplicate",
	Timeout:                 "timeout",
	Cancelled:               "cancelled",
	PreconditionFailed:      "precondition failed",
	NotFound:                "not found",
	MethodNotAllowed:        "method not allowed",
	RequestEntityIncomplete: "request entity incomplete",
	RequestEntityTooLarge:   "request entity too large",
	ServiceUnavailable:      "service unavailable",
	InternalServerError:     "internal server error",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Error wraps an underlying cause with a Kind the caller can switch on.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// New wraps cause with kind. cause may be nil.
func New(kind Kind, cause error) *Error { return &Error{Kind: kind, Cause: cause} }

// Is reports whether err (or anything it wraps) carries kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Code maps a Kind to the CoAP response code the request layer should emit
// (spec §7 propagation policy: protocol errors become responses, never
// reach the caller).
func (k Kind) Code() message.Code {
	switch k {
	case MalformedMessage, UnknownCriticalOption:
		return message.BadRequest
	case PreconditionFailed:
		return message.PreconditionFailed
	case NotFound:
		return message.NotFound
	case MethodNotAllowed:
		return message.MethodNotAllowed
	case RequestEntityIncomplete:
		return message.RequestEntityIncomplete
	case RequestEntityTooLarge:
		return message.RequestEntityTooLarge
	case ServiceUnavailable:
		return message.ServiceUnavailable
	case InternalServerError:
		return message.InternalServerError
	default:
		return message.InternalServerError
	}
}

// Transport-level failures (bind/socket setup) propagate synchronously and
// are plain wrapped errors, not typed Kinds — they are setup-time, not
// per-exchange.
func Transport(op string, err error) error {
	return fmt.Errorf("coap: %s: %w", op, err)
}
