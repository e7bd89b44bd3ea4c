package engine

import (
	"context"
	"errors"
)

// Kind classifies an engine failure. Adapters assign kinds from structured
// evidence only (error types, HTTP status codes, process exit states),
// never by matching message text.
type Kind string

const (
	KindUnknown     Kind = "unknown"
	KindDownload    Kind = "download"    // network or model-fetch failure
	KindMemory      Kind = "memory"      // allocation or OOM failure
	KindRuntime     Kind = "runtime"     // the runtime faulted mid-operation
	KindCanceled    Kind = "canceled"    // the caller canceled
	KindNotFound    Kind = "not-found"   // unknown model
	KindUnavailable Kind = "unavailable" // backend missing or unreachable
	KindInvalid     Kind = "invalid"     // the request itself is bad
)

// Error is a classified engine failure. Op names the operation ("load",
// "generate", "clear-cache"), Model the model it concerned, when known.
type Error struct {
	Kind  Kind
	Op    string
	Model string
	Err   error
}

func (e *Error) Error() string {
	msg := ""
	if e.Op != "" {
		msg = e.Op
	}
	if e.Model != "" {
		if msg != "" {
			msg += " "
		}
		msg += e.Model
	}
	if e.Err != nil {
		if msg != "" {
			msg += ": "
		}
		msg += e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error.
func NewError(kind Kind, op, model string, err error) *Error {
	return &Error{Kind: kind, Op: op, Model: model, Err: err}
}

// Wrap classifies err under kind unless the chain already carries a
// classification, which is kept. Cancellation always wins. Returns nil for
// a nil err.
func Wrap(kind Kind, op, model string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		kind = KindCanceled
	}
	return &Error{Kind: kind, Op: op, Model: model, Err: err}
}

// KindFromHTTPStatus classifies a non-2xx status from an OpenAI-compatible
// backend.
func KindFromHTTPStatus(code int) Kind {
	switch code {
	case 404:
		return KindNotFound
	case 400, 422:
		return KindInvalid
	case 502, 503:
		return KindUnavailable
	case 507:
		return KindMemory
	default:
		return KindRuntime
	}
}

// KindOf walks the error chain and reports its kind. Bare context
// cancellation maps to KindCanceled; anything unclassified to KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	return KindUnknown
}

// IsDownload reports whether err is a network or model-fetch failure.
func IsDownload(err error) bool { return KindOf(err) == KindDownload }

// IsMemory reports whether err is an allocation or OOM failure.
func IsMemory(err error) bool { return KindOf(err) == KindMemory }

// IsRuntime reports whether the runtime faulted mid-operation.
func IsRuntime(err error) bool { return KindOf(err) == KindRuntime }

// IsCanceled reports whether err means the caller canceled.
func IsCanceled(err error) bool { return KindOf(err) == KindCanceled }

// IsNotFound reports whether err names an unknown model.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsUnavailable reports whether the backend is missing or unreachable.
func IsUnavailable(err error) bool { return KindOf(err) == KindUnavailable }

// IsInvalid reports whether the request itself was rejected.
func IsInvalid(err error) bool { return KindOf(err) == KindInvalid }
