// Package errs implements the structured error taxonomy from the ingestion
// service's error-handling design: a fixed set of kinds plus a context map,
// never a concatenated string.
package errs

import "fmt"

// Kind enumerates the error taxonomy. These are string enums, not Go error
// types, so callers can switch on them across package boundaries.
type Kind string

const (
	KindTransport         Kind = "transport_error"
	KindHeartbeatTimeout   Kind = "heartbeat_timeout"
	KindParse              Kind = "parse_error"
	KindValidation         Kind = "validation_error"
	KindCapacityExhausted  Kind = "capacity_exhausted"
	KindNotFound           Kind = "not_found"
	KindDuplicate          Kind = "duplicate"
	KindSink               Kind = "sink_error"
	KindTimeout            Kind = "timeout"
	KindFatalInit          Kind = "fatal_init"
	KindStaleOrFuture      Kind = "stale_or_future_timestamp"
	KindBatchTooLarge      Kind = "batch_too_large"
)

// sensitiveKeys are redacted from context before an Error crosses into a
// Control Surface response.
var sensitiveKeys = map[string]bool{
	"password": true, "secret": true, "api_key": true, "apikey": true,
	"token": true, "authorization": true,
}

// Error is the structured error value carried through the system: a kind,
// a context map, and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Context map[string]any
	Cause   error
}

func New(kind Kind, context map[string]any) *Error {
	return &Error{Kind: kind, Context: context}
}

func Wrap(kind Kind, cause error, context map[string]any) *Error {
	return &Error{Kind: kind, Context: context, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v %v", e.Kind, e.Cause, e.Context)
	}
	return fmt.Sprintf("%s %v", e.Kind, e.Context)
}

func (e *Error) Unwrap() error { return e.Cause }

// Redact returns a copy of e with sensitive context values replaced, safe to
// surface in a Control Surface response.
func (e *Error) Redact() *Error {
	clean := make(map[string]any, len(e.Context))
	for k, v := range e.Context {
		if sensitiveKeys[k] {
			clean[k] = "[redacted]"
			continue
		}
		clean[k] = v
	}
	return &Error{Kind: e.Kind, Context: clean, Cause: nil}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
