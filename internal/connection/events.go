package connection

import "github.com/meteo-x/marketfeed/internal/errs"

// EventKind enumerates the CM's observer surface (spec §4.2). Subscribers
// receive typed Event values over a channel rather than an untyped
// emit(name, payload) pattern.
type EventKind string

const (
	EventStateChange  EventKind = "state_change"
	EventStreamAdded  EventKind = "stream_added"
	EventStreamRemoved EventKind = "stream_removed"
	EventReconnecting EventKind = "reconnecting"
	EventReconnected  EventKind = "reconnected"
	EventError        EventKind = "error"
)

// Event is one typed occurrence on the CM's event surface. Only the fields
// relevant to Kind are populated.
type Event struct {
	Kind       EventKind
	ConnID     string
	FromState  State
	ToState    State
	StreamName string
	Attempt    int
	ErrKind    errs.Kind
	Err        error
}

// RawMessage is one decoded-from-socket frame handed to the Adapter Facade,
// in strict per-connection socket order (spec §5 ordering guarantees).
type RawMessage struct {
	ConnID     string
	StreamName string
	Data       []byte
}
