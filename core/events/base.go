package events

import "time"

// Kind is the wire type of a server event.
type Kind string

type Event interface {
	Kind() Kind
	// ReceivedAt is when the event was decoded off the session.
	ReceivedAt() time.Time
}

// ResponseScoped events belong to one service response and are subject to
// interrupt filtering.
type ResponseScoped interface {
	Event
	Response() string
}

type Base struct {
	kind       Kind
	receivedAt time.Time
}

func NewBase(kind Kind) Base {
	return Base{kind: kind, receivedAt: time.Now()}
}

func (b Base) Kind() Kind {
	return b.kind
}

func (b Base) ReceivedAt() time.Time {
	return b.receivedAt
}

// Age is how long the event has waited since it was received.
func (b Base) Age(now time.Time) time.Duration {
	return now.Sub(b.receivedAt)
}
