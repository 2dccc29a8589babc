// Package state holds the conversation state machine. Every change of
// conversation state goes through Machine.Transition and is checked against
// a fixed table.
package state

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
)

type State int

const (
	Idle State = iota
	Listening
	Processing
	Speaking
	Error
)

// All lists every state in declaration order.
var All = []State{Idle, Listening, Processing, Speaking, Error}

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Processing:
		return "processing"
	case Speaking:
		return "speaking"
	case Error:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Allowed returns the states reachable from s in one transition.
func Allowed(from State) []State {
	switch from {
	case Idle:
		return []State{Listening, Error}
	case Listening:
		return []State{Processing, Error}
	case Processing:
		return []State{Speaking, Error}
	case Speaking:
		return []State{Listening, Processing, Error}
	case Error:
		return []State{Idle, Listening}
	}
	return nil
}

func CanTransition(from, to State) bool {
	return slices.Contains(Allowed(from), to)
}

// TransitionRejectedError reports a transition missing from the table.
type TransitionRejectedError struct {
	From    State
	To      State
	Allowed []State
}

func (e *TransitionRejectedError) Error() string {
	return fmt.Sprintf("transition %s -> %s rejected, allowed: %s", e.From, e.To, joinStates(e.Allowed))
}

func joinStates(states []State) string {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = s.String()
	}
	return strings.Join(names, ", ")
}

// Machine is owned by the conversation loop and is not safe for concurrent
// transitions. Reading the current state from other goroutines is safe.
type Machine struct {
	current atomic.Int32
	logger  *slog.Logger

	onChange func(from, to State)
	rejected atomic.Uint64
}

type Option func(*Machine)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithObserver is called after every accepted transition.
func WithObserver(onChange func(from, to State)) Option {
	return func(m *Machine) {
		m.onChange = onChange
	}
}

func NewMachine(opts ...Option) *Machine {
	m := &Machine{logger: logger}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) State() State {
	return State(m.current.Load())
}

// Transition moves to the given state. A transition missing from the table
// leaves the state unchanged, logs a warning and returns a
// *TransitionRejectedError.
func (m *Machine) Transition(to State) error {
	from := m.State()
	if !CanTransition(from, to) {
		err := &TransitionRejectedError{From: from, To: to, Allowed: Allowed(from)}
		m.rejected.Add(1)
		m.logger.Warn("state transition rejected",
			"from", from.String(),
			"to", to.String(),
			"allowed", joinStates(err.Allowed))
		return err
	}

	m.current.Store(int32(to))
	m.logger.Info("state transition", "from", from.String(), "to", to.String())
	if m.onChange != nil {
		m.onChange(from, to)
	}
	return nil
}

// Rejected is the number of transitions refused so far.
func (m *Machine) Rejected() uint64 {
	return m.rejected.Load()
}
