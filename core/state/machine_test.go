package state

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestEveryTransitionOutsideTableIsRejected(t *testing.T) {
	for _, from := range All {
		for _, to := range All {
			if CanTransition(from, to) {
				continue
			}

			m := machineAt(t, from)
			err := m.Transition(to)

			var rejected *TransitionRejectedError
			if !errors.As(err, &rejected) {
				t.Fatalf("%s -> %s: expected rejection, got %v", from, to, err)
			}
			if m.State() != from {
				t.Fatalf("%s -> %s: expected state to stay %s, got %s", from, to, from, m.State())
			}
		}
	}
}

func TestTableTransitionsAreAccepted(t *testing.T) {
	for _, from := range All {
		for _, to := range Allowed(from) {
			m := machineAt(t, from)
			if err := m.Transition(to); err != nil {
				t.Fatalf("%s -> %s: unexpected error: %v", from, to, err)
			}
			if m.State() != to {
				t.Fatalf("%s -> %s: expected state %s, got %s", from, to, to, m.State())
			}
		}
	}
}

func TestSelfTransitionsAreRejected(t *testing.T) {
	for _, s := range All {
		if CanTransition(s, s) {
			t.Fatalf("expected self transition on %s to be rejected", s)
		}
	}
}

func TestRejectionLogsAllowedTargets(t *testing.T) {
	var logs bytes.Buffer
	m := NewMachine(WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	_ = m.Transition(Speaking)

	line := logs.String()
	if !strings.Contains(line, "level=WARN") || !strings.Contains(line, "allowed=\"listening, error\"") {
		t.Fatalf("expected warning listing allowed targets, got %q", line)
	}
	if m.Rejected() != 1 {
		t.Fatalf("expected 1 rejected transition, got %d", m.Rejected())
	}
}

func TestObserverSeesAcceptedTransitionsOnly(t *testing.T) {
	var seen []string
	m := NewMachine(
		WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))),
		WithObserver(func(from, to State) { seen = append(seen, from.String()+">"+to.String()) }),
	)

	_ = m.Transition(Listening)
	_ = m.Transition(Speaking)
	_ = m.Transition(Processing)

	want := []string{"idle>listening", "listening>processing"}
	if strings.Join(seen, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, seen)
	}
}

// machineAt walks the table to reach the requested state.
func machineAt(t *testing.T, target State) *Machine {
	t.Helper()

	m := NewMachine(WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))))
	path := map[State][]State{
		Idle:       nil,
		Listening:  {Listening},
		Processing: {Listening, Processing},
		Speaking:   {Listening, Processing, Speaking},
		Error:      {Error},
	}[target]

	for _, s := range path {
		if err := m.Transition(s); err != nil {
			t.Fatalf("failed to reach %s: %v", target, err)
		}
	}
	return m
}
