// Package presentation is the boundary between the conversation loop and
// whatever renders it. Presenters are called from the loop goroutine and must
// not block.
package presentation

import (
	"log/slog"

	"github.com/ym-dskr/talk-system/core/state"
)

type Speaker int

const (
	User Speaker = iota
	Assistant
)

func (s Speaker) String() string {
	if s == User {
		return "user"
	}
	return "assistant"
}

type CaptionMode int

const (
	// Append extends the current caption of the speaker.
	Append CaptionMode = iota
	// Replace discards the current caption of the speaker.
	Replace
)

func (m CaptionMode) String() string {
	if m == Append {
		return "append"
	}
	return "replace"
}

type Caption struct {
	Speaker Speaker
	Mode    CaptionMode
	Text    string
}

type Presenter interface {
	StateChanged(current state.State)
	CaptionUpdated(caption Caption)
}

type Nop struct{}

func (Nop) StateChanged(state.State) {}
func (Nop) CaptionUpdated(Caption) {}

// Log writes state changes and completed captions to a logger. Appended
// fragments are logged at debug.
type Log struct {
	Logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{Logger: logger}
}

func (l *Log) StateChanged(current state.State) {
	if current == state.Error {
		l.Logger.Warn("conversation state", "state", current.String())
		return
	}
	l.Logger.Info("conversation state", "state", current.String())
}

func (l *Log) CaptionUpdated(caption Caption) {
	if caption.Mode == Append {
		l.Logger.Debug("caption fragment", "speaker", caption.Speaker.String(), "text", caption.Text)
		return
	}
	l.Logger.Info("caption", "speaker", caption.Speaker.String(), "text", caption.Text)
}

// Multi fans notifications out to every presenter in order.
type Multi []Presenter

func (m Multi) StateChanged(current state.State) {
	for _, p := range m {
		p.StateChanged(current)
	}
}

func (m Multi) CaptionUpdated(caption Caption) {
	for _, p := range m {
		p.CaptionUpdated(caption)
	}
}
