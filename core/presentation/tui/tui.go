// Package tui renders the conversation in a terminal with bubbletea. The
// program runs on its own goroutine and is fed through a bounded queue, so
// the conversation loop never waits for the terminal.
package tui

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/ym-dskr/talk-system/core/presentation"
	"github.com/ym-dskr/talk-system/core/state"
	"github.com/ym-dskr/talk-system/internal/ringqueue"
)

const (
	defaultQueueCapacity = 64
	defaultPageInterval  = 4 * time.Second
	defaultPageLines     = 4
)

type Presenter struct {
	updates *ringqueue.Queue[tea.Msg]
	dropped atomic.Uint64

	onQuit         func()
	pageInterval   time.Duration
	pageLines      int
	programOptions []tea.ProgramOption
}

type Option func(*Presenter)

// WithQuitHandler is called when the user asks to quit from the terminal.
func WithQuitHandler(onQuit func()) Option {
	return func(p *Presenter) {
		p.onQuit = onQuit
	}
}

func WithQueueCapacity(capacity int) Option {
	return func(p *Presenter) {
		p.updates = ringqueue.New[tea.Msg](capacity)
	}
}

// WithPaging sets how many caption lines fit on screen and how often long
// captions flip to their next page.
func WithPaging(lines int, interval time.Duration) Option {
	return func(p *Presenter) {
		if lines > 0 {
			p.pageLines = lines
		}
		if interval > 0 {
			p.pageInterval = interval
		}
	}
}

func WithProgramOptions(opts ...tea.ProgramOption) Option {
	return func(p *Presenter) {
		p.programOptions = append(p.programOptions, opts...)
	}
}

func New(opts ...Option) *Presenter {
	p := &Presenter{
		updates:      ringqueue.New[tea.Msg](defaultQueueCapacity),
		pageInterval: defaultPageInterval,
		pageLines:    defaultPageLines,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Presenter) StateChanged(current state.State) {
	p.post(stateMsg(current))
}

func (p *Presenter) CaptionUpdated(caption presentation.Caption) {
	p.post(captionMsg(caption))
}

func (p *Presenter) post(msg tea.Msg) {
	if evicted := p.updates.Push(msg); evicted {
		p.dropped.Add(1)
	}
}

// Dropped is the number of updates discarded because the terminal fell
// behind.
func (p *Presenter) Dropped() uint64 {
	return p.dropped.Load()
}

// Run blocks until the user quits or ctx is cancelled.
func (p *Presenter) Run(ctx context.Context) error {
	defer p.updates.Close()

	opts := append([]tea.ProgramOption{tea.WithContext(ctx), tea.WithAltScreen()}, p.programOptions...)
	program := tea.NewProgram(p.model(ctx), opts...)

	if _, err := program.Run(); err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("terminal presenter failed: %w", err)
	}
	return nil
}

func (p *Presenter) model(ctx context.Context) Model {
	return newModel(p.waitForUpdate(ctx), p.onQuit, p.pageLines, p.pageInterval)
}

func (p *Presenter) waitForUpdate(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		msg, err := p.updates.Pop(ctx)
		if err != nil {
			return updatesClosedMsg{}
		}
		return msg
	}
}
