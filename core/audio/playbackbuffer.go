package audio

import (
	"context"
	"sync/atomic"

	"github.com/ym-dskr/talk-system/internal/ringqueue"
)

// PlaybackBuffer holds frames waiting for the output device. Frames older
// than the epoch floor are refused on push and skipped on pop.
type PlaybackBuffer struct {
	queue *ringqueue.Queue[Frame]
	floor atomic.Uint64

	overflowed atomic.Uint64
	stale      atomic.Uint64
}

func NewPlaybackBuffer(capacity int) *PlaybackBuffer {
	return &PlaybackBuffer{queue: ringqueue.New[Frame](capacity)}
}

// Push queues the frame. It reports false when the frame is stale.
func (b *PlaybackBuffer) Push(frame Frame) bool {
	if frame.Epoch < b.floor.Load() {
		b.stale.Add(1)
		return false
	}

	if evicted := b.queue.Push(frame); evicted {
		b.overflowed.Add(1)
	}
	return true
}

// Pop blocks for the next frame that is not stale.
func (b *PlaybackBuffer) Pop(ctx context.Context) (Frame, error) {
	for {
		frame, err := b.queue.Pop(ctx)
		if err != nil {
			return Frame{}, err
		}

		if frame.Epoch < b.floor.Load() {
			b.stale.Add(1)
			continue
		}
		return frame, nil
	}
}

// Raise moves the epoch floor up to epoch and discards every buffered frame
// below it. The floor never moves down.
func (b *PlaybackBuffer) Raise(epoch uint64) (discarded int) {
	for {
		current := b.floor.Load()
		if epoch <= current || b.floor.CompareAndSwap(current, epoch) {
			break
		}
	}

	floor := b.floor.Load()
	discarded = b.queue.Filter(func(frame Frame) bool { return frame.Epoch >= floor })
	b.stale.Add(uint64(discarded))
	return discarded
}

func (b *PlaybackBuffer) Floor() uint64 {
	return b.floor.Load()
}

func (b *PlaybackBuffer) Len() int {
	return b.queue.Len()
}

// Overflowed is the number of frames evicted because the buffer was full.
func (b *PlaybackBuffer) Overflowed() uint64 {
	return b.overflowed.Load()
}

// Stale is the number of frames refused or discarded for being below the
// floor.
func (b *PlaybackBuffer) Stale() uint64 {
	return b.stale.Load()
}

func (b *PlaybackBuffer) Close() {
	b.queue.Close()
}
