// Package sim provides scripted frame and event sources for tests and demo
// mode, where no OS capture primitives are available.
package sim

import (
	"context"
	"sync"
	"time"

	"github.com/retracehq/retrace/internal/source"
	"github.com/retracehq/retrace/pkg/models"
)

// FrameStep is one scripted CaptureFrame outcome.
type FrameStep struct {
	Frame *source.Frame
	Err   error
}

// FrameSource replays a fixed script of frames. After the script is
// exhausted it repeats the last step, so a capture loop can keep ticking.
type FrameSource struct {
	mu    sync.Mutex
	steps []FrameStep
	idx   int
	calls int
}

// NewFrameSource creates a scripted frame source.
func NewFrameSource(steps ...FrameStep) *FrameSource {
	return &FrameSource{steps: steps}
}

// CaptureFrame returns the next scripted step.
func (f *FrameSource) CaptureFrame(ctx context.Context) (*source.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	if len(f.steps) == 0 {
		return nil, &source.CaptureError{Err: context.Canceled}
	}
	step := f.steps[f.idx]
	if f.idx < len(f.steps)-1 {
		f.idx++
	}
	if step.Err != nil {
		return nil, step.Err
	}

	frame := *step.Frame
	if frame.CapturedAt.IsZero() {
		frame.CapturedAt = time.Now()
	}
	return &frame, nil
}

// Calls returns how many times CaptureFrame was invoked.
func (f *FrameSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// EventSource is a push-driven event source for tests: the test feeds events
// in, the engine consumes them through Events().
type EventSource struct {
	ch     chan models.InputEvent
	mu     sync.Mutex
	closed bool
}

// NewEventSource creates an event source with the given channel buffer.
func NewEventSource(buffer int) *EventSource {
	return &EventSource{ch: make(chan models.InputEvent, buffer)}
}

// Push delivers one event to the consumer. No-op after Close.
func (e *EventSource) Push(ev models.InputEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.ch <- ev
}

// Events returns the consumer channel.
func (e *EventSource) Events() <-chan models.InputEvent {
	return e.ch
}

// Close ends the stream. Idempotent.
func (e *EventSource) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
	return nil
}
