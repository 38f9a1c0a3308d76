// Package source defines the narrow interfaces through which the capture
// loops consume OS-level primitives: screen frames and input events.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/retracehq/retrace/pkg/models"
)

// Frame is one raw screen image as delivered by a frame source.
type Frame struct {
	// Data is the encoded image bytes (typically PNG).
	Data []byte
	// Window is the focused window identifier at capture time, if known.
	Window     string
	CapturedAt time.Time
}

// CaptureError indicates the frame source failed for one tick. The capture
// loop skips the tick and continues.
type CaptureError struct {
	Err error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("frame capture: %v", e.Err)
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

// FrameSource supplies one screen image per call. Implementations may block;
// they must honor ctx cancellation.
type FrameSource interface {
	CaptureFrame(ctx context.Context) (*Frame, error)
}

// EventSource supplies a live, conceptually unbounded sequence of input
// events. The channel is closed when the source shuts down.
type EventSource interface {
	Events() <-chan models.InputEvent
	Close() error
}
