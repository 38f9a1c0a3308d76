// Package static provides a scripted extractor for tests and demo mode.
package static

import (
	"context"
	"sync"

	"github.com/retracehq/retrace/internal/ocr"
	"github.com/retracehq/retrace/internal/source"
)

// Step is one scripted ExtractText outcome.
type Step struct {
	Result *ocr.Result
	Err    error
}

// Extractor replays a fixed script. After the script is exhausted the last
// step repeats.
type Extractor struct {
	mu    sync.Mutex
	steps []Step
	idx   int
	calls int
}

// New creates a scripted extractor.
func New(steps ...Step) *Extractor {
	return &Extractor{steps: steps}
}

// ExtractText returns the next scripted step.
func (e *Extractor) ExtractText(ctx context.Context, frame *source.Frame) (*ocr.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++

	if len(e.steps) == 0 {
		return &ocr.Result{}, nil
	}
	step := e.steps[e.idx]
	if e.idx < len(e.steps)-1 {
		e.idx++
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return step.Result, nil
}

// Calls returns how many times ExtractText was invoked.
func (e *Extractor) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}
