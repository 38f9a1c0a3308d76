// Package ocr defines the text extraction capability consumed by the screen
// capture loop. The engine itself is external; adapters live in subpackages.
package ocr

import (
	"context"
	"fmt"

	"github.com/retracehq/retrace/internal/source"
	"github.com/retracehq/retrace/pkg/models"
)

// Result is the outcome of extracting text from one frame.
type Result struct {
	Lines []models.OCRLine
}

// ExtractionError indicates the extractor failed for one frame. The capture
// loop skips the tick and continues.
type ExtractionError struct {
	Err error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("text extraction: %v", e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Extractor converts one image to text lines with confidence.
type Extractor interface {
	ExtractText(ctx context.Context, frame *source.Frame) (*Result, error)
}
