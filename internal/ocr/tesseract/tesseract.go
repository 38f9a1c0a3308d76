// Package tesseract extracts text by shelling out to the tesseract CLI and
// parsing its TSV output into lines with per-line confidence.
package tesseract

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/retracehq/retrace/internal/ocr"
	"github.com/retracehq/retrace/internal/source"
	"github.com/retracehq/retrace/pkg/models"
)

// Extractor invokes tesseract once per frame. The frame bytes are piped to
// stdin; TSV comes back on stdout.
type Extractor struct {
	// Command is the tesseract binary name or path.
	Command string
}

// New creates a tesseract-backed extractor. An empty command defaults to
// "tesseract" on PATH.
func New(command string) *Extractor {
	if command == "" {
		command = "tesseract"
	}
	return &Extractor{Command: command}
}

// ExtractText runs tesseract over the frame.
func (e *Extractor) ExtractText(ctx context.Context, frame *source.Frame) (*ocr.Result, error) {
	cmd := exec.CommandContext(ctx, e.Command, "stdin", "stdout", "tsv")
	cmd.Stdin = bytes.NewReader(frame.Data)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, &ocr.ExtractionError{
			Err: fmt.Errorf("%s: %w (%s)", e.Command, err, strings.TrimSpace(stderr.String())),
		}
	}

	lines := parseTSV(stdout.String())
	return &ocr.Result{Lines: lines}, nil
}

// parseTSV groups tesseract TSV word rows into text lines, averaging word
// confidences per line. Rows with conf -1 are structural (page/block/line
// markers) and carry no text.
//
// TSV columns: level page_num block_num par_num line_num word_num
// left top width height conf text
func parseTSV(output string) []models.OCRLine {
	type lineKey struct {
		block, par, line string
	}

	var (
		result  []models.OCRLine
		current lineKey
		words   []string
		confSum float64
		confN   int
	)

	flush := func() {
		if len(words) == 0 {
			return
		}
		line := models.OCRLine{Text: strings.Join(words, " ")}
		if confN > 0 {
			line.Confidence = confSum / float64(confN)
		}
		result = append(result, line)
		words = nil
		confSum = 0
		confN = 0
	}

	for i, row := range strings.Split(output, "\n") {
		if i == 0 || strings.TrimSpace(row) == "" {
			continue // header or trailing blank
		}
		cols := strings.Split(row, "\t")
		if len(cols) < 12 {
			continue
		}

		conf, err := strconv.ParseFloat(cols[10], 64)
		if err != nil || conf < 0 {
			continue
		}
		text := strings.TrimSpace(cols[11])
		if text == "" {
			continue
		}

		key := lineKey{block: cols[2], par: cols[3], line: cols[4]}
		if key != current {
			flush()
			current = key
		}
		words = append(words, text)
		confSum += conf
		confN++
	}
	flush()
	return result
}
