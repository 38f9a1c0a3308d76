// Package execframe captures screen frames by shelling out to an OS
// screenshot tool (grim, screencapture, scrot and friends) that writes the
// image to stdout. An optional second command reports the focused window.
package execframe

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/retracehq/retrace/internal/source"
)

// Source runs configured commands per capture. Stateless and safe for
// serialized use by the capture loop.
type Source struct {
	// FrameCmd is the screenshot command and its arguments. The image must
	// be written to stdout.
	FrameCmd []string
	// WindowCmd optionally reports the focused window identifier on stdout.
	WindowCmd []string
}

// New creates an exec-backed frame source.
func New(frameCmd, windowCmd []string) (*Source, error) {
	if len(frameCmd) == 0 {
		return nil, fmt.Errorf("execframe: frame command is required")
	}
	return &Source{FrameCmd: frameCmd, WindowCmd: windowCmd}, nil
}

// CaptureFrame invokes the screenshot command once.
func (s *Source) CaptureFrame(ctx context.Context) (*source.Frame, error) {
	capturedAt := time.Now()

	cmd := exec.CommandContext(ctx, s.FrameCmd[0], s.FrameCmd[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, &source.CaptureError{
			Err: fmt.Errorf("%s: %w (%s)", s.FrameCmd[0], err, strings.TrimSpace(stderr.String())),
		}
	}
	if stdout.Len() == 0 {
		return nil, &source.CaptureError{Err: fmt.Errorf("%s produced no image data", s.FrameCmd[0])}
	}

	return &source.Frame{
		Data:       stdout.Bytes(),
		Window:     s.focusedWindow(ctx),
		CapturedAt: capturedAt,
	}, nil
}

// focusedWindow runs the window command, if configured. Failures degrade to
// an empty window identifier rather than failing the tick.
func (s *Source) focusedWindow(ctx context.Context) string {
	if len(s.WindowCmd) == 0 {
		return ""
	}
	out, err := exec.CommandContext(ctx, s.WindowCmd[0], s.WindowCmd[1:]...).Output()
	if err != nil {
		log.Debug().Err(err).Str("command", s.WindowCmd[0]).Msg("Window lookup failed")
		return ""
	}
	return strings.TrimSpace(string(out))
}
