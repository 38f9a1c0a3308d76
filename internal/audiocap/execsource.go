package audiocap

import (
	"context"
	"fmt"
	"io"
	"os/exec"

	"github.com/rs/zerolog/log"
)

// ExecSource reads raw 16-bit little-endian PCM from a recording command's
// stdout (arecord/sox/ffmpeg style) and chops it into fixed-size frames.
type ExecSource struct {
	cmd       *exec.Cmd
	stdout    io.ReadCloser
	frameSize int // samples per frame
	buf       []byte
}

// NewExecSource starts the recording command. frameSize is the number of
// samples per returned frame.
func NewExecSource(command []string, frameSize int) (*ExecSource, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("audiocap: audio command is required")
	}
	if frameSize <= 0 {
		frameSize = 1600 // 100ms at 16kHz mono
	}

	cmd := exec.Command(command[0], command[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("audio command stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start audio command %s: %w", command[0], err)
	}

	log.Info().Str("command", command[0]).Int("frameSize", frameSize).Msg("Audio source started")
	return &ExecSource{
		cmd:       cmd,
		stdout:    stdout,
		frameSize: frameSize,
		buf:       make([]byte, frameSize*2),
	}, nil
}

// ReadFrame blocks until a full frame of samples is available. Returns
// io.EOF when the command exits.
func (s *ExecSource) ReadFrame(ctx context.Context) ([]int16, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(s.stdout, s.buf); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return nil, err
	}

	frame := make([]int16, s.frameSize)
	for i := range frame {
		frame[i] = int16(uint16(s.buf[2*i]) | uint16(s.buf[2*i+1])<<8)
	}
	return frame, nil
}

// Close stops the recording command.
func (s *ExecSource) Close() error {
	_ = s.stdout.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	return s.cmd.Wait()
}
