package audiocap

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retracehq/retrace/internal/store"
)

// scriptSource replays fixed PCM frames, then EOF.
type scriptSource struct {
	frames [][]int16
	idx    int
}

func (s *scriptSource) ReadFrame(ctx context.Context) ([]int16, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.idx >= len(s.frames) {
		return nil, io.EOF
	}
	frame := s.frames[s.idx]
	s.idx++
	return frame, nil
}

func (s *scriptSource) Close() error { return nil }

func silentFrame(n int) []int16 { return make([]int16, n) }

func voicedFrame(n int) []int16 {
	frame := make([]int16, n)
	for i := range frame {
		frame[i] = 12000
	}
	return frame
}

// runRecorder drives a recorder over the script against a temp store and
// catalog, returning the recorder and catalog for assertions.
func runRecorder(t *testing.T, frames [][]int16) (*Recorder, *store.Catalog) {
	t.Helper()
	dir := t.TempDir()

	catalog, err := store.NewCatalog(dir + "/catalog.db")
	require.NoError(t, err)
	t.Cleanup(func() { catalog.Close() })

	st, err := store.Open(store.Config{SpoolDir: dir + "/spool", SessionID: "audio-test"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close(context.Background()) })

	rec := New(Config{
		Source:    &scriptSource{frames: frames},
		Store:     st,
		Catalog:   catalog,
		SessionID: "audio-test",
		// 10 samples/second so one second of silence is 10 samples.
		SampleRate:       10,
		Channels:         1,
		VADThreshold:     0.1,
		SilenceDuration:  time.Second,
		MaxChunkDuration: 10 * time.Second,
	})
	require.NoError(t, rec.Run(context.Background()))
	return rec, catalog
}

func TestRecorder_SustainedSilenceClosesChunk(t *testing.T) {
	rec, catalog := runRecorder(t, [][]int16{
		silentFrame(5), // leading silence: dropped
		voicedFrame(5),
		voicedFrame(5),
		silentFrame(5),
		silentFrame(5), // one full second of silence: chunk closes
		voicedFrame(5), // second chunk, flushed at EOF
	})

	stats := rec.StatsSnapshot()
	assert.Equal(t, int64(2), stats.Chunks)
	assert.Equal(t, int64(1), stats.SilentDropped)
	assert.Equal(t, int64(6), stats.FramesRead)

	count, err := catalog.CountAudioChunks(context.Background(), "audio-test")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRecorder_InteriorSilenceRetainedWhenShort(t *testing.T) {
	rec, _ := runRecorder(t, [][]int16{
		voicedFrame(5),
		silentFrame(5), // half a second: retained between voiced runs
		voicedFrame(5),
	})

	assert.Equal(t, int64(1), rec.StatsSnapshot().Chunks)
}

func TestRecorder_MaxDurationClosesChunk(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(store.Config{SpoolDir: dir, SessionID: "audio-max"})
	require.NoError(t, err)
	defer st.Close(context.Background())

	frames := make([][]int16, 6)
	for i := range frames {
		frames[i] = voicedFrame(5)
	}
	rec := New(Config{
		Source:           &scriptSource{frames: frames},
		Store:            st,
		SessionID:        "audio-max",
		SampleRate:       10,
		Channels:         1,
		VADThreshold:     0.1,
		SilenceDuration:  time.Second,
		MaxChunkDuration: time.Second, // 10 samples
	})
	require.NoError(t, rec.Run(context.Background()))

	// 30 voiced samples at a 10-sample cap: three chunks.
	assert.Equal(t, int64(3), rec.StatsSnapshot().Chunks)
}

func TestFrameVoiced(t *testing.T) {
	assert.False(t, frameVoiced(silentFrame(8), 0.1))
	assert.True(t, frameVoiced(voicedFrame(8), 0.1))
	assert.False(t, frameVoiced([]int16{100, -200, 50}, 0.1))
	assert.True(t, frameVoiced([]int16{0, -20000, 0}, 0.1))
}

func TestFrameVoiced_FullNegativeRail(t *testing.T) {
	// -32768 has no int16 positive counterpart; the peak must not wrap back
	// to a negative value and read as silence.
	assert.True(t, frameVoiced([]int16{0, math.MinInt16, 0}, 0.99))
}

func TestEncodeWAV(t *testing.T) {
	samples := []int16{0, 1000, -1000, 32000}
	blob := EncodeWAV(samples, 16000, 1)

	require.Len(t, blob, 44+len(samples)*2)
	assert.Equal(t, "RIFF", string(blob[0:4]))
	assert.Equal(t, "WAVE", string(blob[8:12]))
	assert.Equal(t, "fmt ", string(blob[12:16]))
	assert.Equal(t, "data", string(blob[36:40]))

	assert.Equal(t, uint32(16000), binary.LittleEndian.Uint32(blob[24:28]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(blob[22:24]))
	assert.Equal(t, uint32(len(samples)*2), binary.LittleEndian.Uint32(blob[40:44]))
	assert.Equal(t, int16(1000), int16(binary.LittleEndian.Uint16(blob[46:48])))
}
