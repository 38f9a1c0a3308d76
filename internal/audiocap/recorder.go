// Package audiocap records microphone audio into voice-activity-trimmed WAV
// chunks. Optional; the loop shares only the store and catalog with the rest
// of the pipeline.
package audiocap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/retracehq/retrace/internal/metrics"
	"github.com/retracehq/retrace/internal/store"
	"github.com/retracehq/retrace/pkg/models"
)

// AudioSource supplies fixed-size frames of 16-bit PCM samples.
// Implementations block at the hardware rate; io.EOF ends the stream.
type AudioSource interface {
	ReadFrame(ctx context.Context) ([]int16, error)
	Close() error
}

// Config holds recorder construction parameters.
type Config struct {
	Source    AudioSource
	Store     *store.Store
	Catalog   *store.Catalog
	SessionID string

	SampleRate int
	Channels   int
	// VADThreshold is the normalized peak amplitude (0..1) above which a
	// frame counts as voiced.
	VADThreshold float64
	// SilenceDuration bounds retained silence: interior runs longer than
	// this are trimmed, and a run this long closes the chunk.
	SilenceDuration time.Duration
	// MaxChunkDuration closes a chunk regardless of activity.
	MaxChunkDuration time.Duration
}

// Stats is a point-in-time snapshot of recorder counters.
type Stats struct {
	Chunks        int64 `json:"chunks"`
	FramesRead    int64 `json:"frames_read"`
	SilentDropped int64 `json:"silent_dropped"`
	Errors        int64 `json:"errors"`
}

// Recorder is the audio capture loop.
type Recorder struct {
	cfg     Config
	metrics *metrics.Metrics

	chunks        atomic.Int64
	framesRead    atomic.Int64
	silentDropped atomic.Int64
	errs          atomic.Int64
}

// New creates an audio recorder.
func New(cfg Config) *Recorder {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.VADThreshold <= 0 {
		cfg.VADThreshold = 0.1
	}
	if cfg.SilenceDuration <= 0 {
		cfg.SilenceDuration = time.Second
	}
	if cfg.MaxChunkDuration <= 0 {
		cfg.MaxChunkDuration = 30 * time.Second
	}
	return &Recorder{cfg: cfg, metrics: metrics.DefaultMetrics}
}

// chunkState accumulates one in-progress chunk.
type chunkState struct {
	samples   []int16
	pending   []int16 // silence run not yet committed to the chunk
	startedAt time.Time
}

// Run consumes the audio source until ctx is cancelled or the source ends.
// Any open chunk is flushed before returning. Per-chunk failures never kill
// the loop.
func (r *Recorder) Run(ctx context.Context) error {
	var chunk *chunkState
	silenceSamples := int(float64(r.cfg.SampleRate*r.cfg.Channels) * r.cfg.SilenceDuration.Seconds())
	maxSamples := int(float64(r.cfg.SampleRate*r.cfg.Channels) * r.cfg.MaxChunkDuration.Seconds())

	for {
		if ctx.Err() != nil {
			r.commit(chunk)
			log.Info().Int64("chunks", r.chunks.Load()).Msg("Audio recorder stopped")
			return nil
		}

		frame, err := r.cfg.Source.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				r.commit(chunk)
				return nil
			}
			r.errs.Add(1)
			log.Warn().Err(err).Msg("Audio frame read failed")
			continue
		}
		r.framesRead.Add(1)

		voiced := frameVoiced(frame, r.cfg.VADThreshold)
		switch {
		case chunk == nil && !voiced:
			// Leading silence is not retained.
			r.silentDropped.Add(1)

		case chunk == nil:
			chunk = &chunkState{startedAt: time.Now()}
			chunk.samples = append(chunk.samples, frame...)

		case voiced:
			// Commit the pending interior silence, bounded so long pauses
			// are trimmed rather than stored.
			if len(chunk.pending) > silenceSamples {
				chunk.pending = chunk.pending[:silenceSamples]
			}
			chunk.samples = append(chunk.samples, chunk.pending...)
			chunk.pending = chunk.pending[:0]
			chunk.samples = append(chunk.samples, frame...)

		default:
			chunk.pending = append(chunk.pending, frame...)
			if len(chunk.pending) >= silenceSamples {
				// Sustained silence: close the chunk, trailing silence
				// discarded.
				r.commit(chunk)
				chunk = nil
			}
		}

		if chunk != nil && len(chunk.samples) >= maxSamples {
			r.commit(chunk)
			chunk = nil
		}
	}
}

// commit encodes and stores one chunk. Failures are logged, not propagated.
func (r *Recorder) commit(chunk *chunkState) {
	if chunk == nil || len(chunk.samples) == 0 {
		return
	}

	endedAt := time.Now()
	id := uuid.NewString()
	name := fmt.Sprintf("%d_%s.wav", chunk.startedAt.UnixMilli(), id[:8])

	blob := EncodeWAV(chunk.samples, r.cfg.SampleRate, r.cfg.Channels)
	ref, err := r.cfg.Store.SaveAudioBlob(name, blob)
	if err != nil {
		r.errs.Add(1)
		log.Warn().Err(err).Str("id", id).Msg("Failed to store audio chunk blob")
		return
	}

	rec := &models.AudioChunk{
		ID:             id,
		SessionID:      r.cfg.SessionID,
		StartedAt:      chunk.startedAt,
		StartedAtEpoch: chunk.startedAt.UnixMilli(),
		EndedAt:        endedAt,
		EndedAtEpoch:   endedAt.UnixMilli(),
		BlobRef:        ref,
		Samples:        len(chunk.samples),
		SampleRate:     r.cfg.SampleRate,
		Channels:       r.cfg.Channels,
	}
	if r.cfg.Catalog != nil {
		if err := r.cfg.Catalog.InsertAudioChunk(context.Background(), rec); err != nil {
			r.errs.Add(1)
			log.Warn().Err(err).Str("id", id).Msg("Failed to catalog audio chunk")
			return
		}
	}

	r.chunks.Add(1)
	r.metrics.AudioChunks.Add(context.Background(), 1)
	log.Debug().Str("id", id).Int("samples", len(chunk.samples)).Msg("Audio chunk committed")
}

// StatsSnapshot returns current recorder counters.
func (r *Recorder) StatsSnapshot() Stats {
	return Stats{
		Chunks:        r.chunks.Load(),
		FramesRead:    r.framesRead.Load(),
		SilentDropped: r.silentDropped.Load(),
		Errors:        r.errs.Load(),
	}
}

// frameVoiced classifies a frame by normalized peak amplitude. The peak is
// accumulated in an int so negating math.MinInt16 cannot wrap.
func frameVoiced(frame []int16, threshold float64) bool {
	peak := 0
	for _, s := range frame {
		v := int(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return float64(peak)/32768.0 >= threshold
}
