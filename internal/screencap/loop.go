// Package screencap drives the screen capture loop: a fixed-cadence tick
// pulls one frame, deduplicates it against the previous tick, extracts text,
// and commits a ScreenRecord to the durable store.
package screencap

import (
	"context"
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/blake2b"

	"github.com/retracehq/retrace/internal/metrics"
	"github.com/retracehq/retrace/internal/ocr"
	"github.com/retracehq/retrace/internal/privacy"
	"github.com/retracehq/retrace/internal/source"
	"github.com/retracehq/retrace/internal/store"
	"github.com/retracehq/retrace/pkg/models"
)

// Config holds loop construction parameters.
type Config struct {
	// Interval is the capture cadence (default 2s).
	Interval time.Duration
	// QueueDepth bounds how many due ticks may wait while a slow extraction
	// runs. Ticks beyond the bound are dropped and counted.
	QueueDepth int

	Frames    source.FrameSource
	Extractor ocr.Extractor
	Store     *store.Store
	// Rules, if set, withholds frames from excluded windows before OCR.
	Rules *privacy.Rules
}

// Stats is a point-in-time snapshot of loop counters.
type Stats struct {
	Ticks         int64 `json:"ticks"`
	DedupSkips    int64 `json:"dedup_skips"`
	CaptureErrors int64 `json:"capture_errors"`
	OCRErrors     int64 `json:"ocr_errors"`
	PrivacySkips  int64 `json:"privacy_skips"`
	Records       int64 `json:"records"`
	QueueDrops    int64 `json:"queue_drops"`
}

// Loop is the screen capture loop. The dedup hash is private to the loop;
// the only shared resource is the store.
type Loop struct {
	cfg     Config
	metrics *metrics.Metrics

	// lastHash fingerprints the previous successfully extracted frame.
	lastHash string

	ticks         atomic.Int64
	dedupSkips    atomic.Int64
	captureErrors atomic.Int64
	ocrErrors     atomic.Int64
	privacySkips  atomic.Int64
	records       atomic.Int64
	queueDrops    atomic.Int64
}

// New creates a screen capture loop.
func New(cfg Config) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 4
	}
	return &Loop{cfg: cfg, metrics: metrics.DefaultMetrics}
}

// Run drives the loop until ctx is cancelled. A scheduler goroutine queues
// due ticks at the wall-clock cadence while this goroutine processes them
// serially, so one slow extraction delays processing but never scheduling,
// and OCR calls are never concurrent.
func (l *Loop) Run(ctx context.Context) error {
	tickCh := make(chan time.Time, l.cfg.QueueDepth)

	go func() {
		defer close(tickCh)
		ticker := time.NewTicker(l.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case at := <-ticker.C:
				select {
				case tickCh <- at:
				default:
					l.queueDrops.Add(1)
					log.Warn().Time("due", at).Msg("Tick queue full, due tick dropped")
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Int64("ticks", l.ticks.Load()).Msg("Screen capture loop stopped")
			return nil
		case at, ok := <-tickCh:
			if !ok {
				return nil
			}
			l.tick(ctx, at)
		}
	}
}

// tick handles one scheduled capture. Every failure path is local: a bad
// frame or extraction never stalls the cadence.
func (l *Loop) tick(ctx context.Context, due time.Time) {
	l.ticks.Add(1)
	l.metrics.Ticks.Add(ctx, 1)

	frame, err := l.cfg.Frames.CaptureFrame(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		l.captureErrors.Add(1)
		l.metrics.CaptureErrors.Add(ctx, 1)
		log.Warn().Err(err).Time("due", due).Msg("Frame capture failed, tick skipped")
		return
	}

	sum := blake2b.Sum256(frame.Data)
	hash := hex.EncodeToString(sum[:])
	if hash == l.lastHash {
		l.dedupSkips.Add(1)
		l.metrics.DedupSkips.Add(ctx, 1)
		return
	}

	if l.cfg.Rules != nil && l.cfg.Rules.Excluded(frame.Window) {
		l.privacySkips.Add(1)
		l.metrics.PrivacySkips.Add(ctx, 1)
		l.lastHash = hash
		log.Debug().Str("window", frame.Window).Msg("Frame withheld by exclusion rules")
		return
	}

	result, err := l.cfg.Extractor.ExtractText(ctx, frame)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		// Hash deliberately not updated: an unchanged frame gets another
		// extraction attempt next tick.
		l.ocrErrors.Add(1)
		l.metrics.OCRErrors.Add(ctx, 1)
		log.Warn().Err(err).Time("due", due).Msg("Text extraction failed, tick skipped")
		return
	}
	l.lastHash = hash

	capturedAt := frame.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = due
	}
	rec := &models.ScreenRecord{
		ID:         uuid.NewString(),
		CapturedAt: capturedAt,
		Lines:      result.Lines,
		DedupHash:  hash,
		Window:     frame.Window,
	}

	if err := l.cfg.Store.AppendScreen(ctx, rec, frame.Data); err != nil {
		// The store has already queued or logged the record; the loop
		// keeps its cadence.
		log.Warn().Err(err).Str("id", rec.ID).Msg("Screen record append degraded")
		return
	}
	l.records.Add(1)
}

// StatsSnapshot returns current loop counters.
func (l *Loop) StatsSnapshot() Stats {
	return Stats{
		Ticks:         l.ticks.Load(),
		DedupSkips:    l.dedupSkips.Load(),
		CaptureErrors: l.captureErrors.Load(),
		OCRErrors:     l.ocrErrors.Load(),
		PrivacySkips:  l.privacySkips.Load(),
		Records:       l.records.Load(),
		QueueDrops:    l.queueDrops.Load(),
	}
}
