// Package session orchestrates one capture session: it owns the store
// handle and the capture loops, and coordinates startup, shutdown, and the
// final flush.
package session

import (
	"context"
	"errors"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/retracehq/retrace/internal/audiocap"
	"github.com/retracehq/retrace/internal/config"
	"github.com/retracehq/retrace/internal/ocr"
	"github.com/retracehq/retrace/internal/privacy"
	"github.com/retracehq/retrace/internal/screencap"
	"github.com/retracehq/retrace/internal/source"
	"github.com/retracehq/retrace/internal/store"
	"github.com/retracehq/retrace/internal/textcap"
	"github.com/retracehq/retrace/pkg/models"
)

// ErrDrainTimeout is returned by Stop when in-flight work could not be
// drained within the configured deadline and was abandoned.
var ErrDrainTimeout = errors.New("shutdown drain deadline exceeded")

// Deps are the external collaborators a session consumes.
type Deps struct {
	// SessionID, when set, pins the session identity; the store partition
	// must be opened under the same ID. Empty generates a fresh one.
	SessionID string

	Store     *store.Store
	Catalog   *store.Catalog
	Frames    source.FrameSource
	Events    source.EventSource
	Extractor ocr.Extractor
	// Audio is optional; nil disables the audio loop regardless of config.
	Audio audiocap.AudioSource
	Rules *privacy.Rules
}

// Status is the session snapshot served by the control plane.
type Status struct {
	SessionID     string          `json:"session_id"`
	StartedAt     time.Time       `json:"started_at"`
	UptimeSeconds float64         `json:"uptime_seconds"`
	Degraded      bool            `json:"degraded"`
	Screen        screencap.Stats `json:"screen"`
	Text          textcap.Stats   `json:"text"`
	Audio         *audiocap.Stats `json:"audio,omitempty"`
	Store         store.Stats     `json:"store"`
}

// Session owns the lifecycle of the capture loops. Created at startup, torn
// down exactly once.
type Session struct {
	ID string

	cfg  config.Config
	deps Deps

	screen *screencap.Loop
	text   *textcap.Engine
	audio  *audiocap.Recorder

	cancel    context.CancelFunc
	group     *errgroup.Group
	startedAt time.Time

	stopOnce sync.Once
	stopErr  error
}

// New builds a session from configuration and collaborators.
func New(cfg config.Config, deps Deps) (*Session, error) {
	id := deps.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	counter, err := textcap.NewCounter(cfg.TokenCounter)
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:   id,
		cfg:  cfg,
		deps: deps,
	}
	s.screen = screencap.New(screencap.Config{
		Interval:   cfg.CaptureInterval(),
		QueueDepth: cfg.TickQueueDepth,
		Frames:     deps.Frames,
		Extractor:  deps.Extractor,
		Store:      deps.Store,
		Rules:      deps.Rules,
	})
	s.text = textcap.New(textcap.Config{
		IdleTimeout: cfg.IdleTimeout(),
		TokenLimit:  cfg.TokenLimit,
		Counter:     counter,
		Store:       deps.Store,
		Rules:       deps.Rules,
	})
	if cfg.AudioEnabled && deps.Audio != nil {
		s.audio = audiocap.New(audiocap.Config{
			Source:           deps.Audio,
			Store:            deps.Store,
			Catalog:          deps.Catalog,
			SessionID:        id,
			SampleRate:       cfg.SampleRate,
			Channels:         cfg.Channels,
			VADThreshold:     cfg.VADThreshold,
			SilenceDuration:  cfg.SilenceDuration(),
			MaxChunkDuration: cfg.MaxChunkDuration(),
		})
	}
	return s, nil
}

// Start registers the session in the catalog and spins the loops. Returns
// once everything is running.
func (s *Session) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.startedAt = time.Now()

	if s.deps.Catalog != nil {
		host, _ := os.Hostname()
		sess := &models.Session{
			ID:             s.ID,
			Host:           host,
			Platform:       runtime.GOOS,
			StartedAt:      s.startedAt.Format(time.RFC3339),
			StartedAtEpoch: s.startedAt.UnixMilli(),
		}
		if err := s.deps.Catalog.CreateSession(context.Background(), sess); err != nil {
			cancel()
			return err
		}
	}

	group, groupCtx := errgroup.WithContext(runCtx)
	s.group = group

	group.Go(func() error {
		return s.screen.Run(groupCtx)
	})
	group.Go(func() error {
		return s.text.Run(groupCtx, s.deps.Events.Events())
	})
	if s.audio != nil {
		group.Go(func() error {
			return s.audio.Run(groupCtx)
		})
	}

	log.Info().
		Str("sessionId", s.ID).
		Dur("captureInterval", s.cfg.CaptureInterval()).
		Dur("idleTimeout", s.cfg.IdleTimeout()).
		Bool("audio", s.audio != nil).
		Msg("Capture session started")
	return nil
}

// Stop shuts the session down: no new ticks or events are accepted, any open
// segment is force-closed, and the store is flushed, all bounded by the
// drain deadline. Idempotent; repeated calls return the first result.
func (s *Session) Stop() error {
	s.stopOnce.Do(func() {
		s.stopErr = s.stop()
	})
	return s.stopErr
}

func (s *Session) stop() error {
	log.Info().Str("sessionId", s.ID).Msg("Stopping capture session")
	if s.cancel != nil {
		s.cancel()
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), s.cfg.DrainDeadline())
	defer cancelDrain()

	var result error
	if s.group != nil {
		done := make(chan struct{})
		go func() {
			// Loop Run methods only return nil; the wait is for drain.
			_ = s.group.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-drainCtx.Done():
			result = ErrDrainTimeout
			log.Error().
				Str("sessionId", s.ID).
				Dur("deadline", s.cfg.DrainDeadline()).
				Msg("Drain deadline exceeded, abandoning in-flight work")
		}
	}

	if s.deps.Events != nil {
		if err := s.deps.Events.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close event source")
		}
	}
	if err := s.deps.Store.Flush(drainCtx); err != nil {
		log.Warn().Err(err).Msg("Final flush incomplete")
	}
	if err := s.deps.Store.Close(drainCtx); err != nil {
		log.Warn().Err(err).Msg("Store close failed")
	}
	if s.deps.Catalog != nil {
		if err := s.deps.Catalog.CompleteSession(context.Background(), s.ID); err != nil {
			log.Warn().Err(err).Msg("Failed to mark session completed")
		}
	}

	log.Info().Str("sessionId", s.ID).Msg("Capture session stopped")
	return result
}

// Flush forces buffered store state to durable storage.
func (s *Session) Flush(ctx context.Context) error {
	return s.deps.Store.Flush(ctx)
}

// Rotate begins a new storage partition.
func (s *Session) Rotate(ctx context.Context) error {
	return s.deps.Store.Rotate(ctx)
}

// StatusSnapshot returns the current session state for the control plane.
func (s *Session) StatusSnapshot() Status {
	status := Status{
		SessionID:     s.ID,
		StartedAt:     s.startedAt,
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		Degraded:      s.deps.Store.Degraded(),
		Screen:        s.screen.StatsSnapshot(),
		Text:          s.text.StatsSnapshot(),
		Store:         s.deps.Store.StatsSnapshot(),
	}
	if s.audio != nil {
		stats := s.audio.StatsSnapshot()
		status.Audio = &stats
	}
	return status
}
