package textcap

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/retracehq/retrace/internal/metrics"
	"github.com/retracehq/retrace/internal/privacy"
	"github.com/retracehq/retrace/internal/store"
	"github.com/retracehq/retrace/pkg/models"
)

// Config holds engine construction parameters.
type Config struct {
	// IdleTimeout closes an open segment when no keystroke arrives for this
	// long (default 5s).
	IdleTimeout time.Duration
	// TokenLimit closes a segment on the keystroke that reaches it
	// (default 2000). The closing keystroke is included.
	TokenLimit int
	// Counter measures text against TokenLimit. Defaults to rune counting.
	Counter Counter

	Store *store.Store
	// Rules, if set, discards segments from excluded windows at close.
	Rules *privacy.Rules
}

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	Segments        int64 `json:"segments"`
	EventsDiscarded int64 `json:"events_discarded"`
	EmptyDiscarded  int64 `json:"empty_discarded"`
	PrivacyDrops    int64 `json:"privacy_drops"`
	SegmentOpen     bool  `json:"segment_open"`
}

// Engine is the text segmentation state machine: Idle until a printable
// keystroke opens a segment, Accumulating until a context switch closes it.
// All segment state is private to the Run goroutine; the only shared
// resource is the store.
type Engine struct {
	cfg     Config
	metrics *metrics.Metrics

	// Open-segment state, owned by the Run goroutine.
	open      bool
	buf       []rune
	startedAt time.Time
	segWindow string

	// currentWindow is the best-known focused window, tracked even while
	// Idle so a new segment opens with the right context.
	currentWindow string
	lastKeyAt     time.Time
	// lastEventAt guards against clock regression in the event stream.
	lastEventAt time.Time

	segments        atomic.Int64
	eventsDiscarded atomic.Int64
	emptyDiscarded  atomic.Int64
	privacyDrops    atomic.Int64
	segmentOpen     atomic.Bool
}

// New creates a segmentation engine.
func New(cfg Config) *Engine {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Second
	}
	if cfg.TokenLimit <= 0 {
		cfg.TokenLimit = 2000
	}
	if cfg.Counter == nil {
		cfg.Counter = runeCounter{}
	}
	return &Engine{cfg: cfg, metrics: metrics.DefaultMetrics}
}

// Run consumes the event stream until ctx is cancelled or the stream closes.
// Either way any open segment is force-closed with ExplicitFlush before
// returning.
func (e *Engine) Run(ctx context.Context, events <-chan models.InputEvent) error {
	idle := time.NewTimer(time.Hour)
	if !idle.Stop() {
		<-idle.C
	}

	for {
		// The idle timer only participates in the race while a segment is
		// open; an Idle engine just waits for the next event.
		var idleC <-chan time.Time
		if e.open {
			idleC = idle.C
		}

		select {
		case <-ctx.Done():
			// Shutdown append must not be cancelled along with the loops.
			e.closeSegment(context.Background(), time.Now(), models.EndReasonExplicitFlush)
			log.Info().Int64("segments", e.segments.Load()).Msg("Text segmentation engine stopped")
			return nil

		case ev, ok := <-events:
			if !ok {
				e.closeSegment(context.Background(), time.Now(), models.EndReasonExplicitFlush)
				return nil
			}
			e.handleEvent(ctx, ev, idle)

		case <-idleC:
			// EndedAt is pinned to lastKeyAt + timeout, independent of
			// timer jitter.
			e.closeSegment(ctx, e.lastKeyAt.Add(e.cfg.IdleTimeout), models.EndReasonKeyIdleTimeout)
		}
	}
}

// handleEvent applies one event to the state machine.
func (e *Engine) handleEvent(ctx context.Context, ev models.InputEvent, idle *time.Timer) {
	if !e.lastEventAt.IsZero() && ev.Timestamp.Before(e.lastEventAt) {
		e.eventsDiscarded.Add(1)
		e.metrics.EventsDropped.Add(ctx, 1)
		log.Warn().
			Str("kind", string(ev.Kind)).
			Time("timestamp", ev.Timestamp).
			Time("lastSeen", e.lastEventAt).
			Msg("Out-of-order input event discarded")
		return
	}
	e.lastEventAt = ev.Timestamp

	switch ev.Kind {
	case models.EventKeyPress:
		e.handleKey(ctx, ev, idle)

	case models.EventMouseClick:
		e.closeSegment(ctx, ev.Timestamp, models.EndReasonMouseClick)

	case models.EventFocusChange:
		// Only a different window is a context switch; rapid focus events
		// on the same window keep the segment open.
		if e.open && ev.Window != e.segWindow {
			e.closeSegment(ctx, ev.Timestamp, models.EndReasonFocusChange)
		}
		e.currentWindow = ev.Window

	default:
		e.eventsDiscarded.Add(1)
		e.metrics.EventsDropped.Add(ctx, 1)
		log.Warn().Str("kind", string(ev.Kind)).Msg("Unknown input event discarded")
	}
}

// handleKey applies one keyboard event. Only keys that produce visible text
// open or extend a segment; backspace edits one; other control keys are
// inert.
func (e *Engine) handleKey(ctx context.Context, ev models.InputEvent, idle *time.Timer) {
	if ev.Key == "backspace" {
		if e.open && len(e.buf) > 0 {
			e.buf = e.buf[:len(e.buf)-1]
			e.lastKeyAt = ev.Timestamp
			resetTimer(idle, e.cfg.IdleTimeout)
		}
		return
	}

	r, ok := eventText(ev)
	if !ok {
		return
	}

	if !e.open {
		e.open = true
		e.segmentOpen.Store(true)
		e.buf = e.buf[:0]
		e.startedAt = ev.Timestamp
		e.segWindow = e.currentWindow
	}
	e.buf = append(e.buf, r)
	e.lastKeyAt = ev.Timestamp
	resetTimer(idle, e.cfg.IdleTimeout)

	if e.cfg.Counter.Count(string(e.buf)) >= e.cfg.TokenLimit {
		// The keystroke that reached the limit is part of the segment.
		e.closeSegment(ctx, ev.Timestamp, models.EndReasonTokenLimitReached)
	}
}

// closeSegment emits the open segment, if any, and returns to Idle.
// Empty and whitespace-only segments are discarded, never persisted.
func (e *Engine) closeSegment(ctx context.Context, endedAt time.Time, reason models.EndReason) {
	if !e.open {
		return
	}
	e.open = false
	e.segmentOpen.Store(false)

	text := string(e.buf)
	e.buf = e.buf[:0]

	if strings.TrimSpace(text) == "" {
		e.emptyDiscarded.Add(1)
		log.Debug().Str("reason", string(reason)).Msg("Empty segment discarded")
		return
	}

	if e.cfg.Rules != nil && e.cfg.Rules.Excluded(e.segWindow) {
		e.privacyDrops.Add(1)
		e.metrics.PrivacySkips.Add(ctx, 1)
		log.Info().
			Str("window", e.segWindow).
			Int("chars", len(text)).
			Msg("Segment withheld by exclusion rules")
		return
	}

	// Strict ordering invariant: EndedAt must exceed StartedAt even when a
	// closing event carries the same timestamp as the opening keystroke.
	if !endedAt.After(e.startedAt) {
		endedAt = e.startedAt.Add(time.Nanosecond)
	}

	seg := &models.TextSegment{
		ID:         uuid.NewString(),
		StartedAt:  e.startedAt,
		EndedAt:    endedAt,
		Text:       text,
		EndReason:  reason,
		Window:     e.segWindow,
		TokenCount: e.cfg.Counter.Count(text),
	}

	if err := e.cfg.Store.AppendText(ctx, seg); err != nil {
		// The store has already queued or logged the record.
		log.Warn().Err(err).Str("id", seg.ID).Msg("Text segment append degraded")
	}
	e.segments.Add(1)
	e.metrics.RecordSegment(ctx, string(reason))
}

// StatsSnapshot returns current engine counters.
func (e *Engine) StatsSnapshot() Stats {
	return Stats{
		Segments:        e.segments.Load(),
		EventsDiscarded: e.eventsDiscarded.Load(),
		EmptyDiscarded:  e.emptyDiscarded.Load(),
		PrivacyDrops:    e.privacyDrops.Load(),
		SegmentOpen:     e.segmentOpen.Load(),
	}
}

// eventText maps a key event to the rune it contributes, if any. Named
// whitespace keys map to their characters; pure modifiers produce nothing.
func eventText(ev models.InputEvent) (rune, bool) {
	if ev.Rune != 0 {
		return ev.Rune, true
	}
	switch ev.Key {
	case "space":
		return ' ', true
	case "tab":
		return '\t', true
	case "enter", "return":
		return '\n', true
	}
	return 0, false
}

// resetTimer safely rearms a timer that may have fired or been stopped.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
