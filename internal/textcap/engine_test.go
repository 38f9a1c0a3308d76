package textcap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retracehq/retrace/internal/privacy"
	"github.com/retracehq/retrace/internal/store"
	"github.com/retracehq/retrace/pkg/models"
)

var t0 = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

// at returns t0 shifted by the given number of seconds.
func at(seconds int) time.Time {
	return t0.Add(time.Duration(seconds) * time.Second)
}

// harness runs an engine over a scripted event sequence and collects the
// segments it commits. Closing the event channel flushes and stops the run.
type harness struct {
	engine    *Engine
	events    chan models.InputEvent
	done      chan struct{}
	committed []*models.TextSegment
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		events: make(chan models.InputEvent),
		done:   make(chan struct{}),
	}
	st, err := store.Open(store.Config{
		SpoolDir:  t.TempDir(),
		SessionID: "textcap-test",
		OnCommit: func(rec store.CommittedRecord) {
			if rec.Log == store.LogText {
				h.committed = append(h.committed, rec.Text)
			}
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close(context.Background()) })

	cfg.Store = st
	h.engine = New(cfg)
	go func() {
		defer close(h.done)
		h.engine.Run(context.Background(), h.events)
	}()
	return h
}

func (h *harness) push(evs ...models.InputEvent) {
	for _, ev := range evs {
		h.events <- ev
	}
}

func (h *harness) finish(t *testing.T) []*models.TextSegment {
	t.Helper()
	close(h.events)
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop after stream close")
	}
	return h.committed
}

func TestEngine_MouseClickClosesSegment(t *testing.T) {
	h := newHarness(t, Config{IdleTimeout: time.Hour})
	h.push(
		models.KeyPress('h', at(0)),
		models.KeyPress('i', at(1)),
		models.MouseClick(at(5)),
	)

	segs := h.finish(t)
	require.Len(t, segs, 1)
	assert.Equal(t, "hi", segs[0].Text)
	assert.True(t, segs[0].StartedAt.Equal(at(0)))
	assert.True(t, segs[0].EndedAt.Equal(at(5)))
	assert.Equal(t, models.EndReasonMouseClick, segs[0].EndReason)
}

func TestEngine_TokenLimitClosesOnReachingKeystroke(t *testing.T) {
	h := newHarness(t, Config{IdleTimeout: time.Hour, TokenLimit: 3})
	h.push(
		models.KeyPress('a', at(0)),
		models.KeyPress('b', at(1)),
		models.KeyPress('c', at(2)),
		models.KeyPress('d', at(3)),
	)

	segs := h.finish(t)
	require.Len(t, segs, 2)

	// The limit-reaching keystroke is included, nothing dropped at the boundary.
	assert.Equal(t, "abc", segs[0].Text)
	assert.True(t, segs[0].EndedAt.Equal(at(2)))
	assert.Equal(t, models.EndReasonTokenLimitReached, segs[0].EndReason)
	assert.Equal(t, 3, segs[0].TokenCount)

	// A fresh segment opened at the next keystroke; stream close flushed it.
	assert.Equal(t, "d", segs[1].Text)
	assert.True(t, segs[1].StartedAt.Equal(at(3)))
	assert.Equal(t, models.EndReasonExplicitFlush, segs[1].EndReason)
}

func TestEngine_IdleTimeoutClosesSegment(t *testing.T) {
	h := newHarness(t, Config{IdleTimeout: 50 * time.Millisecond})
	h.push(models.KeyPress('x', at(0)))

	// Wait for the timer to fire without any further events.
	require.Eventually(t, func() bool {
		return h.engine.StatsSnapshot().Segments == 1
	}, 2*time.Second, 10*time.Millisecond)

	segs := h.finish(t)
	require.Len(t, segs, 1)
	assert.Equal(t, "x", segs[0].Text)
	assert.Equal(t, models.EndReasonKeyIdleTimeout, segs[0].EndReason)
	// EndedAt is the last keystroke plus the timeout, not the timer fire time.
	assert.True(t, segs[0].EndedAt.Equal(at(0).Add(50*time.Millisecond)))
}

func TestEngine_FocusChange(t *testing.T) {
	h := newHarness(t, Config{IdleTimeout: time.Hour})
	h.push(
		models.FocusChange("editor", at(0)),
		models.KeyPress('a', at(1)),
		// Same window: not a context switch.
		models.FocusChange("editor", at(2)),
		models.KeyPress('b', at(3)),
		// Different window: closes the segment.
		models.FocusChange("browser", at(4)),
		models.KeyPress('c', at(5)),
	)

	segs := h.finish(t)
	require.Len(t, segs, 2)

	assert.Equal(t, "ab", segs[0].Text)
	assert.Equal(t, models.EndReasonFocusChange, segs[0].EndReason)
	assert.Equal(t, "editor", segs[0].Window)
	assert.True(t, segs[0].EndedAt.Equal(at(4)))

	// The new segment carries the new window context.
	assert.Equal(t, "c", segs[1].Text)
	assert.Equal(t, "browser", segs[1].Window)
}

func TestEngine_EmptyAndWhitespaceSegmentsDiscarded(t *testing.T) {
	h := newHarness(t, Config{IdleTimeout: time.Hour})
	h.push(
		// Whitespace-only accumulation.
		models.KeyNamed("space", at(0)),
		models.KeyNamed("tab", at(1)),
		models.MouseClick(at(2)),
		// Typed then fully backspaced.
		models.KeyPress('z', at(3)),
		models.KeyNamed("backspace", at(4)),
		models.MouseClick(at(5)),
	)

	segs := h.finish(t)
	assert.Empty(t, segs)
	assert.Equal(t, int64(2), h.engine.StatsSnapshot().EmptyDiscarded)
}

func TestEngine_ModifierKeysAreInert(t *testing.T) {
	h := newHarness(t, Config{IdleTimeout: time.Hour})
	h.push(
		models.KeyNamed("shift", at(0)),
		models.KeyNamed("ctrl", at(1)),
	)

	segs := h.finish(t)
	assert.Empty(t, segs)
	assert.False(t, h.engine.StatsSnapshot().SegmentOpen)
}

func TestEngine_BackspaceTrimsAndWhitespaceKeysMap(t *testing.T) {
	h := newHarness(t, Config{IdleTimeout: time.Hour})
	h.push(
		models.KeyPress('h', at(0)),
		models.KeyPress('u', at(1)),
		models.KeyNamed("backspace", at(2)),
		models.KeyPress('i', at(3)),
		models.KeyNamed("space", at(4)),
		models.KeyPress('!', at(5)),
		models.MouseClick(at(6)),
	)

	segs := h.finish(t)
	require.Len(t, segs, 1)
	assert.Equal(t, "hi !", segs[0].Text)
}

func TestEngine_OutOfOrderEventsDiscarded(t *testing.T) {
	h := newHarness(t, Config{IdleTimeout: time.Hour})
	h.push(
		models.KeyPress('a', at(5)),
		// Timestamp regression: must be discarded, clock never regresses.
		models.KeyPress('b', at(3)),
		models.KeyPress('c', at(6)),
		models.MouseClick(at(7)),
	)

	segs := h.finish(t)
	require.Len(t, segs, 1)
	assert.Equal(t, "ac", segs[0].Text)
	assert.Equal(t, int64(1), h.engine.StatsSnapshot().EventsDiscarded)
}

func TestEngine_SegmentsOrderedAndNonOverlapping(t *testing.T) {
	h := newHarness(t, Config{IdleTimeout: time.Hour, TokenLimit: 2})
	h.push(
		models.KeyPress('a', at(0)),
		models.KeyPress('b', at(1)), // limit: closes
		models.KeyPress('c', at(2)),
		models.KeyPress('d', at(3)), // limit: closes
		models.KeyPress('e', at(4)),
		models.MouseClick(at(5)),
	)

	segs := h.finish(t)
	require.Len(t, segs, 3)
	for i, seg := range segs {
		assert.True(t, seg.StartedAt.Before(seg.EndedAt), "segment %d start must precede end", i)
		assert.NotEmpty(t, seg.Text)
		if i > 0 {
			prev := segs[i-1]
			assert.False(t, seg.StartedAt.Before(prev.EndedAt), "segment %d overlaps its predecessor", i)
			assert.Greater(t, seg.Seq, prev.Seq)
		}
	}
}

func TestEngine_SameTimestampCloseClampsEnd(t *testing.T) {
	h := newHarness(t, Config{IdleTimeout: time.Hour})
	h.push(
		models.KeyPress('q', at(0)),
		models.MouseClick(at(0)),
	)

	segs := h.finish(t)
	require.Len(t, segs, 1)
	assert.Equal(t, "q", segs[0].Text)
	assert.True(t, segs[0].StartedAt.Before(segs[0].EndedAt))
}

func TestEngine_ExcludedWindowSegmentNeverPersisted(t *testing.T) {
	rules, err := privacy.Compile([]string{"1Password*"}, nil)
	require.NoError(t, err)

	h := newHarness(t, Config{IdleTimeout: time.Hour, Rules: rules})
	h.push(
		models.FocusChange("1Password - Vault", at(0)),
		models.KeyPress('s', at(1)),
		models.KeyPress('3', at(2)),
		models.FocusChange("editor", at(3)),
		models.KeyPress('o', at(4)),
		models.KeyPress('k', at(5)),
		models.MouseClick(at(6)),
	)

	segs := h.finish(t)
	require.Len(t, segs, 1)
	assert.Equal(t, "ok", segs[0].Text)
	assert.Equal(t, int64(1), h.engine.StatsSnapshot().PrivacyDrops)
}

func TestEngine_CancelFlushesOpenSegment(t *testing.T) {
	var flushed []*models.TextSegment
	spool := t.TempDir()
	st, err := store.Open(store.Config{
		SpoolDir:  spool,
		SessionID: "textcap-cancel",
		OnCommit: func(rec store.CommittedRecord) {
			if rec.Log == store.LogText {
				flushed = append(flushed, rec.Text)
			}
		},
	})
	require.NoError(t, err)
	defer st.Close(context.Background())

	engine := New(Config{
		IdleTimeout: time.Hour,
		Store:       st,
	})

	events := make(chan models.InputEvent)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		engine.Run(ctx, events)
	}()

	events <- models.KeyPress('w', at(0))
	events <- models.KeyPress('x', at(1))
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop after cancellation")
	}

	// The open segment was force-closed and persisted despite cancellation.
	require.Len(t, flushed, 1)
	assert.Equal(t, "wx", flushed[0].Text)
	assert.Equal(t, models.EndReasonExplicitFlush, flushed[0].EndReason)
}
