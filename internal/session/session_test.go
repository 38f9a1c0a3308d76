package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retracehq/retrace/internal/config"
	"github.com/retracehq/retrace/internal/ocr"
	"github.com/retracehq/retrace/internal/ocr/static"
	"github.com/retracehq/retrace/internal/source"
	"github.com/retracehq/retrace/internal/source/sim"
	"github.com/retracehq/retrace/internal/store"
	"github.com/retracehq/retrace/pkg/models"
)

type fixture struct {
	session   *Session
	events    *sim.EventSource
	catalog   *store.Catalog
	committed *[]store.CommittedRecord
}

func newFixture(t *testing.T, cfg config.Config) *fixture {
	t.Helper()
	dir := t.TempDir()

	catalog, err := store.NewCatalog(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { catalog.Close() })

	var committed []store.CommittedRecord
	st, err := store.Open(store.Config{
		SpoolDir:  filepath.Join(dir, "spool"),
		SessionID: "session-test",
		Catalog:   catalog,
		OnCommit: func(rec store.CommittedRecord) {
			committed = append(committed, rec)
		},
	})
	require.NoError(t, err)

	events := sim.NewEventSource(64)
	frames := sim.NewFrameSource(sim.FrameStep{Frame: &source.Frame{Data: []byte("frame")}})
	extractor := static.New(static.Step{Result: &ocr.Result{Lines: []models.OCRLine{{Text: "screen text", Confidence: 90}}}})

	sess, err := New(cfg, Deps{
		Store:     st,
		Catalog:   catalog,
		Frames:    frames,
		Events:    events,
		Extractor: extractor,
	})
	require.NoError(t, err)

	return &fixture{session: sess, events: events, catalog: catalog, committed: &committed}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.CaptureIntervalSeconds = 0.01
	cfg.IdleTimeoutSeconds = 3600
	cfg.DrainDeadlineSeconds = 5
	return cfg
}

func TestSession_StopFlushesOpenSegment(t *testing.T) {
	f := newFixture(t, testConfig())
	require.NoError(t, f.session.Start(context.Background()))

	now := time.Now()
	f.events.Push(models.KeyPress('h', now))
	f.events.Push(models.KeyPress('i', now.Add(time.Second)))

	// Let the engine consume the events before stopping.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, f.session.Stop())

	var segments []*models.TextSegment
	for _, rec := range *f.committed {
		if rec.Log == store.LogText {
			segments = append(segments, rec.Text)
		}
	}
	require.Len(t, segments, 1)
	assert.Equal(t, "hi", segments[0].Text)
	assert.Equal(t, models.EndReasonExplicitFlush, segments[0].EndReason)
}

func TestSession_StopIdempotent(t *testing.T) {
	f := newFixture(t, testConfig())
	require.NoError(t, f.session.Start(context.Background()))

	first := f.session.Stop()
	second := f.session.Stop()
	assert.Equal(t, first, second)
	assert.NoError(t, first)

	// The catalog session is completed exactly once.
	sess, err := f.catalog.GetSession(context.Background(), f.session.ID)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, models.SessionStatusCompleted, sess.Status)
}

func TestSession_ScreenLoopProducesRecords(t *testing.T) {
	f := newFixture(t, testConfig())
	require.NoError(t, f.session.Start(context.Background()))

	// At a 10ms cadence the first differing frame commits quickly; all
	// later identical frames are deduplicated.
	require.Eventually(t, func() bool {
		return f.session.StatusSnapshot().Screen.Records >= 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.session.Stop())

	status := f.session.StatusSnapshot()
	assert.Equal(t, int64(1), status.Screen.Records)
	assert.Greater(t, status.Screen.DedupSkips, int64(0))
	assert.False(t, status.Degraded)
}

func TestSession_StatusSnapshot(t *testing.T) {
	f := newFixture(t, testConfig())
	require.NoError(t, f.session.Start(context.Background()))
	defer f.session.Stop()

	status := f.session.StatusSnapshot()
	assert.Equal(t, f.session.ID, status.SessionID)
	assert.Nil(t, status.Audio) // audio disabled by default
	assert.False(t, status.StartedAt.IsZero())
}

func TestSession_RejectsUnknownCounter(t *testing.T) {
	cfg := testConfig()
	cfg.TokenCounter = "nonsense"

	_, err := New(cfg, Deps{})
	assert.Error(t, err)
}
