package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/retracehq/retrace/internal/metrics"
	"github.com/retracehq/retrace/pkg/models"
)

// LogName identifies one of the two per-partition append logs.
type LogName string

const (
	LogScreen LogName = "screen"
	LogText   LogName = "text"
)

// StorageError wraps an underlying storage failure. Callers branch with
// errors.As; the capture loops treat it as non-fatal.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// CommittedRecord is handed to the commit observer after a record is durable.
// Exactly one of Screen/Text is set, matching Log.
type CommittedRecord struct {
	Log    LogName
	Screen *models.ScreenRecord
	Text   *models.TextSegment
}

// Config holds store construction parameters.
type Config struct {
	// SpoolDir is the root spool directory; the store manages
	// SpoolDir/<SessionID>/<partition>/.
	SpoolDir  string
	SessionID string

	MaxOverflowRecords int
	RetryAttempts      int
	RetryBackoff       time.Duration

	// Catalog is optional bookkeeping; nil disables catalog updates.
	Catalog *Catalog

	// OnCommit, if set, is invoked after each durable append, outside the
	// store lock.
	OnCommit func(CommittedRecord)
}

// Stats is a point-in-time snapshot for the status endpoint.
type Stats struct {
	Partition     string `json:"partition"`
	Seq           uint64 `json:"seq"`
	ScreenRecords int64  `json:"screen_records"`
	TextSegments  int64  `json:"text_segments"`
	Appends       int64  `json:"appends"`
	Retries       int64  `json:"retries"`
	OverflowDepth int    `json:"overflow_depth"`
	OverflowDrops int64  `json:"overflow_drops"`
	Degraded      bool   `json:"degraded"`
}

// partition is the currently open storage window.
type partition struct {
	name        string
	day         string
	dir         string
	screen      *WAL
	text        *WAL
	screenCount int64
	textCount   int64
}

// Store is the durable record store shared by the capture loops. Appends
// from concurrent callers are serialized internally; a record is durable
// when Append returns nil.
type Store struct {
	cfg Config

	mu        sync.Mutex
	part      *partition
	partIndex int
	seq       uint64
	overflow  *overflowRing
	closed    bool

	appends       atomic.Int64
	retries       atomic.Int64
	overflowDrops atomic.Int64
	degraded      atomic.Bool

	drainStop chan struct{}
	drainDone chan struct{}

	watcher *spoolWatcher

	metrics *metrics.Metrics
}

// seqOnly extracts the sequence field during reopen recovery.
type seqOnly struct {
	Seq uint64 `json:"seq"`
}

// Open creates or reopens the store for a session, recovering the sequence
// counter from the catalog and any existing partition logs.
func Open(cfg Config) (*Store, error) {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 50 * time.Millisecond
	}
	if cfg.MaxOverflowRecords <= 0 {
		cfg.MaxOverflowRecords = 256
	}

	s := &Store{
		cfg:       cfg,
		overflow:  newOverflowRing(cfg.MaxOverflowRecords),
		drainStop: make(chan struct{}),
		drainDone: make(chan struct{}),
		metrics:   metrics.DefaultMetrics,
	}

	if err := os.MkdirAll(s.sessionDir(), 0o755); err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}

	if cfg.Catalog != nil {
		seq, err := cfg.Catalog.LastSeq(context.Background(), cfg.SessionID)
		if err != nil {
			return nil, &StorageError{Op: "open", Err: err}
		}
		s.seq = seq
	}

	s.mu.Lock()
	err := s.openPartitionLocked(time.Now().Format("2006-01-02"))
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	go s.drainLoop()
	return s, nil
}

func (s *Store) sessionDir() string {
	return filepath.Join(s.cfg.SpoolDir, s.cfg.SessionID)
}

// openPartitionLocked opens (or reopens after a crash) the named partition
// and recovers the sequence counter from its logs.
func (s *Store) openPartitionLocked(name string) error {
	dir := filepath.Join(s.sessionDir(), name)
	for _, sub := range []string{dir, filepath.Join(dir, "images"), filepath.Join(dir, "audio")} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return &StorageError{Op: "open partition", Err: err}
		}
	}

	screen, err := OpenWAL(filepath.Join(dir, "screen.wal"))
	if err != nil {
		return &StorageError{Op: "open partition", Err: err}
	}
	text, err := OpenWAL(filepath.Join(dir, "text.wal"))
	if err != nil {
		screen.Close()
		return &StorageError{Op: "open partition", Err: err}
	}

	part := &partition{
		name:   name,
		day:    name[:len("2006-01-02")],
		dir:    dir,
		screen: screen,
		text:   text,
	}

	// Recover seq and counts from existing frames (crash reopen).
	for _, walPath := range []string{screen.Path(), text.Path()} {
		payloads, err := ReadAll(walPath)
		if err != nil {
			continue
		}
		for _, payload := range payloads {
			var rec seqOnly
			if json.Unmarshal(payload, &rec) == nil && rec.Seq > s.seq {
				s.seq = rec.Seq
			}
		}
		if walPath == screen.Path() {
			part.screenCount = int64(len(payloads))
		} else {
			part.textCount = int64(len(payloads))
		}
	}

	if s.cfg.Catalog != nil {
		if err := s.cfg.Catalog.OpenPartition(context.Background(), s.cfg.SessionID, name); err != nil {
			log.Warn().Err(err).Str("partition", name).Msg("Failed to record partition in catalog")
		}
	}

	s.part = part
	log.Info().
		Str("partition", name).
		Uint64("seq", s.seq).
		Msg("Partition opened")
	return nil
}

// sealPartitionLocked syncs, closes, and catalogs the current partition.
func (s *Store) sealPartitionLocked(ctx context.Context) {
	part := s.part
	if part == nil {
		return
	}
	if err := part.screen.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close screen log")
	}
	if err := part.text.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close text log")
	}
	if s.cfg.Catalog != nil {
		err := s.cfg.Catalog.SealPartition(ctx, s.cfg.SessionID, part.name,
			part.screenCount, part.textCount, s.seq)
		if err != nil {
			log.Warn().Err(err).Str("partition", part.name).Msg("Failed to seal partition in catalog")
		}
	}
	log.Info().
		Str("partition", part.name).
		Int64("screenRecords", part.screenCount).
		Int64("textSegments", part.textCount).
		Msg("Partition sealed")
	s.part = nil
}

// rotateIfDayChangedLocked auto-rotates when the wall-clock day has moved on
// since the partition was opened.
func (s *Store) rotateIfDayChangedLocked(ctx context.Context) error {
	day := time.Now().Format("2006-01-02")
	if s.part != nil && s.part.day == day {
		return nil
	}
	s.sealPartitionLocked(ctx)
	s.partIndex = 0
	return s.openPartitionLocked(day)
}

// AppendScreen durably appends a screen record. When frame is non-nil the
// raw image is stored first and rec.ImageRef set to its partition-relative
// path. Seq and epoch fields are assigned by the store.
func (s *Store) AppendScreen(ctx context.Context, rec *models.ScreenRecord, frame []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &StorageError{Op: "append", Err: fmt.Errorf("store closed")}
	}
	if err := s.rotateIfDayChangedLocked(ctx); err != nil {
		s.mu.Unlock()
		return err
	}

	s.seq++
	rec.Seq = s.seq
	rec.SessionID = s.cfg.SessionID
	rec.CapturedAtEpoch = rec.CapturedAt.UnixMilli()

	if frame != nil {
		ref, err := s.saveImageLocked(rec, frame)
		if err != nil {
			log.Warn().Err(err).Str("id", rec.ID).Msg("Failed to store frame blob, record kept without image")
		} else {
			rec.ImageRef = ref
		}
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		s.mu.Unlock()
		return &StorageError{Op: "append", Err: err}
	}

	desc := fmt.Sprintf("screen record %s captured at %s", rec.ID, rec.CapturedAt.Format(time.RFC3339Nano))
	committed := CommittedRecord{Log: LogScreen, Screen: rec}
	appendErr := s.appendLocked(ctx, LogScreen, payload, desc, committed)
	if appendErr == nil {
		s.part.screenCount++
	}
	s.mu.Unlock()

	if appendErr == nil {
		s.metrics.ScreenRecords.Add(ctx, 1)
		if s.cfg.OnCommit != nil {
			s.cfg.OnCommit(committed)
		}
	}
	return appendErr
}

// AppendText durably appends a text segment. Seq and epoch fields are
// assigned by the store.
func (s *Store) AppendText(ctx context.Context, seg *models.TextSegment) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &StorageError{Op: "append", Err: fmt.Errorf("store closed")}
	}
	if err := s.rotateIfDayChangedLocked(ctx); err != nil {
		s.mu.Unlock()
		return err
	}

	s.seq++
	seg.Seq = s.seq
	seg.SessionID = s.cfg.SessionID
	seg.StartedAtEpoch = seg.StartedAt.UnixMilli()
	seg.EndedAtEpoch = seg.EndedAt.UnixMilli()

	payload, err := json.Marshal(seg)
	if err != nil {
		s.mu.Unlock()
		return &StorageError{Op: "append", Err: err}
	}

	desc := fmt.Sprintf("text segment %s (%d chars) started at %s", seg.ID, len(seg.Text), seg.StartedAt.Format(time.RFC3339Nano))
	committed := CommittedRecord{Log: LogText, Text: seg}
	appendErr := s.appendLocked(ctx, LogText, payload, desc, committed)
	if appendErr == nil {
		s.part.textCount++
	}
	s.mu.Unlock()

	if appendErr == nil {
		if s.cfg.OnCommit != nil {
			s.cfg.OnCommit(committed)
		}
	}
	return appendErr
}

// saveImageLocked writes the raw frame blob into the current partition.
func (s *Store) saveImageLocked(rec *models.ScreenRecord, frame []byte) (string, error) {
	hash := rec.DedupHash
	if len(hash) > 12 {
		hash = hash[:12]
	}
	name := fmt.Sprintf("%d_%s.png", rec.CapturedAt.UnixMilli(), hash)
	path := filepath.Join(s.part.dir, "images", name)
	if err := os.WriteFile(path, frame, 0o644); err != nil {
		return "", fmt.Errorf("write frame blob: %w", err)
	}
	return filepath.Join("images", name), nil
}

// SaveAudioBlob writes an encoded audio blob into the current partition and
// returns its partition-relative reference.
func (s *Store) SaveAudioBlob(name string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.part == nil {
		return "", &StorageError{Op: "save audio", Err: fmt.Errorf("store closed")}
	}
	path := filepath.Join(s.part.dir, "audio", name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", &StorageError{Op: "save audio", Err: err}
	}
	return filepath.Join("audio", name), nil
}

// appendLocked writes one payload with bounded retries, then falls back to
// the overflow buffer. Returns a StorageError when the record did not reach
// disk (it may still be retried from overflow later).
func (s *Store) appendLocked(ctx context.Context, logName LogName, payload []byte, desc string, rec CommittedRecord) error {
	wal := s.part.screen
	if logName == LogText {
		wal = s.part.text
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt < s.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			s.retries.Add(1)
			s.metrics.StoreRetries.Add(ctx, 1)
			time.Sleep(s.cfg.RetryBackoff)
		}
		if lastErr = wal.Append(payload); lastErr == nil {
			s.appends.Add(1)
			s.metrics.RecordAppend(ctx, string(logName), time.Since(start).Seconds())
			return nil
		}
	}

	// Retries exhausted: queue in the overflow buffer for the drain loop.
	s.degraded.Store(true)
	dropped := s.overflow.push(pendingRecord{
		log:      logName,
		payload:  payload,
		queuedAt: time.Now(),
		desc:     desc,
		record:   rec,
	})
	if dropped != nil {
		s.overflowDrops.Add(1)
		s.metrics.OverflowDrops.Add(ctx, 1)
		log.Error().
			Str("record", dropped.desc).
			Time("queuedAt", dropped.queuedAt).
			Str("reason", "overflow buffer full during storage outage").
			Msg("DATA LOSS: pending record dropped")
	}
	log.Warn().
		Err(lastErr).
		Str("log", string(logName)).
		Int("overflowDepth", s.overflow.len()).
		Msg("Append failed after retries, record queued in overflow")
	return &StorageError{Op: "append", Err: lastErr}
}

// drainOverflowLocked retries pending records in arrival order, stopping at
// the first failure. Returns the records that reached disk; the caller must
// hand them to the commit observer after releasing the lock.
func (s *Store) drainOverflowLocked() []CommittedRecord {
	if s.part == nil {
		return nil
	}
	var recovered []CommittedRecord
	for {
		rec, ok := s.overflow.peek()
		if !ok {
			break
		}
		wal := s.part.screen
		if rec.log == LogText {
			wal = s.part.text
		}
		if err := wal.Append(rec.payload); err != nil {
			return recovered
		}
		s.overflow.pop()
		s.appends.Add(1)
		if rec.log == LogScreen {
			s.part.screenCount++
		} else {
			s.part.textCount++
		}
		recovered = append(recovered, rec.record)
		log.Info().Str("record", rec.desc).Msg("Overflow record recovered to durable storage")
	}
	if s.overflow.len() == 0 && s.degraded.Load() {
		s.degraded.Store(false)
		log.Info().Msg("Storage recovered, overflow drained")
	}
	return recovered
}

// notifyCommits hands recovered records to the commit observer. Must be
// called without the store lock held.
func (s *Store) notifyCommits(recs []CommittedRecord) {
	if s.cfg.OnCommit == nil {
		return
	}
	for _, rec := range recs {
		s.cfg.OnCommit(rec)
	}
}

// drainLoop periodically retries the overflow buffer until Close.
func (s *Store) drainLoop() {
	defer close(s.drainDone)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.drainStop:
			return
		case <-ticker.C:
			s.mu.Lock()
			var recovered []CommittedRecord
			if !s.closed {
				recovered = s.drainOverflowLocked()
			}
			s.mu.Unlock()
			s.notifyCommits(recovered)
		}
	}
}

// Flush drains the overflow buffer and syncs both logs.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.closed || s.part == nil {
		s.mu.Unlock()
		return nil
	}
	recovered := s.drainOverflowLocked()
	err := s.syncLocked()
	s.mu.Unlock()

	s.notifyCommits(recovered)
	return err
}

// syncLocked syncs both logs and reports any records still pending.
func (s *Store) syncLocked() error {
	if err := s.part.screen.Sync(); err != nil {
		return &StorageError{Op: "flush", Err: err}
	}
	if err := s.part.text.Sync(); err != nil {
		return &StorageError{Op: "flush", Err: err}
	}
	if s.overflow.len() > 0 {
		return &StorageError{Op: "flush", Err: fmt.Errorf("%d records still pending in overflow", s.overflow.len())}
	}
	return nil
}

// Rotate seals the current partition and opens the next one. Sequence
// numbers continue monotonically across the boundary.
func (s *Store) Rotate(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &StorageError{Op: "rotate", Err: fmt.Errorf("store closed")}
	}
	recovered := s.drainOverflowLocked()
	defer func() {
		s.mu.Unlock()
		s.notifyCommits(recovered)
	}()
	currentDay := ""
	if s.part != nil {
		currentDay = s.part.day
	}
	s.sealPartitionLocked(ctx)

	day := time.Now().Format("2006-01-02")
	name := day
	if day == currentDay {
		// Manual rotation within the same day gets a numbered partition.
		s.partIndex++
		name = day + "." + strconv.Itoa(s.partIndex)
	} else {
		s.partIndex = 0
	}
	return s.openPartitionLocked(name)
}

// Degraded reports whether the store is operating with pending records it
// could not write durably.
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

// StatsSnapshot returns current store counters.
func (s *Store) StatsSnapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := Stats{
		Seq:           s.seq,
		Appends:       s.appends.Load(),
		Retries:       s.retries.Load(),
		OverflowDepth: s.overflow.len(),
		OverflowDrops: s.overflowDrops.Load(),
		Degraded:      s.degraded.Load(),
	}
	if s.part != nil {
		stats.Partition = s.part.name
		stats.ScreenRecords = s.part.screenCount
		stats.TextSegments = s.part.textCount
	}
	return stats
}

// Close flushes, seals the partition, and releases resources. Idempotent.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	recovered := s.drainOverflowLocked()
	if pending := s.overflow.len(); pending > 0 {
		log.Error().
			Int("records", pending).
			Str("reason", "storage unavailable at shutdown").
			Msg("DATA LOSS: overflow records abandoned at close")
	}
	s.sealPartitionLocked(ctx)
	s.mu.Unlock()
	s.notifyCommits(recovered)

	close(s.drainStop)
	<-s.drainDone

	if s.watcher != nil {
		s.watcher.stop()
	}
	return nil
}
