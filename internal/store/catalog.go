package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // catalog database driver

	"github.com/retracehq/retrace/pkg/models"
)

// catalogMigrations are applied in order on every open. Each statement is
// idempotent.
var catalogMigrations = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		host TEXT NOT NULL DEFAULT '',
		platform TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		started_at TEXT NOT NULL,
		started_at_epoch INTEGER NOT NULL,
		completed_at TEXT,
		completed_at_epoch INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS partitions (
		session_id TEXT NOT NULL,
		name TEXT NOT NULL,
		opened_at TEXT NOT NULL,
		opened_at_epoch INTEGER NOT NULL,
		sealed_at TEXT,
		sealed_at_epoch INTEGER,
		screen_records INTEGER NOT NULL DEFAULT 0,
		text_segments INTEGER NOT NULL DEFAULT 0,
		last_seq INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (session_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS audio_chunks (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		blob_ref TEXT NOT NULL,
		started_at TEXT NOT NULL,
		started_at_epoch INTEGER NOT NULL,
		ended_at TEXT NOT NULL,
		ended_at_epoch INTEGER NOT NULL,
		samples INTEGER NOT NULL DEFAULT 0,
		sample_rate INTEGER NOT NULL DEFAULT 0,
		channels INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audio_chunks_session
		ON audio_chunks(session_id, started_at_epoch)`,
}

// Catalog is the SQLite bookkeeping database beside the spool. The WALs
// remain the source of truth for records; the catalog indexes sessions,
// partitions, and audio chunks.
type Catalog struct {
	db *sql.DB
}

// NewCatalog opens (creating if needed) the catalog database at path with
// WAL mode and a busy timeout, and runs migrations.
func NewCatalog(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	// Single writer; SQLite connections are cheap but contention is not.
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
		`PRAGMA synchronous=NORMAL`,
		`PRAGMA foreign_keys=ON`,
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}

	for i, migration := range catalogMigrations {
		if _, err := db.Exec(migration); err != nil {
			db.Close()
			return nil, fmt.Errorf("catalog migration %d: %w", i, err)
		}
	}

	return &Catalog{db: db}, nil
}

// Close closes the catalog database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// CreateSession inserts a new active session row.
func (c *Catalog) CreateSession(ctx context.Context, sess *models.Session) error {
	const query = `
		INSERT INTO sessions (id, host, platform, status, started_at, started_at_epoch)
		VALUES (?, ?, ?, 'active', ?, ?)
	`
	_, err := c.db.ExecContext(ctx, query,
		sess.ID, sess.Host, sess.Platform, sess.StartedAt, sess.StartedAtEpoch,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// CompleteSession marks a session completed. Idempotent.
func (c *Catalog) CompleteSession(ctx context.Context, id string) error {
	now := time.Now()
	const query = `
		UPDATE sessions
		SET status = 'completed', completed_at = ?, completed_at_epoch = ?
		WHERE id = ? AND status != 'completed'
	`
	_, err := c.db.ExecContext(ctx, query, now.Format(time.RFC3339), now.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID. Returns nil if not found.
func (c *Catalog) GetSession(ctx context.Context, id string) (*models.Session, error) {
	const query = `
		SELECT id, host, platform, status, started_at, started_at_epoch,
		       completed_at, completed_at_epoch
		FROM sessions
		WHERE id = ?
		LIMIT 1
	`
	var (
		sess           models.Session
		completedAt    sql.NullString
		completedEpoch sql.NullInt64
	)
	err := c.db.QueryRowContext(ctx, query, id).Scan(
		&sess.ID, &sess.Host, &sess.Platform, &sess.Status,
		&sess.StartedAt, &sess.StartedAtEpoch, &completedAt, &completedEpoch,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sess.CompletedAt = completedAt.String
	sess.CompletedAtEpoch = completedEpoch.Int64
	return &sess, nil
}

// OpenPartition records a newly opened partition. Idempotent: reopening the
// active partition after a crash keeps the original opened_at.
func (c *Catalog) OpenPartition(ctx context.Context, sessionID, name string) error {
	now := time.Now()
	const query = `
		INSERT OR IGNORE INTO partitions (session_id, name, opened_at, opened_at_epoch)
		VALUES (?, ?, ?, ?)
	`
	_, err := c.db.ExecContext(ctx, query, sessionID, name, now.Format(time.RFC3339), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("open partition: %w", err)
	}
	return nil
}

// SealPartition records final counts and the high-water sequence number for
// a partition being rotated out.
func (c *Catalog) SealPartition(ctx context.Context, sessionID, name string, screenRecords, textSegments int64, lastSeq uint64) error {
	now := time.Now()
	const query = `
		UPDATE partitions
		SET sealed_at = ?, sealed_at_epoch = ?, screen_records = ?, text_segments = ?, last_seq = ?
		WHERE session_id = ? AND name = ?
	`
	_, err := c.db.ExecContext(ctx, query,
		now.Format(time.RFC3339), now.UnixMilli(),
		screenRecords, textSegments, int64(lastSeq), sessionID, name,
	)
	if err != nil {
		return fmt.Errorf("seal partition: %w", err)
	}
	return nil
}

// LastSeq returns the highest sealed sequence number recorded for a session.
func (c *Catalog) LastSeq(ctx context.Context, sessionID string) (uint64, error) {
	const query = `SELECT COALESCE(MAX(last_seq), 0) FROM partitions WHERE session_id = ?`
	var seq int64
	if err := c.db.QueryRowContext(ctx, query, sessionID).Scan(&seq); err != nil {
		return 0, err
	}
	return uint64(seq), nil
}

// InsertAudioChunk records a stored audio chunk.
func (c *Catalog) InsertAudioChunk(ctx context.Context, chunk *models.AudioChunk) error {
	const query = `
		INSERT INTO audio_chunks
		(id, session_id, blob_ref, started_at, started_at_epoch, ended_at, ended_at_epoch,
		 samples, sample_rate, channels)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := c.db.ExecContext(ctx, query,
		chunk.ID, chunk.SessionID, chunk.BlobRef,
		chunk.StartedAt.Format(time.RFC3339Nano), chunk.StartedAtEpoch,
		chunk.EndedAt.Format(time.RFC3339Nano), chunk.EndedAtEpoch,
		chunk.Samples, chunk.SampleRate, chunk.Channels,
	)
	if err != nil {
		return fmt.Errorf("insert audio chunk: %w", err)
	}
	return nil
}

// CountAudioChunks returns the number of chunks stored for a session.
func (c *Catalog) CountAudioChunks(ctx context.Context, sessionID string) (int, error) {
	const query = `SELECT COUNT(*) FROM audio_chunks WHERE session_id = ?`
	var count int
	err := c.db.QueryRowContext(ctx, query, sessionID).Scan(&count)
	return count, err
}
