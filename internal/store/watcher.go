package store

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// spoolWatcher monitors the session spool directory and recreates the active
// partition if it is deleted out from under the daemon. It watches the
// session directory since fsnotify cannot watch non-existent paths.
type spoolWatcher struct {
	store    *Store
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	doneCh   chan struct{}
	debounce time.Duration
}

// StartWatcher begins monitoring the spool for external deletion of the
// active partition.
func (s *Store) StartWatcher() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(s.sessionDir()); err != nil {
		fsw.Close()
		return err
	}

	w := &spoolWatcher{
		store:    s,
		watcher:  fsw,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		debounce: 100 * time.Millisecond,
	}
	s.watcher = w
	go w.loop()
	return nil
}

func (w *spoolWatcher) stop() {
	close(w.stopCh)
	w.watcher.Close()
	<-w.doneCh
}

// loop reacts to Remove events on the active partition directory. The
// recreate is debounced so a rename-in-place does not thrash the logs.
func (w *spoolWatcher) loop() {
	defer close(w.doneCh)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.store.mu.Lock()
			active := ""
			if w.store.part != nil {
				active = w.store.part.dir
			}
			w.store.mu.Unlock()
			if active == "" || filepath.Clean(event.Name) != filepath.Clean(active) {
				continue
			}

			log.Warn().Str("partition", active).Msg("Active partition deleted externally")
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, w.recreate)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Spool watcher error")
		}
	}
}

// recreate reopens the active partition's directories and logs. Records
// already written to the deleted directory are gone; that loss is logged.
func (w *spoolWatcher) recreate() {
	s := w.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.part == nil {
		return
	}

	name := s.part.name
	log.Error().
		Str("partition", name).
		Int64("screenRecords", s.part.screenCount).
		Int64("textSegments", s.part.textCount).
		Str("reason", "partition directory deleted externally").
		Msg("DATA LOSS: recreating active partition")

	// Release handles on the now-unlinked files before reopening.
	_ = s.part.screen.Close()
	_ = s.part.text.Close()

	if err := s.openPartitionLocked(name); err != nil {
		log.Error().Err(err).Str("partition", name).Msg("Failed to recreate partition")
	}
}
