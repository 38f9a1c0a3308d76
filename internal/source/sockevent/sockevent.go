// Package sockevent accepts input events from platform hook processes as
// NDJSON lines over the daemon socket: one models.InputEvent JSON object
// per line.
package sockevent

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/retracehq/retrace/pkg/models"
)

// maxLineBytes bounds a single NDJSON line; anything larger is a protocol
// violation, not a keystroke.
const maxLineBytes = 64 * 1024

// Feed fans events from any number of hook connections into one ordered
// consumer channel. Implements source.EventSource.
type Feed struct {
	ch      chan models.InputEvent
	mu      sync.Mutex
	closed  bool
	dropped atomic.Int64
}

// NewFeed creates a feed with the given channel buffer.
func NewFeed(buffer int) *Feed {
	if buffer <= 0 {
		buffer = 256
	}
	return &Feed{ch: make(chan models.InputEvent, buffer)}
}

// Events returns the consumer channel. Closed when the feed closes.
func (f *Feed) Events() <-chan models.InputEvent {
	return f.ch
}

// Close ends the stream. Idempotent. Connections still being served will
// have their remaining events discarded.
func (f *Feed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.ch)
	}
	return nil
}

// Dropped returns how many events were discarded because the consumer was
// behind or a line failed to parse.
func (f *Feed) Dropped() int64 {
	return f.dropped.Load()
}

// ServeConn reads NDJSON events from one connection until EOF, ctx
// cancellation, or feed close. Blocks; run it per accepted connection.
func (f *Feed) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxLineBytes)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var ev models.InputEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			f.dropped.Add(1)
			log.Warn().Err(err).Msg("Malformed input event line discarded")
			continue
		}
		if !f.push(ev) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		log.Debug().Err(err).Msg("Input event connection closed")
	}
}

// push delivers one event without blocking the reader forever: if the
// consumer channel is full the event is dropped and counted. Returns false
// once the feed is closed.
func (f *Feed) push(ev models.InputEvent) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	select {
	case f.ch <- ev:
	default:
		f.dropped.Add(1)
		log.Warn().
			Str("kind", string(ev.Kind)).
			Time("timestamp", ev.Timestamp).
			Str("reason", "event channel full").
			Msg("Input event dropped")
	}
	return true
}
