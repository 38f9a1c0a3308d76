// Package control exposes the daemon's unix-socket control plane: an HTTP
// API for status and lifecycle operations, a live SSE feed of committed
// records, and the NDJSON input-event protocol on the same socket.
package control

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// writeTimeout bounds a broadcast write so a stale client cannot block the
// feed.
const writeTimeout = 2 * time.Second

// sseClient is one connected /api/events consumer.
type sseClient struct {
	id      string
	writer  http.ResponseWriter
	flusher http.Flusher
	done    chan struct{}
}

// Broadcaster fans committed records out to connected SSE clients.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[string]*sseClient
	nextID  int
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{clients: make(map[string]*sseClient)}
}

// addClient registers a response writer as an SSE consumer.
func (b *Broadcaster) addClient(w http.ResponseWriter) (*sseClient, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	b.mu.Lock()
	b.nextID++
	client := &sseClient{
		id:      fmt.Sprintf("client-%d", b.nextID),
		writer:  w,
		flusher: flusher,
		done:    make(chan struct{}),
	}
	b.clients[client.id] = client
	count := len(b.clients)
	b.mu.Unlock()

	log.Debug().Str("clientId", client.id).Int("totalClients", count).Msg("SSE client connected")
	return client, nil
}

// removeClient unregisters a client and releases its handler.
func (b *Broadcaster) removeClient(client *sseClient) {
	b.mu.Lock()
	_, exists := b.clients[client.id]
	delete(b.clients, client.id)
	count := len(b.clients)
	b.mu.Unlock()

	if exists {
		close(client.done)
	}
	log.Debug().Str("clientId", client.id).Int("totalClients", count).Msg("SSE client disconnected")
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Broadcast sends one payload to every connected client. Writes are bounded
// by writeTimeout; clients that cannot keep up are dropped.
func (b *Broadcaster) Broadcast(data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal SSE payload")
		return
	}
	message := fmt.Sprintf("data: %s\n\n", payload)

	b.mu.RLock()
	clients := make([]*sseClient, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	var dead []*sseClient
	for _, client := range clients {
		wrote := make(chan error, 1)
		go func(c *sseClient) {
			_, err := fmt.Fprint(c.writer, message)
			if err == nil {
				c.flusher.Flush()
			}
			wrote <- err
		}(client)

		select {
		case err := <-wrote:
			if err != nil {
				dead = append(dead, client)
			}
		case <-time.After(writeTimeout):
			dead = append(dead, client)
		}
	}

	for _, client := range dead {
		log.Debug().Str("clientId", client.id).Msg("Dropping unresponsive SSE client")
		b.removeClient(client)
	}
}
