package control

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/soheilhy/cmux"

	"github.com/retracehq/retrace/internal/session"
	"github.com/retracehq/retrace/internal/source/sockevent"
)

// Controller is the slice of the capture session the control plane drives.
type Controller interface {
	StatusSnapshot() session.Status
	Flush(ctx context.Context) error
	Rotate(ctx context.Context) error
}

// Server multiplexes one unix socket between the HTTP control API and the
// NDJSON input-event protocol: HTTP/1 connections go to the chi router,
// everything else is treated as an event feed connection.
type Server struct {
	controller  Controller
	feed        *sockevent.Feed
	broadcaster *Broadcaster
	// onStop is invoked by POST /api/stop; the daemon wires its shutdown
	// trigger here.
	onStop func()

	mux        cmux.CMux
	listener   net.Listener
	httpServer *http.Server
	cancel     context.CancelFunc
}

// NewServer creates a control server.
func NewServer(controller Controller, feed *sockevent.Feed, onStop func()) *Server {
	return &Server{
		controller:  controller,
		feed:        feed,
		broadcaster: NewBroadcaster(),
		onStop:      onStop,
	}
}

// Broadcaster returns the SSE fan-out, for wiring into the store's commit
// hook.
func (s *Server) Broadcaster() *Broadcaster {
	return s.broadcaster
}

// Serve listens on the unix socket at path and blocks until Close. A stale
// socket file from a previous run is removed first.
func (s *Server) Serve(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	s.listener = listener

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.mux = cmux.New(listener)
	httpL := s.mux.Match(cmux.HTTP1Fast())
	eventL := s.mux.Match(cmux.Any())

	s.httpServer = &http.Server{
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(httpL); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, cmux.ErrServerClosed) {
			log.Warn().Err(err).Msg("Control HTTP server stopped")
		}
	}()
	go s.acceptEvents(ctx, eventL)

	log.Info().Str("socket", path).Msg("Control socket listening")
	err = s.mux.Serve()
	if ctx.Err() != nil {
		return nil // closed deliberately
	}
	return err
}

// acceptEvents serves NDJSON input-event connections.
func (s *Server) acceptEvents(ctx context.Context, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Err(err).Msg("Event connection accept failed")
			continue
		}
		log.Debug().Msg("Input event connection accepted")
		go s.feed.ServeConn(ctx, conn)
	}
}

// Close shuts the control plane down. Idempotent.
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(ctx)
	}
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}
