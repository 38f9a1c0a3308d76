package control

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// router builds the control API.
func (s *Server) router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Post("/api/flush", s.handleFlush)
	r.Post("/api/rotate", s.handleRotate)
	r.Post("/api/stop", s.handleStop)
	r.Get("/api/events", s.handleEvents)

	return r
}

// writeJSON serializes v with the proper content type.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to write response")
	}
}

// errorResponse is the body of a failed control call.
type errorResponse struct {
	Error string `json:"error"`
}

// okResponse is the body of a successful control call.
type okResponse struct {
	OK bool `json:"ok"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.StatusSnapshot())
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Flush(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Rotate(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, okResponse{OK: true})
	// The response must reach the client before shutdown tears the
	// listener down.
	if s.onStop != nil {
		go s.onStop()
	}
}

// handleEvents streams committed records to the client as SSE until it
// disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	client, err := s.broadcaster.addClient(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	client.flusher.Flush()

	select {
	case <-r.Context().Done():
		s.broadcaster.removeClient(client)
	case <-client.done:
	}
}
