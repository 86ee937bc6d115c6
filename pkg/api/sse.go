package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ethpandaops/runwatch/pkg/broadcast"
)

func (s *server) handleLive(w http.ResponseWriter, r *http.Request) {
	s.serveLive(w, r, chi.URLParam(r, "id"))
}

func (s *server) handleLiveByQuery(w http.ResponseWriter, r *http.Request) {
	s.serveLive(w, r, r.URL.Query().Get("executionId"))
}

func (s *server) serveLive(w http.ResponseWriter, r *http.Request, executionID string) {
	if executionID == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{Error: "executionId is required", Field: "executionId"})

		return
	}

	if _, ok := w.(http.Flusher); !ok {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{Error: "streaming not supported"})

		return
	}

	sub, err := s.hub.Subscribe(r.Context(), executionID)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	s.stream(w, r, sub)
}

func (s *server) handleActiveLive(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{Error: "streaming not supported"})

		return
	}

	sub, err := s.hub.SubscribeActive(r.Context())
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	s.stream(w, r, sub)
}

// stream writes subscription messages as server-sent events until the
// client leaves, the subscription ends or the server stops. A failed write
// drops the subscription.
func (s *server) stream(w http.ResponseWriter, r *http.Request, sub *broadcast.Subscription) {
	defer sub.Close()

	flusher := w.(http.Flusher)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log := s.log.WithField("execution_id", sub.ExecutionID())
	log.Debug("Live subscriber connected")

	for {
		select {
		case msg := <-sub.C():
			if err := writeEvent(w, msg); err != nil {
				log.WithError(err).Debug("Dropping live subscriber")
				sub.Fail(err)

				return
			}

			flusher.Flush()
		case <-sub.Done():
			return
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, msg broadcast.Message) error {
	data, err := json.Marshal(msg.Data)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, data); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}

	return nil
}
