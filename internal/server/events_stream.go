package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aristath/sentinel/internal/events"
)

// EventsStreamHandler serves the Local IPC Surface's SSE fallback: a
// type-filtered, live-only view over the events.Bus for dev-parity
// browser consumers that cannot open the msgpack socket.
type EventsStreamHandler struct {
	bus *events.Bus
	log zerolog.Logger
}

// NewEventsStreamHandler builds an EventsStreamHandler over bus.
func NewEventsStreamHandler(bus *events.Bus, log zerolog.Logger) *EventsStreamHandler {
	return &EventsStreamHandler{bus: bus, log: log.With().Str("component", "events_stream").Logger()}
}

// ServeHTTP handles GET /api/v1/events/stream. A "types" query parameter,
// comma-separated, restricts delivery to the named EventTypes; omitted
// means every type.
func (h *EventsStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	var types []events.EventType
	if filter := r.URL.Query().Get("types"); filter != "" {
		for _, t := range strings.Split(filter, ",") {
			types = append(types, events.EventType(strings.TrimSpace(t)))
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := h.bus.Subscribe(types...)
	defer sub.Unsubscribe()

	h.log.Info().Str("types_filter", r.URL.Query().Get("types")).Msg("client connected to event stream")

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case env, open := <-sub.Ch:
			if !open {
				return
			}
			payload, err := json.Marshal(&env)
			if err != nil {
				h.log.Error().Err(err).Msg("failed to encode event envelope")
				continue
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if _, err := w.Write(payload); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
