package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/akrivos/helmsman/internal/modules/activity"
)

// eventHub fans activity entries out to connected server-sent-event clients.
// A slow client drops events rather than blocking the activity writer.
type eventHub struct {
	log zerolog.Logger

	mu      sync.Mutex
	clients map[chan activity.Entry]struct{}
	closed  bool
}

const clientBuffer = 64

func newEventHub(log zerolog.Logger) *eventHub {
	return &eventHub{
		log:     log.With().Str("component", "event_hub").Logger(),
		clients: make(map[chan activity.Entry]struct{}),
	}
}

// broadcast is registered as an activity listener.
func (h *eventHub) broadcast(entry activity.Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.clients {
		select {
		case ch <- entry:
		default: // client too slow, drop
		}
	}
}

func (h *eventHub) subscribe() (chan activity.Entry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, false
	}
	ch := make(chan activity.Entry, clientBuffer)
	h.clients[ch] = struct{}{}
	return ch, true
}

func (h *eventHub) unsubscribe(ch chan activity.Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, ch)
}

// closeAll disconnects every client; used during shutdown.
func (h *eventHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for ch := range h.clients {
		close(ch)
		delete(h.clients, ch)
	}
}

// handleStream serves the activity log as server-sent events.
func (h *eventHub) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch, ok := h.subscribe()
	if !ok {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			encoded, err := json.Marshal(entry)
			if err != nil {
				h.log.Error().Err(err).Msg("Failed to encode activity event")
				continue
			}
			fmt.Fprintf(w, "event: activity\ndata: %s\n\n", encoded)
			flusher.Flush()
		}
	}
}
