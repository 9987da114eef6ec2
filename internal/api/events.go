package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/antigravity-dev/squadforge/internal/eventbus"
)

// GET /events/stream — fans out every eventbus.Event as an SSE frame to a
// UI subscriber, per §6.2. Each connection gets its own bus subscription,
// torn down on disconnect.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	subID := newID()
	events := make(chan eventbus.Event, 64)
	s.bus.Subscribe(subID, func(ev eventbus.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	defer s.bus.Unsubscribe(subID)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		}
	}
}
