package backendclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStreamSessionEventsParsesFramesAndResumesAfterDrop(t *testing.T) {
	var mu sync.Mutex
	var seenLastEventID string
	var connectCount int

	mux := http.NewServeMux()
	mux.HandleFunc("/sessions/sess-1/events", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		connectCount++
		count := connectCount
		if count == 2 {
			seenLastEventID = r.Header.Get("Last-Event-ID")
		}
		mu.Unlock()

		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")

		if count == 1 {
			fmt.Fprint(w, "id: 1\nevent: message:updated\ndata: {\"a\":1}\n\n")
			flusher.Flush()
			// Simulate a mid-stream drop: close without a clean event-stream end.
			return
		}

		// Later connections: send event 2 and close; the client reconnects
		// after every close, so only the second connection's header is kept.
		fmt.Fprint(w, "id: 2\nevent: message:updated\ndata: {\"a\":2}\n\n")
		flusher.Flush()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL)

	var mu2 sync.Mutex
	var received []RawEvent
	handler := func(ev RawEvent) {
		mu2.Lock()
		received = append(received, ev)
		mu2.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		_ = c.StreamSessionEvents(ctx, "sess-1", "", StreamOpts{BackoffBase: time.Millisecond, BackoffMax: 5 * time.Millisecond}, handler, nil)
	}()

	require.Eventually(t, func() bool {
		mu2.Lock()
		defer mu2.Unlock()
		return len(received) >= 2
	}, time.Second, 5*time.Millisecond)

	mu2.Lock()
	defer mu2.Unlock()
	require.Equal(t, "message:updated", received[0].Name)
	require.JSONEq(t, `{"a":1}`, received[0].Data)
	require.Equal(t, "2", received[1].ID)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "1", seenLastEventID, "reconnect must carry Last-Event-ID from the prior connection")
}

func TestStreamSessionEventsStopsOnContextCancel(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions/sess-2/events", func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- c.StreamSessionEvents(ctx, "sess-2", "", StreamOpts{}, func(RawEvent) {}, nil)
	}()

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("StreamSessionEvents did not stop after context cancellation")
	}
}
