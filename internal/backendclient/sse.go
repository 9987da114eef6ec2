package backendclient

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

// RawEvent is one line-oriented SSE frame: an optional event name, the
// (possibly multi-line) data payload, and the id used to resume a dropped
// connection (§4.2, §6.2 "Last-Event-ID semantics").
type RawEvent struct {
	Name string
	Data string
	ID   string
}

// Handler processes one decoded SSE frame from the backend's event stream.
type Handler func(RawEvent)

// StreamOpts parameterizes a reconnecting SSE subscription.
type StreamOpts struct {
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (o StreamOpts) withDefaults() StreamOpts {
	if o.BackoffBase <= 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	return o
}

// StreamSessionEvents subscribes to a backend session's SSE stream and
// invokes handler for each event, reconnecting with exponential backoff and
// resuming from the last seen event id on every reconnect so no event is
// duplicated or lost across a drop (§4.2, §8 round-trip law). A close by the
// backend, clean or not, is handled like a drop and reconnects; the call
// returns only once ctx is done.
func (c *Client) StreamSessionEvents(ctx context.Context, backendSessionID, lastEventID string, opts StreamOpts, handler Handler, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	opts = opts.withDefaults()

	retries := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastID, err := c.streamOnce(ctx, backendSessionID, lastEventID, handler, log)
		if lastID != "" {
			lastEventID = lastID
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			// streamOnce reports every end of stream, a clean close
			// included, as an error, so closes reconnect below; only a nil
			// error would end the subscription here.
			return nil
		}

		retries++
		delay := sseBackoffDelay(retries, opts.BackoffBase, opts.BackoffMax)
		log.Warn("backendclient: sse stream dropped, reconnecting", "session_id", backendSessionID, "error", err, "retry", retries, "delay", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) streamOnce(ctx context.Context, backendSessionID, lastEventID string, handler Handler, log *slog.Logger) (string, error) {
	url := fmt.Sprintf("%s/sessions/%s/events", c.baseURL, backendSessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return lastEventID, fmt.Errorf("build sse request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return lastEventID, fmt.Errorf("dial sse stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return lastEventID, fmt.Errorf("sse stream returned status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var ev RawEvent
	var data []string

	flush := func() {
		if len(data) == 0 && ev.Name == "" {
			return
		}
		ev.Data = strings.Join(data, "\n")
		handler(ev)
		if ev.ID != "" {
			lastEventID = ev.ID
		}
		ev = RawEvent{}
		data = nil
	}

	for scanner.Scan() {
		if ctx.Err() != nil {
			return lastEventID, ctx.Err()
		}
		line := scanner.Text()

		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "event:"):
			ev.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, "id:"):
			ev.ID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, ":"):
			// comment/keepalive, ignored
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return lastEventID, fmt.Errorf("read sse stream: %w", err)
	}
	return lastEventID, fmt.Errorf("sse stream closed by backend")
}

func sseBackoffDelay(retries int, base, maxDelay time.Duration) time.Duration {
	if retries <= 0 {
		return 0
	}
	multiplier := math.Pow(2, float64(retries-1))
	if math.IsInf(multiplier, 1) || multiplier > float64(maxDelay)/float64(base) {
		return maxDelay + time.Duration(rand.Float64()*0.1*float64(maxDelay))
	}
	delay := base * time.Duration(multiplier)
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay + time.Duration(rand.Float64()*0.1*float64(delay))
}
