package eventbus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBroadcastDeliversToAllSubscribers(t *testing.T) {
	b := New(nil)

	var mu sync.Mutex
	received := map[string][]Event{}
	var wg sync.WaitGroup
	wg.Add(2)

	b.Subscribe("sub-1", func(ev Event) {
		mu.Lock()
		received["sub-1"] = append(received["sub-1"], ev)
		mu.Unlock()
		wg.Done()
	})
	b.Subscribe("sub-2", func(ev Event) {
		mu.Lock()
		received["sub-2"] = append(received["sub-2"], ev)
		mu.Unlock()
		wg.Done()
	})

	b.Broadcast(Event{Kind: "session:started", SessionID: "sess-1"})

	waitOrTimeout(t, &wg, time.Second)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received["sub-1"], 1)
	require.Len(t, received["sub-2"], 1)
	require.Equal(t, "session:started", received["sub-1"][0].Kind)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(nil)

	var count int32
	b.Subscribe("sub-1", func(ev Event) {
		atomic.AddInt32(&count, 1)
	})
	b.Unsubscribe("sub-1")
	b.Broadcast(Event{Kind: "session:started"})

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&count))
	require.Equal(t, 0, b.SubscriberCount())
}

func TestBroadcastDropsOnFullQueueWithoutBlocking(t *testing.T) {
	b := New(nil)

	block := make(chan struct{})
	started := make(chan struct{}, 1)
	b.Subscribe("slow", func(ev Event) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-block
	})

	// First event is picked up immediately by the handler goroutine and
	// blocks it; fill the buffered channel past capacity so further sends
	// must hit the default (drop) branch rather than blocking Broadcast.
	for i := 0; i < subscriberQueueDepth+10; i++ {
		done := make(chan struct{})
		go func() {
			b.Broadcast(Event{Kind: "message:updated"})
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Broadcast blocked on a full subscriber queue")
		}
	}

	close(block)
}

func TestResubscribeReplacesOldSubscription(t *testing.T) {
	b := New(nil)

	var firstCalls, secondCalls int32
	b.Subscribe("sub-1", func(ev Event) { atomic.AddInt32(&firstCalls, 1) })
	b.Subscribe("sub-1", func(ev Event) { atomic.AddInt32(&secondCalls, 1) })

	b.Broadcast(Event{Kind: "card:lane_changed"})
	time.Sleep(20 * time.Millisecond)

	require.Equal(t, int32(0), atomic.LoadInt32(&firstCalls))
	require.Equal(t, int32(1), atomic.LoadInt32(&secondCalls))
	require.Equal(t, 1, b.SubscriberCount())
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for subscribers")
	}
}
