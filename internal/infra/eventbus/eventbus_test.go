package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/arkhamlabs/arkham/internal/infra/metrics"
)

func TestEmit_DeliversToAllSubscribers(t *testing.T) {
	bus := New()
	defer bus.Close()

	var a, b atomic.Int32
	bus.Subscribe("ingest.job.completed", func(_ context.Context, _ Event) { a.Add(1) })
	bus.Subscribe("ingest.job.completed", func(_ context.Context, _ Event) { b.Add(1) })

	bus.Emit("ingest.job.completed", map[string]any{"job_id": "j1"}, "ingest")

	waitFor(t, func() bool { return a.Load() == 1 && b.Load() == 1 })
}

func TestEmit_TopicIsolation(t *testing.T) {
	bus := New()
	defer bus.Close()

	var got atomic.Int32
	bus.Subscribe("parse.document.completed", func(_ context.Context, _ Event) { got.Add(1) })

	bus.Emit("embed.document.completed", nil, "embed")
	bus.Emit("parse.document.completed", nil, "parse")

	waitFor(t, func() bool { return got.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	if got.Load() != 1 {
		t.Errorf("handler invoked %d times, want 1", got.Load())
	}
}

func TestEmit_FIFOPerSubscriber(t *testing.T) {
	bus := New()
	defer bus.Close()

	var mu sync.Mutex
	var order []int
	bus.Subscribe("worker.job.completed", func(_ context.Context, evt Event) {
		mu.Lock()
		order = append(order, evt.Payload["seq"].(int))
		mu.Unlock()
	})

	for i := 0; i < 100; i++ {
		bus.Emit("worker.job.completed", map[string]any{"seq": i}, "queue")
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 100
	})

	mu.Lock()
	defer mu.Unlock()
	for i, seq := range order {
		if seq != i {
			t.Fatalf("order[%d] = %d, FIFO violated", i, seq)
		}
	}
}

func TestEmit_PanickingHandlerDoesNotAffectOthers(t *testing.T) {
	bus := New()
	defer bus.Close()

	var healthy atomic.Int32
	bus.Subscribe("anomalies.detected", func(_ context.Context, _ Event) { panic("boom") })
	bus.Subscribe("anomalies.detected", func(_ context.Context, _ Event) { healthy.Add(1) })

	bus.Emit("anomalies.detected", nil, "anomalies")
	bus.Emit("anomalies.detected", nil, "anomalies")

	waitFor(t, func() bool { return healthy.Load() == 2 })
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	bus := New()
	defer bus.Close()

	var got atomic.Int32
	sub := bus.Subscribe("search.query.executed", func(_ context.Context, _ Event) { got.Add(1) })

	bus.Emit("search.query.executed", nil, "search")
	waitFor(t, func() bool { return got.Load() == 1 })

	bus.Unsubscribe(sub)
	bus.Emit("search.query.executed", nil, "search")
	time.Sleep(20 * time.Millisecond)
	if got.Load() != 1 {
		t.Errorf("handler invoked %d times after unsubscribe, want 1", got.Load())
	}
}

func TestEmit_SlowSubscriberDoesNotBlockFastOne(t *testing.T) {
	bus := New()
	defer bus.Close()

	block := make(chan struct{})
	var fast atomic.Int32
	bus.Subscribe("embed.batch.completed", func(_ context.Context, _ Event) { <-block })
	bus.Subscribe("embed.batch.completed", func(_ context.Context, _ Event) { fast.Add(1) })

	for i := 0; i < 10; i++ {
		bus.Emit("embed.batch.completed", nil, "embed")
	}

	waitFor(t, func() bool { return fast.Load() == 10 })
	close(block)
}

func TestEmit_CountsEmissionsPerTopic(t *testing.T) {
	bus := New()
	defer bus.Close()

	counter := metrics.EventsEmitted.WithLabelValues("contradictions.chain_detected")
	before := testutil.ToFloat64(counter)

	bus.Emit("contradictions.chain_detected", nil, "contradictions")
	bus.Emit("contradictions.chain_detected", nil, "contradictions")

	if got := testutil.ToFloat64(counter) - before; got != 2 {
		t.Errorf("emissions counted = %v, want 2", got)
	}
}

func TestUnsubscribe_WithBlockedEmitterDoesNotPanic(t *testing.T) {
	bus := New()
	defer bus.Close()

	// Stall the handler so the subscription's queue fills and the next Emit
	// blocks on the send.
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	sub := bus.Subscribe("ingest.file.queued", func(_ context.Context, _ Event) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-block
	})

	bus.Emit("ingest.file.queued", nil, "ingest")
	<-started // pump is parked in the handler; the queue is free to fill
	for i := 0; i < queueSize; i++ {
		bus.Emit("ingest.file.queued", nil, "ingest")
	}

	emitReturned := make(chan struct{})
	go func() {
		defer func() {
			if r := recover(); r != nil {
				t.Errorf("Emit panicked after Unsubscribe: %v", r)
			}
			close(emitReturned)
		}()
		bus.Emit("ingest.file.queued", nil, "ingest")
	}()

	time.Sleep(20 * time.Millisecond) // let the emitter block on the full queue
	bus.Unsubscribe(sub)

	select {
	case <-emitReturned:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit still blocked after Unsubscribe")
	}
	close(block)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
