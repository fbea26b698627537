// Package eventbus implements the in-process publish/subscribe bus used for
// all inter-shard communication (dotted topics such as "ingest.job.completed").
//
// Design:
//   - One buffered queue + pump goroutine per subscription: fan-out is a send
//     to N queues, never N awaited callbacks, so one slow subscriber does not
//     stall the rest.
//   - Delivery is at-least-once to every subscriber registered at emit time;
//     handlers must be idempotent.
//   - FIFO per (topic, publisher): a publisher's events reach each subscriber
//     in emit order.
//   - A panic in one handler is recovered and logged; other subscribers are
//     unaffected.
package eventbus

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/arkhamlabs/arkham/internal/infra/metrics"
)

// Event is a single published message.
type Event struct {
	Type      string         // dotted topic, e.g. "embed.document.completed"
	Payload   map[string]any // open schema, documented per topic
	Source    string         // emitting shard
	EmittedAt time.Time
}

// Handler processes one event. It runs on the subscription's pump goroutine.
type Handler func(ctx context.Context, evt Event)

// Bus is the interface shards receive from the Frame.
type Bus interface {
	Emit(eventType string, payload map[string]any, source string)
	Subscribe(topic string, handler Handler) *Subscription
	Unsubscribe(sub *Subscription)
}

// queueSize bounds each subscription's backlog. A full queue applies
// backpressure to the emitter rather than dropping the event: delivery is
// at-least-once, never best-effort.
const queueSize = 1024

// Subscription identifies one (topic, handler) registration. The queue
// channel is never closed; emitters and the pump both watch stop instead, so
// an Emit racing Unsubscribe can never send on a closed channel.
type Subscription struct {
	topic    string
	ch       chan Event
	stop     chan struct{} // closed once by Unsubscribe or Close
	stopOnce sync.Once
}

func (s *Subscription) signalStop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// MemoryBus is the in-process Bus implementation.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string][]*Subscription
	wg   sync.WaitGroup
}

// New returns a new in-process bus.
func New() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]*Subscription)}
}

// Subscribe registers handler for topic and starts its pump goroutine.
// Matching is by full topic string; wildcard subjects are not supported.
func (b *MemoryBus) Subscribe(topic string, handler Handler) *Subscription {
	sub := &Subscription{
		topic: topic,
		ch:    make(chan Event, queueSize),
		stop:  make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.pump(sub, handler)
	return sub
}

// Unsubscribe removes the subscription and stops its pump after the backlog
// drains.
func (b *MemoryBus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	list := b.subs[sub.topic]
	for i, s := range list {
		if s == sub {
			b.subs[sub.topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	sub.signalStop()
}

// Emit delivers the event to every current subscriber of eventType.
// The send blocks only when a subscriber's own queue is full.
func (b *MemoryBus) Emit(eventType string, payload map[string]any, source string) {
	evt := Event{
		Type:      eventType,
		Payload:   payload,
		Source:    source,
		EmittedAt: time.Now(),
	}

	b.mu.RLock()
	subs := make([]*Subscription, len(b.subs[eventType]))
	copy(subs, b.subs[eventType])
	b.mu.RUnlock()

	metrics.EventsEmitted.WithLabelValues(eventType).Inc()

	for _, sub := range subs {
		select {
		case sub.ch <- evt:
		case <-sub.stop:
			// Subscription torn down; drop for this subscriber.
		}
	}
}

// Close stops all pumps after their backlogs drain and waits for them.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	for _, list := range b.subs {
		for _, sub := range list {
			sub.signalStop()
		}
	}
	b.subs = make(map[string][]*Subscription)
	b.mu.Unlock()
	b.wg.Wait()
}

// pump drains one subscription's queue, invoking the handler per event.
// After stop it delivers whatever is already buffered, then exits.
func (b *MemoryBus) pump(sub *Subscription, handler Handler) {
	defer b.wg.Done()
	for {
		select {
		case evt := <-sub.ch:
			invoke(handler, sub.topic, evt)
		case <-sub.stop:
			for {
				select {
				case evt := <-sub.ch:
					invoke(handler, sub.topic, evt)
				default:
					return
				}
			}
		}
	}
}

// invoke runs the handler, converting a panic into a log line so one bad
// subscriber cannot take down the pump.
func invoke(handler Handler, topic string, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"topic": topic,
				"panic": r,
			}).Error("event handler panicked")
		}
	}()
	handler(context.Background(), evt)
}
