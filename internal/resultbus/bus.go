// Package resultbus distributes pose results to multiple sinks without ever
// blocking the pipeline.
//
// Core Philosophy: "Drop results, never queue. Latency > Completeness."
//
// A slow sink (MQTT broker hiccup, disk stall) loses events instead of
// stalling the LIVE_STREAM worker that publishes them.
//
// Usage:
//
//	bus := resultbus.New()
//	defer bus.Close()
//
//	ch := make(chan resultbus.Event, 16)
//	bus.Subscribe("mqtt", ch)
//
//	bus.Publish(resultbus.NewEvent(seq, res, ts, err))
package resultbus

import (
	"sync"
	"sync/atomic"
)

// outlet hands one event to a subscriber. accepted reports whether ev was
// taken; displaced reports whether an unread event was discarded for it.
type outlet interface {
	deliver(ev Event) (accepted, displaced bool)
	close()
}

// chanOutlet is a DropNew subscriber. The channel belongs to the caller and is
// never closed by the bus.
type chanOutlet chan<- Event

func (c chanOutlet) deliver(ev Event) (bool, bool) {
	select {
	case c <- ev:
		return true, false
	default:
		return false, false
	}
}

func (chanOutlet) close() {}

// subscriber pairs an outlet with its delivery counters.
type subscriber struct {
	policy  DropPolicy
	out     outlet
	sent    atomic.Uint64
	dropped atomic.Uint64
}

func (s *subscriber) publish(ev Event) {
	accepted, displaced := s.out.deliver(ev)
	if accepted {
		s.sent.Add(1)
	}
	if !accepted || displaced {
		s.dropped.Add(1)
	}
}

func (s *subscriber) stats() SubscriberStats {
	return SubscriberStats{Policy: s.policy, Sent: s.sent.Load(), Dropped: s.dropped.Load()}
}

// Bus fans events out to subscribers.
//
// Thread-safety: all methods are safe for concurrent use. Publish holds the
// read lock only, so concurrent publishers do not serialize.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	published   atomic.Uint64
	closed      bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subscribers: make(map[string]*subscriber)}
}

// Subscribe registers ch with the DropNew policy: events that do not fit in
// ch are lost.
func (b *Bus) Subscribe(id string, ch chan<- Event) error {
	if ch == nil {
		return ErrNilChannel
	}
	return b.add(id, &subscriber{policy: DropNew, out: chanOutlet(ch)})
}

// SubscribeDropOld registers a subscriber that only ever sees the latest
// unread event.
func (b *Bus) SubscribeDropOld(id string) (Receiver, error) {
	slot := newLatestSlot()
	if err := b.add(id, &subscriber{policy: DropOld, out: slot}); err != nil {
		return nil, err
	}
	return slot, nil
}

func (b *Bus) add(id string, sub *subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}
	b.subscribers[id] = sub
	return nil
}

// Publish hands ev to every subscriber without blocking. Events published
// after Close are ignored.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.published.Add(1)
	for _, sub := range b.subscribers {
		sub.publish(ev)
	}
}

// Unsubscribe removes a subscriber and wakes its DropOld receiver, if any.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, exists := b.subscribers[id]
	if !exists {
		return ErrSubscriberNotFound
	}
	sub.out.close()
	delete(b.subscribers, id)
	return nil
}

// Stats returns a snapshot of all counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := Stats{
		TotalPublished: b.published.Load(),
		Subscribers:    make(map[string]SubscriberStats, len(b.subscribers)),
	}
	for id, sub := range b.subscribers {
		s := sub.stats()
		out.TotalSent += s.Sent
		out.TotalDropped += s.Dropped
		out.Subscribers[id] = s
	}
	return out
}

// Close shuts down the bus and wakes every DropOld receiver. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subscribers {
		sub.out.close()
	}
	b.subscribers = nil
}

// latestSlot is the DropOld outlet and its Receiver: one unread event, later
// events overwrite it.
type latestSlot struct {
	mu     sync.Mutex
	cond   *sync.Cond
	event  *Event
	closed bool
}

func newLatestSlot() *latestSlot {
	l := &latestSlot{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *latestSlot) deliver(ev Event) (bool, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false, false
	}
	displaced := l.event != nil
	l.event = &ev
	l.cond.Broadcast()
	return true, displaced
}

func (l *latestSlot) close() { l.Close() }

// Receive implements Receiver.
func (l *latestSlot) Receive() (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for l.event == nil && !l.closed {
		l.cond.Wait()
	}
	return l.takeLocked()
}

// TryReceive implements Receiver.
func (l *latestSlot) TryReceive() (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.takeLocked()
}

func (l *latestSlot) takeLocked() (Event, bool) {
	if l.closed || l.event == nil {
		return Event{}, false
	}
	ev := *l.event
	l.event = nil
	return ev, true
}

// Close implements Receiver. Blocked Receive calls return false.
func (l *latestSlot) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	l.cond.Broadcast()
}
