// Package bus implements the append-only event bus of spec §4.C: a
// single-writer publish path atomic with the journal append, and
// per-subscriber filtered fan-out with resume-from-cursor.
//
// The subscriber-map/broadcast shape is grounded on the teacher pack's
// pkg/events/events.go broker (a map[Subscriber]bool fanned out under an
// RWMutex, dropping on a full channel); this generalizes that shape with
// dot-prefix filters, journal-backed resume, and lag reporting per
// spec §4.C, drawing the event envelope fields from the teacher's own
// runtime/agent/stream event model (Base's Type/RunID/Payload accessors
// become journal.Event's Kind/CorrID/Payload).
package bus

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/arw-hub/agenthub/internal/journal"
)

// DefaultQueueDepth is the default bounded per-subscriber queue size
// (spec §4.C: "Bounded per-subscriber queue (default 1024)").
const DefaultQueueDepth = 1024

// EventKindStreamLagged is emitted on a subscriber whose queue overflowed.
const EventKindStreamLagged = "service.stream.lagged"

// laggedPayload is the JSON payload of a service.stream.lagged event.
type laggedPayload struct {
	SubscriberID string `json:"subscriber_id"`
	Dropped      uint64 `json:"dropped"`
}

// Journal is the subset of *journal.Journal the bus depends on, so bus
// tests can substitute an in-memory fake.
type Journal interface {
	Append(rec journal.Record) (journal.Event, error)
	Read(afterOffset uint64, limit int, filter journal.Filter) ([]journal.Event, error)
	Tail() uint64
}

// Bus is the in-process event bus. Publish is atomic with the journal
// append (the append happens first; fan-out happens immediately after,
// before Publish returns) so publication order always matches journal
// order.
type Bus struct {
	j Journal

	mu          sync.Mutex
	publishLock sync.Mutex // serializes append+broadcast so order is total
	subs        map[*Subscription]struct{}
	nextSubID   uint64
}

// New returns a Bus that appends through j.
func New(j Journal) *Bus {
	return &Bus{j: j, subs: make(map[*Subscription]struct{})}
}

// Publish appends rec to the journal and fans the resulting event out to
// every matching, open subscription. The bus never blocks the publisher
// on a slow subscriber: a subscriber with a full queue has its oldest
// event dropped and its Dropped count raised. The bus sends no notice
// itself; the SSE handler turns a non-zero count into a lagged event.
func (b *Bus) Publish(rec journal.Record) (journal.Event, error) {
	b.publishLock.Lock()
	defer b.publishLock.Unlock()

	ev, err := b.j.Append(rec)
	if err != nil {
		return journal.Event{}, err
	}

	b.mu.Lock()
	targets := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.deliver(ev)
	}
	return ev, nil
}

// Subscription is a single subscriber's filtered view of the bus.
type Subscription struct {
	id      uint64
	filter  journal.Filter
	ch      chan journal.Event
	bus     *Bus
	dropped atomic.Uint64
	closeMu sync.Mutex
	closed  bool
}

// Events returns the channel of events matching this subscription's
// filter. The channel is closed when Close is called.
func (s *Subscription) Events() <-chan journal.Event { return s.ch }

// Dropped returns the number of events dropped for this subscriber so
// far due to queue overflow.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	close(s.ch)
}

func (s *Subscription) deliver(ev journal.Event) {
	if !s.filter(ev) {
		return
	}
	select {
	case s.ch <- ev:
		return
	default:
	}
	// Queue full: drop the oldest queued event to make room, then enqueue
	// the new one, and count the loss in dropped (spec §4.C).
	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.ch <- ev:
	default:
		// Extremely unlikely race against a concurrent deliver; count it too.
		s.dropped.Add(1)
	}
}

// Subscribe returns a stream of events with ID > cursor matching filter.
// If cursor is older than the journal's current tail minus the in-memory
// ring (the journal itself, here, since there is no separate ring), the
// returned subscription's channel is first fed the backfill from the
// journal before live events: callers should drain the channel without
// assuming "live" semantics until backfill is exhausted, matching
// "backfills from journal, then transitions to live" (spec §4.C).
func (b *Bus) Subscribe(filter journal.Filter, cursor uint64, queueDepth int) (*Subscription, error) {
	if filter == nil {
		filter = func(journal.Event) bool { return true }
	}
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}

	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	sub := &Subscription{id: id, filter: filter, ch: make(chan journal.Event, queueDepth), bus: b}
	b.mu.Unlock()

	// Hold the publish lock across the journal read, registration and
	// backfill delivery so no event is published in between: none is
	// missed, and live events queue behind the backfill in the same channel.
	b.publishLock.Lock()
	defer b.publishLock.Unlock()

	backfill, err := b.j.Read(cursor, 0, filter)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	for _, ev := range backfill {
		sub.deliver(ev)
	}
	return sub, nil
}

// Tail returns the current journal tail offset, usable as a resume
// cursor baseline.
func (b *Bus) Tail() uint64 { return b.j.Tail() }

// PublishLagged emits the service.stream.lagged notice for a subscriber
// that dropped events, onto the bus itself so other subscribers (e.g. a
// debug dashboard) can observe backpressure.
func (b *Bus) PublishLagged(subscriberID string, dropped uint64) (journal.Event, error) {
	payload, err := marshalLagged(laggedPayload{SubscriberID: subscriberID, Dropped: dropped})
	if err != nil {
		return journal.Event{}, err
	}
	return b.Publish(journal.Record{Kind: EventKindStreamLagged, Payload: payload})
}

func marshalLagged(p laggedPayload) ([]byte, error) {
	return json.Marshal(p)
}
