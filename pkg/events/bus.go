package events

import (
	"sync"
	"time"
)

// terminalSendTimeout bounds how long Publish will block trying to
// deliver a terminal event to a slow subscriber before giving up; it is
// "best-effort blocking", not an unconditional guarantee, per spec.md
// §4.1.
const terminalSendTimeout = 200 * time.Millisecond

// Bus is a room-scoped pub/sub dispatcher, the single egress for
// progress/state change events (spec.md §4.1). Grounded on the teacher's
// pkg/events/bus.go (map of subscribers behind sync.RWMutex, Publish
// fans out), generalized from a flat handler-per-type registry to
// per-room bounded channels so a slow subscriber cannot stall others and
// cannot unbound the bus's memory.
type Bus struct {
	mu         sync.RWMutex
	rooms      map[Room]map[int]*subscriber
	nextID     int
	bufferSize int
}

type subscriber struct {
	ch chan Event
}

// NewBus creates a new event bus. bufferSize is the per-subscriber
// channel capacity (teacher's orchestrator.Config.EventBufferSize serves
// the same role).
func NewBus(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Bus{
		rooms:      make(map[Room]map[int]*subscriber),
		bufferSize: bufferSize,
	}
}

// Subscribe registers a receiver for a room and returns a receive-only
// channel plus an Unsubscribe closure. This replaces the teacher's
// "Unsubscribe needs handler identification" TODO: each call gets its
// own channel identity instead of requiring Handler equality.
func (b *Bus) Subscribe(room Room) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.rooms[room] == nil {
		b.rooms[room] = make(map[int]*subscriber)
	}

	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Event, b.bufferSize)}
	b.rooms[room][id] = sub

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.rooms[room]; ok {
			if s, ok := subs[id]; ok {
				close(s.ch)
				delete(subs, id)
			}
			if len(subs) == 0 {
				delete(b.rooms, room)
			}
		}
	}

	return sub.ch, unsubscribe
}

// Publish delivers an event to every subscriber of event.Room.
// Non-terminal events use a non-blocking drop-oldest policy; terminal
// events (test.complete, etc.) get a short best-effort blocking send so
// they are not silently dropped under ordinary load (spec.md §4.1).
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := b.rooms[event.Room]
	targets := make([]*subscriber, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		b.deliver(s, event)
	}
}

func (b *Bus) deliver(s *subscriber, event Event) {
	select {
	case s.ch <- event:
		return
	default:
	}

	if !event.Kind.IsTerminal() {
		// Drop-oldest: make room by draining one queued event, then
		// try once more; if the channel is being drained concurrently
		// this may legitimately fail too, which is fine for telemetry.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- event:
		default:
		}
		return
	}

	// Terminal event: block briefly rather than drop it outright.
	timer := time.NewTimer(terminalSendTimeout)
	defer timer.Stop()
	select {
	case s.ch <- event:
	case <-timer.C:
	}
}
