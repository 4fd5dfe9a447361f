package es

import "github.com/google/uuid"

// Aggregate is the runtime contract every event-sourced aggregate satisfies.
// Apply must dispatch exhaustively over the aggregate's event types and panic
// on an unknown type: that is a programming error, not a runtime condition.
type Aggregate interface {
	ID() uuid.UUID
	AggregateType() string
	Version() int64
	Apply(ev Event)
	Replay(events []Event)
	UncommittedEvents() []Event
	ClearUncommitted()
}

// Base carries the bookkeeping shared by all aggregates: identity, version
// (the count of applied events) and the uncommitted-event list. Embed it and
// route every state change through Raise.
type Base struct {
	id          uuid.UUID
	version     int64
	uncommitted []Event
}

func NewBase(id uuid.UUID) Base {
	return Base{id: id}
}

func (b *Base) ID() uuid.UUID { return b.id }

func (b *Base) Version() int64 { return b.version }

// Raise records one event: it is applied to the aggregate's fields, appended
// to the uncommitted list, and the version advances by exactly one.
func (b *Base) Raise(ev Event, apply func(Event)) {
	apply(ev)
	b.uncommitted = append(b.uncommitted, ev)
	b.version++
}

// ReplayThrough re-applies historical events without recording them. A fresh
// aggregate replayed through N events ends at version N; an empty list leaves
// it at version 0.
func (b *Base) ReplayThrough(events []Event, apply func(Event)) {
	for _, ev := range events {
		apply(ev)
		b.version++
	}
}

// SeedVersion positions the aggregate at a snapshot's version before newer
// events are replayed on top.
func (b *Base) SeedVersion(v int64) {
	b.version = v
}

// UncommittedEvents returns a point-in-time copy. Later mutation of the
// aggregate must not alter a previously obtained list.
func (b *Base) UncommittedEvents() []Event {
	if len(b.uncommitted) == 0 {
		return nil
	}
	out := make([]Event, len(b.uncommitted))
	copy(out, b.uncommitted)
	return out
}

func (b *Base) ClearUncommitted() {
	b.uncommitted = nil
}
