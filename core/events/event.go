package events

import "taskescrow/core/types"

// Event represents a structured state change emitted by the runtime.
type Event interface {
	EventType() string
}

// Payloader is implemented by events that carry a canonical attribute payload.
// Only payload-carrying events are persisted to the journal.
type Payloader interface {
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Buffer collects events in emission order so a caller can decide whether to
// publish or drop them once the surrounding operation settles.
type Buffer struct {
	events []Event
}

// Emit implements the Emitter interface.
func (b *Buffer) Emit(evt Event) {
	if evt == nil {
		return
	}
	b.events = append(b.events, evt)
}

// Events returns the buffered events.
func (b *Buffer) Events() []Event {
	return append([]Event(nil), b.events...)
}

// Reset drops the buffered events.
func (b *Buffer) Reset() { b.events = nil }
