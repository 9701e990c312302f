package alloy

import (
	"fmt"

	"github.com/google/uuid"
)

// EventKind names the kinds of events the input subsystem produces.
type EventKind string

const (
	EventKindUpdate          EventKind = "update"
	EventKindButtonDown      EventKind = "button_down"
	EventKindButtonUp        EventKind = "button_up"
	EventKindButtonClicked   EventKind = "button_clicked"
	EventKindButtonLongPress EventKind = "button_long_press"
	EventKindError           EventKind = "error"

	// eventKindChange is a legacy synonym for update, accepted on input only.
	eventKindChange EventKind = "change"
)

// ParseEventKind validates a kind received from an external source.
// The legacy "change" kind is normalized to update.
func ParseEventKind(s string) (EventKind, error) {
	switch k := EventKind(s); k {
	case EventKindUpdate, EventKindButtonDown, EventKindButtonUp,
		EventKindButtonClicked, EventKindButtonLongPress, EventKindError:
		return k, nil
	case eventKindChange:
		return EventKindUpdate, nil
	default:
		return "", fmt.Errorf("unknown event kind: %q", s)
	}
}

// HasValue reports whether events of this kind carry a payload value.
// Updates carry the new channel value, clicks and long presses carry a
// duration in seconds.
func (k EventKind) HasValue() bool {
	switch k {
	case EventKindUpdate, EventKindButtonClicked, EventKindButtonLongPress:
		return true
	default:
		return false
	}
}

// Event is one discrete occurrence on an input channel.
type Event struct {
	Kind EventKind
	// Value is the new channel value for update events, or the press
	// duration in seconds for clicked/long-press events. Unset otherwise.
	Value float64
	// Err carries the error text for error events.
	Err string
}

// AddressedEvent is an Event tagged with its source address and a unique id
// for tracing it through the queueing and dispatch path.
type AddressedEvent struct {
	ID      uuid.UUID
	Address Address
	Event   Event
}

// NewAddressedEvent stamps an event with a fresh id.
func NewAddressedEvent(addr Address, e Event) AddressedEvent {
	return AddressedEvent{ID: uuid.New(), Address: addr, Event: e}
}

// EventFilter describes the event kinds a program subscribed to on one
// address.
type EventFilter struct {
	Kinds []EventKind
}

// Matches reports whether the filter admits e.
func (f EventFilter) Matches(e Event) bool {
	for _, k := range f.Kinds {
		if k == e.Kind {
			return true
		}
	}
	return false
}

// Add records a kind, deduplicating.
func (f *EventFilter) Add(k EventKind) {
	for _, have := range f.Kinds {
		if have == k {
			return
		}
	}
	f.Kinds = append(f.Kinds, k)
}
