package testutils

import (
	"sync"
	"time"

	"github.com/srg/bleproxy/internal/events"
	"github.com/stretchr/testify/require"
)

// EventRecorder collects GattEvents. It serves both as a router Handler and as a
// synchronous connection.Publisher.
type EventRecorder struct {
	mu     sync.Mutex
	events []events.GattEvent
}

func NewEventRecorder() *EventRecorder {
	return &EventRecorder{}
}

// Handle records ev
func (r *EventRecorder) Handle(ev events.GattEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Publish records ev synchronously
func (r *EventRecorder) Publish(ev events.GattEvent) {
	r.Handle(ev)
}

// Events returns a copy of everything recorded so far
func (r *EventRecorder) Events() []events.GattEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.GattEvent(nil), r.events...)
}

// Kinds returns the recorded event kinds in order
func (r *EventRecorder) Kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]events.Kind, len(r.events))
	for i, ev := range r.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

// Count returns how many events of kind were recorded
func (r *EventRecorder) Count(kind events.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *EventRecorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *EventRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// WaitFor blocks until at least n events are recorded and returns them
func (r *EventRecorder) WaitFor(t require.TestingT, n int, timeout time.Duration) []events.GattEvent {
	require.Eventually(t, func() bool { return r.Len() >= n }, timeout, time.Millisecond,
		"expected at least %d events", n)
	return r.Events()
}

// WaitForKind blocks until an event of kind is recorded
func (r *EventRecorder) WaitForKind(t require.TestingT, kind events.Kind, timeout time.Duration) {
	require.Eventually(t, func() bool { return r.Count(kind) > 0 }, timeout, time.Millisecond,
		"expected a %s event", kind)
}
