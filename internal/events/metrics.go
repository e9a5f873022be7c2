package events

import "sync/atomic"

// SubscriberMetrics provides lock-free counters for one subscription
type SubscriberMetrics struct {
	EventsQueued      int64 // accepted by Publish
	EventsDelivered   int64 // handed to the handler
	EventsOverwritten int64 // lost to queue overflow
	HandlerPanics     int64 // recovered handler panics
}

func (m *SubscriberMetrics) incQueued() {
	atomic.AddInt64(&m.EventsQueued, 1)
}

func (m *SubscriberMetrics) incDelivered() {
	atomic.AddInt64(&m.EventsDelivered, 1)
}

func (m *SubscriberMetrics) addOverwritten(n uint32) {
	atomic.AddInt64(&m.EventsOverwritten, int64(n))
}

func (m *SubscriberMetrics) incPanics() {
	atomic.AddInt64(&m.HandlerPanics, 1)
}

// snapshot atomically reads every counter
func (m *SubscriberMetrics) snapshot() SubscriberMetrics {
	return SubscriberMetrics{
		EventsQueued:      atomic.LoadInt64(&m.EventsQueued),
		EventsDelivered:   atomic.LoadInt64(&m.EventsDelivered),
		EventsOverwritten: atomic.LoadInt64(&m.EventsOverwritten),
		HandlerPanics:     atomic.LoadInt64(&m.HandlerPanics),
	}
}
