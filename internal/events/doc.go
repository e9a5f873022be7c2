// Package events defines the GattEvent stream and the Router that fans it out
// to subscribers.
//
// The connection manager is the only publisher. Every event carries the peripheral
// address, and per address the router preserves the order in which events were
// published. A subscriber that falls behind loses its oldest queued events, which
// is logged and counted in its metrics.
package events
