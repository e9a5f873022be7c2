// Package registry keeps the peripherals discovered by scanning, keyed by address
// and listed in the order they were first seen.
package registry

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleproxy/internal/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Registry de-duplicates scan results by address.
//
// Records are never removed automatically; only Clear empties the registry.
// All methods are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	devices *orderedmap.OrderedMap[device.Address, *device.DeviceRecord]
	logger  *logrus.Logger
}

// New creates an empty registry
func New(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		devices: orderedmap.New[device.Address, *device.DeviceRecord](),
		logger:  logger,
	}
}

// Upsert inserts rec, or refreshes the display metadata of the existing record with
// the same address. The first-seen position is kept. Reports whether rec was new.
func (r *Registry) Upsert(rec *device.DeviceRecord) bool {
	if rec == nil || rec.Address == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.devices.Get(rec.Address)
	if !ok {
		stored := rec.Clone()
		now := time.Now()
		if stored.FirstSeen.IsZero() {
			stored.FirstSeen = now
		}
		if stored.LastSeen.IsZero() {
			stored.LastSeen = now
		}
		r.devices.Set(rec.Address, stored)

		r.logger.WithFields(logrus.Fields{
			"address": rec.Address,
			"name":    rec.DisplayName,
			"oad":     rec.OADCapable,
		}).Debug("Registered new device")
		return true
	}

	if rec.DisplayName != "" {
		existing.DisplayName = rec.DisplayName
	}
	if rec.AdvertisementPayload != nil {
		existing.AdvertisementPayload = append([]byte(nil), rec.AdvertisementPayload...)
	}
	if len(rec.Services) > 0 {
		existing.Services = append([]string(nil), rec.Services...)
	}
	existing.OADCapable = existing.OADCapable || rec.OADCapable
	existing.RSSI = rec.RSSI
	if rec.LastSeen.IsZero() {
		existing.LastSeen = time.Now()
	} else {
		existing.LastSeen = rec.LastSeen
	}
	return false
}

// Get returns a copy of the record for addr
func (r *Registry) Get(addr device.Address) (*device.DeviceRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.devices.Get(addr)
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Contains reports whether addr has been seen
func (r *Registry) Contains(addr device.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.devices.Get(addr)
	return ok
}

// List returns copies of all records in first-seen order
func (r *Registry) List() []*device.DeviceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*device.DeviceRecord, 0, r.devices.Len())
	for pair := r.devices.Oldest(); pair != nil; pair = pair.Next() {
		result = append(result, pair.Value.Clone())
	}
	return result
}

// Len returns the number of known devices
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devices.Len()
}

// Clear forgets every device
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.devices = orderedmap.New[device.Address, *device.DeviceRecord]()
	r.logger.Debug("Device registry cleared")
}
