// Package scanner discovers peripherals and records them in the device registry.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/registry"
	"github.com/srg/bleproxy/internal/ringchan"
)

// DefaultEventBuffer is the capacity of the device event channel
const DefaultEventBuffer = 100

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// DeviceEventType marks if the device was newly discovered or updated
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

func (t DeviceEventType) String() string {
	if t == EventNew {
		return "new"
	}
	return "updated"
}

type DeviceEvent struct {
	Type   DeviceEventType
	Record *device.DeviceRecord
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration        time.Duration
	DuplicateFilter bool
	ServiceUUIDs    []string
	AllowList       []string
	BlockList       []string
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration:        10 * time.Second,
		DuplicateFilter: true,
	}
}

// filter is ScanOptions with addresses and UUIDs normalized
type filter struct {
	services []string
	allow    []device.Address
	block    []device.Address
}

func newFilter(opts *ScanOptions) (*filter, error) {
	f := &filter{}
	if len(opts.ServiceUUIDs) > 0 {
		svcs, err := device.ValidateUUID(opts.ServiceUUIDs...)
		if err != nil {
			return nil, fmt.Errorf("invalid service filter: %w", err)
		}
		f.services = svcs
	}
	var err error
	if f.allow, err = parseAddresses(opts.AllowList); err != nil {
		return nil, fmt.Errorf("invalid allow list: %w", err)
	}
	if f.block, err = parseAddresses(opts.BlockList); err != nil {
		return nil, fmt.Errorf("invalid block list: %w", err)
	}
	return f, nil
}

func parseAddresses(list []string) ([]device.Address, error) {
	result := make([]device.Address, 0, len(list))
	for _, s := range list {
		addr, err := device.ParseAddress(s)
		if err != nil {
			return nil, err
		}
		result = append(result, addr)
	}
	return result, nil
}

// includes applies the block, allow and service filters in that order
func (f *filter) includes(rec *device.DeviceRecord) bool {
	if slices.Contains(f.block, rec.Address) {
		return false
	}
	if len(f.allow) > 0 && !slices.Contains(f.allow, rec.Address) {
		return false
	}
	if len(f.services) > 0 {
		return slices.ContainsFunc(f.services, func(svc string) bool {
			return slices.Contains(rec.Services, svc)
		})
	}
	return true
}

// Scanner handles BLE device discovery
type Scanner struct {
	dev      device.ScanningDevice
	registry *registry.Registry
	events   *ringchan.RingChannel[DeviceEvent]
	logger   *logrus.Logger

	// one scan at a time; the radio cannot run two
	mu sync.Mutex
}

// NewScanner creates a scanner recording into reg
func NewScanner(dev device.ScanningDevice, reg *registry.Registry, logger *logrus.Logger) (*Scanner, error) {
	if dev == nil {
		return nil, fmt.Errorf("%w: no scanning device", device.ErrTransportUnavailable)
	}
	if logger == nil {
		logger = logrus.New()
	}
	if reg == nil {
		reg = registry.New(logger)
	}

	return &Scanner{
		dev:      dev,
		registry: reg,
		events:   ringchan.New[DeviceEvent](DefaultEventBuffer),
		logger:   logger,
	}, nil
}

// Registry returns the registry the scanner records into
func (s *Scanner) Registry() *registry.Registry {
	return s.registry
}

// Scan performs BLE discovery with provided options and returns the devices seen
// by this scan in first-seen order. A zero Duration scans until ctx ends.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, progressCallback ProgressCallback) ([]*device.DeviceRecord, error) {
	return s.scan(ctx, opts, progressCallback, nil)
}

// Find scans until addr is seen and returns its record. The scan stops early
// on a match; otherwise ErrUnknownDevice is returned when the duration ends.
func (s *Scanner) Find(ctx context.Context, addr device.Address, opts *ScanOptions) (*device.DeviceRecord, error) {
	if opts == nil {
		opts = DefaultScanOptions()
	}
	o := *opts
	o.AllowList = []string{addr.String()}

	var found *device.DeviceRecord
	_, err := s.scan(ctx, &o, nil, func(rec *device.DeviceRecord) bool {
		found = rec
		return true
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s not seen within %s", device.ErrUnknownDevice, addr, o.Duration)
	}
	return found, nil
}

func (s *Scanner) scan(ctx context.Context, opts *ScanOptions, progressCallback ProgressCallback, stop func(*device.DeviceRecord) bool) ([]*device.DeviceRecord, error) {
	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progressCallback == nil {
		progressCallback = func(string) {} // No-op callback
	}
	f, err := newFilter(opts)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if opts.Duration > 0 {
		var cancelTimeout context.CancelFunc
		scanCtx, cancelTimeout = context.WithTimeout(scanCtx, opts.Duration)
		defer cancelTimeout()
	}

	s.logger.WithField("duration", opts.Duration).Info("Starting BLE scan...")
	progressCallback("Scanning")

	seen := hashmap.New[device.Address, struct{}]()
	var orderMu sync.Mutex
	var addrs []device.Address

	handler := func(adv device.Advertisement) {
		rec, err := device.NewDeviceRecord(adv)
		if err != nil {
			s.logger.WithError(err).WithField("address", adv.Addr()).Debug("Ignoring advertisement")
			return
		}
		if !f.includes(rec) {
			return
		}

		isNew := s.registry.Upsert(rec)
		if _, existing := seen.GetOrInsert(rec.Address, struct{}{}); !existing {
			orderMu.Lock()
			addrs = append(addrs, rec.Address)
			orderMu.Unlock()
		}

		stored, _ := s.registry.Get(rec.Address)
		event := DeviceEvent{Type: EventUpdated, Record: stored}
		if isNew {
			event.Type = EventNew
			s.logger.WithFields(logrus.Fields{
				"device":  stored.Name(),
				"address": stored.Address,
				"rssi":    stored.RSSI,
			}).Info("Discovered new device")
		}
		if s.events.Send(event) {
			s.logger.Debug("Device event buffer full, dropped oldest event")
		}

		if stop != nil && stop(stored) {
			cancel()
		}
	}

	// go-ble's allowDup is the inverse of duplicate filtering
	err = s.dev.Scan(scanCtx, !opts.DuplicateFilter, handler)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", device.NormalizeError(err))
	}

	s.logger.WithField("device_count", seen.Len()).Info("BLE scan completed")
	progressCallback("Processing results")

	orderMu.Lock()
	defer orderMu.Unlock()
	result := make([]*device.DeviceRecord, 0, len(addrs))
	for _, addr := range addrs {
		if rec, ok := s.registry.Get(addr); ok {
			result = append(result, rec)
		}
	}
	return result, nil
}

// Events return a read-only channel of device events
func (s *Scanner) Events() <-chan DeviceEvent {
	return s.events.C()
}

// Close stops event delivery
func (s *Scanner) Close() {
	s.events.Close()
}
