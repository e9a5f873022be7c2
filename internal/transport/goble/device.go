package goble

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/srg/bleproxy/internal/device"
)

// DeviceFactory creates the platform ble.Device (can be overridden in tests)
var DeviceFactory = newPlatformDevice

// OpenDevice creates the platform radio, mapping stack errors to device errors
func OpenDevice() (ble.Device, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", device.NormalizeError(err))
	}
	return dev, nil
}

// scanningDevice adapts ble.Device to device.ScanningDevice
type scanningDevice struct {
	dev ble.Device
}

// NewScanningDevice wraps a ble.Device so the scanner sees device.Advertisement values
func NewScanningDevice(dev ble.Device) device.ScanningDevice {
	return &scanningDevice{dev: dev}
}

func (s *scanningDevice) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	err := s.dev.Scan(ctx, allowDup, func(adv ble.Advertisement) {
		handler(NewAdvertisement(adv))
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return device.NormalizeError(err)
}
