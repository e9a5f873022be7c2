package goble

import (
	"context"

	"github.com/go-ble/ble"
	"github.com/srg/bleproxy/internal/device"
)

// Client is the subset of ble.Client the transport drives
type Client interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	ExchangeMTU(rxMTU int) (txMTU int, err error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	CancelConnection() error
}

// DialFunc opens a GATT client connection to addr
type DialFunc func(ctx context.Context, addr device.Address) (Client, error)

// NewDeviceDialer dials through a ble.Device
func NewDeviceDialer(dev ble.Device) DialFunc {
	return func(ctx context.Context, addr device.Address) (Client, error) {
		cln, err := dev.Dial(ctx, ble.NewAddr(addr.String()))
		if err != nil {
			return nil, err
		}
		return cln, nil
	}
}

// disconnectNotifier is implemented by clients that report link loss (darwin)
type disconnectNotifier interface {
	Disconnected() <-chan struct{}
}

// Cipher encrypts outgoing and decrypts incoming payloads
type Cipher interface {
	Encrypt(plain []byte) ([]byte, error)
	Decrypt(cipher []byte) ([]byte, error)
}
