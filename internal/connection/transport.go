package connection

import "github.com/srg/bleproxy/internal/device"

// Transport is the outbound side of a BLE stack. Every request is asynchronous:
// the outcome arrives later through Callbacks. A returned error means the request
// could not be issued at all.
//
// Implementations may invoke Callbacks synchronously from within a request.
// RequestDisconnect is the exception to asynchronous reporting: the Disconnected
// it answers with, if any, must be delivered before it returns, and nothing is
// reported for the torn down link afterwards.
type Transport interface {
	RequestConnect(addr device.Address, autoReconnect bool) error
	RequestDisconnect(addr device.Address) error
	DiscoverServices(addr device.Address) error
	RequestEnableNotification(addr device.Address, serviceID, charID string) error
	RequestMtu(addr device.Address, mtu int) error
	RequestRead(addr device.Address, serviceID, charID string) error
	Send(addr device.Address, data []byte, encrypt bool) error
}

// Decoder is implemented by transports that decrypt received data themselves
type Decoder interface {
	SetDecode(enabled bool)
}

// Callbacks is the inbound side: what a Transport reports back. Callbacks for one
// address must be delivered in the order the transport observed them.
type Callbacks interface {
	OnTransportConnected(addr device.Address)
	OnTransportConnectionError(addr device.Address, code, state int)
	OnTransportDisconnected(addr device.Address)
	OnTransportServicesDiscovered(addr device.Address)
	OnCharacteristicChanged(addr device.Address, serviceID, charID string, payload []byte)
	OnCharacteristicRead(addr device.Address, serviceID, charID string, payload []byte, status int)
	OnCharacteristicWrite(addr device.Address, serviceID, charID string, status int)
	OnMtuChanged(addr device.Address, mtu, status int)
}
