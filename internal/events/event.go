package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/srg/bleproxy/internal/device"
)

// Kind discriminates GattEvent variants
type Kind int

const (
	KindConnected Kind = iota + 1
	KindConnectTimeout
	KindConnectError
	KindDisconnected
	KindServicesDiscovered
	KindCharacteristicChanged
	KindCharacteristicRead
	KindCharacteristicWrite
	KindMtuChanged
)

// GattSuccess is the status reported by the stack for a successful GATT operation
const GattSuccess = 0

var kindNames = map[Kind]string{
	KindConnected:             "connected",
	KindConnectTimeout:        "connect_timeout",
	KindConnectError:          "connect_error",
	KindDisconnected:          "disconnected",
	KindServicesDiscovered:    "services_discovered",
	KindCharacteristicChanged: "characteristic_changed",
	KindCharacteristicRead:    "characteristic_read",
	KindCharacteristicWrite:   "characteristic_write",
	KindMtuChanged:            "mtu_changed",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText encodes the kind by name
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name
func (k *Kind) UnmarshalText(text []byte) error {
	for kind, name := range kindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown event kind %q", text)
}

// GattEvent is one observation about a peripheral. Which fields are meaningful
// depends on Kind:
//
//	ConnectError           Code, State
//	CharacteristicChanged  ServiceID, CharID, Payload
//	CharacteristicRead     ServiceID, CharID, Payload, Status
//	CharacteristicWrite    ServiceID, CharID, Status
//	MtuChanged             MTU, Status
//
// Events are values; the payload is copied on construction and Payload returns a copy.
type GattEvent struct {
	Kind      Kind
	Address   device.Address
	ServiceID string
	CharID    string
	Code      int
	State     int
	Status    int
	MTU       int

	// Seq and TsUs are stamped by the router on Publish
	Seq  uint64
	TsUs int64

	payload []byte
}

// Payload returns a copy of the characteristic value
func (e GattEvent) Payload() []byte {
	if e.payload == nil {
		return nil
	}
	return append([]byte(nil), e.payload...)
}

// PayloadLen returns the payload size without copying it
func (e GattEvent) PayloadLen() int {
	return len(e.payload)
}

// OK reports whether a status-carrying event succeeded
func (e GattEvent) OK() bool {
	return e.Status == GattSuccess
}

func (e GattEvent) String() string {
	switch e.Kind {
	case KindConnectError:
		return fmt.Sprintf("%s %s code=%d state=%d", e.Address, e.Kind, e.Code, e.State)
	case KindCharacteristicChanged:
		return fmt.Sprintf("%s %s %s/%s % X", e.Address, e.Kind, e.ServiceID, e.CharID, e.payload)
	case KindCharacteristicRead:
		return fmt.Sprintf("%s %s %s/%s status=%d % X", e.Address, e.Kind, e.ServiceID, e.CharID, e.Status, e.payload)
	case KindCharacteristicWrite:
		return fmt.Sprintf("%s %s %s/%s status=%d", e.Address, e.Kind, e.ServiceID, e.CharID, e.Status)
	case KindMtuChanged:
		return fmt.Sprintf("%s %s mtu=%d status=%d", e.Address, e.Kind, e.MTU, e.Status)
	default:
		return fmt.Sprintf("%s %s", e.Address, e.Kind)
	}
}

type jsonEvent struct {
	Seq       uint64         `json:"seq"`
	TsUs      int64          `json:"ts_us"`
	Kind      Kind           `json:"kind"`
	Address   device.Address `json:"address"`
	ServiceID string         `json:"service,omitempty"`
	CharID    string         `json:"characteristic,omitempty"`
	Payload   []byte         `json:"payload,omitempty"`
	Code      *int           `json:"code,omitempty"`
	State     *int           `json:"state,omitempty"`
	Status    *int           `json:"status,omitempty"`
	MTU       *int           `json:"mtu,omitempty"`
}

// MarshalJSON emits only the fields meaningful for the event kind
func (e GattEvent) MarshalJSON() ([]byte, error) {
	j := jsonEvent{
		Seq:       e.Seq,
		TsUs:      e.TsUs,
		Kind:      e.Kind,
		Address:   e.Address,
		ServiceID: e.ServiceID,
		CharID:    e.CharID,
		Payload:   e.payload,
	}
	switch e.Kind {
	case KindConnectError:
		j.Code, j.State = &e.Code, &e.State
	case KindCharacteristicRead, KindCharacteristicWrite:
		j.Status = &e.Status
	case KindMtuChanged:
		j.MTU, j.Status = &e.MTU, &e.Status
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes the MarshalJSON form
func (e *GattEvent) UnmarshalJSON(data []byte) error {
	var j jsonEvent
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	*e = GattEvent{
		Kind:      j.Kind,
		Address:   j.Address,
		ServiceID: j.ServiceID,
		CharID:    j.CharID,
		Seq:       j.Seq,
		TsUs:      j.TsUs,
		payload:   j.Payload,
	}
	if j.Code != nil {
		e.Code = *j.Code
	}
	if j.State != nil {
		e.State = *j.State
	}
	if j.Status != nil {
		e.Status = *j.Status
	}
	if j.MTU != nil {
		e.MTU = *j.MTU
	}
	return nil
}

func Connected(addr device.Address) GattEvent {
	return GattEvent{Kind: KindConnected, Address: addr}
}

func ConnectTimeout(addr device.Address) GattEvent {
	return GattEvent{Kind: KindConnectTimeout, Address: addr}
}

// ConnectError carries the stack's error code and connection state verbatim
func ConnectError(addr device.Address, code, state int) GattEvent {
	return GattEvent{Kind: KindConnectError, Address: addr, Code: code, State: state}
}

func Disconnected(addr device.Address) GattEvent {
	return GattEvent{Kind: KindDisconnected, Address: addr}
}

func ServicesDiscovered(addr device.Address) GattEvent {
	return GattEvent{Kind: KindServicesDiscovered, Address: addr}
}

func CharacteristicChanged(addr device.Address, serviceID, charID string, payload []byte) GattEvent {
	return GattEvent{
		Kind:      KindCharacteristicChanged,
		Address:   addr,
		ServiceID: device.NormalizeUUID(serviceID),
		CharID:    device.NormalizeUUID(charID),
		payload:   copyPayload(payload),
	}
}

func CharacteristicRead(addr device.Address, serviceID, charID string, payload []byte, status int) GattEvent {
	return GattEvent{
		Kind:      KindCharacteristicRead,
		Address:   addr,
		ServiceID: device.NormalizeUUID(serviceID),
		CharID:    device.NormalizeUUID(charID),
		Status:    status,
		payload:   copyPayload(payload),
	}
}

func CharacteristicWrite(addr device.Address, serviceID, charID string, status int) GattEvent {
	return GattEvent{
		Kind:      KindCharacteristicWrite,
		Address:   addr,
		ServiceID: device.NormalizeUUID(serviceID),
		CharID:    device.NormalizeUUID(charID),
		Status:    status,
	}
}

func MtuChanged(addr device.Address, mtu, status int) GattEvent {
	return GattEvent{Kind: KindMtuChanged, Address: addr, MTU: mtu, Status: status}
}

func copyPayload(p []byte) []byte {
	if p == nil {
		return nil
	}
	return append(make([]byte, 0, len(p)), p...)
}

func nowMicros() int64 {
	return time.Now().UnixMicro()
}
