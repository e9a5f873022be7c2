package device

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Address identifies a peripheral. It is the unique key for all per-device state.
type Address string

// String implements fmt.Stringer
func (a Address) String() string {
	return string(a)
}

// ParseAddress normalizes a user supplied hardware address ("aa-bb-cc-dd-ee-ff",
// "aabbccddeeff", "AA:BB:CC:DD:EE:FF") into the upper case colon-separated form.
// Platform identifiers that are not 6-byte hardware addresses (CoreBluetooth UUIDs)
// are returned trimmed and lower-cased.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("device address is empty")
	}

	hex := strings.NewReplacer(":", "", "-", "").Replace(s)
	if len(hex) == 12 && isHex(hex) {
		hex = strings.ToUpper(hex)
		parts := make([]string, 0, 6)
		for i := 0; i < 12; i += 2 {
			parts = append(parts, hex[i:i+2])
		}
		return Address(strings.Join(parts, ":")), nil
	}

	// CoreBluetooth exposes peripherals by UUID rather than by MAC address
	if len(hex) == 32 && isHex(hex) {
		return Address(strings.ToLower(s)), nil
	}

	return "", fmt.Errorf("invalid device address %q", s)
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// OADServiceUUID is the TI over-the-air download service advertised by
// firmware-updatable modules.
const OADServiceUUID = "f000ffc0-0451-4000-b000-000000000000"

// DeviceRecord is a discovered peripheral as seen by the scanner.
//
// Two records are the same device iff their addresses are equal; name and
// payload are display metadata only.
//
//nolint:revive // DeviceRecord reads better than Record at call sites (device.DeviceRecord)
type DeviceRecord struct {
	Address              Address   `json:"address"`
	DisplayName          string    `json:"name,omitempty"`
	AdvertisementPayload []byte    `json:"adv_payload,omitempty"`
	OADCapable           bool      `json:"oad_capable"`
	RSSI                 int       `json:"rssi"`
	Services             []string  `json:"services,omitempty"`
	FirstSeen            time.Time `json:"first_seen"`
	LastSeen             time.Time `json:"last_seen"`
}

// Equal reports whether both records describe the same peripheral
func (r *DeviceRecord) Equal(other *DeviceRecord) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.Address == other.Address
}

// Name returns the display name, falling back to the address
func (r *DeviceRecord) Name() string {
	if r.DisplayName == "" {
		return string(r.Address)
	}
	return r.DisplayName
}

// Clone returns a deep copy safe to hand out of a lock
func (r *DeviceRecord) Clone() *DeviceRecord {
	c := *r
	if r.AdvertisementPayload != nil {
		c.AdvertisementPayload = append([]byte(nil), r.AdvertisementPayload...)
	}
	if r.Services != nil {
		c.Services = append([]string(nil), r.Services...)
	}
	return &c
}

// NewDeviceRecord builds a record from an advertisement sighting
func NewDeviceRecord(adv Advertisement) (*DeviceRecord, error) {
	addr, err := ParseAddress(adv.Addr())
	if err != nil {
		return nil, err
	}

	now := time.Now()
	rec := &DeviceRecord{
		Address:              addr,
		DisplayName:          strings.TrimSpace(adv.LocalName()),
		AdvertisementPayload: append([]byte(nil), adv.Payload()...),
		RSSI:                 adv.RSSI(),
		FirstSeen:            now,
		LastSeen:             now,
	}

	oad := NormalizeUUID(OADServiceUUID)
	for _, svc := range adv.Services() {
		normalized := NormalizeUUID(svc)
		rec.Services = append(rec.Services, normalized)
		if normalized == oad {
			rec.OADCapable = true
		}
	}

	return rec, nil
}

// ConnectionState is the per-address connection state machine position
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDiscoveringServices
	StateReady
	StateDisconnecting
	StateError
)

var stateNames = [...]string{
	StateDisconnected:        "disconnected",
	StateConnecting:          "connecting",
	StateConnected:           "connected",
	StateDiscoveringServices: "discovering_services",
	StateReady:               "ready",
	StateDisconnecting:       "disconnecting",
	StateError:               "error",
}

func (s ConnectionState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// IsLinked reports whether the transport holds (or is establishing) a link in this state
func (s ConnectionState) IsLinked() bool {
	switch s {
	case StateConnecting, StateConnected, StateDiscoveringServices, StateReady, StateDisconnecting:
		return true
	default:
		return false
	}
}

// Advertisement is the scanner's view of a single advertising report
type Advertisement interface {
	LocalName() string
	ManufacturerData() []byte
	Services() []string
	TxPowerLevel() int
	Connectable() bool
	RSSI() int
	Addr() string

	// Payload returns the raw advertising bytes when the platform exposes them,
	// or a reconstruction from the parsed fields otherwise.
	Payload() []byte
}

// ScanningDevice is a radio that can report advertisements
type ScanningDevice interface {
	Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error
}
