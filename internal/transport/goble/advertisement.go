package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/bleproxy/internal/device"
)

// AD structure types, Bluetooth Core Supplement part A
const (
	adIncomplete16   = 0x02
	adIncomplete128  = 0x06
	adCompleteName   = 0x09
	adTxPower        = 0x0A
	adServiceData16  = 0x16
	adServiceData128 = 0x21
	adManufacturer   = 0xFF

	txPowerUnavailable = 127
)

// advertisement wraps ble.Advertisement to implement device.Advertisement
type advertisement struct {
	adv ble.Advertisement
}

// NewAdvertisement adapts a go-ble advertising report
func NewAdvertisement(adv ble.Advertisement) device.Advertisement {
	return &advertisement{adv: adv}
}

func (a *advertisement) LocalName() string        { return a.adv.LocalName() }
func (a *advertisement) ManufacturerData() []byte { return a.adv.ManufacturerData() }
func (a *advertisement) TxPowerLevel() int        { return int(a.adv.TxPowerLevel()) }
func (a *advertisement) Connectable() bool        { return a.adv.Connectable() }
func (a *advertisement) RSSI() int                { return a.adv.RSSI() }
func (a *advertisement) Addr() string             { return a.adv.Addr().String() }

func (a *advertisement) Services() []string {
	svcs := a.adv.Services()
	result := make([]string, len(svcs))
	for i, u := range svcs {
		result[i] = u.String()
	}
	return result
}

// Payload rebuilds the advertising data from the parsed fields. go-ble does not
// expose the raw report on every platform.
func (a *advertisement) Payload() []byte {
	fields := adFields{
		name:     a.adv.LocalName(),
		manuf:    a.adv.ManufacturerData(),
		txPower:  int(a.adv.TxPowerLevel()),
		services: a.adv.Services(),
	}
	for _, sd := range a.adv.ServiceData() {
		fields.serviceData = append(fields.serviceData, serviceData{uuid: sd.UUID, data: sd.Data})
	}
	return fields.encode()
}

type serviceData struct {
	uuid ble.UUID
	data []byte
}

type adFields struct {
	name        string
	manuf       []byte
	txPower     int
	services    []ble.UUID
	serviceData []serviceData
}

// encode emits length-type-value AD structures. ble.UUID is already little endian.
func (f adFields) encode() []byte {
	var out []byte
	put := func(typ byte, data []byte) {
		if len(data) == 0 || len(data) > 254 {
			return
		}
		out = append(out, byte(len(data)+1), typ)
		out = append(out, data...)
	}

	var short, long []byte
	for _, u := range f.services {
		switch len(u) {
		case 2:
			short = append(short, u...)
		case 16:
			long = append(long, u...)
		}
	}
	put(adIncomplete16, short)
	put(adIncomplete128, long)

	if f.name != "" {
		put(adCompleteName, []byte(f.name))
	}
	if f.txPower != txPowerUnavailable {
		put(adTxPower, []byte{byte(int8(f.txPower))})
	}
	for _, sd := range f.serviceData {
		switch len(sd.uuid) {
		case 2:
			put(adServiceData16, append(append([]byte(nil), sd.uuid...), sd.data...))
		case 16:
			put(adServiceData128, append(append([]byte(nil), sd.uuid...), sd.data...))
		}
	}
	put(adManufacturer, f.manuf)

	return out
}
