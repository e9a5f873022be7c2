package testutils

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/srg/bleproxy/internal/device"
)

// FakeAdvertisement is a device.Advertisement with fixed fields
type FakeAdvertisement struct {
	Name          string   `json:"name"`
	Address       string   `json:"address"`
	Rssi          int      `json:"rssi"`
	ServiceIDs    []string `json:"services"`
	ManufData     []byte   `json:"manufacturerData"`
	TxPower       int      `json:"txPower"`
	IsConnectable bool     `json:"connectable"`
	Raw           []byte   `json:"payload"`
}

func (a *FakeAdvertisement) LocalName() string        { return a.Name }
func (a *FakeAdvertisement) ManufacturerData() []byte { return a.ManufData }
func (a *FakeAdvertisement) Services() []string       { return a.ServiceIDs }
func (a *FakeAdvertisement) TxPowerLevel() int        { return a.TxPower }
func (a *FakeAdvertisement) Connectable() bool        { return a.IsConnectable }
func (a *FakeAdvertisement) RSSI() int                { return a.Rssi }
func (a *FakeAdvertisement) Addr() string             { return a.Address }
func (a *FakeAdvertisement) Payload() []byte          { return a.Raw }

// AdvertisementBuilder builds FakeAdvertisements with a fluent API
type AdvertisementBuilder struct {
	adv FakeAdvertisement
}

// NewAdvertisementBuilder starts a connectable advertisement with no TX power
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{adv: FakeAdvertisement{TxPower: 127, IsConnectable: true}}
}

func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.Name = name
	return b
}

func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.Address = addr
	return b
}

func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.Rssi = rssi
	return b
}

// WithServices adds service UUIDs in short or full form
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.adv.ServiceIDs = append(b.adv.ServiceIDs, uuids...)
	return b
}

func (b *AdvertisementBuilder) WithManufacturerData(data []byte) *AdvertisementBuilder {
	b.adv.ManufData = data
	return b
}

func (b *AdvertisementBuilder) WithPayload(raw []byte) *AdvertisementBuilder {
	b.adv.Raw = raw
	return b
}

func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.adv.IsConnectable = c
	return b
}

// FromJSON fills fields from a JSON document with format support.
// Panics on invalid JSON as this is intended for test data setup.
func (b *AdvertisementBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	if err := json.Unmarshal([]byte(fmt.Sprintf(jsonStrFmt, args...)), &b.adv); err != nil {
		panic(fmt.Sprintf("FromJSON: %v", err))
	}
	return b
}

func (b *AdvertisementBuilder) Build() *FakeAdvertisement {
	adv := b.adv
	adv.ServiceIDs = append([]string(nil), b.adv.ServiceIDs...)
	return &adv
}

// FakeScanningDevice replays advertisements to every Scan call, then waits for
// the context to end like a real radio.
type FakeScanningDevice struct {
	mu       sync.Mutex
	ads      []device.Advertisement
	interval time.Duration
	err      error
	scans    int
	allowDup []bool
}

func NewFakeScanningDevice(ads ...device.Advertisement) *FakeScanningDevice {
	return &FakeScanningDevice{ads: ads}
}

// WithInterval spaces out replayed advertisements
func (d *FakeScanningDevice) WithInterval(interval time.Duration) *FakeScanningDevice {
	d.interval = interval
	return d
}

// WithError makes Scan fail immediately
func (d *FakeScanningDevice) WithError(err error) *FakeScanningDevice {
	d.err = err
	return d
}

func (d *FakeScanningDevice) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	d.mu.Lock()
	d.scans++
	d.allowDup = append(d.allowDup, allowDup)
	ads := append([]device.Advertisement(nil), d.ads...)
	err := d.err
	d.mu.Unlock()

	if err != nil {
		return err
	}
	for _, adv := range ads {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		handler(adv)
		if d.interval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.interval):
			}
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

// Scans returns how many scans were started
func (d *FakeScanningDevice) Scans() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scans
}

// AllowDup returns the allowDup argument of every scan
func (d *FakeScanningDevice) AllowDup() []bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]bool(nil), d.allowDup...)
}
