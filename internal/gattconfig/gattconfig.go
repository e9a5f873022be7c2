// Package gattconfig holds the table of characteristics that are subscribed to
// automatically once a peripheral's services have been discovered.
package gattconfig

import (
	"fmt"
	"os"

	"github.com/srg/bleproxy/internal/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultServiceUUID is the vendor module's primary data service
	DefaultServiceUUID = "1000"
	// DefaultSendUUID is the characteristic written by Send
	DefaultSendUUID = "1001"
	// DefaultReceiveUUID is the characteristic the module notifies received data on
	DefaultReceiveUUID = "1002"
)

// ChannelID identifies a characteristic within a service. Both UUIDs are normalized.
type ChannelID struct {
	ServiceID string
	CharID    string
}

func (c ChannelID) String() string {
	return c.ServiceID + "/" + c.CharID
}

// ChannelEntry is one row of the YAML table
type ChannelEntry struct {
	Service        string `yaml:"service"`
	Characteristic string `yaml:"characteristic"`
	AutoSubscribe  bool   `yaml:"auto_subscribe"`
}

type fileFormat struct {
	NotificationChannels []ChannelEntry `yaml:"notification_channels"`
}

// NotificationChannelConfig maps {service, characteristic} to an auto-subscribe flag.
// Entries keep their declaration order. The table is read-only after construction.
type NotificationChannelConfig struct {
	channels *orderedmap.OrderedMap[ChannelID, bool]
}

// New builds a table from entries. Duplicate channels keep their first position and
// the last flag.
func New(entries ...ChannelEntry) (*NotificationChannelConfig, error) {
	cfg := &NotificationChannelConfig{channels: orderedmap.New[ChannelID, bool]()}
	for i, e := range entries {
		ids, err := device.ValidateUUID(e.Service, e.Characteristic)
		if err != nil {
			return nil, fmt.Errorf("notification channel %d: %w", i, err)
		}
		cfg.channels.Set(ChannelID{ServiceID: ids[0], CharID: ids[1]}, e.AutoSubscribe)
	}
	return cfg, nil
}

// Default returns the table with the module's receive channel enabled
func Default() *NotificationChannelConfig {
	cfg, _ := New(ChannelEntry{Service: DefaultServiceUUID, Characteristic: DefaultReceiveUUID, AutoSubscribe: true})
	return cfg
}

// Parse reads a table from YAML
func Parse(data []byte) (*NotificationChannelConfig, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing notification channels: %w", err)
	}
	return New(f.NotificationChannels...)
}

// Load reads a table from a YAML file
func Load(path string) (*NotificationChannelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading notification channels: %w", err)
	}
	return Parse(data)
}

// AutoSubscribe returns the channels flagged for auto-subscription, in declaration order
func (c *NotificationChannelConfig) AutoSubscribe() []ChannelID {
	if c == nil {
		return nil
	}
	var result []ChannelID
	for pair := c.channels.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value {
			result = append(result, pair.Key)
		}
	}
	return result
}

// Enabled reports the flag for a channel; unknown channels are not auto-subscribed
func (c *NotificationChannelConfig) Enabled(serviceID, charID string) bool {
	if c == nil {
		return false
	}
	v, ok := c.channels.Get(ChannelID{ServiceID: device.NormalizeUUID(serviceID), CharID: device.NormalizeUUID(charID)})
	return ok && v
}

// Len returns the number of declared channels
func (c *NotificationChannelConfig) Len() int {
	if c == nil {
		return 0
	}
	return c.channels.Len()
}

// Entries returns the whole table in declaration order
func (c *NotificationChannelConfig) Entries() []ChannelEntry {
	if c == nil {
		return nil
	}
	result := make([]ChannelEntry, 0, c.channels.Len())
	for pair := c.channels.Oldest(); pair != nil; pair = pair.Next() {
		result = append(result, ChannelEntry{Service: pair.Key.ServiceID, Characteristic: pair.Key.CharID, AutoSubscribe: pair.Value})
	}
	return result
}
