package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleproxy/internal/connection"
	"github.com/srg/bleproxy/internal/events"
	"github.com/srg/bleproxy/internal/gattconfig"
	"github.com/srg/bleproxy/internal/transport/goble"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel     string `yaml:"log_level" default:"info"`
	OutputFormat string `yaml:"output_format" default:"text"` // text, json

	ScanTimeout    time.Duration `yaml:"scan_timeout" default:"10s"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"5s"`
	DialTimeout    time.Duration `yaml:"dial_timeout" default:"30s"`

	Encrypt           bool          `yaml:"encrypt" default:"false"`
	QueueSize         uint32        `yaml:"queue_size" default:"256"`
	ReceiveBufferSize int           `yaml:"receive_buffer_size" default:"4096"`
	WriteChunkDelay   time.Duration `yaml:"write_chunk_delay" default:"10ms"`

	SendService    string `yaml:"send_service" default:"1000"`
	SendChar       string `yaml:"send_char" default:"1001"`
	ReceiveService string `yaml:"receive_service" default:"1000"`
	ReceiveChar    string `yaml:"receive_char" default:"1002"`

	// Empty selects the built-in receive channel table
	NotificationChannels []gattconfig.ChannelEntry `yaml:"notification_channels"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML config file. Missing fields keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the config for invalid values
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}

	switch c.OutputFormat {
	case "text", "json":
	default:
		return fmt.Errorf("output_format must be \"text\" or \"json\", got %q", c.OutputFormat)
	}

	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be > 0")
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("dial_timeout must be > 0")
	}
	if c.ScanTimeout < 0 {
		return fmt.Errorf("scan_timeout must not be negative")
	}
	if c.WriteChunkDelay < 0 {
		return fmt.Errorf("write_chunk_delay must not be negative")
	}
	if c.QueueSize == 0 || c.QueueSize > events.MaxQueueSize {
		return fmt.Errorf("queue_size must be in 1..%d, got %d", events.MaxQueueSize, c.QueueSize)
	}
	if c.ReceiveBufferSize <= 0 {
		return fmt.Errorf("receive_buffer_size must be > 0")
	}

	if _, err := gattconfig.New(
		gattconfig.ChannelEntry{Service: c.SendService, Characteristic: c.SendChar},
		gattconfig.ChannelEntry{Service: c.ReceiveService, Characteristic: c.ReceiveChar},
	); err != nil {
		return fmt.Errorf("send/receive channel: %w", err)
	}
	if _, err := c.Channels(); err != nil {
		return err
	}
	return nil
}

// Channels builds the notification channel table
func (c *Config) Channels() (*gattconfig.NotificationChannelConfig, error) {
	if len(c.NotificationChannels) == 0 {
		return gattconfig.New(gattconfig.ChannelEntry{
			Service:        c.ReceiveService,
			Characteristic: c.ReceiveChar,
			AutoSubscribe:  true,
		})
	}
	cfg, err := gattconfig.New(c.NotificationChannels...)
	if err != nil {
		return nil, fmt.Errorf("notification_channels: %w", err)
	}
	return cfg, nil
}

// ManagerConfig returns the connection manager settings
func (c *Config) ManagerConfig(book connection.AddressBook) (connection.Config, error) {
	channels, err := c.Channels()
	if err != nil {
		return connection.Config{}, err
	}
	return connection.Config{
		ConnectTimeout:    c.ConnectTimeout,
		Encrypt:           c.Encrypt,
		ReceiveBufferSize: c.ReceiveBufferSize,
		ReceiveService:    c.ReceiveService,
		ReceiveChar:       c.ReceiveChar,
		Channels:          channels,
		Registry:          book,
	}, nil
}

// TransportConfig returns the go-ble transport settings
func (c *Config) TransportConfig() goble.Config {
	return goble.Config{
		DialTimeout:     c.DialTimeout,
		WriteChunkDelay: c.WriteChunkDelay,
		SendService:     c.SendService,
		SendChar:        c.SendChar,
	}
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
