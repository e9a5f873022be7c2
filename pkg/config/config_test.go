package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleproxy/internal/gattconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.OutputFormat)
	assert.Equal(t, 10*time.Second, cfg.ScanTimeout)
	assert.Equal(t, 5*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 30*time.Second, cfg.DialTimeout)
	assert.False(t, cfg.Encrypt)
	assert.Equal(t, uint32(256), cfg.QueueSize)
	assert.Equal(t, 4096, cfg.ReceiveBufferSize)
	assert.Equal(t, 10*time.Millisecond, cfg.WriteChunkDelay)
	assert.Equal(t, "1001", cfg.SendChar)
	assert.Equal(t, "1002", cfg.ReceiveChar)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		expected logrus.Level
	}{
		{name: "creates logger with debug level", logLevel: "debug", expected: logrus.DebugLevel},
		{name: "creates logger with info level", logLevel: "info", expected: logrus.InfoLevel},
		{name: "creates logger with warn level", logLevel: "warn", expected: logrus.WarnLevel},
		{name: "creates logger with error level", logLevel: "error", expected: logrus.ErrorLevel},
		{name: "falls back to info on unknown level", logLevel: "chatty", expected: logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}

			logger := cfg.NewLogger()

			assert.Equal(t, tt.expected, logger.GetLevel())

			// Verify formatter is set correctly
			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			require.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func TestParse(t *testing.T) {
	t.Run("overlays file values on defaults", func(t *testing.T) {
		cfg, err := Parse([]byte(`
log_level: debug
connect_timeout: 2500ms
encrypt: true
notification_channels:
  - service: "1000"
    characteristic: "1002"
    auto_subscribe: true
  - service: "180D"
    characteristic: "2A37"
`))
		require.NoError(t, err)

		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, 2500*time.Millisecond, cfg.ConnectTimeout)
		assert.True(t, cfg.Encrypt)
		assert.Equal(t, 30*time.Second, cfg.DialTimeout, "unset fields MUST keep defaults")

		channels, err := cfg.Channels()
		require.NoError(t, err)
		assert.Equal(t, 2, channels.Len())
		assert.True(t, channels.Enabled("180d", "2a37"))
		assert.Equal(t, []gattconfig.ChannelID{{ServiceID: "1000", CharID: "1002"}}, channels.AutoSubscribe())
	})

	t.Run("rejects invalid values", func(t *testing.T) {
		tests := map[string]string{
			"log level":      "log_level: loud",
			"output format":  "output_format: xml",
			"connect":        "connect_timeout: 0s",
			"queue size":     "queue_size: 0",
			"receive buffer": "receive_buffer_size: -1",
			"send channel":   "send_char: zz",
			"channel table":  "notification_channels: [{service: '', characteristic: '1002'}]",
			"yaml":           "log_level: [",
		}
		for name, doc := range tests {
			t.Run(name, func(t *testing.T) {
				_, err := Parse([]byte(doc))
				assert.Error(t, err)
			})
		}
	})
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bleproxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scan_timeout: 3s\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.ScanTimeout)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDerivedConfigs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConnectTimeout = time.Second
	cfg.SendChar = "2000"

	mc, err := cfg.ManagerConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, time.Second, mc.ConnectTimeout)
	assert.Equal(t, 4096, mc.ReceiveBufferSize)
	assert.Equal(t, []gattconfig.ChannelID{{ServiceID: "1000", CharID: "1002"}}, mc.Channels.AutoSubscribe(),
		"empty table MUST auto-subscribe the receive channel")

	tc := cfg.TransportConfig()
	assert.Equal(t, "2000", tc.SendChar)
	assert.Equal(t, 30*time.Second, tc.DialTimeout)
}
