package main

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/events"
	"github.com/srg/bleproxy/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const addr = device.Address("AA:BB:CC:DD:EE:01")

func TestWriteDeviceTable(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	recs := []*device.DeviceRecord{
		{Address: "AA:BB:CC:DD:EE:01", DisplayName: "Sensor-1", RSSI: -40, Services: []string{"180f", "1800"}, LastSeen: now.Add(-5 * time.Second)},
		{Address: "AA:BB:CC:DD:EE:02", RSSI: -72, OADCapable: true, Services: []string{"f000ffc004514000b000000000000000"}, LastSeen: now},
	}

	var buf bytes.Buffer
	require.NoError(t, writeDeviceTable(&buf, recs, now))

	testutils.NewTextAsserter(t).Assert(buf.String(), `
NAME      ADDRESS            RSSI     OAD  SERVICES                        LAST SEEN
Sensor-1  AA:BB:CC:DD:EE:01  -40 dBm  no   180f,1800                       5s ago
-         AA:BB:CC:DD:EE:02  -72 dBm  yes  f000ffc004514000b0000000000...  0s ago
`)

	buf.Reset()
	require.NoError(t, writeDeviceTable(&buf, nil, now))
	assert.Equal(t, "No devices discovered\n", buf.String())
}

func TestEventPrinterText(t *testing.T) {
	// GOAL: Verify each event kind renders to a single readable line

	p := newEventPrinter(nil, false, false)
	stamp := func(ev events.GattEvent) events.GattEvent {
		ev.Seq = 7
		ev.TsUs = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).UnixMicro()
		return ev
	}
	head := fmt.Sprintf("%s #7 %s", time.UnixMicro(stamp(events.Connected(addr)).TsUs).Format(timeLayout), addr)

	tests := []struct {
		name     string
		ev       events.GattEvent
		expected string
	}{
		{"connected", events.Connected(addr), "connected"},
		{"timeout", events.ConnectTimeout(addr), "connect_timeout"},
		{"error", events.ConnectError(addr, 133, int(device.StateConnecting)), "connect_error code=133 state=connecting"},
		{"text payload", events.CharacteristicChanged(addr, "1000", "1002", []byte("hi")), `characteristic_changed 1000/1002 [2] 68 69 "hi"`},
		{"binary payload", events.CharacteristicChanged(addr, "1000", "1002", []byte{0x00, 0xFF}), "characteristic_changed 1000/1002 [2] 00 FF"},
		{"empty payload", events.CharacteristicChanged(addr, "1000", "1002", nil), "characteristic_changed 1000/1002 [0] -"},
		{"failed read", events.CharacteristicRead(addr, "1000", "1002", nil, 257), "characteristic_read 1000/1002 status=257"},
		{"write", events.CharacteristicWrite(addr, "1000", "1001", events.GattSuccess), "characteristic_write 1000/1001 ok"},
		{"mtu", events.MtuChanged(addr, 185, events.GattSuccess), "mtu_changed mtu=185 ok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, head+" "+tt.expected, p.Format(stamp(tt.ev)))
		})
	}
}

func TestEventPrinterJSON(t *testing.T) {
	var buf bytes.Buffer
	p := newEventPrinter(&buf, true, false)

	ev := events.MtuChanged(addr, 185, events.GattSuccess)
	ev.Seq = 3
	ev.TsUs = 1000
	p.Print(ev)

	assert.JSONEq(t, `{"seq":3,"ts_us":1000,"kind":"mtu_changed","address":"AA:BB:CC:DD:EE:01","mtu":185,"status":0}`, buf.String())
}

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		contains string
	}{
		{"bluetooth off", fmt.Errorf("scan: %w", device.ErrBluetoothOff), "Bluetooth is turned off"},
		{"unknown device", fmt.Errorf("%w: AA", device.ErrUnknownDevice), "device not found"},
		{"connect timeout", fmt.Errorf("%w after 5s", ErrConnectTimeout), "timed out"},
		{"already connected", device.ErrAlreadyConnected, "already connected"},
		{"missing characteristic", &device.NotFoundError{Resource: "characteristic", UUIDs: []string{"1000", "1001"}}, `characteristic "1001" not found in service "1000"`},
		{"other", errors.New("boom"), "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, FormatUserError(tt.err), tt.contains)
		})
	}
	assert.Empty(t, FormatUserError(nil))
}

func TestConfigureLogger(t *testing.T) {
	newCmd := func(args ...string) *cobra.Command {
		cmd := &cobra.Command{Use: "test"}
		cmd.Flags().String("log-level", "", "")
		cmd.Flags().Bool("verbose", false, "")
		require.NoError(t, cmd.Flags().Parse(args))
		return cmd
	}

	logger, err := configureLogger(newCmd(), "verbose")
	require.NoError(t, err)
	assert.Equal(t, logrus.ErrorLevel, logger.GetLevel())

	logger, err = configureLogger(newCmd("--verbose"), "verbose")
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	logger, err = configureLogger(newCmd("--verbose", "--log-level", "warn"), "verbose")
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel(), "--log-level MUST take precedence")

	_, err = configureLogger(newCmd("--log-level", "loud"), "verbose")
	assert.ErrorContains(t, err, "invalid log level")
}

func TestDecodeData(t *testing.T) {
	data, err := decodeData("hello", false)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	data, err = decodeData("01 02:ff", true)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0xFF}, data)

	_, err = decodeData("0", true)
	assert.Error(t, err)
}

func TestParseChannel(t *testing.T) {
	svc, chr, err := parseChannel("180A/0x2A29")
	require.NoError(t, err)
	assert.Equal(t, "180a", svc)
	assert.Equal(t, "2a29", chr)

	_, _, err = parseChannel("180a")
	assert.Error(t, err)
	_, _, err = parseChannel("180a/")
	assert.Error(t, err)
}

func TestProgressPrinter(t *testing.T) {
	var buf syncBuffer
	p := NewProgressPrinter(&buf, "Scanning", "Scanning", 0, "Done")
	p.Start()
	p.Callback()("Done")
	p.Stop()

	assert.Contains(t, buf.String(), "\rScanning (Scanning...)")
	assert.Contains(t, buf.String(), clearLineSequence)
	assert.Panics(t, p.Start, "a printer MUST NOT be restarted")
}
