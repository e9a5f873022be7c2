package main

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/testutils"
	"github.com/srg/bleproxy/internal/transport/goble"
	"github.com/stretchr/testify/suite"
)

// Test device addresses for consistent fake device identification
const (
	TestDeviceAddress1 = "AA:BB:CC:DD:EE:01"
	TestDeviceAddress2 = "AA:BB:CC:DD:EE:02"
)

// peripheral is a fake GATT client with the proxy's send/receive service
type peripheral struct {
	mu           sync.Mutex
	stall        bool // discovery hangs until the connection is cancelled
	writes       [][]byte
	disconnected chan struct{}
	dropOnce     sync.Once
}

func newPeripheral() *peripheral {
	return &peripheral{disconnected: make(chan struct{})}
}

func (p *peripheral) DiscoverProfile(bool) (*ble.Profile, error) {
	if p.stall {
		<-p.disconnected
		return nil, errors.New("connection cancelled")
	}
	return &ble.Profile{Services: []*ble.Service{{
		UUID: ble.UUID16(0x1000),
		Characteristics: []*ble.Characteristic{
			{UUID: ble.UUID16(0x1001), Property: ble.CharWrite},
			{UUID: ble.UUID16(0x1002), Property: ble.CharNotify},
		},
	}}}, nil
}

func (p *peripheral) Subscribe(*ble.Characteristic, bool, ble.NotificationHandler) error {
	return nil
}

func (p *peripheral) ExchangeMTU(rxMTU int) (int, error) { return rxMTU, nil }

func (p *peripheral) WriteCharacteristic(_ *ble.Characteristic, value []byte, _ bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, append([]byte(nil), value...))
	return nil
}

func (p *peripheral) ReadCharacteristic(*ble.Characteristic) ([]byte, error) {
	return []byte("v1"), nil
}

func (p *peripheral) CancelConnection() error {
	p.drop()
	return nil
}

func (p *peripheral) Disconnected() <-chan struct{} { return p.disconnected }

// drop simulates the peripheral going away
func (p *peripheral) drop() {
	p.dropOnce.Do(func() { close(p.disconnected) })
}

func (p *peripheral) written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Join(p.writes, nil)
}

// CommandTestSuite runs commands against a fake radio
type CommandTestSuite struct {
	suite.Suite
	helper     *testutils.TestHelper
	peripheral *peripheral
	scanning   *testutils.FakeScanningDevice
	onDial     func(p *peripheral)
	savedRadio func() (*radio, error)
}

func (s *CommandTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.peripheral = newPeripheral()
	s.onDial = nil
	s.scanning = testutils.NewFakeScanningDevice(
		testutils.NewAdvertisementBuilder().WithAddress(TestDeviceAddress1).WithName("Sensor-1").WithRSSI(-40).WithServices("180F").Build(),
		testutils.NewAdvertisementBuilder().WithAddress(TestDeviceAddress2).WithRSSI(-72).WithServices("f000ffc0-0451-4000-b000-000000000000").Build(),
	)

	s.savedRadio = openRadio
	openRadio = func() (*radio, error) {
		return &radio{
			scanning: s.scanning,
			dial: func(ctx context.Context, addr device.Address) (goble.Client, error) {
				if s.onDial != nil {
					s.onDial(s.peripheral)
				}
				return s.peripheral, nil
			},
			close: func() {},
		}, nil
	}
}

func (s *CommandTestSuite) TearDownTest() {
	openRadio = s.savedRadio
	s.peripheral.drop()
}

// resetFlags restores every flag of cmd to its default so tests do not leak state
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
}

// ExecuteCommand runs the root command with args and returns stdout and the error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	for _, c := range rootCmd.Commands() {
		resetFlags(c)
	}
	resetFlags(rootCmd)

	out, errOut := new(bytes.Buffer), new(bytes.Buffer)
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)
	rootCmd.SetIn(new(bytes.Buffer))
	rootCmd.SetArgs(args)

	done := make(chan error, 1)
	go func() { done <- rootCmd.ExecuteContext(context.Background()) }()

	select {
	case err := <-done:
		return out.String(), err
	case <-time.After(10 * time.Second):
		s.FailNow("command did not finish", "stderr: %s", errOut.String())
		return "", nil
	}
}

// syncBuffer is a bytes.Buffer safe for a writer goroutine and a reader
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
