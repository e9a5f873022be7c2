package testutils

import (
	"sync"
	"sync/atomic"

	"github.com/srg/bleproxy/internal/device"
	"github.com/stretchr/testify/mock"
)

// FakeTransport is a testify mock of connection.Transport.
//
// Register specific expectations first and finish with AllowAll so that any
// other request succeeds:
//
//	ft := testutils.NewFakeTransport()
//	ft.On("RequestConnect", addr, false).Return(errors.New("radio busy")).Once()
//	ft.AllowAll()
type FakeTransport struct {
	mock.Mock
	decode atomic.Bool

	mu     sync.Mutex
	counts map[string]int
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{counts: make(map[string]int)}
}

// AllowAll accepts every request not matched by an earlier expectation
func (f *FakeTransport) AllowAll() *FakeTransport {
	f.On("RequestConnect", mock.Anything, mock.Anything).Return(nil).Maybe()
	f.On("RequestDisconnect", mock.Anything).Return(nil).Maybe()
	f.On("DiscoverServices", mock.Anything).Return(nil).Maybe()
	f.On("RequestEnableNotification", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	f.On("RequestMtu", mock.Anything, mock.Anything).Return(nil).Maybe()
	f.On("RequestRead", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	f.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	return f
}

func (f *FakeTransport) RequestConnect(addr device.Address, autoReconnect bool) error {
	f.count("RequestConnect")
	return f.Called(addr, autoReconnect).Error(0)
}

func (f *FakeTransport) RequestDisconnect(addr device.Address) error {
	f.count("RequestDisconnect")
	return f.Called(addr).Error(0)
}

func (f *FakeTransport) DiscoverServices(addr device.Address) error {
	f.count("DiscoverServices")
	return f.Called(addr).Error(0)
}

func (f *FakeTransport) RequestEnableNotification(addr device.Address, serviceID, charID string) error {
	f.count("RequestEnableNotification")
	return f.Called(addr, serviceID, charID).Error(0)
}

func (f *FakeTransport) RequestMtu(addr device.Address, mtu int) error {
	f.count("RequestMtu")
	return f.Called(addr, mtu).Error(0)
}

func (f *FakeTransport) RequestRead(addr device.Address, serviceID, charID string) error {
	f.count("RequestRead")
	return f.Called(addr, serviceID, charID).Error(0)
}

func (f *FakeTransport) Send(addr device.Address, data []byte, encrypt bool) error {
	f.count("Send")
	return f.Called(addr, data, encrypt).Error(0)
}

// SetDecode records the decode flag
func (f *FakeTransport) SetDecode(enabled bool) {
	f.decode.Store(enabled)
}

// Decode returns the last decode flag set
func (f *FakeTransport) Decode() bool {
	return f.decode.Load()
}

func (f *FakeTransport) count(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[method]++
}

// CallCount returns how many times method was invoked
func (f *FakeTransport) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[method]
}
