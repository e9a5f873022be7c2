package connection

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/events"
	"github.com/srg/bleproxy/internal/gattconfig"
)

// CodeRequestFailed is the ConnectError code used when the transport rejects a
// connect request before it reaches the radio.
const CodeRequestFailed = -1

// Publisher receives the events produced by state transitions
type Publisher interface {
	Publish(ev events.GattEvent)
}

// AddressBook answers whether a peripheral has been discovered
type AddressBook interface {
	Contains(addr device.Address) bool
}

// Config holds the manager settings. Zero fields take the tagged defaults.
type Config struct {
	ConnectTimeout    time.Duration `default:"5s"`
	Encrypt           bool          `default:"false"`
	ReceiveBufferSize int           `default:"4096"`
	ReceiveService    string        `default:"1000"`
	ReceiveChar       string        `default:"1002"`

	// Channels auto-subscribed on Ready; nil selects gattconfig.Default()
	Channels *gattconfig.NotificationChannelConfig
	// Registry, when set, rejects connects to addresses never seen by a scan
	Registry AddressBook
}

// DefaultConfig returns the manager defaults
func DefaultConfig() Config {
	cfg := Config{}
	defaults.SetDefaults(&cfg)
	return cfg
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.ReceiveBufferSize <= 0 {
		c.ReceiveBufferSize = d.ReceiveBufferSize
	}
	if c.ReceiveService == "" {
		c.ReceiveService = d.ReceiveService
	}
	if c.ReceiveChar == "" {
		c.ReceiveChar = d.ReceiveChar
	}
	if c.Channels == nil {
		c.Channels = gattconfig.Default()
	}
	return c
}

// Status is a point-in-time view of one address
type Status struct {
	Address       device.Address
	State         device.ConnectionState
	AutoReconnect bool
	MTU           int
	Buffered      int
	DroppedBytes  uint64
}

type transportRef struct {
	t Transport
}

// entry is the per-address state machine. All fields are guarded by mu.
type entry struct {
	mu            sync.Mutex
	addr          device.Address
	state         device.ConnectionState
	autoReconnect bool

	timer *time.Timer
	gen   uint64 // bumped on every cancel; a timer only acts if its gen is current

	// aborting is set while a fired timeout cancels the attempt at the transport.
	// The state stays Connecting and every report for the attempt is absorbed.
	aborting bool

	mtu        int
	lastValues map[gattconfig.ChannelID][]byte
	rx         *ringbuffer.RingBuffer
	dropped    uint64
}

// Manager owns one connection state machine per peripheral address and turns
// transport callbacks into GattEvents.
//
// Transitions for one address are serialized by that address's lock, and events
// are published while it is held, so per-address event order matches transition
// order. Transport requests are issued after the lock is released. Different
// addresses never contend.
type Manager struct {
	entries   *hashmap.Map[device.Address, *entry]
	transport atomic.Pointer[transportRef]
	publisher Publisher
	encrypt   atomic.Bool

	cfg       Config
	rxChannel gattconfig.ChannelID
	logger    *logrus.Logger
}

var _ Callbacks = (*Manager)(nil)

// NewManager creates a manager publishing to publisher. No transport is bound yet.
func NewManager(publisher Publisher, cfg Config, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	cfg = cfg.withDefaults()

	m := &Manager{
		entries:   hashmap.New[device.Address, *entry](),
		publisher: publisher,
		cfg:       cfg,
		rxChannel: gattconfig.ChannelID{
			ServiceID: device.NormalizeUUID(cfg.ReceiveService),
			CharID:    device.NormalizeUUID(cfg.ReceiveChar),
		},
		logger: logger,
	}
	m.encrypt.Store(cfg.Encrypt)
	return m
}

// Bind attaches the transport; until then every command returns ErrTransportUnavailable.
func (m *Manager) Bind(t Transport) {
	if t == nil {
		m.transport.Store(nil)
		return
	}
	m.transport.Store(&transportRef{t: t})
	if d, ok := t.(Decoder); ok {
		d.SetDecode(m.encrypt.Load())
	}
}

// SetEncrypt toggles encryption for sends and decoding of received data
func (m *Manager) SetEncrypt(enabled bool) {
	m.encrypt.Store(enabled)
	if t := m.boundTransport(); t != nil {
		if d, ok := t.(Decoder); ok {
			d.SetDecode(enabled)
		}
	}
}

// Encrypt reports the current encryption flag
func (m *Manager) Encrypt() bool {
	return m.encrypt.Load()
}

// ConnectTimeout returns the effective connect timeout
func (m *Manager) ConnectTimeout() time.Duration {
	return m.cfg.ConnectTimeout
}

func (m *Manager) boundTransport() Transport {
	ref := m.transport.Load()
	if ref == nil {
		return nil
	}
	return ref.t
}

func (m *Manager) entryFor(addr device.Address) *entry {
	if e, ok := m.entries.Get(addr); ok {
		return e
	}
	e, _ := m.entries.GetOrInsert(addr, &entry{
		addr:       addr,
		state:      device.StateDisconnected,
		lastValues: make(map[gattconfig.ChannelID][]byte),
		rx:         ringbuffer.New(m.cfg.ReceiveBufferSize),
	})
	return e
}

func (m *Manager) publish(ev events.GattEvent) {
	if m.publisher != nil {
		m.publisher.Publish(ev)
	}
}

// invalid logs and discards a trigger that does not fit the current state
func (m *Manager) invalid(e *entry, trigger string) error {
	err := &device.TransitionError{Address: e.addr, From: e.state, Trigger: trigger}
	m.logger.WithFields(logrus.Fields{
		"address": e.addr,
		"state":   e.state,
		"trigger": trigger,
	}).Warn("Ignoring invalid state transition")
	return err
}

// setState must be called with e.mu held
func (m *Manager) setState(e *entry, to device.ConnectionState) {
	m.logger.WithFields(logrus.Fields{
		"address": e.addr,
		"from":    e.state,
		"to":      to,
	}).Debug("Connection state changed")
	e.state = to
}

// cancelTimer must be called with e.mu held
func (e *entry) cancelTimer() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.gen++
}

// clearTransient must be called with e.mu held
func (e *entry) clearTransient() {
	e.mtu = 0
	e.rx.Reset()
	e.dropped = 0
	e.lastValues = make(map[gattconfig.ChannelID][]byte)
}

// Connect starts a connection attempt. It fails without side effects while an
// attempt or link for addr is already active.
func (m *Manager) Connect(addr device.Address, autoReconnect bool) error {
	t := m.boundTransport()
	if t == nil {
		m.logger.WithField("address", addr).Warn("Connect requested before transport is bound")
		return device.ErrTransportUnavailable
	}
	if reg := m.cfg.Registry; reg != nil && !reg.Contains(addr) {
		m.logger.WithField("address", addr).Warn("Connect requested for unknown device")
		return fmt.Errorf("%w: %s", device.ErrUnknownDevice, addr)
	}

	e := m.entryFor(addr)
	e.mu.Lock()
	if e.state != device.StateDisconnected && e.state != device.StateError {
		state := e.state
		e.mu.Unlock()
		m.logger.WithFields(logrus.Fields{
			"address": addr,
			"state":   state,
		}).Info("Connect ignored, connection already active")
		return &device.ConnectionError{Kind: device.AlreadyConnected, Msg: fmt.Sprintf("%s is %s", addr, state)}
	}

	m.setState(e, device.StateConnecting)
	e.autoReconnect = autoReconnect
	e.cancelTimer()
	gen := e.gen
	e.timer = time.AfterFunc(m.cfg.ConnectTimeout, func() { m.onTimeout(e, gen) })
	e.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"address":        addr,
		"auto_reconnect": autoReconnect,
		"timeout":        m.cfg.ConnectTimeout,
	}).Info("Connecting")

	if err := t.RequestConnect(addr, autoReconnect); err != nil {
		err = device.NormalizeError(err)
		m.logger.WithError(err).WithField("address", addr).Error("Transport rejected connect request")
		m.OnTransportConnectionError(addr, CodeRequestFailed, int(device.StateDisconnected))
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	return nil
}

// onTimeout fires from the timer goroutine. A cancelled or superseded timer is a no-op.
func (m *Manager) onTimeout(e *entry, gen uint64) {
	e.mu.Lock()
	if e.gen != gen || e.state != device.StateConnecting {
		e.mu.Unlock()
		return
	}
	e.timer = nil
	e.aborting = true
	e.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"address": e.addr,
		"timeout": m.cfg.ConnectTimeout,
	}).Warn("Connection attempt timed out")

	// the stack may still complete the attempt; abort it before settling so a
	// retry never sees reports that belong to this attempt
	if t := m.boundTransport(); t != nil {
		if err := t.RequestDisconnect(e.addr); err != nil {
			m.logger.WithError(err).WithField("address", e.addr).Debug("Disconnect after timeout failed")
		}
	}

	e.mu.Lock()
	e.aborting = false
	m.setState(e, device.StateError)
	m.publish(events.ConnectTimeout(e.addr))
	e.mu.Unlock()
}

// absorbed reports whether a transport callback answers a timeout abort.
// Must be called with e.mu held.
func (m *Manager) absorbed(e *entry, trigger string) bool {
	if !e.aborting {
		return false
	}
	m.logger.WithFields(logrus.Fields{
		"address": e.addr,
		"trigger": trigger,
	}).Debug("Dropping report for timed out attempt")
	return true
}

// Disconnect tears down an attempt or link. The Disconnected state is reached
// only when the transport confirms.
func (m *Manager) Disconnect(addr device.Address) error {
	t := m.boundTransport()
	if t == nil {
		return device.ErrTransportUnavailable
	}

	e, ok := m.entries.Get(addr)
	if !ok {
		return fmt.Errorf("%w: %s", device.ErrNotConnected, addr)
	}

	e.mu.Lock()
	if e.aborting {
		err := m.invalid(e, "disconnect")
		e.mu.Unlock()
		return err
	}
	switch e.state {
	case device.StateConnecting, device.StateConnected, device.StateDiscoveringServices, device.StateReady:
	case device.StateDisconnected:
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", device.ErrNotConnected, addr)
	default:
		err := m.invalid(e, "disconnect")
		e.mu.Unlock()
		return err
	}
	e.cancelTimer()
	m.setState(e, device.StateDisconnecting)
	e.mu.Unlock()

	m.logger.WithField("address", addr).Info("Disconnecting")
	if err := t.RequestDisconnect(addr); err != nil {
		err = device.NormalizeError(err)
		m.logger.WithError(err).WithField("address", addr).Error("Transport rejected disconnect request")
		return fmt.Errorf("disconnect %s: %w", addr, err)
	}
	return nil
}

// OnTransportConnected moves Connecting to Connected and requests service discovery
func (m *Manager) OnTransportConnected(addr device.Address) {
	e := m.entryFor(addr)
	e.mu.Lock()
	if e.state != device.StateConnecting || e.aborting {
		_ = m.invalid(e, "connected")
		e.mu.Unlock()
		return
	}
	e.cancelTimer()
	m.setState(e, device.StateConnected)
	m.publish(events.Connected(addr))
	e.mu.Unlock()

	m.logger.WithField("address", addr).Info("Connected, discovering services")
	if t := m.boundTransport(); t != nil {
		if err := t.DiscoverServices(addr); err != nil {
			m.logger.WithError(err).WithField("address", addr).Error("Service discovery request failed")
		}
	}
}

// OnTransportServicesDiscovered moves Connected to Ready and issues the
// configured auto-subscriptions.
func (m *Manager) OnTransportServicesDiscovered(addr device.Address) {
	e := m.entryFor(addr)
	e.mu.Lock()
	if e.state != device.StateConnected {
		_ = m.invalid(e, "services_discovered")
		e.mu.Unlock()
		return
	}
	m.setState(e, device.StateDiscoveringServices)
	m.setState(e, device.StateReady)
	m.publish(events.ServicesDiscovered(addr))
	e.mu.Unlock()

	t := m.boundTransport()
	if t == nil {
		return
	}
	for _, ch := range m.cfg.Channels.AutoSubscribe() {
		if err := t.RequestEnableNotification(addr, ch.ServiceID, ch.CharID); err != nil {
			m.logger.WithError(err).WithFields(logrus.Fields{
				"address": addr,
				"channel": ch,
			}).Warn("Auto-subscription failed")
			continue
		}
		m.logger.WithFields(logrus.Fields{
			"address": addr,
			"channel": ch,
		}).Debug("Auto-subscribed")
	}
}

// OnTransportDisconnected is valid from every state but Disconnected
func (m *Manager) OnTransportDisconnected(addr device.Address) {
	e := m.entryFor(addr)
	e.mu.Lock()
	if m.absorbed(e, "disconnected") {
		e.mu.Unlock()
		return
	}
	if e.state == device.StateDisconnected {
		_ = m.invalid(e, "disconnected")
		e.mu.Unlock()
		return
	}
	e.cancelTimer()
	m.setState(e, device.StateDisconnected)
	e.clearTransient()
	m.publish(events.Disconnected(addr))
	e.mu.Unlock()

	m.logger.WithField("address", addr).Info("Disconnected")
}

// OnTransportConnectionError moves any active state to Error. No retry is attempted.
func (m *Manager) OnTransportConnectionError(addr device.Address, code, state int) {
	e := m.entryFor(addr)
	e.mu.Lock()
	if m.absorbed(e, "connection_error") {
		e.mu.Unlock()
		return
	}
	if e.state == device.StateDisconnected {
		_ = m.invalid(e, "connection_error")
		e.mu.Unlock()
		return
	}
	e.cancelTimer()
	m.setState(e, device.StateError)
	m.publish(events.ConnectError(addr, code, state))
	e.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"address": addr,
		"code":    code,
		"state":   state,
	}).Warn("Connection error")
}

// OnCharacteristicChanged forwards a notification for a Ready peripheral. Data on
// the receive channel is also appended to the address's receive buffer.
func (m *Manager) OnCharacteristicChanged(addr device.Address, serviceID, charID string, payload []byte) {
	e := m.entryFor(addr)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != device.StateReady {
		_ = m.invalid(e, "characteristic_changed")
		return
	}

	ev := events.CharacteristicChanged(addr, serviceID, charID, payload)
	ch := gattconfig.ChannelID{ServiceID: ev.ServiceID, CharID: ev.CharID}
	e.lastValues[ch] = ev.Payload()
	if ch == m.rxChannel {
		m.buffer(e, payload)
	}
	m.publish(ev)
}

// buffer must be called with e.mu held
func (m *Manager) buffer(e *entry, data []byte) {
	if len(data) == 0 {
		return
	}
	written, err := e.rx.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) && !errors.Is(err, ringbuffer.ErrTooMuchDataToWrite) {
		m.logger.WithError(err).WithField("address", e.addr).Warn("Receive buffer write failed")
		return
	}
	if written < len(data) {
		dropped := len(data) - written
		e.dropped += uint64(dropped)
		m.logger.WithFields(logrus.Fields{
			"address": e.addr,
			"dropped": dropped,
		}).Warn("Receive buffer overflow")
	}
}

// OnCharacteristicRead forwards a read result for a Ready peripheral
func (m *Manager) OnCharacteristicRead(addr device.Address, serviceID, charID string, payload []byte, status int) {
	e := m.entryFor(addr)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != device.StateReady {
		_ = m.invalid(e, "characteristic_read")
		return
	}

	ev := events.CharacteristicRead(addr, serviceID, charID, payload, status)
	if ev.OK() {
		e.lastValues[gattconfig.ChannelID{ServiceID: ev.ServiceID, CharID: ev.CharID}] = ev.Payload()
	}
	m.publish(ev)
}

// OnCharacteristicWrite forwards a write acknowledgement for a Ready peripheral
func (m *Manager) OnCharacteristicWrite(addr device.Address, serviceID, charID string, status int) {
	e := m.entryFor(addr)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != device.StateReady {
		_ = m.invalid(e, "characteristic_write")
		return
	}
	m.publish(events.CharacteristicWrite(addr, serviceID, charID, status))
}

// OnMtuChanged forwards an MTU exchange result for a linked peripheral
func (m *Manager) OnMtuChanged(addr device.Address, mtu, status int) {
	e := m.entryFor(addr)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case device.StateConnected, device.StateDiscoveringServices, device.StateReady:
	default:
		_ = m.invalid(e, "mtu_changed")
		return
	}
	if status == events.GattSuccess {
		e.mtu = mtu
	}
	m.publish(events.MtuChanged(addr, mtu, status))
}

// readyTransport returns the transport if addr is Ready
func (m *Manager) readyTransport(addr device.Address, op string) (Transport, error) {
	t := m.boundTransport()
	if t == nil {
		return nil, device.ErrTransportUnavailable
	}
	e, ok := m.entries.Get(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s", device.ErrNotConnected, addr)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case device.StateReady:
		return t, nil
	case device.StateDisconnected, device.StateError:
		return nil, fmt.Errorf("%w: %s", device.ErrNotConnected, addr)
	default:
		return nil, m.invalid(e, op)
	}
}

// EnableNotification subscribes to a characteristic outside the auto-subscribe table
func (m *Manager) EnableNotification(addr device.Address, serviceID, charID string) error {
	t, err := m.readyTransport(addr, "enable_notification")
	if err != nil {
		return err
	}
	if err := t.RequestEnableNotification(addr, device.NormalizeUUID(serviceID), device.NormalizeUUID(charID)); err != nil {
		return fmt.Errorf("enable notification %s/%s: %w", serviceID, charID, device.NormalizeError(err))
	}
	return nil
}

// RequestMtu asks the peripheral for a larger ATT MTU; the result arrives as MtuChanged
func (m *Manager) RequestMtu(addr device.Address, mtu int) error {
	if mtu < 23 || mtu > 517 {
		return fmt.Errorf("mtu %d out of range [23, 517]", mtu)
	}
	t, err := m.readyTransport(addr, "request_mtu")
	if err != nil {
		return err
	}
	if err := t.RequestMtu(addr, mtu); err != nil {
		return fmt.Errorf("request mtu: %w", device.NormalizeError(err))
	}
	return nil
}

// Read requests a characteristic value; the result arrives as CharacteristicRead
func (m *Manager) Read(addr device.Address, serviceID, charID string) error {
	t, err := m.readyTransport(addr, "read")
	if err != nil {
		return err
	}
	if err := t.RequestRead(addr, device.NormalizeUUID(serviceID), device.NormalizeUUID(charID)); err != nil {
		return fmt.Errorf("read %s/%s: %w", serviceID, charID, device.NormalizeError(err))
	}
	return nil
}

// Send writes data to the peripheral's send channel using the current encryption flag
func (m *Manager) Send(addr device.Address, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("nothing to send")
	}
	t, err := m.readyTransport(addr, "send")
	if err != nil {
		return err
	}
	if err := t.Send(addr, data, m.encrypt.Load()); err != nil {
		return fmt.Errorf("send: %w", device.NormalizeError(err))
	}
	return nil
}

// State returns the state for addr; unknown addresses are Disconnected
func (m *Manager) State(addr device.Address) device.ConnectionState {
	e, ok := m.entries.Get(addr)
	if !ok {
		return device.StateDisconnected
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsConnected reports whether addr has a live link
func (m *Manager) IsConnected(addr device.Address) bool {
	switch m.State(addr) {
	case device.StateConnected, device.StateDiscoveringServices, device.StateReady:
		return true
	}
	return false
}

// ConnectedDevices lists the addresses with a live link, sorted
func (m *Manager) ConnectedDevices() []device.Address {
	var result []device.Address
	m.entries.Range(func(addr device.Address, _ *entry) bool {
		if m.IsConnected(addr) {
			result = append(result, addr)
		}
		return true
	})
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// Status returns the state and transient counters for addr
func (m *Manager) Status(addr device.Address) Status {
	e, ok := m.entries.Get(addr)
	if !ok {
		return Status{Address: addr, State: device.StateDisconnected}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Address:       addr,
		State:         e.state,
		AutoReconnect: e.autoReconnect,
		MTU:           e.mtu,
		Buffered:      e.rx.Length(),
		DroppedBytes:  e.dropped,
	}
}

// LastValue returns the most recent value seen for a characteristic
func (m *Manager) LastValue(addr device.Address, serviceID, charID string) ([]byte, bool) {
	e, ok := m.entries.Get(addr)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.lastValues[gattconfig.ChannelID{ServiceID: device.NormalizeUUID(serviceID), CharID: device.NormalizeUUID(charID)}]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

// ReadReceived drains up to len(buf) bytes received on the receive channel.
// Returns 0 with no error when nothing is buffered.
func (m *Manager) ReadReceived(addr device.Address, buf []byte) (int, error) {
	e, ok := m.entries.Get(addr)
	if !ok {
		return 0, fmt.Errorf("%w: %s", device.ErrNotConnected, addr)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	n, err := e.rx.TryRead(buf)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		return n, err
	}
	return n, nil
}

// Close unbinds the transport and stops every pending timer. States are left as they are.
func (m *Manager) Close() {
	m.transport.Store(nil)
	m.entries.Range(func(_ device.Address, e *entry) bool {
		e.mu.Lock()
		e.cancelTimer()
		e.mu.Unlock()
		return true
	})
	m.logger.Debug("Connection manager closed")
}
