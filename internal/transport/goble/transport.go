package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleproxy/internal/connection"
	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/events"
	"github.com/srg/bleproxy/internal/groutine"
)

// Status codes reported through the callbacks, modelled on the Android GATT codes
const (
	StatusFailure         = 257
	StatusConnectFailed   = 133
	StatusTimeout         = 8
	StatusDiscoveryFailed = 129
	StatusNotFound        = 10
)

// attHeaderSize is the ATT overhead subtracted from the MTU for a write payload
const attHeaderSize = 3

const (
	defaultMTU  = 23
	opQueueSize = 64
)

// Config holds the transport settings. Zero fields take the tagged defaults.
type Config struct {
	// DialTimeout bounds a dial when autoReconnect is off; autoReconnect dials
	// wait until cancelled by a disconnect request.
	DialTimeout     time.Duration `default:"30s"`
	WriteChunkDelay time.Duration `default:"10ms"`
	SendService     string        `default:"1000"`
	SendChar        string        `default:"1001"`
	Cipher          Cipher
}

// DefaultConfig returns the transport defaults
func DefaultConfig() Config {
	cfg := Config{}
	defaults.SetDefaults(&cfg)
	return cfg
}

// Transport implements connection.Transport on go-ble. Each address has one link
// whose operations run in order on a dedicated worker, so callbacks for an address
// are reported in the order the radio produced them.
//
// Link creation, teardown and the report that follows a teardown happen under
// lifecycle, so a report for a closed link never interleaves with a new attempt.
type Transport struct {
	dial      DialFunc
	cb        connection.Callbacks
	cfg       Config
	lifecycle sync.Mutex
	links     *hashmap.Map[device.Address, *link]
	decode atomic.Bool
	group  groutine.Group
	ctx    context.Context
	cancel context.CancelFunc
	logger *logrus.Logger
}

type link struct {
	addr device.Address
	ops  chan func(ctx context.Context)
	ctx  context.Context
	stop context.CancelFunc

	mu         sync.Mutex
	dialCancel context.CancelFunc
	client     Client
	profile    *ble.Profile
	mtu        int
	closed     bool
}

// New creates a transport reporting to cb
func New(dial DialFunc, cb connection.Callbacks, cfg Config, logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	d := DefaultConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = d.DialTimeout
	}
	if cfg.WriteChunkDelay < 0 {
		cfg.WriteChunkDelay = 0
	}
	if cfg.SendService == "" {
		cfg.SendService = d.SendService
	}
	if cfg.SendChar == "" {
		cfg.SendChar = d.SendChar
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		dial:   dial,
		cb:     cb,
		cfg:    cfg,
		links:  hashmap.New[device.Address, *link](),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// SetDecode toggles decryption of received notifications
func (t *Transport) SetDecode(enabled bool) {
	t.decode.Store(enabled)
}

// RequestConnect dials addr in the background
func (t *Transport) RequestConnect(addr device.Address, autoReconnect bool) error {
	if t.ctx.Err() != nil {
		return device.ErrTransportUnavailable
	}
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()
	if l, ok := t.links.Get(addr); ok && !l.isClosed() {
		return fmt.Errorf("%w: link to %s is open", device.ErrAlreadyConnected, addr)
	}

	l := t.newLink(addr)
	t.links.Set(addr, l)

	var dialCtx context.Context
	var dialCancel context.CancelFunc
	if autoReconnect {
		dialCtx, dialCancel = context.WithCancel(l.ctx)
	} else {
		dialCtx, dialCancel = context.WithTimeout(l.ctx, t.cfg.DialTimeout)
	}
	l.mu.Lock()
	l.dialCancel = dialCancel
	l.mu.Unlock()

	return t.enqueue(l, func(context.Context) {
		defer dialCancel()
		t.connect(dialCtx, l)
	})
}

func (t *Transport) newLink(addr device.Address) *link {
	ctx, stop := context.WithCancel(t.ctx)
	l := &link{
		addr: addr,
		ops:  make(chan func(ctx context.Context), opQueueSize),
		ctx:  ctx,
		stop: stop,
		mtu:  defaultMTU,
	}
	t.group.Go(ctx, "goble-link-"+addr.String(), func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case op := <-l.ops:
				op(ctx)
			}
		}
	})
	return l
}

func (t *Transport) enqueue(l *link, op func(ctx context.Context)) error {
	select {
	case <-l.ctx.Done():
		return device.ErrNotConnected
	default:
	}
	select {
	case l.ops <- op:
		return nil
	default:
		return fmt.Errorf("operation queue for %s is full", l.addr)
	}
}

func (t *Transport) connect(ctx context.Context, l *link) {
	logger := t.logger.WithField("address", l.addr)
	logger.Debug("Dialing")

	client, err := t.dial(ctx, l.addr)

	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	if err != nil {
		if !t.teardown(l, false) {
			return
		}
		code := StatusConnectFailed
		if errors.Is(err, context.DeadlineExceeded) {
			code = StatusTimeout
		}
		logger.WithError(err).Warn("Dial failed")
		t.cb.OnTransportConnectionError(l.addr, code, int(device.StateConnecting))
		return
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		logger.Debug("Link closed while dialing, dropping connection")
		_ = client.CancelConnection()
		return
	}
	l.client = client
	l.mu.Unlock()

	if n, ok := client.(disconnectNotifier); ok {
		t.group.Go(l.ctx, "goble-monitor-"+l.addr.String(), func(ctx context.Context) {
			select {
			case <-n.Disconnected():
				logger.Warn("Peripheral reported disconnection")
				t.lost(l)
			case <-ctx.Done():
			}
		})
	} else {
		logger.Debug("Client does not report disconnection")
	}

	logger.Info("Link established")
	t.cb.OnTransportConnected(l.addr)
}

// lost reports a link that dropped without a disconnect request
func (t *Transport) lost(l *link) {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()
	if t.teardown(l, true) {
		t.cb.OnTransportDisconnected(l.addr)
	}
}

// teardown closes the link once. It reports whether this call closed it.
func (t *Transport) teardown(l *link, cancelClient bool) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.closed = true
	client := l.client
	dialCancel := l.dialCancel
	l.client = nil
	l.profile = nil
	l.mu.Unlock()

	if dialCancel != nil {
		dialCancel()
	}
	l.stop()
	t.links.Del(l.addr)

	if cancelClient && client != nil {
		if err := client.CancelConnection(); err != nil {
			t.logger.WithError(err).WithField("address", l.addr).Debug("Cancel connection failed")
		}
	}
	return true
}

// RequestDisconnect closes the link, cancelling a dial still in progress, and
// reports Disconnected before returning. It reports even when there was no link,
// so a pending state always settles.
func (t *Transport) RequestDisconnect(addr device.Address) error {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()
	if l, ok := t.links.Get(addr); ok && !t.teardown(l, true) {
		// already reported by the monitor
		return nil
	}
	t.cb.OnTransportDisconnected(addr)
	return nil
}

func (t *Transport) openLink(addr device.Address) (*link, error) {
	l, ok := t.links.Get(addr)
	if !ok || l.isClosed() {
		return nil, fmt.Errorf("%w: %s", device.ErrNotConnected, addr)
	}
	return l, nil
}

// DiscoverServices loads the GATT profile
func (t *Transport) DiscoverServices(addr device.Address) error {
	l, err := t.openLink(addr)
	if err != nil {
		return err
	}
	return t.enqueue(l, func(context.Context) {
		client := l.currentClient()
		if client == nil {
			return
		}
		profile, err := client.DiscoverProfile(true)
		if err != nil {
			t.logger.WithError(err).WithField("address", addr).Warn("Service discovery failed")
			t.lifecycle.Lock()
			defer t.lifecycle.Unlock()
			// the link is gone before Error is observed, so a retry starts clean
			if t.teardown(l, true) {
				t.cb.OnTransportConnectionError(addr, StatusDiscoveryFailed, int(device.StateDiscoveringServices))
			}
			return
		}
		l.mu.Lock()
		l.profile = profile
		l.mu.Unlock()

		t.logger.WithFields(logrus.Fields{
			"address":  addr,
			"services": len(profile.Services),
		}).Info("Services discovered")
		t.cb.OnTransportServicesDiscovered(addr)
	})
}

// RequestEnableNotification subscribes to a characteristic. Indications are
// used when the characteristic does not support notifications.
func (t *Transport) RequestEnableNotification(addr device.Address, serviceID, charID string) error {
	l, err := t.openLink(addr)
	if err != nil {
		return err
	}
	return t.enqueue(l, func(context.Context) {
		client, char, err := l.characteristic(serviceID, charID)
		if err != nil {
			t.logger.WithError(err).WithField("address", addr).Warn("Cannot enable notification")
			return
		}
		ind := char.Property&ble.CharNotify == 0 && char.Property&ble.CharIndicate != 0
		svc, chr := device.NormalizeUUID(serviceID), device.NormalizeUUID(charID)
		err = client.Subscribe(char, ind, func(data []byte) {
			t.cb.OnCharacteristicChanged(addr, svc, chr, t.decrypt(addr, data))
		})
		if err != nil {
			t.logger.WithError(device.NormalizeError(err)).WithFields(logrus.Fields{
				"address": addr,
				"channel": svc + "/" + chr,
			}).Warn("Subscribe failed")
			return
		}
		t.logger.WithFields(logrus.Fields{
			"address":  addr,
			"channel":  svc + "/" + chr,
			"indicate": ind,
		}).Debug("Notifications enabled")
	})
}

func (t *Transport) decrypt(addr device.Address, data []byte) []byte {
	if !t.decode.Load() || t.cfg.Cipher == nil {
		return data
	}
	plain, err := t.cfg.Cipher.Decrypt(data)
	if err != nil {
		t.logger.WithError(err).WithField("address", addr).Warn("Failed to decrypt notification")
		return data
	}
	return plain
}

// RequestMtu exchanges the ATT MTU
func (t *Transport) RequestMtu(addr device.Address, mtu int) error {
	l, err := t.openLink(addr)
	if err != nil {
		return err
	}
	return t.enqueue(l, func(context.Context) {
		client := l.currentClient()
		if client == nil {
			return
		}
		txMTU, err := client.ExchangeMTU(mtu)
		if err != nil {
			t.logger.WithError(err).WithField("address", addr).Warn("MTU exchange failed")
			t.cb.OnMtuChanged(addr, l.currentMTU(), StatusFailure)
			return
		}
		l.mu.Lock()
		l.mtu = txMTU
		l.mu.Unlock()
		t.cb.OnMtuChanged(addr, txMTU, events.GattSuccess)
	})
}

// RequestRead reads a characteristic value
func (t *Transport) RequestRead(addr device.Address, serviceID, charID string) error {
	l, err := t.openLink(addr)
	if err != nil {
		return err
	}
	return t.enqueue(l, func(context.Context) {
		svc, chr := device.NormalizeUUID(serviceID), device.NormalizeUUID(charID)
		client, char, err := l.characteristic(serviceID, charID)
		if err != nil {
			t.cb.OnCharacteristicRead(addr, svc, chr, nil, StatusNotFound)
			return
		}
		data, err := client.ReadCharacteristic(char)
		if err != nil {
			t.logger.WithError(err).WithField("address", addr).Warn("Read failed")
			t.cb.OnCharacteristicRead(addr, svc, chr, nil, StatusFailure)
			return
		}
		t.cb.OnCharacteristicRead(addr, svc, chr, t.decrypt(addr, data), events.GattSuccess)
	})
}

// Send writes data to the send characteristic, split to fit the negotiated MTU
func (t *Transport) Send(addr device.Address, data []byte, encrypt bool) error {
	if encrypt {
		if t.cfg.Cipher == nil {
			return fmt.Errorf("%w: encryption requested without a cipher", device.ErrUnsupported)
		}
		enc, err := t.cfg.Cipher.Encrypt(data)
		if err != nil {
			return fmt.Errorf("failed to encrypt: %w", err)
		}
		data = enc
	} else {
		data = append([]byte(nil), data...)
	}

	l, err := t.openLink(addr)
	if err != nil {
		return err
	}
	svc, chr := device.NormalizeUUID(t.cfg.SendService), device.NormalizeUUID(t.cfg.SendChar)
	return t.enqueue(l, func(ctx context.Context) {
		client, char, err := l.characteristic(svc, chr)
		if err != nil {
			t.logger.WithError(err).WithField("address", addr).Warn("Send characteristic unavailable")
			t.cb.OnCharacteristicWrite(addr, svc, chr, StatusNotFound)
			return
		}
		chunk := l.currentMTU() - attHeaderSize
		noRsp := char.Property&ble.CharWrite == 0 && char.Property&ble.CharWriteNR != 0
		for len(data) > 0 {
			n := min(len(data), chunk)
			if err := client.WriteCharacteristic(char, data[:n], noRsp); err != nil {
				t.logger.WithError(err).WithField("address", addr).Warn("Write failed")
				t.cb.OnCharacteristicWrite(addr, svc, chr, StatusFailure)
				return
			}
			data = data[n:]
			if len(data) > 0 && t.cfg.WriteChunkDelay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(t.cfg.WriteChunkDelay):
				}
			}
		}
		t.cb.OnCharacteristicWrite(addr, svc, chr, events.GattSuccess)
	})
}

// Close tears down every link without reporting and waits for the workers
func (t *Transport) Close() {
	t.lifecycle.Lock()
	t.links.Range(func(_ device.Address, l *link) bool {
		t.teardown(l, true)
		return true
	})
	t.lifecycle.Unlock()
	t.cancel()
	t.group.Wait()
}

func (l *link) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *link) currentClient() Client {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.client
}

func (l *link) currentMTU() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.mtu <= attHeaderSize {
		return defaultMTU
	}
	return l.mtu
}

// characteristic looks up a discovered characteristic by normalized UUIDs
func (l *link) characteristic(serviceID, charID string) (Client, *ble.Characteristic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client == nil {
		return nil, nil, device.ErrNotConnected
	}
	if l.profile == nil {
		return nil, nil, fmt.Errorf("%w: services not discovered", device.ErrInvalidState)
	}
	svcID, chrID := device.NormalizeUUID(serviceID), device.NormalizeUUID(charID)
	for _, svc := range l.profile.Services {
		if device.NormalizeUUID(svc.UUID.String()) != svcID {
			continue
		}
		for _, c := range svc.Characteristics {
			if device.NormalizeUUID(c.UUID.String()) == chrID {
				return l.client, c, nil
			}
		}
	}
	return nil, nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{svcID, chrID}}
}
