package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleproxy/internal/connection"
	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/events"
	"github.com/srg/bleproxy/internal/registry"
	"github.com/srg/bleproxy/internal/scanner"
	"github.com/srg/bleproxy/internal/transport/goble"
	"github.com/srg/bleproxy/pkg/config"
)

// radio is the host adapter as seen by the commands
type radio struct {
	scanning device.ScanningDevice
	dial     goble.DialFunc
	close    func()
}

// openRadio opens the platform adapter (can be overridden in tests)
var openRadio = func() (*radio, error) {
	dev, err := goble.OpenDevice()
	if err != nil {
		return nil, err
	}
	return &radio{
		scanning: goble.NewScanningDevice(dev),
		dial:     goble.NewDeviceDialer(dev),
		close:    func() { _ = dev.Stop() },
	}, nil
}

// session wires scanning, routing and connection management for one command run
type session struct {
	cfg       *config.Config
	logger    *logrus.Logger
	radio     *radio
	registry  *registry.Registry
	scanner   *scanner.Scanner
	router    *events.Router
	manager   *connection.Manager
	transport *goble.Transport
}

func newSession(cfg *config.Config, logger *logrus.Logger) (*session, error) {
	r, err := openRadio()
	if err != nil {
		return nil, err
	}

	s := &session{cfg: cfg, logger: logger, radio: r}
	s.registry = registry.New(logger)
	if s.scanner, err = scanner.NewScanner(r.scanning, s.registry, logger); err != nil {
		s.Close()
		return nil, err
	}
	if s.router, err = events.NewRouter(logger, cfg.QueueSize); err != nil {
		s.Close()
		return nil, err
	}
	mc, err := cfg.ManagerConfig(s.registry)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.manager = connection.NewManager(s.router, mc, logger)
	s.transport = goble.New(r.dial, s.manager, cfg.TransportConfig(), logger)
	s.manager.Bind(s.transport)
	return s, nil
}

// scanOptions returns the options used to locate a device before connecting
func (s *session) scanOptions() *scanner.ScanOptions {
	opts := scanner.DefaultScanOptions()
	opts.Duration = s.cfg.ScanTimeout
	return opts
}

// connect finds addr, connects and blocks until it is Ready. The connect timeout
// bounds the link setup and, once connected, service discovery again.
// Events for addr are delivered to handler from the moment the connect starts.
func (s *session) connect(ctx context.Context, addr device.Address, handler events.Handler) (*events.Subscription, error) {
	if _, err := s.scanner.Find(ctx, addr, s.scanOptions()); err != nil {
		return nil, err
	}

	result := make(chan error, 1)
	connected := make(chan struct{}, 1)
	settle := func(err error) {
		select {
		case result <- err:
		default:
		}
	}
	sub, err := s.router.Subscribe("session-"+addr.String(), func(ev events.GattEvent) {
		switch ev.Kind {
		case events.KindConnected:
			select {
			case connected <- struct{}{}:
			default:
			}
		case events.KindServicesDiscovered:
			settle(nil)
		case events.KindConnectTimeout:
			settle(fmt.Errorf("%w after %s", ErrConnectTimeout, s.manager.ConnectTimeout()))
		case events.KindConnectError:
			settle(fmt.Errorf("%w: code=%d state=%d", ErrConnectFailed, ev.Code, ev.State))
		case events.KindDisconnected:
			settle(ErrConnectionLost)
		}
		if handler != nil {
			handler(ev)
		}
	}, events.WithAddress(addr))
	if err != nil {
		return nil, err
	}

	if err := s.manager.Connect(addr, false); err != nil {
		sub.Close()
		return nil, err
	}

	var discovery <-chan time.Time
	for {
		select {
		case err := <-result:
			if err != nil {
				sub.Close()
				return nil, err
			}
			return sub, nil
		case <-connected:
			timer := time.NewTimer(s.manager.ConnectTimeout())
			defer timer.Stop()
			discovery = timer.C
		case <-discovery:
			sub.Close()
			_ = s.manager.Disconnect(addr)
			return nil, fmt.Errorf("%w: services not discovered within %s", ErrConnectTimeout, s.manager.ConnectTimeout())
		case <-ctx.Done():
			sub.Close()
			_ = s.manager.Disconnect(addr)
			return nil, ctx.Err()
		}
	}
}

// Close releases everything in reverse order of creation
func (s *session) Close() {
	if s.manager != nil {
		s.manager.Close()
	}
	if s.transport != nil {
		s.transport.Close()
	}
	if s.router != nil {
		s.router.Close()
	}
	if s.scanner != nil {
		s.scanner.Close()
	}
	if s.radio != nil && s.radio.close != nil {
		s.radio.close()
	}
}
