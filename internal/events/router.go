package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/groutine"
)

const (
	// DefaultQueueSize is the per-subscriber queue capacity
	DefaultQueueSize uint32 = 256

	// MaxQueueSize guards against accidental misconfiguration
	MaxQueueSize uint32 = 1024 * 1024
)

// Handler consumes events on the subscription's own goroutine
type Handler func(GattEvent)

// Router fans GattEvents out to subscribers.
//
// Publish never blocks on a subscriber: each subscription owns a bounded
// overwrite-oldest queue drained by its own worker. Events published from one
// goroutine reach every subscriber in publish order.
//
// The subscriber list is copy-on-write, so Publish reads it without locking.
type Router struct {
	subs   atomic.Pointer[[]*Subscription]
	mu     sync.Mutex // serializes writers of subs
	seq    atomic.Uint64
	closed atomic.Bool

	queueSize uint32
	logger    *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  groutine.Group
}

// NewRouter creates a router. queueSize 0 selects DefaultQueueSize.
func NewRouter(logger *logrus.Logger, queueSize uint32) (*Router, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if queueSize == 0 {
		queueSize = DefaultQueueSize
	}
	if queueSize > MaxQueueSize {
		return nil, fmt.Errorf("queue size %d exceeds maximum %d", queueSize, MaxQueueSize)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		queueSize: queueSize,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
	empty := make([]*Subscription, 0)
	r.subs.Store(&empty)
	return r, nil
}

// SubscribeOption configures a subscription
type SubscribeOption func(*Subscription)

// WithAddress delivers only events for the given peripherals
func WithAddress(addrs ...device.Address) SubscribeOption {
	return func(s *Subscription) {
		if s.addresses == nil {
			s.addresses = make(map[device.Address]struct{}, len(addrs))
		}
		for _, a := range addrs {
			s.addresses[a] = struct{}{}
		}
	}
}

// WithKinds delivers only events of the given kinds
func WithKinds(kinds ...Kind) SubscribeOption {
	return func(s *Subscription) {
		if s.kinds == nil {
			s.kinds = make(map[Kind]struct{}, len(kinds))
		}
		for _, k := range kinds {
			s.kinds[k] = struct{}{}
		}
	}
}

// WithQueueSize overrides the router's queue size for one subscription
func WithQueueSize(size uint32) SubscribeOption {
	return func(s *Subscription) {
		if size > 0 && size <= MaxQueueSize {
			s.queueSize = size
		}
	}
}

// Subscribe registers handler. Events published after Subscribe returns are delivered
// until the subscription is closed.
func (r *Router) Subscribe(name string, handler Handler, opts ...SubscribeOption) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if r.closed.Load() {
		return nil, fmt.Errorf("router is closed")
	}

	s := &Subscription{
		ID:        uuid.NewString(),
		Name:      name,
		router:    r,
		handler:   handler,
		queueSize: r.queueSize,
		signal:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.queue = mpmc.NewOverlappedRingBuffer[GattEvent](s.queueSize)

	r.mu.Lock()
	if r.closed.Load() {
		r.mu.Unlock()
		return nil, fmt.Errorf("router is closed")
	}
	current := *r.subs.Load()
	next := make([]*Subscription, 0, len(current)+1)
	next = append(next, current...)
	next = append(next, s)
	r.subs.Store(&next)
	r.mu.Unlock()

	r.group.Go(r.ctx, "router-sub-"+name, s.run)

	r.logger.WithFields(logrus.Fields{
		"subscription": s.ID,
		"name":         name,
		"queue_size":   s.queueSize,
	}).Debug("Subscriber registered")
	return s, nil
}

// Publish stamps ev with the next sequence number and a timestamp and enqueues
// it for every matching subscriber. With no subscribers the event is discarded.
func (r *Router) Publish(ev GattEvent) {
	if r.closed.Load() {
		return
	}

	ev.Seq = r.seq.Add(1)
	if ev.TsUs == 0 {
		ev.TsUs = nowMicros()
	}

	subs := *r.subs.Load()
	if len(subs) == 0 {
		r.logger.WithFields(logrus.Fields{
			"address": ev.Address,
			"kind":    ev.Kind,
		}).Debug("No subscribers, event discarded")
		return
	}

	for _, s := range subs {
		if s.matches(ev) {
			s.enqueue(ev)
		}
	}
}

// Len returns the number of active subscriptions
func (r *Router) Len() int {
	return len(*r.subs.Load())
}

// Close removes every subscription and waits for their workers to exit.
// Must not be called from a handler.
func (r *Router) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}

	r.mu.Lock()
	subs := *r.subs.Load()
	empty := make([]*Subscription, 0)
	r.subs.Store(&empty)
	r.mu.Unlock()

	for _, s := range subs {
		s.markClosed()
	}
	r.cancel()
	r.group.Wait()
	r.logger.Debug("Event router closed")
}

func (r *Router) remove(s *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.subs.Load()
	next := make([]*Subscription, 0, len(current))
	for _, existing := range current {
		if existing != s {
			next = append(next, existing)
		}
	}
	r.subs.Store(&next)
}

// Subscription is a registered handler with its own queue and worker
type Subscription struct {
	ID   string
	Name string

	router    *Router
	handler   Handler
	addresses map[device.Address]struct{}
	kinds     map[Kind]struct{}

	queueSize uint32
	queue     mpmc.RichOverlappedRingBuffer[GattEvent]
	signal    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	metrics   SubscriberMetrics
}

// Close unsubscribes. No event published after Close returns is delivered, and
// at most the event currently being handled completes. Safe to call from the
// handler itself and more than once.
func (s *Subscription) Close() {
	s.markClosed()
	s.router.remove(s)
	s.router.logger.WithFields(logrus.Fields{
		"subscription": s.ID,
		"name":         s.Name,
	}).Debug("Subscriber removed")
}

// Closed reports whether the subscription has been closed
func (s *Subscription) Closed() bool {
	return s.closed.Load()
}

// Metrics returns a snapshot of the subscription counters
func (s *Subscription) Metrics() SubscriberMetrics {
	return s.metrics.snapshot()
}

func (s *Subscription) markClosed() {
	s.closed.Store(true)
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Subscription) matches(ev GattEvent) bool {
	if s.addresses != nil {
		if _, ok := s.addresses[ev.Address]; !ok {
			return false
		}
	}
	if s.kinds != nil {
		if _, ok := s.kinds[ev.Kind]; !ok {
			return false
		}
	}
	return true
}

func (s *Subscription) enqueue(ev GattEvent) {
	if s.closed.Load() {
		return
	}

	overwrites, err := s.queue.EnqueueM(ev)
	if err != nil {
		s.router.logger.WithError(err).WithField("subscription", s.Name).Error("Failed to enqueue event")
		return
	}
	s.metrics.incQueued()
	if overwrites > 0 {
		s.metrics.addOverwritten(overwrites)
		s.router.logger.WithFields(logrus.Fields{
			"subscription": s.Name,
			"overwritten":  overwrites,
			"address":      ev.Address,
		}).Warn("Subscriber queue overflow, oldest events dropped")
	}

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) run(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-s.signal:
			s.drain()
		}
	}
}

func (s *Subscription) drain() {
	for !s.queue.IsEmpty() {
		if s.closed.Load() {
			return
		}
		ev, err := s.queue.Dequeue()
		if err != nil {
			return
		}
		s.deliver(ev)
	}
}

func (s *Subscription) deliver(ev GattEvent) {
	// re-checked right before the handler runs
	if s.closed.Load() {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			s.metrics.incPanics()
			s.router.logger.WithFields(logrus.Fields{
				"subscription": s.Name,
				"address":      ev.Address,
				"kind":         ev.Kind,
				"panic":        p,
			}).Error("Subscriber handler panicked")
		}
	}()
	s.metrics.incDelivered()
	s.handler(ev)
}
