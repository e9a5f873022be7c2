package events_test

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/events"
	"github.com/srg/bleproxy/internal/testutils"
	"github.com/stretchr/testify/suite"
)

const testAddr = device.Address("AA:BB:CC:DD:EE:FF")

type RouterTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	router *events.Router
}

func (s *RouterTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	r, err := events.NewRouter(s.helper.Logger, 0)
	s.Require().NoError(err)
	s.router = r
}

func (s *RouterTestSuite) TearDownTest() {
	s.router.Close()
}

func (s *RouterTestSuite) TestPublishPreservesOrderForEverySubscriber() {
	// GOAL: Verify per-address publish order is kept for each subscriber
	//
	// TEST SCENARIO: 2 subscribers → publish lifecycle + 100 notifications → both observe identical order

	recA := testutils.NewEventRecorder()
	recB := testutils.NewEventRecorder()
	_, err := s.router.Subscribe("a", recA.Handle)
	s.Require().NoError(err)
	_, err = s.router.Subscribe("b", recB.Handle)
	s.Require().NoError(err)

	s.router.Publish(events.Connected(testAddr))
	s.router.Publish(events.ServicesDiscovered(testAddr))
	for i := 0; i < 100; i++ {
		s.router.Publish(events.CharacteristicChanged(testAddr, "1000", "1002", []byte{byte(i)}))
	}
	s.router.Publish(events.Disconnected(testAddr))

	evsA := recA.WaitFor(s.T(), 103, time.Second)
	evsB := recB.WaitFor(s.T(), 103, time.Second)

	s.Equal(events.KindConnected, evsA[0].Kind)
	s.Equal(events.KindServicesDiscovered, evsA[1].Kind)
	for i := 0; i < 100; i++ {
		s.Equal([]byte{byte(i)}, evsA[i+2].Payload(), "notification %d MUST keep its position", i)
	}
	s.Equal(events.KindDisconnected, evsA[102].Kind)

	for i := range evsA {
		s.Equal(evsA[i].Seq, evsB[i].Seq, "subscribers MUST observe identical order")
	}
	for i := 1; i < len(evsA); i++ {
		s.Greater(evsA[i].Seq, evsA[i-1].Seq, "sequence numbers MUST increase")
	}
}

func (s *RouterTestSuite) TestPublishWithoutSubscribersIsDiscarded() {
	s.router.Publish(events.Connected(testAddr))

	rec := testutils.NewEventRecorder()
	_, err := s.router.Subscribe("late", rec.Handle)
	s.Require().NoError(err)

	s.router.Publish(events.Disconnected(testAddr))

	evs := rec.WaitFor(s.T(), 1, time.Second)
	s.Equal(events.KindDisconnected, evs[0].Kind, "event published before subscribe MUST NOT be replayed")
	s.Never(func() bool { return rec.Len() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func (s *RouterTestSuite) TestUnsubscribeDuringDelivery() {
	// GOAL: Verify a subscriber closing itself inside its handler stops receiving events
	//
	// TEST SCENARIO: handler closes subscription on first event → more events published → only one delivered

	var delivered atomic.Int32
	var sub *events.Subscription
	ready := make(chan struct{})
	handled := make(chan struct{}, 1)

	sub, err := s.router.Subscribe("self-closing", func(ev events.GattEvent) {
		<-ready
		delivered.Add(1)
		sub.Close()
		handled <- struct{}{}
	})
	s.Require().NoError(err)

	other := testutils.NewEventRecorder()
	_, err = s.router.Subscribe("other", other.Handle)
	s.Require().NoError(err)

	s.router.Publish(events.Connected(testAddr))
	close(ready)
	<-handled

	for i := 0; i < 10; i++ {
		s.router.Publish(events.CharacteristicChanged(testAddr, "1000", "1002", []byte{byte(i)}))
	}

	other.WaitFor(s.T(), 11, time.Second)
	s.Equal(int32(1), delivered.Load(), "closed subscriber MUST NOT receive later events")
	s.True(sub.Closed())
	s.Equal(1, s.router.Len())
}

func (s *RouterTestSuite) TestUnsubscribeFromAnotherGoroutine() {
	// GOAL: Verify no event published after Close returns is delivered, even with a backlog
	//
	// TEST SCENARIO: slow handler builds a backlog → Close → publish more → nothing after Close observed

	gate := make(chan struct{})
	var afterClose atomic.Bool
	var violations atomic.Int32

	sub, err := s.router.Subscribe("slow", func(ev events.GattEvent) {
		<-gate
		if afterClose.Load() && ev.Kind == events.KindDisconnected {
			violations.Add(1)
		}
	})
	s.Require().NoError(err)

	for i := 0; i < 5; i++ {
		s.router.Publish(events.CharacteristicChanged(testAddr, "1000", "1002", []byte{byte(i)}))
	}

	sub.Close()
	afterClose.Store(true)
	s.router.Publish(events.Disconnected(testAddr))
	close(gate)

	s.Never(func() bool { return violations.Load() > 0 }, 100*time.Millisecond, 5*time.Millisecond)
	s.Equal(0, s.router.Len())

	// second close is harmless
	sub.Close()
}

func (s *RouterTestSuite) TestFilters() {
	other := device.Address("11:22:33:44:55:66")

	byAddr := testutils.NewEventRecorder()
	byKind := testutils.NewEventRecorder()
	_, err := s.router.Subscribe("by-address", byAddr.Handle, events.WithAddress(other))
	s.Require().NoError(err)
	_, err = s.router.Subscribe("by-kind", byKind.Handle, events.WithKinds(events.KindDisconnected))
	s.Require().NoError(err)

	s.router.Publish(events.Connected(testAddr))
	s.router.Publish(events.Connected(other))
	s.router.Publish(events.Disconnected(testAddr))

	addrEvents := byAddr.WaitFor(s.T(), 1, time.Second)
	kindEvents := byKind.WaitFor(s.T(), 1, time.Second)

	s.Equal(other, addrEvents[0].Address)
	s.Equal(events.KindDisconnected, kindEvents[0].Kind)
	s.Equal(testAddr, kindEvents[0].Address)
}

func (s *RouterTestSuite) TestOverflowIsCounted() {
	// GOAL: Verify a stalled subscriber loses oldest events and the loss is recorded
	//
	// TEST SCENARIO: blocked handler, queue of 4 → publish 20 → overwritten metric > 0, newest kept

	gate := make(chan struct{})
	rec := testutils.NewEventRecorder()
	first := make(chan struct{}, 1)

	sub, err := s.router.Subscribe("stalled", func(ev events.GattEvent) {
		select {
		case first <- struct{}{}:
		default:
		}
		<-gate
		rec.Handle(ev)
	}, events.WithQueueSize(4))
	s.Require().NoError(err)

	s.router.Publish(events.CharacteristicChanged(testAddr, "1000", "1002", []byte{0}))
	<-first // worker is now blocked holding event 0

	for i := 1; i < 20; i++ {
		s.router.Publish(events.CharacteristicChanged(testAddr, "1000", "1002", []byte{byte(i)}))
	}
	close(gate)

	s.Eventually(func() bool { return sub.Metrics().EventsOverwritten > 0 }, time.Second, 5*time.Millisecond,
		"overflow MUST be counted")

	s.Eventually(func() bool {
		evs := rec.Events()
		return len(evs) > 0 && evs[len(evs)-1].Payload()[0] == 19
	}, time.Second, 5*time.Millisecond, "newest event MUST survive overflow")

	m := sub.Metrics()
	s.Equal(int64(20), m.EventsQueued)
	s.Less(m.EventsDelivered, int64(20))
}

func (s *RouterTestSuite) TestHandlerPanicIsRecovered() {
	var calls atomic.Int32
	sub, err := s.router.Subscribe("panicky", func(ev events.GattEvent) {
		calls.Add(1)
		if ev.Kind == events.KindConnected {
			panic("boom")
		}
	})
	s.Require().NoError(err)

	s.router.Publish(events.Connected(testAddr))
	s.router.Publish(events.Disconnected(testAddr))

	s.Eventually(func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond,
		"worker MUST survive a handler panic")
	s.Equal(int64(1), sub.Metrics().HandlerPanics)
}

func (s *RouterTestSuite) TestConcurrentPublishersPerAddressOrder() {
	// Each goroutine publishes for its own address; per-address order must hold.
	rec := testutils.NewEventRecorder()
	_, err := s.router.Subscribe("all", rec.Handle)
	s.Require().NoError(err)

	const perAddr = 50
	var wg sync.WaitGroup
	for a := 0; a < 4; a++ {
		wg.Add(1)
		go func(a int) {
			defer wg.Done()
			addr := device.Address(fmt.Sprintf("00:00:00:00:00:0%d", a))
			for i := 0; i < perAddr; i++ {
				s.router.Publish(events.CharacteristicChanged(addr, "1000", "1002", []byte{byte(i)}))
			}
		}(a)
	}
	wg.Wait()

	evs := rec.WaitFor(s.T(), 4*perAddr, 2*time.Second)
	next := map[device.Address]byte{}
	for _, ev := range evs {
		s.Equal(next[ev.Address], ev.Payload()[0], "per-address order MUST hold for %s", ev.Address)
		next[ev.Address]++
	}
}

func (s *RouterTestSuite) TestClose() {
	rec := testutils.NewEventRecorder()
	sub, err := s.router.Subscribe("x", rec.Handle)
	s.Require().NoError(err)

	s.router.Close()

	s.True(sub.Closed())
	s.Equal(0, s.router.Len())
	s.router.Publish(events.Connected(testAddr))
	s.Equal(0, rec.Len())

	_, err = s.router.Subscribe("y", rec.Handle)
	s.Error(err, "subscribe after close MUST fail")
}

func (s *RouterTestSuite) TestInvalidArguments() {
	_, err := s.router.Subscribe("nil", nil)
	s.Error(err)

	_, err = events.NewRouter(nil, events.MaxQueueSize+1)
	s.Error(err)
}

func TestRouterTestSuite(t *testing.T) {
	suite.Run(t, new(RouterTestSuite))
}

func TestGattEvent(t *testing.T) {
	t.Run("payload is copied on construction and read", func(t *testing.T) {
		raw := []byte{1, 2, 3}
		ev := events.CharacteristicChanged(testAddr, "0x1000", "00001002-0000-1000-8000-00805f9b34fb", raw)
		raw[0] = 9

		got := ev.Payload()
		got[1] = 9

		if ev.Payload()[0] != 1 || ev.Payload()[1] != 2 {
			t.Fatalf("event payload was mutated: %v", ev.Payload())
		}
		if ev.ServiceID != "1000" || ev.CharID != "1002" {
			t.Fatalf("UUIDs not normalized: %s/%s", ev.ServiceID, ev.CharID)
		}
	})

	t.Run("json carries only kind specific fields", func(t *testing.T) {
		ev := events.MtuChanged(testAddr, 247, events.GattSuccess)
		ev.Seq = 7
		ev.TsUs = 1000

		data, err := json.Marshal(ev)
		if err != nil {
			t.Fatal(err)
		}
		want := `{"seq":7,"ts_us":1000,"kind":"mtu_changed","address":"AA:BB:CC:DD:EE:FF","status":0,"mtu":247}`
		if string(data) != want {
			t.Fatalf("got %s want %s", data, want)
		}

		var back events.GattEvent
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatal(err)
		}
		if back.Kind != events.KindMtuChanged || back.MTU != 247 || back.Seq != 7 {
			t.Fatalf("unexpected decode: %+v", back)
		}
	})

	t.Run("string form", func(t *testing.T) {
		ev := events.ConnectError(testAddr, 133, 0)
		if ev.String() != "AA:BB:CC:DD:EE:FF connect_error code=133 state=0" {
			t.Fatalf("unexpected %q", ev.String())
		}
		if events.Kind(99).String() != "kind(99)" {
			t.Fatal("unknown kind must format numerically")
		}
	})
}
