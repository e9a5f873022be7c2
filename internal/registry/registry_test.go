package registry_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/registry"
	"github.com/srg/bleproxy/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type RegistryTestSuite struct {
	suite.Suite
	helper   *testutils.TestHelper
	registry *registry.Registry
}

func (s *RegistryTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.registry = registry.New(s.helper.Logger)
}

func (s *RegistryTestSuite) TestUpsertSameAddressKeepsOneRecord() {
	// GOAL: Verify two sightings of one address collapse into a single record
	//
	// TEST SCENARIO: upsert twice with different names → registry size 1 → latest name retained

	first := s.registry.Upsert(&device.DeviceRecord{Address: "AA:BB:CC:DD:EE:FF", DisplayName: "Old Name"})
	second := s.registry.Upsert(&device.DeviceRecord{Address: "AA:BB:CC:DD:EE:FF", DisplayName: "New Name"})

	s.True(first, "first sighting MUST be reported as new")
	s.False(second, "second sighting MUST be reported as refresh")
	s.Equal(1, s.registry.Len(), "registry MUST hold one record")

	rec, ok := s.registry.Get("AA:BB:CC:DD:EE:FF")
	s.Require().True(ok)
	s.Equal("New Name", rec.DisplayName, "MUST retain the most recently upserted name")
}

func (s *RegistryTestSuite) TestUpsertRefreshesMetadata() {
	s.registry.Upsert(&device.DeviceRecord{
		Address:              "AA:BB:CC:DD:EE:FF",
		DisplayName:          "Module",
		AdvertisementPayload: []byte{1},
		RSSI:                 -80,
	})

	s.Run("empty name does not erase known name", func() {
		s.registry.Upsert(&device.DeviceRecord{Address: "AA:BB:CC:DD:EE:FF", AdvertisementPayload: []byte{2}, RSSI: -40})

		rec, _ := s.registry.Get("AA:BB:CC:DD:EE:FF")
		s.Equal("Module", rec.DisplayName)
		s.Equal([]byte{2}, rec.AdvertisementPayload, "payload MUST be refreshed")
		s.Equal(-40, rec.RSSI)
	})

	s.Run("OAD capability is sticky", func() {
		s.registry.Upsert(&device.DeviceRecord{Address: "AA:BB:CC:DD:EE:FF", OADCapable: true})
		s.registry.Upsert(&device.DeviceRecord{Address: "AA:BB:CC:DD:EE:FF"})

		rec, _ := s.registry.Get("AA:BB:CC:DD:EE:FF")
		s.True(rec.OADCapable)
	})
}

func (s *RegistryTestSuite) TestListFirstSeenOrder() {
	addrs := []device.Address{"33:33:33:33:33:33", "11:11:11:11:11:11", "22:22:22:22:22:22"}
	for _, a := range addrs {
		s.registry.Upsert(&device.DeviceRecord{Address: a})
	}
	// refreshing the first one must not move it
	s.registry.Upsert(&device.DeviceRecord{Address: addrs[0], DisplayName: "refreshed"})

	list := s.registry.List()

	s.Require().Len(list, 3)
	for i, rec := range list {
		s.Equal(addrs[i], rec.Address, "record %d MUST be in first-seen order", i)
	}
	s.Equal("refreshed", list[0].DisplayName)
}

func (s *RegistryTestSuite) TestReturnedRecordsAreCopies() {
	s.registry.Upsert(&device.DeviceRecord{Address: "AA:BB:CC:DD:EE:FF", AdvertisementPayload: []byte{1}})

	rec, _ := s.registry.Get("AA:BB:CC:DD:EE:FF")
	rec.DisplayName = "mutated"
	rec.AdvertisementPayload[0] = 9

	again, _ := s.registry.Get("AA:BB:CC:DD:EE:FF")
	s.Equal("", again.DisplayName)
	s.Equal([]byte{1}, again.AdvertisementPayload)
}

func (s *RegistryTestSuite) TestClear() {
	s.registry.Upsert(&device.DeviceRecord{Address: "AA:BB:CC:DD:EE:FF"})
	s.True(s.registry.Contains("AA:BB:CC:DD:EE:FF"))

	s.registry.Clear()

	s.Equal(0, s.registry.Len())
	s.False(s.registry.Contains("AA:BB:CC:DD:EE:FF"))
	s.Empty(s.registry.List())
}

func (s *RegistryTestSuite) TestIgnoresInvalidRecords() {
	s.False(s.registry.Upsert(nil))
	s.False(s.registry.Upsert(&device.DeviceRecord{}))
	s.Equal(0, s.registry.Len())
}

func (s *RegistryTestSuite) TestConcurrentUpserts() {
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				addr := device.Address(fmt.Sprintf("00:00:00:00:00:%02X", i))
				s.registry.Upsert(&device.DeviceRecord{Address: addr, DisplayName: fmt.Sprintf("w%d", w)})
				_ = s.registry.List()
			}
		}(w)
	}
	wg.Wait()

	s.Equal(50, s.registry.Len())
}

func TestRegistryTestSuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}
