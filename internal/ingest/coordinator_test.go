package ingest

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/strydelabs/stridelink/internal/connmgr"
	"github.com/strydelabs/stridelink/internal/transport"
	"github.com/strydelabs/stridelink/internal/transport/transporttest"
)

type CoordinatorTestSuite struct {
	suite.Suite

	adapter *transporttest.Adapter
	source  *fakeSource
	coord   *Coordinator

	peripherals map[string]*transporttest.Peripheral
}

func (suite *CoordinatorTestSuite) SetupTest() {
	suite.adapter = transporttest.NewAdapter()
	suite.source = newFakeSource()
	suite.peripherals = make(map[string]*transporttest.Peripheral)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	suite.coord = NewCoordinator(logger)

	for tag, id := range map[string]string{"a": "AA:BB:CC:DD:EE:01", "b": "AA:BB:CC:DD:EE:02"} {
		p := transporttest.NewPeripheral(id, "sensor-"+tag, testServiceUUID, testCharUUID)
		suite.adapter.AddPeripheral(p)
		suite.peripherals[tag] = p

		client, err := suite.adapter.Connect(context.Background(), id, transport.ConnectOptions{})
		suite.Require().NoError(err)
		profile, err := client.DiscoverProfile(context.Background())
		suite.Require().NoError(err)
		suite.source.put(&connmgr.DeviceHandle{ID: id, Client: client, Profile: profile})

		suite.coord.Register(tag, NewPipeline(id, suite.source, Options{
			ServiceUUID:    testServiceUUID,
			StreamCharUUID: testCharUUID,
			BatchSize:      50,
		}, logger))
	}
}

func (suite *CoordinatorTestSuite) notify(tag string, data []byte) {
	suite.Require().True(suite.peripherals[tag].Notify(testServiceUUID, testCharUUID, data))
}

func (suite *CoordinatorTestSuite) TestTagsPreserveRegistrationOrder() {
	// GOAL: Verify stream tags come back in registration order, not map order
	//
	// TEST SCENARIO: Register a third pipeline → verify Tags lists a, b, c
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	suite.coord.Register("c", NewPipeline("AA:BB:CC:DD:EE:03", suite.source, Options{}, logger))
	suite.Equal([]string{"a", "b", "c"}, suite.coord.Tags())
}

func (suite *CoordinatorTestSuite) TestStartAllAndCollectAll() {
	// GOAL: Verify fan-out starts every stream and toggles collection everywhere
	//
	// TEST SCENARIO: StartAll + SetCollectAll → push packets on both streams → verify both buffer independently
	suite.Require().NoError(suite.coord.StartAll())
	suite.True(suite.coord.IsStreamingAny())

	suite.coord.SetCollectAll(true)
	suite.True(suite.coord.IsCollectingAny())

	suite.notify("a", []byte{1})
	suite.notify("b", []byte{2})
	suite.notify("b", []byte{3})

	pa, _ := suite.coord.Pipeline("a")
	pb, _ := suite.coord.Pipeline("b")
	suite.Equal(1, pa.BufferedCount())
	suite.Equal(2, pb.BufferedCount())
}

func (suite *CoordinatorTestSuite) TestStartAllSurvivesOneAbsentDevice() {
	// GOAL: Verify one unavailable device does not prevent the other stream from starting
	//
	// TEST SCENARIO: Remove device b → StartAll → verify stream a is live
	suite.source.remove("AA:BB:CC:DD:EE:02")

	suite.Require().NoError(suite.coord.StartAll())
	pa, _ := suite.coord.Pipeline("a")
	pb, _ := suite.coord.Pipeline("b")
	suite.True(pa.IsStreaming())
	suite.False(pb.IsStreaming())
}

func (suite *CoordinatorTestSuite) TestDrainAllNeverFails() {
	// GOAL: Verify DrainAll returns every stream's tail, empty for silent streams
	//
	// TEST SCENARIO: Buffer packets only on stream a → DrainAll → verify a has data, b maps to an empty slice
	suite.Require().NoError(suite.coord.StartAll())
	suite.coord.SetCollectAll(true)
	suite.notify("a", []byte{1})

	tails := suite.coord.DrainAll()
	suite.Require().Contains(tails, "a")
	suite.Require().Contains(tails, "b")
	suite.Len(tails["a"], 1)
	suite.Empty(tails["b"])

	// Draining again yields empty everywhere.
	again := suite.coord.DrainAll()
	suite.Empty(again["a"])
	suite.Empty(again["b"])
}

func (suite *CoordinatorTestSuite) TestStopAllStopsStreaming() {
	// GOAL: Verify StopAll tears every subscription down
	//
	// TEST SCENARIO: StartAll → StopAll → verify no stream is live and notifications go nowhere
	suite.Require().NoError(suite.coord.StartAll())
	suite.coord.StopAll()

	suite.False(suite.coord.IsStreamingAny())
	suite.False(suite.peripherals["a"].Notify(testServiceUUID, testCharUUID, []byte{1}))
}

func (suite *CoordinatorTestSuite) TestUnregisterStopsPipeline() {
	// GOAL: Verify unregistering a tag stops its pipeline and removes it from fan-out
	//
	// TEST SCENARIO: StartAll → Unregister a → verify a is gone and its subscription closed
	suite.Require().NoError(suite.coord.StartAll())
	suite.coord.Unregister("a")

	_, ok := suite.coord.Pipeline("a")
	suite.False(ok)
	suite.Equal([]string{"b"}, suite.coord.Tags())
	suite.False(suite.peripherals["a"].Notify(testServiceUUID, testCharUUID, []byte{1}))
}

func TestCoordinatorTestSuite(t *testing.T) {
	suite.Run(t, new(CoordinatorTestSuite))
}
