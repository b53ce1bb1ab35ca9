package sessionlog

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/strydelabs/stridelink/internal/geo"
	"github.com/strydelabs/stridelink/internal/ingest"
)

type WriterTestSuite struct {
	suite.Suite

	dir string
}

func (suite *WriterTestSuite) SetupTest() {
	suite.dir = suite.T().TempDir()
}

func (suite *WriterTestSuite) newWriter(cfg Config) *Writer {
	if cfg.Dir == "" {
		cfg.Dir = suite.dir
	}
	if cfg.SessionName == "" {
		cfg.SessionName = "padel"
	}
	if cfg.App == "" {
		cfg.App = "stridelink/test"
	}
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewWriter(cfg, logger)
}

// readRecords parses every NDJSON line of the session file.
func (suite *WriterTestSuite) readRecords(path string) []map[string]any {
	data, err := os.ReadFile(path)
	suite.Require().NoError(err)

	var records []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		suite.Require().NoError(json.Unmarshal([]byte(line), &rec), "every line must be valid JSON: %s", line)
		records = append(records, rec)
	}
	return records
}

func typesOf(records []map[string]any) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r["type"].(string)
	}
	return out
}

func packetsAt(ts time.Time, payloads ...[]byte) []ingest.Packet {
	out := make([]ingest.Packet, len(payloads))
	for i, p := range payloads {
		out[i] = ingest.Packet{Ts: ts, Payload: p}
	}
	return out
}

func (suite *WriterTestSuite) TestFileNameFormat() {
	// GOAL: Verify the file name embeds the start time with filesystem-safe separators
	//
	// TEST SCENARIO: Render a fixed timestamp → verify colons and dots became dashes
	at := time.Date(2026, 8, 23, 14, 30, 5, 0, time.UTC)
	suite.Equal("padel__2026-08-23T14-30-05Z.ndjson", fileName("padel", at))
}

func (suite *WriterTestSuite) TestStartWritesHeaderFirst() {
	// GOAL: Verify the header is the first durable line with schema, identity and device roster
	//
	// TEST SCENARIO: Start with two devices → read the file → verify header content on line one
	w := suite.newWriter(Config{Sport: "padel", ExpectedRateHz: 60})
	err := w.Start(testDevices())
	suite.Require().NoError(err)
	defer w.Stop("test")

	records := suite.readRecords(w.Path())
	suite.Require().NotEmpty(records)
	header := records[0]
	suite.Equal(TypeHeader, header["type"])
	suite.Equal(float64(SchemaVersion), header["schema"])
	suite.NotEmpty(header["session_id"])
	suite.Equal("padel", header["sport"])
	suite.Equal(float64(60), header["expected_rate_hz"])
	suite.Len(header["devices"], 2)
}

func (suite *WriterTestSuite) TestStartIsIdempotent() {
	// GOAL: Verify a second Start on an open writer is a no-op
	//
	// TEST SCENARIO: Start twice → verify the same path and a single header
	w := suite.newWriter(Config{})
	suite.Require().NoError(w.Start(nil))
	path := w.Path()
	suite.Require().NoError(w.Start(nil))
	suite.Equal(path, w.Path())
	w.Stop("test")

	records := suite.readRecords(path)
	headers := 0
	for _, r := range records {
		if r["type"] == TypeHeader {
			headers++
		}
	}
	suite.Equal(1, headers)
}

func (suite *WriterTestSuite) TestBatchesBecomeDataRows() {
	// GOAL: Verify each packet of a batch becomes one base64-tagged data row in call order
	//
	// TEST SCENARIO: Append a batch on stream a → Stop → verify data rows with source tag and payload
	w := suite.newWriter(Config{})
	suite.Require().NoError(w.Start(nil))

	at := time.Date(2026, 8, 23, 14, 0, 0, 0, time.UTC)
	w.OnBatch("a", packetsAt(at, []byte{1, 2}, []byte{3, 4}))
	summary := w.Stop("test")

	records := suite.readRecords(summary.Path)
	var data []map[string]any
	for _, r := range records {
		if r["type"] == TypeData {
			data = append(data, r)
		}
	}
	suite.Require().Len(data, 2)
	suite.Equal("a", data[0]["src"])
	suite.Equal(float64(at.UnixMilli()), data[0]["t"])
	suite.Equal(base64.StdEncoding.EncodeToString([]byte{1, 2}), data[0]["imu_b64"])
	suite.Equal(base64.StdEncoding.EncodeToString([]byte{3, 4}), data[1]["imu_b64"])
	suite.Equal(uint64(2), summary.BySource["a"])
}

func (suite *WriterTestSuite) TestFlushThresholdPersistsWithoutStop() {
	// GOAL: Verify buffered lines hit the disk once the flush threshold is reached
	//
	// TEST SCENARIO: Configure threshold 4 → append enough rows → verify file contains them before Stop
	w := suite.newWriter(Config{FlushThreshold: 4})
	suite.Require().NoError(w.Start(nil))
	defer w.Stop("test")

	payloads := make([][]byte, 8)
	for i := range payloads {
		payloads[i] = []byte{byte(i)}
	}
	w.OnBatch("a", packetsAt(time.Now(), payloads...))

	records := suite.readRecords(w.Path())
	suite.GreaterOrEqual(len(records), 8, "threshold crossing must flush without Stop")
}

func (suite *WriterTestSuite) TestPauseSilencesDataCompletely() {
	// GOAL: Verify no data leaks into the file between pause and resume
	//
	// TEST SCENARIO: Write one batch → Pause → write batches → Resume → write one batch → verify only the unpaused rows exist
	w := suite.newWriter(Config{})
	suite.Require().NoError(w.Start(nil))

	at := time.Now()
	w.OnBatch("a", packetsAt(at, []byte{1}))

	w.Pause()
	suite.True(w.IsPaused())
	w.OnBatch("a", packetsAt(at, []byte{2}, []byte{3}))
	w.OnBatch("b", packetsAt(at, []byte{4}))

	w.Resume()
	suite.False(w.IsPaused())
	w.OnBatch("a", packetsAt(at, []byte{5}))

	summary := w.Stop("test")
	records := suite.readRecords(summary.Path)

	var payloads []string
	for _, r := range records {
		if r["type"] == TypeData {
			payloads = append(payloads, r["imu_b64"].(string))
		}
	}
	suite.Equal([]string{
		base64.StdEncoding.EncodeToString([]byte{1}),
		base64.StdEncoding.EncodeToString([]byte{5}),
	}, payloads, "paused batches must be dropped, not buffered")
	suite.Equal(uint64(2), summary.BySource["a"])
	suite.NotContains(summary.BySource, "b")
}

func (suite *WriterTestSuite) TestStopIsIdempotent() {
	// GOAL: Verify repeated Stop calls return the identical summary and the file ends with one stop record
	//
	// TEST SCENARIO: Stop twice → compare summaries → verify a single trailing stop record
	w := suite.newWriter(Config{})
	suite.Require().NoError(w.Start(nil))
	w.OnBatch("a", packetsAt(time.Now(), []byte{1}))

	first := w.Stop("user_interrupt")
	second := w.Stop("user_interrupt")
	suite.Equal(first, second)

	records := suite.readRecords(first.Path)
	types := typesOf(records)
	suite.Equal(TypeStop, types[len(types)-1])
	stops := 0
	for _, t := range types {
		if t == TypeStop {
			stops++
		}
	}
	suite.Equal(1, stops)

	last := records[len(records)-1]
	suite.Equal("user_interrupt", last["reason"])
	suite.Equal(float64(first.RowCount), last["rows"])
}

func (suite *WriterTestSuite) TestStopRecordCountsPendingBytes() {
	// GOAL: Verify the stop record's byte count covers still-buffered lines and
	// matches exactly the file content preceding the stop line
	//
	// TEST SCENARIO: Buffer rows below the flush threshold → Stop → verify the
	// recorded bytes equal the file size minus the stop line itself
	w := suite.newWriter(Config{})
	suite.Require().NoError(w.Start(nil))
	w.OnBatch("a", packetsAt(time.Now(), []byte{1}, []byte{2}, []byte{3}))

	summary := w.Stop("test")
	data, err := os.ReadFile(summary.Path)
	suite.Require().NoError(err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	stopLine := lines[len(lines)-1]

	var stop map[string]any
	suite.Require().NoError(json.Unmarshal([]byte(stopLine), &stop))
	suite.Equal(float64(len(data)-len(stopLine)-1), stop["bytes"])
	suite.Equal(int64(len(data)), summary.ByteCount, "the summary reflects the final file size")
}

func (suite *WriterTestSuite) TestTickHeartbeatAggregatesSnapshots() {
	// GOAL: Verify the heartbeat emits aggregated stats and GPS independent of data arrival
	//
	// TEST SCENARIO: Short tick interval → set stats and a fix → wait a few ticks → verify tick rows carry both
	w := suite.newWriter(Config{TickInterval: 10 * time.Millisecond})
	suite.Require().NoError(w.Start(nil))

	w.SetStats("a", ingest.Stats{DeviceID: "dev-1", MeasuredRate: 59.5, Total: 100})
	w.SetGPS(geo.Fix{Latitude: 52.37, Longitude: 4.89, Timestamp: time.Now()}, "watch")

	suite.Eventually(func() bool {
		w.mu.Lock()
		rows := w.rowCount
		w.mu.Unlock()
		return rows > 2
	}, time.Second, 5*time.Millisecond)

	summary := w.Stop("test")
	records := suite.readRecords(summary.Path)

	var tick map[string]any
	for _, r := range records {
		if r["type"] == TypeTick {
			tick = r
		}
	}
	suite.Require().NotNil(tick, "at least one tick row expected")
	stats := tick["stats"].(map[string]any)
	suite.Contains(stats, "a")
	gps := tick["gps"].(map[string]any)
	suite.InDelta(52.37, gps["lat"].(float64), 0.001)
	suite.Equal("watch", tick["gps_reason"])
}

func (suite *WriterTestSuite) TestDeviceAndSessionEvents() {
	// GOAL: Verify dropout and lifecycle rows are recorded with their identifiers
	//
	// TEST SCENARIO: Emit device_event and session_event rows → verify content in order
	w := suite.newWriter(Config{})
	suite.Require().NoError(w.Start(nil))

	w.SessionEvent("start")
	w.DeviceEvent("dev-1", "a", "dropped")
	w.DeviceEvent("dev-1", "a", "resumed")
	summary := w.Stop("test")

	records := suite.readRecords(summary.Path)
	types := typesOf(records)
	suite.Equal([]string{TypeHeader, TypeSessionEvent, TypeDeviceEvent, TypeDeviceEvent, TypeStop}, types)
	suite.Equal("dropped", records[2]["event"])
	suite.Equal("dev-1", records[2]["device_id"])
	suite.Equal("resumed", records[3]["event"])
}

func (suite *WriterTestSuite) TestUnstartedWriterDropsEverything() {
	// GOAL: Verify calls before Start are silently ignored and Stop yields a zero summary
	//
	// TEST SCENARIO: Append and stop an unstarted writer → verify no file and empty summary
	w := suite.newWriter(Config{})
	w.OnBatch("a", packetsAt(time.Now(), []byte{1}))
	summary := w.Stop("test")

	suite.Equal(Summary{}, summary)
	entries, err := os.ReadDir(suite.dir)
	suite.Require().NoError(err)
	suite.Empty(entries)
}

func (suite *WriterTestSuite) TestFilePlacedInSessionsDir() {
	// GOAL: Verify the sessions directory is created on demand
	//
	// TEST SCENARIO: Point Dir at a nested non-existent path → Start → verify the file exists there
	nested := filepath.Join(suite.dir, "deep", "sessions")
	w := suite.newWriter(Config{Dir: nested})
	suite.Require().NoError(w.Start(nil))
	summary := w.Stop("test")

	suite.Equal(nested, filepath.Dir(summary.Path))
	_, err := os.Stat(summary.Path)
	suite.NoError(err)
}

// testDevices returns a two-device roster for header tests.
func testDevices() []DeviceInfo {
	return []DeviceInfo{
		{ID: "AA:BB:CC:DD:EE:01", Name: "left", Slot: "left_foot", Src: "a", Connected: true},
		{ID: "AA:BB:CC:DD:EE:02", Name: "right", Slot: "right_foot", Src: "b", Connected: false},
	}
}

func TestWriterTestSuite(t *testing.T) {
	suite.Run(t, new(WriterTestSuite))
}
