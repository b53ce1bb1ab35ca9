// Package sessionlog persists a recording session as an append-only NDJSON
// stream: one JSON record per line, never mutated after being written.
package sessionlog

import (
	"time"

	"github.com/strydelabs/stridelink/internal/geo"
	"github.com/strydelabs/stridelink/internal/ingest"
)

// SchemaVersion is written into every header record.
const SchemaVersion = 2

// Record types, carried in every line's "type" field.
const (
	TypeHeader       = "header"
	TypeData         = "data"
	TypeTick         = "tick"
	TypeDeviceEvent  = "device_event"
	TypeSessionEvent = "session_event"
	TypeStop         = "stop"
)

// DeviceInfo describes one device at session start.
type DeviceInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Slot      string `json:"slot,omitempty"`
	Src       string `json:"src"`
	Connected bool   `json:"connected"`
}

// headerRecord is the first line of every session file.
type headerRecord struct {
	Type           string       `json:"type"`
	Schema         int          `json:"schema"`
	SessionID      string       `json:"session_id"`
	Name           string       `json:"name"`
	Sport          string       `json:"sport,omitempty"`
	App            string       `json:"app"`
	User           string       `json:"user,omitempty"`
	StartedAt      time.Time    `json:"started_at"`
	ExpectedRateHz float64      `json:"expected_rate_hz,omitempty"`
	Devices        []DeviceInfo `json:"devices"`
}

// dataRecord is one sensor packet. The payload stays opaque; timestamps are
// unix milliseconds so consumers can merge streams without parsing RFC3339.
type dataRecord struct {
	Type   string `json:"type"`
	T      int64  `json:"t"`
	Src    string `json:"src"`
	ImuB64 string `json:"imu_b64"`
}

// tickRecord is the 1 Hz heartbeat aggregating the latest known snapshots.
type tickRecord struct {
	Type      string                  `json:"type"`
	T         int64                   `json:"t"`
	Stats     map[string]ingest.Stats `json:"stats,omitempty"`
	Fix       *geo.Fix                `json:"gps,omitempty"`
	FixReason string                  `json:"gps_reason,omitempty"`
}

// deviceEventRecord marks a mid-session drop or resume of one device.
type deviceEventRecord struct {
	Type     string `json:"type"`
	T        int64  `json:"t"`
	DeviceID string `json:"device_id"`
	Src      string `json:"src,omitempty"`
	Event    string `json:"event"`
}

// sessionEventRecord marks a lifecycle transition.
type sessionEventRecord struct {
	Type  string `json:"type"`
	T     int64  `json:"t"`
	Event string `json:"event"`
}

// stopRecord is the final line: totals for the whole session.
type stopRecord struct {
	Type       string            `json:"type"`
	T          int64             `json:"t"`
	Reason     string            `json:"reason,omitempty"`
	DurationMs int64             `json:"duration_ms"`
	BySource   map[string]uint64 `json:"by_source"`
	Rows       int               `json:"rows"`
	Bytes      int64             `json:"bytes"`
}
