package sessionlog

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/strydelabs/stridelink/internal/geo"
	"github.com/strydelabs/stridelink/internal/ingest"
)

// Config configures a session Writer.
type Config struct {
	// Dir is the sessions directory, created if absent.
	Dir string
	// SessionName seeds the file name.
	SessionName string
	Sport       string
	// App identifies the producing application in the header.
	App  string
	User string
	// ExpectedRateHz is recorded in the header for downstream loss analysis.
	ExpectedRateHz float64
	// FlushThreshold is the buffered-line count that triggers a chunked
	// write; defaults to 64.
	FlushThreshold int
	// TickInterval is the heartbeat cadence; defaults to 1s.
	TickInterval time.Duration
}

// Summary is the final accounting returned by Stop.
type Summary struct {
	Path      string
	SessionID string
	RowCount  int
	ByteCount int64
	Duration  time.Duration
	BySource  map[string]uint64
}

// Writer appends session records to an NDJSON file. Lines are buffered in
// memory and flushed in chunks; append failures are logged and retried on
// the next flush so the ingestion path never blocks on disk.
type Writer struct {
	cfg    Config
	logger *logrus.Entry

	mu        sync.Mutex
	file      *os.File
	path      string
	sessionID string
	startedAt time.Time
	started   bool
	closed    bool
	paused    bool

	pending   []byte
	pendingN  int
	rowCount  int
	byteCount int64
	bySource  map[string]uint64

	latestStats map[string]ingest.Stats
	latestFix   *geo.Fix
	fixReason   string

	tickStop chan struct{}
	summary  Summary

	now func() time.Time
}

// NewWriter creates a stopped writer. Start opens the file.
func NewWriter(cfg Config, logger *logrus.Logger) *Writer {
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = 64
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	return &Writer{
		cfg:         cfg,
		logger:      logger.WithField("component", "sessionlog"),
		bySource:    make(map[string]uint64),
		latestStats: make(map[string]ingest.Stats),
		now:         time.Now,
	}
}

// fileName derives the session file name from the session name and start
// time. Colons and dots in the RFC3339 stamp become dashes so the name is
// portable across filesystems.
func fileName(sessionName string, startedAt time.Time) string {
	stamp := startedAt.Format(time.RFC3339)
	stamp = strings.ReplaceAll(stamp, ":", "-")
	stamp = strings.ReplaceAll(stamp, ".", "-")
	return fmt.Sprintf("%s__%s.ndjson", sessionName, stamp)
}

// Start creates the session file and writes the header line. Idempotent:
// a second call on a started writer is a no-op. A failure here is fatal to
// the recording attempt and is returned to the caller.
func (w *Writer) Start(devices []DeviceInfo) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started && !w.closed {
		return nil
	}
	if w.closed {
		return fmt.Errorf("session writer already closed")
	}

	if err := os.MkdirAll(w.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create sessions directory: %w", err)
	}
	w.startedAt = w.now()
	w.sessionID = ulid.Make().String()
	w.path = filepath.Join(w.cfg.Dir, fileName(w.cfg.SessionName, w.startedAt))

	f, err := os.Create(w.path)
	if err != nil {
		return fmt.Errorf("create session file: %w", err)
	}
	w.file = f
	w.started = true

	w.appendLocked(headerRecord{
		Type:           TypeHeader,
		Schema:         SchemaVersion,
		SessionID:      w.sessionID,
		Name:           w.cfg.SessionName,
		Sport:          w.cfg.Sport,
		App:            w.cfg.App,
		User:           w.cfg.User,
		StartedAt:      w.startedAt,
		ExpectedRateHz: w.cfg.ExpectedRateHz,
		Devices:        devices,
	})
	if err := w.flushLocked(); err != nil {
		w.file.Close()
		w.file = nil
		w.started = false
		return fmt.Errorf("write session header: %w", err)
	}

	w.tickStop = make(chan struct{})
	go w.tickLoop(w.tickStop)

	w.logger.WithFields(logrus.Fields{
		"path":       w.path,
		"session_id": w.sessionID,
	}).Info("Session file opened")
	return nil
}

// Path returns the session file path; empty before Start.
func (w *Writer) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

// SessionID returns the session's ULID; empty before Start.
func (w *Writer) SessionID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessionID
}

// appendLocked serializes rec and queues its line. Marshal failures are
// logged and the record is dropped; everything we marshal is our own types,
// so this does not happen in practice.
func (w *Writer) appendLocked(rec any) {
	line, err := json.Marshal(rec)
	if err != nil {
		w.logger.WithError(err).Error("Failed to marshal session record")
		return
	}
	w.pending = append(w.pending, line...)
	w.pending = append(w.pending, '\n')
	w.pendingN++
	w.rowCount++
}

// flushLocked writes the pending chunk. On failure the chunk is kept for
// the next flush attempt.
func (w *Writer) flushLocked() error {
	if w.file == nil || len(w.pending) == 0 {
		return nil
	}
	n, err := w.file.Write(w.pending)
	if err != nil {
		// Partial writes leave the tail pending for retry.
		w.byteCount += int64(n)
		w.pending = w.pending[n:]
		return err
	}
	w.byteCount += int64(n)
	w.pending = nil
	w.pendingN = 0
	return nil
}

func (w *Writer) maybeFlushLocked() {
	if w.pendingN < w.cfg.FlushThreshold {
		return
	}
	if err := w.flushLocked(); err != nil {
		w.logger.WithError(err).Warn("Session flush failed, will retry")
	}
}

// OnBatch appends one data record per packet, tagged with the source stream.
// Silently dropped while paused or when the writer is not open: pausing must
// not leak data into the file, and ingestion must never fail on writer state.
func (w *Writer) OnBatch(src string, batch []ingest.Packet) {
	if len(batch) == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.writableLocked() {
		return
	}
	for _, pkt := range batch {
		w.appendLocked(dataRecord{
			Type:   TypeData,
			T:      pkt.Ts.UnixMilli(),
			Src:    src,
			ImuB64: base64.StdEncoding.EncodeToString(pkt.Payload),
		})
	}
	w.bySource[src] += uint64(len(batch))
	w.maybeFlushLocked()
}

func (w *Writer) writableLocked() bool {
	return w.started && !w.closed && !w.paused
}

// SetStats updates the latest snapshot for one stream. No record is written;
// the snapshot surfaces in the next tick.
func (w *Writer) SetStats(src string, s ingest.Stats) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.latestStats[src] = s
}

// SetGPS updates the latest fix used by the tick heartbeat.
func (w *Writer) SetGPS(fix geo.Fix, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	f := fix
	w.latestFix = &f
	w.fixReason = reason
}

// DeviceEvent records a mid-session drop or resume of one device.
func (w *Writer) DeviceEvent(deviceID, src, event string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started || w.closed {
		return
	}
	w.appendLocked(deviceEventRecord{
		Type:     TypeDeviceEvent,
		T:        w.now().UnixMilli(),
		DeviceID: deviceID,
		Src:      src,
		Event:    event,
	})
	w.maybeFlushLocked()
}

// SessionEvent records a lifecycle transition (start/pause/resume/stop).
// Unlike data rows, lifecycle events are written even while paused.
func (w *Writer) SessionEvent(event string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started || w.closed {
		return
	}
	w.appendLocked(sessionEventRecord{Type: TypeSessionEvent, T: w.now().UnixMilli(), Event: event})
	w.maybeFlushLocked()
}

// Pause drops all subsequent data batches until Resume.
func (w *Writer) Pause() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paused = true
}

// Resume re-enables data appends.
func (w *Writer) Resume() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paused = false
}

func (w *Writer) IsPaused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused
}

// tickLoop emits the heartbeat independent of data arrival, so the log
// keeps a steady pulse even when no sensor data flows. The heartbeat is
// suppressed while paused: a pause window leaves no rows at all except the
// lifecycle events that frame it.
func (w *Writer) tickLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

func (w *Writer) tick() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.writableLocked() {
		return
	}
	stats := make(map[string]ingest.Stats, len(w.latestStats))
	for src, s := range w.latestStats {
		stats[src] = s
	}
	w.appendLocked(tickRecord{
		Type:      TypeTick,
		T:         w.now().UnixMilli(),
		Stats:     stats,
		Fix:       w.latestFix,
		FixReason: w.fixReason,
	})
	w.maybeFlushLocked()
}

// Stop finalizes the file: stops the heartbeat, flushes everything pending,
// writes the stop record, and closes. Idempotent — repeated calls return
// the summary from the first.
func (w *Writer) Stop(reason string) Summary {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return w.summary
	}
	if !w.started {
		w.closed = true
		return Summary{}
	}

	if w.tickStop != nil {
		close(w.tickStop)
		w.tickStop = nil
	}

	duration := w.now().Sub(w.startedAt)
	bySource := make(map[string]uint64, len(w.bySource))
	for src, n := range w.bySource {
		bySource[src] = n
	}
	// Rows counts every record including this one. Bytes covers everything
	// preceding this record, flushed or still pending; the stop line cannot
	// know its own length. Summary.ByteCount below is the final file size.
	w.appendLocked(stopRecord{
		Type:       TypeStop,
		T:          w.now().UnixMilli(),
		Reason:     reason,
		DurationMs: duration.Milliseconds(),
		BySource:   bySource,
		Rows:       w.rowCount + 1,
		Bytes:      w.byteCount + int64(len(w.pending)),
	})
	if err := w.flushLocked(); err != nil {
		w.logger.WithError(err).Error("Final session flush failed")
	}
	if err := w.file.Close(); err != nil {
		w.logger.WithError(err).Warn("Session file close failed")
	}
	w.closed = true

	w.summary = Summary{
		Path:      w.path,
		SessionID: w.sessionID,
		RowCount:  w.rowCount,
		ByteCount: w.byteCount,
		Duration:  duration,
		BySource:  bySource,
	}
	w.logger.WithFields(logrus.Fields{
		"path":  w.summary.Path,
		"rows":  w.summary.RowCount,
		"bytes": w.summary.ByteCount,
	}).Info("Session file closed")
	return w.summary
}
