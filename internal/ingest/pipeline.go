// Package ingest turns raw characteristic notifications into timestamped
// packet batches with per-device rate and loss measurement. One Pipeline per
// device; a Coordinator fans operations out across the active set.
package ingest

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"

	"github.com/strydelabs/stridelink/internal/connmgr"
	"github.com/strydelabs/stridelink/internal/transport"
)

// Packet is one notification payload stamped at arrival.
type Packet struct {
	Ts      time.Time
	Payload []byte
}

// DeviceSource resolves a device identifier to its live connection handle.
// Satisfied by *connmgr.Manager.
type DeviceSource interface {
	Get(id string) (*connmgr.DeviceHandle, bool)
}

// Options configures a Pipeline.
type Options struct {
	ServiceUUID    string
	StreamCharUUID string
	// ExpectedRateHz is the nominal notification rate used for loss
	// computation. Zero disables loss reporting.
	ExpectedRateHz float64
	// RateWindow is the sliding window over which the measured rate is
	// computed.
	RateWindow time.Duration
	// StatsInterval throttles stats callbacks; at most one per interval.
	StatsInterval time.Duration
	// BatchSize is the buffered-packet count that triggers an immediate
	// batch emission.
	BatchSize int
	// BufferCapacity bounds the packet ring; overflow drops the oldest.
	BufferCapacity uint32
}

func (o *Options) applyDefaults() {
	if o.RateWindow <= 0 {
		o.RateWindow = time.Second
	}
	if o.StatsInterval <= 0 {
		o.StatsInterval = 250 * time.Millisecond
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.BufferCapacity == 0 {
		o.BufferCapacity = 512
	}
}

// Pipeline ingests the notification stream of a single device. It survives
// reconnects: Start may be called again after a link loss and resumes
// delivery through the new connection handle while counters keep running.
type Pipeline struct {
	deviceID string
	source   DeviceSource
	opts     Options
	logger   *logrus.Entry

	onBatch atomic.Pointer[func(deviceID string, batch []Packet)]
	onStats atomic.Pointer[func(Stats)]

	// subMu guards the subscription lifecycle; never held while emitting.
	subMu     sync.Mutex
	sub       transport.Subscription
	subClient transport.Client

	streaming   atomic.Bool
	collecting  atomic.Bool
	tearingDown atomic.Bool

	// bufMu serializes ring access so drains see a consistent length.
	bufMu    sync.Mutex
	buffer   mpmc.RichOverlappedRingBuffer[Packet]
	buffered int

	statsMu  sync.Mutex
	window   *rateWindow
	total    uint64
	measured float64
	loss     float64
	lastEmit time.Time

	now func() time.Time
}

// NewPipeline creates a stopped pipeline for one device.
func NewPipeline(deviceID string, source DeviceSource, opts Options, logger *logrus.Logger) *Pipeline {
	opts.applyDefaults()
	return &Pipeline{
		deviceID: deviceID,
		source:   source,
		opts:     opts,
		logger:   logger.WithField("device", deviceID),
		buffer:   mpmc.NewOverlappedRingBuffer[Packet](opts.BufferCapacity),
		window:   newRateWindow(opts.RateWindow),
		now:      time.Now,
	}
}

// SetBatchSink registers the consumer of emitted packet batches.
func (p *Pipeline) SetBatchSink(fn func(deviceID string, batch []Packet)) {
	if fn == nil {
		p.onBatch.Store(nil)
		return
	}
	p.onBatch.Store(&fn)
}

// SetStatsSink registers the consumer of throttled stats snapshots.
func (p *Pipeline) SetStatsSink(fn func(Stats)) {
	if fn == nil {
		p.onStats.Store(nil)
		return
	}
	p.onStats.Store(&fn)
}

// Start subscribes to the device's stream characteristic. A missing device
// or a not-yet-discovered characteristic is logged and tolerated: the caller
// retries on the next reconnect. Calling Start while already streaming over
// the same live connection is a no-op; after a reconnect it re-subscribes
// through the fresh handle.
func (p *Pipeline) Start() error {
	handle, ok := p.source.Get(p.deviceID)
	if !ok {
		p.logger.Debug("Start skipped, device not connected")
		return nil
	}

	p.subMu.Lock()
	defer p.subMu.Unlock()

	if p.sub != nil && p.subClient == handle.Client {
		return nil
	}
	// Stale subscription from a previous connection.
	p.teardownLocked()

	sub, err := handle.Client.Subscribe(p.opts.ServiceUUID, p.opts.StreamCharUUID, p.handleNotification)
	if err != nil {
		if transport.IsNotFound(err) {
			p.logger.WithError(err).Warn("Stream characteristic not found, streaming unavailable")
			return nil
		}
		return err
	}
	p.sub = sub
	p.subClient = handle.Client
	p.streaming.Store(true)
	p.logger.WithFields(logrus.Fields{
		"service":        p.opts.ServiceUUID,
		"characteristic": p.opts.StreamCharUUID,
	}).Info("Streaming started")
	return nil
}

// Stop unsubscribes and flushes whatever is buffered. Idempotent.
func (p *Pipeline) Stop() {
	p.subMu.Lock()
	p.teardownLocked()
	p.subMu.Unlock()

	if p.streaming.Swap(false) {
		p.logger.Info("Streaming stopped")
	}
	p.Flush()
}

// teardownLocked releases the current subscription. The tearingDown flag
// suppresses packets and cancellation noise racing with the unsubscribe.
func (p *Pipeline) teardownLocked() {
	if p.sub == nil {
		return
	}
	p.tearingDown.Store(true)
	err := p.sub.Unsubscribe()
	p.tearingDown.Store(false)
	if err != nil && !transport.IsCancelled(err) {
		p.logger.WithError(err).Warn("Unsubscribe failed")
	}
	p.sub = nil
	p.subClient = nil
}

// IsStreaming reports whether a live subscription exists.
func (p *Pipeline) IsStreaming() bool { return p.streaming.Load() }

// IsCollecting reports whether packets are being buffered for batching.
func (p *Pipeline) IsCollecting() bool { return p.collecting.Load() }

// SetCollect toggles packet buffering. Rate measurement runs regardless,
// so health stats stay live between recordings.
func (p *Pipeline) SetCollect(on bool) {
	if p.collecting.Swap(on) != on {
		p.logger.WithField("collect", on).Debug("Collect toggled")
	}
}

func (p *Pipeline) handleNotification(data []byte) {
	if p.tearingDown.Load() {
		return
	}
	now := p.now()

	p.statsMu.Lock()
	p.total++
	p.measured = p.window.observe(now)
	p.loss = lossPct(p.measured, p.opts.ExpectedRateHz)
	emit := now.Sub(p.lastEmit) >= p.opts.StatsInterval
	var snap Stats
	if emit {
		p.lastEmit = now
		snap = p.snapshotLocked(now)
	}
	p.statsMu.Unlock()
	if emit {
		p.emitStats(snap)
	}

	if !p.collecting.Load() {
		return
	}

	payload := make([]byte, len(data))
	copy(payload, data)

	var full []Packet
	p.bufMu.Lock()
	overwrites, err := p.buffer.EnqueueM(Packet{Ts: now, Payload: payload})
	if err != nil {
		p.bufMu.Unlock()
		p.logger.WithError(err).Error("Packet buffer enqueue failed")
		return
	}
	p.buffered += 1 - int(overwrites)
	if overwrites > 0 {
		p.logger.WithField("dropped", overwrites).Warn("Packet buffer overflow, oldest dropped")
	}
	if p.buffered >= p.opts.BatchSize {
		full = p.drainLocked()
	}
	p.bufMu.Unlock()

	if len(full) > 0 {
		p.emitBatch(full)
	}
}

// drainLocked empties the ring. Caller holds bufMu.
func (p *Pipeline) drainLocked() []Packet {
	if p.buffered <= 0 {
		p.buffered = 0
		return nil
	}
	out := make([]Packet, 0, p.buffered)
	for !p.buffer.IsEmpty() {
		pkt, err := p.buffer.Dequeue()
		if err != nil {
			break
		}
		out = append(out, pkt)
	}
	p.buffered = 0
	return out
}

// Flush emits whatever is buffered as one (possibly partial) batch. No-op
// when not collecting or nothing is buffered.
func (p *Pipeline) Flush() {
	if !p.collecting.Load() {
		return
	}
	p.bufMu.Lock()
	batch := p.drainLocked()
	p.bufMu.Unlock()
	if len(batch) > 0 {
		p.emitBatch(batch)
	}
}

// Drain removes and returns everything buffered without emitting it.
// Returns an empty slice when nothing is pending; safe to call repeatedly.
func (p *Pipeline) Drain() []Packet {
	p.bufMu.Lock()
	defer p.bufMu.Unlock()
	batch := p.drainLocked()
	if batch == nil {
		batch = []Packet{}
	}
	return batch
}

// BufferedCount returns the number of packets awaiting emission.
func (p *Pipeline) BufferedCount() int {
	p.bufMu.Lock()
	defer p.bufMu.Unlock()
	return p.buffered
}

// Stats returns the current measurement snapshot.
func (p *Pipeline) Stats() Stats {
	now := p.now()
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.measured = p.window.rate(now)
	p.loss = lossPct(p.measured, p.opts.ExpectedRateHz)
	return p.snapshotLocked(now)
}

// ResetStats zeroes the counters and window, then pushes an immediate
// snapshot so observers see the reset rather than stale numbers.
func (p *Pipeline) ResetStats() {
	now := p.now()
	p.statsMu.Lock()
	p.total = 0
	p.measured = 0
	p.loss = 0
	p.window.reset()
	p.lastEmit = now
	snap := p.snapshotLocked(now)
	p.statsMu.Unlock()
	p.emitStats(snap)
}

func (p *Pipeline) snapshotLocked(now time.Time) Stats {
	return Stats{
		DeviceID:     p.deviceID,
		Total:        p.total,
		MeasuredRate: p.measured,
		LossPct:      p.loss,
		Streaming:    p.streaming.Load(),
		Collecting:   p.collecting.Load(),
		UpdatedAt:    now,
	}
}

func (p *Pipeline) emitBatch(batch []Packet) {
	if fn := p.onBatch.Load(); fn != nil {
		(*fn)(p.deviceID, batch)
	}
}

func (p *Pipeline) emitStats(s Stats) {
	if fn := p.onStats.Load(); fn != nil {
		(*fn)(s)
	}
}
