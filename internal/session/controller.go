// Package session owns the recording lifecycle: it gates when ingestion
// output becomes durable and coordinates GPS, stats propagation, dropout
// tracking and low-rate alerting around the session writer.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/strydelabs/stridelink/internal/geo"
	"github.com/strydelabs/stridelink/internal/ingest"
	"github.com/strydelabs/stridelink/internal/sessionlog"
)

// State is the session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateActive
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StatePaused:
		return "paused"
	default:
		return "idle"
	}
}

// DeviceBinding ties one device to its stream tag and assigned slot for the
// duration of a session.
type DeviceBinding struct {
	DeviceID string
	Name     string
	Src      string
	Slot     string
}

// ConnectionRegistry is the presence source of truth. Satisfied by
// *connmgr.Manager.
type ConnectionRegistry interface {
	IsConnected(id string) bool
}

// Config configures a Controller.
type Config struct {
	// SessionDir is where session files are written.
	SessionDir string
	App        string
	User       string
	// ExpectedRateHz of each sensor stream, for the header and alerting.
	ExpectedRateHz float64
	FlushThreshold int
	Alert          AlertConfig
	// PollInterval drives presence checks and alert evaluation; defaults
	// to 1s.
	PollInterval time.Duration
	// FixTimeout bounds the single-shot GPS fix at session start; the
	// continuous watch starts in parallel so a slow fix never blocks.
	FixTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.FixTimeout <= 0 {
		c.FixTimeout = 5 * time.Second
	}
	if c.Alert == (AlertConfig{}) {
		c.Alert = DefaultAlertConfig()
	}
}

// Controller is the session state machine: Idle → Active ⇄ Paused → Idle.
// Only one session may be active at a time; all methods are safe for
// concurrent use.
type Controller struct {
	cfg      Config
	conns    ConnectionRegistry
	coord    *ingest.Coordinator
	provider geo.Provider
	notifier Notifier
	logger   *logrus.Entry

	mu       sync.Mutex
	state    State
	writer   *sessionlog.Writer
	bindings []DeviceBinding
	present  map[string]bool
	alerts   map[string]*alertState

	watchID     geo.WatchID
	watchActive bool
	pollStop    chan struct{}

	now func() time.Time
}

func NewController(cfg Config, conns ConnectionRegistry, coord *ingest.Coordinator, provider geo.Provider, notifier Notifier, logger *logrus.Logger) *Controller {
	cfg.applyDefaults()
	if provider == nil {
		provider = geo.Null{}
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Controller{
		cfg:      cfg,
		conns:    conns,
		coord:    coord,
		provider: provider,
		notifier: notifier,
		logger:   logger.WithField("component", "session"),
		now:      time.Now,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Path returns the running session's file path; empty when idle.
func (c *Controller) Path() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writer == nil {
		return ""
	}
	return c.writer.Path()
}

// Start opens the writer and begins recording. A writer failure aborts the
// whole start: without a file there is nothing to record into, so ingestion
// is never enabled. Streaming start is best-effort; a disconnected device
// does not block the session. No-op when not Idle.
func (c *Controller) Start(sport string, bindings []DeviceBinding) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		c.logger.WithField("state", c.state).Debug("Start ignored, session not idle")
		return nil
	}
	if len(bindings) == 0 {
		return fmt.Errorf("no devices bound to the session")
	}

	devices := make([]sessionlog.DeviceInfo, 0, len(bindings))
	for _, b := range bindings {
		devices = append(devices, sessionlog.DeviceInfo{
			ID:        b.DeviceID,
			Name:      b.Name,
			Slot:      b.Slot,
			Src:       b.Src,
			Connected: c.conns.IsConnected(b.DeviceID),
		})
	}

	writer := sessionlog.NewWriter(sessionlog.Config{
		Dir:            c.cfg.SessionDir,
		SessionName:    sport,
		Sport:          sport,
		App:            c.cfg.App,
		User:           c.cfg.User,
		ExpectedRateHz: c.cfg.ExpectedRateHz,
		FlushThreshold: c.cfg.FlushThreshold,
	}, c.logger.Logger)
	if err := writer.Start(devices); err != nil {
		return fmt.Errorf("open session writer: %w", err)
	}

	c.writer = writer
	c.bindings = bindings
	c.state = StateActive
	c.present = make(map[string]bool, len(bindings))
	c.alerts = make(map[string]*alertState, len(bindings))
	for _, b := range bindings {
		c.present[b.DeviceID] = c.conns.IsConnected(b.DeviceID)
		c.alerts[b.DeviceID] = &alertState{}
	}

	c.wireSinksLocked()
	c.startGPSLocked()

	if err := c.coord.StartAll(); err != nil {
		c.logger.WithError(err).Warn("Not every stream started, continuing with partial coverage")
	}
	c.coord.ResetStatsAll()
	c.coord.SetCollectAll(true)

	c.pollStop = make(chan struct{})
	go c.pollLoop(c.pollStop)

	writer.SessionEvent("start")
	c.notifier.Notify("session_start", fmt.Sprintf("Recording %s session", sport))
	c.logger.WithFields(logrus.Fields{
		"sport":   sport,
		"devices": len(bindings),
		"path":    writer.Path(),
	}).Info("Session started")
	return nil
}

// wireSinksLocked routes each pipeline's batches and stats into the writer
// under its stream tag.
func (c *Controller) wireSinksLocked() {
	writer := c.writer
	for _, b := range c.bindings {
		p, ok := c.coord.Pipeline(b.Src)
		if !ok {
			c.logger.WithField("src", b.Src).Warn("No pipeline registered for stream")
			continue
		}
		src := b.Src
		p.SetBatchSink(func(_ string, batch []ingest.Packet) {
			writer.OnBatch(src, batch)
		})
		p.SetStatsSink(func(s ingest.Stats) {
			writer.SetStats(src, s)
		})
	}
}

// startGPSLocked requests a single-shot fix with a short timeout and starts
// the continuous watch in parallel, so a slow first fix never delays
// tracking.
func (c *Controller) startGPSLocked() {
	writer := c.writer
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FixTimeout)
		defer cancel()
		if _, err := c.provider.RequestAuthorization(ctx); err != nil {
			c.logger.WithError(err).Debug("GPS authorization failed")
		}
		fix, err := c.provider.CurrentPosition(ctx, c.cfg.FixTimeout)
		if err != nil {
			c.logger.WithError(err).Debug("Initial GPS fix unavailable")
			return
		}
		writer.SetGPS(fix, "start")
	}()

	id, err := c.provider.WatchPosition(
		func(fix geo.Fix) { writer.SetGPS(fix, "watch") },
		func(err error) { c.logger.WithError(err).Debug("GPS watch error") },
	)
	if err != nil {
		c.logger.WithError(err).Debug("GPS watch unavailable")
		return
	}
	c.watchID = id
	c.watchActive = true
}

func (c *Controller) stopGPSLocked() {
	if c.watchActive {
		c.provider.ClearWatch(c.watchID)
		c.watchActive = false
	}
}

// Pause stops collection and GPS, and silences the writer: batches arriving
// after this point are dropped, not buffered. No-op unless Active.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return
	}
	c.coord.SetCollectAll(false)
	c.stopGPSLocked()
	c.writer.Pause()
	c.writer.SessionEvent("paused")
	c.resetAlertsLocked()
	c.state = StatePaused
	c.logger.Info("Session paused")
}

// Resume restarts GPS and collection. No-op unless Paused.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePaused {
		return
	}
	c.startGPSLocked()
	c.writer.Resume()
	c.writer.SessionEvent("resumed")
	c.coord.SetCollectAll(true)
	c.state = StateActive
	c.logger.Info("Session resumed")
}

// Stop finalizes the session and returns the writer summary. The ordering
// is deliberate: collection is disabled before the tails are drained, so no
// batch can arrive after the drain and be lost; streaming and GPS stop
// next, and the writer is finalized last. No-op (zero Summary) when Idle.
func (c *Controller) Stop(reason string) sessionlog.Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateIdle {
		return sessionlog.Summary{}
	}

	c.coord.SetCollectAll(false)
	// A stop from Paused still owes the file everything collected before the
	// pause; lift the writer's pause gate so the drained tails are written,
	// not dropped.
	c.writer.Resume()
	for src, tail := range c.coord.DrainAll() {
		if len(tail) > 0 {
			c.writer.OnBatch(src, tail)
		}
	}
	c.coord.StopAll()
	c.stopGPSLocked()

	if c.pollStop != nil {
		close(c.pollStop)
		c.pollStop = nil
	}

	c.writer.SessionEvent("stop")
	summary := c.writer.Stop(reason)

	c.writer = nil
	c.bindings = nil
	c.present = nil
	c.alerts = nil
	c.state = StateIdle

	c.notifier.Notify("session_stop", fmt.Sprintf("Session saved: %s", summary.Path))
	c.logger.WithFields(logrus.Fields{
		"path":   summary.Path,
		"rows":   summary.RowCount,
		"bytes":  summary.ByteCount,
		"reason": reason,
	}).Info("Session stopped")
	return summary
}

// pollLoop drives presence tracking and alert evaluation at a fixed cadence.
func (c *Controller) pollLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.poll()
		}
	}
}

// poll checks device presence against the connection registry and evaluates
// low-rate alerts. Presence is tracked by identifier lookup, not by push
// callbacks, so a reconnect that replaces the handle is still seen as
// continuous presence between polls.
func (c *Controller) poll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateIdle {
		return
	}
	now := c.now()
	active := c.state == StateActive

	for _, b := range c.bindings {
		connected := c.conns.IsConnected(b.DeviceID)
		was := c.present[b.DeviceID]
		c.present[b.DeviceID] = connected

		if was && !connected {
			c.handleDropLocked(b)
		} else if !was && connected {
			c.handleResumeLocked(b, active)
		}

		if p, ok := c.coord.Pipeline(b.Src); ok {
			s := p.Stats()
			c.writer.SetStats(b.Src, s)
			if active && p.IsCollecting() {
				c.evaluateAlertLocked(b, s, now)
			} else {
				c.alerts[b.DeviceID].reset()
			}
		}
	}
}

// handleDropLocked records the dropout and disables that device's
// collection; the other streams keep recording — a partial session beats
// no session.
func (c *Controller) handleDropLocked(b DeviceBinding) {
	c.logger.WithField("device", b.DeviceID).Warn("Device dropped mid-session")
	c.writer.DeviceEvent(b.DeviceID, b.Src, "dropped")
	if p, ok := c.coord.Pipeline(b.Src); ok {
		p.SetCollect(false)
	}
}

// handleResumeLocked restarts the device's pipeline over its fresh
// connection handle and re-enables collection if the session is recording.
func (c *Controller) handleResumeLocked(b DeviceBinding, active bool) {
	c.logger.WithField("device", b.DeviceID).Info("Device resumed mid-session")
	c.writer.DeviceEvent(b.DeviceID, b.Src, "resumed")
	p, ok := c.coord.Pipeline(b.Src)
	if !ok {
		return
	}
	if err := p.Start(); err != nil {
		c.logger.WithError(err).WithField("device", b.DeviceID).Warn("Failed to restart stream after resume")
		return
	}
	if active {
		p.SetCollect(true)
	}
}

func (c *Controller) evaluateAlertLocked(b DeviceBinding, s ingest.Stats, now time.Time) {
	st := c.alerts[b.DeviceID]
	switch st.observe(s.MeasuredRate, c.cfg.ExpectedRateHz, c.cfg.Alert, now) {
	case "alert":
		msg := fmt.Sprintf("%s (%s) streaming at %.1f Hz, expected %.0f Hz", b.Name, b.Slot, s.MeasuredRate, c.cfg.ExpectedRateHz)
		c.notifier.Notify("low_rate", msg)
		c.logger.WithFields(logrus.Fields{
			"device": b.DeviceID,
			"rate":   s.MeasuredRate,
		}).Warn("Low sensor rate")
	case "recovered":
		c.notifier.Notify("rate_recovered", fmt.Sprintf("%s (%s) rate recovered", b.Name, b.Slot))
		c.logger.WithField("device", b.DeviceID).Info("Sensor rate recovered")
	}
}

func (c *Controller) resetAlertsLocked() {
	for _, st := range c.alerts {
		st.reset()
	}
}
