// Package connmgr owns the BLE scan/connect/disconnect lifecycle: it
// discovers peripherals advertising the sensor service, keeps a registry of
// connected devices with their discovered topology, and recovers from
// unexpected disconnects with exponentially backed-off reconnect attempts.
package connmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/strydelabs/stridelink/internal/ringbuf"
	"github.com/strydelabs/stridelink/internal/transport"
)

// Config configures a Manager.
type Config struct {
	// ServiceFilter limits discovery to devices advertising one of these
	// services. Empty disables filtering.
	ServiceFilter []string
	// AutoConnect connects eagerly to every newly discovered device.
	AutoConnect bool
	Connect     transport.ConnectOptions
	Backoff     BackoffConfig
}

// ScanOptions configures one StartScan pass.
type ScanOptions struct {
	Timeout    time.Duration
	MaxDevices int
	// ClearExisting forgets previously discovered-but-unconnected devices
	// before scanning.
	ClearExisting bool
}

// Manager is the device connection manager. The connected-device registry it
// maintains is the single source of truth for "is this device connected";
// other components treat it as read-only.
type Manager struct {
	adapter transport.Adapter
	cfg     Config
	logger  *logrus.Logger

	registry *hashmap.Map[string, *DeviceHandle]
	// discovered remembers scan results across scans so the UI can offer
	// devices seen earlier; cleared via ScanOptions.ClearExisting.
	discovered *hashmap.Map[string, Discovered]
	events     *ringbuf.RingChannel[Event]
	retries    *retryTable

	// connecting de-duplicates concurrent Connect calls per device; the
	// deduplicated caller shares the in-flight attempt's outcome.
	connectingMu sync.Mutex
	connecting   map[string]*connectAttempt

	scanMu     sync.Mutex
	scanCancel context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a Manager around the given adapter.
func NewManager(adapter transport.Adapter, cfg Config, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = DefaultBackoff()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		adapter:    adapter,
		cfg:        cfg,
		logger:     logger,
		registry:   hashmap.New[string, *DeviceHandle](),
		discovered: hashmap.New[string, Discovered](),
		events:     ringbuf.NewRingChannel[Event](128),
		retries:    newRetryTable(),
		connecting: make(map[string]*connectAttempt),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Events returns the manager event stream. The buffer drops oldest events
// under pressure; consumers needing completeness must keep up.
func (m *Manager) Events() <-chan Event {
	return m.events.C()
}

func (m *Manager) emit(ev Event) {
	ev.Timestamp = time.Now()
	m.events.ForceSend(ev)
}

// Devices returns a snapshot of connected device handles.
func (m *Manager) Devices() []*DeviceHandle {
	out := make([]*DeviceHandle, 0, m.registry.Len())
	m.registry.Range(func(_ string, h *DeviceHandle) bool {
		out = append(out, h)
		return true
	})
	return out
}

// Get returns the live handle for id, if connected.
func (m *Manager) Get(id string) (*DeviceHandle, bool) {
	return m.registry.Get(id)
}

// IsConnected reports whether id is currently in the connected registry.
func (m *Manager) IsConnected(id string) bool {
	_, ok := m.registry.Get(id)
	return ok
}

// RetryAttempts returns the current reconnect attempt counter for id.
func (m *Manager) RetryAttempts(id string) int {
	return m.retries.attempts(id)
}

// StartScan begins scanning in the background. No-op when a scan is already
// running. Discovered devices are de-duplicated by identifier and, when
// AutoConnect is set, connected eagerly. The scan self-terminates on timeout
// or once MaxDevices unique devices were seen, whichever comes first; the
// underlying scan is always stopped on exit.
func (m *Manager) StartScan(opts ScanOptions) error {
	if m.adapter.State() != transport.AdapterPoweredOn {
		return fmt.Errorf("%w: radio %s", transport.ErrAdapterUnavailable, m.adapter.State())
	}

	m.scanMu.Lock()
	if m.scanCancel != nil {
		m.scanMu.Unlock()
		return nil
	}
	var scanCtx context.Context
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		scanCtx, cancel = context.WithTimeout(m.ctx, opts.Timeout)
	} else {
		scanCtx, cancel = context.WithCancel(m.ctx)
	}
	m.scanCancel = cancel
	m.scanMu.Unlock()

	if opts.ClearExisting {
		m.discovered.Range(func(id string, _ Discovered) bool {
			m.discovered.Del(id)
			return true
		})
	}

	m.logger.WithFields(logrus.Fields{
		"timeout":     opts.Timeout,
		"max_devices": opts.MaxDevices,
	}).Info("Starting BLE scan")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			cancel()
			m.scanMu.Lock()
			m.scanCancel = nil
			m.scanMu.Unlock()
		}()

		seen := make(map[string]struct{})
		var seenMu sync.Mutex

		err := m.adapter.Scan(scanCtx, transport.ScanOptions{ServiceFilter: m.cfg.ServiceFilter}, func(adv transport.Advertisement) {
			id := adv.ID()
			seenMu.Lock()
			if _, dup := seen[id]; dup {
				seenMu.Unlock()
				return
			}
			seen[id] = struct{}{}
			count := len(seen)
			seenMu.Unlock()

			m.logger.WithFields(logrus.Fields{
				"device": id,
				"name":   adv.LocalName(),
				"rssi":   adv.RSSI(),
			}).Info("Discovered device")
			m.discovered.Set(id, Discovered{ID: id, Name: adv.LocalName(), RSSI: adv.RSSI(), Services: adv.Services()})
			m.emit(Event{Type: EventDiscovered, DeviceID: id, Name: adv.LocalName()})

			if m.cfg.AutoConnect {
				m.wg.Add(1)
				go func() {
					defer m.wg.Done()
					if err := m.Connect(m.ctx, id); err != nil {
						m.logger.WithError(err).WithField("device", id).Warn("Eager connect failed")
					}
				}()
			}

			if opts.MaxDevices > 0 && count >= opts.MaxDevices {
				cancel()
			}
		})
		if err != nil {
			m.logger.WithError(err).Error("Scan terminated with error")
		} else {
			m.logger.Debug("Scan finished")
		}
	}()

	return nil
}

// StopScan stops an in-progress scan. Safe to call when not scanning.
func (m *Manager) StopScan() {
	m.scanMu.Lock()
	cancel := m.scanCancel
	m.scanMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Discovered is one scan result from ScanOnce.
type Discovered struct {
	ID       string
	Name     string
	RSSI     int
	Services []string
}

// DiscoveredDevices returns the devices seen by past scans, including ones
// never connected.
func (m *Manager) DiscoveredDevices() []Discovered {
	out := make([]Discovered, 0, m.discovered.Len())
	m.discovered.Range(func(_ string, d Discovered) bool {
		out = append(out, d)
		return true
	})
	return out
}

// ScanOnce scans synchronously without connecting and returns up to
// maxDevices unique devices, or whatever was found by the timeout. The
// underlying scan is always stopped before returning.
func (m *Manager) ScanOnce(ctx context.Context, timeout time.Duration, maxDevices int) ([]Discovered, error) {
	if m.adapter.State() != transport.AdapterPoweredOn {
		return nil, fmt.Errorf("%w: radio %s", transport.ErrAdapterUnavailable, m.adapter.State())
	}

	scanCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		scanCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		scanCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	var mu sync.Mutex
	var found []Discovered
	seen := make(map[string]struct{})

	err := m.adapter.Scan(scanCtx, transport.ScanOptions{ServiceFilter: m.cfg.ServiceFilter}, func(adv transport.Advertisement) {
		mu.Lock()
		defer mu.Unlock()
		id := adv.ID()
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		d := Discovered{
			ID:       id,
			Name:     adv.LocalName(),
			RSSI:     adv.RSSI(),
			Services: adv.Services(),
		}
		found = append(found, d)
		m.discovered.Set(id, d)
		if maxDevices > 0 && len(found) >= maxDevices {
			cancel()
		}
	})
	if err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	return found, nil
}

// connectAttempt is the shared outcome of one in-flight Connect. done is
// closed after err is set.
type connectAttempt struct {
	done chan struct{}
	err  error
}

// Connect establishes a connection to id, discovers its topology, and
// registers the handle. No-op when already connected. A concurrent Connect
// for the same device waits for the in-flight attempt and returns its
// outcome, so a reconnect timer colliding with a user-initiated connect
// still observes the failure and keeps retrying. MTU negotiation is
// best-effort inside the transport binding.
func (m *Manager) Connect(ctx context.Context, id string) (err error) {
	if m.IsConnected(id) {
		return nil
	}
	if m.adapter.State() != transport.AdapterPoweredOn {
		return fmt.Errorf("%w: radio %s", transport.ErrAdapterUnavailable, m.adapter.State())
	}

	m.connectingMu.Lock()
	if inflight, ok := m.connecting[id]; ok {
		m.connectingMu.Unlock()
		select {
		case <-inflight.done:
			return inflight.err
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", transport.ErrCancelled, ctx.Err())
		}
	}
	attempt := &connectAttempt{done: make(chan struct{})}
	m.connecting[id] = attempt
	m.connectingMu.Unlock()
	defer func() {
		m.connectingMu.Lock()
		delete(m.connecting, id)
		m.connectingMu.Unlock()
		attempt.err = err
		close(attempt.done)
	}()

	m.logger.WithField("device", id).Info("Connecting")

	client, err := m.adapter.Connect(ctx, id, m.cfg.Connect)
	if err != nil {
		return fmt.Errorf("connect %s: %w", id, err)
	}

	profile, err := client.DiscoverProfile(ctx)
	if err != nil {
		_ = client.CancelConnection()
		return fmt.Errorf("discover %s: %w", id, err)
	}

	handle := &DeviceHandle{
		ID:          id,
		Name:        client.Name(),
		Client:      client,
		Profile:     profile,
		ConnectedAt: time.Now(),
	}
	m.registry.Set(id, handle)
	m.retries.resetAttempts(id)

	// A nil cause means local teardown; only a genuine link loss schedules
	// reconnection.
	client.OnDisconnected(func(cause error) {
		m.handleDisconnect(id, cause)
	})

	m.logger.WithFields(logrus.Fields{
		"device":   id,
		"name":     handle.Name,
		"services": len(profile.Services),
	}).Info("Connected")
	m.emit(Event{Type: EventConnected, DeviceID: id, Name: handle.Name})

	return nil
}

// Disconnect is the explicit, user-initiated teardown: it cancels any
// pending retry, deletes the retry record, drops the registry entry, and
// closes the link. This is the only path that clears retry state.
func (m *Manager) Disconnect(id string) error {
	m.retries.remove(id)

	handle, ok := m.registry.Get(id)
	if !ok {
		return nil
	}
	m.registry.Del(id)
	m.emit(Event{Type: EventDisconnected, DeviceID: id, Name: handle.Name})
	m.logger.WithField("device", id).Info("Disconnected")

	return handle.Client.CancelConnection()
}

// handleDisconnect reacts to the transport disconnect observer.
func (m *Manager) handleDisconnect(id string, cause error) {
	handle, ok := m.registry.Get(id)
	if !ok {
		// Already removed via explicit Disconnect.
		return
	}
	m.registry.Del(id)

	if cause == nil {
		// Local cancel; nothing to recover.
		m.emit(Event{Type: EventDisconnected, DeviceID: id, Name: handle.Name})
		return
	}

	m.logger.WithError(cause).WithField("device", id).Warn("Connection lost")
	m.emit(Event{Type: EventDisconnected, DeviceID: id, Name: handle.Name, Err: cause})
	m.scheduleReconnect(id, cause)
}

// scheduleReconnect arms the backoff timer for id. Reconnection repeats
// indefinitely until it succeeds or the user explicitly disconnects.
func (m *Manager) scheduleReconnect(id string, cause error) {
	if m.ctx.Err() != nil {
		return
	}

	rs := m.retries.get(id)

	m.retries.mu.Lock()
	if rs.timer != nil {
		m.retries.mu.Unlock()
		return
	}
	attempt := rs.attempts
	rs.attempts++
	rs.lastErr = cause
	delay := m.cfg.Backoff.Delay(attempt)
	rs.timer = time.AfterFunc(delay, func() {
		m.retries.mu.Lock()
		rs.timer = nil
		m.retries.mu.Unlock()

		if m.ctx.Err() != nil {
			return
		}
		if err := m.Connect(m.ctx, id); err != nil {
			m.logger.WithError(err).WithFields(logrus.Fields{
				"device":  id,
				"attempt": attempt + 1,
			}).Warn("Reconnect attempt failed")
			// An explicit Disconnect during this attempt removed the
			// record; rescheduling would resurrect an abandoned device.
			if m.retries.exists(id) {
				m.scheduleReconnect(id, err)
			}
		}
	})
	m.retries.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"device":  id,
		"attempt": attempt,
		"delay":   delay,
	}).Info("Reconnect scheduled")
	m.emit(Event{Type: EventReconnectScheduled, DeviceID: id, Attempt: attempt, Delay: delay, Err: cause})
}

// Close shuts the manager down: stops scanning, cancels retry timers, and
// disconnects every device.
func (m *Manager) Close() {
	m.cancel()
	m.StopScan()
	m.retries.removeAll()

	m.registry.Range(func(id string, h *DeviceHandle) bool {
		m.registry.Del(id)
		_ = h.Client.CancelConnection()
		return true
	})
	m.wg.Wait()
}
