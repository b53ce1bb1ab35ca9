// Package goble binds the transport interfaces to go-ble/ble.
//
// All library-specific error shapes are normalized here so that code above
// the transport boundary only ever sees typed transport errors.
package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
	"github.com/sirupsen/logrus"

	"github.com/strydelabs/stridelink/internal/transport"
)

// DeviceFactory creates ble.Device instances (overridable in tests).
var DeviceFactory = func() (ble.Device, error) {
	dev, err := darwin.NewDevice()
	if err != nil {
		// Wrap Bluetooth state errors with clearer messages
		if strings.Contains(err.Error(), "central manager has invalid state") {
			if strings.Contains(err.Error(), "have=4") { // StatePoweredOff
				return nil, fmt.Errorf("bluetooth is turned off - please enable Bluetooth and retry")
			}
			return nil, fmt.Errorf("bluetooth is not ready - %w", err)
		}
		return nil, err
	}
	return dev, nil
}

// Adapter implements transport.Adapter on top of a ble.Device.
type Adapter struct {
	dev    ble.Device
	logger *logrus.Logger

	mu        sync.Mutex
	state     transport.AdapterState
	observers []func(transport.AdapterState)
}

// NewAdapter initializes the platform BLE device. A factory failure is
// reported as transport.ErrAdapterUnavailable.
func NewAdapter(logger *logrus.Logger) (*Adapter, error) {
	if logger == nil {
		logger = logrus.New()
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, transport.NormalizeError(err)
	}
	ble.SetDefaultDevice(dev)
	return &Adapter{
		dev:    dev,
		logger: logger,
		state:  transport.AdapterPoweredOn,
	}, nil
}

// State returns the last observed radio state.
func (a *Adapter) State() transport.AdapterState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// OnStateChange registers a radio state observer.
func (a *Adapter) OnStateChange(fn func(transport.AdapterState)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observers = append(a.observers, fn)
}

func (a *Adapter) setState(s transport.AdapterState) {
	a.mu.Lock()
	if a.state == s {
		a.mu.Unlock()
		return
	}
	a.state = s
	observers := append([]func(transport.AdapterState){}, a.observers...)
	a.mu.Unlock()
	for _, fn := range observers {
		fn(s)
	}
}

// Scan delivers advertisements until ctx is done. Context expiry is normal
// termination, not an error.
func (a *Adapter) Scan(ctx context.Context, opts transport.ScanOptions, handler func(transport.Advertisement)) error {
	filter := transport.NormalizeUUIDs(opts.ServiceFilter)

	bleHandler := func(adv ble.Advertisement) {
		wrapped := newAdvertisement(adv)
		if len(filter) > 0 && !advertisesAny(wrapped, filter) {
			return
		}
		handler(wrapped)
	}

	err := a.dev.Scan(ctx, opts.AllowDuplicates, bleHandler)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		norm := transport.NormalizeError(err)
		if errors.Is(norm, transport.ErrAdapterUnavailable) {
			a.setState(transport.AdapterPoweredOff)
		}
		return norm
	}
	return nil
}

// Connect dials the peripheral and wires the disconnect observer.
func (a *Adapter) Connect(ctx context.Context, id string, opts transport.ConnectOptions) (transport.Client, error) {
	connCtx := ctx
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connCtx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	client, err := ble.Dial(connCtx, ble.NewAddr(id))
	if err != nil {
		norm := transport.NormalizeError(err)
		if errors.Is(norm, transport.ErrAdapterUnavailable) {
			a.setState(transport.AdapterPoweredOff)
			return nil, norm
		}
		if transport.IsCancelled(norm) {
			return nil, norm
		}
		return nil, fmt.Errorf("%w: %v", transport.ErrConnectionFailed, err)
	}

	c := &bleClient{
		id:     id,
		client: client,
		logger: a.logger,
	}

	if opts.RequestedMTU > 0 {
		if mtu, err := client.ExchangeMTU(opts.RequestedMTU); err != nil {
			// MTU negotiation is best-effort; darwin rejects it outright.
			a.logger.WithFields(logrus.Fields{
				"device": id,
				"error":  err,
			}).Debug("MTU exchange failed, continuing with default")
		} else {
			a.logger.WithFields(logrus.Fields{
				"device": id,
				"mtu":    mtu,
			}).Debug("MTU negotiated")
		}
	}

	go c.watchDisconnect()

	return c, nil
}

func advertisesAny(adv transport.Advertisement, normalizedUUIDs []string) bool {
	for _, have := range adv.Services() {
		for _, want := range normalizedUUIDs {
			if have == want {
				return true
			}
		}
	}
	return false
}
