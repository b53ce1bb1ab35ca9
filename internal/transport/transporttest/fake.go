// Package transporttest provides an in-memory transport implementation with
// scriptable peripherals: controllable advertisements, notification
// injection, forced disconnects, and scheduled connect failures.
package transporttest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/strydelabs/stridelink/internal/transport"
)

// Advertisement is a static advertisement snapshot.
type Advertisement struct {
	DeviceID     string
	Name         string
	Rssi         int
	ServiceUUIDs []string
	MfgData      []byte
}

func (a Advertisement) ID() string               { return a.DeviceID }
func (a Advertisement) LocalName() string        { return a.Name }
func (a Advertisement) RSSI() int                { return a.Rssi }
func (a Advertisement) ManufacturerData() []byte { return a.MfgData }
func (a Advertisement) Connectable() bool        { return true }

func (a Advertisement) Services() []string {
	return transport.NormalizeUUIDs(a.ServiceUUIDs)
}

// Peripheral is one simulated device.
type Peripheral struct {
	ID      string
	Name    string
	Profile *transport.Profile

	mu             sync.Mutex
	client         *Client
	connectErrs    []error
	unsubscribeErr error
	holdEntered    chan struct{}
	holdRelease    chan struct{}
}

// NewPeripheral creates a peripheral exposing a single notifiable
// characteristic under the given service.
func NewPeripheral(id, name, serviceUUID, charUUID string) *Peripheral {
	return &Peripheral{
		ID:   id,
		Name: name,
		Profile: &transport.Profile{
			Services: []transport.Service{{
				UUID: transport.NormalizeUUID(serviceUUID),
				Characteristics: []transport.Characteristic{{
					UUID:       transport.NormalizeUUID(charUUID),
					Notifiable: true,
					Readable:   true,
				}},
			}},
		},
	}
}

// FailNextConnect schedules errs to be returned by the next Connect calls,
// in order.
func (p *Peripheral) FailNextConnect(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectErrs = append(p.connectErrs, errs...)
}

// HoldNextConnect makes the next Connect call for this peripheral block
// inside the adapter until release is called. The returned channel is closed
// once the call has entered, letting tests overlap a second caller with a
// known in-flight attempt.
func (p *Peripheral) HoldNextConnect() (entered <-chan struct{}, release func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	in := make(chan struct{})
	out := make(chan struct{})
	p.holdEntered = in
	p.holdRelease = out
	var once sync.Once
	return in, func() { once.Do(func() { close(out) }) }
}

func (p *Peripheral) takeHold() (chan struct{}, chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	in, out := p.holdEntered, p.holdRelease
	p.holdEntered, p.holdRelease = nil, nil
	return in, out
}

// SetUnsubscribeError makes subsequent Unsubscribe calls fail with err.
func (p *Peripheral) SetUnsubscribeError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unsubscribeErr = err
}

// Notify delivers a notification to the current subscriber, if any.
// Returns false when nobody is subscribed.
func (p *Peripheral) Notify(serviceUUID, charUUID string, data []byte) bool {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil {
		return false
	}
	return client.deliver(serviceUUID, charUUID, data)
}

// Drop simulates an unexpected link loss: the client observer fires with a
// connection-failed cause.
func (p *Peripheral) Drop() {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.mu.Unlock()
	if client != nil {
		client.disconnect(fmt.Errorf("%w: link lost", transport.ErrConnectionFailed))
	}
}

// Connected reports whether a client currently holds the connection.
func (p *Peripheral) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client != nil
}

func (p *Peripheral) popConnectErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.connectErrs) == 0 {
		return nil
	}
	err := p.connectErrs[0]
	p.connectErrs = p.connectErrs[1:]
	return err
}

// Adapter is the fake radio.
type Adapter struct {
	mu          sync.Mutex
	state       transport.AdapterState
	peripherals map[string]*Peripheral
	advCh       chan transport.Advertisement
	observers   []func(transport.AdapterState)
}

// NewAdapter creates a powered-on fake adapter.
func NewAdapter(peripherals ...*Peripheral) *Adapter {
	a := &Adapter{
		state:       transport.AdapterPoweredOn,
		peripherals: make(map[string]*Peripheral),
		advCh:       make(chan transport.Advertisement, 64),
	}
	for _, p := range peripherals {
		a.peripherals[p.ID] = p
	}
	return a
}

// AddPeripheral registers an additional peripheral.
func (a *Adapter) AddPeripheral(p *Peripheral) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.peripherals[p.ID] = p
}

// SetState changes the radio state and notifies observers.
func (a *Adapter) SetState(s transport.AdapterState) {
	a.mu.Lock()
	a.state = s
	observers := append([]func(transport.AdapterState){}, a.observers...)
	a.mu.Unlock()
	for _, fn := range observers {
		fn(s)
	}
}

func (a *Adapter) State() transport.AdapterState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Adapter) OnStateChange(fn func(transport.AdapterState)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observers = append(a.observers, fn)
}

// Advertise queues an advertisement for delivery to an active scan.
func (a *Adapter) Advertise(adv Advertisement) {
	select {
	case a.advCh <- adv:
	default:
	}
}

// AdvertiseAll queues one advertisement per registered peripheral, using
// the peripheral's first service UUID.
func (a *Adapter) AdvertiseAll() {
	a.mu.Lock()
	peripherals := make([]*Peripheral, 0, len(a.peripherals))
	for _, p := range a.peripherals {
		peripherals = append(peripherals, p)
	}
	a.mu.Unlock()
	for _, p := range peripherals {
		var services []string
		for _, s := range p.Profile.Services {
			services = append(services, s.UUID)
		}
		a.Advertise(Advertisement{DeviceID: p.ID, Name: p.Name, Rssi: -50, ServiceUUIDs: services})
	}
}

func (a *Adapter) Scan(ctx context.Context, opts transport.ScanOptions, handler func(transport.Advertisement)) error {
	if a.State() != transport.AdapterPoweredOn {
		return fmt.Errorf("%w: radio %s", transport.ErrAdapterUnavailable, a.State())
	}
	filter := transport.NormalizeUUIDs(opts.ServiceFilter)
	for {
		select {
		case <-ctx.Done():
			return nil
		case adv := <-a.advCh:
			if len(filter) > 0 && !advertisesAny(adv, filter) {
				continue
			}
			handler(adv)
		}
	}
}

func advertisesAny(adv transport.Advertisement, filter []string) bool {
	for _, have := range adv.Services() {
		for _, want := range filter {
			if have == want {
				return true
			}
		}
	}
	return false
}

func (a *Adapter) Connect(ctx context.Context, id string, _ transport.ConnectOptions) (transport.Client, error) {
	if a.State() != transport.AdapterPoweredOn {
		return nil, fmt.Errorf("%w: radio %s", transport.ErrAdapterUnavailable, a.State())
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrCancelled, err)
	}

	a.mu.Lock()
	p, ok := a.peripherals[id]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown device %s", transport.ErrConnectionFailed, id)
	}
	if entered, release := p.takeHold(); entered != nil {
		close(entered)
		<-release
	}
	if err := p.popConnectErr(); err != nil {
		return nil, err
	}

	c := &Client{peripheral: p, handlers: make(map[string]func([]byte))}
	p.mu.Lock()
	p.client = c
	p.mu.Unlock()
	return c, nil
}

// Client is the connection handle handed to the engine.
type Client struct {
	peripheral *Peripheral

	mu           sync.Mutex
	handlers     map[string]func([]byte)
	onDisconnect func(cause error)
	closed       atomic.Bool
}

func (c *Client) ID() string   { return c.peripheral.ID }
func (c *Client) Name() string { return c.peripheral.Name }

func (c *Client) ExchangeMTU(mtu int) (int, error) {
	return mtu, nil
}

func (c *Client) DiscoverProfile(_ context.Context) (*transport.Profile, error) {
	return c.peripheral.Profile, nil
}

func key(serviceUUID, charUUID string) string {
	return transport.NormalizeUUID(serviceUUID) + "/" + transport.NormalizeUUID(charUUID)
}

func (c *Client) Read(_ context.Context, serviceUUID, charUUID string) ([]byte, error) {
	if !c.peripheral.Profile.HasCharacteristic(serviceUUID, charUUID) {
		return nil, &transport.NotFoundError{Resource: "characteristic", UUIDs: []string{serviceUUID, charUUID}}
	}
	return nil, nil
}

func (c *Client) Write(_ context.Context, serviceUUID, charUUID string, _ []byte, _ bool) error {
	if !c.peripheral.Profile.HasCharacteristic(serviceUUID, charUUID) {
		return &transport.NotFoundError{Resource: "characteristic", UUIDs: []string{serviceUUID, charUUID}}
	}
	return nil
}

func (c *Client) Subscribe(serviceUUID, charUUID string, handler func(data []byte)) (transport.Subscription, error) {
	if !c.peripheral.Profile.HasCharacteristic(serviceUUID, charUUID) {
		return nil, &transport.NotFoundError{Resource: "characteristic", UUIDs: []string{serviceUUID, charUUID}}
	}
	k := key(serviceUUID, charUUID)
	c.mu.Lock()
	c.handlers[k] = handler
	c.mu.Unlock()
	return &subscription{client: c, key: k}, nil
}

func (c *Client) deliver(serviceUUID, charUUID string, data []byte) bool {
	c.mu.Lock()
	handler := c.handlers[key(serviceUUID, charUUID)]
	c.mu.Unlock()
	if handler == nil {
		return false
	}
	handler(data)
	return true
}

func (c *Client) OnDisconnected(fn func(cause error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = fn
}

func (c *Client) disconnect(cause error) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	fn := c.onDisconnect
	c.handlers = make(map[string]func([]byte))
	c.mu.Unlock()
	if fn != nil {
		fn(cause)
	}
}

func (c *Client) CancelConnection() error {
	c.peripheral.mu.Lock()
	if c.peripheral.client == c {
		c.peripheral.client = nil
	}
	c.peripheral.mu.Unlock()
	c.disconnect(nil)
	return nil
}

type subscription struct {
	client *Client
	key    string
	done   atomic.Bool
}

func (s *subscription) Unsubscribe() error {
	if !s.done.CompareAndSwap(false, true) {
		return nil
	}
	s.client.mu.Lock()
	delete(s.client.handlers, s.key)
	s.client.mu.Unlock()

	s.client.peripheral.mu.Lock()
	err := s.client.peripheral.unsubscribeErr
	s.client.peripheral.mu.Unlock()
	return err
}
