package goble

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/strydelabs/stridelink/internal/transport"
)

// bleClient implements transport.Client over a ble.Client.
type bleClient struct {
	id     string
	client ble.Client
	logger *logrus.Logger

	mu      sync.RWMutex
	profile *transport.Profile
	// chars maps "service/char" (normalized) to the live library handle.
	chars map[string]*ble.Characteristic

	discMu       sync.Mutex
	onDisconnect func(cause error)
	notified     bool

	cancelled atomic.Bool
}

func (c *bleClient) ID() string { return c.id }

func (c *bleClient) Name() string {
	return c.client.Name()
}

func (c *bleClient) ExchangeMTU(mtu int) (int, error) {
	got, err := c.client.ExchangeMTU(mtu)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", transport.ErrUnsupported, err)
	}
	return got, nil
}

func charKey(serviceUUID, charUUID string) string {
	return transport.NormalizeUUID(serviceUUID) + "/" + transport.NormalizeUUID(charUUID)
}

func (c *bleClient) DiscoverProfile(_ context.Context) (*transport.Profile, error) {
	bleProfile, err := c.client.DiscoverProfile(true)
	if err != nil {
		return nil, transport.NormalizeError(err)
	}

	profile := &transport.Profile{}
	chars := make(map[string]*ble.Characteristic)
	for _, bleSvc := range bleProfile.Services {
		svcUUID := transport.NormalizeUUID(bleSvc.UUID.String())
		svc := transport.Service{UUID: svcUUID}
		for _, bleChar := range bleSvc.Characteristics {
			chrUUID := transport.NormalizeUUID(bleChar.UUID.String())
			svc.Characteristics = append(svc.Characteristics, transport.Characteristic{
				UUID:       chrUUID,
				Notifiable: bleChar.Property&(ble.CharNotify|ble.CharIndicate) != 0,
				Readable:   bleChar.Property&ble.CharRead != 0,
				Writable:   bleChar.Property&(ble.CharWrite|ble.CharWriteNR) != 0,
			})
			chars[svcUUID+"/"+chrUUID] = bleChar
		}
		profile.Services = append(profile.Services, svc)
	}

	c.mu.Lock()
	c.profile = profile
	c.chars = chars
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"device":   c.id,
		"services": len(profile.Services),
	}).Debug("Discovered profile")

	return profile, nil
}

func (c *bleClient) lookup(serviceUUID, charUUID string) (*ble.Characteristic, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.chars == nil {
		return nil, &transport.NotFoundError{Resource: "service", UUIDs: []string{serviceUUID}}
	}
	chr, ok := c.chars[charKey(serviceUUID, charUUID)]
	if !ok {
		return nil, &transport.NotFoundError{Resource: "characteristic", UUIDs: []string{serviceUUID, charUUID}}
	}
	return chr, nil
}

func (c *bleClient) Read(_ context.Context, serviceUUID, charUUID string) ([]byte, error) {
	chr, err := c.lookup(serviceUUID, charUUID)
	if err != nil {
		return nil, err
	}
	data, err := c.client.ReadCharacteristic(chr)
	if err != nil {
		return nil, transport.NormalizeError(err)
	}
	return data, nil
}

func (c *bleClient) Write(_ context.Context, serviceUUID, charUUID string, value []byte, withResponse bool) error {
	chr, err := c.lookup(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	if err := c.client.WriteCharacteristic(chr, value, !withResponse); err != nil {
		return transport.NormalizeError(err)
	}
	return nil
}

func (c *bleClient) Subscribe(serviceUUID, charUUID string, handler func(data []byte)) (transport.Subscription, error) {
	chr, err := c.lookup(serviceUUID, charUUID)
	if err != nil {
		return nil, err
	}
	if err := c.client.Subscribe(chr, false, func(data []byte) {
		handler(data)
	}); err != nil {
		return nil, transport.NormalizeError(err)
	}
	return &bleSubscription{client: c, chr: chr}, nil
}

func (c *bleClient) OnDisconnected(fn func(cause error)) {
	c.discMu.Lock()
	defer c.discMu.Unlock()
	c.onDisconnect = fn
}

// watchDisconnect waits on the library's disconnect channel and fires the
// observer exactly once.
func (c *bleClient) watchDisconnect() {
	<-c.client.Disconnected()

	var cause error
	if !c.cancelled.Load() {
		cause = fmt.Errorf("%w: link lost", transport.ErrConnectionFailed)
	}

	c.discMu.Lock()
	fn := c.onDisconnect
	already := c.notified
	c.notified = true
	c.discMu.Unlock()

	if already || fn == nil {
		return
	}
	fn(cause)
}

func (c *bleClient) CancelConnection() error {
	if !c.cancelled.CompareAndSwap(false, true) {
		return nil
	}
	if err := c.client.CancelConnection(); err != nil {
		return transport.NormalizeError(err)
	}
	return nil
}

// bleSubscription unsubscribes both notify and indicate modes; an error is
// reported only when both fail (mirrors peripheral stacks that register a
// characteristic under a single mode).
type bleSubscription struct {
	client *bleClient
	chr    *ble.Characteristic
	done   atomic.Bool
}

func (s *bleSubscription) Unsubscribe() error {
	if !s.done.CompareAndSwap(false, true) {
		return nil
	}
	err1 := s.client.client.Unsubscribe(s.chr, false) // notify
	err2 := s.client.client.Unsubscribe(s.chr, true)  // indicate
	if err1 != nil && err2 != nil {
		return transport.NormalizeError(fmt.Errorf("unsubscribe: notify=%v, indicate=%v", err1, err2))
	}
	return nil
}
