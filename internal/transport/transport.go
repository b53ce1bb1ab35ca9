// Package transport defines the capability-typed BLE transport boundary.
//
// The ingestion engine never talks to a BLE library directly; it depends on
// the interfaces in this package. The go-ble binding lives in the goble
// subpackage, and transporttest provides an in-memory implementation for
// tests.
package transport

import (
	"context"
	"time"
)

// AdapterState reports the power/authorization state of the local BLE radio.
type AdapterState int

const (
	AdapterUnknown AdapterState = iota
	AdapterPoweredOff
	AdapterUnauthorized
	AdapterPoweredOn
)

func (s AdapterState) String() string {
	switch s {
	case AdapterPoweredOff:
		return "powered_off"
	case AdapterUnauthorized:
		return "unauthorized"
	case AdapterPoweredOn:
		return "powered_on"
	default:
		return "unknown"
	}
}

// Advertisement is a single received BLE advertisement.
type Advertisement interface {
	ID() string
	LocalName() string
	RSSI() int
	Services() []string
	ManufacturerData() []byte
	Connectable() bool
}

// Characteristic describes one discovered characteristic within a service.
type Characteristic struct {
	UUID       string
	Notifiable bool
	Readable   bool
	Writable   bool
}

// Service describes one discovered GATT service.
type Service struct {
	UUID            string
	Characteristics []Characteristic
}

// Profile is the discovered service/characteristic topology of a peripheral.
type Profile struct {
	Services []Service
}

// Characteristics returns the characteristic UUIDs of the given service, or
// nil if the service is not present.
func (p *Profile) Characteristics(serviceUUID string) []string {
	svc := NormalizeUUID(serviceUUID)
	for _, s := range p.Services {
		if s.UUID != svc {
			continue
		}
		uuids := make([]string, 0, len(s.Characteristics))
		for _, c := range s.Characteristics {
			uuids = append(uuids, c.UUID)
		}
		return uuids
	}
	return nil
}

// HasCharacteristic reports whether the profile exposes the characteristic
// under the given service.
func (p *Profile) HasCharacteristic(serviceUUID, charUUID string) bool {
	svc, chr := NormalizeUUID(serviceUUID), NormalizeUUID(charUUID)
	for _, s := range p.Services {
		if s.UUID != svc {
			continue
		}
		for _, c := range s.Characteristics {
			if c.UUID == chr {
				return true
			}
		}
	}
	return false
}

// Subscription is a live notification stream on one characteristic.
// Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe() error
}

// Client is an established connection to one peripheral.
//
// Callbacks (notification handlers, the disconnect observer) are invoked from
// the transport's delivery goroutine; implementations serialize callbacks per
// client so engine code above needs no additional locking for ordering.
type Client interface {
	ID() string
	Name() string

	// ExchangeMTU negotiates the connection MTU. Best-effort: platforms
	// that do not support negotiation return ErrUnsupported.
	ExchangeMTU(mtu int) (int, error)

	// DiscoverProfile discovers all services and characteristics.
	DiscoverProfile(ctx context.Context) (*Profile, error)

	Read(ctx context.Context, serviceUUID, charUUID string) ([]byte, error)
	Write(ctx context.Context, serviceUUID, charUUID string, value []byte, withResponse bool) error

	// Subscribe starts notification delivery for one characteristic. The
	// data slice passed to handler is only valid for the duration of the
	// call; handlers must copy if they retain it.
	Subscribe(serviceUUID, charUUID string, handler func(data []byte)) (Subscription, error)

	// OnDisconnected registers the observer invoked exactly once when the
	// link drops, with the transport-level cause (nil for a local cancel).
	OnDisconnected(fn func(cause error))

	// CancelConnection tears the connection down. Idempotent.
	CancelConnection() error
}

// ConnectOptions configures connection establishment.
type ConnectOptions struct {
	ConnectTimeout time.Duration
	// RequestedMTU is negotiated best-effort after connect; 0 skips the
	// exchange.
	RequestedMTU int
}

// ScanOptions configures a scan pass.
type ScanOptions struct {
	// ServiceFilter limits advertisements to devices advertising one of
	// these service UUIDs. Empty means no filter.
	ServiceFilter []string
	// AllowDuplicates delivers repeat advertisements from the same device.
	AllowDuplicates bool
}

// Adapter is the local BLE radio.
type Adapter interface {
	// State returns the current radio state without blocking.
	State() AdapterState

	// OnStateChange registers an observer for radio state transitions.
	OnStateChange(fn func(AdapterState))

	// Scan delivers advertisements to handler until ctx is done or an
	// error occurs. Context cancellation and deadline expiry are normal
	// termination, reported as nil.
	Scan(ctx context.Context, opts ScanOptions, handler func(Advertisement)) error

	// Connect establishes a connection to the peripheral with the given
	// identifier.
	Connect(ctx context.Context, id string, opts ConnectOptions) (Client, error)
}
