package connmgr

import (
	"time"

	"github.com/strydelabs/stridelink/internal/transport"
)

// ConnectionStatus is the per-device connection state.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// DeviceHandle represents one connected peripheral. Handles are owned by the
// Manager; a handle does not survive a disconnect/reconnect cycle — callers
// must re-fetch by identifier after reconnection.
type DeviceHandle struct {
	ID          string
	Name        string
	Client      transport.Client
	Profile     *transport.Profile
	ConnectedAt time.Time
}

// Services returns the discovered service UUIDs in discovery order.
func (h *DeviceHandle) Services() []string {
	if h.Profile == nil {
		return nil
	}
	out := make([]string, 0, len(h.Profile.Services))
	for _, s := range h.Profile.Services {
		out = append(out, s.UUID)
	}
	return out
}

// Characteristics returns the characteristic UUIDs of one service.
func (h *DeviceHandle) Characteristics(serviceUUID string) []string {
	if h.Profile == nil {
		return nil
	}
	return h.Profile.Characteristics(serviceUUID)
}

// EventType classifies manager events.
type EventType int

const (
	EventDiscovered EventType = iota
	EventConnected
	EventDisconnected
	EventReconnectScheduled
)

func (t EventType) String() string {
	switch t {
	case EventDiscovered:
		return "discovered"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnectScheduled:
		return "reconnect_scheduled"
	default:
		return "unknown"
	}
}

// Event is one observable manager state change.
type Event struct {
	Type      EventType
	DeviceID  string
	Name      string
	Attempt   int
	Delay     time.Duration
	Err       error
	Timestamp time.Time
}
