// Package geo abstracts positioning so session recording can run with a real
// platform provider, a simulated track, or no positioning at all.
package geo

import (
	"context"
	"errors"
	"time"
)

// Authorization is the outcome of a positioning permission request.
type Authorization int

const (
	AuthUndetermined Authorization = iota
	AuthGranted
	AuthDenied
)

func (a Authorization) String() string {
	switch a {
	case AuthGranted:
		return "granted"
	case AuthDenied:
		return "denied"
	default:
		return "undetermined"
	}
}

// ErrUnavailable indicates the provider cannot produce fixes.
var ErrUnavailable = errors.New("geo: positioning unavailable")

// Fix is one position sample.
type Fix struct {
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	Altitude  float64   `json:"alt,omitempty"`
	Accuracy  float64   `json:"acc,omitempty"`
	SpeedMps  float64   `json:"speed,omitempty"`
	Heading   float64   `json:"heading,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// WatchID identifies an active position watch.
type WatchID int

// Provider produces position fixes. CurrentPosition is a single shot with
// its own timeout; WatchPosition delivers continuously until cleared.
type Provider interface {
	RequestAuthorization(ctx context.Context) (Authorization, error)
	CurrentPosition(ctx context.Context, timeout time.Duration) (Fix, error)
	WatchPosition(onFix func(Fix), onError func(error)) (WatchID, error)
	ClearWatch(id WatchID)
}

// Null is a Provider for environments without positioning. Authorization is
// denied, single shots fail, and watches never fire.
type Null struct{}

func (Null) RequestAuthorization(context.Context) (Authorization, error) {
	return AuthDenied, nil
}

func (Null) CurrentPosition(context.Context, time.Duration) (Fix, error) {
	return Fix{}, ErrUnavailable
}

func (Null) WatchPosition(func(Fix), func(error)) (WatchID, error) {
	return 0, ErrUnavailable
}

func (Null) ClearWatch(WatchID) {}
