package main

import (
	"errors"

	"github.com/strydelabs/stridelink/internal/transport"
)

// FormatUserError maps internal errors to user-facing messages. Transport
// failures carry enough context for a log line but read poorly on a
// terminal; this is the one place they get translated.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, transport.ErrAdapterUnavailable):
		return "Bluetooth is unavailable - check that the adapter is powered on"
	case errors.Is(err, transport.ErrConnectionFailed):
		return "failed to connect to the device - make sure it is powered on and in range"
	case errors.Is(err, transport.ErrNotConnected):
		return "device is not connected"
	default:
		return err.Error()
	}
}
