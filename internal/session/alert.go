package session

import "time"

// Notifier receives one-shot user-facing notifications (low sensor rate,
// rate recovery, lifecycle transitions).
type Notifier interface {
	Notify(event, message string)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(string, string) {}

// AlertConfig tunes low-rate alerting.
type AlertConfig struct {
	// Fraction of the expected rate below which a stream is unhealthy.
	Fraction float64
	// Sustain is how long the rate must stay below threshold before the
	// alert fires.
	Sustain time.Duration
	// Cooldown suppresses repeat alerts for the same stream.
	Cooldown time.Duration
}

func DefaultAlertConfig() AlertConfig {
	return AlertConfig{
		Fraction: 0.5,
		Sustain:  5 * time.Second,
		Cooldown: 30 * time.Second,
	}
}

// alertState is the per-device low-rate detector. One-shot with cooldown:
// fires once when the rate stays below threshold for the sustain window,
// then again only after recovery or cooldown expiry.
type alertState struct {
	belowSince time.Time
	lastFired  time.Time
	alerting   bool
}

// observe feeds one measurement. Returns "alert" when the low-rate
// notification should fire, "recovered" when the stream came back, "".
func (a *alertState) observe(measured, expected float64, cfg AlertConfig, now time.Time) string {
	if expected <= 0 {
		return ""
	}
	threshold := cfg.Fraction * expected
	if measured >= threshold {
		a.belowSince = time.Time{}
		if a.alerting {
			a.alerting = false
			return "recovered"
		}
		return ""
	}

	if a.belowSince.IsZero() {
		a.belowSince = now
		return ""
	}
	if a.alerting {
		return ""
	}
	if now.Sub(a.belowSince) < cfg.Sustain {
		return ""
	}
	if !a.lastFired.IsZero() && now.Sub(a.lastFired) < cfg.Cooldown {
		return ""
	}
	a.alerting = true
	a.lastFired = now
	return "alert"
}

func (a *alertState) reset() {
	a.belowSince = time.Time{}
	a.alerting = false
}
