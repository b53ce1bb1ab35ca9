package ingest

import "time"

// Stats is a snapshot of one device's streaming health.
type Stats struct {
	DeviceID     string    `json:"device_id"`
	Total        uint64    `json:"total"`
	MeasuredRate float64   `json:"measured_rate"`
	LossPct      float64   `json:"loss_pct"`
	Streaming    bool      `json:"streaming"`
	Collecting   bool      `json:"collecting"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// lossPct computes the loss percentage from measured and expected rates.
// Always in [0,100]: loss floors at 0 when measuring above the expected
// rate and caps at 100 when nothing arrives. An unknown expected rate
// reports zero loss.
func lossPct(measured, expected float64) float64 {
	if expected <= 0 {
		return 0
	}
	loss := (1 - measured/expected) * 100
	if loss < 0 {
		return 0
	}
	if loss > 100 {
		return 100
	}
	return loss
}

// rateWindow is a sliding wall-clock window of packet arrival times. Payload
// timestamps are opaque to this layer; only arrival time matters.
type rateWindow struct {
	span    time.Duration
	arrived []time.Time
}

func newRateWindow(span time.Duration) *rateWindow {
	if span <= 0 {
		span = time.Second
	}
	return &rateWindow{span: span}
}

// observe records an arrival and returns the measured rate in Hz.
func (w *rateWindow) observe(now time.Time) float64 {
	w.arrived = append(w.arrived, now)
	w.prune(now)
	return float64(len(w.arrived)) / w.span.Seconds()
}

// rate returns the current measured rate without recording an arrival.
func (w *rateWindow) rate(now time.Time) float64 {
	w.prune(now)
	return float64(len(w.arrived)) / w.span.Seconds()
}

func (w *rateWindow) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	drop := 0
	for drop < len(w.arrived) && !w.arrived[drop].After(cutoff) {
		drop++
	}
	if drop > 0 {
		w.arrived = append(w.arrived[:0], w.arrived[drop:]...)
	}
}

func (w *rateWindow) reset() {
	w.arrived = w.arrived[:0]
}
