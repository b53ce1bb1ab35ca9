package main

import (
	"fmt"
	"sync/atomic"
	"time"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// countdownPrinter displays a single-line countdown while a scan runs.
//
// Usage:
//
//	p := newCountdownPrinter("Scanning for devices", 10*time.Second)
//	p.Start()
//	defer p.Stop()
//
// Single-use: Start at most once, Stop is safe to call multiple times.
type countdownPrinter struct {
	prefix    string
	phase     atomic.Value // stores string
	duration  time.Duration
	startTime time.Time
	ticker    atomic.Pointer[time.Ticker]
	stopChan  chan struct{}
	done      chan struct{}
	started   atomic.Bool
}

func newCountdownPrinter(prefix string, duration time.Duration) *countdownPrinter {
	p := &countdownPrinter{prefix: prefix, duration: duration}
	p.phase.Store("Scanning")
	return p
}

// SetPhase updates the phase label shown next to the countdown.
func (p *countdownPrinter) SetPhase(phase string) {
	p.phase.Store(phase)
}

func (p *countdownPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("countdownPrinter.Start called more than once")
	}
	p.stopChan = make(chan struct{})
	p.done = make(chan struct{})
	p.startTime = time.Now()
	ticker := time.NewTicker(progressUpdateInterval)
	p.ticker.Store(ticker)

	fmt.Printf("\r%s (%s...)   ", p.prefix, p.phase.Load().(string))

	go func() {
		defer close(p.done)
		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				remaining := p.duration - time.Since(p.startTime)
				seconds := 0
				if remaining > 0 {
					// Round to the nearest second.
					seconds = int(remaining.Seconds() + 0.5)
				}
				if seconds > 0 {
					fmt.Printf("\r%s (%s %ds)   ", p.prefix, p.phase.Load().(string), seconds)
				} else {
					fmt.Printf("\r%s (%s...)   ", p.prefix, p.phase.Load().(string))
				}
			}
		}
	}()
}

// Stop halts the countdown and clears the line. Safe to call repeatedly.
func (p *countdownPrinter) Stop() {
	ticker := p.ticker.Swap(nil)
	if ticker == nil {
		return
	}
	ticker.Stop()
	close(p.stopChan)
	<-p.done
	fmt.Print(clearLineSequence)
}
