package ingest

import (
	"sync"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Coordinator drives a set of pipelines keyed by stream tag, preserving the
// registration order so batch layout and drains stay deterministic.
type Coordinator struct {
	logger *logrus.Entry

	mu    sync.RWMutex
	pipes *orderedmap.OrderedMap[string, *Pipeline]
}

func NewCoordinator(logger *logrus.Logger) *Coordinator {
	return &Coordinator{
		logger: logger.WithField("component", "coordinator"),
		pipes:  orderedmap.New[string, *Pipeline](),
	}
}

// Register binds a pipeline to a stream tag, replacing any previous binding.
func (c *Coordinator) Register(tag string, p *Pipeline) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pipes.Set(tag, p)
}

// Unregister stops and removes the pipeline bound to tag, if any.
func (c *Coordinator) Unregister(tag string) {
	c.mu.Lock()
	p, ok := c.pipes.Get(tag)
	if ok {
		c.pipes.Delete(tag)
	}
	c.mu.Unlock()
	if ok {
		p.Stop()
	}
}

// Pipeline returns the pipeline bound to tag.
func (c *Coordinator) Pipeline(tag string) (*Pipeline, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pipes.Get(tag)
}

// Tags returns the registered stream tags in registration order.
func (c *Coordinator) Tags() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, c.pipes.Len())
	for pair := c.pipes.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

func (c *Coordinator) snapshot() []*Pipeline {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Pipeline, 0, c.pipes.Len())
	for pair := c.pipes.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// StartAll starts every pipeline. A failure on one stream is logged and does
// not prevent the others from starting; the first error is returned.
func (c *Coordinator) StartAll() error {
	var first error
	for _, p := range c.snapshot() {
		if err := p.Start(); err != nil {
			c.logger.WithError(err).WithField("device", p.deviceID).Error("Failed to start stream")
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// StopAll stops every pipeline, flushing their buffers.
func (c *Coordinator) StopAll() {
	for _, p := range c.snapshot() {
		p.Stop()
	}
}

// SetCollectAll toggles buffering on every pipeline.
func (c *Coordinator) SetCollectAll(on bool) {
	for _, p := range c.snapshot() {
		p.SetCollect(on)
	}
}

// ResetStatsAll zeroes counters on every pipeline.
func (c *Coordinator) ResetStatsAll() {
	for _, p := range c.snapshot() {
		p.ResetStats()
	}
}

// DrainAll collects the pending tail of every stream, keyed by stream tag.
// Never fails; streams with nothing pending map to empty slices.
func (c *Coordinator) DrainAll() map[string][]Packet {
	c.mu.RLock()
	type entry struct {
		tag string
		p   *Pipeline
	}
	entries := make([]entry, 0, c.pipes.Len())
	for pair := c.pipes.Oldest(); pair != nil; pair = pair.Next() {
		entries = append(entries, entry{pair.Key, pair.Value})
	}
	c.mu.RUnlock()

	out := make(map[string][]Packet, len(entries))
	for _, e := range entries {
		out[e.tag] = e.p.Drain()
	}
	return out
}

// IsStreamingAny reports whether at least one pipeline holds a live
// subscription.
func (c *Coordinator) IsStreamingAny() bool {
	for _, p := range c.snapshot() {
		if p.IsStreaming() {
			return true
		}
	}
	return false
}

// IsCollectingAny reports whether at least one pipeline is buffering.
func (c *Coordinator) IsCollectingAny() bool {
	for _, p := range c.snapshot() {
		if p.IsCollecting() {
			return true
		}
	}
	return false
}
