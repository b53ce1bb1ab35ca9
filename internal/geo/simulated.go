package geo

import (
	"context"
	"math"
	"sync"
	"time"
)

// Simulated is a Provider that walks a circular track at a steady pace.
// Used by the demo CLI and in tests where deterministic fixes are needed.
type Simulated struct {
	// Origin of the track.
	Latitude  float64
	Longitude float64
	// RadiusMeters of the circle walked; defaults to 50.
	RadiusMeters float64
	// Interval between watch fixes; defaults to 1s.
	Interval time.Duration

	mu      sync.Mutex
	nextID  WatchID
	watches map[WatchID]chan struct{}
	started time.Time
}

func NewSimulated(lat, lon float64) *Simulated {
	return &Simulated{
		Latitude:     lat,
		Longitude:    lon,
		RadiusMeters: 50,
		Interval:     time.Second,
		watches:      make(map[WatchID]chan struct{}),
		started:      time.Now(),
	}
}

func (s *Simulated) RequestAuthorization(context.Context) (Authorization, error) {
	return AuthGranted, nil
}

// fixAt positions the walker on the circle as a function of elapsed time.
func (s *Simulated) fixAt(now time.Time) Fix {
	elapsed := now.Sub(s.started).Seconds()
	// ~1.5 m/s walking pace around the circle.
	angle := 1.5 * elapsed / s.RadiusMeters
	const metersPerDegree = 111_320.0
	dLat := s.RadiusMeters * math.Sin(angle) / metersPerDegree
	dLon := s.RadiusMeters * math.Cos(angle) / (metersPerDegree * math.Cos(s.Latitude*math.Pi/180))
	return Fix{
		Latitude:  s.Latitude + dLat,
		Longitude: s.Longitude + dLon,
		Accuracy:  5,
		SpeedMps:  1.5,
		Heading:   math.Mod(angle*180/math.Pi+90, 360),
		Timestamp: now,
	}
}

func (s *Simulated) CurrentPosition(ctx context.Context, timeout time.Duration) (Fix, error) {
	if err := ctx.Err(); err != nil {
		return Fix{}, err
	}
	return s.fixAt(time.Now()), nil
}

func (s *Simulated) WatchPosition(onFix func(Fix), onError func(error)) (WatchID, error) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	stop := make(chan struct{})
	s.watches[id] = stop
	interval := s.Interval
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				onFix(s.fixAt(now))
			}
		}
	}()
	return id, nil
}

func (s *Simulated) ClearWatch(id WatchID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stop, ok := s.watches[id]; ok {
		close(stop)
		delete(s.watches, id)
	}
}
