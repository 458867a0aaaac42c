// Package geo decides which raw GPS updates become recorded location samples.
package geo

import (
	"math"
	"sync"
	"time"

	"optrack/driver-agent/internal/model"
)

// EarthRadiusMeters is the spherical Earth radius used for haversine distances.
const EarthRadiusMeters = 6371e3

// Default sampling thresholds.
const (
	DefaultMinInterval = 15 * time.Second
	DefaultMinDistance = 20.0
	DefaultMinRotation = 15.0
)

// Policy holds the thresholds that make a new sample worth recording.
type Policy struct {
	MinInterval time.Duration
	MinDistance float64 // meters
	MinRotation float64 // degrees
}

// DefaultPolicy returns the stock 15s / 20m / 15° policy.
func DefaultPolicy() Policy {
	return Policy{
		MinInterval: DefaultMinInterval,
		MinDistance: DefaultMinDistance,
		MinRotation: DefaultMinRotation,
	}
}

// Haversine returns the great-circle distance in meters between two coordinates.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusMeters * c
}

// HeadingDelta returns the absolute circular difference between two headings in degrees.
func HeadingDelta(h1, h2 float64) float64 {
	d := math.Abs(h2 - h1)
	if d > 180 {
		d = 360 - d
	}
	return d
}

// ShouldRecord applies the policy to next given the last accepted sample. A nil prev always records.
func (p Policy) ShouldRecord(prev *model.Location, next model.Location) bool {
	if prev == nil {
		return true
	}
	if next.Timestamp.Sub(prev.Timestamp) >= p.MinInterval {
		return true
	}
	if Haversine(prev.Latitude, prev.Longitude, next.Latitude, next.Longitude) >= p.MinDistance {
		return true
	}
	if prev.Heading != nil && next.Heading != nil && HeadingDelta(*prev.Heading, *next.Heading) >= p.MinRotation {
		return true
	}
	return false
}

// Sampler filters a stream of raw positions down to recorded samples.
type Sampler struct {
	policy Policy

	mu      sync.RWMutex
	prev    *model.Location
	waiting bool
}

// NewSampler creates a sampler with the given policy.
func NewSampler(policy Policy) *Sampler {
	return &Sampler{policy: policy}
}

// Offer evaluates a raw position. It returns the sample and true when accepted.
func (s *Sampler) Offer(raw model.RawPosition) (model.Location, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := raw.Location
	if !s.policy.ShouldRecord(s.prev, next) {
		return model.Location{}, false
	}

	accepted := next
	s.prev = &accepted
	s.waiting = false
	return accepted, true
}

// Restart prepares for a fresh provider subscription: the next update is accepted
// unconditionally and Waiting reports true until it arrives.
func (s *Sampler) Restart() {
	s.mu.Lock()
	s.prev = nil
	s.waiting = true
	s.mu.Unlock()
}

// Halt marks sampling as stopped, for example after a provider error.
func (s *Sampler) Halt() {
	s.mu.Lock()
	s.waiting = false
	s.mu.Unlock()
}

// Reset forgets the last accepted sample.
func (s *Sampler) Reset() {
	s.mu.Lock()
	s.prev = nil
	s.waiting = false
	s.mu.Unlock()
}

// Current returns the last accepted sample, if any.
func (s *Sampler) Current() *model.Location {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.prev == nil {
		return nil
	}
	loc := *s.prev
	return &loc
}

// Waiting reports whether no sample has been accepted since the last Restart.
func (s *Sampler) Waiting() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.waiting
}
