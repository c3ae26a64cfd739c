// Package sidecar implements the long-lived HTTP observer: sampled event
// ingestion into a bounded queue, a small worker pool, a process profiler
// with load-shedding, and the health/metrics surface.
package sidecar

import (
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crossstack-ai/crossbridge/internal/config"
)

// Sampling categories. Every event type maps to one of these rate knobs.
const (
	categoryEvents     = "events"
	categoryTraces     = "traces"
	categoryProfiling  = "profiling"
	categoryTestEvents = "test_events"
)

// reducedRateFraction is applied to all base rates while the process is
// over its CPU budget.
const reducedRateFraction = 0.25

// Sampler decides per event whether it enters the queue. The hot path is
// two atomic loads and one random draw; no locks.
type Sampler struct {
	rates   map[string]*atomic.Uint64 // float64 bits
	mu      sync.Mutex                // guards base/adaptive on the cold path
	base    config.SamplingConfig
	reduced atomic.Bool

	adaptive    config.AdaptiveConfig
	boostUntil  atomic.Int64 // unix nanos, 0 = no boost
	boostFactor atomic.Uint64

	rnd func() float64
	now func() time.Time
}

func NewSampler(sampling config.SamplingConfig, adaptive config.AdaptiveConfig) *Sampler {
	s := &Sampler{
		rates: map[string]*atomic.Uint64{
			categoryEvents:     {},
			categoryTraces:     {},
			categoryProfiling:  {},
			categoryTestEvents: {},
		},
		adaptive: adaptive,
		rnd:      rand.Float64,
		now:      time.Now,
	}
	s.boostFactor.Store(math.Float64bits(adaptive.BoostFactor))
	s.apply(sampling, 1.0)
	s.base = sampling
	return s
}

func (s *Sampler) apply(sampling config.SamplingConfig, fraction float64) {
	s.rates[categoryEvents].Store(math.Float64bits(sampling.Events * fraction))
	s.rates[categoryTraces].Store(math.Float64bits(sampling.Traces * fraction))
	s.rates[categoryProfiling].Store(math.Float64bits(sampling.Profiling * fraction))
	s.rates[categoryTestEvents].Store(math.Float64bits(sampling.TestEvents * fraction))
}

// categoryFor maps lifecycle event types onto sampling categories.
func categoryFor(eventType string) string {
	switch {
	case strings.HasPrefix(eventType, "test_"),
		strings.HasPrefix(eventType, "suite_"),
		strings.HasPrefix(eventType, "run_"):
		return categoryTestEvents
	case strings.HasPrefix(eventType, "step_"):
		return categoryTraces
	case eventType == "profiling":
		return categoryProfiling
	default:
		return categoryEvents
	}
}

// Decide returns true when the event should be kept. The effective rate is
// base x boost, clipped to 1.
func (s *Sampler) Decide(eventType string) bool {
	cell, ok := s.rates[categoryFor(eventType)]
	if !ok {
		return true
	}
	rate := math.Float64frombits(cell.Load())
	if until := s.boostUntil.Load(); until > 0 && s.now().UnixNano() < until {
		rate *= math.Float64frombits(s.boostFactor.Load())
	}
	if rate >= 1 {
		return true
	}
	if rate <= 0 {
		return false
	}
	return s.rnd() < rate
}

// ReportAnomaly boosts all rates for the adaptive window so the events
// around a failure are captured densely.
func (s *Sampler) ReportAnomaly(eventType, kind string) {
	s.mu.Lock()
	enabled, boostSecs := s.adaptive.Enabled, s.adaptive.BoostDuration
	s.mu.Unlock()
	if !enabled {
		return
	}
	d := time.Duration(boostSecs) * time.Second
	s.boostUntil.Store(s.now().Add(d).UnixNano())
}

// Reduce drops all base rates to a quarter of configured while over CPU
// budget; Restore undoes it. Both are idempotent.
func (s *Sampler) Reduce() {
	if s.reduced.CompareAndSwap(false, true) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.apply(s.base, reducedRateFraction)
	}
}

func (s *Sampler) Restore() {
	if s.reduced.CompareAndSwap(true, false) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.apply(s.base, 1.0)
	}
}

func (s *Sampler) Reduced() bool { return s.reduced.Load() }

// Reload swaps the configured base rates, preserving the reduction state.
func (s *Sampler) Reload(sampling config.SamplingConfig, adaptive config.AdaptiveConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = sampling
	s.adaptive = adaptive
	s.boostFactor.Store(math.Float64bits(adaptive.BoostFactor))
	fraction := 1.0
	if s.reduced.Load() {
		fraction = reducedRateFraction
	}
	s.apply(sampling, fraction)
}
