// Package cache implements the semantic recommendation cache (C6): a
// similarity-matched memoization layer over recent (observation,
// constraints) -> candidate pairs, avoiding repeat engine calls for
// near-identical plant states.
package cache

import (
	"math"
	"sync"
	"time"

	"github.com/neuroplc/cortex/core"
)

// ranges normalize (speed, temp, pressure) to the unit cube before
// measuring Euclidean distance.
var (
	speedRange    = [2]float64{0, 5000}
	tempRange     = [2]float64{0, 150}
	pressureRange = [2]float64{0, 20}
)

var sqrt3 = math.Sqrt(3)

// Stats counts cache behavior.
type Stats struct {
	TotalLookups int
	Hits         int
	Misses       int
	Evictions    int
}

func (s Stats) HitRate() float64 {
	if s.TotalLookups == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.TotalLookups)
}

// Config tunes similarity threshold, entry lifetime, and capacity.
type Config struct {
	SimilarityThreshold float64
	TTL                 time.Duration
	Capacity            int
}

func DefaultConfig() Config {
	return Config{SimilarityThreshold: 0.95, TTL: 60 * time.Second, Capacity: 100}
}

// SemanticCache is a thread-safe linear-scan cache: entries are few
// enough (capacity is small, by design) that an index would be
// premature, so lookup is a sweep with a similarity comparison.
type SemanticCache struct {
	mu      sync.Mutex
	cfg     Config
	entries []core.CacheEntry
	stats   Stats
	now     func() time.Time
}

func New(cfg Config) *SemanticCache {
	return &SemanticCache{cfg: cfg, now: time.Now}
}

// Lookup sweeps live entries for the closest match among those whose
// constraints equal the query exactly, returning it only if its
// similarity clears the configured threshold.
func (c *SemanticCache) Lookup(obs core.Observation, constraints core.Constraints) (core.Candidate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.TotalLookups++
	now := c.now()

	live := c.entries[:0]
	for _, e := range c.entries {
		if now.Sub(time.Unix(0, e.CreatedAt)) < c.cfg.TTL {
			live = append(live, e)
		}
	}
	c.entries = live

	var best *core.CacheEntry
	bestSim := 0.0
	for i := range c.entries {
		e := &c.entries[i]
		if !constraintsMatch(constraints, e.Constraints) {
			continue
		}
		sim := similarity(obs, e.Observation)
		if sim >= c.cfg.SimilarityThreshold && sim > bestSim {
			bestSim = sim
			best = e
		}
	}

	if best != nil {
		best.HitCount++
		c.stats.Hits++
		return best.Candidate, true
	}
	c.stats.Misses++
	return core.Candidate{}, false
}

// Store records candidate for (obs, constraints), evicting the oldest
// entry (by created_at) once at capacity.
func (c *SemanticCache) Store(obs core.Observation, constraints core.Constraints, candidate core.Candidate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.entries) >= c.cfg.Capacity {
		oldest := 0
		for i := 1; i < len(c.entries); i++ {
			if c.entries[i].CreatedAt < c.entries[oldest].CreatedAt {
				oldest = i
			}
		}
		c.entries = append(c.entries[:oldest], c.entries[oldest+1:]...)
		c.stats.Evictions++
	}

	c.entries = append(c.entries, core.CacheEntry{
		Observation: obs,
		Constraints: constraints,
		Candidate:   candidate,
		CreatedAt:   c.now().UnixNano(),
	})
}

func (c *SemanticCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
}

func (c *SemanticCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *SemanticCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func constraintsMatch(a, b core.Constraints) bool {
	return a.MaxSpeedRPM == b.MaxSpeedRPM &&
		a.MinSpeedRPM == b.MinSpeedRPM &&
		a.MaxRateRPM == b.MaxRateRPM &&
		a.MaxTempC == b.MaxTempC
}

func normalize(v float64, r [2]float64) float64 {
	if r[1] == r[0] {
		return 0
	}
	return (v - r[0]) / (r[1] - r[0])
}

// similarity scores two observations 1 (identical) to 0 (maximally
// different) via normalized Euclidean distance over the unit cube.
func similarity(a, b core.Observation) float64 {
	dSpeed := normalize(a.MotorSpeedRPM, speedRange) - normalize(b.MotorSpeedRPM, speedRange)
	dTemp := normalize(a.MotorTempC, tempRange) - normalize(b.MotorTempC, tempRange)
	dPressure := normalize(a.PressureBar, pressureRange) - normalize(b.PressureBar, pressureRange)

	distance := math.Sqrt(dSpeed*dSpeed + dTemp*dTemp + dPressure*dPressure)
	return 1.0 - distance/sqrt3
}
