package cache

import (
	"testing"
	"time"

	"github.com/neuroplc/cortex/core"
)

func defaultConstraints() core.Constraints {
	return core.DefaultConstraints()
}

func TestStoreThenLookupHitsWithinThreshold(t *testing.T) {
	c := New(Config{SimilarityThreshold: 0.95, TTL: time.Minute, Capacity: 10})
	obs := core.Observation{MotorSpeedRPM: 1000, MotorTempC: 40, PressureBar: 3}
	cand := core.Candidate{Action: core.ActionHold, TargetSpeedRPM: 1000, Confidence: 0.9}
	c.Store(obs, defaultConstraints(), cand)

	near := core.Observation{MotorSpeedRPM: 1001, MotorTempC: 40, PressureBar: 3}
	got, ok := c.Lookup(near, defaultConstraints())
	if !ok {
		t.Fatal("expected cache hit for near-identical observation")
	}
	if got.TargetSpeedRPM != 1000 {
		t.Fatalf("expected cached candidate, got %+v", got)
	}
	if c.Stats().Hits != 1 {
		t.Fatalf("expected one recorded hit, got %+v", c.Stats())
	}
}

func TestLookupMissesOnDissimilarObservation(t *testing.T) {
	c := New(Config{SimilarityThreshold: 0.95, TTL: time.Minute, Capacity: 10})
	obs := core.Observation{MotorSpeedRPM: 100, MotorTempC: 20, PressureBar: 1}
	c.Store(obs, defaultConstraints(), core.Candidate{TargetSpeedRPM: 100})

	far := core.Observation{MotorSpeedRPM: 4000, MotorTempC: 120, PressureBar: 18}
	_, ok := c.Lookup(far, defaultConstraints())
	if ok {
		t.Fatal("expected miss for dissimilar observation")
	}
	if c.Stats().Misses != 1 {
		t.Fatalf("expected one recorded miss, got %+v", c.Stats())
	}
}

func TestLookupMissesOnConstraintsMismatch(t *testing.T) {
	c := New(Config{SimilarityThreshold: 0.5, TTL: time.Minute, Capacity: 10})
	obs := core.Observation{MotorSpeedRPM: 1000, MotorTempC: 40, PressureBar: 3}
	c.Store(obs, defaultConstraints(), core.Candidate{TargetSpeedRPM: 1000})

	different := defaultConstraints()
	different.MaxSpeedRPM = 2000
	_, ok := c.Lookup(obs, different)
	if ok {
		t.Fatal("expected miss when constraints differ, even for an identical observation")
	}
}

func TestExpiredEntriesAreSweptOnLookup(t *testing.T) {
	fakeNow := time.Now()
	c := New(Config{SimilarityThreshold: 0.5, TTL: 10 * time.Second, Capacity: 10})
	c.now = func() time.Time { return fakeNow }

	obs := core.Observation{MotorSpeedRPM: 1000, MotorTempC: 40, PressureBar: 3}
	c.Store(obs, defaultConstraints(), core.Candidate{TargetSpeedRPM: 1000})

	c.now = func() time.Time { return fakeNow.Add(11 * time.Second) }
	_, ok := c.Lookup(obs, defaultConstraints())
	if ok {
		t.Fatal("expected expired entry to be swept before matching")
	}
	if c.Len() != 0 {
		t.Fatalf("expected expired entry removed from storage, got %d entries", c.Len())
	}
}

func TestCapacityEvictsOldestFirst(t *testing.T) {
	fakeNow := time.Now()
	c := New(Config{SimilarityThreshold: 0.99, TTL: time.Hour, Capacity: 2})
	c.now = func() time.Time { return fakeNow }

	c.Store(core.Observation{MotorSpeedRPM: 100}, defaultConstraints(), core.Candidate{TargetSpeedRPM: 100})
	fakeNow = fakeNow.Add(time.Second)
	c.Store(core.Observation{MotorSpeedRPM: 200}, defaultConstraints(), core.Candidate{TargetSpeedRPM: 200})
	fakeNow = fakeNow.Add(time.Second)
	c.Store(core.Observation{MotorSpeedRPM: 300}, defaultConstraints(), core.Candidate{TargetSpeedRPM: 300})

	if c.Len() != 2 {
		t.Fatalf("expected capacity-bounded length 2, got %d", c.Len())
	}
	if c.Stats().Evictions != 1 {
		t.Fatalf("expected one eviction, got %+v", c.Stats())
	}
	// the 100-rpm entry (oldest) should have been evicted; looking it
	// up with a tight threshold must miss even though it once matched.
	_, ok := c.Lookup(core.Observation{MotorSpeedRPM: 100}, defaultConstraints())
	if ok {
		t.Fatal("expected oldest entry to have been evicted")
	}
}
