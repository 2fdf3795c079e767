package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/neuroplc/cortex/core"
)

func newMirror(t *testing.T) *RedisMirror {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	m := &RedisMirror{
		client: redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		ttl:    time.Minute,
	}
	return m
}

func TestRedisMirrorStoreThenLookupRoundTrips(t *testing.T) {
	m := newMirror(t)
	obs := core.Observation{MotorSpeedRPM: 1500, MotorTempC: 55, PressureBar: 4}
	constraints := core.DefaultConstraints()
	candidate := core.Candidate{Action: core.ActionHold, TargetSpeedRPM: 1500, Confidence: 0.8}

	m.Store(context.Background(), obs, constraints, candidate, time.Now())

	got, ok := m.Lookup(context.Background(), obs, constraints)
	if !ok {
		t.Fatal("expected a mirrored hit")
	}
	if got != candidate {
		t.Fatalf("expected round-tripped candidate %+v, got %+v", candidate, got)
	}
}

func TestRedisMirrorLookupMissReturnsFalse(t *testing.T) {
	m := newMirror(t)
	_, ok := m.Lookup(context.Background(), core.Observation{MotorSpeedRPM: 1}, core.DefaultConstraints())
	if ok {
		t.Fatal("expected a miss on an unstored key")
	}
}

func TestRedisMirrorNilReceiverIsNoop(t *testing.T) {
	var m *RedisMirror
	m.Store(context.Background(), core.Observation{}, core.Constraints{}, core.Candidate{}, time.Now())
	if _, ok := m.Lookup(context.Background(), core.Observation{}, core.Constraints{}); ok {
		t.Fatal("expected nil mirror to always miss")
	}
	if err := m.Close(); err != nil {
		t.Fatalf("expected nil mirror Close to be a no-op, got %v", err)
	}
}

func TestNewRedisMirrorRejectsInvalidURL(t *testing.T) {
	if _, err := NewRedisMirror("not-a-redis-url", time.Minute); err == nil {
		t.Fatal("expected an error for a malformed redis URL")
	}
}

func TestMirrorKeyBucketsNearbyObservationsTogether(t *testing.T) {
	a := core.Observation{MotorSpeedRPM: 1502, MotorTempC: 54.8, PressureBar: 4.1}
	b := core.Observation{MotorSpeedRPM: 1498, MotorTempC: 55.2, PressureBar: 3.9}
	constraints := core.DefaultConstraints()
	if mirrorKey(a, constraints) != mirrorKey(b, constraints) {
		t.Fatalf("expected nearby observations to share a bucket key")
	}
}
