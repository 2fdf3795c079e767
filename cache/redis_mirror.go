package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/neuroplc/cortex/core"
)

// RedisMirror is an optional read-through companion to SemanticCache for
// multi-instance deployments: accepted candidates are mirrored to Redis
// keyed by a hash of (observation bucket, constraints), so a second
// replica can warm its local cache on a miss before falling through to
// the engine. It is never authoritative — the in-process SemanticCache
// always wins on a local hit — and every Redis call is best-effort.
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisMirror parses a redis:// / rediss:// connection URL the same
// way the teacher's own Redis-backed examples do (redis.ParseURL, then
// redis.NewClient) rather than assuming a bare host:port.
func NewRedisMirror(url string, ttl time.Duration) (*RedisMirror, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cache: parsing redis url: %w", err)
	}
	return &RedisMirror{client: redis.NewClient(opts), ttl: ttl}, nil
}

type mirrorEntry struct {
	Observation core.Observation  `json:"observation"`
	Constraints core.Constraints  `json:"constraints"`
	Candidate   core.Candidate    `json:"candidate"`
	CreatedAt   int64             `json:"created_at"`
}

func mirrorKey(obs core.Observation, constraints core.Constraints) string {
	bucket := core.Observation{
		MotorSpeedRPM: roundTo(obs.MotorSpeedRPM, 100),
		MotorTempC:    roundTo(obs.MotorTempC, 5),
		PressureBar:   roundTo(obs.PressureBar, 1),
	}
	envelope := map[string]interface{}{"observation": bucket, "constraints": constraints}
	hash, err := core.HashEnvelope(envelope)
	if err != nil {
		hash = "unhashable"
	}
	return fmt.Sprintf("cortex:cache:%s", hash)
}

func roundTo(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	return step * float64(int64(v/step+0.5))
}

// Store mirrors an accepted candidate to Redis. Failures are swallowed:
// the mirror is read-through best-effort, never load-bearing.
func (m *RedisMirror) Store(ctx context.Context, obs core.Observation, constraints core.Constraints, candidate core.Candidate, now time.Time) {
	if m == nil || m.client == nil {
		return
	}
	entry := mirrorEntry{Observation: obs, Constraints: constraints, Candidate: candidate, CreatedAt: now.Unix()}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_ = m.client.Set(ctx, mirrorKey(obs, constraints), data, m.ttl).Err()
}

// Lookup checks Redis for a mirrored candidate matching obs/constraints.
// Returns ok=false on any miss or error, including a transport failure —
// callers must always fall through to the engine on ok=false.
func (m *RedisMirror) Lookup(ctx context.Context, obs core.Observation, constraints core.Constraints) (core.Candidate, bool) {
	if m == nil || m.client == nil {
		return core.Candidate{}, false
	}
	data, err := m.client.Get(ctx, mirrorKey(obs, constraints)).Bytes()
	if err != nil {
		return core.Candidate{}, false
	}
	var entry mirrorEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return core.Candidate{}, false
	}
	return entry.Candidate, true
}

func (m *RedisMirror) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Close()
}
