// Package learning implements the adaptive learner (C10): bucketized
// success-rate tracking over the decision store, used to adjust engine
// confidence and surface few-shot examples for agentic prompting.
package learning

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/neuroplc/cortex/core"
	"github.com/neuroplc/cortex/store"
)

var (
	tempBuckets  = [][2]float64{{0, 30}, {30, 50}, {50, 70}, {70, 80}, {80, 150}}
	speedBuckets = [][2]float64{{0, 500}, {500, 1000}, {1000, 2000}, {2000, 2500}, {2500, 3000}}
)

var (
	speedRange    = [2]float64{0, 5000}
	tempRange     = [2]float64{0, 150}
	pressureRange = [2]float64{0, 20}
	sqrt3         = math.Sqrt(3)
)

// Stats is the aggregated outcome of every decision in one condition
// bucket (a temperature range x speed range x optional action).
type Stats struct {
	BucketKey            string
	TotalDecisions       int
	SuccessfulDecisions  int
	SuccessRate          float64
	AvgConfidence        float64
}

// ScoredDecision is one past decision ranked against a query
// observation by the success-weighted similarity score.
type ScoredDecision struct {
	TraceID        string
	CombinedScore  float64
	Similarity     float64
	OutcomeScore   float64
	TimestampUs    uint64
	Observation    core.Observation
	Action         core.Action
	TargetSpeedRPM float64
	Confidence     float64
	Reasoning      string
	Approved       bool
	SpineAccepted  *bool
}

// FewShotExample is a successful past decision formatted for prompt
// injection into an agentic planner.
type FewShotExample struct {
	Observation    core.Observation
	Action         core.Action
	TargetSpeedRPM float64
	Confidence     float64
	Reasoning      string
}

// Config tunes the success-weighted similarity blend and stats cache.
type Config struct {
	SuccessWeight float64
	CacheTTL      time.Duration
}

func DefaultConfig() Config {
	return Config{SuccessWeight: 0.3, CacheTTL: 60 * time.Second}
}

// Learner fronts a decision store with bucketed success statistics,
// cached for CacheTTL and invalidated whenever new feedback arrives.
type Learner struct {
	mu    sync.Mutex
	cfg   Config
	store *store.Store
	now   func() time.Time

	statsCache      map[string]Stats
	cacheUpdatedAt  time.Time
}

func New(cfg Config, st *store.Store) *Learner {
	return &Learner{cfg: cfg, store: st, now: time.Now, statsCache: make(map[string]Stats)}
}

func bucketFor(value float64, buckets [][2]float64) [2]float64 {
	for _, b := range buckets {
		if value >= b[0] && value < b[1] {
			return b
		}
	}
	return buckets[len(buckets)-1]
}

func bucketKey(tempMin, tempMax, speedMin, speedMax float64, action string) string {
	key := fmt.Sprintf("temp:%.0f-%.0f,speed:%.0f-%.0f", tempMin, tempMax, speedMin, speedMax)
	if action != "" {
		key += ",action:" + action
	}
	return key
}

func normalize(v float64, r [2]float64) float64 {
	if r[1] == r[0] {
		return 0
	}
	return (v - r[0]) / (r[1] - r[0])
}

func similarity(a, b core.Observation) float64 {
	dSpeed := normalize(a.MotorSpeedRPM, speedRange) - normalize(b.MotorSpeedRPM, speedRange)
	dTemp := normalize(a.MotorTempC, tempRange) - normalize(b.MotorTempC, tempRange)
	dPressure := normalize(a.PressureBar, pressureRange) - normalize(b.PressureBar, pressureRange)
	distance := math.Sqrt(dSpeed*dSpeed + dTemp*dTemp + dPressure*dPressure)
	return 1.0 - distance/sqrt3
}

func outcomeScore(spineAccepted *bool) float64 {
	if spineAccepted == nil {
		return 0.5
	}
	if *spineAccepted {
		return 1.0
	}
	return 0.0
}

// GetSuccessWeightedSimilar blends observation similarity with outcome
// score and returns the top-k decisions clearing threshold, most
// relevant first.
func (l *Learner) GetSuccessWeightedSimilar(ctx context.Context, obs core.Observation, k int, threshold float64) ([]ScoredDecision, error) {
	if l.store == nil {
		return nil, nil
	}
	limit := k * 20
	if limit > 500 {
		limit = 500
	}
	decisions, err := l.store.QueryDecisions(ctx, store.QueryFilter{Limit: limit})
	if err != nil {
		return nil, err
	}

	var scored []ScoredDecision
	for _, d := range decisions {
		sim := similarity(obs, d.Observation)
		if sim < threshold {
			continue
		}
		outcome := outcomeScore(d.SpineAccepted)
		combined := (1-l.cfg.SuccessWeight)*sim + l.cfg.SuccessWeight*outcome
		scored = append(scored, ScoredDecision{
			TraceID: d.TraceID, CombinedScore: combined, Similarity: sim, OutcomeScore: outcome,
			TimestampUs: d.TimestampUs, Observation: d.Observation,
			Action: d.Candidate.Action, TargetSpeedRPM: d.Candidate.TargetSpeedRPM,
			Confidence: d.Candidate.Confidence, Reasoning: d.Candidate.Reasoning,
			Approved: d.Approved, SpineAccepted: d.SpineAccepted,
		})
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].CombinedScore > scored[j].CombinedScore })
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// ComputeAdjustedConfidence scales base by the historical success rate
// of the bucket obs falls in, or applies a flat conservative discount
// when no history exists yet.
func (l *Learner) ComputeAdjustedConfidence(ctx context.Context, base float64, obs core.Observation, action string) float64 {
	stats, err := l.bucketStats(ctx, obs, action)
	if err != nil || stats == nil || stats.TotalDecisions == 0 {
		return base * 0.8
	}
	multiplier := 0.5 + 0.5*stats.SuccessRate
	adjusted := base * multiplier
	if adjusted > 1.0 {
		return 1.0
	}
	return adjusted
}

func (l *Learner) bucketStats(ctx context.Context, obs core.Observation, action string) (*Stats, error) {
	tb := bucketFor(obs.MotorTempC, tempBuckets)
	sb := bucketFor(obs.MotorSpeedRPM, speedBuckets)
	return l.statsForBucket(ctx, tb[0], tb[1], sb[0], sb[1], action)
}

func (l *Learner) statsForBucket(ctx context.Context, tempMin, tempMax, speedMin, speedMax float64, action string) (*Stats, error) {
	key := bucketKey(tempMin, tempMax, speedMin, speedMax, action)

	l.mu.Lock()
	if l.now().Sub(l.cacheUpdatedAt) < l.cfg.CacheTTL {
		if cached, ok := l.statsCache[key]; ok {
			l.mu.Unlock()
			return &cached, nil
		}
	}
	l.mu.Unlock()

	stats, err := l.computeBucketStats(ctx, tempMin, tempMax, speedMin, speedMax, action, key)
	if err != nil {
		return nil, err
	}
	if stats == nil {
		return nil, nil
	}

	l.mu.Lock()
	l.statsCache[key] = *stats
	l.cacheUpdatedAt = l.now()
	l.mu.Unlock()
	return stats, nil
}

func (l *Learner) computeBucketStats(ctx context.Context, tempMin, tempMax, speedMin, speedMax float64, action, key string) (*Stats, error) {
	if l.store == nil {
		return nil, nil
	}
	decisions, err := l.store.QueryDecisions(ctx, store.QueryFilter{Limit: 1000})
	if err != nil {
		return nil, err
	}

	var total, successful int
	var confidenceSum float64
	var confidenceCount int

	for _, d := range decisions {
		temp := d.Observation.MotorTempC
		speed := d.Observation.MotorSpeedRPM
		if temp < tempMin || temp >= tempMax {
			continue
		}
		if speed < speedMin || speed >= speedMax {
			continue
		}
		if action != "" && string(d.Candidate.Action) != action {
			continue
		}
		total++
		if d.SpineAccepted != nil && *d.SpineAccepted {
			successful++
		}
		confidenceSum += d.Candidate.Confidence
		confidenceCount++
	}

	if total == 0 {
		return nil, nil
	}

	avgConfidence := 0.0
	if confidenceCount > 0 {
		avgConfidence = confidenceSum / float64(confidenceCount)
	}

	return &Stats{
		BucketKey: key, TotalDecisions: total, SuccessfulDecisions: successful,
		SuccessRate: float64(successful) / float64(total), AvgConfidence: avgConfidence,
	}, nil
}

// GetLearningStats reports every bucket with at least one decision.
func (l *Learner) GetLearningStats(ctx context.Context) ([]Stats, error) {
	var out []Stats
	for _, tb := range tempBuckets {
		for _, sb := range speedBuckets {
			stats, err := l.statsForBucket(ctx, tb[0], tb[1], sb[0], sb[1], "")
			if err != nil {
				return nil, err
			}
			if stats != nil && stats.TotalDecisions > 0 {
				out = append(out, *stats)
			}
		}
	}
	return out, nil
}

// GetFewShotExamples returns up to n high-confidence, spine-accepted
// past decisions similar to obs, for injection into an agentic prompt.
func (l *Learner) GetFewShotExamples(ctx context.Context, obs core.Observation, n int, minConfidence float64) ([]FewShotExample, error) {
	similar, err := l.GetSuccessWeightedSimilar(ctx, obs, n*3, 0.7)
	if err != nil {
		return nil, err
	}

	var examples []FewShotExample
	for _, s := range similar {
		if s.SpineAccepted == nil || !*s.SpineAccepted {
			continue
		}
		if s.Confidence < minConfidence {
			continue
		}
		examples = append(examples, FewShotExample{
			Observation: s.Observation, Action: s.Action,
			TargetSpeedRPM: s.TargetSpeedRPM, Confidence: s.Confidence, Reasoning: s.Reasoning,
		})
		if len(examples) >= n {
			break
		}
	}
	return examples, nil
}

// RecordOutcome writes feedback to the store and, on success,
// invalidates the stats cache so the next query reflects it.
func (l *Learner) RecordOutcome(ctx context.Context, traceID string, accepted bool, actualSpeedRPM *float64) (bool, error) {
	if l.store == nil {
		return false, nil
	}
	ts := uint64(l.now().UnixMicro())
	ok, err := l.store.RecordFeedback(ctx, core.OutcomeFeedback{
		TraceID: traceID, SpineAccepted: accepted, ActualSpeedRPM: actualSpeedRPM, OutcomeTimestamp: &ts,
	})
	if err != nil {
		return false, err
	}
	if ok {
		l.mu.Lock()
		l.statsCache = make(map[string]Stats)
		l.cacheUpdatedAt = time.Time{}
		l.mu.Unlock()
	}
	return ok, nil
}
