// Package buffer implements the fixed-capacity observation ring (C4).
package buffer

import (
	"sync"

	"github.com/neuroplc/cortex/core"
)

// ObservationRow is the shape a persistence backend hands back when
// asked for recent history, newest-first.
type ObservationRow struct {
	TimestampUs   uint64
	MotorSpeedRPM float64
	MotorTempC    float64
	PressureBar   float64
}

// Persister is the slice of the decision store the buffer needs:
// periodic snapshot writes and, on startup, a warm-start read.
type Persister interface {
	AddObservation(obs core.Observation, timestampUs uint64) error
	RecentObservations(limit int) ([]ObservationRow, error)
}

// Config tunes buffer capacity and persistence cadence.
type Config struct {
	MaxSize         int
	PersistInterval int
	PreloadOnStart  bool
}

func DefaultConfig() Config {
	return Config{MaxSize: 500, PersistInterval: 10, PreloadOnStart: true}
}

// Buffer is a thread-safe rolling window over three parallel series
// (speed, temp, pressure) plus timestamps, with periodic persistence
// and startup warm-start from a Persister.
type Buffer struct {
	mu sync.Mutex

	cfg   Config
	store Persister

	speed      []float64
	temp       []float64
	pressure   []float64
	timestamps []uint64

	persistCounter int
}

// New constructs a Buffer and, if cfg.PreloadOnStart, warms it from
// store's recent history (failures during preload are non-fatal).
func New(cfg Config, store Persister) *Buffer {
	b := &Buffer{cfg: cfg, store: store}
	if cfg.PreloadOnStart && store != nil {
		b.preload()
	}
	return b
}

func (b *Buffer) preload() {
	rows, err := b.store.RecentObservations(b.cfg.MaxSize)
	if err != nil {
		return
	}
	// rows are newest-first; append oldest-first so the ring ends up
	// chronologically ordered like a live-filled buffer would.
	for i := len(rows) - 1; i >= 0; i-- {
		r := rows[i]
		b.pushLocked(r.MotorSpeedRPM, r.MotorTempC, r.PressureBar, r.TimestampUs)
	}
}

func (b *Buffer) pushLocked(speed, temp, pressure float64, ts uint64) {
	b.speed = append(b.speed, speed)
	b.temp = append(b.temp, temp)
	b.pressure = append(b.pressure, pressure)
	b.timestamps = append(b.timestamps, ts)
	if len(b.speed) > b.cfg.MaxSize {
		b.speed = b.speed[1:]
		b.temp = b.temp[1:]
		b.pressure = b.pressure[1:]
		b.timestamps = b.timestamps[1:]
	}
}

// Add appends obs to the buffer and, every PersistInterval additions,
// writes a snapshot row through the Persister.
func (b *Buffer) Add(obs core.Observation, timestampUs uint64) {
	b.mu.Lock()
	b.pushLocked(obs.MotorSpeedRPM, obs.MotorTempC, obs.PressureBar, timestampUs)

	b.persistCounter++
	shouldPersist := b.persistCounter >= b.cfg.PersistInterval
	if shouldPersist {
		b.persistCounter = 0
	}
	b.mu.Unlock()

	if shouldPersist && b.store != nil {
		_ = b.store.AddObservation(obs, timestampUs)
	}
}

// GetWindow returns the last n (speed, temp) pairs, oldest to newest.
func (b *Buffer) GetWindow(n int) (speed, temp []float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 {
		return nil, nil
	}
	return lastN(b.speed, n), lastN(b.temp, n)
}

func lastN(s []float64, n int) []float64 {
	if n >= len(s) {
		out := make([]float64, len(s))
		copy(out, s)
		return out
	}
	out := make([]float64, n)
	copy(out, s[len(s)-n:])
	return out
}

// SeriesStats holds the min/max/avg of one series.
type SeriesStats struct {
	Min, Max, Avg float64
}

// Stats reports per-series bounds and averages plus the current count.
type Stats struct {
	Count int
	Speed SeriesStats
	Temp  SeriesStats
}

func (b *Buffer) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.speed) == 0 {
		return Stats{}
	}
	return Stats{
		Count: len(b.speed),
		Speed: seriesStats(b.speed),
		Temp:  seriesStats(b.temp),
	}
}

func seriesStats(s []float64) SeriesStats {
	min, max, sum := s[0], s[0], 0.0
	for _, v := range s {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += v
	}
	return SeriesStats{Min: min, Max: max, Avg: sum / float64(len(s))}
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.speed)
}

func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.speed = nil
	b.temp = nil
	b.pressure = nil
	b.timestamps = nil
	b.persistCounter = 0
}

// SpeedHistory returns the full speed series, oldest to newest.
func (b *Buffer) SpeedHistory() []float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]float64, len(b.speed))
	copy(out, b.speed)
	return out
}

// TempHistory returns the full temperature series, oldest to newest.
func (b *Buffer) TempHistory() []float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]float64, len(b.temp))
	copy(out, b.temp)
	return out
}
