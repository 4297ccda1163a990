// Package metrics provides in-memory runtime statistics collection.
package metrics

import (
	"math"
	"sync"
	"time"
)

// OperationMetrics holds aggregated metrics for a single operation type.
type OperationMetrics struct {
	Count     int64
	Failures  int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration

	// Usage, only for calls to paid services
	TotalInputTokens  int64
	TotalOutputTokens int64
	AudioSeconds      float64
	CostUSD           float64
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count       int64
	Failures    int64
	TotalTimeMs int64
	AvgTimeMs   float64
	MinTimeMs   int64
	MaxTimeMs   int64

	// Usage stats (nil if not applicable)
	TotalInputTokens  *int64
	TotalOutputTokens *int64
	AudioSeconds      *float64
	CostUSD           *float64
}

// Snapshot represents the process statistics at a point in time.
type Snapshot struct {
	UptimeSeconds float64
	Conversion    *OperationSnapshot
	Transcription *OperationSnapshot
	Cleanup       *OperationSnapshot
	Planning      *OperationSnapshot
	Persistence   *OperationSnapshot
	Jobs          map[string]int64
	TotalCostUSD  float64
}

// Operation names for the collector.
const (
	OpConversion    = "conversion"
	OpTranscription = "transcription"
	OpCleanup       = "cleanup"
	OpPlanning      = "planning"
	OpPersistence   = "persistence"
)

// Collector aggregates in-memory runtime statistics.
// All methods are thread-safe.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*OperationMetrics
	jobs      map[string]int64
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*OperationMetrics),
		jobs:      make(map[string]int64),
	}
}

// getOrCreate returns existing metrics or creates new ones for an operation.
// Caller must hold write lock.
func (c *Collector) getOrCreate(op string) *OperationMetrics {
	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{MinTime: time.Duration(math.MaxInt64)}
		c.ops[op] = m
	}
	return m
}

func (m *OperationMetrics) observe(duration time.Duration, err error) {
	m.Count++
	if err != nil {
		m.Failures++
	}
	m.TotalTime += duration
	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
}

// RecordTiming records timing for an operation. A non-nil err counts as a
// failure.
func (c *Collector) RecordTiming(op string, duration time.Duration, err error) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.getOrCreate(op).observe(duration, err)
}

// Usage is what one paid call consumed.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	AudioSeconds float64
	CostUSD      float64
}

// RecordUsage records timing and usage for a call to a paid service.
func (c *Collector) RecordUsage(op string, duration time.Duration, u Usage) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(op)
	m.observe(duration, nil)
	m.TotalInputTokens += u.InputTokens
	m.TotalOutputTokens += u.OutputTokens
	m.AudioSeconds += u.AudioSeconds
	m.CostUSD += u.CostUSD
}

// RecordJob counts a pipeline job reaching a terminal stage.
func (c *Collector) RecordJob(stage string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs[stage]++
}

// snapshotOp creates a snapshot for an operation, returning nil if no data.
func snapshotOp(m *OperationMetrics) *OperationSnapshot {
	if m == nil || m.Count == 0 {
		return nil
	}

	snap := &OperationSnapshot{
		Count:       m.Count,
		Failures:    m.Failures,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		AvgTimeMs:   float64(m.TotalTime.Milliseconds()) / float64(m.Count),
		MinTimeMs:   m.MinTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
	}

	if m.TotalInputTokens > 0 || m.TotalOutputTokens > 0 {
		totalIn := m.TotalInputTokens
		totalOut := m.TotalOutputTokens
		snap.TotalInputTokens = &totalIn
		snap.TotalOutputTokens = &totalOut
	}
	if m.AudioSeconds > 0 {
		secs := m.AudioSeconds
		snap.AudioSeconds = &secs
	}
	if m.CostUSD > 0 {
		cost := m.CostUSD
		snap.CostUSD = &cost
	}

	return snap
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	jobs := make(map[string]int64, len(c.jobs))
	for k, v := range c.jobs {
		jobs[k] = v
	}

	var cost float64
	for _, m := range c.ops {
		cost += m.CostUSD
	}

	return Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		Conversion:    snapshotOp(c.ops[OpConversion]),
		Transcription: snapshotOp(c.ops[OpTranscription]),
		Cleanup:       snapshotOp(c.ops[OpCleanup]),
		Planning:      snapshotOp(c.ops[OpPlanning]),
		Persistence:   snapshotOp(c.ops[OpPersistence]),
		Jobs:          jobs,
		TotalCostUSD:  cost,
	}
}
