// Package metrics implements the runtime's observability counters. The
// collector is updated from the scheduler goroutine on every tick and read
// from the control plane and the status publisher, so everything is atomic
// or guarded.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// ProgramStats are the per-program counters.
type ProgramStats struct {
	Evaluations         int64   `json:"evaluations"`
	Failures            int64   `json:"failures"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	BudgetViolations    int64   `json:"budget_violations"`
	AvgDurationMicros   float64 `json:"avg_duration_us"`
	MaxDurationMicros   int64   `json:"max_duration_us"`
	QueueDepth          int     `json:"queue_depth"`
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	Ticks           int64                   `json:"ticks"`
	TicksPerSecond  float64                 `json:"ticks_per_second"`
	Overruns        int64                   `json:"overruns"`
	SinkErrors      int64                   `json:"sink_errors"`
	EventsProcessed int64                   `json:"events_processed"`
	AvgTickMicros   float64                 `json:"avg_tick_us"`
	MaxTickMicros   int64                   `json:"max_tick_us"`
	Programs        map[string]ProgramStats `json:"programs"`
}

type programCollector struct {
	evaluations         atomic.Int64
	failures            atomic.Int64
	consecutiveFailures atomic.Int64
	budgetViolations    atomic.Int64
	totalDuration       atomic.Int64
	maxDuration         atomic.Int64
	queueDepth          atomic.Int64
}

// Collector aggregates scheduler and per-program counters.
type Collector struct {
	ticks           atomic.Int64
	overruns        atomic.Int64
	sinkErrors      atomic.Int64
	eventsProcessed atomic.Int64
	totalTick       atomic.Int64
	maxTick         atomic.Int64

	started time.Time

	mu       sync.RWMutex
	programs map[string]*programCollector
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		started:  time.Now(),
		programs: make(map[string]*programCollector),
	}
}

// RecordTick records one completed tick.
func (c *Collector) RecordTick(d time.Duration) {
	c.ticks.Add(1)
	us := d.Microseconds()
	c.totalTick.Add(us)
	storeMax(&c.maxTick, us)
}

// RecordOverrun records a tick that exceeded its period.
func (c *Collector) RecordOverrun() { c.overruns.Add(1) }

// RecordSinkError records a failed actuator emit.
func (c *Collector) RecordSinkError() { c.sinkErrors.Add(1) }

// RecordEvents records processed input events.
func (c *Collector) RecordEvents(n int) { c.eventsProcessed.Add(int64(n)) }

func (c *Collector) program(name string) *programCollector {
	c.mu.RLock()
	pc, ok := c.programs[name]
	c.mu.RUnlock()
	if ok {
		return pc
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if pc, ok = c.programs[name]; ok {
		return pc
	}
	pc = &programCollector{}
	c.programs[name] = pc
	return pc
}

// RecordEvaluation records one program evaluation.
func (c *Collector) RecordEvaluation(name string, d time.Duration, overBudget bool) {
	pc := c.program(name)
	pc.evaluations.Add(1)
	us := d.Microseconds()
	pc.totalDuration.Add(us)
	storeMax(&pc.maxDuration, us)
	if overBudget {
		pc.budgetViolations.Add(1)
	}
	pc.consecutiveFailures.Store(0)
}

// RecordProgramFailure records a failed evaluation and the current failure
// streak.
func (c *Collector) RecordProgramFailure(name string, consecutive int) {
	pc := c.program(name)
	pc.failures.Add(1)
	pc.consecutiveFailures.Store(int64(consecutive))
}

// RecordQueueDepth records a program's event-queue depth at drain time.
func (c *Collector) RecordQueueDepth(name string, depth int) {
	c.program(name).queueDepth.Store(int64(depth))
}

// Snapshot copies all counters.
func (c *Collector) Snapshot() Snapshot {
	ticks := c.ticks.Load()
	s := Snapshot{
		Ticks:           ticks,
		Overruns:        c.overruns.Load(),
		SinkErrors:      c.sinkErrors.Load(),
		EventsProcessed: c.eventsProcessed.Load(),
		MaxTickMicros:   c.maxTick.Load(),
		Programs:        make(map[string]ProgramStats),
	}
	if elapsed := time.Since(c.started).Seconds(); elapsed > 0 {
		s.TicksPerSecond = float64(ticks) / elapsed
	}
	if ticks > 0 {
		s.AvgTickMicros = float64(c.totalTick.Load()) / float64(ticks)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for name, pc := range c.programs {
		ps := ProgramStats{
			Evaluations:         pc.evaluations.Load(),
			Failures:            pc.failures.Load(),
			ConsecutiveFailures: int(pc.consecutiveFailures.Load()),
			BudgetViolations:    pc.budgetViolations.Load(),
			MaxDurationMicros:   pc.maxDuration.Load(),
			QueueDepth:          int(pc.queueDepth.Load()),
		}
		if ps.Evaluations > 0 {
			ps.AvgDurationMicros = float64(pc.totalDuration.Load()) / float64(ps.Evaluations)
		}
		s.Programs[name] = ps
	}
	return s
}

func storeMax(a *atomic.Int64, v int64) {
	for {
		old := a.Load()
		if v <= old || a.CompareAndSwap(old, v) {
			return
		}
	}
}
