package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorTicks(t *testing.T) {
	c := NewCollector()
	c.RecordTick(100 * time.Microsecond)
	c.RecordTick(300 * time.Microsecond)
	c.RecordOverrun()
	c.RecordSinkError()
	c.RecordEvents(5)

	s := c.Snapshot()
	assert.EqualValues(t, 2, s.Ticks)
	assert.EqualValues(t, 1, s.Overruns)
	assert.EqualValues(t, 1, s.SinkErrors)
	assert.EqualValues(t, 5, s.EventsProcessed)
	assert.Equal(t, 200.0, s.AvgTickMicros)
	assert.EqualValues(t, 300, s.MaxTickMicros)
	assert.Greater(t, s.TicksPerSecond, 0.0)
}

func TestCollectorPrograms(t *testing.T) {
	c := NewCollector()
	c.RecordEvaluation("p", 500*time.Microsecond, false)
	c.RecordEvaluation("p", 1500*time.Microsecond, true)
	c.RecordQueueDepth("p", 3)

	s := c.Snapshot()
	ps, ok := s.Programs["p"]
	require.True(t, ok)
	assert.EqualValues(t, 2, ps.Evaluations)
	assert.EqualValues(t, 1, ps.BudgetViolations)
	assert.EqualValues(t, 1500, ps.MaxDurationMicros)
	assert.Equal(t, 1000.0, ps.AvgDurationMicros)
	assert.Equal(t, 3, ps.QueueDepth)
	assert.Equal(t, 0, ps.ConsecutiveFailures)
}

func TestCollectorFailureStreak(t *testing.T) {
	c := NewCollector()
	c.RecordProgramFailure("p", 1)
	c.RecordProgramFailure("p", 2)

	s := c.Snapshot()
	assert.EqualValues(t, 2, s.Programs["p"].Failures)
	assert.Equal(t, 2, s.Programs["p"].ConsecutiveFailures)

	// A successful evaluation resets the streak but not the total.
	c.RecordEvaluation("p", time.Microsecond, false)
	s = c.Snapshot()
	assert.EqualValues(t, 2, s.Programs["p"].Failures)
	assert.Equal(t, 0, s.Programs["p"].ConsecutiveFailures)
}
