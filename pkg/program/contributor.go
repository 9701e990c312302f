package program

import (
	"time"

	"github.com/mrd0ll4r/kaleidoscope/pkg/alloy"
	"github.com/mrd0ll4r/kaleidoscope/pkg/globals"
	"github.com/mrd0ll4r/kaleidoscope/pkg/params"
)

// TickContext carries the per-tick environment into an evaluation.
type TickContext struct {
	// Now is the wall-clock timestamp the tick started at.
	Now time.Time
	// TimeOfDay is seconds since local midnight.
	TimeOfDay float64
	// Notifications are the parameter changes applied for this program
	// since its last evaluation, in application order.
	Notifications []params.Notification
}

// EnableOp is a requested enable-state change for some program.
type EnableOp uint8

const (
	EnableOpEnable EnableOp = iota + 1
	EnableOpDisable
	EnableOpToggle
)

// EnableDelta is one program's request to change another program's (or its
// own) enable flag, applied at the next tick boundary.
type EnableDelta struct {
	Program string
	Op      EnableOp
}

// ParamWrite is a buffered parameter mutation produced during evaluation.
// Writes apply at the tick boundary through the registry, which resolves the
// parameter's kind and performs clamping/validation.
type ParamWrite struct {
	Program   string
	Parameter string
	// Increment selects index-increment semantics (discrete only).
	Increment bool
	Delta     int64
	Value     float64
}

// Harvest is everything an evaluation produced.
type Harvest struct {
	// Outputs holds only the addresses written this evaluation. Absent
	// addresses were deliberately not driven.
	Outputs      map[alloy.Address]alloy.Value
	GlobalDelta  globals.Delta
	EnableDeltas []EnableDelta
	ParamWrites  []ParamWrite
	// TickRan reports whether the script's tick entry point was invoked
	// (as opposed to handler-only evaluation).
	TickRan bool
	// Duration is the wall-clock cost of the evaluation.
	Duration time.Duration
}

// Contributor is anything the arbitrator can schedule: a scripted program or
// a fixture builtin. Implementations are not safe for concurrent use; the
// engine evaluates each contributor on at most one goroutine per tick.
type Contributor interface {
	Name() string
	Priority() int
	Outputs() []alloy.Address
	// Due reports whether the contributor wants to run this tick. A
	// contributor that is not due still reserves its declared outputs at
	// its priority.
	Due() bool
	// NoteSkipped is called once per tick the contributor was not
	// evaluated, so slow-mode counters advance.
	NoteSkipped()
	Evaluate(ctx TickContext) (*Harvest, error)
}
