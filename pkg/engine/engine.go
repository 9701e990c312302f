// Package engine implements the tick scheduler, the priority arbitration
// over program outputs, and the control-plane mutation queue. One scheduler
// goroutine owns all runtime state; program evaluations fan out to a worker
// pool within a tick and everything else funnels through queues.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mrd0ll4r/kaleidoscope/pkg/address"
	"github.com/mrd0ll4r/kaleidoscope/pkg/alloy"
	"github.com/mrd0ll4r/kaleidoscope/pkg/fixture"
	"github.com/mrd0ll4r/kaleidoscope/pkg/globals"
	"github.com/mrd0ll4r/kaleidoscope/pkg/metrics"
	"github.com/mrd0ll4r/kaleidoscope/pkg/params"
	"github.com/mrd0ll4r/kaleidoscope/pkg/program"
)

const (
	// DefaultTickRate is the target tick frequency in Hz.
	DefaultTickRate = 200
	// DefaultProgramBudget is the soft wall-clock budget for one program
	// evaluation.
	DefaultProgramBudget = time.Millisecond

	eventBufferSize   = 4096
	controlBufferSize = 64
)

// Sink receives the composed output vector once per tick. Addresses absent
// from the map were not driven this tick; the downstream holds its last
// value for them.
type Sink interface {
	Emit(ctx context.Context, values map[alloy.Address]alloy.Value) error
}

// StateRecorder is notified of applied control-plane mutations so operator
// intent can be persisted across restarts. Implementations must not block.
type StateRecorder interface {
	RecordActiveProgram(fixtureName, programName string)
	RecordParameter(programKey, parameter string, info params.Info)
}

// Options configures an Engine.
type Options struct {
	TickRate      int
	Workers       int
	ProgramBudget time.Duration

	Logger   *zap.Logger
	Space    *address.Space
	Registry *params.Registry
	Globals  *globals.Store
	Sink     Sink
	Metrics  *metrics.Collector
	State    StateRecorder
}

// Engine drives the runtime. Construct with New, register fixtures and
// standalone programs, then Run.
type Engine struct {
	logger   *zap.Logger
	space    *address.Space
	registry *params.Registry
	globals  *globals.Store
	sink     Sink
	metrics  *metrics.Collector
	state    StateRecorder

	period  time.Duration
	workers int
	budget  time.Duration

	fixtures      []*fixture.Fixture
	fixtureByName map[string]*fixture.Fixture
	fixtureAddrs  map[alloy.Address]string
	standalone    []*program.Program
	programs      map[string]*program.Program

	events  chan alloy.AddressedEvent
	control chan mutation

	// carried from tick N to the reconciliation step of tick N+1
	pendingDeltas  map[string]globals.Delta
	pendingEnables []program.EnableDelta
	pendingWrites  []program.ParamWrite
}

// New creates an engine.
func New(opts Options) (*Engine, error) {
	if opts.Space == nil || opts.Registry == nil || opts.Globals == nil || opts.Sink == nil {
		return nil, fmt.Errorf("space, registry, globals and sink must not be nil")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCollector()
	}
	if opts.TickRate <= 0 {
		opts.TickRate = DefaultTickRate
	}
	if opts.ProgramBudget <= 0 {
		opts.ProgramBudget = DefaultProgramBudget
	}

	return &Engine{
		logger:        opts.Logger.Named("engine"),
		space:         opts.Space,
		registry:      opts.Registry,
		globals:       opts.Globals,
		sink:          opts.Sink,
		metrics:       opts.Metrics,
		state:         opts.State,
		period:        time.Second / time.Duration(opts.TickRate),
		workers:       opts.Workers,
		budget:        opts.ProgramBudget,
		fixtureByName: make(map[string]*fixture.Fixture),
		fixtureAddrs:  make(map[alloy.Address]string),
		programs:      make(map[string]*program.Program),
		events:        make(chan alloy.AddressedEvent, eventBufferSize),
		control:       make(chan mutation, controlBufferSize),
		pendingDeltas: make(map[string]globals.Delta),
	}, nil
}

// AddFixture registers a fixture. Output sets of fixtures must be disjoint;
// a violation is a configuration error and prevents startup.
func (e *Engine) AddFixture(f *fixture.Fixture) error {
	if _, ok := e.fixtureByName[f.Name()]; ok {
		return fmt.Errorf("duplicate fixture: %s", f.Name())
	}
	for _, addr := range f.Addresses() {
		if other, ok := e.fixtureAddrs[addr]; ok {
			return fmt.Errorf("fixtures %s and %s both own output address %d", other, f.Name(), addr)
		}
	}
	for _, addr := range f.Addresses() {
		e.fixtureAddrs[addr] = f.Name()
	}
	e.fixtures = append(e.fixtures, f)
	e.fixtureByName[f.Name()] = f
	for name, p := range f.ScriptedPrograms() {
		if _, ok := e.programs[name]; ok {
			return fmt.Errorf("duplicate program: %s", name)
		}
		e.programs[name] = p
	}
	return nil
}

// AddProgram registers a standalone program, outside any fixture. It starts
// enabled.
func (e *Engine) AddProgram(p *program.Program) error {
	if _, ok := e.programs[p.Name()]; ok {
		return fmt.Errorf("duplicate program: %s", p.Name())
	}
	e.programs[p.Name()] = p
	e.standalone = append(e.standalone, p)
	p.SetEnabled(true)
	return nil
}

// RestoreActiveProgram applies a persisted fixture selection. Only valid
// before Run; unknown fixtures or programs are reported, not applied.
func (e *Engine) RestoreActiveProgram(fixtureName, programName string) error {
	f, ok := e.fixtureByName[fixtureName]
	if !ok {
		return fmt.Errorf("no such fixture: %s", fixtureName)
	}
	return f.SetActive(programName)
}

// EnqueueEvent hands an input event to the runtime. It never blocks; if the
// buffer is full the event is dropped with a logged warning.
func (e *Engine) EnqueueEvent(ev alloy.AddressedEvent) {
	select {
	case e.events <- ev:
	default:
		e.logger.Warn("event buffer full, dropping event",
			zap.Uint16("address", ev.Address),
			zap.String("kind", string(ev.Event.Kind)))
	}
}

// candidates returns the contributors the arbitrator considers this tick:
// each fixture's active program plus every enabled standalone program.
func (e *Engine) candidates() []program.Contributor {
	out := make([]program.Contributor, 0, len(e.fixtures)+len(e.standalone))
	for _, f := range e.fixtures {
		c := f.ActiveContributor()
		if p, ok := c.(*program.Program); ok && !p.Enabled() {
			continue
		}
		out = append(out, c)
	}
	for _, p := range e.standalone {
		if p.Enabled() {
			out = append(out, p)
		}
	}
	return out
}

// activePrograms returns the scripted programs eligible for event delivery:
// enabled standalone programs and enabled active fixture programs.
func (e *Engine) activePrograms() []*program.Program {
	var out []*program.Program
	for _, f := range e.fixtures {
		if p, ok := f.ActiveContributor().(*program.Program); ok && p.Enabled() {
			out = append(out, p)
		}
	}
	for _, p := range e.standalone {
		if p.Enabled() {
			out = append(out, p)
		}
	}
	return out
}

func (e *Engine) fixtureOutputAliases(f *fixture.Fixture) []string {
	owned := make(map[alloy.Address]bool, len(f.Addresses()))
	for _, addr := range f.Addresses() {
		owned[addr] = true
	}
	var aliases []string
	for _, decl := range e.space.OutputAliases() {
		if owned[decl.Address] {
			aliases = append(aliases, decl.Alias)
		}
	}
	return aliases
}
