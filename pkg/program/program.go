// Package program implements the scripting host: one isolated JavaScript
// interpreter per program, the two-phase setup/tick contract, event and
// parameter handler dispatch, and output harvesting. State mutated by one
// program is invisible to every other program except through the global
// store and the parameter registry.
package program

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/mrd0ll4r/kaleidoscope/pkg/address"
	"github.com/mrd0ll4r/kaleidoscope/pkg/alloy"
	"github.com/mrd0ll4r/kaleidoscope/pkg/globals"
	"github.com/mrd0ll4r/kaleidoscope/pkg/params"
)

const (
	// DefaultMaxFailures is the number of consecutive failed evaluations
	// after which a program is auto-disabled.
	DefaultMaxFailures = 5
	// DefaultSlowModePeriod is the number of ticks between forced runs of
	// a slow-mode program.
	DefaultSlowModePeriod = 1000

	minPriority = 0
	maxPriority = 20
)

type state uint8

const (
	stateLoading state = iota
	stateReady
)

// Config configures a program load.
type Config struct {
	// Name is the program's unique name within its fixture or globally.
	Name string
	// Source is the JavaScript source text.
	Source string
	// SourceName is used in script stack traces, usually the file name.
	SourceName string

	Space    *address.Space
	Registry *params.Registry
	Logger   *zap.Logger

	MaxFailures    int
	SlowModePeriod int
}

type eventHandler struct {
	kind    alloy.EventKind
	handler string
}

// Program is one loaded script. It is owned by the engine: all methods are
// called from the scheduler goroutine or from exactly one worker goroutine
// per tick, never concurrently.
type Program struct {
	name     string
	logger   *zap.Logger
	vm       *goja.Runtime
	space    *address.Space
	registry *params.Registry
	epoch    time.Time

	// fixed at setup
	priority  int
	slowMode  bool
	outputs   []alloy.Address
	outputSet map[alloy.Address]bool
	inputs    []alloy.Address
	inputSet  map[alloy.Address]bool
	filters   map[alloy.Address]*alloy.EventFilter
	handlers  map[alloy.Address][]eventHandler

	state       state
	enabled     bool
	tickEnabled bool
	failures    int
	maxFailures int

	slowPeriod  int
	slowCounter int
	wake        bool

	queue []alloy.AddressedEvent

	// per-evaluation buffers, harvested and cleared by Evaluate
	inputView    map[alloy.Address]alloy.Value
	outputBuf    map[alloy.Address]alloy.Value
	globalsView  map[string]globals.Value
	globalDelta  globals.Delta
	enableDeltas []EnableDelta
	paramWrites  []ParamWrite
}

// Load parses and sets up a program. A failure anywhere in the load leaves
// the program unusable; per the error design it is the caller's job to keep
// other programs running.
func Load(cfg Config) (*Program, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("program name must not be empty")
	}
	if cfg.Space == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("program %s: space and registry must not be nil", cfg.Name)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.SlowModePeriod <= 0 {
		cfg.SlowModePeriod = DefaultSlowModePeriod
	}
	if cfg.SourceName == "" {
		cfg.SourceName = cfg.Name + ".js"
	}

	p := &Program{
		name:        cfg.Name,
		logger:      cfg.Logger.With(zap.String("program", cfg.Name)),
		vm:          goja.New(),
		space:       cfg.Space,
		registry:    cfg.Registry,
		epoch:       time.Now(),
		priority:    minPriority,
		outputSet:   make(map[alloy.Address]bool),
		inputSet:    make(map[alloy.Address]bool),
		filters:     make(map[alloy.Address]*alloy.EventFilter),
		handlers:    make(map[alloy.Address][]eventHandler),
		state:       stateLoading,
		tickEnabled: true,
		maxFailures: cfg.MaxFailures,
		slowPeriod:  cfg.SlowModePeriod,
		wake:        true,
	}

	if err := p.installAPI(); err != nil {
		return nil, newSetupError(cfg.Name, err)
	}

	if _, err := p.vm.RunScript(cfg.SourceName, cfg.Source); err != nil {
		return nil, newSetupError(cfg.Name, wrapScriptError(cfg.Name, err))
	}

	setup, err := p.fn("setup")
	if err != nil {
		return nil, newSetupError(cfg.Name, err)
	}
	if _, err := p.fn("tick"); err != nil {
		return nil, newSetupError(cfg.Name, err)
	}

	if _, err := setup(goja.Undefined()); err != nil {
		return nil, newSetupError(cfg.Name, wrapScriptError(cfg.Name, err))
	}

	sort.Slice(p.outputs, func(i, j int) bool { return p.outputs[i] < p.outputs[j] })
	sort.Slice(p.inputs, func(i, j int) bool { return p.inputs[i] < p.inputs[j] })

	p.state = stateReady
	p.logger.Debug("program loaded",
		zap.Int("priority", p.priority),
		zap.Bool("slow_mode", p.slowMode),
		zap.Int("outputs", len(p.outputs)),
		zap.Int("inputs", len(p.inputs)))

	return p, nil
}

// Name returns the program name.
func (p *Program) Name() string { return p.name }

// Priority returns the arbitration priority, fixed at setup.
func (p *Program) Priority() int { return p.priority }

// Outputs returns the declared output addresses, sorted.
func (p *Program) Outputs() []alloy.Address { return p.outputs }

// SlowMode reports whether the program opted into slow mode.
func (p *Program) SlowMode() bool { return p.slowMode }

// Enabled reports the runtime enable flag.
func (p *Program) Enabled() bool { return p.enabled }

// SetEnabled flips the enable flag. Enabling forces a run on the next tick
// and resets the slow-mode counter and the failure streak.
func (p *Program) SetEnabled(enabled bool) {
	if enabled && !p.enabled {
		p.wake = true
		p.slowCounter = 0
		p.failures = 0
	}
	p.enabled = enabled
	if !enabled {
		p.queue = nil
	}
}

// ConsecutiveFailures returns the current failure streak.
func (p *Program) ConsecutiveFailures() int { return p.failures }

// NoteFailure records a failed evaluation and reports whether the failure
// policy says to disable the program.
func (p *Program) NoteFailure() bool {
	p.failures++
	return p.failures >= p.maxFailures
}

// NoteSuccess resets the failure streak.
func (p *Program) NoteSuccess() { p.failures = 0 }

// Enqueue routes an event to the program's queue. Events on subscribed
// (address, kind) pairs are buffered and wake a slow-mode program; all
// others are dropped here. Returns whether the event was queued.
func (p *Program) Enqueue(ev alloy.AddressedEvent) bool {
	f, ok := p.filters[ev.Address]
	if !ok || !f.Matches(ev.Event) {
		return false
	}
	p.queue = append(p.queue, ev)
	p.wake = true
	return true
}

// QueueDepth returns the number of buffered events.
func (p *Program) QueueDepth() int { return len(p.queue) }

// Wake marks the program due on the next tick, independent of its slow-mode
// counter. Used for parameter-change notifications.
func (p *Program) Wake() { p.wake = true }

// Due implements Contributor. A fast program is always due; a slow-mode
// program is due when woken or when it has been skipped for a full period,
// so it runs once every slowPeriod ticks.
func (p *Program) Due() bool {
	if !p.slowMode {
		return true
	}
	return p.wake || p.slowCounter >= p.slowPeriod-1
}

// NoteSkipped implements Contributor.
func (p *Program) NoteSkipped() {
	if p.slowMode {
		p.slowCounter++
	}
}

// SetGlobalsView hands the program its read view for the coming tick.
func (p *Program) SetGlobalsView(view map[string]globals.Value) {
	p.globalsView = view
}

// Evaluate runs the per-tick protocol: refresh the input view, deliver
// queued events and parameter notifications in order, invoke tick if
// enabled, and harvest all write buffers. Any uncaught script error aborts
// the evaluation; the harvest is discarded by the caller.
func (p *Program) Evaluate(ctx TickContext) (h *Harvest, err error) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			h = nil
			err = &ScriptError{
				Type:    ErrorTypeRuntime,
				Program: p.name,
				Message: fmt.Sprintf("panic during evaluation: %v", r),
			}
		}
	}()

	p.resetBuffers()
	p.inputView = p.space.Snapshot(p.inputs)

	if err := p.vm.Set("NOW", ctx.Now.Sub(p.epoch).Seconds()); err != nil {
		return nil, wrapScriptError(p.name, err)
	}
	if err := p.vm.Set("TIME_OF_DAY", ctx.TimeOfDay); err != nil {
		return nil, wrapScriptError(p.name, err)
	}

	events := p.queue
	p.queue = nil
	for _, ev := range events {
		if err := p.dispatchEvent(ev); err != nil {
			return nil, err
		}
	}

	for _, n := range ctx.Notifications {
		if err := p.dispatchNotification(n); err != nil {
			return nil, err
		}
	}

	ran := false
	if p.tickEnabled {
		tick, err := p.fn("tick")
		if err != nil {
			return nil, wrapScriptError(p.name, err)
		}
		if _, err := tick(goja.Undefined(), p.vm.ToValue(ctx.Now.Sub(p.epoch).Seconds())); err != nil {
			return nil, wrapScriptError(p.name, err)
		}
		ran = true
	}

	p.slowCounter = 0
	p.wake = false

	return &Harvest{
		Outputs:      p.outputBuf,
		GlobalDelta:  p.globalDelta,
		EnableDeltas: p.enableDeltas,
		ParamWrites:  p.paramWrites,
		TickRan:      ran,
		Duration:     time.Since(start),
	}, nil
}

func (p *Program) resetBuffers() {
	p.outputBuf = make(map[alloy.Address]alloy.Value)
	p.globalDelta = make(globals.Delta)
	p.enableDeltas = nil
	p.paramWrites = nil
}

func (p *Program) dispatchEvent(ev alloy.AddressedEvent) error {
	for _, h := range p.handlers[ev.Address] {
		if h.kind != ev.Event.Kind {
			continue
		}
		fn, err := p.fn(h.handler)
		if err != nil {
			return wrapScriptError(p.name, err)
		}
		var value goja.Value = goja.Null()
		switch ev.Event.Kind {
		case alloy.EventKindUpdate, alloy.EventKindButtonClicked, alloy.EventKindButtonLongPress:
			value = p.vm.ToValue(ev.Event.Value)
		case alloy.EventKindError:
			value = p.vm.ToValue(ev.Event.Err)
		}
		args := []goja.Value{
			p.vm.ToValue(int(ev.Address)),
			p.vm.ToValue(string(ev.Event.Kind)),
			value,
		}
		if _, err := fn(goja.Undefined(), args...); err != nil {
			return wrapScriptError(p.name, err)
		}
	}
	return nil
}

func (p *Program) dispatchNotification(n params.Notification) error {
	if n.Handler == "" {
		return nil
	}
	fn, err := p.fn(n.Handler)
	if err != nil {
		return wrapScriptError(p.name, err)
	}
	if _, err := fn(goja.Undefined(), p.vm.ToValue(n.Value)); err != nil {
		return wrapScriptError(p.name, err)
	}
	return nil
}

// fn looks up a global function by name.
func (p *Program) fn(name string) (goja.Callable, error) {
	v := p.vm.Get(name)
	if v == nil {
		return nil, fmt.Errorf("no such function: %s", name)
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil, fmt.Errorf("%s is not a function", name)
	}
	return fn, nil
}

// throw raises a JS exception from inside a host callback.
func (p *Program) throw(err error) {
	panic(p.vm.NewGoError(err))
}

func (p *Program) throwf(format string, args ...interface{}) {
	p.throw(fmt.Errorf(format, args...))
}

func (p *Program) requireSetup(fn string) {
	if p.state != stateLoading {
		p.throwf("%s may only be called from setup", fn)
	}
}

func (p *Program) requireRuntime(fn string) {
	if p.state == stateLoading {
		p.throwf("%s may not be called from setup", fn)
	}
}

func coerceValue(v float64) alloy.Value {
	if math.IsNaN(v) {
		return alloy.Low
	}
	v = math.Round(v)
	if v < float64(alloy.Low) {
		return alloy.Low
	}
	if v > float64(alloy.High) {
		return alloy.High
	}
	return alloy.Value(v)
}
