package program

import (
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/mrd0ll4r/kaleidoscope/pkg/alloy"
	"github.com/mrd0ll4r/kaleidoscope/pkg/globals"
	"github.com/mrd0ll4r/kaleidoscope/pkg/params"
)

// installAPI registers the script-visible constants and functions. Setup
// functions validate they run during load, runtime functions validate the
// opposite, so a script cannot declare outputs from tick or write outputs
// from setup.
func (p *Program) installAPI() error {
	vm := p.vm

	constants := map[string]interface{}{
		"LOW":          int(alloy.Low),
		"HIGH":         int(alloy.High),
		"PROGRAM_NAME": p.name,
		"START":        0.0,
		"NOW":          0.0,
		"TIME_OF_DAY":  0.0,
	}
	for name, v := range constants {
		if err := vm.Set(name, v); err != nil {
			return fmt.Errorf("unable to set %s: %w", name, err)
		}
	}

	fns := map[string]interface{}{
		// Pure helpers.
		"clamp":     alloy.Clamp,
		"lerp":      alloy.Lerp,
		"map_range": alloy.MapRange,
		"map_to_value": func(lower, upper, x float64) int {
			return int(alloy.MapToValue(lower, upper, x))
		},
		"map_from_value": func(lower, upper float64, v int) float64 {
			return alloy.MapFromValue(lower, upper, coerceValue(float64(v)))
		},
		"noise2d": noise2d,
		"noise3d": noise3d,
		"noise4d": noise4d,
		"now": func() float64 {
			return time.Since(p.epoch).Seconds()
		},

		// Resolution, valid in both phases.
		"input_alias_to_address":  p.jsInputAliasToAddress,
		"output_alias_to_address": p.jsOutputAliasToAddress,
		"group_to_addresses":      p.jsGroupToAddresses,

		// Setup surface.
		"set_priority":                 p.jsSetPriority,
		"set_slow_mode":                p.jsSetSlowMode,
		"add_input_alias":              p.jsAddInputAlias,
		"add_output_alias":             p.jsAddOutputAlias,
		"add_output_group":             p.jsAddOutputGroup,
		"add_event_subscription":       p.jsAddEventSubscription,
		"declare_discrete_parameter":   p.jsDeclareDiscreteParameter,
		"declare_continuous_parameter": p.jsDeclareContinuousParameter,

		// Runtime surface.
		"get_alias": p.jsGetAlias,
		"set_alias": p.jsSetAlias,
		"set_group": p.jsSetGroup,

		"get_global": p.jsGetGlobal,
		"set_global": p.jsSetGlobal,

		"get_parameter_value":               p.jsGetParameterValue,
		"set_parameter_value":               p.jsSetParameterValue,
		"increment_parameter_value":         p.jsIncrementParameterValue,
		"get_foreign_parameter_value":       p.jsGetForeignParameterValue,
		"set_foreign_parameter_value":       p.jsSetForeignParameterValue,
		"increment_foreign_parameter_value": p.jsIncrementForeignParameterValue,

		"program_enable":        func(name string) { p.bufferEnable(name, EnableOpEnable) },
		"program_disable":       func(name string) { p.bufferEnable(name, EnableOpDisable) },
		"program_enable_toggle": func(name string) { p.bufferEnable(name, EnableOpToggle) },

		"enable_tick":  func() { p.tickEnabled = true },
		"disable_tick": func() { p.tickEnabled = false },
	}
	for name, fn := range fns {
		if err := vm.Set(name, fn); err != nil {
			return fmt.Errorf("unable to set %s: %w", name, err)
		}
	}

	return nil
}

func (p *Program) jsInputAliasToAddress(alias string) int {
	addr, err := p.space.ResolveInput(alias)
	if err != nil {
		p.throw(err)
	}
	return int(addr)
}

func (p *Program) jsOutputAliasToAddress(alias string) int {
	addr, err := p.space.ResolveOutput(alias)
	if err != nil {
		p.throw(err)
	}
	return int(addr)
}

func (p *Program) jsGroupToAddresses(name string) []int {
	addrs, err := p.space.ResolveGroup(name)
	if err != nil {
		p.throw(err)
	}
	out := make([]int, len(addrs))
	for i, a := range addrs {
		out[i] = int(a)
	}
	return out
}

func (p *Program) jsSetPriority(prio int) {
	p.requireSetup("set_priority")
	if prio < minPriority || prio > maxPriority {
		p.throwf("priority must be in [%d, %d], got %d", minPriority, maxPriority, prio)
	}
	p.priority = prio
}

func (p *Program) jsSetSlowMode(slow bool) {
	p.requireSetup("set_slow_mode")
	p.slowMode = slow
}

func (p *Program) jsAddInputAlias(alias string) {
	p.requireSetup("add_input_alias")
	addr, err := p.space.ResolveInput(alias)
	if err != nil {
		p.throw(err)
	}
	if !p.inputSet[addr] {
		p.inputSet[addr] = true
		p.inputs = append(p.inputs, addr)
	}
}

func (p *Program) jsAddOutputAlias(alias string) {
	p.requireSetup("add_output_alias")
	addr, err := p.space.ResolveOutput(alias)
	if err != nil {
		p.throw(err)
	}
	p.addOutput(addr)
}

func (p *Program) jsAddOutputGroup(group string) {
	p.requireSetup("add_output_group")
	addrs, err := p.space.ResolveGroup(group)
	if err != nil {
		p.throw(err)
	}
	for _, addr := range addrs {
		p.addOutput(addr)
	}
}

func (p *Program) addOutput(addr alloy.Address) {
	if !p.outputSet[addr] {
		p.outputSet[addr] = true
		p.outputs = append(p.outputs, addr)
	}
}

func (p *Program) jsAddEventSubscription(alias, kind, handler string) {
	p.requireSetup("add_event_subscription")
	addr, err := p.space.ResolveInput(alias)
	if err != nil {
		p.throw(err)
	}
	k, err := alloy.ParseEventKind(kind)
	if err != nil {
		p.throw(err)
	}
	if _, err := p.fn(handler); err != nil {
		p.throw(err)
	}
	f, ok := p.filters[addr]
	if !ok {
		f = &alloy.EventFilter{}
		p.filters[addr] = f
	}
	f.Add(k)
	p.handlers[addr] = append(p.handlers[addr], eventHandler{kind: k, handler: handler})
}

func (p *Program) jsDeclareDiscreteParameter(name, description string, levels []map[string]interface{}, initial int64, handler string) {
	p.requireSetup("declare_discrete_parameter")
	if handler != "" {
		if _, err := p.fn(handler); err != nil {
			p.throw(err)
		}
	}
	decl := make([]params.Level, 0, len(levels))
	for _, l := range levels {
		label, ok := l["label"].(string)
		if !ok {
			p.throwf("discrete level needs a string label")
		}
		value, ok := l["value"].(int64)
		if !ok {
			p.throwf("discrete level %q needs an integer value", label)
		}
		decl = append(decl, params.Level{Label: label, Value: value})
	}
	if err := p.registry.DeclareDiscrete(p.name, name, description, handler, decl, initial); err != nil {
		p.throw(err)
	}
}

func (p *Program) jsDeclareContinuousParameter(name, description string, lower, upper, initial float64, handler string) {
	p.requireSetup("declare_continuous_parameter")
	if handler != "" {
		if _, err := p.fn(handler); err != nil {
			p.throw(err)
		}
	}
	if err := p.registry.DeclareContinuous(p.name, name, description, handler, lower, upper, initial); err != nil {
		p.throw(err)
	}
}

func (p *Program) jsGetAlias(alias string) goja.Value {
	p.requireRuntime("get_alias")
	addr, err := p.space.ResolveInput(alias)
	if err != nil {
		p.throw(err)
	}
	if !p.inputSet[addr] {
		p.throwf("alias %q was not declared as an input", alias)
	}
	v, ok := p.inputView[addr]
	if !ok {
		return goja.Null()
	}
	return p.vm.ToValue(int(v))
}

func (p *Program) jsSetAlias(alias string, value float64) {
	p.requireRuntime("set_alias")
	addr, err := p.space.ResolveOutput(alias)
	if err != nil {
		p.throw(err)
	}
	p.writeOutput(addr, value)
}

func (p *Program) jsSetGroup(group string, value float64) {
	p.requireRuntime("set_group")
	addrs, err := p.space.ResolveGroup(group)
	if err != nil {
		p.throw(err)
	}
	for _, addr := range addrs {
		p.writeOutput(addr, value)
	}
}

func (p *Program) writeOutput(addr alloy.Address, value float64) {
	if !p.outputSet[addr] {
		p.throwf("address %d was not declared as an output", addr)
	}
	p.outputBuf[addr] = coerceValue(value)
}

func (p *Program) jsGetGlobal(key string) goja.Value {
	p.requireRuntime("get_global")
	// Reads observe the program's own writes from this tick; other
	// programs' writes become visible after the next reconciliation.
	if v, ok := p.globalDelta[key]; ok {
		return p.vm.ToValue(v.Export())
	}
	if v, ok := p.globalsView[key]; ok {
		return p.vm.ToValue(v.Export())
	}
	return goja.Null()
}

func (p *Program) jsSetGlobal(key string, value goja.Value) {
	p.requireRuntime("set_global")
	v, err := globals.FromExported(value.Export())
	if err != nil {
		p.throw(err)
	}
	p.globalDelta[key] = v
}

func (p *Program) jsGetParameterValue(name string) goja.Value {
	p.requireRuntime("get_parameter_value")
	return p.paramValue(p.name, name)
}

func (p *Program) jsGetForeignParameterValue(program, name string) goja.Value {
	p.requireRuntime("get_foreign_parameter_value")
	return p.paramValue(program, name)
}

func (p *Program) paramValue(program, name string) goja.Value {
	info, err := p.registry.DescribeOne(program, name)
	if err != nil {
		p.throw(err)
	}
	return p.vm.ToValue(info.Current)
}

func (p *Program) jsSetParameterValue(name string, value float64) {
	p.requireRuntime("set_parameter_value")
	p.paramWrites = append(p.paramWrites, ParamWrite{
		Program: p.name, Parameter: name, Value: value,
	})
}

func (p *Program) jsSetForeignParameterValue(program, name string, value float64) {
	p.requireRuntime("set_foreign_parameter_value")
	p.paramWrites = append(p.paramWrites, ParamWrite{
		Program: program, Parameter: name, Value: value,
	})
}

func (p *Program) jsIncrementParameterValue(name string, delta int64) {
	p.requireRuntime("increment_parameter_value")
	p.paramWrites = append(p.paramWrites, ParamWrite{
		Program: p.name, Parameter: name, Increment: true, Delta: delta,
	})
}

func (p *Program) jsIncrementForeignParameterValue(program, name string, delta int64) {
	p.requireRuntime("increment_foreign_parameter_value")
	p.paramWrites = append(p.paramWrites, ParamWrite{
		Program: program, Parameter: name, Increment: true, Delta: delta,
	})
}

func (p *Program) bufferEnable(name string, op EnableOp) {
	p.requireRuntime("program_enable")
	p.enableDeltas = append(p.enableDeltas, EnableDelta{Program: name, Op: op})
}
