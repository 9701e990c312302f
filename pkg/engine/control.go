package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/mrd0ll4r/kaleidoscope/pkg/fixture"
	"github.com/mrd0ll4r/kaleidoscope/pkg/params"
	"github.com/mrd0ll4r/kaleidoscope/pkg/program"
)

// mutation is one queued control-plane operation, applied on the scheduler
// goroutine at the next tick boundary.
type mutation struct {
	apply func() (interface{}, error)
	reply chan mutationResult
}

type mutationResult struct {
	value interface{}
	err   error
}

// do queues fn for execution at the next tick boundary and waits for the
// result. Reads go through the same path so they observe a consistent
// between-ticks state.
func (e *Engine) do(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	m := mutation{apply: fn, reply: make(chan mutationResult, 1)}
	select {
	case e.control <- m:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-m.reply:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) drainControl() {
	for {
		select {
		case m := <-e.control:
			v, err := m.apply()
			m.reply <- mutationResult{value: v, err: err}
		default:
			return
		}
	}
}

func (e *Engine) getFixture(name string) (*fixture.Fixture, error) {
	f, ok := e.fixtureByName[name]
	if !ok {
		return nil, fmt.Errorf("no such fixture: %s", name)
	}
	return f, nil
}

// Fixtures lists all fixtures.
func (e *Engine) Fixtures(ctx context.Context) ([]fixture.Info, error) {
	v, err := e.do(ctx, func() (interface{}, error) {
		infos := make([]fixture.Info, 0, len(e.fixtures))
		for _, f := range e.fixtures {
			infos = append(infos, f.Info(e.fixtureOutputAliases(f)))
		}
		return infos, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]fixture.Info), nil
}

// FixtureInfo returns one fixture's metadata.
func (e *Engine) FixtureInfo(ctx context.Context, name string) (fixture.Info, error) {
	v, err := e.do(ctx, func() (interface{}, error) {
		f, err := e.getFixture(name)
		if err != nil {
			return nil, err
		}
		return f.Info(e.fixtureOutputAliases(f)), nil
	})
	if err != nil {
		return fixture.Info{}, err
	}
	return v.(fixture.Info), nil
}

// ProgramInfos lists a fixture's programs.
func (e *Engine) ProgramInfos(ctx context.Context, fixtureName string) ([]fixture.ProgramInfo, error) {
	v, err := e.do(ctx, func() (interface{}, error) {
		f, err := e.getFixture(fixtureName)
		if err != nil {
			return nil, err
		}
		infos := make([]fixture.ProgramInfo, 0, len(f.ProgramNames()))
		for _, name := range f.ProgramNames() {
			info, err := f.ProgramInfo(name, e.registry)
			if err != nil {
				return nil, err
			}
			infos = append(infos, info)
		}
		return infos, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]fixture.ProgramInfo), nil
}

// ProgramInfo returns one program's metadata.
func (e *Engine) ProgramInfo(ctx context.Context, fixtureName, programName string) (fixture.ProgramInfo, error) {
	v, err := e.do(ctx, func() (interface{}, error) {
		f, err := e.getFixture(fixtureName)
		if err != nil {
			return nil, err
		}
		return f.ProgramInfo(programName, e.registry)
	})
	if err != nil {
		return fixture.ProgramInfo{}, err
	}
	return v.(fixture.ProgramInfo), nil
}

// SetActiveProgram switches a fixture's active program at the next tick
// boundary.
func (e *Engine) SetActiveProgram(ctx context.Context, fixtureName, programName string) error {
	_, err := e.do(ctx, func() (interface{}, error) {
		f, err := e.getFixture(fixtureName)
		if err != nil {
			return nil, err
		}
		if err := f.SetActive(programName); err != nil {
			return nil, err
		}
		if e.state != nil {
			e.state.RecordActiveProgram(fixtureName, programName)
		}
		return nil, nil
	})
	return err
}

// CycleActiveProgram advances a fixture's active program, skipping MANUAL
// and EXTERNAL, and returns the new active name.
func (e *Engine) CycleActiveProgram(ctx context.Context, fixtureName string) (string, error) {
	v, err := e.do(ctx, func() (interface{}, error) {
		f, err := e.getFixture(fixtureName)
		if err != nil {
			return nil, err
		}
		name, err := f.CycleActive()
		if err != nil {
			return nil, err
		}
		if e.state != nil {
			e.state.RecordActiveProgram(fixtureName, name)
		}
		return name, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// ErrEmptySetRequest is returned for a parameter write that specifies no
// value at all.
var ErrEmptySetRequest = errors.New("empty parameter set request")

// ParameterSetRequest is a control-plane parameter write: exactly one of
// Level (discrete, by label), Value (discrete, by value) or Continuous must
// be set.
type ParameterSetRequest struct {
	Level      *string  `json:"level,omitempty"`
	Value      *int64   `json:"value,omitempty"`
	Continuous *float64 `json:"continuous,omitempty"`
}

// SetParameter applies a parameter write at the next tick boundary. Write
// errors (out of range, unknown level) are returned to the caller and leave
// the parameter unchanged.
func (e *Engine) SetParameter(ctx context.Context, fixtureName, programName, parameter string, req ParameterSetRequest) (params.Info, error) {
	v, err := e.do(ctx, func() (interface{}, error) {
		f, err := e.getFixture(fixtureName)
		if err != nil {
			return nil, err
		}
		key := f.RegistryName(programName)
		switch {
		case req.Level != nil:
			err = e.registry.SetDiscreteLevel(key, parameter, *req.Level)
		case req.Value != nil:
			err = e.registry.SetDiscrete(key, parameter, *req.Value)
		case req.Continuous != nil:
			err = e.registry.SetContinuous(key, parameter, *req.Continuous)
		default:
			err = ErrEmptySetRequest
		}
		if err != nil {
			return nil, err
		}
		e.wakeOwner(key)
		info, err := e.registry.DescribeOne(key, parameter)
		if err != nil {
			return nil, err
		}
		if e.state != nil {
			e.state.RecordParameter(key, parameter, info)
		}
		return info, nil
	})
	if err != nil {
		return params.Info{}, err
	}
	return v.(params.Info), nil
}

// CycleParameter advances a discrete parameter by one level, wrapping, and
// returns the parameter's new state.
func (e *Engine) CycleParameter(ctx context.Context, fixtureName, programName, parameter string) (params.Info, error) {
	v, err := e.do(ctx, func() (interface{}, error) {
		f, err := e.getFixture(fixtureName)
		if err != nil {
			return nil, err
		}
		key := f.RegistryName(programName)
		if _, err := e.registry.IncrementDiscrete(key, parameter, 1); err != nil {
			return nil, err
		}
		e.wakeOwner(key)
		info, err := e.registry.DescribeOne(key, parameter)
		if err != nil {
			return nil, err
		}
		if e.state != nil {
			e.state.RecordParameter(key, parameter, info)
		}
		return info, nil
	})
	if err != nil {
		return params.Info{}, err
	}
	return v.(params.Info), nil
}

// Parameters lists a program's parameters. Like the other reads, it runs
// through the control queue at a tick boundary.
func (e *Engine) Parameters(ctx context.Context, fixtureName, programName string) ([]params.Info, error) {
	v, err := e.do(ctx, func() (interface{}, error) {
		f, err := e.getFixture(fixtureName)
		if err != nil {
			return nil, err
		}
		return e.registry.Describe(f.RegistryName(programName)), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]params.Info), nil
}

// Parameter returns one parameter.
func (e *Engine) Parameter(ctx context.Context, fixtureName, programName, parameter string) (params.Info, error) {
	v, err := e.do(ctx, func() (interface{}, error) {
		f, err := e.getFixture(fixtureName)
		if err != nil {
			return nil, err
		}
		return e.registry.DescribeOne(f.RegistryName(programName), parameter)
	})
	if err != nil {
		return params.Info{}, err
	}
	return v.(params.Info), nil
}

// wakeOwner forces a slow-mode owner to run on the tick its parameter
// changed.
func (e *Engine) wakeOwner(programKey string) {
	if p, ok := e.programs[programKey]; ok {
		p.Wake()
	}
}

// applyEnableDeltas applies the enable requests harvested last tick.
func (e *Engine) applyEnableDeltas() {
	for _, d := range e.pendingEnables {
		p, ok := e.programs[d.Program]
		if !ok {
			e.logger.Warn("enable delta for unknown program", zap.String("program", d.Program))
			continue
		}
		switch d.Op {
		case program.EnableOpEnable:
			p.SetEnabled(true)
		case program.EnableOpDisable:
			p.SetEnabled(false)
		case program.EnableOpToggle:
			p.SetEnabled(!p.Enabled())
		}
	}
	e.pendingEnables = nil
}

// applyParamWrites applies the parameter writes harvested last tick. Errors
// are logged; the write was produced asynchronously, so there is no caller
// to return them to.
func (e *Engine) applyParamWrites() {
	for _, w := range e.pendingWrites {
		if err := e.applyParamWrite(w); err != nil {
			e.logger.Warn("parameter write rejected",
				zap.String("program", w.Program),
				zap.String("parameter", w.Parameter),
				zap.Error(err))
			continue
		}
		e.wakeOwner(w.Program)
	}
	e.pendingWrites = nil
}

func (e *Engine) applyParamWrite(w program.ParamWrite) error {
	info, err := e.registry.DescribeOne(w.Program, w.Parameter)
	if err != nil {
		return err
	}
	switch info.Kind {
	case params.KindDiscrete:
		if w.Increment {
			_, err = e.registry.IncrementDiscrete(w.Program, w.Parameter, w.Delta)
			return err
		}
		return e.registry.SetDiscrete(w.Program, w.Parameter, int64(math.Round(w.Value)))
	case params.KindContinuous:
		if w.Increment {
			return fmt.Errorf("%w: cannot increment continuous parameter %s/%s",
				params.ErrWrongKind, w.Program, w.Parameter)
		}
		return e.registry.SetContinuous(w.Program, w.Parameter, w.Value)
	default:
		return fmt.Errorf("unknown parameter kind %q", info.Kind)
	}
}
