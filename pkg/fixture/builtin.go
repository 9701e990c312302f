package fixture

import (
	"fmt"

	"github.com/mrd0ll4r/kaleidoscope/pkg/address"
	"github.com/mrd0ll4r/kaleidoscope/pkg/alloy"
	"github.com/mrd0ll4r/kaleidoscope/pkg/params"
	"github.com/mrd0ll4r/kaleidoscope/pkg/program"
)

// Builtin program names. EXTERNAL marks the fixture as not controlled by
// this process.
const (
	ProgramOff      = "OFF"
	ProgramOn       = "ON"
	ProgramExternal = "EXTERNAL"
	ProgramManual   = "MANUAL"
)

// constantProgram drives every owned output with a fixed value each tick.
type constantProgram struct {
	name    string
	outputs []alloy.Address
	value   alloy.Value
}

func (c *constantProgram) Name() string             { return c.name }
func (c *constantProgram) Priority() int            { return 0 }
func (c *constantProgram) Outputs() []alloy.Address { return c.outputs }
func (c *constantProgram) Due() bool                { return true }
func (c *constantProgram) NoteSkipped()             {}

func (c *constantProgram) Evaluate(program.TickContext) (*program.Harvest, error) {
	out := make(map[alloy.Address]alloy.Value, len(c.outputs))
	for _, addr := range c.outputs {
		out[addr] = c.value
	}
	return &program.Harvest{Outputs: out, TickRan: true}, nil
}

// externalProgram contributes nothing; the downstream holds or an external
// controller drives the outputs.
type externalProgram struct{}

func (externalProgram) Name() string             { return ProgramExternal }
func (externalProgram) Priority() int            { return 0 }
func (externalProgram) Outputs() []alloy.Address { return nil }
func (externalProgram) Due() bool                { return false }
func (externalProgram) NoteSkipped()             {}

func (externalProgram) Evaluate(program.TickContext) (*program.Harvest, error) {
	return &program.Harvest{Outputs: map[alloy.Address]alloy.Value{}}, nil
}

// manualProgram declares one continuous unit-range parameter per owned
// output and copies the parameter values to the outputs each tick.
type manualProgram struct {
	registryName string
	registry     *params.Registry
	outputs      []address.AliasDecl
}

func newManualProgram(registryName string, registry *params.Registry, outputs []address.AliasDecl) (*manualProgram, error) {
	for _, decl := range outputs {
		err := registry.DeclareContinuous(registryName, decl.Alias,
			fmt.Sprintf("manual value for output %s", decl.Alias), "", 0, 1, 0)
		if err != nil {
			return nil, fmt.Errorf("unable to declare manual parameter: %w", err)
		}
	}
	return &manualProgram{
		registryName: registryName,
		registry:     registry,
		outputs:      outputs,
	}, nil
}

func (m *manualProgram) Name() string  { return ProgramManual }
func (m *manualProgram) Priority() int { return 0 }
func (m *manualProgram) Due() bool     { return true }
func (m *manualProgram) NoteSkipped()  {}

func (m *manualProgram) Outputs() []alloy.Address {
	addrs := make([]alloy.Address, len(m.outputs))
	for i, decl := range m.outputs {
		addrs[i] = decl.Address
	}
	return addrs
}

func (m *manualProgram) Evaluate(program.TickContext) (*program.Harvest, error) {
	out := make(map[alloy.Address]alloy.Value, len(m.outputs))
	for _, decl := range m.outputs {
		v, err := m.registry.GetContinuous(m.registryName, decl.Alias)
		if err != nil {
			return nil, err
		}
		out[decl.Address] = alloy.MapToValue(0, 1, v)
	}
	return &program.Harvest{Outputs: out, TickRan: true}, nil
}
