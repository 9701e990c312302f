// Package fixture implements fixtures: disjoint bundles of output addresses
// with a named catalog of programs, of which exactly one is active at any
// moment. Builtin OFF/ON/EXTERNAL/MANUAL programs are synthesized unless
// disabled.
package fixture

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/mrd0ll4r/kaleidoscope/pkg/address"
	"github.com/mrd0ll4r/kaleidoscope/pkg/alloy"
	"github.com/mrd0ll4r/kaleidoscope/pkg/params"
	"github.com/mrd0ll4r/kaleidoscope/pkg/program"
)

// ProgramSource names a scripted program and its source file, relative to
// the fixture file's directory.
type ProgramSource struct {
	Name string
	Path string
}

// Options configures a fixture load.
type Options struct {
	// Name is the fixture's unique name.
	Name string
	// Outputs are the owned output aliases.
	Outputs []string
	// Programs are the scripted programs, in catalog order.
	Programs []ProgramSource
	// BaseDir is the directory program paths are resolved against.
	BaseDir string

	DisableBuiltinPrograms bool
	DisableManualProgram   bool

	Space    *address.Space
	Registry *params.Registry
	Logger   *zap.Logger

	MaxFailures    int
	SlowModePeriod int
}

type entry struct {
	name        string
	builtin     bool
	contributor program.Contributor
}

// Fixture is one loaded fixture. It is owned by the engine; methods are only
// called from the scheduler goroutine.
type Fixture struct {
	name      string
	logger    *zap.Logger
	addresses []alloy.Address
	addrSet   map[alloy.Address]bool
	programs  []entry
	active    int
}

// Load builds a fixture from its declaration: resolves the owned outputs,
// synthesizes builtins, and loads the scripted programs. Program setup
// errors are fatal for the fixture.
func Load(opts Options) (*Fixture, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("fixture name must not be empty")
	}
	if len(opts.Outputs) == 0 {
		return nil, fmt.Errorf("fixture %s owns no outputs", opts.Name)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	f := &Fixture{
		name:    opts.Name,
		logger:  opts.Logger.With(zap.String("fixture", opts.Name)),
		addrSet: make(map[alloy.Address]bool),
	}

	decls := make([]address.AliasDecl, 0, len(opts.Outputs))
	for _, alias := range opts.Outputs {
		addr, err := opts.Space.ResolveOutput(alias)
		if err != nil {
			return nil, fmt.Errorf("fixture %s: %w", opts.Name, err)
		}
		if f.addrSet[addr] {
			return nil, fmt.Errorf("fixture %s: duplicate output %s", opts.Name, alias)
		}
		f.addrSet[addr] = true
		f.addresses = append(f.addresses, addr)
		decls = append(decls, address.AliasDecl{Alias: alias, Address: addr})
	}

	if !opts.DisableBuiltinPrograms {
		f.programs = append(f.programs,
			entry{name: ProgramOff, builtin: true, contributor: &constantProgram{
				name: ProgramOff, outputs: f.addresses, value: alloy.Low,
			}},
			entry{name: ProgramOn, builtin: true, contributor: &constantProgram{
				name: ProgramOn, outputs: f.addresses, value: alloy.High,
			}},
		)
	}
	f.programs = append(f.programs, entry{
		name: ProgramExternal, builtin: true, contributor: externalProgram{},
	})
	if !opts.DisableManualProgram {
		manual, err := newManualProgram(f.registryName(ProgramManual), opts.Registry, decls)
		if err != nil {
			return nil, fmt.Errorf("fixture %s: %w", opts.Name, err)
		}
		f.programs = append(f.programs, entry{name: ProgramManual, builtin: true, contributor: manual})
	}

	for _, src := range opts.Programs {
		if f.lookup(src.Name) >= 0 {
			return nil, fmt.Errorf("fixture %s: duplicate program name %s", opts.Name, src.Name)
		}
		path := filepath.Join(opts.BaseDir, src.Path)
		source, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("fixture %s: unable to read program %s: %w", opts.Name, src.Name, err)
		}
		p, err := program.Load(program.Config{
			Name:           f.registryName(src.Name),
			Source:         string(source),
			SourceName:     filepath.Base(path),
			Space:          opts.Space,
			Registry:       opts.Registry,
			Logger:         opts.Logger,
			MaxFailures:    opts.MaxFailures,
			SlowModePeriod: opts.SlowModePeriod,
		})
		if err != nil {
			return nil, fmt.Errorf("fixture %s: unable to load program %s: %w", opts.Name, src.Name, err)
		}
		for _, addr := range p.Outputs() {
			if !f.addrSet[addr] {
				return nil, fmt.Errorf("fixture %s: program %s declares output %d outside the fixture",
					opts.Name, src.Name, addr)
			}
		}
		f.programs = append(f.programs, entry{name: src.Name, contributor: p})
	}

	if len(f.programs) == 0 {
		return nil, fmt.Errorf("fixture %s: no programs defined and builtins disabled", opts.Name)
	}

	// The first catalog entry starts active.
	f.activate(0)

	return f, nil
}

// registryName namespaces a program within the fixture. Parameter access and
// enable deltas address fixture programs as "fixture/program".
func (f *Fixture) registryName(programName string) string {
	return f.name + "/" + programName
}

// RegistryName exposes the namespaced name for one of the fixture's
// programs, without checking existence.
func (f *Fixture) RegistryName(programName string) string {
	return f.registryName(programName)
}

// Name returns the fixture name.
func (f *Fixture) Name() string { return f.name }

// Addresses returns the owned output addresses.
func (f *Fixture) Addresses() []alloy.Address { return f.addresses }

// ProgramNames returns the catalog in order.
func (f *Fixture) ProgramNames() []string {
	names := make([]string, len(f.programs))
	for i, e := range f.programs {
		names[i] = e.name
	}
	return names
}

// ActiveName returns the active program's catalog name.
func (f *Fixture) ActiveName() string { return f.programs[f.active].name }

// ActiveContributor returns the active program for arbitration.
func (f *Fixture) ActiveContributor() program.Contributor {
	return f.programs[f.active].contributor
}

// ScriptedPrograms returns all scripted programs in the catalog, active or
// not, keyed by their namespaced name.
func (f *Fixture) ScriptedPrograms() map[string]*program.Program {
	out := make(map[string]*program.Program)
	for _, e := range f.programs {
		if p, ok := e.contributor.(*program.Program); ok {
			out[f.registryName(e.name)] = p
		}
	}
	return out
}

func (f *Fixture) lookup(name string) int {
	for i, e := range f.programs {
		if e.name == name {
			return i
		}
	}
	return -1
}

// SetActive switches the active program by name. Applied at a tick boundary;
// the outgoing program's outputs are simply absent from the next tick on,
// letting the new program (or the downstream hold) take over.
func (f *Fixture) SetActive(name string) error {
	idx := f.lookup(name)
	if idx < 0 {
		return fmt.Errorf("fixture %s: no such program: %s", f.name, name)
	}
	f.switchTo(idx)
	return nil
}

// CycleActive advances to the next program in catalog order, skipping MANUAL
// and EXTERNAL, and returns the new active name.
func (f *Fixture) CycleActive() (string, error) {
	next := (f.active + 1) % len(f.programs)
	for steps := 0; f.programs[next].name == ProgramManual || f.programs[next].name == ProgramExternal; steps++ {
		if steps >= len(f.programs) {
			return "", fmt.Errorf("fixture %s: no cycleable programs", f.name)
		}
		next = (next + 1) % len(f.programs)
	}
	f.switchTo(next)
	return f.programs[next].name, nil
}

func (f *Fixture) switchTo(idx int) {
	if idx == f.active {
		// Re-selecting still resets the program, matching builtin
		// re-assert semantics.
		f.activate(idx)
		return
	}
	if p, ok := f.programs[f.active].contributor.(*program.Program); ok {
		p.SetEnabled(false)
	}
	f.active = idx
	f.activate(idx)
	f.logger.Info("active program switched", zap.String("program", f.programs[idx].name))
}

func (f *Fixture) activate(idx int) {
	if p, ok := f.programs[idx].contributor.(*program.Program); ok {
		p.SetEnabled(true)
	}
}

// Info is the fixture metadata served by the control plane.
type Info struct {
	Name          string   `json:"name"`
	ActiveProgram string   `json:"active_program"`
	Programs      []string `json:"programs"`
	OutputAliases []string `json:"output_aliases"`
}

// ProgramInfo is the per-program metadata served by the control plane.
type ProgramInfo struct {
	Name       string        `json:"name"`
	Builtin    bool          `json:"builtin"`
	Active     bool          `json:"active"`
	Priority   int           `json:"priority"`
	SlowMode   bool          `json:"slow_mode,omitempty"`
	Parameters []params.Info `json:"parameters"`
}

// Info returns the fixture metadata.
func (f *Fixture) Info(outputAliases []string) Info {
	return Info{
		Name:          f.name,
		ActiveProgram: f.ActiveName(),
		Programs:      f.ProgramNames(),
		OutputAliases: outputAliases,
	}
}

// ProgramInfo returns metadata for one catalog program.
func (f *Fixture) ProgramInfo(name string, registry *params.Registry) (ProgramInfo, error) {
	idx := f.lookup(name)
	if idx < 0 {
		return ProgramInfo{}, fmt.Errorf("fixture %s: no such program: %s", f.name, name)
	}
	e := f.programs[idx]
	info := ProgramInfo{
		Name:       e.name,
		Builtin:    e.builtin,
		Active:     idx == f.active,
		Priority:   e.contributor.Priority(),
		Parameters: registry.Describe(f.registryName(e.name)),
	}
	if p, ok := e.contributor.(*program.Program); ok {
		info.SlowMode = p.SlowMode()
	}
	if info.Parameters == nil {
		info.Parameters = []params.Info{}
	}
	return info, nil
}
