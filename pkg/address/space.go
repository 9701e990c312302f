// Package address implements the authoritative view of the input/output
// address space: alias and group resolution, and the last-known input value
// per address.
package address

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mrd0ll4r/kaleidoscope/pkg/alloy"
)

// AliasDecl binds an alias to an address, as declared in the universe
// section of the configuration.
type AliasDecl struct {
	Alias   string
	Address alloy.Address
}

// GroupDecl binds a group name to an ordered list of output aliases.
type GroupDecl struct {
	Name    string
	Outputs []string
}

// Space resolves aliases and groups and tracks the last-known value of every
// input address. Resolution tables are immutable after construction; input
// values are updated by the scheduler as update events arrive and read via
// immutable per-tick snapshots.
type Space struct {
	inputs  map[string]alloy.Address
	outputs map[string]alloy.Address
	groups  map[string][]alloy.Address

	mu     sync.RWMutex
	values map[alloy.Address]alloy.Value
	known  map[alloy.Address]bool
}

// NewSpace builds a Space from the configured universe. Output aliases are
// also valid as input aliases, mirroring how the actuator reports its state
// back. Duplicate aliases and groups referencing unknown aliases are
// configuration errors.
func NewSpace(inputs, outputs []AliasDecl, groups []GroupDecl) (*Space, error) {
	s := &Space{
		inputs:  make(map[string]alloy.Address),
		outputs: make(map[string]alloy.Address),
		groups:  make(map[string][]alloy.Address),
		values:  make(map[alloy.Address]alloy.Value),
		known:   make(map[alloy.Address]bool),
	}

	for _, d := range inputs {
		if _, ok := s.inputs[d.Alias]; ok {
			return nil, fmt.Errorf("duplicate input alias: %q", d.Alias)
		}
		s.inputs[d.Alias] = d.Address
		s.known[d.Address] = true
	}
	for _, d := range outputs {
		if _, ok := s.outputs[d.Alias]; ok {
			return nil, fmt.Errorf("duplicate output alias: %q", d.Alias)
		}
		if _, ok := s.inputs[d.Alias]; ok {
			return nil, fmt.Errorf("alias %q declared as both input and output", d.Alias)
		}
		s.outputs[d.Alias] = d.Address
		s.inputs[d.Alias] = d.Address
		s.known[d.Address] = true
	}
	for _, g := range groups {
		if _, ok := s.groups[g.Name]; ok {
			return nil, fmt.Errorf("duplicate group: %q", g.Name)
		}
		if len(g.Outputs) == 0 {
			return nil, fmt.Errorf("group %q has no outputs", g.Name)
		}
		addrs := make([]alloy.Address, 0, len(g.Outputs))
		for _, alias := range g.Outputs {
			addr, ok := s.outputs[alias]
			if !ok {
				return nil, fmt.Errorf("group %q references unknown output alias %q", g.Name, alias)
			}
			addrs = append(addrs, addr)
		}
		s.groups[g.Name] = addrs
	}

	return s, nil
}

// ResolveInput resolves an input alias.
func (s *Space) ResolveInput(alias string) (alloy.Address, error) {
	addr, ok := s.inputs[alias]
	if !ok {
		return 0, fmt.Errorf("unknown input alias: %q", alias)
	}
	return addr, nil
}

// ResolveOutput resolves an output alias.
func (s *Space) ResolveOutput(alias string) (alloy.Address, error) {
	addr, ok := s.outputs[alias]
	if !ok {
		return 0, fmt.Errorf("unknown output alias: %q", alias)
	}
	return addr, nil
}

// ResolveGroup resolves a group name to its ordered addresses. The returned
// slice must not be mutated.
func (s *Space) ResolveGroup(name string) ([]alloy.Address, error) {
	addrs, ok := s.groups[name]
	if !ok {
		return nil, fmt.Errorf("unknown group: %q", name)
	}
	return addrs, nil
}

// OutputAliases returns all output alias declarations, ordered by address.
func (s *Space) OutputAliases() []AliasDecl {
	decls := make([]AliasDecl, 0, len(s.outputs))
	for alias, addr := range s.outputs {
		decls = append(decls, AliasDecl{Alias: alias, Address: addr})
	}
	sort.Slice(decls, func(i, j int) bool { return decls[i].Address < decls[j].Address })
	return decls
}

// CurrentInput returns the last-known value of an input address. Addresses
// that exist but have not reported a value yet return ok=false; addresses
// outside the universe return an error.
func (s *Space) CurrentInput(addr alloy.Address) (alloy.Value, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.known[addr] {
		return 0, false, fmt.Errorf("unknown address: %d", addr)
	}
	v, ok := s.values[addr]
	return v, ok, nil
}

// ApplyUpdate records a new input value. Updates for addresses outside the
// universe are rejected so a misconfigured ingress cannot grow the map.
func (s *Space) ApplyUpdate(addr alloy.Address, v alloy.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.known[addr] {
		return fmt.Errorf("unknown address: %d", addr)
	}
	s.values[addr] = v
	return nil
}

// Snapshot copies the current input values restricted to the given
// addresses. The result is owned by the caller and immutable for the tick.
func (s *Space) Snapshot(addrs []alloy.Address) map[alloy.Address]alloy.Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[alloy.Address]alloy.Value, len(addrs))
	for _, addr := range addrs {
		if v, ok := s.values[addr]; ok {
			out[addr] = v
		}
	}
	return out
}
