package address

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrd0ll4r/kaleidoscope/pkg/alloy"
)

func testSpace(t *testing.T) *Space {
	t.Helper()
	s, err := NewSpace(
		[]AliasDecl{{Alias: "btn0", Address: 1}, {Alias: "temp0", Address: 2}},
		[]AliasDecl{{Alias: "lamp0", Address: 10}, {Alias: "lamp1", Address: 11}},
		[]GroupDecl{{Name: "hallway", Outputs: []string{"lamp0", "lamp1"}}},
	)
	require.NoError(t, err)
	return s
}

func TestResolve(t *testing.T) {
	s := testSpace(t)

	addr, err := s.ResolveInput("btn0")
	require.NoError(t, err)
	assert.Equal(t, alloy.Address(1), addr)

	// Output aliases double as input aliases.
	addr, err = s.ResolveInput("lamp0")
	require.NoError(t, err)
	assert.Equal(t, alloy.Address(10), addr)

	addr, err = s.ResolveOutput("lamp1")
	require.NoError(t, err)
	assert.Equal(t, alloy.Address(11), addr)

	// Inputs are not outputs.
	_, err = s.ResolveOutput("btn0")
	assert.Error(t, err)

	_, err = s.ResolveInput("nope")
	assert.Error(t, err)

	addrs, err := s.ResolveGroup("hallway")
	require.NoError(t, err)
	assert.Equal(t, []alloy.Address{10, 11}, addrs)

	_, err = s.ResolveGroup("nope")
	assert.Error(t, err)
}

func TestNewSpaceRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name    string
		inputs  []AliasDecl
		outputs []AliasDecl
		groups  []GroupDecl
	}{
		{
			name:   "duplicate input alias",
			inputs: []AliasDecl{{Alias: "a", Address: 1}, {Alias: "a", Address: 2}},
		},
		{
			name:    "duplicate output alias",
			outputs: []AliasDecl{{Alias: "a", Address: 1}, {Alias: "a", Address: 2}},
		},
		{
			name:    "alias both input and output",
			inputs:  []AliasDecl{{Alias: "a", Address: 1}},
			outputs: []AliasDecl{{Alias: "a", Address: 2}},
		},
		{
			name:    "group with unknown alias",
			outputs: []AliasDecl{{Alias: "a", Address: 1}},
			groups:  []GroupDecl{{Name: "g", Outputs: []string{"b"}}},
		},
		{
			name:    "group referencing input",
			inputs:  []AliasDecl{{Alias: "in", Address: 1}},
			outputs: []AliasDecl{{Alias: "a", Address: 2}},
			groups:  []GroupDecl{{Name: "g", Outputs: []string{"in"}}},
		},
		{
			name:   "empty group",
			groups: []GroupDecl{{Name: "g"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSpace(tt.inputs, tt.outputs, tt.groups)
			assert.Error(t, err)
		})
	}
}

func TestCurrentInput(t *testing.T) {
	s := testSpace(t)

	// Known address, no value yet.
	_, ok, err := s.CurrentInput(1)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.ApplyUpdate(1, 500))
	v, ok, err := s.CurrentInput(1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, alloy.Value(500), v)

	// Unknown addresses error instead of silently defaulting.
	_, _, err = s.CurrentInput(999)
	assert.Error(t, err)
	assert.Error(t, s.ApplyUpdate(999, 1))
}

func TestSnapshot(t *testing.T) {
	s := testSpace(t)
	require.NoError(t, s.ApplyUpdate(1, 100))
	require.NoError(t, s.ApplyUpdate(2, 200))

	snap := s.Snapshot([]alloy.Address{1})
	assert.Equal(t, map[alloy.Address]alloy.Value{1: 100}, snap)

	// The snapshot is a copy: later updates do not leak in.
	require.NoError(t, s.ApplyUpdate(1, 101))
	assert.Equal(t, alloy.Value(100), snap[1])
}

func TestOutputAliases(t *testing.T) {
	s := testSpace(t)
	decls := s.OutputAliases()
	require.Len(t, decls, 2)
	assert.Equal(t, AliasDecl{Alias: "lamp0", Address: 10}, decls[0])
	assert.Equal(t, AliasDecl{Alias: "lamp1", Address: 11}, decls[1])
}
