package globals

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestReconcileLastWins(t *testing.T) {
	s := NewStore(zap.NewNop())

	// Deltas arrive in deterministic program order; the last one wins.
	s.Reconcile([]Delta{
		{"k": Int(1)},
		{"k": Int(2), "other": String("x")},
	})

	assert.Equal(t, Int(2), s.Get("k"))
	assert.Equal(t, String("x"), s.Get("other"))
}

func TestSnapshotIsCopy(t *testing.T) {
	s := NewStore(zap.NewNop())
	s.Reconcile([]Delta{{"k": Int(1)}})

	snap := s.Snapshot()
	s.Reconcile([]Delta{{"k": Int(2)}})

	assert.Equal(t, Int(1), snap["k"])
	assert.Equal(t, Int(2), s.Get("k"))
}

func TestTypeChangingOverwrite(t *testing.T) {
	s := NewStore(zap.NewNop())
	s.Reconcile([]Delta{{"k": Int(1)}})
	// Permitted, only logged.
	s.Reconcile([]Delta{{"k": String("now a string")}})
	assert.Equal(t, String("now a string"), s.Get("k"))
}

func TestGetMissingIsNil(t *testing.T) {
	s := NewStore(zap.NewNop())
	assert.Equal(t, Nil(), s.Get("missing"))
}

func TestFromExported(t *testing.T) {
	tests := []struct {
		name     string
		input    interface{}
		expected Value
		wantErr  bool
	}{
		{"nil", nil, Nil(), false},
		{"bool", true, Bool(true), false},
		{"int", int64(7), Int(7), false},
		{"float", 1.5, Float(1.5), false},
		{"string", "s", String("s"), false},
		{"unsupported", []int{1}, Value{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := FromExported(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, v)
		})
	}
}

func TestExportRoundTrip(t *testing.T) {
	for _, v := range []Value{Nil(), Bool(true), Int(3), Float(2.5), String("x")} {
		got, err := FromExported(v.Export())
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}
