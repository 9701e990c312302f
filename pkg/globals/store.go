// Package globals implements the cross-program scalar map. Programs write
// through per-tick deltas which the scheduler reconciles at the next tick
// boundary, so a write made during tick N is visible to every program in
// tick N+1 and never sooner.
package globals

import (
	"fmt"

	"go.uber.org/zap"
)

// Kind tags the scalar union.
type Kind uint8

const (
	KindNil Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
)

// Value is one scalar global. The zero value is nil.
type Value struct {
	Kind Kind
	B    bool
	I    int64
	F    float64
	S    string
}

// Nil, Bool, Int, Float and String construct tagged values.
func Nil() Value            { return Value{} }
func Bool(b bool) Value     { return Value{Kind: KindBool, B: b} }
func Int(i int64) Value     { return Value{Kind: KindInt, I: i} }
func Float(f float64) Value { return Value{Kind: KindFloat, F: f} }
func String(s string) Value { return Value{Kind: KindString, S: s} }

// Export converts the value to its natural Go representation, suitable for
// handing to a script engine.
func (v Value) Export() interface{} {
	switch v.Kind {
	case KindBool:
		return v.B
	case KindInt:
		return v.I
	case KindFloat:
		return v.F
	case KindString:
		return v.S
	default:
		return nil
	}
}

// FromExported converts a value received from script space. Integral floats
// stay floats; scripts that want integer globals write integers.
func FromExported(x interface{}) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Nil(), nil
	case bool:
		return Bool(t), nil
	case int64:
		return Int(t), nil
	case float64:
		return Float(t), nil
	case string:
		return String(t), nil
	default:
		return Value{}, fmt.Errorf("unsupported global type %T", x)
	}
}

// Delta is one program's pending writes for the current tick.
type Delta map[string]Value

// Store holds the authoritative global map. It is owned by the scheduler
// goroutine: Reconcile runs single-threadedly at the tick boundary, and
// programs only ever see read-only snapshots.
type Store struct {
	values map[string]Value
	logger *zap.Logger
}

// NewStore creates an empty store.
func NewStore(logger *zap.Logger) *Store {
	return &Store{
		values: make(map[string]Value),
		logger: logger,
	}
}

// Reconcile merges the harvested deltas into the authoritative map. Deltas
// must be passed in a deterministic program order; when several programs
// wrote the same key this tick, the last-reconciled write wins.
func (s *Store) Reconcile(deltas []Delta) {
	for _, d := range deltas {
		for k, v := range d {
			if old, ok := s.values[k]; ok && old.Kind != v.Kind {
				s.logger.Debug("global changed type",
					zap.String("key", k),
					zap.Uint8("from", uint8(old.Kind)),
					zap.Uint8("to", uint8(v.Kind)))
			}
			s.values[k] = v
		}
	}
}

// Snapshot copies the authoritative map for redistribution to programs.
func (s *Store) Snapshot() map[string]Value {
	out := make(map[string]Value, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Get returns the current value of a key, or a nil value.
func (s *Store) Get(key string) Value {
	return s.values[key]
}
