package params

import (
	"errors"
	"fmt"
)

// Sentinel errors for parameter operations. Callers (the control plane and
// foreign writers) match on these to translate failures into responses; no
// mutation takes place when one is returned.
var (
	ErrUnknownProgram   = errors.New("unknown program")
	ErrUnknownParameter = errors.New("unknown parameter")
	ErrDuplicate        = errors.New("parameter already declared")
	ErrWrongKind        = errors.New("wrong parameter kind")
	ErrOutOfRange       = errors.New("value out of range")
	ErrUnknownLevel     = errors.New("unknown level")
)

func unknownParameter(program, name string) error {
	return fmt.Errorf("%w: %s/%s", ErrUnknownParameter, program, name)
}
