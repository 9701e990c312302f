package program

import (
	"fmt"
	"strings"

	"github.com/dop251/goja"
)

// ErrorType categorizes script errors.
type ErrorType string

const (
	ErrorTypeSetup   ErrorType = "setup_error"
	ErrorTypeSyntax  ErrorType = "syntax_error"
	ErrorTypeRuntime ErrorType = "runtime_error"
)

// ScriptError is a structured error raised by a program's script.
type ScriptError struct {
	Type    ErrorType
	Program string
	Message string
}

// Error implements the error interface.
func (e *ScriptError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Program, e.Message)
}

// newSetupError wraps a setup-phase failure.
func newSetupError(program string, err error) *ScriptError {
	return &ScriptError{Type: ErrorTypeSetup, Program: program, Message: err.Error()}
}

// wrapScriptError converts an error returned by goja into a ScriptError.
func wrapScriptError(program string, err error) *ScriptError {
	msg := err.Error()
	typ := ErrorTypeRuntime
	if exc, ok := err.(*goja.Exception); ok {
		msg = exc.Error()
	}
	if strings.Contains(strings.ToLower(msg), "syntaxerror") {
		typ = ErrorTypeSyntax
	}
	return &ScriptError{Type: typ, Program: program, Message: msg}
}
