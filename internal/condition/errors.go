package condition

import (
	"errors"
	"fmt"
)

var ErrEvaluationFailed = errors.New("failed to evaluate relationship condition")

// MissingParametersError is returned when a condition requires context
// parameters the request did not supply. Distinct from an unmet condition:
// the caller could not have been evaluated at all.
type MissingParametersError struct {
	Condition         string
	MissingParameters []string
}

func (e *MissingParametersError) Error() string {
	return fmt.Sprintf("condition '%s' is missing context parameters %v", e.Condition, e.MissingParameters)
}

func (e *MissingParametersError) Is(target error) bool {
	_, ok := target.(*MissingParametersError)
	return ok
}

// CompilationError is returned when a condition expression or its parameter
// type declarations fail to compile.
type CompilationError struct {
	Condition string
	Cause     error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("failed to compile expression on condition '%s': %v", e.Condition, e.Cause)
}

func (e *CompilationError) Unwrap() error {
	return e.Cause
}

func (e *CompilationError) Is(target error) bool {
	_, ok := target.(*CompilationError)
	return ok
}

// EvaluationError is returned when a compiled condition fails at evaluation time.
type EvaluationError struct {
	Condition string
	Cause     error
}

func NewEvaluationError(condition string, cause error) *EvaluationError {
	return &EvaluationError{Condition: condition, Cause: cause}
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("failed to evaluate relationship condition '%s': %v", e.Condition, e.Cause)
}

func (e *EvaluationError) Unwrap() error {
	return e.Cause
}

func (e *EvaluationError) Is(target error) bool {
	_, ok := target.(*EvaluationError)
	return ok
}

// ParameterTypeError is returned when a context value does not match the
// condition's declared parameter type.
type ParameterTypeError struct {
	Condition string
	Cause     error
}

func (e *ParameterTypeError) Error() string {
	return fmt.Sprintf("parameter type error on condition '%s': %v", e.Condition, e.Cause)
}

func (e *ParameterTypeError) Unwrap() error {
	return e.Cause
}

func (e *ParameterTypeError) Is(target error) bool {
	_, ok := target.(*ParameterTypeError)
	return ok
}
