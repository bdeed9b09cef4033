// Package condition compiles and evaluates the named boolean conditions that
// gate conditional relationship tuples. Conditions are CEL expressions over a
// declared set of typed parameters; evaluation is pure and performs no I/O.
package condition

import (
	"fmt"
	"maps"
	"reflect"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common"
	celtypes "github.com/google/cel-go/common/types"
)

var celBaseEnv *cel.Env

func init() {
	env, err := cel.NewEnv(cel.EagerlyValidateDeclarations(true))
	if err != nil {
		panic(fmt.Sprintf("failed to construct CEL base env: %v", err))
	}

	celBaseEnv = env
}

var emptyEvaluationResult = EvaluationResult{}

type EvaluationResult struct {
	ConditionMet      bool
	MissingParameters []string
}

// Condition declares a named boolean CEL expression and its parameter types.
type Condition struct {
	Name       string
	Expression string
	Parameters map[string]ParamType
}

// EvaluableCondition is a Condition that can be evaluated against one or more
// context maps. Calling Evaluate compiles the expression on first use.
type EvaluableCondition struct {
	*Condition

	celEnv      *cel.Env
	celProgram  cel.Program
	compileOnce sync.Once
}

// NewUncompiled returns a new EvaluableCondition that has not validated and
// compiled its expression.
func NewUncompiled(c *Condition) *EvaluableCondition {
	return &EvaluableCondition{Condition: c}
}

// NewCompiled returns a new EvaluableCondition with a validated and compiled
// expression.
func NewCompiled(c *Condition) (*EvaluableCondition, error) {
	compiled := NewUncompiled(c)

	if err := compiled.Compile(); err != nil {
		return nil, err
	}

	return compiled, nil
}

// Compile compiles the condition expression with a CEL environment constructed
// from the condition's parameter type declarations. Safe to call more than
// once; compilation happens at most once.
func (c *EvaluableCondition) Compile() error {
	var compileErr error

	c.compileOnce.Do(func() {
		compileErr = c.compile()
	})

	return compileErr
}

func (c *EvaluableCondition) compile() error {
	var envOpts []cel.EnvOption
	for paramName, paramType := range c.Parameters {
		varType, err := paramType.celType()
		if err != nil {
			return &CompilationError{
				Condition: c.Name,
				Cause:     fmt.Errorf("failed to decode parameter type for parameter '%s': %w", paramName, err),
			}
		}

		envOpts = append(envOpts, cel.Variable(paramName, varType))
	}

	env, err := celBaseEnv.Extend(envOpts...)
	if err != nil {
		return &CompilationError{Condition: c.Name, Cause: err}
	}

	source := common.NewStringSource(c.Expression, c.Name)
	ast, issues := env.CompileSource(source)
	if issues != nil {
		if err := issues.Err(); err != nil {
			return &CompilationError{Condition: c.Name, Cause: err}
		}
	}

	prg, err := env.Program(ast, cel.EvalOptions(cel.OptPartialEval))
	if err != nil {
		return &CompilationError{
			Condition: c.Name,
			Cause:     fmt.Errorf("condition expression construction: %w", err),
		}
	}

	if !reflect.DeepEqual(ast.OutputType(), cel.BoolType) {
		return &CompilationError{
			Condition: c.Name,
			Cause:     fmt.Errorf("expected a bool condition expression output, but got '%s'", ast.OutputType()),
		}
	}

	c.celEnv = env
	c.celProgram = prg
	return nil
}

// CastContextToTypedParameters converts the provided context to typed condition
// parameters. Context keys that are not declared parameters are ignored; a
// declared parameter whose value does not coerce yields a ParameterTypeError.
func (c *EvaluableCondition) CastContextToTypedParameters(contextMap map[string]any) (map[string]any, error) {
	if len(contextMap) == 0 {
		return nil, nil
	}

	if len(c.Parameters) == 0 {
		return nil, &ParameterTypeError{
			Condition: c.Name,
			Cause:     fmt.Errorf("no parameters defined for the condition"),
		}
	}

	converted := make(map[string]any, len(contextMap))

	for key, value := range contextMap {
		paramType, ok := c.Parameters[key]
		if !ok {
			continue
		}

		convertedParam, err := paramType.convertValue(value)
		if err != nil {
			return nil, &ParameterTypeError{
				Condition: c.Name,
				Cause:     fmt.Errorf("failed to convert context parameter '%s': %w", key, err),
			}
		}

		converted[key] = convertedParam
	}

	return converted, nil
}

// Evaluate evaluates the condition expression against the provided context
// map(s). If overlapping keys are provided across maps, the last map wins.
// Declared parameters absent from the context are reported in
// MissingParameters with ConditionMet false rather than failing evaluation.
func (c *EvaluableCondition) Evaluate(contextMaps ...map[string]any) (EvaluationResult, error) {
	if err := c.Compile(); err != nil {
		return emptyEvaluationResult, fmt.Errorf("%w: %w", ErrEvaluationFailed, &EvaluationError{
			Condition: c.Name,
			Cause:     err,
		})
	}

	clonedMap := map[string]any{}
	for _, contextMap := range contextMaps {
		maps.Copy(clonedMap, contextMap)
	}

	typedParams, err := c.CastContextToTypedParameters(clonedMap)
	if err != nil {
		return emptyEvaluationResult, fmt.Errorf("%w: %w", ErrEvaluationFailed, err)
	}

	activation, err := c.celEnv.PartialVars(typedParams)
	if err != nil {
		return emptyEvaluationResult, fmt.Errorf("%w: %w", ErrEvaluationFailed, &EvaluationError{
			Condition: c.Name,
			Cause:     fmt.Errorf("failed to construct condition partial vars: %v", err),
		})
	}

	var missingParameters []string
	for key := range c.Parameters {
		if _, ok := activation.ResolveName(key); ok {
			continue
		}

		missingParameters = append(missingParameters, key)
	}

	out, _, err := c.celProgram.Eval(activation)
	if err != nil {
		return emptyEvaluationResult, NewEvaluationError(
			c.Name,
			fmt.Errorf("failed to evaluate condition expression: %v", err),
		)
	}

	if celtypes.IsUnknown(out) {
		return EvaluationResult{
			ConditionMet:      false,
			MissingParameters: missingParameters,
		}, nil
	}

	conditionMetVal, err := out.ConvertToNative(reflect.TypeOf(false))
	if err != nil {
		return emptyEvaluationResult, NewEvaluationError(
			c.Name,
			fmt.Errorf("failed to convert condition output to bool: %v", err),
		)
	}

	conditionMet, ok := conditionMetVal.(bool)
	if !ok {
		return emptyEvaluationResult, NewEvaluationError(
			c.Name,
			fmt.Errorf("expected CEL type conversion to return native Go bool"),
		)
	}

	return EvaluationResult{
		ConditionMet:      conditionMet,
		MissingParameters: missingParameters,
	}, nil
}
