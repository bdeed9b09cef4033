// Package errors defines the stable error taxonomy surfaced by the server
// API and maps internal errors onto it. Callers branch on these sentinels
// with errors.Is.
package errors

import (
	"context"
	"errors"
	"fmt"

	"github.com/permgraph/permgraph/internal/condition"
	"github.com/permgraph/permgraph/internal/graph"
	"github.com/permgraph/permgraph/pkg/storage"
	"github.com/permgraph/permgraph/pkg/tuple"
	"github.com/permgraph/permgraph/pkg/typesystem"
)

var (
	// ErrValidation covers malformed tuples and requests that reference
	// subjects or objects outside the model's type restrictions.
	ErrValidation = errors.New("request failed validation")

	// ErrUnknownType is returned when a request names an object type the
	// authorization model does not define.
	ErrUnknownType = errors.New("unknown object type")

	// ErrUnknownRelation is returned when a request names a relation the
	// authorization model does not define on the target type.
	ErrUnknownRelation = errors.New("unknown relation")

	// ErrModelNotFound is returned when no authorization model matches the
	// requested ID, or no model has been written yet.
	ErrModelNotFound = errors.New("authorization model not found")

	// ErrMissingContextKey is returned when a condition references a
	// parameter that neither the tuple nor the request context supplies.
	ErrMissingContextKey = errors.New("missing context key for condition evaluation")

	// ErrTypeMismatch is returned when a supplied context value cannot be
	// coerced to the condition parameter's declared type.
	ErrTypeMismatch = errors.New("context value does not match the declared parameter type")

	// ErrEvaluationCycle is returned when a check re-enters a node already
	// on the active evaluation path.
	ErrEvaluationCycle = errors.New("evaluation produced a cycle")

	// ErrDepthExceeded is returned when a check exhausts its resolution
	// depth budget.
	ErrDepthExceeded = errors.New("resolution depth exceeded")

	// ErrDeadlineExceeded is returned when the request context's deadline
	// elapses mid-evaluation.
	ErrDeadlineExceeded = errors.New("request deadline exceeded")

	// ErrStoreUnavailable is returned when the datastore cannot serve the
	// request.
	ErrStoreUnavailable = errors.New("storage unavailable")
)

// HandleError translates internal errors into the server taxonomy. The cause
// stays on the chain, so both the sentinel and the underlying error remain
// visible to errors.Is and errors.As. Errors with no mapping are returned
// as-is.
func HandleError(err error) error {
	if err == nil {
		return nil
	}

	var missingParams *condition.MissingParametersError
	var paramType *condition.ParameterTypeError
	var typeNotFound *tuple.TypeNotFoundError
	var relationNotFound *tuple.RelationNotFoundError
	var invalidTuple *tuple.InvalidTupleError

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrDeadlineExceeded, err)
	case errors.Is(err, graph.ErrResolutionDepthExceeded):
		return fmt.Errorf("%w: %w", ErrDepthExceeded, err)
	case errors.Is(err, graph.ErrCycleDetected):
		return fmt.Errorf("%w: %w", ErrEvaluationCycle, err)
	case errors.As(err, &missingParams):
		return fmt.Errorf("%w: %w", ErrMissingContextKey, err)
	case errors.As(err, &paramType):
		return fmt.Errorf("%w: %w", ErrTypeMismatch, err)
	case errors.As(err, &typeNotFound), errors.Is(err, typesystem.ErrObjectTypeUndefined):
		return fmt.Errorf("%w: %w", ErrUnknownType, err)
	case errors.As(err, &relationNotFound), errors.Is(err, typesystem.ErrRelationUndefined):
		return fmt.Errorf("%w: %w", ErrUnknownRelation, err)
	case errors.As(err, &invalidTuple):
		return fmt.Errorf("%w: %w", ErrValidation, err)
	case errors.Is(err, typesystem.ErrModelNotFound),
		errors.Is(err, storage.ErrLatestAuthorizationModelNotFound):
		return fmt.Errorf("%w: %w", ErrModelNotFound, err)
	case errors.Is(err, storage.ErrStoreUnavailable):
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	default:
		return err
	}
}

// ValidationError wraps err under ErrValidation, preserving the cause for
// errors.Is inspection.
func ValidationError(err error) error {
	return fmt.Errorf("%w: %w", ErrValidation, err)
}
