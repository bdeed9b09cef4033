// Package graph implements the recursive check evaluator: a structural walk
// of a relation's rewrite tree against stored and contextual tuples.
//
// Evaluation is sequential and follows declaration order, so short-circuiting
// is deterministic: the first allowed operand resolves a union, the first
// denied operand resolves an intersection, and a difference evaluates its base
// before its subtrahend. Cycle and depth guards surface as errors distinct
// from a denial.
package graph

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/permgraph/permgraph/internal/condition"
	"github.com/permgraph/permgraph/internal/contextualtuples"
	"github.com/permgraph/permgraph/internal/validation"
	"github.com/permgraph/permgraph/pkg/storage"
	"github.com/permgraph/permgraph/pkg/tuple"
	"github.com/permgraph/permgraph/pkg/typesystem"
)

var tracer = otel.Tracer("permgraph/internal/graph")

// DefaultResolveNodeLimit is the default maximum recursion depth of a single
// check evaluation.
const DefaultResolveNodeLimit = 25

// ResolveCheckRequest is one node of a check evaluation tree.
type ResolveCheckRequest struct {
	TupleKey         *tuple.TupleKey
	ContextualTuples []*tuple.TupleKey
	Context          map[string]any
	VisitedPaths     map[string]struct{}
	Depth            uint32
}

// ResolveCheckResponse is the outcome of a resolved check node.
type ResolveCheckResponse struct {
	Allowed bool
}

func (r *ResolveCheckResponse) GetAllowed() bool {
	if r != nil {
		return r.Allowed
	}
	return false
}

// descend derives the sub-request for a dispatched sub-problem. The visited
// set is cloned so sibling branches do not observe each other's paths.
func (r *ResolveCheckRequest) descend(tupleKey *tuple.TupleKey) *ResolveCheckRequest {
	return &ResolveCheckRequest{
		TupleKey:         tupleKey,
		ContextualTuples: r.ContextualTuples,
		Context:          r.Context,
		VisitedPaths:     maps.Clone(r.VisitedPaths),
		Depth:            r.Depth - 1,
	}
}

// CheckHandlerFunc evaluates one operand of a rewrite expression.
type CheckHandlerFunc func(ctx context.Context) (*ResolveCheckResponse, error)

// LocalChecker evaluates check queries against a RelationshipTupleReader and
// the typesystem attached to the request context.
type LocalChecker struct {
	ds       storage.RelationshipTupleReader
	delegate CheckResolver
}

var _ CheckResolver = (*LocalChecker)(nil)

type LocalCheckerOption func(d *LocalChecker)

// WithDelegate sets the resolver sub-problems are dispatched to. By default a
// LocalChecker dispatches sub-problems to itself.
func WithDelegate(delegate CheckResolver) LocalCheckerOption {
	return func(d *LocalChecker) {
		d.delegate = delegate
	}
}

// NewLocalChecker constructs a LocalChecker that can be used to evaluate a
// check request locally.
func NewLocalChecker(ds storage.RelationshipTupleReader, opts ...LocalCheckerOption) *LocalChecker {
	checker := &LocalChecker{ds: ds}
	checker.delegate = checker

	for _, opt := range opts {
		opt(checker)
	}

	return checker
}

// Close is a noop.
func (c *LocalChecker) Close() {}

// SetDelegate sets the resolver sub-problems are dispatched to.
func (c *LocalChecker) SetDelegate(delegate CheckResolver) {
	c.delegate = delegate
}

func (c *LocalChecker) dispatch(req *ResolveCheckRequest) CheckHandlerFunc {
	return func(ctx context.Context) (*ResolveCheckResponse, error) {
		return c.delegate.ResolveCheck(ctx, req)
	}
}

// ResolveCheck resolves a node out of a tree of evaluations. If the depth of
// the tree has gotten too large, evaluation is aborted and an error is
// returned; re-entering a triple already on the current path fails with
// ErrCycleDetected rather than looping.
func (c *LocalChecker) ResolveCheck(ctx context.Context, req *ResolveCheckRequest) (*ResolveCheckResponse, error) {
	ctx, span := tracer.Start(ctx, "ResolveCheck", trace.WithAttributes(
		attribute.String("tuple_key", tuple.TupleKeyToString(req.TupleKey)),
	))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if req.Depth == 0 {
		return nil, ErrResolutionDepthExceeded
	}

	typesys, ok := typesystem.TypesystemFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("typesystem missing in context")
	}

	object := req.TupleKey.Object
	relation := req.TupleKey.Relation

	objectType, _ := tuple.SplitObject(object)
	rel, err := typesys.GetRelation(objectType, relation)
	if err != nil {
		return nil, err
	}

	pathKey := tuple.TupleKeyToString(req.TupleKey)
	if req.VisitedPaths == nil {
		req.VisitedPaths = map[string]struct{}{}
	}
	if _, visited := req.VisitedPaths[pathKey]; visited {
		return nil, ErrCycleDetected
	}
	req.VisitedPaths[pathKey] = struct{}{}

	return c.checkRewrite(ctx, req, rel.Rewrite)(ctx)
}

// tupleConditionMet evaluates the condition attached to the tuple, if any,
// against the merged request and tuple contexts (the tuple's captured context
// wins on overlap). Missing or mistyped context is an error, not a denial.
func tupleConditionMet(typesys *typesystem.TypeSystem, tk *tuple.TupleKey, requestContext map[string]any) (bool, error) {
	if tk.Condition == nil {
		return true, nil
	}

	evaluableCondition, ok := typesys.GetCondition(tk.Condition.Name)
	if !ok {
		return false, fmt.Errorf("%w: '%s'", typesystem.ErrConditionUndefined, tk.Condition.Name)
	}

	result, err := evaluableCondition.Evaluate(requestContext, tk.Condition.Context)
	if err != nil {
		return false, err
	}

	if len(result.MissingParameters) > 0 {
		return false, &condition.MissingParametersError{
			Condition:         tk.Condition.Name,
			MissingParameters: result.MissingParameters,
		}
	}

	return result.ConditionMet, nil
}

// checkDirect evaluates direct relationships with the provided
// 'object#relation': first an exact tuple lookup for the subject, then the
// userset-subject tuples on the same object relation, each of which requires a
// nested check of the original subject against the referenced userset.
func (c *LocalChecker) checkDirect(parentctx context.Context, req *ResolveCheckRequest) CheckHandlerFunc {
	return func(ctx context.Context) (*ResolveCheckResponse, error) {
		typesys, _ := typesystem.TypesystemFromContext(parentctx)

		ctx, span := tracer.Start(ctx, "checkDirect")
		defer span.End()

		reader := contextualtuples.NewCombinedTupleReader(c.ds, req.ContextualTuples)

		tk := req.TupleKey
		objectType := tuple.GetType(tk.Object)
		relation := tk.Relation

		// directlyRelatedUsersetTypes could be 'user:*' or 'group#member'
		directlyRelatedUsersetTypes, _ := typesys.DirectlyRelatedUsersets(objectType, relation)

		fn1 := func(ctx context.Context) (*ResolveCheckResponse, error) {
			ctx, span := tracer.Start(ctx, "checkDirectUserTuple", trace.WithAttributes(
				attribute.String("tuple_key", tuple.TupleKeyToString(tk)),
			))
			defer span.End()

			// tuples sharing the natural key may differ in condition; any met
			// variant allows, and a condition error surfaces only if none does
			iter, err := reader.Read(ctx, tk)
			if err != nil {
				return nil, err
			}
			defer iter.Stop()

			var conditionErr error
			for {
				t, err := iter.Next(ctx)
				if err != nil {
					if errors.Is(err, storage.ErrIteratorDone) {
						break
					}

					return nil, err
				}

				// filter out tuples the current model no longer admits
				if err := validation.ValidateTuple(typesys, t.Key); err != nil {
					continue
				}

				conditionMet, err := tupleConditionMet(typesys, t.Key, req.Context)
				if err != nil {
					if conditionErr == nil {
						conditionErr = err
					}
					continue
				}

				if conditionMet {
					span.SetAttributes(attribute.Bool("allowed", true))
					return &ResolveCheckResponse{Allowed: true}, nil
				}
			}

			if conditionErr != nil {
				return nil, conditionErr
			}

			return &ResolveCheckResponse{Allowed: false}, nil
		}

		fn2 := func(ctx context.Context) (*ResolveCheckResponse, error) {
			ctx, span := tracer.Start(ctx, "checkDirectUsersetTuples", trace.WithAttributes(
				attribute.String("userset", tuple.ToObjectRelationString(tk.Object, tk.Relation)),
			))
			defer span.End()

			iter, err := reader.ReadUsersetTuples(ctx, storage.ReadUsersetTuplesFilter{
				Object:                      tk.Object,
				Relation:                    tk.Relation,
				AllowedUserTypeRestrictions: directlyRelatedUsersetTypes,
			})
			if err != nil {
				return nil, err
			}
			defer iter.Stop()

			filteredIter := storage.NewFilteredTupleKeyIterator(
				storage.NewTupleKeyIteratorFromTupleIterator(iter),
				validation.FilterInvalidTuples(typesys),
			)
			defer filteredIter.Stop()

			var handlers []CheckHandlerFunc
			for {
				t, err := filteredIter.Next(ctx)
				if err != nil {
					if errors.Is(err, storage.ErrIteratorDone) {
						break
					}

					return nil, err
				}

				conditionMet, err := tupleConditionMet(typesys, t, req.Context)
				if err != nil {
					return nil, err
				}
				if !conditionMet {
					continue
				}

				usersetObject, usersetRelation := tuple.SplitObjectRelation(t.User)

				// a typed wildcard matching the subject's type ends the search
				if tuple.IsTypedWildcard(usersetObject) {
					if tuple.GetType(usersetObject) == tuple.GetType(tk.User) {
						span.SetAttributes(attribute.Bool("allowed", true))
						return &ResolveCheckResponse{Allowed: true}, nil
					}

					continue
				}

				if usersetRelation != "" {
					tupleKey := tuple.NewTupleKey(usersetObject, usersetRelation, tk.User)
					handlers = append(handlers, c.dispatch(req.descend(tupleKey)))
				}
			}

			if len(handlers) == 0 {
				return &ResolveCheckResponse{Allowed: false}, nil
			}

			return c.union(ctx, handlers...)
		}

		var checkFuncs []CheckHandlerFunc

		shouldCheckDirectTuple, _ := typesys.IsDirectlyRelated(
			typesystem.DirectRelationReference(objectType, relation), // target
			subjectReference(tk.User),                                // source
		)

		if shouldCheckDirectTuple {
			checkFuncs = []CheckHandlerFunc{fn1}
		}

		if len(directlyRelatedUsersetTypes) > 0 {
			checkFuncs = append(checkFuncs, fn2)
		}

		return c.union(ctx, checkFuncs...)
	}
}

// subjectReference builds the type-restriction reference for a tuple subject.
func subjectReference(user string) *typesystem.RelationReference {
	if tuple.IsTypedWildcard(user) {
		return typesystem.WildcardRelationReference(tuple.GetType(user))
	}

	userObject, userRelation := tuple.SplitObjectRelation(user)
	return &typesystem.RelationReference{
		Type:     tuple.GetType(userObject),
		Relation: userRelation,
	}
}

// checkComputedUserset evaluates the check request against the rewritten
// relation on the same object.
func (c *LocalChecker) checkComputedUserset(parentctx context.Context, req *ResolveCheckRequest, rewrite *typesystem.ObjectRelation) CheckHandlerFunc {
	return func(ctx context.Context) (*ResolveCheckResponse, error) {
		ctx, span := tracer.Start(ctx, "checkComputedUserset")
		defer span.End()

		rewrittenTupleKey := tuple.NewTupleKey(
			req.TupleKey.Object,
			rewrite.Relation,
			req.TupleKey.User,
		)

		return c.dispatch(req.descend(rewrittenTupleKey))(ctx)
	}
}

// checkTTU looks up all tuples of the target tupleset relation on the provided
// object and for each of them evaluates the computed relation on the tuple's
// subject.
func (c *LocalChecker) checkTTU(parentctx context.Context, req *ResolveCheckRequest, rewrite *typesystem.TupleToUsersetRewrite) CheckHandlerFunc {
	return func(ctx context.Context) (*ResolveCheckResponse, error) {
		typesys, _ := typesystem.TypesystemFromContext(parentctx)

		tuplesetRelation := rewrite.Tupleset.Relation
		computedRelation := rewrite.ComputedUserset.Relation

		tk := req.TupleKey

		ctx, span := tracer.Start(ctx, "checkTTU", trace.WithAttributes(
			attribute.String("tupleset_relation", tuple.ToObjectRelationString(tuple.GetType(tk.Object), tuplesetRelation)),
			attribute.String("computed_relation", computedRelation),
		))
		defer span.End()

		reader := contextualtuples.NewCombinedTupleReader(c.ds, req.ContextualTuples)

		iter, err := reader.Read(ctx, tuple.NewTupleKey(tk.Object, tuplesetRelation, ""))
		if err != nil {
			return nil, err
		}
		defer iter.Stop()

		filteredIter := storage.NewFilteredTupleKeyIterator(
			storage.NewTupleKeyIteratorFromTupleIterator(iter),
			validation.FilterInvalidTuples(typesys),
		)
		defer filteredIter.Stop()

		var handlers []CheckHandlerFunc
		for {
			t, err := filteredIter.Next(ctx)
			if err != nil {
				if errors.Is(err, storage.ErrIteratorDone) {
					break
				}

				return nil, err
			}

			conditionMet, err := tupleConditionMet(typesys, t, req.Context)
			if err != nil {
				return nil, err
			}
			if !conditionMet {
				continue
			}

			userObj, _ := tuple.SplitObjectRelation(t.User)
			if tuple.IsWildcard(userObj) {
				continue
			}

			// skip computed relations undefined on the intermediate object's type
			if _, err := typesys.GetRelation(tuple.GetType(userObj), computedRelation); err != nil {
				if errors.Is(err, typesystem.ErrRelationUndefined) || errors.Is(err, typesystem.ErrObjectTypeUndefined) {
					continue
				}

				return nil, err
			}

			tupleKey := tuple.NewTupleKey(userObj, computedRelation, tk.User)
			handlers = append(handlers, c.dispatch(req.descend(tupleKey)))
		}

		if len(handlers) == 0 {
			return &ResolveCheckResponse{Allowed: false}, nil
		}

		return c.union(ctx, handlers...)
	}
}

// union evaluates the handlers in declaration order and resolves to allowed on
// the first allowed outcome. A handler error is remembered and surfaced only
// if no later handler resolves to allowed.
func (c *LocalChecker) union(ctx context.Context, handlers ...CheckHandlerFunc) (*ResolveCheckResponse, error) {
	var firstErr error

	for _, handler := range handlers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := handler(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if resp.GetAllowed() {
			return resp, nil
		}
	}

	if firstErr != nil {
		return nil, firstErr
	}

	return &ResolveCheckResponse{Allowed: false}, nil
}

// intersection evaluates the handlers in declaration order and resolves to
// denied on the first denied outcome, without evaluating later operands. A
// handler error is remembered and surfaced only if no later handler denies.
func (c *LocalChecker) intersection(ctx context.Context, handlers ...CheckHandlerFunc) (*ResolveCheckResponse, error) {
	var firstErr error

	for _, handler := range handlers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := handler(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if !resp.GetAllowed() {
			return resp, nil
		}
	}

	if firstErr != nil {
		return nil, firstErr
	}

	return &ResolveCheckResponse{Allowed: true}, nil
}

// exclusion resolves base before subtract: denied bases short-circuit without
// evaluating the subtrahend.
func (c *LocalChecker) exclusion(ctx context.Context, base, subtract CheckHandlerFunc) (*ResolveCheckResponse, error) {
	baseResp, err := base(ctx)
	if err != nil {
		return nil, err
	}

	if !baseResp.GetAllowed() {
		return &ResolveCheckResponse{Allowed: false}, nil
	}

	subResp, err := subtract(ctx)
	if err != nil {
		return nil, err
	}

	return &ResolveCheckResponse{Allowed: !subResp.GetAllowed()}, nil
}

func (c *LocalChecker) checkRewrite(ctx context.Context, req *ResolveCheckRequest, rewrite *typesystem.Userset) CheckHandlerFunc {
	switch {
	case rewrite.This != nil:
		return c.checkDirect(ctx, req)
	case rewrite.ComputedUserset != nil:
		return c.checkComputedUserset(ctx, req, rewrite.ComputedUserset)
	case rewrite.TupleToUserset != nil:
		return c.checkTTU(ctx, req, rewrite.TupleToUserset)
	case rewrite.Union != nil:
		handlers := make([]CheckHandlerFunc, 0, len(rewrite.Union.Child))
		for _, child := range rewrite.Union.Child {
			handlers = append(handlers, c.checkRewrite(ctx, req, child))
		}
		return func(ctx context.Context) (*ResolveCheckResponse, error) {
			ctx, span := tracer.Start(ctx, "union")
			defer span.End()
			return c.union(ctx, handlers...)
		}
	case rewrite.Intersection != nil:
		handlers := make([]CheckHandlerFunc, 0, len(rewrite.Intersection.Child))
		for _, child := range rewrite.Intersection.Child {
			handlers = append(handlers, c.checkRewrite(ctx, req, child))
		}
		return func(ctx context.Context) (*ResolveCheckResponse, error) {
			ctx, span := tracer.Start(ctx, "intersection")
			defer span.End()
			return c.intersection(ctx, handlers...)
		}
	case rewrite.Difference != nil:
		base := c.checkRewrite(ctx, req, rewrite.Difference.Base)
		subtract := c.checkRewrite(ctx, req, rewrite.Difference.Subtract)
		return func(ctx context.Context) (*ResolveCheckResponse, error) {
			ctx, span := tracer.Start(ctx, "exclusion")
			defer span.End()
			return c.exclusion(ctx, base, subtract)
		}
	default:
		return func(ctx context.Context) (*ResolveCheckResponse, error) {
			return nil, fmt.Errorf("unexpected userset rewrite encountered")
		}
	}
}
