// Package typesystem provides the resolved, immutable view of an
// authorization model: relation lookup, subject type restrictions, rewrite
// validation and compiled conditions.
package typesystem

import (
	"context"
	"fmt"

	"github.com/permgraph/permgraph/internal/condition"
	"github.com/permgraph/permgraph/pkg/tuple"
)

type ctxKey string

const typesystemCtxKey ctxKey = "typesystem-context-key"

// ContextWithTypesystem attaches the provided TypeSystem to the parent context.
func ContextWithTypesystem(parent context.Context, typesys *TypeSystem) context.Context {
	return context.WithValue(parent, typesystemCtxKey, typesys)
}

// TypesystemFromContext returns the TypeSystem from the provided context (if any).
func TypesystemFromContext(ctx context.Context) (*TypeSystem, bool) {
	typesys, ok := ctx.Value(typesystemCtxKey).(*TypeSystem)
	return typesys, ok
}

// TypeSystem is the queryable form of an AuthorizationModel. It is immutable
// once constructed and safe for concurrent use without locking.
type TypeSystem struct {
	modelID         string
	typeDefinitions map[string]*TypeDefinition
	conditions      map[string]*condition.EvaluableCondition
}

// New creates a *TypeSystem from an *AuthorizationModel. New assumes that the
// model has already been validated; use NewAndValidate otherwise.
func New(model *AuthorizationModel) *TypeSystem {
	tds := make(map[string]*TypeDefinition, len(model.TypeDefinitions))
	for _, td := range model.TypeDefinitions {
		tds[td.Type] = td
	}

	conditions := make(map[string]*condition.EvaluableCondition, len(model.Conditions))
	for name, c := range model.Conditions {
		conditions[name] = condition.NewUncompiled(c)
	}

	return &TypeSystem{
		modelID:         model.ID,
		typeDefinitions: tds,
		conditions:      conditions,
	}
}

// NewAndValidate is like New, but it also validates the model according to the
// following rules:
//  1. Don't allow duplicate types.
//  2. Every relation referenced in a rewrite must be declared: on the same
//     type for computed usersets and tupleset relations, on some type for the
//     computed relation of a tuple-to-userset.
//  3. No relation may reach itself through ComputedUserset, Union,
//     Intersection or Difference chains on its own type. Self reference is
//     only permitted across a TupleToUserset, which changes the object under
//     evaluation.
//  4. A relation is directly assignable iff it has a non-empty list of
//     directly related user types, and every referenced type restriction must
//     be declared.
//  5. Every condition referenced by a type restriction is declared and every
//     declared condition compiles.
func NewAndValidate(model *AuthorizationModel) (*TypeSystem, error) {
	if containsDuplicateType(model) {
		return nil, ErrDuplicateTypes
	}

	t := New(model)

	if err := t.validateRelationRewrites(); err != nil {
		return nil, err
	}

	if err := t.validateCycles(); err != nil {
		return nil, err
	}

	if err := t.validateRelationTypeRestrictions(); err != nil {
		return nil, err
	}

	for name, c := range t.conditions {
		if err := c.Compile(); err != nil {
			return nil, fmt.Errorf("invalid condition '%s': %w", name, err)
		}
	}

	return t, nil
}

func containsDuplicateType(model *AuthorizationModel) bool {
	seen := make(map[string]struct{}, len(model.TypeDefinitions))
	for _, td := range model.TypeDefinitions {
		if _, ok := seen[td.Type]; ok {
			return true
		}
		seen[td.Type] = struct{}{}
	}
	return false
}

// GetAuthorizationModelID returns the ID of the underlying model.
func (t *TypeSystem) GetAuthorizationModelID() string {
	return t.modelID
}

func (t *TypeSystem) GetTypeDefinition(objectType string) (*TypeDefinition, bool) {
	td, ok := t.typeDefinitions[objectType]
	return td, ok
}

// GetRelations returns the resolved relations declared on objectType.
func (t *TypeSystem) GetRelations(objectType string) (map[string]*Relation, error) {
	td, ok := t.typeDefinitions[objectType]
	if !ok {
		return nil, ObjectTypeUndefinedError(objectType)
	}

	relations := make(map[string]*Relation, len(td.Relations))

	for name, rewrite := range td.Relations {
		r := &Relation{
			Name:    name,
			Rewrite: rewrite,
		}

		if metadata, ok := td.Metadata[name]; ok {
			r.DirectlyRelatedUserTypes = metadata.DirectlyRelatedUserTypes
		}

		relations[name] = r
	}

	return relations, nil
}

func (t *TypeSystem) GetRelation(objectType, relation string) (*Relation, error) {
	relations, err := t.GetRelations(objectType)
	if err != nil {
		return nil, err
	}

	r, ok := relations[relation]
	if !ok {
		return nil, RelationUndefinedError(objectType, relation)
	}

	return r, nil
}

// GetCondition returns the named compiled condition declared by the model.
func (t *TypeSystem) GetCondition(name string) (*condition.EvaluableCondition, bool) {
	c, ok := t.conditions[name]
	return c, ok
}

// DirectlyRelatedUsersets returns the subset of type restrictions on
// objectType#relation that are usersets (e.g. 'group#member') or typed
// wildcards, as opposed to concrete subject types.
func (t *TypeSystem) DirectlyRelatedUsersets(objectType, relation string) ([]*RelationReference, error) {
	refs, err := t.GetDirectlyRelatedUserTypes(objectType, relation)
	if err != nil {
		return nil, err
	}

	var usersetRelationReferences []*RelationReference
	for _, ref := range refs {
		if ref.Relation != "" || ref.Wildcard {
			usersetRelationReferences = append(usersetRelationReferences, ref)
		}
	}

	return usersetRelationReferences, nil
}

func (t *TypeSystem) GetDirectlyRelatedUserTypes(objectType, relation string) ([]*RelationReference, error) {
	r, err := t.GetRelation(objectType, relation)
	if err != nil {
		return nil, err
	}

	return r.DirectlyRelatedUserTypes, nil
}

// IsDirectlyRelated determines whether the target relation's type restrictions
// admit the source subject reference.
func (t *TypeSystem) IsDirectlyRelated(target *RelationReference, source *RelationReference) (bool, error) {
	relation, err := t.GetRelation(target.Type, target.Relation)
	if err != nil {
		return false, err
	}

	for _, ref := range relation.DirectlyRelatedUserTypes {
		if source.Type != ref.Type {
			continue
		}

		if source.Relation == ref.Relation && source.Wildcard == ref.Wildcard {
			return true, nil
		}
	}

	return false, nil
}

// IsPubliclyAssignable checks if the provided subject type is part of a typed
// wildcard type restriction on the target relation, i.e. whether tuples with
// subject 'userType:*' may grant the relation.
func (t *TypeSystem) IsPubliclyAssignable(target *RelationReference, userType string) (bool, error) {
	return t.IsDirectlyRelated(target, WildcardRelationReference(userType))
}

// IsDirectlyAssignable returns true if the relation's rewrite contains This,
// meaning stored tuples with that exact relation participate in evaluation.
func (t *TypeSystem) IsDirectlyAssignable(relation *Relation) bool {
	return ContainsSelf(relation.Rewrite)
}

// ContainsSelf reports whether the rewrite tree contains a This node.
func ContainsSelf(rewrite *Userset) bool {
	switch {
	case rewrite.This != nil:
		return true
	case rewrite.Union != nil:
		for _, child := range rewrite.Union.Child {
			if ContainsSelf(child) {
				return true
			}
		}
	case rewrite.Intersection != nil:
		for _, child := range rewrite.Intersection.Child {
			if ContainsSelf(child) {
				return true
			}
		}
	case rewrite.Difference != nil:
		if ContainsSelf(rewrite.Difference.Base) || ContainsSelf(rewrite.Difference.Subtract) {
			return true
		}
	}

	return false
}

func (t *TypeSystem) validateRelationRewrites() error {
	allRelations := map[string]struct{}{}
	for _, td := range t.typeDefinitions {
		for relation := range td.Relations {
			allRelations[relation] = struct{}{}
		}
	}

	for objectType, td := range t.typeDefinitions {
		for relation, rewrite := range td.Relations {
			if err := t.isUsersetRewriteValid(allRelations, td.Relations, objectType, relation, rewrite); err != nil {
				return err
			}
		}
	}

	return nil
}

// isUsersetRewriteValid checks that every relation symbol in the rewrite tree
// resolves. allRelations is the set of relation names anywhere in the model,
// relationsOnType the subset declared on the type where the rewrite occurs.
func (t *TypeSystem) isUsersetRewriteValid(allRelations map[string]struct{}, relationsOnType map[string]*Userset, objectType, relation string, rewrite *Userset) error {
	if rewrite == nil {
		return InvalidRelationError(objectType, relation, ErrInvalidUsersetRewrite)
	}

	switch {
	case rewrite.This != nil:
	case rewrite.ComputedUserset != nil:
		computedUserset := rewrite.ComputedUserset.Relation
		if computedUserset == relation {
			return InvalidRelationError(objectType, relation, ErrCyclicRewrite)
		}
		if _, ok := relationsOnType[computedUserset]; !ok {
			return RelationUndefinedError(objectType, computedUserset)
		}
	case rewrite.TupleToUserset != nil:
		tupleset := rewrite.TupleToUserset.Tupleset.Relation
		if _, ok := relationsOnType[tupleset]; !ok {
			return RelationUndefinedError(objectType, tupleset)
		}

		computedUserset := rewrite.TupleToUserset.ComputedUserset.Relation
		if _, ok := allRelations[computedUserset]; !ok {
			return RelationUndefinedError("", computedUserset)
		}
	case rewrite.Union != nil:
		for _, child := range rewrite.Union.Child {
			if err := t.isUsersetRewriteValid(allRelations, relationsOnType, objectType, relation, child); err != nil {
				return err
			}
		}
	case rewrite.Intersection != nil:
		for _, child := range rewrite.Intersection.Child {
			if err := t.isUsersetRewriteValid(allRelations, relationsOnType, objectType, relation, child); err != nil {
				return err
			}
		}
	case rewrite.Difference != nil:
		if err := t.isUsersetRewriteValid(allRelations, relationsOnType, objectType, relation, rewrite.Difference.Base); err != nil {
			return err
		}

		if err := t.isUsersetRewriteValid(allRelations, relationsOnType, objectType, relation, rewrite.Difference.Subtract); err != nil {
			return err
		}
	default:
		return InvalidRelationError(objectType, relation, ErrInvalidUsersetRewrite)
	}

	return nil
}

// validateCycles rejects relations that reach themselves through rewrite
// references on their own type. TupleToUserset edges are excluded: following
// one changes the object under evaluation, so recursion through it terminates
// against the tuple data rather than the model.
func (t *TypeSystem) validateCycles() error {
	for objectType, td := range t.typeDefinitions {
		for relation := range td.Relations {
			visited := map[string]struct{}{}
			if err := t.visitRelation(objectType, relation, visited); err != nil {
				return InvalidRelationError(objectType, relation, err)
			}
		}
	}

	return nil
}

func (t *TypeSystem) visitRelation(objectType, relation string, visited map[string]struct{}) error {
	if _, ok := visited[relation]; ok {
		return ErrCyclicRewrite
	}
	visited[relation] = struct{}{}

	rewrite := t.typeDefinitions[objectType].Relations[relation]
	if err := t.visitRewriteReferences(objectType, rewrite, visited); err != nil {
		return err
	}

	delete(visited, relation)
	return nil
}

func (t *TypeSystem) visitRewriteReferences(objectType string, rewrite *Userset, visited map[string]struct{}) error {
	switch {
	case rewrite.ComputedUserset != nil:
		return t.visitRelation(objectType, rewrite.ComputedUserset.Relation, visited)
	case rewrite.Union != nil:
		for _, child := range rewrite.Union.Child {
			if err := t.visitRewriteReferences(objectType, child, visited); err != nil {
				return err
			}
		}
	case rewrite.Intersection != nil:
		for _, child := range rewrite.Intersection.Child {
			if err := t.visitRewriteReferences(objectType, child, visited); err != nil {
				return err
			}
		}
	case rewrite.Difference != nil:
		if err := t.visitRewriteReferences(objectType, rewrite.Difference.Base, visited); err != nil {
			return err
		}
		return t.visitRewriteReferences(objectType, rewrite.Difference.Subtract, visited)
	}

	return nil
}

func (t *TypeSystem) validateRelationTypeRestrictions() error {
	for objectType := range t.typeDefinitions {
		relations, err := t.GetRelations(objectType)
		if err != nil {
			return err
		}

		for name, relation := range relations {
			relatedTypes := relation.DirectlyRelatedUserTypes

			assignable := t.IsDirectlyAssignable(relation)
			if assignable && len(relatedTypes) == 0 {
				return AssignableRelationError(objectType, name)
			}

			if !assignable && len(relatedTypes) != 0 {
				return NonAssignableRelationError(objectType, name)
			}

			for _, related := range relatedTypes {
				if _, ok := t.typeDefinitions[related.Type]; !ok {
					return InvalidRelationTypeError(objectType, name, related.Type, related.Relation)
				}

				if related.Relation != "" {
					if _, err := t.GetRelation(related.Type, related.Relation); err != nil {
						return InvalidRelationTypeError(objectType, name, related.Type, related.Relation)
					}
				}
			}
		}
	}

	return nil
}

// ReachableRelations computes the set of relation names on objectType whose
// tuples can contribute to the target relation: the closure of the rewrite
// tree over computed usersets and tupleset relations on the same type.
// Listing uses this to gather candidate tuples before confirming each with a
// full check.
func (t *TypeSystem) ReachableRelations(objectType, relation string) (map[string]struct{}, error) {
	reachable := map[string]struct{}{}
	if err := t.collectReachable(objectType, relation, reachable, map[string]struct{}{}); err != nil {
		return nil, err
	}
	return reachable, nil
}

func (t *TypeSystem) collectReachable(objectType, relation string, reachable, seen map[string]struct{}) error {
	key := tuple.ToObjectRelationString(objectType, relation)
	if _, ok := seen[key]; ok {
		return nil
	}
	seen[key] = struct{}{}

	r, err := t.GetRelation(objectType, relation)
	if err != nil {
		return err
	}

	return t.collectReachableFromRewrite(objectType, relation, r.Rewrite, reachable, seen)
}

// TuplesetComputedRelations maps each tupleset relation appearing in the
// rewrite closure of objectType#relation to the computed relations its
// tuple-to-userset rewrites evaluate on the tuples' subjects. Reverse listing
// uses this to follow tupleset edges onto intermediate objects.
func (t *TypeSystem) TuplesetComputedRelations(objectType, relation string) (map[string][]string, error) {
	out := map[string][]string{}
	if err := t.collectTuplesets(objectType, relation, out, map[string]struct{}{}); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *TypeSystem) collectTuplesets(objectType, relation string, out map[string][]string, seen map[string]struct{}) error {
	key := tuple.ToObjectRelationString(objectType, relation)
	if _, ok := seen[key]; ok {
		return nil
	}
	seen[key] = struct{}{}

	r, err := t.GetRelation(objectType, relation)
	if err != nil {
		return err
	}

	return t.collectTuplesetsFromRewrite(objectType, r.Rewrite, out, seen)
}

func (t *TypeSystem) collectTuplesetsFromRewrite(objectType string, rewrite *Userset, out map[string][]string, seen map[string]struct{}) error {
	switch {
	case rewrite.ComputedUserset != nil:
		return t.collectTuplesets(objectType, rewrite.ComputedUserset.Relation, out, seen)
	case rewrite.TupleToUserset != nil:
		tupleset := rewrite.TupleToUserset.Tupleset.Relation
		out[tupleset] = append(out[tupleset], rewrite.TupleToUserset.ComputedUserset.Relation)
	case rewrite.Union != nil:
		for _, child := range rewrite.Union.Child {
			if err := t.collectTuplesetsFromRewrite(objectType, child, out, seen); err != nil {
				return err
			}
		}
	case rewrite.Intersection != nil:
		for _, child := range rewrite.Intersection.Child {
			if err := t.collectTuplesetsFromRewrite(objectType, child, out, seen); err != nil {
				return err
			}
		}
	case rewrite.Difference != nil:
		if err := t.collectTuplesetsFromRewrite(objectType, rewrite.Difference.Base, out, seen); err != nil {
			return err
		}
		return t.collectTuplesetsFromRewrite(objectType, rewrite.Difference.Subtract, out, seen)
	}

	return nil
}

func (t *TypeSystem) collectReachableFromRewrite(objectType, relation string, rewrite *Userset, reachable, seen map[string]struct{}) error {
	switch {
	case rewrite.This != nil:
		reachable[relation] = struct{}{}
	case rewrite.ComputedUserset != nil:
		return t.collectReachable(objectType, rewrite.ComputedUserset.Relation, reachable, seen)
	case rewrite.TupleToUserset != nil:
		reachable[rewrite.TupleToUserset.Tupleset.Relation] = struct{}{}
	case rewrite.Union != nil:
		for _, child := range rewrite.Union.Child {
			if err := t.collectReachableFromRewrite(objectType, relation, child, reachable, seen); err != nil {
				return err
			}
		}
	case rewrite.Intersection != nil:
		for _, child := range rewrite.Intersection.Child {
			if err := t.collectReachableFromRewrite(objectType, relation, child, reachable, seen); err != nil {
				return err
			}
		}
	case rewrite.Difference != nil:
		if err := t.collectReachableFromRewrite(objectType, relation, rewrite.Difference.Base, reachable, seen); err != nil {
			return err
		}
		return t.collectReachableFromRewrite(objectType, relation, rewrite.Difference.Subtract, reachable, seen)
	}

	return nil
}
