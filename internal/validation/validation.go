// Package validation checks relationship tuples against an authorization
// model. The write path uses it to reject a whole batch before any mutation;
// the read path uses it to filter out tuples that a since-replaced model no
// longer admits.
package validation

import (
	"errors"
	"fmt"

	"github.com/permgraph/permgraph/pkg/storage"
	"github.com/permgraph/permgraph/pkg/tuple"
	"github.com/permgraph/permgraph/pkg/typesystem"
)

// ValidateTuple returns an error if the tuple is malformed or is not admitted
// by the model: unknown object type or relation, a subject the relation's type
// restrictions don't allow, or an undeclared condition.
func ValidateTuple(typesys *typesystem.TypeSystem, tk *tuple.TupleKey) error {
	if err := ValidateUser(typesys, tk.User); err != nil {
		return &tuple.InvalidTupleError{Cause: err, TupleKey: tk}
	}

	if err := ValidateObject(typesys, tk.Object); err != nil {
		return &tuple.InvalidTupleError{Cause: err, TupleKey: tk}
	}

	if err := ValidateRelation(typesys, tk); err != nil {
		return err
	}

	if err := validateTypeRestrictions(typesys, tk); err != nil {
		return &tuple.InvalidTupleError{Cause: err, TupleKey: tk}
	}

	if err := validateCondition(typesys, tk); err != nil {
		return &tuple.InvalidTupleError{Cause: err, TupleKey: tk}
	}

	return nil
}

// ValidateObject checks the object is in 'type:id' form and its type is
// declared by the model.
func ValidateObject(typesys *typesystem.TypeSystem, object string) error {
	if !tuple.IsValidObject(object) {
		return fmt.Errorf("invalid 'object' field format")
	}

	objectType, id := tuple.SplitObject(object)
	if id == tuple.Wildcard {
		return fmt.Errorf("the 'object' field cannot reference a wildcard")
	}

	if _, ok := typesys.GetTypeDefinition(objectType); !ok {
		return &tuple.TypeNotFoundError{TypeName: objectType}
	}

	return nil
}

// ValidateRelation checks the relation is well formed and declared on the
// tuple's object type.
func ValidateRelation(typesys *typesystem.TypeSystem, tk *tuple.TupleKey) error {
	if !tuple.IsValidRelation(tk.Relation) {
		return &tuple.InvalidTupleError{
			Cause:    fmt.Errorf("invalid 'relation' field format"),
			TupleKey: tk,
		}
	}

	objectType := tuple.GetType(tk.Object)

	if _, err := typesys.GetRelation(objectType, tk.Relation); err != nil {
		if errors.Is(err, typesystem.ErrObjectTypeUndefined) {
			return &tuple.TypeNotFoundError{TypeName: objectType}
		}

		return &tuple.RelationNotFoundError{
			Relation: tk.Relation,
			TypeName: objectType,
			TupleKey: tk,
		}
	}

	return nil
}

// ValidateUser checks the user field is a valid subject: a concrete object, a
// userset reference, or a typed wildcard, with a declared type.
func ValidateUser(typesys *typesystem.TypeSystem, user string) error {
	if !tuple.IsValidUser(user) {
		return fmt.Errorf("invalid 'user' field format")
	}

	if user == tuple.Wildcard {
		return fmt.Errorf("the 'user' field must reference a typed wildcard (e.g. 'user:*'), not '*'")
	}

	userObject, userRelation := tuple.SplitObjectRelation(user)
	userObjectType := tuple.GetType(userObject)

	if _, ok := typesys.GetTypeDefinition(userObjectType); !ok {
		return &tuple.TypeNotFoundError{TypeName: userObjectType}
	}

	if userRelation != "" {
		if _, err := typesys.GetRelation(userObjectType, userRelation); err != nil {
			return &tuple.RelationNotFoundError{Relation: userRelation, TypeName: userObjectType}
		}
	}

	return nil
}

// validateTypeRestrictions enforces the relation's declared subject types: a
// stored tuple's user must be admitted by at least one type restriction on
// 'objectType#relation'.
func validateTypeRestrictions(typesys *typesystem.TypeSystem, tk *tuple.TupleKey) error {
	objectType := tuple.GetType(tk.Object)
	userObject, userRelation := tuple.SplitObjectRelation(tk.User)
	userType := tuple.GetType(userObject)

	target := typesystem.DirectRelationReference(objectType, tk.Relation)

	var source *typesystem.RelationReference
	switch {
	case tuple.IsTypedWildcard(tk.User):
		source = typesystem.WildcardRelationReference(userType)
	case userRelation != "":
		source = typesystem.DirectRelationReference(userType, userRelation)
	default:
		source = typesystem.DirectRelationReference(userType, "")
	}

	ok, err := typesys.IsDirectlyRelated(target, source)
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("type '%s' is not an allowed type restriction for '%s#%s'", tk.User, objectType, tk.Relation)
	}

	return nil
}

// validateCondition checks that a conditioned tuple references a condition the
// model declares and only supplies declared parameters.
func validateCondition(typesys *typesystem.TypeSystem, tk *tuple.TupleKey) error {
	if tk.Condition == nil {
		return nil
	}

	evaluableCondition, ok := typesys.GetCondition(tk.Condition.Name)
	if !ok {
		return fmt.Errorf("%w: '%s'", typesystem.ErrConditionUndefined, tk.Condition.Name)
	}

	for key := range tk.Condition.Context {
		if _, ok := evaluableCondition.Parameters[key]; !ok {
			return fmt.Errorf("found invalid context parameter: %s", key)
		}
	}

	return nil
}

// FilterInvalidTuples returns a filter func for iterators that drops tuples
// the provided model does not admit.
func FilterInvalidTuples(typesys *typesystem.TypeSystem) storage.TupleKeyFilterFunc {
	return func(tupleKey *tuple.TupleKey) bool {
		err := ValidateTuple(typesys, tupleKey)
		return err == nil
	}
}
