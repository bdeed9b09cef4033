package typesystem

import (
	"errors"
	"fmt"
)

var (
	ErrModelNotFound         = errors.New("authorization model not found")
	ErrDuplicateTypes        = errors.New("an authorization model cannot contain duplicate types")
	ErrObjectTypeUndefined   = errors.New("undefined object type")
	ErrRelationUndefined     = errors.New("undefined relation")
	ErrCyclicRewrite         = errors.New("cyclic relation definition")
	ErrConditionUndefined    = errors.New("undefined condition")
	ErrInvalidUsersetRewrite = errors.New("invalid userset rewrite definition")
)

func InvalidRelationError(objectType, relation string, cause error) error {
	return fmt.Errorf("the definition of relation '%s' in object type '%s' is invalid: %w", relation, objectType, cause)
}

func ObjectTypeUndefinedError(objectType string) error {
	return fmt.Errorf("%w: object type '%s' does not exist in the authorization model", ErrObjectTypeUndefined, objectType)
}

func RelationUndefinedError(objectType, relation string) error {
	if objectType != "" {
		return fmt.Errorf("%w: relation '%s' does not exist in object type '%s'", ErrRelationUndefined, relation, objectType)
	}
	return fmt.Errorf("%w: relation '%s' does not exist", ErrRelationUndefined, relation)
}

func AssignableRelationError(objectType, relation string) error {
	return fmt.Errorf("the assignable relation '%s' in object type '%s' must contain at least one relation type", relation, objectType)
}

func NonAssignableRelationError(objectType, relation string) error {
	return fmt.Errorf("the non-assignable relation '%s' in object type '%s' should not contain a relation type", relation, objectType)
}

func InvalidRelationTypeError(objectType, relation, relatedObjectType, relatedRelation string) error {
	relationType := relatedObjectType
	if relatedRelation != "" {
		relationType = fmt.Sprintf("%s#%s", relatedObjectType, relatedRelation)
	}

	return fmt.Errorf("the relation type '%s' on '%s' in object type '%s' is not valid", relationType, relation, objectType)
}
