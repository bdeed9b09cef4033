package tuple

import (
	"fmt"
)

// InvalidTupleError is returned if the tuple is invalid.
type InvalidTupleError struct {
	Cause    error
	TupleKey *TupleKey
}

func (i *InvalidTupleError) Error() string {
	return fmt.Sprintf("invalid tuple '%s': %s", TupleKeyToString(i.TupleKey), i.Cause)
}

func (i *InvalidTupleError) Is(target error) bool {
	_, ok := target.(*InvalidTupleError)
	return ok
}

func (i *InvalidTupleError) Unwrap() error {
	return i.Cause
}

// TypeNotFoundError is returned if the object type is not declared in the model.
type TypeNotFoundError struct {
	TypeName string
}

func (i *TypeNotFoundError) Error() string {
	return fmt.Sprintf("type '%s' not found", i.TypeName)
}

func (i *TypeNotFoundError) Is(target error) bool {
	_, ok := target.(*TypeNotFoundError)
	return ok
}

// RelationNotFoundError is returned if the relation is not declared on the object type.
type RelationNotFoundError struct {
	TupleKey *TupleKey
	Relation string
	TypeName string
}

func (i *RelationNotFoundError) Error() string {
	msg := fmt.Sprintf("relation '%s#%s' not found", i.TypeName, i.Relation)
	if i.TupleKey != nil {
		msg = fmt.Sprintf("%s for tuple '%s'", msg, TupleKeyToString(i.TupleKey))
	}
	return msg
}

func (i *RelationNotFoundError) Is(target error) bool {
	_, ok := target.(*RelationNotFoundError)
	return ok
}
