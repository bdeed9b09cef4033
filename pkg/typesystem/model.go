package typesystem

import (
	"github.com/permgraph/permgraph/internal/condition"
)

// ObjectRelation references a relation, optionally anchored to an object.
type ObjectRelation struct {
	Object   string
	Relation string
}

// DirectUserset marks a relation as directly assignable through stored tuples.
type DirectUserset struct{}

// TupleToUsersetRewrite follows tuples of the tupleset relation on the target
// object and evaluates the computed relation on each tuple's subject.
type TupleToUsersetRewrite struct {
	Tupleset        *ObjectRelation
	ComputedUserset *ObjectRelation
}

// Usersets holds the ordered operands of a union or intersection. Evaluation
// honors declaration order.
type Usersets struct {
	Child []*Userset
}

// DifferenceRewrite subtracts the subtract operand from the base operand.
type DifferenceRewrite struct {
	Base     *Userset
	Subtract *Userset
}

// Userset is a relation rewrite expression. Exactly one field is non-nil.
type Userset struct {
	This            *DirectUserset
	ComputedUserset *ObjectRelation
	TupleToUserset  *TupleToUsersetRewrite
	Union           *Usersets
	Intersection    *Usersets
	Difference      *DifferenceRewrite
}

func This() *Userset {
	return &Userset{This: &DirectUserset{}}
}

func ComputedUserset(relation string) *Userset {
	return &Userset{
		ComputedUserset: &ObjectRelation{Relation: relation},
	}
}

func TupleToUserset(tuplesetRelation, targetRelation string) *Userset {
	return &Userset{
		TupleToUserset: &TupleToUsersetRewrite{
			Tupleset:        &ObjectRelation{Relation: tuplesetRelation},
			ComputedUserset: &ObjectRelation{Relation: targetRelation},
		},
	}
}

func Union(children ...*Userset) *Userset {
	return &Userset{Union: &Usersets{Child: children}}
}

func Intersection(children ...*Userset) *Userset {
	return &Userset{Intersection: &Usersets{Child: children}}
}

func Difference(base *Userset, sub *Userset) *Userset {
	return &Userset{
		Difference: &DifferenceRewrite{
			Base:     base,
			Subtract: sub,
		},
	}
}

// RelationReference is a type restriction on a directly assignable relation,
// e.g. 'user', 'group#member' or the typed wildcard 'user:*'.
type RelationReference struct {
	Type     string
	Relation string
	Wildcard bool
}

func DirectRelationReference(objectType, relation string) *RelationReference {
	return &RelationReference{
		Type:     objectType,
		Relation: relation,
	}
}

func WildcardRelationReference(objectType string) *RelationReference {
	return &RelationReference{
		Type:     objectType,
		Wildcard: true,
	}
}

// RelationMetadata carries the declared subject type restrictions of a relation.
type RelationMetadata struct {
	DirectlyRelatedUserTypes []*RelationReference
}

// TypeDefinition declares an object type, its relations and their rewrites.
type TypeDefinition struct {
	Type      string
	Relations map[string]*Userset
	Metadata  map[string]*RelationMetadata
}

// AuthorizationModel is a versioned, immutable set of type definitions and
// named conditions. The ID is assigned when the model is written (a ULID).
type AuthorizationModel struct {
	ID              string
	TypeDefinitions []*TypeDefinition
	Conditions      map[string]*condition.Condition
}

// Relation is the resolved view of a relation on a type: its rewrite plus the
// declared subject type restrictions.
type Relation struct {
	Name                     string
	Rewrite                  *Userset
	DirectlyRelatedUserTypes []*RelationReference
}
