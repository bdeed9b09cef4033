// Package tuple contains the relationship tuple model and helpers to
// parse, format and validate tuple components.
package tuple

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

type UserType string

const (
	User    UserType = "user"
	UserSet UserType = "userset"
)

const Wildcard = "*"

var (
	userIDRegex   = regexp.MustCompile(`^[^:#\s]+$`)
	objectRegex   = regexp.MustCompile(`^[^:#\s]+:[^#:\s]+$`)
	userSetRegex  = regexp.MustCompile(`^[^:#\s]+:[^#\s]+#[^:#\s]+$`)
	relationRegex = regexp.MustCompile(`^[^:#@\s]+$`)
)

// RelationshipCondition names a condition declared in the authorization
// model and carries the context captured when the tuple was written.
type RelationshipCondition struct {
	Name    string
	Context map[string]any
}

// TupleKey is the natural key of a relationship tuple, 'object#relation@user',
// optionally gated by a condition.
type TupleKey struct {
	Object    string
	Relation  string
	User      string
	Condition *RelationshipCondition
}

// TupleKeyWithoutCondition identifies tuples for deletion. Deletes match on
// the natural key alone and remove every conditioned variant.
type TupleKeyWithoutCondition struct {
	Object   string
	Relation string
	User     string
}

// Tuple is a stored relationship tuple together with its write timestamp.
type Tuple struct {
	Key       *TupleKey
	Timestamp time.Time
}

func NewTupleKey(object, relation, user string) *TupleKey {
	return &TupleKey{
		Object:   object,
		Relation: relation,
		User:     user,
	}
}

func NewTupleKeyWithCondition(object, relation, user, conditionName string, context map[string]any) *TupleKey {
	return &TupleKey{
		Object:   object,
		Relation: relation,
		User:     user,
		Condition: &RelationshipCondition{
			Name:    conditionName,
			Context: context,
		},
	}
}

func NewTupleKeyWithoutCondition(object, relation, user string) *TupleKeyWithoutCondition {
	return &TupleKeyWithoutCondition{
		Object:   object,
		Relation: relation,
		User:     user,
	}
}

// TupleKeyWithoutConditionToTupleKey is used on read paths that match on the
// natural key regardless of condition.
func TupleKeyWithoutConditionToTupleKey(tk *TupleKeyWithoutCondition) *TupleKey {
	return NewTupleKey(tk.Object, tk.Relation, tk.User)
}

func TupleKeyToTupleKeyWithoutCondition(tk *TupleKey) *TupleKeyWithoutCondition {
	return NewTupleKeyWithoutCondition(tk.Object, tk.Relation, tk.User)
}

// SplitObject splits an object into an objectType and an objectID. If no type is present, it returns the empty string
// and the original object.
func SplitObject(object string) (string, string) {
	switch i := strings.IndexByte(object, ':'); i {
	case -1:
		return "", object
	case len(object) - 1:
		return object[0:i], ""
	default:
		return object[0:i], object[i+1:]
	}
}

func BuildObject(objectType, objectID string) string {
	return fmt.Sprintf("%s:%s", objectType, objectID)
}

// SplitObjectRelation splits an object relation string into an object ID and relation name. If no relation is present,
// it returns the original string and an empty relation.
func SplitObjectRelation(objectRelation string) (string, string) {
	switch i := strings.LastIndexByte(objectRelation, '#'); i {
	case -1:
		return objectRelation, ""
	case len(objectRelation) - 1:
		return objectRelation[0:i], ""
	default:
		return objectRelation[0:i], objectRelation[i+1:]
	}
}

// GetType returns the type from a supplied Object identifier or an empty string if the object id does not contain a
// type.
func GetType(objectID string) string {
	t, _ := SplitObject(objectID)
	return t
}

// GetRelation returns the 'relation' portion of an object relation string (e.g. `object#relation`), which may be empty
// if the input is malformed (or does not contain a relation).
func GetRelation(objectRelation string) string {
	_, relation := SplitObjectRelation(objectRelation)
	return relation
}

// IsObjectRelation returns true if the given string specifies a valid object and relation.
func IsObjectRelation(userset string) bool {
	return GetType(userset) != "" && GetRelation(userset) != ""
}

// ToObjectRelationString formats an object/relation pair as an object#relation string. This is the inverse of
// SplitObjectRelation.
func ToObjectRelationString(object, relation string) string {
	return fmt.Sprintf("%s#%s", object, relation)
}

// GetUserTypeFromUser returns the type of user (userset or user).
func GetUserTypeFromUser(user string) UserType {
	if IsObjectRelation(user) || IsWildcard(user) {
		return UserSet
	}
	return User
}

// TupleKeyToString converts a tuple key into its string representation. It assumes the tupleKey is valid
// (i.e. no forbidden characters).
func TupleKeyToString(tk *TupleKey) string {
	return fmt.Sprintf("%s#%s@%s", tk.Object, tk.Relation, tk.User)
}

// TupleKeyWithoutConditionToString converts a tuple key without condition into its string representation.
func TupleKeyWithoutConditionToString(tk *TupleKeyWithoutCondition) string {
	return fmt.Sprintf("%s#%s@%s", tk.Object, tk.Relation, tk.User)
}

// IsValidObject determines if a string s is a valid object. A valid object contains exactly one `:` and no `#` or
// spaces.
func IsValidObject(s string) bool {
	return objectRegex.MatchString(s)
}

// IsValidRelation determines if a string s is a valid relation. This means it does not contain any `:`, `#`, or spaces.
func IsValidRelation(s string) bool {
	return relationRegex.MatchString(s)
}

// IsValidUser determines if a string is a valid user. A valid user contains at most one `:`, at most one `#` and no
// spaces.
func IsValidUser(user string) bool {
	if strings.Count(user, ":") > 1 || strings.Count(user, "#") > 1 {
		return false
	}
	if user == Wildcard || userIDRegex.MatchString(user) || objectRegex.MatchString(user) || userSetRegex.MatchString(user) {
		return true
	}

	return false
}

// IsWildcard returns true if the string 's' could be interpreted as a typed or untyped wildcard (e.g. '*' or 'type:*').
func IsWildcard(s string) bool {
	return s == Wildcard || IsTypedWildcard(s)
}

// IsTypedWildcard returns true if the string 's' is a typed wildcard. A typed wildcard
// has the form 'type:*'.
func IsTypedWildcard(s string) bool {
	if IsValidObject(s) {
		_, id := SplitObject(s)
		if id == Wildcard {
			return true
		}
	}

	return false
}

// TypedPublicWildcard returns the string representation of a typed wildcard subject (e.g. "user:*").
func TypedPublicWildcard(userType string) string {
	return BuildObject(userType, Wildcard)
}
