// Package contextualtuples validates request-scoped tuples and exposes a
// reader that merges them with a backing datastore so they participate in
// evaluation exactly like stored tuples. They are never persisted.
package contextualtuples

import (
	"context"
	"fmt"
	"slices"

	"github.com/permgraph/permgraph/internal/validation"
	"github.com/permgraph/permgraph/pkg/storage"
	tupleUtils "github.com/permgraph/permgraph/pkg/tuple"
	"github.com/permgraph/permgraph/pkg/typesystem"
)

// New validates the provided tuples against the typesystem, rejecting
// duplicates, and returns them ready to be combined with a datastore.
func New(typesys *typesystem.TypeSystem, tupleKeys []*tupleUtils.TupleKey) ([]*tupleUtils.TupleKey, error) {
	seen := make(map[string]struct{}, len(tupleKeys))
	for _, tk := range tupleKeys {
		key := tupleUtils.TupleKeyToString(tk)
		if _, ok := seen[key]; ok {
			return nil, fmt.Errorf("found duplicate contextual tuple '%s'", key)
		}
		seen[key] = struct{}{}

		if err := validation.ValidateTuple(typesys, tk); err != nil {
			return nil, err
		}
	}

	return tupleKeys, nil
}

// NewCombinedTupleReader returns a storage.RelationshipTupleReader that reads
// from a backing datastore and from the contextual tuples of one request.
func NewCombinedTupleReader(ds storage.RelationshipTupleReader, contextualTuples []*tupleUtils.TupleKey) storage.RelationshipTupleReader {
	return &combinedTupleReader{
		RelationshipTupleReader: ds,
		contextualTuples:        contextualTuples,
	}
}

type combinedTupleReader struct {
	storage.RelationshipTupleReader
	contextualTuples []*tupleUtils.TupleKey
}

var _ storage.RelationshipTupleReader = (*combinedTupleReader)(nil)

// objectMatches reports whether the tuple's object satisfies the target,
// which may be a full object, a bare "type:" prefix, or empty.
func objectMatches(object, target string) bool {
	if target == "" {
		return true
	}

	targetType, targetID := tupleUtils.SplitObject(target)
	if targetID == "" {
		return tupleUtils.GetType(object) == targetType
	}

	return object == target
}

// filterTuples filters out the tuples in the provided slice by removing any
// tuples that don't match the object, relation or user provided in the filter.
func filterTuples(tuples []*tupleUtils.TupleKey, targetObject, targetRelation string, targetUsers []string) []*tupleUtils.Tuple {
	var filtered []*tupleUtils.Tuple
	for _, tk := range tuples {
		if objectMatches(tk.Object, targetObject) &&
			(targetRelation == "" || tk.Relation == targetRelation) &&
			(len(targetUsers) == 0 || slices.Contains(targetUsers, tk.User)) {
			filtered = append(filtered, &tupleUtils.Tuple{Key: tk})
		}
	}

	return filtered
}

// Read see storage.RelationshipTupleReader.Read.
func (c *combinedTupleReader) Read(ctx context.Context, tk *tupleUtils.TupleKey) (storage.TupleIterator, error) {
	var object, relation string
	var users []string
	if tk != nil {
		object = tk.Object
		relation = tk.Relation
		if tk.User != "" {
			users = []string{tk.User}
		}
	}

	iter1 := storage.NewStaticTupleIterator(filterTuples(c.contextualTuples, object, relation, users))

	iter2, err := c.RelationshipTupleReader.Read(ctx, tk)
	if err != nil {
		return nil, err
	}

	return storage.NewCombinedIterator(iter1, iter2), nil
}

// ReadUserTuple see storage.RelationshipTupleReader.ReadUserTuple.
func (c *combinedTupleReader) ReadUserTuple(ctx context.Context, tk *tupleUtils.TupleKey) (*tupleUtils.Tuple, error) {
	filtered := filterTuples(c.contextualTuples, tk.Object, tk.Relation, []string{tk.User})
	if len(filtered) > 0 {
		return filtered[0], nil
	}

	return c.RelationshipTupleReader.ReadUserTuple(ctx, tk)
}

// ReadUsersetTuples see storage.RelationshipTupleReader.ReadUsersetTuples.
func (c *combinedTupleReader) ReadUsersetTuples(ctx context.Context, filter storage.ReadUsersetTuplesFilter) (storage.TupleIterator, error) {
	var usersetTuples []*tupleUtils.Tuple

	for _, t := range filterTuples(c.contextualTuples, filter.Object, filter.Relation, nil) {
		if tupleUtils.GetUserTypeFromUser(t.Key.User) != tupleUtils.UserSet {
			continue
		}

		if len(filter.AllowedUserTypeRestrictions) == 0 {
			usersetTuples = append(usersetTuples, t)
			continue
		}

		usersetObject, usersetRelation := tupleUtils.SplitObjectRelation(t.Key.User)
		for _, allowedType := range filter.AllowedUserTypeRestrictions {
			if allowedType.Relation != "" &&
				tupleUtils.GetType(usersetObject) == allowedType.Type &&
				usersetRelation == allowedType.Relation {
				usersetTuples = append(usersetTuples, t)
				break
			}

			if allowedType.Wildcard && t.Key.User == tupleUtils.TypedPublicWildcard(allowedType.Type) {
				usersetTuples = append(usersetTuples, t)
				break
			}
		}
	}

	iter1 := storage.NewStaticTupleIterator(usersetTuples)

	iter2, err := c.RelationshipTupleReader.ReadUsersetTuples(ctx, filter)
	if err != nil {
		return nil, err
	}

	return storage.NewCombinedIterator(iter1, iter2), nil
}

// ReadStartingWithUser see storage.RelationshipTupleReader.ReadStartingWithUser.
func (c *combinedTupleReader) ReadStartingWithUser(ctx context.Context, filter storage.ReadStartingWithUserFilter) (storage.TupleIterator, error) {
	var matches []*tupleUtils.Tuple
	for _, t := range c.contextualTuples {
		if tupleUtils.GetType(t.Object) != filter.ObjectType || t.Relation != filter.Relation {
			continue
		}

		for _, userFilter := range filter.UserFilter {
			targetUser := userFilter.Object
			if userFilter.Relation != "" {
				targetUser = tupleUtils.ToObjectRelationString(userFilter.Object, userFilter.Relation)
			}

			if targetUser == t.User {
				matches = append(matches, &tupleUtils.Tuple{Key: t})
				break
			}
		}
	}

	iter1 := storage.NewStaticTupleIterator(matches)

	iter2, err := c.RelationshipTupleReader.ReadStartingWithUser(ctx, filter)
	if err != nil {
		return nil, err
	}

	return storage.NewCombinedIterator(iter1, iter2), nil
}
