// Package keys computes stable hash keys for check results. Two requests that
// differ only in contextual tuple ordering or context map ordering produce the
// same key.
package keys

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/permgraph/permgraph/pkg/tuple"
)

// NewTupleKeysHasher returns a hasher for an array of *tuple.TupleKey.
// It sorts the tuples first to guarantee that two arrays that are identical
// except for the ordering return the same hash.
func NewTupleKeysHasher(tupleKeys ...*tuple.TupleKey) *TupleKeysHasher {
	return &TupleKeysHasher{tupleKeys}
}

type TupleKeysHasher struct {
	tupleKeys []*tuple.TupleKey
}

func (t *TupleKeysHasher) Append(h hasher) error {
	sortedTupleKeys := append([]*tuple.TupleKey(nil), t.tupleKeys...) // Copy input to avoid mutating it

	sort.SliceStable(sortedTupleKeys, func(i, j int) bool {
		if sortedTupleKeys[i].Object != sortedTupleKeys[j].Object {
			return sortedTupleKeys[i].Object < sortedTupleKeys[j].Object
		}

		if sortedTupleKeys[i].Relation != sortedTupleKeys[j].Relation {
			return sortedTupleKeys[i].Relation < sortedTupleKeys[j].Relation
		}

		return sortedTupleKeys[i].User < sortedTupleKeys[j].User
	})

	// prefix to avoid overlap with previous strings written
	if err := h.WriteString("/"); err != nil {
		return err
	}

	for _, tupleKey := range sortedTupleKeys {
		key := fmt.Sprintf("%s#%s@%s", tupleKey.Object, tupleKey.Relation, tupleKey.User)

		if tupleKey.Condition != nil {
			key += fmt.Sprintf("|cond:%s", tupleKey.Condition.Name)
			if err := writeContext(&stringCollector{target: &key}, tupleKey.Condition.Context); err != nil {
				return err
			}
		}

		if err := h.WriteString(key + ","); err != nil {
			return err
		}
	}

	return nil
}

type stringCollector struct {
	target *string
}

func (s *stringCollector) WriteString(value string) error {
	*s.target += value
	return nil
}

// NewContextHasher returns a hasher for a request context map. Map iteration
// order does not influence the hash.
func NewContextHasher(context map[string]any) *ContextHasher {
	return &ContextHasher{context}
}

type ContextHasher struct {
	context map[string]any
}

func (c *ContextHasher) Append(h hasher) error {
	if err := h.WriteString("/"); err != nil {
		return err
	}

	return writeContext(h, c.context)
}

func writeContext(h hasher, context map[string]any) error {
	keys := make([]string, 0, len(context))
	for key := range context {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if err := h.WriteString("'" + key + ":"); err != nil {
			return err
		}

		if err := writeValue(h, context[key]); err != nil {
			return err
		}
	}

	return nil
}

func writeValue(h hasher, value any) error {
	switch v := value.(type) {
	case map[string]any:
		if err := h.WriteString("{"); err != nil {
			return err
		}
		if err := writeContext(h, v); err != nil {
			return err
		}
		return h.WriteString("}")
	case []any:
		if err := h.WriteString("["); err != nil {
			return err
		}
		for _, item := range v {
			if err := writeValue(h, item); err != nil {
				return err
			}
			if err := h.WriteString(","); err != nil {
				return err
			}
		}
		return h.WriteString("]")
	default:
		return h.WriteString(fmt.Sprintf("%v", v))
	}
}

// CheckCacheKeyParams are the inputs that uniquely identify one check result
// for a fixed model version.
type CheckCacheKeyParams struct {
	AuthorizationModelID string
	TupleKey             *tuple.TupleKey
	ContextualTuples     []*tuple.TupleKey
	Context              map[string]any
}

// CheckCacheKey computes the stable cache key of a check request.
func CheckCacheKey(params *CheckCacheKeyParams) (uint64, error) {
	hash := NewCacheKeyHasher(xxhash.New())

	key := fmt.Sprintf("%s/%s#%s@%s",
		params.AuthorizationModelID,
		params.TupleKey.Object,
		params.TupleKey.Relation,
		params.TupleKey.User,
	)

	if err := hash.WriteString(key); err != nil {
		return 0, err
	}

	if err := NewTupleKeysHasher(params.ContextualTuples...).Append(hash); err != nil {
		return 0, err
	}

	if err := NewContextHasher(params.Context).Append(hash); err != nil {
		return 0, err
	}

	return hash.Key(), nil
}
