package contextualtuples

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/permgraph/permgraph/pkg/storage"
	"github.com/permgraph/permgraph/pkg/storage/memory"
	tupleUtils "github.com/permgraph/permgraph/pkg/tuple"
	"github.com/permgraph/permgraph/pkg/typesystem"
)

func testTypesystem(t *testing.T) *typesystem.TypeSystem {
	t.Helper()

	typesys, err := typesystem.NewAndValidate(&typesystem.AuthorizationModel{
		ID: "test-model",
		TypeDefinitions: []*typesystem.TypeDefinition{
			{Type: "user"},
			{
				Type: "group",
				Relations: map[string]*typesystem.Userset{
					"member": typesystem.This(),
				},
				Metadata: map[string]*typesystem.RelationMetadata{
					"member": {
						DirectlyRelatedUserTypes: []*typesystem.RelationReference{
							typesystem.DirectRelationReference("user", ""),
						},
					},
				},
			},
			{
				Type: "document",
				Relations: map[string]*typesystem.Userset{
					"viewer": typesystem.This(),
				},
				Metadata: map[string]*typesystem.RelationMetadata{
					"viewer": {
						DirectlyRelatedUserTypes: []*typesystem.RelationReference{
							typesystem.DirectRelationReference("user", ""),
							typesystem.DirectRelationReference("group", "member"),
						},
					},
				},
			},
		},
	})
	require.NoError(t, err)

	return typesys
}

func TestNew(t *testing.T) {
	typesys := testTypesystem(t)

	t.Run("valid_tuples_pass_through", func(t *testing.T) {
		tks := []*tupleUtils.TupleKey{
			tupleUtils.NewTupleKey("document:1", "viewer", "user:anne"),
			tupleUtils.NewTupleKey("document:2", "viewer", "group:eng#member"),
		}
		got, err := New(typesys, tks)
		require.NoError(t, err)
		require.Equal(t, tks, got)
	})

	t.Run("duplicates_rejected", func(t *testing.T) {
		tk := tupleUtils.NewTupleKey("document:1", "viewer", "user:anne")
		_, err := New(typesys, []*tupleUtils.TupleKey{tk, tk})
		require.ErrorContains(t, err, "duplicate contextual tuple")
	})

	t.Run("invalid_tuple_rejected", func(t *testing.T) {
		_, err := New(typesys, []*tupleUtils.TupleKey{
			tupleUtils.NewTupleKey("document:1", "editor", "user:anne"),
		})
		require.Error(t, err)
	})

	t.Run("empty_is_fine", func(t *testing.T) {
		got, err := New(typesys, nil)
		require.NoError(t, err)
		require.Empty(t, got)
	})
}

func collectObjects(t *testing.T, iter storage.TupleIterator) []string {
	t.Helper()
	defer iter.Stop()

	var objects []string
	for {
		tp, err := iter.Next(context.Background())
		if err != nil {
			require.ErrorIs(t, err, storage.ErrIteratorDone)
			break
		}
		objects = append(objects, tp.Key.Object)
	}
	sort.Strings(objects)

	return objects
}

func TestCombinedTupleReader(t *testing.T) {
	ctx := context.Background()

	ds := memory.New()
	t.Cleanup(ds.Close)

	err := ds.Write(ctx, nil, []*tupleUtils.TupleKey{
		tupleUtils.NewTupleKey("document:stored", "viewer", "user:anne"),
	})
	require.NoError(t, err)

	reader := NewCombinedTupleReader(ds, []*tupleUtils.TupleKey{
		tupleUtils.NewTupleKey("document:ephemeral", "viewer", "user:anne"),
		tupleUtils.NewTupleKey("document:ephemeral", "editor", "user:bob"),
		tupleUtils.NewTupleKey("folder:f1", "viewer", "user:anne"),
	})

	t.Run("read_merges_both_sources", func(t *testing.T) {
		iter, err := reader.Read(ctx, &tupleUtils.TupleKey{Object: "document:ephemeral", Relation: "viewer"})
		require.NoError(t, err)
		require.Equal(t, []string{"document:ephemeral"}, collectObjects(t, iter))

		iter, err = reader.Read(ctx, &tupleUtils.TupleKey{Object: "document:stored", Relation: "viewer"})
		require.NoError(t, err)
		require.Equal(t, []string{"document:stored"}, collectObjects(t, iter))
	})

	t.Run("read_by_type_prefix", func(t *testing.T) {
		iter, err := reader.Read(ctx, &tupleUtils.TupleKey{Object: "document:", Relation: "viewer"})
		require.NoError(t, err)
		require.Equal(t, []string{"document:ephemeral", "document:stored"}, collectObjects(t, iter))
	})

	t.Run("read_with_user_filters_both_sources", func(t *testing.T) {
		iter, err := reader.Read(ctx, tupleUtils.NewTupleKey("document:", "viewer", "user:anne"))
		require.NoError(t, err)
		require.Equal(t, []string{"document:ephemeral", "document:stored"}, collectObjects(t, iter))

		iter, err = reader.Read(ctx, tupleUtils.NewTupleKey("document:", "viewer", "user:bob"))
		require.NoError(t, err)
		require.Empty(t, collectObjects(t, iter))
	})

	t.Run("relation_filter_applies_to_contextual_tuples", func(t *testing.T) {
		iter, err := reader.Read(ctx, &tupleUtils.TupleKey{Object: "document:ephemeral", Relation: "editor"})
		require.NoError(t, err)
		require.Equal(t, []string{"document:ephemeral"}, collectObjects(t, iter))
	})

	t.Run("read_user_tuple_prefers_contextual", func(t *testing.T) {
		tp, err := reader.ReadUserTuple(ctx, tupleUtils.NewTupleKey("document:ephemeral", "viewer", "user:anne"))
		require.NoError(t, err)
		require.Equal(t, "document:ephemeral", tp.Key.Object)
	})

	t.Run("read_user_tuple_falls_back_to_store", func(t *testing.T) {
		tp, err := reader.ReadUserTuple(ctx, tupleUtils.NewTupleKey("document:stored", "viewer", "user:anne"))
		require.NoError(t, err)
		require.Equal(t, "document:stored", tp.Key.Object)
	})

	t.Run("absent_everywhere", func(t *testing.T) {
		_, err := reader.ReadUserTuple(ctx, tupleUtils.NewTupleKey("document:none", "viewer", "user:anne"))
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("userset_tuples_from_contextual", func(t *testing.T) {
		usReader := NewCombinedTupleReader(ds, []*tupleUtils.TupleKey{
			tupleUtils.NewTupleKey("document:ephemeral", "viewer", "group:eng#member"),
			tupleUtils.NewTupleKey("document:ephemeral", "viewer", "user:carol"),
		})

		iter, err := usReader.ReadUsersetTuples(ctx, storage.ReadUsersetTuplesFilter{
			Object:   "document:ephemeral",
			Relation: "viewer",
			AllowedUserTypeRestrictions: []*typesystem.RelationReference{
				typesystem.DirectRelationReference("group", "member"),
			},
		})
		require.NoError(t, err)

		users := collectUsers(t, iter)
		require.Equal(t, []string{"group:eng#member"}, users)
	})

	t.Run("read_starting_with_user", func(t *testing.T) {
		iter, err := reader.ReadStartingWithUser(ctx, storage.ReadStartingWithUserFilter{
			ObjectType: "document",
			Relation:   "viewer",
			UserFilter: []*typesystem.ObjectRelation{{Object: "user:anne"}},
		})
		require.NoError(t, err)
		require.Equal(t, []string{"document:ephemeral", "document:stored"}, collectObjects(t, iter))
	})
}

func collectUsers(t *testing.T, iter storage.TupleIterator) []string {
	t.Helper()
	defer iter.Stop()

	var users []string
	for {
		tp, err := iter.Next(context.Background())
		if err != nil {
			require.ErrorIs(t, err, storage.ErrIteratorDone)
			break
		}
		users = append(users, tp.Key.User)
	}
	sort.Strings(users)

	return users
}
