package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/permgraph/permgraph/pkg/storage"
	"github.com/permgraph/permgraph/pkg/tuple"
	"github.com/permgraph/permgraph/pkg/typesystem"
)

func readAll(t *testing.T, iter storage.TupleIterator) []*tuple.Tuple {
	t.Helper()
	defer iter.Stop()

	var tuples []*tuple.Tuple
	for {
		tp, err := iter.Next(context.Background())
		if err != nil {
			if errors.Is(err, storage.ErrIteratorDone) {
				break
			}
			t.Fatal(err)
		}
		tuples = append(tuples, tp)
	}
	return tuples
}

func TestWriteAndRead(t *testing.T) {
	ds := New()
	defer ds.Close()
	ctx := context.Background()

	err := ds.Write(ctx, nil, []*tuple.TupleKey{
		tuple.NewTupleKey("document:1", "viewer", "user:anne"),
		tuple.NewTupleKey("document:1", "viewer", "user:bob"),
		tuple.NewTupleKey("document:2", "viewer", "user:anne"),
	})
	require.NoError(t, err)

	t.Run("read_by_object_and_relation", func(t *testing.T) {
		iter, err := ds.Read(ctx, tuple.NewTupleKey("document:1", "viewer", ""))
		require.NoError(t, err)
		require.Len(t, readAll(t, iter), 2)
	})

	t.Run("read_by_object_type_only", func(t *testing.T) {
		iter, err := ds.Read(ctx, &tuple.TupleKey{Object: "document:", Relation: "viewer"})
		require.NoError(t, err)
		require.Len(t, readAll(t, iter), 3)
	})

	t.Run("read_user_tuple_found", func(t *testing.T) {
		tp, err := ds.ReadUserTuple(ctx, tuple.NewTupleKey("document:1", "viewer", "user:anne"))
		require.NoError(t, err)
		require.Equal(t, "user:anne", tp.Key.User)
	})

	t.Run("read_user_tuple_not_found", func(t *testing.T) {
		_, err := ds.ReadUserTuple(ctx, tuple.NewTupleKey("document:1", "viewer", "user:carol"))
		require.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestWriteDeleteSemantics(t *testing.T) {
	ctx := context.Background()

	t.Run("deleting_an_absent_tuple_is_a_noop", func(t *testing.T) {
		ds := New()
		defer ds.Close()

		err := ds.Write(ctx, []*tuple.TupleKeyWithoutCondition{
			tuple.NewTupleKeyWithoutCondition("document:1", "viewer", "user:anne"),
		}, nil)
		require.NoError(t, err)
	})

	t.Run("delete_then_read", func(t *testing.T) {
		ds := New()
		defer ds.Close()

		tk := tuple.NewTupleKey("document:1", "viewer", "user:anne")
		require.NoError(t, ds.Write(ctx, nil, []*tuple.TupleKey{tk}))

		err := ds.Write(ctx, []*tuple.TupleKeyWithoutCondition{
			tuple.NewTupleKeyWithoutCondition("document:1", "viewer", "user:anne"),
		}, nil)
		require.NoError(t, err)

		_, err = ds.ReadUserTuple(ctx, tk)
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("delete_removes_conditioned_variants", func(t *testing.T) {
		ds := New()
		defer ds.Close()

		require.NoError(t, ds.Write(ctx, nil, []*tuple.TupleKey{
			tuple.NewTupleKeyWithCondition("document:1", "viewer", "user:anne", "valid_ip", nil),
		}))

		require.NoError(t, ds.Write(ctx, []*tuple.TupleKeyWithoutCondition{
			tuple.NewTupleKeyWithoutCondition("document:1", "viewer", "user:anne"),
		}, nil))

		_, err := ds.ReadUserTuple(ctx, tuple.NewTupleKey("document:1", "viewer", "user:anne"))
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("identical_rewrite_is_idempotent", func(t *testing.T) {
		ds := New()
		defer ds.Close()

		tk := tuple.NewTupleKey("document:1", "viewer", "user:anne")
		require.NoError(t, ds.Write(ctx, nil, []*tuple.TupleKey{tk}))
		require.NoError(t, ds.Write(ctx, nil, []*tuple.TupleKey{tk}))

		iter, err := ds.Read(ctx, tuple.NewTupleKey("document:1", "viewer", ""))
		require.NoError(t, err)
		require.Len(t, readAll(t, iter), 1)
	})

	t.Run("batch_limit", func(t *testing.T) {
		ds := New(WithMaxTuplesPerWrite(1))
		defer ds.Close()

		err := ds.Write(ctx, nil, []*tuple.TupleKey{
			tuple.NewTupleKey("document:1", "viewer", "user:anne"),
			tuple.NewTupleKey("document:1", "viewer", "user:bob"),
		})
		require.ErrorIs(t, err, storage.ErrExceededWriteBatchLimit)
	})
}

func TestReadUsersetTuples(t *testing.T) {
	ds := New()
	defer ds.Close()
	ctx := context.Background()

	err := ds.Write(ctx, nil, []*tuple.TupleKey{
		tuple.NewTupleKey("document:1", "viewer", "user:anne"),
		tuple.NewTupleKey("document:1", "viewer", "group:eng#member"),
		tuple.NewTupleKey("document:1", "viewer", "group:hr#member"),
		tuple.NewTupleKey("document:1", "viewer", "user:*"),
	})
	require.NoError(t, err)

	t.Run("no_restrictions_returns_userset_subjects", func(t *testing.T) {
		iter, err := ds.ReadUsersetTuples(ctx, storage.ReadUsersetTuplesFilter{
			Object:   "document:1",
			Relation: "viewer",
		})
		require.NoError(t, err)
		require.Len(t, readAll(t, iter), 3)
	})

	t.Run("restricted_to_group_member", func(t *testing.T) {
		iter, err := ds.ReadUsersetTuples(ctx, storage.ReadUsersetTuplesFilter{
			Object:   "document:1",
			Relation: "viewer",
			AllowedUserTypeRestrictions: []*typesystem.RelationReference{
				typesystem.DirectRelationReference("group", "member"),
			},
		})
		require.NoError(t, err)

		tuples := readAll(t, iter)
		require.Len(t, tuples, 2)
		for _, tp := range tuples {
			require.Equal(t, "group", tuple.GetType(tp.Key.User))
		}
	})

	t.Run("restricted_to_wildcard", func(t *testing.T) {
		iter, err := ds.ReadUsersetTuples(ctx, storage.ReadUsersetTuplesFilter{
			Object:   "document:1",
			Relation: "viewer",
			AllowedUserTypeRestrictions: []*typesystem.RelationReference{
				typesystem.WildcardRelationReference("user"),
			},
		})
		require.NoError(t, err)

		tuples := readAll(t, iter)
		require.Len(t, tuples, 1)
		require.Equal(t, "user:*", tuples[0].Key.User)
	})
}

func TestReadStartingWithUser(t *testing.T) {
	ds := New()
	defer ds.Close()
	ctx := context.Background()

	err := ds.Write(ctx, nil, []*tuple.TupleKey{
		tuple.NewTupleKey("document:1", "viewer", "user:anne"),
		tuple.NewTupleKey("document:2", "viewer", "user:anne"),
		tuple.NewTupleKey("document:3", "viewer", "user:bob"),
		tuple.NewTupleKey("document:4", "editor", "user:anne"),
	})
	require.NoError(t, err)

	iter, err := ds.ReadStartingWithUser(ctx, storage.ReadStartingWithUserFilter{
		ObjectType: "document",
		Relation:   "viewer",
		UserFilter: []*typesystem.ObjectRelation{{Object: "user:anne"}},
	})
	require.NoError(t, err)

	tuples := readAll(t, iter)
	require.Len(t, tuples, 2)
}

func TestAuthorizationModels(t *testing.T) {
	ds := New()
	defer ds.Close()
	ctx := context.Background()

	t.Run("no_models_written", func(t *testing.T) {
		_, err := ds.FindLatestAuthorizationModelID(ctx)
		require.ErrorIs(t, err, storage.ErrLatestAuthorizationModelNotFound)
	})

	t.Run("latest_is_the_lexicographic_maximum", func(t *testing.T) {
		older := &typesystem.AuthorizationModel{ID: "01HXF8V3N2P6Q5R4S3T2V1W0X9"}
		newer := &typesystem.AuthorizationModel{ID: "01J00000000000000000000000"}

		require.NoError(t, ds.WriteAuthorizationModel(ctx, newer))
		require.NoError(t, ds.WriteAuthorizationModel(ctx, older))

		latest, err := ds.FindLatestAuthorizationModelID(ctx)
		require.NoError(t, err)
		require.Equal(t, newer.ID, latest)
	})

	t.Run("read_by_id", func(t *testing.T) {
		model, err := ds.ReadAuthorizationModel(ctx, "01HXF8V3N2P6Q5R4S3T2V1W0X9")
		require.NoError(t, err)
		require.Equal(t, "01HXF8V3N2P6Q5R4S3T2V1W0X9", model.ID)
	})

	t.Run("read_unknown_id", func(t *testing.T) {
		_, err := ds.ReadAuthorizationModel(ctx, "unknown")
		require.ErrorIs(t, err, typesystem.ErrModelNotFound)
	})
}
