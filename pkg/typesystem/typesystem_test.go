package typesystem

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/permgraph/permgraph/internal/condition"
)

func userTypeDefinition() *TypeDefinition {
	return &TypeDefinition{Type: "user"}
}

func documentModel() *AuthorizationModel {
	return &AuthorizationModel{
		ID: "01HXF8V3N2P6Q5R4S3T2V1W0X9",
		TypeDefinitions: []*TypeDefinition{
			userTypeDefinition(),
			{
				Type: "folder",
				Relations: map[string]*Userset{
					"owner":  This(),
					"viewer": Union(This(), ComputedUserset("owner")),
				},
				Metadata: map[string]*RelationMetadata{
					"owner": {
						DirectlyRelatedUserTypes: []*RelationReference{
							DirectRelationReference("user", ""),
						},
					},
					"viewer": {
						DirectlyRelatedUserTypes: []*RelationReference{
							DirectRelationReference("user", ""),
						},
					},
				},
			},
			{
				Type: "document",
				Relations: map[string]*Userset{
					"parent": This(),
					"owner":  This(),
					"viewer": Union(
						This(),
						ComputedUserset("owner"),
						TupleToUserset("parent", "viewer"),
					),
				},
				Metadata: map[string]*RelationMetadata{
					"parent": {
						DirectlyRelatedUserTypes: []*RelationReference{
							DirectRelationReference("folder", ""),
						},
					},
					"owner": {
						DirectlyRelatedUserTypes: []*RelationReference{
							DirectRelationReference("user", ""),
						},
					},
					"viewer": {
						DirectlyRelatedUserTypes: []*RelationReference{
							DirectRelationReference("user", ""),
							WildcardRelationReference("user"),
							DirectRelationReference("group", "member"),
						},
					},
				},
			},
			{
				Type: "group",
				Relations: map[string]*Userset{
					"member": This(),
				},
				Metadata: map[string]*RelationMetadata{
					"member": {
						DirectlyRelatedUserTypes: []*RelationReference{
							DirectRelationReference("user", ""),
							DirectRelationReference("group", "member"),
						},
					},
				},
			},
		},
	}
}

func TestNewAndValidate(t *testing.T) {
	t.Run("valid_model", func(t *testing.T) {
		typesys, err := NewAndValidate(documentModel())
		require.NoError(t, err)
		require.Equal(t, "01HXF8V3N2P6Q5R4S3T2V1W0X9", typesys.GetAuthorizationModelID())
	})

	t.Run("duplicate_types", func(t *testing.T) {
		model := documentModel()
		model.TypeDefinitions = append(model.TypeDefinitions, userTypeDefinition())

		_, err := NewAndValidate(model)
		require.ErrorIs(t, err, ErrDuplicateTypes)
	})

	t.Run("computed_userset_of_undefined_relation", func(t *testing.T) {
		model := &AuthorizationModel{
			TypeDefinitions: []*TypeDefinition{
				userTypeDefinition(),
				{
					Type: "document",
					Relations: map[string]*Userset{
						"viewer": ComputedUserset("editor"),
					},
				},
			},
		}

		_, err := NewAndValidate(model)
		require.ErrorIs(t, err, ErrRelationUndefined)
	})

	t.Run("self_referential_computed_userset", func(t *testing.T) {
		model := &AuthorizationModel{
			TypeDefinitions: []*TypeDefinition{
				userTypeDefinition(),
				{
					Type: "document",
					Relations: map[string]*Userset{
						"viewer": Union(This(), ComputedUserset("viewer")),
					},
					Metadata: map[string]*RelationMetadata{
						"viewer": {
							DirectlyRelatedUserTypes: []*RelationReference{
								DirectRelationReference("user", ""),
							},
						},
					},
				},
			},
		}

		_, err := NewAndValidate(model)
		require.ErrorIs(t, err, ErrCyclicRewrite)
	})

	t.Run("mutually_recursive_relations", func(t *testing.T) {
		model := &AuthorizationModel{
			TypeDefinitions: []*TypeDefinition{
				userTypeDefinition(),
				{
					Type: "document",
					Relations: map[string]*Userset{
						"viewer": ComputedUserset("editor"),
						"editor": ComputedUserset("viewer"),
					},
				},
			},
		}

		_, err := NewAndValidate(model)
		require.ErrorIs(t, err, ErrCyclicRewrite)
	})

	t.Run("recursion_through_tupleset_is_permitted", func(t *testing.T) {
		// folder viewer reaches folder viewer, but only across a parent
		// tuple, which changes the object under evaluation.
		model := &AuthorizationModel{
			TypeDefinitions: []*TypeDefinition{
				userTypeDefinition(),
				{
					Type: "folder",
					Relations: map[string]*Userset{
						"parent": This(),
						"viewer": Union(This(), TupleToUserset("parent", "viewer")),
					},
					Metadata: map[string]*RelationMetadata{
						"parent": {
							DirectlyRelatedUserTypes: []*RelationReference{
								DirectRelationReference("folder", ""),
							},
						},
						"viewer": {
							DirectlyRelatedUserTypes: []*RelationReference{
								DirectRelationReference("user", ""),
							},
						},
					},
				},
			},
		}

		_, err := NewAndValidate(model)
		require.NoError(t, err)
	})

	t.Run("assignable_relation_without_type_restrictions", func(t *testing.T) {
		model := &AuthorizationModel{
			TypeDefinitions: []*TypeDefinition{
				userTypeDefinition(),
				{
					Type: "document",
					Relations: map[string]*Userset{
						"viewer": This(),
					},
				},
			},
		}

		_, err := NewAndValidate(model)
		require.Error(t, err)
	})

	t.Run("type_restriction_on_undefined_type", func(t *testing.T) {
		model := &AuthorizationModel{
			TypeDefinitions: []*TypeDefinition{
				{
					Type: "document",
					Relations: map[string]*Userset{
						"viewer": This(),
					},
					Metadata: map[string]*RelationMetadata{
						"viewer": {
							DirectlyRelatedUserTypes: []*RelationReference{
								DirectRelationReference("employee", ""),
							},
						},
					},
				},
			},
		}

		_, err := NewAndValidate(model)
		require.Error(t, err)
	})

	t.Run("condition_that_does_not_compile", func(t *testing.T) {
		model := documentModel()
		model.Conditions = map[string]*condition.Condition{
			"broken": {
				Name:       "broken",
				Expression: "x +",
				Parameters: map[string]condition.ParamType{"x": condition.IntParamType},
			},
		}

		_, err := NewAndValidate(model)
		require.Error(t, err)
	})

	t.Run("valid_condition_compiles", func(t *testing.T) {
		model := documentModel()
		model.Conditions = map[string]*condition.Condition{
			"valid_ip": {
				Name:       "valid_ip",
				Expression: "ip == '192.168.0.1'",
				Parameters: map[string]condition.ParamType{"ip": condition.StringParamType},
			},
		}

		typesys, err := NewAndValidate(model)
		require.NoError(t, err)

		_, ok := typesys.GetCondition("valid_ip")
		require.True(t, ok)
	})
}

func TestGetRelation(t *testing.T) {
	typesys, err := NewAndValidate(documentModel())
	require.NoError(t, err)

	t.Run("defined_relation", func(t *testing.T) {
		rel, err := typesys.GetRelation("document", "viewer")
		require.NoError(t, err)
		require.Equal(t, "viewer", rel.Name)
	})

	t.Run("undefined_relation", func(t *testing.T) {
		_, err := typesys.GetRelation("document", "editor")
		require.ErrorIs(t, err, ErrRelationUndefined)
	})

	t.Run("undefined_type", func(t *testing.T) {
		_, err := typesys.GetRelation("repo", "admin")
		require.ErrorIs(t, err, ErrObjectTypeUndefined)
	})
}

func TestIsDirectlyRelated(t *testing.T) {
	typesys, err := NewAndValidate(documentModel())
	require.NoError(t, err)

	for _, tc := range []struct {
		name     string
		target   *RelationReference
		source   *RelationReference
		expected bool
	}{
		{
			name:     "concrete_subject_type",
			target:   DirectRelationReference("document", "viewer"),
			source:   DirectRelationReference("user", ""),
			expected: true,
		},
		{
			name:     "userset_subject",
			target:   DirectRelationReference("document", "viewer"),
			source:   DirectRelationReference("group", "member"),
			expected: true,
		},
		{
			name:     "wildcard_subject",
			target:   DirectRelationReference("document", "viewer"),
			source:   WildcardRelationReference("user"),
			expected: true,
		},
		{
			name:     "wildcard_not_declared",
			target:   DirectRelationReference("document", "owner"),
			source:   WildcardRelationReference("user"),
			expected: false,
		},
		{
			name:     "unrelated_subject_type",
			target:   DirectRelationReference("document", "owner"),
			source:   DirectRelationReference("group", "member"),
			expected: false,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ok, err := typesys.IsDirectlyRelated(tc.target, tc.source)
			require.NoError(t, err)
			require.Equal(t, tc.expected, ok)
		})
	}
}

func TestReachableRelations(t *testing.T) {
	typesys, err := NewAndValidate(documentModel())
	require.NoError(t, err)

	reachable, err := typesys.ReachableRelations("document", "viewer")
	require.NoError(t, err)

	require.Equal(t, map[string]struct{}{
		"viewer": {},
		"owner":  {},
		"parent": {},
	}, reachable)
}

func TestTuplesetComputedRelations(t *testing.T) {
	typesys, err := NewAndValidate(documentModel())
	require.NoError(t, err)

	tuplesets, err := typesys.TuplesetComputedRelations("document", "viewer")
	require.NoError(t, err)
	require.Equal(t, map[string][]string{"parent": {"viewer"}}, tuplesets)

	tuplesets, err = typesys.TuplesetComputedRelations("document", "owner")
	require.NoError(t, err)
	require.Empty(t, tuplesets)
}
