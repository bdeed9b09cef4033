package tuple

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitObject(t *testing.T) {
	for _, tc := range []struct {
		name           string
		objectKey      string
		expectedType   string
		expectedOID    string
	}{
		{
			name:         "well_formed",
			objectKey:    "document:1",
			expectedType: "document",
			expectedOID:  "1",
		},
		{
			name:         "no_separator",
			objectKey:    "document",
			expectedType: "",
			expectedOID:  "document",
		},
		{
			name:         "trailing_separator",
			objectKey:    "document:",
			expectedType: "document",
			expectedOID:  "",
		},
		{
			name:         "id_contains_separator",
			objectKey:    "document:a:b",
			expectedType: "document",
			expectedOID:  "a:b",
		},
		{
			name:         "empty",
			objectKey:    "",
			expectedType: "",
			expectedOID:  "",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			objectType, objectID := SplitObject(tc.objectKey)
			require.Equal(t, tc.expectedType, objectType)
			require.Equal(t, tc.expectedOID, objectID)
		})
	}
}

func TestSplitObjectRelation(t *testing.T) {
	for _, tc := range []struct {
		name             string
		objectRelation   string
		expectedObject   string
		expectedRelation string
	}{
		{
			name:             "userset",
			objectRelation:   "group:eng#member",
			expectedObject:   "group:eng",
			expectedRelation: "member",
		},
		{
			name:             "plain_object",
			objectRelation:   "user:anne",
			expectedObject:   "user:anne",
			expectedRelation: "",
		},
		{
			name:             "trailing_hash",
			objectRelation:   "group:eng#",
			expectedObject:   "group:eng",
			expectedRelation: "",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			object, relation := SplitObjectRelation(tc.objectRelation)
			require.Equal(t, tc.expectedObject, object)
			require.Equal(t, tc.expectedRelation, relation)
		})
	}
}

func TestGetUserTypeFromUser(t *testing.T) {
	for _, tc := range []struct {
		name     string
		user     string
		expected UserType
	}{
		{name: "concrete_user", user: "user:anne", expected: User},
		{name: "userset", user: "group:eng#member", expected: UserSet},
		{name: "typed_wildcard", user: "user:*", expected: UserSet},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, GetUserTypeFromUser(tc.user))
		})
	}
}

func TestIsTypedWildcard(t *testing.T) {
	require.True(t, IsTypedWildcard("user:*"))
	require.False(t, IsTypedWildcard("user:anne"))
	require.False(t, IsTypedWildcard("*"))
	require.False(t, IsTypedWildcard("group:eng#member"))
}

func TestIsValidObject(t *testing.T) {
	for _, tc := range []struct {
		name   string
		object string
		valid  bool
	}{
		{name: "well_formed", object: "document:1", valid: true},
		{name: "missing_id", object: "document:", valid: false},
		{name: "missing_type", object: ":1", valid: false},
		{name: "no_separator", object: "document", valid: false},
		{name: "embedded_hash", object: "document:a#b", valid: false},
		{name: "embedded_space", object: "document:a b", valid: false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.valid, IsValidObject(tc.object))
		})
	}
}

func TestIsValidUser(t *testing.T) {
	for _, tc := range []struct {
		name  string
		user  string
		valid bool
	}{
		{name: "concrete_user", user: "user:anne", valid: true},
		{name: "userset", user: "group:eng#member", valid: true},
		{name: "typed_wildcard", user: "user:*", valid: true},
		{name: "double_hash", user: "group:eng#member#sub", valid: false},
		{name: "embedded_space", user: "user:an ne", valid: false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.valid, IsValidUser(tc.user))
		})
	}
}

func TestTupleKeyToString(t *testing.T) {
	tk := NewTupleKey("document:1", "viewer", "user:anne")
	require.Equal(t, "document:1#viewer@user:anne", TupleKeyToString(tk))
}

func TestToObjectRelationString(t *testing.T) {
	require.Equal(t, "group:eng#member", ToObjectRelationString("group:eng", "member"))
}

func TestTypedPublicWildcard(t *testing.T) {
	require.Equal(t, "user:*", TypedPublicWildcard("user"))
}
