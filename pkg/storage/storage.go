// Package storage contains the datastore interfaces the engine evaluates
// against, along with shared iterator plumbing and errors.
package storage

import (
	"context"

	"github.com/permgraph/permgraph/pkg/tuple"
	"github.com/permgraph/permgraph/pkg/typesystem"
)

const (
	DefaultMaxTuplesPerWrite = 100
)

// Writes and Deletes are typesafe aliases for Write arguments.
type Writes = []*tuple.TupleKey
type Deletes = []*tuple.TupleKeyWithoutCondition

// A TupleBackend provides an R/W interface for managing tuples.
type TupleBackend interface {
	RelationshipTupleReader
	RelationshipTupleWriter
}

type RelationshipTupleReader interface {
	// Read the set of tuples matching `tupleKey`, which may be nil or
	// partially filled. If nil, Read returns an iterator over all tuples. If
	// partially filled, the empty fields are treated as wildcards; an Object
	// with a type but no ID ("document:") matches every object of that type.
	//
	// The caller must close the TupleIterator, either by consuming it entirely
	// or by calling Stop. Iteration order is deterministic within one snapshot
	// but otherwise unspecified.
	Read(ctx context.Context, tupleKey *tuple.TupleKey) (TupleIterator, error)

	// ReadUserTuple tries to return one tuple that matches the provided key
	// exactly (ignoring any condition attached to either side). When several
	// condition variants share the natural key, which one is returned is
	// unspecified; callers that must see every variant use Read with a fully
	// specified key. If none is found, it must return ErrNotFound.
	ReadUserTuple(ctx context.Context, tupleKey *tuple.TupleKey) (*tuple.Tuple, error)

	// ReadUsersetTuples returns all userset-subject tuples for a specified
	// object and relation, e.g. tuples whose subject is 'group:eng#member' or
	// a typed wildcard. If AllowedUserTypeRestrictions is non-empty, only
	// subjects admitted by one of the restrictions are yielded.
	ReadUsersetTuples(ctx context.Context, filter ReadUsersetTuplesFilter) (TupleIterator, error)

	// ReadStartingWithUser performs a reverse read of relationship tuples
	// starting at one or more subjects, filtered by object type and relation.
	ReadStartingWithUser(ctx context.Context, filter ReadStartingWithUserFilter) (TupleIterator, error)
}

type RelationshipTupleWriter interface {
	// Write atomically applies deletes before writes. Deleting a tuple that
	// does not exist is a no-op; writing a tuple that already exists with an
	// identical condition is idempotent. A reader never observes a partially
	// applied batch. If there are more than MaxTuplesPerWrite operations, it
	// must return ErrExceededWriteBatchLimit.
	Write(ctx context.Context, deletes Deletes, writes Writes) error

	// MaxTuplesPerWrite returns the maximum number of items (writes and
	// deletes combined) allowed in a single write transaction.
	MaxTuplesPerWrite() int
}

// ReadUsersetTuplesFilter specifies the filter options for ReadUsersetTuples.
type ReadUsersetTuplesFilter struct {
	Object                      string                           // required
	Relation                    string                           // required
	AllowedUserTypeRestrictions []*typesystem.RelationReference  // optional
}

// ReadStartingWithUserFilter specifies the filter options that will be used
// to constrain the ReadStartingWithUser query.
type ReadStartingWithUserFilter struct {
	ObjectType string
	Relation   string
	UserFilter []*typesystem.ObjectRelation
}

// AuthorizationModelReadBackend provides a read interface for managing models.
type AuthorizationModelReadBackend interface {
	// ReadAuthorizationModel reads the model corresponding to the id.
	// If it's not found, it must return ErrNotFound.
	ReadAuthorizationModel(ctx context.Context, id string) (*typesystem.AuthorizationModel, error)

	// FindLatestAuthorizationModelID returns the last model id written.
	// If none were ever written, it must return ErrNotFound.
	FindLatestAuthorizationModelID(ctx context.Context) (string, error)
}

// AuthorizationModelWriteBackend provides a write interface for managing models.
type AuthorizationModelWriteBackend interface {
	// WriteAuthorizationModel writes an authorization model. Models are
	// immutable once written.
	WriteAuthorizationModel(ctx context.Context, model *typesystem.AuthorizationModel) error
}

// AuthorizationModelBackend provides an R/W interface for managing models.
type AuthorizationModelBackend interface {
	AuthorizationModelReadBackend
	AuthorizationModelWriteBackend
}

// Datastore is the complete storage contract the engine is constructed over.
type Datastore interface {
	TupleBackend
	AuthorizationModelBackend

	// IsReady reports whether the datastore is ready to accept traffic.
	IsReady(ctx context.Context) (ReadinessStatus, error)

	// Close closes the datastore and cleans up any residual resources.
	Close()
}

// ReadinessStatus represents the readiness status of the datastore.
type ReadinessStatus struct {
	// Message is a human-friendly status message for the current datastore status.
	Message string

	IsReady bool
}
