// Package memory provides an ephemeral, process-local Datastore. Writes take
// the write lock, reads copy a snapshot, so scans are restartable and a reader
// never observes a partially applied batch.
package memory

import (
	"context"
	"maps"
	"reflect"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/permgraph/permgraph/pkg/storage"
	tupleUtils "github.com/permgraph/permgraph/pkg/tuple"
	"github.com/permgraph/permgraph/pkg/typesystem"
)

var tracer = otel.Tracer("permgraph/pkg/storage/memory")

type tupleRecord struct {
	objectType       string
	objectID         string
	relation         string
	user             string
	conditionName    string
	conditionContext map[string]any
	insertedAt       time.Time
}

func (t *tupleRecord) asTuple() *tupleUtils.Tuple {
	key := tupleUtils.NewTupleKey(
		tupleUtils.BuildObject(t.objectType, t.objectID),
		t.relation,
		t.user,
	)

	if t.conditionName != "" {
		key.Condition = &tupleUtils.RelationshipCondition{
			Name:    t.conditionName,
			Context: maps.Clone(t.conditionContext),
		}
	}

	return &tupleUtils.Tuple{
		Key:       key,
		Timestamp: t.insertedAt,
	}
}

// sameKey returns true if the record has the natural key of the target
// (object, relation, user), ignoring conditions.
func (t *tupleRecord) sameKey(object, relation, user string) bool {
	return tupleUtils.BuildObject(t.objectType, t.objectID) == object &&
		t.relation == relation &&
		t.user == user
}

// match returns true if all the fields set in the target TupleKey are equal to
// the same field in the record. If the target Object doesn't specify an ID,
// only the object types are compared. Empty target fields are ignored.
func match(t *tupleRecord, target *tupleUtils.TupleKey) bool {
	if target.Object != "" {
		td, objectid := tupleUtils.SplitObject(target.Object)
		if objectid == "" {
			if td != t.objectType {
				return false
			}
		} else {
			if td != t.objectType || objectid != t.objectID {
				return false
			}
		}
	}
	if target.Relation != "" && t.relation != target.Relation {
		return false
	}
	if target.User != "" && t.user != target.User {
		return false
	}
	return true
}

// StorageOption configures a Datastore instance.
type StorageOption func(dataStore *Datastore)

func WithMaxTuplesPerWrite(n int) StorageOption {
	return func(ds *Datastore) {
		ds.maxTuplesPerWrite = n
	}
}

// Datastore is an in-memory implementation of storage.Datastore. Instances
// may be safely shared by multiple goroutines.
type Datastore struct {
	maxTuplesPerWrite int

	tuples      []*tupleRecord // GUARDED_BY(mutexTuples).
	mutexTuples sync.RWMutex

	authorizationModels map[string]*typesystem.AuthorizationModel // GUARDED_BY(mutexModels).
	latestModelID       string                                    // GUARDED_BY(mutexModels).
	mutexModels         sync.RWMutex
}

var _ storage.Datastore = (*Datastore)(nil)

// New creates a new empty Datastore.
func New(opts ...StorageOption) *Datastore {
	ds := &Datastore{
		maxTuplesPerWrite:   storage.DefaultMaxTuplesPerWrite,
		authorizationModels: make(map[string]*typesystem.AuthorizationModel),
	}

	for _, opt := range opts {
		opt(ds)
	}

	return ds
}

// Read see storage.RelationshipTupleReader.Read.
func (s *Datastore) Read(ctx context.Context, key *tupleUtils.TupleKey) (storage.TupleIterator, error) {
	_, span := tracer.Start(ctx, "memory.Read")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mutexTuples.RLock()
	defer s.mutexTuples.RUnlock()

	var matches []*tupleUtils.Tuple
	for _, t := range s.tuples {
		if key == nil || match(t, key) {
			matches = append(matches, t.asTuple())
		}
	}

	return storage.NewStaticTupleIterator(matches), nil
}

// ReadUserTuple see storage.RelationshipTupleReader.ReadUserTuple.
func (s *Datastore) ReadUserTuple(ctx context.Context, key *tupleUtils.TupleKey) (*tupleUtils.Tuple, error) {
	_, span := tracer.Start(ctx, "memory.ReadUserTuple")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mutexTuples.RLock()
	defer s.mutexTuples.RUnlock()

	for _, t := range s.tuples {
		if t.sameKey(key.Object, key.Relation, key.User) {
			return t.asTuple(), nil
		}
	}

	return nil, storage.ErrNotFound
}

// ReadUsersetTuples see storage.RelationshipTupleReader.ReadUsersetTuples.
func (s *Datastore) ReadUsersetTuples(ctx context.Context, filter storage.ReadUsersetTuplesFilter) (storage.TupleIterator, error) {
	_, span := tracer.Start(ctx, "memory.ReadUsersetTuples")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mutexTuples.RLock()
	defer s.mutexTuples.RUnlock()

	var matches []*tupleUtils.Tuple
	for _, t := range s.tuples {
		if match(t, &tupleUtils.TupleKey{
			Object:   filter.Object,
			Relation: filter.Relation,
		}) && tupleUtils.GetUserTypeFromUser(t.user) == tupleUtils.UserSet {
			if len(filter.AllowedUserTypeRestrictions) == 0 {
				matches = append(matches, t.asTuple())
				continue
			}

			for _, allowedType := range filter.AllowedUserTypeRestrictions {
				if allowedType.Relation != "" {
					usersetObject, usersetRelation := tupleUtils.SplitObjectRelation(t.user)
					if tupleUtils.GetType(usersetObject) == allowedType.Type && usersetRelation == allowedType.Relation {
						matches = append(matches, t.asTuple())
						break
					}
				}

				if allowedType.Wildcard && t.user == tupleUtils.TypedPublicWildcard(allowedType.Type) {
					matches = append(matches, t.asTuple())
					break
				}
			}
		}
	}

	return storage.NewStaticTupleIterator(matches), nil
}

// ReadStartingWithUser see storage.RelationshipTupleReader.ReadStartingWithUser.
func (s *Datastore) ReadStartingWithUser(ctx context.Context, filter storage.ReadStartingWithUserFilter) (storage.TupleIterator, error) {
	_, span := tracer.Start(ctx, "memory.ReadStartingWithUser")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mutexTuples.RLock()
	defer s.mutexTuples.RUnlock()

	var matches []*tupleUtils.Tuple
	for _, t := range s.tuples {
		if t.objectType != filter.ObjectType {
			continue
		}

		if t.relation != filter.Relation {
			continue
		}

		for _, userFilter := range filter.UserFilter {
			targetUser := userFilter.Object
			if userFilter.Relation != "" {
				targetUser = tupleUtils.ToObjectRelationString(userFilter.Object, userFilter.Relation)
			}

			if targetUser == t.user {
				matches = append(matches, t.asTuple())
				break
			}
		}
	}

	return storage.NewStaticTupleIterator(matches), nil
}

// Write see storage.RelationshipTupleWriter.Write.
func (s *Datastore) Write(ctx context.Context, deletes storage.Deletes, writes storage.Writes) error {
	_, span := tracer.Start(ctx, "memory.Write")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return err
	}

	if len(deletes)+len(writes) > s.maxTuplesPerWrite {
		return storage.ErrExceededWriteBatchLimit
	}

	s.mutexTuples.Lock()
	defer s.mutexTuples.Unlock()

	now := time.Now().UTC()

	// Deletes match on the natural key alone and remove every conditioned
	// variant. Deleting an absent tuple is a no-op.
	for _, tk := range deletes {
		var keep []*tupleRecord
		for _, t := range s.tuples {
			if !t.sameKey(tk.Object, tk.Relation, tk.User) {
				keep = append(keep, t)
			}
		}
		s.tuples = keep
	}

	for _, tk := range writes {
		objectType, objectID := tupleUtils.SplitObject(tk.Object)

		record := &tupleRecord{
			objectType: objectType,
			objectID:   objectID,
			relation:   tk.Relation,
			user:       tk.User,
			insertedAt: now,
		}
		if tk.Condition != nil {
			record.conditionName = tk.Condition.Name
			record.conditionContext = maps.Clone(tk.Condition.Context)
		}

		if s.containsRecord(record) {
			continue // identical key and condition, idempotent
		}

		s.tuples = append(s.tuples, record)
	}

	return nil
}

// containsRecord reports whether an identical record (natural key plus
// condition) is already stored. Records differing only in condition coexist.
func (s *Datastore) containsRecord(record *tupleRecord) bool {
	for _, t := range s.tuples {
		if t.objectType == record.objectType &&
			t.objectID == record.objectID &&
			t.relation == record.relation &&
			t.user == record.user &&
			t.conditionName == record.conditionName &&
			reflect.DeepEqual(t.conditionContext, record.conditionContext) {
			return true
		}
	}
	return false
}

// MaxTuplesPerWrite see storage.RelationshipTupleWriter.MaxTuplesPerWrite.
func (s *Datastore) MaxTuplesPerWrite() int {
	return s.maxTuplesPerWrite
}

// WriteAuthorizationModel see storage.AuthorizationModelWriteBackend.WriteAuthorizationModel.
func (s *Datastore) WriteAuthorizationModel(ctx context.Context, model *typesystem.AuthorizationModel) error {
	_, span := tracer.Start(ctx, "memory.WriteAuthorizationModel")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mutexModels.Lock()
	defer s.mutexModels.Unlock()

	s.authorizationModels[model.ID] = model
	if model.ID > s.latestModelID { // ULIDs sort lexicographically by time
		s.latestModelID = model.ID
	}

	return nil
}

// ReadAuthorizationModel see storage.AuthorizationModelReadBackend.ReadAuthorizationModel.
func (s *Datastore) ReadAuthorizationModel(ctx context.Context, id string) (*typesystem.AuthorizationModel, error) {
	_, span := tracer.Start(ctx, "memory.ReadAuthorizationModel")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mutexModels.RLock()
	defer s.mutexModels.RUnlock()

	model, ok := s.authorizationModels[id]
	if !ok {
		return nil, typesystem.ErrModelNotFound
	}

	return model, nil
}

// FindLatestAuthorizationModelID see storage.AuthorizationModelReadBackend.FindLatestAuthorizationModelID.
func (s *Datastore) FindLatestAuthorizationModelID(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mutexModels.RLock()
	defer s.mutexModels.RUnlock()

	if s.latestModelID == "" {
		return "", storage.ErrLatestAuthorizationModelNotFound
	}

	return s.latestModelID, nil
}

// IsReady see storage.Datastore.IsReady.
func (s *Datastore) IsReady(ctx context.Context) (storage.ReadinessStatus, error) {
	return storage.ReadinessStatus{IsReady: true}, nil
}

// Close does not do anything for Datastore.
func (s *Datastore) Close() {}
