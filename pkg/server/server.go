// Package server exposes the public API of the authorization engine: write
// and read of the authorization model, tuple writes, check, and the two
// reverse queries. It owns the typesystem cache and the per-model check
// resolver chain, including result-cache invalidation on writes.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/permgraph/permgraph/internal/condition"
	"github.com/permgraph/permgraph/internal/contextualtuples"
	"github.com/permgraph/permgraph/internal/graph"
	"github.com/permgraph/permgraph/internal/listing"
	"github.com/permgraph/permgraph/internal/validation"
	"github.com/permgraph/permgraph/pkg/logger"
	serverErrors "github.com/permgraph/permgraph/pkg/server/errors"
	"github.com/permgraph/permgraph/pkg/storage"
	tupleUtils "github.com/permgraph/permgraph/pkg/tuple"
	"github.com/permgraph/permgraph/pkg/typesystem"
)

var tracer = otel.Tracer("permgraph/pkg/server")

const (
	defaultResolveNodeLimit           = graph.DefaultResolveNodeLimit
	defaultMaxConcurrentChecksPerList = 100
)

// Server is the top-level entrypoint of the engine. It is safe for concurrent
// use.
type Server struct {
	logger    logger.Logger
	datastore storage.Datastore

	resolveNodeLimit           uint32
	maxConcurrentChecksPerList int

	checkCacheEnabled bool
	checkCacheLimit   int
	checkCacheTTL     time.Duration

	typesystemCache sync.Map // model ID -> *typesystem.TypeSystem

	resolverMu sync.Mutex
	resolvers  map[string]*resolverChain // model ID -> resolver chain
}

// resolverChain is the per-model check resolver pipeline. The entry point is
// the cache when caching is enabled, otherwise the local checker itself.
type resolverChain struct {
	local  *graph.LocalChecker
	cached *graph.CachedCheckResolver
	entry  graph.CheckResolver
}

// ServerOption configures a Server.
type ServerOption func(s *Server)

// WithDatastore sets the backing datastore. Required.
func WithDatastore(ds storage.Datastore) ServerOption {
	return func(s *Server) {
		s.datastore = ds
	}
}

// WithLogger overrides the default noop logger.
func WithLogger(l logger.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// WithResolveNodeLimit sets the maximum recursion depth of a single check.
func WithResolveNodeLimit(limit uint32) ServerOption {
	return func(s *Server) {
		s.resolveNodeLimit = limit
	}
}

// WithCheckQueryCacheEnabled toggles the check result cache.
func WithCheckQueryCacheEnabled(enabled bool) ServerOption {
	return func(s *Server) {
		s.checkCacheEnabled = enabled
	}
}

// WithCheckQueryCacheLimit sets the maximum number of cached check results.
func WithCheckQueryCacheLimit(limit int) ServerOption {
	return func(s *Server) {
		s.checkCacheLimit = limit
	}
}

// WithCheckQueryCacheTTL sets how long a cached check result stays valid.
func WithCheckQueryCacheTTL(ttl time.Duration) ServerOption {
	return func(s *Server) {
		s.checkCacheTTL = ttl
	}
}

// WithMaxConcurrentChecksPerListQuery bounds concurrent candidate
// confirmations inside ListObjects and ListSubjects.
func WithMaxConcurrentChecksPerListQuery(n int) ServerOption {
	return func(s *Server) {
		s.maxConcurrentChecksPerList = n
	}
}

// New constructs a Server. A datastore must be provided.
func New(opts ...ServerOption) (*Server, error) {
	s := &Server{
		logger:                     logger.NewNoopLogger(),
		resolveNodeLimit:           defaultResolveNodeLimit,
		maxConcurrentChecksPerList: defaultMaxConcurrentChecksPerList,
		checkCacheEnabled:          true,
		resolvers:                  map[string]*resolverChain{},
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.datastore == nil {
		return nil, errors.New("a datastore option must be provided")
	}

	return s, nil
}

// MustNew is like New but panics on error.
func MustNew(opts ...ServerOption) *Server {
	s, err := New(opts...)
	if err != nil {
		panic(err)
	}
	return s
}

// Close releases the per-model resolver chains. The datastore is not closed;
// it belongs to the caller.
func (s *Server) Close() {
	s.resolverMu.Lock()
	defer s.resolverMu.Unlock()

	for _, chain := range s.resolvers {
		chain.entry.Close()
	}
	s.resolvers = map[string]*resolverChain{}
}

// WriteAuthorizationModelRequest carries the type definitions and named
// conditions of a new model version.
type WriteAuthorizationModelRequest struct {
	TypeDefinitions []*typesystem.TypeDefinition
	Conditions      map[string]*condition.Condition
}

// WriteAuthorizationModelResponse returns the ID assigned to the new model.
type WriteAuthorizationModelResponse struct {
	AuthorizationModelID string
}

// WriteAuthorizationModel validates and persists a new model version. Model
// IDs are ULIDs, so the latest model is the lexicographic maximum.
func (s *Server) WriteAuthorizationModel(ctx context.Context, req *WriteAuthorizationModelRequest) (*WriteAuthorizationModelResponse, error) {
	ctx, span := tracer.Start(ctx, "WriteAuthorizationModel")
	defer span.End()

	model := &typesystem.AuthorizationModel{
		ID:              ulid.Make().String(),
		TypeDefinitions: req.TypeDefinitions,
		Conditions:      req.Conditions,
	}

	typesys, err := typesystem.NewAndValidate(model)
	if err != nil {
		return nil, serverErrors.ValidationError(err)
	}

	if err := s.datastore.WriteAuthorizationModel(ctx, model); err != nil {
		return nil, serverErrors.HandleError(err)
	}

	s.typesystemCache.Store(model.ID, typesys)

	s.logger.Info("authorization model written",
		zap.String("authorization_model_id", model.ID))

	return &WriteAuthorizationModelResponse{AuthorizationModelID: model.ID}, nil
}

// ReadAuthorizationModelRequest identifies a model version. An empty ID
// resolves to the latest model.
type ReadAuthorizationModelRequest struct {
	AuthorizationModelID string
}

// ReadAuthorizationModelResponse holds a stored model version.
type ReadAuthorizationModelResponse struct {
	AuthorizationModel *typesystem.AuthorizationModel
}

// ReadAuthorizationModel returns the requested model version.
func (s *Server) ReadAuthorizationModel(ctx context.Context, req *ReadAuthorizationModelRequest) (*ReadAuthorizationModelResponse, error) {
	ctx, span := tracer.Start(ctx, "ReadAuthorizationModel")
	defer span.End()

	id := req.AuthorizationModelID
	if id == "" {
		var err error
		id, err = s.datastore.FindLatestAuthorizationModelID(ctx)
		if err != nil {
			return nil, serverErrors.HandleError(err)
		}
	}

	model, err := s.datastore.ReadAuthorizationModel(ctx, id)
	if err != nil {
		return nil, serverErrors.HandleError(err)
	}

	return &ReadAuthorizationModelResponse{AuthorizationModel: model}, nil
}

// CheckRequest asks whether a subject has a relation on an object under one
// model version. An empty AuthorizationModelID resolves to the latest model.
type CheckRequest struct {
	TupleKey             *tupleUtils.TupleKey
	ContextualTuples     []*tupleUtils.TupleKey
	Context              map[string]any
	AuthorizationModelID string
}

// CheckResponse is the verdict of a check.
type CheckResponse struct {
	Allowed bool
}

// Check resolves a single authorization question.
func (s *Server) Check(ctx context.Context, req *CheckRequest) (*CheckResponse, error) {
	ctx, span := tracer.Start(ctx, "Check", trace.WithAttributes(
		attribute.String("tuple_key", tupleUtils.TupleKeyToString(req.TupleKey)),
	))
	defer span.End()

	typesys, err := s.resolveTypesystem(ctx, req.AuthorizationModelID)
	if err != nil {
		return nil, err
	}

	if err := s.validateCheckRequest(typesys, req.TupleKey); err != nil {
		return nil, err
	}

	contextualTuples, err := contextualtuples.New(typesys, req.ContextualTuples)
	if err != nil {
		return nil, serverErrors.ValidationError(err)
	}

	chain := s.resolver(typesys.GetAuthorizationModelID())

	ctx = typesystem.ContextWithTypesystem(ctx, typesys)
	resp, err := chain.entry.ResolveCheck(ctx, &graph.ResolveCheckRequest{
		TupleKey:         req.TupleKey,
		ContextualTuples: contextualTuples,
		Context:          req.Context,
		VisitedPaths:     map[string]struct{}{},
		Depth:            s.resolveNodeLimit,
	})
	if err != nil {
		return nil, serverErrors.HandleError(err)
	}

	return &CheckResponse{Allowed: resp.GetAllowed()}, nil
}

// validateCheckRequest rejects syntactically invalid keys and keys that
// reference types or relations the model does not define.
func (s *Server) validateCheckRequest(typesys *typesystem.TypeSystem, tk *tupleUtils.TupleKey) error {
	if tk == nil {
		return serverErrors.ValidationError(errors.New("a tuple key must be provided"))
	}

	if err := validation.ValidateUser(typesys, tk.User); err != nil {
		return serverErrors.HandleError(err)
	}

	if err := validation.ValidateObject(typesys, tk.Object); err != nil {
		return serverErrors.HandleError(err)
	}

	if err := validation.ValidateRelation(typesys, tk); err != nil {
		return serverErrors.HandleError(err)
	}

	return nil
}

// WriteRequest carries one atomic batch of tuple writes and deletes,
// validated against the latest model unless a model ID is given.
type WriteRequest struct {
	Writes               []*tupleUtils.TupleKey
	Deletes              []*tupleUtils.TupleKeyWithoutCondition
	AuthorizationModelID string
}

// WriteResponse is empty; a nil error means the batch was applied.
type WriteResponse struct{}

// Write applies a batch of tuple writes and deletes atomically. Every write
// is validated against the model before any mutation happens. Deleting an
// absent tuple is a no-op. After a successful batch the check result cache is
// invalidated for every object type the batch touched.
func (s *Server) Write(ctx context.Context, req *WriteRequest) (*WriteResponse, error) {
	ctx, span := tracer.Start(ctx, "Write", trace.WithAttributes(
		attribute.Int("writes", len(req.Writes)),
		attribute.Int("deletes", len(req.Deletes)),
	))
	defer span.End()

	typesys, err := s.resolveTypesystem(ctx, req.AuthorizationModelID)
	if err != nil {
		return nil, err
	}

	if len(req.Writes) == 0 && len(req.Deletes) == 0 {
		return nil, serverErrors.ValidationError(errors.New("a write request must contain at least one write or delete"))
	}

	seen := make(map[string]struct{}, len(req.Writes)+len(req.Deletes))
	for _, tk := range req.Writes {
		if err := validation.ValidateTuple(typesys, tk); err != nil {
			return nil, serverErrors.HandleError(err)
		}

		key := tupleUtils.TupleKeyToString(tk)
		if _, ok := seen[key]; ok {
			return nil, serverErrors.ValidationError(fmt.Errorf("found duplicate tuple '%s' in write batch", key))
		}
		seen[key] = struct{}{}
	}

	for _, tk := range req.Deletes {
		key := tupleUtils.TupleKeyWithoutConditionToString(tk)
		if _, ok := seen[key]; ok {
			return nil, serverErrors.ValidationError(fmt.Errorf("found duplicate tuple '%s' in write batch", key))
		}
		seen[key] = struct{}{}
	}

	if err := s.datastore.Write(ctx, req.Deletes, req.Writes); err != nil {
		return nil, serverErrors.HandleError(err)
	}

	s.invalidateCheckCache(req)

	return &WriteResponse{}, nil
}

// invalidateCheckCache drops cached check results for every object type
// touched by the batch, across all per-model resolver chains.
func (s *Server) invalidateCheckCache(req *WriteRequest) {
	types := map[string]struct{}{}
	for _, tk := range req.Writes {
		types[tupleUtils.GetType(tk.Object)] = struct{}{}
	}
	for _, tk := range req.Deletes {
		types[tupleUtils.GetType(tk.Object)] = struct{}{}
	}

	s.resolverMu.Lock()
	defer s.resolverMu.Unlock()

	for _, chain := range s.resolvers {
		if chain.cached == nil {
			continue
		}
		for objectType := range types {
			chain.cached.InvalidateType(objectType)
		}
	}
}

// ListObjectsRequest asks for every object of a type the user can access
// through a relation.
type ListObjectsRequest struct {
	ObjectType           string
	Relation             string
	User                 string
	ContextualTuples     []*tupleUtils.TupleKey
	Context              map[string]any
	AuthorizationModelID string
}

// ListObjectsResponse holds the accessible objects in lexicographic order.
type ListObjectsResponse struct {
	Objects []string
}

// ListObjects enumerates the objects of the requested type on which the user
// has the relation.
func (s *Server) ListObjects(ctx context.Context, req *ListObjectsRequest) (*ListObjectsResponse, error) {
	ctx, span := tracer.Start(ctx, "ListObjects", trace.WithAttributes(
		attribute.String("object_type", req.ObjectType),
		attribute.String("relation", req.Relation),
		attribute.String("user", req.User),
	))
	defer span.End()

	typesys, err := s.resolveTypesystem(ctx, req.AuthorizationModelID)
	if err != nil {
		return nil, err
	}

	if err := validation.ValidateUser(typesys, req.User); err != nil {
		return nil, serverErrors.HandleError(err)
	}

	contextualTuples, err := contextualtuples.New(typesys, req.ContextualTuples)
	if err != nil {
		return nil, serverErrors.ValidationError(err)
	}

	chain := s.resolver(typesys.GetAuthorizationModelID())

	query := listing.NewListObjectsQuery(s.datastore, chain.entry,
		listing.WithMaxConcurrentChecks(s.maxConcurrentChecksPerList),
		listing.WithResolveNodeLimit(s.resolveNodeLimit),
		listing.WithListObjectsLogger(s.logger),
	)

	ctx = typesystem.ContextWithTypesystem(ctx, typesys)
	resp, err := query.Execute(ctx, &listing.ListObjectsRequest{
		ObjectType:       req.ObjectType,
		Relation:         req.Relation,
		User:             req.User,
		ContextualTuples: contextualTuples,
		Context:          req.Context,
	})
	if err != nil {
		return nil, serverErrors.HandleError(err)
	}

	return &ListObjectsResponse{Objects: resp.Objects}, nil
}

// ListSubjectsRequest asks for every subject of a type that has a relation on
// an object.
type ListSubjectsRequest struct {
	Object               string
	Relation             string
	SubjectType          string
	ContextualTuples     []*tupleUtils.TupleKey
	Context              map[string]any
	AuthorizationModelID string
}

// ListSubjectsResponse holds the matching subjects in lexicographic order. A
// typed wildcard subject is reported as-is.
type ListSubjectsResponse struct {
	Subjects []string
}

// ListSubjects enumerates the subjects of the requested type that have the
// relation on the object.
func (s *Server) ListSubjects(ctx context.Context, req *ListSubjectsRequest) (*ListSubjectsResponse, error) {
	ctx, span := tracer.Start(ctx, "ListSubjects", trace.WithAttributes(
		attribute.String("object", req.Object),
		attribute.String("relation", req.Relation),
		attribute.String("subject_type", req.SubjectType),
	))
	defer span.End()

	typesys, err := s.resolveTypesystem(ctx, req.AuthorizationModelID)
	if err != nil {
		return nil, err
	}

	contextualTuples, err := contextualtuples.New(typesys, req.ContextualTuples)
	if err != nil {
		return nil, serverErrors.ValidationError(err)
	}

	chain := s.resolver(typesys.GetAuthorizationModelID())

	query := listing.NewListSubjectsQuery(s.datastore, chain.entry,
		listing.WithListSubjectsMaxConcurrentChecks(s.maxConcurrentChecksPerList),
		listing.WithListSubjectsResolveNodeLimit(s.resolveNodeLimit),
		listing.WithListSubjectsLogger(s.logger),
	)

	ctx = typesystem.ContextWithTypesystem(ctx, typesys)
	resp, err := query.Execute(ctx, &listing.ListSubjectsRequest{
		Object:           req.Object,
		Relation:         req.Relation,
		SubjectType:      req.SubjectType,
		ContextualTuples: contextualTuples,
		Context:          req.Context,
	})
	if err != nil {
		return nil, serverErrors.HandleError(err)
	}

	return &ListSubjectsResponse{Subjects: resp.Subjects}, nil
}

// resolveTypesystem loads the typesystem of the requested model, or of the
// latest model when the ID is empty. Validated typesystems are cached per
// model ID; model versions are immutable once written.
func (s *Server) resolveTypesystem(ctx context.Context, modelID string) (*typesystem.TypeSystem, error) {
	if modelID == "" {
		var err error
		modelID, err = s.datastore.FindLatestAuthorizationModelID(ctx)
		if err != nil {
			return nil, serverErrors.HandleError(err)
		}
	}

	if cached, ok := s.typesystemCache.Load(modelID); ok {
		return cached.(*typesystem.TypeSystem), nil
	}

	model, err := s.datastore.ReadAuthorizationModel(ctx, modelID)
	if err != nil {
		return nil, serverErrors.HandleError(err)
	}

	typesys, err := typesystem.NewAndValidate(model)
	if err != nil {
		return nil, serverErrors.ValidationError(err)
	}

	s.typesystemCache.Store(modelID, typesys)

	return typesys, nil
}

// resolver returns, building if needed, the check resolver chain of one model
// version.
func (s *Server) resolver(modelID string) *resolverChain {
	s.resolverMu.Lock()
	defer s.resolverMu.Unlock()

	if chain, ok := s.resolvers[modelID]; ok {
		return chain
	}

	local := graph.NewLocalChecker(s.datastore)
	chain := &resolverChain{local: local, entry: local}

	if s.checkCacheEnabled {
		opts := []graph.CachedCheckResolverOpt{graph.WithLogger(s.logger)}
		if s.checkCacheLimit > 0 {
			opts = append(opts, graph.WithMaxCacheSize(int64(s.checkCacheLimit)))
		}
		if s.checkCacheTTL > 0 {
			opts = append(opts, graph.WithCacheTTL(s.checkCacheTTL))
		}

		cached, err := graph.NewCachedCheckResolver(local, modelID, opts...)
		if err != nil {
			s.logger.Error("failed to build check cache, continuing uncached", zap.Error(err))
		} else {
			local.SetDelegate(cached)
			chain.cached = cached
			chain.entry = cached
		}
	}

	s.resolvers[modelID] = chain

	return chain
}
