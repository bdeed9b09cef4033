// Package listing implements the reverse queries: enumerating the objects a
// subject can access and the subjects that can access an object. Both queries
// harvest candidates from the tuple store and confirm each candidate with the
// check resolver so that conditions, intersections and exclusions are honored.
package listing

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/emirpasic/gods/sets/treeset"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/permgraph/permgraph/internal/contextualtuples"
	"github.com/permgraph/permgraph/internal/graph"
	"github.com/permgraph/permgraph/pkg/logger"
	"github.com/permgraph/permgraph/pkg/storage"
	tupleUtils "github.com/permgraph/permgraph/pkg/tuple"
	"github.com/permgraph/permgraph/pkg/typesystem"
)

var tracer = otel.Tracer("permgraph/internal/listing")

const (
	defaultMaxConcurrentChecks = 100
)

// ListObjectsRequest asks for every object of ObjectType on which User has
// Relation, evaluated against the latest authorization model.
type ListObjectsRequest struct {
	ObjectType       string
	Relation         string
	User             string
	ContextualTuples []*tupleUtils.TupleKey
	Context          map[string]any
}

// ListObjectsResponse holds the accessible objects in lexicographic order.
type ListObjectsResponse struct {
	Objects []string
}

// ListObjectsQuery resolves ListObjects requests by scanning candidate tuples
// and confirming each candidate object with a full check.
type ListObjectsQuery struct {
	datastore           storage.RelationshipTupleReader
	checkResolver       graph.CheckResolver
	logger              logger.Logger
	maxConcurrentChecks int
	resolveNodeLimit    uint32
}

// ListObjectsQueryOption configures a ListObjectsQuery.
type ListObjectsQueryOption func(q *ListObjectsQuery)

// WithMaxConcurrentChecks bounds how many candidate confirmations run at once.
func WithMaxConcurrentChecks(n int) ListObjectsQueryOption {
	return func(q *ListObjectsQuery) {
		q.maxConcurrentChecks = n
	}
}

// WithListObjectsLogger overrides the default noop logger.
func WithListObjectsLogger(l logger.Logger) ListObjectsQueryOption {
	return func(q *ListObjectsQuery) {
		q.logger = l
	}
}

// WithResolveNodeLimit overrides the depth budget of the confirming checks.
func WithResolveNodeLimit(limit uint32) ListObjectsQueryOption {
	return func(q *ListObjectsQuery) {
		q.resolveNodeLimit = limit
	}
}

// NewListObjectsQuery constructs a ListObjectsQuery backed by the given
// datastore and check resolver.
func NewListObjectsQuery(ds storage.RelationshipTupleReader, checkResolver graph.CheckResolver, opts ...ListObjectsQueryOption) *ListObjectsQuery {
	q := &ListObjectsQuery{
		datastore:           ds,
		checkResolver:       checkResolver,
		logger:              logger.NewNoopLogger(),
		maxConcurrentChecks: defaultMaxConcurrentChecks,
		resolveNodeLimit:    graph.DefaultResolveNodeLimit,
	}

	for _, opt := range opts {
		opt(q)
	}

	return q
}

// Execute runs the query. The typesystem of the model being evaluated must be
// present in ctx.
func (q *ListObjectsQuery) Execute(ctx context.Context, req *ListObjectsRequest) (*ListObjectsResponse, error) {
	ctx, span := tracer.Start(ctx, "ListObjects")
	defer span.End()

	typesys, ok := typesystem.TypesystemFromContext(ctx)
	if !ok {
		return nil, errors.New("typesystem missing in context")
	}

	if _, err := typesys.GetRelation(req.ObjectType, req.Relation); err != nil {
		return nil, err
	}

	candidates, err := q.collectCandidates(ctx, typesys, req)
	if err != nil {
		return nil, err
	}

	allowed, err := q.confirmObjects(ctx, req, candidates)
	if err != nil {
		return nil, err
	}

	return &ListObjectsResponse{Objects: allowed}, nil
}

// collectCandidates scans every relation reachable from the target relation's
// rewrite and gathers the objects of the requested type that carry tuples
// under those relations. Contextual tuples participate in the scan.
func (q *ListObjectsQuery) collectCandidates(ctx context.Context, typesys *typesystem.TypeSystem, req *ListObjectsRequest) ([]string, error) {
	reachable, err := typesys.ReachableRelations(req.ObjectType, req.Relation)
	if err != nil {
		return nil, err
	}

	relations := make([]string, 0, len(reachable))
	for relation := range reachable {
		relations = append(relations, relation)
	}
	sort.Strings(relations)

	reader := q.datastore
	if len(req.ContextualTuples) > 0 {
		reader = contextualtuples.NewCombinedTupleReader(q.datastore, req.ContextualTuples)
	}

	candidates := treeset.NewWithStringComparator()
	for _, relation := range relations {
		iter, err := reader.Read(ctx, &tupleUtils.TupleKey{
			Object:   tupleUtils.BuildObject(req.ObjectType, ""),
			Relation: relation,
		})
		if err != nil {
			return nil, err
		}

		for {
			t, err := iter.Next(ctx)
			if err != nil {
				if errors.Is(err, storage.ErrIteratorDone) {
					break
				}
				iter.Stop()
				return nil, err
			}

			candidates.Add(t.Key.Object)
		}
		iter.Stop()
	}

	objects := make([]string, 0, candidates.Size())
	for _, v := range candidates.Values() {
		objects = append(objects, v.(string))
	}

	return objects, nil
}

// confirmObjects evaluates a check for every candidate and keeps the objects
// the subject can actually access. Confirmations run concurrently but the
// result is deterministic.
func (q *ListObjectsQuery) confirmObjects(ctx context.Context, req *ListObjectsRequest, candidates []string) ([]string, error) {
	var mu sync.Mutex
	results := treeset.NewWithStringComparator()

	pool, poolCtx := errgroup.WithContext(ctx)
	pool.SetLimit(q.maxConcurrentChecks)

	for _, object := range candidates {
		object := object
		pool.Go(func() error {
			resp, err := q.checkResolver.ResolveCheck(poolCtx, &graph.ResolveCheckRequest{
				TupleKey:         tupleUtils.NewTupleKey(object, req.Relation, req.User),
				ContextualTuples: req.ContextualTuples,
				Context:          req.Context,
				VisitedPaths:     map[string]struct{}{},
				Depth:            q.resolveNodeLimit,
			})
			if err != nil {
				return err
			}

			if resp.GetAllowed() {
				mu.Lock()
				results.Add(object)
				mu.Unlock()
			}

			return nil
		})
	}

	if err := pool.Wait(); err != nil {
		q.logger.Error("list objects confirmation failed", zap.Error(err))
		return nil, err
	}

	objects := make([]string, 0, results.Size())
	for _, v := range results.Values() {
		objects = append(objects, v.(string))
	}

	return objects, nil
}
