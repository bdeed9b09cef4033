package listing

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/emirpasic/gods/sets/treeset"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/permgraph/permgraph/internal/contextualtuples"
	"github.com/permgraph/permgraph/internal/graph"
	"github.com/permgraph/permgraph/pkg/logger"
	"github.com/permgraph/permgraph/pkg/storage"
	tupleUtils "github.com/permgraph/permgraph/pkg/tuple"
	"github.com/permgraph/permgraph/pkg/typesystem"
)

// ListSubjectsRequest asks for every subject of SubjectType that has Relation
// on Object. A typed wildcard subject is reported as-is when it grants the
// relation.
type ListSubjectsRequest struct {
	Object           string
	Relation         string
	SubjectType      string
	ContextualTuples []*tupleUtils.TupleKey
	Context          map[string]any
}

// ListSubjectsResponse holds the matching subjects in lexicographic order.
type ListSubjectsResponse struct {
	Subjects []string
}

// ListSubjectsQuery resolves ListSubjects requests. It walks the tuples
// anchored at the target object, expanding userset subjects and following
// tupleset edges onto intermediate objects, then confirms every harvested
// subject with a full check.
type ListSubjectsQuery struct {
	datastore           storage.RelationshipTupleReader
	checkResolver       graph.CheckResolver
	logger              logger.Logger
	maxConcurrentChecks int
	resolveNodeLimit    uint32
}

// ListSubjectsQueryOption configures a ListSubjectsQuery.
type ListSubjectsQueryOption func(q *ListSubjectsQuery)

// WithListSubjectsMaxConcurrentChecks bounds concurrent confirmations.
func WithListSubjectsMaxConcurrentChecks(n int) ListSubjectsQueryOption {
	return func(q *ListSubjectsQuery) {
		q.maxConcurrentChecks = n
	}
}

// WithListSubjectsLogger overrides the default noop logger.
func WithListSubjectsLogger(l logger.Logger) ListSubjectsQueryOption {
	return func(q *ListSubjectsQuery) {
		q.logger = l
	}
}

// WithListSubjectsResolveNodeLimit overrides the depth budget of the
// confirming checks.
func WithListSubjectsResolveNodeLimit(limit uint32) ListSubjectsQueryOption {
	return func(q *ListSubjectsQuery) {
		q.resolveNodeLimit = limit
	}
}

// NewListSubjectsQuery constructs a ListSubjectsQuery backed by the given
// datastore and check resolver.
func NewListSubjectsQuery(ds storage.RelationshipTupleReader, checkResolver graph.CheckResolver, opts ...ListSubjectsQueryOption) *ListSubjectsQuery {
	q := &ListSubjectsQuery{
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

// frontierItem is one (object, relation) pair whose tuples remain to be
// harvested.
type frontierItem struct {
	object   string
	relation string
}

// Execute runs the query. The typesystem of the model being evaluated must be
// present in ctx.
func (q *ListSubjectsQuery) Execute(ctx context.Context, req *ListSubjectsRequest) (*ListSubjectsResponse, error) {
	ctx, span := tracer.Start(ctx, "ListSubjects")
	defer span.End()

	typesys, ok := typesystem.TypesystemFromContext(ctx)
	if !ok {
		return nil, errors.New("typesystem missing in context")
	}

	objectType := tupleUtils.GetType(req.Object)
	if _, err := typesys.GetRelation(objectType, req.Relation); err != nil {
		return nil, err
	}

	if _, ok := typesys.GetTypeDefinition(req.SubjectType); !ok {
		return nil, typesystem.ObjectTypeUndefinedError(req.SubjectType)
	}

	candidates, err := q.collectCandidates(ctx, typesys, req)
	if err != nil {
		return nil, err
	}

	subjects, err := q.confirmSubjects(ctx, req, candidates)
	if err != nil {
		return nil, err
	}

	return &ListSubjectsResponse{Subjects: subjects}, nil
}

// collectCandidates walks the tuples reachable from the target object and
// relation and gathers every subject of the requested type. Userset subjects
// are expanded into their own frontier, and subjects of tupleset tuples are
// followed under the computed relations of the rewrite.
func (q *ListSubjectsQuery) collectCandidates(ctx context.Context, typesys *typesystem.TypeSystem, req *ListSubjectsRequest) ([]string, error) {
	reader := q.datastore
	if len(req.ContextualTuples) > 0 {
		reader = contextualtuples.NewCombinedTupleReader(q.datastore, req.ContextualTuples)
	}

	candidates := treeset.NewWithStringComparator()
	visited := map[string]struct{}{}
	frontier := []frontierItem{{object: req.Object, relation: req.Relation}}

	for len(frontier) > 0 {
		item := frontier[0]
		frontier = frontier[1:]

		key := tupleUtils.ToObjectRelationString(item.object, item.relation)
		if _, ok := visited[key]; ok {
			continue
		}
		visited[key] = struct{}{}

		objectType := tupleUtils.GetType(item.object)

		reachable, err := typesys.ReachableRelations(objectType, item.relation)
		if err != nil {
			if errors.Is(err, typesystem.ErrRelationUndefined) {
				continue
			}
			return nil, err
		}

		tuplesets, err := typesys.TuplesetComputedRelations(objectType, item.relation)
		if err != nil {
			return nil, err
		}

		relations := make([]string, 0, len(reachable))
		for relation := range reachable {
			relations = append(relations, relation)
		}
		sort.Strings(relations)

		for _, relation := range relations {
			more, err := q.harvestRelation(ctx, reader, item.object, relation, req.SubjectType, tuplesets[relation], candidates)
			if err != nil {
				return nil, err
			}
			frontier = append(frontier, more...)
		}
	}

	subjects := make([]string, 0, candidates.Size())
	for _, v := range candidates.Values() {
		subjects = append(subjects, v.(string))
	}

	return subjects, nil
}

// harvestRelation scans the tuples of one (object, relation) pair. Subjects of
// the requested type become candidates. Userset subjects and, when the
// relation is a tupleset, concrete subjects under the computed relations are
// returned as new frontier items.
func (q *ListSubjectsQuery) harvestRelation(ctx context.Context, reader storage.RelationshipTupleReader, object, relation, subjectType string, computedRelations []string, candidates *treeset.Set) ([]frontierItem, error) {
	iter, err := reader.Read(ctx, &tupleUtils.TupleKey{Object: object, Relation: relation})
	if err != nil {
		return nil, err
	}
	defer iter.Stop()

	var frontier []frontierItem
	for {
		t, err := iter.Next(ctx)
		if err != nil {
			if errors.Is(err, storage.ErrIteratorDone) {
				break
			}
			return nil, err
		}

		subject := t.Key.User
		switch {
		case tupleUtils.IsTypedWildcard(subject):
			if tupleUtils.GetType(subject) == subjectType {
				candidates.Add(subject)
			}
		case tupleUtils.IsObjectRelation(subject):
			usersetObject, usersetRelation := tupleUtils.SplitObjectRelation(subject)
			frontier = append(frontier, frontierItem{object: usersetObject, relation: usersetRelation})
		default:
			if tupleUtils.GetType(subject) == subjectType {
				candidates.Add(subject)
			}

			for _, computed := range computedRelations {
				frontier = append(frontier, frontierItem{object: subject, relation: computed})
			}
		}
	}

	return frontier, nil
}

// confirmSubjects evaluates a check for every candidate subject against the
// original object and relation, keeping the subjects that are allowed.
func (q *ListSubjectsQuery) confirmSubjects(ctx context.Context, req *ListSubjectsRequest, candidates []string) ([]string, error) {
	var mu sync.Mutex
	results := treeset.NewWithStringComparator()

	pool, poolCtx := errgroup.WithContext(ctx)
	pool.SetLimit(q.maxConcurrentChecks)

	for _, subject := range candidates {
		subject := subject
		pool.Go(func() error {
			resp, err := q.checkResolver.ResolveCheck(poolCtx, &graph.ResolveCheckRequest{
				TupleKey:         tupleUtils.NewTupleKey(req.Object, req.Relation, subject),
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
				results.Add(subject)
				mu.Unlock()
			}

			return nil
		})
	}

	if err := pool.Wait(); err != nil {
		q.logger.Error("list subjects confirmation failed", zap.Error(err))
		return nil, err
	}

	subjects := make([]string, 0, results.Size())
	for _, v := range results.Values() {
		subjects = append(subjects, v.(string))
	}

	return subjects, nil
}
