package graph

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Yiling-J/theine-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/permgraph/permgraph/internal/keys"
	"github.com/permgraph/permgraph/pkg/logger"
	"github.com/permgraph/permgraph/pkg/tuple"
)

const (
	defaultMaxCacheSize = 10000
	defaultCacheTTL     = 5 * time.Minute
)

var (
	checkCacheTotalCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "permgraph_check_cache_total_count",
		Help: "The total number of calls to ResolveCheck.",
	})

	checkCacheHitCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "permgraph_check_cache_hit_count",
		Help: "The total number of cache hits for ResolveCheck.",
	})
)

// CachedCheckResolver attempts to resolve check sub-problems via prior
// computations before delegating the request to the underlying CheckResolver.
//
// Keys cover the tuple key, the model version, the contextual tuples and the
// canonicalized request context. Entries expire by TTL and are orphaned
// eagerly per object type by InvalidateType: every write touching a type bumps
// that type's generation, which is mixed into the key. The cache is an
// optimization only; removing it must not change check results.
type CachedCheckResolver struct {
	delegate             CheckResolver
	cache                *theine.Cache[string, bool]
	maxCacheSize         int64
	cacheTTL             time.Duration
	logger               logger.Logger
	authorizationModelID string

	generations sync.Map // object type -> *atomic.Uint64
}

var _ CheckResolver = (*CachedCheckResolver)(nil)

// CachedCheckResolverOpt defines an option that can be used to change the
// behavior of a CachedCheckResolver instance.
type CachedCheckResolverOpt func(*CachedCheckResolver)

// WithMaxCacheSize sets the maximum size of the check resolution cache. After
// this maximum size is met, keys are evicted with a TinyLFU policy.
func WithMaxCacheSize(size int64) CachedCheckResolverOpt {
	return func(ccr *CachedCheckResolver) {
		ccr.maxCacheSize = size
	}
}

// WithCacheTTL sets the TTL (as a duration) for any single check cache entry.
func WithCacheTTL(ttl time.Duration) CachedCheckResolverOpt {
	return func(ccr *CachedCheckResolver) {
		ccr.cacheTTL = ttl
	}
}

// WithLogger sets the logger for the cached check resolver.
func WithLogger(l logger.Logger) CachedCheckResolverOpt {
	return func(ccr *CachedCheckResolver) {
		ccr.logger = l
	}
}

// NewCachedCheckResolver constructs a CheckResolver that delegates check
// resolution to the provided delegate, but looks up the result of equivalent
// prior computations first. Resolution errors are never cached.
func NewCachedCheckResolver(delegate CheckResolver, authorizationModelID string, opts ...CachedCheckResolverOpt) (*CachedCheckResolver, error) {
	checker := &CachedCheckResolver{
		delegate:             delegate,
		maxCacheSize:         defaultMaxCacheSize,
		cacheTTL:             defaultCacheTTL,
		logger:               logger.NewNoopLogger(),
		authorizationModelID: authorizationModelID,
	}

	for _, opt := range opts {
		opt(checker)
	}

	cache, err := theine.NewBuilder[string, bool](checker.maxCacheSize).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to construct check cache: %w", err)
	}
	checker.cache = cache

	return checker, nil
}

// Close releases the cache resources.
func (c *CachedCheckResolver) Close() {
	c.cache.Close()
}

// SetDelegate sets the underlying resolver.
func (c *CachedCheckResolver) SetDelegate(delegate CheckResolver) {
	c.delegate = delegate
}

// InvalidateType orphans every cached entry whose object is of the provided
// type. Called by the write path for each object type a batch touches.
func (c *CachedCheckResolver) InvalidateType(objectType string) {
	c.generation(objectType).Add(1)
}

func (c *CachedCheckResolver) generation(objectType string) *atomic.Uint64 {
	gen, ok := c.generations.Load(objectType)
	if !ok {
		gen, _ = c.generations.LoadOrStore(objectType, new(atomic.Uint64))
	}
	return gen.(*atomic.Uint64)
}

func (c *CachedCheckResolver) cacheKey(req *ResolveCheckRequest) (string, error) {
	hash, err := keys.CheckCacheKey(&keys.CheckCacheKeyParams{
		AuthorizationModelID: c.authorizationModelID,
		TupleKey:             req.TupleKey,
		ContextualTuples:     req.ContextualTuples,
		Context:              req.Context,
	})
	if err != nil {
		return "", err
	}

	objectType := tuple.GetType(req.TupleKey.Object)
	return fmt.Sprintf("%s/%d/%d", objectType, c.generation(objectType).Load(), hash), nil
}

// ResolveCheck serves the result of an equivalent prior computation if one is
// cached, and delegates otherwise.
func (c *CachedCheckResolver) ResolveCheck(ctx context.Context, req *ResolveCheckRequest) (*ResolveCheckResponse, error) {
	checkCacheTotalCounter.Inc()

	cacheKey, err := c.cacheKey(req)
	if err != nil {
		// a key we cannot compute only disables caching for this request
		c.logger.Error("failed to compute cache key", zap.Error(err))
		return c.delegate.ResolveCheck(ctx, req)
	}

	if allowed, ok := c.cache.Get(cacheKey); ok {
		checkCacheHitCounter.Inc()
		return &ResolveCheckResponse{Allowed: allowed}, nil
	}

	resp, err := c.delegate.ResolveCheck(ctx, req)
	if err != nil {
		return nil, err
	}

	c.cache.SetWithTTL(cacheKey, resp.GetAllowed(), 1, c.cacheTTL)
	return resp, nil
}
