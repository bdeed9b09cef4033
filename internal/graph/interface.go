package graph

import (
	"context"
)

// CheckResolver resolves a single check query. Implementations may delegate
// sub-problems to another CheckResolver (e.g. a caching layer wrapping the
// local evaluator).
type CheckResolver interface {
	ResolveCheck(ctx context.Context, req *ResolveCheckRequest) (*ResolveCheckResponse, error)

	// Close releases any resources held by the resolver.
	Close()
}
