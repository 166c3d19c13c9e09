package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/goliatone/go-graph-gateway/ratelimit"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const rateLimitStateCacheKeyPrefix = "graph-gateway::rate_budget::v1"

// CachedRateLimitStateStore serves budget reads from a cache and drops the
// cached entry on every write.
type CachedRateLimitStateStore struct {
	base  ratelimit.StateStore
	cache repositorycache.CacheService
}

func NewCachedRateLimitStateStore(
	base ratelimit.StateStore,
	cacheService repositorycache.CacheService,
) (*CachedRateLimitStateStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base rate-limit state store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: rate-limit cache service is required")
	}
	return &CachedRateLimitStateStore{base: base, cache: cacheService}, nil
}

// RateLimitStateCacheKey returns graph-gateway::rate_budget::v1::<kind>::<id>
// with both segments URL-path escaped after normalization.
func RateLimitStateCacheKey(scope ratelimit.Scope) (string, error) {
	normalized := normalizeRateScope(scope)
	if err := normalized.Validate(); err != nil {
		return "", err
	}
	return strings.Join([]string{
		rateLimitStateCacheKeyPrefix,
		url.PathEscape(string(normalized.Kind)),
		url.PathEscape(normalized.ID),
	}, "::"), nil
}

func (s *CachedRateLimitStateStore) Get(ctx context.Context, scope ratelimit.Scope) (ratelimit.Budget, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return ratelimit.Budget{}, fmt.Errorf("sqlstore: cached rate-limit state store is not configured")
	}
	normalized := normalizeRateScope(scope)
	cacheKey, err := RateLimitStateCacheKey(normalized)
	if err != nil {
		return ratelimit.Budget{}, err
	}

	budget, err := repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (ratelimit.Budget, error) {
		fetched, fetchErr := s.base.Get(ctx, normalized)
		if fetchErr != nil {
			return ratelimit.Budget{}, fetchErr
		}
		fetched.Scope = normalizeRateScope(fetched.Scope)
		return fetched.Clone(), nil
	})
	if err != nil {
		return ratelimit.Budget{}, err
	}
	return budget.Clone(), nil
}

func (s *CachedRateLimitStateStore) Upsert(ctx context.Context, budget ratelimit.Budget) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached rate-limit state store is not configured")
	}
	budget.Scope = normalizeRateScope(budget.Scope)
	cacheKey, err := RateLimitStateCacheKey(budget.Scope)
	if err != nil {
		return err
	}
	if err := s.base.Upsert(ctx, budget); err != nil {
		return err
	}
	return s.cache.Delete(ctx, cacheKey)
}

var _ ratelimit.StateStore = (*CachedRateLimitStateStore)(nil)
