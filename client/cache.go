package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"strings"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const responseCacheKeyPrefix = "graph-gateway::response::v1"

type cachedResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (c *Client) cacheable(req Request) bool {
	return c.cache != nil && req.Method == http.MethodGet && !req.SkipCache
}

// cached serves GETs through the response cache. Only successful responses
// are stored; failures propagate without populating the cache.
func (c *Client) cached(ctx context.Context, call *attempt) (Response, error) {
	key := ResponseCacheKey(call.credential.Fingerprint(), call.req.Method, call.target, call.req.Query.Encode())
	fetched := false
	var live Response
	entry, err := repositorycache.GetOrFetch(ctx, c.cache, key, func(ctx context.Context) (cachedResponse, error) {
		fetched = true
		res, err := c.run(ctx, call)
		if err != nil {
			return cachedResponse{}, err
		}
		live = res
		return cachedResponse{
			StatusCode: res.StatusCode,
			Header:     res.Header.Clone(),
			Body:       append([]byte(nil), res.Body...),
		}, nil
	})
	if err != nil {
		return Response{}, err
	}
	if fetched {
		return live, nil
	}
	return Response{
		StatusCode: entry.StatusCode,
		Header:     entry.Header.Clone(),
		Body:       append([]byte(nil), entry.Body...),
		Cached:     true,
	}, nil
}

// InvalidateCache drops the cached response of a GET.
func (c *Client) InvalidateCache(ctx context.Context, identity, path string, query url.Values) error {
	if c == nil || c.cache == nil {
		return nil
	}
	credential, err := c.tokens.Get(ctx, identity)
	if err != nil {
		return err
	}
	target, err := c.resolveURL(path)
	if err != nil {
		return err
	}
	return c.cache.Delete(ctx, ResponseCacheKey(credential.Fingerprint(), http.MethodGet, target, query.Encode()))
}

// ResponseCacheKey hashes the credential fingerprint, method, URL and query
// so tokens never appear in cache keys.
func ResponseCacheKey(fingerprint, method, target, query string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{fingerprint, method, target, query}, "\n")))
	return responseCacheKeyPrefix + "::" + hex.EncodeToString(sum[:])
}
