package client

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goliatone/go-graph-gateway/core"
	"github.com/goliatone/go-graph-gateway/ratelimit"
)

const HeaderIdempotencyKey = "Idempotency-Key"

// Request is one logical Graph API call. Path is resolved against the
// versioned base URL unless it is already absolute.
type Request struct {
	Identity       string
	Method         string
	Path           string
	Query          url.Values
	Body           []byte
	ContentType    string
	Header         http.Header
	IdempotencyKey string
	// ReadOnly marks a POST that does not mutate upstream state, such as a
	// batch of GETs, so it can be sent without an idempotency key.
	ReadOnly       bool
	RequiredScopes []string
	SkipCache      bool
}

func (r Request) method() string {
	method := strings.ToUpper(strings.TrimSpace(r.Method))
	if method == "" {
		return http.MethodGet
	}
	return method
}

// Mutating reports whether the request can change upstream state.
func (r Request) Mutating() bool {
	switch r.method() {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	default:
		return !r.ReadOnly
	}
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Attempts   int
	Usage      ratelimit.Usage
	Cached     bool
}

func (r Response) Decode(target any) error {
	return json.Unmarshal(r.Body, target)
}

// RetryPolicy bounds the retry loop of one call.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
}

func PolicyFromConfig(cfg core.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		Multiplier:      cfg.Multiplier,
		Jitter:          cfg.Jitter,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = backoff.DefaultInitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = backoff.DefaultMaxInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = backoff.DefaultMultiplier
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = backoff.DefaultRandomizationFactor
	}
	return p
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// delay returns the wait before the next attempt. A Retry-After hint seeds
// the delay when it is longer than the computed backoff; both are capped at
// MaxInterval.
func (p RetryPolicy) delay(b backoff.BackOff, hint time.Duration) time.Duration {
	next := b.NextBackOff()
	if next == backoff.Stop || next < 0 {
		next = p.MaxInterval
	}
	if hint > next {
		next = hint
	}
	return min(next, p.MaxInterval)
}
