package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goliatone/go-graph-gateway/core"
	"github.com/goliatone/go-graph-gateway/ratelimit"
	"github.com/goliatone/go-graph-gateway/transport"
)

// Do executes req with the client's default retry policy.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	return c.Execute(ctx, req, c.policy)
}

// Execute runs req until it succeeds, fails terminally, exhausts the policy
// or ctx ends. Only transient failures are retried. Every physical attempt
// holds a rate-limit reservation; waiting for one does not count as an
// attempt.
func (c *Client) Execute(ctx context.Context, req Request, policy RetryPolicy) (res Response, err error) {
	if c == nil {
		return Response{}, fmt.Errorf("client: client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	startedAt := time.Now()
	req.Method = req.method()
	defer func() {
		fields := map[string]any{
			"identity": req.Identity,
			"method":   req.Method,
			"path":     req.Path,
			"attempts": res.Attempts,
		}
		if req.IdempotencyKey != "" {
			fields["idempotency_key"] = req.IdempotencyKey
		}
		if failure, ok := core.AsFailure(err); ok && failure.Attempts > 0 {
			fields["attempts"] = failure.Attempts
		}
		c.observer.ObserveOperation(ctx, startedAt, "client_execute", err, fields)
	}()

	if err := validateRequest(req); err != nil {
		return Response{}, err
	}
	credential, err := c.credential(ctx, req)
	if err != nil {
		return Response{}, err
	}
	target, err := c.resolveURL(req.Path)
	if err != nil {
		return Response{}, err
	}
	call := &attempt{
		req:        req,
		policy:     policy.normalized(),
		credential: credential,
		target:     target,
		scopes:     c.scopes(credential),
	}

	if c.cacheable(req) {
		return c.cached(ctx, call)
	}
	return c.run(ctx, call)
}

// attempt is the state of one logical call, private to the retry loop.
type attempt struct {
	req         Request
	policy      RetryPolicy
	credential  core.Credential
	target      string
	scopes      []ratelimit.Scope
	count       int
	scheduledAt time.Time
}

func (c *Client) run(ctx context.Context, call *attempt) (Response, error) {
	b := call.policy.backOff()
	var last *core.Failure
	for {
		reservation, err := c.reserve(ctx, call)
		if err != nil {
			return Response{}, c.withAttempts(err, call.count)
		}
		call.count++
		call.scheduledAt = c.now()

		res, failure, err := c.send(ctx, call, reservation)
		if err != nil {
			return Response{}, err
		}
		if failure == nil {
			return res, nil
		}
		failure.Attempts = call.count
		if !failure.Retryable() {
			return Response{}, failure
		}
		last = failure

		if call.count >= call.policy.MaxAttempts {
			return Response{}, &core.Failure{
				Kind:       core.FailureExhausted,
				Message:    "retry budget exhausted",
				StatusCode: last.StatusCode,
				Attempts:   call.count,
				Cause:      last,
			}
		}
		delay := call.policy.delay(b, last.RetryAfter)
		c.observer.Log(ctx, core.LogLevelWarn, "graph request retry scheduled", map[string]any{
			"identity":        call.req.Identity,
			"method":          call.req.Method,
			"path":            call.req.Path,
			"attempt":         call.count,
			"delay_ms":        delay.Milliseconds(),
			"failure_kind":    string(last.Kind),
			"status_code":     last.StatusCode,
			"idempotency_key": call.req.IdempotencyKey,
		})
		if err := c.sleep(ctx, delay); err != nil {
			return Response{}, cancelled(err, call.count)
		}
	}
}

// reserve blocks until every scope grants. Deferrals sleep without counting
// as attempts.
func (c *Client) reserve(ctx context.Context, call *attempt) (*ratelimit.Reservation, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, cancelled(err, 0)
		}
		decision, err := c.limiter.Reserve(ctx, call.scopes...)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, cancelled(ctxErr, 0)
			}
			return nil, err
		}
		if decision.Granted {
			return decision.Reservation, nil
		}
		c.observer.Log(ctx, core.LogLevelDebug, "graph request deferred by rate limiter", map[string]any{
			"identity":       call.req.Identity,
			"scope_kind":     string(decision.Governing.Kind),
			"scope_id":       decision.Governing.ID,
			"retry_after_ms": decision.RetryAfter.Milliseconds(),
		})
		c.observer.Count(ctx, "client_execute.deferred", 1, map[string]string{
			"scope_kind": string(decision.Governing.Kind),
		})
		if err := c.sleep(ctx, decision.RetryAfter); err != nil {
			return nil, cancelled(err, 0)
		}
	}
}

// send performs one physical attempt. It returns a classified failure for
// retry decisions, or err for outcomes that end the call immediately.
func (c *Client) send(ctx context.Context, call *attempt, reservation *ratelimit.Reservation) (Response, *core.Failure, error) {
	header := call.req.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Authorization", "Bearer "+call.credential.AccessToken)
	if call.req.IdempotencyKey != "" {
		header.Set(HeaderIdempotencyKey, call.req.IdempotencyKey)
	}
	if len(call.req.Body) > 0 {
		contentType := call.req.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		header.Set("Content-Type", contentType)
	}

	res, err := c.transport.Do(ctx, transport.Request{
		Method: call.req.Method,
		URL:    call.target,
		Query:  call.req.Query,
		Header: header,
		Body:   call.req.Body,
	})
	if err != nil {
		failure, ok := core.AsFailure(err)
		if !ok {
			c.limiter.Release(reservation)
			return Response{}, nil, err
		}
		if failure.Kind == core.FailureCancelled || ctx.Err() != nil {
			c.limiter.Release(reservation)
			return Response{}, nil, cancelled(failure, call.count)
		}
		failure.Message = core.ScrubSecrets(failure.Message, call.credential.AccessToken)
		return Response{}, failure, nil
	}

	usage, observeErr := c.limiter.Observe(ctx, call.scopes, res.Header)
	if observeErr != nil && ctx.Err() == nil {
		c.observer.Log(ctx, core.LogLevelWarn, "rate limit observe failed", map[string]any{
			"identity": call.req.Identity,
			"error":    observeErr.Error(),
		})
	}

	failure := core.ClassifyStatus(res.StatusCode, res.Body)
	if failure == nil {
		return Response{
			StatusCode: res.StatusCode,
			Header:     res.Header,
			Body:       res.Body,
			Attempts:   call.count,
			Usage:      usage,
		}, nil, nil
	}
	failure.RetryAfter = usage.RetryAfter
	failure.BodyExcerpt = core.ScrubSecrets(failure.BodyExcerpt, call.credential.AccessToken)
	failure.Details = map[string]any{
		"identity": call.req.Identity,
		"method":   call.req.Method,
		"path":     call.req.Path,
	}
	if failure.Kind == core.FailureRateLimited {
		if err := c.limiter.Throttle(ctx, throttleScopes(call.scopes, usage), usage.RetryAfter); err != nil && ctx.Err() == nil {
			c.observer.Log(ctx, core.LogLevelWarn, "rate limit throttle failed", map[string]any{
				"identity": call.req.Identity,
				"error":    err.Error(),
			})
		}
	}
	return Response{}, failure, nil
}

func (c *Client) credential(ctx context.Context, req Request) (core.Credential, error) {
	credential, err := c.tokens.Get(ctx, req.Identity)
	if err != nil {
		if errors.Is(err, core.ErrCredentialNotFound) {
			return core.Credential{}, &core.Failure{
				Kind:    core.FailureClientError,
				Reason:  core.ReasonCredentialNotFound,
				Message: fmt.Sprintf("no credential for identity %q", req.Identity),
				Cause:   err,
			}
		}
		return core.Credential{}, err
	}
	if credential.Expired(c.now(), c.cfg.Credentials.ExpirySkew) {
		return core.Credential{}, &core.Failure{
			Kind:    core.FailureClientError,
			Reason:  core.ReasonCredentialExpired,
			Message: fmt.Sprintf("credential for identity %q is expired", req.Identity),
			Details: credential.LogFields(),
		}
	}
	if missing := credential.MissingScopes(req.RequiredScopes...); len(missing) > 0 {
		return core.Credential{}, &core.Failure{
			Kind:    core.FailureClientError,
			Reason:  core.ReasonMissingScopes,
			Message: fmt.Sprintf("credential for identity %q lacks scopes %s", req.Identity, strings.Join(missing, ",")),
			Details: map[string]any{"identity": req.Identity, "missing_scopes": missing},
		}
	}
	return credential, nil
}

func (c *Client) scopes(credential core.Credential) []ratelimit.Scope {
	appID := strings.TrimSpace(credential.AppID)
	if appID == "" {
		appID = strings.TrimSpace(c.appID)
	}
	if appID == "" {
		appID = "default"
	}
	return []ratelimit.Scope{
		ratelimit.GlobalScope(appID),
		ratelimit.CredentialScope(credential.Fingerprint()),
	}
}

// throttleScopes keeps a 429 on the credential that hit it. The shared app
// budget is only cooled down when the app usage header reports it exhausted.
func throttleScopes(scopes []ratelimit.Scope, usage ratelimit.Usage) []ratelimit.Scope {
	appExhausted := false
	if percent, ok := usage.ForScope(ratelimit.ScopeGlobal); ok && percent >= 100 {
		appExhausted = true
	}
	out := make([]ratelimit.Scope, 0, len(scopes))
	for _, scope := range scopes {
		if scope.Kind == ratelimit.ScopeGlobal && !appExhausted {
			continue
		}
		out = append(out, scope)
	}
	return out
}

func (c *Client) resolveURL(path string) (string, error) {
	path = strings.TrimSpace(path)
	if strings.HasPrefix(path, "https://") || strings.HasPrefix(path, "http://") {
		return path, nil
	}
	return c.cfg.Graph.VersionedBaseURL() + "/" + strings.TrimLeft(path, "/"), nil
}

func validateRequest(req Request) error {
	if strings.TrimSpace(req.Identity) == "" {
		return invalidRequest("identity is required")
	}
	if strings.TrimSpace(req.Path) == "" {
		return invalidRequest("path is required")
	}
	if req.Mutating() && strings.TrimSpace(req.IdempotencyKey) == "" {
		return &core.Failure{
			Kind:    core.FailureClientError,
			Reason:  core.ReasonIdempotencyKeyRequired,
			Message: fmt.Sprintf("%s %s requires an idempotency key", req.Method, req.Path),
		}
	}
	return nil
}

func invalidRequest(message string) error {
	return &core.Failure{Kind: core.FailureClientError, Reason: core.ReasonInvalidRequest, Message: message}
}

func cancelled(cause error, attempts int) error {
	if failure, ok := core.AsFailure(cause); ok && failure.Kind == core.FailureCancelled {
		if failure.Attempts == 0 {
			failure.Attempts = attempts
		}
		return failure
	}
	return &core.Failure{
		Kind:     core.FailureCancelled,
		Message:  "request cancelled",
		Attempts: attempts,
		Cause:    cause,
	}
}

func (c *Client) withAttempts(err error, attempts int) error {
	if failure, ok := core.AsFailure(err); ok && failure.Attempts == 0 {
		failure.Attempts = attempts
	}
	return err
}
