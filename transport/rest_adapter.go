package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-graph-gateway/core"
)

const defaultClientTimeout = 30 * time.Second
const defaultResponseBodyLimit int64 = 10 << 20 // 10 MiB

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Request is one physical HTTP exchange against the Graph API.
type Request struct {
	Method               string
	URL                  string
	Query                url.Values
	Header               http.Header
	Body                 []byte
	Timeout              time.Duration
	MaxResponseBodyBytes int64
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

// Doer sends a single request. Implementations do not retry.
type Doer interface {
	Do(ctx context.Context, req Request) (Response, error)
}

type RESTAdapter struct {
	Client               HTTPDoer
	DefaultHeaders       http.Header
	MaxResponseBodyBytes int64
}

func NewRESTAdapter(client HTTPDoer) *RESTAdapter {
	if client == nil {
		client = &http.Client{Timeout: defaultClientTimeout}
	}
	return &RESTAdapter{
		Client:               client,
		DefaultHeaders:       http.Header{},
		MaxResponseBodyBytes: defaultResponseBodyLimit,
	}
}

// Do performs req. Failures to reach the server come back as a
// core.Failure of kind transient_network, or cancelled when ctx ended first;
// HTTP error statuses are returned as responses for the caller to classify.
func (a *RESTAdapter) Do(ctx context.Context, req Request) (Response, error) {
	if a == nil || a.Client == nil {
		return Response{}, transportError(
			"transport: rest adapter requires an http client",
			goerrors.CategoryInternal,
			http.StatusInternalServerError,
			nil,
		)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	method := strings.TrimSpace(strings.ToUpper(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	parsedURL, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil {
		return Response{}, transportWrapError(
			err,
			goerrors.CategoryBadInput,
			"transport: invalid request url",
			http.StatusBadRequest,
			map[string]any{"method": method},
		)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return Response{}, transportError(
			"transport: absolute request url is required",
			goerrors.CategoryBadInput,
			http.StatusBadRequest,
			map[string]any{"method": method},
		)
	}

	query := parsedURL.Query()
	for key, values := range req.Query {
		if strings.TrimSpace(key) == "" {
			continue
		}
		query.Del(key)
		for _, value := range values {
			query.Add(strings.TrimSpace(key), value)
		}
	}
	parsedURL.RawQuery = query.Encode()

	requestCtx := ctx
	cancel := func() {}
	if req.Timeout > 0 {
		requestCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(requestCtx, method, parsedURL.String(), body)
	if err != nil {
		return Response{}, transportWrapError(
			err,
			goerrors.CategoryBadInput,
			"transport: create http request",
			http.StatusBadRequest,
			map[string]any{"method": method, "path": parsedURL.Path},
		)
	}
	copyHeaders(httpReq.Header, a.DefaultHeaders)
	copyHeaders(httpReq.Header, req.Header)

	startedAt := time.Now()
	httpRes, err := a.Client.Do(httpReq)
	if err != nil {
		return Response{}, networkFailure(ctx, err, method, parsedURL.Path)
	}
	defer httpRes.Body.Close()

	maxBodyBytes := resolveResponseBodyLimit(req.MaxResponseBodyBytes, a.MaxResponseBodyBytes)
	payload, err := io.ReadAll(io.LimitReader(httpRes.Body, maxBodyBytes+1))
	if err != nil {
		return Response{}, networkFailure(ctx, err, method, parsedURL.Path)
	}
	if int64(len(payload)) > maxBodyBytes {
		return Response{}, transportError(
			fmt.Sprintf("transport: response body exceeds limit of %d bytes", maxBodyBytes),
			goerrors.CategoryExternal,
			http.StatusBadGateway,
			map[string]any{
				"status_code":      httpRes.StatusCode,
				"response_limit_b": maxBodyBytes,
			},
		)
	}

	return Response{
		StatusCode: httpRes.StatusCode,
		Header:     httpRes.Header.Clone(),
		Body:       payload,
		Duration:   time.Since(startedAt),
	}, nil
}

func networkFailure(ctx context.Context, err error, method, path string) error {
	details := map[string]any{"method": method, "path": path}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &core.Failure{
			Kind:    core.FailureCancelled,
			Message: "request cancelled",
			Details: details,
			Cause:   ctxErr,
		}
	}
	failure := &core.Failure{
		Kind:    core.FailureTransientNetwork,
		Message: "execute http request",
		Details: details,
		Cause:   err,
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		failure.Reason = core.ReasonTimeout
	}
	return failure
}

func copyHeaders(target http.Header, source http.Header) {
	for key, values := range source {
		if strings.TrimSpace(key) == "" {
			continue
		}
		target.Del(key)
		for _, value := range values {
			target.Add(key, strings.TrimSpace(value))
		}
	}
}

func resolveResponseBodyLimit(requestLimit int64, adapterLimit int64) int64 {
	if requestLimit > 0 {
		return requestLimit
	}
	if adapterLimit > 0 {
		return adapterLimit
	}
	return defaultResponseBodyLimit
}

var _ Doer = (*RESTAdapter)(nil)
