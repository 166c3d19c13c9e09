package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goliatone/go-graph-gateway/client"
	"github.com/goliatone/go-graph-gateway/core"
)

// Executor runs one logical Graph call; *client.Client implements it.
type Executor interface {
	Do(ctx context.Context, req client.Request) (client.Response, error)
}

type BatchOperation struct {
	Method      string
	RelativeURL string
}

// BatchResult is the outcome of one operation. Err is a *core.Failure when the
// operation failed; siblings are unaffected.
type BatchResult struct {
	Index      int
	Operation  BatchOperation
	StatusCode int
	Header     http.Header
	Body       []byte
	Err        error
}

func (r BatchResult) OK() bool {
	return r.Err == nil
}

func (r BatchResult) Decode(target any) error {
	if r.Err != nil {
		return r.Err
	}
	return json.Unmarshal(r.Body, target)
}

type BatchOption func(*Batcher)

func WithMaxBatchSize(size int) BatchOption {
	return func(b *Batcher) {
		if size > 0 && size <= core.DefaultMaxBatchSize {
			b.maxSize = size
		}
	}
}

func WithBatchLogger(logger core.Logger) BatchOption {
	return func(b *Batcher) {
		b.logger = logger
	}
}

func WithBatchMetricsRecorder(recorder core.MetricsRecorder) BatchOption {
	return func(b *Batcher) {
		b.metrics = recorder
	}
}

type Batcher struct {
	exec     Executor
	maxSize  int
	logger   core.Logger
	metrics  core.MetricsRecorder
	observer core.Observer
}

func NewBatcher(exec Executor, opts ...BatchOption) *Batcher {
	b := &Batcher{exec: exec, maxSize: core.DefaultMaxBatchSize}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(b)
	}
	b.logger = core.ResolveLogger("graph.batch", nil, b.logger)
	b.observer = core.NewObserver("graph", b.logger, b.metrics)
	return b
}

type batchEntry struct {
	Method      string `json:"method"`
	RelativeURL string `json:"relative_url"`
}

type batchItem struct {
	Code    int `json:"code"`
	Headers []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"headers"`
	Body string `json:"body"`
}

// Execute sends ops for identity in chunks of at most the batch size, one
// client call per chunk, and returns exactly one result per operation in
// input order. A chunk that fails as a whole fails each of its operations.
func (b *Batcher) Execute(ctx context.Context, identity string, ops []BatchOperation) ([]BatchResult, error) {
	if b == nil || b.exec == nil {
		return nil, fmt.Errorf("graph: batcher requires an executor")
	}
	if strings.TrimSpace(identity) == "" {
		return nil, fmt.Errorf("graph: batch identity is required")
	}
	results := make([]BatchResult, len(ops))
	pending := make([]int, 0, len(ops))
	for i, op := range ops {
		op.Method = strings.ToUpper(strings.TrimSpace(op.Method))
		if op.Method == "" {
			op.Method = http.MethodGet
		}
		op.RelativeURL = strings.TrimLeft(strings.TrimSpace(op.RelativeURL), "/")
		results[i] = BatchResult{Index: i, Operation: op}
		switch {
		case op.Method != http.MethodGet:
			results[i].Err = &core.Failure{
				Kind:    core.FailureClientError,
				Reason:  core.ReasonInvalidRequest,
				Message: fmt.Sprintf("batch operation %d: only GET operations can be batched", i),
			}
		case op.RelativeURL == "":
			results[i].Err = &core.Failure{
				Kind:    core.FailureClientError,
				Reason:  core.ReasonInvalidRequest,
				Message: fmt.Sprintf("batch operation %d: relative url is required", i),
			}
		default:
			pending = append(pending, i)
		}
	}

	for start := 0; start < len(pending); start += b.maxSize {
		end := min(start+b.maxSize, len(pending))
		b.executeChunk(ctx, identity, pending[start:end], results)
	}
	return results, nil
}

func (b *Batcher) executeChunk(ctx context.Context, identity string, indexes []int, results []BatchResult) {
	startedAt := time.Now()
	entries := make([]batchEntry, len(indexes))
	for i, index := range indexes {
		entries[i] = batchEntry{Method: results[index].Operation.Method, RelativeURL: results[index].Operation.RelativeURL}
	}
	body, err := json.Marshal(map[string]any{"batch": entries, "include_headers": true})
	if err != nil {
		b.failChunk(indexes, results, err)
		return
	}

	res, err := b.exec.Do(ctx, client.Request{
		Identity: identity,
		Method:   http.MethodPost,
		Path:     "/",
		Body:     body,
		ReadOnly: true,
	})
	defer func() {
		b.observer.ObserveOperation(ctx, startedAt, "batch_execute", err, map[string]any{
			"identity":   identity,
			"operations": len(indexes),
		})
	}()
	if err != nil {
		b.failChunk(indexes, results, err)
		return
	}

	var items []*batchItem
	if err = json.Unmarshal(res.Body, &items); err != nil || len(items) != len(indexes) {
		if err == nil {
			err = fmt.Errorf("graph: batch returned %d items for %d operations", len(items), len(indexes))
		}
		b.failChunk(indexes, results, &core.Failure{
			Kind:        core.FailureServerError,
			Reason:      core.ReasonMalformedPayload,
			Message:     "malformed batch response",
			StatusCode:  res.StatusCode,
			BodyExcerpt: core.RedactBody(res.Body, 0),
			Cause:       err,
		})
		return
	}
	for i, index := range indexes {
		results[index] = demuxItem(results[index], items[i])
	}
}

func demuxItem(result BatchResult, item *batchItem) BatchResult {
	if item == nil {
		result.Err = &core.Failure{
			Kind:    core.FailureTransientNetwork,
			Reason:  core.ReasonBatchItemTimeout,
			Message: fmt.Sprintf("batch operation %d did not complete", result.Index),
		}
		return result
	}
	result.StatusCode = item.Code
	result.Body = []byte(item.Body)
	result.Header = http.Header{}
	for _, header := range item.Headers {
		result.Header.Add(header.Name, header.Value)
	}
	if failure := core.ClassifyStatus(item.Code, result.Body); failure != nil {
		failure.Details = map[string]any{"batch_index": result.Index, "relative_url": result.Operation.RelativeURL}
		result.Err = failure
	}
	return result
}

func (b *Batcher) failChunk(indexes []int, results []BatchResult, err error) {
	for _, index := range indexes {
		results[index].Err = err
	}
}
