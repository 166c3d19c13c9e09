package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/url"
	"strconv"
	"strings"

	"github.com/goliatone/go-graph-gateway/client"
	"github.com/goliatone/go-graph-gateway/core"
)

// Page is one page of a cursor-paginated edge.
type Page struct {
	Number int
	Data   []json.RawMessage
	Before string
	After  string
	Next   string
	Raw    []byte
}

type pageEnvelope struct {
	Data   []json.RawMessage `json:"data"`
	Paging struct {
		Cursors struct {
			Before string `json:"before"`
			After  string `json:"after"`
		} `json:"cursors"`
		Next     string `json:"next"`
		Previous string `json:"previous"`
	} `json:"paging"`
}

type PagerOption func(*Pager)

// WithStartCursor begins the walk after a cursor the caller persisted.
func WithStartCursor(cursor string) PagerOption {
	return func(p *Pager) {
		p.start = strings.TrimSpace(cursor)
	}
}

func WithPageSize(size int) PagerOption {
	return func(p *Pager) {
		if size > 0 {
			p.pageSize = size
		}
	}
}

// Pager walks one cursor-paginated edge lazily. Its cursor belongs to this
// walk only; Reset restarts from the beginning (or the start cursor).
// A Pager is not safe for concurrent use.
type Pager struct {
	exec     Executor
	req      client.Request
	start    string
	pageSize int

	cursor  string
	pages   int
	done    bool
	lastErr error
}

func NewPager(exec Executor, req client.Request, opts ...PagerOption) *Pager {
	p := &Pager{exec: exec, req: req}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(p)
	}
	p.Reset()
	return p
}

func (p *Pager) Reset() {
	p.cursor = p.start
	p.pages = 0
	p.done = false
	p.lastErr = nil
}

// Cursor returns the cursor the next page will be fetched after. Callers
// that need to resume across restarts persist it and pass it back through
// WithStartCursor.
func (p *Pager) Cursor() string {
	return p.cursor
}

// Next fetches the next page. It returns false once the walk ended: no
// continuation cursor, an empty page, or a terminal error, which is returned
// on the call that hit it.
func (p *Pager) Next(ctx context.Context) (Page, bool, error) {
	if p.done {
		return Page{}, false, nil
	}
	if p.exec == nil {
		p.done = true
		return Page{}, false, fmt.Errorf("graph: pager requires an executor")
	}

	req := p.req
	req.Query = cloneValues(p.req.Query)
	if p.cursor != "" {
		req.Query.Set("after", p.cursor)
	}
	if p.pageSize > 0 {
		req.Query.Set("limit", strconv.Itoa(p.pageSize))
	}
	res, err := p.exec.Do(ctx, req)
	if err != nil {
		p.done = true
		p.lastErr = err
		return Page{}, false, err
	}

	var envelope pageEnvelope
	if err := json.Unmarshal(res.Body, &envelope); err != nil {
		p.done = true
		failure := &core.Failure{
			Kind:        core.FailureClientError,
			Reason:      core.ReasonMalformedPayload,
			Message:     "paginated response is not a data envelope",
			StatusCode:  res.StatusCode,
			BodyExcerpt: core.RedactBody(res.Body, 0),
			Cause:       err,
		}
		p.lastErr = failure
		return Page{}, false, failure
	}
	if len(envelope.Data) == 0 {
		p.done = true
		return Page{}, false, nil
	}

	p.pages++
	page := Page{
		Number: p.pages,
		Data:   envelope.Data,
		Before: envelope.Paging.Cursors.Before,
		After:  envelope.Paging.Cursors.After,
		Next:   envelope.Paging.Next,
		Raw:    res.Body,
	}
	if page.After == "" || page.Next == "" || page.After == p.cursor {
		p.done = true
	} else {
		p.cursor = page.After
	}
	return page, true, nil
}

// Pages yields pages in order. A terminal error is yielded once as the last
// element.
func (p *Pager) Pages(ctx context.Context) iter.Seq2[Page, error] {
	return func(yield func(Page, error) bool) {
		for {
			page, ok, err := p.Next(ctx)
			if err != nil {
				yield(Page{}, err)
				return
			}
			if !ok || !yield(page, nil) {
				return
			}
		}
	}
}

// All concatenates the data of every remaining page.
func (p *Pager) All(ctx context.Context) ([]json.RawMessage, error) {
	var out []json.RawMessage
	for page, err := range p.Pages(ctx) {
		if err != nil {
			return out, err
		}
		out = append(out, page.Data...)
	}
	return out, nil
}

// Err returns the error that ended the walk, if any.
func (p *Pager) Err() error {
	return p.lastErr
}

func cloneValues(values url.Values) url.Values {
	out := url.Values{}
	for key, items := range values {
		out[key] = append([]string(nil), items...)
	}
	return out
}
