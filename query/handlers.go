package query

import (
	"context"
	"strings"
	"time"

	"github.com/goliatone/go-graph-gateway/core"
	"github.com/goliatone/go-graph-gateway/ratelimit"
)

type CredentialReader interface {
	Get(ctx context.Context, identity string) (core.Credential, error)
}

type EventDequeuer interface {
	TryDequeue(ctx context.Context) (core.WebhookEvent, bool)
	Dequeue(ctx context.Context) (core.WebhookEvent, error)
}

type FailedEventLister interface {
	Failed(ctx context.Context, limit int) ([]core.WebhookEvent, error)
}

type BudgetReader interface {
	Budget(ctx context.Context, scope ratelimit.Scope) (ratelimit.Budget, error)
}

// CredentialView is the log-safe projection of a credential. The access
// token never leaves the store through a query.
type CredentialView struct {
	Identity         string
	TokenType        core.TokenType
	TokenFingerprint string
	SubjectID        string
	AppID            string
	Scopes           []string
	ExpiresAt        *time.Time
	Expired          bool
	UpdatedAt        time.Time
}

func NewCredentialView(credential core.Credential, now time.Time) CredentialView {
	view := CredentialView{
		Identity:         credential.Identity,
		TokenType:        credential.TokenType,
		TokenFingerprint: credential.Fingerprint(),
		SubjectID:        credential.SubjectID,
		AppID:            credential.AppID,
		Scopes:           append([]string(nil), credential.Scopes...),
		Expired:          credential.Expired(now, 0),
		UpdatedAt:        credential.UpdatedAt,
	}
	if credential.ExpiresAt != nil {
		expiresAt := *credential.ExpiresAt
		view.ExpiresAt = &expiresAt
	}
	return view
}

// DequeueResult reports whether an event was available.
type DequeueResult struct {
	Event core.WebhookEvent
	Found bool
}

type GetCredentialQuery struct {
	reader CredentialReader
	now    func() time.Time
}

func NewGetCredentialQuery(reader CredentialReader) *GetCredentialQuery {
	return &GetCredentialQuery{reader: reader, now: time.Now}
}

func (q *GetCredentialQuery) Query(ctx context.Context, msg GetCredentialMessage) (CredentialView, error) {
	if q == nil || q.reader == nil {
		return CredentialView{}, queryDependencyError("query: credential store is required")
	}
	credential, err := q.reader.Get(ctx, strings.TrimSpace(msg.Identity))
	if err != nil {
		return CredentialView{}, err
	}
	return NewCredentialView(credential, q.now()), nil
}

type ListExpiringCredentialsQuery struct {
	lister core.ExpiringLister
	window time.Duration
}

func NewListExpiringCredentialsQuery(lister core.ExpiringLister, defaultWindow time.Duration) *ListExpiringCredentialsQuery {
	if defaultWindow <= 0 {
		defaultWindow = core.DefaultExpiryWindow
	}
	return &ListExpiringCredentialsQuery{lister: lister, window: defaultWindow}
}

func (q *ListExpiringCredentialsQuery) Query(
	ctx context.Context,
	msg ListExpiringCredentialsMessage,
) ([]CredentialView, error) {
	if q == nil || q.lister == nil {
		return nil, queryDependencyError("query: expiring credential lister is required")
	}
	window := msg.Window
	if window <= 0 {
		window = q.window
	}
	now := msg.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	credentials, err := q.lister.ExpiringWithin(ctx, window, now)
	if err != nil {
		return nil, err
	}
	out := make([]CredentialView, 0, len(credentials))
	for _, credential := range credentials {
		out = append(out, NewCredentialView(credential, now))
	}
	return out, nil
}

type DequeueEventQuery struct {
	queue EventDequeuer
}

func NewDequeueEventQuery(queue EventDequeuer) *DequeueEventQuery {
	return &DequeueEventQuery{queue: queue}
}

func (q *DequeueEventQuery) Query(ctx context.Context, msg DequeueEventMessage) (DequeueResult, error) {
	if q == nil || q.queue == nil {
		return DequeueResult{}, queryDependencyError("query: delivery queue is required")
	}
	if !msg.Wait {
		event, ok := q.queue.TryDequeue(ctx)
		return DequeueResult{Event: event, Found: ok}, nil
	}
	event, err := q.queue.Dequeue(ctx)
	if err != nil {
		return DequeueResult{}, err
	}
	return DequeueResult{Event: event, Found: true}, nil
}

type ListFailedEventsQuery struct {
	lister FailedEventLister
}

func NewListFailedEventsQuery(lister FailedEventLister) *ListFailedEventsQuery {
	return &ListFailedEventsQuery{lister: lister}
}

func (q *ListFailedEventsQuery) Query(ctx context.Context, msg ListFailedEventsMessage) ([]core.WebhookEvent, error) {
	if q == nil || q.lister == nil {
		return nil, queryDependencyError("query: failed event lister is required")
	}
	return q.lister.Failed(ctx, msg.Limit)
}

type RateBudgetQuery struct {
	reader BudgetReader
}

func NewRateBudgetQuery(reader BudgetReader) *RateBudgetQuery {
	return &RateBudgetQuery{reader: reader}
}

func (q *RateBudgetQuery) Query(ctx context.Context, msg RateBudgetMessage) (ratelimit.Budget, error) {
	if q == nil || q.reader == nil {
		return ratelimit.Budget{}, queryDependencyError("query: rate limiter is required")
	}
	return q.reader.Budget(ctx, msg.Scope)
}
