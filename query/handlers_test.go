package query

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-graph-gateway/core"
	"github.com/goliatone/go-graph-gateway/delivery"
	"github.com/goliatone/go-graph-gateway/ratelimit"
)

func TestGetCredentialQuery_ReturnsRedactedView(t *testing.T) {
	tokens := core.NewMemoryTokenStore()
	expiresAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := tokens.Put(context.Background(), "page:111", core.Credential{
		AccessToken: "EAAB-secret-token",
		TokenType:   core.TokenTypePage,
		Scopes:      []string{"pages_manage_posts"},
		ExpiresAt:   &expiresAt,
	}); err != nil {
		t.Fatalf("put: %v", err)
	}

	qry := NewGetCredentialQuery(tokens)
	qry.now = func() time.Time { return expiresAt.Add(time.Minute) }
	view, err := qry.Query(context.Background(), GetCredentialMessage{Identity: " page:111 "})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if view.Identity != "page:111" || view.TokenType != core.TokenTypePage {
		t.Fatalf("unexpected view %#v", view)
	}
	if view.TokenFingerprint != core.TokenFingerprint("EAAB-secret-token") {
		t.Fatalf("expected token fingerprint, got %q", view.TokenFingerprint)
	}
	if !view.Expired {
		t.Fatalf("expected credential to be reported expired")
	}
	if strings.Contains(view.TokenFingerprint, "EAAB") {
		t.Fatalf("expected fingerprint to hide the token")
	}

	_, err = qry.Query(context.Background(), GetCredentialMessage{Identity: "page:404"})
	if !errors.Is(err, core.ErrCredentialNotFound) {
		t.Fatalf("expected ErrCredentialNotFound, got %v", err)
	}
}

func TestListExpiringCredentialsQuery_UsesDefaultWindow(t *testing.T) {
	ctx := context.Background()
	tokens := core.NewMemoryTokenStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	soon := now.Add(10 * time.Minute)
	later := now.Add(2 * time.Hour)
	_ = tokens.Put(ctx, "page:soon", core.Credential{AccessToken: "a", ExpiresAt: &soon})
	_ = tokens.Put(ctx, "page:later", core.Credential{AccessToken: "b", ExpiresAt: &later})

	qry := NewListExpiringCredentialsQuery(tokens, 30*time.Minute)
	views, err := qry.Query(ctx, ListExpiringCredentialsMessage{Now: now})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(views) != 1 || views[0].Identity != "page:soon" || views[0].Expired {
		t.Fatalf("unexpected expiring views %#v", views)
	}

	views, err = qry.Query(ctx, ListExpiringCredentialsMessage{Now: now, Window: 3 * time.Hour})
	if err != nil {
		t.Fatalf("query wide window: %v", err)
	}
	if len(views) != 2 || views[0].Identity != "page:soon" {
		t.Fatalf("expected both credentials soonest first, got %#v", views)
	}
}

func TestDequeueEventQuery_TryAndWait(t *testing.T) {
	ctx := context.Background()
	store := core.NewMemoryEventStore()
	queue := delivery.New(core.DeliveryConfig{AckTimeout: time.Minute}, store)
	qry := NewDequeueEventQuery(queue)

	empty, err := qry.Query(ctx, DequeueEventMessage{})
	if err != nil || empty.Found {
		t.Fatalf("expected empty queue, got %#v err=%v", empty, err)
	}

	event := core.WebhookEvent{DeliveryID: "page:1:1:feed:0", State: core.EventStateQueued, ReceivedAt: time.Now().UTC()}
	if _, _, err := store.InsertIfAbsent(ctx, event); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := queue.Enqueue(ctx, event); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, err := qry.Query(ctx, DequeueEventMessage{Wait: true})
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if !got.Found || got.Event.DeliveryID != event.DeliveryID || got.Event.Attempts != 1 {
		t.Fatalf("unexpected dequeue result %#v", got)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := qry.Query(waitCtx, DequeueEventMessage{Wait: true}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestListFailedEventsQuery_Delegates(t *testing.T) {
	lister := stubFailedLister{events: []core.WebhookEvent{{DeliveryID: "d1", State: core.EventStateFailed}}}
	events, err := NewListFailedEventsQuery(lister).Query(context.Background(), ListFailedEventsMessage{Limit: 5})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 1 || events[0].DeliveryID != "d1" {
		t.Fatalf("unexpected failed events %#v", events)
	}
}

func TestRateBudgetQuery_ReadsLimiterSnapshot(t *testing.T) {
	limiter := ratelimit.New(core.DefaultConfig().RateLimit)
	defer func() { _ = limiter.Close() }()

	scope := ratelimit.CredentialScope("fp-1")
	if err := limiter.Throttle(context.Background(), []ratelimit.Scope{scope}, time.Minute); err != nil {
		t.Fatalf("throttle: %v", err)
	}
	budget, err := NewRateBudgetQuery(limiter).Query(context.Background(), RateBudgetMessage{Scope: scope})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if budget.State != ratelimit.StateCooldown {
		t.Fatalf("expected cooldown budget, got %s", budget.State)
	}
}

func TestMessages_ValidateReturnsRichError(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		field string
	}{
		{name: "identity", err: GetCredentialMessage{}.Validate(), field: "identity"},
		{name: "window", err: ListExpiringCredentialsMessage{Window: -time.Second}.Validate(), field: "window"},
		{name: "limit", err: ListFailedEventsMessage{Limit: -1}.Validate(), field: "limit"},
		{name: "scope", err: RateBudgetMessage{Scope: ratelimit.Scope{Kind: ratelimit.ScopeCredential}}.Validate(), field: "scope"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var rich *goerrors.Error
			if !goerrors.As(tc.err, &rich) {
				t.Fatalf("expected go-errors envelope, got %T", tc.err)
			}
			if rich.Category != goerrors.CategoryValidation || rich.Code != http.StatusBadRequest {
				t.Fatalf("unexpected envelope %q/%d", rich.Category, rich.Code)
			}
			if rich.TextCode != core.ErrorBadInput {
				t.Fatalf("expected %q text code, got %q", core.ErrorBadInput, rich.TextCode)
			}
			validation := rich.AllValidationErrors()
			if len(validation) == 0 || validation[0].Field != tc.field {
				t.Fatalf("expected %s field error, got %#v", tc.field, validation)
			}
		})
	}
}

func TestQueries_NilDependencyReturnsRichError(t *testing.T) {
	var q *GetCredentialQuery
	_, err := q.Query(context.Background(), GetCredentialMessage{Identity: "page:1"})

	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryInternal || rich.TextCode != core.ErrorInternal {
		t.Fatalf("unexpected envelope %q/%q", rich.Category, rich.TextCode)
	}
	if rich.Code != http.StatusInternalServerError {
		t.Fatalf("expected %d code, got %d", http.StatusInternalServerError, rich.Code)
	}
	if _, err := NewRateBudgetQuery(nil).Query(context.Background(), RateBudgetMessage{}); err == nil {
		t.Fatalf("expected missing limiter to fail")
	}
}

type stubFailedLister struct {
	events []core.WebhookEvent
}

func (s stubFailedLister) Failed(_ context.Context, limit int) ([]core.WebhookEvent, error) {
	if limit > 0 && len(s.events) > limit {
		return s.events[:limit], nil
	}
	return s.events, nil
}
