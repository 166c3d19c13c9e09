package webhooks

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-graph-gateway/core"
)

const testSecret = "app-secret"

type recordingEnqueuer struct {
	mu     sync.Mutex
	events []core.WebhookEvent
	err    error
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, event core.WebhookEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, event)
	return nil
}

func (r *recordingEnqueuer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// countingStore fails the test if a rejected delivery touches persistence.
type countingStore struct {
	*core.MemoryEventStore
	inserts int
}

func (s *countingStore) InsertIfAbsent(ctx context.Context, event core.WebhookEvent) (core.WebhookEvent, bool, error) {
	s.inserts++
	return s.MemoryEventStore.InsertIfAbsent(ctx, event)
}

func newTestIngress(t *testing.T, cfg core.WebhookConfig) (*Ingress, *countingStore, *recordingEnqueuer) {
	t.Helper()
	if cfg.AppSecret == "" {
		cfg.AppSecret = testSecret
	}
	store := &countingStore{MemoryEventStore: core.NewMemoryEventStore()}
	queue := &recordingEnqueuer{}
	ingress, err := NewIngress(cfg, store, queue, WithClock(func() time.Time {
		return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	}))
	if err != nil {
		t.Fatalf("new ingress: %v", err)
	}
	return ingress, store, queue
}

func signedRequest(body string) InboundRequest {
	header := http.Header{}
	header.Set(HeaderSignature256, NewSignatureVerifier(testSecret, false).Sign([]byte(body)))
	return InboundRequest{Header: header, Body: []byte(body)}
}

const feedDelivery = `{"object":"page","entry":[{"id":"111","time":1700000000,"changes":[{"field":"feed","value":{"id":"p1"}},{"field":"feed","value":{"id":"p2"}}]}]}`

func TestIngress_BadSignatureNeverReachesNormalization(t *testing.T) {
	for _, status := range []int{0, http.StatusForbidden} {
		ingress, store, queue := newTestIngress(t, core.WebhookConfig{RejectStatus: status})
		req := signedRequest(feedDelivery)
		req.Body = []byte(`{"object":"page","entry":[{"id":"999","time":1,"changes":[{"field":"feed"}]}]}`)

		result, err := ingress.Ingest(context.Background(), req)
		if !core.IsFailureKind(err, core.FailureSignatureInvalid) {
			t.Fatalf("expected signature failure, got %v", err)
		}
		want := status
		if want == 0 {
			want = http.StatusOK
		}
		if result.StatusCode != want || result.Accepted {
			t.Fatalf("expected reject status %d, got %#v", want, result)
		}
		if store.inserts != 0 || queue.count() != 0 {
			t.Fatalf("rejected delivery reached persistence or the queue")
		}
	}
}

func TestIngress_QueuesNewEventsAndSkipsDuplicates(t *testing.T) {
	ingress, store, queue := newTestIngress(t, core.WebhookConfig{})
	ctx := context.Background()

	first, err := ingress.Ingest(ctx, signedRequest(feedDelivery))
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if first.StatusCode != http.StatusOK || len(first.Queued) != 2 || len(first.Duplicates) != 0 {
		t.Fatalf("unexpected first result %#v", first)
	}
	for _, id := range first.Queued {
		event, err := store.Get(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if event.State != core.EventStateQueued {
			t.Fatalf("expected %s to be queued, got %s", id, event.State)
		}
	}

	second, err := ingress.Ingest(ctx, signedRequest(feedDelivery))
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if second.StatusCode != http.StatusOK || !second.Accepted || len(second.Queued) != 0 || len(second.Duplicates) != 2 {
		t.Fatalf("expected redelivery to be acknowledged as duplicate, got %#v", second)
	}
	if queue.count() != 2 {
		t.Fatalf("expected exactly 2 enqueued events, got %d", queue.count())
	}
}

func TestIngress_DuplicateOfDeliveredEventIsNotRequeued(t *testing.T) {
	ingress, store, queue := newTestIngress(t, core.WebhookConfig{})
	ctx := context.Background()
	result, err := ingress.Ingest(ctx, signedRequest(feedDelivery))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	for _, id := range result.Queued {
		if err := store.UpdateState(ctx, core.EventStateUpdate{DeliveryID: id, State: core.EventStateDelivered}); err != nil {
			t.Fatalf("mark delivered: %v", err)
		}
	}
	if _, err := ingress.Ingest(ctx, signedRequest(feedDelivery)); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if queue.count() != 2 {
		t.Fatalf("expected delivered events not to be enqueued again, got %d", queue.count())
	}
}

func TestIngress_MalformedPayloadAndObjectFilter(t *testing.T) {
	ingress, _, queue := newTestIngress(t, core.WebhookConfig{Objects: []string{"instagram"}})
	result, err := ingress.Ingest(context.Background(), signedRequest(`{"object":`))
	if !core.IsFailureKind(err, core.FailureClientError) || result.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected malformed payload rejection, got %#v %v", result, err)
	}

	result, err = ingress.Ingest(context.Background(), signedRequest(feedDelivery))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if result.Ignored != 2 || queue.count() != 0 {
		t.Fatalf("expected unsubscribed object to be ignored, got %#v", result)
	}
}

func TestIngress_EnqueueFailureSurfaces(t *testing.T) {
	ingress, store, queue := newTestIngress(t, core.WebhookConfig{})
	queue.err = errors.New("queue closed")
	result, err := ingress.Ingest(context.Background(), signedRequest(feedDelivery))
	if err == nil || result.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected enqueue failure to surface, got %#v %v", result, err)
	}
	queued, err := store.ListByState(context.Background(), core.EventStateQueued, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(queued) != 1 {
		t.Fatalf("expected the event to stay persisted as queued for recovery, got %d", len(queued))
	}
}

func TestIngress_RecoverRequeuesPersistedEvents(t *testing.T) {
	ingress, store, queue := newTestIngress(t, core.WebhookConfig{})
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	for _, event := range []core.WebhookEvent{
		{DeliveryID: "page:1:1:feed:0", Object: "page", State: core.EventStateReceived, ReceivedAt: now},
		{DeliveryID: "page:2:1:feed:0", Object: "page", State: core.EventStateQueued, ReceivedAt: now},
		{DeliveryID: "page:3:1:feed:0", Object: "page", State: core.EventStateDelivered, ReceivedAt: now},
	} {
		if _, _, err := store.InsertIfAbsent(ctx, event); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	recovered, err := ingress.Recover(ctx, 100)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != 2 || queue.count() != 2 {
		t.Fatalf("expected 2 recovered events, got %d (%d enqueued)", recovered, queue.count())
	}
	event, err := store.Get(ctx, "page:1:1:feed:0")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if event.State != core.EventStateQueued {
		t.Fatalf("expected received event to be queued on recovery, got %s", event.State)
	}
}

func TestIngress_Handshake(t *testing.T) {
	ingress, _, _ := newTestIngress(t, core.WebhookConfig{VerifyToken: "verify-me"})
	query := url.Values{}
	query.Set("hub.mode", "subscribe")
	query.Set("hub.verify_token", "verify-me")
	query.Set("hub.challenge", "12345")

	challenge, err := ingress.Handshake(context.Background(), query)
	if err != nil || challenge != "12345" {
		t.Fatalf("expected challenge echo, got %q %v", challenge, err)
	}

	query.Set("hub.verify_token", "wrong")
	if _, err := ingress.Handshake(context.Background(), query); err == nil {
		t.Fatalf("expected wrong verify token to be rejected")
	}
}
