package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-graph-gateway/core"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestQueue(t *testing.T, cfg core.DeliveryConfig) (*Queue, *core.MemoryEventStore, *fakeClock) {
	t.Helper()
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = 30 * time.Second
	}
	store := core.NewMemoryEventStore()
	clock := newFakeClock()
	return New(cfg, store, WithClock(clock.Now)), store, clock
}

func seed(t *testing.T, q *Queue, store *core.MemoryEventStore, ids ...string) {
	t.Helper()
	ctx := context.Background()
	for _, id := range ids {
		event := core.WebhookEvent{DeliveryID: id, Object: "page", State: core.EventStateQueued}
		if _, _, err := store.InsertIfAbsent(ctx, event); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
		if err := q.Enqueue(ctx, event); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
}

func mustDequeue(t *testing.T, q *Queue) core.WebhookEvent {
	t.Helper()
	event, ok := q.TryDequeue(context.Background())
	if !ok {
		t.Fatalf("expected an event")
	}
	return event
}

func TestQueue_FIFOAndAck(t *testing.T) {
	q, store, _ := newTestQueue(t, core.DeliveryConfig{MaxRedeliveries: 3})
	seed(t, q, store, "a", "b", "c")

	for _, want := range []string{"a", "b", "c"} {
		event := mustDequeue(t, q)
		if event.DeliveryID != want {
			t.Fatalf("expected %s, got %s", want, event.DeliveryID)
		}
		if err := q.Ack(context.Background(), event.DeliveryID); err != nil {
			t.Fatalf("ack %s: %v", want, err)
		}
	}
	if _, ok := q.TryDequeue(context.Background()); ok {
		t.Fatalf("expected empty queue")
	}
	event, err := store.Get(context.Background(), "b")
	if err != nil || event.State != core.EventStateDelivered || event.Attempts != 1 {
		t.Fatalf("expected b delivered after one attempt, got %#v %v", event, err)
	}
	if err := q.Ack(context.Background(), "b"); err == nil {
		t.Fatalf("expected second ack to fail")
	}
}

func TestQueue_EnqueueIgnoresEventsAlreadyHeld(t *testing.T) {
	q, store, _ := newTestQueue(t, core.DeliveryConfig{})
	seed(t, q, store, "a")
	if err := q.Enqueue(context.Background(), core.WebhookEvent{DeliveryID: "a"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	mustDequeue(t, q)
	if err := q.Enqueue(context.Background(), core.WebhookEvent{DeliveryID: "a"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if q.Len() != 0 || q.InFlight() != 1 {
		t.Fatalf("expected a single held copy, got len=%d inflight=%d", q.Len(), q.InFlight())
	}
}

func TestQueue_AckTimeoutReinsertsAtFront(t *testing.T) {
	q, store, clock := newTestQueue(t, core.DeliveryConfig{AckTimeout: 10 * time.Second, MaxRedeliveries: 3})
	seed(t, q, store, "a", "b")

	first := mustDequeue(t, q)
	clock.Advance(11 * time.Second)

	redelivered := mustDequeue(t, q)
	if redelivered.DeliveryID != first.DeliveryID || redelivered.Attempts != 2 {
		t.Fatalf("expected %s redelivered at the front, got %#v", first.DeliveryID, redelivered)
	}
	if redelivered.LastError != "ack timeout" {
		t.Fatalf("expected timeout reason, got %q", redelivered.LastError)
	}
	stored, _ := store.Get(context.Background(), "a")
	if stored.State != core.EventStateQueued || stored.Attempts != 1 {
		t.Fatalf("expected persisted redelivery, got %#v", stored)
	}
}

func TestQueue_ExpiredLeasesKeepOriginalOrder(t *testing.T) {
	q, store, clock := newTestQueue(t, core.DeliveryConfig{AckTimeout: 10 * time.Second, MaxRedeliveries: 3})
	seed(t, q, store, "a", "b", "c")

	mustDequeue(t, q)
	clock.Advance(time.Second)
	mustDequeue(t, q)
	clock.Advance(10 * time.Second)

	if reclaimed := q.ReapExpired(context.Background()); reclaimed != 2 {
		t.Fatalf("expected 2 reclaimed leases, got %d", reclaimed)
	}
	for _, want := range []string{"a", "b", "c"} {
		if got := mustDequeue(t, q).DeliveryID; got != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
	}
}

func TestQueue_NackExhaustsToFailed(t *testing.T) {
	q, store, _ := newTestQueue(t, core.DeliveryConfig{MaxRedeliveries: 2})
	seed(t, q, store, "a")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		event := mustDequeue(t, q)
		if err := q.Nack(ctx, event.DeliveryID, fmt.Sprintf("consumer error %d", i)); err != nil {
			t.Fatalf("nack %d: %v", i, err)
		}
	}
	if _, ok := q.TryDequeue(ctx); ok {
		t.Fatalf("expected exhausted event not to be redelivered")
	}
	failed, err := q.Failed(ctx, 10)
	if err != nil {
		t.Fatalf("failed: %v", err)
	}
	if len(failed) != 1 || failed[0].Attempts != 3 || failed[0].LastError != "consumer error 2" {
		t.Fatalf("expected failed event surfaced for inspection, got %#v", failed)
	}

	if err := q.Requeue(ctx, "a"); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	event := mustDequeue(t, q)
	if event.Attempts != 1 {
		t.Fatalf("expected fresh redelivery budget, got %d attempts", event.Attempts)
	}
	if err := q.Requeue(ctx, "a"); err == nil {
		t.Fatalf("expected requeue of a non-failed event to fail")
	}
}

func TestQueue_FailSkipsRemainingRedeliveries(t *testing.T) {
	q, store, _ := newTestQueue(t, core.DeliveryConfig{MaxRedeliveries: 5})
	seed(t, q, store, "poison", "b")
	ctx := context.Background()

	event := mustDequeue(t, q)
	if err := q.Fail(ctx, event.DeliveryID, "unprocessable"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	stored, err := store.Get(ctx, "poison")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.State != core.EventStateFailed || stored.LastError != "unprocessable" || stored.Attempts != 1 {
		t.Fatalf("expected failed after one attempt, got %s attempts=%d error=%q", stored.State, stored.Attempts, stored.LastError)
	}
	if got := mustDequeue(t, q).DeliveryID; got != "b" {
		t.Fatalf("expected failed event to leave the queue, got %s", got)
	}
	if err := q.Fail(ctx, "poison", "again"); err == nil {
		t.Fatalf("expected fail of an event not in flight to be rejected")
	}
}

func TestQueue_LateAckOfRequeuedEvent(t *testing.T) {
	q, store, clock := newTestQueue(t, core.DeliveryConfig{AckTimeout: time.Second, MaxRedeliveries: 3})
	seed(t, q, store, "a", "b")

	mustDequeue(t, q)
	clock.Advance(2 * time.Second)
	q.ReapExpired(context.Background())

	if err := q.Ack(context.Background(), "a"); err != nil {
		t.Fatalf("late ack: %v", err)
	}
	if got := mustDequeue(t, q).DeliveryID; got != "b" {
		t.Fatalf("expected late-acked event to leave the queue, got %s", got)
	}
	stored, _ := store.Get(context.Background(), "a")
	if stored.State != core.EventStateDelivered {
		t.Fatalf("expected delivered, got %s", stored.State)
	}
}

func TestQueue_DequeueBlocksUntilEnqueueOrCancel(t *testing.T) {
	q, store, _ := newTestQueue(t, core.DeliveryConfig{ReapInterval: time.Hour})
	if _, _, err := store.InsertIfAbsent(context.Background(), core.WebhookEvent{DeliveryID: "a", State: core.EventStateQueued}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got := make(chan core.WebhookEvent, 1)
	go func() {
		event, err := q.Dequeue(context.Background())
		if err == nil {
			got <- event
		}
	}()
	time.Sleep(20 * time.Millisecond)
	if err := q.Enqueue(context.Background(), core.WebhookEvent{DeliveryID: "a"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case event := <-got:
		if event.DeliveryID != "a" {
			t.Fatalf("unexpected event %s", event.DeliveryID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("blocked dequeue was not woken")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	q.Close()
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected closed queue, got %v", err)
	}
	if err := q.Enqueue(context.Background(), core.WebhookEvent{DeliveryID: "b"}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected enqueue on closed queue to fail, got %v", err)
	}
}
